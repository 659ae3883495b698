// internal/syncengine/engine.go
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"mkutano/internal/buffer"
	"mkutano/internal/remote"
)

// Connectivity is the part of the connectivity monitor the engine reads.
type Connectivity interface {
	IsOnline() bool
}

// OperationError describes one operation that failed during a drain.
type OperationError struct {
	OperationID string      `json:"operation_id"`
	Kind        buffer.Kind `json:"kind"`
	Message     string      `json:"message"`
	Permanent   bool        `json:"permanent"`
}

// Result summarizes one drain. Errors are data here: SyncAll never fails.
type Result struct {
	Synced   int              `json:"synced"`
	Failed   int              `json:"failed"`
	Deferred int              `json:"deferred"`
	Errors   []OperationError `json:"errors,omitempty"`
}

// Engine replays buffered operations against the remote data service.
type Engine struct {
	buf         *buffer.Buffer
	remote      remote.Service
	online      Connectivity
	itemTimeout time.Duration
	log         *slog.Logger
	tracer      trace.Tracer
	metrics     *metrics
	now         func() time.Time

	inflight singleflight.Group

	mu       sync.Mutex
	lastSync map[string]time.Time
}

type Option func(*Engine)

// WithItemTimeout bounds each remote call.
func WithItemTimeout(d time.Duration) Option { return func(e *Engine) { e.itemTimeout = d } }

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.log = l } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func New(buf *buffer.Buffer, svc remote.Service, online Connectivity, opts ...Option) *Engine {
	e := &Engine{
		buf:         buf,
		remote:      svc,
		online:      online,
		itemTimeout: 15 * time.Second,
		log:         slog.Default(),
		tracer:      otel.Tracer("mkutano/syncengine"),
		now:         time.Now,
		lastSync:    make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.metrics = newMetrics(e.log)
	return e
}

// SyncAll drains the owner's pending operations in capture order. While
// offline it returns a zero Result without touching the remote service.
// Concurrent calls for the same owner share one drain and its Result.
func (e *Engine) SyncAll(ctx context.Context, ownerUserID string) Result {
	if !e.online.IsOnline() {
		return Result{}
	}
	v, _, shared := e.inflight.Do(ownerUserID, func() (interface{}, error) {
		return e.drain(ctx, ownerUserID), nil
	})
	if shared {
		e.log.Debug("sync: joined in-flight drain", "owner", ownerUserID)
	}
	return v.(Result)
}

// LastSync is when the owner's last drain ran to completion.
func (e *Engine) LastSync(ownerUserID string) time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSync[ownerUserID]
}

func (e *Engine) drain(ctx context.Context, owner string) Result {
	ctx, span := e.tracer.Start(ctx, "syncengine.sync_all",
		trace.WithAttributes(attribute.String("owner.id", owner)),
	)
	defer span.End()

	start := e.now()
	ops := e.buf.ListPending(owner)
	span.SetAttributes(attribute.Int("operations.pending", len(ops)))

	var res Result
	complete := true
	for _, op := range ops {
		if ctx.Err() != nil || !e.online.IsOnline() {
			// whatever has not started stays pending for the next drain
			complete = false
			break
		}
		if op.DependsOn != "" {
			met, rejected := e.dependencyState(op.DependsOn)
			if rejected {
				if err := e.failBlocked(ctx, op); err != nil {
					e.log.Error("sync: buffer write failed, stopping drain", "owner", owner, "id", op.ID, "error", err)
					res.Errors = append(res.Errors, OperationError{OperationID: op.ID, Kind: op.Kind, Message: err.Error()})
					complete = false
					break
				}
				res.Failed++
				res.Errors = append(res.Errors, OperationError{OperationID: op.ID, Kind: op.Kind, Message: blockedReason(op.DependsOn), Permanent: true})
				e.metrics.record(ctx, op.Kind, outcomeFailed)
				continue
			}
			if !met {
				res.Deferred++
				e.metrics.record(ctx, op.Kind, outcomeDeferred)
				continue
			}
		}

		err := e.syncOne(ctx, op)
		switch {
		case err == nil:
			res.Synced++
			e.metrics.record(ctx, op.Kind, outcomeSynced)
		case errors.Is(err, buffer.ErrDurability), errors.Is(err, buffer.ErrClosed):
			e.log.Error("sync: buffer write failed, stopping drain", "owner", owner, "id", op.ID, "error", err)
			res.Errors = append(res.Errors, OperationError{OperationID: op.ID, Kind: op.Kind, Message: err.Error()})
			complete = false
		default:
			permanent := remote.IsPermanent(err)
			res.Failed++
			res.Errors = append(res.Errors, OperationError{OperationID: op.ID, Kind: op.Kind, Message: err.Error(), Permanent: permanent})
			e.metrics.record(ctx, op.Kind, outcomeFailed)
		}
		if !complete {
			break
		}
	}

	if complete {
		e.mu.Lock()
		e.lastSync[owner] = e.now()
		e.mu.Unlock()
	}
	e.metrics.observeDrain(ctx, e.now().Sub(start))
	span.SetAttributes(
		attribute.Int("operations.synced", res.Synced),
		attribute.Int("operations.failed", res.Failed),
		attribute.Int("operations.deferred", res.Deferred),
	)
	if res.Synced+res.Failed+res.Deferred > 0 {
		e.log.Info("sync: drain finished", "owner", owner, "synced", res.Synced, "failed", res.Failed, "deferred", res.Deferred)
	}
	return res
}

// dependencyState reports whether the dependency is synced and whether it
// was rejected for good. A purged dependency counts as synced; only synced
// operations are ever purged.
func (e *Engine) dependencyState(id string) (met, rejected bool) {
	dep, err := e.buf.Get(id)
	if errors.Is(err, buffer.ErrNotFound) {
		return true, false
	}
	if err != nil {
		return false, false
	}
	return dep.State == buffer.StateSynced, dep.NeedsAttention()
}

func blockedReason(depID string) string {
	return fmt.Sprintf("dependency %s was rejected", depID)
}

// failBlocked fails op permanently because its dependency can never sync.
// Retrying the dependency returns op to the queue with it.
func (e *Engine) failBlocked(ctx context.Context, op *buffer.PendingOperation) error {
	e.log.Warn("sync: dependency rejected", "id", op.ID, "kind", op.Kind, "depends_on", op.DependsOn)
	return e.buf.MarkFailed(context.WithoutCancel(ctx), op.ID, blockedReason(op.DependsOn), true)
}

// syncOne dispatches a single operation. The remote call runs detached from
// the caller's cancellation, bounded only by the item timeout, so a started
// item always finishes with a recorded outcome.
func (e *Engine) syncOne(ctx context.Context, op *buffer.PendingOperation) error {
	detached := context.WithoutCancel(ctx)
	if err := e.buf.MarkSyncing(detached, op.ID); err != nil {
		return err
	}

	itemCtx, cancel := context.WithTimeout(detached, e.itemTimeout)
	defer cancel()
	itemCtx, span := e.tracer.Start(itemCtx, "syncengine.dispatch",
		trace.WithAttributes(
			attribute.String("operation.id", op.ID),
			attribute.String("operation.kind", string(op.Kind)),
			attribute.Int("operation.attempts", op.Attempts),
		),
	)
	defer span.End()

	if err := dispatch(itemCtx, e.remote, op); err != nil {
		permanent := remote.IsPermanent(err)
		span.RecordError(err)
		span.SetAttributes(attribute.Bool("error.permanent", permanent))
		e.log.Warn("sync: operation failed", "id", op.ID, "kind", op.Kind, "permanent", permanent, "error", err)
		if markErr := e.buf.MarkFailed(detached, op.ID, err.Error(), permanent); markErr != nil {
			return markErr
		}
		return err
	}
	return e.buf.MarkSynced(detached, op.ID)
}
