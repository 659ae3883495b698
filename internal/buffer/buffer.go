// internal/buffer/buffer.go
package buffer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound    = errors.New("operation not found")
	ErrDurability  = errors.New("buffer could not persist write")
	ErrClosed      = errors.New("buffer is closed")
	ErrUnknownKind = errors.New("unknown operation kind")
)

// Counts is a projection of the buffer for one owner.
// Pending includes everything not yet synced, failures too.
type Counts struct {
	Pending        int `json:"pending"`
	Syncing        int `json:"syncing"`
	Synced         int `json:"synced"`
	Failed         int `json:"failed"`
	NeedsAttention int `json:"needs_attention"`
	Total          int `json:"total"`
}

// Buffer is the durable local queue of pending domain writes.
// Every mutation is persisted before the call returns.
type Buffer struct {
	mu          sync.Mutex
	storage     Storage
	doc         *Document
	ns          *Namespace
	namespace   string
	maxAttempts int
	now         func() time.Time
	log         *slog.Logger
	closed      bool
}

type Option func(*Buffer)

func WithNamespace(ns string) Option { return func(b *Buffer) { b.namespace = ns } }

// WithMaxAttempts escalates a transient failure to permanent after n attempts.
// Zero disables escalation.
func WithMaxAttempts(n int) Option { return func(b *Buffer) { b.maxAttempts = n } }

func WithClock(now func() time.Time) Option { return func(b *Buffer) { b.now = now } }

func WithLogger(l *slog.Logger) Option { return func(b *Buffer) { b.log = l } }

// Open loads the buffer from storage. Operations interrupted mid-sync by a
// crash are returned to pending.
func Open(ctx context.Context, storage Storage, opts ...Option) (*Buffer, error) {
	b := &Buffer{
		storage:     storage,
		namespace:   DefaultNamespace,
		maxAttempts: 5,
		now:         time.Now,
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}

	doc, err := storage.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load buffer: %w", err)
	}
	b.doc = doc

	ns, ok := doc.Namespaces[b.namespace]
	if !ok || ns == nil {
		ns = newNamespace()
	}
	if ns.Operations == nil {
		ns.Operations = map[Kind][]*PendingOperation{}
	}
	for _, k := range Kinds {
		if ns.Operations[k] == nil {
			ns.Operations[k] = []*PendingOperation{}
		}
	}

	recovered := 0
	for _, ops := range ns.Operations {
		for _, op := range ops {
			if op.State == StateSyncing {
				op.State = StatePending
				recovered++
			}
		}
	}
	b.ns = ns
	if recovered > 0 {
		b.log.Warn("buffer: recovered interrupted operations", "count", recovered, "namespace", b.namespace)
		if err := b.flush(ctx, ns); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Close flushes the buffer and releases its storage.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if err := b.flush(context.Background(), b.ns); err != nil {
		b.storage.Close()
		return err
	}
	return b.storage.Close()
}

func (b *Buffer) flush(ctx context.Context, ns *Namespace) error {
	next := &Document{
		Version:    b.doc.Version,
		Namespaces: make(map[string]*Namespace, len(b.doc.Namespaces)+1),
		UpdatedAt:  b.now().UTC(),
	}
	for k, v := range b.doc.Namespaces {
		next.Namespaces[k] = v
	}
	next.Namespaces[b.namespace] = ns
	if err := b.storage.Save(ctx, next); err != nil {
		return fmt.Errorf("%w: %v", ErrDurability, err)
	}
	b.doc = next
	b.ns = ns
	return nil
}

// withWrite applies fn to a copy of the namespace and swaps it in only once
// the copy is durable, so a failed save leaves memory and storage agreeing.
func (b *Buffer) withWrite(ctx context.Context, fn func(*Namespace) (bool, error)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	ns := b.ns.clone()
	changed, err := fn(ns)
	if err != nil || !changed {
		return err
	}
	return b.flush(ctx, ns)
}

func find(ns *Namespace, id string) *PendingOperation {
	for _, ops := range ns.Operations {
		for _, op := range ops {
			if op.ID == id {
				return op
			}
		}
	}
	return nil
}

type enqueueOptions struct {
	dependsOn string
}

type EnqueueOption func(*enqueueOptions)

// DependsOn holds the operation back until the referenced one is synced.
func DependsOn(id string) EnqueueOption {
	return func(o *enqueueOptions) { o.dependsOn = id }
}

// Enqueue appends a pending operation and persists it before returning.
// A persistence failure is returned wrapped in ErrDurability; the write is
// not kept in memory either.
func (b *Buffer) Enqueue(ctx context.Context, kind Kind, payload interface{}, ownerUserID, groupID string, opts ...EnqueueOption) (*PendingOperation, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if ownerUserID == "" {
		return nil, errors.New("enqueue: owner user id is required")
	}
	var o enqueueOptions
	for _, opt := range opts {
		opt(&o)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate operation id: %w", err)
	}

	var out *PendingOperation
	err = b.withWrite(ctx, func(ns *Namespace) (bool, error) {
		if o.dependsOn != "" && find(ns, o.dependsOn) == nil {
			return false, fmt.Errorf("depends on %s: %w", o.dependsOn, ErrNotFound)
		}
		ns.NextSeq++
		op := &PendingOperation{
			ID:          id.String(),
			Kind:        kind,
			Payload:     raw,
			OwnerUserID: ownerUserID,
			GroupID:     groupID,
			DependsOn:   o.dependsOn,
			CreatedAt:   b.now().UTC(),
			Seq:         ns.NextSeq,
			State:       StatePending,
		}
		ns.Operations[kind] = append(ns.Operations[kind], op)
		out = op.clone()
		return true, nil
	})
	if err != nil {
		if errors.Is(err, ErrDurability) {
			b.log.Error("buffer: enqueue not persisted", "kind", kind, "owner", ownerUserID, "error", err)
		}
		return nil, err
	}
	b.log.Debug("buffer: enqueued", "id", out.ID, "kind", kind, "owner", ownerUserID, "group", groupID)
	return out, nil
}

func (b *Buffer) collect(match func(*PendingOperation) bool) []*PendingOperation {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*PendingOperation
	for _, ops := range b.ns.Operations {
		for _, op := range ops {
			if match(op) {
				out = append(out, op.clone())
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// ListPending returns the owner's retryable operations in capture order.
func (b *Buffer) ListPending(ownerUserID string) []*PendingOperation {
	return b.collect(func(op *PendingOperation) bool {
		return op.OwnerUserID == ownerUserID && op.Retryable()
	})
}

// ListFailed returns the owner's operations that need manual resolution.
func (b *Buffer) ListFailed(ownerUserID string) []*PendingOperation {
	return b.collect(func(op *PendingOperation) bool {
		return op.OwnerUserID == ownerUserID && op.NeedsAttention()
	})
}

// ListAll returns every operation of the owner, any state.
func (b *Buffer) ListAll(ownerUserID string) []*PendingOperation {
	return b.collect(func(op *PendingOperation) bool { return op.OwnerUserID == ownerUserID })
}

// Owners lists users with at least one retryable operation.
func (b *Buffer) Owners() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, ops := range b.ns.Operations {
		for _, op := range ops {
			if op.Retryable() && !seen[op.OwnerUserID] {
				seen[op.OwnerUserID] = true
				out = append(out, op.OwnerUserID)
			}
		}
	}
	sort.Strings(out)
	return out
}

func (b *Buffer) Get(id string) (*PendingOperation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	op := find(b.ns, id)
	if op == nil {
		return nil, ErrNotFound
	}
	return op.clone(), nil
}

// MarkSyncing flags an operation as in flight.
func (b *Buffer) MarkSyncing(ctx context.Context, id string) error {
	return b.withWrite(ctx, func(ns *Namespace) (bool, error) {
		op := find(ns, id)
		if op == nil {
			return false, ErrNotFound
		}
		if !op.Retryable() {
			return false, nil
		}
		op.State = StateSyncing
		return true, nil
	})
}

// MarkSynced is idempotent: marking a synced operation again is a no-op.
func (b *Buffer) MarkSynced(ctx context.Context, id string) error {
	return b.withWrite(ctx, func(ns *Namespace) (bool, error) {
		op := find(ns, id)
		if op == nil {
			return false, ErrNotFound
		}
		if op.State == StateSynced {
			return false, nil
		}
		op.State = StateSynced
		op.LastError = ""
		op.Permanent = false
		op.SyncedAt = b.now().UTC()
		return true, nil
	})
}

// MarkFailed records a failed attempt. Synced operations are immutable and
// ignore it.
func (b *Buffer) MarkFailed(ctx context.Context, id, reason string, permanent bool) error {
	return b.withWrite(ctx, func(ns *Namespace) (bool, error) {
		op := find(ns, id)
		if op == nil {
			return false, ErrNotFound
		}
		if op.State == StateSynced {
			return false, nil
		}
		op.Attempts++
		op.State = StateFailed
		op.LastError = reason
		op.Permanent = permanent || (b.maxAttempts > 0 && op.Attempts >= b.maxAttempts)
		return true, nil
	})
}

// Retry returns a failed operation to the queue. Dependents that were
// failed because this operation was rejected go back with it; a dependent
// is only ever dispatched after its dependency synced, so any of them still
// needing attention was blocked rather than rejected itself.
func (b *Buffer) Retry(ctx context.Context, id string) error {
	return b.withWrite(ctx, func(ns *Namespace) (bool, error) {
		op := find(ns, id)
		if op == nil {
			return false, ErrNotFound
		}
		if op.State != StateFailed {
			return false, nil
		}
		requeue(op)
		for _, ops := range ns.Operations {
			for _, dep := range ops {
				if dep.DependsOn == id && dep.NeedsAttention() {
					requeue(dep)
				}
			}
		}
		return true, nil
	})
}

func requeue(op *PendingOperation) {
	op.State = StatePending
	op.Permanent = false
	op.Attempts = 0
	op.LastError = ""
}

// PurgeSynced drops synced operations captured before olderThan and returns
// how many were removed. Pending and failed operations are never purged.
func (b *Buffer) PurgeSynced(ctx context.Context, olderThan time.Time) (int, error) {
	removed := 0
	err := b.withWrite(ctx, func(ns *Namespace) (bool, error) {
		for k, ops := range ns.Operations {
			kept := ops[:0]
			for _, op := range ops {
				if op.State == StateSynced && op.CreatedAt.Before(olderThan) {
					removed++
					continue
				}
				kept = append(kept, op)
			}
			ns.Operations[k] = kept
		}
		return removed > 0, nil
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		b.log.Info("buffer: purged synced operations", "count", removed)
	}
	return removed, nil
}

// Stats counts the owner's operations; an empty owner counts everyone's.
func (b *Buffer) Stats(ownerUserID string) Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	var c Counts
	for _, ops := range b.ns.Operations {
		for _, op := range ops {
			if ownerUserID != "" && op.OwnerUserID != ownerUserID {
				continue
			}
			c.Total++
			switch op.State {
			case StateSynced:
				c.Synced++
			case StateSyncing:
				c.Syncing++
			case StateFailed:
				c.Failed++
				if op.Permanent {
					c.NeedsAttention++
				}
			}
		}
	}
	c.Pending = c.Total - c.Synced
	return c
}
