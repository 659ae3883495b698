// internal/syncengine/autosync.go
package syncengine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"mkutano/internal/buffer"
	"mkutano/internal/connectivity"
)

// AutoSyncConfig tunes background synchronization.
type AutoSyncConfig struct {
	// Interval between periodic drains while online.
	Interval time.Duration
	// MinGap is the minimum spacing between drains, whatever triggered them.
	MinGap time.Duration
	Burst  int
	// Retention keeps synced operations this long before purging them.
	// Zero disables purging.
	Retention time.Duration
}

// AutoSync drains the buffer on reconnect and on a timer while online.
type AutoSync struct {
	engine  *Engine
	buf     *buffer.Buffer
	monitor *connectivity.Monitor
	cfg     AutoSyncConfig
	limiter *rate.Limiter
	log     *slog.Logger
	trigger chan struct{}

	mu          sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
	unsubscribe func()
}

func NewAutoSync(engine *Engine, buf *buffer.Buffer, monitor *connectivity.Monitor, cfg AutoSyncConfig, log *slog.Logger) *AutoSync {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	limit := rate.Inf
	if cfg.MinGap > 0 {
		limit = rate.Every(cfg.MinGap)
	}
	return &AutoSync{
		engine:  engine,
		buf:     buf,
		monitor: monitor,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		log:     log,
		trigger: make(chan struct{}, 1),
	}
}

// Trigger requests a drain soon. Requests made while one is queued collapse
// into it.
func (a *AutoSync) Trigger() {
	select {
	case a.trigger <- struct{}{}:
	default:
	}
}

// Start runs the background loop until Stop or ctx is done.
func (a *AutoSync) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return
	}
	ctx, a.cancel = context.WithCancel(ctx)
	a.done = make(chan struct{})
	a.unsubscribe = a.monitor.Subscribe(func(online bool) {
		if online {
			a.log.Info("autosync: connection restored, syncing")
			a.Trigger()
		}
	})

	go a.loop(ctx, a.done)
	if a.monitor.IsOnline() {
		a.Trigger()
	}
}

// Stop halts the loop and waits for an in-progress drain to finish.
func (a *AutoSync) Stop() {
	a.mu.Lock()
	cancel, done, unsubscribe := a.cancel, a.done, a.unsubscribe
	a.cancel, a.done, a.unsubscribe = nil, nil, nil
	a.mu.Unlock()

	if cancel == nil {
		return
	}
	unsubscribe()
	cancel()
	<-done
}

func (a *AutoSync) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.run(ctx)
		case <-a.trigger:
			a.run(ctx)
		}
	}
}

// run drains every owner with pending work once, then purges old synced
// operations.
func (a *AutoSync) run(ctx context.Context) {
	if !a.monitor.IsOnline() {
		return
	}
	owners := a.buf.Owners()
	if len(owners) > 0 {
		// a drain inside MinGap of the last one is delayed, not dropped
		if err := a.limiter.Wait(ctx); err != nil {
			return
		}
		if !a.monitor.IsOnline() {
			return
		}
		owners = a.buf.Owners()
		for _, owner := range owners {
			if ctx.Err() != nil {
				return
			}
			a.engine.SyncAll(ctx, owner)
		}
	}

	if a.cfg.Retention > 0 {
		if _, err := a.buf.PurgeSynced(ctx, a.engine.now().Add(-a.cfg.Retention)); err != nil {
			a.log.Error("autosync: purge failed", "error", err)
		}
	}
}
