// internal/chaos/experiments.go
package chaos

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"mkutano/internal/buffer"
	"mkutano/internal/connectivity"
	"mkutano/internal/ledger"
	"mkutano/internal/offline"
	"mkutano/internal/remote"
	"mkutano/internal/syncengine"
)

// DrillConfig sizes the in-process stack the experiments run against.
type DrillConfig struct {
	Writes      int
	ItemTimeout time.Duration
	Seed        uint64
	Observe     time.Duration
}

// Drill is a complete capture and sync stack on memory storage with a
// faulty remote in front of an in-memory ledger store.
type Drill struct {
	Storage *buffer.MemoryStorage
	Buffer  *buffer.Buffer
	Store   *remote.MemoryStore
	Remote  *FaultyRemote
	Monitor *connectivity.Monitor
	Sync    *syncengine.Engine
	Offline offline.Service

	owner string
	group string
	cfg   DrillConfig
	log   *slog.Logger

	mu         sync.Mutex
	acked      int
	unsaved    int
	duplicates int
}

func NewDrill(ctx context.Context, cfg DrillConfig, log *slog.Logger) (*Drill, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Writes <= 0 {
		cfg.Writes = 20
	}
	if cfg.ItemTimeout <= 0 {
		cfg.ItemTimeout = 200 * time.Millisecond
	}
	if cfg.Observe <= 0 {
		cfg.Observe = time.Second
	}

	d := &Drill{
		Storage: buffer.NewMemoryStorage(0),
		Store:   remote.NewMemoryStore(),
		Monitor: connectivity.NewMonitor(true, log),
		owner:   "chaos-recorder",
		group:   "chaos-group",
		cfg:     cfg,
		log:     log,
	}
	buf, err := buffer.Open(ctx, d.Storage, buffer.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("open drill buffer: %w", err)
	}
	d.Buffer = buf
	d.Remote = NewFaultyRemote(d.Store, cfg.Seed)
	d.Sync = syncengine.New(buf, d.Remote, d.Monitor,
		syncengine.WithItemTimeout(cfg.ItemTimeout),
		syncengine.WithLogger(log),
	)
	d.Offline = offline.NewService(buf, d.Remote, d.Monitor, offline.Config{RemoteTimeout: cfg.ItemTimeout}, log)
	return d, nil
}

// capture records n contributions through the capture façade. Writes the
// façade refuses as not durable are counted separately from acknowledged ones.
func (d *Drill) capture(ctx context.Context, n int) error {
	for i := 0; i < n; i++ {
		_, err := d.Offline.RecordContribution(ctx, ledger.Contribution{
			GroupID:  d.group,
			MemberID: fmt.Sprintf("member-%d", i%7),
			Type:     ledger.ContributionSocialFund,
			Amount:   decimal.NewFromInt(int64(100 + i)),
		}, d.owner)

		d.mu.Lock()
		switch {
		case err == nil:
			d.acked++
		case errors.Is(err, buffer.ErrDurability):
			d.unsaved++
		}
		d.mu.Unlock()

		if err != nil && !errors.Is(err, buffer.ErrDurability) {
			return fmt.Errorf("capture write %d: %w", i, err)
		}
	}
	return nil
}

func (d *Drill) drain(ctx context.Context) error {
	res := d.Sync.SyncAll(ctx, d.owner)
	d.log.Debug("chaos: drain", "synced", res.Synced, "failed", res.Failed, "deferred", res.Deferred)
	return nil
}

// LostWrites is the number of acknowledged writes found neither in the
// remote store nor in the buffer. Anything above zero is data loss.
func (d *Drill) LostWrites(context.Context) (float64, error) {
	contributions, loans, repayments := d.Store.Len()
	pending := d.Buffer.Stats("").Pending

	d.mu.Lock()
	defer d.mu.Unlock()
	lost := d.acked - (contributions + loans + repayments + pending)
	if lost < 0 {
		lost = 0
	}
	return float64(lost), nil
}

// PendingOperations counts buffered writes not yet accepted remotely.
func (d *Drill) PendingOperations(context.Context) (float64, error) {
	return float64(d.Buffer.Stats("").Pending), nil
}

// UnsavedWrites counts writes refused with a durability error.
func (d *Drill) UnsavedWrites(context.Context) (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return float64(d.unsaved), nil
}

// DuplicateDispatches counts remote calls beyond one per operation in the
// last concurrent drain.
func (d *Drill) DuplicateDispatches(context.Context) (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return float64(d.duplicates), nil
}

func (d *Drill) noLoss() Metric {
	return Metric{Name: "lost_writes", Query: d.LostWrites, Threshold: Threshold{Operator: "==", Value: 0}}
}

func (d *Drill) backlog(limit float64) Metric {
	return Metric{Name: "pending_operations", Query: d.PendingOperations, Threshold: Threshold{Operator: "<=", Value: limit}}
}

func drained(m string) Assertion {
	return Assertion{Metric: m, Condition: func(v float64) bool { return v == 0 }, Message: m + " must be zero after recovery"}
}

func act(typ, target string, fn func(context.Context) error) Action {
	return Action{Type: typ, Target: target, Execute: fn}
}

func (d *Drill) online(v bool) func(context.Context) error {
	return func(context.Context) error {
		d.Monitor.Set(v)
		return nil
	}
}

func (d *Drill) heal(context.Context) error {
	d.Remote.Heal()
	return nil
}

// Experiments returns the standard drills against d.
func Experiments(d *Drill) []Experiment {
	return []Experiment{
		d.RemotePartition(),
		d.FlakyRemote(),
		d.SlowRemote(),
		d.StorageExhaustion(),
		d.ConcurrentDrain(),
	}
}

// RemotePartition cuts the remote off while writes are captured, then syncs
// into the partition before healing it.
func (d *Drill) RemotePartition() Experiment {
	n := float64(d.cfg.Writes)
	return Experiment{
		Name:        "remote_partition",
		Hypothesis:  "Writes captured during a partition are buffered and drain after it heals",
		SteadyState: []Metric{d.noLoss(), d.backlog(n)},
		Method: []Action{
			act("network_partition", "remote", func(context.Context) error { d.Remote.Partition(); return nil }),
			act("connectivity", "monitor", d.online(false)),
			act("capture", "offline", func(ctx context.Context) error { return d.capture(ctx, d.cfg.Writes) }),
			act("connectivity", "monitor", d.online(true)),
			act("drain", "syncengine", d.drain),
		},
		Rollback: []Action{
			act("heal", "remote", d.heal),
			act("drain", "syncengine", d.drain),
		},
		Validation: []Assertion{drained("lost_writes"), drained("pending_operations")},
		Duration:   d.cfg.Observe,
	}
}

// FlakyRemote fails half of the remote calls while online writes are made.
// Each failed direct write must fall back to the buffer.
func (d *Drill) FlakyRemote() Experiment {
	n := float64(d.cfg.Writes)
	return Experiment{
		Name:        "flaky_remote",
		Hypothesis:  "Transient remote failures during online capture are absorbed by buffering",
		SteadyState: []Metric{d.noLoss(), d.backlog(n)},
		Method: []Action{
			act("failure_rate", "remote", func(context.Context) error { d.Remote.SetFailureRate(0.5); return nil }),
			act("capture", "offline", func(ctx context.Context) error { return d.capture(ctx, d.cfg.Writes) }),
			act("drain", "syncengine", d.drain),
		},
		Rollback: []Action{
			act("heal", "remote", d.heal),
			act("drain", "syncengine", d.drain),
		},
		Validation: []Assertion{drained("lost_writes"), drained("pending_operations")},
		Duration:   d.cfg.Observe,
	}
}

// SlowRemote answers slower than the per item timeout, so every replay in
// the drain times out.
func (d *Drill) SlowRemote() Experiment {
	n := float64(d.cfg.Writes)
	return Experiment{
		Name:        "slow_remote",
		Hypothesis:  "Replays that time out stay buffered and succeed once latency recovers",
		SteadyState: []Metric{d.noLoss(), d.backlog(n)},
		Method: []Action{
			act("connectivity", "monitor", d.online(false)),
			act("capture", "offline", func(ctx context.Context) error { return d.capture(ctx, d.cfg.Writes) }),
			act("latency", "remote", func(context.Context) error { d.Remote.SetLatency(2 * d.cfg.ItemTimeout); return nil }),
			act("connectivity", "monitor", d.online(true)),
			act("drain", "syncengine", d.drain),
		},
		Rollback: []Action{
			act("heal", "remote", d.heal),
			act("drain", "syncengine", d.drain),
		},
		Validation: []Assertion{drained("lost_writes"), drained("pending_operations")},
		Duration:   d.cfg.Observe,
	}
}

// StorageExhaustion fills the device storage while offline. Refused writes
// must be reported to the caller, never acknowledged and dropped.
func (d *Drill) StorageExhaustion() Experiment {
	return Experiment{
		Name:       "storage_exhaustion",
		Hypothesis: "Writes that cannot be persisted are refused with a durability error",
		SteadyState: []Metric{
			d.noLoss(),
			{Name: "unsaved_writes", Query: d.UnsavedWrites, Threshold: Threshold{Operator: ">=", Value: 0}},
		},
		Method: []Action{
			act("connectivity", "monitor", d.online(false)),
			act("resource_exhaustion", "storage", func(context.Context) error {
				d.Storage.SetFailure(buffer.ErrQuotaExceeded)
				return nil
			}),
			act("capture", "offline", func(ctx context.Context) error { return d.capture(ctx, d.cfg.Writes) }),
		},
		Rollback: []Action{
			act("free_storage", "storage", func(context.Context) error { d.Storage.SetFailure(nil); return nil }),
			act("connectivity", "monitor", d.online(true)),
			act("drain", "syncengine", d.drain),
		},
		Validation: []Assertion{
			drained("lost_writes"),
			{Metric: "unsaved_writes", Condition: func(v float64) bool { return v >= float64(d.cfg.Writes) }, Message: "every refused write must be reported"},
		},
		Duration: d.cfg.Observe,
	}
}

// ConcurrentDrain starts many drains for the same owner at once. Each
// operation must reach the remote exactly once.
func (d *Drill) ConcurrentDrain() Experiment {
	dup := Metric{Name: "duplicate_dispatches", Query: d.DuplicateDispatches, Threshold: Threshold{Operator: "==", Value: 0}}
	return Experiment{
		Name:        "concurrent_drain",
		Hypothesis:  "Concurrent drains for one owner dispatch each operation once",
		SteadyState: []Metric{d.noLoss(), dup},
		Method: []Action{
			act("connectivity", "monitor", d.online(false)),
			act("capture", "offline", func(ctx context.Context) error { return d.capture(ctx, d.cfg.Writes) }),
			act("connectivity", "monitor", d.online(true)),
			act("concurrent_drain", "syncengine", d.concurrentDrain),
		},
		Validation: []Assertion{drained("lost_writes"), drained("duplicate_dispatches")},
		Duration:   d.cfg.Observe,
	}
}

func (d *Drill) concurrentDrain(ctx context.Context) error {
	pending := len(d.Buffer.ListPending(d.owner))
	before, _ := d.Remote.Counts()

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error { return d.drain(ctx) })
	}
	if err := g.Wait(); err != nil {
		return err
	}

	after, _ := d.Remote.Counts()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.duplicates = 0
	if extra := after - before - pending; extra > 0 {
		d.duplicates = extra
	}
	return nil
}
