// internal/status/reporter.go
package status

import (
	"context"
	"time"

	"mkutano/internal/buffer"
)

// Connectivity reports the current connectivity state.
type Connectivity interface {
	IsOnline() bool
}

// SyncClock reports when an owner last completed a sync.
type SyncClock interface {
	LastSync(ownerUserID string) time.Time
}

// Snapshot is the sync status shown to a user. Pending counts everything not
// yet synced, including failures; NeedsAttention is the subset that will not
// resolve without manual action.
type Snapshot struct {
	Pending        int        `json:"pending"`
	Synced         int        `json:"synced"`
	Failed         int        `json:"failed"`
	NeedsAttention int        `json:"needs_attention"`
	Total          int        `json:"total"`
	Online         bool       `json:"online"`
	LastSync       *time.Time `json:"last_sync,omitempty"`
}

// Reporter reads buffer and connectivity state. It never mutates either.
type Reporter struct {
	buf    *buffer.Buffer
	online Connectivity
	clock  SyncClock
}

func NewReporter(buf *buffer.Buffer, online Connectivity, clock SyncClock) *Reporter {
	return &Reporter{buf: buf, online: online, clock: clock}
}

func (r *Reporter) GetStats(ownerUserID string) Snapshot {
	c := r.buf.Stats(ownerUserID)
	s := Snapshot{
		Pending:        c.Pending,
		Synced:         c.Synced,
		Failed:         c.Failed,
		NeedsAttention: c.NeedsAttention,
		Total:          c.Total,
		Online:         r.online.IsOnline(),
	}
	if r.clock != nil {
		if t := r.clock.LastSync(ownerUserID); !t.IsZero() {
			s.LastSync = &t
		}
	}
	return s
}

// Watch calls fn with the current snapshot, then again whenever a poll every
// interval sees it change, until ctx is done.
func (r *Reporter) Watch(ctx context.Context, ownerUserID string, interval time.Duration, fn func(Snapshot)) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := r.GetStats(ownerUserID)
	fn(last)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			next := r.GetStats(ownerUserID)
			if !next.equal(last) {
				fn(next)
				last = next
			}
		}
	}
}

func (s Snapshot) equal(o Snapshot) bool {
	if s.Pending != o.Pending || s.Synced != o.Synced || s.Failed != o.Failed ||
		s.NeedsAttention != o.NeedsAttention || s.Total != o.Total || s.Online != o.Online {
		return false
	}
	if s.LastSync == nil || o.LastSync == nil {
		return s.LastSync == o.LastSync
	}
	return s.LastSync.Equal(*o.LastSync)
}
