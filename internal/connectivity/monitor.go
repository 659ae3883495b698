// internal/connectivity/monitor.go
package connectivity

import (
	"log/slog"
	"sort"
	"sync"
)

// Monitor tracks whether the remote data service is reachable and notifies
// subscribers on every transition.
type Monitor struct {
	mu          sync.Mutex
	online      bool
	nextID      int
	subscribers map[int]func(online bool)
	log         *slog.Logger

	// notify serializes fan-out so subscribers see transitions in order
	notify sync.Mutex
}

func NewMonitor(initial bool, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		online:      initial,
		subscribers: make(map[int]func(bool)),
		log:         log,
	}
}

func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers fn for transitions. The returned func unsubscribes and
// is safe to call more than once.
func (m *Monitor) Subscribe(fn func(online bool)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subscribers[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subscribers, id)
			m.mu.Unlock()
		})
	}
}

// Set records the observed state. Subscribers run only when the state
// actually changes, outside the monitor lock, so they may read it. They must
// not call Set.
func (m *Monitor) Set(online bool) {
	m.notify.Lock()
	defer m.notify.Unlock()

	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	keys := make([]int, 0, len(m.subscribers))
	for id := range m.subscribers {
		keys = append(keys, id)
	}
	sort.Ints(keys)
	fns := make([]func(bool), 0, len(keys))
	for _, id := range keys {
		fns = append(fns, m.subscribers[id])
	}
	m.mu.Unlock()

	m.log.Info("connectivity changed", "online", online, "subscribers", len(fns))
	for _, fn := range fns {
		m.call(fn, online)
	}
}

func (m *Monitor) call(fn func(bool), online bool) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("connectivity subscriber panicked", "panic", r)
		}
	}()
	fn(online)
}
