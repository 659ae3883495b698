// internal/chaos/fault.go
package chaos

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"mkutano/internal/ledger"
	"mkutano/internal/remote"
)

// FaultyRemote wraps a remote.Service and injects partitions, latency and
// random transient failures in front of it.
type FaultyRemote struct {
	next remote.Service

	mu          sync.Mutex
	partitioned bool
	latency     time.Duration
	failureRate float64
	rng         *rand.Rand

	calls    int
	injected int
}

func NewFaultyRemote(next remote.Service, seed uint64) *FaultyRemote {
	return &FaultyRemote{next: next, rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Partition makes every call fail as unreachable until Heal.
func (f *FaultyRemote) Partition() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.partitioned = true
}

// SetLatency delays every call by d, or until its context is done.
func (f *FaultyRemote) SetLatency(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latency = d
}

// SetFailureRate fails the given fraction of calls with a transient error.
func (f *FaultyRemote) SetFailureRate(rate float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failureRate = rate
}

// Heal removes every injected fault.
func (f *FaultyRemote) Heal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.partitioned = false
	f.latency = 0
	f.failureRate = 0
}

// Counts returns the number of calls seen and how many had a fault injected.
func (f *FaultyRemote) Counts() (calls, injected int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, f.injected
}

func (f *FaultyRemote) before(ctx context.Context) error {
	f.mu.Lock()
	f.calls++
	partitioned, latency := f.partitioned, f.latency
	fail := !partitioned && f.failureRate > 0 && f.rng.Float64() < f.failureRate
	if partitioned || fail {
		f.injected++
	}
	f.mu.Unlock()

	if partitioned {
		return remote.Transient(fmt.Errorf("%w: network partition", remote.ErrUnavailable))
	}
	if latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	if fail {
		return remote.Transient(fmt.Errorf("%w: injected failure", remote.ErrUnavailable))
	}
	return nil
}

func (f *FaultyRemote) CreateContribution(ctx context.Context, c *ledger.Contribution) (*ledger.Contribution, error) {
	if err := f.before(ctx); err != nil {
		return nil, err
	}
	return f.next.CreateContribution(ctx, c)
}

func (f *FaultyRemote) IssueLoan(ctx context.Context, l *ledger.Loan) (*ledger.Loan, error) {
	if err := f.before(ctx); err != nil {
		return nil, err
	}
	return f.next.IssueLoan(ctx, l)
}

func (f *FaultyRemote) RecordRepayment(ctx context.Context, r *ledger.Repayment) (*remote.RepaymentReceipt, error) {
	if err := f.before(ctx); err != nil {
		return nil, err
	}
	return f.next.RecordRepayment(ctx, r)
}
