// internal/connectivity/prober.go
package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Probe checks reachability of the remote data service.
type Probe func(ctx context.Context) error

// HTTPProbe returns a Probe that GETs url and treats any non-5xx answer as
// reachable.
func HTTPProbe(client *http.Client, url string) Probe {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("health probe: unexpected status code: %d", resp.StatusCode)
		}
		return nil
	}
}

// Prober feeds a Monitor from a periodic health probe.
type Prober struct {
	monitor  *Monitor
	probe    Probe
	interval time.Duration
	timeout  time.Duration
	log      *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewProber(monitor *Monitor, probe Probe, interval, timeout time.Duration, log *slog.Logger) *Prober {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 || timeout > interval {
		timeout = interval
	}
	return &Prober{
		monitor:  monitor,
		probe:    probe,
		interval: interval,
		timeout:  timeout,
		log:      log,
	}
}

// Check runs the probe once and records the result on the monitor.
func (p *Prober) Check(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.probe(probeCtx)
	if err != nil && ctx.Err() != nil {
		// shutting down, not a connectivity observation
		return p.monitor.IsOnline()
	}
	if err != nil {
		p.log.Debug("health probe failed", "error", err)
	}
	p.monitor.Set(err == nil)
	return err == nil
}

// Start probes immediately and then every interval until Stop or ctx is done.
func (p *Prober) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		p.Check(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.Check(ctx)
			}
		}
	}(p.done)
}

// Stop halts probing and waits for the loop to exit.
func (p *Prober) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
