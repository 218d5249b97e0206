package scheduler

import (
	"context"
	"time"

	"github.com/kimhsiao/schoolsync/internal/logging"
)

// DefaultProbeInterval is used when no probe interval is configured.
const DefaultProbeInterval = 30 * time.Second

// Pinger reports whether the remote is reachable. remote.Service implements it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Prober turns periodic health checks into online/offline signals.
type Prober struct {
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration
}

// NewProber creates a Prober. A non-positive interval uses DefaultProbeInterval.
func NewProber(pinger Pinger, interval time.Duration) *Prober {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	timeout := interval / 2
	if timeout > 10*time.Second {
		timeout = 10 * time.Second
	}
	return &Prober{pinger: pinger, interval: interval, timeout: timeout}
}

// Probe runs one health check.
func (p *Prober) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.pinger.Ping(ctx); err != nil {
		logging.Debug("Remote health check failed", map[string]interface{}{"error": err.Error()})
		return false
	}
	return true
}

// Run probes immediately and then every interval. The returned channel
// receives the first result and every later change, and is closed when ctx
// is done.
func (p *Prober) Run(ctx context.Context) <-chan bool {
	out := make(chan bool, 1)

	go func() {
		defer close(out)

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		last, first := false, true
		for {
			online := p.Probe(ctx)
			if first || online != last {
				select {
				case out <- online:
				case <-ctx.Done():
					return
				}
				last, first = online, false
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return out
}
