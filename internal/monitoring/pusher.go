package monitoring

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// PushFunc sends the gathered metrics once.
type PushFunc func(ctx context.Context) error

// Pusher pushes metrics on an interval until its context ends, then pushes a
// final time so the last counts are not lost.
type Pusher struct {
	push     PushFunc
	interval time.Duration
}

// NewPusher targets a Pushgateway at url under the given job name.
func NewPusher(url, job string, g prometheus.Gatherer, interval time.Duration) *Pusher {
	p := push.New(url, job).Gatherer(g)
	return newPusher(p.PushContext, interval)
}

func newPusher(fn PushFunc, interval time.Duration) *Pusher {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Pusher{push: fn, interval: interval}
}

// Run blocks until ctx is cancelled. Push failures are logged, never returned.
func (p *Pusher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := p.push(ctx); err != nil {
				slog.Warn("Metrics push failed", "error", err)
			}
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := p.push(final); err != nil {
				slog.Warn("Final metrics push failed", "error", err)
			}
			cancel()
			return nil
		}
	}
}
