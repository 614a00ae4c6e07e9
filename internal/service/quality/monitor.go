// Package quality probes live connections for latency and warns clients whose
// link has degraded.
package quality

import (
	"context"
	"log"
	"time"

	"github.com/iamasit07/souqchat/internal/domain"
	"github.com/iamasit07/souqchat/internal/service/session"
	"github.com/iamasit07/souqchat/internal/telemetry"
)

// Probe is the part of a connection the monitor drives.
type Probe interface {
	Probe(ctx context.Context) (time.Duration, error)
	Send(frame domain.ServerMessage) error
}

type Config struct {
	Interval  time.Duration
	Timeout   time.Duration
	Threshold time.Duration
}

type Monitor struct {
	cfg     Config
	metrics *telemetry.Metrics
}

func NewMonitor(cfg Config, metrics *telemetry.Metrics) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.Timeout <= 0 || cfg.Timeout > cfg.Interval {
		cfg.Timeout = cfg.Interval
	}
	return &Monitor{cfg: cfg, metrics: metrics}
}

// Attach starts the probe loop on the connection's own goroutine set, so it
// stops when the connection closes.
func (m *Monitor) Attach(conn *session.Connection) {
	id := conn.ID
	conn.Go(func(ctx context.Context) {
		m.Run(ctx, id, conn)
	})
}

// Run probes until ctx is done. A failed or timed-out probe counts as a
// measurement at the timeout.
func (m *Monitor) Run(ctx context.Context, connID string, p Probe) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	warned := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		probeCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
		rtt, err := p.Probe(probeCtx)
		cancel()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			rtt = m.cfg.Timeout
		}

		degraded := rtt > m.cfg.Threshold
		m.metrics.RecordProbe(ctx, rtt, degraded)

		switch {
		case degraded && !warned:
			warned = true
			log.Printf("[QUALITY] %s degraded: %s > %s", connID, rtt, m.cfg.Threshold)
			if err := p.Send(domain.ServerMessage{
				Type:        domain.FrameQualityWarning,
				LatencyMs:   rtt.Milliseconds(),
				ThresholdMs: m.cfg.Threshold.Milliseconds(),
			}); err != nil {
				log.Printf("[QUALITY] warning not delivered to %s: %v", connID, err)
			}
		case !degraded && warned:
			warned = false
		}
	}
}
