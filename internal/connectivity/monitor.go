package connectivity

import (
	"context"
	"log/slog"
	"time"

	"github.com/stacklok/chunksync/internal/events"
)

// DefaultMonitorInterval is how often the monitor polls its oracle
const DefaultMonitorInterval = 15 * time.Second

// Monitor polls an Oracle and publishes ConnectivityChanged on transitions.
type Monitor struct {
	oracle    Oracle
	publisher events.Publisher
	interval  time.Duration
	online    *bool
}

// NewMonitor creates a monitor. An interval of zero uses DefaultMonitorInterval.
func NewMonitor(oracle Oracle, publisher events.Publisher, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}
	return &Monitor{
		oracle:    oracle,
		publisher: publisher,
		interval:  interval,
	}
}

// Run polls until ctx is cancelled. The first observation is only recorded;
// events are published for subsequent changes.
func (m *Monitor) Run(ctx context.Context) error {
	slog.Info("Starting connectivity monitor", "interval", m.interval)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ticker.C:
			m.Check(ctx)
		case <-ctx.Done():
			slog.Info("Connectivity monitor stopping")
			return nil
		}
	}
}

// Check polls the oracle once and reports whether a transition was published
func (m *Monitor) Check(ctx context.Context) bool {
	online := m.oracle.IsOnline(ctx)
	if m.online != nil && *m.online == online {
		return false
	}

	first := m.online == nil
	m.online = &online
	if first {
		slog.Debug("Initial connectivity state", "online", online)
		return false
	}

	slog.Info("Connectivity changed", "online", online)
	m.publisher.Publish(events.ConnectivityChanged{Online: online})
	return true
}
