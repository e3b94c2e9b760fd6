// Package heartbeat evicts connections that have gone silent.
//
// A connection is Alive while its last heartbeat is within the timeout, Stale
// once the timeout is exceeded, and Removed after the next sweep closes it.
// Removed is terminal.
package heartbeat

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"realtime/internal/realtime"
	"realtime/internal/validator"
)

// CloseReason accompanies realtime.CloseHeartbeatTimeout.
const CloseReason = "heartbeat timeout"

// Store is the slice of the connection registry the monitor needs.
type Store interface {
	Snapshot() []realtime.Connection
	RemoveStale(id string, cutoff time.Time) (realtime.Connection, bool)
	Now() time.Time
}

type Config struct {
	Interval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	Timeout  time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"60s"`
}

type Monitor struct {
	store   Store
	logger  *zap.Logger
	config  Config
	onEvict func(realtime.Connection)
}

// NewMonitor builds a monitor. onEvict, if not nil, runs after each eviction.
func NewMonitor(store Store, logger *zap.Logger, config Config, onEvict func(realtime.Connection)) (*Monitor, error) {
	m := Monitor{
		store:   store,
		logger:  logger,
		config:  config,
		onEvict: onEvict,
	}

	if err := validator.Validate("heartbeat monitor", m.store, m.logger, m.config.Interval, m.config.Timeout); err != nil {
		return nil, fmt.Errorf("failed to validate heartbeat monitor deps: %w", err)
	}
	if m.onEvict == nil {
		m.onEvict = func(realtime.Connection) {}
	}

	m.logger = m.logger.Named("heartbeat")
	return &m, nil
}

// Run sweeps every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("heartbeat monitor started",
		zap.Duration("interval", m.config.Interval),
		zap.Duration("timeout", m.config.Timeout),
	)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("heartbeat monitor stopped")
			return nil
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep evicts every connection whose last heartbeat is older than the
// timeout. A transport that fails to close is logged and the sweep goes on.
func (m *Monitor) Sweep(ctx context.Context) {
	cutoff := m.store.Now().Add(-m.config.Timeout)

	for _, conn := range m.store.Snapshot() {
		if ctx.Err() != nil {
			return
		}
		if !conn.LastHeartbeat.Before(cutoff) {
			continue
		}

		removed, ok := m.store.RemoveStale(conn.ID, cutoff)
		if !ok {
			// pinged or closed since the snapshot
			continue
		}

		logger := m.logger.With(
			zap.String("connectionId", removed.ID),
			zap.String("userId", removed.UserID),
		)
		logger.Info("evicting stale connection",
			zap.Duration("silentFor", m.store.Now().Sub(removed.LastHeartbeat)),
		)

		if removed.Transport != nil {
			if err := removed.Transport.Close(realtime.CloseHeartbeatTimeout, CloseReason); err != nil {
				logger.Warn("failed to close stale transport", zap.Error(err))
			}
		}

		m.onEvict(removed)
	}
}
