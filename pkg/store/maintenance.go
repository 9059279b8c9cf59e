package store

import (
	"context"
	"log/slog"
	"time"
)

const defaultMaintenanceInterval = time.Hour

// Maintenance owns the periodic housekeeping that no request path
// triggers: expiring overdue commitments and physically deleting
// quarantine rows past retention.
type Maintenance struct {
	stores   *Stores
	interval time.Duration
	logger   *slog.Logger
}

// NewMaintenance builds the sweeper. interval <= 0 falls back to hourly.
func NewMaintenance(stores *Stores, interval time.Duration, logger *slog.Logger) *Maintenance {
	if interval <= 0 {
		interval = defaultMaintenanceInterval
	}
	return &Maintenance{
		stores:   stores,
		interval: interval,
		logger:   logger.With("component", "maintenance"),
	}
}

// Run sweeps once immediately and then on every tick until ctx ends.
func (m *Maintenance) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		m.sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// sweep runs both passes independently; one failing does not stop the
// other.
func (m *Maintenance) sweep(ctx context.Context) {
	if n, err := m.stores.Commitments.ExpireOverdue(ctx); err != nil {
		m.logger.Warn("Commitment expiry sweep failed", "error", err)
	} else if n > 0 {
		m.logger.Info("Expired overdue commitments", "count", n)
	}
	if n, err := m.stores.Quarantine.DeleteExpired(ctx); err != nil {
		m.logger.Warn("Quarantine retention sweep failed", "error", err)
	} else if n > 0 {
		m.logger.Info("Deleted quarantine rows past retention", "count", n)
	}
}
