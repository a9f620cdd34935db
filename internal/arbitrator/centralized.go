package arbitrator

import "log/slog"

// Centralized is an arbitrator whose owner rules immediately and finally.
type Centralized struct {
	*court
}

var _ Arbitrator = (*Centralized)(nil)

// NewCentralized creates an immediate-ruling arbitrator.
func NewCentralized(cfg Config, collector Collector, logger *slog.Logger) *Centralized {
	return &Centralized{court: newCourt(cfg, collector, logger)}
}
