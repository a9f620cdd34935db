package arbitrator

import (
	"context"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/escrowd/internal/asset"
)

// Appealable is an arbitrator whose rulings can be contested for a window
// before they become final.
type Appealable struct {
	*court
}

var _ Arbitrator = (*Appealable)(nil)

// NewAppealable creates an arbitrator with an appeal window of
// cfg.AppealWindow.
func NewAppealable(cfg Config, collector Collector, logger *slog.Logger) *Appealable {
	return &Appealable{court: newCourt(cfg, collector, logger)}
}

// GiveAppealableRuling records a ruling and opens the appeal window.
func (a *Appealable) GiveAppealableRuling(ctx context.Context, caller common.Address, disputeID, ruling uint64) error {
	if caller != a.cfg.Owner {
		return ErrInvalidCaller
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	d, ok := a.disputes[disputeID]
	if !ok {
		return ErrInvalidDispute
	}
	if d.Status != StatusWaiting {
		return ErrInvalidStatus
	}
	if ruling > d.Choices {
		return ErrInvalidRuling
	}
	start := a.nowFn()
	end := start.Add(a.cfg.AppealWindow)
	d.Ruling = ruling
	d.Status = StatusAppealable
	d.AppealStart = &start
	d.AppealEnd = &end
	d.UpdatedAt = start
	a.logger.Info("appealable ruling given", "disputeId", disputeID, "ruling", ruling, "appealEnd", end)
	return nil
}

// Appeal reopens an Appealable dispute. The attached value must equal the
// appeal cost and the window must still be open.
func (a *Appealable) Appeal(ctx context.Context, caller common.Address, disputeID uint64, value *big.Int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	d, ok := a.disputes[disputeID]
	if !ok {
		return ErrInvalidDispute
	}
	if d.Status != StatusAppealable {
		return ErrInvalidStatus
	}
	if !a.nowFn().Before(*d.AppealEnd) {
		return ErrAppealPeriodExpired
	}
	if value == nil || value.Cmp(a.cfg.AppealCost) != 0 {
		return &FundingError{Required: new(big.Int).Set(a.cfg.AppealCost)}
	}
	if a.collector != nil && value.Sign() > 0 {
		if err := a.collector.Transfer(ctx, asset.Native(), caller, a.cfg.Address, value); err != nil {
			return err
		}
	}

	d.Status = StatusWaiting
	d.AppealStart = nil
	d.AppealEnd = nil
	d.Appeals++
	d.Fees = new(big.Int).Add(d.Fees, value)
	d.UpdatedAt = a.nowFn()
	appealsTotal.Inc()
	a.logger.Info("dispute appealed", "disputeId", disputeID, "appellant", caller.Hex(), "appeals", d.Appeals)
	return nil
}

// GiveRuling rules on a Waiting dispute, or on an Appealable one whose
// window has elapsed, and delivers the ruling. An Appealable dispute with its
// window still open fails with ErrAppealPeriodOpen.
func (a *Appealable) GiveRuling(ctx context.Context, caller common.Address, disputeID, ruling uint64) error {
	if caller != a.cfg.Owner {
		return ErrInvalidCaller
	}
	a.mu.Lock()
	d, ok := a.disputes[disputeID]
	if !ok || d.Status != StatusAppealable {
		a.mu.Unlock()
		return a.court.GiveRuling(ctx, caller, disputeID, ruling)
	}
	if a.nowFn().Before(*d.AppealEnd) {
		a.mu.Unlock()
		return ErrAppealPeriodOpen
	}
	if ruling > d.Choices {
		a.mu.Unlock()
		return ErrInvalidRuling
	}
	a.solveLocked(d, ruling)
	a.mu.Unlock()

	a.deliver(ctx, disputeID)
	return nil
}

// Finalize makes an Appealable ruling final once its window has elapsed and
// delivers it. Anyone may call it.
func (a *Appealable) Finalize(ctx context.Context, disputeID uint64) error {
	a.mu.Lock()
	d, ok := a.disputes[disputeID]
	if !ok {
		a.mu.Unlock()
		return ErrInvalidDispute
	}
	if d.Status != StatusAppealable {
		a.mu.Unlock()
		return ErrInvalidStatus
	}
	if a.nowFn().Before(*d.AppealEnd) {
		a.mu.Unlock()
		return ErrAppealPeriodOpen
	}
	a.solveLocked(d, d.Ruling)
	a.mu.Unlock()

	a.deliver(ctx, disputeID)
	return nil
}
