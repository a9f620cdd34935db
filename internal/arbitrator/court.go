package arbitrator

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/escrowd/internal/asset"
)

// Collector moves attached value into the arbitrator's account.
type Collector interface {
	Transfer(ctx context.Context, a asset.Asset, from, to common.Address, amount *big.Int) error
}

// Config configures either arbitrator variant.
type Config struct {
	Address      common.Address // account arbitration fees are paid into
	Owner        common.Address // the ruling authority
	Cost         *big.Int
	AppealCost   *big.Int
	AppealWindow time.Duration
}

// court is the dispute table shared by both variants.
type court struct {
	mu          sync.Mutex
	cfg         Config
	collector   Collector
	logger      *slog.Logger
	nowFn       func() time.Time
	disputes    map[uint64]*Dispute
	nextID      uint64
	arbitrables map[common.Address]Arbitrable
}

func newCourt(cfg Config, collector Collector, logger *slog.Logger) *court {
	if cfg.Cost == nil {
		cfg.Cost = new(big.Int)
	}
	if cfg.AppealCost == nil {
		cfg.AppealCost = new(big.Int).Set(cfg.Cost)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &court{
		cfg:         cfg,
		collector:   collector,
		logger:      logger,
		nowFn:       time.Now,
		disputes:    make(map[uint64]*Dispute),
		nextID:      1,
		arbitrables: make(map[common.Address]Arbitrable),
	}
}

// SetNowFunc overrides the clock. Intended for tests.
func (c *court) SetNowFunc(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now == nil {
		now = time.Now
	}
	c.nowFn = now
}

// Address is the account arbitration fees are collected into.
func (c *court) Address() common.Address { return c.cfg.Address }

// Owner is the ruling authority.
func (c *court) Owner() common.Address { return c.cfg.Owner }

// RegisterArbitrable allows addr to open disputes; final rulings are
// delivered to a.
func (c *court) RegisterArbitrable(addr common.Address, a Arbitrable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.arbitrables[addr] = a
}

func (c *court) ArbitrationCost(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.cfg.Cost), nil
}

// AppealCost is the value an appeal must attach.
func (c *court) AppealCost(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.cfg.AppealCost), nil
}

// SetArbitrationCost reprices new disputes. Owner only.
func (c *court) SetArbitrationCost(ctx context.Context, caller common.Address, cost *big.Int) error {
	if caller != c.cfg.Owner {
		return ErrInvalidCaller
	}
	if cost == nil || cost.Sign() <= 0 {
		return fmt.Errorf("%w: cost must be positive", ErrInsufficientFunding)
	}
	c.mu.Lock()
	c.cfg.Cost = new(big.Int).Set(cost)
	c.mu.Unlock()
	c.logger.Info("arbitration cost updated", "cost", cost.String())
	return nil
}

func (c *court) CreateDispute(ctx context.Context, caller common.Address, choices uint64, evidenceRef string, value *big.Int) (uint64, error) {
	c.mu.Lock()
	_, registered := c.arbitrables[caller]
	cost := new(big.Int).Set(c.cfg.Cost)
	c.mu.Unlock()

	if !registered {
		return 0, ErrInvalidCaller
	}
	if value == nil || value.Cmp(cost) != 0 {
		return 0, &FundingError{Required: cost}
	}
	if c.collector != nil && value.Sign() > 0 {
		if err := c.collector.Transfer(ctx, asset.Native(), caller, c.cfg.Address, value); err != nil {
			return 0, fmt.Errorf("collect arbitration fee: %w", err)
		}
	}

	c.mu.Lock()
	now := c.nowFn()
	d := &Dispute{
		ID:          c.nextID,
		Arbitrable:  caller,
		Choices:     choices,
		Status:      StatusWaiting,
		EvidenceRef: evidenceRef,
		Fees:        new(big.Int).Set(value),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	c.disputes[d.ID] = d
	c.nextID++
	c.mu.Unlock()

	disputesCreatedTotal.Inc()
	c.logger.Info("dispute created", "disputeId", d.ID, "arbitrable", caller.Hex(), "choices", choices)
	return d.ID, nil
}

// Dispute returns a copy of the dispute record.
func (c *court) Dispute(ctx context.Context, disputeID uint64) (*Dispute, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.disputes[disputeID]
	if !ok {
		return nil, ErrInvalidDispute
	}
	return d.clone(), nil
}

func (c *court) DisputeStatus(ctx context.Context, disputeID uint64) (Status, error) {
	d, err := c.Dispute(ctx, disputeID)
	if err != nil {
		return 0, err
	}
	return d.Status, nil
}

func (c *court) CurrentRuling(ctx context.Context, disputeID uint64) (uint64, error) {
	d, err := c.Dispute(ctx, disputeID)
	if err != nil {
		return 0, err
	}
	return d.Ruling, nil
}

// AppealPeriod returns the appeal window of an Appealable dispute and zero
// times otherwise.
func (c *court) AppealPeriod(ctx context.Context, disputeID uint64) (time.Time, time.Time, error) {
	d, err := c.Dispute(ctx, disputeID)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if d.Status != StatusAppealable || d.AppealStart == nil || d.AppealEnd == nil {
		return time.Time{}, time.Time{}, nil
	}
	return *d.AppealStart, *d.AppealEnd, nil
}

// GiveRuling issues a final ruling on a Waiting dispute and delivers it.
func (c *court) GiveRuling(ctx context.Context, caller common.Address, disputeID, ruling uint64) error {
	if caller != c.cfg.Owner {
		return ErrInvalidCaller
	}
	c.mu.Lock()
	d, ok := c.disputes[disputeID]
	if !ok {
		c.mu.Unlock()
		return ErrInvalidDispute
	}
	if d.Status != StatusWaiting {
		c.mu.Unlock()
		return ErrInvalidStatus
	}
	if ruling > d.Choices {
		c.mu.Unlock()
		return ErrInvalidRuling
	}
	c.solveLocked(d, ruling)
	c.mu.Unlock()

	c.deliver(ctx, disputeID)
	return nil
}

func (c *court) solveLocked(d *Dispute, ruling uint64) {
	d.Ruling = ruling
	d.Status = StatusSolved
	d.AppealStart = nil
	d.AppealEnd = nil
	d.UpdatedAt = c.nowFn()
	rulingsTotal.WithLabelValues(rulingLabel(ruling)).Inc()
}

// deliver pushes a Solved ruling to its arbitrable. A failed delivery leaves
// the dispute Solved; the arbitrable can pull the ruling later.
func (c *court) deliver(ctx context.Context, disputeID uint64) {
	c.mu.Lock()
	d := c.disputes[disputeID]
	target := c.arbitrables[d.Arbitrable]
	ruling := d.Ruling
	c.mu.Unlock()

	if target == nil {
		return
	}
	if err := target.Rule(ctx, c.cfg.Address, disputeID, ruling); err != nil {
		c.logger.Warn("ruling delivery failed", "disputeId", disputeID, "ruling", ruling, "error", err)
		return
	}

	c.mu.Lock()
	d.Executed = true
	c.mu.Unlock()
	c.logger.Info("ruling delivered", "disputeId", disputeID, "ruling", ruling)
}

func rulingLabel(r uint64) string {
	switch r {
	case 0:
		return "refused"
	case 1:
		return "1"
	case 2:
		return "2"
	}
	return "other"
}
