// Package arbitrator implements the neutral dispute authority escrow
// transactions escalate to.
//
// Lifecycle:
//  1. An arbitrable contract pays the arbitration cost and opens a dispute (Waiting)
//  2. The authority rules; the immediate variant moves straight to Solved,
//     the appealable variant first opens an appeal window (Appealable)
//  3. A paid appeal inside the window reopens the dispute (Waiting)
//  4. Once Solved the ruling is pushed to the arbitrable through Rule
package arbitrator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInsufficientFunding = errors.New("insufficient funding")
	ErrInvalidCaller       = errors.New("invalid caller")
	ErrInvalidStatus       = errors.New("invalid dispute status")
	ErrInvalidRuling       = errors.New("invalid ruling")
	ErrInvalidDispute      = errors.New("dispute not found")
	ErrAppealPeriodExpired = errors.New("appeal period expired")
	ErrAppealPeriodOpen    = errors.New("appeal period still open")
)

// Status is the state of a dispute.
type Status uint8

const (
	StatusWaiting Status = iota
	StatusAppealable
	StatusSolved
)

func (s Status) String() string {
	switch s {
	case StatusWaiting:
		return "waiting"
	case StatusAppealable:
		return "appealable"
	case StatusSolved:
		return "solved"
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// FundingError reports the exact value a payable call required.
type FundingError struct {
	Required *big.Int
}

func (e *FundingError) Error() string {
	return fmt.Sprintf("%s: required %s", ErrInsufficientFunding, e.Required)
}

func (e *FundingError) Unwrap() error { return ErrInsufficientFunding }

// Arbitrable receives final rulings. caller is the arbitrator's address.
type Arbitrable interface {
	Rule(ctx context.Context, caller common.Address, disputeID uint64, ruling uint64) error
}

// Arbitrator is the contract escrow depends on.
type Arbitrator interface {
	Address() common.Address
	ArbitrationCost(ctx context.Context) (*big.Int, error)
	CreateDispute(ctx context.Context, caller common.Address, choices uint64, evidenceRef string, value *big.Int) (uint64, error)
	DisputeStatus(ctx context.Context, disputeID uint64) (Status, error)
	CurrentRuling(ctx context.Context, disputeID uint64) (uint64, error)
	AppealPeriod(ctx context.Context, disputeID uint64) (start, end time.Time, err error)
}

// Dispute is the authority's record of one disagreement.
type Dispute struct {
	ID          uint64         `json:"id"`
	Arbitrable  common.Address `json:"arbitrable"`
	Choices     uint64         `json:"choices"`
	Ruling      uint64         `json:"ruling"`
	Status      Status         `json:"status"`
	EvidenceRef string         `json:"evidenceRef,omitempty"`
	Fees        *big.Int       `json:"fees"`
	AppealStart *time.Time     `json:"appealStart,omitempty"`
	AppealEnd   *time.Time     `json:"appealEnd,omitempty"`
	Appeals     int            `json:"appeals"`
	Executed    bool           `json:"executed"` // ruling delivered to the arbitrable
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

func (d *Dispute) clone() *Dispute {
	cp := *d
	cp.Fees = new(big.Int).Set(d.Fees)
	if d.AppealStart != nil {
		t := *d.AppealStart
		cp.AppealStart = &t
	}
	if d.AppealEnd != nil {
		t := *d.AppealEnd
		cp.AppealEnd = &t
	}
	return &cp
}
