// Package escrow holds payments between a payer and a payee until they are
// released by cooperation, an elapsed deadline or an arbitrator ruling.
//
// Flow:
//  1. Payer creates a transaction → funds moved: payer → vault
//  2. Payer pays (or payee reimburses) in parts → vault → counterparty, fee → recipient
//  3. Either party deposits the arbitration cost → the other must match before the deadline
//  4. Both deposited → dispute raised with the arbitrator
//  5. Ruling delivered (or pulled) → remaining funds and deposits settled
//  6. Deadline elapsed with a silent counterparty → caller wins by default
package escrow

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/escrowd/internal/asset"
	"github.com/mbd888/escrowd/internal/fees"
)

// Status represents the state of a transaction.
type Status string

const (
	StatusNoDispute       Status = "no_dispute"
	StatusWaitingPayerFee Status = "waiting_payer_fee" // payee deposited, payer must match
	StatusWaitingPayeeFee Status = "waiting_payee_fee" // payer deposited, payee must match
	StatusDisputeCreated  Status = "dispute_created"
	StatusResolved        Status = "resolved"
)

// Ruling is the arbitrator's decision value.
type Ruling uint64

const (
	RulingSplitAmount Ruling = iota // arbitrator refused to rule; split
	RulingPayerWins
	RulingPayeeWins
)

// RulingChoices is the number of non-refusal rulings a dispute offers.
const RulingChoices = 2

func (r Ruling) String() string {
	switch r {
	case RulingSplitAmount:
		return "split_amount"
	case RulingPayerWins:
		return "payer_wins"
	case RulingPayeeWins:
		return "payee_wins"
	}
	return "unknown"
}

// Resolution records how a transaction reached StatusResolved.
const (
	ResolutionRuling         = "ruling"
	ResolutionPayerTimeout   = "payee_fee_timeout" // payee never matched the payer's deposit
	ResolutionPayeeTimeout   = "payer_fee_timeout" // payer never matched the payee's deposit
	ResolutionPaymentTimeout = "payment_timeout"
)

const (
	// DefaultPaymentTimeout is used when a create request names none.
	DefaultPaymentTimeout = 7 * 24 * time.Hour
	// DefaultFeeTimeout is how long a counterparty has to match a deposit.
	DefaultFeeTimeout = 72 * time.Hour
)

// Transaction is one escrowed payment.
type Transaction struct {
	ID              uint64         `json:"id"`
	Payer           common.Address `json:"payer"`
	Payee           common.Address `json:"payee"`
	Asset           asset.Asset    `json:"asset"`
	Amount          *big.Int       `json:"amount"` // remaining in escrow
	InitialAmount   *big.Int       `json:"initialAmount"`
	FeeBasisPoint   uint16         `json:"feeBasisPoint"`
	Status          Status         `json:"status"`
	HasDispute      bool           `json:"hasDispute"`
	DisputeID       uint64         `json:"disputeId"`
	Deadline        time.Time      `json:"deadline"`
	PayerFeeDeposit *big.Int       `json:"payerFeeDeposit"`
	PayeeFeeDeposit *big.Int       `json:"payeeFeeDeposit"`
	DisputeDeposit  *big.Int       `json:"disputeDeposit"`
	Ruling          *Ruling        `json:"ruling,omitempty"`
	Resolution      string         `json:"resolution,omitempty"`
	EvidenceRef     string         `json:"evidenceRef,omitempty"`
	Evidence        []Evidence     `json:"evidence,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
	ResolvedAt      *time.Time     `json:"resolvedAt,omitempty"`
}

// Evidence is a document reference submitted by a party.
type Evidence struct {
	Party       common.Address `json:"party"`
	URI         string         `json:"uri"`
	Hash        common.Hash    `json:"hash"`
	SubmittedAt time.Time      `json:"submittedAt"`
}

// evidenceHash fingerprints a submitted URI.
func evidenceHash(uri string) common.Hash {
	return crypto.Keccak256Hash([]byte(uri))
}

// IsTerminal returns true if the transaction can no longer change.
func (t *Transaction) IsTerminal() bool {
	return t.Status == StatusResolved
}

// IsParty reports whether addr is the payer or the payee.
func (t *Transaction) IsParty(addr common.Address) bool {
	return addr == t.Payer || addr == t.Payee
}

// Clone returns a deep copy.
func (t *Transaction) Clone() *Transaction {
	cp := *t
	cp.Amount = cloneInt(t.Amount)
	cp.InitialAmount = cloneInt(t.InitialAmount)
	cp.PayerFeeDeposit = cloneInt(t.PayerFeeDeposit)
	cp.PayeeFeeDeposit = cloneInt(t.PayeeFeeDeposit)
	cp.DisputeDeposit = cloneInt(t.DisputeDeposit)
	if t.Ruling != nil {
		r := *t.Ruling
		cp.Ruling = &r
	}
	if t.ResolvedAt != nil {
		ts := *t.ResolvedAt
		cp.ResolvedAt = &ts
	}
	if t.Evidence != nil {
		cp.Evidence = make([]Evidence, len(t.Evidence))
		copy(cp.Evidence, t.Evidence)
	}
	return &cp
}

// deadlineClaimable reports whether a pull-style timeout could be claimed.
func (t *Transaction) deadlineClaimable(now time.Time) bool {
	switch t.Status {
	case StatusNoDispute:
		return t.Amount.Sign() > 0 && !now.Before(t.Deadline)
	case StatusWaitingPayerFee, StatusWaitingPayeeFee:
		return !now.Before(t.Deadline)
	}
	return false
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// CreateRequest contains the parameters for creating a transaction.
type CreateRequest struct {
	Asset          asset.Asset
	Amount         *big.Int
	Payee          common.Address
	EvidenceRef    string
	PaymentTimeout time.Duration // zero uses DefaultPaymentTimeout
}

// Settings is the administrator-mutable configuration plus the lost-funds
// counter. There is exactly one per ledger.
type Settings struct {
	Owner        common.Address           `json:"owner"`
	FeeRecipient common.Address           `json:"feeRecipient"`
	Thresholds   fees.Table               `json:"priceThresholds"`
	Whitelist    []asset.Asset            `json:"tokenWhitelist"`
	LostFunds    map[asset.Asset]*big.Int `json:"lostFunds"`
	UpdatedAt    time.Time                `json:"updatedAt"`
}

// Clone returns a deep copy.
func (s *Settings) Clone() *Settings {
	cp := *s
	cp.Thresholds = s.Thresholds.Clone()
	cp.Whitelist = append([]asset.Asset(nil), s.Whitelist...)
	cp.LostFunds = make(map[asset.Asset]*big.Int, len(s.LostFunds))
	for a, v := range s.LostFunds {
		cp.LostFunds[a] = new(big.Int).Set(v)
	}
	return &cp
}

// Store persists transactions and the settings row.
type Store interface {
	// Create assigns the next transaction ID and saves tx.
	Create(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, id uint64) (*Transaction, error)
	GetByDispute(ctx context.Context, disputeID uint64) (*Transaction, error)
	Update(ctx context.Context, tx *Transaction) error
	// ListByParty returns transactions where party is payer or payee, newest
	// first. A non-zero beforeID restricts the result to IDs below it.
	ListByParty(ctx context.Context, party common.Address, beforeID uint64, limit int) ([]*Transaction, error)
	ListOpen(ctx context.Context, limit int) ([]*Transaction, error)
	// ListClaimable returns unresolved transactions whose deadline is at or
	// before the given time, oldest ID first, restricted to IDs above afterID.
	ListClaimable(ctx context.Context, before time.Time, afterID uint64, limit int) ([]*Transaction, error)

	LoadSettings(ctx context.Context) (*Settings, error)
	SaveSettings(ctx context.Context, s *Settings) error
}

// Bank is the custodial value layer.
type Bank interface {
	Transfer(ctx context.Context, a asset.Asset, from, to common.Address, amount *big.Int) error
	TryTransfer(ctx context.Context, a asset.Asset, from, to common.Address, amount *big.Int) error
	BalanceOf(a asset.Asset, addr common.Address) *big.Int
}
