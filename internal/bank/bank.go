// Package bank is the custodial value layer the escrow ledger moves funds
// through.
//
// Balances are kept per (asset, address). Transfer is strict: it either
// moves the full amount or nothing. TryTransfer is a push: the recipient's
// registered Receiver gets a chance to reject the incoming value, and a
// rejecting (or panicking) receiver leaves every balance untouched.
//
// With a Journal attached every movement is appended before it is applied,
// and Restore rebuilds balances by replaying the journal.
package bank

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/escrowd/internal/asset"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrTransferRejected    = errors.New("transfer rejected by recipient")
	ErrAlreadyRestored     = errors.New("bank already holds balances")
)

// Receiver is invoked before value is credited to a registered address.
// Returning an error rejects the push. Implementations may call back into
// other components; a component that is itself mid-push may reject the call.
type Receiver interface {
	OnReceive(ctx context.Context, a asset.Asset, from common.Address, amount *big.Int) error
}

// ReceiverFunc adapts a function to Receiver.
type ReceiverFunc func(ctx context.Context, a asset.Asset, from common.Address, amount *big.Int) error

func (f ReceiverFunc) OnReceive(ctx context.Context, a asset.Asset, from common.Address, amount *big.Int) error {
	return f(ctx, a, from, amount)
}

// Entry is one balance movement.
type Entry struct {
	Asset     asset.Asset    `json:"asset"`
	From      common.Address `json:"from"`
	To        common.Address `json:"to"`
	Amount    *big.Int       `json:"amount"`
	Type      string         `json:"type"` // mint, transfer, push
	CreatedAt time.Time      `json:"createdAt"`
}

// Journal durably records movements.
type Journal interface {
	Append(ctx context.Context, e *Entry) error
	// Entries returns every recorded movement, oldest first.
	Entries(ctx context.Context) ([]*Entry, error)
}

// Bank holds balances in memory, optionally backed by a Journal.
type Bank struct {
	mu        sync.RWMutex
	balances  map[asset.Asset]map[common.Address]*big.Int
	receivers map[common.Address]Receiver
	entries   []*Entry
	journal   Journal
	nowFn     func() time.Time
}

// New creates an empty bank.
func New() *Bank {
	return &Bank{
		balances:  make(map[asset.Asset]map[common.Address]*big.Int),
		receivers: make(map[common.Address]Receiver),
		nowFn:     time.Now,
	}
}

// WithJournal attaches a journal. Call before the bank is used.
func (b *Bank) WithJournal(j Journal) *Bank {
	b.journal = j
	return b
}

// Restore replays the journal into an empty bank and returns the number of
// entries applied.
func (b *Bank) Restore(ctx context.Context) (int, error) {
	if b.journal == nil {
		return 0, nil
	}
	entries, err := b.journal.Entries(ctx)
	if err != nil {
		return 0, fmt.Errorf("load journal: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) > 0 {
		return 0, ErrAlreadyRestored
	}
	for _, e := range entries {
		if e.Type != "mint" {
			src := b.balanceLocked(e.Asset, e.From)
			src.Sub(src, e.Amount)
		}
		dst := b.balanceLocked(e.Asset, e.To)
		dst.Add(dst, e.Amount)
		b.entries = append(b.entries, e)
	}
	return len(entries), nil
}

// Register installs (or, with nil, removes) the receiver hook for addr.
func (b *Bank) Register(addr common.Address, r Receiver) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r == nil {
		delete(b.receivers, addr)
		return
	}
	b.receivers[addr] = r
}

// Mint credits new value to an address. Used by the development faucet and
// tests to fund parties.
func (b *Bank) Mint(a asset.Asset, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.recordLocked(context.Background(), a, common.Address{}, to, amount, "mint"); err != nil {
		return err
	}
	bal := b.balanceLocked(a, to)
	bal.Add(bal, amount)
	return nil
}

// BalanceOf returns a copy of addr's balance in asset a.
func (b *Bank) BalanceOf(a asset.Asset, addr common.Address) *big.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if m, ok := b.balances[a]; ok {
		if bal, ok := m[addr]; ok {
			return new(big.Int).Set(bal)
		}
	}
	return new(big.Int)
}

// Balances returns every non-zero balance held by addr.
func (b *Bank) Balances(addr common.Address) map[asset.Asset]*big.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[asset.Asset]*big.Int)
	for a, m := range b.balances {
		if bal, ok := m[addr]; ok && bal.Sign() > 0 {
			out[a] = new(big.Int).Set(bal)
		}
	}
	return out
}

// Transfer moves amount from one address to another without consulting any
// receiver hook.
func (b *Bank) Transfer(ctx context.Context, a asset.Asset, from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	if amount.Sign() == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.moveLocked(ctx, a, from, to, amount, "transfer")
}

// TryTransfer pushes amount to `to`. The receiver hook, if any, runs before
// any balance changes and without the bank lock held, so it may re-enter
// the bank or its callers. A non-nil error means nothing moved.
func (b *Bank) TryTransfer(ctx context.Context, a asset.Asset, from, to common.Address, amount *big.Int) (err error) {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	if amount.Sign() == 0 {
		return nil
	}

	b.mu.RLock()
	recv := b.receivers[to]
	b.mu.RUnlock()

	if recv != nil {
		if hookErr := callReceiver(ctx, recv, a, from, amount); hookErr != nil {
			return fmt.Errorf("%w: %v", ErrTransferRejected, hookErr)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.moveLocked(ctx, a, from, to, amount, "push")
}

func callReceiver(ctx context.Context, recv Receiver, a asset.Asset, from common.Address, amount *big.Int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("receiver panicked: %v", r)
		}
	}()
	return recv.OnReceive(ctx, a, from, new(big.Int).Set(amount))
}

// History returns movements touching addr, oldest first.
func (b *Bank) History(addr common.Address) []*Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*Entry
	for _, e := range b.entries {
		if e.From == addr || e.To == addr {
			cp := *e
			cp.Amount = new(big.Int).Set(e.Amount)
			out = append(out, &cp)
		}
	}
	return out
}

func (b *Bank) moveLocked(ctx context.Context, a asset.Asset, from, to common.Address, amount *big.Int, kind string) error {
	src := b.balanceLocked(a, from)
	if src.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientBalance, from.Hex(), src, amount)
	}
	if err := b.recordLocked(ctx, a, from, to, amount, kind); err != nil {
		return err
	}
	dst := b.balanceLocked(a, to)
	src.Sub(src, amount)
	dst.Add(dst, amount)
	return nil
}

func (b *Bank) balanceLocked(a asset.Asset, addr common.Address) *big.Int {
	m, ok := b.balances[a]
	if !ok {
		m = make(map[common.Address]*big.Int)
		b.balances[a] = m
	}
	bal, ok := m[addr]
	if !ok {
		bal = new(big.Int)
		m[addr] = bal
	}
	return bal
}

// recordLocked journals a movement before the caller applies it. A journal
// failure leaves balances untouched.
func (b *Bank) recordLocked(ctx context.Context, a asset.Asset, from, to common.Address, amount *big.Int, kind string) error {
	e := &Entry{
		Asset:     a,
		From:      from,
		To:        to,
		Amount:    new(big.Int).Set(amount),
		Type:      kind,
		CreatedAt: b.nowFn(),
	}
	if b.journal != nil {
		if err := b.journal.Append(ctx, e); err != nil {
			return fmt.Errorf("journal %s: %w", kind, err)
		}
	}
	b.entries = append(b.entries, e)
	return nil
}

// MemoryJournal keeps entries in memory. Used in tests and to exercise
// Restore without a database.
type MemoryJournal struct {
	mu      sync.Mutex
	entries []*Entry
	failing error
}

// NewMemoryJournal creates an empty journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{}
}

// FailWith makes subsequent appends return err (nil restores normal behavior).
func (j *MemoryJournal) FailWith(err error) {
	j.mu.Lock()
	j.failing = err
	j.mu.Unlock()
}

func (j *MemoryJournal) Append(_ context.Context, e *Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.failing != nil {
		return j.failing
	}
	cp := *e
	cp.Amount = new(big.Int).Set(e.Amount)
	j.entries = append(j.entries, &cp)
	return nil
}

func (j *MemoryJournal) Entries(_ context.Context) ([]*Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]*Entry, len(j.entries))
	for i, e := range j.entries {
		cp := *e
		cp.Amount = new(big.Int).Set(e.Amount)
		out[i] = &cp
	}
	return out, nil
}
