package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/escrowd/internal/arbitrator"
	"github.com/mbd888/escrowd/internal/asset"
	"github.com/mbd888/escrowd/internal/fees"
	"github.com/mbd888/escrowd/internal/syncutil"
	"github.com/mbd888/escrowd/internal/traces"
)

var ErrEmptyEvidence = errors.New("evidence uri is required")

// Config seeds the ledger. Owner, fee recipient, thresholds and whitelist
// are only used when the store holds no settings yet.
type Config struct {
	Vault                 common.Address // custodial account inside the bank
	Owner                 common.Address
	FeeRecipient          common.Address
	Thresholds            fees.Table
	Whitelist             []asset.Asset
	MinAmount             *big.Int
	FeeTimeout            time.Duration
	DefaultPaymentTimeout time.Duration
}

// Ledger implements the escrow transaction state machine. Every state-changing
// operation runs under a ledger-wide guard; value is pushed only after the
// new state has been persisted.
type Ledger struct {
	cfg     Config
	store   Store
	bank    Bank
	arb     arbitrator.Arbitrator
	emitter Emitter
	logger  *slog.Logger
	guard   *syncutil.Guard
	nowFn   func() time.Time

	// settings is written only while the guard is held; settingsMu lets
	// readers outside the guard take a consistent copy.
	settingsMu sync.RWMutex
	settings   *Settings
	whitelist  asset.Whitelist
}

var _ arbitrator.Arbitrable = (*Ledger)(nil)

// NewLedger loads persisted settings (seeding them from cfg on first run) and
// returns a ready ledger.
func NewLedger(ctx context.Context, cfg Config, store Store, bank Bank, arb arbitrator.Arbitrator, logger *slog.Logger) (*Ledger, error) {
	if asset.IsZero(cfg.Vault) {
		return nil, fmt.Errorf("%w: vault", ErrNullAddress)
	}
	if cfg.MinAmount == nil || cfg.MinAmount.Sign() <= 0 {
		cfg.MinAmount = big.NewInt(1)
	}
	if cfg.FeeTimeout <= 0 {
		cfg.FeeTimeout = DefaultFeeTimeout
	}
	if cfg.DefaultPaymentTimeout <= 0 {
		cfg.DefaultPaymentTimeout = DefaultPaymentTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	l := &Ledger{
		cfg:     cfg,
		store:   store,
		bank:    bank,
		arb:     arb,
		emitter: NoopEmitter{},
		logger:  logger,
		guard:   syncutil.NewGuard(),
		nowFn:   time.Now,
	}

	s, err := store.LoadSettings(ctx)
	switch {
	case errors.Is(err, ErrSettingsNotFound):
		s, err = l.seedSettings(ctx)
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("load settings: %w", err)
	}
	l.setSettings(s)
	return l, nil
}

func (l *Ledger) seedSettings(ctx context.Context) (*Settings, error) {
	if asset.IsZero(l.cfg.Owner) {
		return nil, fmt.Errorf("%w: owner", ErrNullAddress)
	}
	recipient := l.cfg.FeeRecipient
	if asset.IsZero(recipient) {
		recipient = l.cfg.Owner
	}
	if err := l.cfg.Thresholds.Validate(); err != nil {
		return nil, err
	}
	if err := l.cfg.Thresholds.CheckBasisPoints(); err != nil {
		return nil, err
	}
	s := &Settings{
		Owner:        l.cfg.Owner,
		FeeRecipient: recipient,
		Thresholds:   l.cfg.Thresholds.Clone(),
		Whitelist:    append([]asset.Asset(nil), l.cfg.Whitelist...),
		LostFunds:    make(map[asset.Asset]*big.Int),
		UpdatedAt:    l.nowFn(),
	}
	if err := l.store.SaveSettings(ctx, s); err != nil {
		return nil, fmt.Errorf("save settings: %w", err)
	}
	return s, nil
}

// WithEmitter sets the notification sink.
func (l *Ledger) WithEmitter(e Emitter) *Ledger {
	if e == nil {
		e = NoopEmitter{}
	}
	l.emitter = e
	return l
}

// SetNowFunc overrides the clock. Intended for tests.
func (l *Ledger) SetNowFunc(fn func() time.Time) {
	if fn == nil {
		fn = time.Now
	}
	l.nowFn = fn
}

func (l *Ledger) now() time.Time { return l.nowFn() }

// Vault is the ledger's custodial account.
func (l *Ledger) Vault() common.Address { return l.cfg.Vault }

// enter acquires the ledger-wide guard. A context that already carries the
// guard's marker (a recipient hook calling back in) is rejected.
func (l *Ledger) enter(ctx context.Context, op string) (context.Context, func(), error) {
	ctx, release, err := l.guard.Enter(ctx)
	if errors.Is(err, syncutil.ErrReentrant) {
		reentrantRejectedTotal.WithLabelValues(op).Inc()
		l.logger.Warn("reentrant ledger call rejected", "op", op)
		return ctx, nil, ErrReentrantCall
	}
	if err != nil {
		return ctx, nil, err
	}
	done := observeOp(op)
	return ctx, func() {
		release()
		done()
	}, nil
}

func (l *Ledger) setSettings(s *Settings) {
	l.settingsMu.Lock()
	defer l.settingsMu.Unlock()
	l.settings = s
	l.whitelist = asset.NewWhitelist(s.Whitelist...)
}

// updateSettings applies fn to a copy of the settings and persists it.
// Callers must hold the guard.
func (l *Ledger) updateSettings(ctx context.Context, fn func(s *Settings)) error {
	next := l.settings.Clone()
	fn(next)
	next.UpdatedAt = l.now()
	if err := l.store.SaveSettings(ctx, next); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	l.setSettings(next)
	return nil
}

// Settings returns a copy of the current administrator settings.
func (l *Ledger) Settings() *Settings {
	l.settingsMu.RLock()
	defer l.settingsMu.RUnlock()
	return l.settings.Clone()
}

// LostFunds returns the value of a that could not be pushed to its recipient.
func (l *Ledger) LostFunds(a asset.Asset) *big.Int {
	l.settingsMu.RLock()
	defer l.settingsMu.RUnlock()
	return cloneInt(l.settings.LostFunds[a])
}

// Quote returns the fee rate and fee a transaction of amount would lock in
// under the current thresholds.
func (l *Ledger) Quote(amount *big.Int) (uint16, *big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return 0, nil, amountError(l.cfg.MinAmount)
	}
	l.settingsMu.RLock()
	table := l.settings.Thresholds
	l.settingsMu.RUnlock()
	bps, err := table.BasisPointFor(amount)
	if err != nil {
		return 0, nil, err
	}
	return bps, fees.Fee(amount, bps), nil
}

// CreateTransaction escrows req.Amount from caller for req.Payee.
func (l *Ledger) CreateTransaction(ctx context.Context, caller common.Address, req CreateRequest) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.CreateTransaction",
		traces.Party(caller.Hex()), traces.Asset(req.Asset.String()), traces.Amount(cloneInt(req.Amount).String()))
	defer span.End()

	ctx, release, err := l.enter(ctx, "create")
	if err != nil {
		return nil, err
	}
	defer release()

	if asset.IsZero(req.Payee) || asset.IsZero(caller) {
		return nil, ErrNullAddress
	}
	if req.Payee == caller {
		return nil, fmt.Errorf("%w: payee must differ from payer", ErrInvalidCaller)
	}
	if !l.whitelist.Contains(req.Asset) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidToken, req.Asset)
	}
	if req.Amount == nil || req.Amount.Cmp(l.cfg.MinAmount) < 0 {
		return nil, amountError(l.cfg.MinAmount)
	}
	bps, err := l.settings.Thresholds.BasisPointFor(req.Amount)
	if err != nil {
		return nil, err
	}

	timeout := req.PaymentTimeout
	if timeout <= 0 {
		timeout = l.cfg.DefaultPaymentTimeout
	}

	amount := new(big.Int).Set(req.Amount)
	if err := l.bank.Transfer(ctx, req.Asset, caller, l.cfg.Vault, amount); err != nil {
		return nil, fmt.Errorf("failed to escrow funds: %w", err)
	}

	now := l.now()
	tx := &Transaction{
		Payer:           caller,
		Payee:           req.Payee,
		Asset:           req.Asset,
		Amount:          amount,
		InitialAmount:   new(big.Int).Set(amount),
		FeeBasisPoint:   bps,
		Status:          StatusNoDispute,
		Deadline:        now.Add(timeout),
		PayerFeeDeposit: new(big.Int),
		PayeeFeeDeposit: new(big.Int),
		DisputeDeposit:  new(big.Int),
		EvidenceRef:     req.EvidenceRef,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := l.store.Create(ctx, tx); err != nil {
		l.refund(ctx, req.Asset, caller, amount)
		return nil, fmt.Errorf("failed to create transaction record: %w", err)
	}

	transactionsCreatedTotal.Inc()
	l.logger.Info("transaction created",
		"transactionId", tx.ID,
		"payer", tx.Payer.Hex(),
		"payee", tx.Payee.Hex(),
		"asset", tx.Asset.String(),
		"amount", amount.String(),
		"feeBasisPoint", bps,
	)
	l.emit(ctx, EventTransactionCreated, tx, map[string]string{
		"payer":         tx.Payer.Hex(),
		"payee":         tx.Payee.Hex(),
		"asset":         tx.Asset.String(),
		"amount":        amount.String(),
		"feeBasisPoint": fmt.Sprint(bps),
	})
	if tx.EvidenceRef != "" {
		l.emit(ctx, EventMetaEvidence, tx, map[string]string{"evidenceRef": tx.EvidenceRef})
	}
	return tx.Clone(), nil
}

// Pay releases amount to the payee, net of the transaction's locked fee rate.
func (l *Ledger) Pay(ctx context.Context, caller common.Address, id uint64, amount *big.Int) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Pay", traces.TransactionID(id), traces.Party(caller.Hex()))
	defer span.End()

	ctx, release, err := l.enter(ctx, "pay")
	if err != nil {
		return nil, err
	}
	defer release()

	tx, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if caller != tx.Payer {
		return nil, &CallerError{Expected: tx.Payer}
	}
	if tx.Status != StatusNoDispute {
		return nil, &StatusError{Expected: StatusNoDispute, Actual: tx.Status}
	}
	if amount == nil || amount.Sign() <= 0 || amount.Cmp(tx.Amount) > 0 {
		return nil, amountError(tx.Amount)
	}

	fee := fees.Fee(amount, tx.FeeBasisPoint)
	net := new(big.Int).Sub(amount, fee)
	tx.Amount = new(big.Int).Sub(tx.Amount, amount)
	tx.UpdatedAt = l.now()
	if err := l.store.Update(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to update transaction: %w", err)
	}

	recipient := l.settings.FeeRecipient
	l.safeTransfer(ctx, tx, tx.Asset, tx.Payee, net)
	l.safeTransfer(ctx, tx, tx.Asset, recipient, fee)

	paymentsTotal.WithLabelValues("pay").Inc()
	l.logger.Info("transaction paid", "transactionId", id, "amount", amount.String(), "fee", fee.String(), "remaining", tx.Amount.String())
	l.emit(ctx, EventPayment, tx, map[string]string{
		"party":  tx.Payer.Hex(),
		"to":     tx.Payee.Hex(),
		"amount": amount.String(),
		"net":    net.String(),
		"fee":    fee.String(),
	})
	l.emit(ctx, EventFeeRecipientPayment, tx, map[string]string{
		"recipient": recipient.Hex(),
		"fee":       fee.String(),
	})
	return tx.Clone(), nil
}

// Reimburse returns amount to the payer. No fee is charged.
func (l *Ledger) Reimburse(ctx context.Context, caller common.Address, id uint64, amount *big.Int) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Reimburse", traces.TransactionID(id), traces.Party(caller.Hex()))
	defer span.End()

	ctx, release, err := l.enter(ctx, "reimburse")
	if err != nil {
		return nil, err
	}
	defer release()

	tx, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if caller != tx.Payee {
		return nil, &CallerError{Expected: tx.Payee}
	}
	if tx.Status != StatusNoDispute {
		return nil, &StatusError{Expected: StatusNoDispute, Actual: tx.Status}
	}
	if amount == nil || amount.Sign() <= 0 || amount.Cmp(tx.Amount) > 0 {
		return nil, amountError(tx.Amount)
	}

	tx.Amount = new(big.Int).Sub(tx.Amount, amount)
	tx.UpdatedAt = l.now()
	if err := l.store.Update(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to update transaction: %w", err)
	}

	l.safeTransfer(ctx, tx, tx.Asset, tx.Payer, amount)

	paymentsTotal.WithLabelValues("reimburse").Inc()
	l.logger.Info("transaction reimbursed", "transactionId", id, "amount", amount.String(), "remaining", tx.Amount.String())
	l.emit(ctx, EventReimbursement, tx, map[string]string{
		"party":  tx.Payee.Hex(),
		"to":     tx.Payer.Hex(),
		"amount": amount.String(),
	})
	return tx.Clone(), nil
}

// ExecuteTransaction claims whichever timeout has elapsed: the payment
// deadline (payee is paid), or a fee deadline (the depositing side wins).
func (l *Ledger) ExecuteTransaction(ctx context.Context, caller common.Address, id uint64) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ExecuteTransaction", traces.TransactionID(id), traces.Party(caller.Hex()))
	defer span.End()

	ctx, release, err := l.enter(ctx, "execute")
	if err != nil {
		return nil, err
	}
	defer release()

	tx, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !tx.IsParty(caller) {
		return nil, fmt.Errorf("%w: not a party to transaction %d", ErrInvalidCaller, id)
	}

	now := l.now()
	switch tx.Status {
	case StatusResolved:
		return nil, ErrAlreadyResolved
	case StatusDisputeCreated:
		return nil, &StatusError{Expected: StatusNoDispute, Actual: tx.Status}
	case StatusNoDispute:
		if tx.Amount.Sign() == 0 {
			return nil, amountError(new(big.Int))
		}
		if now.Before(tx.Deadline) {
			return nil, ErrNoTimeout
		}
		return l.resolve(ctx, tx, RulingPayeeWins, ResolutionPaymentTimeout)
	case StatusWaitingPayeeFee:
		if now.Before(tx.Deadline) {
			return nil, ErrNoTimeout
		}
		return l.resolve(ctx, tx, RulingPayerWins, ResolutionPayerTimeout)
	case StatusWaitingPayerFee:
		if now.Before(tx.Deadline) {
			return nil, ErrNoTimeout
		}
		return l.resolve(ctx, tx, RulingPayeeWins, ResolutionPayeeTimeout)
	}
	return nil, &StatusError{Expected: StatusNoDispute, Actual: tx.Status}
}

// TimeOutByPayer lets the payer win by default when the payee did not match
// the arbitration deposit in time.
func (l *Ledger) TimeOutByPayer(ctx context.Context, caller common.Address, id uint64) (*Transaction, error) {
	return l.timeOut(ctx, caller, id, true)
}

// TimeOutByPayee lets the payee win by default when the payer did not match
// the arbitration deposit in time.
func (l *Ledger) TimeOutByPayee(ctx context.Context, caller common.Address, id uint64) (*Transaction, error) {
	return l.timeOut(ctx, caller, id, false)
}

func (l *Ledger) timeOut(ctx context.Context, caller common.Address, id uint64, byPayer bool) (*Transaction, error) {
	op := "timeout_by_payee"
	if byPayer {
		op = "timeout_by_payer"
	}
	ctx, span := traces.StartSpan(ctx, "escrow.TimeOut", traces.TransactionID(id), traces.Party(caller.Hex()))
	defer span.End()

	ctx, release, err := l.enter(ctx, op)
	if err != nil {
		return nil, err
	}
	defer release()

	tx, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	claimant, waiting, ruling, resolution := tx.Payee, StatusWaitingPayerFee, RulingPayeeWins, ResolutionPayeeTimeout
	if byPayer {
		claimant, waiting, ruling, resolution = tx.Payer, StatusWaitingPayeeFee, RulingPayerWins, ResolutionPayerTimeout
	}
	if caller != claimant {
		return nil, &CallerError{Expected: claimant}
	}
	if tx.Status == StatusResolved {
		return nil, ErrAlreadyResolved
	}
	if tx.Status != waiting {
		return nil, &StatusError{Expected: waiting, Actual: tx.Status}
	}
	if l.now().Before(tx.Deadline) {
		return nil, ErrNoTimeout
	}
	return l.resolve(ctx, tx, ruling, resolution)
}

// SubmitEvidence attaches a document reference to an unresolved transaction.
func (l *Ledger) SubmitEvidence(ctx context.Context, caller common.Address, id uint64, uri string) (*Transaction, error) {
	ctx, release, err := l.enter(ctx, "evidence")
	if err != nil {
		return nil, err
	}
	defer release()

	uri = strings.TrimSpace(uri)
	if uri == "" {
		return nil, ErrEmptyEvidence
	}
	tx, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !tx.IsParty(caller) {
		return nil, fmt.Errorf("%w: not a party to transaction %d", ErrInvalidCaller, id)
	}
	if tx.IsTerminal() {
		return nil, ErrAlreadyResolved
	}

	entry := Evidence{
		Party:       caller,
		URI:         uri,
		Hash:        evidenceHash(uri),
		SubmittedAt: l.now(),
	}
	tx.Evidence = append(tx.Evidence, entry)
	tx.UpdatedAt = entry.SubmittedAt
	if err := l.store.Update(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to update transaction: %w", err)
	}

	attrs := map[string]string{
		"party": caller.Hex(),
		"uri":   uri,
		"hash":  entry.Hash.Hex(),
	}
	if tx.HasDispute {
		attrs["disputeId"] = idString(tx.DisputeID)
	}
	l.emit(ctx, EventEvidence, tx, attrs)
	return tx.Clone(), nil
}

// Get returns a transaction by ID.
func (l *Ledger) Get(ctx context.Context, id uint64) (*Transaction, error) {
	return l.store.Get(ctx, id)
}

// ListByParty returns transactions where party is the payer or the payee,
// newest first, starting below beforeID when it is non-zero.
func (l *Ledger) ListByParty(ctx context.Context, party common.Address, beforeID uint64, limit int) ([]*Transaction, error) {
	return l.store.ListByParty(ctx, party, beforeID, limit)
}
