package escrow

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/escrowd/internal/asset"
	"github.com/mbd888/escrowd/internal/fees"
)

func (l *Ledger) requireOwner(caller common.Address) error {
	if caller != l.settings.Owner {
		return &CallerError{Expected: l.settings.Owner}
	}
	return nil
}

// SetPriceThresholds replaces the fee table. Existing transactions keep the
// rate they locked in at creation.
func (l *Ledger) SetPriceThresholds(ctx context.Context, caller common.Address, table fees.Table) error {
	ctx, release, err := l.enter(ctx, "set_price_thresholds")
	if err != nil {
		return err
	}
	defer release()

	if err := l.requireOwner(caller); err != nil {
		return err
	}
	if err := table.Validate(); err != nil {
		return err
	}
	if err := table.CheckBasisPoints(); err != nil {
		return err
	}
	if err := l.updateSettings(ctx, func(s *Settings) { s.Thresholds = table.Clone() }); err != nil {
		return err
	}
	l.logger.Info("price thresholds updated", "thresholds", table.String())
	return nil
}

// SetFeeRecipientAndBasisPoint sets the fee recipient and replaces the fee
// table with a single flat rate.
func (l *Ledger) SetFeeRecipientAndBasisPoint(ctx context.Context, caller, recipient common.Address, bps uint16) error {
	ctx, release, err := l.enter(ctx, "set_fee_recipient")
	if err != nil {
		return err
	}
	defer release()

	if err := l.requireOwner(caller); err != nil {
		return err
	}
	if asset.IsZero(recipient) {
		return ErrNullAddress
	}
	table := fees.Flat(bps)
	if err := table.CheckBasisPoints(); err != nil {
		return err
	}

	previous := l.settings.FeeRecipient
	if err := l.updateSettings(ctx, func(s *Settings) {
		s.FeeRecipient = recipient
		s.Thresholds = table
	}); err != nil {
		return err
	}
	l.logger.Info("fee recipient updated", "previous", previous.Hex(), "recipient", recipient.Hex(), "feeBasisPoint", bps)
	l.emit(ctx, EventFeeRecipientChanged, nil, map[string]string{
		"previous":      previous.Hex(),
		"recipient":     recipient.Hex(),
		"feeBasisPoint": fmt.Sprint(bps),
	})
	return nil
}

// SetTokenWhitelist replaces the set of assets new transactions may use.
func (l *Ledger) SetTokenWhitelist(ctx context.Context, caller common.Address, assets []asset.Asset) error {
	ctx, release, err := l.enter(ctx, "set_whitelist")
	if err != nil {
		return err
	}
	defer release()

	if err := l.requireOwner(caller); err != nil {
		return err
	}
	for _, a := range assets {
		if !a.Valid() {
			return fmt.Errorf("%w: %v", ErrInvalidToken, a)
		}
	}
	list := asset.NewWhitelist(assets...).List()
	if err := l.updateSettings(ctx, func(s *Settings) { s.Whitelist = list }); err != nil {
		return err
	}
	l.logger.Info("token whitelist updated", "assets", len(list))
	return nil
}

// WithdrawLostFunds sends the owner everything credited to lost funds in a.
// A failed push leaves the counter untouched.
func (l *Ledger) WithdrawLostFunds(ctx context.Context, caller common.Address, a asset.Asset) (*big.Int, error) {
	ctx, release, err := l.enter(ctx, "withdraw_lost_funds")
	if err != nil {
		return nil, err
	}
	defer release()

	if err := l.requireOwner(caller); err != nil {
		return nil, err
	}
	amount := cloneInt(l.settings.LostFunds[a])
	if amount.Sign() == 0 {
		return nil, ErrNoLostFunds
	}

	if err := l.updateSettings(ctx, func(s *Settings) { delete(s.LostFunds, a) }); err != nil {
		return nil, err
	}
	if err := l.push(ctx, a, caller, amount); err != nil {
		if rerr := l.updateSettings(ctx, func(s *Settings) { s.LostFunds[a] = amount }); rerr != nil {
			l.logger.Error("failed to restore lost funds", "asset", a.String(), "amount", amount.String(), "error", rerr)
			l.forceLostFunds(a, amount)
		}
		return nil, fmt.Errorf("withdraw lost funds: %w", err)
	}

	lostFundsRecoveredTotal.Inc()
	l.logger.Info("lost funds recovered", "asset", a.String(), "amount", amount.String(), "to", caller.Hex())
	l.emit(ctx, EventLostFundsRecovered, nil, map[string]string{
		"asset":  a.String(),
		"amount": amount.String(),
		"to":     caller.Hex(),
	})
	return amount, nil
}

// AssetReconciliation compares the vault balance of one asset with what the
// books say it should hold.
type AssetReconciliation struct {
	Asset     asset.Asset `json:"asset"`
	Vault     *big.Int    `json:"vault"`
	Escrowed  *big.Int    `json:"escrowed"`
	Deposits  *big.Int    `json:"deposits"`
	LostFunds *big.Int    `json:"lostFunds"`
	Expected  *big.Int    `json:"expected"`
	Balanced  bool        `json:"balanced"`
}

// Reconciliation is the result of Reconcile.
type Reconciliation struct {
	Assets   []AssetReconciliation `json:"assets"`
	Balanced bool                  `json:"balanced"`
}

// Reconcile checks, per asset, that the vault balance equals escrowed
// amounts plus fee and dispute deposits plus lost funds.
func (l *Ledger) Reconcile(ctx context.Context) (*Reconciliation, error) {
	ctx, release, err := l.enter(ctx, "reconcile")
	if err != nil {
		return nil, err
	}
	defer release()

	open, err := l.store.ListOpen(ctx, 0)
	if err != nil {
		return nil, err
	}

	escrowed := make(map[asset.Asset]*big.Int)
	deposits := make(map[asset.Asset]*big.Int)
	add := func(m map[asset.Asset]*big.Int, a asset.Asset, v *big.Int) {
		m[a] = new(big.Int).Add(cloneInt(m[a]), cloneInt(v))
	}
	native := asset.Native()
	add(escrowed, native, nil)
	for _, a := range l.settings.Whitelist {
		add(escrowed, a, nil)
	}
	for a := range l.settings.LostFunds {
		add(escrowed, a, nil)
	}
	for _, tx := range open {
		add(escrowed, tx.Asset, tx.Amount)
		add(deposits, native, tx.PayerFeeDeposit)
		add(deposits, native, tx.PayeeFeeDeposit)
		add(deposits, native, tx.DisputeDeposit)
	}

	report := &Reconciliation{Balanced: true}
	for _, a := range asset.NewWhitelist(keys(escrowed)...).List() {
		r := AssetReconciliation{
			Asset:     a,
			Vault:     l.bank.BalanceOf(a, l.cfg.Vault),
			Escrowed:  cloneInt(escrowed[a]),
			Deposits:  cloneInt(deposits[a]),
			LostFunds: cloneInt(l.settings.LostFunds[a]),
		}
		r.Expected = new(big.Int).Add(r.Escrowed, r.Deposits)
		r.Expected.Add(r.Expected, r.LostFunds)
		r.Balanced = r.Vault.Cmp(r.Expected) == 0
		if !r.Balanced {
			report.Balanced = false
			reconcileMismatchTotal.Inc()
			l.logger.Error("vault out of balance",
				"asset", a.String(), "vault", r.Vault.String(), "expected", r.Expected.String())
		}
		report.Assets = append(report.Assets, r)
	}
	return report, nil
}

func keys(m map[asset.Asset]*big.Int) []asset.Asset {
	out := make([]asset.Asset, 0, len(m))
	for a := range m {
		out = append(out, a)
	}
	return out
}
