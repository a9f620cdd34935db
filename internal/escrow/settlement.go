package escrow

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/escrowd/internal/arbitrator"
	"github.com/mbd888/escrowd/internal/asset"
	"github.com/mbd888/escrowd/internal/fees"
	"github.com/mbd888/escrowd/internal/traces"
)

// Rule is the arbitrator callback. It records the ruling for the
// transaction holding disputeID and settles it.
func (l *Ledger) Rule(ctx context.Context, caller common.Address, disputeID, ruling uint64) error {
	ctx, span := traces.StartSpan(ctx, "escrow.Rule", traces.DisputeID(disputeID))
	defer span.End()

	ctx, release, err := l.enter(ctx, "rule")
	if err != nil {
		return err
	}
	defer release()

	if caller != l.arb.Address() {
		return &CallerError{Expected: l.arb.Address()}
	}
	if ruling > RulingChoices {
		return arbitrator.ErrInvalidRuling
	}
	tx, err := l.store.GetByDispute(ctx, disputeID)
	if err != nil {
		return err
	}
	if tx.Status == StatusResolved {
		return ErrAlreadyResolved
	}
	if tx.Status != StatusDisputeCreated {
		return &StatusError{Expected: StatusDisputeCreated, Actual: tx.Status}
	}
	_, err = l.resolve(ctx, tx, Ruling(ruling), ResolutionRuling)
	return err
}

// AcceptRuling pulls a final ruling from the arbitrator and settles the
// transaction. It covers rulings whose delivery through Rule failed.
func (l *Ledger) AcceptRuling(ctx context.Context, caller common.Address, id uint64) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.AcceptRuling", traces.TransactionID(id), traces.Party(caller.Hex()))
	defer span.End()

	ctx, release, err := l.enter(ctx, "accept_ruling")
	if err != nil {
		return nil, err
	}
	defer release()

	tx, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.Status == StatusResolved {
		return nil, ErrAlreadyResolved
	}
	if tx.Status != StatusDisputeCreated {
		return nil, &StatusError{Expected: StatusDisputeCreated, Actual: tx.Status}
	}
	status, err := l.arb.DisputeStatus(ctx, tx.DisputeID)
	if err != nil {
		return nil, err
	}
	if status != arbitrator.StatusSolved {
		return nil, fmt.Errorf("%w: dispute %d is %s", ErrInvalidStatus, tx.DisputeID, status)
	}
	ruling, err := l.arb.CurrentRuling(ctx, tx.DisputeID)
	if err != nil {
		return nil, err
	}
	if ruling > RulingChoices {
		return nil, arbitrator.ErrInvalidRuling
	}
	return l.resolve(ctx, tx, Ruling(ruling), ResolutionRuling)
}

// payout is one value push produced by settlement.
type payout struct {
	to     common.Address
	asset  asset.Asset
	amount *big.Int
}

// settlement is the outcome of applying a ruling to a transaction.
type settlement struct {
	toPayer  *big.Int // remaining amount share, tx asset
	toPayee  *big.Int // net of fee, tx asset
	fee      *big.Int // tx asset
	payouts  []payout
	deposits *big.Int // native value returned, all parties
}

// settle computes who receives what. The remaining amount goes out in the
// transaction's asset; arbitration deposits are always native.
//
// PayerWins returns everything to the payer with no fee. PayeeWins pays the
// payee net of fee. SplitAmount gives the payer amount/2 and the payee the
// rest, each share paying its own fee, and splits the dispute deposit the
// same way. A party's unmatched fee deposit always goes back to it.
func settle(tx *Transaction, ruling Ruling, feeRecipient common.Address) settlement {
	native := asset.Native()
	s := settlement{
		toPayer:  new(big.Int),
		toPayee:  new(big.Int),
		fee:      new(big.Int),
		deposits: new(big.Int),
	}
	payerDeposit := cloneInt(tx.PayerFeeDeposit)
	payeeDeposit := cloneInt(tx.PayeeFeeDeposit)

	switch ruling {
	case RulingPayerWins:
		s.toPayer.Set(tx.Amount)
		payerDeposit.Add(payerDeposit, tx.DisputeDeposit)
	case RulingPayeeWins:
		s.fee = fees.Fee(tx.Amount, tx.FeeBasisPoint)
		s.toPayee.Sub(tx.Amount, s.fee)
		payeeDeposit.Add(payeeDeposit, tx.DisputeDeposit)
	default:
		payerShare := new(big.Int).Quo(tx.Amount, big.NewInt(2))
		payeeShare := new(big.Int).Sub(tx.Amount, payerShare)
		payerFee := fees.Fee(payerShare, tx.FeeBasisPoint)
		payeeFee := fees.Fee(payeeShare, tx.FeeBasisPoint)
		s.toPayer.Sub(payerShare, payerFee)
		s.toPayee.Sub(payeeShare, payeeFee)
		s.fee.Add(payerFee, payeeFee)

		payerHalf := new(big.Int).Quo(tx.DisputeDeposit, big.NewInt(2))
		payerDeposit.Add(payerDeposit, payerHalf)
		payeeDeposit.Add(payeeDeposit, new(big.Int).Sub(tx.DisputeDeposit, payerHalf))
	}
	s.deposits.Add(payerDeposit, payeeDeposit)

	s.payouts = mergePayouts([]payout{
		{to: tx.Payer, asset: tx.Asset, amount: s.toPayer},
		{to: tx.Payee, asset: tx.Asset, amount: s.toPayee},
		{to: feeRecipient, asset: tx.Asset, amount: s.fee},
		{to: tx.Payer, asset: native, amount: payerDeposit},
		{to: tx.Payee, asset: native, amount: payeeDeposit},
	})
	return s
}

// mergePayouts drops zero pushes and combines pushes to the same recipient
// in the same asset, preserving first-seen order.
func mergePayouts(in []payout) []payout {
	var out []payout
	for _, p := range in {
		if p.amount.Sign() == 0 {
			continue
		}
		merged := false
		for i := range out {
			if out[i].to == p.to && out[i].asset == p.asset {
				out[i].amount = new(big.Int).Add(out[i].amount, p.amount)
				merged = true
				break
			}
		}
		if !merged {
			out = append(out, payout{to: p.to, asset: p.asset, amount: new(big.Int).Set(p.amount)})
		}
	}
	return out
}

// resolve moves a transaction to Resolved, persists it and then pushes the
// settlement. Callers must hold the guard.
func (l *Ledger) resolve(ctx context.Context, tx *Transaction, ruling Ruling, resolution string) (*Transaction, error) {
	recipient := l.settings.FeeRecipient
	s := settle(tx, ruling, recipient)
	settled := new(big.Int).Set(tx.Amount)

	now := l.now()
	tx.Amount = new(big.Int)
	tx.PayerFeeDeposit = new(big.Int)
	tx.PayeeFeeDeposit = new(big.Int)
	tx.DisputeDeposit = new(big.Int)
	tx.Status = StatusResolved
	tx.Resolution = resolution
	tx.ResolvedAt = &now
	tx.UpdatedAt = now
	if resolution == ResolutionRuling {
		r := ruling
		tx.Ruling = &r
	}
	if err := l.store.Update(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to update transaction: %w", err)
	}

	for _, p := range s.payouts {
		l.safeTransfer(ctx, tx, p.asset, p.to, p.amount)
	}

	resolutionsTotal.WithLabelValues(resolution, ruling.String()).Inc()
	l.logger.Info("transaction resolved",
		"transactionId", tx.ID,
		"resolution", resolution,
		"ruling", ruling.String(),
		"settled", settled.String(),
		"toPayer", s.toPayer.String(),
		"toPayee", s.toPayee.String(),
		"fee", s.fee.String(),
		"deposits", s.deposits.String(),
	)

	attrs := map[string]string{
		"resolution": resolution,
		"ruling":     ruling.String(),
		"toPayer":    s.toPayer.String(),
		"toPayee":    s.toPayee.String(),
		"fee":        s.fee.String(),
		"deposits":   s.deposits.String(),
	}
	if resolution == ResolutionRuling {
		attrs["disputeId"] = idString(tx.DisputeID)
		l.emit(ctx, EventRuling, tx, attrs)
	} else {
		l.emit(ctx, EventPayment, tx, attrs)
	}
	if s.fee.Sign() > 0 {
		l.emit(ctx, EventFeeRecipientPayment, tx, map[string]string{
			"recipient": recipient.Hex(),
			"fee":       s.fee.String(),
		})
	}
	return tx.Clone(), nil
}
