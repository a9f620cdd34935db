package escrow

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/escrowd/internal/asset"
	"github.com/mbd888/escrowd/internal/traces"
)

// PayArbitrationFeeByPayer deposits the payer's share of the arbitration
// cost. value must equal the current cost minus what the payer already
// deposited.
func (l *Ledger) PayArbitrationFeeByPayer(ctx context.Context, caller common.Address, id uint64, value *big.Int) (*Transaction, error) {
	return l.payArbitrationFee(ctx, caller, id, value, true)
}

// PayArbitrationFeeByPayee is the payee's counterpart of
// PayArbitrationFeeByPayer.
func (l *Ledger) PayArbitrationFeeByPayee(ctx context.Context, caller common.Address, id uint64, value *big.Int) (*Transaction, error) {
	return l.payArbitrationFee(ctx, caller, id, value, false)
}

func (l *Ledger) payArbitrationFee(ctx context.Context, caller common.Address, id uint64, value *big.Int, byPayer bool) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.PayArbitrationFee", traces.TransactionID(id), traces.Party(caller.Hex()))
	defer span.End()

	ctx, release, err := l.enter(ctx, "arbitration_fee")
	if err != nil {
		return nil, err
	}
	defer release()

	tx, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	party, counterpart := tx.Payer, tx.Payee
	ownWaiting, counterpartWaiting := StatusWaitingPayerFee, StatusWaitingPayeeFee
	own, other := &tx.PayerFeeDeposit, &tx.PayeeFeeDeposit
	if !byPayer {
		party, counterpart = tx.Payee, tx.Payer
		ownWaiting, counterpartWaiting = StatusWaitingPayeeFee, StatusWaitingPayerFee
		own, other = &tx.PayeeFeeDeposit, &tx.PayerFeeDeposit
	}
	if caller != party {
		return nil, &CallerError{Expected: party}
	}
	if tx.Status != StatusNoDispute && tx.Status != ownWaiting {
		return nil, &StatusError{Expected: ownWaiting, Actual: tx.Status}
	}

	cost, err := l.arb.ArbitrationCost(ctx)
	if err != nil {
		return nil, fmt.Errorf("arbitration cost: %w", err)
	}
	// A free dispute would let one deposit skip the counterpart's fee window.
	if cost.Sign() <= 0 {
		return nil, fmt.Errorf("%w: arbitration cost is %s", ErrInvalidAmount, cost)
	}
	required := new(big.Int).Sub(cost, *own)
	if required.Sign() < 0 {
		required.SetInt64(0)
	}
	if value == nil || value.Cmp(required) != 0 {
		return nil, amountError(required)
	}

	if err := l.bank.Transfer(ctx, asset.Native(), caller, l.cfg.Vault, value); err != nil {
		return nil, fmt.Errorf("failed to deposit arbitration fee: %w", err)
	}
	refund := func() {
		l.refund(ctx, asset.Native(), caller, value)
	}

	*own = new(big.Int).Add(*own, value)
	tx.UpdatedAt = l.now()

	if (*other).Cmp(cost) < 0 {
		// Counterpart has not matched the cost yet: start its clock.
		tx.Status = counterpartWaiting
		tx.Deadline = l.now().Add(l.cfg.FeeTimeout)
		if err := l.store.Update(ctx, tx); err != nil {
			refund()
			return nil, fmt.Errorf("failed to update transaction: %w", err)
		}
		feeDepositsTotal.WithLabelValues(partyLabel(byPayer)).Inc()
		l.logger.Info("arbitration fee deposited",
			"transactionId", id,
			"party", caller.Hex(),
			"value", value.String(),
			"counterpartDeadline", tx.Deadline,
		)
		l.emit(ctx, EventHasToPayFee, tx, map[string]string{
			"party":    counterpart.Hex(),
			"required": new(big.Int).Sub(cost, *other).String(),
			"deadline": tx.Deadline.UTC().Format(time.RFC3339),
		})
		return tx.Clone(), nil
	}

	feeDepositsTotal.WithLabelValues(partyLabel(byPayer)).Inc()
	if err := l.raiseDispute(ctx, tx, cost); err != nil {
		if !tx.HasDispute {
			refund()
		}
		return nil, err
	}
	return tx.Clone(), nil
}

// raiseDispute forwards one arbitration cost to the arbitrator and pools the
// rest of both deposits for the ruling split. Callers must hold the guard.
func (l *Ledger) raiseDispute(ctx context.Context, tx *Transaction, cost *big.Int) error {
	total := new(big.Int).Add(tx.PayerFeeDeposit, tx.PayeeFeeDeposit)

	disputeID, err := l.arb.CreateDispute(ctx, l.cfg.Vault, RulingChoices, tx.EvidenceRef, cost)
	if err != nil {
		return fmt.Errorf("failed to create dispute: %w", err)
	}

	tx.HasDispute = true
	tx.DisputeID = disputeID
	tx.Status = StatusDisputeCreated
	tx.DisputeDeposit = total.Sub(total, cost)
	tx.PayerFeeDeposit = new(big.Int)
	tx.PayeeFeeDeposit = new(big.Int)
	tx.UpdatedAt = l.now()
	if err := l.store.Update(ctx, tx); err != nil {
		// The arbitrator already holds the cost; the record must be fixed by hand.
		l.logger.Error("dispute raised but transaction not saved",
			"transactionId", tx.ID, "disputeId", disputeID, "error", err)
		return fmt.Errorf("failed to update transaction: %w", err)
	}

	disputesRaisedTotal.Inc()
	l.logger.Info("dispute raised", "transactionId", tx.ID, "disputeId", disputeID, "cost", cost.String())
	l.emit(ctx, EventDispute, tx, map[string]string{
		"disputeId":      idString(disputeID),
		"arbitrator":     l.arb.Address().Hex(),
		"disputeDeposit": tx.DisputeDeposit.String(),
	})
	return nil
}

func partyLabel(payer bool) string {
	if payer {
		return "payer"
	}
	return "payee"
}
