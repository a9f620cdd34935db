package escrow

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/escrowd/internal/asset"
)

// safeTransfer pushes value out of the vault. A failed push never aborts the
// caller: the value stays in the vault and is credited to lost funds for the
// owner to recover. Callers must hold the guard.
func (l *Ledger) safeTransfer(ctx context.Context, tx *Transaction, a asset.Asset, to common.Address, amount *big.Int) bool {
	if amount == nil || amount.Sign() == 0 {
		return true
	}
	err := l.push(ctx, a, to, amount)
	if err == nil {
		return true
	}

	if serr := l.updateSettings(ctx, func(s *Settings) {
		s.LostFunds[a] = new(big.Int).Add(cloneInt(s.LostFunds[a]), amount)
	}); serr != nil {
		// In-memory books still carry the credit so Reconcile stays balanced.
		l.logger.Error("failed to persist lost funds", "asset", a.String(), "amount", amount.String(), "error", serr)
		l.forceLostFunds(a, amount)
	}

	sendFailuresTotal.Inc()
	l.logger.Warn("push failed, credited to lost funds",
		"transactionId", tx.ID,
		"to", to.Hex(),
		"asset", a.String(),
		"amount", amount.String(),
		"error", err,
	)
	l.emit(ctx, EventSendFailed, tx, map[string]string{
		"to":     to.Hex(),
		"asset":  a.String(),
		"amount": amount.String(),
		"reason": err.Error(),
	})
	return false
}

// push runs TryTransfer with the guard marked as calling out, so a recipient
// hook that calls back into the ledger is rejected whatever ctx it uses.
func (l *Ledger) push(ctx context.Context, a asset.Asset, to common.Address, amount *big.Int) error {
	done := l.guard.Callout()
	defer done()
	return l.bank.TryTransfer(ctx, a, l.cfg.Vault, to, amount)
}

// refund returns a deposit whose operation could not complete. A failed
// refund leaves the value in the vault untracked, so it is logged for the
// owner to settle by hand.
func (l *Ledger) refund(ctx context.Context, a asset.Asset, to common.Address, amount *big.Int) {
	if err := l.bank.Transfer(ctx, a, l.cfg.Vault, to, amount); err != nil {
		refundFailuresTotal.Inc()
		l.logger.Error("refund failed, value left in vault",
			"to", to.Hex(),
			"asset", a.String(),
			"amount", amount.String(),
			"error", err,
		)
	}
}

func (l *Ledger) forceLostFunds(a asset.Asset, amount *big.Int) {
	l.settingsMu.Lock()
	defer l.settingsMu.Unlock()
	next := l.settings.Clone()
	next.LostFunds[a] = new(big.Int).Add(cloneInt(next.LostFunds[a]), amount)
	l.settings = next
}
