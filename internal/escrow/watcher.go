package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Watcher periodically looks for transactions whose deadline has elapsed and
// tells the party that can claim the timeout. It never changes state:
// timeouts only take effect when a party calls the ledger.
type Watcher struct {
	store    Store
	emitter  Emitter
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
	nowFn    func() time.Time
	// batchSize is how many claimable transactions one store read returns.
	batchSize int

	// notified remembers the deadline each transaction was announced for so
	// a claim is announced once per deadline.
	notified map[uint64]time.Time
}

// NewWatcher creates a deadline watcher.
func NewWatcher(store Store, emitter Emitter, interval time.Duration, logger *slog.Logger) *Watcher {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if emitter == nil {
		emitter = NoopEmitter{}
	}
	return &Watcher{
		store:     store,
		emitter:   emitter,
		interval:  interval,
		logger:    logger,
		stop:      make(chan struct{}),
		nowFn:     time.Now,
		batchSize: 100,
		notified:  make(map[uint64]time.Time),
	}
}

// Running reports whether the watcher loop is actively running.
func (w *Watcher) Running() bool {
	return w.running.Load()
}

// Start begins the watch loop. Call in a goroutine.
func (w *Watcher) Start(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.safeScan(ctx)
		}
	}
}

// Stop signals the watcher to stop.
func (w *Watcher) Stop() {
	select {
	case w.stop <- struct{}{}:
	default:
	}
}

func (w *Watcher) safeScan(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in escrow watcher", "panic", fmt.Sprint(r))
		}
	}()
	w.scan(ctx)
}

// scan emits one TimeoutClaimable notification per elapsed deadline and
// returns how many it emitted. Claimable transactions are read in pages of
// batchSize until the store runs out.
func (w *Watcher) scan(ctx context.Context) int {
	now := w.nowFn()
	seen := make(map[uint64]struct{})
	emitted := 0
	var afterID uint64
	for {
		page, err := w.store.ListClaimable(ctx, now, afterID, w.batchSize)
		if err != nil {
			// Keep earlier notifications; an incomplete sweep must not prune them.
			w.logger.Warn("failed to list claimable transactions", "error", err)
			return emitted
		}
		emitted += w.announce(ctx, now, page, seen)
		if len(page) < w.batchSize {
			break
		}
		afterID = page[len(page)-1].ID
	}

	for id := range w.notified {
		if _, ok := seen[id]; !ok {
			delete(w.notified, id)
		}
	}
	return emitted
}

func (w *Watcher) announce(ctx context.Context, now time.Time, claimable []*Transaction, seen map[uint64]struct{}) int {
	emitted := 0
	for _, tx := range claimable {
		if !tx.deadlineClaimable(now) {
			continue
		}
		seen[tx.ID] = struct{}{}
		if last, ok := w.notified[tx.ID]; ok && last.Equal(tx.Deadline) {
			continue
		}
		w.notified[tx.ID] = tx.Deadline

		claimant, action := tx.Payee, "execute"
		switch tx.Status {
		case StatusWaitingPayeeFee:
			claimant, action = tx.Payer, "timeout_by_payer"
		case StatusWaitingPayerFee:
			claimant, action = tx.Payee, "timeout_by_payee"
		}
		w.emitter.Emit(ctx, Event{
			Type:          EventTimeoutClaimable,
			TransactionID: tx.ID,
			Parties:       []common.Address{tx.Payer, tx.Payee},
			Attributes: map[string]string{
				"claimant": claimant.Hex(),
				"action":   action,
				"status":   string(tx.Status),
				"deadline": tx.Deadline.UTC().Format(time.RFC3339),
			},
			Timestamp: now,
		})
		timeoutNotificationsTotal.Inc()
		emitted++
		w.logger.Info("timeout claimable",
			"transactionId", tx.ID,
			"claimant", claimant.Hex(),
			"status", tx.Status,
		)
	}
	return emitted
}
