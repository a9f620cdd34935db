package escrow

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Notification types emitted by the ledger.
const (
	EventTransactionCreated  = "transaction.created"
	EventMetaEvidence        = "transaction.meta_evidence"
	EventPayment             = "transaction.payment"
	EventFeeRecipientPayment = "transaction.fee_recipient_payment"
	EventReimbursement       = "transaction.reimbursement"
	EventHasToPayFee         = "transaction.has_to_pay_fee"
	EventDispute             = "transaction.dispute"
	EventEvidence            = "transaction.evidence"
	EventRuling              = "transaction.ruling"
	EventSendFailed          = "transaction.send_failed"
	EventTimeoutClaimable    = "transaction.timeout_claimable"
	EventFeeRecipientChanged = "settings.fee_recipient_changed"
	EventLostFundsRecovered  = "settings.lost_funds_recovered"
)

// Event is a ledger notification. Parties lists the addresses the event
// concerns so subscribers can filter.
type Event struct {
	Type          string            `json:"type"`
	TransactionID uint64            `json:"transactionId,omitempty"`
	Parties       []common.Address  `json:"parties,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}

// Emitter receives ledger notifications. Emit must not block and must not
// call back into the ledger synchronously.
type Emitter interface {
	Emit(ctx context.Context, ev Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, ev Event)

func (f EmitterFunc) Emit(ctx context.Context, ev Event) { f(ctx, ev) }

// NoopEmitter discards events.
type NoopEmitter struct{}

func (NoopEmitter) Emit(context.Context, Event) {}

// MultiEmitter fans out to several emitters in order.
type MultiEmitter []Emitter

func (m MultiEmitter) Emit(ctx context.Context, ev Event) {
	for _, e := range m {
		e.Emit(ctx, ev)
	}
}

// RecordingEmitter keeps every event in memory. Useful in tests and for the
// development event log.
type RecordingEmitter struct {
	mu     sync.Mutex
	events []Event
}

func (r *RecordingEmitter) Emit(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of the recorded events.
func (r *RecordingEmitter) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events with the given type.
func (r *RecordingEmitter) OfType(typ string) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (l *Ledger) emit(ctx context.Context, typ string, tx *Transaction, attrs map[string]string) {
	ev := Event{
		Type:       typ,
		Attributes: attrs,
		Timestamp:  l.now(),
	}
	if tx != nil {
		ev.TransactionID = tx.ID
		ev.Parties = []common.Address{tx.Payer, tx.Payee}
	}
	l.emitter.Emit(ctx, ev)
}

func idString(id uint64) string { return strconv.FormatUint(id, 10) }
