package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/escrowd/internal/escrow"
)

const (
	payerHex = "0xaaaa000000000000000000000000000000000001"
	payeeHex = "0xbbbb000000000000000000000000000000000002"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	event := &Event{Type: escrow.EventPayment, Timestamp: time.Now()}
	if !h.shouldSend(client, event) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []string{escrow.EventDispute, escrow.EventRuling},
	}}

	if !h.shouldSend(client, &Event{Type: escrow.EventDispute}) {
		t.Error("Should receive dispute events")
	}
	if !h.shouldSend(client, &Event{Type: escrow.EventRuling}) {
		t.Error("Should receive ruling events")
	}
	if h.shouldSend(client, &Event{Type: escrow.EventPayment}) {
		t.Error("Should NOT receive payment events")
	}
}

func TestShouldSend_PartyFilter(t *testing.T) {
	h := testHub()

	// Mixed case in the subscription still matches the lowercased event.
	client := &Client{sub: Subscription{
		Parties: []string{"0xAAAA000000000000000000000000000000000001"},
	}}

	matching := &Event{Type: escrow.EventPayment, Parties: []string{payerHex, payeeHex}}
	notMatching := &Event{Type: escrow.EventPayment, Parties: []string{"0xcccc000000000000000000000000000000000003"}}
	settings := &Event{Type: escrow.EventFeeRecipientChanged}

	if !h.shouldSend(client, matching) {
		t.Error("Should match on a listed party")
	}
	if h.shouldSend(client, notMatching) {
		t.Error("Should NOT match unrelated parties")
	}
	if !h.shouldSend(client, settings) {
		t.Error("Events without parties pass the party filter")
	}
}

func TestShouldSend_TransactionFilter(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{TransactionIDs: []uint64{7}}}

	if !h.shouldSend(client, &Event{Type: escrow.EventEvidence, TransactionID: 7}) {
		t.Error("Should receive events for transaction 7")
	}
	if h.shouldSend(client, &Event{Type: escrow.EventEvidence, TransactionID: 8}) {
		t.Error("Should NOT receive events for transaction 8")
	}
	if !h.shouldSend(client, &Event{Type: escrow.EventLostFundsRecovered}) {
		t.Error("Settings events pass the transaction filter")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()

	// No filters, not AllEvents
	client := &Client{sub: Subscription{}}

	if !h.shouldSend(client, &Event{Type: escrow.EventPayment}) {
		t.Error("Empty subscription (no filters) should receive events")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_BroadcastAndStats(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	h.Broadcast(&Event{Type: escrow.EventPayment, Timestamp: time.Now()})
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["totalEvents"].(int64) != 1 {
		t.Errorf("Expected 1 total event, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak 1, got %v", stats["peakClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	// Peak should still be 1
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHub_EmitterDeliversEscrowEvents(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{Parties: []string{payeeHex}},
	}
	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.Emitter().Emit(ctx, escrow.Event{
		Type:          escrow.EventPayment,
		TransactionID: 3,
		Parties:       []common.Address{common.HexToAddress(payerHex), common.HexToAddress(payeeHex)},
		Attributes:    map[string]string{"amount": "396"},
	})

	select {
	case msg := <-client.send:
		var got Event
		if err := json.Unmarshal(msg, &got); err != nil {
			t.Fatalf("Unmarshal failed: %v", err)
		}
		if got.Type != escrow.EventPayment || got.TransactionID != 3 {
			t.Errorf("Unexpected event %+v", got)
		}
		if len(got.Parties) != 2 || got.Parties[1] != payeeHex {
			t.Errorf("Expected lowercase parties, got %v", got.Parties)
		}
		if got.Attributes["amount"] != "396" {
			t.Errorf("Expected amount attribute, got %v", got.Attributes)
		}
		if got.Timestamp.IsZero() {
			t.Error("Expected a timestamp to be filled in")
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for escrow event")
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
		// Hub stopped
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}

func TestHub_FilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Client only wants claimable timeouts
	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{EventTypes: []string{escrow.EventTimeoutClaimable}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.Broadcast(&Event{Type: escrow.EventPayment, Timestamp: time.Now()})
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive payment event")
	default:
		// Good - filtered out
	}

	h.Broadcast(&Event{Type: escrow.EventTimeoutClaimable, TransactionID: 1, Timestamp: time.Now()})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client should receive timeout event")
	}
}
