//go:build integration

package escrow

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/mbd888/escrowd/internal/asset"
	"github.com/mbd888/escrowd/internal/fees"
	"github.com/mbd888/escrowd/internal/testutil"
)

func setupTestDB(t *testing.T) (*PostgresStore, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	return NewPostgresStore(db), cleanup
}

func TestPostgresEscrow_CreateAndGet(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	tx := newStoredTx(0, now.Add(time.Hour))
	tx.Asset = token
	// Above int64 range to exercise NUMERIC(78,0).
	tx.Amount, _ = new(big.Int).SetString("123456789012345678901234567890", 10)
	tx.InitialAmount = new(big.Int).Set(tx.Amount)
	tx.FeeBasisPoint = 50
	tx.EvidenceRef = "ipfs://terms"
	tx.CreatedAt = now
	tx.UpdatedAt = now

	if err := store.Create(ctx, tx); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if tx.ID == 0 {
		t.Fatal("Expected an assigned ID")
	}

	got, err := store.Get(ctx, tx.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Payer != payerAddr || got.Payee != payeeAddr {
		t.Errorf("Expected parties to round-trip, got %s/%s", got.Payer.Hex(), got.Payee.Hex())
	}
	if got.Asset != token {
		t.Errorf("Expected asset %s, got %s", token, got.Asset)
	}
	if got.Amount.Cmp(tx.Amount) != 0 {
		t.Errorf("Expected amount %s, got %s", tx.Amount, got.Amount)
	}
	if got.FeeBasisPoint != 50 || got.EvidenceRef != "ipfs://terms" {
		t.Errorf("Unexpected fee/evidence ref: %d %q", got.FeeBasisPoint, got.EvidenceRef)
	}
	if got.Ruling != nil || got.ResolvedAt != nil || got.HasDispute {
		t.Error("Expected no ruling, resolution time or dispute")
	}
	if !got.Deadline.Equal(tx.Deadline) {
		t.Errorf("Expected deadline %v, got %v", tx.Deadline, got.Deadline)
	}

	if _, err := store.Get(ctx, tx.ID+100); !errors.Is(err, ErrTransactionNotFound) {
		t.Errorf("Expected ErrTransactionNotFound, got %v", err)
	}
}

func TestPostgresEscrow_UpdateAndGetByDispute(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	tx := newStoredTx(1000, now.Add(time.Hour))
	tx.CreatedAt, tx.UpdatedAt = now, now
	if err := store.Create(ctx, tx); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	ruling := RulingPayeeWins
	resolved := now.Add(2 * time.Hour)
	tx.Status = StatusResolved
	tx.HasDispute = true
	tx.DisputeID = 42
	tx.Amount = new(big.Int)
	tx.PayerFeeDeposit = big.NewInt(100)
	tx.DisputeDeposit = big.NewInt(100)
	tx.Ruling = &ruling
	tx.Resolution = ResolutionRuling
	tx.Evidence = []Evidence{{Party: payerAddr, URI: "ipfs://proof", Hash: evidenceHash("ipfs://proof"), SubmittedAt: now}}
	tx.UpdatedAt = resolved
	tx.ResolvedAt = &resolved
	if err := store.Update(ctx, tx); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got, err := store.GetByDispute(ctx, 42)
	if err != nil {
		t.Fatalf("GetByDispute failed: %v", err)
	}
	if got.ID != tx.ID {
		t.Errorf("Expected transaction %d, got %d", tx.ID, got.ID)
	}
	if got.Status != StatusResolved || got.Resolution != ResolutionRuling {
		t.Errorf("Expected resolved by ruling, got %s/%s", got.Status, got.Resolution)
	}
	if got.Ruling == nil || *got.Ruling != RulingPayeeWins {
		t.Errorf("Expected payee_wins ruling, got %v", got.Ruling)
	}
	if got.PayerFeeDeposit.Int64() != 100 || got.DisputeDeposit.Int64() != 100 {
		t.Errorf("Expected deposits to round-trip, got %s/%s", got.PayerFeeDeposit, got.DisputeDeposit)
	}
	if len(got.Evidence) != 1 || got.Evidence[0].Hash != evidenceHash("ipfs://proof") {
		t.Errorf("Expected one evidence entry, got %+v", got.Evidence)
	}
	if got.ResolvedAt == nil || !got.ResolvedAt.Equal(resolved) {
		t.Errorf("Expected resolvedAt %v, got %v", resolved, got.ResolvedAt)
	}

	if err := store.Update(ctx, &Transaction{ID: tx.ID + 100, Amount: new(big.Int)}); !errors.Is(err, ErrTransactionNotFound) {
		t.Errorf("Expected ErrTransactionNotFound on update, got %v", err)
	}
}

func TestPostgresEscrow_Lists(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	past := newStoredTx(100, now.Add(-time.Hour))
	future := newStoredTx(200, now.Add(time.Hour))
	drained := newStoredTx(0, now.Add(-time.Hour))
	waiting := newStoredTx(300, now.Add(-time.Minute))
	waiting.Status = StatusWaitingPayeeFee
	for _, tx := range []*Transaction{past, future, drained, waiting} {
		tx.CreatedAt, tx.UpdatedAt = now, now
		if err := store.Create(ctx, tx); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	byParty, err := store.ListByParty(ctx, payeeAddr, 0, 0)
	if err != nil {
		t.Fatalf("ListByParty failed: %v", err)
	}
	if len(byParty) != 4 || byParty[0].ID != waiting.ID {
		t.Errorf("Expected 4 transactions newest first, got %d", len(byParty))
	}

	limited, _ := store.ListByParty(ctx, payerAddr, 0, 2)
	if len(limited) != 2 {
		t.Errorf("Expected limit 2, got %d", len(limited))
	}
	if len(limited) == 2 {
		rest, _ := store.ListByParty(ctx, payerAddr, limited[1].ID, 0)
		for _, tx := range rest {
			if tx.ID >= limited[1].ID {
				t.Errorf("Expected IDs below %d, got %d", limited[1].ID, tx.ID)
			}
		}
	}

	claimable, err := store.ListClaimable(ctx, now, 0, 0)
	if err != nil {
		t.Fatalf("ListClaimable failed: %v", err)
	}
	if len(claimable) != 2 {
		t.Fatalf("Expected 2 claimable (drained and future excluded), got %d", len(claimable))
	}
	if claimable[0].ID != past.ID || claimable[1].ID != waiting.ID {
		t.Errorf("Expected ID order [%d %d], got [%d %d]", past.ID, waiting.ID, claimable[0].ID, claimable[1].ID)
	}
	after, _ := store.ListClaimable(ctx, now, past.ID, 0)
	if len(after) != 1 || after[0].ID != waiting.ID {
		t.Errorf("Expected only %d above %d, got %d items", waiting.ID, past.ID, len(after))
	}

	open, _ := store.ListOpen(ctx, 0)
	if len(open) != 4 {
		t.Errorf("Expected 4 open, got %d", len(open))
	}
}

func TestPostgresEscrow_Settings(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()

	if _, err := store.LoadSettings(ctx); !errors.Is(err, ErrSettingsNotFound) {
		t.Fatalf("Expected ErrSettingsNotFound before save, got %v", err)
	}

	s := &Settings{
		Owner:        ownerAddr,
		FeeRecipient: recipientAddr,
		Thresholds:   testTable(),
		Whitelist:    []asset.Asset{native, token},
		LostFunds:    map[asset.Asset]*big.Int{token: big.NewInt(77)},
		UpdatedAt:    time.Now().UTC().Truncate(time.Microsecond),
	}
	if err := store.SaveSettings(ctx, s); err != nil {
		t.Fatalf("SaveSettings failed: %v", err)
	}

	s.FeeRecipient = payerAddr
	if err := store.SaveSettings(ctx, s); err != nil {
		t.Fatalf("SaveSettings upsert failed: %v", err)
	}

	got, err := store.LoadSettings(ctx)
	if err != nil {
		t.Fatalf("LoadSettings failed: %v", err)
	}
	if got.Owner != ownerAddr || got.FeeRecipient != payerAddr {
		t.Errorf("Unexpected owner/recipient: %s/%s", got.Owner.Hex(), got.FeeRecipient.Hex())
	}
	if len(got.Thresholds) != 2 || got.Thresholds[1].MaxPrice.Cmp(fees.Unbounded) != 0 {
		t.Errorf("Expected thresholds to round-trip, got %v", got.Thresholds)
	}
	if len(got.Whitelist) != 2 {
		t.Errorf("Expected 2 whitelisted assets, got %d", len(got.Whitelist))
	}
	if v := got.LostFunds[token]; v == nil || v.Int64() != 77 {
		t.Errorf("Expected 77 lost token units, got %v", v)
	}
}
