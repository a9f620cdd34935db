package bank

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowd/internal/asset"
)

var (
	alice = common.HexToAddress("0x000000000000000000000000000000000000a11c")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	token = asset.Token(common.HexToAddress("0x00000000000000000000000000000000000070c0"))
)

func TestMintAndTransfer(t *testing.T) {
	b := New()
	ctx := context.Background()
	require.NoError(t, b.Mint(asset.Native(), alice, big.NewInt(100)))

	require.NoError(t, b.Transfer(ctx, asset.Native(), alice, bob, big.NewInt(40)))
	assert.Equal(t, "60", b.BalanceOf(asset.Native(), alice).String())
	assert.Equal(t, "40", b.BalanceOf(asset.Native(), bob).String())

	// Assets are isolated.
	assert.Equal(t, "0", b.BalanceOf(token, alice).String())
}

func TestTransfer_InsufficientBalanceMovesNothing(t *testing.T) {
	b := New()
	require.NoError(t, b.Mint(asset.Native(), alice, big.NewInt(10)))

	err := b.Transfer(context.Background(), asset.Native(), alice, bob, big.NewInt(11))
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, "10", b.BalanceOf(asset.Native(), alice).String())
	assert.Equal(t, "0", b.BalanceOf(asset.Native(), bob).String())
}

func TestTransfer_InvalidAmounts(t *testing.T) {
	b := New()
	assert.ErrorIs(t, b.Transfer(context.Background(), asset.Native(), alice, bob, big.NewInt(-1)), ErrInvalidAmount)
	assert.ErrorIs(t, b.Transfer(context.Background(), asset.Native(), alice, bob, nil), ErrInvalidAmount)
	assert.NoError(t, b.Transfer(context.Background(), asset.Native(), alice, bob, big.NewInt(0)))
	assert.ErrorIs(t, b.Mint(asset.Native(), alice, big.NewInt(0)), ErrInvalidAmount)
}

func TestTryTransfer_ReceiverRejects(t *testing.T) {
	b := New()
	require.NoError(t, b.Mint(asset.Native(), alice, big.NewInt(10)))
	b.Register(bob, ReceiverFunc(func(context.Context, asset.Asset, common.Address, *big.Int) error {
		return errors.New("no thanks")
	}))

	err := b.TryTransfer(context.Background(), asset.Native(), alice, bob, big.NewInt(5))
	assert.ErrorIs(t, err, ErrTransferRejected)
	assert.Equal(t, "10", b.BalanceOf(asset.Native(), alice).String())
	assert.Equal(t, "0", b.BalanceOf(asset.Native(), bob).String())
}

func TestTryTransfer_ReceiverPanics(t *testing.T) {
	b := New()
	require.NoError(t, b.Mint(asset.Native(), alice, big.NewInt(10)))
	b.Register(bob, ReceiverFunc(func(context.Context, asset.Asset, common.Address, *big.Int) error {
		panic("boom")
	}))

	err := b.TryTransfer(context.Background(), asset.Native(), alice, bob, big.NewInt(5))
	assert.ErrorIs(t, err, ErrTransferRejected)
	assert.Equal(t, "10", b.BalanceOf(asset.Native(), alice).String())
}

func TestTryTransfer_ReceiverAcceptsAndMayReenter(t *testing.T) {
	b := New()
	require.NoError(t, b.Mint(asset.Native(), alice, big.NewInt(10)))
	var seen *big.Int
	b.Register(bob, ReceiverFunc(func(ctx context.Context, a asset.Asset, from common.Address, amount *big.Int) error {
		seen = amount
		// Reading the bank from inside the hook must not deadlock.
		_ = b.BalanceOf(a, from)
		return nil
	}))

	require.NoError(t, b.TryTransfer(context.Background(), asset.Native(), alice, bob, big.NewInt(7)))
	assert.Equal(t, "7", seen.String())
	assert.Equal(t, "7", b.BalanceOf(asset.Native(), bob).String())

	b.Register(bob, nil)
	require.NoError(t, b.TryTransfer(context.Background(), asset.Native(), alice, bob, big.NewInt(3)))
	assert.Equal(t, "10", b.BalanceOf(asset.Native(), bob).String())
}

func TestBalancesAndHistory(t *testing.T) {
	b := New()
	ctx := context.Background()
	require.NoError(t, b.Mint(asset.Native(), alice, big.NewInt(10)))
	require.NoError(t, b.Mint(token, alice, big.NewInt(3)))
	require.NoError(t, b.Transfer(ctx, token, alice, bob, big.NewInt(3)))

	bals := b.Balances(alice)
	assert.Len(t, bals, 1, "zero balances are omitted")
	assert.Equal(t, "10", bals[asset.Native()].String())

	hist := b.History(bob)
	require.Len(t, hist, 1)
	assert.Equal(t, "transfer", hist[0].Type)
	assert.Equal(t, token, hist[0].Asset)
}

func TestJournal_RestoreRebuildsBalances(t *testing.T) {
	ctx := context.Background()
	j := NewMemoryJournal()

	b := New().WithJournal(j)
	require.NoError(t, b.Mint(asset.Native(), alice, big.NewInt(100)))
	require.NoError(t, b.Transfer(ctx, asset.Native(), alice, bob, big.NewInt(30)))
	require.NoError(t, b.TryTransfer(ctx, asset.Native(), bob, alice, big.NewInt(5)))

	restored := New().WithJournal(j)
	n, err := restored.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, "75", restored.BalanceOf(asset.Native(), alice).String())
	assert.Equal(t, "25", restored.BalanceOf(asset.Native(), bob).String())
	assert.Len(t, restored.History(alice), 3)

	_, err = restored.Restore(ctx)
	assert.ErrorIs(t, err, ErrAlreadyRestored)
}

func TestJournal_FailureMovesNothing(t *testing.T) {
	ctx := context.Background()
	j := NewMemoryJournal()
	b := New().WithJournal(j)
	require.NoError(t, b.Mint(asset.Native(), alice, big.NewInt(100)))

	j.FailWith(errors.New("disk full"))
	err := b.Transfer(ctx, asset.Native(), alice, bob, big.NewInt(10))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Error(t, b.Mint(asset.Native(), bob, big.NewInt(1)))

	assert.Equal(t, "100", b.BalanceOf(asset.Native(), alice).String())
	assert.Equal(t, "0", b.BalanceOf(asset.Native(), bob).String())
	assert.Len(t, b.History(alice), 1)
}

func TestRestore_NoJournal(t *testing.T) {
	n, err := New().Restore(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
