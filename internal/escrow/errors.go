package escrow

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidCaller       = errors.New("invalid caller")
	ErrInvalidStatus       = errors.New("invalid transaction status for this operation")
	ErrNullAddress         = errors.New("null address")
	ErrNoTimeout           = errors.New("timeout not reached")
	ErrInvalidToken        = errors.New("asset not whitelisted")
	ErrNoLostFunds         = errors.New("no lost funds")
	ErrAlreadyResolved     = errors.New("transaction already resolved")
	ErrReentrantCall       = errors.New("reentrant call rejected")
	ErrSettingsNotFound    = errors.New("settings not found")
)

// AmountError carries the amount the call should have used.
type AmountError struct {
	Expected *big.Int
}

func (e *AmountError) Error() string {
	return fmt.Sprintf("%s: expected %s", ErrInvalidAmount, e.Expected)
}

func (e *AmountError) Unwrap() error { return ErrInvalidAmount }

func amountError(v *big.Int) error {
	return &AmountError{Expected: cloneInt(v)}
}

// CallerError names the only address allowed to make the call.
type CallerError struct {
	Expected common.Address
}

func (e *CallerError) Error() string {
	return fmt.Sprintf("%s: expected %s", ErrInvalidCaller, e.Expected.Hex())
}

func (e *CallerError) Unwrap() error { return ErrInvalidCaller }

// StatusError reports the status the call required.
type StatusError struct {
	Expected Status
	Actual   Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: expected %s, got %s", ErrInvalidStatus, e.Expected, e.Actual)
}

func (e *StatusError) Unwrap() error { return ErrInvalidStatus }
