// Package asset identifies the value unit an escrow transaction is held in.
//
// An Asset is either the native currency or a single external token
// identified by its contract address. Asset is comparable and can be used as
// a map key.
package asset

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidAsset   = errors.New("invalid asset")
	ErrInvalidAddress = errors.New("invalid address")
)

// Kind distinguishes the native currency from external tokens.
type Kind uint8

const (
	KindNative Kind = iota
	KindToken
)

const nativeName = "native"

// Asset is a tagged variant: Native, or Token(address).
type Asset struct {
	Kind  Kind
	Token common.Address
}

// Native returns the chain's native currency.
func Native() Asset { return Asset{Kind: KindNative} }

// Token returns the external token living at addr.
func Token(addr common.Address) Asset { return Asset{Kind: KindToken, Token: addr} }

// IsNative reports whether a is the native currency.
func (a Asset) IsNative() bool { return a.Kind == KindNative }

// Valid reports whether a is a well-formed variant.
func (a Asset) Valid() bool {
	switch a.Kind {
	case KindNative:
		return a.Token == (common.Address{})
	case KindToken:
		return a.Token != (common.Address{})
	}
	return false
}

// String renders "native" or the lowercase token address.
func (a Asset) String() string {
	if a.IsNative() {
		return nativeName
	}
	return strings.ToLower(a.Token.Hex())
}

// Parse is the inverse of String.
func Parse(s string) (Asset, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, nativeName) || s == "" {
		return Native(), nil
	}
	addr, err := ParseAddress(s)
	if err != nil {
		return Asset{}, fmt.Errorf("%w: %s", ErrInvalidAsset, s)
	}
	if addr == (common.Address{}) {
		return Asset{}, fmt.Errorf("%w: zero token address", ErrInvalidAsset)
	}
	return Token(addr), nil
}

func (a Asset) MarshalText() ([]byte, error) {
	if !a.Valid() {
		return nil, ErrInvalidAsset
	}
	return []byte(a.String()), nil
}

func (a *Asset) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseAddress validates a hex address (with or without 0x prefix).
func ParseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return common.HexToAddress(s), nil
}

// IsZero reports whether addr is the null address.
func IsZero(addr common.Address) bool { return addr == (common.Address{}) }

// Whitelist is the set of assets transactions may be created in.
type Whitelist map[Asset]struct{}

// NewWhitelist builds a whitelist from the given assets.
func NewWhitelist(assets ...Asset) Whitelist {
	w := make(Whitelist, len(assets))
	for _, a := range assets {
		w[a] = struct{}{}
	}
	return w
}

// Contains reports whether a is whitelisted.
func (w Whitelist) Contains(a Asset) bool {
	_, ok := w[a]
	return ok
}

// List returns the whitelisted assets, native first, then tokens by address.
func (w Whitelist) List() []Asset {
	out := make([]Asset, 0, len(w))
	for a := range w {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].String() < out[j].String()
	})
	return out
}

// Clone returns an independent copy.
func (w Whitelist) Clone() Whitelist {
	return NewWhitelist(w.List()...)
}

// ParseList parses a comma-separated list such as "native,0xabc...".
func ParseList(s string) ([]Asset, error) {
	var out []Asset
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		a, err := Parse(part)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}
