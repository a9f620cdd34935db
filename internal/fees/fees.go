// Package fees computes the platform fee charged on escrow payouts.
//
// The fee schedule is a table of price thresholds sorted by MaxPrice. A
// payment amount selects the first tier whose MaxPrice covers it; the fee is
// amount * FeeBasisPoint / 10000, truncated toward zero.
package fees

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

const (
	// BasisPointDenominator is 100% expressed in basis points.
	BasisPointDenominator = 10_000
	// MaxFeeBasisPoint caps any tier at 30%.
	MaxFeeBasisPoint = 3_000
)

var (
	ErrInvalidPriceThresholds = errors.New("invalid price thresholds")
	ErrInvalidFeeBasisPoint   = errors.New("invalid fee basis point")
)

// Unbounded is the MaxPrice of a tier that covers every amount. Only the
// last tier of a table may use it.
var Unbounded = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// PriceThreshold is a single fee tier.
type PriceThreshold struct {
	MaxPrice      *big.Int `json:"maxPrice"`
	FeeBasisPoint uint16   `json:"feeBasisPoint"`
}

// Table is an ordered fee schedule.
type Table []PriceThreshold

// Flat returns a single-tier table charging bps on every amount.
func Flat(bps uint16) Table {
	return Table{{MaxPrice: new(big.Int).Set(Unbounded), FeeBasisPoint: bps}}
}

// Validate checks the table is non-empty and strictly increasing by MaxPrice.
func (t Table) Validate() error {
	if len(t) == 0 {
		return fmt.Errorf("%w: empty table", ErrInvalidPriceThresholds)
	}
	var prev *big.Int
	for i, tier := range t {
		if tier.MaxPrice == nil || tier.MaxPrice.Sign() <= 0 {
			return fmt.Errorf("%w: tier %d has non-positive max price", ErrInvalidPriceThresholds, i)
		}
		if prev != nil && tier.MaxPrice.Cmp(prev) <= 0 {
			return fmt.Errorf("%w: tier %d is not above tier %d", ErrInvalidPriceThresholds, i, i-1)
		}
		if tier.FeeBasisPoint > BasisPointDenominator {
			return fmt.Errorf("%w: tier %d rate %d", ErrInvalidPriceThresholds, i, tier.FeeBasisPoint)
		}
		prev = tier.MaxPrice
	}
	return nil
}

// CheckBasisPoints rejects any tier above MaxFeeBasisPoint. It is applied
// when an administrator installs a table.
func (t Table) CheckBasisPoints() error {
	for i, tier := range t {
		if tier.FeeBasisPoint > MaxFeeBasisPoint {
			return fmt.Errorf("%w: tier %d rate %d exceeds %d", ErrInvalidFeeBasisPoint, i, tier.FeeBasisPoint, MaxFeeBasisPoint)
		}
	}
	return nil
}

// BasisPointFor returns the rate of the first tier covering amount.
func (t Table) BasisPointFor(amount *big.Int) (uint16, error) {
	if err := t.Validate(); err != nil {
		return 0, err
	}
	if amount == nil || amount.Sign() < 0 {
		return 0, fmt.Errorf("%w: negative amount", ErrInvalidPriceThresholds)
	}
	for _, tier := range t {
		if tier.MaxPrice.Cmp(amount) >= 0 {
			return tier.FeeBasisPoint, nil
		}
	}
	return 0, fmt.Errorf("%w: amount %s exceeds every threshold", ErrInvalidPriceThresholds, amount)
}

// Clone deep-copies the table.
func (t Table) Clone() Table {
	if t == nil {
		return nil
	}
	out := make(Table, len(t))
	for i, tier := range t {
		out[i] = PriceThreshold{FeeBasisPoint: tier.FeeBasisPoint}
		if tier.MaxPrice != nil {
			out[i].MaxPrice = new(big.Int).Set(tier.MaxPrice)
		}
	}
	return out
}

// Fee returns amount * bps / 10000. It depends only on its arguments.
func Fee(amount *big.Int, bps uint16) *big.Int {
	if amount == nil || amount.Sign() <= 0 || bps == 0 {
		return new(big.Int)
	}
	fee := new(big.Int).Mul(amount, big.NewInt(int64(bps)))
	return fee.Quo(fee, big.NewInt(BasisPointDenominator))
}

// CalculateFee looks up the tier for amount and applies it.
func CalculateFee(amount *big.Int, table Table) (*big.Int, error) {
	bps, err := table.BasisPointFor(amount)
	if err != nil {
		return nil, err
	}
	return Fee(amount, bps), nil
}

// ParseTable reads "maxPrice:bps" pairs separated by commas. A maxPrice of
// "max" denotes the unbounded tier.
func ParseTable(s string) (Table, error) {
	var t Table
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		priceStr, bpsStr, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("%w: tier %q must be maxPrice:bps", ErrInvalidPriceThresholds, part)
		}
		var price *big.Int
		if strings.EqualFold(strings.TrimSpace(priceStr), "max") {
			price = new(big.Int).Set(Unbounded)
		} else {
			price, ok = new(big.Int).SetString(strings.TrimSpace(priceStr), 10)
			if !ok {
				return nil, fmt.Errorf("%w: bad max price %q", ErrInvalidPriceThresholds, priceStr)
			}
		}
		bps, err := strconv.ParseUint(strings.TrimSpace(bpsStr), 10, 16)
		if err != nil {
			return nil, fmt.Errorf("%w: bad basis point %q", ErrInvalidFeeBasisPoint, bpsStr)
		}
		t = append(t, PriceThreshold{MaxPrice: price, FeeBasisPoint: uint16(bps)})
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if err := t.CheckBasisPoints(); err != nil {
		return nil, err
	}
	return t, nil
}

// String renders the table in ParseTable's format.
func (t Table) String() string {
	parts := make([]string, len(t))
	for i, tier := range t {
		price := "max"
		if tier.MaxPrice != nil && tier.MaxPrice.Cmp(Unbounded) != 0 {
			price = tier.MaxPrice.String()
		}
		parts[i] = price + ":" + strconv.Itoa(int(tier.FeeBasisPoint))
	}
	return strings.Join(parts, ",")
}
