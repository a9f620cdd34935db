package bank

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/escrowd/internal/asset"
)

// PostgresJournal persists bank entries in PostgreSQL.
type PostgresJournal struct {
	db *sql.DB
}

// NewPostgresJournal creates a journal over the bank_entries table.
func NewPostgresJournal(db *sql.DB) *PostgresJournal {
	return &PostgresJournal{db: db}
}

func (p *PostgresJournal) Append(ctx context.Context, e *Entry) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO bank_entries (asset, from_addr, to_addr, amount, entry_type, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC(78,0), $5, $6)`,
		e.Asset.String(), strings.ToLower(e.From.Hex()), strings.ToLower(e.To.Hex()),
		e.Amount.String(), e.Type, e.CreatedAt,
	)
	return err
}

func (p *PostgresJournal) Entries(ctx context.Context) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT asset, from_addr, to_addr, amount::TEXT, entry_type, created_at
		FROM bank_entries ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var (
			assetStr, from, to, amount string
			e                          Entry
		)
		if err := rows.Scan(&assetStr, &from, &to, &amount, &e.Type, &e.CreatedAt); err != nil {
			return nil, err
		}
		if e.Asset, err = asset.Parse(assetStr); err != nil {
			return nil, fmt.Errorf("entry asset %q: %w", assetStr, err)
		}
		amt, ok := new(big.Int).SetString(amount, 10)
		if !ok {
			return nil, fmt.Errorf("entry amount %q: %w", amount, ErrInvalidAmount)
		}
		e.Amount = amt
		e.From = common.HexToAddress(from)
		e.To = common.HexToAddress(to)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
