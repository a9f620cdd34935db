package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/escrowd/internal/asset"
	"github.com/mbd888/escrowd/internal/fees"
)

// PostgresStore persists escrow data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, tx *Transaction) error {
	evidenceJSON, err := marshalEvidence(tx.Evidence)
	if err != nil {
		return err
	}
	return p.db.QueryRowContext(ctx, `
		INSERT INTO escrow_transactions (
			payer, payee, asset, amount, initial_amount, fee_basis_point,
			status, has_dispute, dispute_id, deadline,
			payer_fee_deposit, payee_fee_deposit, dispute_deposit,
			ruling, resolution, evidence_ref, evidence,
			created_at, updated_at, resolved_at
		) VALUES (
			$1, $2, $3, $4::NUMERIC(78,0), $5::NUMERIC(78,0), $6,
			$7, $8, $9, $10,
			$11::NUMERIC(78,0), $12::NUMERIC(78,0), $13::NUMERIC(78,0),
			$14, $15, $16, $17,
			$18, $19, $20
		) RETURNING id`,
		addr(tx.Payer), addr(tx.Payee), tx.Asset.String(),
		num(tx.Amount), num(tx.InitialAmount), int(tx.FeeBasisPoint),
		string(tx.Status), tx.HasDispute, nullDispute(tx), tx.Deadline,
		num(tx.PayerFeeDeposit), num(tx.PayeeFeeDeposit), num(tx.DisputeDeposit),
		nullRuling(tx.Ruling), nullString(tx.Resolution), nullString(tx.EvidenceRef), string(evidenceJSON),
		tx.CreatedAt, tx.UpdatedAt, nullTime(tx.ResolvedAt),
	).Scan(&tx.ID)
}

const transactionColumns = `id, payer, payee, asset, amount::TEXT, initial_amount::TEXT, fee_basis_point,
		       status, has_dispute, dispute_id, deadline,
		       payer_fee_deposit::TEXT, payee_fee_deposit::TEXT, dispute_deposit::TEXT,
		       ruling, resolution, evidence_ref, evidence,
		       created_at, updated_at, resolved_at`

func (p *PostgresStore) Get(ctx context.Context, id uint64) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM escrow_transactions WHERE id = $1`, int64(id))

	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	return tx, err
}

func (p *PostgresStore) GetByDispute(ctx context.Context, disputeID uint64) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM escrow_transactions WHERE has_dispute AND dispute_id = $1`, int64(disputeID))

	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	return tx, err
}

func (p *PostgresStore) Update(ctx context.Context, tx *Transaction) error {
	evidenceJSON, err := marshalEvidence(tx.Evidence)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_transactions SET
			amount = $1::NUMERIC(78,0), status = $2, has_dispute = $3, dispute_id = $4, deadline = $5,
			payer_fee_deposit = $6::NUMERIC(78,0), payee_fee_deposit = $7::NUMERIC(78,0),
			dispute_deposit = $8::NUMERIC(78,0), ruling = $9, resolution = $10,
			evidence = $11, updated_at = $12, resolved_at = $13
		WHERE id = $14`,
		num(tx.Amount), string(tx.Status), tx.HasDispute, nullDispute(tx), tx.Deadline,
		num(tx.PayerFeeDeposit), num(tx.PayeeFeeDeposit),
		num(tx.DisputeDeposit), nullRuling(tx.Ruling), nullString(tx.Resolution),
		string(evidenceJSON), tx.UpdatedAt, nullTime(tx.ResolvedAt),
		int64(tx.ID),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

func (p *PostgresStore) ListByParty(ctx context.Context, party common.Address, beforeID uint64, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM escrow_transactions
		WHERE (payer = $1 OR payee = $1) AND ($2::BIGINT = 0 OR id < $2::BIGINT)
		ORDER BY id DESC
		LIMIT $3`, addr(party), int64(beforeID), limitOrAll(limit))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

func (p *PostgresStore) ListOpen(ctx context.Context, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM escrow_transactions
		WHERE status <> 'resolved'
		ORDER BY id
		LIMIT $1`, limitOrAll(limit))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

func (p *PostgresStore) ListClaimable(ctx context.Context, before time.Time, afterID uint64, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM escrow_transactions
		WHERE deadline <= $1
		  AND id > $2::BIGINT
		  AND (status IN ('waiting_payer_fee', 'waiting_payee_fee')
		       OR (status = 'no_dispute' AND amount > 0))
		ORDER BY id
		LIMIT $3`, before, int64(afterID), limitOrAll(limit))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

func (p *PostgresStore) LoadSettings(ctx context.Context) (*Settings, error) {
	var (
		s                                  Settings
		owner, recipient                   string
		thresholdsJSON, whitelist, lostRaw []byte
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT owner, fee_recipient, price_thresholds, token_whitelist, lost_funds, updated_at
		FROM escrow_settings WHERE id = 1`,
	).Scan(&owner, &recipient, &thresholdsJSON, &whitelist, &lostRaw, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSettingsNotFound
	}
	if err != nil {
		return nil, err
	}

	s.Owner = common.HexToAddress(owner)
	s.FeeRecipient = common.HexToAddress(recipient)
	if err := json.Unmarshal(thresholdsJSON, &s.Thresholds); err != nil {
		return nil, fmt.Errorf("decode price thresholds: %w", err)
	}
	if err := json.Unmarshal(whitelist, &s.Whitelist); err != nil {
		return nil, fmt.Errorf("decode token whitelist: %w", err)
	}
	s.LostFunds = make(map[asset.Asset]*big.Int)
	if len(lostRaw) > 0 {
		if err := json.Unmarshal(lostRaw, &s.LostFunds); err != nil {
			return nil, fmt.Errorf("decode lost funds: %w", err)
		}
	}
	return &s, nil
}

func (p *PostgresStore) SaveSettings(ctx context.Context, s *Settings) error {
	thresholds := s.Thresholds
	if thresholds == nil {
		thresholds = fees.Table{}
	}
	thresholdsJSON, err := json.Marshal(thresholds)
	if err != nil {
		return err
	}
	whitelist := s.Whitelist
	if whitelist == nil {
		whitelist = []asset.Asset{}
	}
	whitelistJSON, err := json.Marshal(whitelist)
	if err != nil {
		return err
	}
	lost := s.LostFunds
	if lost == nil {
		lost = map[asset.Asset]*big.Int{}
	}
	lostJSON, err := json.Marshal(lost)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO escrow_settings (id, owner, fee_recipient, price_thresholds, token_whitelist, lost_funds, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			owner = EXCLUDED.owner,
			fee_recipient = EXCLUDED.fee_recipient,
			price_thresholds = EXCLUDED.price_thresholds,
			token_whitelist = EXCLUDED.token_whitelist,
			lost_funds = EXCLUDED.lost_funds,
			updated_at = EXCLUDED.updated_at`,
		addr(s.Owner), addr(s.FeeRecipient), string(thresholdsJSON), string(whitelistJSON), string(lostJSON), s.UpdatedAt,
	)
	return err
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(s scanner) (*Transaction, error) {
	tx := &Transaction{}
	var (
		id                                         int64
		payer, payee, assetStr, status             string
		amount, initial, payerDep, payeeDep, dispD string
		feeBps                                     int
		disputeID                                  sql.NullInt64
		ruling                                     sql.NullInt64
		resolution, evidenceRef                    sql.NullString
		evidenceJSON                               []byte
		resolvedAt                                 sql.NullTime
	)

	err := s.Scan(
		&id, &payer, &payee, &assetStr, &amount, &initial, &feeBps,
		&status, &tx.HasDispute, &disputeID, &tx.Deadline,
		&payerDep, &payeeDep, &dispD,
		&ruling, &resolution, &evidenceRef, &evidenceJSON,
		&tx.CreatedAt, &tx.UpdatedAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	a, err := asset.Parse(assetStr)
	if err != nil {
		return nil, err
	}
	tx.ID = uint64(id)
	tx.Payer = common.HexToAddress(payer)
	tx.Payee = common.HexToAddress(payee)
	tx.Asset = a
	tx.FeeBasisPoint = uint16(feeBps)
	tx.Status = Status(status)
	tx.Resolution = resolution.String
	tx.EvidenceRef = evidenceRef.String
	if disputeID.Valid {
		tx.DisputeID = uint64(disputeID.Int64)
	}
	if ruling.Valid {
		r := Ruling(ruling.Int64)
		tx.Ruling = &r
	}
	if resolvedAt.Valid {
		tx.ResolvedAt = &resolvedAt.Time
	}
	for _, f := range []struct {
		dst **big.Int
		src string
	}{
		{&tx.Amount, amount},
		{&tx.InitialAmount, initial},
		{&tx.PayerFeeDeposit, payerDep},
		{&tx.PayeeFeeDeposit, payeeDep},
		{&tx.DisputeDeposit, dispD},
	} {
		v, ok := new(big.Int).SetString(f.src, 10)
		if !ok {
			return nil, fmt.Errorf("transaction %d: malformed amount %q", id, f.src)
		}
		*f.dst = v
	}
	if len(evidenceJSON) > 0 {
		_ = json.Unmarshal(evidenceJSON, &tx.Evidence)
	}
	return tx, nil
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var result []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

func marshalEvidence(ev []Evidence) ([]byte, error) {
	if ev == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(ev)
}

// addr stores addresses lowercased so lookups need no case folding.
func addr(a common.Address) string {
	return strings.ToLower(a.Hex())
}

func num(v *big.Int) string {
	return cloneInt(v).String()
}

func nullDispute(tx *Transaction) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(tx.DisputeID), Valid: tx.HasDispute}
}

func nullRuling(r *Ruling) sql.NullInt64 {
	if r == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*r), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// limitOrAll maps a non-positive limit to Postgres' LIMIT ALL.
func limitOrAll(limit int) interface{} {
	if limit <= 0 {
		return nil
	}
	return limit
}
