package journal

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PostgresStore persists the journal in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed journal.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Upsert(ctx context.Context, r *Record) error {
	cp := *r
	normalize(&cp)

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_contracts (
			address, buyer_addr, arbiter_addr, beneficiary_addr, value_wei,
			phase, deploy_tx, approve_tx, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5::NUMERIC(78,0), $6, $7, $8, $9, $10)
		ON CONFLICT (address) DO UPDATE SET
			phase = EXCLUDED.phase,
			approve_tx = COALESCE(EXCLUDED.approve_tx, escrow_contracts.approve_tx),
			updated_at = EXCLUDED.updated_at`,
		cp.Address, cp.Buyer, cp.Arbiter, cp.Beneficiary, valueOrZero(cp.ValueWei),
		cp.Phase, nullString(cp.DeployTx), nullString(cp.ApproveTx),
		cp.CreatedAt, cp.UpdatedAt,
	)
	return err
}

const recordColumns = `address, buyer_addr, arbiter_addr, beneficiary_addr, value_wei::TEXT,
		       phase, deploy_tx, approve_tx, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, address string) (*Record, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM escrow_contracts WHERE address = $1`,
		strings.ToLower(address))

	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) List(ctx context.Context, account string, limit int, opts ...ListOption) ([]*Record, error) {
	o := applyListOpts(opts)

	query := `SELECT ` + recordColumns + ` FROM escrow_contracts WHERE TRUE`
	var args []interface{}
	if account != "" {
		args = append(args, strings.ToLower(account))
		query += fmt.Sprintf(` AND (buyer_addr = $%d OR arbiter_addr = $%d OR beneficiary_addr = $%d)`,
			len(args), len(args), len(args))
	}
	if o.cursor != nil {
		args = append(args, o.cursor.CreatedAt, o.cursor.Key)
		query += fmt.Sprintf(` AND (created_at, address) < ($%d, $%d)`, len(args)-1, len(args))
	}
	args = append(args, fetchLimit(limit))
	query += fmt.Sprintf(` ORDER BY created_at DESC, address DESC LIMIT $%d`, len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (*Record, error) {
	r := &Record{}
	var deployTx, approveTx sql.NullString

	err := s.Scan(
		&r.Address, &r.Buyer, &r.Arbiter, &r.Beneficiary, &r.ValueWei,
		&r.Phase, &deployTx, &approveTx, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.DeployTx = deployTx.String
	r.ApproveTx = approveTx.String
	return r, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func valueOrZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

var _ Store = (*PostgresStore)(nil)
