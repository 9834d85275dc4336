package transaction

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/tradegate/settlement/internal/money"
)

// PostgresStore is the production Store backed by PostgreSQL.
// Schema lives in migrations/ and is applied with goose.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store using the provided database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const txnColumns = `id, reference, buyer_id, supplier_id, amount, currency, status,
	resume_status, escrow_id, escrow_tx_hash, settlement_tx_hash, needs_attention, version, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, t *Transaction) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO transactions (`+txnColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		t.ID, t.Reference, t.BuyerID, t.SupplierID,
		t.Amount.String(), t.Currency, t.Status,
		nullString(string(t.ResumeStatus)), nullString(t.EscrowID), nullString(t.EscrowTxHash),
		nullString(t.SettlementTxHash), t.NeedsAttention, t.Version, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}

	if err := insertMilestones(ctx, tx, t.ID, 0, t.Milestones); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	return s.getBy(ctx, "id", id)
}

func (s *PostgresStore) GetByReference(ctx context.Context, ref string) (*Transaction, error) {
	return s.getBy(ctx, "reference", ref)
}

func (s *PostgresStore) getBy(ctx context.Context, column, value string) (*Transaction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+txnColumns+` FROM transactions WHERE `+column+` = $1`, value)
	t, err := scanTransaction(row)
	if err != nil {
		return nil, err
	}
	if err := s.loadMilestones(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *PostgresStore) Update(ctx context.Context, t *Transaction, appended []Milestone) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE transactions
		SET status = $1, resume_status = $2, escrow_id = $3, escrow_tx_hash = $4,
			settlement_tx_hash = $5, needs_attention = $6, version = version + 1, updated_at = $7
		WHERE id = $8 AND version = $9`,
		t.Status, nullString(string(t.ResumeStatus)), nullString(t.EscrowID), nullString(t.EscrowTxHash),
		nullString(t.SettlementTxHash), t.NeedsAttention, t.UpdatedAt, t.ID, t.Version,
	)
	if err != nil {
		return fmt.Errorf("update transaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		// Row missing or version moved under us; disambiguate.
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM transactions WHERE id = $1)`, t.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check existence: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConcurrentModification
	}

	start := len(t.Milestones) - len(appended)
	if err := insertMilestones(ctx, tx, t.ID, start, appended); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) ListByParty(ctx context.Context, partyID string, limit int) ([]*Transaction, error) {
	return s.list(ctx, `
		SELECT `+txnColumns+` FROM transactions
		WHERE buyer_id = $1 OR supplier_id = $1
		ORDER BY created_at DESC LIMIT $2`, partyID, normalizeLimit(limit))
}

func (s *PostgresStore) ListOpenEscrows(ctx context.Context, limit int) ([]*Transaction, error) {
	return s.list(ctx, `
		SELECT `+txnColumns+` FROM transactions
		WHERE escrow_id IS NOT NULL
		  AND status NOT IN ('completed', 'cancelled', 'refunded')
		ORDER BY created_at DESC LIMIT $1`, normalizeLimit(limit))
}

func (s *PostgresStore) ListNeedingAttention(ctx context.Context, limit int) ([]*Transaction, error) {
	return s.list(ctx, `
		SELECT `+txnColumns+` FROM transactions
		WHERE needs_attention
		ORDER BY created_at DESC LIMIT $1`, normalizeLimit(limit))
}

func (s *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*Transaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	for _, t := range out {
		if err := s.loadMilestones(ctx, t); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *PostgresStore) loadMilestones(ctx context.Context, t *Transaction) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stage, description, actor, created_at
		FROM transaction_milestones
		WHERE transaction_id = $1
		ORDER BY position ASC`, t.ID)
	if err != nil {
		return fmt.Errorf("query milestones: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var m Milestone
		var desc sql.NullString
		if err := rows.Scan(&m.Stage, &desc, &m.Actor, &m.CreatedAt); err != nil {
			return fmt.Errorf("scan milestone: %w", err)
		}
		m.Description = desc.String
		t.Milestones = append(t.Milestones, m)
	}
	return rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertMilestones(ctx context.Context, tx execer, txnID string, startPos int, ms []Milestone) error {
	for i, m := range ms {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO transaction_milestones (transaction_id, position, stage, description, actor, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			txnID, startPos+i, m.Stage, nullString(m.Description), m.Actor, m.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert milestone: %w", err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	var t Transaction
	var amount string
	var resumeStatus, escrowID, escrowTxHash, settlementTxHash sql.NullString
	err := row.Scan(
		&t.ID, &t.Reference, &t.BuyerID, &t.SupplierID,
		&amount, &t.Currency, &t.Status,
		&resumeStatus, &escrowID, &escrowTxHash, &settlementTxHash,
		&t.NeedsAttention, &t.Version, &t.CreatedAt, &t.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan transaction: %w", err)
	}
	t.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("%w: stored amount %q", money.ErrInvalidAmount, amount)
	}
	t.ResumeStatus = Status(resumeStatus.String)
	t.EscrowID = escrowID.String
	t.EscrowTxHash = escrowTxHash.String
	t.SettlementTxHash = settlementTxHash.String
	return &t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}
