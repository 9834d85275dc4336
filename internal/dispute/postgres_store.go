package dispute

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore is the production Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store using the provided database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const disputeColumns = `id, transaction_id, filed_by, filed_role, reason, description,
	requested_resolution, status, resolution, resolution_note, resolved_by, resolved_at,
	created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO disputes (`+disputeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		d.ID, d.TransactionID, d.FiledBy, d.FiledRole, d.Reason, d.Description,
		nullString(string(d.RequestedResolution)), d.Status,
		nullString(string(d.Resolution)), nullString(d.ResolutionNote),
		nullString(d.ResolvedBy), nullTime(d.ResolvedAt), d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert dispute: %w", err)
	}

	// Evidence attached at filing time lands in the same transaction.
	for _, ev := range d.Evidence {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO dispute_evidence (id, dispute_id, submitted_by, description, uri, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			ev.ID, d.ID, ev.SubmittedBy, ev.Description, nullString(ev.URI), ev.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert evidence: %w", err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	d, err := scanDispute(row)
	if err != nil {
		return nil, err
	}
	if err := s.loadEvidence(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (s *PostgresStore) Update(ctx context.Context, d *Dispute, newEvidence []Evidence) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE disputes
		SET status = $1, resolution = $2, resolution_note = $3,
			resolved_by = $4, resolved_at = $5, updated_at = $6
		WHERE id = $7`,
		d.Status, nullString(string(d.Resolution)), nullString(d.ResolutionNote),
		nullString(d.ResolvedBy), nullTime(d.ResolvedAt), d.UpdatedAt, d.ID,
	)
	if err != nil {
		return fmt.Errorf("update dispute: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}

	for _, ev := range newEvidence {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO dispute_evidence (id, dispute_id, submitted_by, description, uri, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			ev.ID, d.ID, ev.SubmittedBy, ev.Description, nullString(ev.URI), ev.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert evidence: %w", err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) GetOpenByTransaction(ctx context.Context, transactionID string) (*Dispute, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE transaction_id = $1 AND status IN ('open', 'under_review')
		ORDER BY created_at DESC LIMIT 1`, transactionID)
	d, err := scanDispute(row)
	if err != nil {
		return nil, err
	}
	if err := s.loadEvidence(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (s *PostgresStore) ListByTransaction(ctx context.Context, transactionID string) ([]*Dispute, error) {
	return s.list(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE transaction_id = $1
		ORDER BY created_at DESC`, transactionID)
}

func (s *PostgresStore) ListOpen(ctx context.Context, limit int) ([]*Dispute, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.list(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE status IN ('open', 'under_review')
		ORDER BY created_at ASC LIMIT $1`, limit)
}

func (s *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*Dispute, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query disputes: %w", err)
	}
	defer rows.Close()

	var out []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate disputes: %w", err)
	}
	for _, d := range out {
		if err := s.loadEvidence(ctx, d); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *PostgresStore) loadEvidence(ctx context.Context, d *Dispute) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, submitted_by, description, uri, created_at
		FROM dispute_evidence
		WHERE dispute_id = $1
		ORDER BY created_at ASC`, d.ID)
	if err != nil {
		return fmt.Errorf("query evidence: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ev Evidence
		var uri sql.NullString
		if err := rows.Scan(&ev.ID, &ev.SubmittedBy, &ev.Description, &uri, &ev.CreatedAt); err != nil {
			return fmt.Errorf("scan evidence: %w", err)
		}
		ev.URI = uri.String
		d.Evidence = append(d.Evidence, ev)
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDispute(row rowScanner) (*Dispute, error) {
	var d Dispute
	var requested, resolution, note, resolvedBy sql.NullString
	var resolvedAt sql.NullTime
	err := row.Scan(
		&d.ID, &d.TransactionID, &d.FiledBy, &d.FiledRole, &d.Reason, &d.Description,
		&requested, &d.Status, &resolution, &note, &resolvedBy, &resolvedAt,
		&d.CreatedAt, &d.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan dispute: %w", err)
	}
	d.RequestedResolution = Resolution(requested.String)
	d.Resolution = Resolution(resolution.String)
	d.ResolutionNote = note.String
	d.ResolvedBy = resolvedBy.String
	if resolvedAt.Valid {
		at := resolvedAt.Time
		d.ResolvedAt = &at
	}
	return &d, nil
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
