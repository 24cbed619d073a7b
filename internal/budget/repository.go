package budget

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrLedgerNotFound covers both a missing ledger and a ledger owned by
// someone else; callers cannot tell the two apart.
var ErrLedgerNotFound = errors.New("ledger not found")

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) ListByOwner(ctx context.Context, username string) ([]Ledger, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT l.id, l.name, l.description, l.currency, l.color, l.created_at, l.updated_at
		FROM ledgers l
		JOIN persons p ON p.id = l.owner_id
		WHERE p.username = $1 AND NOT l.deleted
		ORDER BY l.created_at ASC
	`, username)
	if err != nil {
		return nil, fmt.Errorf("query ledgers: %w", err)
	}
	defer rows.Close()

	ledgers := make([]Ledger, 0)
	for rows.Next() {
		var ledger Ledger
		if err := rows.Scan(
			&ledger.ID, &ledger.Name, &ledger.Description,
			&ledger.Currency, &ledger.Color, &ledger.CreatedAt, &ledger.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan ledger: %w", err)
		}
		ledgers = append(ledgers, ledger)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledgers: %w", err)
	}

	return ledgers, nil
}

func (r *PostgresRepository) Create(ctx context.Context, username string, input LedgerInput) (Ledger, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Ledger{}, fmt.Errorf("generate ledger id: %w", err)
	}

	now := time.Now().UTC()
	var ledger Ledger
	err = r.db.QueryRowContext(ctx, `
		INSERT INTO ledgers (id, owner_id, name, description, currency, color, created_at, updated_at)
		SELECT $1, p.id, $3, $4, $5, $6, $7, $7
		FROM persons p
		WHERE p.username = $2 AND NOT p.deleted
		RETURNING id, name, description, currency, color, created_at, updated_at
	`, id.String(), username, input.Name, input.Description, input.Currency, input.Color, now).Scan(
		&ledger.ID, &ledger.Name, &ledger.Description,
		&ledger.Currency, &ledger.Color, &ledger.CreatedAt, &ledger.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Ledger{}, ErrLedgerNotFound
		}
		return Ledger{}, fmt.Errorf("insert ledger: %w", err)
	}

	return ledger, nil
}

func (r *PostgresRepository) Update(ctx context.Context, username, id string, input LedgerInput) (Ledger, error) {
	var ledger Ledger
	err := r.db.QueryRowContext(ctx, `
		UPDATE ledgers l
		SET name = $3, description = $4, currency = $5, color = $6, updated_at = $7
		FROM persons p
		WHERE l.id = $1 AND p.id = l.owner_id AND p.username = $2 AND NOT l.deleted
		RETURNING l.id, l.name, l.description, l.currency, l.color, l.created_at, l.updated_at
	`, id, username, input.Name, input.Description, input.Currency, input.Color, time.Now().UTC()).Scan(
		&ledger.ID, &ledger.Name, &ledger.Description,
		&ledger.Currency, &ledger.Color, &ledger.CreatedAt, &ledger.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Ledger{}, ErrLedgerNotFound
		}
		return Ledger{}, fmt.Errorf("update ledger: %w", err)
	}

	return ledger, nil
}

func (r *PostgresRepository) Delete(ctx context.Context, username, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE ledgers l
		SET deleted = TRUE, updated_at = $3
		FROM persons p
		WHERE l.id = $1 AND p.id = l.owner_id AND p.username = $2 AND NOT l.deleted
	`, id, username, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("delete ledger: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete ledger rows affected: %w", err)
	}
	if affected == 0 {
		return ErrLedgerNotFound
	}

	return nil
}
