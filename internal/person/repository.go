package person

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"budget-service/internal/auth"
)

// ErrUsernameTaken is returned by Register when the username already exists.
var ErrUsernameTaken = errors.New("username already taken")

// Store is the Postgres-backed credential store. It implements
// auth.CredentialStore.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Lookup(ctx context.Context, username string) (auth.Principal, error) {
	var roles string
	err := s.db.QueryRowContext(ctx, `
		SELECT roles
		FROM persons
		WHERE username = $1 AND NOT deleted
	`, username).Scan(&roles)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return auth.Principal{}, auth.ErrPrincipalNotFound
		}
		return auth.Principal{}, fmt.Errorf("query person by username: %w", err)
	}

	return auth.Principal{Identity: username, Roles: splitRoles(roles)}, nil
}

func (s *Store) VerifyPassword(ctx context.Context, username, password string) error {
	var passwordHash string
	err := s.db.QueryRowContext(ctx, `
		SELECT password_hash
		FROM persons
		WHERE username = $1 AND NOT deleted
	`, username).Scan(&passwordHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return auth.ErrPrincipalNotFound
		}
		return fmt.Errorf("query person credentials: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(password)); err != nil {
		return auth.ErrInvalidCredentials
	}

	return nil
}

func (s *Store) StampLastLogin(ctx context.Context, username string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE persons
		SET last_login = $2, updated_at = $2
		WHERE username = $1 AND NOT deleted
	`, username, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("stamp last login: %w", err)
	}

	return nil
}

func (s *Store) Register(ctx context.Context, username, password, email string) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate person id: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO persons (id, username, email, password_hash, roles, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'USER', $5, $5)
		ON CONFLICT (username) DO NOTHING
	`, id.String(), username, nullable(email), string(hash), now)
	if err != nil {
		return fmt.Errorf("insert person: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert person rows affected: %w", err)
	}
	if affected == 0 {
		return ErrUsernameTaken
	}

	return nil
}

// UpsertAdmin provisions the initial account from the environment at boot.
func (s *Store) UpsertAdmin(ctx context.Context, username, password string) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate admin id: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO persons (id, username, password_hash, roles, created_at, updated_at)
		VALUES ($1, $2, $3, 'ADMIN,USER', $4, $4)
		ON CONFLICT (username) DO UPDATE SET
			password_hash = EXCLUDED.password_hash,
			roles = EXCLUDED.roles,
			deleted = FALSE,
			updated_at = EXCLUDED.updated_at
	`, id.String(), username, string(hash), now)
	if err != nil {
		return fmt.Errorf("upsert admin user: %w", err)
	}

	return nil
}

func splitRoles(roles string) []string {
	parts := strings.Split(roles, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func nullable(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}
