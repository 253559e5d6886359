package pg

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/soloaunclick/clave/internal/store/core"
)

const userCols = `id, email, password_hash, status, mfa_enabled, coalesce(mfa_method,''), created_at, deleted_at`

func (s *Store) CreateUser(ctx context.Context, email, passwordHash string) (*core.User, error) {
	id := uuid.NewString()
	const q = `
		INSERT INTO users (id, email, password_hash, status)
		VALUES ($1, lower($2), $3, 'active')
		RETURNING ` + userCols
	row := s.pool.QueryRow(ctx, q, id, email, passwordHash)
	u, err := scanUser(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, core.ErrConflict
		}
		return nil, fmt.Errorf("pg: create user: %w", err)
	}
	return u, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*core.User, error) {
	const q = `SELECT ` + userCols + ` FROM users WHERE email = lower($1) AND deleted_at IS NULL`
	u, err := scanUser(s.pool.QueryRow(ctx, q, email))
	if err != nil {
		return nil, mapNoRows(err)
	}
	return u, nil
}

func (s *Store) GetUserByID(ctx context.Context, id string) (*core.User, error) {
	const q = `SELECT ` + userCols + ` FROM users WHERE id = $1 AND deleted_at IS NULL`
	u, err := scanUser(s.pool.QueryRow(ctx, q, id))
	if err != nil {
		return nil, mapNoRows(err)
	}
	return u, nil
}

func (s *Store) UpdatePasswordHash(ctx context.Context, userID, hash string) error {
	const q = `UPDATE users SET password_hash = $2, updated_at = now() WHERE id = $1 AND deleted_at IS NULL`
	tag, err := s.pool.Exec(ctx, q, userID, hash)
	if err != nil {
		return fmt.Errorf("pg: update password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrNotFound
	}
	return nil
}

// ------- Sesión MFA -------

func (s *Store) SetMFASession(ctx context.Context, userID, token string, expiresAt time.Time) error {
	const q = `
		UPDATE users SET mfa_session_token = $2, mfa_session_expires = $3, updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL`
	tag, err := s.pool.Exec(ctx, q, userID, token, expiresAt.UTC())
	if err != nil {
		return fmt.Errorf("pg: set mfa session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrNotFound
	}
	return nil
}

func (s *Store) GetMFASession(ctx context.Context, userID string) (*core.MFASession, error) {
	const q = `
		SELECT mfa_session_token, mfa_session_expires FROM users
		WHERE id = $1 AND deleted_at IS NULL AND mfa_session_token IS NOT NULL`
	var sess core.MFASession
	if err := s.pool.QueryRow(ctx, q, userID).Scan(&sess.Token, &sess.ExpiresAt); err != nil {
		return nil, mapNoRows(err)
	}
	return &sess, nil
}

func (s *Store) ClearMFASession(ctx context.Context, userID string) error {
	const q = `
		UPDATE users SET mfa_session_token = NULL, mfa_session_expires = NULL, updated_at = now()
		WHERE id = $1`
	_, err := s.pool.Exec(ctx, q, userID)
	return err
}

type rowScanner interface{ Scan(dest ...any) error }

func scanUser(r rowScanner) (*core.User, error) {
	var u core.User
	if err := r.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Status, &u.MFAEnabled, &u.MFAMethod, &u.CreatedAt, &u.DeletedAt); err != nil {
		return nil, err
	}
	return &u, nil
}
