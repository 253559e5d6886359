package pg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/soloaunclick/clave/internal/store/core"
)

// UpsertPasswordReset: un token vigente por usuario. Pedir otro pisa el
// anterior (UNIQUE user_id + ON CONFLICT), que queda invalidado sin más.
func (s *Store) UpsertPasswordReset(ctx context.Context, userID, email string, tokenHash []byte, expiresAt time.Time) error {
	const q = `
		INSERT INTO password_reset_token (user_id, email, token_hash, expires_at, used_at, created_at)
		VALUES ($1, lower($2), $3, $4, NULL, now())
		ON CONFLICT (user_id) DO UPDATE
		SET email = EXCLUDED.email,
		    token_hash = EXCLUDED.token_hash,
		    expires_at = EXCLUDED.expires_at,
		    used_at = NULL,
		    created_at = now()`
	if _, err := s.pool.Exec(ctx, q, userID, email, tokenHash, expiresAt.UTC()); err != nil {
		return fmt.Errorf("pg: upsert password reset: %w", err)
	}
	return nil
}

// ConsumePasswordReset valida, marca usado y escribe el nuevo hash en una sola
// transacción con FOR UPDATE: dos consumos concurrentes del mismo token no
// pueden pasar ambos.
func (s *Store) ConsumePasswordReset(ctx context.Context, tokenHash []byte, newPasswordHash string, now time.Time) (string, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", fmt.Errorf("pg: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const sel = `
		SELECT user_id, expires_at, used_at FROM password_reset_token
		WHERE token_hash = $1
		FOR UPDATE`
	var (
		userID    string
		expiresAt time.Time
		usedAt    *time.Time
	)
	if err := tx.QueryRow(ctx, sel, tokenHash).Scan(&userID, &expiresAt, &usedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", core.ErrNotFound
		}
		return "", fmt.Errorf("pg: select reset token: %w", err)
	}
	if usedAt != nil {
		return "", core.ErrTokenUsed
	}
	if now.After(expiresAt) {
		return "", core.ErrTokenExpired
	}

	if _, err := tx.Exec(ctx,
		`UPDATE password_reset_token SET used_at = $2 WHERE token_hash = $1`,
		tokenHash, now.UTC()); err != nil {
		return "", fmt.Errorf("pg: mark reset used: %w", err)
	}
	tag, err := tx.Exec(ctx,
		`UPDATE users SET password_hash = $2, updated_at = now() WHERE id = $1 AND deleted_at IS NULL`,
		userID, newPasswordHash)
	if err != nil {
		return "", fmt.Errorf("pg: reset password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return "", core.ErrNotFound
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("pg: commit reset: %w", err)
	}
	return userID, nil
}
