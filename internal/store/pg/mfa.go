package pg

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/soloaunclick/clave/internal/store/core"
)

// ------- TOTP -------

// UpsertMFATOTP guarda (o re-genera) el secreto pendiente de confirmar.
// Re-generar antes de confirmar simplemente pisa el secreto anterior.
func (s *Store) UpsertMFATOTP(ctx context.Context, userID, secretEnc string) error {
	const q = `
		INSERT INTO user_mfa_totp (user_id, secret_encrypted, confirmed_at, last_used_at, created_at, updated_at)
		VALUES ($1, $2, NULL, NULL, now(), now())
		ON CONFLICT (user_id) DO UPDATE
		SET secret_encrypted = EXCLUDED.secret_encrypted,
		    confirmed_at = NULL,
		    last_used_at = NULL,
		    updated_at = now()`
	if _, err := s.pool.Exec(ctx, q, userID, secretEnc); err != nil {
		return fmt.Errorf("pg: upsert totp: %w", err)
	}
	return nil
}

// ConfirmMFATOTP confirma el secreto y enciende mfa_enabled en la misma tx.
func (s *Store) ConfirmMFATOTP(ctx context.Context, userID string, at time.Time) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("pg: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE user_mfa_totp SET confirmed_at = $2, updated_at = now() WHERE user_id = $1`,
		userID, at.UTC())
	if err != nil {
		return fmt.Errorf("pg: confirm totp: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrNotFound
	}
	if _, err := tx.Exec(ctx,
		`UPDATE users SET mfa_enabled = TRUE, mfa_method = 'totp', updated_at = now() WHERE id = $1`,
		userID); err != nil {
		return fmt.Errorf("pg: enable mfa: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Store) GetMFATOTP(ctx context.Context, userID string) (*core.MFATOTP, error) {
	const q = `
		SELECT user_id, secret_encrypted, confirmed_at, last_used_at, created_at, updated_at
		FROM user_mfa_totp WHERE user_id = $1`
	var m core.MFATOTP
	err := s.pool.QueryRow(ctx, q, userID).Scan(
		&m.UserID, &m.SecretEncrypted, &m.ConfirmedAt, &m.LastUsedAt, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &m, nil
}

func (s *Store) UpdateMFAUsedAt(ctx context.Context, userID string, at time.Time) error {
	const q = `UPDATE user_mfa_totp SET last_used_at = $2, updated_at = now() WHERE user_id = $1`
	tag, err := s.pool.Exec(ctx, q, userID, at.UTC())
	if err != nil {
		return fmt.Errorf("pg: totp used_at: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrNotFound
	}
	return nil
}

// DisableMFATOTP apaga MFA del usuario y borra secreto, códigos y dispositivos.
func (s *Store) DisableMFATOTP(ctx context.Context, userID string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("pg: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, q := range []string{
		`DELETE FROM user_mfa_totp WHERE user_id = $1`,
		`DELETE FROM mfa_recovery_code WHERE user_id = $1`,
		`DELETE FROM trusted_device WHERE user_id = $1`,
		`UPDATE users SET mfa_enabled = FALSE, mfa_method = NULL, mfa_session_token = NULL, mfa_session_expires = NULL, updated_at = now() WHERE id = $1`,
	} {
		if _, err := tx.Exec(ctx, q, userID); err != nil {
			return fmt.Errorf("pg: disable mfa: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// ------- Recovery codes -------

func (s *Store) ReplaceRecoveryCodes(ctx context.Context, userID string, hashes []string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("pg: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM mfa_recovery_code WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("pg: clear recovery codes: %w", err)
	}
	for _, h := range hashes {
		if _, err := tx.Exec(ctx,
			`INSERT INTO mfa_recovery_code (user_id, code_hash, created_at) VALUES ($1, $2, now())`,
			userID, h); err != nil {
			return fmt.Errorf("pg: insert recovery code: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// UseRecoveryCode es CAS: el WHERE used_at IS NULL garantiza un solo uso
// aunque lleguen dos requests con el mismo código.
func (s *Store) UseRecoveryCode(ctx context.Context, userID, hash string, at time.Time) (bool, error) {
	const q = `
		UPDATE mfa_recovery_code SET used_at = $3
		WHERE user_id = $1 AND code_hash = $2 AND used_at IS NULL`
	tag, err := s.pool.Exec(ctx, q, userID, hash, at.UTC())
	if err != nil {
		return false, fmt.Errorf("pg: use recovery code: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) CountRecoveryCodes(ctx context.Context, userID string) (int, error) {
	const q = `SELECT count(*) FROM mfa_recovery_code WHERE user_id = $1 AND used_at IS NULL`
	var n int
	if err := s.pool.QueryRow(ctx, q, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("pg: count recovery codes: %w", err)
	}
	return n, nil
}

// ------- Trusted devices -------

func (s *Store) UpsertTrustedDevice(ctx context.Context, d *core.TrustedDevice) error {
	const q = `
		INSERT INTO trusted_device (user_id, device_hash, device_name, device_type, user_agent, ip, expires_at, last_used, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (user_id, device_hash) DO UPDATE
		SET device_name = EXCLUDED.device_name,
		    device_type = EXCLUDED.device_type,
		    user_agent = EXCLUDED.user_agent,
		    ip = EXCLUDED.ip,
		    expires_at = EXCLUDED.expires_at,
		    last_used = EXCLUDED.last_used`
	var exp *time.Time
	if d.ExpiresAt != nil {
		t := d.ExpiresAt.UTC()
		exp = &t
	}
	_, err := s.pool.Exec(ctx, q,
		d.UserID, d.DeviceHash, d.DeviceName, d.DeviceType, d.UserAgent, d.IP, exp, d.LastUsed.UTC())
	if err != nil {
		return fmt.Errorf("pg: upsert trusted device: %w", err)
	}
	return nil
}

func (s *Store) IsTrustedDevice(ctx context.Context, userID, deviceHash string, now time.Time) (bool, error) {
	const q = `
		SELECT EXISTS (
			SELECT 1 FROM trusted_device
			WHERE user_id = $1 AND device_hash = $2
			  AND (expires_at IS NULL OR expires_at > $3)
		)`
	var ok bool
	if err := s.pool.QueryRow(ctx, q, userID, deviceHash, now.UTC()).Scan(&ok); err != nil {
		return false, fmt.Errorf("pg: trusted device: %w", err)
	}
	return ok, nil
}

func (s *Store) TouchTrustedDevice(ctx context.Context, userID, deviceHash string, at time.Time) error {
	const q = `UPDATE trusted_device SET last_used = $3 WHERE user_id = $1 AND device_hash = $2`
	_, err := s.pool.Exec(ctx, q, userID, deviceHash, at.UTC())
	return err
}
