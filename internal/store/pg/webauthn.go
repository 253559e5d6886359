package pg

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/soloaunclick/clave/internal/store/core"
)

const bioCols = `id, user_id, credential_id, public_key, credential_type, sign_count,
	backup_eligible, backup_state, transports, created_at, last_used, expires_at`

func (s *Store) InsertBiometricCredential(ctx context.Context, c *core.BiometricCredential) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	const q = `
		INSERT INTO webauthn_credential
			(id, user_id, credential_id, public_key, credential_type, sign_count,
			 backup_eligible, backup_state, transports, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now(), $10)`
	var exp *time.Time
	if c.ExpiresAt != nil {
		t := c.ExpiresAt.UTC()
		exp = &t
	}
	_, err := s.pool.Exec(ctx, q,
		c.ID, c.UserID, c.CredentialID, c.PublicKey, c.CredentialType, int64(c.SignCount),
		c.BackupEligible, c.BackupState, c.Transports, exp)
	if err != nil {
		if isUniqueViolation(err) {
			return core.ErrConflict
		}
		return fmt.Errorf("pg: insert credential: %w", err)
	}
	return nil
}

func (s *Store) GetBiometricCredential(ctx context.Context, userID, credentialID string) (*core.BiometricCredential, error) {
	const q = `SELECT ` + bioCols + ` FROM webauthn_credential WHERE user_id = $1 AND credential_id = $2`
	c, err := scanCredential(s.pool.QueryRow(ctx, q, userID, credentialID))
	if err != nil {
		return nil, mapNoRows(err)
	}
	return c, nil
}

func (s *Store) ListBiometricCredentials(ctx context.Context, userID string) ([]core.BiometricCredential, error) {
	const q = `SELECT ` + bioCols + ` FROM webauthn_credential WHERE user_id = $1 ORDER BY created_at`
	rows, err := s.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("pg: list credentials: %w", err)
	}
	defer rows.Close()

	var out []core.BiometricCredential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("pg: scan credential: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// UpdateBiometricCounter persiste el sign count tras una aserción válida.
// El chequeo de regresión vive en el engine; acá solo se escribe.
func (s *Store) UpdateBiometricCounter(ctx context.Context, userID, credentialID string, signCount uint32, at time.Time) error {
	const q = `
		UPDATE webauthn_credential SET sign_count = $3, last_used = $4
		WHERE user_id = $1 AND credential_id = $2`
	tag, err := s.pool.Exec(ctx, q, userID, credentialID, int64(signCount), at.UTC())
	if err != nil {
		return fmt.Errorf("pg: update sign count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrNotFound
	}
	return nil
}

func scanCredential(r rowScanner) (*core.BiometricCredential, error) {
	var (
		c         core.BiometricCredential
		signCount int64
	)
	err := r.Scan(&c.ID, &c.UserID, &c.CredentialID, &c.PublicKey, &c.CredentialType, &signCount,
		&c.BackupEligible, &c.BackupState, &c.Transports, &c.CreatedAt, &c.LastUsed, &c.ExpiresAt)
	if err != nil {
		return nil, err
	}
	c.SignCount = uint32(signCount)
	return &c, nil
}
