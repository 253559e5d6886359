package core

import (
	"context"
	"time"
)

// Repository es el contrato del CredentialStore. Todas las mutaciones son
// upserts/updates de una sola fila; los patrones "chequear no-usado y marcar
// usado" se resuelven con UPDATE ... WHERE used_at IS NULL (affected rows) o
// transacción, nunca read-then-write.
type Repository interface {
	Ping(ctx context.Context) error

	// ------- Usuarios -------
	CreateUser(ctx context.Context, email, passwordHash string) (*User, error)
	// GetUserByEmail es case-insensitive y excluye soft-deleted.
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)
	UpdatePasswordHash(ctx context.Context, userID, hash string) error

	// ------- Sesión MFA (token corto post-verificación) -------
	SetMFASession(ctx context.Context, userID, token string, expiresAt time.Time) error
	GetMFASession(ctx context.Context, userID string) (*MFASession, error)
	ClearMFASession(ctx context.Context, userID string) error

	// ------- Password reset -------
	// UpsertPasswordReset invalida implícitamente el token anterior del usuario.
	UpsertPasswordReset(ctx context.Context, userID, email string, tokenHash []byte, expiresAt time.Time) error
	// ConsumePasswordReset marca el token usado y actualiza el password hash
	// en UNA transacción. Falla con ErrNotFound / ErrTokenUsed / ErrTokenExpired.
	ConsumePasswordReset(ctx context.Context, tokenHash []byte, newPasswordHash string, now time.Time) (userID string, err error)

	// ------- TOTP -------
	UpsertMFATOTP(ctx context.Context, userID, secretEnc string) error
	// ConfirmMFATOTP marca el secreto confirmado y habilita MFA en el usuario.
	ConfirmMFATOTP(ctx context.Context, userID string, at time.Time) error
	GetMFATOTP(ctx context.Context, userID string) (*MFATOTP, error)
	UpdateMFAUsedAt(ctx context.Context, userID string, at time.Time) error
	DisableMFATOTP(ctx context.Context, userID string) error

	// ------- Recovery codes -------
	// ReplaceRecoveryCodes borra el set anterior e inserta el nuevo (transacción).
	ReplaceRecoveryCodes(ctx context.Context, userID string, hashes []string) error
	UseRecoveryCode(ctx context.Context, userID, hash string, at time.Time) (bool, error)
	CountRecoveryCodes(ctx context.Context, userID string) (remaining int, err error)

	// ------- Trusted devices -------
	UpsertTrustedDevice(ctx context.Context, d *TrustedDevice) error
	IsTrustedDevice(ctx context.Context, userID, deviceHash string, now time.Time) (bool, error)
	TouchTrustedDevice(ctx context.Context, userID, deviceHash string, at time.Time) error

	// ------- WebAuthn -------
	InsertBiometricCredential(ctx context.Context, c *BiometricCredential) error
	GetBiometricCredential(ctx context.Context, userID, credentialID string) (*BiometricCredential, error)
	ListBiometricCredentials(ctx context.Context, userID string) ([]BiometricCredential, error)
	UpdateBiometricCounter(ctx context.Context, userID, credentialID string, signCount uint32, at time.Time) error
}
