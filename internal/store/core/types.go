package core

import "time"

type User struct {
	ID           string
	Email        string
	PasswordHash string
	Status       string // active | disabled
	MFAEnabled   bool
	MFAMethod    string // "" | totp
	CreatedAt    time.Time
	DeletedAt    *time.Time
}

// MFASession es el token corto post-verificación que completa el login.
type MFASession struct {
	Token     string
	ExpiresAt time.Time
}

// PasswordResetToken: una sola fila lógicamente válida por usuario (upsert).
type PasswordResetToken struct {
	UserID    string
	Email     string
	TokenHash []byte // sha256 crudo
	ExpiresAt time.Time
	Used      bool
	UsedAt    *time.Time
	CreatedAt time.Time
}

// MFATOTP guarda el secreto cifrado y metadata anti-replay.
type MFATOTP struct {
	UserID          string
	SecretEncrypted string
	ConfirmedAt     *time.Time
	LastUsedAt      *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type TrustedDevice struct {
	UserID     string
	DeviceHash string
	DeviceName string
	DeviceType string
	UserAgent  string
	IP         string
	ExpiresAt  *time.Time // nil = sin expiración
	LastUsed   time.Time
	CreatedAt  time.Time
}

// BiometricCredential es una credencial WebAuthn registrada.
type BiometricCredential struct {
	ID             string
	UserID         string
	CredentialID   string // base64url
	PublicKey      []byte
	CredentialType string // siempre "public-key"
	SignCount      uint32
	BackupEligible bool
	BackupState    bool
	Transports     []string
	CreatedAt      time.Time
	LastUsed       *time.Time
	ExpiresAt      *time.Time
}
