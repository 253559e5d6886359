package webauthn

import (
	"context"
	"encoding/base64"
	"fmt"

	wal "github.com/go-webauthn/webauthn/webauthn"
)

// waUser adapta nuestro usuario + credenciales a la interfaz wal.User.
type waUser struct {
	id    []byte
	name  string
	creds []wal.Credential
}

func (u *waUser) WebAuthnID() []byte                    { return u.id }
func (u *waUser) WebAuthnName() string                  { return u.name }
func (u *waUser) WebAuthnDisplayName() string           { return u.name }
func (u *waUser) WebAuthnCredentials() []wal.Credential { return u.creds }
func (u *waUser) WebAuthnIcon() string                  { return "" }

func (e *Engine) loadUser(ctx context.Context, userID string) (*waUser, error) {
	u, err := e.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("webauthn: buscar usuario: %w", err)
	}
	stored, err := e.store.ListBiometricCredentials(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("webauthn: listar credenciales: %w", err)
	}

	creds := make([]wal.Credential, 0, len(stored))
	for _, c := range stored {
		id, err := base64.RawURLEncoding.DecodeString(c.CredentialID)
		if err != nil {
			continue // credencial corrupta, no entra a la ceremonia
		}
		creds = append(creds, wal.Credential{
			ID:        id,
			PublicKey: c.PublicKey,
			Flags: wal.CredentialFlags{
				BackupEligible: c.BackupEligible,
				BackupState:    c.BackupState,
			},
			Authenticator: wal.Authenticator{
				SignCount: c.SignCount,
			},
		})
	}
	return &waUser{id: []byte(u.ID), name: u.Email, creds: creds}, nil
}
