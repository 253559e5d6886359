// Package mem implementa core.Repository en memoria. Sirve para correr Clave
// en modo dev sin Postgres y como store de los tests de los engines.
package mem

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/soloaunclick/clave/internal/store/core"
)

type Store struct {
	mu sync.RWMutex

	users    map[string]*core.User // por id
	sessions map[string]*core.MFASession
	resets   map[string]*core.PasswordResetToken // por user id
	totp     map[string]*core.MFATOTP
	recovery map[string][]recoveryCode
	devices  map[string]map[string]*core.TrustedDevice // userID -> deviceHash
	creds    map[string][]*core.BiometricCredential
}

type recoveryCode struct {
	hash   string
	usedAt *time.Time
}

var _ core.Repository = (*Store)(nil)

func New() *Store {
	return &Store{
		users:    make(map[string]*core.User),
		sessions: make(map[string]*core.MFASession),
		resets:   make(map[string]*core.PasswordResetToken),
		totp:     make(map[string]*core.MFATOTP),
		recovery: make(map[string][]recoveryCode),
		devices:  make(map[string]map[string]*core.TrustedDevice),
		creds:    make(map[string][]*core.BiometricCredential),
	}
}

func (s *Store) Ping(context.Context) error { return nil }

// ------- Usuarios -------

func (s *Store) CreateUser(_ context.Context, email, passwordHash string) (*core.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	email = strings.ToLower(email)
	for _, u := range s.users {
		if u.Email == email && u.DeletedAt == nil {
			return nil, core.ErrConflict
		}
	}
	u := &core.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: passwordHash,
		Status:       "active",
		CreatedAt:    time.Now().UTC(),
	}
	s.users[u.ID] = u
	cp := *u
	return &cp, nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (*core.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	email = strings.ToLower(email)
	for _, u := range s.users {
		if u.Email == email && u.DeletedAt == nil {
			cp := *u
			return &cp, nil
		}
	}
	return nil, core.ErrNotFound
}

func (s *Store) GetUserByID(_ context.Context, id string) (*core.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok || u.DeletedAt != nil {
		return nil, core.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *Store) UpdatePasswordHash(_ context.Context, userID, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok || u.DeletedAt != nil {
		return core.ErrNotFound
	}
	u.PasswordHash = hash
	return nil
}

// ------- Sesión MFA -------

func (s *Store) SetMFASession(_ context.Context, userID, token string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return core.ErrNotFound
	}
	s.sessions[userID] = &core.MFASession{Token: token, ExpiresAt: expiresAt.UTC()}
	return nil
}

func (s *Store) GetMFASession(_ context.Context, userID string) (*core.MFASession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[userID]
	if !ok {
		return nil, core.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *Store) ClearMFASession(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, userID)
	return nil
}

// ------- Password reset -------

func (s *Store) UpsertPasswordReset(_ context.Context, userID, email string, tokenHash []byte, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets[userID] = &core.PasswordResetToken{
		UserID:    userID,
		Email:     strings.ToLower(email),
		TokenHash: append([]byte(nil), tokenHash...),
		ExpiresAt: expiresAt.UTC(),
		CreatedAt: time.Now().UTC(),
	}
	return nil
}

func (s *Store) ConsumePasswordReset(_ context.Context, tokenHash []byte, newPasswordHash string, now time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.resets {
		if !bytes.Equal(t.TokenHash, tokenHash) {
			continue
		}
		if t.UsedAt != nil {
			return "", core.ErrTokenUsed
		}
		if now.After(t.ExpiresAt) {
			return "", core.ErrTokenExpired
		}
		u, ok := s.users[t.UserID]
		if !ok || u.DeletedAt != nil {
			return "", core.ErrNotFound
		}
		at := now.UTC()
		t.UsedAt = &at
		t.Used = true
		u.PasswordHash = newPasswordHash
		return t.UserID, nil
	}
	return "", core.ErrNotFound
}

// ------- TOTP -------

func (s *Store) UpsertMFATOTP(_ context.Context, userID, secretEnc string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	s.totp[userID] = &core.MFATOTP{
		UserID:          userID,
		SecretEncrypted: secretEnc,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	return nil
}

func (s *Store) ConfirmMFATOTP(_ context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.totp[userID]
	if !ok {
		return core.ErrNotFound
	}
	t := at.UTC()
	m.ConfirmedAt = &t
	m.UpdatedAt = t
	if u, ok := s.users[userID]; ok {
		u.MFAEnabled = true
		u.MFAMethod = "totp"
	}
	return nil
}

func (s *Store) GetMFATOTP(_ context.Context, userID string) (*core.MFATOTP, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.totp[userID]
	if !ok {
		return nil, core.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *Store) UpdateMFAUsedAt(_ context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.totp[userID]
	if !ok {
		return core.ErrNotFound
	}
	t := at.UTC()
	m.LastUsedAt = &t
	return nil
}

func (s *Store) DisableMFATOTP(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.totp, userID)
	delete(s.recovery, userID)
	delete(s.devices, userID)
	delete(s.sessions, userID)
	if u, ok := s.users[userID]; ok {
		u.MFAEnabled = false
		u.MFAMethod = ""
	}
	return nil
}

// ------- Recovery codes -------

func (s *Store) ReplaceRecoveryCodes(_ context.Context, userID string, hashes []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	codes := make([]recoveryCode, len(hashes))
	for i, h := range hashes {
		codes[i] = recoveryCode{hash: h}
	}
	s.recovery[userID] = codes
	return nil
}

func (s *Store) UseRecoveryCode(_ context.Context, userID, hash string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	codes := s.recovery[userID]
	for i := range codes {
		if codes[i].hash == hash && codes[i].usedAt == nil {
			t := at.UTC()
			codes[i].usedAt = &t
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) CountRecoveryCodes(_ context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, c := range s.recovery[userID] {
		if c.usedAt == nil {
			n++
		}
	}
	return n, nil
}

// ------- Trusted devices -------

func (s *Store) UpsertTrustedDevice(_ context.Context, d *core.TrustedDevice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.devices[d.UserID] == nil {
		s.devices[d.UserID] = make(map[string]*core.TrustedDevice)
	}
	cp := *d
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.devices[d.UserID][d.DeviceHash] = &cp
	return nil
}

func (s *Store) IsTrustedDevice(_ context.Context, userID, deviceHash string, now time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[userID][deviceHash]
	if !ok {
		return false, nil
	}
	if d.ExpiresAt != nil && !d.ExpiresAt.After(now) {
		return false, nil
	}
	return true, nil
}

func (s *Store) TouchTrustedDevice(_ context.Context, userID, deviceHash string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.devices[userID][deviceHash]; ok {
		d.LastUsed = at.UTC()
	}
	return nil
}

// ------- WebAuthn -------

func (s *Store) InsertBiometricCredential(_ context.Context, c *core.BiometricCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.creds[c.UserID] {
		if existing.CredentialID == c.CredentialID {
			return core.ErrConflict
		}
	}
	cp := *c
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.creds[c.UserID] = append(s.creds[c.UserID], &cp)
	return nil
}

func (s *Store) GetBiometricCredential(_ context.Context, userID, credentialID string) (*core.BiometricCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.creds[userID] {
		if c.CredentialID == credentialID {
			cp := *c
			return &cp, nil
		}
	}
	return nil, core.ErrNotFound
}

func (s *Store) ListBiometricCredentials(_ context.Context, userID string) ([]core.BiometricCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.BiometricCredential, 0, len(s.creds[userID]))
	for _, c := range s.creds[userID] {
		out = append(out, *c)
	}
	return out, nil
}

func (s *Store) UpdateBiometricCounter(_ context.Context, userID, credentialID string, signCount uint32, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.creds[userID] {
		if c.CredentialID == credentialID {
			t := at.UTC()
			c.SignCount = signCount
			c.LastUsed = &t
			return nil
		}
	}
	return core.ErrNotFound
}
