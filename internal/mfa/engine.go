// Package mfa implementa el segundo factor: enrolamiento TOTP con QR,
// challenge de login con token de sesión corto, códigos de respaldo y
// dispositivos de confianza.
package mfa

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"github.com/soloaunclick/clave/internal/observability/logger"
	"github.com/soloaunclick/clave/internal/security/secretbox"
	tokens "github.com/soloaunclick/clave/internal/security/token"
	"github.com/soloaunclick/clave/internal/security/totp"
	"github.com/soloaunclick/clave/internal/store/core"
)

var (
	ErrNotEnrolled      = errors.New("mfa: el usuario no tiene MFA configurado")
	ErrNotConfirmed     = errors.New("mfa: el secreto TOTP no fue confirmado")
	ErrAlreadyEnrolled  = errors.New("mfa: el usuario ya tiene MFA activo")
	ErrChallengeInvalid = errors.New("mfa: sesión de verificación inválida o expirada")
	// ErrCodeInvalid es deliberadamente genérico: no se distingue si falló el
	// TOTP, el código de respaldo o un replay.
	ErrCodeInvalid = errors.New("mfa: código de verificación inválido")
)

var backupCodeRe = regexp.MustCompile(`^[0-9a-f]{8}$`)

// Setup es el material de enrolamiento que se muestra una sola vez.
type Setup struct {
	SecretB32  string
	OTPAuthURL string
	QRDataURL  string
}

// VerifyResult indica cómo se resolvió la verificación.
type VerifyResult struct {
	Method               string // session | trusted_device | backup_code | totp
	RemainingBackupCodes int    // -1 cuando no aplica
}

type Options struct {
	Issuer      string        // nombre que muestra la app autenticadora
	Window      int           // pasos de tolerancia TOTP (default 1)
	SessionTTL  time.Duration // vida del token de sesión MFA (default 10m)
	RememberTTL time.Duration // vida del dispositivo de confianza (default 30 días)
	BackupCodes int           // cantidad de códigos de respaldo (default 10)
}

type Engine struct {
	store core.Repository
	opts  Options
	log   *zap.Logger
	now   func() time.Time
}

func NewEngine(store core.Repository, opts Options) *Engine {
	if opts.Issuer == "" {
		opts.Issuer = "Solo a un Click"
	}
	if opts.Window <= 0 {
		opts.Window = 1
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 10 * time.Minute
	}
	if opts.RememberTTL <= 0 {
		opts.RememberTTL = 30 * 24 * time.Hour
	}
	if opts.BackupCodes <= 0 {
		opts.BackupCodes = 10
	}
	return &Engine{
		store: store,
		opts:  opts,
		log:   logger.Named("mfa"),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// GenerateSetup crea (o regenera) el secreto TOTP pendiente de confirmación y
// devuelve el material para el QR. Regenerar antes de confirmar pisa el
// secreto anterior; con MFA ya activo devuelve ErrAlreadyEnrolled.
func (e *Engine) GenerateSetup(ctx context.Context, userID string) (*Setup, error) {
	u, err := e.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("mfa: buscar usuario: %w", err)
	}
	if u.MFAEnabled {
		return nil, ErrAlreadyEnrolled
	}

	_, b32, err := totp.GenerateSecret()
	if err != nil {
		return nil, fmt.Errorf("mfa: generar secreto: %w", err)
	}
	enc, err := secretbox.Encrypt(b32)
	if err != nil {
		return nil, fmt.Errorf("mfa: cifrar secreto: %w", err)
	}
	if err := e.store.UpsertMFATOTP(ctx, userID, enc); err != nil {
		return nil, fmt.Errorf("mfa: guardar secreto: %w", err)
	}

	otpURL := totp.OTPAuthURL(e.opts.Issuer, u.Email, b32)
	png, err := qrcode.Encode(otpURL, qrcode.Medium, 256)
	if err != nil {
		return nil, fmt.Errorf("mfa: generar qr: %w", err)
	}
	e.log.Info("secreto totp generado", logger.UserID(userID))
	return &Setup{
		SecretB32:  b32,
		OTPAuthURL: otpURL,
		QRDataURL:  "data:image/png;base64," + base64.StdEncoding.EncodeToString(png),
	}, nil
}

// ConfirmSetup valida el primer código del autenticador, activa MFA y genera
// los códigos de respaldo. Los códigos en claro se devuelven una sola vez.
func (e *Engine) ConfirmSetup(ctx context.Context, userID, code string) ([]string, error) {
	rec, err := e.store.GetMFATOTP(ctx, userID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, ErrNotEnrolled
		}
		return nil, fmt.Errorf("mfa: leer secreto: %w", err)
	}
	secret, err := e.decryptSecret(rec)
	if err != nil {
		return nil, err
	}

	now := e.now()
	ok, counter := totp.Verify(secret, code, now, e.opts.Window, nil)
	if !ok {
		return nil, ErrCodeInvalid
	}
	if err := e.store.ConfirmMFATOTP(ctx, userID, now); err != nil {
		return nil, fmt.Errorf("mfa: confirmar: %w", err)
	}
	if err := e.store.UpdateMFAUsedAt(ctx, userID, counterTime(counter)); err != nil {
		e.log.Warn("no se pudo registrar el contador totp", logger.UserID(userID), logger.Err(err))
	}

	codes, err := e.rotateCodes(ctx, userID)
	if err != nil {
		return nil, err
	}
	e.log.Info("mfa activado", logger.UserID(userID))
	return codes, nil
}

// BeginChallenge emite el token de sesión MFA que el login entrega cuando el
// password fue correcto pero falta el segundo factor.
func (e *Engine) BeginChallenge(ctx context.Context, userID string) (token string, expiresAt time.Time, err error) {
	token, err = tokens.GenerateHexToken(32)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("mfa: generar token de sesión: %w", err)
	}
	expiresAt = e.now().Add(e.opts.SessionTTL)
	if err := e.store.SetMFASession(ctx, userID, token, expiresAt); err != nil {
		return "", time.Time{}, fmt.Errorf("mfa: guardar sesión: %w", err)
	}
	return token, expiresAt, nil
}

// Verify completa el challenge. Orden de resolución: token de sesión vigente,
// luego dispositivo de confianza, luego código de respaldo (8 hex), luego
// TOTP. El token de sesión se consume al verificar.
func (e *Engine) Verify(ctx context.Context, userID, sessionToken, code, deviceHash string) (*VerifyResult, error) {
	if err := e.checkSession(ctx, userID, sessionToken); err != nil {
		return nil, err
	}
	now := e.now()

	if deviceHash != "" {
		trusted, err := e.store.IsTrustedDevice(ctx, userID, deviceHash, now)
		if err != nil {
			return nil, fmt.Errorf("mfa: dispositivo de confianza: %w", err)
		}
		if trusted {
			e.consumeSession(ctx, userID)
			if err := e.store.TouchTrustedDevice(ctx, userID, deviceHash, now); err != nil {
				e.log.Warn("no se pudo actualizar last_used del dispositivo", logger.UserID(userID), logger.Err(err))
			}
			return &VerifyResult{Method: "trusted_device", RemainingBackupCodes: -1}, nil
		}
	}

	code = strings.ToLower(strings.TrimSpace(code))
	if backupCodeRe.MatchString(code) {
		used, err := e.store.UseRecoveryCode(ctx, userID, tokens.SHA256Base64URL(code), now)
		if err != nil {
			return nil, fmt.Errorf("mfa: código de respaldo: %w", err)
		}
		if used {
			e.consumeSession(ctx, userID)
			remaining, err := e.store.CountRecoveryCodes(ctx, userID)
			if err != nil {
				remaining = -1
			}
			e.log.Info("login con código de respaldo", logger.UserID(userID), zap.Int("restantes", remaining))
			return &VerifyResult{Method: "backup_code", RemainingBackupCodes: remaining}, nil
		}
		return nil, ErrCodeInvalid
	}

	rec, err := e.store.GetMFATOTP(ctx, userID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, ErrNotEnrolled
		}
		return nil, fmt.Errorf("mfa: leer secreto: %w", err)
	}
	if rec.ConfirmedAt == nil {
		return nil, ErrNotConfirmed
	}
	secret, err := e.decryptSecret(rec)
	if err != nil {
		return nil, err
	}

	var last *int64
	if rec.LastUsedAt != nil {
		c := rec.LastUsedAt.Unix() / 30
		last = &c
	}
	ok, counter := totp.Verify(secret, code, now, e.opts.Window, last)
	if !ok {
		return nil, ErrCodeInvalid
	}
	e.consumeSession(ctx, userID)
	if err := e.store.UpdateMFAUsedAt(ctx, userID, counterTime(counter)); err != nil {
		e.log.Warn("no se pudo registrar el contador totp", logger.UserID(userID), logger.Err(err))
	}
	return &VerifyResult{Method: "totp", RemainingBackupCodes: -1}, nil
}

// TrustDevice registra el dispositivo por RememberTTL (30 días por defecto).
func (e *Engine) TrustDevice(ctx context.Context, userID, deviceHash, name, deviceType, userAgent, ip string) error {
	if deviceHash == "" {
		return errors.New("mfa: device hash vacío")
	}
	now := e.now()
	exp := now.Add(e.opts.RememberTTL)
	err := e.store.UpsertTrustedDevice(ctx, &core.TrustedDevice{
		UserID:     userID,
		DeviceHash: deviceHash,
		DeviceName: name,
		DeviceType: deviceType,
		UserAgent:  userAgent,
		IP:         ip,
		ExpiresAt:  &exp,
		LastUsed:   now,
	})
	if err != nil {
		return fmt.Errorf("mfa: registrar dispositivo: %w", err)
	}
	e.log.Info("dispositivo de confianza registrado", logger.UserID(userID))
	return nil
}

// RotateBackupCodes invalida el set anterior y genera uno nuevo.
func (e *Engine) RotateBackupCodes(ctx context.Context, userID string) ([]string, error) {
	u, err := e.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("mfa: buscar usuario: %w", err)
	}
	if !u.MFAEnabled {
		return nil, ErrNotEnrolled
	}
	return e.rotateCodes(ctx, userID)
}

// RemainingBackupCodes informa cuántos códigos sin usar quedan.
func (e *Engine) RemainingBackupCodes(ctx context.Context, userID string) (int, error) {
	return e.store.CountRecoveryCodes(ctx, userID)
}

// Disable apaga MFA: exige un código válido para evitar que una sesión robada
// degrade la cuenta sin el segundo factor.
func (e *Engine) Disable(ctx context.Context, userID, code string) error {
	token, _, err := e.BeginChallenge(ctx, userID)
	if err != nil {
		return err
	}
	if _, err := e.Verify(ctx, userID, token, code, ""); err != nil {
		return err
	}
	if err := e.store.DisableMFATOTP(ctx, userID); err != nil {
		return fmt.Errorf("mfa: deshabilitar: %w", err)
	}
	e.log.Info("mfa deshabilitado", logger.UserID(userID))
	return nil
}

func (e *Engine) rotateCodes(ctx context.Context, userID string) ([]string, error) {
	codes := make([]string, e.opts.BackupCodes)
	hashes := make([]string, e.opts.BackupCodes)
	for i := range codes {
		c, err := tokens.GenerateBackupCode()
		if err != nil {
			return nil, fmt.Errorf("mfa: generar código de respaldo: %w", err)
		}
		codes[i] = c
		hashes[i] = tokens.SHA256Base64URL(c)
	}
	if err := e.store.ReplaceRecoveryCodes(ctx, userID, hashes); err != nil {
		return nil, fmt.Errorf("mfa: guardar códigos de respaldo: %w", err)
	}
	return codes, nil
}

func (e *Engine) checkSession(ctx context.Context, userID, token string) error {
	if token == "" {
		return ErrChallengeInvalid
	}
	sess, err := e.store.GetMFASession(ctx, userID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return ErrChallengeInvalid
		}
		return fmt.Errorf("mfa: leer sesión: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(sess.Token), []byte(token)) != 1 {
		return ErrChallengeInvalid
	}
	if e.now().After(sess.ExpiresAt) {
		return ErrChallengeInvalid
	}
	return nil
}

func (e *Engine) consumeSession(ctx context.Context, userID string) {
	if err := e.store.ClearMFASession(ctx, userID); err != nil {
		e.log.Warn("no se pudo consumir la sesión mfa", logger.UserID(userID), logger.Err(err))
	}
}

func (e *Engine) decryptSecret(rec *core.MFATOTP) ([]byte, error) {
	b32, err := secretbox.Decrypt(rec.SecretEncrypted)
	if err != nil {
		return nil, fmt.Errorf("mfa: descifrar secreto: %w", err)
	}
	raw, err := totp.DecodeSecret(b32)
	if err != nil {
		return nil, fmt.Errorf("mfa: decodificar secreto: %w", err)
	}
	return raw, nil
}

// counterTime mapea un contador TOTP al inicio de su paso, para persistir el
// anti-replay en last_used_at.
func counterTime(counter int64) time.Time {
	return time.Unix(counter*30, 0).UTC()
}
