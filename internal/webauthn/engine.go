// Package webauthn implementa el login biométrico: ceremonias de registro y
// autenticación WebAuthn con challenges de un solo uso (5 minutos) y control
// de monotonía del sign count.
package webauthn

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	wal "github.com/go-webauthn/webauthn/webauthn"
	"go.uber.org/zap"

	"github.com/soloaunclick/clave/internal/cache"
	"github.com/soloaunclick/clave/internal/observability/logger"
	"github.com/soloaunclick/clave/internal/store/core"
)

var (
	ErrNoCredentials    = errors.New("webauthn: el usuario no tiene credenciales registradas")
	ErrChallengeInvalid = errors.New("webauthn: challenge inválido o expirado")
	// ErrCounterRegression: el sign count retrocedió, posible clon del
	// autenticador. La aserción se rechaza aunque la firma sea válida.
	ErrCounterRegression  = errors.New("webauthn: regresión del contador de firmas")
	ErrCredentialExpired  = errors.New("webauthn: la credencial expiró")
	ErrCredentialConflict = errors.New("webauthn: la credencial ya está registrada")
)

type Options struct {
	RPID          string
	RPOrigin      string
	RPName        string
	ChallengeTTL  time.Duration // default 5m
	CredentialTTL time.Duration // 0 = las credenciales no expiran
}

type Engine struct {
	store core.Repository
	cache cache.Cache
	wa    *wal.WebAuthn
	opts  Options
	log   *zap.Logger
	now   func() time.Time
}

func NewEngine(store core.Repository, c cache.Cache, opts Options) (*Engine, error) {
	if opts.ChallengeTTL <= 0 {
		opts.ChallengeTTL = 5 * time.Minute
	}
	if opts.RPName == "" {
		opts.RPName = "Solo a un Click"
	}
	wa, err := wal.New(&wal.Config{
		RPDisplayName: opts.RPName,
		RPID:          opts.RPID,
		RPOrigins:     []string{opts.RPOrigin},
		Timeouts: wal.TimeoutsConfig{
			Login:        wal.TimeoutConfig{Enforce: true, Timeout: opts.ChallengeTTL},
			Registration: wal.TimeoutConfig{Enforce: true, Timeout: opts.ChallengeTTL},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("webauthn: config: %w", err)
	}
	return &Engine{
		store: store,
		cache: c,
		wa:    wa,
		opts:  opts,
		log:   logger.Named("webauthn"),
		now:   func() time.Time { return time.Now().UTC() },
	}, nil
}

// BeginRegistration arma el challenge de registro. Las credenciales ya
// registradas van en la lista de exclusión para que el autenticador no
// duplique.
func (e *Engine) BeginRegistration(ctx context.Context, userID string) (*protocol.CredentialCreation, error) {
	user, err := e.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	exclusions := make([]protocol.CredentialDescriptor, 0, len(user.creds))
	for _, c := range user.creds {
		exclusions = append(exclusions, protocol.CredentialDescriptor{
			Type:         protocol.PublicKeyCredentialType,
			CredentialID: c.ID,
		})
	}

	creation, session, err := e.wa.BeginRegistration(user,
		wal.WithExclusions(exclusions),
		wal.WithAuthenticatorSelection(protocol.AuthenticatorSelection{
			UserVerification: protocol.VerificationPreferred,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("webauthn: begin registration: %w", err)
	}
	if err := e.saveSession(regKey(userID), session); err != nil {
		return nil, err
	}
	return creation, nil
}

// FinishRegistration cierra la ceremonia y persiste la credencial nueva.
// El challenge se consume al primer intento, válido o no.
func (e *Engine) FinishRegistration(ctx context.Context, userID, deviceName string, r *http.Request) (*core.BiometricCredential, error) {
	session, err := e.takeSession(regKey(userID))
	if err != nil {
		return nil, err
	}
	user, err := e.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	cred, err := e.wa.FinishRegistration(user, *session, r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChallengeInvalid, err)
	}

	bc := &core.BiometricCredential{
		UserID:         userID,
		CredentialID:   base64.RawURLEncoding.EncodeToString(cred.ID),
		PublicKey:      cred.PublicKey,
		CredentialType: "public-key",
		SignCount:      cred.Authenticator.SignCount,
		BackupEligible: cred.Flags.BackupEligible,
		BackupState:    cred.Flags.BackupState,
		Transports:     transportStrings(cred.Transport),
	}
	if e.opts.CredentialTTL > 0 {
		exp := e.now().Add(e.opts.CredentialTTL)
		bc.ExpiresAt = &exp
	}
	if err := e.store.InsertBiometricCredential(ctx, bc); err != nil {
		if errors.Is(err, core.ErrConflict) {
			return nil, ErrCredentialConflict
		}
		return nil, fmt.Errorf("webauthn: guardar credencial: %w", err)
	}
	e.log.Info("credencial biométrica registrada",
		logger.UserID(userID), zap.String("device", deviceName), zap.String("credential_id", bc.CredentialID))
	return bc, nil
}

// BeginLogin arma el challenge de autenticación con las credenciales del
// usuario como allow list.
func (e *Engine) BeginLogin(ctx context.Context, userID string) (*protocol.CredentialAssertion, error) {
	user, err := e.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(user.creds) == 0 {
		return nil, ErrNoCredentials
	}

	assertion, session, err := e.wa.BeginLogin(user)
	if err != nil {
		return nil, fmt.Errorf("webauthn: begin login: %w", err)
	}
	if err := e.saveSession(loginKey(userID), session); err != nil {
		return nil, err
	}
	return assertion, nil
}

// FinishLogin valida la aserción. Una firma criptográficamente válida se
// rechaza igual si el sign count no avanzó: eso delata un autenticador
// clonado.
func (e *Engine) FinishLogin(ctx context.Context, userID string, r *http.Request) (*core.BiometricCredential, error) {
	session, err := e.takeSession(loginKey(userID))
	if err != nil {
		return nil, err
	}
	user, err := e.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	cred, err := e.wa.FinishLogin(user, *session, r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChallengeInvalid, err)
	}
	return e.settleAssertion(ctx, userID, cred)
}

// BeginDiscoverableLogin arma un challenge sin usuario: el autenticador elige
// la passkey y el user handle viaja en la aserción. La sesión se indexa por el
// challenge mismo porque todavía no hay identidad.
func (e *Engine) BeginDiscoverableLogin(ctx context.Context) (*protocol.CredentialAssertion, error) {
	assertion, session, err := e.wa.BeginDiscoverableLogin()
	if err != nil {
		return nil, fmt.Errorf("webauthn: begin discoverable login: %w", err)
	}
	if err := e.saveSession(discoverableKey(session.Challenge), session); err != nil {
		return nil, err
	}
	return assertion, nil
}

// FinishDiscoverableLogin valida una aserción sin usuario previo. Devuelve el
// userID resuelto desde el user handle junto con la credencial usada.
func (e *Engine) FinishDiscoverableLogin(ctx context.Context, r *http.Request) (string, *core.BiometricCredential, error) {
	parsed, err := protocol.ParseCredentialRequestResponseBody(r.Body)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrChallengeInvalid, err)
	}
	session, err := e.takeSession(discoverableKey(parsed.Response.CollectedClientData.Challenge))
	if err != nil {
		return "", nil, err
	}

	var userID string
	cred, err := e.wa.ValidateDiscoverableLogin(func(rawID, userHandle []byte) (wal.User, error) {
		userID = string(userHandle)
		return e.loadUser(ctx, userID)
	}, *session, parsed)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrChallengeInvalid, err)
	}

	stored, err := e.settleAssertion(ctx, userID, cred)
	if err != nil {
		return "", nil, err
	}
	return userID, stored, nil
}

// settleAssertion cierra una aserción ya validada: credencial vigente, sign
// count monótono y contador persistido.
func (e *Engine) settleAssertion(ctx context.Context, userID string, cred *wal.Credential) (*core.BiometricCredential, error) {
	credID := base64.RawURLEncoding.EncodeToString(cred.ID)
	stored, err := e.store.GetBiometricCredential(ctx, userID, credID)
	if err != nil {
		return nil, fmt.Errorf("webauthn: credencial usada no encontrada: %w", err)
	}
	now := e.now()
	if stored.ExpiresAt != nil && !stored.ExpiresAt.After(now) {
		return nil, ErrCredentialExpired
	}
	if err := checkCounter(stored.SignCount, cred.Authenticator.SignCount, cred.Authenticator.CloneWarning); err != nil {
		e.log.Warn("aserción rechazada por contador",
			logger.UserID(userID), zap.String("credential_id", credID),
			zap.Uint32("stored", stored.SignCount), zap.Uint32("received", cred.Authenticator.SignCount))
		return nil, err
	}

	if err := e.store.UpdateBiometricCounter(ctx, userID, credID, cred.Authenticator.SignCount, now); err != nil {
		return nil, fmt.Errorf("webauthn: actualizar contador: %w", err)
	}
	stored.SignCount = cred.Authenticator.SignCount
	stored.LastUsed = &now
	return stored, nil
}

// Credentials lista las credenciales registradas del usuario.
func (e *Engine) Credentials(ctx context.Context, userID string) ([]core.BiometricCredential, error) {
	return e.store.ListBiometricCredentials(ctx, userID)
}

// checkCounter aplica la monotonía del sign count. Contadores en cero de
// ambos lados se aceptan: hay autenticadores (passkeys sincronizadas) que no
// implementan contador.
func checkCounter(stored, received uint32, cloneWarning bool) error {
	if cloneWarning {
		return ErrCounterRegression
	}
	if stored == 0 && received == 0 {
		return nil
	}
	if received <= stored {
		return ErrCounterRegression
	}
	return nil
}

// --- sesiones de ceremonia (un solo uso, TTL corto) ---

func (e *Engine) saveSession(key string, s *wal.SessionData) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("webauthn: serializar sesión: %w", err)
	}
	e.cache.Set(key, raw, e.opts.ChallengeTTL)
	return nil
}

// takeSession lee y borra: el challenge no sobrevive al primer intento.
func (e *Engine) takeSession(key string) (*wal.SessionData, error) {
	raw, ok := e.cache.Get(key)
	if !ok {
		return nil, ErrChallengeInvalid
	}
	e.cache.Delete(key)
	var s wal.SessionData
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, ErrChallengeInvalid
	}
	return &s, nil
}

func regKey(userID string) string      { return "wa:reg:" + userID }
func loginKey(userID string) string    { return "wa:login:" + userID }
func discoverableKey(ch string) string { return "wa:disc:" + ch }

func transportStrings(ts []protocol.AuthenticatorTransport) []string {
	out := make([]string, 0, len(ts))
	for _, t := range ts {
		out = append(out, string(t))
	}
	return out
}
