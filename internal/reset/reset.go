// Package reset implementa la recuperación de contraseña por correo: tokens
// opacos de un solo uso con 1 hora de vida, una fila vigente por usuario.
package reset

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/soloaunclick/clave/internal/email"
	"github.com/soloaunclick/clave/internal/observability/logger"
	"github.com/soloaunclick/clave/internal/security/password"
	tokens "github.com/soloaunclick/clave/internal/security/token"
	"github.com/soloaunclick/clave/internal/store/core"
)

var (
	// ErrTokenInvalid cubre token inexistente o expirado: al caller no se le
	// distingue para no filtrar cuáles tokens existieron.
	ErrTokenInvalid = errors.New("reset: token inválido o expirado")
	// ErrTokenUsed sí se distingue: el usuario legítimo que hace doble click
	// merece saber que el reset ya ocurrió.
	ErrTokenUsed = errors.New("reset: token ya utilizado")
)

// WeakPasswordError lleva los motivos concretos del rechazo de la política.
type WeakPasswordError struct {
	Reasons []string
}

func (e *WeakPasswordError) Error() string {
	parts := make([]string, len(e.Reasons))
	for i, r := range e.Reasons {
		parts[i] = password.Describe(r)
	}
	return strings.Join(parts, "; ")
}

type Flow struct {
	store     core.Repository
	sender    email.Sender
	templates *email.Templates
	policy    password.Policy
	blacklist *password.Blacklist

	baseURL    string
	ttl        time.Duration
	bcryptCost int

	log *zap.Logger
	now func() time.Time
}

type Options struct {
	BaseURL    string        // prefijo del enlace del correo, ej. https://soloaunclick.com/recuperar
	TTL        time.Duration // vida del token (default 1h)
	BcryptCost int
	Policy     password.Policy
	Blacklist  *password.Blacklist
}

func NewFlow(store core.Repository, sender email.Sender, tpl *email.Templates, opts Options) *Flow {
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	if opts.BcryptCost == 0 {
		opts.BcryptCost = password.DefaultCost
	}
	return &Flow{
		store:      store,
		sender:     sender,
		templates:  tpl,
		policy:     opts.Policy,
		blacklist:  opts.Blacklist,
		baseURL:    opts.BaseURL,
		ttl:        opts.TTL,
		bcryptCost: opts.BcryptCost,
		log:        logger.Named("reset"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Request genera un token nuevo para el email y manda el correo. Siempre
// retorna nil para emails bien formados: si la cuenta no existe la respuesta
// es idéntica (anti-enumeración), solo que no se envía nada. El link generado
// se devuelve para que el handler pueda ecoarlo en dev (debug_echo_links);
// es "" cuando la cuenta no existe.
func (f *Flow) Request(ctx context.Context, emailAddr string) (string, error) {
	u, err := f.store.GetUserByEmail(ctx, emailAddr)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			f.log.Info("reset pedido para cuenta inexistente", logger.Email(emailAddr))
			return "", nil
		}
		return "", fmt.Errorf("reset: buscar usuario: %w", err)
	}

	tok, err := tokens.GenerateOpaqueToken(32)
	if err != nil {
		return "", fmt.Errorf("reset: generar token: %w", err)
	}
	expires := f.now().Add(f.ttl)
	// Pedir otro token pisa el anterior: nunca hay dos vigentes.
	if err := f.store.UpsertPasswordReset(ctx, u.ID, u.Email, tokens.SHA256Raw(tok), expires); err != nil {
		return "", fmt.Errorf("reset: guardar token: %w", err)
	}

	link := fmt.Sprintf("%s?token=%s", f.baseURL, url.QueryEscape(tok))
	html, text, err := f.templates.RenderReset(email.ResetVars{
		UserEmail: u.Email,
		Link:      link,
		TTL:       humanTTL(f.ttl),
	})
	if err != nil {
		return "", fmt.Errorf("reset: render correo: %w", err)
	}
	if err := f.sender.Send(u.Email, "Recuperá tu contraseña — Solo a un Click", html, text); err != nil {
		return "", fmt.Errorf("reset: enviar correo: %w", err)
	}
	f.log.Info("correo de reset enviado", logger.UserID(u.ID))
	return link, nil
}

// Reset valida el token, aplica la política a la contraseña nueva y consume
// el token escribiendo el hash nuevo en una sola transacción del store.
func (f *Flow) Reset(ctx context.Context, token, newPassword string) error {
	if ok, reasons := f.policy.Validate(newPassword); !ok {
		return &WeakPasswordError{Reasons: reasons}
	}
	if f.blacklist.Contains(newPassword) {
		return &WeakPasswordError{Reasons: []string{password.ReasonBlacklisted}}
	}

	hash, err := password.Hash(newPassword, f.bcryptCost)
	if err != nil {
		return fmt.Errorf("reset: hashear password: %w", err)
	}

	userID, err := f.store.ConsumePasswordReset(ctx, tokens.SHA256Raw(token), hash, f.now())
	if err != nil {
		switch {
		case errors.Is(err, core.ErrTokenUsed):
			return ErrTokenUsed
		case errors.Is(err, core.ErrNotFound), errors.Is(err, core.ErrTokenExpired):
			return ErrTokenInvalid
		}
		return fmt.Errorf("reset: consumir token: %w", err)
	}

	// Cambió la credencial: cualquier challenge MFA pendiente queda inválido.
	if err := f.store.ClearMFASession(ctx, userID); err != nil {
		f.log.Warn("no se pudo limpiar la sesión mfa", logger.UserID(userID), logger.Err(err))
	}
	f.notifyChanged(ctx, userID)
	f.log.Info("contraseña restablecida", logger.UserID(userID))
	return nil
}

// notifyChanged avisa por correo que la contraseña cambió. Best-effort.
func (f *Flow) notifyChanged(ctx context.Context, userID string) {
	u, err := f.store.GetUserByID(ctx, userID)
	if err != nil {
		return
	}
	html, text, err := f.templates.RenderAlert(email.AlertVars{
		UserEmail: u.Email,
		Event:     "Tu contraseña fue cambiada",
		Detail:    "Se completó una recuperación de contraseña para tu cuenta.",
		When:      f.now().Format("02/01/2006 15:04 UTC"),
	})
	if err != nil {
		return
	}
	if err := f.sender.Send(u.Email, "Aviso de seguridad — Solo a un Click", html, text); err != nil {
		f.log.Warn("no se pudo enviar el aviso de cambio", logger.UserID(userID), logger.Err(err))
	}
}

func humanTTL(d time.Duration) string {
	if d >= time.Hour && d%time.Hour == 0 {
		h := int(d / time.Hour)
		if h == 1 {
			return "1 hora"
		}
		return fmt.Sprintf("%d horas", h)
	}
	return fmt.Sprintf("%d minutos", int(d/time.Minute))
}
