// Package app arma el contenedor de dependencias que usan los handlers.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	rdb "github.com/redis/go-redis/v9"

	"github.com/soloaunclick/clave/internal/cache"
	memcache "github.com/soloaunclick/clave/internal/cache/memory"
	rediscache "github.com/soloaunclick/clave/internal/cache/redis"
	"github.com/soloaunclick/clave/internal/config"
	"github.com/soloaunclick/clave/internal/email"
	jwtx "github.com/soloaunclick/clave/internal/jwt"
	"github.com/soloaunclick/clave/internal/mfa"
	"github.com/soloaunclick/clave/internal/observability/logger"
	"github.com/soloaunclick/clave/internal/rate"
	"github.com/soloaunclick/clave/internal/reset"
	"github.com/soloaunclick/clave/internal/security/password"
	"github.com/soloaunclick/clave/internal/store/core"
	"github.com/soloaunclick/clave/internal/store/mem"
	"github.com/soloaunclick/clave/internal/store/pg"
	"github.com/soloaunclick/clave/internal/webauthn"
)

// Container es el contenedor DI simple que usamos en los handlers.
type Container struct {
	Cfg      *config.Config
	Store    core.Repository
	Cache    cache.Cache
	Issuer   *jwtx.Issuer
	Rate     *rate.Service
	MFA      *mfa.Engine
	WebAuthn *webauthn.Engine
	Reset    *reset.Flow
	Sender   email.Sender

	// Pool expone el pool pgx para métricas; nil con store en memoria.
	Pool func() *pgxpool.Pool

	closers []func()
}

// Build construye todas las dependencias a partir de la config.
func Build(ctx context.Context, cfg *config.Config, jwtSecret []byte) (*Container, error) {
	c := &Container{Cfg: cfg}

	// Store: Postgres en serio, memoria para dev sin DSN.
	if cfg.Storage.DSN != "" {
		st, err := pg.New(ctx, cfg.Storage.DSN, int32(cfg.Storage.Postgres.MaxConns), cfg.Storage.Postgres.ConnMaxLifetime)
		if err != nil {
			return nil, err
		}
		c.Store = st
		c.Pool = st.Pool
		c.closers = append(c.closers, st.Close)
		logger.S().Infow("store postgres conectado")
	} else {
		c.Store = mem.New()
		logger.S().Warnw("sin DSN: store en memoria (solo dev)")
	}

	// Cache: Redis compartible entre instancias, memoria para dev.
	if cfg.Cache.Kind == "redis" {
		client := rdb.NewClient(&rdb.Options{Addr: cfg.Cache.Redis.Addr, DB: cfg.Cache.Redis.DB})
		c.Cache = rediscache.NewWithClient(client, cfg.Cache.Redis.Prefix)
		c.closers = append(c.closers, func() { _ = client.Close() })
	} else {
		ttl, err := time.ParseDuration(cfg.Cache.Memory.DefaultTTL)
		if err != nil {
			return nil, fmt.Errorf("app: cache.memory.default_ttl: %w", err)
		}
		c.Cache = memcache.New(ttl)
	}

	// Rate limiter: cliente Redis propio (puede ser otra instancia que el cache).
	var rateClient *rdb.Client
	if cfg.Rate.Enabled && cfg.Rate.Redis.Addr != "" {
		rateClient = rdb.NewClient(&rdb.Options{Addr: cfg.Rate.Redis.Addr, DB: cfg.Rate.Redis.DB})
		c.closers = append(c.closers, func() { _ = rateClient.Close() })
	}
	c.Rate = rate.New(rateClient, cfg.Rate.Redis.Prefix, ratePolicies(cfg), cfg.Rate.Enabled)

	accessTTL, err := time.ParseDuration(cfg.JWT.AccessTTL)
	if err != nil {
		return nil, fmt.Errorf("app: jwt.access_ttl: %w", err)
	}
	issuer, err := jwtx.NewIssuer(jwtSecret, cfg.JWT.Issuer, accessTTL)
	if err != nil {
		return nil, err
	}
	c.Issuer = issuer

	// Email: SMTP si está configurado, log en dev.
	if cfg.SMTP.Host != "" {
		s := email.NewSMTPSender(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.From, cfg.SMTP.Username, cfg.SMTP.Password)
		if cfg.SMTP.TLS != "" {
			s.TLSMode = cfg.SMTP.TLS
		}
		s.InsecureSkipVerify = cfg.SMTP.InsecureSkipVerify
		c.Sender = s
	} else {
		c.Sender = email.NewLogSender()
	}
	tpl, err := email.LoadTemplates(cfg.Email.TemplatesDir)
	if err != nil {
		return nil, err
	}

	blacklist, err := password.LoadBlacklist(cfg.Security.PasswordBlacklistPath)
	if err != nil {
		return nil, fmt.Errorf("app: cargar blacklist: %w", err)
	}

	c.Reset = reset.NewFlow(c.Store, c.Sender, tpl, reset.Options{
		BaseURL:    cfg.Email.BaseURL + "/recuperar",
		TTL:        cfg.Auth.Reset.TTL,
		BcryptCost: cfg.Auth.BcryptCost,
		Policy:     passwordPolicy(cfg),
		Blacklist:  blacklist,
	})

	c.MFA = mfa.NewEngine(c.Store, mfa.Options{
		Issuer:      cfg.MFA.Issuer,
		Window:      cfg.MFA.Window,
		SessionTTL:  cfg.MFA.SessionTTL,
		RememberTTL: cfg.MFA.RememberTTL,
		BackupCodes: cfg.MFA.BackupCodes,
	})

	wa, err := webauthn.NewEngine(c.Store, c.Cache, webauthn.Options{
		RPID:         cfg.WebAuthn.RPID,
		RPOrigin:     cfg.WebAuthn.RPOrigin,
		RPName:       cfg.WebAuthn.RPName,
		ChallengeTTL: cfg.WebAuthn.ChallengeTTL,
	})
	if err != nil {
		return nil, err
	}
	c.WebAuthn = wa

	return c, nil
}

// Close libera los recursos del contenedor en orden inverso.
func (c *Container) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

func passwordPolicy(cfg *config.Config) password.Policy {
	p := cfg.Security.PasswordPolicy
	return password.Policy{
		MinLength:     p.MinLength,
		RequireUpper:  p.RequireUpper,
		RequireLower:  p.RequireLower,
		RequireDigit:  p.RequireDigit,
		RequireSymbol: p.RequireSymbol,
	}
}

func ratePolicies(cfg *config.Config) map[string]rate.Policy {
	overrides := make(map[string]rate.Policy, len(cfg.Rate.Actions))
	for name, a := range cfg.Rate.Actions {
		p := rate.Policy{Limit: a.Limit}
		if d, err := time.ParseDuration(a.Window); err == nil {
			p.Window = d
		}
		if d, err := time.ParseDuration(a.Block); err == nil {
			p.Block = d
		}
		overrides[name] = p
	}
	return rate.MergePolicies(overrides)
}
