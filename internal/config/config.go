package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ActionLimit define la ventana deslizante y el bloqueo escalado de un action-type.
type ActionLimit struct {
	Limit  int    `yaml:"limit"`
	Window string `yaml:"window"`
	Block  string `yaml:"block"`
}

type Config struct {
	App struct {
		// dev | staging | prod
		Env string `yaml:"app_env"`
	} `yaml:"app"`

	Server struct {
		Addr               string   `yaml:"addr"`
		CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
		AdminAPIKey        string   `yaml:"admin_api_key"`
	} `yaml:"server"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`

	Storage struct {
		DSN      string `yaml:"dsn"`
		Postgres struct {
			MaxConns        int    `yaml:"max_conns"`
			ConnMaxLifetime string `yaml:"conn_max_lifetime"`
		} `yaml:"postgres"`
	} `yaml:"storage"`

	Cache struct {
		Kind  string `yaml:"kind"` // redis | memory
		Redis struct {
			Addr   string `yaml:"addr"`
			DB     int    `yaml:"db"`
			Prefix string `yaml:"prefix"`
		} `yaml:"redis"`
		Memory struct {
			DefaultTTL string `yaml:"default_ttl"`
		} `yaml:"memory"`
	} `yaml:"cache"`

	JWT struct {
		Issuer    string `yaml:"issuer"`
		AccessTTL string `yaml:"access_ttl"`
	} `yaml:"jwt"`

	Auth struct {
		BcryptCost int `yaml:"bcrypt_cost"`
		Reset      struct {
			TTL time.Duration `yaml:"ttl"`
		} `yaml:"reset"`
	} `yaml:"auth"`

	MFA struct {
		Issuer      string        `yaml:"issuer"`
		Window      int           `yaml:"window"` // pasos de tolerancia de reloj (±N*30s)
		SessionTTL  time.Duration `yaml:"session_ttl"`
		RememberTTL time.Duration `yaml:"remember_ttl"`
		BackupCodes int           `yaml:"backup_codes"`
	} `yaml:"mfa"`

	WebAuthn struct {
		RPID         string        `yaml:"rp_id"`
		RPOrigin     string        `yaml:"rp_origin"`
		RPName       string        `yaml:"rp_name"`
		ChallengeTTL time.Duration `yaml:"challenge_ttl"`
	} `yaml:"webauthn"`

	Rate struct {
		Enabled bool `yaml:"enabled"`
		Redis   struct {
			Addr   string `yaml:"addr"`
			DB     int    `yaml:"db"`
			Prefix string `yaml:"prefix"`
		} `yaml:"redis"`
		// Overrides por action-type; los defaults viven en internal/rate.
		Actions map[string]ActionLimit `yaml:"actions"`
	} `yaml:"rate"`

	SMTP struct {
		Host               string `yaml:"host"`
		Port               int    `yaml:"port"`
		Username           string `yaml:"username"`
		Password           string `yaml:"password"`
		From               string `yaml:"from"`
		TLS                string `yaml:"tls"`                  // auto | starttls | ssl | none
		InsecureSkipVerify bool   `yaml:"insecure_skip_verify"` // sólo dev
	} `yaml:"smtp"`

	Email struct {
		BaseURL        string `yaml:"base_url"`
		TemplatesDir   string `yaml:"templates_dir"`
		DebugEchoLinks bool   `yaml:"debug_echo_links"`
	} `yaml:"email"`

	Security struct {
		PasswordPolicy struct {
			MinLength     int  `yaml:"min_length"`
			RequireUpper  bool `yaml:"require_upper"`
			RequireLower  bool `yaml:"require_lower"`
			RequireDigit  bool `yaml:"require_digit"`
			RequireSymbol bool `yaml:"require_symbol"`
		} `yaml:"password_policy"`
		PasswordBlacklistPath string `yaml:"password_blacklist_path"`
	} `yaml:"security"`
}

// Load lee el YAML (path puede ser "" para solo defaults+env),
// aplica defaults razonables y luego overrides por variables de entorno.
func Load(path string) (*Config, error) {
	var c Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, err
		}
	}

	// sane defaults
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Cache.Kind == "" {
		c.Cache.Kind = "memory"
	}
	if c.Cache.Memory.DefaultTTL == "" {
		c.Cache.Memory.DefaultTTL = "10m"
	}
	if c.JWT.Issuer == "" {
		c.JWT.Issuer = "https://auth.soloaunclick.com"
	}
	if c.JWT.AccessTTL == "" {
		c.JWT.AccessTTL = "15m"
	}
	if c.Auth.BcryptCost == 0 {
		c.Auth.BcryptCost = 12
	}
	if c.Auth.Reset.TTL == 0 {
		c.Auth.Reset.TTL = time.Hour
	}
	if c.MFA.Issuer == "" {
		c.MFA.Issuer = "Solo a un Click"
	}
	if c.MFA.Window == 0 {
		c.MFA.Window = 1
	}
	if c.MFA.SessionTTL == 0 {
		c.MFA.SessionTTL = 10 * time.Minute
	}
	if c.MFA.RememberTTL == 0 {
		c.MFA.RememberTTL = 30 * 24 * time.Hour
	}
	if c.MFA.BackupCodes == 0 {
		c.MFA.BackupCodes = 10
	}
	if c.WebAuthn.RPID == "" {
		c.WebAuthn.RPID = "soloaunclick.com"
	}
	if c.WebAuthn.RPOrigin == "" {
		c.WebAuthn.RPOrigin = "https://soloaunclick.com"
	}
	if c.WebAuthn.RPName == "" {
		c.WebAuthn.RPName = "Solo a un Click"
	}
	if c.WebAuthn.ChallengeTTL == 0 {
		c.WebAuthn.ChallengeTTL = 5 * time.Minute
	}
	if c.Rate.Redis.Prefix == "" {
		c.Rate.Redis.Prefix = "clave:rl:"
	}
	if c.Cache.Redis.Prefix == "" {
		c.Cache.Redis.Prefix = "clave:cache:"
	}
	if c.Security.PasswordPolicy.MinLength == 0 {
		c.Security.PasswordPolicy.MinLength = 8
		c.Security.PasswordPolicy.RequireUpper = true
		c.Security.PasswordPolicy.RequireDigit = true
		c.Security.PasswordPolicy.RequireSymbol = true
	}
	if c.Email.BaseURL == "" {
		c.Email.BaseURL = "http://localhost:8080"
	}

	c.applyEnvOverrides()

	return &c, nil
}

func getEnvStr(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	return v, v != ""
}

func getEnvInt(key string) (int, bool) {
	v, ok := getEnvStr(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	return n, err == nil
}

func getEnvBool(key string) (bool, bool) {
	v, ok := getEnvStr(key)
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	return b, err == nil
}

func getEnvDur(key string) (time.Duration, bool) {
	v, ok := getEnvStr(key)
	if !ok {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	return d, err == nil
}

func getEnvCSV(key string) ([]string, bool) {
	v, ok := getEnvStr(key)
	if !ok {
		return nil, false
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out, len(out) > 0
}

// applyEnvOverrides pisa la config YAML con variables CLAVE_*.
// El env SIEMPRE gana sobre el archivo (deploys sin re-generar YAML).
func (c *Config) applyEnvOverrides() {
	if v, ok := getEnvStr("CLAVE_APP_ENV"); ok {
		c.App.Env = v
	}
	if v, ok := getEnvStr("CLAVE_ADDR"); ok {
		c.Server.Addr = v
	}
	if v, ok := getEnvCSV("CLAVE_CORS_ALLOWED_ORIGINS"); ok {
		c.Server.CORSAllowedOrigins = v
	}
	if v, ok := getEnvStr("CLAVE_ADMIN_API_KEY"); ok {
		c.Server.AdminAPIKey = v
	}
	if v, ok := getEnvStr("CLAVE_LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	if v, ok := getEnvStr("CLAVE_DB_DSN"); ok {
		c.Storage.DSN = v
	}
	if v, ok := getEnvInt("CLAVE_DB_MAX_CONNS"); ok {
		c.Storage.Postgres.MaxConns = v
	}
	if v, ok := getEnvStr("CLAVE_CACHE_KIND"); ok {
		c.Cache.Kind = v
	}
	if v, ok := getEnvStr("CLAVE_CACHE_REDIS_ADDR"); ok {
		c.Cache.Redis.Addr = v
	}
	if v, ok := getEnvInt("CLAVE_CACHE_REDIS_DB"); ok {
		c.Cache.Redis.DB = v
	}
	if v, ok := getEnvStr("CLAVE_RATE_REDIS_ADDR"); ok {
		c.Rate.Redis.Addr = v
		c.Rate.Enabled = true
	}
	if v, ok := getEnvInt("CLAVE_RATE_REDIS_DB"); ok {
		c.Rate.Redis.DB = v
	}
	if v, ok := getEnvBool("CLAVE_RATE_ENABLED"); ok {
		c.Rate.Enabled = v
	}
	if v, ok := getEnvStr("CLAVE_JWT_ISSUER"); ok {
		c.JWT.Issuer = v
	}
	if v, ok := getEnvStr("CLAVE_JWT_ACCESS_TTL"); ok {
		c.JWT.AccessTTL = v
	}
	if v, ok := getEnvInt("CLAVE_BCRYPT_COST"); ok {
		c.Auth.BcryptCost = v
	}
	if v, ok := getEnvDur("CLAVE_RESET_TTL"); ok {
		c.Auth.Reset.TTL = v
	}
	if v, ok := getEnvStr("CLAVE_MFA_ISSUER"); ok {
		c.MFA.Issuer = v
	}
	if v, ok := getEnvInt("CLAVE_MFA_WINDOW"); ok && v >= 0 && v <= 3 {
		c.MFA.Window = v
	}
	if v, ok := getEnvDur("CLAVE_MFA_SESSION_TTL"); ok {
		c.MFA.SessionTTL = v
	}
	if v, ok := getEnvDur("CLAVE_MFA_REMEMBER_TTL"); ok {
		c.MFA.RememberTTL = v
	}
	if v, ok := getEnvStr("CLAVE_WEBAUTHN_RP_ID"); ok {
		c.WebAuthn.RPID = v
	}
	if v, ok := getEnvStr("CLAVE_WEBAUTHN_RP_ORIGIN"); ok {
		c.WebAuthn.RPOrigin = v
	}
	if v, ok := getEnvStr("CLAVE_WEBAUTHN_RP_NAME"); ok {
		c.WebAuthn.RPName = v
	}
	if v, ok := getEnvDur("CLAVE_WEBAUTHN_CHALLENGE_TTL"); ok {
		c.WebAuthn.ChallengeTTL = v
	}
	if v, ok := getEnvStr("CLAVE_SMTP_HOST"); ok {
		c.SMTP.Host = v
	}
	if v, ok := getEnvInt("CLAVE_SMTP_PORT"); ok {
		c.SMTP.Port = v
	}
	if v, ok := getEnvStr("CLAVE_SMTP_USERNAME"); ok {
		c.SMTP.Username = v
	}
	if v, ok := getEnvStr("CLAVE_SMTP_PASSWORD"); ok {
		c.SMTP.Password = v
	}
	if v, ok := getEnvStr("CLAVE_SMTP_FROM"); ok {
		c.SMTP.From = v
	}
	if v, ok := getEnvStr("CLAVE_EMAIL_BASE_URL"); ok {
		c.Email.BaseURL = v
	}
	if v, ok := getEnvStr("CLAVE_EMAIL_TEMPLATES_DIR"); ok {
		c.Email.TemplatesDir = v
	}
	if v, ok := getEnvBool("CLAVE_EMAIL_DEBUG_ECHO_LINKS"); ok {
		c.Email.DebugEchoLinks = v
	}
	if v, ok := getEnvStr("CLAVE_PASSWORD_BLACKLIST_PATH"); ok {
		c.Security.PasswordBlacklistPath = v
	}
}

// Validate chequea combinaciones inválidas que conviene cortar en el arranque.
func (c *Config) Validate() error {
	if c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn (o CLAVE_DB_DSN) es requerido")
	}
	if c.Auth.BcryptCost < 10 || c.Auth.BcryptCost > 31 {
		return fmt.Errorf("auth.bcrypt_cost fuera de rango: %d (esperado 10..31)", c.Auth.BcryptCost)
	}
	if c.Cache.Kind != "memory" && c.Cache.Kind != "redis" {
		return fmt.Errorf("cache.kind inválido: %q (memory|redis)", c.Cache.Kind)
	}
	if c.Cache.Kind == "redis" && c.Cache.Redis.Addr == "" {
		return fmt.Errorf("cache.redis.addr requerido con cache.kind=redis")
	}
	return nil
}
