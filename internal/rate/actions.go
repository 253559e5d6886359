package rate

import "time"

// Acciones conocidas. El limiter acepta cualquier string pero los handlers
// y el CLI usan estas constantes.
const (
	ActionLogin         = "login"
	ActionPasswordReset = "password_reset"
	ActionBiometric     = "biometric"
	ActionAPI           = "api"
	ActionRegistration  = "registration"
	ActionMFA           = "mfa"
)

// Policy define el límite de una acción y la duración del bloqueo al excederlo.
type Policy struct {
	Limit  int
	Window time.Duration
	Block  time.Duration
}

// DefaultPolicies son los límites de fábrica. La config puede pisarlos por acción.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		ActionLogin:         {Limit: 5, Window: 15 * time.Minute, Block: 15 * time.Minute},
		ActionPasswordReset: {Limit: 3, Window: time.Hour, Block: time.Hour},
		ActionBiometric:     {Limit: 10, Window: 15 * time.Minute, Block: 30 * time.Minute},
		ActionAPI:           {Limit: 100, Window: time.Minute, Block: 5 * time.Minute},
		ActionRegistration:  {Limit: 3, Window: time.Hour, Block: 2 * time.Hour},
		ActionMFA:           {Limit: 5, Window: time.Hour, Block: time.Hour},
	}
}

// MergePolicies aplica overrides sobre los defaults. Campos en cero del
// override conservan el valor default; acciones nuevas se agregan tal cual.
func MergePolicies(overrides map[string]Policy) map[string]Policy {
	out := DefaultPolicies()
	for action, ov := range overrides {
		p, ok := out[action]
		if !ok {
			out[action] = ov
			continue
		}
		if ov.Limit > 0 {
			p.Limit = ov.Limit
		}
		if ov.Window > 0 {
			p.Window = ov.Window
		}
		if ov.Block > 0 {
			p.Block = ov.Block
		}
		out[action] = p
	}
	return out
}
