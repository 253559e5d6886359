package password

import "unicode"

type Policy struct {
	MinLength     int
	RequireUpper  bool
	RequireLower  bool
	RequireDigit  bool
	RequireSymbol bool
}

// Razones de rechazo; el handler las mapea a mensajes que nombran la
// categoría faltante (el cliente muestra el mismo scoring).
const (
	ReasonTooShort      = "too_short"
	ReasonMissingUpper  = "missing_upper"
	ReasonMissingLower  = "missing_lower"
	ReasonMissingDigit  = "missing_digit"
	ReasonMissingSymbol = "missing_symbol"
	ReasonBlacklisted   = "blacklisted"
)

func (p Policy) Validate(s string) (ok bool, reasons []string) {
	if len([]rune(s)) < p.MinLength {
		reasons = append(reasons, ReasonTooShort)
	}
	var hasU, hasL, hasD, hasS bool
	for _, r := range s {
		switch {
		case unicode.IsUpper(r):
			hasU = true
		case unicode.IsLower(r):
			hasL = true
		case unicode.IsDigit(r):
			hasD = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			hasS = true
		}
	}
	if p.RequireUpper && !hasU {
		reasons = append(reasons, ReasonMissingUpper)
	}
	if p.RequireLower && !hasL {
		reasons = append(reasons, ReasonMissingLower)
	}
	if p.RequireDigit && !hasD {
		reasons = append(reasons, ReasonMissingDigit)
	}
	if p.RequireSymbol && !hasS {
		reasons = append(reasons, ReasonMissingSymbol)
	}
	return len(reasons) == 0, reasons
}

// Describe traduce una razón a texto para el usuario final.
func Describe(reason string) string {
	switch reason {
	case ReasonTooShort:
		return "la contraseña es demasiado corta (mínimo 8 caracteres)"
	case ReasonMissingUpper:
		return "falta al menos una letra mayúscula"
	case ReasonMissingLower:
		return "falta al menos una letra minúscula"
	case ReasonMissingDigit:
		return "falta al menos un número"
	case ReasonMissingSymbol:
		return "falta al menos un carácter especial"
	case ReasonBlacklisted:
		return "la contraseña es demasiado común, elegí otra"
	default:
		return "contraseña inválida"
	}
}
