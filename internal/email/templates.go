package email

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	texttpl "text/template"
)

//go:embed templates/*.html templates/*.txt
var templateFS embed.FS

type Templates struct {
	ResetHTML *template.Template
	ResetTXT  *texttpl.Template
	AlertHTML *template.Template
	AlertTXT  *texttpl.Template
}

// ResetVars alimenta el correo de recuperación de contraseña.
type ResetVars struct {
	UserEmail string
	Link      string
	TTL       string
}

// AlertVars alimenta los avisos de seguridad (MFA activado, dispositivo nuevo,
// contraseña cambiada).
type AlertVars struct {
	UserEmail string
	Event     string
	Detail    string
	When      string
}

// LoadTemplates parsea las plantillas. Con dir vacío usa las embebidas;
// con dir se leen del disco (branding custom sin recompilar).
func LoadTemplates(dir string) (*Templates, error) {
	read := func(name string) (string, error) {
		if dir != "" {
			b, err := os.ReadFile(filepath.Join(dir, name))
			return string(b), err
		}
		b, err := templateFS.ReadFile("templates/" + name)
		return string(b), err
	}
	parse := func(name string) (*template.Template, error) {
		s, err := read(name)
		if err != nil {
			return nil, fmt.Errorf("email: template %s: %w", name, err)
		}
		return template.New(name).Parse(s)
	}
	parseTxt := func(name string) (*texttpl.Template, error) {
		s, err := read(name)
		if err != nil {
			return nil, fmt.Errorf("email: template %s: %w", name, err)
		}
		return texttpl.New(name).Parse(s)
	}

	var (
		t   Templates
		err error
	)
	if t.ResetHTML, err = parse("reset_password.html"); err != nil {
		return nil, err
	}
	if t.ResetTXT, err = parseTxt("reset_password.txt"); err != nil {
		return nil, err
	}
	if t.AlertHTML, err = parse("security_alert.html"); err != nil {
		return nil, err
	}
	if t.AlertTXT, err = parseTxt("security_alert.txt"); err != nil {
		return nil, err
	}
	return &t, nil
}

func (t *Templates) RenderReset(v ResetVars) (html, text string, err error) {
	var hb, tb bytes.Buffer
	if err := t.ResetHTML.Execute(&hb, v); err != nil {
		return "", "", err
	}
	if err := t.ResetTXT.Execute(&tb, v); err != nil {
		return "", "", err
	}
	return hb.String(), tb.String(), nil
}

func (t *Templates) RenderAlert(v AlertVars) (html, text string, err error) {
	var hb, tb bytes.Buffer
	if err := t.AlertHTML.Execute(&hb, v); err != nil {
		return "", "", err
	}
	if err := t.AlertTXT.Execute(&tb, v); err != nil {
		return "", "", err
	}
	return hb.String(), tb.String(), nil
}
