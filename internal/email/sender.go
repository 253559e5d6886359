// Package email envía los correos transaccionales de Clave (reset de
// contraseña y avisos de seguridad) por SMTP.
package email

import (
	"crypto/tls"
	"fmt"

	mail "github.com/go-mail/mail"
	"go.uber.org/zap"

	"github.com/soloaunclick/clave/internal/observability/logger"
)

type Sender interface {
	Send(to string, subject string, htmlBody string, textBody string) error
}

type SMTPSender struct {
	Host               string
	Port               int
	From               string
	User               string
	Pass               string
	TLSMode            string // "auto" | "starttls" | "ssl" | "none"
	InsecureSkipVerify bool

	log *zap.Logger
}

func NewSMTPSender(host string, port int, from, user, pass string) *SMTPSender {
	return &SMTPSender{
		Host:    host,
		Port:    port,
		From:    from,
		User:    user,
		Pass:    pass,
		TLSMode: "auto",
		log:     logger.Named("email"),
	}
}

func (s *SMTPSender) Send(to, subject, htmlBody, textBody string) error {
	s.log.Info("enviando correo",
		zap.String("host", s.Host), zap.Int("port", s.Port),
		zap.String("to", to), zap.String("subject", subject),
		zap.String("tls_mode", s.TLSMode))

	m := mail.NewMessage()
	m.SetHeader("From", s.From)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)

	// Preferimos multipart/alternative (txt + html)
	if textBody != "" {
		m.SetBody("text/plain", textBody)
	}
	if htmlBody != "" {
		if textBody == "" {
			m.SetBody("text/html", htmlBody)
		} else {
			m.AddAlternative("text/html", htmlBody)
		}
	}

	d := mail.NewDialer(s.Host, s.Port, s.User, s.Pass)
	d.TLSConfig = &tls.Config{
		ServerName:         s.Host,
		InsecureSkipVerify: s.InsecureSkipVerify, // sólo dev
	}

	switch s.TLSMode {
	case "ssl":
		d.SSL = true
	case "none":
		d.TLSConfig = &tls.Config{InsecureSkipVerify: s.InsecureSkipVerify}
	default:
		// "auto"/"starttls": go-mail negocia STARTTLS si corresponde
	}

	if err := d.DialAndSend(m); err != nil {
		s.log.Error("fallo el envío de correo", zap.String("to", to), logger.Err(err))
		return fmt.Errorf("smtp send: %w", err)
	}
	s.log.Info("correo enviado", zap.String("to", to))
	return nil
}

// LogSender escribe el correo al log en lugar de enviarlo. Para dev y tests
// cuando no hay SMTP configurado.
type LogSender struct {
	log *zap.Logger
}

func NewLogSender() *LogSender {
	return &LogSender{log: logger.Named("email.dev")}
}

func (s *LogSender) Send(to, subject, htmlBody, textBody string) error {
	s.log.Info("correo (modo dev, no enviado)",
		zap.String("to", to), zap.String("subject", subject), zap.String("text", textBody))
	return nil
}
