// Package jwt emite y valida los access tokens que Clave entrega cuando el
// login queda completamente verificado (password + MFA si corresponde).
package jwt

import (
	"errors"
	"fmt"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("jwt: token inválido")
	ErrExpiredToken = errors.New("jwt: token expirado")
)

type Claims struct {
	Email string `json:"email"`
	AMR   string `json:"amr,omitempty"` // pwd | mfa | webauthn
	jwtlib.RegisteredClaims
}

type Issuer struct {
	secret    []byte
	issuer    string
	accessTTL time.Duration
}

func NewIssuer(secret []byte, issuer string, accessTTL time.Duration) (*Issuer, error) {
	if len(secret) < 32 {
		return nil, errors.New("jwt: el secreto debe tener al menos 32 bytes")
	}
	if accessTTL <= 0 {
		accessTTL = 15 * time.Minute
	}
	return &Issuer{secret: secret, issuer: issuer, accessTTL: accessTTL}, nil
}

// Issue firma un access token HS256 para el usuario. amr indica cómo se
// autenticó (pwd, mfa, webauthn).
func (i *Issuer) Issue(userID, email, amr string, now time.Time) (string, error) {
	claims := Claims{
		Email: email,
		AMR:   amr,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   userID,
			IssuedAt:  jwtlib.NewNumericDate(now),
			NotBefore: jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(i.accessTTL)),
			ID:        uuid.NewString(),
		},
	}
	tok := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	signed, err := tok.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("jwt: firmar: %w", err)
	}
	return signed, nil
}

// Verify parsea y valida firma, emisor y expiración.
func (i *Issuer) Verify(raw string) (*Claims, error) {
	var claims Claims
	tok, err := jwtlib.ParseWithClaims(raw, &claims, func(t *jwtlib.Token) (any, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("jwt: método inesperado %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwtlib.WithIssuer(i.issuer), jwtlib.WithValidMethods([]string{"HS256"}))
	if err != nil {
		if errors.Is(err, jwtlib.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !tok.Valid {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}

func (i *Issuer) AccessTTL() time.Duration { return i.accessTTL }
