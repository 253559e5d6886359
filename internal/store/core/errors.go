package core

import "errors"

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
	ErrInvalid  = errors.New("invalid")

	// Fallas de tokens de un solo uso. Distinguibles para que el caller
	// pueda responder "ya utilizado" sin abrir un oráculo de existencia.
	ErrTokenUsed    = errors.New("token already used")
	ErrTokenExpired = errors.New("token expired")
)
