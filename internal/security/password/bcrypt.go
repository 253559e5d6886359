package password

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// DefaultCost es el costo adaptativo por defecto (configurable vía config/env).
const DefaultCost = 12

// Hash devuelve el hash bcrypt del password con el costo dado.
func Hash(plain string, cost int) (string, error) {
	if plain == "" {
		return "", fmt.Errorf("empty password")
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = DefaultCost
	}
	b, err := bcrypt.GenerateFromPassword([]byte(plain), cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Verify compara en tiempo constante (bcrypt lo garantiza internamente).
func Verify(plain, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}
