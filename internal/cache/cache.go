// Package cache define el cache efímero compartido del servicio.
//
// Se usa para estado corto y de un solo uso: challenges WebAuthn (5m),
// mfa_token del handshake de login (10m) y secretos TOTP candidatos
// pendientes de confirmación. En deploys multi-instancia DEBE usarse el
// backend redis; memory sólo vale para una instancia (dev/test).
package cache

import "time"

type Cache interface {
	Get(key string) (value []byte, ok bool)
	Set(key string, value []byte, ttl time.Duration)
	Delete(key string)
}
