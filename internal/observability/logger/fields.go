package logger

import (
	"time"

	"go.uber.org/zap"
)

// Campos estándar para mantener nombres consistentes en todos los logs.

func RequestID(v string) zap.Field { return zap.String("request_id", v) }
func Method(v string) zap.Field    { return zap.String("method", v) }
func Path(v string) zap.Field      { return zap.String("path", v) }
func Status(v int) zap.Field       { return zap.Int("status", v) }
func DurationMs(v int64) zap.Field { return zap.Int64("duration_ms", v) }
func Bytes(v int) zap.Field        { return zap.Int("bytes", v) }
func ClientIP(v string) zap.Field  { return zap.String("client_ip", v) }
func UserAgent(v string) zap.Field { return zap.String("user_agent", v) }

func UserID(v string) zap.Field { return zap.String("user_id", v) }

// Email crea un campo para el email (usar con cuidado en prod).
func Email(v string) zap.Field { return zap.String("email", v) }

// Action crea un campo para el action-type del rate limiter.
func Action(v string) zap.Field { return zap.String("action", v) }

// Identifier crea un campo para el identificador rate-limiteado (ip, user, composite).
func Identifier(v string) zap.Field { return zap.String("identifier", v) }

func Component(v string) zap.Field         { return zap.String("component", v) }
func Op(v string) zap.Field                { return zap.String("op", v) }
func Err(err error) zap.Field              { return zap.Error(err) }
func Count(v int) zap.Field                { return zap.Int("count", v) }
func Key(v string) zap.Field               { return zap.String("key", v) }
func Duration(v time.Duration) zap.Field   { return zap.Duration("duration", v) }
func String(key, v string) zap.Field       { return zap.String(key, v) }
func Int(key string, v int) zap.Field      { return zap.Int(key, v) }
func Bool(key string, v bool) zap.Field    { return zap.Bool(key, v) }
func Any(key string, v any) zap.Field      { return zap.Any(key, v) }
