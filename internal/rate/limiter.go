// Package rate implementa el control de abuso: ventanas fijas por acción e
// identificador, bloqueos escalados al exceder el límite, log de eventos y
// estadísticas agregadas. Todo el estado vive en Redis para que varias
// instancias compartan los contadores.
package rate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	rdb "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/soloaunclick/clave/internal/observability/logger"
)

const (
	eventsKeep = 100
	eventsTTL  = 30 * 24 * time.Hour
	// Los buckets horarios viven 8 días para poder agregar el rango de 7d.
	statsBucketTTL  = 8 * 24 * time.Hour
	topOffendersTTL = 7 * 24 * time.Hour
)

// Verdict es el resultado de Check.
type Verdict struct {
	Allowed    bool
	Blocked    bool
	Limit      int
	Remaining  int64
	ResetAt    time.Time // cuándo se vacía la ventana (o vence el bloqueo)
	RetryAfter time.Duration
}

// Event es una entrada del log de seguridad por identificador.
type Event struct {
	At    time.Time         `json:"at"`
	Event string            `json:"event"` // success | failure | blocked | unblocked
	Meta  map[string]string `json:"meta,omitempty"`
}

// Offender es una entrada del ranking de identificadores con más fallas.
type Offender struct {
	Identifier string `json:"identifier"`
	Count      int64  `json:"count"`
}

// Stats agrega la actividad de una acción en el rango pedido.
type Stats struct {
	Action       string     `json:"action"`
	Range        string     `json:"range"` // 1h | 24h | 7d
	Total        int64      `json:"total_requests"`
	Failures     int64      `json:"failures"`
	Unique       int64      `json:"unique_identifiers"`
	Blocked      int64      `json:"currently_blocked"`
	TopOffenders []Offender `json:"top_offenders"`
}

type Service struct {
	client   *rdb.Client
	prefix   string
	policies map[string]Policy
	enabled  bool
	log      *zap.Logger
	now      func() time.Time
}

func New(client *rdb.Client, prefix string, policies map[string]Policy, enabled bool) *Service {
	if prefix == "" {
		prefix = "clave:rl:"
	}
	if policies == nil {
		policies = DefaultPolicies()
	}
	return &Service{
		client:   client,
		prefix:   prefix,
		policies: policies,
		enabled:  enabled && client != nil,
		log:      logger.Named("rate"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Policy(action string) Policy {
	if p, ok := s.policies[action]; ok {
		return p
	}
	return s.policies[ActionAPI]
}

// Check evalúa la acción para el identificador. El bloqueo activo tiene
// precedencia sobre la cuota de ventana. Si Redis no responde, el limiter
// deja pasar (fail-open): preferimos no tirar el login por un cache caído.
func (s *Service) Check(ctx context.Context, action, identifier string) (Verdict, error) {
	p := s.Policy(action)
	if !s.enabled {
		return Verdict{Allowed: true, Limit: p.Limit, Remaining: int64(p.Limit)}, nil
	}
	id := sanitize(identifier)

	ttl, err := s.client.TTL(ctx, s.blockKey(action, id)).Result()
	if err != nil {
		return s.failOpen(p, "ttl bloqueo", err), nil
	}
	if ttl > 0 {
		return Verdict{Allowed: false, Blocked: true, Limit: p.Limit, ResetAt: s.now().Add(ttl), RetryAfter: ttl}, nil
	}

	// La ventana arranca en el primer intento: el primer INCR fija el TTL y
	// los intentos siguientes heredan el vencimiento. Así el sexto intento en
	// quince minutos se frena aunque cruce un borde de hora calendario.
	counterKey := s.counterKey(action, id)
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, counterKey)
	winTTL := pipe.TTL(ctx, counterKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return s.failOpen(p, "incr ventana", err), nil
	}
	remain := winTTL.Val()
	if incr.Val() == 1 || remain < 0 {
		_ = s.client.Expire(ctx, counterKey, p.Window).Err()
		remain = p.Window
	}
	resetAt := s.now().Add(remain)

	hits := incr.Val()
	if hits <= int64(p.Limit) {
		return Verdict{Allowed: true, Limit: p.Limit, Remaining: int64(p.Limit) - hits, ResetAt: resetAt}, nil
	}

	// Excedido: se instala el bloqueo de la acción y se registra el evento.
	if err := s.block(ctx, action, id, p.Block); err != nil {
		s.log.Warn("no se pudo instalar bloqueo", logger.Action(action), logger.Identifier(id), logger.Err(err))
	}
	s.record(ctx, action, id, "blocked", map[string]string{"hits": fmt.Sprintf("%d", hits)})

	retry := p.Block
	if retry <= 0 {
		retry = remain
	}
	return Verdict{Allowed: false, Blocked: true, Limit: p.Limit, ResetAt: s.now().Add(retry), RetryAfter: retry}, nil
}

// RecordFailure registra un intento fallido (alimenta eventos y stats).
func (s *Service) RecordFailure(ctx context.Context, action, identifier string, meta map[string]string) {
	s.record(ctx, action, sanitize(identifier), "failure", meta)
}

// RecordSuccess registra un intento exitoso.
func (s *Service) RecordSuccess(ctx context.Context, action, identifier string, meta map[string]string) {
	s.record(ctx, action, sanitize(identifier), "success", meta)
}

// Unblock levanta el bloqueo manualmente (soporte / admin).
func (s *Service) Unblock(ctx context.Context, action, identifier string) error {
	if !s.enabled {
		return nil
	}
	id := sanitize(identifier)
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.blockKey(action, id))
	pipe.ZRem(ctx, s.blockedSetKey(action), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("rate: unblock: %w", err)
	}
	s.record(ctx, action, id, "unblocked", nil)
	return nil
}

// Events devuelve los últimos eventos del identificador, el más reciente primero.
func (s *Service) Events(ctx context.Context, action, identifier string, n int64) ([]Event, error) {
	if !s.enabled {
		return nil, nil
	}
	if n <= 0 || n > eventsKeep {
		n = eventsKeep
	}
	raw, err := s.client.LRange(ctx, s.eventsKey(action, sanitize(identifier)), 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("rate: events: %w", err)
	}
	out := make([]Event, 0, len(raw))
	for _, r := range raw {
		var e Event
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			continue // entrada corrupta, se salta
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Service) block(ctx context.Context, action, id string, d time.Duration) error {
	if d <= 0 {
		d = 15 * time.Minute
	}
	until := s.now().Add(d)
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.blockKey(action, id), until.Format(time.RFC3339), d)
	pipe.ZAdd(ctx, s.blockedSetKey(action), rdb.Z{Score: float64(until.Unix()), Member: id})
	pipe.Expire(ctx, s.blockedSetKey(action), topOffendersTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// record escribe el evento en la lista capada del identificador y actualiza
// los agregados (HLL de identificadores, contadores horarios, top offenders).
// Best-effort: un Redis con hipo no debe afectar la request.
func (s *Service) record(ctx context.Context, action, id, event string, meta map[string]string) {
	if !s.enabled {
		return
	}
	now := s.now()
	payload, err := json.Marshal(Event{At: now, Event: event, Meta: meta})
	if err != nil {
		return
	}
	bucket := now.Format("2006010215")

	pipe := s.client.TxPipeline()
	evKey := s.eventsKey(action, id)
	pipe.LPush(ctx, evKey, payload)
	pipe.LTrim(ctx, evKey, 0, eventsKeep-1)
	pipe.Expire(ctx, evKey, eventsTTL)

	hll := fmt.Sprintf("%sstats:hll:%s:%s", s.prefix, action, bucket)
	pipe.PFAdd(ctx, hll, id)
	pipe.Expire(ctx, hll, statsBucketTTL)

	req := fmt.Sprintf("%sstats:req:%s:%s", s.prefix, action, bucket)
	pipe.Incr(ctx, req)
	pipe.Expire(ctx, req, statsBucketTTL)

	if event == "failure" || event == "blocked" {
		cnt := fmt.Sprintf("%sstats:fail:%s:%s", s.prefix, action, bucket)
		pipe.Incr(ctx, cnt)
		pipe.Expire(ctx, cnt, statsBucketTTL)

		top := fmt.Sprintf("%sstats:top:%s", s.prefix, action)
		pipe.ZIncrBy(ctx, top, 1, id)
		pipe.Expire(ctx, top, topOffendersTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.log.Debug("evento de seguridad no registrado", logger.Action(action), logger.Err(err))
	}
}

func (s *Service) failOpen(p Policy, op string, err error) Verdict {
	s.log.Warn("redis no disponible, rate limit en fail-open", zap.String("op", op), logger.Err(err))
	return Verdict{Allowed: true, Limit: p.Limit, Remaining: int64(p.Limit)}
}

func (s *Service) blockKey(action, id string) string {
	return fmt.Sprintf("%sblock:%s:%s", s.prefix, action, id)
}

func (s *Service) counterKey(action, id string) string {
	return fmt.Sprintf("%swin:%s:%s", s.prefix, action, id)
}

func (s *Service) blockedSetKey(action string) string {
	return fmt.Sprintf("%sblocked:%s", s.prefix, action)
}

func (s *Service) eventsKey(action, id string) string {
	return fmt.Sprintf("%sevents:%s:%s", s.prefix, action, id)
}

func sanitize(identifier string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(identifier)), " ", "_")
}
