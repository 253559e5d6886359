package rate

import (
	"context"
	"fmt"
	"strconv"
	"time"

	rdb "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// rangeHours normaliza el rango pedido a horas de buckets. Cualquier valor
// desconocido cae en 24h.
func rangeHours(rng string) (string, int) {
	switch rng {
	case "1h":
		return "1h", 1
	case "7d":
		return "7d", 7 * 24
	default:
		return "24h", 24
	}
}

// StatsFor agrega la actividad de una acción en el rango pedido (1h, 24h o
// 7d). Las lecturas (HLL, contadores horarios, bloqueados+ranking) van en
// paralelo.
func (s *Service) StatsFor(ctx context.Context, action, rng string) (*Stats, error) {
	label, hours := rangeHours(rng)
	out := &Stats{Action: action, Range: label, TopOffenders: []Offender{}}
	if !s.enabled {
		return out, nil
	}
	now := s.now()
	buckets := hourBuckets(now, hours)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		keys := make([]string, len(buckets))
		for i, b := range buckets {
			keys[i] = fmt.Sprintf("%sstats:hll:%s:%s", s.prefix, action, b)
		}
		n, err := s.client.PFCount(gctx, keys...).Result()
		if err != nil {
			return fmt.Errorf("pfcount: %w", err)
		}
		out.Unique = n
		return nil
	})

	g.Go(func() error {
		var err error
		if out.Total, err = s.sumBuckets(gctx, "req", action, buckets); err != nil {
			return fmt.Errorf("mget totales: %w", err)
		}
		if out.Failures, err = s.sumBuckets(gctx, "fail", action, buckets); err != nil {
			return fmt.Errorf("mget fallas: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		setKey := s.blockedSetKey(action)
		// Limpia entradas cuyo bloqueo ya venció antes de contar.
		if err := s.client.ZRemRangeByScore(gctx, setKey, "-inf", fmt.Sprintf("%d", now.Unix())).Err(); err != nil {
			return fmt.Errorf("zremrangebyscore: %w", err)
		}
		blocked, err := s.client.ZCard(gctx, setKey).Result()
		if err != nil {
			return fmt.Errorf("zcard: %w", err)
		}
		out.Blocked = blocked

		top, err := s.client.ZRevRangeWithScores(gctx, fmt.Sprintf("%sstats:top:%s", s.prefix, action), 0, 9).Result()
		if err != nil {
			return fmt.Errorf("zrevrange: %w", err)
		}
		for _, z := range top {
			id, _ := z.Member.(string)
			out.TopOffenders = append(out.TopOffenders, Offender{Identifier: id, Count: int64(z.Score)})
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("rate: stats %s: %w", action, err)
	}
	return out, nil
}

// sumBuckets suma los contadores horarios de una familia (req | fail).
func (s *Service) sumBuckets(ctx context.Context, family, action string, buckets []string) (int64, error) {
	keys := make([]string, len(buckets))
	for i, b := range buckets {
		keys[i] = fmt.Sprintf("%sstats:%s:%s:%s", s.prefix, family, action, b)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		if n, err := strconv.ParseInt(str, 10, 64); err == nil {
			total += n
		}
	}
	return total, nil
}

// StatsAll devuelve las stats de todas las acciones configuradas.
func (s *Service) StatsAll(ctx context.Context, rng string) (map[string]*Stats, error) {
	out := make(map[string]*Stats, len(s.policies))
	for action := range s.policies {
		st, err := s.StatsFor(ctx, action, rng)
		if err != nil {
			return nil, err
		}
		out[action] = st
	}
	return out, nil
}

// BlockedIdentifiers lista los identificadores actualmente bloqueados con su
// fecha de expiración.
func (s *Service) BlockedIdentifiers(ctx context.Context, action string) (map[string]time.Time, error) {
	if !s.enabled {
		return nil, nil
	}
	now := s.now()
	entries, err := s.client.ZRangeByScoreWithScores(ctx, s.blockedSetKey(action), &rdb.ZRangeBy{
		Min: fmt.Sprintf("%d", now.Unix()),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("rate: blocked %s: %w", action, err)
	}
	out := make(map[string]time.Time, len(entries))
	for _, z := range entries {
		id, _ := z.Member.(string)
		out[id] = time.Unix(int64(z.Score), 0).UTC()
	}
	return out, nil
}

func hourBuckets(now time.Time, n int) []string {
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, now.Add(-time.Duration(i)*time.Hour).Format("2006010215"))
	}
	return out
}
