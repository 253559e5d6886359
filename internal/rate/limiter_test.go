package rate

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	rdb "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := rdb.NewClient(&rdb.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s := New(client, "test:rl:", nil, true)
	base := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }
	return s, mr
}

func TestCheckAllowsUnderLimit(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		v, err := s.Check(ctx, ActionLogin, "user@example.com")
		require.NoError(t, err)
		assert.True(t, v.Allowed, "intento %d", i+1)
		assert.Equal(t, int64(5-i-1), v.Remaining)
	}
}

func TestCheckBlocksWhenExceeded(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.Check(ctx, ActionLogin, "abuser@example.com")
		require.NoError(t, err)
	}
	v, err := s.Check(ctx, ActionLogin, "abuser@example.com")
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.True(t, v.Blocked)
	assert.Equal(t, 15*time.Minute, v.RetryAfter)
}

func TestWindowAnchoredAtFirstAttempt(t *testing.T) {
	s, mr := newTestService(t)
	ctx := context.Background()

	// Ráfaga que arranca a las 11:58 y sigue pasadas las 12:00: los intentos
	// comparten la ventana aunque crucen el borde de hora calendario.
	s.now = func() time.Time { return time.Date(2026, 8, 28, 11, 58, 0, 0, time.UTC) }
	for i := 0; i < 5; i++ {
		v, err := s.Check(ctx, ActionLogin, "user@example.com")
		require.NoError(t, err)
		require.True(t, v.Allowed, "intento %d", i+1)
	}
	mr.FastForward(6 * time.Minute)
	s.now = func() time.Time { return time.Date(2026, 8, 28, 12, 4, 0, 0, time.UTC) }

	v, err := s.Check(ctx, ActionLogin, "user@example.com")
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.True(t, v.Blocked)

	// Pasada la ventana (y el bloqueo) el contador arranca de cero.
	mr.FastForward(16 * time.Minute)
	s.now = func() time.Time { return time.Date(2026, 8, 28, 12, 20, 0, 0, time.UTC) }
	v, err = s.Check(ctx, ActionLogin, "user@example.com")
	require.NoError(t, err)
	assert.True(t, v.Allowed)
	assert.Equal(t, int64(4), v.Remaining)
}

func TestVerdictCarriesResetAt(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	v, err := s.Check(ctx, ActionLogin, "user@example.com")
	require.NoError(t, err)
	assert.Equal(t, s.now().Add(15*time.Minute), v.ResetAt)

	for i := 0; i < 5; i++ {
		v, err = s.Check(ctx, ActionLogin, "user@example.com")
		require.NoError(t, err)
	}
	require.False(t, v.Allowed)
	assert.Equal(t, s.now().Add(15*time.Minute), v.ResetAt) // vencimiento del bloqueo
}

func TestBlockHasPrecedenceOverWindow(t *testing.T) {
	s, mr := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, err := s.Check(ctx, ActionLogin, "abuser@example.com")
		require.NoError(t, err)
	}
	// La ventana se vacía pero el bloqueo sigue vigente.
	mr.FastForward(14 * time.Minute)
	v, err := s.Check(ctx, ActionLogin, "abuser@example.com")
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.True(t, v.Blocked)
	assert.LessOrEqual(t, v.RetryAfter, time.Minute)
}

func TestBlockExpires(t *testing.T) {
	s, mr := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, err := s.Check(ctx, ActionLogin, "abuser@example.com")
		require.NoError(t, err)
	}
	mr.FastForward(16 * time.Minute)
	s.now = func() time.Time { return time.Date(2026, 8, 28, 12, 16, 0, 0, time.UTC) }

	v, err := s.Check(ctx, ActionLogin, "abuser@example.com")
	require.NoError(t, err)
	assert.True(t, v.Allowed)
}

func TestUnblock(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, err := s.Check(ctx, ActionLogin, "abuser@example.com")
		require.NoError(t, err)
	}
	require.NoError(t, s.Unblock(ctx, ActionLogin, "abuser@example.com"))

	v, err := s.Check(ctx, ActionLogin, "abuser@example.com")
	require.NoError(t, err)
	assert.True(t, v.Allowed)
}

func TestIndependentIdentifiersAndActions(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, err := s.Check(ctx, ActionLogin, "abuser@example.com")
		require.NoError(t, err)
	}
	// Otro identificador en la misma acción no queda afectado.
	v, err := s.Check(ctx, ActionLogin, "other@example.com")
	require.NoError(t, err)
	assert.True(t, v.Allowed)

	// El mismo identificador en otra acción tampoco.
	v, err = s.Check(ctx, ActionPasswordReset, "abuser@example.com")
	require.NoError(t, err)
	assert.True(t, v.Allowed)
}

func TestFailOpenWhenRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := rdb.NewClient(&rdb.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s := New(client, "test:rl:", nil, true)
	mr.Close()

	v, err := s.Check(context.Background(), ActionLogin, "user@example.com")
	require.NoError(t, err)
	assert.True(t, v.Allowed)
}

func TestDisabledAlwaysAllows(t *testing.T) {
	s := New(nil, "", nil, false)
	for i := 0; i < 100; i++ {
		v, err := s.Check(context.Background(), ActionLogin, "user@example.com")
		require.NoError(t, err)
		assert.True(t, v.Allowed)
	}
}

func TestEventsRecordedAndCapped(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < eventsKeep+20; i++ {
		s.RecordFailure(ctx, ActionLogin, "user@example.com", map[string]string{"n": fmt.Sprintf("%d", i)})
	}
	evs, err := s.Events(ctx, ActionLogin, "user@example.com", 0)
	require.NoError(t, err)
	assert.Len(t, evs, eventsKeep)
	// El más reciente primero.
	assert.Equal(t, "failure", evs[0].Event)
	assert.Equal(t, fmt.Sprintf("%d", eventsKeep+19), evs[0].Meta["n"])
}

func TestStatsAggregates(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	s.RecordFailure(ctx, ActionLogin, "a@example.com", nil)
	s.RecordFailure(ctx, ActionLogin, "a@example.com", nil)
	s.RecordFailure(ctx, ActionLogin, "b@example.com", nil)
	s.RecordSuccess(ctx, ActionLogin, "c@example.com", nil)

	for i := 0; i < 6; i++ {
		_, err := s.Check(ctx, ActionLogin, "d@example.com")
		require.NoError(t, err)
	}

	st, err := s.StatsFor(ctx, ActionLogin, "24h")
	require.NoError(t, err)
	assert.Equal(t, ActionLogin, st.Action)
	assert.Equal(t, "24h", st.Range)
	assert.Equal(t, int64(5), st.Total)    // 3 fallas + 1 éxito + 1 blocked
	assert.Equal(t, int64(4), st.Failures) // 3 fallas + 1 blocked
	assert.Equal(t, int64(1), st.Blocked)
	assert.GreaterOrEqual(t, st.Unique, int64(4))
	require.NotEmpty(t, st.TopOffenders)
	assert.Equal(t, "a@example.com", st.TopOffenders[0].Identifier)
	assert.Equal(t, int64(2), st.TopOffenders[0].Count)
}

func TestStatsRanges(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	s.RecordFailure(ctx, ActionLogin, "a@example.com", nil)

	// Un rango desconocido cae en 24h; 1h y 7d cubren el bucket actual.
	for _, rng := range []string{"1h", "7d", "banana"} {
		st, err := s.StatsFor(ctx, ActionLogin, rng)
		require.NoError(t, err)
		assert.Equal(t, int64(1), st.Failures, "rango %s", rng)
		assert.Equal(t, int64(1), st.Total, "rango %s", rng)
	}
	st, err := s.StatsFor(ctx, ActionLogin, "banana")
	require.NoError(t, err)
	assert.Equal(t, "24h", st.Range)
}

func TestBlockedIdentifiers(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, err := s.Check(ctx, ActionLogin, "abuser@example.com")
		require.NoError(t, err)
	}
	blocked, err := s.BlockedIdentifiers(ctx, ActionLogin)
	require.NoError(t, err)
	require.Len(t, blocked, 1)
	until, ok := blocked["abuser@example.com"]
	require.True(t, ok)
	assert.Equal(t, s.now().Add(15*time.Minute).Unix(), until.Unix())
}

func TestMergePolicies(t *testing.T) {
	merged := MergePolicies(map[string]Policy{
		ActionLogin: {Limit: 10},
		"custom":    {Limit: 2, Window: time.Minute, Block: time.Minute},
	})
	assert.Equal(t, 10, merged[ActionLogin].Limit)
	assert.Equal(t, 15*time.Minute, merged[ActionLogin].Window) // default conservado
	assert.Equal(t, 2, merged["custom"].Limit)
	assert.Equal(t, 3, merged[ActionPasswordReset].Limit)
}
