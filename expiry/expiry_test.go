package expiry

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/InsulaLabs/ephemera/seal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	mu   sync.Mutex
	seen []Expiration
}

func (r *recorder) hook(e Expiration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, e)
}

func (r *recorder) byID(id string) (Expiration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.seen {
		if e.FragmentID == id {
			return e, true
		}
	}
	return Expiration{}, false
}

func newTestScheduler(t *testing.T, capacity int) *Scheduler {
	t.Helper()
	s := New(Config{
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Capacity: capacity,
	})
	s.Start()
	t.Cleanup(s.Stop)
	return s
}

func newKey(t *testing.T) *seal.Key {
	t.Helper()
	k, err := seal.NewKey()
	require.NoError(t, err)
	return k
}

func ticket(id string, ttl time.Duration) Ticket {
	return Ticket{FragmentID: id, PayloadID: "payload", ExpiresAt: time.Now().Add(ttl)}
}

func TestScheduler_KeyUntilExpiry(t *testing.T) {
	s := newTestScheduler(t, 0)
	rec := &recorder{}
	s.OnExpire(rec.hook)

	key := newKey(t)
	require.NoError(t, s.Schedule(ticket("f1", 100*time.Millisecond), key))

	got, err := s.Key("f1")
	require.NoError(t, err)
	assert.Same(t, key, got)

	require.Eventually(t, func() bool {
		_, ok := rec.byID("f1")
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	exp, _ := rec.byID("f1")
	assert.Equal(t, ReasonExpired, exp.Reason)
	assert.False(t, exp.DestroyedAt.Before(exp.ExpiresAt), "key destroyed before its expiry timestamp")
	assert.True(t, key.Destroyed())

	_, err = s.Key("f1")
	assert.ErrorIs(t, err, ErrExpired)
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, uint64(1), s.Stats().Expired)
}

func TestScheduler_KeyChecksDeadlineBeforeSweep(t *testing.T) {
	s := New(Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	defer s.Stop()

	// Not started: the cache never sweeps, so only the deadline check in Key applies.
	key := newKey(t)
	require.NoError(t, s.Schedule(ticket("f1", 30*time.Millisecond), key))
	time.Sleep(60 * time.Millisecond)

	_, err := s.Key("f1")
	assert.ErrorIs(t, err, ErrExpired)
	assert.Eventually(t, key.Destroyed, time.Second, 5*time.Millisecond)
}

func TestScheduler_Discard(t *testing.T) {
	s := newTestScheduler(t, 0)
	rec := &recorder{}
	s.OnExpire(rec.hook)

	key := newKey(t)
	require.NoError(t, s.Schedule(ticket("f1", time.Minute), key))

	assert.True(t, s.Discard("f1"))
	assert.False(t, s.Discard("f1"))

	require.Eventually(t, func() bool {
		_, ok := rec.byID("f1")
		return ok
	}, time.Second, 5*time.Millisecond)

	exp, _ := rec.byID("f1")
	assert.Equal(t, ReasonDiscarded, exp.Reason)
	assert.True(t, key.Destroyed())

	_, err := s.Key("f1")
	assert.ErrorIs(t, err, ErrExpired)
}

func TestScheduler_ScheduleErrors(t *testing.T) {
	s := newTestScheduler(t, 2)

	t.Run("nil key", func(t *testing.T) {
		assert.ErrorIs(t, s.Schedule(ticket("nil", time.Minute), nil), ErrNilKey)
	})

	t.Run("already expired", func(t *testing.T) {
		key := newKey(t)
		err := s.Schedule(Ticket{FragmentID: "late", ExpiresAt: time.Now().Add(-time.Second)}, key)
		assert.ErrorIs(t, err, ErrAlreadyExpired)
		assert.True(t, key.Destroyed(), "a key that can never be valid must be destroyed")
	})

	t.Run("duplicate", func(t *testing.T) {
		require.NoError(t, s.Schedule(ticket("dup", time.Minute), newKey(t)))
		assert.ErrorIs(t, s.Schedule(ticket("dup", time.Minute), newKey(t)), ErrAlreadyScheduled)
	})

	t.Run("capacity", func(t *testing.T) {
		require.NoError(t, s.Schedule(ticket("second", time.Minute), newKey(t)))
		assert.ErrorIs(t, s.Schedule(ticket("third", time.Minute), newKey(t)), ErrCapacity)
	})
}

func TestScheduler_StopDestroysRemainingKeys(t *testing.T) {
	s := New(Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	s.Start()

	keys := []*seal.Key{newKey(t), newKey(t), newKey(t)}
	for i, k := range keys {
		require.NoError(t, s.Schedule(ticket(fmt.Sprintf("f%d", i), time.Hour), k))
	}

	s.Stop()
	s.Stop()

	for _, k := range keys {
		assert.Eventually(t, k.Destroyed, time.Second, 5*time.Millisecond)
	}
	assert.Equal(t, 0, s.Len())
}

func TestScheduler_ScheduleAfterStop(t *testing.T) {
	s := New(Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	s.Start()
	s.Stop()

	key := newKey(t)
	assert.ErrorIs(t, s.Schedule(ticket("late", time.Hour), key), ErrStopped)
	assert.True(t, key.Destroyed(), "a key handed to a stopped scheduler must not outlive it")
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, uint64(0), s.Stats().Scheduled)
}

func TestScheduler_Unsubscribe(t *testing.T) {
	s := newTestScheduler(t, 0)
	kept := &recorder{}
	dropped := &recorder{}
	s.OnExpire(kept.hook)
	unsubscribe := s.OnExpire(dropped.hook)
	unsubscribe()

	require.NoError(t, s.Schedule(ticket("f1", time.Minute), newKey(t)))
	s.Discard("f1")

	require.Eventually(t, func() bool {
		_, ok := kept.byID("f1")
		return ok
	}, time.Second, 5*time.Millisecond)

	_, ok := dropped.byID("f1")
	assert.False(t, ok)
}

func TestScheduler_ManyKeysExpire(t *testing.T) {
	s := newTestScheduler(t, 0)
	rec := &recorder{}
	s.OnExpire(rec.hook)

	const n = 50
	for i := 0; i < n; i++ {
		require.NoError(t, s.Schedule(ticket(fmt.Sprintf("f%d", i), time.Duration(20+i)*time.Millisecond), newKey(t)))
	}

	require.Eventually(t, func() bool {
		return s.Stats().Expired == n
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(n), s.Stats().Scheduled)
}
