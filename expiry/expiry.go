package expiry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/InsulaLabs/ephemera/seal"
	"github.com/jellydator/ttlcache/v3"
)

var (
	ErrExpired          = errors.New("fragment key expired")
	ErrAlreadyExpired   = errors.New("expiry timestamp is not in the future")
	ErrAlreadyScheduled = errors.New("fragment already scheduled")
	ErrCapacity         = errors.New("scheduler at capacity")
	ErrNilKey           = errors.New("key is nil")
	ErrStopped          = errors.New("scheduler stopped")
)

type Reason int32

const (
	reasonUnset Reason = iota
	ReasonExpired
	ReasonDiscarded
	ReasonShutdown
)

func (r Reason) String() string {
	switch r {
	case ReasonExpired:
		return "expired"
	case ReasonDiscarded:
		return "discarded"
	case ReasonShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Ticket identifies the fragment a key belongs to and when it must die.
type Ticket struct {
	FragmentID string
	PayloadID  string
	Index      int
	ExpiresAt  time.Time
}

type Expiration struct {
	Ticket
	Reason      Reason
	DestroyedAt time.Time
}

type Stats struct {
	Live      int
	Scheduled uint64
	Expired   uint64
	Discarded uint64
	Shutdown  uint64
}

type Config struct {
	Logger *slog.Logger

	// Capacity caps the number of live keys. Zero means unbounded.
	Capacity int
}

type entry struct {
	ticket Ticket
	key    *seal.Key
	reason atomic.Int32
}

// Scheduler owns fragment keys in memory and destroys each one when its
// ticket expires. Hooks registered with OnExpire run on a dedicated
// goroutine, never under the cache lock, so they may call back into the
// Scheduler.
type Scheduler struct {
	logger   *slog.Logger
	capacity int
	cache    *ttlcache.Cache[string, *entry]

	scheduleMu sync.Mutex
	stopped    bool

	hooksMu  sync.RWMutex
	hooks    map[uint64]func(Expiration)
	nextHook uint64

	pendingMu sync.Mutex
	pending   []Expiration
	signal    chan struct{}

	running  atomic.Bool
	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup

	scheduled atomic.Uint64
	expired   atomic.Uint64
	discarded atomic.Uint64
	shutdown  atomic.Uint64
}

func New(config Config) *Scheduler {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cache := ttlcache.New[string, *entry](
		// Reads must never extend a key's lifetime.
		ttlcache.WithDisableTouchOnHit[string, *entry](),
	)

	s := &Scheduler{
		logger:   logger.WithGroup("expiry"),
		capacity: config.Capacity,
		cache:    cache,
		hooks:    make(map[uint64]func(Expiration)),
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	cache.OnEviction(s.onEviction)
	return s
}

// Start runs the expiry loop and the hook dispatcher.
func (s *Scheduler) Start() {
	if s.running.Swap(true) {
		return
	}
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.cache.Start()
	}()
	go s.dispatchLoop()
	s.logger.Info("expiry scheduler started", "capacity", s.capacity)
}

// Stop destroys every remaining key with ReasonShutdown and waits for the
// dispatcher to deliver outstanding expirations. Schedule fails with
// ErrStopped afterwards.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.scheduleMu.Lock()
		s.stopped = true
		for _, item := range s.cache.Items() {
			item.Value().reason.CompareAndSwap(int32(reasonUnset), int32(ReasonShutdown))
		}
		s.cache.DeleteAll()
		s.scheduleMu.Unlock()

		if s.running.Load() {
			s.cache.Stop()
		}
		close(s.done)
		s.wg.Wait()
		s.logger.Info("expiry scheduler stopped")
	})
}

func (s *Scheduler) Schedule(ticket Ticket, key *seal.Key) error {
	if key == nil {
		return ErrNilKey
	}

	ttl := time.Until(ticket.ExpiresAt)
	if ttl <= 0 {
		key.Destroy()
		return ErrAlreadyExpired
	}

	s.scheduleMu.Lock()
	defer s.scheduleMu.Unlock()

	if s.stopped {
		key.Destroy()
		return ErrStopped
	}
	if s.cache.Has(ticket.FragmentID) {
		return ErrAlreadyScheduled
	}
	if s.capacity > 0 && s.cache.Len() >= s.capacity {
		return ErrCapacity
	}

	s.cache.Set(ticket.FragmentID, &entry{ticket: ticket, key: key}, ttl)
	s.scheduled.Add(1)
	s.logger.Debug("key scheduled", "fragment_id", ticket.FragmentID, "payload_id", ticket.PayloadID, "ttl", ttl)
	return nil
}

// Key returns the live key for a fragment. A key whose expiry timestamp
// has passed is destroyed here even if the cache has not swept it yet.
func (s *Scheduler) Key(fragmentID string) (*seal.Key, error) {
	item := s.cache.Get(fragmentID)
	if item == nil {
		return nil, ErrExpired
	}
	e := item.Value()
	if !time.Now().Before(e.ticket.ExpiresAt) {
		e.reason.CompareAndSwap(int32(reasonUnset), int32(ReasonExpired))
		s.cache.Delete(fragmentID)
		return nil, ErrExpired
	}
	return e.key, nil
}

// Discard destroys a key ahead of its expiry. It reports whether a live key
// was found.
func (s *Scheduler) Discard(fragmentID string) bool {
	item := s.cache.Get(fragmentID)
	if item == nil {
		return false
	}
	item.Value().reason.CompareAndSwap(int32(reasonUnset), int32(ReasonDiscarded))
	s.cache.Delete(fragmentID)
	return true
}

// OnExpire registers fn for every destroyed key. The returned func removes it.
func (s *Scheduler) OnExpire(fn func(Expiration)) func() {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()

	id := s.nextHook
	s.nextHook++
	s.hooks[id] = fn

	return func() {
		s.hooksMu.Lock()
		defer s.hooksMu.Unlock()
		delete(s.hooks, id)
	}
}

func (s *Scheduler) Len() int {
	return s.cache.Len()
}

func (s *Scheduler) Stats() Stats {
	return Stats{
		Live:      s.cache.Len(),
		Scheduled: s.scheduled.Load(),
		Expired:   s.expired.Load(),
		Discarded: s.discarded.Load(),
		Shutdown:  s.shutdown.Load(),
	}
}

// Runs under ttlcache's lock: destroy the key, queue the notice, return.
func (s *Scheduler) onEviction(_ context.Context, cause ttlcache.EvictionReason, item *ttlcache.Item[string, *entry]) {
	e := item.Value()
	e.key.Destroy()

	reason := Reason(e.reason.Load())
	if reason == reasonUnset {
		if cause == ttlcache.EvictionReasonExpired {
			reason = ReasonExpired
		} else {
			reason = ReasonDiscarded
		}
	}

	switch reason {
	case ReasonExpired:
		s.expired.Add(1)
	case ReasonDiscarded:
		s.discarded.Add(1)
	case ReasonShutdown:
		s.shutdown.Add(1)
	}

	s.pendingMu.Lock()
	s.pending = append(s.pending, Expiration{
		Ticket:      e.ticket,
		Reason:      reason,
		DestroyedAt: time.Now(),
	})
	s.pendingMu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Scheduler) dispatchLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.signal:
			s.drain()
		case <-s.done:
			s.drain()
			return
		}
	}
}

func (s *Scheduler) drain() {
	s.pendingMu.Lock()
	batch := s.pending
	s.pending = nil
	s.pendingMu.Unlock()

	if len(batch) == 0 {
		return
	}

	s.hooksMu.RLock()
	hooks := make([]func(Expiration), 0, len(s.hooks))
	for _, fn := range s.hooks {
		hooks = append(hooks, fn)
	}
	s.hooksMu.RUnlock()

	for _, exp := range batch {
		s.logger.Debug("key destroyed", "fragment_id", exp.FragmentID, "payload_id", exp.PayloadID, "reason", exp.Reason.String())
		for _, fn := range hooks {
			fn(exp)
		}
	}
}
