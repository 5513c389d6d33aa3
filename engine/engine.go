package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/InsulaLabs/ephemera/db/models"
	"github.com/InsulaLabs/ephemera/db/tkv"
	"github.com/InsulaLabs/ephemera/expiry"
	"github.com/InsulaLabs/ephemera/fragment"
	"github.com/InsulaLabs/ephemera/internal/events"
	"github.com/InsulaLabs/ephemera/noise"
	"github.com/InsulaLabs/ephemera/reconstruct"
	"github.com/InsulaLabs/ephemera/seal"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultFragmentCount  = 7
	DefaultOverlapPercent = 20
	DefaultTTL            = 30 * time.Second
	DefaultNoiseMin       = 8
	DefaultNoiseMax       = 64
	DefaultMaxPayloadSize = 4 << 20
	DefaultRecordGrace    = 2 * time.Second

	emitterID = "engine"
)

var (
	ErrPayloadNotFound = errors.New("payload not found")
	ErrUnrecoverable   = errors.New("payload is unrecoverable")
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")
	ErrInvalidQuorum   = errors.New("quorum must be between 0 and the fragment count")
	ErrIntegrity       = errors.New("reassembled payload failed integrity check")
	ErrClosed          = errors.New("engine closed")
	ErrNoStore         = errors.New("engine requires a store")
)

// Defaults apply to every Store call that leaves the matching option unset.
type Defaults struct {
	Count          int
	OverlapPercent float64
	TTL            time.Duration
	Quorum         int
}

type Config struct {
	Logger *slog.Logger
	Store  tkv.TKV

	// Events is optional. Lifecycle events are dropped when nil.
	Events events.PubSub

	Defaults Defaults

	// NoiseMin and NoiseMax bound the padding on each side of a fragment.
	// Both zero selects DefaultNoiseMin and DefaultNoiseMax.
	NoiseMin int
	NoiseMax int

	MaxPayloadSize   int
	MaxLiveFragments int

	// RecordGrace is added to the badger TTL of sealed records. Keys are
	// destroyed at the exact timestamp; the records only need to outlive them.
	RecordGrace time.Duration

	// ManifestRetention keeps manifests around after their payload expired so
	// callers can still learn what happened to it.
	ManifestRetention time.Duration
}

// StoreOptions override the configured Defaults for a single payload.
type StoreOptions struct {
	Count          int
	OverlapPercent *float64
	TTL            time.Duration
	Quorum         int
}

// payloadState tracks which fragments of a payload still have a live key.
type payloadState struct {
	manifest  *models.Manifest
	need      int
	live      map[int]bool
	lost      bool
	destroyed bool
}

func (s *payloadState) recoverable() bool {
	if len(s.live) < s.need {
		return false
	}
	cursor := 0
	for _, ref := range s.manifest.Fragments {
		if !s.live[ref.Index] {
			continue
		}
		if ref.Offset > cursor {
			return false
		}
		cursor = max(cursor, ref.Offset+ref.Length)
	}
	return cursor >= s.manifest.Size
}

type Engine struct {
	logger    *slog.Logger
	store     tkv.TKV
	scheduler *expiry.Scheduler
	injector  *noise.Injector

	defaults          Defaults
	maxPayloadSize    int
	recordGrace       time.Duration
	manifestRetention time.Duration

	publishers map[string]events.TopicPublisher
	startedAt  time.Time

	mu       sync.Mutex
	payloads map[string]*payloadState

	closed    atomic.Bool
	closeOnce sync.Once

	storedCount    atomic.Uint64
	retrievedCount atomic.Uint64
	failedCount    atomic.Uint64
	destroyedCount atomic.Uint64
	expiredCount   atomic.Uint64
}

// Open starts an engine over config.Store. Records written by a previous
// process are purged first: their keys did not survive the restart.
func Open(config Config) (*Engine, error) {
	if config.Store == nil {
		return nil, ErrNoStore
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.WithGroup("engine")

	defaults := config.Defaults
	if defaults.Count <= 0 {
		defaults.Count = DefaultFragmentCount
	}
	if defaults.TTL <= 0 {
		defaults.TTL = DefaultTTL
	}
	if defaults.OverlapPercent < 0 || defaults.OverlapPercent > 100 {
		return nil, fragment.ErrInvalidOverlap
	}
	if defaults.Quorum < 0 || defaults.Quorum > defaults.Count {
		return nil, ErrInvalidQuorum
	}

	noiseMin, noiseMax := config.NoiseMin, config.NoiseMax
	if noiseMin == 0 && noiseMax == 0 {
		noiseMin, noiseMax = DefaultNoiseMin, DefaultNoiseMax
	}
	injector, err := noise.New(noiseMin, noiseMax)
	if err != nil {
		return nil, err
	}

	maxPayloadSize := config.MaxPayloadSize
	if maxPayloadSize <= 0 {
		maxPayloadSize = DefaultMaxPayloadSize
	}
	recordGrace := config.RecordGrace
	if recordGrace <= 0 {
		recordGrace = DefaultRecordGrace
	}

	for _, prefix := range []string{fragmentPrefix, manifestPrefix} {
		n, err := config.Store.DropPrefix(prefix)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to purge stale %s records", prefix)
		}
		if n > 0 {
			logger.Warn("purged records from a previous process", "prefix", prefix, "count", n)
		}
	}

	e := &Engine{
		logger:            logger,
		store:             config.Store,
		injector:          injector,
		defaults:          defaults,
		maxPayloadSize:    maxPayloadSize,
		recordGrace:       recordGrace,
		manifestRetention: config.ManifestRetention,
		publishers:        make(map[string]events.TopicPublisher),
		startedAt:         time.Now(),
		payloads:          make(map[string]*payloadState),
	}

	if config.Events != nil {
		for _, topic := range models.LifecycleTopics {
			pub, err := config.Events.GetPublisher(emitterID, topic)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to get publisher for %s", topic)
			}
			e.publishers[topic] = pub
		}
	}

	e.scheduler = expiry.New(expiry.Config{
		Logger:   logger,
		Capacity: config.MaxLiveFragments,
	})
	e.scheduler.OnExpire(e.onExpiration)
	e.scheduler.Start()

	logger.Info("engine opened",
		"count", defaults.Count,
		"overlap_percent", defaults.OverlapPercent,
		"ttl", defaults.TTL,
		"quorum", defaults.Quorum,
		"noise_min", noiseMin,
		"noise_max", noiseMax,
	)
	return e, nil
}

// Close destroys every live key. The store is left open for its owner.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		e.scheduler.Stop()
		e.logger.Info("engine closed")
	})
	return nil
}

func (e *Engine) resolve(opts StoreOptions) (fragment.Options, int, error) {
	resolved := fragment.Options{
		Count:          e.defaults.Count,
		OverlapPercent: e.defaults.OverlapPercent,
		TTL:            e.defaults.TTL,
	}
	quorum := e.defaults.Quorum

	if opts.Count > 0 {
		resolved.Count = opts.Count
	}
	if opts.OverlapPercent != nil {
		resolved.OverlapPercent = *opts.OverlapPercent
	}
	if opts.TTL > 0 {
		resolved.TTL = opts.TTL
	}
	if opts.Quorum != 0 {
		quorum = opts.Quorum
	}
	if quorum < 0 || quorum > resolved.Count {
		return resolved, 0, ErrInvalidQuorum
	}
	return resolved, quorum, nil
}

// Store fragments payload, seals every fragment under its own key and hands
// the keys to the expiry scheduler. The returned manifest never carries key
// material.
func (e *Engine) Store(ctx context.Context, payload []byte, opts StoreOptions) (*models.Manifest, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, fragment.ErrEmptyPayload
	}
	if len(payload) > e.maxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrPayloadTooLarge, len(payload), e.maxPayloadSize)
	}

	fragOpts, quorum, err := e.resolve(opts)
	if err != nil {
		return nil, err
	}

	payloadID := uuid.NewString()
	frags, err := fragment.Split(payloadID, payload, fragOpts)
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, f := range frags {
			seal.Shred(f.Data)
		}
	}()

	// Split clamps the count to the payload length.
	total := len(frags)
	if quorum == 0 || quorum > total {
		quorum = total
	}

	keys := make([]*seal.Key, total)
	sealed := make([][]byte, total)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range frags {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			key, err := seal.NewKey()
			if err != nil {
				return err
			}
			keys[i] = key

			frame, err := e.injector.Wrap(frags[i].Data)
			if err != nil {
				return err
			}
			defer seal.Shred(frame)

			out, err := seal.Seal(key, frame, seal.AAD(payloadID, frags[i].ID, i))
			if err != nil {
				return err
			}
			sealed[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		destroyKeys(keys)
		return nil, errors.Wrap(err, "failed to seal fragments")
	}

	manifest := &models.Manifest{
		PayloadID:      payloadID,
		Size:           len(payload),
		Checksum:       fragment.Checksum(payload),
		FragmentCount:  total,
		OverlapPercent: fragOpts.OverlapPercent,
		Quorum:         quorum,
		CreatedAt:      frags[0].CreatedAt,
		ExpiresAt:      frags[0].ExpiresAt,
		Fragments:      make([]models.FragmentRef, total),
	}

	recordTTL := max(time.Until(manifest.ExpiresAt), 0) + e.recordGrace
	entries := make([]tkv.TKVBatchEntry, 0, total+1)
	for i, f := range frags {
		manifest.Fragments[i] = models.FragmentRef{
			ID:        f.ID,
			Index:     f.Index,
			Offset:    f.Offset,
			Length:    len(f.Data),
			Checksum:  f.Checksum,
			ExpiresAt: f.ExpiresAt,
		}
		rec := &fragmentRecord{
			ID:        f.ID,
			PayloadID: payloadID,
			Index:     f.Index,
			ExpiresAt: f.ExpiresAt.UnixNano(),
			Sealed:    sealed[i],
		}
		value, err := rec.encode()
		if err != nil {
			destroyKeys(keys)
			return nil, errors.Wrap(err, "failed to encode fragment record")
		}
		entries = append(entries, tkv.TKVBatchEntry{Key: fragmentKey(payloadID, f.Index), Value: value, TTL: recordTTL})
	}

	value, err := encodeManifest(manifest)
	if err != nil {
		destroyKeys(keys)
		return nil, errors.Wrap(err, "failed to encode manifest")
	}
	entries = append(entries, tkv.TKVBatchEntry{Key: manifestKey(payloadID), Value: value, TTL: recordTTL + e.manifestRetention})

	if err := e.store.BatchSet(entries); err != nil {
		destroyKeys(keys)
		return nil, errors.Wrap(err, "failed to persist payload")
	}

	state := &payloadState{manifest: manifest, need: quorum, live: make(map[int]bool, total)}
	for i := range frags {
		state.live[i] = true
	}
	e.mu.Lock()
	e.payloads[payloadID] = state
	e.mu.Unlock()

	for i, f := range frags {
		ticket := expiry.Ticket{FragmentID: f.ID, PayloadID: payloadID, Index: f.Index, ExpiresAt: f.ExpiresAt}
		err := e.scheduler.Schedule(ticket, keys[i])
		switch {
		case err == nil:
		case errors.Is(err, expiry.ErrAlreadyExpired):
			// The budget ran out while sealing. The scheduler destroyed the key.
			e.onExpiration(expiry.Expiration{Ticket: ticket, Reason: expiry.ReasonExpired, DestroyedAt: time.Now()})
		case errors.Is(err, expiry.ErrStopped):
			// Close won the race. Keys already handed over died with the scheduler.
			e.abortStore(manifest, frags[:i], keys[i:])
			return nil, ErrClosed
		default:
			e.abortStore(manifest, frags[:i], keys[i:])
			return nil, errors.Wrap(err, "failed to schedule fragment keys")
		}
	}

	e.storedCount.Add(1)
	e.logger.Debug("payload stored", "payload_id", payloadID, "size", manifest.Size, "fragments", total, "quorum", quorum)
	e.publish(ctx, models.TopicPayloadStored, models.LifecycleEvent{PayloadID: payloadID, ExpiresAt: manifest.ExpiresAt})
	return manifest, nil
}

func (e *Engine) abortStore(manifest *models.Manifest, scheduled []fragment.Fragment, unscheduled []*seal.Key) {
	e.mu.Lock()
	if st, ok := e.payloads[manifest.PayloadID]; ok {
		st.destroyed = true
	}
	e.mu.Unlock()

	destroyKeys(unscheduled)
	for _, f := range scheduled {
		e.scheduler.Discard(f.ID)
	}
	if err := e.store.BatchDelete(recordKeys(manifest)); err != nil {
		e.logger.Error("failed to remove records of aborted payload", "payload_id", manifest.PayloadID, "error", err)
	}
}

func destroyKeys(keys []*seal.Key) {
	for _, k := range keys {
		if k != nil {
			k.Destroy()
		}
	}
}

func recordKeys(manifest *models.Manifest) []string {
	keys := make([]string, 0, len(manifest.Fragments)+1)
	for _, ref := range manifest.Fragments {
		keys = append(keys, fragmentKey(manifest.PayloadID, ref.Index))
	}
	return append(keys, manifestKey(manifest.PayloadID))
}

type slotStatus int

const (
	slotOpened slotStatus = iota
	slotExpired
	slotMissing
	slotCorrupt
)

// Retrieve rebuilds a payload from the fragments whose keys are still live.
func (e *Engine) Retrieve(ctx context.Context, payloadID string) ([]byte, *models.RetrieveReport, error) {
	if e.closed.Load() {
		return nil, nil, ErrClosed
	}
	manifest, err := e.Manifest(ctx, payloadID)
	if err != nil {
		return nil, nil, err
	}

	report := &models.RetrieveReport{Quorum: manifest.Quorum}
	opened := make([]*fragment.Fragment, len(manifest.Fragments))
	statuses := make([]slotStatus, len(manifest.Fragments))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, ref := range manifest.Fragments {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			f, status, err := e.openFragment(manifest, ref)
			if err != nil {
				return err
			}
			opened[i], statuses[i] = f, status
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, f := range opened {
			if f != nil {
				seal.Shred(f.Data)
			}
		}
		return nil, nil, errors.Wrap(err, "failed to open fragments")
	}

	live := make([]fragment.Fragment, 0, len(opened))
	for i, status := range statuses {
		switch status {
		case slotOpened:
			live = append(live, *opened[i])
		case slotExpired:
			report.Expired++
		case slotMissing:
			report.Missing++
		case slotCorrupt:
			report.Corrupt++
		}
	}
	defer func() {
		for _, f := range live {
			seal.Shred(f.Data)
		}
	}()

	if len(live) == 0 {
		e.failedCount.Add(1)
		return nil, report, fmt.Errorf("%w: %w", ErrUnrecoverable, &reconstruct.ErrQuorumNotMet{Have: 0, Need: manifest.Quorum})
	}

	out, rr, err := reconstruct.Reassemble(live, reconstruct.Options{Quorum: manifest.Quorum, Now: time.Now()})
	report.Used = rr.Used
	report.Expired += rr.Expired
	report.Corrupt += rr.Corrupt
	report.Foreign = rr.Foreign
	report.Duplicate = rr.Duplicate
	if err != nil {
		e.failedCount.Add(1)
		return nil, report, fmt.Errorf("%w: %w", ErrUnrecoverable, err)
	}
	if fragment.Checksum(out) != manifest.Checksum {
		seal.Shred(out)
		e.failedCount.Add(1)
		return nil, report, ErrIntegrity
	}

	e.retrievedCount.Add(1)
	return out, report, nil
}

// openFragment returns an error only for store failures. Everything that
// makes a single fragment unusable is reported through the status.
func (e *Engine) openFragment(manifest *models.Manifest, ref models.FragmentRef) (*fragment.Fragment, slotStatus, error) {
	key, err := e.scheduler.Key(ref.ID)
	if err != nil {
		return nil, slotExpired, nil
	}

	raw, err := e.store.Get(fragmentKey(manifest.PayloadID, ref.Index))
	if err != nil {
		if tkv.IsErrKeyNotFound(err) {
			return nil, slotMissing, nil
		}
		return nil, slotMissing, err
	}

	rec, err := decodeFragmentRecord(raw)
	if err != nil || rec.ID != ref.ID {
		e.logger.Warn("fragment record does not match manifest", "payload_id", manifest.PayloadID, "index", ref.Index)
		return nil, slotCorrupt, nil
	}

	frame, err := seal.Open(key, rec.Sealed, seal.AAD(manifest.PayloadID, ref.ID, ref.Index))
	if err != nil {
		if errors.Is(err, seal.ErrKeyDestroyed) {
			return nil, slotExpired, nil
		}
		e.logger.Warn("fragment failed authentication", "payload_id", manifest.PayloadID, "index", ref.Index)
		return nil, slotCorrupt, nil
	}
	defer seal.Shred(frame)

	data, err := noise.Strip(frame)
	if err != nil {
		return nil, slotCorrupt, nil
	}

	return &fragment.Fragment{
		ID:          ref.ID,
		PayloadID:   manifest.PayloadID,
		Index:       ref.Index,
		Total:       manifest.FragmentCount,
		Offset:      ref.Offset,
		Data:        data,
		PayloadSize: manifest.Size,
		CreatedAt:   manifest.CreatedAt,
		ExpiresAt:   ref.ExpiresAt,
		Checksum:    ref.Checksum,
	}, slotOpened, nil
}

// Manifest returns the stored description of a payload. Manifests outlive
// their payload by the configured retention.
func (e *Engine) Manifest(ctx context.Context, payloadID string) (*models.Manifest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := e.store.Get(manifestKey(payloadID))
	if err != nil {
		if tkv.IsErrKeyNotFound(err) {
			return nil, ErrPayloadNotFound
		}
		return nil, errors.Wrap(err, "failed to load manifest")
	}
	manifest, err := decodeManifest(raw)
	if err != nil {
		return nil, &tkv.ErrDataCorruption{Key: manifestKey(payloadID), Reason: err.Error()}
	}
	return manifest, nil
}

// List pages through stored manifests, including expired payloads whose
// manifest is still retained.
func (e *Engine) List(ctx context.Context, offset, limit int) ([]models.ManifestSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	keys, err := e.store.Iterate(manifestPrefix, offset, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list manifests")
	}

	summaries := make([]models.ManifestSummary, 0, len(keys))
	for _, key := range keys {
		manifest, err := e.Manifest(ctx, payloadIDFromManifestKey(key))
		if err != nil {
			if errors.Is(err, ErrPayloadNotFound) {
				continue
			}
			return nil, err
		}
		summaries = append(summaries, manifest.Summary())
	}
	return summaries, nil
}

// Destroy discards every key of a payload immediately and removes its records.
func (e *Engine) Destroy(ctx context.Context, payloadID string) error {
	manifest, err := e.Manifest(ctx, payloadID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if st, ok := e.payloads[payloadID]; ok {
		st.destroyed = true
	}
	e.mu.Unlock()

	for _, ref := range manifest.Fragments {
		e.scheduler.Discard(ref.ID)
	}
	if err := e.store.BatchDelete(recordKeys(manifest)); err != nil {
		return errors.Wrap(err, "failed to delete payload records")
	}

	e.destroyedCount.Add(1)
	e.logger.Debug("payload destroyed", "payload_id", payloadID)
	e.publish(ctx, models.TopicPayloadDestroyed, models.LifecycleEvent{PayloadID: payloadID, Reason: expiry.ReasonDiscarded.String()})
	return nil
}

func (e *Engine) Stats(ctx context.Context) models.Stats {
	e.mu.Lock()
	live := 0
	for _, st := range e.payloads {
		if !st.lost && !st.destroyed {
			live++
		}
	}
	e.mu.Unlock()

	ss := e.scheduler.Stats()
	return models.Stats{
		LivePayloads:      live,
		LiveFragments:     ss.Live,
		StoredPayloads:    e.storedCount.Load(),
		RetrievedPayloads: e.retrievedCount.Load(),
		FailedRetrievals:  e.failedCount.Load(),
		DestroyedPayloads: e.destroyedCount.Load(),
		ExpiredPayloads:   e.expiredCount.Load(),
		ScheduledKeys:     ss.Scheduled,
		ExpiredKeys:       ss.Expired,
		DiscardedKeys:     ss.Discarded,
		Uptime:            time.Since(e.startedAt),
	}
}

// onExpiration runs for every destroyed key. Once the remaining fragments
// can no longer satisfy the payload's quorum or coverage, the payload is
// announced as expired and its surviving keys are discarded.
func (e *Engine) onExpiration(exp expiry.Expiration) {
	ctx := context.Background()

	if err := e.store.Delete(fragmentKey(exp.PayloadID, exp.Index)); err != nil {
		e.logger.Warn("failed to delete expired fragment record", "payload_id", exp.PayloadID, "index", exp.Index, "error", err)
	}
	e.publish(ctx, models.TopicFragmentExpired, models.LifecycleEvent{
		PayloadID:  exp.PayloadID,
		FragmentID: exp.FragmentID,
		Index:      exp.Index,
		Reason:     exp.Reason.String(),
		ExpiresAt:  exp.ExpiresAt,
	})

	e.mu.Lock()
	state, ok := e.payloads[exp.PayloadID]
	if !ok {
		e.mu.Unlock()
		return
	}
	delete(state.live, exp.Index)

	var doomed []string
	announce := false
	if !state.lost && !state.recoverable() {
		state.lost = true
		announce = !state.destroyed
		for idx := range state.live {
			doomed = append(doomed, state.manifest.Fragments[idx].ID)
		}
	}
	if len(state.live) == 0 {
		delete(e.payloads, exp.PayloadID)
	}
	e.mu.Unlock()

	if announce {
		e.expiredCount.Add(1)
		e.logger.Debug("payload expired", "payload_id", exp.PayloadID, "reason", exp.Reason.String())
		e.publish(ctx, models.TopicPayloadExpired, models.LifecycleEvent{
			PayloadID: exp.PayloadID,
			Reason:    exp.Reason.String(),
			ExpiresAt: exp.ExpiresAt,
		})
	}
	for _, id := range doomed {
		e.scheduler.Discard(id)
	}
}

func (e *Engine) publish(ctx context.Context, topic string, event models.LifecycleEvent) {
	pub, ok := e.publishers[topic]
	if !ok {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		e.logger.Error("failed to encode lifecycle event", "topic", topic, "error", err)
		return
	}
	if err := pub.Publish(ctx, data); err != nil {
		e.logger.Warn("failed to publish lifecycle event", "topic", topic, "error", err)
	}
}
