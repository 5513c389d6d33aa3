package tkv

import (
	"log/slog"
	"time"
)

type Config struct {
	Logger         *slog.Logger
	BadgerLogLevel slog.Level

	// Directory holds the badger value log. Ignored when InMemory is set.
	Directory string
	InMemory  bool
}

// TKVBatchEntry is one record of a batch write. A zero TTL never expires.
type TKVBatchEntry struct {
	Key   string
	Value []byte
	TTL   time.Duration
}

type TKVBatchHandler interface {
	BatchSet(entries []TKVBatchEntry) error
	BatchDelete(keys []string) error
}

type TKVDataHandler interface {
	Get(key string) ([]byte, error)
	Iterate(prefix string, offset int, limit int) ([]string, error)
	Set(key string, value []byte) error
	SetWithTTL(key string, value []byte, ttl time.Duration) error
	Delete(key string) error
	DropPrefix(prefix string) (int, error)
}

// TKV is the record store behind the fragment engine. Values are opaque
// bytes; expiry is enforced by badger.
type TKV interface {
	TKVDataHandler
	TKVBatchHandler

	Close() error
}
