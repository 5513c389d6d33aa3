package fragment

import (
	"encoding/hex"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

var (
	ErrEmptyPayload   = errors.New("payload is empty")
	ErrInvalidCount   = errors.New("fragment count must be at least 1")
	ErrInvalidOverlap = errors.New("overlap percent must be within [0, 100]")
	ErrInvalidTTL     = errors.New("fragment ttl must be greater than 0")
)

// Fragment is one time-limited byte range of a payload. The range is
// [Offset, Offset+len(Data)) and may overlap the next fragment's range.
type Fragment struct {
	ID          string
	PayloadID   string
	Index       int
	Total       int
	Offset      int
	Data        []byte
	PayloadSize int
	CreatedAt   time.Time
	ExpiresAt   time.Time
	Checksum    string
}

type Options struct {
	Count          int
	OverlapPercent float64
	TTL            time.Duration

	// Now is used for CreatedAt when set. Defaults to time.Now.
	Now func() time.Time
}

// Checksum is the hex encoded BLAKE2b-256 digest of data.
func Checksum(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (f Fragment) End() int {
	return f.Offset + len(f.Data)
}

func (f Fragment) Verify() bool {
	return f.Checksum != "" && Checksum(f.Data) == f.Checksum
}

// Expired reports whether the fragment is past its time budget at now.
func (f Fragment) Expired(now time.Time) bool {
	return !now.Before(f.ExpiresAt)
}

// Split cuts payload into opts.Count fragments. Core spans are
// floor(i*L/N) boundaries; each fragment then reaches into its successor by
// OverlapPercent of its own core span. Count is clamped to len(payload).
func Split(payloadID string, payload []byte, opts Options) ([]Fragment, error) {
	size := len(payload)
	if size == 0 {
		return nil, ErrEmptyPayload
	}
	if opts.Count < 1 {
		return nil, ErrInvalidCount
	}
	if math.IsNaN(opts.OverlapPercent) || opts.OverlapPercent < 0 || opts.OverlapPercent > 100 {
		return nil, ErrInvalidOverlap
	}
	if opts.TTL <= 0 {
		return nil, ErrInvalidTTL
	}

	count := opts.Count
	if count > size {
		count = size
	}

	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	createdAt := now()
	expiresAt := createdAt.Add(opts.TTL)

	boundary := func(i int) int {
		return int(int64(i) * int64(size) / int64(count))
	}

	frags := make([]Fragment, 0, count)
	for i := 0; i < count; i++ {
		start := boundary(i)
		coreEnd := boundary(i + 1)
		overlap := int(math.Ceil(float64(coreEnd-start) * opts.OverlapPercent / 100))
		end := min(size, coreEnd+overlap)

		data := make([]byte, end-start)
		copy(data, payload[start:end])

		frags = append(frags, Fragment{
			ID:          uuid.NewString(),
			PayloadID:   payloadID,
			Index:       i,
			Total:       count,
			Offset:      start,
			Data:        data,
			PayloadSize: size,
			CreatedAt:   createdAt,
			ExpiresAt:   expiresAt,
			Checksum:    Checksum(data),
		})
	}
	return frags, nil
}
