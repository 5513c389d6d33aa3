package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/InsulaLabs/ephemera/db/models"
	"github.com/vmihailenco/msgpack"
)

const (
	fragmentPrefix = "frag:"
	manifestPrefix = "manifest:"
)

func fragmentKey(payloadID string, index int) string {
	return fmt.Sprintf("%s%s:%d", fragmentPrefix, payloadID, index)
}

func manifestKey(payloadID string) string {
	return manifestPrefix + payloadID
}

func payloadIDFromManifestKey(key string) string {
	return strings.TrimPrefix(key, manifestPrefix)
}

// fragmentRecord is what lands on disk for one fragment. Sealed holds the
// noise frame encrypted under a key that only ever exists in memory.
type fragmentRecord struct {
	ID        string `msgpack:"id"`
	PayloadID string `msgpack:"pid"`
	Index     int    `msgpack:"idx"`
	ExpiresAt int64  `msgpack:"exp"`
	Sealed    []byte `msgpack:"sealed"`
}

func (r *fragmentRecord) encode() ([]byte, error) {
	return msgpack.Marshal(r)
}

func decodeFragmentRecord(b []byte) (*fragmentRecord, error) {
	var r fragmentRecord
	if err := msgpack.Unmarshal(b, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

type fragmentRefRecord struct {
	ID        string `msgpack:"id"`
	Index     int    `msgpack:"idx"`
	Offset    int    `msgpack:"off"`
	Length    int    `msgpack:"len"`
	Checksum  string `msgpack:"sum"`
	ExpiresAt int64  `msgpack:"exp"`
}

type manifestRecord struct {
	PayloadID      string              `msgpack:"pid"`
	Size           int                 `msgpack:"size"`
	Checksum       string              `msgpack:"sum"`
	FragmentCount  int                 `msgpack:"count"`
	OverlapPercent float64             `msgpack:"overlap"`
	Quorum         int                 `msgpack:"quorum"`
	CreatedAt      int64               `msgpack:"created"`
	ExpiresAt      int64               `msgpack:"exp"`
	Fragments      []fragmentRefRecord `msgpack:"frags"`
}

func encodeManifest(m *models.Manifest) ([]byte, error) {
	rec := manifestRecord{
		PayloadID:      m.PayloadID,
		Size:           m.Size,
		Checksum:       m.Checksum,
		FragmentCount:  m.FragmentCount,
		OverlapPercent: m.OverlapPercent,
		Quorum:         m.Quorum,
		CreatedAt:      m.CreatedAt.UnixNano(),
		ExpiresAt:      m.ExpiresAt.UnixNano(),
		Fragments:      make([]fragmentRefRecord, len(m.Fragments)),
	}
	for i, f := range m.Fragments {
		rec.Fragments[i] = fragmentRefRecord{
			ID:        f.ID,
			Index:     f.Index,
			Offset:    f.Offset,
			Length:    f.Length,
			Checksum:  f.Checksum,
			ExpiresAt: f.ExpiresAt.UnixNano(),
		}
	}
	return msgpack.Marshal(&rec)
}

func decodeManifest(b []byte) (*models.Manifest, error) {
	var rec manifestRecord
	if err := msgpack.Unmarshal(b, &rec); err != nil {
		return nil, err
	}
	m := &models.Manifest{
		PayloadID:      rec.PayloadID,
		Size:           rec.Size,
		Checksum:       rec.Checksum,
		FragmentCount:  rec.FragmentCount,
		OverlapPercent: rec.OverlapPercent,
		Quorum:         rec.Quorum,
		CreatedAt:      time.Unix(0, rec.CreatedAt).UTC(),
		ExpiresAt:      time.Unix(0, rec.ExpiresAt).UTC(),
		Fragments:      make([]models.FragmentRef, len(rec.Fragments)),
	}
	for i, f := range rec.Fragments {
		m.Fragments[i] = models.FragmentRef{
			ID:        f.ID,
			Index:     f.Index,
			Offset:    f.Offset,
			Length:    f.Length,
			Checksum:  f.Checksum,
			ExpiresAt: time.Unix(0, f.ExpiresAt).UTC(),
		}
	}
	return m, nil
}
