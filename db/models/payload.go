package models

import "time"

// FragmentRef is the public description of one stored fragment. It never
// carries key material, noise lengths or plaintext.
type FragmentRef struct {
	ID        string    `json:"id"`
	Index     int       `json:"index"`
	Offset    int       `json:"offset"`
	Length    int       `json:"length"`
	Checksum  string    `json:"checksum"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Manifest describes a fragmented payload.
type Manifest struct {
	PayloadID      string        `json:"payload_id"`
	Size           int           `json:"size"`
	Checksum       string        `json:"checksum"`
	FragmentCount  int           `json:"fragment_count"`
	OverlapPercent float64       `json:"overlap_percent"`
	Quorum         int           `json:"quorum"`
	CreatedAt      time.Time     `json:"created_at"`
	ExpiresAt      time.Time     `json:"expires_at"`
	Fragments      []FragmentRef `json:"fragments"`
}

// Expired reports whether every fragment of the payload is past its budget.
func (m *Manifest) Expired(now time.Time) bool {
	return !now.Before(m.ExpiresAt)
}

type ManifestSummary struct {
	PayloadID     string    `json:"payload_id"`
	Size          int       `json:"size"`
	FragmentCount int       `json:"fragment_count"`
	Quorum        int       `json:"quorum"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

func (m *Manifest) Summary() ManifestSummary {
	return ManifestSummary{
		PayloadID:     m.PayloadID,
		Size:          m.Size,
		FragmentCount: m.FragmentCount,
		Quorum:        m.Quorum,
		CreatedAt:     m.CreatedAt,
		ExpiresAt:     m.ExpiresAt,
	}
}

// RetrieveReport explains which fragments took part in a reconstruction.
type RetrieveReport struct {
	Used      int `json:"used"`
	Expired   int `json:"expired"`
	Missing   int `json:"missing"`
	Corrupt   int `json:"corrupt"`
	Foreign   int `json:"foreign"`
	Duplicate int `json:"duplicate"`
	Quorum    int `json:"quorum"`
}

type Stats struct {
	LivePayloads      int           `json:"live_payloads"`
	LiveFragments     int           `json:"live_fragments"`
	StoredPayloads    uint64        `json:"stored_payloads"`
	RetrievedPayloads uint64        `json:"retrieved_payloads"`
	FailedRetrievals  uint64        `json:"failed_retrievals"`
	DestroyedPayloads uint64        `json:"destroyed_payloads"`
	ExpiredPayloads   uint64        `json:"expired_payloads"`
	ScheduledKeys     uint64        `json:"scheduled_keys"`
	ExpiredKeys       uint64        `json:"expired_keys"`
	DiscardedKeys     uint64        `json:"discarded_keys"`
	Uptime            time.Duration `json:"uptime_ns"`
}
