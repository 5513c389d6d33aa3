package models

// StoreRequest asks the service to fragment Data. Zero values select the
// server defaults. TTL is a Go duration string, e.g. "250ms".
type StoreRequest struct {
	Data           []byte   `json:"data"`
	Count          int      `json:"count,omitempty"`
	OverlapPercent *float64 `json:"overlap_percent,omitempty"`
	TTL            string   `json:"ttl,omitempty"`
	Quorum         int      `json:"quorum,omitempty"`
}

type RetrieveResponse struct {
	PayloadID string         `json:"payload_id"`
	Data      []byte         `json:"data"`
	Report    RetrieveReport `json:"report"`
}

type ListResponse struct {
	Payloads []ManifestSummary `json:"payloads"`
}

type ErrorResponse struct {
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
}

type PingResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}
