package core

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/InsulaLabs/ephemera/db/models"
	"github.com/InsulaLabs/ephemera/engine"
	"github.com/InsulaLabs/ephemera/seal"
)

const defaultListLimit = 100

// The JSON body carries the payload base64 encoded.
func (c *Core) maxBodySize() int64 {
	return int64(c.cfg.Storage.MaxPayloadSize)*4/3 + 4096
}

func (c *Core) storeHandler(w http.ResponseWriter, r *http.Request) {
	if !c.ValidateToken(r) {
		c.unauthorized(w, r)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, c.maxBodySize())
	defer r.Body.Close()

	var req models.StoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		status, errorType := errorStatus(err)
		if status != http.StatusRequestEntityTooLarge {
			status, errorType = http.StatusBadRequest, "INVALID_REQUEST"
		}
		c.logger.Debug("Invalid store request", "error", err)
		c.writeError(w, status, errorType, "Invalid JSON payload for store: "+err.Error())
		return
	}
	defer seal.Shred(req.Data)

	opts := engine.StoreOptions{
		Count:          req.Count,
		OverlapPercent: req.OverlapPercent,
		Quorum:         req.Quorum,
	}
	if req.TTL != "" {
		ttl, err := time.ParseDuration(req.TTL)
		if err != nil || ttl <= 0 {
			c.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "ttl must be a positive duration such as 30s")
			return
		}
		opts.TTL = ttl
	}

	manifest, err := c.vault.Store(r.Context(), req.Data, opts)
	if err != nil {
		c.writeEngineError(w, r, err)
		return
	}

	c.logger.Debug("Payload stored", "payload_id", manifest.PayloadID, "fragments", manifest.FragmentCount)
	c.writeJSON(w, http.StatusCreated, manifest)
}

func (c *Core) retrieveHandler(w http.ResponseWriter, r *http.Request) {
	if !c.ValidateToken(r) {
		c.unauthorized(w, r)
		return
	}

	payloadID := r.PathValue("id")
	data, report, err := c.vault.Retrieve(r.Context(), payloadID)
	if err != nil {
		status, errorType := errorStatus(err)
		if report != nil && status == http.StatusGone {
			c.writeJSON(w, status, struct {
				models.ErrorResponse
				Report models.RetrieveReport `json:"report"`
			}{
				ErrorResponse: models.ErrorResponse{ErrorType: errorType, Message: err.Error()},
				Report:        *report,
			})
			return
		}
		c.writeEngineError(w, r, err)
		return
	}
	defer seal.Shred(data)

	c.writeJSON(w, http.StatusOK, models.RetrieveResponse{
		PayloadID: payloadID,
		Data:      data,
		Report:    *report,
	})
}

func (c *Core) manifestHandler(w http.ResponseWriter, r *http.Request) {
	if !c.ValidateToken(r) {
		c.unauthorized(w, r)
		return
	}

	manifest, err := c.vault.Manifest(r.Context(), r.PathValue("id"))
	if err != nil {
		c.writeEngineError(w, r, err)
		return
	}
	c.writeJSON(w, http.StatusOK, manifest)
}

func (c *Core) listHandler(w http.ResponseWriter, r *http.Request) {
	if !c.ValidateToken(r) {
		c.unauthorized(w, r)
		return
	}

	offsetInt, limitInt := 0, defaultListLimit
	if offset := r.URL.Query().Get("offset"); offset != "" {
		v, err := strconv.Atoi(offset)
		if err != nil || v < 0 {
			c.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid offset parameter")
			return
		}
		offsetInt = v
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		v, err := strconv.Atoi(limit)
		if err != nil {
			c.writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid limit parameter")
			return
		}
		if v > 0 {
			limitInt = v
		}
	}

	summaries, err := c.vault.List(r.Context(), offsetInt, limitInt)
	if err != nil {
		c.writeEngineError(w, r, err)
		return
	}
	c.writeJSON(w, http.StatusOK, models.ListResponse{Payloads: summaries})
}

func (c *Core) destroyHandler(w http.ResponseWriter, r *http.Request) {
	if !c.ValidateToken(r) {
		c.unauthorized(w, r)
		return
	}

	payloadID := r.PathValue("id")
	if err := c.vault.Destroy(r.Context(), payloadID); err != nil {
		c.writeEngineError(w, r, err)
		return
	}
	c.logger.Debug("Payload destroyed", "payload_id", payloadID)
	w.WriteHeader(http.StatusNoContent)
}
