package core

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/InsulaLabs/ephemera/db/models"
	"github.com/InsulaLabs/ephemera/engine"
	"github.com/InsulaLabs/ephemera/expiry"
	"github.com/InsulaLabs/ephemera/fragment"
)

// DeriveApiKey computes the bearer token clients present for an instance.
func DeriveApiKey(instanceSecret string) string {
	sum := sha256.Sum256([]byte(instanceSecret))
	return hex.EncodeToString(sum[:])
}

func (c *Core) ValidateToken(r *http.Request) bool {
	authHeader := r.Header.Get("Authorization")
	const bearerPrefix = "Bearer "

	token := strings.TrimPrefix(authHeader, bearerPrefix)
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(c.authToken)) == 1
}

func (c *Core) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		c.logger.Error("Could not encode response", "error", err)
	}
}

func (c *Core) writeError(w http.ResponseWriter, status int, errorType, message string) {
	c.writeJSON(w, status, models.ErrorResponse{
		ErrorType: errorType,
		Message:   message,
	})
}

func (c *Core) unauthorized(w http.ResponseWriter, r *http.Request) {
	c.logger.Warn("Token validation failed", "path", r.URL.Path, "remote_addr", r.RemoteAddr)
	c.writeError(w, http.StatusUnauthorized, "AUTHENTICATION_FAILED", "Authentication failed. Invalid or missing API key.")
}

// errorStatus maps engine errors onto the HTTP surface.
func errorStatus(err error) (int, string) {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.Is(err, fragment.ErrEmptyPayload),
		errors.Is(err, fragment.ErrInvalidCount),
		errors.Is(err, fragment.ErrInvalidOverlap),
		errors.Is(err, fragment.ErrInvalidTTL),
		errors.Is(err, engine.ErrInvalidQuorum):
		return http.StatusBadRequest, "INVALID_REQUEST"
	case errors.Is(err, engine.ErrPayloadTooLarge), errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE"
	case errors.Is(err, engine.ErrPayloadNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, engine.ErrUnrecoverable):
		return http.StatusGone, "UNRECOVERABLE"
	case errors.Is(err, expiry.ErrCapacity), errors.Is(err, engine.ErrClosed):
		return http.StatusServiceUnavailable, "UNAVAILABLE"
	case errors.Is(err, engine.ErrIntegrity):
		return http.StatusInternalServerError, "INTEGRITY_FAILURE"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

func (c *Core) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status, errorType := errorStatus(err)
	if status >= http.StatusInternalServerError {
		c.logger.Error("Request failed", "path", r.URL.Path, "error", err)
		c.writeError(w, status, errorType, http.StatusText(status))
		return
	}
	c.logger.Debug("Request rejected", "path", r.URL.Path, "status", status, "error", err)
	c.writeError(w, status, errorType, err.Error())
}

func (c *Core) authedPing(w http.ResponseWriter, r *http.Request) {
	if !c.ValidateToken(r) {
		c.unauthorized(w, r)
		return
	}

	c.writeJSON(w, http.StatusOK, models.PingResponse{
		Status: "ok",
		Uptime: time.Since(c.startedAt).String(),
	})
}

func (c *Core) statsHandler(w http.ResponseWriter, r *http.Request) {
	if !c.ValidateToken(r) {
		c.unauthorized(w, r)
		return
	}
	c.writeJSON(w, http.StatusOK, c.vault.Stats(r.Context()))
}
