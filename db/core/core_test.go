package core

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/InsulaLabs/ephemera/config"
	"github.com/InsulaLabs/ephemera/db/models"
	"github.com/InsulaLabs/ephemera/db/tkv"
	"github.com/InsulaLabs/ephemera/engine"
	"github.com/InsulaLabs/ephemera/internal/events"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testService struct {
	core   *Core
	server *httptest.Server
	apiKey string
}

func newTestService(t *testing.T, mutate func(*config.Instance)) *testService {
	t.Helper()

	cfg, err := config.GenerateConfig()
	require.NoError(t, err)
	cfg.Storage.InMemory = true
	if mutate != nil {
		mutate(cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := tkv.New(tkv.Config{Logger: logger, BadgerLogLevel: slog.LevelError, InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ps := events.NewPubSub(events.Config{Topics: models.LifecycleTopics})
	eng, err := engine.Open(engine.Config{
		Logger: logger,
		Store:  store,
		Events: ps,
		Defaults: engine.Defaults{
			Count:          cfg.Fragments.Count,
			OverlapPercent: cfg.Fragments.OverlapPercent,
			TTL:            cfg.Fragments.TTL,
			Quorum:         cfg.Fragments.Quorum,
		},
		NoiseMin:          cfg.Noise.Min,
		NoiseMax:          cfg.Noise.Max,
		MaxPayloadSize:    cfg.Storage.MaxPayloadSize,
		ManifestRetention: cfg.Storage.ManifestRetention,
	})
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	c, err := New(ctx, logger, cfg, eng, ps)
	require.NoError(t, err)
	t.Cleanup(c.Close)

	server := httptest.NewServer(c.Handler())
	t.Cleanup(server.Close)

	return &testService{core: c, server: server, apiKey: DeriveApiKey(cfg.InstanceSecret)}
}

func (ts *testService) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, ts.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+ts.apiKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestCore_PayloadLifecycle(t *testing.T) {
	ts := newTestService(t, nil)
	payload := []byte("fragments in flight")

	resp := ts.do(t, http.MethodPost, "/v1/payloads", models.StoreRequest{Data: payload, Count: 3})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	manifest := decode[models.Manifest](t, resp)
	assert.Equal(t, 3, manifest.FragmentCount)
	assert.Equal(t, len(payload), manifest.Size)

	resp = ts.do(t, http.MethodGet, "/v1/payloads/"+manifest.PayloadID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	retrieved := decode[models.RetrieveResponse](t, resp)
	assert.Equal(t, payload, retrieved.Data)
	assert.Equal(t, 3, retrieved.Report.Used)

	resp = ts.do(t, http.MethodGet, "/v1/payloads/"+manifest.PayloadID+"/manifest", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, manifest.PayloadID, decode[models.Manifest](t, resp).PayloadID)

	resp = ts.do(t, http.MethodGet, "/v1/payloads?offset=0&limit=10", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[models.ListResponse](t, resp)
	require.Len(t, list.Payloads, 1)
	assert.Equal(t, manifest.PayloadID, list.Payloads[0].PayloadID)

	resp = ts.do(t, http.MethodDelete, "/v1/payloads/"+manifest.PayloadID, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/v1/payloads/"+manifest.PayloadID, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", decode[models.ErrorResponse](t, resp).ErrorType)

	resp = ts.do(t, http.MethodGet, "/v1/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats := decode[models.Stats](t, resp)
	assert.Equal(t, uint64(1), stats.StoredPayloads)
	assert.Equal(t, uint64(1), stats.DestroyedPayloads)
}

func TestCore_ExpiredPayloadIsGone(t *testing.T) {
	ts := newTestService(t, nil)

	resp := ts.do(t, http.MethodPost, "/v1/payloads", models.StoreRequest{Data: []byte("brief"), TTL: "150ms"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	manifest := decode[models.Manifest](t, resp)

	require.Eventually(t, func() bool {
		resp := ts.do(t, http.MethodGet, "/v1/payloads/"+manifest.PayloadID, nil)
		return resp.StatusCode == http.StatusGone
	}, 3*time.Second, 25*time.Millisecond)

	resp = ts.do(t, http.MethodGet, "/v1/payloads/"+manifest.PayloadID, nil)
	body := decode[struct {
		ErrorType string                `json:"error_type"`
		Report    models.RetrieveReport `json:"report"`
	}](t, resp)
	assert.Equal(t, "UNRECOVERABLE", body.ErrorType)
	assert.Equal(t, manifest.FragmentCount, body.Report.Expired)
}

func TestCore_StoreValidation(t *testing.T) {
	ts := newTestService(t, func(c *config.Instance) { c.Storage.MaxPayloadSize = 128 })

	testCases := []struct {
		name   string
		body   any
		status int
	}{
		{"empty payload", models.StoreRequest{}, http.StatusBadRequest},
		{"bad ttl", models.StoreRequest{Data: []byte("x"), TTL: "soon"}, http.StatusBadRequest},
		{"negative ttl", models.StoreRequest{Data: []byte("x"), TTL: "-1s"}, http.StatusBadRequest},
		{"quorum above count", models.StoreRequest{Data: []byte("abc"), Count: 2, Quorum: 3}, http.StatusBadRequest},
		{"too large", models.StoreRequest{Data: make([]byte, 129)}, http.StatusRequestEntityTooLarge},
		{"body over limit", models.StoreRequest{Data: make([]byte, 8192)}, http.StatusRequestEntityTooLarge},
		{"not json", "{", http.StatusBadRequest},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			resp := ts.do(t, http.MethodPost, "/v1/payloads", tc.body)
			assert.Equal(t, tc.status, resp.StatusCode)
		})
	}
}

func TestCore_Unauthorized(t *testing.T) {
	ts := newTestService(t, nil)

	for _, path := range []string{"/v1/ping", "/v1/stats", "/v1/payloads", "/v1/events"} {
		req, err := http.NewRequest(http.MethodGet, ts.server.URL+path, nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer wrong")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}
}

func TestCore_PermittedIPs(t *testing.T) {
	ts := newTestService(t, func(c *config.Instance) { c.PermittedIPs = []string{"10.0.0.1"} })
	resp := ts.do(t, http.MethodGet, "/v1/ping", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	denyAll := newTestService(t, func(c *config.Instance) { c.PermittedIPs = nil })
	resp = denyAll.do(t, http.MethodGet, "/v1/ping", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestCore_RateLimit(t *testing.T) {
	ts := newTestService(t, func(c *config.Instance) {
		c.RateLimiters.System = config.RateLimiterConfig{Limit: 0.5, Burst: 1}
	})

	resp := ts.do(t, http.MethodGet, "/v1/ping", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decode[models.PingResponse](t, resp).Status)

	resp = ts.do(t, http.MethodGet, "/v1/ping", nil)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Equal(t, "RATE_LIMITED", decode[models.ErrorResponse](t, resp).ErrorType)
}

func TestCore_GetRemoteAddress(t *testing.T) {
	ts := newTestService(t, func(c *config.Instance) { c.TrustedProxies = []string{"192.0.2.1"} })

	req := httptest.NewRequest(http.MethodGet, "/v1/ping", nil)
	req.RemoteAddr = "192.0.2.1:5555"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 192.0.2.1")
	assert.Equal(t, "203.0.113.9", ts.core.getRemoteAddress(req))

	req.RemoteAddr = "198.51.100.7:5555"
	assert.Equal(t, "198.51.100.7", ts.core.getRemoteAddress(req), "untrusted peers cannot forward")
}

func TestCore_EventStream(t *testing.T) {
	ts := newTestService(t, nil)

	wsURL := "ws" + strings.TrimPrefix(ts.server.URL, "http") + "/v1/events?topics=" + models.TopicPayloadStored + "," + models.TopicPayloadDestroyed
	header := http.Header{}
	header.Set("Authorization", "Bearer "+ts.apiKey)
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()

	require.Eventually(t, func() bool {
		ts.core.wsConnectionLock.Lock()
		defer ts.core.wsConnectionLock.Unlock()
		return ts.core.activeWsConnections == 1
	}, time.Second, 10*time.Millisecond)

	stored := ts.do(t, http.MethodPost, "/v1/payloads", models.StoreRequest{Data: []byte("watched")})
	require.Equal(t, http.StatusCreated, stored.StatusCode)
	manifest := decode[models.Manifest](t, stored)
	ts.do(t, http.MethodDelete, "/v1/payloads/"+manifest.PayloadID, nil)

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var topics []string
	for len(topics) < 2 {
		var event models.Event
		require.NoError(t, conn.ReadJSON(&event))
		var le models.LifecycleEvent
		require.NoError(t, json.Unmarshal(event.Data, &le))
		assert.Equal(t, manifest.PayloadID, le.PayloadID)
		topics = append(topics, event.Topic)
	}
	assert.Equal(t, []string{models.TopicPayloadStored, models.TopicPayloadDestroyed}, topics)
}

func TestCore_EventStreamRejectsUnknownTopic(t *testing.T) {
	ts := newTestService(t, nil)

	req, err := http.NewRequest(http.MethodGet, ts.server.URL+"/v1/events?topics=nope", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+ts.apiKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCore_CloseStopsEventLoop(t *testing.T) {
	ts := newTestService(t, nil)

	loopDone := make(chan struct{})
	go func() {
		ts.core.loopWg.Wait()
		close(loopDone)
	}()

	ts.core.Close()
	ts.core.Close()

	select {
	case <-loopDone:
	case <-time.After(2 * time.Second):
		t.Fatal("event loop outlived Close")
	}
}

func TestCore_RunReturnsListenError(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()

	ts := newTestService(t, func(cfg *config.Instance) {
		cfg.HttpBinding = occupied.Addr().String()
	})

	done := make(chan error, 1)
	go func() { done <- ts.core.Run() }()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return on an occupied binding")
	}
}
