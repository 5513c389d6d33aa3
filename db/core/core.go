package core

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/InsulaLabs/ephemera/config"
	"github.com/InsulaLabs/ephemera/db/models"
	"github.com/InsulaLabs/ephemera/engine"
	"github.com/InsulaLabs/ephemera/internal/events"
	"github.com/gorilla/websocket"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"
)

const (
	CategoryPayloads = "payloads"
	CategorySystem   = "system"
	CategoryEvents   = "events"
	CategoryDefault  = "default"
)

// Vault is the payload store the service exposes. *engine.Engine
// satisfies it.
type Vault interface {
	Store(ctx context.Context, payload []byte, opts engine.StoreOptions) (*models.Manifest, error)
	Retrieve(ctx context.Context, payloadID string) ([]byte, *models.RetrieveReport, error)
	Manifest(ctx context.Context, payloadID string) (*models.Manifest, error)
	List(ctx context.Context, offset, limit int) ([]models.ManifestSummary, error)
	Destroy(ctx context.Context, payloadID string) error
	Stats(ctx context.Context) models.Stats
}

var _ Vault = &engine.Engine{}

type Core struct {
	appCtx    context.Context
	cfg       *config.Instance
	logger    *slog.Logger
	vault     Vault
	authToken string
	mux       *http.ServeMux

	startedAt time.Time

	rateLimiters map[string]*ttlcache.Cache[string, *rate.Limiter]

	// WebSocket event handling
	eventSubscribers     map[*eventSession]bool
	eventSubscribersLock sync.RWMutex
	wsUpgrader           websocket.Upgrader
	eventCh              chan models.Event
	activeWsConnections  int32
	wsConnectionLock     sync.Mutex
	unsubscribers        []events.Unsubscriber

	stopOnce sync.Once
	done     chan struct{}
	loopWg   sync.WaitGroup
}

func New(
	ctx context.Context,
	logger *slog.Logger,
	cfg *config.Instance,
	vault Vault,
	pubsub events.PubSub,
) (*Core, error) {
	if vault == nil {
		return nil, fmt.Errorf("core requires a vault")
	}

	rateLimiters := make(map[string]*ttlcache.Cache[string, *rate.Limiter])
	rlLogger := logger.With("component", "rate-limiter")

	makeCategoryRateLimiter := func() *ttlcache.Cache[string, *rate.Limiter] {
		cache := ttlcache.New[string, *rate.Limiter](
			ttlcache.WithTTL[string, *rate.Limiter](time.Minute*1),
			ttlcache.WithDisableTouchOnHit[string, *rate.Limiter](),
		)
		go cache.Start()
		return cache
	}

	for category, rlConfig := range map[string]config.RateLimiterConfig{
		CategoryPayloads: cfg.RateLimiters.Payloads,
		CategorySystem:   cfg.RateLimiters.System,
		CategoryEvents:   cfg.RateLimiters.Events,
		CategoryDefault:  cfg.RateLimiters.Default,
	} {
		if rlConfig.Limit > 0 {
			rateLimiters[category] = makeCategoryRateLimiter()
			rlLogger.Info("Initialized rate limiter", "category", category, "limit", rlConfig.Limit, "burst", rlConfig.Burst)
		}
	}

	c := &Core{
		appCtx:           ctx,
		cfg:              cfg,
		logger:           logger,
		vault:            vault,
		authToken:        DeriveApiKey(cfg.InstanceSecret),
		mux:              http.NewServeMux(),
		startedAt:        time.Now(),
		rateLimiters:     rateLimiters,
		eventSubscribers: make(map[*eventSession]bool),
		wsUpgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.Sessions.WebSocketReadBufferSize,
			WriteBufferSize: cfg.Sessions.WebSocketWriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				logger.Debug("WebSocket CheckOrigin called", "origin", r.Header.Get("Origin"), "host", r.Host)
				return true
			},
		},
		eventCh: make(chan models.Event, cfg.Sessions.EventChannelSize),
		done:    make(chan struct{}),
	}

	if pubsub != nil {
		for _, topic := range models.LifecycleTopics {
			unsubscribe, err := pubsub.Subscribe(topic, events.SubscriberFunc(c.receiveEvent))
			if err != nil {
				c.stop()
				return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
			}
			c.unsubscribers = append(c.unsubscribers, unsubscribe)
		}
	}

	c.registerRoutes()
	c.loopWg.Add(1)
	go c.eventProcessingLoop()

	return c, nil
}

func (c *Core) route(pattern string, handler http.HandlerFunc, category string) {
	c.mux.Handle(pattern, c.ipFilterMiddleware(c.rateLimitMiddleware(handler, category)))
}

func (c *Core) registerRoutes() {
	// Payload handlers
	c.route("POST /v1/payloads", c.storeHandler, CategoryPayloads)
	c.route("GET /v1/payloads", c.listHandler, CategoryPayloads)
	c.route("GET /v1/payloads/{id}", c.retrieveHandler, CategoryPayloads)
	c.route("GET /v1/payloads/{id}/manifest", c.manifestHandler, CategoryPayloads)
	c.route("DELETE /v1/payloads/{id}", c.destroyHandler, CategoryPayloads)

	// Events handlers
	c.route("GET /v1/events", c.eventSubscribeHandler, CategoryEvents)

	// System handlers
	c.route("GET /v1/stats", c.statsHandler, CategorySystem)
	c.route("GET /v1/ping", c.authedPing, CategorySystem)
}

// Handler exposes the routed mux, including middleware.
func (c *Core) Handler() http.Handler {
	return c.mux
}

func (c *Core) getRemoteAddress(r *http.Request) string {
	remoteIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		c.logger.Debug("Could not split host and port from remote address", "remote_addr", r.RemoteAddr, "error", err)
		remoteIP = r.RemoteAddr
	}

	for _, proxy := range c.cfg.TrustedProxies {
		if proxy != remoteIP {
			continue
		}
		if forwardedFor := r.Header.Get("X-Forwarded-For"); forwardedFor != "" {
			ips := strings.Split(forwardedFor, ",")
			return strings.TrimSpace(ips[0])
		}
		break
	}
	return remoteIP
}

func (c *Core) rateLimiterConfig(category string) config.RateLimiterConfig {
	switch category {
	case CategoryPayloads:
		return c.cfg.RateLimiters.Payloads
	case CategorySystem:
		return c.cfg.RateLimiters.System
	case CategoryEvents:
		return c.cfg.RateLimiters.Events
	default:
		return c.cfg.RateLimiters.Default
	}
}

func (c *Core) getRateLimiter(category string, r *http.Request) *rate.Limiter {
	limiterCategory, ok := c.rateLimiters[category]
	if !ok {
		category = CategoryDefault
		limiterCategory, ok = c.rateLimiters[category]
		if !ok {
			return nil
		}
	}
	ip := c.getRemoteAddress(r)
	limiterItem := limiterCategory.Get(ip)
	if limiterItem == nil {
		rlConfig := c.rateLimiterConfig(category)
		limiter := rate.NewLimiter(rate.Limit(rlConfig.Limit), rlConfig.Burst)
		limiterItem = limiterCategory.Set(ip, limiter, time.Minute*1)
	}
	return limiterItem.Value()
}

func (c *Core) rateLimitMiddleware(next http.Handler, category string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limiter := c.getRateLimiter(category, r)
		if limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		res := limiter.Reserve()
		// If there's a delay, the request is rate-limited.
		if delay := res.Delay(); delay > 0 {
			// We're not proceeding, so cancel the reservation to return the token.
			res.Cancel()
			c.logger.Warn("Rate limit exceeded", "category", category, "path", r.URL.Path, "remote_addr", r.RemoteAddr)

			retryAfterSeconds := math.Max(1, math.Ceil(delay.Seconds()))
			w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retryAfterSeconds))
			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%v", limiter.Limit()))
			w.Header().Set("X-RateLimit-Burst", fmt.Sprintf("%d", limiter.Burst()))
			c.writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Rate limit exceeded.")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (c *Core) ipFilterMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !c.isPermittedIP(r) {
			c.logger.Warn("IP address not permitted", "remote_addr", r.RemoteAddr)
			c.writeError(w, http.StatusForbidden, "FORBIDDEN", "IP address not permitted.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (c *Core) isPermittedIP(r *http.Request) bool {
	// If no IPs are configured, deny all traffic for security.
	if len(c.cfg.PermittedIPs) == 0 {
		return false
	}

	remoteIP := c.getRemoteAddress(r)
	for _, ip := range c.cfg.PermittedIPs {
		if ip == remoteIP {
			return true
		}
	}
	return false
}

// Run serves until the context is cancelled.
// Run serves until the application context is cancelled. An error that
// keeps the listener from serving, such as a port already in use, is
// returned.
func (c *Core) Run() error {
	httpListenAddr := c.cfg.HttpBinding
	tlsEnabled := c.cfg.TLS.Cert != "" && c.cfg.TLS.Key != ""
	c.logger.Info("Attempting to start server", "listen_addr", httpListenAddr, "tls_enabled", tlsEnabled)

	srv := &http.Server{
		Addr:              httpListenAddr,
		Handler:           c.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		select {
		case <-c.appCtx.Done():
		case <-c.done:
			return
		}
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			c.logger.Error("Server shutdown error", "error", err)
		}
	}()

	var serveErr error
	if tlsEnabled {
		c.logger.Info("Starting HTTPS server", "cert", c.cfg.TLS.Cert, "key", c.cfg.TLS.Key)
		srv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		if err := srv.ListenAndServeTLS(c.cfg.TLS.Cert, c.cfg.TLS.Key); !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("HTTPS server error", "error", err)
			serveErr = err
		}
	} else {
		c.logger.Info("TLS cert or key not specified in config. Starting HTTP server (insecure).")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("HTTP server error", "error", err)
			serveErr = err
		}
	}

	c.logger.Info("Waiting for server to stop - this may take a moment")
	c.stop()
	c.logger.Info("Server stopped")
	return serveErr
}

// Close releases the rate limiters, event subscriptions and websocket
// sessions. Run calls it on the way out.
func (c *Core) Close() {
	c.stop()
}

func (c *Core) stop() {
	c.stopOnce.Do(func() {
		for _, unsubscribe := range c.unsubscribers {
			unsubscribe()
		}

		stopWg := sync.WaitGroup{}

		stopWg.Add(1)
		go func() {
			defer stopWg.Done()
			c.eventSubscribersLock.RLock()
			defer c.eventSubscribersLock.RUnlock()
			for session := range c.eventSubscribers {
				if err := session.conn.Close(); err != nil {
					c.logger.Error("Error closing WebSocket connection", "error", err)
				}
			}
		}()

		stopWg.Add(1)
		go func() {
			defer stopWg.Done()
			for _, limiter := range c.rateLimiters {
				limiter.Stop()
			}
		}()

		stopWg.Wait()

		close(c.done)
		c.loopWg.Wait()
	})
}
