package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio"
	"gopkg.in/yaml.v3"
)

const BadgerValuesDirName = "values"

type TLS struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

// FragmentsConfig holds the defaults applied to payloads that do not
// choose their own fragmentation.
type FragmentsConfig struct {
	Count          int           `yaml:"count"`
	OverlapPercent float64       `yaml:"overlapPercent"`
	TTL            time.Duration `yaml:"ttl"`
	Quorum         int           `yaml:"quorum"` // 0 requires every fragment
}

type NoiseConfig struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

type StorageConfig struct {
	InMemory          bool          `yaml:"inMemory"`
	MaxPayloadSize    int           `yaml:"maxPayloadSize"`
	MaxLiveFragments  int           `yaml:"maxLiveFragments"` // 0 is unbounded
	RecordGrace       time.Duration `yaml:"recordGrace"`
	ManifestRetention time.Duration `yaml:"manifestRetention"`
}

type SessionsConfig struct {
	EventChannelSize         int `yaml:"eventChannelSize"`
	WebSocketReadBufferSize  int `yaml:"webSocketReadBufferSize"`
	WebSocketWriteBufferSize int `yaml:"webSocketWriteBufferSize"`
	MaxConnections           int `yaml:"maxConnections"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// SlogLevel maps the configured level name, defaulting to info.
func (l LoggingConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type RateLimiterConfig struct {
	Limit float64 `yaml:"limit"` // Requests per second
	Burst int     `yaml:"burst"` // Burst size
}

type RateLimiters struct {
	Payloads RateLimiterConfig `yaml:"payloads"`
	System   RateLimiterConfig `yaml:"system"`
	Default  RateLimiterConfig `yaml:"default"`
	Events   RateLimiterConfig `yaml:"events"`
}

type Instance struct {
	InstanceSecret   string          `yaml:"instanceSecret"` // the api key handed to clients is derived from this
	HttpBinding      string          `yaml:"httpBinding"`
	ClientDomain     string          `yaml:"clientDomain,omitempty"`
	Home             string          `yaml:"home"`
	TLS              TLS             `yaml:"tls"`
	ServerMustUseTLS bool            `yaml:"serverMustUseTLS"`
	ClientSkipVerify bool            `yaml:"clientSkipVerify"`
	TrustedProxies   []string        `yaml:"trustedProxies,omitempty"`
	PermittedIPs     []string        `yaml:"permittedIPs,omitempty"`
	Fragments        FragmentsConfig `yaml:"fragments"`
	Noise            NoiseConfig     `yaml:"noise"`
	Storage          StorageConfig   `yaml:"storage"`
	RateLimiters     RateLimiters    `yaml:"rateLimiters"`
	Sessions         SessionsConfig  `yaml:"sessions"`
	Logging          LoggingConfig   `yaml:"logging"`
}

var (
	ErrConfigFileUnreadable                    = errors.New("config file is unreadable")
	ErrConfigFileUnmarshallable                = errors.New("config file is unmarshallable")
	ErrInstanceSecretMissing                   = errors.New("instanceSecret is missing in config")
	ErrHttpBindingMissing                      = errors.New("httpBinding is missing in config")
	ErrHomeMissing                             = errors.New("home is missing in config and is required unless storage.inMemory is set")
	ErrTLSMissing                              = errors.New("TLS configuration incomplete: both cert and key must be provided if one is specified")
	ErrFragmentsCountInvalid                   = errors.New("fragments.count must be at least 1")
	ErrFragmentsOverlapInvalid                 = errors.New("fragments.overlapPercent must be within [0, 100]")
	ErrFragmentsTTLMissing                     = errors.New("fragments.ttl is missing or invalid in config")
	ErrFragmentsQuorumInvalid                  = errors.New("fragments.quorum must be between 0 and fragments.count")
	ErrNoiseRangeInvalid                       = errors.New("noise requires 0 <= min <= max <= 65535")
	ErrStorageMaxPayloadSizeMissing            = errors.New("storage.maxPayloadSize is missing or invalid in config")
	ErrStorageMaxLiveFragmentsInvalid          = errors.New("storage.maxLiveFragments must not be negative")
	ErrRateLimitersPayloadsLimitMissing        = errors.New("rateLimiters.payloads.limit is missing in config")
	ErrRateLimitersSystemLimitMissing          = errors.New("rateLimiters.system.limit is missing in config")
	ErrRateLimitersDefaultLimitMissing         = errors.New("rateLimiters.default.limit is missing in config")
	ErrRateLimitersEventsLimitMissing          = errors.New("rateLimiters.events.limit is missing in config")
	ErrSessionsEventChannelSizeMissing         = errors.New("sessions.eventChannelSize is missing or invalid in config")
	ErrSessionsWebSocketReadBufferSizeMissing  = errors.New("sessions.webSocketReadBufferSize is missing or invalid in config")
	ErrSessionsWebSocketWriteBufferSizeMissing = errors.New("sessions.webSocketWriteBufferSize is missing or invalid in config")
	ErrSessionsMaxConnectionsMissing           = errors.New("sessions.maxConnections is missing or invalid in config")
)

func LoadConfig(configFile string) (*Instance, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, ErrConfigFileUnreadable
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (*Instance, error) {
	var cfg Instance
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, ErrConfigFileUnmarshallable
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Instance) Validate() error {
	if cfg.InstanceSecret == "" {
		return ErrInstanceSecretMissing
	}
	if cfg.HttpBinding == "" {
		return ErrHttpBindingMissing
	}
	if cfg.Home == "" && !cfg.Storage.InMemory {
		return ErrHomeMissing
	}

	if cfg.ServerMustUseTLS && (cfg.TLS.Cert == "" || cfg.TLS.Key == "") {
		return ErrTLSMissing
	}
	if cfg.TLS.Cert != "" && cfg.TLS.Key == "" ||
		cfg.TLS.Cert == "" && cfg.TLS.Key != "" {
		return ErrTLSMissing
	}

	if cfg.Fragments.Count < 1 {
		return ErrFragmentsCountInvalid
	}
	if cfg.Fragments.OverlapPercent < 0 || cfg.Fragments.OverlapPercent > 100 {
		return ErrFragmentsOverlapInvalid
	}
	if cfg.Fragments.TTL <= 0 {
		return ErrFragmentsTTLMissing
	}
	if cfg.Fragments.Quorum < 0 || cfg.Fragments.Quorum > cfg.Fragments.Count {
		return ErrFragmentsQuorumInvalid
	}
	if cfg.Noise.Min < 0 || cfg.Noise.Max < cfg.Noise.Min || cfg.Noise.Max > math.MaxUint16 {
		return ErrNoiseRangeInvalid
	}

	if cfg.Storage.MaxPayloadSize <= 0 {
		return ErrStorageMaxPayloadSizeMissing
	}
	if cfg.Storage.MaxLiveFragments < 0 {
		return ErrStorageMaxLiveFragmentsInvalid
	}

	if cfg.RateLimiters.Payloads.Limit == 0 {
		return ErrRateLimitersPayloadsLimitMissing
	}
	if cfg.RateLimiters.System.Limit == 0 {
		return ErrRateLimitersSystemLimitMissing
	}
	if cfg.RateLimiters.Default.Limit == 0 {
		return ErrRateLimitersDefaultLimitMissing
	}
	if cfg.RateLimiters.Events.Limit == 0 {
		return ErrRateLimitersEventsLimitMissing
	}

	if cfg.Sessions.EventChannelSize <= 0 {
		return ErrSessionsEventChannelSizeMissing
	}
	if cfg.Sessions.WebSocketReadBufferSize <= 0 {
		return ErrSessionsWebSocketReadBufferSizeMissing
	}
	if cfg.Sessions.WebSocketWriteBufferSize <= 0 {
		return ErrSessionsWebSocketWriteBufferSizeMissing
	}
	if cfg.Sessions.MaxConnections <= 0 {
		return ErrSessionsMaxConnectionsMissing
	}
	return nil
}

// GenerateConfig returns a complete configuration with a fresh instance
// secret. TLS is left off so the generated file runs as-is on localhost.
func GenerateConfig() (*Instance, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}

	return &Instance{
		InstanceSecret:   hex.EncodeToString(secret),
		HttpBinding:      "127.0.0.1:8443",
		ClientDomain:     "localhost",
		Home:             "data/ephemera",
		ServerMustUseTLS: false,
		ClientSkipVerify: false,
		TrustedProxies:   []string{"127.0.0.1", "::1"},
		PermittedIPs:     []string{"127.0.0.1", "::1"},
		Fragments: FragmentsConfig{
			Count:          7,
			OverlapPercent: 20,
			TTL:            30 * time.Second,
			Quorum:         0,
		},
		Noise: NoiseConfig{
			Min: 8,
			Max: 64,
		},
		Storage: StorageConfig{
			InMemory:          false,
			MaxPayloadSize:    4 << 20,
			MaxLiveFragments:  0,
			RecordGrace:       2 * time.Second,
			ManifestRetention: 10 * time.Minute,
		},
		RateLimiters: RateLimiters{
			Payloads: RateLimiterConfig{Limit: 100.0, Burst: 200},
			System:   RateLimiterConfig{Limit: 50.0, Burst: 100},
			Default:  RateLimiterConfig{Limit: 100.0, Burst: 200},
			Events:   RateLimiterConfig{Limit: 20.0, Burst: 40},
		},
		Sessions: SessionsConfig{
			EventChannelSize:         1000,
			WebSocketReadBufferSize:  4096,
			WebSocketWriteBufferSize: 4096,
			MaxConnections:           100,
		},
		Logging: LoggingConfig{Level: "info"},
	}, nil
}

// WriteConfig atomically replaces configFile with cfg.
func WriteConfig(configFile string, cfg *Instance) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(configFile); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return renameio.WriteFile(configFile, data, 0600)
}
