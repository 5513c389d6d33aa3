package runtime

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/InsulaLabs/ephemera/config"
	"github.com/InsulaLabs/ephemera/db/core"
	"github.com/InsulaLabs/ephemera/db/models"
	"github.com/InsulaLabs/ephemera/db/tkv"
	"github.com/InsulaLabs/ephemera/engine"
	"github.com/InsulaLabs/ephemera/internal/events"
	"github.com/fatih/color"
)

// Runtime manages the execution of ephemerad, handling configuration,
// signal processing, and the lifecycle of the vault instance.
type Runtime struct {
	appCtx     context.Context
	appCancel  context.CancelFunc
	logger     *slog.Logger
	cfg        *config.Instance
	configFile string
	rawArgs    []string

	apiKey          string
	currentLogLevel slog.Level

	started chan struct{}
	service *core.Core
}

// New creates a new Runtime instance. It sets up signal handling, parses
// command-line flags and loads the configuration. When --new-cfg is given
// the configuration is written and the returned runtime has nothing to run.
func New(args []string, defaultConfigFile string) (*Runtime, error) {
	r := &Runtime{
		rawArgs: args,
		started: make(chan struct{}),
	}

	r.appCtx, r.appCancel = context.WithCancel(context.Background())
	r.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("service", "ephemeradRuntime")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			r.logger.Info("Received signal, initiating shutdown...", "signal", sig)
			r.appCancel()
		case <-r.appCtx.Done():
		}
		signal.Stop(sigChan)
	}()

	var genConfigFile string
	fs := flag.NewFlagSet("runtime", flag.ContinueOnError)
	fs.StringVar(&r.configFile, "config", defaultConfigFile, "Path to the instance configuration file.")
	fs.StringVar(&genConfigFile, "new-cfg", "", "Generate a new instance configuration file to a given path.")

	if err := fs.Parse(r.rawArgs); err != nil {
		r.appCancel()
		return nil, fmt.Errorf("failed to parse flags: %w", err)
	}

	if genConfigFile != "" {
		cfg, err := config.GenerateConfig()
		if err != nil {
			r.appCancel()
			return nil, fmt.Errorf("failed to generate configuration: %w", err)
		}
		if err := config.WriteConfig(genConfigFile, cfg); err != nil {
			r.appCancel()
			return nil, fmt.Errorf("failed to write generated configuration to %s: %w", genConfigFile, err)
		}
		r.logger.Info("Successfully generated new configuration file", "path", genConfigFile)
		return r, nil
	}

	var err error
	r.cfg, err = config.LoadConfig(r.configFile)
	if err != nil {
		r.appCancel()
		return nil, fmt.Errorf("failed to load configuration from %s: %w", r.configFile, err)
	}

	r.currentLogLevel = r.cfg.Logging.SlogLevel()
	r.logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: r.currentLogLevel,
	})).With("service", "ephemeradRuntime")

	r.apiKey = core.DeriveApiKey(r.cfg.InstanceSecret)
	return r, nil
}

// Generated reports whether New only wrote a configuration file.
func (r *Runtime) Generated() bool {
	return r.cfg == nil
}

// Run starts the instance and blocks until the runtime is stopped.
func (r *Runtime) Run() error {
	if r.cfg == nil {
		r.logger.Info("Runtime.Run called without a loaded configuration (e.g., after --new-cfg). Nothing to run.")
		return nil
	}
	return r.runInstance()
}

func (r *Runtime) runInstance() error {
	if !r.cfg.Storage.InMemory {
		if err := os.MkdirAll(r.cfg.Home, 0o700); err != nil {
			return fmt.Errorf("failed to create home %s: %w", r.cfg.Home, err)
		}
	}

	if r.cfg.TLS.Cert != "" && r.cfg.TLS.Key != "" {
		if err := r.ensureKeys(); err != nil {
			return err
		}
	}

	store, err := tkv.New(tkv.Config{
		Logger:         r.logger.WithGroup("tkv"),
		BadgerLogLevel: r.currentLogLevel,
		Directory:      r.cfg.Home,
		InMemory:       r.cfg.Storage.InMemory,
	})
	if err != nil {
		return fmt.Errorf("failed to open record store: %w", err)
	}
	defer store.Close()

	pubsub := events.NewPubSub(events.Config{Topics: models.LifecycleTopics})

	vault, err := engine.Open(engine.Config{
		Logger: r.logger.WithGroup("engine"),
		Store:  store,
		Events: pubsub,
		Defaults: engine.Defaults{
			Count:          r.cfg.Fragments.Count,
			OverlapPercent: r.cfg.Fragments.OverlapPercent,
			TTL:            r.cfg.Fragments.TTL,
			Quorum:         r.cfg.Fragments.Quorum,
		},
		NoiseMin:          r.cfg.Noise.Min,
		NoiseMax:          r.cfg.Noise.Max,
		MaxPayloadSize:    r.cfg.Storage.MaxPayloadSize,
		MaxLiveFragments:  r.cfg.Storage.MaxLiveFragments,
		RecordGrace:       r.cfg.Storage.RecordGrace,
		ManifestRetention: r.cfg.Storage.ManifestRetention,
	})
	if err != nil {
		return fmt.Errorf("failed to open engine: %w", err)
	}
	defer vault.Close()

	r.service, err = core.New(r.appCtx, r.logger.WithGroup("service"), r.cfg, vault, pubsub)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}
	defer r.service.Close()

	r.printBanner()
	close(r.started)

	if err := r.service.Run(); err != nil {
		return fmt.Errorf("failed to serve on %s: %w", r.cfg.HttpBinding, err)
	}
	r.logger.Info("Instance shut down", "binding", r.cfg.HttpBinding)
	return nil
}

func (r *Runtime) printBanner() {
	scheme := "http"
	if r.cfg.TLS.Cert != "" {
		scheme = "https"
	}
	storage := filepath.Join(r.cfg.Home, config.BadgerValuesDirName)
	if r.cfg.Storage.InMemory {
		storage = "in-memory"
	}
	color.New(color.FgHiCyan, color.Bold).Fprintln(os.Stderr, "ephemerad")
	color.New(color.FgCyan).Fprintf(os.Stderr, "  listening  %s://%s\n", scheme, r.cfg.HttpBinding)
	color.New(color.FgCyan).Fprintf(os.Stderr, "  storage    %s\n", storage)
	color.New(color.FgCyan).Fprintf(os.Stderr, "  fragments  count=%d overlap=%.0f%% ttl=%s\n",
		r.cfg.Fragments.Count, r.cfg.Fragments.OverlapPercent, r.cfg.Fragments.TTL)
	if scheme == "http" {
		color.HiYellow("  TLS is off; payloads cross the wire in the clear")
	}
}

// Started is closed once the instance is serving.
func (r *Runtime) Started() <-chan struct{} {
	return r.started
}

// Wait for the runtime to complete its operations.
// This is typically when the application context is canceled.
func (r *Runtime) Wait() {
	<-r.appCtx.Done()
	r.logger.Info("Runtime has been shut down.")
}

// Stop gracefully shuts down the runtime by canceling its context.
func (r *Runtime) Stop() {
	r.logger.Info("Runtime stop requested.")
	r.appCancel()
}

func (r *Runtime) GetApiKey() string {
	return r.apiKey
}
