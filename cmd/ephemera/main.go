package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/InsulaLabs/ephemera/client"
	"github.com/InsulaLabs/ephemera/config"
	"github.com/InsulaLabs/ephemera/db/core"
	"github.com/fatih/color"
)

var (
	logger     *slog.Logger
	configPath string
	target     string
	verbose    bool
)

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed)
	cyan   = color.New(color.FgCyan)
)

func init() {
	flag.StringVar(&configPath, "config", "ephemera.yaml", "Path to the instance configuration file")
	flag.StringVar(&target, "target", "", "Override the host:port to connect to. Defaults to httpBinding in config.")
	flag.BoolVar(&verbose, "verbose", false, "Log client requests to stderr")
}

func getClient(cfg *config.Instance) (*client.Client, error) {
	apiKey := os.Getenv("EPHEMERA_API_KEY")
	if apiKey == "" {
		apiKey = core.DeriveApiKey(cfg.InstanceSecret)
	}

	endpoint := cfg.HttpBinding
	if target != "" {
		endpoint = target
	}

	return client.NewClient(&client.Config{
		Endpoint:     endpoint,
		ClientDomain: cfg.ClientDomain,
		ApiKey:       apiKey,
		SkipVerify:   cfg.ClientSkipVerify,
		PlainHTTP:    cfg.TLS.Cert == "",
		Logger:       logger.WithGroup("client"),
	})
}

func main() {
	flag.Parse()

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	args := flag.Args()
	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}
	command, cmdArgs := args[0], args[1:]

	if command == "watch" {
		f, err := openWatchLog()
		if err != nil {
			red.Fprintf(os.Stderr, "Failed to open watch log: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		// Client logs go to the file so they do not draw over the TUI.
		logger = slog.New(watchLog)
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		red.Fprintf(os.Stderr, "Failed to load configuration %s: %v\n", configPath, err)
		os.Exit(1)
	}

	cli, err := getClient(cfg)
	if err != nil {
		red.Fprintf(os.Stderr, "Failed to create client: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch command {
	case "store":
		err = handleStore(ctx, cli, cmdArgs)
	case "get":
		err = handleGet(ctx, cli, cmdArgs)
	case "manifest":
		err = handleManifest(ctx, cli, cmdArgs)
	case "list":
		err = handleList(ctx, cli, cmdArgs)
	case "destroy":
		err = handleDestroy(ctx, cli, cmdArgs)
	case "stats":
		err = handleStats(ctx, cli)
	case "ping":
		err = handlePing(ctx, cli)
	case "watch":
		err = runWatch(ctx, cli, cmdArgs)
	default:
		red.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		var gone *client.ErrGone
		if errors.As(err, &gone) {
			red.Fprintln(os.Stderr, "Payload is gone:", gone.Message)
			printJSON(os.Stderr, gone.Report)
		} else {
			red.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: ephemera [flags] <command> [args...]\n")
	fmt.Fprintf(os.Stderr, "Flags:\n")
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nCommands:\n")
	fmt.Fprintf(os.Stderr, "  store [--count n] [--overlap pct] [--ttl 30s] [--quorum q] <file|->\n")
	fmt.Fprintf(os.Stderr, "  get <payload_id> [out_file]\n")
	fmt.Fprintf(os.Stderr, "  manifest <payload_id>\n")
	fmt.Fprintf(os.Stderr, "  list [offset] [limit]\n")
	fmt.Fprintf(os.Stderr, "  destroy <payload_id>\n")
	fmt.Fprintf(os.Stderr, "  stats\n")
	fmt.Fprintf(os.Stderr, "  ping\n")
	fmt.Fprintf(os.Stderr, "  watch [topic...]\n")
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

func handleStore(ctx context.Context, c *client.Client, args []string) error {
	fs := flag.NewFlagSet("store", flag.ContinueOnError)
	count := fs.Int("count", 0, "Number of fragments (0 uses the server default)")
	overlap := fs.Float64("overlap", -1, "Overlap percent between neighbouring fragments (negative uses the server default)")
	ttl := fs.Duration("ttl", 0, "Lifetime of the payload (0 uses the server default)")
	quorum := fs.Int("quorum", 0, "Fragments required to reconstruct (0 requires all)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("store: requires <file|->")
	}

	var (
		data []byte
		err  error
	)
	if src := fs.Arg(0); src == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(src)
	}
	if err != nil {
		return fmt.Errorf("store: failed to read input: %w", err)
	}

	opts := client.StoreOptions{Count: *count, TTL: *ttl, Quorum: *quorum}
	if *overlap >= 0 {
		opts.OverlapPercent = overlap
	}

	manifest, err := c.Store(ctx, data, opts)
	if err != nil {
		return err
	}
	green.Printf("Stored %s\n", manifest.PayloadID)
	fmt.Printf("  fragments: %d (quorum %d)\n", manifest.FragmentCount, manifest.Quorum)
	fmt.Printf("  expires:   %s (in %s)\n", manifest.ExpiresAt.Format(time.RFC3339), time.Until(manifest.ExpiresAt).Round(time.Millisecond))
	return nil
}

func handleGet(ctx context.Context, c *client.Client, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("get: requires <payload_id> [out_file]")
	}
	data, report, err := c.Retrieve(ctx, args[0])
	if err != nil {
		return err
	}
	if len(args) == 2 {
		if err := os.WriteFile(args[1], data, 0o600); err != nil {
			return fmt.Errorf("get: failed to write %s: %w", args[1], err)
		}
		green.Fprintf(os.Stderr, "Wrote %d bytes to %s (used %d fragments)\n", len(data), args[1], report.Used)
		return nil
	}
	_, err = os.Stdout.Write(data)
	return err
}

func handleManifest(ctx context.Context, c *client.Client, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("manifest: requires <payload_id>")
	}
	manifest, err := c.Manifest(ctx, args[0])
	if err != nil {
		return err
	}
	printJSON(os.Stdout, manifest)
	return nil
}

func handleList(ctx context.Context, c *client.Client, args []string) error {
	offset, limit := 0, 0
	var err error
	if len(args) > 0 {
		if offset, err = strconv.Atoi(args[0]); err != nil {
			return fmt.Errorf("list: invalid offset %q", args[0])
		}
	}
	if len(args) > 1 {
		if limit, err = strconv.Atoi(args[1]); err != nil {
			return fmt.Errorf("list: invalid limit %q", args[1])
		}
	}

	summaries, err := c.List(ctx, offset, limit)
	if err != nil {
		return err
	}
	if len(summaries) == 0 {
		yellow.Println("No payloads")
		return nil
	}
	for _, s := range summaries {
		cyan.Printf("%s", s.PayloadID)
		remaining := time.Until(s.ExpiresAt)
		if remaining <= 0 {
			fmt.Printf("  %d bytes  %d fragments  ", s.Size, s.FragmentCount)
			red.Printf("expired %s ago\n", (-remaining).Round(time.Millisecond))
			continue
		}
		fmt.Printf("  %d bytes  %d fragments  expires in %s\n",
			s.Size, s.FragmentCount, remaining.Round(time.Millisecond))
	}
	return nil
}

func handleDestroy(ctx context.Context, c *client.Client, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("destroy: requires <payload_id>")
	}
	if err := c.Destroy(ctx, args[0]); err != nil {
		return err
	}
	green.Println("OK")
	return nil
}

func handleStats(ctx context.Context, c *client.Client) error {
	stats, err := c.Stats(ctx)
	if err != nil {
		return err
	}
	printJSON(os.Stdout, stats)
	return nil
}

func handlePing(ctx context.Context, c *client.Client) error {
	pong, err := c.Ping(ctx)
	if err != nil {
		return err
	}
	green.Printf("%s (uptime %s)\n", pong.Status, pong.Uptime)
	return nil
}
