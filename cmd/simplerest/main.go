package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/shaneisley/simplerest/pkg/bridge"
	"github.com/shaneisley/simplerest/pkg/config"
	"github.com/shaneisley/simplerest/pkg/history"
	"github.com/shaneisley/simplerest/pkg/i18n"
	"github.com/shaneisley/simplerest/pkg/limiter"
	"github.com/shaneisley/simplerest/pkg/logging"
	"github.com/shaneisley/simplerest/pkg/metrics"
	"github.com/shaneisley/simplerest/pkg/rest"
	"github.com/shaneisley/simplerest/pkg/storage"
	"github.com/shaneisley/simplerest/pkg/ui"
	"github.com/spf13/cobra"
)

// runStoreSize bounds the exchanges kept in memory for the run summary
const runStoreSize = 10000

// errRequestFailed is returned when the final envelope is not a 2xx response
var errRequestFailed = errors.New("request failed")

// globalOptions holds flags shared by every subcommand
type globalOptions struct {
	configFile  string
	metricsAddr string
	quiet       bool
	flags       config.Config
}

// flagFields maps CLI flag names to config keys
var flagFields = map[string]string{
	"request-limit":         "request_limit",
	"request-limit-period":  "request_limit_period",
	"chunk-size":            "chunk_size",
	"max-parallel-requests": "max_parallel_requests",
	"debug":                 "debug_mode",
	"encoding":              "encoding",
	"locale":                "locale",
	"log-level":             "log_level",
	"session-idle-timeout":  "session_idle_timeout",
	"timeout":               "request_timeout",
	"retries":               "retries",
	"retry-delay":           "retry_delay",
	"backoff":               "backoff",
	"multiplier":            "backoff_multiplier",
	"max-retry-delay":       "max_retry_delay",
	"respect-retry-after":   "respect_retry_after",
	"history":               "history_path",
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "simplerest",
		Short: "Send HTTP requests with pooled sessions, rate limiting and retries",
		Long: `simplerest is a CLI for the simplerest request engine. Requests are admitted by a
rate limiter, sent over pooled keep-alive sessions and retried on server errors.

Configuration precedence (highest to lowest):
1. CLI flags
2. Environment variables (SIMPLEREST_*)
3. Configuration file
4. Default values

Configuration files are searched in the following order:
1. File specified by --config flag
2. .simplerest.toml, simplerest.toml, .simplerest.yaml, simplerest.yaml in current directory
3. The same names in the home directory

EXAMPLES:
  # Fetch a JSON document, retrying server errors twice with exponential backoff
  simplerest get --retries 2 --retry-delay 200ms --backoff exponential https://api.example.com/items

  # Post a JSON body and print the full envelope
  simplerest get -X POST -d '{"name":"x"}' --json https://api.example.com/items

  # Stream a large body to a file
  simplerest stream https://example.com/archive.tar > archive.tar

  # Show the last 20 recorded exchanges
  simplerest history --history ~/.simplerest/history.db -n 20`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configFile, "config", "", "Configuration file path")
	pf.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address while running")
	pf.BoolVarP(&opts.quiet, "quiet", "q", false, "Only print the final summary")

	pf.IntVar(&opts.flags.RequestLimit, "request-limit", 0, "Requests admitted per period (default: 200)")
	pf.DurationVar(&opts.flags.RequestLimitPeriod, "request-limit-period", 0, "Rate limiter refill period (default: 60s)")
	pf.IntVar(&opts.flags.ChunkSize, "chunk-size", 0, "Stream chunk size in bytes (default: 1024)")
	pf.IntVar(&opts.flags.MaxParallelRequests, "max-parallel-requests", 0, "Concurrency of grouped requests (default: 5)")
	pf.BoolVar(&opts.flags.DebugMode, "debug", false, "Log limiter and session events")
	pf.StringVar(&opts.flags.Encoding, "encoding", "", "Charset used to decode text bodies (default: utf-8)")
	pf.StringVar(&opts.flags.Locale, "locale", "", "Locale of status messages: ru or en (default: ru)")
	pf.StringVar(&opts.flags.LogLevel, "log-level", "", "Log level: debug, info, warn, error (default: info)")
	pf.DurationVar(&opts.flags.SessionIdleTimeout, "session-idle-timeout", 0, "Idle time before a session closes (default: 5s)")
	pf.DurationVarP(&opts.flags.RequestTimeout, "timeout", "t", 0, "Timeout per attempt (default: 10s)")
	pf.IntVarP(&opts.flags.Retries, "retries", "r", 0, "Retries of a 5xx response (default: 5)")
	pf.DurationVarP(&opts.flags.RetryDelay, "retry-delay", "d", 0, "Base delay between retries (default: 0)")
	pf.StringVar(&opts.flags.Backoff, "backoff", "", "Backoff strategy: fixed, exponential, jitter, polynomial (default: fixed)")
	pf.Float64Var(&opts.flags.BackoffMultiplier, "multiplier", 0, "Backoff multiplier (default: 2.0)")
	pf.DurationVar(&opts.flags.MaxRetryDelay, "max-retry-delay", 0, "Maximum retry delay (default: 0 = no limit)")
	pf.BoolVar(&opts.flags.RespectRetryAfter, "respect-retry-after", false, "Wait as long as the Retry-After header asks")
	pf.StringVar(&opts.flags.HistoryPath, "history", "", "SQLite exchange history file (default: disabled)")

	root.AddCommand(
		newGetCommand(opts),
		newStreamCommand(opts),
		newHistoryCommand(opts),
		newConfigCommand(opts),
	)
	return root
}

// loadConfiguration resolves the configuration with full precedence support
func loadConfiguration(cmd *cobra.Command, opts *globalOptions) (*config.Config, error) {
	configPath := opts.configFile
	if configPath == "" {
		cwd, _ := os.Getwd()
		if found := config.FindConfigFile(cwd); found != "" {
			configPath = found
		} else if homeDir, err := os.UserHomeDir(); err == nil {
			configPath = config.FindConfigFile(homeDir)
		}
	}

	explicitFields := make(map[string]bool)
	for flag, field := range flagFields {
		if cmd.Flags().Changed(flag) {
			explicitFields[field] = true
		}
	}

	return config.LoadWithPrecedence(configPath, &opts.flags, explicitFields)
}

// runtime is everything a request command needs, torn down by close
type runtime struct {
	cfg      *config.Config
	logger   *logging.Logger
	bridge   *bridge.Bridge
	engine   *rest.Engine
	limiter  *limiter.Async
	history  *history.Database
	store    *storage.Store
	reporter *ui.Reporter
	metrics  *http.Server
	// metricsAddr is the address the metrics server actually listens on
	metricsAddr string
}

func startRuntime(cmd *cobra.Command, opts *globalOptions) (*runtime, error) {
	cfg, err := loadConfiguration(cmd, opts)
	if err != nil {
		return nil, err
	}

	rt := &runtime{
		cfg:      cfg,
		logger:   logging.NewLoggerWithWriter(cmd.ErrOrStderr(), "simplerest", logging.LogLevel(cfg.LogLevel)),
		reporter: ui.NewReporter(cmd.ErrOrStderr()),
	}
	rt.reporter.SetQuiet(opts.quiet)

	texts, err := i18n.Load(cfg.Locale)
	if err != nil {
		return nil, err
	}

	if opts.metricsAddr != "" {
		if err := rt.serveMetrics(opts.metricsAddr); err != nil {
			return nil, err
		}
	}

	rt.store = storage.New(runStoreSize, 0)
	recorder := rest.MultiRecorder{rt.store}
	if cfg.HistoryPath != "" {
		rt.history, err = history.NewDatabase(cfg.HistoryPath)
		if err != nil {
			rt.close()
			return nil, fmt.Errorf("failed to open history: %w", err)
		}
		recorder = append(recorder, rt.history)
	}

	rt.bridge, err = bridge.New(cfg, rt.logger)
	if err != nil {
		rt.close()
		return nil, err
	}

	rt.engine, err = rest.NewEngine(cfg, rest.Options{
		Logger:   rt.logger,
		Texts:    texts,
		Loop:     rt.bridge.Loop(),
		Observer: rt.reporter,
		Recorder: recorder,
	})
	if err != nil {
		rt.close()
		return nil, err
	}

	rt.limiter, err = rt.engine.NewLimiter()
	if err != nil {
		rt.close()
		return nil, err
	}
	rt.limiter.Start()

	return rt, nil
}

func (rt *runtime) serveMetrics(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen for metrics: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	rt.metrics = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	rt.metricsAddr = ln.Addr().String()

	go func() {
		if err := rt.metrics.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.logger.LogError("metrics server", err)
		}
	}()
	return nil
}

func (rt *runtime) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if rt.limiter != nil {
		rt.limiter.Stop()
	}
	if rt.engine != nil {
		if err := rt.engine.Close(ctx); err != nil {
			rt.logger.LogError("close engine", err)
		}
	}
	if rt.bridge != nil {
		rt.bridge.Stop()
	}
	if rt.history != nil {
		if err := rt.history.Close(); err != nil {
			rt.logger.LogError("close history", err)
		}
	}
	rt.stopMetrics(ctx)
}

func (rt *runtime) stopMetrics(ctx context.Context) {
	if rt.metrics == nil {
		return
	}
	if err := rt.metrics.Shutdown(ctx); err != nil {
		rt.logger.LogError("stop metrics server", err, "addr", rt.metricsAddr)
	}
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		if !errors.Is(err, errRequestFailed) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}
