package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/shaneisley/simplerest/pkg/config"
	"github.com/shaneisley/simplerest/pkg/envelope"
	"github.com/shaneisley/simplerest/pkg/history"
	"github.com/shaneisley/simplerest/pkg/rest"
	"github.com/shaneisley/simplerest/pkg/ui"
	"github.com/spf13/cobra"
)

// requestOptions holds the flags that describe one request
type requestOptions struct {
	method     string
	data       string
	headers    []string
	cookies    []string
	files      []string
	upload     string
	sessionKey string
	asJSON     bool
}

func (o *requestOptions) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&o.method, "method", "X", "GET", "HTTP method")
	cmd.Flags().StringVarP(&o.data, "data", "d", "", "Request body; valid JSON is sent as application/json")
	cmd.Flags().StringArrayVarP(&o.headers, "header", "H", nil, "Header as 'Name: value' (repeatable)")
	cmd.Flags().StringArrayVar(&o.cookies, "cookie", nil, "Cookie as 'name=value' (repeatable)")
	cmd.Flags().StringArrayVarP(&o.files, "file", "F", nil, "File sent as a multipart part (repeatable)")
	cmd.Flags().StringVar(&o.upload, "upload", "", "Stream this file as the request body")
	cmd.Flags().StringVar(&o.sessionKey, "session", rest.DefaultSessionKey, "Session key used to pool connections")
}

// build turns the flags into a request admitted by the runtime's limiter
func (o *requestOptions) build(rt *runtime, url string) (*rest.Request, error) {
	req := rt.engine.NewRequest(strings.ToUpper(o.method), url)
	req.SessionKey = o.sessionKey
	req.Files = o.files
	req.Limiter = rt.limiter
	req.Headers = make(map[string]string, len(o.headers))
	req.Cookies = make(map[string]string, len(o.cookies))

	for _, h := range o.headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			return nil, fmt.Errorf("invalid header %q: expected 'Name: value'", h)
		}
		req.Headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	for _, c := range o.cookies {
		name, value, ok := strings.Cut(c, "=")
		if !ok {
			return nil, fmt.Errorf("invalid cookie %q: expected 'name=value'", c)
		}
		req.Cookies[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}

	switch {
	case o.upload != "":
		body, err := rest.FileBody(o.upload)
		if err != nil {
			return nil, err
		}
		req.BodyReader = body
	case o.data != "" && json.Valid([]byte(o.data)):
		var v any
		if err := json.Unmarshal([]byte(o.data), &v); err != nil {
			return nil, err
		}
		req.Body = v
	case o.data != "":
		req.Body = o.data
	}
	return req, nil
}

func newGetCommand(global *globalOptions) *cobra.Command {
	opts := &requestOptions{}
	var summary bool

	cmd := &cobra.Command{
		Use:     "get [OPTIONS] URL [URL...]",
		Aliases: []string{"request", "req"},
		Short:   "Send requests and print their responses",
		Long: `Send one request per URL through the engine. Several URLs are sent concurrently,
at most --max-parallel-requests at a time. Server errors are retried according to
--retries and the backoff flags; the final responses are printed to stdout and progress
to stderr. The exit code is 1 unless every final status is 2xx.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := startRuntime(cmd, global)
			if err != nil {
				return err
			}
			defer rt.close()

			reqs := make([]*rest.Request, len(args))
			for i, url := range args {
				if reqs[i], err = opts.build(rt, url); err != nil {
					return err
				}
			}

			started := time.Now()
			var envs []*envelope.Envelope
			if len(reqs) == 1 {
				env, err := rt.engine.Execute(reqs[0])
				if err != nil {
					return err
				}
				envs = []*envelope.Envelope{env}
			} else if envs, err = rt.engine.ExecuteGroup(reqs...); err != nil {
				return err
			}

			failed := false
			for _, env := range envs {
				if err := ui.PrintEnvelope(cmd.OutOrStdout(), env, opts.asJSON); err != nil {
					return err
				}
				failed = failed || !env.IsSuccess()
			}

			if summary || len(envs) > 1 {
				ui.PrintSummary(cmd.ErrOrStderr(), rt.store.Summarize(started, time.Now()))
			}
			if failed {
				return errRequestFailed
			}
			return nil
		},
	}
	opts.register(cmd)
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "Print the whole response envelope as JSON")
	cmd.Flags().BoolVar(&summary, "summary", false, "Print run statistics after the responses")

	return cmd
}

func newStreamCommand(global *globalOptions) *cobra.Command {
	opts := &requestOptions{}

	cmd := &cobra.Command{
		Use:   "stream [OPTIONS] URL",
		Short: "Stream a response body to stdout in chunks",
		Long: `Stream the response body to stdout in chunks of --chunk-size bytes. Streams are
never retried. The exit code is 1 unless the final status is 2xx.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := startRuntime(cmd, global)
			if err != nil {
				return err
			}
			defer rt.close()

			req, err := opts.build(rt, args[0])
			if err != nil {
				return err
			}

			stream, err := rt.engine.ExecuteStream(req)
			if err != nil {
				return err
			}
			defer stream.Close()

			out := cmd.OutOrStdout()
			for {
				chunk, err := stream.Next(cmd.Context())
				if err == io.EOF {
					break
				}
				if err != nil {
					return err
				}
				if _, err := out.Write(chunk); err != nil {
					return err
				}
			}

			env := req.Envelope()
			if env == nil || !env.IsSuccess() {
				if env != nil {
					fmt.Fprintln(cmd.ErrOrStderr(), env.Detail())
				}
				return errRequestFailed
			}
			return nil
		},
	}
	opts.register(cmd)

	return cmd
}

func newHistoryCommand(global *globalOptions) *cobra.Command {
	var (
		limit   int
		cleanup time.Duration
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded exchanges",
		Long: `Show the most recent exchanges recorded in the history database together with
aggregate statistics. The database is --history, or ~/.simplerest/history.db when unset.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfiguration(cmd, global)
			if err != nil {
				return err
			}

			path := cfg.HistoryPath
			if path == "" {
				path = history.DefaultPath()
			}
			db, err := history.NewDatabase(path)
			if err != nil {
				return err
			}
			defer db.Close()

			ctx := cmd.Context()
			if cleanup > 0 {
				if err := db.Cleanup(ctx, cleanup); err != nil {
					return err
				}
			}

			records, err := db.Recent(ctx, limit)
			if err != nil {
				return err
			}
			stats, err := db.Stats(ctx)
			if err != nil {
				return err
			}

			ui.PrintHistory(cmd.OutOrStdout(), records, stats)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of exchanges to show")
	cmd.Flags().DurationVar(&cleanup, "cleanup", 0, "Delete exchanges older than this first")

	return cmd
}

func newConfigCommand(global *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the resolved configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the configuration after applying file, environment and flags",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfiguration(cmd, global)
			if err != nil {
				return err
			}

			out, err := toml.Marshal(settings(cfg))
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})

	return cmd
}

// settings renders cfg with the key names and duration strings a config file uses
func settings(cfg *config.Config) map[string]any {
	return map[string]any{
		"request_limit":         cfg.RequestLimit,
		"request_limit_period":  cfg.RequestLimitPeriod.String(),
		"chunk_size":            cfg.ChunkSize,
		"max_parallel_requests": cfg.MaxParallelRequests,
		"debug_mode":            cfg.DebugMode,
		"encoding":              cfg.Encoding,
		"locale":                cfg.Locale,
		"log_level":             cfg.LogLevel,
		"session_idle_timeout":  cfg.SessionIdleTimeout.String(),
		"request_timeout":       cfg.RequestTimeout.String(),
		"retries":               cfg.Retries,
		"retry_delay":           cfg.RetryDelay.String(),
		"backoff":               cfg.Backoff,
		"backoff_multiplier":    cfg.BackoffMultiplier,
		"max_retry_delay":       cfg.MaxRetryDelay.String(),
		"respect_retry_after":   cfg.RespectRetryAfter,
		"history_path":          cfg.HistoryPath,
		"metrics_enabled":       cfg.MetricsEnabled,
	}
}
