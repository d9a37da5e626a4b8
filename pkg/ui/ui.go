// Package ui renders exchange progress and results for the terminal.
package ui

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shaneisley/simplerest/pkg/envelope"
	"github.com/shaneisley/simplerest/pkg/history"
	"github.com/shaneisley/simplerest/pkg/metrics"
	"github.com/shaneisley/simplerest/pkg/rest"
	"github.com/shaneisley/simplerest/pkg/storage"
)

// Reporter prints attempt progress and final outcomes. It implements
// rest.Observer and is safe for concurrent requests.
type Reporter struct {
	mu     sync.Mutex
	writer io.Writer
	quiet  bool
}

var _ rest.Observer = (*Reporter)(nil)

// NewReporter creates a reporter writing to writer
func NewReporter(writer io.Writer) *Reporter {
	return &Reporter{writer: writer}
}

// SetQuiet suppresses per-attempt messages; final summaries are still printed
func (r *Reporter) SetQuiet(quiet bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.quiet = quiet
}

// OnAttempt reports a finished attempt
func (r *Reporter) OnAttempt(req *rest.Request, attempt int, status int, err error, elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.quiet {
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[simplerest] %s %s attempt %d ", req.Method, req.URL, attempt)
	if err != nil {
		fmt.Fprintf(&b, "failed (%v)", err)
	} else {
		fmt.Fprintf(&b, "-> %d", status)
	}
	fmt.Fprintf(&b, " in %s\n", formatDuration(elapsed))
	fmt.Fprint(r.writer, b.String())
}

// OnRetry reports the wait before the next attempt
func (r *Reporter) OnRetry(req *rest.Request, attempt int, delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.quiet {
		return
	}
	fmt.Fprintf(r.writer, "[simplerest] Retrying in %s (%d retries left).\n", formatDuration(delay), req.RetriesLeft())
}

// OnComplete prints the final outcome of a request
func (r *Reporter) OnComplete(req *rest.Request, env *envelope.Envelope, elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	attempts := req.Attempts()
	noun := "attempts"
	if attempts == 1 {
		noun = "attempt"
	}

	if env.IsSuccess() {
		fmt.Fprintf(r.writer, "✅ [simplerest] %s %s succeeded with %d after %d %s in %s.\n",
			req.Method, req.URL, env.StatusCode, attempts, noun, formatDuration(elapsed))
		return
	}
	fmt.Fprintf(r.writer, "❌ [simplerest] %s %s failed with %d after %d %s in %s: %s\n",
		req.Method, req.URL, env.StatusCode, attempts, noun, formatDuration(elapsed), env.Detail())
}

// PrintEnvelope writes env either as indented JSON or as status, headers and body
func PrintEnvelope(w io.Writer, env *envelope.Envelope, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(env)
	}

	fmt.Fprintf(w, "Status: %d\n", env.StatusCode)
	if d := env.Detail(); d != "" {
		fmt.Fprintf(w, "Detail: %s\n", d)
	}

	names := make([]string, 0, len(env.Headers))
	for name := range env.Headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "%s: %s\n", name, strings.Join(env.Headers[name], ", "))
	}
	fmt.Fprintln(w)

	switch data := env.Data.(type) {
	case string:
		fmt.Fprintln(w, data)
	case []byte:
		fmt.Fprintln(w, string(data))
	default:
		out, err := json.MarshalIndent(data, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(out))
	}
	return nil
}

// PrintHistory writes a table of recorded exchanges followed by the totals
func PrintHistory(w io.Writer, records []*metrics.ExchangeMetrics, stats *history.Stats) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No exchanges recorded.")
	}
	for _, m := range records {
		mark := "✅"
		if m.FinalStatus != "succeeded" {
			mark = "❌"
		}
		ts := time.Unix(m.Timestamp, 0).Format("2006-01-02 15:04:05")
		fmt.Fprintf(w, "%s %s %-6s %4d %2d att %8s  %s\n", mark, ts, m.Method, m.FinalCode, m.TotalAttempts,
			formatDuration(time.Duration(m.TotalDurationSeconds*float64(time.Second))), m.URL)
	}

	if stats == nil {
		return
	}
	fmt.Fprintf(w, "\nHistory Statistics:\n")
	fmt.Fprintf(w, "  Exchanges: %d\n", stats.Exchanges)
	fmt.Fprintf(w, "  Succeeded: %d\n", stats.Succeeded)
	fmt.Fprintf(w, "  Failed: %d\n", stats.Failed)
	fmt.Fprintf(w, "  Retries: %d\n", stats.Retries)
	fmt.Fprintf(w, "  Average Duration: %s\n", formatDuration(stats.AverageDuration))
}

// PrintSummary writes the aggregate of the exchanges sent during a run
func PrintSummary(w io.Writer, s *storage.Summary) {
	fmt.Fprintf(w, "\nRun Statistics:\n")
	fmt.Fprintf(w, "  Exchanges: %d (%d succeeded, %d failed)\n", s.Exchanges, s.Succeeded, s.Failed)
	fmt.Fprintf(w, "  Success Rate: %.0f%%\n", s.SuccessRate*100)
	fmt.Fprintf(w, "  Average Attempts: %.1f\n", s.AverageAttempts)
	fmt.Fprintf(w, "  Average Duration: %s\n", formatDuration(s.AverageDuration))
	for _, ss := range s.Sessions {
		fmt.Fprintf(w, "  Session %s: %d exchanges, %d retries\n", ss.SessionKey, ss.Exchanges, ss.Retries)
	}
}

// formatDuration formats a duration in a human-readable way
func formatDuration(d time.Duration) string {
	if d == 0 {
		return "0s"
	}

	if d < time.Second {
		return fmt.Sprintf("%.1fs", float64(d)/float64(time.Second))
	}

	if d < time.Minute {
		seconds := float64(d) / float64(time.Second)
		if seconds == float64(int(seconds)) {
			return fmt.Sprintf("%.0fs", seconds)
		}
		formatted := fmt.Sprintf("%.2f", seconds)
		formatted = strings.TrimRight(formatted, "0")
		formatted = strings.TrimRight(formatted, ".")
		return formatted + "s"
	}

	hours := d / time.Hour
	minutes := (d % time.Hour) / time.Minute
	seconds := (d % time.Minute) / time.Second

	var b strings.Builder
	if hours > 0 {
		fmt.Fprintf(&b, "%dh", hours)
	}
	if minutes > 0 {
		fmt.Fprintf(&b, "%dm", minutes)
	}
	if seconds > 0 {
		fmt.Fprintf(&b, "%ds", seconds)
	}
	return b.String()
}
