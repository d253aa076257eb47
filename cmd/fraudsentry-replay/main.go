// Package main is a replay CLI for persisted event batches. It reads the
// daemon's replay directory for a time range and either prints the events
// (dry run) or resubmits them to a running daemon's intake endpoint.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"fraudsentry/internal/replay"
	"fraudsentry/internal/schema"
)

func main() {
	var (
		dir     = flag.String("dir", "data/replay", "replay directory")
		start   = flag.String("start", "", "range start (RFC3339 or YYYY-MM-DD), required")
		end     = flag.String("end", "", "range end (RFC3339 or YYYY-MM-DD), default now")
		target  = flag.String("target", "", "intake URL to resubmit to, e.g. http://localhost:8080/v1/events; empty prints events to stdout")
		timeout = flag.Duration("timeout", 10*time.Second, "per-event submit timeout")
		quiet   = flag.Bool("quiet", false, "suppress per-event output in dry-run mode")
	)
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	})))

	startTime, err := parseTime(*start)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -start: %v\n", err)
		os.Exit(2)
	}
	endTime := time.Now().UTC()
	if *end != "" {
		endTime, err = parseTime(*end)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid -end: %v\n", err)
			os.Exit(2)
		}
	}
	if !startTime.Before(endTime) {
		fmt.Fprintln(os.Stderr, "range is empty: -start must precede -end")
		os.Exit(2)
	}

	store, err := replay.NewStore(replay.StoreConfig{Dir: *dir})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open replay directory: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	submit := printEvent(os.Stdout, *quiet)
	if *target != "" {
		submit = postEvent(*target, *timeout)
	}

	count, err := store.Replay(context.Background(), startTime, endTime, submit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "replay failed after %d events: %v\n", count, err)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stderr, "replayed %d events from %s to %s\n",
		count, startTime.Format(time.RFC3339), endTime.Format(time.RFC3339))
}

// parseTime accepts RFC3339 timestamps or bare dates.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("value required")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected RFC3339 or YYYY-MM-DD, got %q", s)
	}
	return t.UTC(), nil
}

// printEvent writes each replayed event as a JSON line.
func printEvent(w io.Writer, quiet bool) replay.SubmitFunc {
	enc := json.NewEncoder(w)
	return func(_ context.Context, event *schema.Event) error {
		if quiet {
			return nil
		}
		return enc.Encode(event)
	}
}

// postEvent resubmits each event to the daemon's intake endpoint. The
// original event ID rides along, so the daemon's dedup index still
// rejects events it has already seen.
func postEvent(target string, timeout time.Duration) replay.SubmitFunc {
	client := &http.Client{Timeout: timeout}

	return func(ctx context.Context, event *schema.Event) error {
		body, err := json.Marshal(map[string]any{
			"event_id":         event.EventID,
			"type":             event.Type,
			"severity":         int(event.Severity),
			"timestamp":        event.Timestamp,
			"source":           event.Source,
			"transaction_id":   event.TransactionID,
			"correlation_key":  event.CorrelationKey,
			"risk_score":       event.RiskScore,
			"confidence_score": event.ConfidenceScore,
			"evidence":         event.Evidence,
			"details":          event.Details,
		})
		if err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)

		if resp.StatusCode >= 300 {
			return fmt.Errorf("intake returned %s", resp.Status)
		}
		return nil
	}
}
