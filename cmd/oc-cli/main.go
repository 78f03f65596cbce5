package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"ocdispatch/internal/app"
	"ocdispatch/internal/config"
	"ocdispatch/internal/domain"
	"ocdispatch/internal/gather/oc"
	"ocdispatch/internal/progress"
	"ocdispatch/internal/store"
	"ocdispatch/internal/transform"
	"ocdispatch/internal/util"
	"ocdispatch/pkg/ocdispatch"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: oc-cli <command> [options]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  version                                 Print the CLI version\n")
		fmt.Fprintf(os.Stderr, "  identity GROUP COMPANY PLANT DATETIME   Print the observation id\n")
		fmt.Fprintf(os.Stderr, "  expand -in raw.json [-out obs.json]     Expand provider records from a file\n")
		fmt.Fprintf(os.Stderr, "  fetch -date YYYY-MM-DD                  Fetch one day and print its records\n")
		fmt.Fprintf(os.Stderr, "  progress [-last] [-reset]               List or reset days recorded as ingested\n")
		fmt.Fprintf(os.Stderr, "  status [-addr URL]                      Show oc-daemon health and latest run\n")
		fmt.Fprintf(os.Stderr, "\n")
	}

	if len(os.Args) < 2 {
		flag.Usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "version":
		fmt.Printf("oc-cli %s\n", app.Version)

	case "identity":
		var id string
		if id, err = identity(os.Args[2:]); err == nil {
			fmt.Println(id)
		}

	case "expand":
		err = expandCmd(os.Args[2:])

	case "fetch":
		err = fetchCmd(os.Args[2:])

	case "progress":
		err = progressCmd(os.Args[2:])

	case "status":
		err = statusCmd(os.Args[2:])

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		flag.Usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "oc-cli %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

// identity returns the observation id for GROUP COMPANY PLANT DATETIME.
func identity(args []string) (string, error) {
	if len(args) != 4 {
		return "", fmt.Errorf("want 4 arguments, got %d", len(args))
	}
	ts, err := time.Parse(domain.TimestampLayout, args[3])
	if err != nil {
		return "", fmt.Errorf("datetime must be YYYY-MM-DDTHH:MM:SS: %w", err)
	}
	return domain.ObservationID(args[0], args[1], args[2], ts), nil
}

func expandCmd(args []string) error {
	fs := flag.NewFlagSet("expand", flag.ExitOnError)
	in := fs.String("in", "", "input file: provider response or JSON array of records")
	out := fs.String("out", "", "output file (default stdout)")
	key := fs.String("key", "GetPostDespacho", "envelope field holding the records")
	fs.Parse(args)

	if *in == "" {
		return fmt.Errorf("-in is required")
	}
	data, err := os.ReadFile(*in)
	if err != nil {
		return err
	}

	obs, malformed, err := expand(context.Background(), data, *key)
	if err != nil {
		return err
	}
	for _, m := range malformed {
		fmt.Fprintf(os.Stderr, "skipped: %v\n", m)
	}

	body, err := json.MarshalIndent(obs, "", "  ")
	if err != nil {
		return err
	}
	if *out == "" {
		_, err = os.Stdout.Write(append(body, '\n'))
		return err
	}
	if err := store.WriteFileAtomic(*out, body); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "wrote %d observations to %s (%d records skipped)\n", len(obs), *out, len(malformed))
	return nil
}

// expand decodes data, either a provider envelope or a bare array of
// records, and expands every record into deduplicated observations.
func expand(ctx context.Context, data []byte, key string) ([]domain.Observation, []error, error) {
	var items []json.RawMessage
	if trimmed := strings.TrimSpace(string(data)); strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, nil, fmt.Errorf("decoding records: %w", err)
		}
	} else {
		var envelope map[string]json.RawMessage
		if err := json.Unmarshal(data, &envelope); err != nil {
			return nil, nil, fmt.Errorf("decoding envelope: %w", err)
		}
		if raw, ok := envelope[key]; ok {
			if err := json.Unmarshal(raw, &items); err != nil {
				return nil, nil, fmt.Errorf("field %s is not an array: %w", key, err)
			}
		}
	}

	var malformed []error
	recs := make([]domain.RawDispatchRecord, 0, len(items))
	for i, item := range items {
		var rec domain.RawDispatchRecord
		if err := json.Unmarshal(item, &rec); err != nil {
			malformed = append(malformed, fmt.Errorf("record %d: %w", i, err))
			continue
		}
		recs = append(recs, rec)
	}

	pool := transform.NewPool(0)
	defer pool.Close()
	obs, bad, err := pool.ExpandAll(ctx, recs)
	if err != nil {
		return nil, nil, err
	}
	return store.Dedup(obs), append(malformed, bad...), nil
}

func fetchCmd(args []string) error {
	fs := flag.NewFlagSet("fetch", flag.ExitOnError)
	date := fs.String("date", "", "day to fetch, YYYY-MM-DD")
	fs.Parse(args)

	day, err := util.ParseDate(*date)
	if err != nil {
		return err
	}
	cfg, err := config.LoadDefault()
	if err != nil {
		return err
	}
	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	client := oc.NewClient(cfg.Source, oc.WithLogger(logger))

	recs, skipped, err := client.FetchDay(context.Background(), day)
	if err != nil {
		return err
	}
	if skipped > 0 {
		fmt.Fprintf(os.Stderr, "skipped %d undecodable records\n", skipped)
	}
	return printJSON(os.Stdout, recs)
}

func progressCmd(args []string) error {
	fs := flag.NewFlagSet("progress", flag.ExitOnError)
	last := fs.Bool("last", false, "print only the latest ingested day")
	reset := fs.Bool("reset", false, "forget every recorded day (file ledger only)")
	fs.Parse(args)

	cfg, err := config.LoadDefault()
	if err != nil {
		return err
	}
	ledger, err := progress.Open(cfg.Progress)
	if err != nil {
		return err
	}
	if ledger == nil {
		return fmt.Errorf("progress.kind is %q; no ledger configured", cfg.Progress.Kind)
	}
	defer ledger.Close()

	if *reset {
		return resetProgress(ledger, os.Stdout)
	}
	return listProgress(context.Background(), ledger, *last, os.Stdout)
}

// listProgress prints the recorded days, or only the latest one.
func listProgress(ctx context.Context, ledger progress.Ledger, last bool, w io.Writer) error {
	if fl, ok := ledger.(*progress.FileLedger); ok && last {
		if d := fl.LastCompleted(); d != "" {
			fmt.Fprintln(w, d)
		}
		return nil
	}
	dates, err := ledger.Completed(ctx)
	if err != nil {
		return err
	}
	if last && len(dates) > 0 {
		dates = dates[len(dates)-1:]
	}
	for _, d := range dates {
		fmt.Fprintln(w, d)
	}
	return nil
}

func resetProgress(ledger progress.Ledger, w io.Writer) error {
	fl, ok := ledger.(*progress.FileLedger)
	if !ok {
		return errors.New("reset is only supported for the file ledger")
	}
	if err := fl.Reset(); err != nil {
		return err
	}
	fmt.Fprintln(w, "progress reset")
	return nil
}

func statusCmd(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8080", "oc-daemon base URL")
	fs.Parse(args)

	c := ocdispatch.NewClient(*addr)
	ctx := context.Background()
	h, err := c.Health(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("status: %s (up %s)\n", h.Status, h.Uptime)

	run, err := c.LatestRun(ctx)
	if errors.Is(err, ocdispatch.ErrNoRun) {
		fmt.Println("no run yet")
		return nil
	}
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, run)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
