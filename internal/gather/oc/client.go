// Package oc ingests dispatch reports from the OC provider API: a retrying
// per-day fetch client and the date-range scheduler that drives
// fetch, expand and write for every day.
package oc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"ocdispatch/internal/config"
	"ocdispatch/internal/domain"
	"ocdispatch/internal/metrics"
	"ocdispatch/internal/util"
)

// HTTPDoer is the subset of *http.Client used by Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client fetches one day of dispatch records. It is safe for concurrent use
// by many day pipelines; the HTTP connection pool and rate limiter are
// shared.
type Client struct {
	http        HTTPDoer
	endpoint    string
	envelopeKey string
	userAgent   string
	backoff     util.Backoff
	limiter     *util.RateLimiter
	metrics     *metrics.Metrics
	log         *slog.Logger
}

// ClientOption customises a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default *http.Client.
func WithHTTPClient(h HTTPDoer) ClientOption {
	return func(c *Client) { c.http = h }
}

// WithMetrics records every attempt in m.
func WithMetrics(m *metrics.Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.log = l }
}

// WithSleep replaces the backoff wait, for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) ClientOption {
	return func(c *Client) { c.backoff.Sleep = sleep }
}

// NewClient builds a Client from the source configuration.
func NewClient(src config.Source, opts ...ClientOption) *Client {
	c := &Client{
		http:        &http.Client{Timeout: src.RequestTimeout},
		endpoint:    src.Endpoint,
		envelopeKey: src.EnvelopeKey,
		userAgent:   src.UserAgent,
		backoff: util.Backoff{
			MaxAttempts: src.MaxAttempts,
			Initial:     src.InitialBackoff,
			Max:         src.MaxBackoff,
			Retryable:   domain.IsTransient,
		},
		limiter: util.NewRateLimiter(src.RateLimitPerMin),
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With("component", "oc-client")
	return c
}

// FetchDay returns the provider records for day. Transient failures are
// retried with capped exponential backoff; permanent failures return at
// once. A response without the envelope field yields no records and no
// error. skipped counts array elements that did not decode as a record.
func (c *Client) FetchDay(ctx context.Context, day time.Time) (recs []domain.RawDispatchRecord, skipped int, err error) {
	fecha := day.Format(util.APIDateLayout)
	q := url.Values{}
	q.Set("Fecha", fecha)
	u := c.endpoint + "?" + q.Encode()

	b := c.backoff
	b.OnRetry = func(attempt int, err error, delay time.Duration) {
		c.log.Warn("fetch failed, retrying",
			"date", fecha,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
	}

	var body []byte
	err = util.Retry(ctx, b, func(ctx context.Context) error {
		var err error
		body, err = c.get(ctx, u, fecha)
		switch {
		case err == nil:
			c.metrics.FetchAttempt("ok")
		case domain.IsTransient(err):
			c.metrics.FetchAttempt("transient")
		case ctx.Err() == nil:
			c.metrics.FetchAttempt("permanent")
		}
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		return nil, 0, err
	}
	return c.decode(body, fecha)
}

// get performs one GET and classifies the failure.
func (c *Client) get(ctx context.Context, u, fecha string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &domain.PermanentFetchError{Date: fecha, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &domain.TransientFetchError{Date: fecha, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &domain.TransientFetchError{
			Date:       fecha,
			StatusCode: resp.StatusCode,
			Err:        errors.New(http.StatusText(resp.StatusCode)),
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &domain.PermanentFetchError{
			Date:       fecha,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s: %s", http.StatusText(resp.StatusCode), snippet),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &domain.TransientFetchError{Date: fecha, StatusCode: resp.StatusCode, Err: fmt.Errorf("reading body: %w", err)}
	}
	return body, nil
}

// decode extracts the record array from the JSON envelope.
func (c *Client) decode(body []byte, fecha string) ([]domain.RawDispatchRecord, int, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, 0, &domain.PermanentFetchError{Date: fecha, Err: fmt.Errorf("decoding envelope: %w", err)}
	}

	raw, ok := envelope[c.envelopeKey]
	if !ok || len(raw) == 0 || string(raw) == "null" {
		c.log.Warn("response has no records field", "date", fecha, "field", c.envelopeKey)
		return nil, 0, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, 0, &domain.PermanentFetchError{Date: fecha, Err: fmt.Errorf("field %s is not an array: %w", c.envelopeKey, err)}
	}

	recs := make([]domain.RawDispatchRecord, 0, len(items))
	skipped := 0
	for i, item := range items {
		var rec domain.RawDispatchRecord
		if err := json.Unmarshal(item, &rec); err != nil {
			skipped++
			c.log.Warn("skipping undecodable record", "date", fecha, "index", i, "error", err)
			continue
		}
		recs = append(recs, rec)
	}
	c.metrics.Malformed(skipped)
	return recs, skipped, nil
}
