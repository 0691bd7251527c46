// Package fetch is the HTTP side of the harvester: plain GETs with a
// bounded retry budget and an optional append-only trace log of request
// and response bodies.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
)

// DefaultUserAgent identifies the harvester to upstream repositories.
const DefaultUserAgent = "metastore-harvest"

const (
	DefaultMaxTries  = 5
	DefaultRetryWait = 30 * time.Second
)

// UpstreamError is returned once all retries are exhausted. Status is
// zero when the failure was at the transport level.
type UpstreamError struct {
	URL    string
	Status int
	Cause  error
}

func (e *UpstreamError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("request to %s failed: %v", e.URL, e.Cause)
	}
	return fmt.Sprintf("request to %s failed with status %d", e.URL, e.Status)
}

func (e *UpstreamError) Unwrap() error { return e.Cause }

// Client issues GETs with retries. The zero value is usable with the
// package defaults.
type Client struct {
	HTTP      *http.Client
	MaxTries  int
	RetryWait time.Duration
	UserAgent string

	// TracePath, when set, receives timestamped request URLs and raw
	// response bodies. Appends are best-effort: a failed trace write is
	// logged, never fatal.
	TracePath string
}

// Get fetches url, retrying on transport failure or any status >= 300
// with a fixed wait between attempts. It returns the final status and
// body on success, or an UpstreamError after the last attempt.
func (c *Client) Get(ctx context.Context, url string, headers map[string]string) (int, []byte, error) {
	var httpClient = c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	var maxTries = c.MaxTries
	if maxTries <= 0 {
		maxTries = DefaultMaxTries
	}
	var wait = c.RetryWait
	if wait <= 0 {
		wait = DefaultRetryWait
	}
	var agent = c.UserAgent
	if agent == "" {
		agent = DefaultUserAgent
	}

	var status int
	var body []byte

	var attempt = func() error {
		c.trace("REQUEST", []byte(url))

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("building request for %s: %w", url, err))
		}
		req.Header.Set("User-Agent", agent)
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := httpClient.Do(req)
		if err != nil {
			log.WithFields(log.Fields{"url": url, "error": err}).Warn("request failed, retrying")
			return &UpstreamError{URL: url, Cause: err}
		}
		defer resp.Body.Close()

		status = resp.StatusCode
		if body, err = io.ReadAll(resp.Body); err != nil {
			log.WithFields(log.Fields{"url": url, "error": err}).Warn("reading response failed, retrying")
			return &UpstreamError{URL: url, Status: status, Cause: err}
		}
		c.trace("RESPONSE", body)

		if status >= 300 {
			log.WithFields(log.Fields{"url": url, "status": status}).Warn("unexpected status, retrying")
			return &UpstreamError{URL: url, Status: status}
		}
		return nil
	}

	var policy = backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(wait), uint64(maxTries-1)), ctx)

	if err := backoff.Retry(attempt, policy); err != nil {
		var ue *UpstreamError
		if errors.As(err, &ue) {
			return ue.Status, nil, ue
		}
		return 0, nil, &UpstreamError{URL: url, Cause: err}
	}
	return status, body, nil
}

func (c *Client) trace(kind string, payload []byte) {
	if c.TracePath == "" {
		return
	}
	var f, err = os.OpenFile(c.TracePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.WithFields(log.Fields{"path": c.TracePath, "error": err}).Warn("opening trace log")
		return
	}
	defer f.Close()

	fmt.Fprintf(f, "%s %s:\n", time.Now().Format(time.RFC3339), kind)
	f.Write(payload)
	io.WriteString(f, "\n\n")
}
