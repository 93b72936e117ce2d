// ABOUTME: JSON-over-HTTP client shared by REST connectors
// ABOUTME: Classifies non-2xx responses into typed source errors and retries transient ones
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	cerrors "github.com/harperreed/contactsync/errors"
)

const maxErrorBody = 4 << 10

// Client sends JSON requests to one upstream API.
type Client struct {
	Source  string
	BaseURL string
	HTTP    *http.Client
	Header  http.Header
	Retry   Policy
	Logger  zerolog.Logger
}

// NewClient returns a client with a 30s timeout and the default retry policy.
func NewClient(source, baseURL string, header http.Header, logger zerolog.Logger) *Client {
	return &Client{
		Source:  source,
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		Header:  header,
		Retry:   DefaultPolicy(),
		Logger:  logger,
	}
}

// DoJSON sends body (when non-nil) and decodes a 2xx response into out (when non-nil).
func (c *Client) DoJSON(ctx context.Context, op, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", op, err)
		}
	}

	return Retry(ctx, c.Retry, c.Logger, func(ctx context.Context) error {
		return c.do(ctx, op, method, path, payload, out)
	})
}

func (c *Client) do(ctx context.Context, op, method, path string, payload []byte, out any) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", op, err)
	}
	for k, values := range c.Header {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return cerrors.NewSourceError(c.Source, op, cerrors.KindTransientNetwork, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		se := cerrors.NewStatusError(c.Source, op, resp.StatusCode, strings.TrimSpace(string(msg)))
		if d, ok := ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()); ok {
			se.RetryAfter = d
		}
		return se
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return cerrors.NewSourceError(c.Source, op, cerrors.KindTransientNetwork, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

// ParseRetryAfter reads a Retry-After header in either seconds or HTTP-date form.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	at, err := http.ParseTime(value)
	if err != nil {
		return 0, false
	}
	if d := at.Sub(now); d > 0 {
		return d, true
	}
	return 0, true
}
