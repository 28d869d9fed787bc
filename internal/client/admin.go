package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// AdminClient talks to the sandbox /admin/* endpoints.
type AdminClient struct {
	base string
	http *http.Client
}

// NewAdmin creates an AdminClient for the sandbox at baseURL (scheme and
// host, no path) with a 5-second timeout.
func NewAdmin(baseURL string) *AdminClient {
	return &AdminClient{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: 5 * time.Second},
	}
}

// AdminURL derives the admin base from an API base URL such as
// "http://localhost:4250/sdk".
func AdminURL(apiBase string) (string, error) {
	u, err := url.Parse(apiBase)
	if err != nil {
		return "", fmt.Errorf("parsing %q: %w", apiBase, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%q is not an absolute URL", apiBase)
	}
	return u.Scheme + "://" + u.Host, nil
}

func (c *AdminClient) do(ctx context.Context, method, path string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s %s returned status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(data))
	}
	return data, nil
}

// Health checks GET /admin/health. Returns (ok, response body or error message).
func (c *AdminClient) Health(ctx context.Context) (bool, string) {
	body, err := c.do(ctx, http.MethodGet, "/admin/health", nil)
	if err != nil {
		return false, err.Error()
	}
	return true, strings.TrimSpace(string(body))
}

// WaitHealthy polls Health with exponential backoff until the sandbox
// answers or maxWait elapses.
func (c *AdminClient) WaitHealthy(ctx context.Context, maxWait time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = maxWait

	return backoff.Retry(func() error {
		if ok, msg := c.Health(ctx); !ok {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return errors.New(msg)
		}
		return nil
	}, backoff.WithContext(b, ctx))
}

// Reset calls POST /admin/reset.
func (c *AdminClient) Reset(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, "/admin/reset", nil)
	return err
}

// Seed POSTs the contents of a JSON file to /admin/state.
func (c *AdminClient) Seed(ctx context.Context, filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("reading seed file: %w", err)
	}
	if _, err := c.do(ctx, http.MethodPost, "/admin/state", bytes.NewReader(data)); err != nil {
		return fmt.Errorf("seed failed: %w", err)
	}
	return nil
}

// OTP returns the code the sandbox last issued to a number.
func (c *AdminClient) OTP(ctx context.Context, countryCode, number string) (string, error) {
	q := url.Values{"country": {countryCode}, "number": {number}}
	body, err := c.do(ctx, http.MethodGet, "/admin/otp?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	var out struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decoding otp: %w", err)
	}
	return out.Code, nil
}

// AdvanceTime moves the sandbox clock forward by d.
func (c *AdminClient) AdvanceTime(ctx context.Context, d time.Duration) error {
	body, _ := json.Marshal(map[string]string{"duration": d.String()})
	_, err := c.do(ctx, http.MethodPost, "/admin/time/advance", bytes.NewReader(body))
	return err
}

// RevokeTokens invalidates every token the sandbox has issued and returns
// how many were live.
func (c *AdminClient) RevokeTokens(ctx context.Context) (int, error) {
	body, err := c.do(ctx, http.MethodPost, "/admin/tokens/revoke", nil)
	if err != nil {
		return 0, err
	}
	var out struct {
		Revoked int `json:"revoked"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, fmt.Errorf("decoding revoke response: %w", err)
	}
	return out.Revoked, nil
}
