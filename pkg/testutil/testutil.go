// Package testutil provides HTTP clients and assertions for testing the
// sandbox verification server.
package testutil

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/wondertwin-ai/phoneverify/internal/signing"
	"github.com/wondertwin-ai/phoneverify/internal/transport"
)

// TwinClient sends requests to a sandbox server in tests.
type TwinClient struct {
	BaseURL    string
	HTTPClient *http.Client
	// Signer signs API calls and checks response signatures. Nil sends unsigned calls.
	Signer *signing.Signer
	// Headers are added to every API call.
	Headers map[string]string
	t       *testing.T
}

// NewTwinClient creates a client for server.
func NewTwinClient(t *testing.T, server *httptest.Server, signer *signing.Signer) *TwinClient {
	return &TwinClient{
		BaseURL:    server.URL,
		HTTPClient: server.Client(),
		Signer:     signer,
		Headers: map[string]string{
			transport.HeaderOSFamily:    "linux",
			transport.HeaderOSRevision:  "6.1",
			transport.HeaderSDKRevision: "1",
		},
		t: t,
	}
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
	t          *testing.T
}

// JSON decodes the body into v.
func (r *Response) JSON(v any) {
	r.t.Helper()
	if err := json.Unmarshal(r.Body, v); err != nil {
		r.t.Fatalf("failed to unmarshal response: %v\nbody: %s", err, r.Body)
	}
}

// JSONMap decodes the body into a map.
func (r *Response) JSONMap() map[string]any {
	r.t.Helper()
	var m map[string]any
	r.JSON(&m)
	return m
}

// String returns the field as a string, converting numbers.
func (r *Response) String(field string) string {
	r.t.Helper()
	switch v := r.JSONMap()[field].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		r.t.Fatalf("field %s has unexpected type %T", field, v)
		return ""
	}
}

// AssertStatus checks the HTTP status code.
func (r *Response) AssertStatus(expected int) *Response {
	r.t.Helper()
	if r.StatusCode != expected {
		r.t.Errorf("expected status %d, got %d\nbody: %s", expected, r.StatusCode, r.Body)
	}
	return r
}

// AssertResult checks the result_code field of an API answer.
func (r *Response) AssertResult(code int) *Response {
	r.t.Helper()
	if got := r.String("result_code"); got != strconv.Itoa(code) {
		r.t.Errorf("expected result_code %d, got %s\nbody: %s", code, got, r.Body)
	}
	return r
}

// AssertUserStatus checks the user_status field.
func (r *Response) AssertUserStatus(status string) *Response {
	r.t.Helper()
	if got := r.String("user_status"); got != status {
		r.t.Errorf("expected user_status %q, got %q\nbody: %s", status, got, r.Body)
	}
	return r
}

// AssertSigned checks the response signature against signer.
func (r *Response) AssertSigned(signer *signing.Signer) *Response {
	r.t.Helper()
	ts := r.String(signing.ParamTimestamp)
	if !signer.Verify(ts, r.Body, r.Headers.Get(transport.HeaderSignature)) {
		r.t.Errorf("response signature does not verify\nbody: %s", r.Body)
	}
	return r
}

// AssertBodyContains checks that the body contains substr.
func (r *Response) AssertBodyContains(substr string) *Response {
	r.t.Helper()
	if !strings.Contains(string(r.Body), substr) {
		r.t.Errorf("expected body to contain %q, got: %s", substr, r.Body)
	}
	return r
}

// Call sends an API call for method ("token", "verify/check", ...) with
// params, signing them when the client has a signer.
func (c *TwinClient) Call(method string, params map[string]string) *Response {
	c.t.Helper()
	values := url.Values{}
	signed := make(map[string]string, len(params)+2)
	for k, v := range params {
		signed[k] = v
	}
	if c.Signer != nil {
		c.Signer.Sign(signed)
	}
	for k, v := range signed {
		values.Set(k, v)
	}

	req, err := http.NewRequest(http.MethodGet, c.BaseURL+"/sdk/"+method+"?"+values.Encode(), nil)
	if err != nil {
		c.t.Fatalf("failed to create request: %v", err)
	}
	for k, v := range c.Headers {
		req.Header.Set(k, v)
	}
	return c.doReq(req)
}

// Get performs a plain GET.
func (c *TwinClient) Get(path string) *Response {
	c.t.Helper()
	return c.do(http.MethodGet, path, nil)
}

// Post performs a POST with a JSON body.
func (c *TwinClient) Post(path string, body any) *Response {
	c.t.Helper()
	return c.do(http.MethodPost, path, body)
}

// Delete performs a DELETE.
func (c *TwinClient) Delete(path string) *Response {
	c.t.Helper()
	return c.do(http.MethodDelete, path, nil)
}

func (c *TwinClient) do(method, path string, body any) *Response {
	c.t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			c.t.Fatalf("failed to marshal body: %v", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.BaseURL+path, rd)
	if err != nil {
		c.t.Fatalf("failed to create request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.doReq(req)
}

func (c *TwinClient) doReq(req *http.Request) *Response {
	c.t.Helper()
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		c.t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.t.Fatalf("failed to read response: %v", err)
	}
	return &Response{StatusCode: resp.StatusCode, Body: body, Headers: resp.Header, t: c.t}
}

// AdminClient wraps the /admin control plane.
type AdminClient struct {
	*TwinClient
}

// NewAdminClient creates an admin client sharing tc's connection.
func NewAdminClient(tc *TwinClient) *AdminClient {
	return &AdminClient{tc}
}

// Reset calls POST /admin/reset.
func (ac *AdminClient) Reset() *Response {
	ac.t.Helper()
	return ac.Post("/admin/reset", nil)
}

// State calls GET /admin/state.
func (ac *AdminClient) State() *Response {
	ac.t.Helper()
	return ac.Get("/admin/state")
}

// LoadState calls POST /admin/state.
func (ac *AdminClient) LoadState(state any) *Response {
	ac.t.Helper()
	return ac.Post("/admin/state", state)
}

// InjectFault calls POST /admin/fault/{path}.
func (ac *AdminClient) InjectFault(path string, fault any) *Response {
	ac.t.Helper()
	return ac.Post("/admin/fault/"+strings.TrimPrefix(path, "/"), fault)
}

// RemoveFault calls DELETE /admin/fault/{path}.
func (ac *AdminClient) RemoveFault(path string) *Response {
	ac.t.Helper()
	return ac.Delete("/admin/fault/" + strings.TrimPrefix(path, "/"))
}

// Requests calls GET /admin/requests.
func (ac *AdminClient) Requests() *Response {
	ac.t.Helper()
	return ac.Get("/admin/requests")
}

// AdvanceTime calls POST /admin/time/advance.
func (ac *AdminClient) AdvanceTime(duration string) *Response {
	ac.t.Helper()
	return ac.Post("/admin/time/advance", map[string]string{"duration": duration})
}

// Health calls GET /admin/health.
func (ac *AdminClient) Health() *Response {
	ac.t.Helper()
	return ac.Get("/admin/health")
}

// OTP returns the code sent for a pending verification, failing the test
// when there is none.
func (ac *AdminClient) OTP(countryCode, number string) string {
	ac.t.Helper()
	q := url.Values{"country": {countryCode}, "number": {number}}
	resp := ac.Get("/admin/otp?" + q.Encode()).AssertStatus(http.StatusOK)
	var body struct {
		Code string `json:"code"`
	}
	resp.JSON(&body)
	if body.Code == "" {
		ac.t.Fatalf("no code issued for %s %s", countryCode, number)
	}
	return body.Code
}
