package synapse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	apperrors "github.com/Sage-Bionetworks/synapse-mcp/internal/errors"
)

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads. Search pages are
	// the largest responses and stay well under this.
	maxAPIResponseBytes = 4 * 1024 * 1024
)

// APIError is a failed Synapse REST call. StatusCode is zero when the
// request never got a response.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Reason     string
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("synapse %s %s: %v", e.Method, e.Path, e.Err)
	}

	return fmt.Sprintf("synapse %s %s returned %d: %s", e.Method, e.Path, e.StatusCode, e.Reason)
}

// Unwrap maps 404 to apperrors.ErrNotFound and everything else to
// apperrors.ErrAPIRequest.
func (e *APIError) Unwrap() []error {
	sentinel := apperrors.ErrAPIRequest
	if e.StatusCode == http.StatusNotFound {
		sentinel = apperrors.ErrNotFound
	}

	if e.Err == nil {
		return []error{sentinel}
	}

	return []error{sentinel, e.Err}
}

// Temporary reports whether retrying the call later may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode == 0 || isTransientStatus(e.StatusCode)
}

// IsTemporary reports whether err is an APIError worth retrying.
func IsTemporary(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Temporary()
}

// Client talks to the Synapse REST API. Every call takes the bearer
// credential to send, so one Client serves all sessions.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host, so the bearer credential never
// reaches a third-party domain.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates a client for the REST root baseURL. If httpClient is
// nil, a client with a 30-second timeout and same-host redirect policy
// is created.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// do sends one request and returns the raw JSON body of a 2xx response.
func (c *Client) do(ctx context.Context, method, path, token string, body any) ([]byte, error) {
	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request body: %w", err)
		}

		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &APIError{Method: method, Path: path, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return nil, &APIError{Method: method, Path: path, Err: fmt.Errorf("reading response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Synapse reports failures as {"reason": "..."}.
		reason := gjson.GetBytes(respBody, "reason").String()
		if reason == "" {
			reason = sanitizeResponseBody(respBody)
		}

		return nil, &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Reason: reason}
	}

	if !gjson.ValidBytes(respBody) {
		return nil, fmt.Errorf("%w: %s %s returned invalid JSON", apperrors.ErrAPIResponse, method, path)
	}

	return respBody, nil
}

// decode unmarshals a JSON object from a successful response.
func decode(raw []byte, what string) (map[string]any, error) {
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %v", apperrors.ErrAPIResponse, what, err)
	}

	return out, nil
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}
