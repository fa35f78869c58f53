// Package remote is a minimal authenticated client for a file-oriented
// WebDAV-style store: existence probe, idempotent PUT, GET with 404
// mapped to absence. Retries, if any, belong to the caller.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	tderr "github.com/tabdeck/tabdeck/internal/errors"
)

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client used
	// when no custom client is provided.
	httpClientTimeout = 30 * time.Second

	// maxDownloadBytes caps response body reads. Wallpapers are the
	// largest asset and stay well under this.
	maxDownloadBytes = 32 * 1024 * 1024
)

// StatusError reports a non-2xx, non-404 response from the remote store.
type StatusError struct {
	Name string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote %s returned status %d: %s", e.Name, e.Code, e.Body)
}

// Client talks to a WebDAV-style file store with fixed basic-auth
// credentials.
type Client struct {
	httpClient *http.Client
	baseURL    string
	username   string
	password   string
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host. This prevents the basic-auth
// header from leaking to third-party domains.
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

// NewClient creates a file store client for the given base URL and
// credentials. If httpClient is nil, a client with a 30-second timeout
// and same-host redirect policy is created.
func NewClient(baseURL, username, password string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		username:   username,
		password:   password,
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

func (c *Client) newRequest(ctx context.Context, method, name string, body io.Reader) (*http.Request, error) {
	url := c.baseURL
	if name != "" {
		url += "/" + name
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.SetBasicAuth(c.username, c.password)

	return req, nil
}

// CheckConnection probes the store root with a bounded-depth metadata
// request. It returns false on any transport or auth failure and never
// returns an error.
func (c *Client) CheckConnection(ctx context.Context) bool {
	req, err := c.newRequest(ctx, "PROPFIND", "", nil)
	if err != nil {
		return false
	}

	req.Header.Set("Depth", "0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDownloadBytes))

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Upload writes payload to <base>/<name> with an idempotent PUT.
func (c *Client) Upload(ctx context.Context, name string, payload []byte, contentType string) error {
	req, err := c.newRequest(ctx, http.MethodPut, name, bytes.NewReader(payload))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: uploading %s: %v", tderr.ErrRemoteUnreachable, name, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("uploading %s: %w", name, &StatusError{
			Name: name,
			Code: resp.StatusCode,
			Body: sanitizeResponseBody(body),
		})
	}

	return nil
}

// Download reads <base>/<name>. A 404 maps to (nil, nil): absence is a
// valid outcome, not an error. Any other non-2xx status is a
// StatusError.
func (c *Client) Download(ctx context.Context, name string) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, name, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: downloading %s: %v", tderr.ErrRemoteUnreachable, name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response for %s: %w", name, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("downloading %s: %w", name, &StatusError{
			Name: name,
			Code: resp.StatusCode,
			Body: sanitizeResponseBody(body),
		})
	}

	return body, nil
}
