// Package favicon fetches site icons and caches them content-addressed
// in the favicon partition of the blob store.
package favicon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tabdeck/tabdeck/internal/blobstore"
	"github.com/tabdeck/tabdeck/internal/content"
	"github.com/tabdeck/tabdeck/internal/models"
	"golang.org/x/sync/singleflight"
)

const (
	// probeTimeout bounds a single favicon probe; a slow site falls
	// back to the text icon rather than hanging the caller.
	probeTimeout = 5 * time.Second

	// maxIconBytes caps the accepted icon size.
	maxIconBytes = 2 * 1024 * 1024
)

// ErrNoFavicon is returned when the probe fails or times out.
var ErrNoFavicon = errors.New("no favicon available")

// probeOutcome tags the three ways a probe can finish.
type probeOutcome int

const (
	probeLoaded probeOutcome = iota
	probeFailed
	probeTimedOut
)

// probeResult is the tagged result of a single favicon probe.
type probeResult struct {
	outcome     probeOutcome
	data        []byte
	contentType string
}

// Fetcher probes sites for their favicon and stores hits in the blob
// store under the content hash of the bytes, so identical images map to
// the same key regardless of source URL.
type Fetcher struct {
	blobs      *blobstore.Store
	httpClient *http.Client
	logger     *slog.Logger

	// group collapses concurrent probes for the same page URL into a
	// single network request.
	group singleflight.Group
}

// NewFetcher creates a favicon fetcher. If httpClient is nil a client
// with the probe timeout is used.
func NewFetcher(blobs *blobstore.Store, httpClient *http.Client, logger *slog.Logger) *Fetcher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: probeTimeout}
	}

	return &Fetcher{
		blobs:      blobs,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Fetch resolves the favicon for pageURL, caching it in the favicon
// partition, and returns a blob reference to it. Concurrent calls for
// the same URL share one probe. Returns ErrNoFavicon when the site has
// no reachable icon.
func (f *Fetcher) Fetch(ctx context.Context, pageURL string) (*models.IconRef, error) {
	v, err, _ := f.group.Do(pageURL, func() (any, error) {
		return f.fetchOne(ctx, pageURL)
	})
	if err != nil {
		return nil, err
	}

	return v.(*models.IconRef), nil
}

func (f *Fetcher) fetchOne(ctx context.Context, pageURL string) (*models.IconRef, error) {
	iconURL, err := faviconURL(pageURL)
	if err != nil {
		return nil, err
	}

	res := f.probe(ctx, iconURL)

	switch res.outcome {
	case probeTimedOut:
		f.logger.Debug("favicon probe timed out", slog.String("url", iconURL))
		return nil, fmt.Errorf("%w: probe timed out for %s", ErrNoFavicon, iconURL)

	case probeFailed:
		f.logger.Debug("favicon probe failed", slog.String("url", iconURL))
		return nil, fmt.Errorf("%w: %s", ErrNoFavicon, iconURL)
	}

	key := content.Hash(res.data)

	// Content-addressed: if the key exists the bytes are already there.
	if !f.blobs.Has(blobstore.Favicons, key) {
		if err := f.blobs.Set(blobstore.Favicons, key, res.data); err != nil {
			return nil, fmt.Errorf("caching favicon: %w", err)
		}
	}

	f.logger.Debug("favicon cached",
		slog.String("url", iconURL),
		slog.String("key", key),
		slog.String("content_type", res.contentType),
	)

	return models.BlobRef(blobstore.Favicons, key), nil
}

// probe issues a single bounded GET and tags the outcome. This replaces
// the load/error/timeout callback race with one function returning an
// explicit result.
func (f *Fetcher) probe(ctx context.Context, iconURL string) probeResult {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, iconURL, nil)
	if err != nil {
		return probeResult{outcome: probeFailed}
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return probeResult{outcome: probeTimedOut}
		}

		return probeResult{outcome: probeFailed}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return probeResult{outcome: probeFailed}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxIconBytes))
	if err != nil || len(data) == 0 {
		return probeResult{outcome: probeFailed}
	}

	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = http.DetectContentType(data)
	}

	// Servers that answer favicon requests with an HTML error page are
	// treated as having no icon.
	if strings.HasPrefix(ct, "text/html") {
		return probeResult{outcome: probeFailed}
	}

	return probeResult{outcome: probeLoaded, data: data, contentType: ct}
}

// faviconURL derives the conventional icon location from a page URL.
func faviconURL(pageURL string) (string, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("parsing page URL: %w", err)
	}

	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("page URL %q has no scheme or host", pageURL)
	}

	return u.Scheme + "://" + u.Host + "/favicon.ico", nil
}
