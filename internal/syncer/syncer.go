// Package syncer implements the upload and download protocols that move
// the full local state (settings, apps, referenced binary assets) to and
// from the remote file store, with conflict and corruption detection and
// atomic-apply semantics on download.
package syncer

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
	"github.com/tabdeck/tabdeck/internal/blobstore"
	"github.com/tabdeck/tabdeck/internal/models"
	"github.com/tabdeck/tabdeck/internal/repository"
	"github.com/tabdeck/tabdeck/internal/wallpaper"
)

// envelopeName is the remote filename of the sync envelope. It is
// always uploaded last, after the assets it references.
const envelopeName = "settings.json"

// downloadExts are the extension candidates tried when fetching an
// asset. The canonical extension is not persisted in the reference, so
// all candidates are probed in order.
var downloadExts = []string{".png", ".ico", ".jpeg", ".bin"}

// RemoteStore is the file-store surface the orchestrator needs. The
// concrete implementation is internal/remote.Client.
type RemoteStore interface {
	CheckConnection(ctx context.Context) bool
	Upload(ctx context.Context, name string, payload []byte, contentType string) error
	Download(ctx context.Context, name string) ([]byte, error)
}

// Syncer orchestrates uploads and downloads. It is not reentrant: a
// second operation started while one is in flight fails with
// ErrSyncInFlight rather than interleaving remote writes.
type Syncer struct {
	repo   *repository.Repository
	blobs  *blobstore.Store
	remote RemoteStore
	logger *slog.Logger

	now func() time.Time

	inFlight atomic.Bool
}

// New creates a sync orchestrator. remote may be nil when no endpoint
// is configured; operations then fail with ErrMissingCredentials.
func New(repo *repository.Repository, blobs *blobstore.Store, remote RemoteStore, logger *slog.Logger) *Syncer {
	return &Syncer{
		repo:   repo,
		blobs:  blobs,
		remote: remote,
		logger: logger,
		now:    time.Now,
	}
}

// asset is one binary payload referenced by the sync payload.
type asset struct {
	// baseName is the remote filename without extension.
	baseName    string
	data        []byte
	contentType string
}

// remoteName is the deterministic upload filename.
func (a asset) remoteName() string {
	return a.baseName + extensionFor(a.contentType)
}

// extensionFor maps a content type to the upload extension. Unknown
// types fall back to .bin, which is also a download candidate.
func extensionFor(contentType string) string {
	switch {
	case strings.Contains(contentType, "png"):
		return ".png"
	case strings.Contains(contentType, "jpeg"), strings.Contains(contentType, "jpg"):
		return ".jpeg"
	case strings.Contains(contentType, "icon"):
		return ".ico"
	default:
		return ".bin"
	}
}

// enumerateAssets collects every binary asset the payload references:
// the active wallpaper when the source is the locally-stored slot, and
// each favicon blob referenced from the apps list. Legacy inline string
// payloads are normalized to raw bytes first.
func (s *Syncer) enumerateAssets(settings models.Settings, apps []models.App) []asset {
	var assets []asset

	if settings.String(models.SettingWallpaperSource) == wallpaper.SlotLocal {
		if a, ok := s.loadAsset(blobstore.Wallpapers, wallpaper.SlotLocal, "wallpaper_local"); ok {
			assets = append(assets, a)
		}
	}

	keys := lo.Uniq(lo.FilterMap(apps, func(a models.App, _ int) (string, bool) {
		if a.Img == nil || a.Img.Kind != models.RefBlob || a.Img.Store != blobstore.Favicons {
			return "", false
		}

		return a.Img.Key, true
	}))

	for _, key := range keys {
		if a, ok := s.loadAsset(blobstore.Favicons, key, "favicon_"+key); ok {
			assets = append(assets, a)
		}
	}

	return assets
}

// loadAsset reads one blob and normalizes it for upload. A missing or
// unreadable blob is skipped with a log line; the shortcut keeps its
// text fallback on other devices.
func (s *Syncer) loadAsset(store, key, baseName string) (asset, bool) {
	payload, err := s.blobs.Get(store, key)
	if err != nil || payload == nil {
		s.logger.Warn("referenced asset missing from blob store",
			slog.String("store", store),
			slog.String("key", key),
		)

		return asset{}, false
	}

	contentType, data, ok := blobstore.ParseDataURI(string(payload))
	if !ok {
		data = payload
		contentType = http.DetectContentType(payload)
	}

	return asset{baseName: baseName, data: data, contentType: contentType}, true
}

// isCorruptPlaceholder detects the known failure mode of a prior buggy
// serialization: the asset body is the stringified placeholder of a
// binary object instead of its bytes.
func isCorruptPlaceholder(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	trimmed = bytes.Trim(trimmed, `"`)

	return string(trimmed) == "[object Blob]" || string(trimmed) == "[object Object]"
}
