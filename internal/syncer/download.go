package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/samber/lo"
	"github.com/tabdeck/tabdeck/internal/blobstore"
	"github.com/tabdeck/tabdeck/internal/content"
	"github.com/tabdeck/tabdeck/internal/errors"
	"github.com/tabdeck/tabdeck/internal/models"
	"github.com/tabdeck/tabdeck/internal/wallpaper"
)

// Mode selects how downloaded state is applied.
type Mode string

const (
	// ModeOverwrite replaces local settings and apps wholesale with
	// remote values. Credential fields are preserved.
	ModeOverwrite Mode = "overwrite"

	// ModeMerge unions apps by URL (remote wins on collision) and
	// shallow-merges settings (remote keys override, credentials
	// untouched).
	ModeMerge Mode = "merge"
)

// DownloadResult reports what a download did.
type DownloadResult struct {
	// UpToDate is true when the remote payload hash matched the local
	// one and nothing was fetched or applied.
	UpToDate bool

	Mode          Mode
	Apps          int
	MissingAssets int
}

// Download pulls the remote state and applies it. Asset resolution
// happens before any state mutation; an error before the apply step
// leaves local state untouched. Missing or corrupt individual assets
// are tolerated, counted, and logged.
func (s *Syncer) Download(ctx context.Context, mode Mode) (*DownloadResult, error) {
	if s.remote == nil {
		return nil, errors.ErrMissingCredentials
	}

	if !s.inFlight.CompareAndSwap(false, true) {
		return nil, errors.ErrSyncInFlight
	}
	defer s.inFlight.Store(false)

	if mode != ModeOverwrite && mode != ModeMerge {
		return nil, fmt.Errorf("unknown download mode %q", mode)
	}

	body, err := s.remote.Download(ctx, envelopeName)
	if err != nil {
		return nil, fmt.Errorf("downloading envelope: %w", err)
	}

	if body == nil {
		return nil, fmt.Errorf("%s: %w", envelopeName, errors.ErrRemoteNotFound)
	}

	var envelope models.Envelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decoding remote envelope: %w", err)
	}

	apps := models.CompactApps(envelope.Apps)

	localHash, err := content.PayloadHash(s.repo.Settings(), s.repo.Apps())
	if err != nil {
		return nil, fmt.Errorf("hashing local payload: %w", err)
	}

	if envelope.PayloadHash != "" && envelope.PayloadHash == localHash {
		s.logger.Info("already up to date", slog.String("hash", localHash))
		return &DownloadResult{UpToDate: true, Mode: mode}, nil
	}

	missing := s.resolveAssets(ctx, envelope.Settings, apps)

	newSettings, newApps := s.applyPlan(mode, envelope.Settings, apps)

	if err := s.repo.Apply(newSettings, newApps); err != nil {
		return nil, fmt.Errorf("applying downloaded state: %w", err)
	}

	s.logger.Info("download applied",
		slog.String("mode", string(mode)),
		slog.Int("apps", len(newApps)),
		slog.Int("missing_assets", missing),
	)

	return &DownloadResult{Mode: mode, Apps: len(newApps), MissingAssets: missing}, nil
}

// resolveAssets makes sure every binary asset the incoming state could
// reference is present locally before the apply step. Content-addressed
// favicon keys turn the check into pure existence: present means the
// bytes are already known-correct for the hash.
func (s *Syncer) resolveAssets(ctx context.Context, settings models.Settings, apps []models.App) (missing int) {
	if settings.String(models.SettingWallpaperSource) == wallpaper.SlotLocal &&
		!s.blobs.Has(blobstore.Wallpapers, wallpaper.SlotLocal) {
		if !s.fetchAsset(ctx, "wallpaper_local", blobstore.Wallpapers, wallpaper.SlotLocal) {
			missing++
		}
	}

	keys := lo.Uniq(lo.FilterMap(apps, func(a models.App, _ int) (string, bool) {
		if a.Img == nil || a.Img.Kind != models.RefBlob || a.Img.Store != blobstore.Favicons {
			return "", false
		}

		return a.Img.Key, true
	}))

	for _, key := range keys {
		if s.blobs.Has(blobstore.Favicons, key) {
			continue
		}

		if !s.fetchAsset(ctx, "favicon_"+key, blobstore.Favicons, key) {
			missing++
		}
	}

	return missing
}

// fetchAsset tries each extension candidate for one asset and stores
// the first sound payload. Corrupt placeholder bodies are discarded and
// never written to the blob store. Returns false when no candidate
// yielded a usable payload.
func (s *Syncer) fetchAsset(ctx context.Context, baseName, store, key string) bool {
	for _, ext := range downloadExts {
		name := baseName + ext

		body, err := s.remote.Download(ctx, name)
		if err != nil {
			s.logger.Warn("asset download failed",
				slog.String("name", name),
				slog.String("error", err.Error()),
			)

			continue
		}

		if body == nil {
			continue
		}

		if isCorruptPlaceholder(body) {
			s.logger.Warn("discarding corrupt asset",
				slog.String("name", name),
				slog.String("error", errors.ErrCorruptAsset.Error()),
			)

			continue
		}

		if err := s.blobs.Set(store, key, body); err != nil {
			s.logger.Warn("storing downloaded asset failed",
				slog.String("name", name),
				slog.String("error", err.Error()),
			)

			return false
		}

		return true
	}

	return false
}

// applyPlan computes the post-download settings and apps for a mode.
// Credential fields never move in either direction: local values are
// kept and remote values, should an old client have uploaded any, are
// dropped.
func (s *Syncer) applyPlan(mode Mode, remoteSettings models.Settings, remoteApps []models.App) (models.Settings, []models.App) {
	local := s.repo.Settings()

	switch mode {
	case ModeMerge:
		merged := local.Clone()
		for k, v := range remoteSettings {
			if models.IsCredentialKey(k) {
				continue
			}

			merged[k] = v
		}

		return merged, mergeApps(s.repo.Apps(), remoteApps)

	default: // ModeOverwrite
		next := remoteSettings.WithoutCredentials()
		for _, k := range models.CredentialKeys() {
			if v, ok := local[k]; ok {
				next[k] = v
			}
		}

		return next, remoteApps
	}
}

// mergeApps unions two shortcut lists by URL. Remote entries replace
// local ones sharing a URL; remote-only entries append in remote order.
func mergeApps(local, remote []models.App) []models.App {
	remoteByURL := lo.KeyBy(remote, func(a models.App) string { return a.URL })

	localURLs := make(map[string]bool, len(local))

	out := make([]models.App, 0, len(local)+len(remote))

	for _, a := range local {
		localURLs[a.URL] = true

		if r, ok := remoteByURL[a.URL]; ok {
			out = append(out, r)
			continue
		}

		out = append(out, a)
	}

	appended := make(map[string]bool)

	for _, a := range remote {
		if localURLs[a.URL] || appended[a.URL] {
			continue
		}

		appended[a.URL] = true
		out = append(out, a)
	}

	return out
}
