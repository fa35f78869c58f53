// Package migrate moves state written by older installs into the
// current storage layout: wallpaper payloads out of the app bucket into
// blob store slots, inline shortcut icons into content-addressed
// favicon blobs, and the legacy custom search engine JSON into the
// engine registry. The migration runs at startup and is idempotent; a
// second run finds nothing left to move.
package migrate

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/tidwall/gjson"

	"github.com/tabdeck/tabdeck/internal/blobstore"
	"github.com/tabdeck/tabdeck/internal/content"
	"github.com/tabdeck/tabdeck/internal/models"
	"github.com/tabdeck/tabdeck/internal/repository"
	"github.com/tabdeck/tabdeck/internal/wallpaper"
)

// Legacy top-level keys consumed by the migration.
const (
	legacyWallpaper       = "wallpaperData"
	legacyBingWallpaper   = "currentBingWallpaper"
	legacyGoogleWallpaper = "currentGoogleWallpaper"
	legacyCustomEngines   = "customSearchEngines"
	legacyEngineIcons     = "customEngineIcons"
)

// wallpaperSlots maps each legacy wallpaper key to its blob store slot.
var wallpaperSlots = map[string]string{
	legacyWallpaper:       wallpaper.SlotLocal,
	legacyBingWallpaper:   wallpaper.SlotBing,
	legacyGoogleWallpaper: wallpaper.SlotGoogle,
}

// Result counts what a migration run moved.
type Result struct {
	Wallpapers int
	Favicons   int
	Engines    int
}

// Empty reports whether the run found nothing to migrate.
func (r *Result) Empty() bool {
	return r.Wallpapers == 0 && r.Favicons == 0 && r.Engines == 0
}

// Run performs the full startup migration. Each legacy key is cleared
// only after its payload has been written to the new location, so an
// interrupted run resumes cleanly on the next start.
func Run(repo *repository.Repository, blobs *blobstore.Store, logger *slog.Logger) (*Result, error) {
	result := &Result{}

	if err := migrateWallpapers(repo, blobs, result); err != nil {
		return nil, err
	}

	if err := migrateAppIcons(repo, blobs, result); err != nil {
		return nil, err
	}

	if err := migrateEngines(repo, blobs, logger, result); err != nil {
		return nil, err
	}

	if !result.Empty() {
		logger.Info("legacy state migrated",
			slog.Int("wallpapers", result.Wallpapers),
			slog.Int("favicons", result.Favicons),
			slog.Int("engines", result.Engines),
		)
	}

	return result, nil
}

// migrateWallpapers moves each legacy wallpaper payload into its blob
// store slot.
func migrateWallpapers(repo *repository.Repository, blobs *blobstore.Store, result *Result) error {
	for key, slot := range wallpaperSlots {
		raw, err := repo.Legacy(key)
		if err != nil {
			return err
		}

		if raw == nil {
			continue
		}

		// Legacy values were stored JSON-encoded; unwrap the string
		// form when present, then decode a data URI down to raw bytes.
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			raw = []byte(s)
		}

		if err := blobs.Set(blobstore.Wallpapers, slot, blobstore.Normalize(raw)); err != nil {
			return fmt.Errorf("migrating %s: %w", key, err)
		}

		if err := repo.ClearLegacy(key); err != nil {
			return err
		}

		result.Wallpapers++
	}

	return nil
}

// migrateAppIcons rewrites inline data URI shortcut icons into
// content-addressed favicon blob references.
func migrateAppIcons(repo *repository.Repository, blobs *blobstore.Store, result *Result) error {
	apps := repo.Apps()

	dirty := false

	for i, app := range apps {
		if app.Img == nil || app.Img.Kind != models.RefInline {
			continue
		}

		_, data, ok := blobstore.ParseDataURI(app.Img.Data)
		if !ok {
			// Not a data URI; leave the reference alone.
			continue
		}

		key := content.Hash(data)

		if !blobs.Has(blobstore.Favicons, key) {
			if err := blobs.Set(blobstore.Favicons, key, data); err != nil {
				return fmt.Errorf("migrating icon for %s: %w", app.URL, err)
			}
		}

		apps[i].Img = models.BlobRef(blobstore.Favicons, key)

		dirty = true
		result.Favicons++
	}

	if !dirty {
		return nil
	}

	return repo.Apply(repo.Settings(), apps)
}

// migrateEngines merges the legacy custom search engine JSON into the
// engine registry. Engine values come in two historic shapes: a flat
// string holding the web template, or an object of search type to
// template. Icons from the companion key are stored content-addressed
// and attached.
func migrateEngines(repo *repository.Repository, blobs *blobstore.Store, logger *slog.Logger, result *Result) error {
	raw, err := repo.Legacy(legacyCustomEngines)
	if err != nil {
		return err
	}

	if raw == nil {
		return nil
	}

	if !gjson.ValidBytes(raw) {
		logger.Warn("discarding unreadable legacy engine data")
		return repo.ClearLegacy(legacyCustomEngines)
	}

	icons, err := legacyIcons(repo, blobs)
	if err != nil {
		return err
	}

	gjson.ParseBytes(raw).ForEach(func(name, value gjson.Result) bool {
		engine := models.CustomEngine{Templates: models.SearchEngine{}}

		if value.Type == gjson.String {
			engine.Templates["web"] = value.String()
		} else {
			value.ForEach(func(searchType, template gjson.Result) bool {
				engine.Templates[searchType.String()] = template.String()
				return true
			})
		}

		if key, ok := icons[name.String()]; ok {
			engine.Icon = models.BlobRef(blobstore.Favicons, key)
		}

		if err := repo.SetCustomEngine(name.String(), engine); err != nil {
			// A legacy engine shadowing a built-in is dropped.
			logger.Warn("skipping legacy engine",
				slog.String("engine", name.String()),
				slog.String("error", err.Error()),
			)

			return true
		}

		result.Engines++

		return true
	})

	if err := repo.ClearLegacy(legacyCustomEngines); err != nil {
		return err
	}

	return repo.ClearLegacy(legacyEngineIcons)
}

// legacyIcons stores each legacy engine icon in the favicon partition
// and returns engine name to blob key.
func legacyIcons(repo *repository.Repository, blobs *blobstore.Store) (map[string]string, error) {
	raw, err := repo.Legacy(legacyEngineIcons)
	if err != nil {
		return nil, err
	}

	if raw == nil || !gjson.ValidBytes(raw) {
		return nil, nil
	}

	icons := make(map[string]string)

	var failed error

	gjson.ParseBytes(raw).ForEach(func(name, value gjson.Result) bool {
		_, data, ok := blobstore.ParseDataURI(value.String())
		if !ok {
			return true
		}

		key := content.Hash(data)

		if !blobs.Has(blobstore.Favicons, key) {
			if err := blobs.Set(blobstore.Favicons, key, data); err != nil {
				failed = fmt.Errorf("migrating engine icon %s: %w", name.String(), err)
				return false
			}
		}

		icons[name.String()] = key

		return true
	})

	if failed != nil {
		return nil, failed
	}

	return icons, nil
}
