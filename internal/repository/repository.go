// Package repository holds the mutable apps/settings model and persists
// it to the small key-value store. It is the unit of mutation for the
// UI: every mutation validates, persists, and only then updates the
// in-memory state, so a failed write leaves the model untouched.
package repository

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tabdeck/tabdeck/internal/errors"
	"github.com/tabdeck/tabdeck/internal/models"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/text/unicode/norm"
)

const (
	dbDirPerm  = fs.FileMode(0o700)
	dbFilePerm = fs.FileMode(0o600)

	// dbOpenTimeout is the maximum time to wait for the bolt file lock.
	dbOpenTimeout = 5 * time.Second
)

var (
	appBucket        = []byte("app")
	appsKey          = []byte("apps")
	settingsKey      = []byte("settings")
	originKey        = []byte("originId")
	customEnginesKey = []byte("customEngines")
)

// Repository is the in-memory + persisted model of apps and settings.
//
// Mutations take a mutex around the mutate-and-persist pair: the UI's
// single-writer discipline is assumed, but overlapping calls are made
// safe rather than silently corrupting.
type Repository struct {
	db     *bolt.DB
	logger *slog.Logger

	mu       sync.Mutex
	apps     []models.App
	settings models.Settings
}

// Load opens the state database under dataDir and reconstructs the
// model, falling back to built-in defaults when a document is absent
// and persisting those defaults back, so absence is migrated to
// presence exactly once.
func Load(dataDir string, logger *slog.Logger) (*Repository, error) {
	return LoadAt(filepath.Join(dataDir, "state.db"), logger)
}

// LoadAt opens a state database at the given path. Useful for tests
// that need an isolated database.
func LoadAt(path string, logger *slog.Logger) (*Repository, error) {
	if err := os.MkdirAll(filepath.Dir(path), dbDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, dbFilePerm, &bolt.Options{Timeout: dbOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(appBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	r := &Repository{db: db, logger: logger}
	if err := r.load(); err != nil {
		db.Close()
		return nil, err
	}

	return r, nil
}

// Close closes the database.
func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) load() error {
	var (
		rawApps     []byte
		rawSettings []byte
	)

	err := r.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)
		rawApps = clone(b.Get(appsKey))
		rawSettings = clone(b.Get(settingsKey))

		return nil
	})
	if err != nil {
		return fmt.Errorf("reading state: %w", err)
	}

	apps, appsDirty, err := decodeApps(rawApps)
	if err != nil {
		return err
	}

	settings, settingsDirty, err := decodeSettings(rawSettings)
	if err != nil {
		return err
	}

	r.apps = apps
	r.settings = settings

	// Persist defaults and icon-type corrections before first use.
	if appsDirty {
		if err := r.persistApps(apps); err != nil {
			return err
		}
	}

	if settingsDirty {
		if err := r.persistSettings(settings); err != nil {
			return err
		}
	}

	return nil
}

func decodeApps(raw []byte) (apps []models.App, dirty bool, err error) {
	if raw == nil {
		return defaultApps(), true, nil
	}

	var decoded []*models.App
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, false, fmt.Errorf("decoding stored apps: %w", err)
	}

	apps = models.CompactApps(decoded)
	dirty = len(apps) != len(decoded)

	// Legacy records may lack an explicit icon type: default to the
	// uploaded image when one is present, otherwise a colored tile.
	for i := range apps {
		if apps[i].IconType != "" {
			continue
		}

		if apps[i].Img != nil {
			apps[i].IconType = models.IconUpload
		} else {
			apps[i].IconType = models.IconColor
		}

		dirty = true
	}

	return apps, dirty, nil
}

func decodeSettings(raw []byte) (models.Settings, bool, error) {
	if raw == nil {
		return defaultSettings(), true, nil
	}

	var settings models.Settings
	if err := json.Unmarshal(raw, &settings); err != nil {
		return nil, false, fmt.Errorf("decoding stored settings: %w", err)
	}

	return settings, false, nil
}

func defaultApps() []models.App {
	return []models.App{}
}

func defaultSettings() models.Settings {
	return models.Settings{
		"layout":                      "grid",
		"iconStyle":                   "rounded",
		"showSearchBox":               true,
		"searchEngine":                "google",
		"searchType":                  "web",
		models.SettingWallpaperSource: "bing",
	}
}

// Apps returns a copy of the ordered shortcut list.
func (r *Repository) Apps() []models.App {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]models.App, len(r.apps))
	copy(out, r.apps)

	return out
}

// GetApp returns the app at index i.
func (r *Repository) GetApp(i int) (models.App, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if i < 0 || i >= len(r.apps) {
		return models.App{}, errors.ErrInvalidIndex
	}

	return r.apps[i], nil
}

// AddApp appends a shortcut and persists the full list.
func (r *Repository) AddApp(app models.App) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	app.Name = norm.NFC.String(app.Name)

	next := make([]models.App, len(r.apps), len(r.apps)+1)
	copy(next, r.apps)
	next = append(next, app)

	if err := r.persistApps(next); err != nil {
		return err
	}

	r.apps = next

	return nil
}

// UpdateApp replaces the app at index i.
func (r *Repository) UpdateApp(i int, app models.App) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if i < 0 || i >= len(r.apps) {
		return errors.ErrInvalidIndex
	}

	app.Name = norm.NFC.String(app.Name)

	next := make([]models.App, len(r.apps))
	copy(next, r.apps)
	next[i] = app

	if err := r.persistApps(next); err != nil {
		return err
	}

	r.apps = next

	return nil
}

// DeleteApp removes the app at index i.
func (r *Repository) DeleteApp(i int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if i < 0 || i >= len(r.apps) {
		return errors.ErrInvalidIndex
	}

	next := make([]models.App, 0, len(r.apps)-1)
	next = append(next, r.apps[:i]...)
	next = append(next, r.apps[i+1:]...)

	if err := r.persistApps(next); err != nil {
		return err
	}

	r.apps = next

	return nil
}

// Reorder moves the app at index i to index j, shifting the rest.
// Identity is positional, so this is a data mutation and persists the
// whole list.
func (r *Repository) Reorder(i, j int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if i < 0 || i >= len(r.apps) || j < 0 || j >= len(r.apps) {
		return errors.ErrInvalidIndices
	}

	if i == j {
		return nil
	}

	next := make([]models.App, 0, len(r.apps))
	next = append(next, r.apps...)

	moved := next[i]
	next = append(next[:i], next[i+1:]...)
	next = append(next[:j], append([]models.App{moved}, next[j:]...)...)

	if err := r.persistApps(next); err != nil {
		return err
	}

	r.apps = next

	return nil
}

// Settings returns a copy of the settings map.
func (r *Repository) Settings() models.Settings {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.settings.Clone()
}

// UpdateSetting sets a single value and persists the settings map.
func (r *Repository) UpdateSetting(key string, value any) error {
	return r.UpdateSettings(models.Settings{key: value})
}

// UpdateSettings applies a partial settings map and persists.
func (r *Repository) UpdateSettings(partial models.Settings) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.settings.Clone()
	for k, v := range partial {
		next[k] = v
	}

	if err := r.persistSettings(next); err != nil {
		return err
	}

	r.settings = next

	return nil
}

// Apply atomically replaces both settings and apps in one transaction.
// The sync orchestrator uses this to swap in downloaded state only
// after asset resolution completed.
func (r *Repository) Apply(settings models.Settings, apps []models.App) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rawApps, err := json.Marshal(apps)
	if err != nil {
		return fmt.Errorf("encoding apps: %w", err)
	}

	rawSettings, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}

	err = r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)
		if err := b.Put(appsKey, rawApps); err != nil {
			return err
		}

		return b.Put(settingsKey, rawSettings)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", errors.ErrQuotaExceeded, err)
	}

	r.settings = settings.Clone()

	r.apps = make([]models.App, len(apps))
	copy(r.apps, apps)

	return nil
}

// OriginID returns the stable per-install identifier, generating and
// persisting it on first use.
func (r *Repository) OriginID() (string, error) {
	var id string

	err := r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)

		if v := b.Get(originKey); v != nil {
			id = string(v)
			return nil
		}

		id = uuid.NewString()

		return b.Put(originKey, []byte(id))
	})
	if err != nil {
		return "", fmt.Errorf("reading origin id: %w", err)
	}

	return id, nil
}

// Credentials returns the configured remote endpoint and credentials
// from settings. All three are local-only values.
func (r *Repository) Credentials() (url, username, password string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.settings.String(models.SettingRemoteURL),
		r.settings.String(models.SettingRemoteUsername),
		r.settings.String(models.SettingRemotePassword)
}

// Legacy returns the raw value stored under a legacy top-level key, or
// nil if absent. Used by the startup migration.
func (r *Repository) Legacy(key string) ([]byte, error) {
	var v []byte

	err := r.db.View(func(tx *bolt.Tx) error {
		v = clone(tx.Bucket(appBucket).Get([]byte(key)))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading legacy key %q: %w", key, err)
	}

	return v, nil
}

// ClearLegacy deletes a legacy top-level key after migration.
func (r *Repository) ClearLegacy(key string) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Delete([]byte(key))
	})
}

// persistApps writes the full apps array. Callers hold r.mu.
func (r *Repository) persistApps(apps []models.App) error {
	data, err := json.Marshal(apps)
	if err != nil {
		return fmt.Errorf("encoding apps: %w", err)
	}

	err = r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(appsKey, data)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", errors.ErrQuotaExceeded, err)
	}

	return nil
}

// persistSettings writes the full settings map. Callers hold r.mu.
func (r *Repository) persistSettings(settings models.Settings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}

	err = r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(settingsKey, data)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", errors.ErrQuotaExceeded, err)
	}

	return nil
}

func clone(v []byte) []byte {
	if v == nil {
		return nil
	}

	out := make([]byte, len(v))
	copy(out, v)

	return out
}
