package repository

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tderr "github.com/tabdeck/tabdeck/internal/errors"
	"github.com/tabdeck/tabdeck/internal/logging"
	"github.com/tabdeck/tabdeck/internal/models"
	bolt "go.etcd.io/bbolt"
)

func testRepo(t *testing.T) *Repository {
	t.Helper()

	r, err := LoadAt(filepath.Join(t.TempDir(), "state.db"), logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })

	return r
}

func app(name, url string) models.App {
	return models.App{
		Name:     name,
		URL:      url,
		IconType: models.IconColor,
		Color:    "#336699",
		Text:     name[:1],
	}
}

// seedState writes raw values into a fresh database before the
// repository opens it, simulating what an older install left behind.
func seedState(t *testing.T, path string, key string, value []byte) {
	t.Helper()

	db, err := bolt.Open(path, 0o600, nil)
	require.NoError(t, err)

	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte("app"))
		if err != nil {
			return err
		}

		return b.Put([]byte(key), value)
	})
	require.NoError(t, err)
	require.NoError(t, db.Close())
}

// --- Load ---

func TestLoad_DefaultsPersistedOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	r1, err := LoadAt(path, logging.Discard())
	require.NoError(t, err)
	assert.Empty(t, r1.Apps())
	assert.Equal(t, "bing", r1.Settings().String(models.SettingWallpaperSource))
	require.NoError(t, r1.Close())

	// Reopening must see persisted documents, not re-derive defaults.
	r2, err := LoadAt(path, logging.Discard())
	require.NoError(t, err)
	defer r2.Close()

	assert.Equal(t, "grid", r2.Settings().String("layout"))
}

func TestLoad_MigratesMissingIconType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	legacy := []map[string]any{
		{"name": "Plain", "url": "https://plain.example"},
		{"name": "Imaged", "url": "https://img.example", "img": "data:image/png;base64,AA=="},
	}
	raw, err := json.Marshal(legacy)
	require.NoError(t, err)
	seedState(t, path, "apps", raw)

	r, err := LoadAt(path, logging.Discard())
	require.NoError(t, err)
	defer r.Close()

	apps := r.Apps()
	require.Len(t, apps, 2)
	assert.Equal(t, models.IconColor, apps[0].IconType)
	assert.Equal(t, models.IconUpload, apps[1].IconType)

	// The corrected array must be persisted, not just held in memory.
	r2, err := LoadAt(path, logging.Discard())
	require.NoError(t, err)
	defer r2.Close()
	assert.Equal(t, models.IconUpload, r2.Apps()[1].IconType)
}

func TestLoad_DropsNullAppEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	seedState(t, path, "apps", []byte(`[null,{"name":"A","url":"https://a","iconType":"color"},null]`))

	r, err := LoadAt(path, logging.Discard())
	require.NoError(t, err)
	defer r.Close()

	apps := r.Apps()
	require.Len(t, apps, 1)
	assert.Equal(t, "A", apps[0].Name)
}

// --- app mutations ---

func TestAddApp_RoundTrip(t *testing.T) {
	r := testRepo(t)

	require.NoError(t, r.AddApp(app("Mail", "https://mail.example")))

	got, err := r.GetApp(0)
	require.NoError(t, err)
	assert.Equal(t, "Mail", got.Name)
	assert.Equal(t, "https://mail.example", got.URL)
}

func TestUpdateApp_RoundTrip(t *testing.T) {
	r := testRepo(t)
	require.NoError(t, r.AddApp(app("Old", "https://old.example")))

	updated := app("New", "https://new.example")
	require.NoError(t, r.UpdateApp(0, updated))

	got, err := r.GetApp(0)
	require.NoError(t, err)
	assert.Equal(t, updated, got)
}

func TestUpdateApp_InvalidIndexLeavesStateUnchanged(t *testing.T) {
	r := testRepo(t)
	require.NoError(t, r.AddApp(app("Keep", "https://keep.example")))

	err := r.UpdateApp(5, app("X", "https://x.example"))
	assert.ErrorIs(t, err, tderr.ErrInvalidIndex)

	err = r.UpdateApp(-1, app("X", "https://x.example"))
	assert.ErrorIs(t, err, tderr.ErrInvalidIndex)

	apps := r.Apps()
	require.Len(t, apps, 1)
	assert.Equal(t, "Keep", apps[0].Name)
}

func TestDeleteApp(t *testing.T) {
	r := testRepo(t)
	require.NoError(t, r.AddApp(app("A", "https://a")))
	require.NoError(t, r.AddApp(app("B", "https://b")))

	require.NoError(t, r.DeleteApp(0))

	apps := r.Apps()
	require.Len(t, apps, 1)
	assert.Equal(t, "B", apps[0].Name)
}

func TestDeleteApp_InvalidIndex(t *testing.T) {
	r := testRepo(t)
	assert.ErrorIs(t, r.DeleteApp(0), tderr.ErrInvalidIndex)
}

func TestReorder(t *testing.T) {
	r := testRepo(t)
	for _, n := range []string{"A", "B", "C"} {
		require.NoError(t, r.AddApp(app(n, "https://"+n)))
	}

	// Move first to last.
	require.NoError(t, r.Reorder(0, 2))

	names := []string{}
	for _, a := range r.Apps() {
		names = append(names, a.Name)
	}

	assert.Equal(t, []string{"B", "C", "A"}, names)
}

func TestReorder_InvalidIndices(t *testing.T) {
	r := testRepo(t)
	require.NoError(t, r.AddApp(app("A", "https://a")))

	assert.ErrorIs(t, r.Reorder(0, 3), tderr.ErrInvalidIndices)
	assert.ErrorIs(t, r.Reorder(-1, 0), tderr.ErrInvalidIndices)
}

func TestAddApp_NormalizesName(t *testing.T) {
	r := testRepo(t)

	// "é" as combining sequence (e + U+0301) should normalize to NFC.
	require.NoError(t, r.AddApp(app("Café", "https://cafe.example")))

	got, err := r.GetApp(0)
	require.NoError(t, err)
	assert.Equal(t, "Café", got.Name)
}

// --- settings ---

func TestUpdateSetting_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	r1, err := LoadAt(path, logging.Discard())
	require.NoError(t, err)
	require.NoError(t, r1.UpdateSetting("layout", "list"))
	require.NoError(t, r1.Close())

	r2, err := LoadAt(path, logging.Discard())
	require.NoError(t, err)
	defer r2.Close()

	assert.Equal(t, "list", r2.Settings().String("layout"))
}

func TestUpdateSettings_Partial(t *testing.T) {
	r := testRepo(t)

	require.NoError(t, r.UpdateSettings(models.Settings{
		"searchEngine": "duckduckgo",
		"newKey":       42,
	}))

	s := r.Settings()
	assert.Equal(t, "duckduckgo", s.String("searchEngine"))
	assert.Equal(t, 42, s["newKey"])
	// Untouched keys survive.
	assert.Equal(t, "grid", s.String("layout"))
}

func TestSettings_ReturnsCopy(t *testing.T) {
	r := testRepo(t)

	s := r.Settings()
	s["layout"] = "mutated"

	assert.Equal(t, "grid", r.Settings().String("layout"))
}

func TestCredentials(t *testing.T) {
	r := testRepo(t)

	require.NoError(t, r.UpdateSettings(models.Settings{
		models.SettingRemoteURL:      "https://dav.example.com",
		models.SettingRemoteUsername: "alex",
		models.SettingRemotePassword: "secret",
	}))

	url, user, pass := r.Credentials()
	assert.Equal(t, "https://dav.example.com", url)
	assert.Equal(t, "alex", user)
	assert.Equal(t, "secret", pass)
}

// --- Apply ---

func TestApply_ReplacesBothAtomically(t *testing.T) {
	r := testRepo(t)
	require.NoError(t, r.AddApp(app("Old", "https://old")))

	newSettings := models.Settings{"layout": "list"}
	newApps := []models.App{app("New", "https://new")}

	require.NoError(t, r.Apply(newSettings, newApps))

	assert.Equal(t, "list", r.Settings().String("layout"))
	apps := r.Apps()
	require.Len(t, apps, 1)
	assert.Equal(t, "New", apps[0].Name)
}

// --- OriginID ---

func TestOriginID_StableAcrossCalls(t *testing.T) {
	r := testRepo(t)

	id1, err := r.OriginID()
	require.NoError(t, err)
	require.NotEmpty(t, id1)

	id2, err := r.OriginID()
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}

func TestOriginID_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	r1, err := LoadAt(path, logging.Discard())
	require.NoError(t, err)
	id1, err := r1.OriginID()
	require.NoError(t, err)
	require.NoError(t, r1.Close())

	r2, err := LoadAt(path, logging.Discard())
	require.NoError(t, err)
	defer r2.Close()

	id2, err := r2.OriginID()
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}

// --- legacy keys ---

func TestLegacy_ReadAndClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	seedState(t, path, "wallpaperData", []byte("data:image/png;base64,AA=="))

	r, err := LoadAt(path, logging.Discard())
	require.NoError(t, err)
	defer r.Close()

	v, err := r.Legacy("wallpaperData")
	require.NoError(t, err)
	assert.Equal(t, []byte("data:image/png;base64,AA=="), v)

	require.NoError(t, r.ClearLegacy("wallpaperData"))

	v, err = r.Legacy("wallpaperData")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestErrorsAreSentinels(t *testing.T) {
	r := testRepo(t)

	_, err := r.GetApp(9)
	assert.True(t, errors.Is(err, tderr.ErrInvalidIndex))
}
