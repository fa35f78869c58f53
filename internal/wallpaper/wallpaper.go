// Package wallpaper manages the wallpaper slots in the blob store. Each
// source keeps exactly one active image, so slots are fixed names
// rather than content-addressed keys.
package wallpaper

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/tabdeck/tabdeck/internal/blobstore"
	"github.com/tabdeck/tabdeck/internal/models"
)

// Slot names, one per wallpaper source.
const (
	SlotLocal  = "local"
	SlotBing   = "bing"
	SlotGoogle = "google"
)

// Manager loads and stores wallpaper images.
type Manager struct {
	blobs  *blobstore.Store
	logger *slog.Logger
}

// NewManager creates a wallpaper manager over the blob store.
func NewManager(blobs *blobstore.Store, logger *slog.Logger) *Manager {
	return &Manager{blobs: blobs, logger: logger}
}

// ImportFile reads an image file into the local wallpaper slot.
func (m *Manager) ImportFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading wallpaper file: %w", err)
	}

	if len(data) == 0 {
		return fmt.Errorf("wallpaper file %s is empty", path)
	}

	if err := m.blobs.Set(blobstore.Wallpapers, SlotLocal, data); err != nil {
		return fmt.Errorf("storing wallpaper: %w", err)
	}

	m.logger.Info("imported local wallpaper",
		slog.String("path", path),
		slog.Int("bytes", len(data)),
		slog.String("content_type", http.DetectContentType(data)),
	)

	return nil
}

// Set stores wallpaper bytes under a slot. Used by the sync download
// path when a remote wallpaper arrives.
func (m *Manager) Set(slot string, data []byte) error {
	return m.blobs.Set(blobstore.Wallpapers, slot, data)
}

// Active resolves the wallpaper bytes for the configured source, or nil
// when the slot is empty. Legacy inline entries are normalized to raw
// bytes.
func (m *Manager) Active(settings models.Settings) (data []byte, slot string, err error) {
	slot = settings.String(models.SettingWallpaperSource)
	if slot == "" {
		return nil, "", nil
	}

	payload, err := m.blobs.Get(blobstore.Wallpapers, slot)
	if err != nil {
		return nil, slot, fmt.Errorf("loading wallpaper slot %q: %w", slot, err)
	}

	if payload == nil {
		return nil, slot, nil
	}

	return blobstore.Normalize(payload), slot, nil
}
