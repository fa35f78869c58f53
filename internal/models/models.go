// Package models defines the persisted data model shared by the repository,
// the blob store, and the sync orchestrator: shortcuts, settings, the search
// engine registry, and the versioned sync envelope.
package models

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/samber/lo"
)

// IconType selects which visual representation of a shortcut is
// authoritative: a colored tile with text, an uploaded image, or a
// built-in icon.
type IconType string

const (
	IconColor  IconType = "color"
	IconUpload IconType = "upload"
	IconIcon   IconType = "icon"
)

// RefKind discriminates the two forms an icon reference can take.
type RefKind string

const (
	// RefInline is a legacy inline data URI carried directly in the app
	// record.
	RefInline RefKind = "inline"

	// RefBlob points into a named blob store partition by key.
	RefBlob RefKind = "blobRef"
)

// blobRefScheme prefixes serialized blob references: store://<partition>/<key>.
const blobRefScheme = "store://"

// IconRef is a tagged reference to a shortcut image. In memory it is an
// explicit union; on the wire it collapses to a single string, either a
// data URI (legacy) or a store:// reference, matching the persisted
// format older installs already carry.
type IconRef struct {
	Kind RefKind

	// Data holds the full data URI when Kind is RefInline.
	Data string

	// Store and Key locate the payload when Kind is RefBlob.
	Store string
	Key   string
}

// InlineRef builds an inline icon reference from a data URI.
func InlineRef(dataURI string) *IconRef {
	return &IconRef{Kind: RefInline, Data: dataURI}
}

// BlobRef builds a blob store icon reference.
func BlobRef(store, key string) *IconRef {
	return &IconRef{Kind: RefBlob, Store: store, Key: key}
}

// ParseIconRef interprets a persisted icon string. Strings starting with
// store:// become blob references; everything else is treated as an
// inline payload.
func ParseIconRef(s string) (*IconRef, error) {
	if s == "" {
		return nil, nil
	}

	if !strings.HasPrefix(s, blobRefScheme) {
		return &IconRef{Kind: RefInline, Data: s}, nil
	}

	rest := strings.TrimPrefix(s, blobRefScheme)

	idx := strings.Index(rest, "/")
	if idx <= 0 || idx == len(rest)-1 {
		return nil, fmt.Errorf("malformed blob reference %q", s)
	}

	return &IconRef{
		Kind:  RefBlob,
		Store: rest[:idx],
		Key:   rest[idx+1:],
	}, nil
}

// String renders the reference in its persisted form.
func (r *IconRef) String() string {
	if r == nil {
		return ""
	}

	if r.Kind == RefBlob {
		return blobRefScheme + r.Store + "/" + r.Key
	}

	return r.Data
}

// MarshalJSON encodes the reference as its persisted string form.
func (r *IconRef) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// UnmarshalJSON decodes either wire form into the tagged union.
func (r *IconRef) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("decoding icon reference: %w", err)
	}

	parsed, err := ParseIconRef(s)
	if err != nil {
		return err
	}

	if parsed == nil {
		*r = IconRef{}
		return nil
	}

	*r = *parsed

	return nil
}

// App is a single shortcut on the grid. Identity is positional: the
// repository addresses apps by index in the ordered list, and reordering
// is a data mutation.
type App struct {
	Name          string   `json:"name"`
	URL           string   `json:"url"`
	IconType      IconType `json:"iconType,omitempty"`
	Text          string   `json:"text,omitempty"`
	Color         string   `json:"color,omitempty"`
	Img           *IconRef `json:"img,omitempty"`
	IsTransparent bool     `json:"isTransparent,omitempty"`
	IconStyle     string   `json:"iconStyle,omitempty"`
}

// CompactApps drops nil (tombstoned) entries from a decoded apps array.
// Remote envelopes written by older clients can contain JSON nulls where
// apps were deleted in place.
func CompactApps(apps []*App) []App {
	return lo.FilterMap(apps, func(a *App, _ int) (App, bool) {
		if a == nil {
			return App{}, false
		}

		return *a, true
	})
}

// Credential settings keys. These are local-only: they never enter the
// hashed payload and are never uploaded.
const (
	SettingRemoteURL      = "remoteUrl"
	SettingRemoteUsername = "remoteUsername"
	SettingRemotePassword = "remotePassword"

	// SettingWallpaperSource selects the active wallpaper slot.
	SettingWallpaperSource = "wallpaperSource"
)

// credentialKeys are stripped from every hashed or uploaded settings map.
var credentialKeys = []string{
	SettingRemoteURL,
	SettingRemoteUsername,
	SettingRemotePassword,
}

// Settings is the flat map of named configuration values.
type Settings map[string]any

// Clone returns a shallow copy.
func (s Settings) Clone() Settings {
	out := make(Settings, len(s))
	for k, v := range s {
		out[k] = v
	}

	return out
}

// WithoutCredentials returns a copy with the remote credential fields
// removed. This is the uploaded and hashed form.
func (s Settings) WithoutCredentials() Settings {
	out := s.Clone()
	for _, k := range credentialKeys {
		delete(out, k)
	}

	return out
}

// String returns the string value for a key, or empty if absent or not
// a string.
func (s Settings) String(key string) string {
	v, _ := s[key].(string)
	return v
}

// IsCredentialKey reports whether key is one of the local-only remote
// credential fields.
func IsCredentialKey(key string) bool {
	return lo.Contains(credentialKeys, key)
}

// CredentialKeys returns the local-only credential field names.
func CredentialKeys() []string {
	out := make([]string, len(credentialKeys))
	copy(out, credentialKeys)

	return out
}

// SchemaVersion is the current sync envelope schema.
const SchemaVersion = 2

// Envelope is the versioned top-level sync document. Apps is decoded as
// a pointer slice so tombstoned null entries survive decoding and can be
// compacted explicitly.
type Envelope struct {
	SchemaVersion int      `json:"schemaVersion"`
	UpdatedAt     int64    `json:"updatedAt"`
	OriginID      string   `json:"originId"`
	PayloadHash   string   `json:"payloadHash"`
	Settings      Settings `json:"settings"`
	Apps          []*App   `json:"apps"`
}

// SearchEngine maps a search type (web, images, ...) to a URL template
// containing a single {query} placeholder.
type SearchEngine map[string]string

// CustomEngine is a user-defined search engine. Unlike built-ins it is
// mutable and deletable, and may carry an icon stored in the favicon
// partition.
type CustomEngine struct {
	Templates SearchEngine `json:"templates"`
	Icon      *IconRef     `json:"icon,omitempty"`
}
