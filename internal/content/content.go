// Package content implements content addressing for the blob store and
// the sync protocol. One hash function covers both uses: favicon blobs
// are keyed by the digest of their bytes, and sync payloads are compared
// by the digest of their canonical JSON encoding.
package content

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/tabdeck/tabdeck/internal/models"
)

// Hash returns the hex SHA-256 digest of data. Identical bytes always
// map to identical keys, which is what makes the existence-check fast
// paths in favicon dedup and sync no-op detection correct.
func Hash(data []byte) string {
	h := sha256.Sum256(data)
	dst := make([]byte, hex.EncodedLen(len(h)))
	hex.Encode(dst, h[:])

	return string(dst)
}

// CanonicalJSON encodes v deterministically: map keys are sorted by
// encoding/json, HTML escaping is disabled, and the encoder's trailing
// newline is stripped. Two clients holding equal values produce equal
// bytes.
func CanonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer

	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encoding canonical JSON: %w", err)
	}

	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// canonicalPayload is the hashing input for sync comparisons: settings
// minus credentials plus the apps array.
type canonicalPayload struct {
	Settings models.Settings `json:"settings"`
	Apps     []models.App    `json:"apps"`
}

// PayloadHash hashes the canonical sync payload. Credential fields are
// stripped here so they can never influence the hash regardless of what
// the caller passes in.
func PayloadHash(settings models.Settings, apps []models.App) (string, error) {
	if apps == nil {
		apps = []models.App{}
	}

	data, err := CanonicalJSON(canonicalPayload{
		Settings: settings.WithoutCredentials(),
		Apps:     apps,
	})
	if err != nil {
		return "", err
	}

	return Hash(data), nil
}
