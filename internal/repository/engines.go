package repository

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/tabdeck/tabdeck/internal/errors"
	"github.com/tabdeck/tabdeck/internal/models"
	bolt "go.etcd.io/bbolt"
	"gopkg.in/yaml.v3"
)

//go:embed engines.yaml
var builtinEnginesYAML []byte

var (
	builtinOnce    sync.Once
	builtinEngines map[string]models.SearchEngine
)

// builtins parses the embedded engine table once. The file ships with
// the binary, so a parse failure is a build defect and panics.
func builtins() map[string]models.SearchEngine {
	builtinOnce.Do(func() {
		if err := yaml.Unmarshal(builtinEnginesYAML, &builtinEngines); err != nil {
			panic(fmt.Sprintf("parsing embedded engines.yaml: %v", err))
		}
	})

	return builtinEngines
}

// IsBuiltinEngine reports whether key names a built-in search engine.
func IsBuiltinEngine(key string) bool {
	_, ok := builtins()[key]
	return ok
}

// Engines returns the full registry: built-ins plus custom engine
// templates. Custom engines never shadow built-ins; SetCustomEngine
// rejects built-in keys.
func (r *Repository) Engines() (map[string]models.SearchEngine, error) {
	out := make(map[string]models.SearchEngine)
	for k, v := range builtins() {
		out[k] = v
	}

	custom, err := r.CustomEngines()
	if err != nil {
		return nil, err
	}

	for k, v := range custom {
		out[k] = v.Templates
	}

	return out, nil
}

// CustomEngines returns the user-defined engines.
func (r *Repository) CustomEngines() (map[string]models.CustomEngine, error) {
	var raw []byte

	err := r.db.View(func(tx *bolt.Tx) error {
		raw = clone(tx.Bucket(appBucket).Get(customEnginesKey))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading custom engines: %w", err)
	}

	engines := make(map[string]models.CustomEngine)
	if raw == nil {
		return engines, nil
	}

	if err := json.Unmarshal(raw, &engines); err != nil {
		return nil, fmt.Errorf("decoding custom engines: %w", err)
	}

	return engines, nil
}

// SetCustomEngine creates or updates a custom engine. Built-in engines
// are immutable.
func (r *Repository) SetCustomEngine(key string, engine models.CustomEngine) error {
	if IsBuiltinEngine(key) {
		return errors.ErrBuiltinEngine
	}

	engines, err := r.CustomEngines()
	if err != nil {
		return err
	}

	engines[key] = engine

	return r.persistCustomEngines(engines)
}

// DeleteCustomEngine removes a custom engine. Built-ins cannot be
// deleted.
func (r *Repository) DeleteCustomEngine(key string) error {
	if IsBuiltinEngine(key) {
		return errors.ErrBuiltinEngine
	}

	engines, err := r.CustomEngines()
	if err != nil {
		return err
	}

	if _, ok := engines[key]; !ok {
		return errors.ErrEngineNotFound
	}

	delete(engines, key)

	return r.persistCustomEngines(engines)
}

// SearchURL expands the template for an engine and search type with the
// query, URL-escaped.
func (r *Repository) SearchURL(engine, searchType, query string) (string, error) {
	engines, err := r.Engines()
	if err != nil {
		return "", err
	}

	templates, ok := engines[engine]
	if !ok {
		return "", errors.ErrEngineNotFound
	}

	tmpl, ok := templates[searchType]
	if !ok {
		return "", fmt.Errorf("engine %q has no %q template: %w", engine, searchType, errors.ErrEngineNotFound)
	}

	return strings.ReplaceAll(tmpl, "{query}", url.QueryEscape(query)), nil
}

func (r *Repository) persistCustomEngines(engines map[string]models.CustomEngine) error {
	data, err := json.Marshal(engines)
	if err != nil {
		return fmt.Errorf("encoding custom engines: %w", err)
	}

	err = r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(customEnginesKey, data)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", errors.ErrQuotaExceeded, err)
	}

	return nil
}
