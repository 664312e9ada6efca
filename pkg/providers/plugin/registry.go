package plugin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/convergo/pkg/engine"
	"github.com/openfroyo/convergo/pkg/transports"
)

// ManifestName is the manifest file looked up in each plugin directory.
const ManifestName = "manifest.yaml"

// Set is a group of loaded plugins.
type Set []*Plugin

// LoadDir loads every plugin found in a subdirectory of dir holding a
// manifest.yaml. Plugins that fail to load are logged and skipped; a
// declaration of their type then fails the graph build as an unknown type.
func LoadDir(ctx context.Context, dir string, t transports.Transport, cfg Config) (Set, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read plugin directory: %w", err)
	}

	var set Set
	seen := make(map[string]string)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		manifestPath := filepath.Join(dir, entry.Name(), ManifestName)
		if _, err := os.Stat(manifestPath); err != nil {
			continue
		}

		manifest, err := LoadManifest(manifestPath)
		if err != nil {
			log.Warn().Err(err).Str("manifest", manifestPath).Msg("Skipping plugin")
			continue
		}
		if prev, dup := seen[manifest.Type]; dup {
			log.Warn().Str("manifest", manifestPath).Str("type", manifest.Type).
				Str("previous", prev).Msg("Skipping plugin: type already provided")
			continue
		}

		p, err := Load(ctx, manifest, t, cfg)
		if err != nil {
			log.Warn().Err(err).Str("manifest", manifestPath).Msg("Skipping plugin")
			continue
		}
		seen[manifest.Type] = manifestPath
		set = append(set, p)
	}
	return set, nil
}

// Providers returns the plugins as engine providers.
func (s Set) Providers() []engine.Provider {
	out := make([]engine.Provider, len(s))
	for i, p := range s {
		out[i] = p
	}
	return out
}

// Close closes every plugin.
func (s Set) Close(ctx context.Context) error {
	var errs []error
	for _, p := range s {
		if err := p.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("plugin %s: %w", p.manifest.Name, err))
		}
	}
	return errors.Join(errs...)
}
