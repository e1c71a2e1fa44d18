package loader

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ManifestEntry names one module to load from a manifest file, alongside
// the path argument forwarded to its registered Factory.
type ManifestEntry struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
}

// Manifest is the on-disk module list a deployment hands to the loader
// instead of an in-code []string, so the module set can change without a
// rebuild.
type Manifest struct {
	Modules []ManifestEntry `yaml:"modules"`
}

// LoadManifest reads a YAML manifest file into a Manifest. The factory for
// each entry's Name must already be registered via RegisterType.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("loader: read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("loader: parse manifest: %w", err)
	}
	return m, nil
}

// LoadFromManifest loads every entry in m, best-effort, continuing past
// individual failures the same way LoadMany does.
func (l *Loader) LoadFromManifest(m Manifest) LoadManyResult {
	result := LoadManyResult{Failed: make(map[string]string)}
	for _, entry := range m.Modules {
		if _, err := l.Load(entry.Name, entry.Path); err != nil {
			result.Failed[entry.Name] = err.Error()
			continue
		}
		result.Loaded = append(result.Loaded, entry.Name)
	}
	return result
}
