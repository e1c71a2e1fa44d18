package loader_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tyrexcad/cadcore/pkg/bus"
	"github.com/tyrexcad/cadcore/pkg/loader"
)

func TestLoadManifestParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "modules.yaml")
	content := "modules:\n  - name: widget\n    path: /etc/widget.conf\n  - name: gadget\n    path: \"\"\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	m, err := loader.LoadManifest(path)
	require.NoError(t, err)
	require.Len(t, m.Modules, 2)
	assert.Equal(t, "widget", m.Modules[0].Name)
	assert.Equal(t, "/etc/widget.conf", m.Modules[0].Path)
	assert.Equal(t, "gadget", m.Modules[1].Name)
}

func TestLoadManifestMissingFile(t *testing.T) {
	_, err := loader.LoadManifest(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadFromManifestLoadsEachEntry(t *testing.T) {
	l, _ := newTestLoader(t)
	l.RegisterType("widget", func(h *bus.ScopedHandle, path string) (any, error) {
		return &stubModule{handle: h}, nil
	}, "1.0.0")

	result := l.LoadFromManifest(loader.Manifest{Modules: []loader.ManifestEntry{
		{Name: "widget", Path: ""},
		{Name: "unregistered", Path: ""},
	}})

	assert.Equal(t, []string{"widget"}, result.Loaded)
	assert.Contains(t, result.Failed, "unregistered")
}
