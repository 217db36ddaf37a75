package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ntypool.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "volumes:\n  - path: base.nty\n"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, 4, cfg.AttachParallelism)
	assert.Zero(t, cfg.MaxPayloadSize)
	assert.Empty(t, cfg.ExportCache)
	require.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
listen: 127.0.0.1:9000
export_cache: /var/cache/ntypool.db
max_payload_size: 64MiB
populate_local_on_hit: true
watch: true
attach_parallelism: 2
volumes:
  - path: base.nty
    share: true
  - path: patch.nty
    name: patch
    use_cache: false
`))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "127.0.0.1:9000", cfg.Listen)
	assert.Equal(t, Size(64<<20), cfg.MaxPayloadSize)
	assert.Equal(t, "64MiB", cfg.MaxPayloadSize.String())
	assert.True(t, cfg.Watch)

	specs := cfg.VolumeSpecs()
	require.Len(t, specs, 2)
	assert.Equal(t, "base.nty", specs[0].Path)
	assert.True(t, specs[0].Options.Share)
	assert.False(t, specs[0].Options.DisableCache)
	assert.True(t, specs[0].Options.PopulateLocalOnHit)
	assert.Equal(t, uint64(64<<20), specs[0].Options.MaxPayload)
	assert.Equal(t, "patch", specs[1].Options.Name)
	assert.True(t, specs[1].Options.DisableCache)
}

func TestLoadPlainByteCount(t *testing.T) {
	cfg, err := Load(writeConfig(t, "max_payload_size: 4096\n"))
	require.NoError(t, err)
	assert.Equal(t, Size(4096), cfg.MaxPayloadSize)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("NTYPOOL_LISTEN", ":9999")
	t.Setenv("NTYPOOL_EXPORT_CACHE", "override.db")

	cfg, err := Load(writeConfig(t, "listen: :1234\nexport_cache: file.db\n"))
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Listen)
	assert.Equal(t, "override.db", cfg.ExportCache)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "max_payload_size: lots\n"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "volumes: {path: x}\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.AttachParallelism = 0
	cfg.Volumes = []VolumeConfig{{Path: ""}, {Path: "a.nty"}, {Path: "a.nty"}}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "attach_parallelism")
	assert.Contains(t, err.Error(), "volumes[0].path is required")
	assert.Contains(t, err.Error(), "listed twice")
}
