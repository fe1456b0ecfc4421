package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadPresets_MissingFileGivesDefaults(t *testing.T) {
	p, err := LoadPresets(filepath.Join(t.TempDir(), "ranges.yaml"))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 6, 24, 72, 168, 720}, p.Buckets)
	assert.Equal(t, 24, p.Default)
}

func TestLoadPresets_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ranges.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
maxRetentionHours: 48
buckets: [72, 1, 6, 6, 0, 24]
default: 30
`), 0644))

	p, err := LoadPresets(path)
	require.NoError(t, err)
	assert.Equal(t, 48, p.MaxRetentionHours)
	assert.Equal(t, []int{1, 6, 24}, p.Buckets)
	assert.Equal(t, 24, p.Default)
}

func TestLoadPresets_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ranges.yaml")
	require.NoError(t, os.WriteFile(path, []byte("buckets: [1, 2"), 0644))
	_, err := LoadPresets(path)
	assert.Error(t, err)
}

func TestResolve_CapsByMaxHours(t *testing.T) {
	p := DefaultPresets().Resolve(24)
	assert.Equal(t, 24, p.MaxRetentionHours)
	assert.Equal(t, []int{1, 6, 24}, p.Buckets)

	p = RangePresets{Buckets: []int{500}}.Resolve(12)
	assert.Equal(t, []int{12}, p.Buckets, "empty bucket list falls back to retention")
	assert.Equal(t, 12, p.Default)
}

func TestClip(t *testing.T) {
	p := DefaultPresets()
	assert.Equal(t, 1, p.Clip(0))
	assert.Equal(t, 5, p.Clip(5))
	assert.Equal(t, 720, p.Clip(10000))
}
