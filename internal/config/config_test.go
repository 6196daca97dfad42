package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadFileParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "apksigner.yaml")
	require.NoError(t, os.WriteFile(path, []byte("certPath: /etc/keys/release.pem\nlogLevel: debug\n"), 0644))

	cfg, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "/etc/keys/release.pem", cfg.CertPath)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestReadFileMissingIsNotAnError(t *testing.T) {
	cfg, err := ReadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, &Config{}, cfg)
}

func TestReadFileRejectsMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("certPath: [unterminated"), 0644))

	_, err := ReadFile(path)
	assert.Error(t, err)
}
