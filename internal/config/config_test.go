package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestApply(t *testing.T) {
	cfg := Default()
	err := cfg.Apply(map[string]string{
		"PORT":          "9000",
		"IDLE_TIMEOUT":  "2m",
		"SEED":          "true",
		"STORE_DRIVER":  "bolt",
		"STORE_PATH":    "/tmp/pad.db",
		"HISTORY_LIMIT": "50",
		"UNRELATED":     "x",
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, cfg.Port, 9000)
	assert.Equal(t, cfg.IdleTimeout, 2*time.Minute)
	assert.Equal(t, cfg.Seed, true)
	assert.Equal(t, cfg.Store.Driver, "bolt")
	assert.Equal(t, cfg.Store.Path, "/tmp/pad.db")
	assert.Equal(t, cfg.HistoryLimit, 50)
	assert.Equal(t, cfg.Addr(), "localhost:9000")
	// untouched
	assert.Equal(t, cfg.SendQueue, 256)
}

func TestValidate(t *testing.T) {
	for _, vals := range []map[string]string{
		{"PORT": "0"},
		{"STORE_DRIVER": "floppy"},
		{"STORE_DRIVER": "file"},
		{"SEND_QUEUE": "-1"},
		{"PORT": "eighty"},
	} {
		cfg := Default()
		assert.NotEqual(t, cfg.Apply(vals), nil)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	env := filepath.Join(dir, ".env")
	err := os.WriteFile(env, []byte("PORT=7000\nLOG_LEVEL=debug\nDEFAULT_TYPE=text\n"), 0o644)
	assert.Equal(t, err, nil)

	t.Setenv("LOG_LEVEL", "warn")
	cfg, err := Load(env, filepath.Join(dir, "missing.env"))
	assert.Equal(t, err, nil)
	assert.Equal(t, cfg.Port, 7000)
	assert.Equal(t, cfg.DefaultType, "text")
	// environment beats the file
	assert.Equal(t, cfg.LogLevel, "warn")
}
