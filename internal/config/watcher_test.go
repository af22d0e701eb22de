package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_ReloadsOnChange(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "parley.json")
	require.NoError(t, os.WriteFile(configPath, []byte(`{"models": []}`), 0600))

	var mu sync.Mutex
	var reloaded []*Config
	w, err := NewWatcher(NewLoader(configPath), 20*time.Millisecond, func(cfg *Config) {
		mu.Lock()
		defer mu.Unlock()
		reloaded = append(reloaded, cfg)
	})
	require.NoError(t, err)
	defer w.Stop()

	updated := `{"models": [{"id": "demo-model", "context_limit": 128}]}`
	require.NoError(t, os.WriteFile(configPath, []byte(updated), 0600))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(reloaded) > 0 && len(reloaded[len(reloaded)-1].Models) == 1
	}, 2*time.Second, 20*time.Millisecond)

	mu.Lock()
	last := reloaded[len(reloaded)-1]
	mu.Unlock()
	assert.Equal(t, 128, last.Models[0].ContextLimit)
}

func TestWatcher_IgnoresInvalidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "parley.json")
	require.NoError(t, os.WriteFile(configPath, []byte(`{}`), 0600))

	var mu sync.Mutex
	calls := 0
	w, err := NewWatcher(NewLoader(configPath), 10*time.Millisecond, func(*Config) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	require.NoError(t, err)
	defer w.Stop()

	require.NoError(t, os.WriteFile(configPath, []byte(`{"store": {"backend": "redis"}}`), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "other.json"), []byte(`{}`), 0600))

	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, calls)
}

func TestNewWatcher_Validation(t *testing.T) {
	_, err := NewWatcher(NewLoader(filepath.Join(t.TempDir(), "parley.json")), 0, nil)
	assert.Error(t, err)

	_, err = NewWatcher(NewLoader("/does/not/exist/parley.json"), 0, func(*Config) {})
	assert.Error(t, err)
}
