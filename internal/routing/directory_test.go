package routing

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const directoryV1 = `
connectors:
  hub-eu-1:
    endpoint: hub-eu-1.example.net:9339
  hub-us-1:
    endpoint: hub-us-1.example.net:9339
devices:
  dev-1: hub-eu-1
  dev-2: hub-us-1
`

const directoryV2 = `
connectors:
  hub-eu-1:
    endpoint: hub-eu-1.example.net:9339
devices:
  dev-1: hub-eu-1
  dev-3: hub-eu-1
`

func writeDirectory(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestFileDirectory_Lookup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "connectors.yaml")
	writeDirectory(t, path, directoryV1)

	d, err := NewFileDirectory(path, zerolog.Nop())
	require.NoError(t, err)

	ep, err := d.Lookup(context.Background(), "dev-2")
	require.NoError(t, err)
	assert.Equal(t, Endpoint{ConnectorID: "hub-us-1", Address: "hub-us-1.example.net:9339"}, ep)

	_, err = d.Lookup(context.Background(), "dev-9")
	assert.ErrorIs(t, err, ErrUnknownDevice)
}

func TestFileDirectory_UnknownConnectorRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "connectors.yaml")
	writeDirectory(t, path, "devices:\n  dev-1: nowhere\n")

	_, err := NewFileDirectory(path, zerolog.Nop())
	assert.ErrorContains(t, err, "unknown connector nowhere")
}

func TestFileDirectory_ReloadReportsChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "connectors.yaml")
	writeDirectory(t, path, directoryV1)

	d, err := NewFileDirectory(path, zerolog.Nop())
	require.NoError(t, err)

	writeDirectory(t, path, directoryV2)
	changed, err := d.Reload()
	require.NoError(t, err)
	assert.Equal(t, []string{"dev-2", "dev-3"}, changed)

	// A broken file keeps the previous routes
	writeDirectory(t, path, "devices: [")
	_, err = d.Reload()
	require.Error(t, err)
	_, err = d.Lookup(context.Background(), "dev-3")
	assert.NoError(t, err)
}

func TestFileDirectory_WatchInvalidates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "connectors.yaml")
	writeDirectory(t, path, directoryV1)

	d, err := NewFileDirectory(path, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu   sync.Mutex
		seen []string
	)
	go func() {
		_ = d.Watch(ctx, func(changed []string) {
			mu.Lock()
			seen = append(seen, changed...)
			mu.Unlock()
		})
	}()

	// Give the watcher time to register before writing
	time.Sleep(100 * time.Millisecond)
	writeDirectory(t, path, directoryV2)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0
	}, 2*time.Second, 20*time.Millisecond)
}
