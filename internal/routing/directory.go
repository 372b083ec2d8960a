package routing

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// ErrUnknownDevice is returned by a Directory that has no mapping for a device.
var ErrUnknownDevice = errors.New("device not in connector directory")

// Endpoint is the connector and transport address that reaches a device.
type Endpoint struct {
	ConnectorID string
	Address     string
}

// Directory is the connector directory queried on cache misses and refreshes.
type Directory interface {
	Lookup(ctx context.Context, deviceID string) (Endpoint, error)
}

// directoryFile is the on-disk format of connectors.yaml
type directoryFile struct {
	Connectors map[string]struct {
		Endpoint string `yaml:"endpoint"`
	} `yaml:"connectors"`
	Devices map[string]string `yaml:"devices"` // device id -> connector id
}

// FileDirectory is a Directory backed by a yaml file that can be watched for changes.
type FileDirectory struct {
	path   string
	log    zerolog.Logger
	mu     sync.RWMutex
	routes map[string]Endpoint
}

// NewFileDirectory loads path and returns the directory.
func NewFileDirectory(path string, log zerolog.Logger) (*FileDirectory, error) {
	d := &FileDirectory{
		path: path,
		log:  log.With().Str("component", "connector-directory").Logger(),
	}
	if _, err := d.Reload(); err != nil {
		return nil, err
	}
	return d, nil
}

// Lookup returns the endpoint for deviceID.
func (d *FileDirectory) Lookup(_ context.Context, deviceID string) (Endpoint, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ep, ok := d.routes[deviceID]
	if !ok {
		return Endpoint{}, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	return ep, nil
}

// Reload re-reads the file and returns the ids of devices whose route changed.
// On error the previous routes stay in place.
func (d *FileDirectory) Reload() ([]string, error) {
	routes, err := loadDirectoryFile(d.path)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	changed := diffRoutes(d.routes, routes)
	d.routes = routes
	d.mu.Unlock()

	return changed, nil
}

// Watch reloads the file whenever it is written and calls onChange with the
// devices whose route changed. It runs until ctx is cancelled. A failed
// reload is logged and the previous routes remain active.
func (d *FileDirectory) Watch(ctx context.Context, onChange func(changed []string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(d.path); err != nil {
		return err
	}

	d.log.Info().Str("path", d.path).Msg("watching connector directory")

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// Atomic saves replace the file, so Create counts as a write
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			changed, err := d.Reload()
			if err != nil {
				d.log.Error().Err(err).Str("path", d.path).Msg("directory reload failed, keeping previous routes")
				continue
			}
			d.log.Info().Int("changed", len(changed)).Msg("connector directory reloaded")
			if len(changed) > 0 && onChange != nil {
				onChange(changed)
			}

			// Re-add in case an atomic save replaced the inode
			_ = watcher.Add(d.path)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			d.log.Error().Err(err).Msg("directory watcher error")
		}
	}
}

func loadDirectoryFile(path string) (map[string]Endpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read connector directory: %w", err)
	}
	var f directoryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse connector directory: %w", err)
	}

	routes := make(map[string]Endpoint, len(f.Devices))
	for device, connector := range f.Devices {
		c, ok := f.Connectors[connector]
		if !ok {
			return nil, fmt.Errorf("device %s: references unknown connector %s", device, connector)
		}
		if c.Endpoint == "" {
			return nil, fmt.Errorf("connector %s: endpoint is required", connector)
		}
		routes[device] = Endpoint{ConnectorID: connector, Address: c.Endpoint}
	}
	return routes, nil
}

// diffRoutes returns the sorted ids of devices added, removed or remapped.
func diffRoutes(before, after map[string]Endpoint) []string {
	var changed []string
	for id, ep := range after {
		if old, ok := before[id]; !ok || old != ep {
			changed = append(changed, id)
		}
	}
	for id := range before {
		if _, ok := after[id]; !ok {
			changed = append(changed, id)
		}
	}
	sort.Strings(changed)
	return changed
}
