// ABOUTME: Persisted user settings: last server, selected device, volume, client id
// ABOUTME: Stored as YAML through viper and watched for external edits with fsnotify
package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	settingsFile = "settings.yaml"

	keyLastServer = "last_server"
	keyDeviceID   = "device_id"
	keyVolume     = "volume"
	keyClientID   = "client_id"
)

// Settings survive restarts
type Settings struct {
	Server   string
	DeviceID string
	Volume   int
	ClientID string
}

// Store reads and writes Settings at a fixed path
type Store struct {
	path   string
	logger *zap.SugaredLogger

	mu      sync.Mutex
	current Settings
}

func userConfigDir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "sendspin"), nil
}

// DefaultSettingsPath is settings.yaml under the user config directory
func DefaultSettingsPath() (string, error) {
	dir, err := userConfigDir()
	if err != nil {
		return "", fmt.Errorf("locate config dir: %w", err)
	}
	return filepath.Join(dir, settingsFile), nil
}

// OpenStore loads the settings at path. A missing file yields defaults
// with a freshly generated client id, which is written back immediately.
func OpenStore(path string, logger *zap.SugaredLogger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Store{
		path:   path,
		logger: logger.Named("settings"),
	}

	current, err := readSettings(path)
	if err != nil {
		return nil, err
	}
	s.current = current

	if s.current.ClientID == "" {
		s.current.ClientID = uuid.NewString()
		if err := s.write(s.current); err != nil {
			return nil, err
		}
		s.logger.Infow("Generated client id", "id", s.current.ClientID, "path", path)
	}

	return s, nil
}

// Path returns the backing file
func (s *Store) Path() string {
	return s.path
}

// Load returns the last known settings
func (s *Store) Load() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Save persists settings. An empty client id keeps the existing one.
func (s *Store) Save(settings Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if settings.ClientID == "" {
		settings.ClientID = s.current.ClientID
	}
	if settings == s.current {
		return nil
	}
	if err := s.write(settings); err != nil {
		return err
	}
	s.current = settings
	s.logger.Debugw("Saved settings", "server", settings.Server, "device", settings.DeviceID, "volume", settings.Volume)
	return nil
}

// Update applies fn to the current settings and saves the result
func (s *Store) Update(fn func(*Settings)) error {
	next := s.Load()
	fn(&next)
	return s.Save(next)
}

func (s *Store) write(settings Settings) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}

	v := viper.New()
	v.SetConfigType(configType)
	v.Set(keyLastServer, settings.Server)
	v.Set(keyDeviceID, settings.DeviceID)
	v.Set(keyVolume, settings.Volume)
	v.Set(keyClientID, settings.ClientID)

	if err := v.WriteConfigAs(s.path); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}

func readSettings(path string) (Settings, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType(configType)
	v.SetDefault(keyVolume, 100)

	if err := v.ReadInConfig(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return Settings{}, fmt.Errorf("read settings: %w", err)
		}
	}

	volume := v.GetInt(keyVolume)
	if volume < 0 {
		volume = 0
	}
	if volume > 100 {
		volume = 100
	}

	return Settings{
		Server:   v.GetString(keyLastServer),
		DeviceID: v.GetString(keyDeviceID),
		Volume:   volume,
		ClientID: v.GetString(keyClientID),
	}, nil
}

// Watch reports settings edited outside this process until ctx ends.
// Writes made through Save are not reported.
func (s *Store) Watch(ctx context.Context) (<-chan Settings, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(s.path), err)
	}

	out := make(chan Settings, 1)
	target := filepath.Clean(s.path)

	go func() {
		defer close(out)
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}

				next, err := readSettings(s.path)
				if err != nil {
					// Editors often write in several steps; the next event retries.
					s.logger.Debugw("Skipping unreadable settings", "error", err)
					continue
				}

				if next.ClientID == "" {
					// truncated mid-write; every complete file carries the client id
					continue
				}

				s.mu.Lock()
				changed := next != s.current
				s.current = next
				s.mu.Unlock()

				if !changed {
					continue
				}

				s.logger.Infow("Settings changed on disk", "server", next.Server, "device", next.DeviceID, "volume", next.Volume)
				select {
				case out <- next:
				case <-ctx.Done():
					return
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warnw("Settings watcher error", "error", err)
			}
		}
	}()

	return out, nil
}
