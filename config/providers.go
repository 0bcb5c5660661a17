package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// providerDebounceDelay is how long to wait for more changes before
// reloading the credentials file. Editors often write in several bursts.
const providerDebounceDelay = 500 * time.Millisecond

// ProviderCredentials holds one provider's call material as loaded from the
// credentials file.
type ProviderCredentials struct {
	APIKey          string `yaml:"apiKey"`
	BaseURL         string `yaml:"baseUrl"`
	ResourceName    string `yaml:"resourceName"`
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"accessKeyId"`
	SecretAccessKey string `yaml:"secretAccessKey"`
	SessionToken    string `yaml:"sessionToken"`
}

// providersFile is the credentials file layout.
type providersFile struct {
	Providers map[string]ProviderCredentials `yaml:"providers"`
}

// LoadProviders reads provider credentials from a YAML file. A missing file
// is not an error; it yields an empty set.
func LoadProviders(path string) (map[string]ProviderCredentials, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]ProviderCredentials{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read providers file: %w", err)
	}

	var f providersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse providers file: %w", err)
	}
	if f.Providers == nil {
		f.Providers = map[string]ProviderCredentials{}
	}
	return f.Providers, nil
}

// ProviderWatcher reloads the credentials file on change and hands the new
// set to a callback. Changes are debounced.
type ProviderWatcher struct {
	path     string
	onReload func(map[string]ProviderCredentials)
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
}

// NewProviderWatcher creates a watcher for the credentials file. The watch
// is registered on the parent directory so file replacement (the common
// editor save pattern) is observed.
func NewProviderWatcher(path string, onReload func(map[string]ProviderCredentials), logger *slog.Logger) (*ProviderWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}
	return &ProviderWatcher{
		path:     path,
		onReload: onReload,
		logger:   logger,
		watcher:  fsw,
	}, nil
}

// Run processes watch events until the context is cancelled.
func (w *ProviderWatcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	var debounce *time.Timer
	var debounceC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(providerDebounceDelay)
				debounceC = debounce.C
			} else {
				debounce.Reset(providerDebounceDelay)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Provider watcher error", slog.String("error", err.Error()))
		case <-debounceC:
			debounce = nil
			debounceC = nil
			w.reload()
		}
	}
}

func (w *ProviderWatcher) reload() {
	creds, err := LoadProviders(w.path)
	if err != nil {
		w.logger.Warn("Failed to reload provider credentials",
			slog.String("path", w.path),
			slog.String("error", err.Error()))
		return
	}
	w.logger.Info("Provider credentials reloaded",
		slog.String("path", w.path),
		slog.Int("providers", len(creds)))
	w.onReload(creds)
}
