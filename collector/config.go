package collector

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/scottlaird/od-collector/urlmetric"
)

// MaxStorageLockTTL is how long lock stores retain a client's lock
// time, and so the longest storage_lock_ttl that can be honored.
const MaxStorageLockTTL = 24 * time.Hour

// Config holds the sampling settings.  Everything here may change at
// runtime; process settings such as listen addresses stay in flags.
type Config struct {
	Breakpoints            []int         `yaml:"breakpoints"`
	SampleSize             int           `yaml:"sample_size"`
	FreshnessTTL           time.Duration `yaml:"freshness_ttl"`
	MinViewportAspectRatio float64       `yaml:"min_viewport_aspect_ratio"`
	MaxViewportAspectRatio float64       `yaml:"max_viewport_aspect_ratio"`
	StorageLockTTL         time.Duration `yaml:"storage_lock_ttl"`

	// AllowedOrigins are the hosts submissions may come from, with or
	// without a port.  Empty means only the host of the submitted URL.
	AllowedOrigins []string `yaml:"allowed_origins"`

	ExtensionModules           []string `yaml:"extension_modules"`
	ExtensionRootProperties    []string `yaml:"extension_root_properties"`
	ExtensionElementProperties []string `yaml:"extension_element_properties"`

	Debug bool `yaml:"debug"`
}

// DefaultConfig returns the settings used when no config file is
// given.
func DefaultConfig() Config {
	return Config{
		Breakpoints:            []int{480, 600, 782},
		SampleSize:             3,
		FreshnessTTL:           24 * time.Hour,
		MinViewportAspectRatio: 0.4,
		MaxViewportAspectRatio: 2.5,
		StorageLockTTL:         60 * time.Second,
	}
}

// Validate checks c and normalizes its breakpoints in place.
func (c *Config) Validate() error {
	bps, err := urlmetric.NormalizeBreakpoints(c.Breakpoints)
	if err != nil {
		return err
	}
	c.Breakpoints = bps
	if c.SampleSize < 1 {
		return fmt.Errorf("sample_size must be at least 1, got %d", c.SampleSize)
	}
	if c.FreshnessTTL < 0 {
		return fmt.Errorf("freshness_ttl must not be negative, got %v", c.FreshnessTTL)
	}
	if c.StorageLockTTL < 0 || c.StorageLockTTL > MaxStorageLockTTL {
		return fmt.Errorf("storage_lock_ttl must be between 0 and %v, got %v", MaxStorageLockTTL, c.StorageLockTTL)
	}
	if c.MinViewportAspectRatio <= 0 || c.MaxViewportAspectRatio < c.MinViewportAspectRatio {
		return fmt.Errorf("viewport aspect ratio range %v..%v is invalid", c.MinViewportAspectRatio, c.MaxViewportAspectRatio)
	}
	return nil
}

// GroupConfig is the subset of c that shapes a GroupCollection.
func (c *Config) GroupConfig() urlmetric.GroupConfig {
	return urlmetric.GroupConfig{
		Breakpoints:  c.Breakpoints,
		SampleSize:   c.SampleSize,
		FreshnessTTL: c.FreshnessTTL,
	}
}

// Schema returns the extension properties submissions may carry.
func (c *Config) Schema() *urlmetric.Schema {
	return &urlmetric.Schema{
		RootProperties:    c.ExtensionRootProperties,
		ElementProperties: c.ExtensionElementProperties,
	}
}

// ParseConfig decodes YAML on top of the defaults.  Keys missing from
// the document keep their default values.
func ParseConfig(b []byte) (*Config, error) {
	c := DefaultConfig()
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("Unable to parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadConfig reads and parses the config file at path.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(b)
}

// ConfigSource hands out the current Config.  Each request should call
// Current once and use that snapshot throughout.
type ConfigSource struct {
	current atomic.Pointer[Config]
}

func NewConfigSource(c *Config) *ConfigSource {
	s := &ConfigSource{}
	s.Store(c)
	return s
}

func (s *ConfigSource) Current() *Config {
	return s.current.Load()
}

// Store replaces the current config.
func (s *ConfigSource) Store(c *Config) {
	s.current.Store(c)
	observeConfig(c)
}

// Watch reloads the config file at path whenever it changes, until
// ctx is done.  A file that fails to parse is logged and ignored, so
// the last good config stays in effect.
//
// The directory is watched rather than the file, since editors and
// config management usually replace files by renaming over them.
func (s *ConfigSource) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("Unable to watch %q: %w", abs, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("Config watcher error", "error", err)
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			c, err := LoadConfig(abs)
			if err != nil {
				slog.Error("Unable to reload config", "path", abs, "error", err)
				continue
			}
			s.Store(c)
			slog.Info("Reloaded config", "path", abs)
		}
	}
}
