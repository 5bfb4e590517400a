// Package config provides layered JSON configuration: compiled-in defaults,
// a JSON file merged over them, and dot-path lookup. The file can be watched
// for changes and reloaded without restart.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Config holds merged configuration values.
type Config struct {
	mu       sync.RWMutex
	path     string
	defaults map[string]any
	values   map[string]any
}

// Load reads the JSON file at path and merges it over defaults. A missing
// file is not an error; the defaults are used as-is.
func Load(path string, defaults map[string]any) (*Config, error) {
	c := &Config{path: path, defaults: defaults}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads the file and rebuilds the merged view.
func (c *Config) Reload() error {
	merged := deepCopy(c.defaults)

	if c.path != "" {
		data, err := os.ReadFile(c.path)
		switch {
		case os.IsNotExist(err):
			// defaults only
		case err != nil:
			return fmt.Errorf("read config %s: %w", c.path, err)
		default:
			var user map[string]any
			if err := json.Unmarshal(data, &user); err != nil {
				return fmt.Errorf("parse config %s: %w", c.path, err)
			}
			merged = merge(merged, user)
		}
	}

	c.mu.Lock()
	c.values = merged
	c.mu.Unlock()
	return nil
}

// Get returns the value at a dot-separated path, or fallback if absent.
func (c *Config) Get(key string, fallback any) any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var cur any = c.values
	for _, part := range strings.Split(key, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return fallback
		}
		cur, ok = m[part]
		if !ok {
			return fallback
		}
	}
	return cur
}

// GetString returns a string value, or fallback on absence or type mismatch.
func (c *Config) GetString(key, fallback string) string {
	if s, ok := c.Get(key, fallback).(string); ok {
		return s
	}
	return fallback
}

// GetInt returns an int value. JSON numbers decode as float64.
func (c *Config) GetInt(key string, fallback int) int {
	switch v := c.Get(key, fallback).(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return fallback
	}
}

// GetFloat returns a float64 value.
func (c *Config) GetFloat(key string, fallback float64) float64 {
	switch v := c.Get(key, fallback).(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return fallback
	}
}

// GetBool returns a bool value.
func (c *Config) GetBool(key string, fallback bool) bool {
	if b, ok := c.Get(key, fallback).(bool); ok {
		return b
	}
	return fallback
}

// GetStringSlice returns a []string value from a JSON array.
func (c *Config) GetStringSlice(key string, fallback []string) []string {
	raw, ok := c.Get(key, nil).([]any)
	if !ok {
		return fallback
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Section returns the map at key, or nil.
func (c *Config) Section(key string) map[string]any {
	m, _ := c.Get(key, nil).(map[string]any)
	return m
}

// Watch reloads the config whenever the file changes, until ctx is done.
func (c *Config) Watch(ctx context.Context, log *slog.Logger) error {
	if c.path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	if err := w.Add(c.path); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", c.path, err)
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := c.Reload(); err != nil {
					log.Warn("config reload failed", "path", c.path, "err", err)
					continue
				}
				log.Info("config reloaded", "path", c.path)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn("config watcher error", "err", err)
			}
		}
	}()
	return nil
}

// merge overlays user on top of def, recursing into nested maps.
func merge(def, user map[string]any) map[string]any {
	out := make(map[string]any, len(def))
	for k, v := range def {
		out[k] = v
	}
	for k, v := range user {
		if dm, ok := out[k].(map[string]any); ok {
			if um, ok := v.(map[string]any); ok {
				out[k] = merge(dm, um)
				continue
			}
		}
		out[k] = v
	}
	return out
}

func deepCopy(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			out[k] = deepCopy(nested)
			continue
		}
		out[k] = v
	}
	return out
}
