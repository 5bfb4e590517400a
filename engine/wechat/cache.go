package wechat

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FakeIDCache is a JSON-file-backed map of account display names to fakeids.
// Writes go through a temp file and rename so a crash never leaves a torn file.
type FakeIDCache struct {
	mu   sync.Mutex
	path string
	ids  map[string]string
}

// OpenFakeIDCache loads the cache file, creating an empty cache if absent.
func OpenFakeIDCache(path string) (*FakeIDCache, error) {
	c := &FakeIDCache{path: path, ids: make(map[string]string)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read fakeid cache: %w", err)
	}
	if err := json.Unmarshal(data, &c.ids); err != nil {
		return nil, fmt.Errorf("parse fakeid cache %s: %w", path, err)
	}
	return c, nil
}

// Get returns the cached fakeid for name.
func (c *FakeIDCache) Get(name string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.ids[name]
	return id, ok
}

// Put stores a resolved fakeid and persists the cache.
func (c *FakeIDCache) Put(name, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids[name] = id
	return c.save()
}

// Names returns all cached account names.
func (c *FakeIDCache) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.ids))
	for name := range c.ids {
		out = append(out, name)
	}
	return out
}

// save writes the cache atomically. Must hold mu.
func (c *FakeIDCache) save() error {
	data, err := json.MarshalIndent(c.ids, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(c.path), ".fakeid-*")
	if err != nil {
		return fmt.Errorf("fakeid cache temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), c.path)
}
