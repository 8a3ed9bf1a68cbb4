// Package cache stores built Architecture Maps keyed by the content of
// the image and the decoder revision that produced them.
package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"bg/internal/archmap"
	"bg/internal/decoder"
	"bg/internal/image"
)

// Key identifies the map of img. Only inputs that reach the decoder and
// mapper are hashed: the decoder version, the section table and the
// bytes.
func Key(img *image.Image) string {
	h := sha256.New()
	h.Write([]byte(decoder.Version))
	h.Write([]byte{0})
	var buf [8]byte
	put := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}
	put(uint64(len(img.Sections)))
	for _, s := range img.Sections {
		put(s.Offset)
		put(s.Size)
		put(s.Addr)
		put(uint64(s.Perm))
	}
	put(uint64(len(img.Data)))
	h.Write(img.Data)
	return hex.EncodeToString(h.Sum(nil))
}

// Cache is safe for concurrent use. Maps are cloned on the way in and
// out so callers never share storage.
type Cache struct {
	mu  sync.Mutex
	mem map[string]*archmap.Map
	dir string
}

// New returns a cache. With a non-empty dir, entries are also persisted
// there as JSON files.
func New(dir string) *Cache {
	return &Cache{mem: make(map[string]*archmap.Map), dir: dir}
}

func (c *Cache) path(key string) string {
	return filepath.Join(c.dir, key+".json")
}

// Get returns the cached map for key.
func (c *Cache) Get(key string) (*archmap.Map, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if m, ok := c.mem[key]; ok {
		return m.Clone(), true
	}
	if c.dir == "" {
		return nil, false
	}
	data, err := os.ReadFile(c.path(key))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Debug("Cache read failed", "key", key, "error", err)
		}
		return nil, false
	}
	m := archmap.New()
	if err := json.Unmarshal(data, m); err != nil {
		slog.Debug("Discarding corrupt cache entry", "key", key, "error", err)
		return nil, false
	}
	c.mem[key] = m
	return m.Clone(), true
}

// Put stores m under key.
func (c *Cache) Put(key string, m *archmap.Map) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	m = m.Clone()
	c.mem[key] = m
	if c.dir == "" {
		return nil
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode map: %w", err)
	}
	tmp, err := os.CreateTemp(c.dir, key+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.path(key)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	slog.Debug("Cached architecture map", "key", key, "bytes", len(data))
	return nil
}

// Len is the number of entries held in memory.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.mem)
}
