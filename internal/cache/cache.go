package cache

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/zeebo/blake3"
)

// Entry is one cached HTTP response.
type Entry struct {
	URL        string      `json:"url"`
	FinalURL   string      `json:"final_url"`
	StatusCode int         `json:"status_code"`
	Headers    http.Header `json:"headers"`
	Body       []byte      `json:"body"`
	StoredAt   time.Time   `json:"stored_at"`
}

// Config controls cache sizing and persistence.
type Config struct {
	TTL        time.Duration // entry lifetime; expired entries are misses
	MaxEntries int           // in-memory entry cap, oldest evicted first
	Dir        string        // disk tier directory; empty disables persistence
}

// DefaultConfig returns a one-hour, thousand-entry memory-only cache.
func DefaultConfig() Config {
	return Config{
		TTL:        time.Hour,
		MaxEntries: 1000,
	}
}

// Stats is a point-in-time cache counters snapshot.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Entries   int
}

// Cache is a TTL response cache with an in-memory tier and an optional disk
// tier. Disk entries survive process restarts; a disk hit is promoted back
// into memory. Expired and corrupted entries are purged lazily on access.
type Cache struct {
	cfg Config

	mu      sync.Mutex
	entries map[string]*Entry
	stats   Stats

	now func() time.Time
}

// New creates a cache. When cfg.Dir is set the directory is created if needed;
// a directory that cannot be created degrades the cache to memory-only.
func New(cfg Config) *Cache {
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			log.Warn().Err(err).Str("dir", cfg.Dir).Msg("Cache directory unavailable, running memory-only")
			cfg.Dir = ""
		}
	}

	return &Cache{
		cfg:     cfg,
		entries: make(map[string]*Entry),
		now:     time.Now,
	}
}

// Key derives the cache key for a URL.
func Key(url string) string {
	sum := blake3.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached entry for a URL, or found=false on a miss. Expired
// entries are removed from both tiers and reported as misses.
func (c *Cache) Get(url string) (*Entry, bool) {
	key := Key(url)
	now := c.now()

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		if now.Sub(e.StoredAt) < c.cfg.TTL {
			c.stats.Hits++
			c.mu.Unlock()
			return e, true
		}
		delete(c.entries, key)
	}
	c.stats.Misses++
	c.mu.Unlock()

	if c.cfg.Dir == "" {
		return nil, false
	}

	e, ok := c.readDisk(key)
	if !ok {
		return nil, false
	}
	if now.Sub(e.StoredAt) >= c.cfg.TTL {
		c.removeDisk(key)
		return nil, false
	}

	// Promote the disk hit so subsequent lookups stay in memory.
	c.mu.Lock()
	c.stats.Misses--
	c.stats.Hits++
	c.storeLocked(key, e)
	c.mu.Unlock()
	return e, true
}

// Put stores a response. Only 200 responses are cacheable, and responses whose
// Cache-Control carries no-store or no-cache are skipped.
func (c *Cache) Put(e *Entry) {
	if e == nil || e.StatusCode != http.StatusOK {
		return
	}
	if cc := e.Headers.Get("Cache-Control"); cc != "" {
		lower := strings.ToLower(cc)
		if strings.Contains(lower, "no-store") || strings.Contains(lower, "no-cache") {
			return
		}
	}

	if e.StoredAt.IsZero() {
		e.StoredAt = c.now()
	}
	key := Key(e.URL)

	c.mu.Lock()
	c.storeLocked(key, e)
	c.mu.Unlock()

	if c.cfg.Dir != "" {
		c.writeDisk(key, e)
	}
}

// storeLocked inserts an entry, evicting the oldest entries past the cap.
// Caller holds c.mu.
func (c *Cache) storeLocked(key string, e *Entry) {
	c.entries[key] = e
	for len(c.entries) > c.cfg.MaxEntries {
		oldestKey := ""
		var oldest time.Time
		for k, v := range c.entries {
			if oldestKey == "" || v.StoredAt.Before(oldest) {
				oldestKey, oldest = k, v.StoredAt
			}
		}
		delete(c.entries, oldestKey)
		c.stats.Evictions++
	}
}

// ClearExpired removes every expired entry from both tiers and returns how
// many distinct keys were dropped.
func (c *Cache) ClearExpired() int {
	now := c.now()
	removed := make(map[string]struct{})

	c.mu.Lock()
	for k, e := range c.entries {
		if now.Sub(e.StoredAt) >= c.cfg.TTL {
			delete(c.entries, k)
			removed[k] = struct{}{}
		}
	}
	c.mu.Unlock()

	if c.cfg.Dir != "" {
		files, err := filepath.Glob(filepath.Join(c.cfg.Dir, "*.json"))
		if err == nil {
			for _, path := range files {
				key := strings.TrimSuffix(filepath.Base(path), ".json")
				e, ok := c.readDisk(key)
				if !ok {
					removed[key] = struct{}{}
					continue
				}
				if now.Sub(e.StoredAt) >= c.cfg.TTL {
					c.removeDisk(key)
					removed[key] = struct{}{}
				}
			}
		}
	}

	if len(removed) > 0 {
		log.Debug().Int("removed", len(removed)).Msg("Cleared expired cache entries")
	}
	return len(removed)
}

// Clear empties both tiers.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*Entry)
	c.mu.Unlock()

	if c.cfg.Dir != "" {
		files, _ := filepath.Glob(filepath.Join(c.cfg.Dir, "*.json"))
		for _, path := range files {
			os.Remove(path)
		}
	}
}

// Stats returns current cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = len(c.entries)
	return s
}

func (c *Cache) diskPath(key string) string {
	return filepath.Join(c.cfg.Dir, key+".json")
}

// readDisk loads one entry from the disk tier. A file that cannot be decoded
// is deleted and treated as a miss.
func (c *Cache) readDisk(key string) (*Entry, bool) {
	data, err := os.ReadFile(c.diskPath(key))
	if err != nil {
		return nil, false
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		log.Warn().Str("key", key).Msg("Removing corrupted cache file")
		c.removeDisk(key)
		return nil, false
	}
	return &e, true
}

// writeDisk persists one entry atomically via a temp file rename, so a crash
// mid-write never leaves a truncated entry behind.
func (c *Cache) writeDisk(key string, e *Entry) {
	data, err := json.Marshal(e)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to encode cache entry")
		return
	}

	path := c.diskPath(key)
	tmp := fmt.Sprintf("%s.tmp.%d", path, c.now().UnixNano())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to write cache entry")
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		log.Warn().Err(err).Str("key", key).Msg("Failed to finalise cache entry")
	}
}

func (c *Cache) removeDisk(key string) {
	os.Remove(c.diskPath(key))
}

// DiskEntries lists the keys currently persisted on disk, sorted. It exists
// for diagnostics and tests.
func (c *Cache) DiskEntries() []string {
	if c.cfg.Dir == "" {
		return nil
	}
	files, err := filepath.Glob(filepath.Join(c.cfg.Dir, "*.json"))
	if err != nil {
		return nil
	}
	keys := make([]string, 0, len(files))
	for _, path := range files {
		keys = append(keys, strings.TrimSuffix(filepath.Base(path), ".json"))
	}
	sort.Strings(keys)
	return keys
}
