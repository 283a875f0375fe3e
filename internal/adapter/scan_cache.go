package adapter

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	m "cratewatch.dev/pkg/cratewatch/internal/model"
)

// ErrCacheUnavailable is reported once when the cache falls back to pass-through.
var ErrCacheUnavailable = errors.New("scan cache unavailable")

const (
	entryPrefix = "entry/"
	hitPrefix   = "hit/"
	usagePrefix = "usage/"

	keySeparator = "\x00"

	topIdentities = 5
)

// ScanCache persists analysis results keyed by content.
type ScanCache interface {
	Lookup(ctx context.Context, key m.CacheKey) (m.CacheEntry, bool)
	Store(ctx context.Context, key m.CacheKey, record m.AnalysisRecord) string
	Evict(ctx context.Context, maxAge time.Duration) (int, error)
	Clear(ctx context.Context) (int, error)
	Export(ctx context.Context, path string) (int, error)
	RecordUsage(ctx context.Context, record m.UsageRecord) error
	Usage(ctx context.Context) ([]m.UsageRecord, error)
	Stats(ctx context.Context, recent time.Duration) (m.CacheStats, error)
	Available() bool
	Close() error
}

// BadgerScanCache is a ScanCache backed by BadgerDB. When the store cannot be
// used it degrades to a pass-through cache: lookups miss and stores are no-ops.
type BadgerScanCache struct {
	db  *badger.DB
	now func() time.Time

	mu       sync.Mutex
	degraded bool
	hits     map[string]uint64

	warnOnce sync.Once
}

// badgerLogger routes Badger's internal logging through slog.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...interface{}) {
	slog.Error(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

func (badgerLogger) Warningf(format string, args ...interface{}) {
	slog.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

func (badgerLogger) Infof(format string, args ...interface{}) {
	slog.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

func (badgerLogger) Debugf(format string, args ...interface{}) {
	slog.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

// OpenScanCache opens the cache at path. An empty path opens an in-memory
// store. A store that cannot be opened yields a degraded cache, never an error.
func OpenScanCache(settings m.CacheSettings) *BadgerScanCache {
	c := &BadgerScanCache{now: time.Now, hits: make(map[string]uint64)}

	if !settings.Enabled {
		c.degrade("cache disabled by configuration", nil)
		return c
	}

	var opts badger.Options

	if settings.Path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(settings.Path, 0o750); err != nil {
			c.degrade("failed to create cache directory", err)
			return c
		}

		opts = badger.DefaultOptions(filepath.Clean(settings.Path))
	}

	opts = opts.WithLogger(badgerLogger{}).WithNumVersionsToKeep(1)

	db, err := badger.Open(opts)
	if err != nil {
		c.degrade("failed to open cache store", err)
		return c
	}

	c.db = db

	return c
}

// NewInMemoryScanCache opens an empty in-memory cache.
func NewInMemoryScanCache() *BadgerScanCache {
	return OpenScanCache(m.CacheSettings{Enabled: true})
}

func (c *BadgerScanCache) degrade(reason string, err error) {
	c.mu.Lock()
	c.degraded = true
	c.mu.Unlock()

	c.warnOnce.Do(func() {
		slog.Warn("scan cache running in pass-through mode", "reason", reason, "error", errors.Join(ErrCacheUnavailable, err))
	})
}

// Available reports whether results are being persisted.
func (c *BadgerScanCache) Available() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.db != nil && !c.degraded
}

func entryKey(key m.CacheKey) []byte {
	return []byte(entryPrefix + key.Identity + keySeparator + key.Version + keySeparator + key.ContentHash)
}

// Lookup returns the stored entry for key.
func (c *BadgerScanCache) Lookup(_ context.Context, key m.CacheKey) (m.CacheEntry, bool) {
	if !c.Available() {
		return m.CacheEntry{}, false
	}

	var entry m.CacheEntry

	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(key))
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
	})
	if err != nil {
		if !errors.Is(err, badger.ErrKeyNotFound) {
			slog.Debug("failed to read cache entry", "identity", key.Identity, "error", err)
		}

		return m.CacheEntry{}, false
	}

	c.mu.Lock()
	c.hits[key.Identity]++
	c.mu.Unlock()

	return entry, true
}

// Store writes record under key unless an entry already exists, and returns
// the ID of whichever entry is stored. A degraded cache returns an empty ID.
func (c *BadgerScanCache) Store(_ context.Context, key m.CacheKey, record m.AnalysisRecord) string {
	if !c.Available() {
		return ""
	}

	candidate := m.CacheEntry{
		ID:          uuid.NewString(),
		Identity:    key.Identity,
		Version:     key.Version,
		ContentHash: key.ContentHash,
		Analysis:    record.Analysis,
		Findings:    record.Findings,
		Model:       record.Model,
		Timestamp:   c.now().UTC(),
	}

	id, err := c.insertIfAbsent(candidate)
	if errors.Is(err, badger.ErrConflict) {
		// Another writer committed first; its entry wins.
		if existing, ok := c.read(entryKey(key)); ok {
			return existing.ID
		}
	}

	if err != nil {
		c.degrade("failed to write cache entry", err)
		return ""
	}

	return id
}

func (c *BadgerScanCache) insertIfAbsent(entry m.CacheEntry) (string, error) {
	var id string

	err := c.db.Update(func(txn *badger.Txn) error {
		k := entryKey(entry.Key())

		item, err := txn.Get(k)
		if err == nil {
			return item.Value(func(val []byte) error {
				var existing m.CacheEntry
				if err := json.Unmarshal(val, &existing); err != nil {
					return err
				}

				id = existing.ID

				return nil
			})
		}

		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		payload, err := json.Marshal(entry)
		if err != nil {
			return err
		}

		id = entry.ID

		return txn.Set(k, payload)
	})

	return id, err
}

func (c *BadgerScanCache) read(k []byte) (m.CacheEntry, bool) {
	var entry m.CacheEntry

	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
	})

	return entry, err == nil
}

func (c *BadgerScanCache) entries(ctx context.Context) ([]m.CacheEntry, error) {
	var out []m.CacheEntry

	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(entryPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			var entry m.CacheEntry

			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				slog.Warn("skipping unreadable cache entry", "key", string(it.Item().Key()), "error", err)
				continue
			}

			out = append(out, entry)
		}

		return nil
	})

	return out, err
}

// Evict removes entries older than maxAge and returns how many were removed.
func (c *BadgerScanCache) Evict(ctx context.Context, maxAge time.Duration) (int, error) {
	if !c.Available() {
		return 0, nil
	}

	cutoff := c.now().Add(-maxAge)

	all, err := c.entries(ctx)
	if err != nil {
		return 0, fmt.Errorf("list cache entries: %w", err)
	}

	batch := c.db.NewWriteBatch()
	defer batch.Cancel()

	removed := 0

	for _, entry := range all {
		if !entry.Timestamp.Before(cutoff) {
			continue
		}

		if err := batch.Delete(entryKey(entry.Key())); err != nil {
			return 0, fmt.Errorf("evict cache entry: %w", err)
		}

		removed++
	}

	if err := batch.Flush(); err != nil {
		return 0, fmt.Errorf("flush cache eviction: %w", err)
	}

	if removed > 0 {
		slog.Info("evicted stale cache entries", "count", removed, "max_age", maxAge)
	}

	return removed, nil
}

// Clear removes every cache record and returns how many analysis entries were dropped.
func (c *BadgerScanCache) Clear(ctx context.Context) (int, error) {
	if !c.Available() {
		return 0, nil
	}

	all, err := c.entries(ctx)
	if err != nil {
		return 0, fmt.Errorf("list cache entries: %w", err)
	}

	if err := c.db.DropPrefix([]byte(entryPrefix), []byte(hitPrefix), []byte(usagePrefix)); err != nil {
		return 0, fmt.Errorf("clear cache: %w", err)
	}

	c.mu.Lock()
	c.hits = make(map[string]uint64)
	c.mu.Unlock()

	return len(all), nil
}

// Export writes every entry to path as JSON, or YAML for .yaml and .yml files.
func (c *BadgerScanCache) Export(ctx context.Context, path string) (int, error) {
	var all []m.CacheEntry

	if c.Available() {
		var err error

		all, err = c.entries(ctx)
		if err != nil {
			return 0, fmt.Errorf("list cache entries: %w", err)
		}
	}

	if all == nil {
		all = []m.CacheEntry{}
	}

	var (
		payload []byte
		err     error
	)

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		payload, err = yaml.Marshal(all)
	default:
		payload, err = json.MarshalIndent(all, "", "  ")
	}

	if err != nil {
		return 0, fmt.Errorf("encode cache export: %w", err)
	}

	if err := os.WriteFile(path, payload, 0o600); err != nil {
		slog.Error("failed to write cache export", "path", path, "error", err)
		return 0, fmt.Errorf("write cache export: %w", err)
	}

	return len(all), nil
}

// RecordUsage appends one usage record.
func (c *BadgerScanCache) RecordUsage(_ context.Context, record m.UsageRecord) error {
	if !c.Available() {
		return nil
	}

	if record.Timestamp.IsZero() {
		record.Timestamp = c.now().UTC()
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode usage record: %w", err)
	}

	key := []byte(usagePrefix + strconv.FormatInt(record.Timestamp.UnixNano(), 10))

	if err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, payload)
	}); err != nil {
		return fmt.Errorf("write usage record: %w", err)
	}

	return nil
}

// Usage returns every usage record, oldest first.
func (c *BadgerScanCache) Usage(ctx context.Context) ([]m.UsageRecord, error) {
	if !c.Available() {
		return nil, nil
	}

	var out []m.UsageRecord

	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(usagePrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			var record m.UsageRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &record)
			}); err != nil {
				return err
			}

			out = append(out, record)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read usage records: %w", err)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})

	return out, nil
}

func (c *BadgerScanCache) persistedHits(txn *badger.Txn) (map[string]uint64, error) {
	out := make(map[string]uint64)

	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(hitPrefix)

	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		identity := string(bytes.TrimPrefix(it.Item().Key(), []byte(hitPrefix)))

		if err := it.Item().Value(func(val []byte) error {
			if len(val) != 8 {
				return fmt.Errorf("malformed hit counter for %s", identity)
			}

			out[identity] = binary.BigEndian.Uint64(val)

			return nil
		}); err != nil {
			return nil, err
		}
	}

	return out, nil
}

// Stats summarizes the cache. Entries written within recent count as recent.
func (c *BadgerScanCache) Stats(ctx context.Context, recent time.Duration) (m.CacheStats, error) {
	stats := m.CacheStats{Available: c.Available(), RecentWindow: recent}
	if !stats.Available {
		return stats, nil
	}

	all, err := c.entries(ctx)
	if err != nil {
		return stats, fmt.Errorf("list cache entries: %w", err)
	}

	cutoff := c.now().Add(-recent)
	stats.TotalEntries = len(all)

	for _, entry := range all {
		if !entry.Timestamp.Before(cutoff) {
			stats.RecentEntries++
		}
	}

	var hits map[string]uint64

	if err := c.db.View(func(txn *badger.Txn) error {
		var err error
		hits, err = c.persistedHits(txn)

		return err
	}); err != nil {
		return stats, fmt.Errorf("read hit counters: %w", err)
	}

	c.mu.Lock()
	for identity, n := range c.hits {
		hits[identity] += n
	}
	c.mu.Unlock()

	for identity, n := range hits {
		stats.TopIdentities = append(stats.TopIdentities, m.IdentityHits{Identity: identity, Hits: n})
	}

	sort.Slice(stats.TopIdentities, func(i, j int) bool {
		a, b := stats.TopIdentities[i], stats.TopIdentities[j]
		if a.Hits != b.Hits {
			return a.Hits > b.Hits
		}

		return a.Identity < b.Identity
	})

	if len(stats.TopIdentities) > topIdentities {
		stats.TopIdentities = stats.TopIdentities[:topIdentities]
	}

	usage, err := c.Usage(ctx)
	if err != nil {
		return stats, err
	}

	stats.Sessions = len(usage)
	for _, record := range usage {
		stats.TotalCacheHits += record.CacheHits
		stats.TotalNewAnalyses += record.NewAnalyses
	}

	return stats, nil
}

func (c *BadgerScanCache) flushHits() error {
	c.mu.Lock()
	pending := c.hits
	c.hits = make(map[string]uint64)
	c.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	return c.db.Update(func(txn *badger.Txn) error {
		for identity, n := range pending {
			key := []byte(hitPrefix + identity)
			total := n

			item, err := txn.Get(key)
			switch {
			case err == nil:
				if err := item.Value(func(val []byte) error {
					if len(val) == 8 {
						total += binary.BigEndian.Uint64(val)
					}

					return nil
				}); err != nil {
					return err
				}
			case !errors.Is(err, badger.ErrKeyNotFound):
				return err
			}

			buf := make([]byte, 8)
			binary.BigEndian.PutUint64(buf, total)

			if err := txn.Set(key, buf); err != nil {
				return err
			}
		}

		return nil
	})
}

// Close persists pending hit counters and closes the store.
func (c *BadgerScanCache) Close() error {
	if c.db == nil {
		return nil
	}

	if !c.isDegraded() {
		if err := c.flushHits(); err != nil {
			slog.Warn("failed to persist cache hit counters", "error", err)
		}
	}

	err := c.db.Close()

	c.mu.Lock()
	c.db = nil
	c.mu.Unlock()

	if err != nil {
		return fmt.Errorf("close scan cache: %w", err)
	}

	return nil
}

func (c *BadgerScanCache) isDegraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.degraded
}
