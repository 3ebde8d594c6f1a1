package mtpfs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/tidwall/btree"
	"golang.org/x/sync/singleflight"

	"github.com/fruitsalade/mtpfs/internal/device"
	"github.com/fruitsalade/mtpfs/internal/logging"
	"github.com/fruitsalade/mtpfs/internal/metrics"
)

// DefaultTTL is how long a metadata snapshot stays valid.
const DefaultTTL = 5 * time.Second

// Source fetches fresh metadata for one node from the device.
type Source interface {
	FetchMetadata(ctx context.Context) (*NodeMetadata, error)
}

type cacheEntry struct {
	meta       *NodeMetadata
	insertedAt time.Time
}

type openFile struct {
	copy *LocalFileCopy
	refs int
}

// CacheStats counts cache activity since creation.
type CacheStats struct {
	Hits    uint64
	Misses  uint64
	Expired uint64
}

// Cache holds recently fetched node metadata and the table of open
// staging copies.
//
// Entries live in a btree keyed by insertion sequence, so the oldest entry
// is always the minimum. Expiry pops from the minimum and stops at the first
// live entry.
type Cache struct {
	ttl        time.Duration
	stagingDir string
	now        func() time.Time

	mu         sync.Mutex
	entries    *btree.Map[uint64, *cacheEntry]
	index      map[device.NodeID]uint64
	seq        uint64
	lastInsert time.Time
	stats      CacheStats

	filesMu sync.Mutex
	files   map[device.NodeID]*openFile

	group singleflight.Group
}

// NewCache creates a cache. A ttl of zero uses DefaultTTL; an empty
// stagingDir uses the system temp directory.
func NewCache(ttl time.Duration, stagingDir string) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		ttl:        ttl,
		stagingDir: stagingDir,
		now:        time.Now,
		entries:    btree.NewMap[uint64, *cacheEntry](32),
		index:      make(map[device.NodeID]uint64),
		files:      make(map[device.NodeID]*openFile),
	}
}

// TTL returns the configured time to live.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// PutItem installs meta, replacing any entry for the same id, and returns
// the installed snapshot.
func (c *Cache) PutItem(meta *NodeMetadata) *NodeMetadata {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearOldLocked()
	return c.putLocked(meta)
}

func (c *Cache) putLocked(meta *NodeMetadata) *NodeMetadata {
	c.removeLocked(meta.ID())

	installed := meta.clone()
	installed.FromCache = true

	at := c.now()
	if at.Before(c.lastInsert) {
		at = c.lastInsert
	}
	c.lastInsert = at

	c.seq++
	c.entries.Set(c.seq, &cacheEntry{meta: installed, insertedAt: at})
	c.index[meta.ID()] = c.seq
	metrics.SetCacheEntries(len(c.index))
	return installed
}

// GetItem returns the cached metadata for id, fetching it from src on a miss.
// The cache lock is not held during the fetch; concurrent misses for the
// same id share one fetch.
func (c *Cache) GetItem(ctx context.Context, id device.NodeID, src Source) (*NodeMetadata, error) {
	c.mu.Lock()
	c.clearOldLocked()
	if seq, ok := c.index[id]; ok {
		e, _ := c.entries.Get(seq)
		c.stats.Hits++
		c.mu.Unlock()
		metrics.RecordCacheHit()
		return e.meta, nil
	}
	c.stats.Misses++
	c.mu.Unlock()
	metrics.RecordCacheMiss()

	// The fetch is shared by every caller missing on id and outlives the
	// caller that started it; the device call timeout bounds it.
	fetchCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(strconv.FormatUint(uint64(id), 10), func() (interface{}, error) {
		logging.Debug("metadata cache miss", logging.Uint32("id", uint32(id)))
		meta, err := src.FetchMetadata(fetchCtx)
		if err != nil {
			return nil, err
		}
		if meta.ID() != id {
			return nil, fmt.Errorf("%w: wanted %d, got %d", ErrIDMismatch, id, meta.ID())
		}
		return c.PutItem(meta), nil
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*NodeMetadata), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ClearItem drops the entry for id, if any.
func (c *Cache) ClearItem(id device.NodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(id)
	metrics.SetCacheEntries(len(c.index))
}

func (c *Cache) removeLocked(id device.NodeID) {
	if seq, ok := c.index[id]; ok {
		c.entries.Delete(seq)
		delete(c.index, id)
	}
}

// clearOldLocked drops expired entries from the oldest end.
func (c *Cache) clearOldLocked() {
	cutoff := c.now().Add(-c.ttl)
	expired := 0
	for {
		seq, e, ok := c.entries.Min()
		if !ok || !e.insertedAt.Before(cutoff) {
			break
		}
		c.entries.Delete(seq)
		delete(c.index, e.meta.ID())
		expired++
	}
	if expired > 0 {
		c.stats.Expired += uint64(expired)
		metrics.RecordCacheExpired(expired)
		metrics.SetCacheEntries(len(c.index))
	}
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.index)
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Cache) contains(id device.NodeID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.index[id]
	return ok
}

// insertionTimes returns the insertion time of every entry, oldest first.
func (c *Cache) insertionTimes() []time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	var times []time.Time
	c.entries.Scan(func(_ uint64, e *cacheEntry) bool {
		times = append(times, e.insertedAt)
		return true
	})
	return times
}

// OpenFile returns the staging copy for id, downloading the object on the
// first open. Every successful call must be paired with CloseFile.
func (c *Cache) OpenFile(ctx context.Context, dev device.Device, id device.NodeID) (*LocalFileCopy, error) {
	for {
		c.filesMu.Lock()
		if of, ok := c.files[id]; ok {
			of.refs++
			c.filesMu.Unlock()
			return of.copy, nil
		}
		c.filesMu.Unlock()

		_, err, _ := c.group.Do("open/"+strconv.FormatUint(uint64(id), 10), func() (interface{}, error) {
			c.filesMu.Lock()
			_, ok := c.files[id]
			c.filesMu.Unlock()
			if ok {
				return nil, nil
			}

			lfc, err := openLocalFileCopy(ctx, dev, id, c.stagingDir)
			if err != nil {
				return nil, err
			}

			c.filesMu.Lock()
			c.files[id] = &openFile{copy: lfc}
			metrics.SetStagedFiles(len(c.files))
			c.filesMu.Unlock()
			return nil, nil
		})
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		// Another opener's cancellation is not ours; try again.
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
	}
}

// OpenedFile returns the staging copy for id, or nil if it is not open.
func (c *Cache) OpenedFile(id device.NodeID) *LocalFileCopy {
	c.filesMu.Lock()
	defer c.filesMu.Unlock()
	if of, ok := c.files[id]; ok {
		return of.copy
	}
	return nil
}

// CloseFile releases one reference to the staging copy of id. The last
// release uploads the content if it changed and returns the id the device
// assigned; otherwise id is returned unchanged.
func (c *Cache) CloseFile(ctx context.Context, id device.NodeID) (device.NodeID, error) {
	c.filesMu.Lock()
	of, ok := c.files[id]
	if !ok {
		c.filesMu.Unlock()
		return 0, fmt.Errorf("close %d: %w", id, ErrNotOpen)
	}
	of.refs--
	if of.refs > 0 {
		c.filesMu.Unlock()
		return id, nil
	}
	delete(c.files, id)
	metrics.SetStagedFiles(len(c.files))
	c.filesMu.Unlock()

	newID, err := of.copy.commit(ctx)
	c.ClearItem(id)
	if newID != id {
		c.ClearItem(newID)
	}
	return newID, err
}
