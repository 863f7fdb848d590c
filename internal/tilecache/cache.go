// Package tilecache stores map tiles on disk under a byte budget, evicting the
// oldest inserted tiles first.
//
// Layout:
//
//	<dir>/<z>/<x>/<y>.png
//	<dir>/metadata.json
package tilecache

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"groundstation/internal/metrics"
)

const tileExt = ".png"

// Index is the nested zoom -> x -> [y] view of cached tiles, in insertion
// order per x.
type Index map[string]map[string][]string

func (ix Index) clone() Index {
	out := make(Index, len(ix))
	for z, xs := range ix {
		cx := make(map[string][]string, len(xs))
		for x, ys := range xs {
			cx[x] = append([]string(nil), ys...)
		}
		out[z] = cx
	}
	return out
}

func (ix Index) add(k Key) {
	xs := ix[k.Zoom]
	if xs == nil {
		xs = make(map[string][]string)
		ix[k.Zoom] = xs
	}
	xs[k.X] = append(xs[k.X], k.Y)
}

// remove drops k and reports whether its x and zoom branches became empty.
func (ix Index) remove(k Key) (xEmpty, zoomEmpty bool) {
	xs := ix[k.Zoom]
	if xs == nil {
		return false, false
	}
	ys := xs[k.X]
	for i, y := range ys {
		if y == k.Y {
			ys = append(ys[:i], ys[i+1:]...)
			break
		}
	}
	if len(ys) > 0 {
		xs[k.X] = ys
		return false, false
	}
	delete(xs, k.X)
	if len(xs) > 0 {
		return true, false
	}
	delete(ix, k.Zoom)
	return true, true
}

// Cache is safe for concurrent use; Put and Clear are serialised.
type Cache struct {
	dir      string
	maxBytes atomic.Int64

	mu    sync.Mutex
	tiles Index
	order []Key
	sizes map[Key]int64
	total int64
}

// Open loads the cache rooted at dir, creating the directory and an empty
// metadata file if needed. A missing or unreadable metadata file starts an
// empty cache rather than failing.
func Open(dir string, maxBytes int64) (*Cache, error) {
	if dir == "" {
		return nil, errors.New("tilecache: dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("tilecache: create %s: %w", dir, err)
	}
	c := &Cache{dir: dir}
	c.maxBytes.Store(maxBytes)

	meta, err := readMetadata(c.metadataPath())
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			log.Printf("tile cache: metadata unreadable, starting empty: %v", err)
		}
		meta = metadata{}
	}
	dirty := c.restore(meta)
	if dirty || err != nil {
		if err := c.persistLocked(); err != nil {
			return nil, err
		}
	}
	c.publishLocked()
	return c, nil
}

// restore rebuilds the in-memory index from fileList, the authoritative
// insertion order. It returns true when the file on disk needs rewriting.
func (c *Cache) restore(meta metadata) bool {
	c.tiles = make(Index)
	c.order = nil
	c.sizes = make(map[Key]int64)
	c.total = 0

	dirty := false
	for _, s := range meta.FileList {
		k, err := ParseKey(s)
		if err != nil {
			log.Printf("tile cache: dropping bad entry %q: %v", s, err)
			dirty = true
			continue
		}
		if _, dup := c.sizes[k]; dup {
			dirty = true
			continue
		}
		st, err := os.Stat(c.tilePath(k))
		if err != nil {
			dirty = true
			continue
		}
		c.order = append(c.order, k)
		c.sizes[k] = st.Size()
		c.tiles.add(k)
		c.total += st.Size()
	}
	if c.total != meta.RunningSize || !sameIndex(c.tiles, meta.Tiles) {
		dirty = true
	}
	return dirty
}

func (c *Cache) Dir() string { return c.dir }

// SetMaxBytes changes the budget. It takes effect on the next Put.
func (c *Cache) SetMaxBytes(n int64) {
	c.maxBytes.Store(n)
}

// Usage reports the bytes held and the current budget.
func (c *Cache) Usage() (total, budget int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total, c.maxBytes.Load()
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}

// Snapshot returns a copy of the tile index. It never contains evicted keys.
func (c *Cache) Snapshot() Index {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tiles.clone()
}

// Keys returns the cached keys oldest first.
func (c *Cache) Keys() []Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Key(nil), c.order...)
}

func (c *Cache) Has(k Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.sizes[k]
	return ok
}

func (c *Cache) Get(k Key) ([]byte, error) {
	if err := k.Validate(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sizes[k]; !ok {
		return nil, ErrNotFound
	}
	b, err := os.ReadFile(c.tilePath(k))
	if err != nil {
		return nil, fmt.Errorf("tilecache: read %s: %w", k, err)
	}
	return b, nil
}

// Put stores a tile.
//
// A new key is appended after evicting the oldest tiles until it fits; a
// tile larger than the whole budget is still stored once everything else is
// gone. Re-putting a key with a different size rewrites it in place without
// changing its position in the eviction order.
func (c *Cache) Put(k Key, data []byte) error {
	if err := k.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	size := int64(len(data))
	budget := c.maxBytes.Load()

	if old, ok := c.sizes[k]; ok {
		if old == size {
			return nil
		}
		if err := c.writeTile(k, data); err != nil {
			return c.fail(err)
		}
		c.sizes[k] = size
		c.total += size - old
		for c.total > budget && c.evictOldestExcept(k) {
		}
		c.publishLocked()
		return c.persistOrLog()
	}

	for c.total+size > budget && len(c.order) > 0 {
		c.evictOldestExcept(Key{})
	}
	if len(c.order) == 0 {
		c.total = 0
	}
	if err := c.writeTile(k, data); err != nil {
		c.publishLocked()
		_ = c.persistOrLog()
		return c.fail(err)
	}
	c.order = append(c.order, k)
	c.sizes[k] = size
	c.tiles.add(k)
	c.total += size
	c.publishLocked()
	return c.persistOrLog()
}

// Clear removes every tile and resets the metadata.
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.RemoveAll(c.dir); err != nil {
		return c.fail(fmt.Errorf("clear %s: %w", c.dir, err))
	}
	c.tiles = make(Index)
	c.order = nil
	c.sizes = make(map[Key]int64)
	c.total = 0
	c.publishLocked()
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return c.fail(fmt.Errorf("recreate %s: %w", c.dir, err))
	}
	return c.persistLocked()
}

// evictOldestExcept removes the oldest tile that is not skip. It returns false
// when nothing is left to evict.
func (c *Cache) evictOldestExcept(skip Key) bool {
	for i, k := range c.order {
		if k == skip {
			continue
		}
		c.order = append(c.order[:i:i], c.order[i+1:]...)
		c.evict(k)
		return true
	}
	return false
}

func (c *Cache) evict(k Key) {
	size := c.sizes[k]
	delete(c.sizes, k)

	if err := os.Remove(c.tilePath(k)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("tile cache: evict %s: %v", k, err)
	}
	xEmpty, zoomEmpty := c.tiles.remove(k)
	if xEmpty {
		_ = os.Remove(filepath.Join(c.dir, k.Zoom, k.X))
	}
	if zoomEmpty {
		_ = os.Remove(filepath.Join(c.dir, k.Zoom))
	}
	c.total -= size
	if c.total < 0 {
		c.total = 0
	}
	metrics.TileEvictions.Inc()
}

func (c *Cache) writeTile(k Key, data []byte) error {
	p := c.tilePath(k)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(p), err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", p, err)
	}
	return nil
}

func (c *Cache) persistOrLog() error {
	if err := c.persistLocked(); err != nil {
		return c.fail(err)
	}
	return nil
}

func (c *Cache) fail(err error) error {
	metrics.PersistenceErrors.WithLabelValues("tile_cache").Inc()
	log.Printf("tile cache: %v", err)
	return fmt.Errorf("tilecache: %w", err)
}

func (c *Cache) publishLocked() {
	metrics.TileCacheBytes.Set(float64(c.total))
	metrics.TileCacheTiles.Set(float64(len(c.order)))
}

func (c *Cache) tilePath(k Key) string {
	return filepath.Join(c.dir, k.Zoom, k.X, k.Y+tileExt)
}

func (c *Cache) metadataPath() string {
	return filepath.Join(c.dir, metadataFile)
}
