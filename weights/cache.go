// Package weights implements the on-disk cache of fine-tuned weight
// bundles. A bundle is addressed by an opaque reference (a URL or a local
// path), fetched and extracted on first use, and served from disk after
// that. Concurrent requests for the same reference share a single fetch;
// least-recently-used bundles are evicted once the cache exceeds its
// configured capacity.
package weights

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/contourml/contour/format"
)

// FetchError reports a failed transfer or extraction of a weight bundle.
// The cache is left in a miss state for the reference so a later call can
// retry.
type FetchError struct {
	Reference string
	Err       error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetching weights %s: %v", e.Reference, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Cache is a disk-backed cache of extracted weight bundles under a single
// base directory, one sub-directory per reference. Directory presence is
// the source of truth; last-use ordering is persisted through directory
// mtimes so eviction order survives restarts.
type Cache struct {
	dir      string
	capacity uint64

	mu      sync.Mutex // guards entries
	entries map[string]*entry

	fetches sync.Map // key -> *fetchState
}

type entry struct {
	key      string
	dir      string
	size     int64
	lastUsed time.Time
	readers  atomic.Int32
}

type fetchState struct {
	done chan struct{}
	dir  string
	size int64
	err  error
}

// NewCache opens (or creates) a cache rooted at dir with the given
// capacity in bytes. Bundles already on disk are indexed with their
// directory mtime as last-use time.
func NewCache(dir string, capacity uint64) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	c := &Cache{
		dir:      dir,
		capacity: capacity,
		entries:  make(map[string]*entry),
	}

	dirents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	for _, d := range dirents {
		if !d.IsDir() || !strings.HasPrefix(d.Name(), "sha256-") {
			// stray staging files from an interrupted fetch
			if strings.Contains(d.Name(), "-partial") || strings.Contains(d.Name(), "-tmp-") {
				os.RemoveAll(filepath.Join(dir, d.Name()))
			}
			continue
		}

		p := filepath.Join(dir, d.Name())
		fi, err := d.Info()
		if err != nil {
			continue
		}

		size, err := dirSize(p)
		if err != nil {
			continue
		}

		c.entries[d.Name()] = &entry{
			key:      d.Name(),
			dir:      p,
			size:     size,
			lastUsed: fi.ModTime(),
		}
	}

	return c, nil
}

// Dir returns the cache's base directory.
func (c *Cache) Dir() string {
	return c.dir
}

// key derives the cache directory name for a reference. References are
// compared verbatim: two spellings of the same location are distinct keys.
func key(ref string) string {
	sum := sha256.Sum256([]byte(ref))
	return "sha256-" + hex.EncodeToString(sum[:])
}

// Ensure returns the local directory holding the extracted bundle for ref,
// fetching it first if needed. Concurrent calls for the same reference
// block behind a single fetch; calls for different references proceed in
// parallel. The returned release func marks the end of the caller's read;
// a bundle with active readers is never evicted. Failures are reported as
// a *FetchError and leave the reference unresolved so it can be retried.
func (c *Cache) Ensure(ctx context.Context, ref string) (string, func(), error) {
	// local directories are served in place, outside the cache
	if !isURL(ref) {
		if fi, err := os.Stat(ref); err == nil && fi.IsDir() {
			return ref, func() {}, nil
		}
	}

	k := key(ref)

	if dir, release, ok := c.hit(k); ok {
		return dir, release, nil
	}

	f, loaded := c.fetches.LoadOrStore(k, &fetchState{done: make(chan struct{})})
	state := f.(*fetchState)
	if !loaded {
		// detach the fetch from this caller's context: other waiters
		// may still need the result after this caller gives up
		go c.runFetch(context.WithoutCancel(ctx), k, ref, state)
	}

	select {
	case <-state.done:
	case <-ctx.Done():
		return "", nil, &FetchError{Reference: ref, Err: ctx.Err()}
	}

	if state.err != nil {
		return "", nil, &FetchError{Reference: ref, Err: state.err}
	}

	dir, release, ok := c.hit(k)
	if !ok {
		// published entry was evicted between fetch completion and
		// here; treat as a transient miss
		return "", nil, &FetchError{Reference: ref, Err: errors.New("bundle evicted during load")}
	}
	return dir, release, nil
}

// hit returns the cached directory for key if present on disk, bumping its
// last-use time and reader count.
func (c *Cache) hit(k string) (string, func(), bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[k]
	if !ok {
		return "", nil, false
	}

	if _, err := os.Stat(e.dir); err != nil {
		delete(c.entries, k)
		return "", nil, false
	}

	e.lastUsed = time.Now()
	_ = os.Chtimes(e.dir, e.lastUsed, e.lastUsed)
	e.readers.Add(1)

	var once sync.Once
	return e.dir, func() {
		once.Do(func() {
			e.readers.Add(-1)
		})
	}, true
}

func (c *Cache) runFetch(ctx context.Context, k, ref string, state *fetchState) {
	defer close(state.done)
	defer c.fetches.Delete(k)

	state.dir, state.size, state.err = c.fetch(ctx, k, ref)
	if state.err != nil {
		return
	}

	c.mu.Lock()
	c.entries[k] = &entry{
		key:      k,
		dir:      state.dir,
		size:     state.size,
		lastUsed: time.Now(),
	}
	// evict only after the fetch succeeded: evicting ahead of a fetch
	// that then fails would throw away good bundles for nothing
	c.evict(k)
	c.mu.Unlock()
}

// fetch downloads (or copies) the archive for ref, extracts it into a
// staging directory next to the final location, and atomically renames it
// into place. A crash mid-fetch leaves only staging residue, never a
// half-populated final directory.
func (c *Cache) fetch(ctx context.Context, k, ref string) (string, int64, error) {
	start := time.Now()

	archive := filepath.Join(c.dir, k+"-partial")
	defer os.Remove(archive)

	if isURL(ref) {
		slog.Info("downloading weights", "ref", ref)
		if err := downloadArchive(ctx, ref, archive); err != nil {
			return "", 0, err
		}
	} else {
		if _, err := os.Stat(ref); err != nil {
			return "", 0, err
		}
		archive = ref
	}

	staging := filepath.Join(c.dir, fmt.Sprintf("%s-tmp-%s", k, uuid.NewString()))
	if err := os.Mkdir(staging, 0o755); err != nil {
		return "", 0, err
	}
	defer os.RemoveAll(staging)

	if err := extractArchive(archive, staging); err != nil {
		return "", 0, fmt.Errorf("extracting: %w", err)
	}

	size, err := dirSize(staging)
	if err != nil {
		return "", 0, err
	}

	final := filepath.Join(c.dir, k)
	if err := os.Rename(staging, final); err != nil {
		return "", 0, err
	}

	slog.Info("weights ready", "ref", ref, "size", format.HumanBytes(size), "elapsed", time.Since(start).Round(time.Millisecond))
	return final, size, nil
}

// evict removes least-recently-used entries until total size fits the
// configured capacity. Entries with active readers are skipped, as is
// keep, the entry whose arrival triggered the eviction: its waiters have
// not yet registered as readers. Caller holds c.mu; in-flight fetch data
// transfer is never blocked by eviction.
func (c *Cache) evict(keep string) {
	if c.capacity == 0 {
		return
	}

	var total uint64
	for _, e := range c.entries {
		total += uint64(e.size)
	}

	for total > c.capacity {
		var oldest *entry
		for _, e := range c.entries {
			if e.key == keep || e.readers.Load() > 0 {
				continue
			}
			if oldest == nil || e.lastUsed.Before(oldest.lastUsed) {
				oldest = e
			}
		}

		if oldest == nil {
			// everything left is being read; try again after the
			// next fetch
			return
		}

		slog.Info("evicting weights", "dir", oldest.dir, "size", format.HumanBytes(oldest.size), "last used", oldest.lastUsed.Round(time.Second))
		if err := os.RemoveAll(oldest.dir); err != nil {
			slog.Warn("failed to evict weights", "dir", oldest.dir, "err", err)
		}
		delete(c.entries, oldest.key)
		total -= uint64(oldest.size)
	}
}

// Size returns the total size of all cached bundles in bytes.
func (c *Cache) Size() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	var total uint64
	for _, e := range c.entries {
		total += uint64(e.size)
	}
	return total
}

func isURL(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}

func dirSize(dir string) (int64, error) {
	var size int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			fi, err := d.Info()
			if err != nil {
				return err
			}
			size += fi.Size()
		}
		return nil
	})
	return size, err
}
