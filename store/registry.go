package store

import (
	"os"
	"sync"
	"syscall"
	"time"

	"golang.org/x/exp/slog"

	"github.com/avosse/dovel/config"
	"github.com/avosse/dovel/mailindex"
	"github.com/avosse/dovel/metrics"
	"github.com/avosse/dovel/mlog"
)

// How long to keep an index open for reuse after its last session closed.
const indexCacheTimeout = 10 * time.Second

// How many unreferenced indexes to keep open.
const indexCacheMax = 3

const sweepInterval = time.Second

type regEntry struct {
	idx         *mailindex.Index
	refcount    int
	destroyTime time.Time // When refcount is 0: eligible for destruction after this.
}

// Registry is the process-wide cache of open mailbox indexes. An index is
// shared by all sessions whose mailbox directory has the same device/inode
// identity. Unreferenced indexes are kept for a short while, bounded by a
// timeout and a capacity, so rapid close/reopen of the same mailbox does not
// pay the open cost every time.
type Registry struct {
	log     mlog.Log
	timeout time.Duration
	max     int
	now     func() time.Time // Overridden in tests.

	mu      sync.Mutex
	users   int // Storage subsystem users, see Start/Stop.
	entries []*regEntry
	timer   *time.Timer
}

// NewRegistry returns a registry. Zero timeout or max select the defaults.
func NewRegistry(log mlog.Log, timeout time.Duration, max int) *Registry {
	if timeout <= 0 {
		timeout = indexCacheTimeout
	}
	if max <= 0 {
		max = indexCacheMax
	}
	return &Registry{log: log, timeout: timeout, max: max, now: time.Now}
}

// RegistryFromSettings returns a registry sized per the configuration.
func RegistryFromSettings(log mlog.Log, cfg config.Settings) *Registry {
	return NewRegistry(log, time.Duration(cfg.IndexCacheTimeout)*time.Second, cfg.IndexCacheMax)
}

// Start registers a storage subsystem user.
func (r *Registry) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users++
}

// Stop unregisters a storage subsystem user. The last Stop destroys all
// unreferenced indexes immediately.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users--
	if r.users <= 0 {
		r.sweepLocked(true)
	}
}

// LookupRef returns the shared index for the directory at path, incrementing
// its reference count, or nil if none is cached; the caller must then open a
// fresh index and Register it. Identity is by device/inode so symlinked paths
// still match. While scanning, unreferenced entries that expired, or that
// exceed the cache capacity, are destroyed.
func (r *Registry) LookupRef(path string) *mailindex.Index {
	dev, ino, ok := statDevIno(path)
	if !ok {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var match *mailindex.Index
	for _, e := range r.entries {
		if edev, eino, ok := statDevIno(e.idx.Dir); ok && edev == dev && eino == ino {
			e.refcount++
			match = e.idx
		}
	}

	// Entries are in registration order. Walk newest-first so that when the
	// unreferenced entries exceed the capacity, the oldest fall off the cache
	// while the most recently closed indexes survive.
	now := r.now()
	keep := make([]bool, len(r.entries))
	unrefed := 0
	for i := len(r.entries) - 1; i >= 0; i-- {
		e := r.entries[i]
		keep[i] = true
		if e.refcount != 0 {
			continue
		}
		if !e.destroyTime.After(now) || unrefed >= r.max {
			r.destroyEntry(e)
			keep[i] = false
			continue
		}
		unrefed++
	}
	kept := r.entries[:0]
	for i, e := range r.entries {
		if keep[i] {
			kept = append(kept, e)
		}
	}
	r.entries = kept

	if match == nil {
		metrics.IndexCacheLookupInc("miss")
	} else {
		metrics.IndexCacheLookupInc("hit")
	}
	return match
}

// Register adds a freshly opened index with one reference.
func (r *Registry) Register(idx *mailindex.Index) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, &regEntry{idx: idx, refcount: 1})
}

// Unref releases one reference and schedules destruction. Unref of an
// unregistered index, or one whose refcount is already 0, is a programming
// error and panics.
func (r *Registry) Unref(idx *mailindex.Index) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var entry *regEntry
	for _, e := range r.entries {
		if e.idx == idx {
			entry = e
			break
		}
	}
	if entry == nil {
		panic("unref of index not in registry")
	}
	if entry.refcount <= 0 {
		panic("unref of index with zero refcount")
	}
	entry.refcount--
	entry.destroyTime = r.now().Add(r.timeout)
	if r.timer == nil {
		r.timer = time.AfterFunc(sweepInterval, r.tick)
	}
}

// DestroyUnrefed destroys all unreferenced indexes, regardless of timeouts.
func (r *Registry) DestroyUnrefed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked(true)
}

func (r *Registry) tick() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked(false)
	if r.timer != nil {
		r.timer.Reset(sweepInterval)
	}
}

// sweepLocked removes unreferenced entries whose destroy time passed, or all
// of them if force. The sweep timer is disarmed when the registry empties.
func (r *Registry) sweepLocked(force bool) {
	now := r.now()
	kept := r.entries[:0]
	for _, e := range r.entries {
		if e.refcount == 0 && (force || !e.destroyTime.After(now)) {
			r.destroyEntry(e)
			continue
		}
		kept = append(kept, e)
	}
	r.entries = kept
	if len(r.entries) == 0 && r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *Registry) destroyEntry(e *regEntry) {
	r.log.Debug("destroying cached index", slog.String("dir", e.idx.Dir))
	e.idx.Free()
	metrics.IndexCacheEvictInc()
}

func statDevIno(path string) (dev, ino uint64, ok bool) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, 0, false
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0, false
	}
	return uint64(st.Dev), uint64(st.Ino), true
}
