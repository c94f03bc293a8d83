// Package registry holds the currently installed database version of every
// configured edition.
//
// Readers acquire a reference-counted Handle without taking a lock; installs
// are serialized per edition and swap an atomic pointer, so a reader sees
// either the old version or the new one, never a mix. A replaced version
// stays usable until its last handle is released.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oschwald/maxminddb-golang"

	"geoipd/internal/logging"
	"geoipd/internal/metrics"
)

var (
	// ErrUnknownEdition is returned for editions that are not configured.
	ErrUnknownEdition = errors.New("unknown edition")
	// ErrUnavailable is returned when an edition has no installed version.
	ErrUnavailable = errors.New("database not available")
	// ErrCorruptDatabase is returned when a file does not parse as a MaxMind DB.
	ErrCorruptDatabase = errors.New("corrupt database")
)

// State is the update state of an edition.
type State string

const (
	StateIdle       State = "idle"
	StateChecking   State = "checking"
	StateFetching   State = "fetching"
	StateInstalling State = "installing"
)

// Config configures a Registry.
type Config struct {
	// Editions in configuration order; the first is the default edition.
	Editions []string
	// Verify runs a full structural verification when opening files.
	Verify bool
	Logger *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

type entry struct {
	current atomic.Pointer[Version]
	mu      sync.Mutex // serializes installs

	statusMu    sync.Mutex
	state       State
	lastCheck   time.Time
	lastSuccess time.Time
	lastError   string

	archive ArchiveCache
}

// Registry maps editions to their installed version.
type Registry struct {
	editions []string
	entries  map[string]*entry
	verify   bool
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a registry for a fixed set of editions.
func New(cfg Config) *Registry {
	r := &Registry{
		editions: slices.Clone(cfg.Editions),
		entries:  make(map[string]*entry, len(cfg.Editions)),
		verify:   cfg.Verify,
		logger:   logging.Default(cfg.Logger).With("component", "registry"),
		now:      cfg.Now,
	}
	if r.now == nil {
		r.now = time.Now
	}
	for _, ed := range cfg.Editions {
		r.entries[ed] = &entry{state: StateIdle}
	}
	return r
}

// Editions returns the configured editions in order.
func (r *Registry) Editions() []string {
	return slices.Clone(r.editions)
}

// DefaultEdition returns the first configured edition, or "" if none.
func (r *Registry) DefaultEdition() string {
	if len(r.editions) == 0 {
		return ""
	}
	return r.editions[0]
}

// Known reports whether edition is configured.
func (r *Registry) Known(edition string) bool {
	_, ok := r.entries[edition]
	return ok
}

func (r *Registry) entry(edition string) (*entry, error) {
	e, ok := r.entries[edition]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEdition, edition)
	}
	return e, nil
}

// Open memory-maps a database file into a new, not yet installed Version.
// The caller owns the returned reference: pass it to Install or Discard it.
func (r *Registry) Open(edition string, ts time.Time, path, archivePath string) (*Version, error) {
	if _, err := r.entry(edition); err != nil {
		return nil, err
	}
	reader, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrCorruptDatabase, path, err)
	}
	if r.verify {
		if err := reader.Verify(); err != nil {
			_ = reader.Close()
			return nil, fmt.Errorf("%w: verify %s: %w", ErrCorruptDatabase, path, err)
		}
	}
	v := newVersion(edition, ts, reader, r.logger)
	v.Path = path
	if info, err := os.Stat(path); err == nil {
		v.Size = info.Size()
	}
	if archivePath != "" {
		if info, err := os.Stat(archivePath); err == nil {
			v.ArchivePath = archivePath
			v.ArchiveSize = info.Size()
		}
	}
	return v, nil
}

// FromBytes parses an in-memory database into a new Version.
func (r *Registry) FromBytes(edition string, ts time.Time, data []byte) (*Version, error) {
	if _, err := r.entry(edition); err != nil {
		return nil, err
	}
	reader, err := maxminddb.FromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptDatabase, err)
	}
	if r.verify {
		if err := reader.Verify(); err != nil {
			return nil, fmt.Errorf("%w: verify: %w", ErrCorruptDatabase, err)
		}
	}
	v := newVersion(edition, ts, reader, r.logger)
	v.data = data
	v.Size = int64(len(data))
	return v, nil
}

// Current returns the installed version without taking a reference. Use it
// for metadata only; the reader may be closed at any time afterwards.
func (r *Registry) Current(edition string) (*Version, bool) {
	e, ok := r.entries[edition]
	if !ok {
		return nil, false
	}
	v := e.current.Load()
	return v, v != nil
}

// Acquire returns a handle on the installed version of edition. The caller
// must Release it.
func (r *Registry) Acquire(edition string) (*Handle, error) {
	e, err := r.entry(edition)
	if err != nil {
		return nil, err
	}
	for {
		v := e.current.Load()
		if v == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnavailable, edition)
		}
		if v.tryRetain() {
			return &Handle{v: v}, nil
		}
		// v drained between Load and retain; a newer pointer is already
		// visible (or the registry was closed).
	}
}

// Install makes v the current version of its edition if it is strictly
// newer than the installed one. Install takes ownership of v's reference:
// a rejected version is discarded. Returns whether v was installed.
func (r *Registry) Install(v *Version) (bool, error) {
	e, err := r.entry(v.Edition)
	if err != nil {
		v.release()
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.current.Load()
	if cur != nil && !v.Timestamp.After(cur.Timestamp) {
		r.logger.Info("install rejected, not newer",
			"edition", v.Edition, "candidate", v.label(), "current", cur.label())
		v.release()
		return false, nil
	}
	e.current.Store(v)
	if cur != nil {
		cur.release()
	}
	metrics.SetInstalled(v.Edition, v.Timestamp, v.Size)
	r.logger.Info("version installed",
		"edition", v.Edition,
		"version", v.label(),
		"database_type", v.DatabaseType,
		"build_time", v.BuildTime,
		"path", v.Path)
	return true, nil
}

// Close retires every installed version. Outstanding handles stay valid
// until released.
func (r *Registry) Close() {
	for _, ed := range r.editions {
		e := r.entries[ed]
		e.mu.Lock()
		if v := e.current.Swap(nil); v != nil {
			v.release()
		}
		e.mu.Unlock()
	}
}

// ArchiveCache returns the archive cache slot of edition, or nil.
func (r *Registry) ArchiveCache(edition string) *ArchiveCache {
	e, ok := r.entries[edition]
	if !ok {
		return nil
	}
	return &e.archive
}

// ArchiveCache holds one rebuilt archive, valid for exactly one version.
type ArchiveCache struct {
	mu      sync.Mutex
	version *Version
	data    []byte
}

// Get returns the cached archive if it was built for v.
func (c *ArchiveCache) Get(v *Version) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.version != v || c.data == nil {
		return nil, false
	}
	return c.data, true
}

// Put stores data as the archive of v, replacing any older entry.
func (c *ArchiveCache) Put(v *Version, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.version = v
	c.data = data
}
