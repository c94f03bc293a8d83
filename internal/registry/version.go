package registry

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oschwald/maxminddb-golang"

	"geoipd/internal/metrics"
)

// Version is one parsed database. All exported fields are immutable after
// construction.
//
// A Version is reference counted. Construction hands one reference to the
// caller; Install transfers it to the registry, and every Acquire adds one.
// The reader is closed when the count drops to zero, which can only happen
// after the version was retired (replaced, rejected, discarded or closed).
type Version struct {
	Edition      string
	Timestamp    time.Time
	Path         string // "" for in-memory versions
	Size         int64
	ArchivePath  string // "" when no archive is retained
	ArchiveSize  int64
	DatabaseType string
	BuildTime    time.Time
	Languages    []string

	reader *maxminddb.Reader
	data   []byte // set for in-memory versions
	refs   atomic.Int64
	logger *slog.Logger
}

func newVersion(edition string, ts time.Time, r *maxminddb.Reader, logger *slog.Logger) *Version {
	v := &Version{
		Edition:      edition,
		Timestamp:    ts.UTC().Truncate(time.Second),
		DatabaseType: r.Metadata.DatabaseType,
		BuildTime:    time.Unix(int64(r.Metadata.BuildEpoch), 0).UTC(), //nolint:gosec // BuildEpoch is a uint, safe for unix timestamps
		Languages:    r.Metadata.Languages,
		reader:       r,
		logger:       logger,
	}
	v.refs.Store(1)
	return v
}

// tryRetain adds a reference unless the version has already drained.
func (v *Version) tryRetain() bool {
	for {
		n := v.refs.Load()
		if n <= 0 {
			return false
		}
		if v.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (v *Version) release() {
	n := v.refs.Add(-1)
	switch {
	case n == 0:
		if err := v.reader.Close(); err != nil {
			v.logger.Warn("close reader", "edition", v.Edition, "version", v.label(), "error", err)
		}
		metrics.ReadersClosed.WithLabelValues(v.Edition).Inc()
		v.logger.Debug("reader closed", "edition", v.Edition, "version", v.label())
	case n < 0:
		panic("registry: version released more often than retained")
	}
}

// Discard drops the caller's construction reference of a version that was
// never installed.
func (v *Version) Discard() {
	v.release()
}

// Bytes returns the raw database: the in-memory buffer, or the file
// contents for versions opened from disk.
func (v *Version) Bytes() ([]byte, error) {
	if v.data != nil {
		return v.data, nil
	}
	data, err := os.ReadFile(v.Path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", v.Path, err)
	}
	return data, nil
}

// Refs reports the current reference count.
func (v *Version) Refs() int64 {
	return v.refs.Load()
}

func (v *Version) label() string {
	return v.Timestamp.Format("20060102150405")
}

// Handle is an acquired reference to a Version. The reader stays open until
// Release is called, even if a newer version is installed meanwhile.
type Handle struct {
	v    *Version
	once sync.Once
}

// Version returns the held version.
func (h *Handle) Version() *Version {
	return h.v
}

// Reader returns the held version's reader.
func (h *Handle) Reader() *maxminddb.Reader {
	return h.v.reader
}

// Release drops the reference. Further calls are no-ops.
func (h *Handle) Release() {
	h.once.Do(h.v.release)
}
