// Package store manages the on-disk layout of downloaded MaxMind databases.
//
// The data directory owns every persistent file:
//
//	<root>/
//	  instance_id                        (UUIDv7 identity of this instance)
//	  <edition>-<yyyyMMddHHmmss>.mmdb    (one file per installed version)
//	  <edition>-<yyyyMMddHHmmss>.tar.gz  (the archive the version came from, if retained)
//	  <edition>.state                    (msgpack check state sidecar)
//	  .tmp-*                             (in-flight writes, never listed)
//
// Files are always written to a temp name in the same directory and renamed
// into place, so a concurrent ListVersions never sees a half-written file.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"geoipd/internal/logging"
)

// TimestampLayout is the layout of the timestamp embedded in file names.
const TimestampLayout = "20060102150405"

const tempPrefix = ".tmp-"

// ErrIO is returned when the data directory cannot be written.
var ErrIO = errors.New("data directory i/o failure")

var versionPattern = regexp.MustCompile(`^([A-Za-z0-9-]+)-([0-9]{14})\.mmdb$`)

// VersionFile is one on-disk version of an edition.
type VersionFile struct {
	Edition     string
	Timestamp   time.Time
	Path        string
	ArchivePath string // "" when no archive is retained
}

// Dir is a data directory.
type Dir struct {
	root   string
	logger *slog.Logger
}

// New creates a Dir rooted at root.
func New(root string, logger *slog.Logger) *Dir {
	return &Dir{
		root:   root,
		logger: logging.Default(logger).With("component", "store"),
	}
}

// Root returns the data directory path.
func (d *Dir) Root() string {
	return d.root
}

// EnsureExists creates the data directory (and parents) if it doesn't exist.
func (d *Dir) EnsureExists() error {
	if err := os.MkdirAll(d.root, 0o750); err != nil {
		return fmt.Errorf("create data directory %s: %w: %w", d.root, ErrIO, err)
	}
	return nil
}

// Writable reports whether files can be created in the data directory.
func (d *Dir) Writable() error {
	f, err := os.CreateTemp(d.root, tempPrefix+"probe-*")
	if err != nil {
		return fmt.Errorf("probe %s: %w: %w", d.root, ErrIO, err)
	}
	name := f.Name()
	_ = f.Close()
	if err := os.Remove(name); err != nil {
		return fmt.Errorf("probe %s: %w: %w", d.root, ErrIO, err)
	}
	return nil
}

// VersionPath returns the .mmdb path for an edition version.
func (d *Dir) VersionPath(edition string, ts time.Time) string {
	return filepath.Join(d.root, edition+"-"+ts.UTC().Format(TimestampLayout)+".mmdb")
}

// ArchivePath returns the .tar.gz path for an edition version.
func (d *Dir) ArchivePath(edition string, ts time.Time) string {
	return filepath.Join(d.root, edition+"-"+ts.UTC().Format(TimestampLayout)+".tar.gz")
}

// ParseVersionName extracts the edition and timestamp from a version file
// name. ok is false for anything that isn't "<edition>-<14 digits>.mmdb".
func ParseVersionName(name string) (edition string, ts time.Time, ok bool) {
	m := versionPattern.FindStringSubmatch(name)
	if m == nil {
		return "", time.Time{}, false
	}
	ts, err := time.ParseInLocation(TimestampLayout, m[2], time.UTC)
	if err != nil {
		return "", time.Time{}, false
	}
	return m[1], ts, true
}

// Scan enumerates all versions in the data directory grouped by edition,
// newest first. An unreadable directory yields an empty result.
func (d *Dir) Scan() map[string][]VersionFile {
	out := make(map[string][]VersionFile)
	entries, err := os.ReadDir(d.root)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			d.logger.Error("read data directory", "path", d.root, "error", err)
		}
		return out
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		edition, ts, ok := ParseVersionName(e.Name())
		if !ok {
			continue
		}
		v := VersionFile{
			Edition:   edition,
			Timestamp: ts,
			Path:      filepath.Join(d.root, e.Name()),
		}
		if archive := d.ArchivePath(edition, ts); fileExists(archive) {
			v.ArchivePath = archive
		}
		out[edition] = append(out[edition], v)
	}
	for _, versions := range out {
		sortNewestFirst(versions)
	}
	return out
}

// ListVersions returns the versions of one edition, newest first.
func (d *Dir) ListVersions(edition string) []VersionFile {
	return d.Scan()[edition]
}

func sortNewestFirst(versions []VersionFile) {
	sort.Slice(versions, func(i, j int) bool {
		return versions[i].Timestamp.After(versions[j].Timestamp)
	})
}

// WriteVersion atomically writes the .mmdb payload of a version and returns
// its final path.
func (d *Dir) WriteVersion(edition string, ts time.Time, data []byte) (string, error) {
	path := d.VersionPath(edition, ts)
	if err := d.writeAtomic(path, data); err != nil {
		return "", err
	}
	d.logger.Info("version written", "edition", edition, "path", path, "bytes", len(data))
	return path, nil
}

// WriteArchive atomically writes the .tar.gz archive of a version and
// returns its final path.
func (d *Dir) WriteArchive(edition string, ts time.Time, data []byte) (string, error) {
	path := d.ArchivePath(edition, ts)
	if err := d.writeAtomic(path, data); err != nil {
		return "", err
	}
	return path, nil
}

// writeAtomic writes data to a temp file in the data directory, syncs it,
// and renames it over path.
func (d *Dir) writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(d.root, tempPrefix+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w: %w", ErrIO, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath) //nolint:gosec // path from our own temp file
		return fmt.Errorf("write %s: %w: %w", tmpPath, ErrIO, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath) //nolint:gosec // path from our own temp file
		return fmt.Errorf("sync %s: %w: %w", tmpPath, ErrIO, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath) //nolint:gosec // path from our own temp file
		return fmt.Errorf("close %s: %w: %w", tmpPath, ErrIO, err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil { //nolint:gosec // database files are public data
		_ = os.Remove(tmpPath) //nolint:gosec // path from our own temp file
		return fmt.Errorf("chmod %s: %w: %w", tmpPath, ErrIO, err)
	}
	if err := os.Rename(tmpPath, path); err != nil { //nolint:gosec // paths from our own data dir
		_ = os.Remove(tmpPath) //nolint:gosec // path from our own temp file
		return fmt.Errorf("rename to %s: %w: %w", path, ErrIO, err)
	}
	return nil
}

// PruneOlderThan removes every version of edition strictly older than keep,
// together with its retained archive. Individual failures are logged and
// skipped. Returns the number of versions removed.
func (d *Dir) PruneOlderThan(edition string, keep time.Time) int {
	removed := 0
	for _, v := range d.ListVersions(edition) {
		if !v.Timestamp.Before(keep) {
			continue
		}
		if d.Remove(v) {
			removed++
		}
	}
	if removed > 0 {
		d.logger.Info("pruned old versions", "edition", edition, "removed", removed, "kept", keep.Format(TimestampLayout))
	}
	return removed
}

// Remove deletes a version file and its archive. Returns true if the .mmdb
// file is gone afterwards.
func (d *Dir) Remove(v VersionFile) bool {
	ok := true
	if err := os.Remove(v.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		d.logger.Error("remove version", "path", v.Path, "error", err)
		ok = false
	} else {
		d.logger.Info("removed version", "path", v.Path)
	}
	archive := v.ArchivePath
	if archive == "" {
		archive = d.ArchivePath(v.Edition, v.Timestamp)
	}
	if err := os.Remove(archive); err != nil && !errors.Is(err, os.ErrNotExist) {
		d.logger.Error("remove archive", "path", archive, "error", err)
	}
	return ok
}

// CleanTemp removes temp files abandoned by an interrupted write.
func (d *Dir) CleanTemp() int {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), tempPrefix) {
			continue
		}
		p := filepath.Join(d.root, e.Name())
		if err := os.Remove(p); err != nil {
			d.logger.Warn("remove temp file", "path", p, "error", err)
			continue
		}
		n++
	}
	if n > 0 {
		d.logger.Info("removed abandoned temp files", "count", n)
	}
	return n
}

// InstanceID reads the persistent instance identity from <root>/instance_id.
// If the file doesn't exist, a new UUIDv7 is generated and written. When the
// directory is read-only an ephemeral identity is returned with the error.
func (d *Dir) InstanceID() (string, error) {
	p := filepath.Join(d.root, "instance_id")
	data, err := os.ReadFile(p) //nolint:gosec // G304: path is constructed from trusted data dir + constant filename
	if err == nil {
		if v := strings.TrimSpace(string(data)); v != "" {
			return v, nil
		}
	}
	v := uuid.Must(uuid.NewV7()).String()
	if err := d.writeAtomic(p, []byte(v+"\n")); err != nil {
		return v, fmt.Errorf("persist instance id: %w", err)
	}
	return v, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
