// Package manager keeps the installed databases current.
//
// On startup it installs the newest usable version of every edition from
// the data directory. When auto-update is enabled it schedules one
// independent update job per edition; each run is a conditional download
// followed by write, open, install and prune. A failure in one edition's
// run is recorded in that edition's status and never affects the others.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-co-op/gocron/v2"

	"geoipd/internal/fetch"
	"geoipd/internal/logging"
	"geoipd/internal/metrics"
	"geoipd/internal/registry"
	"geoipd/internal/store"
)

// DefaultInterval is the default delay between update checks.
const DefaultInterval = 24 * time.Hour

// Fetcher downloads an edition archive.
type Fetcher interface {
	Fetch(ctx context.Context, req fetch.Request) (*fetch.Result, error)
}

// Config configures a Manager.
type Config struct {
	// AutoUpdate enables scheduled checks.
	AutoUpdate bool
	// Interval between checks, measured from the end of the previous one.
	Interval time.Duration
	// Debounce delays watcher-triggered installs. Zero means 500ms.
	Debounce time.Duration
	Logger   *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time

	// SchedulerOptions are passed to gocron (tests inject a fake clock).
	SchedulerOptions []gocron.SchedulerOption
}

// Manager owns the database lifecycle of every configured edition.
type Manager struct {
	cfg      Config
	store    *store.Dir
	fetcher  Fetcher
	registry *registry.Registry
	jobs     *updateJobs
	logger   *slog.Logger
	now      func() time.Time

	checkMu map[string]*sync.Mutex // edition → serializes checks

	watchMu   sync.Mutex
	watcher   *fsnotify.Watcher
	watchDone chan struct{}
}

// New creates a Manager. fetcher may be nil when auto-update is disabled.
func New(cfg Config, st *store.Dir, fetcher Fetcher, reg *registry.Registry) (*Manager, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	logger := logging.Default(cfg.Logger)
	jobs, err := newUpdateJobs(cfg.Interval, logger.With("component", "scheduler"), cfg.SchedulerOptions...)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		cfg:      cfg,
		store:    st,
		fetcher:  fetcher,
		registry: reg,
		jobs:     jobs,
		logger:   logger.With("component", "manager"),
		now:      cfg.Now,
		checkMu:  make(map[string]*sync.Mutex),
	}
	if m.now == nil {
		m.now = time.Now
	}
	for _, ed := range reg.Editions() {
		m.checkMu[ed] = &sync.Mutex{}
	}
	return m, nil
}

// LoadLocal installs, for every configured edition, the newest version on
// disk that opens cleanly. Every other version of that edition (older or
// corrupt) is removed. Returns the number of editions installed.
func (m *Manager) LoadLocal() int {
	m.store.CleanTemp()
	versions := m.store.Scan()

	installed := 0
	for _, ed := range m.registry.Editions() {
		m.restoreCheckState(ed)

		done := false
		for _, vf := range versions[ed] {
			if done {
				m.store.Remove(vf)
				continue
			}
			v, err := m.registry.Open(ed, vf.Timestamp, vf.Path, vf.ArchivePath)
			if err != nil {
				m.logger.Warn("discarding unreadable database", "edition", ed, "path", vf.Path, "error", err)
				m.store.Remove(vf)
				continue
			}
			if _, err := m.registry.Install(v); err != nil {
				m.logger.Error("install local database", "edition", ed, "error", err)
				continue
			}
			done = true
			installed++
		}
		if !done {
			m.logger.Warn("no database available", "edition", ed)
		}
	}
	return installed
}

func (m *Manager) restoreCheckState(edition string) {
	st, err := m.store.LoadCheckState(edition)
	if err != nil {
		m.logger.Warn("ignoring check state", "edition", edition, "error", err)
		return
	}
	m.registry.RestoreCheck(edition, st.LastCheck, st.LastSuccess, st.LastError)
}

// Start schedules update jobs when auto-update is enabled and the data
// directory is writable. ctx bounds every job run.
func (m *Manager) Start(ctx context.Context) error {
	if !m.cfg.AutoUpdate || m.fetcher == nil {
		m.logger.Info("auto-update disabled")
		return nil
	}
	if err := m.store.Writable(); err != nil {
		m.logger.Warn("data directory not writable, auto-update disabled", "error", err)
		return nil
	}
	for _, ed := range m.registry.Editions() {
		if err := m.jobs.add(ctx, ed, m.runJob); err != nil {
			return err
		}
	}
	m.jobs.start()
	return nil
}

// AutoUpdate reports whether scheduled checks are configured.
func (m *Manager) AutoUpdate() bool {
	return m.cfg.AutoUpdate && m.fetcher != nil
}

func (m *Manager) runJob(ctx context.Context, edition string) {
	if err := m.Check(ctx, edition); err != nil {
		m.logger.Error("update check failed", "edition", edition, "error", err)
	}
}

// Check runs one update check for edition. It does nothing when the
// installed version or the last successful check is younger than the
// update interval.
func (m *Manager) Check(ctx context.Context, edition string) error {
	return m.check(ctx, edition, false)
}

// Refresh runs one update check for edition regardless of freshness.
func (m *Manager) Refresh(ctx context.Context, edition string) error {
	return m.check(ctx, edition, true)
}

func (m *Manager) check(ctx context.Context, edition string, force bool) error {
	mu, ok := m.checkMu[edition]
	if !ok {
		return fmt.Errorf("%w: %q", registry.ErrUnknownEdition, edition)
	}
	if m.fetcher == nil {
		return errors.New("no fetcher configured")
	}
	mu.Lock()
	defer mu.Unlock()

	cur, hasCur := m.registry.Current(edition)
	if !force {
		st, _ := m.registry.Status(edition)
		if (hasCur && m.fresh(cur.Timestamp)) || m.fresh(st.LastSuccess) {
			m.logger.Debug("check skipped, database is fresh", "edition", edition)
			metrics.RecordCheck(edition, "skipped")
			return nil
		}
	}

	m.registry.SetState(edition, registry.StateChecking)
	defer m.registry.SetState(edition, registry.StateIdle)

	req := fetch.Request{
		Edition:    edition,
		OnDownload: func() { m.registry.SetState(edition, registry.StateFetching) },
	}
	if hasCur {
		req.IfModifiedSince = cur.Timestamp
	}
	m.logger.Debug("checking for update", "edition", edition, "if_modified_since", req.IfModifiedSince)

	res, err := m.fetcher.Fetch(ctx, req)
	switch {
	case errors.Is(err, fetch.ErrNotModified):
		m.logger.Info("database up to date", "edition", edition)
		m.finishCheck(edition, "not_modified", nil)
		return nil
	case err != nil:
		m.finishCheck(edition, "error", err)
		return err
	}

	if hasCur && !res.Timestamp.After(cur.Timestamp) {
		m.logger.Info("downloaded version is not newer, discarding",
			"edition", edition,
			"downloaded", res.Timestamp.Format(store.TimestampLayout),
			"current", cur.Timestamp.Format(store.TimestampLayout))
		m.finishCheck(edition, "stale", nil)
		return nil
	}

	m.registry.SetState(edition, registry.StateInstalling)
	installed, err := m.install(res)
	if err != nil {
		m.finishCheck(edition, "error", err)
		return err
	}
	if !installed {
		m.finishCheck(edition, "stale", nil)
		return nil
	}
	m.finishCheck(edition, "installed", nil)
	return nil
}

// fresh reports whether t lies within the last update interval. A tenth
// of the interval is tolerated so a scheduled run never skips itself.
func (m *Manager) fresh(t time.Time) bool {
	if t.IsZero() {
		return false
	}
	return m.now().Sub(t) < m.cfg.Interval-m.cfg.Interval/10
}

// install persists a downloaded version, makes it current and prunes
// everything older. The archive is written before the database so the
// version is complete once its .mmdb name appears.
func (m *Manager) install(res *fetch.Result) (bool, error) {
	edition := res.Edition
	vf := store.VersionFile{Edition: edition, Timestamp: res.Timestamp}

	if len(res.Archive) > 0 {
		archivePath, err := m.store.WriteArchive(edition, res.Timestamp, res.Archive)
		if err != nil {
			return false, err
		}
		vf.ArchivePath = archivePath
	}
	path, err := m.store.WriteVersion(edition, res.Timestamp, res.MMDB)
	if err != nil {
		if vf.ArchivePath != "" {
			_ = os.Remove(vf.ArchivePath)
		}
		return false, err
	}
	vf.Path = path

	v, err := m.registry.Open(edition, res.Timestamp, vf.Path, vf.ArchivePath)
	if err != nil {
		m.store.Remove(vf)
		return false, err
	}
	installed, err := m.registry.Install(v)
	if err != nil {
		return false, err
	}
	if cur, ok := m.registry.Current(edition); ok {
		m.store.PruneOlderThan(edition, cur.Timestamp)
	}
	return installed, nil
}

func (m *Manager) finishCheck(edition, outcome string, err error) {
	metrics.RecordCheck(edition, outcome)
	m.registry.RecordCheck(edition, err)

	st, _ := m.registry.Status(edition)
	if serr := m.store.SaveCheckState(edition, store.CheckState{
		LastCheck:   st.LastCheck,
		LastSuccess: st.LastSuccess,
		LastError:   st.LastError,
	}); serr != nil {
		m.logger.Debug("persist check state", "edition", edition, "error", serr)
	}
}

// Stop stops the watcher and the scheduler. Running checks are cancelled
// and waited for.
func (m *Manager) Stop() error {
	m.stopWatch()
	if err := m.jobs.stop(); err != nil {
		return fmt.Errorf("stop scheduler: %w", err)
	}
	return nil
}

// Jobs lists the scheduled update jobs.
func (m *Manager) Jobs() []JobInfo {
	return m.jobs.list()
}

// EditionStatus is the status of one edition including its schedule.
type EditionStatus struct {
	registry.Status
	NextRun time.Time
}

// Status is a snapshot of the whole lifecycle.
type Status struct {
	AutoUpdate bool
	Interval   time.Duration
	Editions   []EditionStatus
}

// Status returns a snapshot of every edition.
func (m *Manager) Status() Status {
	out := Status{
		AutoUpdate: m.AutoUpdate(),
		Interval:   m.cfg.Interval,
	}
	for _, st := range m.registry.Statuses() {
		out.Editions = append(out.Editions, EditionStatus{
			Status:  st,
			NextRun: m.jobs.nextRun(st.Edition),
		})
	}
	return out
}
