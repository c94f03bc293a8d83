package registry

import (
	"time"
)

// Status is a point-in-time view of one edition.
type Status struct {
	Edition      string
	Installed    bool
	Timestamp    time.Time
	Path         string
	Size         int64
	ArchiveSize  int64
	DatabaseType string
	BuildTime    time.Time
	Languages    []string

	State       State
	LastCheck   time.Time
	LastSuccess time.Time
	LastError   string
}

// SetState records the update state of edition.
func (r *Registry) SetState(edition string, s State) {
	e, ok := r.entries[edition]
	if !ok {
		return
	}
	e.statusMu.Lock()
	e.state = s
	e.statusMu.Unlock()
}

// RecordCheck records the outcome of an update check. A nil err counts as
// a successful check and clears the previous error.
func (r *Registry) RecordCheck(edition string, err error) {
	e, ok := r.entries[edition]
	if !ok {
		return
	}
	now := r.now().UTC()
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	e.lastCheck = now
	if err != nil {
		e.lastError = err.Error()
		return
	}
	e.lastSuccess = now
	e.lastError = ""
}

// RestoreCheck seeds the check bookkeeping from persisted state.
func (r *Registry) RestoreCheck(edition string, lastCheck, lastSuccess time.Time, lastError string) {
	e, ok := r.entries[edition]
	if !ok {
		return
	}
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	e.lastCheck = lastCheck
	e.lastSuccess = lastSuccess
	e.lastError = lastError
}

// Status returns the status of edition.
func (r *Registry) Status(edition string) (Status, bool) {
	e, ok := r.entries[edition]
	if !ok {
		return Status{}, false
	}
	st := Status{Edition: edition}
	if v := e.current.Load(); v != nil {
		st.Installed = true
		st.Timestamp = v.Timestamp
		st.Path = v.Path
		st.Size = v.Size
		st.ArchiveSize = v.ArchiveSize
		st.DatabaseType = v.DatabaseType
		st.BuildTime = v.BuildTime
		st.Languages = v.Languages
	}
	e.statusMu.Lock()
	st.State = e.state
	st.LastCheck = e.lastCheck
	st.LastSuccess = e.lastSuccess
	st.LastError = e.lastError
	e.statusMu.Unlock()
	return st, true
}

// Statuses returns the status of every edition in configuration order.
func (r *Registry) Statuses() []Status {
	out := make([]Status, 0, len(r.editions))
	for _, ed := range r.editions {
		st, _ := r.Status(ed)
		out = append(out, st)
	}
	return out
}
