package server

import (
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"geoipd/internal/lookup"
	"geoipd/internal/registry"
	"geoipd/internal/sysmetrics"
)

type statusResponse struct {
	Version       string            `json:"version"`
	InstanceID    string            `json:"instance_id,omitempty"`
	AutoUpdate    bool              `json:"auto_update"`
	IntervalHours float64           `json:"interval_hours"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Process       sysmetrics.Sample `json:"process"`
	Editions      []editionStatus   `json:"editions"`
}

type editionStatus struct {
	Edition         string     `json:"edition"`
	Installed       bool       `json:"installed"`
	Timestamp       *time.Time `json:"timestamp,omitempty"`
	FileSize        int64      `json:"file_size,omitempty"`
	ArchiveFileSize int64      `json:"archive_file_size,omitempty"`
	DatabaseType    string     `json:"database_type,omitempty"`
	BuildTime       *time.Time `json:"build_time,omitempty"`
	Languages       []string   `json:"languages,omitempty"`
	State           string     `json:"state"`
	LastCheck       *time.Time `json:"last_check,omitempty"`
	LastSuccess     *time.Time `json:"last_success,omitempty"`
	NextRun         *time.Time `json:"next_run,omitempty"`
	Error           string     `json:"error,omitempty"`
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	t = t.UTC()
	return &t
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Version:       Version,
		InstanceID:    s.cfg.InstanceID,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Process:       s.sampler.Sample(),
		Editions:      []editionStatus{},
	}
	if s.cfg.Status != nil {
		st := s.cfg.Status.Status()
		resp.AutoUpdate = st.AutoUpdate
		resp.IntervalHours = st.Interval.Hours()
		for _, e := range st.Editions {
			resp.Editions = append(resp.Editions, editionStatus{
				Edition:         e.Edition,
				Installed:       e.Installed,
				Timestamp:       timePtr(e.Timestamp),
				FileSize:        e.Size,
				ArchiveFileSize: e.ArchiveSize,
				DatabaseType:    e.DatabaseType,
				BuildTime:       timePtr(e.BuildTime),
				Languages:       e.Languages,
				State:           string(e.State),
				LastCheck:       timePtr(e.LastCheck),
				LastSuccess:     timePtr(e.LastSuccess),
				NextRun:         timePtr(e.NextRun),
				Error:           e.LastError,
			})
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// clientIP returns the caller's address: CF-Connecting-IP, then the first
// X-Forwarded-For entry, then the connection's remote address.
func clientIP(r *http.Request) net.IP {
	if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("CF-Connecting-IP"))); ip != nil {
		return ip
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return net.ParseIP(host)
}

func (s *Server) handleIP(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if ip == nil {
		writeError(w, http.StatusBadRequest, "unable to determine client address")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ip": ip.String()})
}

func (s *Server) handleGeoIP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	addr := q.Get("ip")
	if addr == "" {
		ip := clientIP(r)
		if ip == nil {
			writeError(w, http.StatusBadRequest, "unable to determine client address")
			return
		}
		addr = ip.String()
	}

	res, err := s.cfg.Lookup.Lookup(r.Context(), lookup.Query{
		Edition: q.Get("edition"),
		IP:      addr,
		Locale:  q.Get("locale"),
	})
	switch {
	case errors.Is(err, lookup.ErrMalformedAddress):
		writeError(w, http.StatusBadRequest, "invalid IP address")
	case errors.Is(err, lookup.ErrUnknownEdition):
		writeError(w, http.StatusNotFound, "unknown database edition")
	case errors.Is(err, lookup.ErrDatabaseUnavailable):
		writeError(w, http.StatusServiceUnavailable, "database not available")
	case err != nil:
		s.internalError(w, r, err)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	edition := r.PathValue("edition")

	var ims time.Time
	if h := r.Header.Get("If-Modified-Since"); h != "" {
		if t, err := http.ParseTime(h); err == nil {
			ims = t
		}
	}

	resp, err := s.cfg.Archives.Serve(r.Context(), edition, ims)
	switch {
	case errors.Is(err, registry.ErrUnknownEdition):
		writeError(w, http.StatusNotFound, "unknown database edition")
		return
	case errors.Is(err, registry.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "database not available")
		return
	case err != nil:
		s.internalError(w, r, err)
		return
	}

	w.Header().Set("Last-Modified", resp.LastModified.UTC().Format(http.TimeFormat))
	if resp.NotModified {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+edition+`.tar.gz"`)
	w.Header().Set("Content-Length", strconv.Itoa(len(resp.Body)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp.Body)
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error("internal server error",
		"method", r.Method,
		"path", r.URL.Path,
		"request_id", w.Header().Get(requestIDHeader),
		"error", err)
	writeError(w, http.StatusInternalServerError, err.Error())
}
