// Package archive re-serves installed databases as MaxMind-style tar.gz
// archives, so another instance can use this one as its download URL.
package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/sync/singleflight"

	"geoipd/internal/logging"
	"geoipd/internal/metrics"
	"geoipd/internal/registry"
)

// Response is the outcome of one archive request.
type Response struct {
	Edition      string
	LastModified time.Time
	// NotModified is set when the client already has this version; Body is
	// nil then.
	NotModified bool
	Body        []byte
}

// Server builds archive responses. Safe for concurrent use.
type Server struct {
	registry *registry.Registry
	group    singleflight.Group
	logger   *slog.Logger
}

// New creates a Server.
func New(reg *registry.Registry, logger *slog.Logger) *Server {
	return &Server{
		registry: reg,
		logger:   logging.Default(logger).With("component", "archive"),
	}
}

// Serve returns the archive of the installed version of edition, or
// NotModified when ifModifiedSince is not older than that version.
func (s *Server) Serve(ctx context.Context, edition string, ifModifiedSince time.Time) (*Response, error) {
	h, err := s.registry.Acquire(edition)
	if err != nil {
		if s.registry.Known(edition) {
			metrics.ArchiveRequests.WithLabelValues(edition, "error").Inc()
		}
		return nil, err
	}
	defer h.Release()

	v := h.Version()
	resp := &Response{Edition: edition, LastModified: v.Timestamp}
	if !ifModifiedSince.IsZero() && !v.Timestamp.After(ifModifiedSince.Truncate(time.Second)) {
		resp.NotModified = true
		metrics.ArchiveRequests.WithLabelValues(edition, "not_modified").Inc()
		return resp, nil
	}

	body, err := s.body(ctx, h)
	if err != nil {
		metrics.ArchiveRequests.WithLabelValues(edition, "error").Inc()
		return nil, err
	}
	resp.Body = body
	metrics.ArchiveRequests.WithLabelValues(edition, "ok").Inc()
	return resp, nil
}

// body returns the retained archive if there is one, otherwise a cached or
// freshly built one.
func (s *Server) body(ctx context.Context, h *registry.Handle) ([]byte, error) {
	v := h.Version()
	if v.ArchivePath != "" {
		data, err := os.ReadFile(v.ArchivePath)
		if err == nil {
			return data, nil
		}
		s.logger.Warn("retained archive unreadable, rebuilding", "path", v.ArchivePath, "error", err)
	}

	cache := s.registry.ArchiveCache(v.Edition)
	if data, ok := cache.Get(v); ok {
		return data, nil
	}

	key := v.Edition + "/" + v.Timestamp.Format("20060102150405")
	ch := s.group.DoChan(key, func() (any, error) {
		if data, ok := cache.Get(v); ok {
			return data, nil
		}
		db, err := v.Bytes()
		if err != nil {
			return nil, err
		}
		data, err := Build(v.Edition, v.Timestamp, db)
		if err != nil {
			return nil, err
		}
		cache.Put(v, data)
		metrics.ArchiveBuilds.WithLabelValues(v.Edition).Inc()
		s.logger.Info("archive built", "edition", v.Edition, "bytes", len(data))
		return data, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.([]byte), nil
	}
}

// Build packs a database into "<edition>_<yyyyMMdd>/<edition>-<yyyyMMddHHmmss>.mmdb"
// inside a gzip-compressed tar.
func Build(edition string, ts time.Time, db []byte) ([]byte, error) {
	ts = ts.UTC()
	dir := edition + "_" + ts.Format("20060102") + "/"
	name := dir + edition + "-" + ts.Format("20060102150405") + ".mmdb"

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)

	if err := tw.WriteHeader(&tar.Header{
		Name:     dir,
		Mode:     0o755,
		ModTime:  ts,
		Typeflag: tar.TypeDir,
	}); err != nil {
		return nil, fmt.Errorf("write tar header: %w", err)
	}
	if err := tw.WriteHeader(&tar.Header{
		Name:     name,
		Mode:     0o644,
		Size:     int64(len(db)),
		ModTime:  ts,
		Typeflag: tar.TypeReg,
	}); err != nil {
		return nil, fmt.Errorf("write tar header: %w", err)
	}
	if _, err := tw.Write(db); err != nil {
		return nil, fmt.Errorf("write tar content: %w", err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar: %w", err)
	}
	if err := gw.Close(); err != nil {
		return nil, fmt.Errorf("close gzip: %w", err)
	}
	return buf.Bytes(), nil
}
