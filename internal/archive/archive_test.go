package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"geoipd/internal/metrics"
	"geoipd/internal/mmdbtest"
	"geoipd/internal/registry"
)

const city = "GeoLite2-City"

var version = time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC)

func untar(t *testing.T, data []byte) map[string][]byte {
	t.Helper()
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("gzip: %v", err)
	}
	tr := tar.NewReader(gz)
	out := make(map[string][]byte)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("tar: %v", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		body, err := io.ReadAll(tr)
		if err != nil {
			t.Fatal(err)
		}
		out[hdr.Name] = body
	}
}

func installed(t *testing.T, db []byte) *registry.Registry {
	t.Helper()
	reg := registry.New(registry.Config{Editions: []string{city, "GeoLite2-ASN"}})
	t.Cleanup(reg.Close)
	v, err := reg.FromBytes(city, version, db)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Install(v); err != nil {
		t.Fatal(err)
	}
	return reg
}

func TestServeRebuildsArchive(t *testing.T) {
	db := mmdbtest.City(t, city, "v1")
	srv := New(installed(t, db), nil)

	resp, err := srv.Serve(context.Background(), city, time.Time{})
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if resp.NotModified || !resp.LastModified.Equal(version) {
		t.Fatalf("resp = %+v", resp)
	}
	files := untar(t, resp.Body)
	got, ok := files["GeoLite2-City_20240601/GeoLite2-City-20240601123000.mmdb"]
	if !ok {
		t.Fatalf("archive members = %v", files)
	}
	if !bytes.Equal(got, db) {
		t.Error("archived database differs from installed database")
	}

	again, err := srv.Serve(context.Background(), city, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if &again.Body[0] != &resp.Body[0] {
		t.Error("archive rebuilt instead of served from cache")
	}
}

func TestServeNotModified(t *testing.T) {
	srv := New(installed(t, mmdbtest.City(t, city, "v1")), nil)

	tests := []struct {
		name        string
		since       time.Time
		notModified bool
	}{
		{"zero", time.Time{}, false},
		{"older", version.Add(-time.Second), false},
		{"equal", version, true},
		{"equal_subsecond", version.Add(500 * time.Millisecond), true},
		{"newer", version.Add(time.Hour), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := srv.Serve(context.Background(), city, tt.since)
			if err != nil {
				t.Fatalf("Serve: %v", err)
			}
			if resp.NotModified != tt.notModified {
				t.Errorf("NotModified = %v, want %v", resp.NotModified, tt.notModified)
			}
			if tt.notModified && resp.Body != nil {
				t.Error("body sent with 304")
			}
			if !resp.LastModified.Equal(version) {
				t.Errorf("LastModified = %v", resp.LastModified)
			}
		})
	}
}

func TestServeRetainedArchive(t *testing.T) {
	dir := t.TempDir()
	db := mmdbtest.City(t, city, "v1")
	original := mmdbtest.MaxMindArchive(t, city, "20240601", db)
	path := mmdbtest.WriteFile(t, dir, "GeoLite2-City-20240601123000.mmdb", db)
	archivePath := mmdbtest.WriteFile(t, dir, "GeoLite2-City-20240601123000.tar.gz", original)

	reg := registry.New(registry.Config{Editions: []string{city}})
	t.Cleanup(reg.Close)
	v, err := reg.Open(city, version, path, archivePath)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Install(v); err != nil {
		t.Fatal(err)
	}

	resp, err := New(reg, nil).Serve(context.Background(), city, time.Time{})
	if err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if !bytes.Equal(resp.Body, original) {
		t.Error("retained archive not served verbatim")
	}
}

func TestServeErrors(t *testing.T) {
	srv := New(installed(t, mmdbtest.City(t, city, "v1")), nil)
	if _, err := srv.Serve(context.Background(), "GeoLite2-Country", time.Time{}); !errors.Is(err, registry.ErrUnknownEdition) {
		t.Errorf("expected ErrUnknownEdition, got %v", err)
	}
	if _, err := srv.Serve(context.Background(), "GeoLite2-ASN", time.Time{}); !errors.Is(err, registry.ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}

func TestConcurrentRequestsBuildOnce(t *testing.T) {
	const edition = "GeoLite2-ASN"
	reg := registry.New(registry.Config{Editions: []string{edition}})
	t.Cleanup(reg.Close)
	v, err := reg.FromBytes(edition, version, mmdbtest.ASN(t, edition))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Install(v); err != nil {
		t.Fatal(err)
	}
	srv := New(reg, nil)

	before := testutil.ToFloat64(metrics.ArchiveBuilds.WithLabelValues(edition))
	var wg sync.WaitGroup
	for range 16 {
		wg.Go(func() {
			if _, err := srv.Serve(context.Background(), edition, time.Time{}); err != nil {
				t.Errorf("Serve: %v", err)
			}
		})
	}
	wg.Wait()
	if got := testutil.ToFloat64(metrics.ArchiveBuilds.WithLabelValues(edition)) - before; got != 1 {
		t.Errorf("archive built %v times, want 1", got)
	}
}

func TestBuild(t *testing.T) {
	db := []byte("database bytes")
	data, err := Build("GeoIP2-ISP", time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC), db)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	files := untar(t, data)
	if got := files["GeoIP2-ISP_20250102/GeoIP2-ISP-20250102030405.mmdb"]; !bytes.Equal(got, db) {
		t.Errorf("members = %v", files)
	}
}
