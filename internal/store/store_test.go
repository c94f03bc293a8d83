package store

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func ts(s string) time.Time {
	t, err := time.ParseInLocation(TimestampLayout, s, time.UTC)
	if err != nil {
		panic(err)
	}
	return t
}

func touch(t *testing.T, dir, name string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestParseVersionName(t *testing.T) {
	tests := []struct {
		name    string
		edition string
		ok      bool
	}{
		{"GeoLite2-City-20240601000000.mmdb", "GeoLite2-City", true},
		{"GeoIP2-Enterprise-20250101120000.mmdb", "GeoIP2-Enterprise", true},
		{"GeoLite2-City-2024060100000.mmdb", "", false},
		{"GeoLite2-City-20240601000000.tar.gz", "", false},
		{"GeoLite2-City.mmdb", "", false},
		{"Geo_Lite-20240601000000.mmdb", "", false},
		{".tmp-GeoLite2-City-20240601000000.mmdb-123", "", false},
		{"GeoLite2-City-20241301000000.mmdb", "", false}, // month 13
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ed, _, ok := ParseVersionName(tt.name)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ed != tt.edition {
				t.Errorf("edition = %q, want %q", ed, tt.edition)
			}
		})
	}
}

func TestListVersionsNewestFirst(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "GeoLite2-City-20240101000000.mmdb")
	touch(t, dir, "GeoLite2-City-20240601000000.mmdb")
	touch(t, dir, "GeoLite2-City-20240301000000.mmdb")
	touch(t, dir, "GeoLite2-ASN-20240901000000.mmdb")
	touch(t, dir, "GeoLite2-City-garbage.mmdb")
	touch(t, dir, ".tmp-GeoLite2-City-20250101000000.mmdb-42")
	touch(t, dir, "GeoLite2-City-20240601000000.tar.gz")
	if err := os.Mkdir(filepath.Join(dir, "GeoLite2-City-20250101000000.mmdb"), 0o755); err != nil {
		t.Fatal(err)
	}

	d := New(dir, nil)
	got := d.ListVersions("GeoLite2-City")
	want := []string{"20240601000000", "20240301000000", "20240101000000"}
	if len(got) != len(want) {
		t.Fatalf("got %d versions, want %d: %+v", len(got), len(want), got)
	}
	for i, v := range got {
		if v.Timestamp.Format(TimestampLayout) != want[i] {
			t.Errorf("version %d = %s, want %s", i, v.Timestamp.Format(TimestampLayout), want[i])
		}
		if v.Edition != "GeoLite2-City" {
			t.Errorf("version %d edition = %q", i, v.Edition)
		}
	}
	if got[0].ArchivePath == "" {
		t.Error("expected newest version to report its retained archive")
	}
	if got[1].ArchivePath != "" {
		t.Errorf("unexpected archive path %q", got[1].ArchivePath)
	}
}

func TestListVersionsMissingDir(t *testing.T) {
	d := New(filepath.Join(t.TempDir(), "missing"), nil)
	if got := d.ListVersions("GeoLite2-City"); len(got) != 0 {
		t.Errorf("expected empty list, got %+v", got)
	}
}

func TestWriteVersion(t *testing.T) {
	dir := t.TempDir()
	d := New(dir, nil)
	when := ts("20240601000000")

	path, err := d.WriteVersion("GeoLite2-City", when, []byte("payload"))
	if err != nil {
		t.Fatalf("WriteVersion: %v", err)
	}
	if filepath.Base(path) != "GeoLite2-City-20240601000000.mmdb" {
		t.Errorf("path = %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "payload" {
		t.Errorf("content = %q", data)
	}

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if e.Name()[0] == '.' {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}

	archive, err := d.WriteArchive("GeoLite2-City", when, []byte("archive"))
	if err != nil {
		t.Fatalf("WriteArchive: %v", err)
	}
	if got := d.ListVersions("GeoLite2-City"); len(got) != 1 || got[0].ArchivePath != archive {
		t.Errorf("ListVersions = %+v, want archive %s", got, archive)
	}
}

func TestWriteVersionUnwritable(t *testing.T) {
	if runtime.GOOS == "windows" || os.Geteuid() == 0 {
		t.Skip("permission bits not enforced")
	}
	dir := t.TempDir()
	if err := os.Chmod(dir, 0o555); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chmod(dir, 0o755) })

	d := New(dir, nil)
	if _, err := d.WriteVersion("GeoLite2-City", ts("20240601000000"), []byte("x")); !errors.Is(err, ErrIO) {
		t.Errorf("expected ErrIO, got %v", err)
	}
	if err := d.Writable(); !errors.Is(err, ErrIO) {
		t.Errorf("Writable: expected ErrIO, got %v", err)
	}
}

func TestPruneOlderThan(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "GeoLite2-City-20240101000000.mmdb")
	touch(t, dir, "GeoLite2-City-20240101000000.tar.gz")
	touch(t, dir, "GeoLite2-City-20240301000000.mmdb")
	touch(t, dir, "GeoLite2-City-20240601000000.mmdb")
	touch(t, dir, "GeoLite2-City-20240601000000.tar.gz")
	touch(t, dir, "GeoLite2-ASN-20240101000000.mmdb")

	d := New(dir, nil)
	if n := d.PruneOlderThan("GeoLite2-City", ts("20240601000000")); n != 2 {
		t.Errorf("removed = %d, want 2", n)
	}

	entries, _ := os.ReadDir(dir)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	want := map[string]bool{
		"GeoLite2-ASN-20240101000000.mmdb":    true,
		"GeoLite2-City-20240601000000.mmdb":   true,
		"GeoLite2-City-20240601000000.tar.gz": true,
	}
	if len(names) != len(want) {
		t.Fatalf("remaining files = %v", names)
	}
	for _, n := range names {
		if !want[n] {
			t.Errorf("unexpected file %s", n)
		}
	}
}

func TestPruneNothingOlder(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "GeoLite2-City-20240601000000.mmdb")
	d := New(dir, nil)
	if n := d.PruneOlderThan("GeoLite2-City", ts("20240601000000")); n != 0 {
		t.Errorf("removed = %d, want 0", n)
	}
}

func TestCleanTemp(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, ".tmp-GeoLite2-City-20240601000000.mmdb-1")
	touch(t, dir, ".tmp-probe-2")
	touch(t, dir, "GeoLite2-City-20240601000000.mmdb")

	d := New(dir, nil)
	if n := d.CleanTemp(); n != 2 {
		t.Errorf("CleanTemp = %d, want 2", n)
	}
	if got := d.ListVersions("GeoLite2-City"); len(got) != 1 {
		t.Errorf("versions = %+v", got)
	}
}

func TestEnsureExists(t *testing.T) {
	root := filepath.Join(t.TempDir(), "nested", "data")
	d := New(root, nil)
	if err := d.EnsureExists(); err != nil {
		t.Fatalf("EnsureExists: %v", err)
	}
	if err := d.Writable(); err != nil {
		t.Fatalf("Writable: %v", err)
	}
}

func TestInstanceIDStable(t *testing.T) {
	d := New(t.TempDir(), nil)
	id1, err := d.InstanceID()
	if err != nil {
		t.Fatalf("InstanceID: %v", err)
	}
	if len(id1) != 36 {
		t.Errorf("expected UUID, got %q", id1)
	}
	id2, err := d.InstanceID()
	if err != nil {
		t.Fatalf("InstanceID: %v", err)
	}
	if id1 != id2 {
		t.Errorf("instance id changed: %s -> %s", id1, id2)
	}
}

func TestCheckStateRoundTrip(t *testing.T) {
	d := New(t.TempDir(), nil)

	st, err := d.LoadCheckState("GeoLite2-City")
	if err != nil {
		t.Fatalf("LoadCheckState on missing sidecar: %v", err)
	}
	if !st.LastCheck.IsZero() {
		t.Errorf("expected zero state, got %+v", st)
	}

	want := CheckState{
		LastCheck:   ts("20240601120000"),
		LastSuccess: ts("20240601000000"),
		LastError:   "network failure",
	}
	if err := d.SaveCheckState("GeoLite2-City", want); err != nil {
		t.Fatalf("SaveCheckState: %v", err)
	}
	got, err := d.LoadCheckState("GeoLite2-City")
	if err != nil {
		t.Fatalf("LoadCheckState: %v", err)
	}
	if !got.LastCheck.Equal(want.LastCheck) || !got.LastSuccess.Equal(want.LastSuccess) || got.LastError != want.LastError {
		t.Errorf("got %+v, want %+v", got, want)
	}
	if v := d.ListVersions("GeoLite2-City"); len(v) != 0 {
		t.Errorf("sidecar listed as a version: %+v", v)
	}
}
