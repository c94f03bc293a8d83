// Package mmdbtest builds small but real MaxMind DB files for tests.
//
// Every database is produced with mmdbwriter, so the bytes are accepted by
// the production decoder. City databases carry a label that is embedded in
// every name (country, subdivision, city); tests use it to tell versions
// apart and to detect mixed reads.
package mmdbtest

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/maxmind/mmdbwriter"
	"github.com/maxmind/mmdbwriter/mmdbtype"
)

// Well-known addresses present in the generated databases.
const (
	LondonIP = "81.2.69.142"
	GoogleIP = "8.8.8.8"
	MissIP   = "10.0.0.1"
)

// City builds a City-type database. Names in English are
// "<label> United Kingdom", "<label> England" and "<label> London"; German
// names exist for the country only.
func City(t testing.TB, dbType, label string) []byte {
	t.Helper()

	tree, err := mmdbwriter.New(mmdbwriter.Options{
		DatabaseType:            dbType,
		RecordSize:              24,
		IncludeReservedNetworks: true,
		Languages:               []string{"en", "de"},
		Description:             map[string]string{"en": label + " city test database"},
	})
	if err != nil {
		t.Fatalf("mmdbwriter.New: %v", err)
	}

	insert(t, tree, LondonIP+"/32", mmdbtype.Map{
		"continent": mmdbtype.Map{
			"code":       mmdbtype.String("EU"),
			"geoname_id": mmdbtype.Uint32(6255148),
			"names":      mmdbtype.Map{"en": mmdbtype.String(label + " Europe")},
		},
		"country": mmdbtype.Map{
			"geoname_id":           mmdbtype.Uint32(2635167),
			"iso_code":             mmdbtype.String("GB"),
			"is_in_european_union": mmdbtype.Bool(false),
			"names": mmdbtype.Map{
				"en": mmdbtype.String(label + " United Kingdom"),
				"de": mmdbtype.String(label + " Vereinigtes Königreich"),
			},
		},
		"registered_country": mmdbtype.Map{
			"iso_code": mmdbtype.String("GB"),
		},
		"subdivisions": mmdbtype.Slice{
			mmdbtype.Map{
				"geoname_id": mmdbtype.Uint32(6269131),
				"iso_code":   mmdbtype.String("ENG"),
				"names":      mmdbtype.Map{"en": mmdbtype.String(label + " England")},
			},
		},
		"city": mmdbtype.Map{
			"geoname_id": mmdbtype.Uint32(2643743),
			"names":      mmdbtype.Map{"en": mmdbtype.String(label + " London")},
		},
		"location": mmdbtype.Map{
			"latitude":        mmdbtype.Float64(51.5142),
			"longitude":       mmdbtype.Float64(-0.0931),
			"accuracy_radius": mmdbtype.Uint16(10),
			"time_zone":       mmdbtype.String("Europe/London"),
		},
		"postal": mmdbtype.Map{
			"code": mmdbtype.String("EC2V"),
		},
		"traits": mmdbtype.Map{
			"is_anycast": mmdbtype.Bool(false),
		},
	})

	insert(t, tree, GoogleIP+"/32", mmdbtype.Map{
		"country": mmdbtype.Map{
			"iso_code": mmdbtype.String("US"),
			"names":    mmdbtype.Map{"en": mmdbtype.String(label + " United States")},
		},
		"location": mmdbtype.Map{
			"latitude":  mmdbtype.Float64(37.751),
			"longitude": mmdbtype.Float64(-97.822),
		},
	})

	return write(t, tree)
}

// ASN builds an ASN-type database with 8.8.8.8 (AS15169 GOOGLE) and
// 1.1.1.1 (AS13335 CLOUDFLARE).
func ASN(t testing.TB, dbType string) []byte {
	t.Helper()

	tree, err := mmdbwriter.New(mmdbwriter.Options{
		DatabaseType:            dbType,
		RecordSize:              24,
		IncludeReservedNetworks: true,
		Description:             map[string]string{"en": "ASN test database"},
	})
	if err != nil {
		t.Fatalf("mmdbwriter.New: %v", err)
	}
	insert(t, tree, GoogleIP+"/32", mmdbtype.Map{
		"autonomous_system_number":       mmdbtype.Uint32(15169),
		"autonomous_system_organization": mmdbtype.String("GOOGLE"),
	})
	insert(t, tree, "1.1.1.1/32", mmdbtype.Map{
		"autonomous_system_number":       mmdbtype.Uint32(13335),
		"autonomous_system_organization": mmdbtype.String("CLOUDFLARE"),
	})
	return write(t, tree)
}

func insert(t testing.TB, tree *mmdbwriter.Tree, cidr string, value mmdbtype.Map) {
	t.Helper()
	_, network, err := net.ParseCIDR(cidr)
	if err != nil {
		t.Fatalf("ParseCIDR %s: %v", cidr, err)
	}
	if err := tree.Insert(network, value); err != nil {
		t.Fatalf("Insert %s: %v", cidr, err)
	}
}

func write(t testing.TB, tree *mmdbwriter.Tree) []byte {
	t.Helper()
	var buf bytes.Buffer
	if _, err := tree.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	return buf.Bytes()
}

// WriteFile writes data to dir/name and returns the path.
func WriteFile(t testing.TB, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

// Entry is one member of a test archive.
type Entry struct {
	Name string
	Data []byte
	Dir  bool
}

// TarGz builds a gzip-compressed tar archive from entries.
func TarGz(t testing.TB, entries ...Entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)

	for _, e := range entries {
		hdr := &tar.Header{Name: e.Name, Mode: 0o644, Size: int64(len(e.Data)), Typeflag: tar.TypeReg}
		if e.Dir {
			hdr = &tar.Header{Name: e.Name, Mode: 0o755, Typeflag: tar.TypeDir}
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write tar header: %v", err)
		}
		if !e.Dir {
			if _, err := tw.Write(e.Data); err != nil {
				t.Fatalf("write tar content: %v", err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := gw.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
	return buf.Bytes()
}

// MaxMindArchive wraps data the way MaxMind distributes it:
// "<edition>_<date>/<edition>.mmdb" plus a license file.
func MaxMindArchive(t testing.TB, edition, date string, data []byte) []byte {
	t.Helper()
	dir := edition + "_" + date + "/"
	return TarGz(t,
		Entry{Name: dir, Dir: true},
		Entry{Name: dir + "LICENSE.txt", Data: []byte("test license\n")},
		Entry{Name: dir + edition + ".mmdb", Data: data},
	)
}
