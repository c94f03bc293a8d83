package lookup

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"geoipd/internal/metrics"
	"geoipd/internal/mmdbtest"
	"geoipd/internal/registry"
)

const (
	city = "GeoLite2-City"
	asn  = "GeoLite2-ASN"
)

var june = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func newService(t *testing.T, policy LocalePolicy) (*Service, *registry.Registry) {
	t.Helper()
	reg := registry.New(registry.Config{Editions: []string{city, asn, "GeoIP2-Enterprise"}})
	t.Cleanup(reg.Close)

	install := func(edition string, data []byte) {
		v, err := reg.FromBytes(edition, june, data)
		if err != nil {
			t.Fatalf("FromBytes %s: %v", edition, err)
		}
		if _, err := reg.Install(v); err != nil {
			t.Fatalf("Install %s: %v", edition, err)
		}
	}
	install(city, mmdbtest.City(t, city, "v1"))
	install(asn, mmdbtest.ASN(t, asn))
	return New(reg, policy, nil), reg
}

func TestLookupCity(t *testing.T) {
	svc, _ := newService(t, DefaultLocalePolicy())

	res, err := svc.Lookup(context.Background(), Query{IP: mmdbtest.LondonIP})
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if res.Edition != city {
		t.Errorf("edition = %q, want default %q", res.Edition, city)
	}
	if !res.Version.Equal(june) {
		t.Errorf("version = %v", res.Version)
	}
	if res.Network != mmdbtest.LondonIP+"/32" {
		t.Errorf("network = %q", res.Network)
	}
	if res.Locale != "en" {
		t.Errorf("locale = %q", res.Locale)
	}

	info := res.Info
	if info == nil {
		t.Fatal("expected a hit")
	}
	checks := []struct {
		name, got, want string
	}{
		{"continent_code", info.ContinentCode, "EU"},
		{"country_iso_code", info.CountryISOCode, "GB"},
		{"country_name", info.CountryName, "v1 United Kingdom"},
		{"registered_country", info.RegisteredCountryISOCode, "GB"},
		{"city_name", info.CityName, "v1 London"},
		{"postal_code", info.PostalCode, "EC2V"},
		{"timezone", info.TimeZone, "Europe/London"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %q, want %q", c.name, c.got, c.want)
		}
	}
	if info.CityID != 2643743 || info.CountryID != 2635167 {
		t.Errorf("geoname ids: city %d country %d", info.CityID, info.CountryID)
	}
	if len(info.Subdivisions) != 1 || info.Subdivisions[0].ISOCode != "ENG" || info.Subdivisions[0].Name != "v1 England" {
		t.Errorf("subdivisions = %+v", info.Subdivisions)
	}
	if info.Latitude == nil || *info.Latitude != 51.5142 || info.AccuracyRadius != 10 {
		t.Errorf("location: lat %v radius %d", info.Latitude, info.AccuracyRadius)
	}
	if info.IsInEuropeanUnion == nil || *info.IsInEuropeanUnion {
		t.Errorf("is_in_european_union = %v", info.IsInEuropeanUnion)
	}
	if info.IsAnycast == nil || *info.IsAnycast {
		t.Errorf("is_anycast = %v", info.IsAnycast)
	}
	if info.IsAnonymousProxy != nil {
		t.Errorf("absent trait decoded: %v", *info.IsAnonymousProxy)
	}
}

func TestLookupMiss(t *testing.T) {
	svc, _ := newService(t, DefaultLocalePolicy())
	res, err := svc.Lookup(context.Background(), Query{IP: mmdbtest.MissIP})
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if res.Info != nil {
		t.Errorf("expected miss, got %+v", res.Info)
	}
}

func TestLookupASN(t *testing.T) {
	svc, _ := newService(t, DefaultLocalePolicy())
	res, err := svc.Lookup(context.Background(), Query{Edition: asn, IP: mmdbtest.GoogleIP})
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if res.Info == nil || res.Info.AutonomousSystemNumber != 15169 || res.Info.AutonomousSystemOrganization != "GOOGLE" {
		t.Fatalf("info = %+v", res.Info)
	}
	if res.Info.CountryISOCode != "" || res.Locale != "" {
		t.Errorf("ASN lookup decoded geo fields: %+v, locale %q", res.Info, res.Locale)
	}
}

func TestLookupErrors(t *testing.T) {
	svc, _ := newService(t, DefaultLocalePolicy())

	tests := []struct {
		name  string
		query Query
		want  error
	}{
		{"unknown_edition", Query{Edition: "GeoLite2-Country", IP: mmdbtest.GoogleIP}, ErrUnknownEdition},
		{"not_installed", Query{Edition: "GeoIP2-Enterprise", IP: mmdbtest.GoogleIP}, ErrDatabaseUnavailable},
		{"malformed", Query{IP: "999.1.1.1"}, ErrMalformedAddress},
		{"empty", Query{IP: ""}, ErrMalformedAddress},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Lookup(context.Background(), tt.query); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestLookupMetricsOnlyForConfiguredEditions(t *testing.T) {
	svc, _ := newService(t, DefaultLocalePolicy())
	ctx := context.Background()

	lookups := testutil.CollectAndCount(metrics.Lookups)
	durations := testutil.CollectAndCount(metrics.LookupDuration)
	for _, ed := range []string{"bogus-1", "bogus-2", "bogus-3"} {
		if _, err := svc.Lookup(ctx, Query{Edition: ed, IP: "nope"}); !errors.Is(err, ErrMalformedAddress) {
			t.Fatalf("%s: got %v, want ErrMalformedAddress", ed, err)
		}
		if _, err := svc.Lookup(ctx, Query{Edition: ed, IP: mmdbtest.GoogleIP}); !errors.Is(err, ErrUnknownEdition) {
			t.Fatalf("%s: got %v, want ErrUnknownEdition", ed, err)
		}
	}
	if got := testutil.CollectAndCount(metrics.Lookups); got != lookups {
		t.Errorf("lookup series = %d, want %d", got, lookups)
	}
	if got := testutil.CollectAndCount(metrics.LookupDuration); got != durations {
		t.Errorf("lookup duration series = %d, want %d", got, durations)
	}

	before := testutil.ToFloat64(metrics.Lookups.WithLabelValues(city, "error"))
	if _, err := svc.Lookup(ctx, Query{Edition: city, IP: "nope"}); !errors.Is(err, ErrMalformedAddress) {
		t.Fatalf("got %v, want ErrMalformedAddress", err)
	}
	if got := testutil.ToFloat64(metrics.Lookups.WithLabelValues(city, "error")); got != before+1 {
		t.Errorf("configured edition errors = %v, want %v", got, before+1)
	}
}

func TestLookupIPv6Mapped(t *testing.T) {
	svc, _ := newService(t, DefaultLocalePolicy())
	res, err := svc.Lookup(context.Background(), Query{IP: "::ffff:" + mmdbtest.LondonIP})
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if res.Info == nil || res.Info.CountryISOCode != "GB" {
		t.Errorf("info = %+v", res.Info)
	}
}

func TestLookupLocales(t *testing.T) {
	policy := LocalePolicy{
		Default:   "en",
		Fallbacks: map[string][]string{"fr-CA": {"de"}},
	}
	svc, _ := newService(t, policy)

	tests := []struct {
		locale  string
		country string
		city    string
		used    string
	}{
		{"de", "v1 Vereinigtes Königreich", "v1 London", "de"},
		{"de-AT", "v1 Vereinigtes Königreich", "v1 London", "de"},
		{"fr-CA", "v1 Vereinigtes Königreich", "v1 London", "de"},
		{"ja", "v1 United Kingdom", "v1 London", "en"},
		{"", "v1 United Kingdom", "v1 London", "en"},
	}
	for _, tt := range tests {
		t.Run(tt.locale, func(t *testing.T) {
			res, err := svc.Lookup(context.Background(), Query{IP: mmdbtest.LondonIP, Locale: tt.locale})
			if err != nil {
				t.Fatalf("Lookup: %v", err)
			}
			if res.Info.CountryName != tt.country {
				t.Errorf("country = %q, want %q", res.Info.CountryName, tt.country)
			}
			// City has English names only, so it falls through the chain.
			if res.Info.CityName != tt.city {
				t.Errorf("city = %q, want %q", res.Info.CityName, tt.city)
			}
			if res.Locale != tt.used {
				t.Errorf("locale = %q, want %q", res.Locale, tt.used)
			}
		})
	}
}

func TestLookupDuringInstall(t *testing.T) {
	svc, reg := newService(t, DefaultLocalePolicy())

	v2, err := reg.FromBytes(city, june.Add(24*time.Hour), mmdbtest.City(t, city, "v2"))
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 200 {
			res, err := svc.Lookup(context.Background(), Query{IP: mmdbtest.LondonIP})
			if err != nil {
				t.Errorf("Lookup: %v", err)
				return
			}
			label := map[string]string{
				"v1 United Kingdom": "v1 London",
				"v2 United Kingdom": "v2 London",
			}
			if want, ok := label[res.Info.CountryName]; !ok || res.Info.CityName != want {
				t.Errorf("torn result: country %q city %q", res.Info.CountryName, res.Info.CityName)
			}
		}
	}()
	if _, err := reg.Install(v2); err != nil {
		t.Fatal(err)
	}
	<-done

	res, err := svc.Lookup(context.Background(), Query{IP: mmdbtest.LondonIP})
	if err != nil {
		t.Fatal(err)
	}
	if res.Info.CityName != "v2 London" {
		t.Errorf("after install city = %q", res.Info.CityName)
	}
}

func TestParseFallbacks(t *testing.T) {
	got, err := ParseFallbacks("pt-BR:pt|es, zh-CN:zh,,")
	if err != nil {
		t.Fatalf("ParseFallbacks: %v", err)
	}
	if !slices.Equal(got["pt-BR"], []string{"pt", "es"}) || !slices.Equal(got["zh-CN"], []string{"zh"}) {
		t.Errorf("got %v", got)
	}
	if _, err := ParseFallbacks("pt-BR"); err == nil {
		t.Error("expected error for missing colon")
	}
}

func TestCandidates(t *testing.T) {
	p := LocalePolicy{Default: "en", Fallbacks: map[string][]string{"pt-BR": {"pt", "es"}}}
	tests := []struct {
		in   string
		want []string
	}{
		{"pt-BR", []string{"pt-BR", "pt", "es", "en"}},
		{"zh-CN", []string{"zh-CN", "zh", "en"}},
		{"en", []string{"en"}},
		{"", []string{"en"}},
	}
	for _, tt := range tests {
		if got := p.Candidates(tt.in); !slices.Equal(got, tt.want) {
			t.Errorf("Candidates(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
