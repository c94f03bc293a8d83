// Package lookup resolves IP addresses against the installed databases.
package lookup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"geoipd/internal/logging"
	"geoipd/internal/metrics"
	"geoipd/internal/registry"
)

var (
	ErrUnknownEdition      = errors.New("unknown edition")
	ErrDatabaseUnavailable = errors.New("database unavailable")
	ErrMalformedAddress    = errors.New("malformed address")
)

// Query is one lookup request.
type Query struct {
	// Edition to query; empty means the default edition.
	Edition string
	IP      string
	// Locale for names; empty means the policy default.
	Locale string
}

// Result is the answer to a Query. Info is nil when the address is not in
// the database.
type Result struct {
	IP      net.IP    `json:"ip"`
	Info    *Info     `json:"info,omitempty"`
	Network string    `json:"network,omitempty"`
	Edition string    `json:"edition"`
	Version time.Time `json:"version"`
	Locale  string    `json:"locale,omitempty"`
	Elapsed float64   `json:"elapsed"`
}

// Service answers lookups. Safe for concurrent use.
type Service struct {
	registry *registry.Registry
	locales  LocalePolicy
	logger   *slog.Logger
}

// New creates a Service.
func New(reg *registry.Registry, locales LocalePolicy, logger *slog.Logger) *Service {
	return &Service{
		registry: reg,
		locales:  locales,
		logger:   logging.Default(logger).With("component", "lookup"),
	}
}

// DefaultEdition returns the edition used when a query names none.
func (s *Service) DefaultEdition() string {
	return s.registry.DefaultEdition()
}

// Lookup resolves q. The installed version is pinned for the duration of
// the call, so a concurrent install never mixes two versions in one result.
func (s *Service) Lookup(ctx context.Context, q Query) (*Result, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	edition := q.Edition
	if edition == "" {
		edition = s.registry.DefaultEdition()
	}
	ip := net.ParseIP(strings.TrimSpace(q.IP))
	if ip == nil {
		if s.registry.Known(edition) {
			metrics.RecordLookup(edition, "error", time.Since(start))
		}
		return nil, fmt.Errorf("%w: %q", ErrMalformedAddress, q.IP)
	}

	h, err := s.registry.Acquire(edition)
	switch {
	case errors.Is(err, registry.ErrUnknownEdition):
		return nil, fmt.Errorf("%w: %q", ErrUnknownEdition, edition)
	case errors.Is(err, registry.ErrUnavailable):
		metrics.RecordLookup(edition, "error", time.Since(start))
		return nil, fmt.Errorf("%w: %s", ErrDatabaseUnavailable, edition)
	case err != nil:
		return nil, err
	}
	defer h.Release()

	v := h.Version()
	res := &Result{
		IP:      ip,
		Edition: edition,
		Version: v.Timestamp,
	}

	if isASN(v.DatabaseType) {
		var rec asnRecord
		network, found, err := h.Reader().LookupNetwork(ip, &rec)
		if err != nil {
			metrics.RecordLookup(edition, "error", time.Since(start))
			return nil, fmt.Errorf("lookup %s in %s: %w", ip, edition, err)
		}
		if found {
			res.Network = network.String()
			res.Info = &Info{
				AutonomousSystemNumber:       rec.Number,
				AutonomousSystemOrganization: rec.Organization,
			}
		}
	} else {
		candidates := s.locales.Candidates(q.Locale)
		var rec cityRecord
		network, found, err := h.Reader().LookupNetwork(ip, &rec)
		if err != nil {
			metrics.RecordLookup(edition, "error", time.Since(start))
			return nil, fmt.Errorf("lookup %s in %s: %w", ip, edition, err)
		}
		res.Locale = effectiveLocale(candidates, v.Languages)
		if found {
			res.Network = network.String()
			res.Info = rec.info(picker(candidates))
		}
	}

	elapsed := time.Since(start)
	res.Elapsed = elapsed.Seconds()
	result := "miss"
	if res.Info != nil {
		result = "hit"
	}
	metrics.RecordLookup(edition, result, elapsed)
	return res, nil
}

// isASN reports whether a database type holds ASN records only.
func isASN(databaseType string) bool {
	return strings.HasSuffix(databaseType, "ASN")
}
