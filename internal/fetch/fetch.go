// Package fetch downloads MaxMind database archives.
//
// A Fetcher issues one conditional GET per call, retries transient failures
// with exponential backoff, unpacks the tar.gz archive and returns the .mmdb
// payload together with the raw archive bytes. It never touches the disk.
package fetch

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/klauspost/compress/gzip"

	"geoipd/internal/logging"
	"geoipd/internal/metrics"
)

// DefaultURLTemplate is MaxMind's permalink download endpoint.
const DefaultURLTemplate = "https://download.maxmind.com/geoip/databases/{edition}/download?suffix=tar.gz"

const (
	maxArchiveBytes = 512 << 20 // 512 MiB
	maxMMDBBytes    = 512 << 20
	markerWindow    = 128 << 10 // metadata section lives in the trailing 128 KiB
	timestampLayout = "20060102150405"
	dirDateLayout   = "20060102"
)

var (
	// ErrNotModified means the server answered 304; nothing new to install.
	ErrNotModified = errors.New("not modified")
	// ErrNetwork covers connection failures and 5xx responses that survived retries.
	ErrNetwork = errors.New("network failure")
	// ErrAuth is any 4xx answer: bad credentials, unknown edition, quota exceeded.
	ErrAuth = errors.New("download rejected")
	// ErrValidation means the archive did not contain a usable .mmdb.
	ErrValidation = errors.New("invalid archive")
)

// metadataMarker starts the MMDB metadata section.
var metadataMarker = []byte("\xAB\xCD\xEFMaxMind.com")

// Config configures a Fetcher.
type Config struct {
	// URLTemplate with "{edition}" substituted. Empty means DefaultURLTemplate.
	URLTemplate string

	AccountID   string
	LicenseKey  string
	BearerToken string

	// MaxAttempts bounds the number of requests per Fetch. Zero means 4.
	MaxAttempts    int
	InitialBackoff time.Duration // zero means 1s
	MaxBackoff     time.Duration // zero means 30s

	// Client defaults to an http.Client with a 10 minute timeout.
	Client *http.Client
	Logger *slog.Logger
	// Now is the clock used for the fallback timestamp. Defaults to time.Now.
	Now func() time.Time
}

// Request describes one fetch.
type Request struct {
	Edition string
	// IfModifiedSince, when non-zero, is sent as If-Modified-Since.
	IfModifiedSince time.Time
	// OnDownload is called once when a 200 response starts streaming.
	OnDownload func()
}

// Result is a downloaded and unpacked archive.
type Result struct {
	Edition string
	// Timestamp identifies the version (UTC, second precision).
	Timestamp time.Time
	MMDB      []byte
	Archive   []byte
	// LastModified is the parsed Last-Modified header, zero if absent.
	LastModified time.Time
}

// Fetcher downloads archives. Safe for concurrent use.
type Fetcher struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// New creates a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.URLTemplate == "" {
		cfg.URLTemplate = DefaultURLTemplate
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Minute}
	}
	return &Fetcher{
		cfg:    cfg,
		client: client,
		logger: logging.Default(cfg.Logger).With("component", "fetch"),
	}
}

// URL returns the download URL for edition.
func (f *Fetcher) URL(edition string) string {
	return strings.ReplaceAll(f.cfg.URLTemplate, "{edition}", edition)
}

// Fetch downloads and unpacks the archive for req.Edition.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	url := f.URL(req.Edition)

	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(f.cfg.InitialBackoff),
		backoff.WithMaxInterval(f.cfg.MaxBackoff),
		backoff.WithMaxElapsedTime(0),
	)
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(f.cfg.MaxAttempts-1)), ctx) //nolint:gosec // MaxAttempts >= 1

	notified := false
	attempt := 0
	dl, err := backoff.RetryNotifyWithData(func() (download, error) {
		attempt++
		return f.attempt(ctx, url, req, &notified)
	}, policy, func(err error, wait time.Duration) {
		metrics.FetchRetries.WithLabelValues(req.Edition).Inc()
		f.logger.Warn("download attempt failed, retrying",
			"edition", req.Edition, "attempt", attempt, "wait", wait, "error", err)
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrNotModified), errors.Is(err, ErrAuth), errors.Is(err, ErrValidation):
			return nil, err
		case ctx.Err() != nil:
			return nil, fmt.Errorf("download %s: %w", req.Edition, ctx.Err())
		default:
			return nil, fmt.Errorf("%w: download %s after %d attempts: %w", ErrNetwork, req.Edition, attempt, err)
		}
	}
	metrics.RecordFetch(req.Edition, len(dl.body), time.Since(start))

	res, err := f.unpack(req.Edition, dl)
	if err != nil {
		return nil, err
	}
	f.logger.Info("archive downloaded",
		"edition", req.Edition,
		"version", res.Timestamp.Format(timestampLayout),
		"archive_bytes", len(res.Archive),
		"mmdb_bytes", len(res.MMDB),
		"elapsed", time.Since(start))
	return res, nil
}

type download struct {
	body         []byte
	lastModified time.Time
}

// attempt performs a single request. Errors wrapped in backoff.Permanent
// stop the retry loop.
func (f *Fetcher) attempt(ctx context.Context, url string, req Request, notified *bool) (download, error) {
	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return download{}, backoff.Permanent(fmt.Errorf("%w: create request: %w", ErrValidation, err))
	}
	switch {
	case f.cfg.AccountID != "":
		hreq.SetBasicAuth(f.cfg.AccountID, f.cfg.LicenseKey)
	case f.cfg.BearerToken != "":
		hreq.Header.Set("Authorization", "Bearer "+f.cfg.BearerToken)
	}
	if !req.IfModifiedSince.IsZero() {
		hreq.Header.Set("If-Modified-Since", req.IfModifiedSince.UTC().Format(http.TimeFormat))
	}

	resp, err := f.client.Do(hreq) //nolint:gosec // URL built from trusted server config, not user input
	if err != nil {
		if ctx.Err() != nil {
			return download{}, backoff.Permanent(ctx.Err())
		}
		return download{}, fmt.Errorf("request %s: %w", req.Edition, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return download{}, backoff.Permanent(ErrNotModified)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return download{}, backoff.Permanent(fmt.Errorf("%w: %s: HTTP %d", ErrAuth, req.Edition, resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return download{}, fmt.Errorf("%s: HTTP %d", req.Edition, resp.StatusCode)
	}

	if !*notified && req.OnDownload != nil {
		*notified = true
		req.OnDownload()
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxArchiveBytes+1))
	if err != nil {
		if ctx.Err() != nil {
			return download{}, backoff.Permanent(ctx.Err())
		}
		return download{}, fmt.Errorf("read body: %w", err)
	}
	if len(body) > maxArchiveBytes {
		return download{}, backoff.Permanent(fmt.Errorf("%w: archive exceeds %d bytes", ErrValidation, maxArchiveBytes))
	}

	dl := download{body: body}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			dl.lastModified = t.UTC()
		}
	}
	return dl, nil
}

func (f *Fetcher) unpack(edition string, dl download) (*Result, error) {
	member, data, err := extractMMDB(bytes.NewReader(dl.body))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrValidation, edition, err)
	}
	if err := Validate(data); err != nil {
		return nil, fmt.Errorf("%s: %w", edition, err)
	}
	return &Result{
		Edition:      edition,
		Timestamp:    f.versionTimestamp(edition, member, dl.lastModified),
		MMDB:         data,
		Archive:      dl.body,
		LastModified: dl.lastModified,
	}, nil
}

// versionTimestamp picks the version identity: a timestamped member name,
// then Last-Modified, then the dated directory MaxMind wraps archives in,
// then the fetch time.
func (f *Fetcher) versionTimestamp(edition, member string, lastModified time.Time) time.Time {
	if ts, ok := memberTimestamp(edition, path.Base(member)); ok {
		return ts
	}
	if !lastModified.IsZero() {
		return lastModified.Truncate(time.Second)
	}
	if ts, ok := dirTimestamp(edition, path.Base(path.Dir(member))); ok {
		return ts
	}
	return f.cfg.Now().UTC().Truncate(time.Second)
}

var (
	memberPattern = regexp.MustCompile(`^(.+)-([0-9]{14})\.mmdb$`)
	dirPattern    = regexp.MustCompile(`^(.+)_([0-9]{8})$`)
)

func memberTimestamp(edition, name string) (time.Time, bool) {
	m := memberPattern.FindStringSubmatch(name)
	if m == nil || m[1] != edition {
		return time.Time{}, false
	}
	ts, err := time.ParseInLocation(timestampLayout, m[2], time.UTC)
	return ts, err == nil
}

func dirTimestamp(edition, dir string) (time.Time, bool) {
	m := dirPattern.FindStringSubmatch(dir)
	if m == nil || m[1] != edition {
		return time.Time{}, false
	}
	ts, err := time.ParseInLocation(dirDateLayout, m[2], time.UTC)
	return ts, err == nil
}

// extractMMDB returns the name and content of the first regular .mmdb
// member of a tar.gz stream.
func extractMMDB(r io.Reader) (string, []byte, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return "", nil, fmt.Errorf("open gzip: %w", err)
	}
	defer func() { _ = gz.Close() }()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", nil, fmt.Errorf("read tar: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg || !strings.HasSuffix(hdr.Name, ".mmdb") {
			continue
		}
		data, err := io.ReadAll(io.LimitReader(tr, maxMMDBBytes+1))
		if err != nil {
			return "", nil, fmt.Errorf("extract %s: %w", hdr.Name, err)
		}
		if len(data) > maxMMDBBytes {
			return "", nil, fmt.Errorf("%s exceeds %d bytes", hdr.Name, maxMMDBBytes)
		}
		return hdr.Name, data, nil
	}
	return "", nil, errors.New("no .mmdb file in archive")
}

// Validate checks that data looks like a MaxMind DB: the metadata marker
// must appear in its trailing 128 KiB.
func Validate(data []byte) error {
	tail := data
	if len(tail) > markerWindow {
		tail = tail[len(tail)-markerWindow:]
	}
	if !bytes.Contains(tail, metadataMarker) {
		return fmt.Errorf("%w: metadata marker not found", ErrValidation)
	}
	return nil
}
