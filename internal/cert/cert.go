// Package cert serves a TLS key pair from disk and reloads it when the files
// are replaced.
package cert

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"geoipd/internal/logging"
)

// Config names the PEM files.
type Config struct {
	CertFile string
	KeyFile  string
	Logger   *slog.Logger
}

// Reloader holds the current certificate. Safe for concurrent use.
type Reloader struct {
	certFile string
	keyFile  string
	logger   *slog.Logger
	cert     atomic.Pointer[tls.Certificate]

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// New loads the key pair once. A pair that cannot be loaded is an error.
func New(cfg Config) (*Reloader, error) {
	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return nil, errors.New("cert: both certificate and key file are required")
	}
	r := &Reloader{
		certFile: filepath.Clean(cfg.CertFile),
		keyFile:  filepath.Clean(cfg.KeyFile),
		logger:   logging.Default(cfg.Logger).With("component", "cert"),
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload reads the pair from disk. On failure the previous certificate stays
// in use.
func (r *Reloader) Reload() error {
	c, err := tls.LoadX509KeyPair(r.certFile, r.keyFile)
	if err != nil {
		return fmt.Errorf("load key pair: %w", err)
	}
	r.cert.Store(&c)
	return nil
}

// Watch reloads the pair whenever either file is written or replaced. The
// parent directories are watched so rotation by rename is seen too.
func (r *Reloader) Watch() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.watcher != nil {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	dirs := map[string]struct{}{
		filepath.Dir(r.certFile): {},
		filepath.Dir(r.keyFile):  {},
	}
	for dir := range dirs {
		if err := w.Add(dir); err != nil {
			w.Close()
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	r.watcher = w
	r.done = make(chan struct{})
	go r.watchLoop(w, r.done)
	return nil
}

func (r *Reloader) watchLoop(w *fsnotify.Watcher, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			r.logger.Warn("certificate watcher error", "error", err)
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			name := filepath.Clean(ev.Name)
			if name != r.certFile && name != r.keyFile {
				continue
			}
			// Cert and key are often written one after the other; a mismatched
			// pair fails here and the next event picks up the complete one.
			if err := r.Reload(); err != nil {
				r.logger.Warn("certificate reload failed, keeping previous", "file", name, "error", err)
				continue
			}
			r.logger.Info("certificate reloaded", "file", name)
		}
	}
}

// Close stops watching.
func (r *Reloader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.watcher == nil {
		return nil
	}
	close(r.done)
	err := r.watcher.Close()
	r.watcher = nil
	return err
}

// Certificate returns the pair currently in use.
func (r *Reloader) Certificate() *tls.Certificate {
	return r.cert.Load()
}

// GetCertificate is a tls.Config callback.
func (r *Reloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return r.cert.Load(), nil
}

// TLSConfig returns a server config that always presents the current pair
// and offers HTTP/2.
func (r *Reloader) TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:     tls.VersionTLS12,
		NextProtos:     []string{"h2", "http/1.1"},
		GetCertificate: r.GetCertificate,
	}
}
