package server

import (
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
)

// pooledWriter is satisfied by both brotli.Writer and gzip.Writer.
type pooledWriter interface {
	io.WriteCloser
	Reset(io.Writer)
	Flush() error
}

type encoder struct {
	name string
	pool *sync.Pool
}

// encoders in order of preference. Brotli quality 4 keeps dynamic JSON
// cheap to encode.
var encoders = []*encoder{
	{name: "br", pool: &sync.Pool{New: func() any {
		return brotli.NewWriterLevel(io.Discard, 4)
	}}},
	{name: "gzip", pool: &sync.Pool{New: func() any {
		w, _ := gzip.NewWriterLevel(io.Discard, gzip.DefaultCompression)
		return w
	}}},
}

// alreadyCompressed content types pass through untouched.
var alreadyCompressed = map[string]bool{
	"application/gzip":   true,
	"application/x-gzip": true,
}

// negotiate picks the first encoder the client accepts, nil for identity.
func negotiate(acceptEncoding string) *encoder {
	for _, enc := range encoders {
		if acceptsEncoding(acceptEncoding, enc.name) {
			return enc
		}
	}
	return nil
}

// acceptsEncoding reports whether header lists name without "q=0".
func acceptsEncoding(header, name string) bool {
	for part := range strings.SplitSeq(header, ",") {
		coding, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if strings.TrimSpace(coding) != name {
			continue
		}
		return strings.ReplaceAll(strings.TrimSpace(params), " ", "") != "q=0"
	}
	return false
}

// compressMiddleware encodes response bodies with brotli or gzip when the
// client accepts it.
func compressMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		enc := negotiate(r.Header.Get("Accept-Encoding"))
		if enc == nil {
			next.ServeHTTP(w, r)
			return
		}
		cw := &compressWriter{ResponseWriter: w, enc: enc}
		defer cw.finish()
		next.ServeHTTP(cw, r)
	})
}

// compressWriter decides at WriteHeader time, so handlers can opt out by
// setting Content-Encoding or an already compressed Content-Type.
type compressWriter struct {
	http.ResponseWriter
	enc         *encoder
	zw          pooledWriter
	wroteHeader bool
}

func (cw *compressWriter) shouldEncode(code int) bool {
	if code == http.StatusNoContent || code == http.StatusNotModified {
		return false
	}
	h := cw.Header()
	if h.Get("Content-Encoding") != "" {
		return false
	}
	ct, _, _ := strings.Cut(h.Get("Content-Type"), ";")
	return !alreadyCompressed[strings.TrimSpace(ct)]
}

func (cw *compressWriter) WriteHeader(code int) {
	if cw.wroteHeader {
		return
	}
	cw.wroteHeader = true
	if cw.shouldEncode(code) {
		h := cw.Header()
		h.Set("Content-Encoding", cw.enc.name)
		h.Del("Content-Length")
		h.Add("Vary", "Accept-Encoding")
		cw.zw = cw.enc.pool.Get().(pooledWriter)
		cw.zw.Reset(cw.ResponseWriter)
	}
	cw.ResponseWriter.WriteHeader(code)
}

func (cw *compressWriter) Write(b []byte) (int, error) {
	if !cw.wroteHeader {
		cw.WriteHeader(http.StatusOK)
	}
	if cw.zw != nil {
		return cw.zw.Write(b)
	}
	return cw.ResponseWriter.Write(b)
}

func (cw *compressWriter) Flush() {
	if cw.zw != nil {
		_ = cw.zw.Flush()
	}
	if f, ok := cw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (cw *compressWriter) Unwrap() http.ResponseWriter {
	return cw.ResponseWriter
}

func (cw *compressWriter) finish() {
	if cw.zw == nil {
		return
	}
	_ = cw.zw.Close()
	cw.enc.pool.Put(cw.zw)
	cw.zw = nil
}
