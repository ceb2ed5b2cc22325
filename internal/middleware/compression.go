package middleware

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"webp-migrator/internal/logging"
)

// CompressionConfig holds configuration for the compression middleware
type CompressionConfig struct {
	// MinSize is the smallest body in bytes worth compressing
	MinSize int
	// Level is the gzip level (gzip.BestSpeed to gzip.BestCompression)
	Level int
	// CompressibleTypes lists the media types that are compressed
	CompressibleTypes []string
	// SkipPaths are passed through untouched; promhttp negotiates its own
	// encoding.
	SkipPaths []string
}

// DefaultCompressionConfig returns the defaults for the operator API, which
// only answers with JSON and plain-text errors.
func DefaultCompressionConfig() CompressionConfig {
	return CompressionConfig{
		MinSize: 1024,
		Level:   gzip.DefaultCompression,
		CompressibleTypes: []string{
			"application/json",
			"text/plain",
		},
		SkipPaths: []string{"/metrics"},
	}
}

// gzipWriterPools holds one writer pool per compression level.
var gzipWriterPools sync.Map

func gzipPool(level int) *sync.Pool {
	if p, ok := gzipWriterPools.Load(level); ok {
		return p.(*sync.Pool)
	}
	p, _ := gzipWriterPools.LoadOrStore(level, &sync.Pool{
		New: func() interface{} {
			w, err := gzip.NewWriterLevel(io.Discard, level)
			if err != nil {
				w = gzip.NewWriter(io.Discard)
			}
			return w
		},
	})
	return p.(*sync.Pool)
}

// bufferedResponse holds the whole response until the handler returns.
// API bodies are bounded (progress log tail, ledger pages), so the
// decision can be made on the complete body.
type bufferedResponse struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (b *bufferedResponse) WriteHeader(status int) {
	if b.status == 0 {
		b.status = status
	}
}

func (b *bufferedResponse) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}

// compressible reports whether the finished response should be gzipped.
func (b *bufferedResponse) compressible(config CompressionConfig) bool {
	if b.body.Len() < config.MinSize || b.Header().Get("Content-Encoding") != "" {
		return false
	}
	if b.status == http.StatusNoContent || b.status == http.StatusNotModified {
		return false
	}
	mediaType := strings.ToLower(strings.TrimSpace(strings.Split(b.Header().Get("Content-Type"), ";")[0]))
	for _, t := range config.CompressibleTypes {
		if mediaType == t {
			return true
		}
	}
	return false
}

// flush writes the buffered response, compressed when worthwhile.
func (b *bufferedResponse) flush(config CompressionConfig) error {
	status := b.status
	if status == 0 {
		status = http.StatusOK
	}
	h := b.Header()
	h.Add("Vary", "Accept-Encoding")

	if !b.compressible(config) {
		h.Set("Content-Length", strconv.Itoa(b.body.Len()))
		b.ResponseWriter.WriteHeader(status)
		_, err := b.ResponseWriter.Write(b.body.Bytes())
		return err
	}

	pool := gzipPool(config.Level)
	gz := pool.Get().(*gzip.Writer)
	defer pool.Put(gz)

	var out bytes.Buffer
	gz.Reset(&out)
	if _, err := gz.Write(b.body.Bytes()); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}

	h.Set("Content-Encoding", "gzip")
	h.Set("Content-Length", strconv.Itoa(out.Len()))
	b.ResponseWriter.WriteHeader(status)
	_, err := b.ResponseWriter.Write(out.Bytes())
	return err
}

// acceptsGzip reports whether the Accept-Encoding header allows gzip.
// An explicit q=0 refuses it.
func acceptsGzip(header string) bool {
	for _, part := range strings.Split(header, ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		name = strings.ToLower(strings.TrimSpace(name))
		if name != "gzip" && name != "*" {
			continue
		}
		params = strings.ReplaceAll(params, " ", "")
		if q, ok := strings.CutPrefix(params, "q="); ok {
			if v, err := strconv.ParseFloat(q, 64); err == nil && v == 0 {
				return false
			}
		}
		return true
	}
	return false
}

// Compression returns a middleware that gzips API responses
func Compression(config CompressionConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodHead || !acceptsGzip(r.Header.Get("Accept-Encoding")) {
				next.ServeHTTP(w, r)
				return
			}
			for _, path := range config.SkipPaths {
				if strings.HasPrefix(r.URL.Path, path) {
					next.ServeHTTP(w, r)
					return
				}
			}

			buf := &bufferedResponse{ResponseWriter: w}
			next.ServeHTTP(buf, r)
			if err := buf.flush(config); err != nil {
				logging.Debug("Failed to write response for %s: %v", r.URL.Path, err)
			}
		})
	}
}
