package middleware

import (
	"net/http"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/gin-gonic/gin"
)

// CompressConfig controls brotli response compression.
type CompressConfig struct {
	Quality int
	// MinLength is the body size below which responses are sent as-is.
	MinLength int
	Skipper   func(c *gin.Context) bool
}

var DefaultCompressConfig = CompressConfig{
	Quality:   brotli.DefaultCompression,
	MinLength: 1024,
}

// compressWriter buffers the body until MinLength, then switches to a
// brotli stream for the rest of the response.
type compressWriter struct {
	gin.ResponseWriter
	enc       *brotli.Writer
	buf       []byte
	minLength int
	active    bool
}

func (w *compressWriter) Write(p []byte) (int, error) {
	if w.active {
		return w.enc.Write(p)
	}
	w.buf = append(w.buf, p...)
	if len(w.buf) < w.minLength {
		return len(p), nil
	}

	w.active = true
	h := w.ResponseWriter.Header()
	h.Set("Content-Encoding", "br")
	h.Del("Content-Length")
	if _, err := w.enc.Write(w.buf); err != nil {
		return 0, err
	}
	w.buf = nil
	return len(p), nil
}

func (w *compressWriter) WriteString(s string) (int, error) {
	return w.Write([]byte(s))
}

// finish closes the brotli stream, or writes a short body uncompressed.
func (w *compressWriter) finish() error {
	if w.active {
		return w.enc.Close()
	}
	if len(w.buf) == 0 {
		return nil
	}
	_, err := w.ResponseWriter.Write(w.buf)
	return err
}

// Compress returns brotli compression with the default config.
func Compress() gin.HandlerFunc {
	return CompressWithConfig(DefaultCompressConfig)
}

// CompressWithConfig compresses responses for clients that accept "br".
// Streaming endpoints (SSE, WebSocket upgrades) pass through untouched.
func CompressWithConfig(cfg CompressConfig) gin.HandlerFunc {
	if cfg.Quality < brotli.BestSpeed || cfg.Quality > brotli.BestCompression {
		cfg.Quality = brotli.DefaultCompression
	}
	if cfg.MinLength <= 0 {
		cfg.MinLength = DefaultCompressConfig.MinLength
	}

	pool := sync.Pool{
		New: func() any { return brotli.NewWriterLevel(nil, cfg.Quality) },
	}

	return func(c *gin.Context) {
		if isStreaming(c) || (cfg.Skipper != nil && cfg.Skipper(c)) || !acceptsBrotli(c.Request) {
			c.Next()
			return
		}

		c.Header("Vary", "Accept-Encoding")

		enc := pool.Get().(*brotli.Writer)
		enc.Reset(c.Writer)
		cw := &compressWriter{
			ResponseWriter: c.Writer,
			enc:            enc,
			minLength:      cfg.MinLength,
		}
		c.Writer = cw

		defer func() {
			if err := cw.finish(); err != nil {
				_ = c.Error(err)
			}
			enc.Reset(nil)
			pool.Put(enc)
		}()

		c.Next()
	}
}

func isStreaming(c *gin.Context) bool {
	if strings.Contains(c.GetHeader("Accept"), "text/event-stream") {
		return true
	}
	return strings.EqualFold(c.GetHeader("Upgrade"), "websocket")
}

func acceptsBrotli(r *http.Request) bool {
	for _, enc := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		name, _, _ := strings.Cut(strings.TrimSpace(enc), ";")
		if strings.EqualFold(name, "br") {
			return true
		}
	}
	return false
}
