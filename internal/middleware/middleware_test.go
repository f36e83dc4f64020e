package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-session/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestCompress_LargeBodyIsBrotli(t *testing.T) {
	body := strings.Repeat("question text ", 500)
	r := gin.New()
	r.Use(Compress())
	r.GET("/big", func(c *gin.Context) { c.String(http.StatusOK, body) })
	r.GET("/small", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	req := httptest.NewRequest(http.MethodGet, "/big", nil)
	req.Header.Set("Accept-Encoding", "gzip, br;q=0.9")
	rec := serve(r, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "br", rec.Header().Get("Content-Encoding"))
	assert.Less(t, rec.Body.Len(), len(body))
	plain, err := io.ReadAll(brotli.NewReader(rec.Body))
	require.NoError(t, err)
	assert.Equal(t, body, string(plain))

	req = httptest.NewRequest(http.MethodGet, "/small", nil)
	req.Header.Set("Accept-Encoding", "br")
	rec = serve(r, req)
	assert.Empty(t, rec.Header().Get("Content-Encoding"))
	assert.Equal(t, "ok", rec.Body.String())
}

func TestCompress_SkipsWithoutAcceptOrForStreams(t *testing.T) {
	body := strings.Repeat("x", 4096)
	r := gin.New()
	r.Use(Compress())
	r.GET("/data", func(c *gin.Context) { c.String(http.StatusOK, body) })

	rec := serve(r, httptest.NewRequest(http.MethodGet, "/data", nil))
	assert.Empty(t, rec.Header().Get("Content-Encoding"))
	assert.Equal(t, body, rec.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/data", nil)
	req.Header.Set("Accept-Encoding", "br")
	req.Header.Set("Accept", "text/event-stream")
	rec = serve(r, req)
	assert.Empty(t, rec.Header().Get("Content-Encoding"))
}

func TestCacheControl_NoStore(t *testing.T) {
	r := gin.New()
	r.Use(CacheControl("no-store"))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	rec := serve(r, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "no-cache", rec.Header().Get("Pragma"))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func TestRateLimiter_RefillsContinuously(t *testing.T) {
	clk := &fakeClock{now: time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)}
	rl := newRateLimiter(3, time.Minute, clk.Now)

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("student:1"), "request %d", i)
	}
	assert.False(t, rl.Allow("student:1"))
	assert.True(t, rl.Allow("student:2"), "buckets are per key")

	clk.advance(19 * time.Second)
	assert.False(t, rl.Allow("student:1"))

	clk.advance(time.Second)
	assert.True(t, rl.Allow("student:1"), "one token every 20s")
	assert.False(t, rl.Allow("student:1"))
}

func TestRateLimiter_KeepsPartialRefill(t *testing.T) {
	clk := &fakeClock{now: time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)}
	rl := newRateLimiter(3, time.Minute, clk.Now)

	for i := 0; i < 3; i++ {
		require.True(t, rl.Allow("student:1"))
	}

	clk.advance(50 * time.Second)
	assert.True(t, rl.Allow("student:1"))
	assert.True(t, rl.Allow("student:1"))
	assert.False(t, rl.Allow("student:1"), "half a token left over")

	clk.advance(20 * time.Second)
	assert.True(t, rl.Allow("student:1"), "the leftover half counts toward the next token")
}

func TestRateLimiter_SweepsIdleBuckets(t *testing.T) {
	clk := &fakeClock{now: time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)}
	rl := newRateLimiter(1, time.Second, clk.Now)

	rl.Allow("a")
	rl.Allow("b")
	clk.advance(2 * time.Minute)
	rl.Allow("c")

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.Len(t, rl.limiters, 1)
}

func TestRateLimiter_MiddlewareKeysByUser(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if id := c.GetHeader("X-Student"); id != "" {
			uid := 1
			if id == "2" {
				uid = 2
			}
			c.Set(ContextKeyClaims, &service.Claims{TokenType: service.TokenTypeStudent, UserID: uid})
		}
		c.Next()
	})
	r.Use(rl.Middleware())
	r.POST("/activity", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	send := func(student string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/activity", nil)
		req.Header.Set("X-Student", student)
		return serve(r, req)
	}

	assert.Equal(t, http.StatusNoContent, send("1").Code)
	rec := send("1")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "RATE_LIMIT_EXCEEDED")

	assert.Equal(t, http.StatusNoContent, send("2").Code)
}
