package response

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) Response {
	t.Helper()
	var r Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &r))
	return r
}

func TestRequestIDMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(RequestIDMiddleware())
	r.GET("/", func(c *gin.Context) { Success(c, http.StatusOK, gin.H{"ok": true}) })

	tests := []struct {
		name   string
		header string
		keep   bool
	}{
		{name: "absent"},
		{name: "caller id kept", header: "lb-7f3a91", keep: true},
		{name: "whitespace replaced", header: "two words"},
		{name: "oversized replaced", header: strings.Repeat("a", maxRequestIDLen+1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set(HeaderRequestID, tt.header)
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)

			id := rec.Header().Get(HeaderRequestID)
			require.NotEmpty(t, id)
			if tt.keep {
				assert.Equal(t, tt.header, id)
			} else {
				assert.NotEqual(t, tt.header, id)
			}
			assert.Equal(t, id, decode(t, rec).Metadata.RequestID)
		})
	}
}

func TestEnvelopes(t *testing.T) {
	pinned := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	now = func() time.Time { return pinned }
	t.Cleanup(func() { now = func() time.Time { return time.Now().UTC().Truncate(time.Second) } })

	r := gin.New()
	r.Use(RequestIDMiddleware())
	r.GET("/fail", func(c *gin.Context) {
		FailWithFields(c, http.StatusBadRequest, ErrValidation, map[string]string{"answer": "required"})
	})
	r.GET("/abort", func(c *gin.Context) {
		AbortFail(c, http.StatusUnauthorized, ErrTokenRequired)
	}, func(c *gin.Context) { c.Status(http.StatusTeapot) })

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/fail", nil))
	body := decode(t, rec)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Nil(t, body.Data)
	require.NotNil(t, body.Error)
	assert.Equal(t, ErrValidation, body.Error.Code)
	assert.Equal(t, GetMessage(ErrValidation), body.Error.Message)
	assert.Equal(t, "required", body.Error.Fields["answer"])
	assert.True(t, pinned.Equal(body.Metadata.Timestamp))

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/abort", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "later handlers do not run")
	assert.Equal(t, ErrTokenRequired, decode(t, rec).Error.Code)
}

func TestPage(t *testing.T) {
	tests := []struct {
		name             string
		page, per, total int
		from, to, pages  int
	}{
		{name: "first page", page: 1, per: 2, total: 5, from: 0, to: 2, pages: 3},
		{name: "last partial page", page: 3, per: 2, total: 5, from: 4, to: 5, pages: 3},
		{name: "past the end", page: 9, per: 2, total: 5, from: 5, to: 5, pages: 3},
		{name: "empty list", page: 1, per: 50, total: 0, from: 0, to: 0, pages: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			from, to, p := Page(tt.page, tt.per, tt.total)
			assert.Equal(t, tt.from, from)
			assert.Equal(t, tt.to, to)
			assert.Equal(t, tt.pages, p.TotalPages)
			assert.Equal(t, tt.total, p.TotalItems)
		})
	}
}
