package security

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func router(mw gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(mw)
	r.GET("/v1/session", func(c *gin.Context) { c.String(200, "ok") })
	return r
}

func TestHeadersMiddleware(t *testing.T) {
	w := httptest.NewRecorder()
	router(HeadersMiddleware()).ServeHTTP(w, httptest.NewRequest("GET", "/v1/session", nil))

	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Contains(t, w.Header().Get("Content-Security-Policy"), "default-src 'none'")
}

func TestParseOrigins(t *testing.T) {
	assert.Equal(t, []string{"http://localhost:3000", "https://app.example"},
		ParseOrigins(" http://localhost:3000/ ,https://app.example,,"))
	assert.Nil(t, ParseOrigins(""))
}

func TestCORSMiddleware(t *testing.T) {
	tests := []struct {
		name        string
		allowed     []string
		origin      string
		wantOrigin  bool
		credentials bool
	}{
		{"listed origin", []string{"https://app.example"}, "https://app.example", true, true},
		{"wildcard", []string{"*"}, "https://anything.example", true, false},
		{"unlisted origin", []string{"https://app.example"}, "https://evil.example", false, false},
		{"empty list", nil, "https://app.example", false, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/v1/session", nil)
			req.Header.Set("Origin", tc.origin)
			w := httptest.NewRecorder()
			router(CORSMiddleware(tc.allowed)).ServeHTTP(w, req)

			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tc.wantOrigin, w.Header().Get("Access-Control-Allow-Origin") != "")
			assert.Equal(t, tc.credentials, w.Header().Get("Access-Control-Allow-Credentials") == "true")
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	req := httptest.NewRequest("OPTIONS", "/v1/session", nil)
	req.Header.Set("Origin", "https://app.example")
	w := httptest.NewRecorder()
	router(CORSMiddleware([]string{"https://app.example"})).ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "GET, POST, OPTIONS", w.Header().Get("Access-Control-Allow-Methods"))
}
