package httpmiddleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func corsRequest(method, origin string, preflight bool) *http.Request {
	req := httptest.NewRequest(method, "/api/products", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	if preflight {
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	}
	return req
}

func TestCORS(t *testing.T) {
	tests := []struct {
		name       string
		cfg        CORSConfig
		req        *http.Request
		wantCode   int
		wantOrigin string
		wantCreds  bool
	}{
		{
			name:       "wildcard simple request",
			req:        corsRequest(http.MethodGet, "https://shop.example", false),
			wantCode:   http.StatusOK,
			wantOrigin: "*",
		},
		{
			name:       "listed origin is echoed in configured case",
			cfg:        CORSConfig{Origins: []string{"https://Shop.Example"}},
			req:        corsRequest(http.MethodGet, "https://shop.example", false),
			wantCode:   http.StatusOK,
			wantOrigin: "https://Shop.Example",
		},
		{
			name:     "unlisted origin gets no header",
			cfg:      CORSConfig{Origins: []string{"https://shop.example"}},
			req:      corsRequest(http.MethodGet, "https://evil.example", false),
			wantCode: http.StatusOK,
		},
		{
			name:       "preflight answered without calling next",
			cfg:        CORSConfig{MaxAge: 600},
			req:        corsRequest(http.MethodOptions, "https://shop.example", true),
			wantCode:   http.StatusNoContent,
			wantOrigin: "*",
		},
		{
			name:       "credentials never use wildcard",
			cfg:        CORSConfig{AllowCredentials: true},
			req:        corsRequest(http.MethodGet, "https://shop.example", false),
			wantCode:   http.StatusOK,
			wantOrigin: "https://shop.example",
			wantCreds:  true,
		},
		{
			name:     "no origin passes through",
			req:      corsRequest(http.MethodGet, "", false),
			wantCode: http.StatusOK,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			CORS(tt.cfg)(okHandler()).ServeHTTP(w, tt.req)

			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, tt.wantOrigin, w.Header().Get("Access-Control-Allow-Origin"))
			if tt.wantCreds {
				assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
			}
		})
	}
}

func TestCORSPreflightHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	CORS(CORSConfig{MaxAge: 600})(okHandler()).ServeHTTP(w, corsRequest(http.MethodOptions, "https://a.example", true))

	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "api_key")
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "Idempotency-Key")
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), http.MethodDelete)
	assert.Equal(t, "600", w.Header().Get("Access-Control-Max-Age"))
}
