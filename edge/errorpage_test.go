package edge

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestErrorDocumentServedDirectly(t *testing.T) {
	env := singleTestEnvironment(t, deadUpstream(t))

	resp, body := get(t, env.url("/50x.html"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, errorDoc, body)
}

func TestErrorDocumentMissingFallsBack(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer upstream.Close()

	env := singleTestEnvironment(t, upstream.URL, func(cfg *ServerConfig) {
		cfg.ErrorRoot = t.TempDir()
	})

	resp, body := get(t, env.url("/api/down"))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, body, "503 Service Unavailable")

	resp, _ = get(t, env.url("/50x.html"))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestErrorPagesWrite(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "50x.html", errorDoc)
	root := &StaticRoot{Dir: dir, log: zap.NewNop()}
	pages := newErrorPages(root, "/50x.html", []int{500, 502, 503, 504}, zap.NewNop())

	tests := []struct {
		name   string
		method string
		status int
		body   string
	}{
		{"remapped", http.MethodGet, http.StatusInternalServerError, errorDoc},
		{"remapped head", http.MethodHead, http.StatusBadGateway, ""},
		{"builtin", http.MethodGet, http.StatusNotFound, defaultErrorBody(http.StatusNotFound)},
		{"builtin head", http.MethodHead, http.StatusBadRequest, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			w.Header().Set("Etag", `"stale"`)
			r := httptest.NewRequest(tt.method, "/whatever", nil)

			pages.Write(w, r, tt.status)

			resp := w.Result()
			body, _ := io.ReadAll(resp.Body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.body, string(body))
			assert.Equal(t, "text/html; charset=utf-8", resp.Header.Get("Content-Type"))
			assert.Empty(t, resp.Header.Get("Etag"))
		})
	}
}

func TestErrorPagesRemaps(t *testing.T) {
	pages := newErrorPages(&StaticRoot{}, "/50x.html", []int{500, 502, 503, 504}, zap.NewNop())

	for _, code := range []int{500, 502, 503, 504} {
		assert.True(t, pages.Remaps(code), code)
	}
	for _, code := range []int{200, 404, 501, 505} {
		assert.False(t, pages.Remaps(code), code)
	}
}
