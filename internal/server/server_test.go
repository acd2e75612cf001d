package server

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mantonx/clipshrink/internal/config"
	"github.com/mantonx/clipshrink/internal/modules/compressionmodule"
)

func newTestServer(t *testing.T, assetDir string) *Server {
	t.Helper()
	comp := compressionmodule.NewCompressor(compressionmodule.DefaultConfig(), compressionmodule.Dependencies{}, hclog.NewNullLogger())
	return New(config.ServerConfig{Host: "127.0.0.1", Port: 18080, AssetDir: assetDir}, comp, hclog.NewNullLogger())
}

func get(s *Server, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, "")
	w := get(s, "/api/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
	assert.Equal(t, "127.0.0.1:18080", s.Addr())
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, "")

	// count one request so the HTTP counter is exported
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/compression/estimate", strings.NewReader(`{"size":1024}`))
	req.Header.Set("Content-Type", "application/json")
	s.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	w = get(s, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "clipshrink_http_requests_total")
	assert.Contains(t, body, `path="/api/v1/compression/estimate"`)
	assert.Contains(t, body, "clipshrink_estimates_total")
}

func TestEngineAssetMirror(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ffmpeg"), []byte("engine-binary"), 0o644))

	s := newTestServer(t, dir)
	w := get(s, "/engine/assets/ffmpeg")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "engine-binary", w.Body.String())

	assert.Equal(t, http.StatusNotFound, get(s, "/engine/assets/ffprobe").Code)
}

func TestEngineAssetMirrorDisabled(t *testing.T) {
	s := newTestServer(t, filepath.Join(t.TempDir(), "missing"))
	assert.Equal(t, http.StatusNotFound, get(s, "/engine/assets/ffmpeg").Code)
}
