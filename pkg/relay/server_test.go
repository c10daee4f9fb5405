package relay

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p2pbeam/beam/internal/config"
)

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	log := testLogger()
	registry := NewRegistry(log)
	limiter := NewLimiter()
	metrics := NewMetrics()
	hub := NewHub(registry, limiter, metrics, 1, log)
	return NewServer(cfg, hub, registry, limiter, metrics, log)
}

func get(t *testing.T, s *Server, path string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, &config.Config{})
	w := get(t, s, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code, "Health endpoint should answer OK")
}

func TestDiagnosticsOpenOutsideProduction(t *testing.T) {
	s := newTestServer(t, &config.Config{})
	w := get(t, s, "/health/diagnostics", nil)
	require.Equal(t, http.StatusOK, w.Code, "Diagnostics should be open in development")
	assert.Contains(t, w.Body.String(), "openConnections", "Diagnostics body should carry counters")
}

func TestDiagnosticsGatedInProduction(t *testing.T) {
	s := newTestServer(t, &config.Config{Production: true, DiagnosticsToken: "s3cret"})

	w := get(t, s, "/health/diagnostics", nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "Missing token should look like a missing route")

	w = get(t, s, "/health/diagnostics", map[string]string{"X-Diagnostics-Token": "wrong"})
	assert.Equal(t, http.StatusNotFound, w.Code, "Wrong token should look like a missing route")

	w = get(t, s, "/health/diagnostics", map[string]string{"X-Diagnostics-Token": "s3cret"})
	assert.Equal(t, http.StatusOK, w.Code, "Header token should unlock diagnostics")

	w = get(t, s, "/health/diagnostics", map[string]string{"Authorization": "Bearer s3cret"})
	assert.Equal(t, http.StatusOK, w.Code, "Bearer token should unlock diagnostics")
}

func TestDiagnosticsClosedWithoutConfiguredToken(t *testing.T) {
	s := newTestServer(t, &config.Config{Production: true})
	w := get(t, s, "/health/diagnostics", map[string]string{"X-Diagnostics-Token": ""})
	assert.Equal(t, http.StatusNotFound, w.Code, "Production without a token should keep diagnostics closed")
}

func TestAllowOrigin(t *testing.T) {
	prod := newTestServer(t, &config.Config{
		Production:     true,
		AllowedOrigins: []string{"https://beam.example.com"},
	})
	assert.True(t, prod.allowOrigin("https://beam.example.com"), "Listed origin should be allowed")
	assert.False(t, prod.allowOrigin("https://evil.example.com"), "Unlisted origin should be denied in production")
	assert.False(t, prod.allowOrigin("http://localhost:3000"), "Localhost should be denied in production")

	dev := newTestServer(t, &config.Config{})
	assert.True(t, dev.allowOrigin("http://localhost:3000"), "Localhost should be allowed in development")
	assert.True(t, dev.allowOrigin("http://192.168.1.20:5173"), "Private origin should be allowed in development")
	assert.False(t, dev.allowOrigin("https://evil.example.com"), "Public origin still needs the allow list in development")
}

func TestOversizeFrameClosesConnection(t *testing.T) {
	s := newTestServer(t, &config.Config{})
	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err, "Dialing the relay should succeed")
	defer ws.Close()

	huge := make([]byte, maxFrameBytes+1)
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, huge), "Writing the oversize frame should not fail locally")

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)), "Setting a read deadline should succeed")
	_, _, err = ws.ReadMessage()
	assert.Error(t, err, "The relay should drop the connection instead of buffering the frame")
}

func TestOriginAllowedWithoutHeader(t *testing.T) {
	s := newTestServer(t, &config.Config{Production: true})
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, s.originAllowed(req), "Requests without an Origin header come from non-browser clients")
}
