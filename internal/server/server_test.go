package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/busview/internal/bus"
	"github.com/shaunagostinho/busview/internal/diag"
	"github.com/shaunagostinho/busview/internal/sched"
	"github.com/shaunagostinho/busview/internal/telemetry"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	cfg := DefaultConfig()
	cfg.path = t.TempDir() + "/config.yaml"
	scheduler := sched.New(bus.NewSim(), sched.Options{}, zerolog.Nop())
	scheduler.Add(5, diag.NewStream())
	return New(cfg, scheduler, nil, zerolog.Nop())
}

func TestHandleStatus(t *testing.T) {
	s := testServer(t)
	sess := diag.NewSession(diag.NewStream(), telemetry.NewJSONDecoder(),
		diag.SessionOptions{}, nil, zerolog.Nop())
	s.AddSession(5, sess)

	w := httptest.NewRecorder()
	s.handleStatus(w, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, 200, w.Code)

	var frame statusFrame
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &frame))
	assert.Equal(t, "status", frame.Type)
	require.Len(t, frame.Devices, 1)
	assert.Equal(t, uint8(5), frame.Devices[0].Addr)
	require.Len(t, frame.Sessions, 1)
	assert.Equal(t, "awaiting_stable", frame.Sessions[0].State)
}

func TestHandleWatchUnknownDevice(t *testing.T) {
	s := testServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/watch",
		strings.NewReader(`{"device":99,"record":"power","signal":"voltage","rate":10}`))
	s.handleWatch(w, req)
	assert.Equal(t, 404, w.Code)
}

func TestHandleCommandUnknownDevice(t *testing.T) {
	s := testServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/command",
		strings.NewReader(`{"device":99,"text":"tel list"}`))
	s.handleCommand(w, req)
	assert.Equal(t, 404, w.Code)
}

func TestHandleConfigGet(t *testing.T) {
	s := testServer(t)

	w := httptest.NewRecorder()
	s.handleConfig(w, httptest.NewRequest(http.MethodGet, "/api/config", nil))
	require.Equal(t, 200, w.Code)
	assert.Contains(t, w.Body.String(), `"transport"`)

	w = httptest.NewRecorder()
	s.handleConfig(w, httptest.NewRequest(http.MethodDelete, "/api/config", nil))
	assert.Equal(t, 405, w.Code)
}
