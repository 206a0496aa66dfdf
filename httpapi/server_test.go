package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sensorsiot/rfc2217portal/slot"
	"github.com/sensorsiot/rfc2217portal/supervisor"
)

func newTestServer(t *testing.T) (*Server, *slot.Store) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "slots.json")
	body := `{"slots":[{"label":"A","slot_key":"key-a","tcp_port":4001}]}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	store, err := slot.LoadFile(path)
	require.NoError(t, err)

	proxyPath := filepath.Join(dir, "proxy")
	require.NoError(t, os.WriteFile(proxyPath, []byte("#!/bin/true\n"), 0o755))

	cfg := supervisor.Config{
		ProxyPath:          proxyPath,
		LogDir:             dir,
		SettleTimeout:      50 * time.Millisecond,
		PortListenTimeout:  50 * time.Millisecond,
		StopTimeout:        50 * time.Millisecond,
		PollInterval:       5 * time.Millisecond,
		StartupGracePeriod: 5 * time.Millisecond,
	}
	sv := supervisor.New(cfg, nil)
	sv.OverrideForTest(
		func(p string, args []string) (int, <-chan error, error) {
			return 111, make(chan error), nil
		},
		func(pid int, sig syscall.Signal) error { return nil },
		func(pid int) bool { return true },
		func(port int) bool { return true },
		func(ctx context.Context, devnode string) bool { return true },
	)

	s := New("127.0.0.1:0", store, sv, path, nil)
	return s, store
}

func TestHandleDevices_ListsConfiguredSlots(t *testing.T) {
	s, _ := newTestServer(t)
	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/devices", nil)
	s.router.ServeHTTP(w, req)

	assert.Equal(t, 200, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	slots := body["slots"].([]any)
	require.Len(t, slots, 1)
	entry := slots[0].(map[string]any)
	assert.Equal(t, "key-a", entry["slot_key"])
	assert.Equal(t, false, entry["running"])
	assert.Nil(t, entry["devnode"])
}

func TestHandleInfo_ReportsCounts(t *testing.T) {
	s, _ := newTestServer(t)
	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/info", nil)
	s.router.ServeHTTP(w, req)

	assert.Equal(t, 200, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, float64(1), body["slots_configured"])
	assert.Equal(t, float64(0), body["slots_running"])
}

func TestHandleStart_UnknownSlotReturns400(t *testing.T) {
	s, _ := newTestServer(t)
	payload, _ := json.Marshal(startRequest{SlotKey: "nope", Devnode: "/dev/ttyUSB0"})
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/start", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	s.router.ServeHTTP(w, req)

	assert.Equal(t, 400, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "unknown_slot", body["error"])
}

func TestHandleStart_DeviceNotReadyReturnsKindString(t *testing.T) {
	s, _ := newTestServer(t)
	s.sv.OverrideForTest(
		func(p string, args []string) (int, <-chan error, error) {
			return 111, make(chan error), nil
		},
		func(pid int, sig syscall.Signal) error { return nil },
		func(pid int) bool { return true },
		func(port int) bool { return true },
		func(ctx context.Context, devnode string) bool { return false },
	)

	payload, _ := json.Marshal(startRequest{SlotKey: "key-a", Devnode: "/dev/doesnotexist"})
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/start", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	s.router.ServeHTTP(w, req)

	assert.Equal(t, 400, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "device_not_ready", body["error"])
}

func TestHandleStart_KnownSlotSucceeds(t *testing.T) {
	s, _ := newTestServer(t)
	payload, _ := json.Marshal(startRequest{SlotKey: "key-a", Devnode: "/dev/ttyUSB0"})
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/start", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	s.router.ServeHTTP(w, req)

	assert.Equal(t, 200, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(111), body["pid"])
}

func TestHandleHotplug_AddDispatchesToStart(t *testing.T) {
	s, _ := newTestServer(t)
	payload, _ := json.Marshal(hotplugRequest{Action: "add", Devnode: "/dev/ttyUSB0", IDPath: "key-a"})
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/hotplug", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	s.router.ServeHTTP(w, req)

	assert.Equal(t, 200, w.Code)
}

func TestHandleHotplug_UnknownActionReturns400(t *testing.T) {
	s, _ := newTestServer(t)
	payload, _ := json.Marshal(hotplugRequest{Action: "frobnicate", IDPath: "key-a"})
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/hotplug", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	s.router.ServeHTTP(w, req)

	assert.Equal(t, 400, w.Code)
}

func TestUnknownPath_Returns404(t *testing.T) {
	s, _ := newTestServer(t)
	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/nonexistent", nil)
	s.router.ServeHTTP(w, req)
	assert.Equal(t, 404, w.Code)
}

func TestOptions_ReturnsCORSHeaders(t *testing.T) {
	s, _ := newTestServer(t)
	w := httptest.NewRecorder()
	req := httptest.NewRequest("OPTIONS", "/api/devices", nil)
	s.router.ServeHTTP(w, req)
	assert.Equal(t, 200, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
