// Package httpapi is the HTTP Facade: a small Gin router that exposes the
// Slot Supervisor and Slot Store over JSON, matching the hotplug daemon
// and browser dashboard's expected wire shape.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"k8s.io/utils/ptr"

	"github.com/sensorsiot/rfc2217portal/slot"
	"github.com/sensorsiot/rfc2217portal/supervisor"
)

// Server wires the slot store and supervisor behind the REST surface.
type Server struct {
	store      *slot.Store
	sv         *supervisor.Supervisor
	zlog       *zap.SugaredLogger
	configPath string
	hostIP     string

	router *gin.Engine
	http   *http.Server
}

// New builds a Server listening on addr (e.g. ":8080"). The host's
// outbound-facing IP is resolved once here, matching the reference
// portal's one-time startup probe.
func New(addr string, store *slot.Store, sv *supervisor.Supervisor, configPath string, zlog *zap.SugaredLogger) *Server {
	if zlog == nil {
		zlog = zap.NewNop().Sugar()
	}
	s := &Server{
		store:      store,
		sv:         sv,
		zlog:       zlog,
		configPath: configPath,
		hostIP:     resolveHostIP(),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), corsMiddleware())
	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})

	router.GET("/api/devices", s.handleDevices)
	router.GET("/api/info", s.handleInfo)
	router.POST("/api/start", s.handleStart)
	router.POST("/api/stop", s.handleStop)
	router.POST("/api/hotplug", s.handleHotplug)

	s.router = router
	s.http = &http.Server{Addr: addr, Handler: router}
	return s
}

// resolveHostIP determines the local address used to reach the outside
// world by dialing (without sending any data) a well-known public
// address; falls back to the loopback address on any failure.
func resolveHostIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "127.0.0.1"
	}
	return addr.IP.String()
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	}
}

// ListenAndServe runs the HTTP server until ctx is cancelled, then shuts
// it down gracefully within a 5s bound.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.zlog.Infow("http facade listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

// deviceView is one slot's entry in the /api/devices response. Fields
// that are genuinely absent (not just zero) for a stopped slot are nil
// pointers rather than zero values, so a client can distinguish "no pid"
// from "pid 0".
type deviceView struct {
	Label     string  `json:"label"`
	SlotKey   string  `json:"slot_key"`
	TCPPort   int     `json:"tcp_port"`
	Running   bool    `json:"running"`
	Devnode   *string `json:"devnode"`
	PID       *int    `json:"pid"`
	URL       *string `json:"url"`
	LastGen   uint64  `json:"last_gen"`
	LastError *string `json:"last_error"`
}

func (s *Server) deviceViewFor(snap slot.Snapshot) deviceView {
	v := deviceView{
		Label:   snap.Label,
		SlotKey: snap.Key,
		TCPPort: snap.TCPPort,
		Running: snap.Running,
		LastGen: snap.Generation,
	}
	if snap.LastError != "" {
		v.LastError = ptr.To(snap.LastError)
	}
	// ¬running ⇒ pid = ∅ ∧ devnode = ∅: only a running slot has a live
	// pid/devnode/url to report.
	if snap.Running {
		v.Devnode = ptr.To(snap.Devnode)
		v.PID = ptr.To(snap.PID)
		v.URL = ptr.To(fmt.Sprintf("rfc2217://%s:%d", s.hostIP, snap.TCPPort))
	}
	return v
}

func (s *Server) handleDevices(c *gin.Context) {
	slots := s.store.All()
	views := make([]deviceView, 0, len(slots))
	for _, sl := range slots {
		s.sv.ReapDead(sl)
		views = append(views, s.deviceViewFor(sl.Snapshot()))
	}
	c.JSON(http.StatusOK, gin.H{"slots": views, "host_ip": s.hostIP})
}

func (s *Server) handleInfo(c *gin.Context) {
	slots := s.store.All()
	running := 0
	for _, sl := range slots {
		s.sv.ReapDead(sl)
		if sl.Snapshot().Running {
			running++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"host_ip":          s.hostIP,
		"config_file":      s.configPath,
		"slots_configured": len(slots),
		"slots_running":    running,
	})
}

type startRequest struct {
	SlotKey string `json:"slot_key"`
	Devnode string `json:"devnode"`
}

func (s *Server) handleStart(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request body"})
		return
	}

	sl, ok := s.store.ByKey(req.SlotKey)
	if !ok {
		writeError(c, fmt.Errorf("%w: %s", supervisor.ErrUnknownSlot, req.SlotKey))
		return
	}

	res, err := s.sv.Start(c.Request.Context(), sl, req.Devnode)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "restarted": res.Restarted, "port": res.Port, "pid": res.PID})
}

type stopRequest struct {
	SlotKey string `json:"slot_key"`
}

func (s *Server) handleStop(c *gin.Context) {
	var req stopRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request body"})
		return
	}

	sl, ok := s.store.ByKey(req.SlotKey)
	if !ok {
		writeError(c, fmt.Errorf("%w: %s", supervisor.ErrUnknownSlot, req.SlotKey))
		return
	}

	res := s.sv.Stop(sl)
	c.JSON(http.StatusOK, gin.H{"success": true, "running": res.Running})
}

type hotplugRequest struct {
	Action  string `json:"action"`
	Devnode string `json:"devnode"`
	IDPath  string `json:"id_path"`
}

// handleHotplug dispatches a udev-style add/remove event to the same
// start/stop logic the explicit endpoints use, keyed by id_path instead
// of slot_key (the udev rule that drives this endpoint names the field
// id_path; it is the same physical-port identity as slot_key).
func (s *Server) handleHotplug(c *gin.Context) {
	var req hotplugRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request body"})
		return
	}

	sl, ok := s.store.ByKey(req.IDPath)
	if !ok {
		writeError(c, fmt.Errorf("%w: %s", supervisor.ErrUnknownSlot, req.IDPath))
		return
	}

	switch req.Action {
	case "add":
		res, err := s.sv.Start(c.Request.Context(), sl, req.Devnode)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "restarted": res.Restarted, "port": res.Port, "pid": res.PID})
	case "remove":
		res := s.sv.Stop(sl)
		c.JSON(http.StatusOK, gin.H{"success": true, "running": res.Running})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": fmt.Sprintf("unknown hotplug action %q", req.Action)})
	}
}

// writeError classifies a supervisor error into one of spec.md §7's
// machine-readable error kinds and writes it as the JSON body's "error"
// field, matching S5's {success:false, error:"device_not_ready"} shape
// rather than forwarding a human-prose Error() string to clients. An
// error that matches none of those kinds is written as its Error() string.
func writeError(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": errorKind(err)})
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, supervisor.ErrUnknownSlot):
		return "unknown_slot"
	case errors.Is(err, supervisor.ErrNoProxyExecutable):
		return "no_proxy_executable"
	case errors.Is(err, supervisor.ErrDeviceNotReady):
		return "device_not_ready"
	}
	var childErr *supervisor.ErrChildExitedEarly
	if errors.As(err, &childErr) {
		return "child_exited_early"
	}
	var portErr *supervisor.ErrPortNotListening
	if errors.As(err, &portErr) {
		return "port_not_listening"
	}
	return err.Error()
}
