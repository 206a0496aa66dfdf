// Package proxy is the Proxy Engine: it multiplexes one TCP listener, at
// most one connected client, and one open serial device over a single
// readiness loop, translating RFC 2217 control traffic on the client side
// into Serial Port Adapter calls and mirroring raw bytes in both
// directions.
package proxy

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/sensorsiot/rfc2217portal/base"
	"github.com/sensorsiot/rfc2217portal/devlog"
	"github.com/sensorsiot/rfc2217portal/frame"
)

// pollInterval is how often the engine wakes to re-check fd readiness,
// matching the reference proxy's select() timeout.
const pollInterval = 100 * time.Millisecond

const readBufSize = 4096

// Device is the Serial Port Adapter surface the Proxy Engine needs. It is
// satisfied by *serialio.Port; tests substitute a fake.
type Device interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	Fd() int
	ApplyConfig(cfg base.Config) error
	SetDTR(on bool) error
	SetRTS(on bool) error
}

// clientConn is the client-connection surface the engine multiplexes.
// fdConn implements it over a raw accepted socket; tests substitute a
// fake that records writes without touching the network.
type clientConn interface {
	Fd() int
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	Close() error
}

// fdConn adapts a raw accepted socket fd to clientConn.
type fdConn int

func (c fdConn) Fd() int                    { return int(c) }
func (c fdConn) Read(b []byte) (int, error)  { return unix.Read(int(c), b) }
func (c fdConn) Write(b []byte) (int, error) { return unix.Write(int(c), b) }
func (c fdConn) Close() error                { return unix.Close(int(c)) }

// Engine owns the listener, the current client session, and the serial
// device for one slot.
type Engine struct {
	device Device
	logger *devlog.Logger
	zlog   *zap.SugaredLogger

	cfg base.Config

	listenFd int
	port     int

	session *session
	parser  frame.Parser
}

type session struct {
	id     string
	conn   clientConn
	remote string
}

// New wires an Engine to an already-opened serial device and device
// logger, listening on port once Run is called.
func New(port int, device Device, logger *devlog.Logger, zlog *zap.SugaredLogger, cfg base.Config) *Engine {
	if zlog == nil {
		zlog = zap.NewNop().Sugar()
	}
	return &Engine{
		device:   device,
		logger:   logger,
		zlog:     zlog,
		cfg:      cfg,
		port:     port,
		listenFd: -1,
	}
}

// Run opens the listening socket and services the engine's readiness loop
// until ctx is cancelled or an unrecoverable error occurs.
func (e *Engine) Run(ctx context.Context) error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("proxy: socket: %w", err)
	}
	defer unix.Close(fd)
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("proxy: setsockopt: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: e.port}); err != nil {
		return fmt.Errorf("proxy: bind :%d: %w", e.port, err)
	}
	if err := unix.Listen(fd, 1); err != nil {
		return fmt.Errorf("proxy: listen :%d: %w", e.port, err)
	}
	e.listenFd = fd
	e.logger.Logf("INFO", "Listening on port %d", e.port)
	e.zlog.Infow("proxy listening", "port", e.port)

	defer e.closeSession("shutting down")

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if err := e.tick(); err != nil {
			return err
		}
	}
}

func (e *Engine) tick() error {
	var set unix.FdSet
	fdZero(&set)
	fdSet(e.listenFd, &set)
	maxFd := e.listenFd
	if e.session != nil {
		fdSet(e.session.conn.Fd(), &set)
		if e.session.conn.Fd() > maxFd {
			maxFd = e.session.conn.Fd()
		}
	}
	serialFd := e.device.Fd()
	if serialFd >= 0 {
		fdSet(serialFd, &set)
		if serialFd > maxFd {
			maxFd = serialFd
		}
	}

	tv := unix.NsecToTimeval(pollInterval.Nanoseconds())
	n, err := unix.Select(maxFd+1, &set, nil, nil, &tv)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return fmt.Errorf("proxy: select: %w", err)
	}
	if n == 0 {
		return nil
	}

	if fdIsSet(e.listenFd, &set) {
		e.acceptClient()
	}
	if e.session != nil && fdIsSet(e.session.conn.Fd(), &set) {
		e.readClient()
	}
	if serialFd >= 0 && fdIsSet(serialFd, &set) {
		e.readSerial()
	}
	return nil
}

func (e *Engine) acceptClient() {
	fd, sa, err := unix.Accept(e.listenFd)
	if err != nil {
		e.zlog.Warnw("accept failed", "error", err)
		return
	}
	e.adoptSession(fdConn(fd), sockaddrString(sa))
}

func sockaddrString(sa unix.Sockaddr) string {
	if in4, ok := sa.(*unix.SockaddrInet4); ok {
		return fmt.Sprintf("%d.%d.%d.%d:%d", in4.Addr[0], in4.Addr[1], in4.Addr[2], in4.Addr[3], in4.Port)
	}
	return "unknown"
}

// adoptSession installs conn as the current client session, pre-empting
// (and logging the loss of) whatever session was previously active.
func (e *Engine) adoptSession(conn clientConn, remote string) {
	if e.session != nil {
		e.closeSession("new connection preempted this session")
	}
	id := uuid.NewString()
	e.session = &session{id: id, conn: conn, remote: remote}
	e.parser = frame.Parser{}
	e.logger.Logf("INFO", "Client connected from %s", remote)
	e.zlog.Infow("client connected", "session", id, "remote", remote)
}

func (e *Engine) closeSession(reason string) {
	if e.session == nil {
		return
	}
	e.session.conn.Close()
	e.logger.Logf("INFO", "Client disconnected (%s)", reason)
	e.zlog.Infow("client disconnected", "session", e.session.id, "reason", reason)
	e.session = nil
}

func (e *Engine) readClient() {
	buf := make([]byte, readBufSize)
	n, err := e.session.conn.Read(buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return
		}
		e.closeSession("read error: " + err.Error())
		return
	}
	if n == 0 {
		e.closeSession("client closed connection")
		return
	}
	e.zlog.Debugw(base.LogHex("client", buf[:n]))
	e.handleClientBytes(buf[:n])
}

// handleClientBytes feeds raw client bytes through the frame codec,
// applies any control events, and forwards decoded application data to
// the serial device. Split out from readClient so tests can drive it
// without a real socket.
func (e *Engine) handleClientBytes(b []byte) {
	res := e.parser.Feed(b)
	if len(res.Replies) > 0 {
		e.writeToClient(res.Replies)
	}
	for _, ev := range res.Events {
		e.handleControlEvent(ev)
	}
	if len(res.AppData) > 0 {
		if _, err := e.device.Write(res.AppData); err != nil {
			e.zlog.Warnw("serial write failed", "error", err)
			return
		}
		e.logger.LogData("TX", res.AppData)
	}
}

func (e *Engine) readSerial() {
	buf := make([]byte, readBufSize)
	n, err := e.device.Read(buf)
	if err != nil || n == 0 {
		return
	}
	data := buf[:n]
	e.zlog.Debugw(base.LogHex("serial", data))
	e.logger.LogData("RX", data)
	if e.session != nil {
		e.writeToClient(frame.EncodeAppData(data))
	}
}

func (e *Engine) writeToClient(b []byte) {
	if e.session == nil {
		return
	}
	if _, err := e.session.conn.Write(b); err != nil {
		e.zlog.Warnw("client write failed", "error", err)
	}
}

// handleControlEvent applies one COM-Port-Option subnegotiation to the
// serial device and replies with subcmd+100, matching RFC 2217 section 3.
func (e *Engine) handleControlEvent(ev frame.ControlEvent) {
	if ev.Malformed {
		e.zlog.Debugw("skipping malformed subnegotiation", "event", ev.String())
		return
	}
	respCmd := ev.Subcmd + 100

	switch ev.Subcmd {
	case frame.SetBaudrate:
		if rate := int(binary.BigEndian.Uint32(ev.Payload)); rate > 0 {
			e.cfg.BaudRate = rate
			e.applyConfig()
			e.logger.Logf("INFO", "Baudrate changed to %d", rate)
		}
		out := make([]byte, 4)
		binary.BigEndian.PutUint32(out, uint32(e.cfg.BaudRate))
		e.writeToClient(frame.EncodeReply(respCmd, out))

	case frame.SetDatasize:
		if ds := int(ev.Payload[0]); ds >= 5 && ds <= 8 {
			e.cfg.DataBits = ds
			e.applyConfig()
			e.logger.Logf("INFO", "Data size changed to %d", ds)
		}
		e.writeToClient(frame.EncodeReply(respCmd, []byte{byte(e.cfg.DataBits)}))

	case frame.SetParity:
		if p := int(ev.Payload[0]); p >= base.SerialNoParity && p <= base.SerialSpaceParity {
			e.cfg.Parity = p
			e.applyConfig()
			e.logger.Logf("INFO", "Parity changed to %d", p)
		}
		e.writeToClient(frame.EncodeReply(respCmd, []byte{byte(e.cfg.Parity)}))

	case frame.SetStopsize:
		if sb := int(ev.Payload[0]); sb >= base.SerialOneStopBit && sb <= base.SerialOneAndHalfStopBits {
			e.cfg.StopBits = sb
			e.applyConfig()
			e.logger.Logf("INFO", "Stop bits changed to %d", sb)
		}
		e.writeToClient(frame.EncodeReply(respCmd, []byte{byte(e.cfg.StopBits)}))

	case frame.SetControl:
		e.handleSetControl(ev.Payload[0], respCmd)

	case frame.SetLinestateMask, frame.SetModemstateMask:
		e.writeToClient(frame.EncodeReply(respCmd, ackPayload(ev.Payload)))

	default:
		e.writeToClient(frame.EncodeReply(respCmd, ackPayload(ev.Payload)))
	}
}

func ackPayload(payload []byte) []byte {
	if len(payload) == 0 {
		return []byte{0}
	}
	return payload
}

// Control values for SET_CONTROL, RFC 2217 section 3's "Purpose" 8-13.
const (
	controlDTROn  = 8
	controlDTROff = 9
	controlRTSOn  = 11
	controlRTSOff = 12
)

func (e *Engine) handleSetControl(control byte, respCmd byte) {
	switch control {
	case controlDTROn, controlDTROff:
		on := control == controlDTROn
		e.cfg.DTR = on
		if err := e.device.SetDTR(on); err != nil {
			e.zlog.Warnw("set DTR failed", "error", err)
		}
		e.logger.Logf("INFO", "DTR %s", onOff(on))
		e.writeToClient(frame.EncodeReply(respCmd, []byte{control}))
	case controlRTSOn, controlRTSOff:
		on := control == controlRTSOn
		e.cfg.RTS = on
		if err := e.device.SetRTS(on); err != nil {
			e.zlog.Warnw("set RTS failed", "error", err)
		}
		e.logger.Logf("INFO", "RTS %s", onOff(on))
		e.writeToClient(frame.EncodeReply(respCmd, []byte{control}))
	default:
		e.writeToClient(frame.EncodeReply(respCmd, []byte{control}))
	}
}

func (e *Engine) applyConfig() {
	if err := e.device.ApplyConfig(e.cfg); err != nil {
		e.zlog.Warnw("apply serial config failed", "error", err)
	}
}

func onOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}
