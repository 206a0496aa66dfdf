// Package serialio is the Serial Port Adapter: it owns the character
// device file descriptor, translates RFC 2217 line-control values into
// termios2 ioctls, and exposes the raw, non-buffering Read/Write/Fd trio
// the Proxy Engine multiplexes over with its own readiness poll.
package serialio

import (
	"fmt"
	"sync"
	"syscall"
	"time"
	"unsafe"

	ioctl "github.com/daedaluz/goioctl"
	"golang.org/x/sys/unix"

	"github.com/sensorsiot/rfc2217portal/base"
)

// writeTimeout bounds how long Write waits for the tty to become
// writable before giving up, matching the reference proxy's
// write_timeout=1 serial configuration.
const writeTimeout = time.Second

// OpenError wraps a failure to open or initialize the underlying device
// node, distinguishing it from a runtime I/O error on an already-open port.
type OpenError struct {
	Path string
	Err  error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("serialio: open %s: %v", e.Path, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

// Port is a serial device opened in raw mode. All exported methods are
// safe for concurrent use; ApplyConfig and the modem-line setters take a
// write lock so a config change can't interleave with another config
// change, while Read/Write/Fd only need the fd itself to stay stable.
type Port struct {
	path string
	fd   int

	mu     sync.RWMutex
	closed bool
}

// Open opens path in non-controlling, raw, read-write mode and applies
// cfg as the initial line configuration.
func Open(path string, cfg base.Config) (*Port, error) {
	fd, err := syscall.Open(path, syscall.O_RDWR|syscall.O_NOCTTY|syscall.O_NONBLOCK, 0)
	if err != nil {
		return nil, &OpenError{Path: path, Err: err}
	}
	// Clear O_NONBLOCK once open: the device is multiplexed by the
	// caller's own readiness poll, not by non-blocking reads.
	if _, _, errno := syscall.Syscall(syscall.SYS_FCNTL, uintptr(fd), syscall.F_SETFL, 0); errno != 0 {
		syscall.Close(fd)
		return nil, &OpenError{Path: path, Err: errno}
	}
	p := &Port{path: path, fd: fd}
	if err := p.ApplyConfig(cfg); err != nil {
		syscall.Close(fd)
		return nil, &OpenError{Path: path, Err: err}
	}
	return p, nil
}

func (p *Port) getAttr() (*termios2, error) {
	t := &termios2{}
	if err := ioctl.Ioctl(uintptr(p.fd), tcgets2, uintptr(unsafe.Pointer(t))); err != nil {
		return nil, err
	}
	return t, nil
}

func (p *Port) setAttr(t *termios2) error {
	return ioctl.Ioctl(uintptr(p.fd), tcsets2, uintptr(unsafe.Pointer(t)))
}

// ApplyConfig pushes baud rate, data bits, parity, stop bits, and the
// requested DTR/RTS levels to the device. It is the single entry point
// the Proxy Engine calls from every SET_* subnegotiation handler, so a
// client can renegotiate one knob at a time without disturbing the rest.
func (p *Port) ApplyConfig(cfg base.Config) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return base.ErrClosed
	}
	t, err := p.getAttr()
	if err != nil {
		return err
	}
	t.makeRaw()
	if bits, ok := fixedBaudCflags[cfg.BaudRate]; ok {
		t.setFixedSpeed(bits)
	} else {
		t.setCustomSpeed(uint32(cfg.BaudRate))
	}
	t.setDataBits(cfg.DataBits)
	t.setParityMode(cfg.Parity)
	t.setStopBits(cfg.StopBits == base.SerialTwoStopBits)
	if err := p.setAttr(t); err != nil {
		return err
	}
	return p.setModemLinesLocked(cfg.DTR, cfg.RTS)
}

func (p *Port) setModemLinesLocked(dtr, rts bool) error {
	var set, clear uint32
	if dtr {
		set |= tiocmDTR
	} else {
		clear |= tiocmDTR
	}
	if rts {
		set |= tiocmRTS
	} else {
		clear |= tiocmRTS
	}
	if set != 0 {
		if err := ioctl.Ioctl(uintptr(p.fd), tiocmbis, uintptr(unsafe.Pointer(&set))); err != nil {
			return err
		}
	}
	if clear != 0 {
		if err := ioctl.Ioctl(uintptr(p.fd), tiocmbic, uintptr(unsafe.Pointer(&clear))); err != nil {
			return err
		}
	}
	return nil
}

// SetDTR raises or lowers DTR without touching any other line-control
// setting.
func (p *Port) SetDTR(on bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return base.ErrClosed
	}
	var bit = tiocmDTR
	req := tiocmbic
	if on {
		req = tiocmbis
	}
	return ioctl.Ioctl(uintptr(p.fd), req, uintptr(unsafe.Pointer(&bit)))
}

// SetRTS raises or lowers RTS without touching any other line-control
// setting.
func (p *Port) SetRTS(on bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return base.ErrClosed
	}
	var bit = tiocmRTS
	req := tiocmbic
	if on {
		req = tiocmbis
	}
	return ioctl.Ioctl(uintptr(p.fd), req, uintptr(unsafe.Pointer(&bit)))
}

// ModemLines reports the live state of CTS/DSR/CD/RI, the lines the
// RFC 2217 modem-state mask reports back to the client.
func (p *Port) ModemLines() (cts, dsr, cd, ri bool, err error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false, false, false, false, base.ErrClosed
	}
	var bits uint32
	if err := ioctl.Ioctl(uintptr(p.fd), tiocmget, uintptr(unsafe.Pointer(&bits))); err != nil {
		return false, false, false, false, err
	}
	const (
		tiocmCTS = 0x020
		tiocmDSR = 0x100
		tiocmCAR = 0x040
		tiocmRNG = 0x080
	)
	return bits&tiocmCTS != 0, bits&tiocmDSR != 0, bits&tiocmCAR != 0, bits&tiocmRNG != 0, nil
}

// Read performs one blocking read syscall. Callers are expected to have
// already established readiness (e.g. via a Fd()-based select loop).
func (p *Port) Read(b []byte) (int, error) {
	p.mu.RLock()
	fd := p.fd
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return 0, base.ErrClosed
	}
	return syscall.Read(fd, b)
}

// Write waits up to writeTimeout for the device to become writable, then
// performs one blocking write syscall. A flow-controlled or wedged tty
// that never becomes writable returns base.ErrCommunicationTimeout
// instead of hanging the caller's single-threaded readiness loop.
func (p *Port) Write(b []byte) (int, error) {
	p.mu.RLock()
	fd := p.fd
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return 0, base.ErrClosed
	}
	writable, err := waitWritable(fd, writeTimeout)
	if err != nil {
		return 0, err
	}
	if !writable {
		return 0, base.ErrCommunicationTimeout
	}
	return syscall.Write(fd, b)
}

// waitWritable blocks until fd is ready for writing or timeout elapses.
func waitWritable(fd int, timeout time.Duration) (bool, error) {
	var set unix.FdSet
	fdZero(&set)
	fdSet(fd, &set)
	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	n, err := unix.Select(fd+1, nil, &set, nil, &tv)
	if err != nil {
		if err == unix.EINTR {
			return false, nil
		}
		return false, err
	}
	return n > 0, nil
}

// Fd returns the underlying file descriptor for use in a readiness poll.
// It returns -1 once the port is closed.
func (p *Port) Fd() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return -1
	}
	return p.fd
}

// Path returns the device node path the port was opened from.
func (p *Port) Path() string { return p.path }

// Close closes the underlying file descriptor. Close is idempotent: a
// second call returns base.ErrClosed rather than re-closing the fd.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return base.ErrClosed
	}
	p.closed = true
	return syscall.Close(p.fd)
}
