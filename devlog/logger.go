// Package devlog is the per-device traffic logger: one append-only, daily
// rotating text file per serial device, with RX/TX/INFO lines timestamped
// to the millisecond and binary payloads rendered as escaped UTF-8 rather
// than raw bytes.
package devlog

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	stdunicode "unicode"

	xunicode "golang.org/x/text/encoding/unicode"

	"github.com/sensorsiot/rfc2217portal/usbinfo"
)

const timestampLayout = "2006-01-02 15:04:05.000"

// Logger writes one line-buffered log file per calendar day for a single
// serial device.
type Logger struct {
	mu         sync.Mutex
	dir        string
	deviceName string
	now        func() time.Time

	date string
	file *os.File
	w    *bufio.Writer
}

// New opens (creating if needed) today's log file for device, whose
// display name is derived from hint (normally the device node path, e.g.
// /dev/ttyUSB0) and any
// USB attributes sysfs reported for it.
func New(dir, hint string, info usbinfo.DeviceInfo) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("devlog: %w", err)
	}
	l := &Logger{
		dir:        dir,
		deviceName: deriveDeviceName(hint, info),
		now:        time.Now,
	}
	if err := l.rotateLocked(); err != nil {
		return nil, err
	}
	l.writeLineLocked("INFO", fmt.Sprintf("=== Log opened for %s ===", l.deviceName))
	return l, nil
}

// deriveDeviceName builds the log file's device label the way the
// original proxy does: prefer "<product>_<serial>" (each side truncated
// and sanitized), fall back to whichever of the two is present, and
// finally fall back to the hint with slashes turned into underscores and
// the leading "_" and "dev_" stripped ("/dev/ttyUSB0" becomes "ttyUSB0").
// If every source is empty, the device has no nameable identity at all,
// so the logger falls back to the literal "serial" rather than writing to
// an empty filename.
func deriveDeviceName(hint string, info usbinfo.DeviceInfo) string {
	product := sanitizeLabel(info.Product, 20)
	serial := sanitizeLabel(info.Serial, 10)

	var name string
	switch {
	case product != "" && serial != "":
		name = product + "_" + serial
	case product != "":
		name = product
	case serial != "":
		name = serial
	default:
		name = strings.TrimPrefix(strings.TrimLeft(strings.ReplaceAll(hint, "/", "_"), "_"), "dev_")
	}
	if name == "" {
		return "serial"
	}
	return name
}

func sanitizeLabel(s string, maxLen int) string {
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.ReplaceAll(s, "/", "_")
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

func (l *Logger) rotateLocked() error {
	today := l.now().Format("2006-01-02")
	if today == l.date && l.file != nil {
		return nil
	}
	if l.w != nil {
		l.w.Flush()
	}
	if l.file != nil {
		l.file.Close()
	}
	l.date = today
	path := filepath.Join(l.dir, fmt.Sprintf("%s_%s.log", l.deviceName, today))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("devlog: open %s: %w", path, err)
	}
	l.file = f
	l.w = bufio.NewWriter(f)
	return nil
}

func (l *Logger) writeLineLocked(direction, message string) {
	ts := l.now().Format(timestampLayout)
	fmt.Fprintf(l.w, "[%s] [%s] %s\n", ts, direction, message)
	l.w.Flush()
}

// Logf writes a single formatted INFO/control-plane line, e.g. port open
// or close banners.
func (l *Logger) Logf(direction, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rotateLocked()
	l.writeLineLocked(direction, fmt.Sprintf(format, args...))
}

// utf8Decoder decodes arbitrary bytes as UTF-8, substituting the Unicode
// replacement character for anything that isn't valid UTF-8 rather than
// failing the whole payload the way a strict decode would.
var utf8Decoder = xunicode.UTF8.NewDecoder()

// LogData renders data as one log line per non-blank text line, escaping
// any rune that isn't printable (and isn't a newline, carriage return, or
// tab) as \xHH. Traffic that happens to be binary still produces a
// readable log instead of a decode failure, because invalid byte
// sequences are substituted with the Unicode replacement character before
// the escaping pass runs.
func (l *Logger) LogData(direction string, data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rotateLocked()

	text, err := utf8Decoder.String(string(data))
	if err != nil {
		l.writeLineLocked(direction, fmt.Sprintf("HEX: %x", data))
		return
	}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		l.writeLineLocked(direction, escapeNonPrintable(line))
	}
}

func escapeNonPrintable(s string) string {
	var sb strings.Builder
	for _, r := range s {
		if stdunicode.IsPrint(r) || r == '\n' || r == '\r' || r == '\t' {
			sb.WriteRune(r)
		} else {
			fmt.Fprintf(&sb, "\\x%02x", r)
		}
	}
	return sb.String()
}

// Close writes a closing banner and releases the underlying file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writeLineLocked("INFO", "=== Log closed ===")
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
