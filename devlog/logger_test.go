package devlog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sensorsiot/rfc2217portal/usbinfo"
)

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(b)
}

func TestDeriveDeviceName_PrefersProductAndSerial(t *testing.T) {
	name := deriveDeviceName("ttyUSB0", usbinfo.DeviceInfo{Product: "USB Serial", Serial: "AB12CD34EF56"})
	require.Equal(t, "USB_Serial_AB12CD34EF", name) // serial truncated to 10
}

func TestDeriveDeviceName_ProductOnly(t *testing.T) {
	require.Equal(t, "FTDI_Adapter", deriveDeviceName("ttyUSB0", usbinfo.DeviceInfo{Product: "FTDI Adapter"}))
}

func TestDeriveDeviceName_SerialOnly(t *testing.T) {
	require.Equal(t, "AB12CD34", deriveDeviceName("ttyUSB0", usbinfo.DeviceInfo{Serial: "AB12CD34"}))
}

func TestDeriveDeviceName_FallsBackToHintStrippingDevPrefix(t *testing.T) {
	require.Equal(t, "ttyUSB0", deriveDeviceName("dev_ttyUSB0", usbinfo.DeviceInfo{}))
}

func TestDeriveDeviceName_EmptyEverythingFallsBackToSerial(t *testing.T) {
	require.Equal(t, "serial", deriveDeviceName("", usbinfo.DeviceInfo{}))
}

func TestNew_WritesOpenBanner(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir, "ttyUSB0", usbinfo.DeviceInfo{})
	require.NoError(t, err)
	defer l.Close()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	content := readFile(t, filepath.Join(dir, entries[0].Name()))
	require.Contains(t, content, "=== Log opened for ttyUSB0 ===")
}

func TestLogData_SplitsLinesAndSkipsBlank(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir, "ttyUSB0", usbinfo.DeviceInfo{})
	require.NoError(t, err)
	defer l.Close()

	l.LogData("RX", []byte("line one\n\nline two\r\n"))

	entries, _ := os.ReadDir(dir)
	content := readFile(t, filepath.Join(dir, entries[0].Name()))
	require.Contains(t, content, "[RX] line one")
	require.Contains(t, content, "[RX] line two")
}

func TestLogData_EscapesNonPrintableBytes(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir, "ttyUSB0", usbinfo.DeviceInfo{})
	require.NoError(t, err)
	defer l.Close()

	l.LogData("RX", []byte{0x01, 'h', 'i'})

	entries, _ := os.ReadDir(dir)
	content := readFile(t, filepath.Join(dir, entries[0].Name()))
	require.Contains(t, content, `\x01hi`)
}

func TestLogData_InvalidUTF8DoesNotCrashAndIsReadable(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir, "ttyUSB0", usbinfo.DeviceInfo{})
	require.NoError(t, err)
	defer l.Close()

	l.LogData("RX", []byte{0xFF, 0xFE, 'o', 'k'})

	entries, _ := os.ReadDir(dir)
	content := readFile(t, filepath.Join(dir, entries[0].Name()))
	require.Contains(t, content, "ok")
}

func TestRotate_NewDayOpensNewFile(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir, "ttyUSB0", usbinfo.DeviceInfo{})
	require.NoError(t, err)
	defer l.Close()

	day1, _ := os.ReadDir(dir)
	require.Len(t, day1, 1)

	l.now = func() time.Time { return time.Now().AddDate(0, 0, 1) }
	l.Logf("INFO", "tomorrow")

	day2, _ := os.ReadDir(dir)
	require.Len(t, day2, 2)
}
