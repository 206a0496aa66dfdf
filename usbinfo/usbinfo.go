// Package usbinfo resolves a tty device node to the USB attributes sysfs
// exposes for it, so the rest of the system can name a device by what it
// is rather than by its kernel-assigned tty number.
package usbinfo

import (
	"os"
	"path/filepath"
	"strings"
)

// DeviceInfo is the subset of sysfs USB device attributes the Device
// Logger uses to derive a stable, human-meaningful name.
type DeviceInfo struct {
	Product      string
	Serial       string
	Manufacturer string
}

// sysfsRoot is overridden by tests to point at a scratch directory
// instead of the real /sys.
var sysfsRoot = "/sys"

// maxWalkUp bounds how many parent directories Lookup will climb looking
// for the device's own attribute files; five covers the deepest USB
// hub-chain -> tty-port -> usb-interface -> usb-device path seen in
// practice.
const maxWalkUp = 5

// Lookup reads /sys/class/tty/<basename(devicePath)>/device and its
// ancestors for product/serial/manufacturer attribute files. A device
// with no sysfs entry (not a real USB serial adapter, or sysfs
// unavailable) yields a zero-value DeviceInfo and a nil error: the
// absence of USB metadata is not a failure, it's the expected case for
// non-USB ttys.
func Lookup(devicePath string) (DeviceInfo, error) {
	var info DeviceInfo
	ttyName := filepath.Base(devicePath)
	classLink := filepath.Join(sysfsRoot, "class", "tty", ttyName, "device")

	target, err := filepath.EvalSymlinks(classLink)
	if err != nil {
		return info, nil
	}

	dir := target
	for i := 0; i < maxWalkUp; i++ {
		dir = filepath.Dir(dir)
		if fileExists(filepath.Join(dir, "product")) {
			break
		}
	}

	info.Product = readAttr(dir, "product")
	info.Serial = readAttr(dir, "serial")
	info.Manufacturer = readAttr(dir, "manufacturer")
	return info, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func readAttr(dir, name string) string {
	b, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}
