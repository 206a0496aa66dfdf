package serialio

import (
	ioctl "github.com/daedaluz/goioctl"
)

// ioctl request numbers this adapter issues. TCGETS2/TCSETS2 are computed
// the same way the reference serial driver computes them: 'T' type,
// termios2-sized payload.
var (
	tcgets2 = ioctl.IOR('T', 0x2A, termios2Size)
	tcsets2 = ioctl.IOW('T', 0x2B, termios2Size)

	tiocmget = uintptr(0x5415)
	tiocmbis = uintptr(0x5416)
	tiocmbic = uintptr(0x5417)
)

// Modem control line bits, TIOCM_*.
const (
	tiocmDTR = uint32(0x002)
	tiocmRTS = uint32(0x004)
)
