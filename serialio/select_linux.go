package serialio

import "golang.org/x/sys/unix"

// fdSet/fdIsSet are missing from golang.org/x/sys/unix (FdSet is a plain
// bitmask struct there), so the one bit operation the write-deadline
// check needs lives here, mirroring the proxy package's readiness loop.

const fdSetBitsPerWord = 64

func fdZero(set *unix.FdSet) {
	for i := range set.Bits {
		set.Bits[i] = 0
	}
}

func fdSet(fd int, set *unix.FdSet) {
	set.Bits[fd/fdSetBitsPerWord] |= 1 << (uint(fd) % fdSetBitsPerWord)
}
