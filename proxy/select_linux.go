package proxy

import "golang.org/x/sys/unix"

// fdSet/fdIsSet are missing from golang.org/x/sys/unix (FdSet is a plain
// bitmask struct there), so the handful of bit operations the readiness
// loop needs live here.

const fdSetBitsPerWord = 64

func fdZero(set *unix.FdSet) {
	for i := range set.Bits {
		set.Bits[i] = 0
	}
}

func fdSet(fd int, set *unix.FdSet) {
	set.Bits[fd/fdSetBitsPerWord] |= 1 << (uint(fd) % fdSetBitsPerWord)
}

func fdIsSet(fd int, set *unix.FdSet) bool {
	return set.Bits[fd/fdSetBitsPerWord]&(1<<(uint(fd)%fdSetBitsPerWord)) != 0
}
