package serialio

import "unsafe"

// Subset of the Linux termios control-flag bits this adapter touches.
// Octal values match <asm-generic/termbits.h>.
const (
	cs5    = uint32(0000000)
	cs6    = uint32(0000020)
	cs7    = uint32(0000040)
	cs8    = uint32(0000060)
	csize  = uint32(0000060)
	cstopb = uint32(0000100)
	cread  = uint32(0000200)
	parenb = uint32(0000400)
	parodd = uint32(0001000)
	clocal = uint32(0004000)
	cmspar = uint32(010000000000)

	cbaud  = uint32(0010017)
	bother = uint32(0010000)

	ignbrk = uint32(0000001)
	brkint = uint32(0000002)
	parmrk = uint32(0000010)
	istrip = uint32(0000040)
	inlcr  = uint32(0000100)
	igncr  = uint32(0000200)
	icrnl  = uint32(0000400)
	ixon   = uint32(0002000)

	opost = uint32(0000001)

	echo   = uint32(0000010)
	echonl = uint32(0000100)
	icanon = uint32(0000002)
	isig   = uint32(0000001)
	iexten = uint32(0100000)
)

// fixedBaudCflags maps a subset of standard POSIX rates to the CBAUD value
// that selects them without resorting to BOTHER. Rates outside this table
// go through setCustomSpeed instead.
var fixedBaudCflags = map[int]uint32{
	50:      0000001,
	75:      0000002,
	110:     0000003,
	134:     0000004,
	150:     0000005,
	200:     0000006,
	300:     0000007,
	600:     0000010,
	1200:    0000011,
	1800:    0000012,
	2400:    0000013,
	4800:    0000014,
	9600:    0000015,
	19200:   0000016,
	38400:   0000017,
	57600:   0010001,
	115200:  0010002,
	230400:  0010003,
	460800:  0010004,
	500000:  0010005,
	576000:  0010006,
	921600:  0010007,
	1000000: 0010010,
	1152000: 0010011,
	1500000: 0010012,
	2000000: 0010013,
	2500000: 0010014,
	3000000: 0010015,
	3500000: 0010016,
	4000000: 0010017,
}

// termios2 mirrors struct termios2 from <asm-generic/termbits.h>, the
// kernel ABI that TCGETS2/TCSETS2 operate on. Unlike the glibc-level
// struct termios that golang.org/x/sys/unix.Termios models, this one
// carries real Ispeed/Ospeed fields the kernel honors when Cflag has
// BOTHER set, which is how arbitrary (non-table) baud rates are set.
type termios2 struct {
	Iflag  uint32
	Oflag  uint32
	Cflag  uint32
	Lflag  uint32
	Line   byte
	Cc     [19]byte
	ISpeed uint32
	OSpeed uint32
}

func (t *termios2) makeRaw() {
	t.Iflag &^= ignbrk | brkint | parmrk | istrip | inlcr | igncr | icrnl | ixon
	t.Oflag &^= opost
	t.Lflag &^= echo | echonl | icanon | isig | iexten
	t.Cflag &^= csize | parenb
	t.Cflag |= cs8 | cread | clocal
}

func (t *termios2) setDataBits(n int) {
	t.Cflag &^= csize
	switch n {
	case 5:
		t.Cflag |= cs5
	case 6:
		t.Cflag |= cs6
	case 7:
		t.Cflag |= cs7
	default:
		t.Cflag |= cs8
	}
}

// setParityMode applies one of base.Serial{No,Odd,Even,Mark,Space}Parity.
// Mark and space parity reuse CMSPAR alongside PARODD/PARENB, matching how
// Linux exposes them since there is no dedicated mask/space bit.
func (t *termios2) setParityMode(mode int) {
	t.Cflag &^= parenb | parodd | cmspar
	switch mode {
	case 2: // SerialOddParity
		t.Cflag |= parenb | parodd
	case 3: // SerialEvenParity
		t.Cflag |= parenb
	case 4: // SerialMarkParity
		t.Cflag |= parenb | parodd | cmspar
	case 5: // SerialSpaceParity
		t.Cflag |= parenb | cmspar
	default: // SerialNoParity
	}
}

func (t *termios2) setStopBits(two bool) {
	if two {
		t.Cflag |= cstopb
	} else {
		t.Cflag &^= cstopb
	}
}

func (t *termios2) setFixedSpeed(cflagBits uint32) {
	t.Cflag &^= cbaud
	t.Cflag |= cflagBits
}

func (t *termios2) setCustomSpeed(rate uint32) {
	t.Cflag &^= cbaud
	t.Cflag |= bother
	t.ISpeed = rate
	t.OSpeed = rate
}

var termios2Size = unsafe.Sizeof(termios2{})
