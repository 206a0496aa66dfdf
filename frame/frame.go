// Package frame implements the Telnet/RFC 2217 byte-stream codec that sits
// between a raw TCP connection and the Proxy Engine: it separates plain
// application bytes bound for the serial port from IAC-introduced option
// negotiation and COM-Port-Option subnegotiation traffic, and it builds the
// outgoing subnegotiation replies the Proxy Engine hands back to the client.
package frame

import "fmt"

// Telnet command bytes, RFC 854/1073/2217.
const (
	SE   = 0xF0
	SB   = 0xFA
	WILL = 0xFB
	WONT = 0xFC
	DO   = 0xFD
	DONT = 0xFE
	IAC  = 0xFF
)

// ComPortOption is the Telnet option number registered for RFC 2217.
const ComPortOption = 44

// COM-Port-Option subnegotiation commands, RFC 2217 section 3. Server
// responses echo the same command plus 100.
const (
	SetBaudrate      = 1
	SetDatasize      = 2
	SetParity        = 3
	SetStopsize      = 4
	SetControl       = 5
	SetLinestateMask = 10
	SetModemstateMask = 11
)

// ControlEvent is a fully received COM-Port-Option subnegotiation, handed to
// the Proxy Engine for interpretation.
type ControlEvent struct {
	Subcmd    byte
	Payload   []byte
	Malformed bool
}

func (e ControlEvent) String() string {
	return fmt.Sprintf("subcmd=%d payload=% x malformed=%v", e.Subcmd, e.Payload, e.Malformed)
}

type mode int

const (
	modeData mode = iota
	modeIAC
	modeNegotiate
	modeSBOption
	modeSBBody
	modeSBBodyIAC
)

// Parser holds the incremental state needed to resume parsing across
// arbitrary read-boundary splits. The zero value is ready to use.
type Parser struct {
	mode         mode
	negotiateCmd byte
	subOption    byte
	trackBody    bool
	subBuf       []byte
}

// FeedResult is the decoded output of one Feed call.
type FeedResult struct {
	// AppData is application payload to forward to the serial port,
	// with escaped 0xFF bytes already collapsed to a single 0xFF.
	AppData []byte
	// Events are completed COM-Port-Option subnegotiations.
	Events []ControlEvent
	// Replies are ready-to-write bytes answering plain option
	// negotiation (IAC DO/WILL COM_PORT_OPTION); the codec answers
	// these itself since they carry no serial-port semantics.
	Replies []byte
}

// Feed consumes one chunk of bytes read off the client connection and
// returns the decoded application data, any completed subnegotiations, and
// any automatic negotiation replies. It may be called repeatedly with
// arbitrarily small or large chunks; a subnegotiation or option command
// split across calls resumes correctly on the next Feed.
func (p *Parser) Feed(data []byte) FeedResult {
	var out FeedResult
	for _, b := range data {
		p.step(b, &out)
	}
	return out
}

func (p *Parser) step(b byte, out *FeedResult) {
	switch p.mode {
	case modeData:
		if b == IAC {
			p.mode = modeIAC
		} else {
			out.AppData = append(out.AppData, b)
		}

	case modeIAC:
		switch b {
		case IAC:
			out.AppData = append(out.AppData, 0xFF)
			p.mode = modeData
		case SB:
			p.mode = modeSBOption
		case DO, DONT, WILL, WONT:
			p.negotiateCmd = b
			p.mode = modeNegotiate
		default:
			// Stray SE, NOP, AYT, or other single-byte command:
			// nothing for this codec to do with it.
			p.mode = modeData
		}

	case modeNegotiate:
		opt := b
		p.mode = modeData
		if opt != ComPortOption {
			break
		}
		switch p.negotiateCmd {
		case DO:
			out.Replies = append(out.Replies, IAC, WILL, ComPortOption)
		case WILL:
			out.Replies = append(out.Replies, IAC, DO, ComPortOption)
		}

	case modeSBOption:
		p.subOption = b
		p.trackBody = b == ComPortOption
		p.subBuf = p.subBuf[:0]
		p.mode = modeSBBody

	case modeSBBody:
		if b == IAC {
			p.mode = modeSBBodyIAC
		} else if p.trackBody {
			p.subBuf = append(p.subBuf, b)
		}

	case modeSBBodyIAC:
		switch b {
		case IAC:
			if p.trackBody {
				p.subBuf = append(p.subBuf, 0xFF)
			}
			p.mode = modeSBBody
		case SE:
			if p.trackBody {
				out.Events = append(out.Events, decodeSubnegotiation(p.subBuf))
			}
			p.mode = modeData
		default:
			// Not a valid IAC-escape or terminator inside a
			// subnegotiation body. Abandon the subnegotiation and
			// reprocess b as a fresh command byte.
			p.mode = modeIAC
			p.step(b, out)
		}
	}
}

func decodeSubnegotiation(buf []byte) ControlEvent {
	if len(buf) == 0 {
		return ControlEvent{Malformed: true}
	}
	subcmd := buf[0]
	payload := append([]byte(nil), buf[1:]...)
	return ControlEvent{
		Subcmd:    subcmd,
		Payload:   payload,
		Malformed: len(payload) < minPayloadLen(subcmd),
	}
}

// minPayloadLen is the shortest payload RFC 2217 defines for subcmd; a
// shorter payload marks the event Malformed so the Proxy Engine can skip
// applying it. Subcommands not listed here (line/modem state masks and any
// option this proxy doesn't recognize) are opaque and have no minimum.
func minPayloadLen(subcmd byte) int {
	switch subcmd {
	case SetBaudrate:
		return 4
	case SetDatasize, SetParity, SetStopsize, SetControl:
		return 1
	default:
		return 0
	}
}

// EncodeAppData wraps outbound application bytes (serial -> client) for the
// Telnet stream, doubling any literal 0xFF per RFC 854.
func EncodeAppData(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for _, b := range data {
		if b == IAC {
			out = append(out, IAC)
		}
		out = append(out, b)
	}
	return out
}

// EncodeReply builds a COM-Port-Option subnegotiation carrying respCmd
// (normally the originating subcmd plus 100) and payload, escaping any
// literal 0xFF in payload.
func EncodeReply(respCmd byte, payload []byte) []byte {
	out := make([]byte, 0, len(payload)+6)
	out = append(out, IAC, SB, ComPortOption, respCmd)
	for _, b := range payload {
		if b == IAC {
			out = append(out, IAC)
		}
		out = append(out, b)
	}
	out = append(out, IAC, SE)
	return out
}
