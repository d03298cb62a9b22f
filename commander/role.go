package commander

import "strconv"

// Role parameterizes the four behavioral differences between an accepted
// (Service) connection and an outbound (Bot) one: who initiates the
// handshake, what an inbound heartbeat means, the Pulse's effective limit,
// and which dispatch table inbound Commands/Requests consult.
type Role int

const (
	Service Role = iota
	Bot
)

func (r Role) String() string {
	if r == Bot {
		return "bot"
	}
	return "service"
}

// DisconnectReason is reported upward exactly once per connection, on
// explicit kick/timeout/shutdown events and on transport close.
type DisconnectReason int

const (
	Normal DisconnectReason = iota
	Timeout
	HandshakeFailed
	ServerDown
	Unknown
)

func (r DisconnectReason) String() string {
	switch r {
	case Normal:
		return "Normal"
	case Timeout:
		return "Timeout"
	case HandshakeFailed:
		return "Handshake"
	case ServerDown:
		return "ServerDown"
	default:
		return "Unknown"
	}
}

// encodeReason renders a reason as its decimal textual representation —
// the wire format the Kick block body carries (spec §9: fixed as decimal
// digits, not a raw enum byte).
func encodeReason(r DisconnectReason) []byte {
	return []byte(strconv.Itoa(int(r)))
}

// decodeReason parses a Kick body back into a DisconnectReason, falling
// back to Unknown for anything that doesn't parse.
func decodeReason(body []byte) DisconnectReason {
	n, err := strconv.Atoi(string(body))
	if err != nil {
		return Unknown
	}
	switch DisconnectReason(n) {
	case Normal, Timeout, HandshakeFailed, ServerDown, Unknown:
		return DisconnectReason(n)
	default:
		return Unknown
	}
}
