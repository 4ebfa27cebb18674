package wire

// Signal is a protocol-violation or control condition raised inside the
// transport pipeline. Signals are classified separately from ordinary
// errors: a connection that raised one is in an unknown framing state
// and must be torn down rather than recovered.
type Signal struct {
	name string
}

func (s *Signal) Error() string { return s.name }

// Name returns the short identifier carried in log events.
func (s *Signal) Name() string { return s.name }

// The conditions a decoder or idle checker can raise. Each is a fixed
// instance so callers can match with errors.Is.
var (
	// SignalIllegalMagic: the first two octets of a frame were not Magic.
	SignalIllegalMagic = &Signal{name: "illegal-magic"}
	// SignalIllegalType: the frame type octet is not a known MessageType.
	SignalIllegalType = &Signal{name: "illegal-type"}
	// SignalBodyTooLarge: the declared body length exceeds the decoder's
	// configured maximum.
	SignalBodyTooLarge = &Signal{name: "body-too-large"}
	// SignalReaderIdle: no frame arrived within the connection's idle
	// timeout.
	SignalReaderIdle = &Signal{name: "reader-idle"}
)
