package rtp

import "fmt"

// Kind classifies the error conditions the session core can raise.
// See RFC 3550 and the session failure-semantics table for how each
// kind is handled: recoverable kinds are counted and dropped, kinds
// that threaten invariants raise a notification, and configuration
// errors are fatal at session creation.
type Kind int

const (
	// KindMalformedHeader marks an RTP/RTCP packet that failed to parse.
	KindMalformedHeader Kind = iota
	// KindUnknownPacketType marks an RTCP payload type this stack does not
	// implement; it is skipped by length, not treated as an error.
	KindUnknownPacketType
	// KindSSRCCollision marks the same SSRC observed from two source addresses.
	KindSSRCCollision
	// KindValidationFailed marks an RFC 3550 Appendix A.1 validation that
	// did not complete inside the configured window.
	KindValidationFailed
	// KindTransportError marks a Transport read or write failure.
	KindTransportError
	// KindSecurityFailure marks a rejection from the optional secure-transform hook.
	KindSecurityFailure
	// KindShutdown marks a BYE or a local stop request.
	KindShutdown
	// KindConfigurationError marks a bad option at session creation; fatal.
	KindConfigurationError
)

func (k Kind) String() string {
	switch k {
	case KindMalformedHeader:
		return "malformed_header"
	case KindUnknownPacketType:
		return "unknown_packet_type"
	case KindSSRCCollision:
		return "ssrc_collision"
	case KindValidationFailed:
		return "validation_failed"
	case KindTransportError:
		return "transport_error"
	case KindSecurityFailure:
		return "security_failure"
	case KindShutdown:
		return "shutdown"
	case KindConfigurationError:
		return "configuration_error"
	default:
		return "unknown"
	}
}

// Error is the tagged result type propagated instead of ad-hoc errors.
// It wraps Cause (may be nil) and carries enough context to let the
// session core decide whether to count, drop, notify, or fail startup.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("rtp: %s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("rtp: %s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, ErrKind(KindX)) match on Kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Msg == ""
}

func newErr(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// ErrKind builds a sentinel usable with errors.Is to test only the Kind.
func ErrKind(k Kind) error { return &Error{Kind: k} }
