package rtp

import "context"

// Transport is the opaque, byte-oriented datagram collaborator the
// core consumes, spec §6. No ordering or reliability is assumed; the
// core supplies its own sequencing via RTP/RTCP semantics. Concrete
// implementations (UDP sockets, DTLS/SRTP-wrapped sockets, a dynamic
// SCTP transport) are deliberately out of scope for this module.
type Transport interface {
	Send(ctx context.Context, b []byte) error
	// Recv blocks until a datagram is available or ctx is done.
	Recv(ctx context.Context) ([]byte, error)
	Close() error
}

// PayloadPacketizer converts between media access units and RTP
// payload bytes, spec §6. Codec-specific implementations (H.264,
// H.265, AMR, ...) are out of scope; the core only calls this interface.
type PayloadPacketizer interface {
	// Packetize splits one access unit into one or more RTP payloads,
	// returning the marker-bit value for the final payload.
	Packetize(au []byte, maxPayloadSize int) (payloads [][]byte, markerOnLast bool, err error)
	// Depacketize reassembles payload fragments belonging to one RTP
	// timestamp back into an access unit.
	Depacketize(payloads [][]byte) ([]byte, error)
}

// SecureTransform is the optional encryption hook from spec §6: it
// wraps outbound payloads and unwraps inbound ones. A nil SecureTransform
// disables the hook entirely. Failures surface as KindSecurityFailure.
type SecureTransform interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(ciphertext []byte) ([]byte, error)
}
