package rtp

import (
	"fmt"

	pionrtp "github.com/pion/rtp"
)

// Packet is the RTP packet type used throughout the session core. It
// embeds pion/rtp's codec-correct Header/Payload representation
// (already a teacher dependency) rather than hand-rolling RFC 3550
// §5.1 bit-packing a second time.
type Packet = pionrtp.Packet

// Header is re-exported for callers that only need the fixed header.
type Header = pionrtp.Header

const (
	// mprtpExtensionID is the one-byte RFC 5285 extension element ID
	// this stack registers for the MPRTP subflow header
	// (flow_id(16) | FSSN(16)), per spec §6.
	mprtpExtensionID = 1
	// oneByteExtensionProfile is RFC 5285's one-byte header profile.
	oneByteExtensionProfile = 0xBEDE
)

// DecodeRTPPacket parses wire bytes into a Packet, returning
// MalformedHeader on failure per spec §4.A.
func DecodeRTPPacket(buf []byte) (*Packet, error) {
	pkt := &Packet{}
	if err := pkt.Unmarshal(buf); err != nil {
		return nil, newErr(KindMalformedHeader, "rtp unmarshal", err)
	}
	return pkt, nil
}

// EncodeRTPPacket serializes a Packet to wire bytes.
func EncodeRTPPacket(pkt *Packet) ([]byte, error) {
	buf, err := pkt.Marshal()
	if err != nil {
		return nil, newErr(KindMalformedHeader, "rtp marshal", err)
	}
	return buf, nil
}

// mprtpSubflowElement is the RFC 5285 one-byte extension payload
// carrying an MPRTP subflow identifier and flow-specific sequence
// number, per spec §6: ID(4) | L(4)=MPRTP_SUBFLOW_RTP_HEADER_LENGTH |
// flow_id(16) | FSSN(16).
type mprtpSubflowElement struct {
	FlowID uint16
	FSSN   uint16
}

func (e mprtpSubflowElement) encode() []byte {
	return []byte{byte(e.FlowID >> 8), byte(e.FlowID), byte(e.FSSN >> 8), byte(e.FSSN)}
}

func decodeMPRTPSubflowElement(b []byte) (mprtpSubflowElement, error) {
	if len(b) != 4 {
		return mprtpSubflowElement{}, newErr(KindMalformedHeader, "mprtp extension length", nil)
	}
	return mprtpSubflowElement{
		FlowID: uint16(b[0])<<8 | uint16(b[1]),
		FSSN:   uint16(b[2])<<8 | uint16(b[3]),
	}, nil
}

// setMPRTPExtension stamps the one-byte RFC 5285 extension carrying
// the MPRTP subflow element onto an outbound packet.
func setMPRTPExtension(pkt *Packet, flowID, fssn uint16) error {
	elem := mprtpSubflowElement{FlowID: flowID, FSSN: fssn}
	if err := pkt.Header.SetExtension(mprtpExtensionID, elem.encode()); err != nil {
		return newErr(KindMalformedHeader, "set mprtp extension", err)
	}
	return nil
}

// getMPRTPExtension reads the MPRTP subflow element off an inbound
// packet, if present.
func getMPRTPExtension(pkt *Packet) (mprtpSubflowElement, bool, error) {
	if !pkt.Header.Extension {
		return mprtpSubflowElement{}, false, nil
	}
	payload := pkt.Header.GetExtension(mprtpExtensionID)
	if payload == nil {
		return mprtpSubflowElement{}, false, nil
	}
	elem, err := decodeMPRTPSubflowElement(payload)
	if err != nil {
		return mprtpSubflowElement{}, false, err
	}
	return elem, true, nil
}

// ExtendedSeqNo (ESN) extends a 16-bit RTP sequence number with a
// 32-bit wrap (cycle) counter, per spec §3.
type ExtendedSeqNo uint64

func newESN(cycles uint32, seq uint16) ExtendedSeqNo {
	return ExtendedSeqNo(uint64(cycles)<<16 | uint64(seq))
}

func (e ExtendedSeqNo) cycles() uint32 { return uint32(e >> 16) }
func (e ExtendedSeqNo) seq() uint16    { return uint16(e) }

func (e ExtendedSeqNo) String() string {
	return fmt.Sprintf("esn(%d:%d)", e.cycles(), e.seq())
}
