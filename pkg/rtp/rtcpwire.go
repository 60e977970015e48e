package rtp

import (
	"encoding/binary"

	"github.com/pion/rtcp"
)

// RTCP packet/feedback-message types per RFC 3550 §6.1 and RFC 4585 §6.1.
const (
	rtcpPTRTPFB = 205 // Transport layer FB message (RTPFB)
	rtcpPTPSFB  = 206 // Payload-specific FB message (PSFB)
)

// Feedback message types (FMT) carried inside RTPFB, per spec §6.
const (
	fmtGenericNACK    = 1  // RFC 4585 Generic NACK
	fmtMPRTPExtNACK   = 13 // MPRTP extended NACK with flow id
	fmtGenericACK     = 14 // experimental generic ACK (symmetric NACK form)
	fmtAppLayerFB     = 15 // application-layer feedback
)

// DecodeCompoundRTCP splits a compound RTCP datagram into its
// constituent packets. Known SR/RR/SDES/BYE/Generic-NACK/XR packets
// are decoded via pion/rtcp (already paired with pion/rtp across the
// example pack); MPRTP extended NACK, generic ACK, and APP-layer FB
// packets are decoded by this stack's own types, since pion/rtcp's
// internal PT/FMT registry does not know those FMTs. Compound
// validation per spec §4.A: the first packet must be SR or RR, with
// V=2; malformed input returns MalformedHeader.
func DecodeCompoundRTCP(buf []byte) ([]rtcp.Packet, error) {
	if len(buf) < 4 {
		return nil, newErr(KindMalformedHeader, "rtcp too short", nil)
	}
	if version := buf[0] >> 6; version != 2 {
		return nil, newErr(KindMalformedHeader, "rtcp version", nil)
	}
	pt := buf[1]
	if pt != uint8(rtcp.TypeSenderReport) && pt != uint8(rtcp.TypeReceiverReport) {
		return nil, newErr(KindMalformedHeader, "compound rtcp must start with SR or RR", nil)
	}

	var out []rtcp.Packet
	rest := buf
	for len(rest) > 0 {
		if len(rest) < 4 {
			return nil, newErr(KindMalformedHeader, "trailing rtcp bytes", nil)
		}
		length := binary.BigEndian.Uint16(rest[2:4])
		end := int(length+1) * 4
		if end > len(rest) {
			return nil, newErr(KindMalformedHeader, "rtcp length overrun", nil)
		}
		chunk := rest[:end]
		rest = rest[end:]

		chunkPT := chunk[1]
		if chunkPT == rtcpPTRTPFB || chunkPT == rtcpPTPSFB {
			fmtBits := chunk[0] & 0x1f
			switch fmtBits {
			case fmtMPRTPExtNACK:
				p := &MPRTPExtendedNACK{}
				if err := p.Unmarshal(chunk); err != nil {
					return nil, err
				}
				out = append(out, p)
				continue
			case fmtGenericACK:
				p := &GenericACK{}
				if err := p.Unmarshal(chunk); err != nil {
					return nil, err
				}
				out = append(out, p)
				continue
			case fmtAppLayerFB:
				p := &AppLayerFeedback{}
				if err := p.Unmarshal(chunk); err != nil {
					return nil, err
				}
				out = append(out, p)
				continue
			}
		}

		pkts, err := rtcp.Unmarshal(chunk)
		if err != nil {
			// Unknown packet type: skip by length, per spec §4.A/§7 --
			// not an error, just nothing decoded for this chunk.
			continue
		}
		out = append(out, pkts...)
	}
	return out, nil
}

// EncodeCompoundRTCP marshals and concatenates a compound report,
// composed by the caller in the order spec §4.E mandates: SR/RR,
// then SDES, then feedback, then an optional trailing BYE.
func EncodeCompoundRTCP(pkts []rtcp.Packet) ([]byte, error) {
	var out []byte
	for _, p := range pkts {
		b, err := p.Marshal()
		if err != nil {
			return nil, newErr(KindMalformedHeader, "rtcp marshal", err)
		}
		out = append(out, b...)
	}
	return out, nil
}

// nackPair is a (PID, BLP) pair as used by both Generic NACK forms.
type nackPair struct {
	PID uint16
	BLP uint16
}

func fbHeader(fmtBits, pt uint8, length uint16) uint32 {
	return uint32(2)<<30 | uint32(fmtBits)<<24 | uint32(pt)<<16 | uint32(length)
}

// MPRTPExtendedNACK is the MPRTP flow-aware variant of RFC 4585's
// Generic NACK (FMT=13, spec §6): each FCI entry additionally carries
// the subflow id the loss was observed on.
type MPRTPExtendedNACK struct {
	SenderSSRC uint32
	MediaSSRC  uint32
	Pairs      []MPRTPNackPair
}

// MPRTPNackPair is one FCI entry: flow id, base PID, and a BLP mask of
// the following 16 sequence numbers on that flow.
type MPRTPNackPair struct {
	FlowID uint16
	PID    uint16
	BLP    uint16
}

func (p *MPRTPExtendedNACK) DestinationSSRC() []uint32 { return []uint32{p.MediaSSRC} }

func (p *MPRTPExtendedNACK) Marshal() ([]byte, error) {
	buf := make([]byte, 4+8+len(p.Pairs)*8)
	binary.BigEndian.PutUint32(buf[4:8], p.SenderSSRC)
	binary.BigEndian.PutUint32(buf[8:12], p.MediaSSRC)
	off := 12
	for _, pr := range p.Pairs {
		binary.BigEndian.PutUint16(buf[off:off+2], pr.FlowID)
		binary.BigEndian.PutUint16(buf[off+2:off+4], pr.PID)
		binary.BigEndian.PutUint16(buf[off+4:off+6], pr.BLP)
		off += 6
	}
	// Pad the 6-byte FCI entries out to a whole number of 32-bit words.
	if off%4 != 0 {
		off += 4 - off%4
	}
	length := uint16(off/4 - 1) // packet length in 32-bit words, minus one
	binary.BigEndian.PutUint32(buf[0:4], fbHeader(fmtMPRTPExtNACK, rtcpPTRTPFB, length))
	return buf[:off], nil
}

func (p *MPRTPExtendedNACK) Unmarshal(raw []byte) error {
	if len(raw) < 12 {
		return newErr(KindMalformedHeader, "mprtp nack too short", nil)
	}
	p.SenderSSRC = binary.BigEndian.Uint32(raw[4:8])
	p.MediaSSRC = binary.BigEndian.Uint32(raw[8:12])
	p.Pairs = nil
	for off := 12; off+6 <= len(raw); off += 6 {
		p.Pairs = append(p.Pairs, MPRTPNackPair{
			FlowID: binary.BigEndian.Uint16(raw[off : off+2]),
			PID:    binary.BigEndian.Uint16(raw[off+2 : off+4]),
			BLP:    binary.BigEndian.Uint16(raw[off+4 : off+6]),
		})
	}
	return nil
}

func (p *MPRTPExtendedNACK) String() string { return "MPRTPExtendedNACK" }

// GenericACK is the symmetric, experimental ACK-mode counterpart to
// Generic NACK (FMT=14, spec §6): PID + BLP describe received, not
// lost, sequence numbers.
type GenericACK struct {
	SenderSSRC uint32
	MediaSSRC  uint32
	Pairs      []nackPair
}

func (p *GenericACK) DestinationSSRC() []uint32 { return []uint32{p.MediaSSRC} }

func (p *GenericACK) Marshal() ([]byte, error) {
	length := uint16(2 + len(p.Pairs))
	buf := make([]byte, 4+8+len(p.Pairs)*4)
	binary.BigEndian.PutUint32(buf[0:4], fbHeader(fmtGenericACK, rtcpPTRTPFB, length))
	binary.BigEndian.PutUint32(buf[4:8], p.SenderSSRC)
	binary.BigEndian.PutUint32(buf[8:12], p.MediaSSRC)
	off := 12
	for _, pr := range p.Pairs {
		binary.BigEndian.PutUint16(buf[off:off+2], pr.PID)
		binary.BigEndian.PutUint16(buf[off+2:off+4], pr.BLP)
		off += 4
	}
	return buf[:off], nil
}

func (p *GenericACK) Unmarshal(raw []byte) error {
	if len(raw) < 12 {
		return newErr(KindMalformedHeader, "generic ack too short", nil)
	}
	p.SenderSSRC = binary.BigEndian.Uint32(raw[4:8])
	p.MediaSSRC = binary.BigEndian.Uint32(raw[8:12])
	p.Pairs = nil
	for off := 12; off+4 <= len(raw); off += 4 {
		p.Pairs = append(p.Pairs, nackPair{
			PID: binary.BigEndian.Uint16(raw[off : off+2]),
			BLP: binary.BigEndian.Uint16(raw[off+2 : off+4]),
		})
	}
	return nil
}

func (p *GenericACK) String() string { return "GenericACK" }

// AppLayerFeedback is an opaque FMT=15 FCI blob (spec §6); this core
// passes it through unopinionated for callers that need an
// application-defined feedback channel.
type AppLayerFeedback struct {
	SenderSSRC uint32
	MediaSSRC  uint32
	FCI        []byte
}

func (p *AppLayerFeedback) DestinationSSRC() []uint32 { return []uint32{p.MediaSSRC} }

func (p *AppLayerFeedback) Marshal() ([]byte, error) {
	padded := len(p.FCI)
	if padded%4 != 0 {
		padded += 4 - padded%4
	}
	length := uint16(2 + padded/4)
	buf := make([]byte, 12+padded)
	binary.BigEndian.PutUint32(buf[0:4], fbHeader(fmtAppLayerFB, rtcpPTPSFB, length))
	binary.BigEndian.PutUint32(buf[4:8], p.SenderSSRC)
	binary.BigEndian.PutUint32(buf[8:12], p.MediaSSRC)
	copy(buf[12:], p.FCI)
	return buf, nil
}

func (p *AppLayerFeedback) Unmarshal(raw []byte) error {
	if len(raw) < 12 {
		return newErr(KindMalformedHeader, "app fb too short", nil)
	}
	p.SenderSSRC = binary.BigEndian.Uint32(raw[4:8])
	p.MediaSSRC = binary.BigEndian.Uint32(raw[8:12])
	p.FCI = append([]byte(nil), raw[12:]...)
	return nil
}

func (p *AppLayerFeedback) String() string { return "AppLayerFeedback" }

// buildReceiverReferenceTime builds the RTCP XR Receiver Reference
// Time block (BT=4), per spec §6 -- the REDESIGN FLAG in §9 about a
// fixed-constant length comparison is resolved here: pion/rtcp's
// ReceiverReferenceTimeReportBlock.Unmarshal expects the on-wire
// length to exclude the 4-byte block header, matching RFC 3611 §4.4;
// we rely on pion/rtcp's own (Un)marshal rather than recomputing it.
func buildReceiverReferenceTime(ntpMSW, ntpLSW uint32) rtcp.ReceiverReferenceTimeReportBlock {
	return rtcp.ReceiverReferenceTimeReportBlock{
		NTPTimestamp: uint64(ntpMSW)<<32 | uint64(ntpLSW),
	}
}

// buildDLRR builds one RTCP XR DLRR triple (BT=5) for a remote SSRC,
// per spec §6.
func buildDLRR(ssrc, lastRR uint32, dlsr uint32) rtcp.DLRRReportBlock {
	return rtcp.DLRRReportBlock{
		Reports: []rtcp.DLRRReport{{SSRC: ssrc, LastRR: lastRR, DLRR: dlsr}},
	}
}
