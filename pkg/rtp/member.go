package rtp

import (
	"context"
	"time"

	"github.com/looplab/fsm"
)

// MemberState mirrors the four-state lifecycle in spec §3 as a typed
// enum. The driving fsm.FSM below holds the state as a string;
// MemberEntry.state() maps fsm.Current() to this enum on each call.
type MemberState int

const (
	StateUnvalidated MemberState = iota
	StateValidated
	StateInactive
	StateLeaving
)

func (s MemberState) String() string {
	switch s {
	case StateUnvalidated:
		return "unvalidated"
	case StateValidated:
		return "validated"
	case StateInactive:
		return "inactive"
	case StateLeaving:
		return "leaving"
	default:
		return "unknown"
	}
}

// minSequential is RFC 3550 Appendix A.1's validation threshold: this
// many consecutive in-range packets promote a source out of Unvalidated.
const minSequential = 2

// maxDropout and maxMisorder bound the RFC 3550 A.1 "in range" test.
const (
	maxDropout  = 3000
	maxMisorder = 100
	rtpSeqMod   = 1 << 16
)

// subflowStats holds the MPRTP per-subflow sub-entry from spec §3.
type subflowStats struct {
	fssnCycles uint32
	maxFSSN    uint16
	haveFSSN   bool
	jitter     float64
	lost       uint32
	rtt        time.Duration
}

// MemberEntry is the per-SSRC state described in spec §3. The Session
// Database owns MemberEntry instances exclusively; other components
// only ever see values/snapshots passed to them for a single event.
type MemberEntry struct {
	SSRC uint32

	machine *fsm.FSM

	// RFC 3550 Appendix A.1 bookkeeping.
	maxSeq   uint16
	cycles   uint32
	baseSeq  uint16
	badSeq   uint32
	probation int
	received uint64
	expectedPrior uint64
	receivedPrior uint64
	duplicates    uint64
	reordered     uint64

	// Jitter (RFC 3550 §6.4.1).
	jitter       float64
	haveLastRTP  bool
	lastArrival  time.Time
	lastRTPTS    uint32

	// RTCP SR anchor for presentation-time conversion (spec §4.A).
	lastSRNTPMiddle32 uint32
	lastSRTime        time.Time
	rtcpSynchronised  bool
	anchorNTP         time.Time
	anchorRTP         uint32

	// RTT, derived from RR report blocks addressing us (spec §4.B).
	smoothedRTT time.Duration
	lastRTT     time.Duration

	lastRTPTime  time.Time
	lastRTCPTime time.Time

	isSender bool

	subflows map[uint16]*subflowStats

	sourceAddr string // transport source address, for SSRC-collision detection
}

// DeliveryDecision is the result of SessionDB.OnRTP.
type DeliveryDecision int

const (
	Accepted DeliveryDecision = iota
	Duplicate
	Unvalidated
	OutOfRange
)

func (d DeliveryDecision) String() string {
	switch d {
	case Accepted:
		return "accepted"
	case Duplicate:
		return "duplicate"
	case Unvalidated:
		return "unvalidated"
	case OutOfRange:
		return "out_of_range"
	default:
		return "unknown"
	}
}

// newMemberEntry builds the state machine with looplab/fsm, the
// teacher's existing dependency for call/session state (used for
// telephony dialog state in soft_phone's SIP layer; reused here for
// RFC 3550 member lifecycle).
func newMemberEntry(ssrc uint32, now time.Time) *MemberEntry {
	m := &MemberEntry{
		SSRC:         ssrc,
		lastRTPTime:  now,
		lastRTCPTime: now,
		subflows:     make(map[uint16]*subflowStats),
	}
	m.machine = fsm.NewFSM(
		StateUnvalidated.String(),
		fsm.Events{
			{Name: "validate", Src: []string{StateUnvalidated.String()}, Dst: StateValidated.String()},
			{Name: "activity", Src: []string{StateInactive.String()}, Dst: StateValidated.String()},
			{Name: "timeout", Src: []string{StateUnvalidated.String(), StateValidated.String()}, Dst: StateInactive.String()},
			{Name: "bye", Src: []string{StateUnvalidated.String(), StateValidated.String(), StateInactive.String()}, Dst: StateLeaving.String()},
		},
		fsm.Callbacks{},
	)
	return m
}

func (m *MemberEntry) state() MemberState {
	switch m.machine.Current() {
	case StateValidated.String():
		return StateValidated
	case StateInactive.String():
		return StateInactive
	case StateLeaving.String():
		return StateLeaving
	default:
		return StateUnvalidated
	}
}

func (m *MemberEntry) fire(event string) {
	_ = m.machine.Event(context.Background(), event)
}

func (m *MemberEntry) subflow(flowID uint16) *subflowStats {
	sf, ok := m.subflows[flowID]
	if !ok {
		sf = &subflowStats{}
		m.subflows[flowID] = sf
	}
	return sf
}

// extendedMaxSeq is (cycles*2^16 + maxSeq), the quantity spec §8
// requires to be non-decreasing across OnRTP calls once validated.
func (m *MemberEntry) extendedMaxSeq() ExtendedSeqNo {
	return newESN(m.cycles, m.maxSeq)
}

// initSequence implements the RFC 3550 Appendix A.1 init_seq routine.
func (m *MemberEntry) initSequence(seq uint16) {
	m.baseSeq = seq
	m.maxSeq = seq
	m.badSeq = rtpSeqMod + 1 // outside the 16-bit range, so no seq matches it
	m.cycles = 0
	m.received = 0
	m.receivedPrior = 0
	m.expectedPrior = 0
}

// expected returns the cumulative number of packets expected so far,
// RFC 3550 Appendix A.3.
func (m *MemberEntry) expected() uint64 {
	return uint64(m.cycles)<<16 + uint64(m.maxSeq) - uint64(m.baseSeq)
}

// fractionLostSince computes the fraction lost (8-bit fixed point)
// and cumulative lost since the previous RTCP report, RFC 3550 A.3.
func (m *MemberEntry) fractionLostSince() (fraction uint8, cumulative int64) {
	expectedInterval := int64(m.expected()) - int64(m.expectedPrior)
	receivedInterval := int64(m.received) - int64(m.receivedPrior)
	lostInterval := expectedInterval - receivedInterval

	m.expectedPrior = m.expected()
	m.receivedPrior = m.received

	if expectedInterval <= 0 || lostInterval <= 0 {
		fraction = 0
	} else {
		fraction = uint8((lostInterval << 8) / expectedInterval)
	}
	cumulative = int64(m.expected()) - int64(m.received)
	return fraction, cumulative
}
