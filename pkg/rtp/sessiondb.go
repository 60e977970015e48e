package rtp

import (
	"sync"
	"time"
)

// SessionDB is the Session Core's per-session collection of
// MemberEntry state machines, spec §4.B. It is owned exclusively by
// the Session Core; every other component only ever receives a
// reference scoped to one inbound event.
type SessionDB struct {
	mu      sync.Mutex
	members map[uint32]*MemberEntry
	clock   Clock

	localSSRC uint32

	// T_rr is the current RTCP transmission interval, refreshed by the
	// session each time it computes the next regular report interval
	// (default 5s until then); used to decide member timeout (5*T_rr) and
	// removal (Inactive + one more interval), per spec §3.
	trr time.Duration

	onMemberJoined func(ssrc uint32)
	onMemberLeft   func(ssrc uint32)
	onCollision    func(oldSSRC uint32)
}

// NewSessionDB creates an empty database for localSSRC (excluded from
// membership -- it is this session's own identity).
func NewSessionDB(localSSRC uint32, clock Clock) *SessionDB {
	return &SessionDB{
		members:   make(map[uint32]*MemberEntry),
		clock:     clock,
		localSSRC: localSSRC,
		trr:       5 * time.Second,
	}
}

func (db *SessionDB) SetTRR(d time.Duration) {
	db.mu.Lock()
	db.trr = d
	db.mu.Unlock()
}

// lookupOrCreate returns the MemberEntry for ssrc, creating it
// Unvalidated on first sight (spec §3 lifecycle).
func (db *SessionDB) lookupOrCreate(ssrc uint32, now time.Time) (*MemberEntry, bool) {
	m, ok := db.members[ssrc]
	if ok {
		return m, false
	}
	m = newMemberEntry(ssrc, now)
	db.members[ssrc] = m
	return m, true
}

// Get returns a snapshot-safe pointer to the member entry, or nil.
func (db *SessionDB) Get(ssrc uint32) *MemberEntry {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.members[ssrc]
}

// Members returns the current SSRC set, for RTCP scheduler interval math.
func (db *SessionDB) Members() []uint32 {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]uint32, 0, len(db.members))
	for ssrc := range db.members {
		out = append(out, ssrc)
	}
	return out
}

// Senders counts members with isSender set, for RTCP's 25% sender
// bandwidth split (spec §4.E).
func (db *SessionDB) Senders() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	n := 0
	for _, m := range db.members {
		if m.isSender {
			n++
		}
	}
	return n
}

// OnRTP runs the RFC 3550 Appendix A.1 update algorithm for an
// incoming packet and returns the delivery decision, spec §4.B.
// sourceAddr is the transport source address used for SSRC-collision
// detection (spec §7 SsrcCollision).
func (db *SessionDB) OnRTP(ssrc uint32, seq uint16, rtpTS uint32, arrival time.Time, sourceAddr string, flowID *uint16, fssn *uint16) (DeliveryDecision, *MemberEntry) {
	db.mu.Lock()
	defer db.mu.Unlock()

	m, created := db.lookupOrCreate(ssrc, arrival)
	if created {
		if db.onMemberJoined != nil {
			db.onMemberJoined(ssrc)
		}
		m.sourceAddr = sourceAddr
		m.probation = minSequential
	} else if m.sourceAddr != "" && m.sourceAddr != sourceAddr {
		if db.onCollision != nil {
			db.onCollision(ssrc)
		}
		// Caller is expected to mint a fresh local SSRC and BYE the
		// old one; from the DB's point of view nothing else changes.
	}

	if m.state() == StateInactive {
		m.fire("activity")
	}
	m.lastRTPTime = arrival

	decision := db.updateSeq(m, seq)

	// Jitter update, RFC 3550 §6.4.1/A.8: J += (|D| - J)/16, where
	// D = (arrival_i - arrival_{i-1}) - (rtp_i - rtp_{i-1})/rate. The
	// rate is supplied by the caller via UpdateJitter since SessionDB
	// does not itself know the clock rate (that lives in config).
	db.touchArrival(m, rtpTS, arrival)

	if flowID != nil && fssn != nil {
		db.updateSubflow(m, *flowID, *fssn)
	}

	if decision == Accepted {
		m.received++
	} else if decision == Duplicate {
		m.duplicates++
	} else if decision == OutOfRange {
		// classified as re-ordered-but-in-range vs truly out of range
		// happens inside updateSeq; OutOfRange already excluded from received.
	}
	return decision, m
}

// touchArrival remembers the last RTP timestamp/arrival pair so the
// next call can compute the jitter delta; actual jitter math lives in
// UpdateJitter (needs clock rate, owned by the session/config layer).
func (db *SessionDB) touchArrival(m *MemberEntry, rtpTS uint32, arrival time.Time) {
	m.haveLastRTP = true
	m.lastRTPTS = rtpTS
	m.lastArrival = arrival
}

// UpdateJitter applies the RFC 3550 A.8 EWMA using the previous and
// current (rtpTS, arrival) pair and the session clock rate. Call once
// per accepted packet, after OnRTP.
func UpdateJitter(m *MemberEntry, prevTS uint32, prevArrival time.Time, curTS uint32, curArrival time.Time, rateHz uint32) {
	if prevArrival.IsZero() || rateHz == 0 {
		return
	}
	r := int64(curArrival.Sub(prevArrival) / time.Millisecond * int64(rateHz) / 1000)
	d := r - int64(int32(curTS-prevTS))
	if d < 0 {
		d = -d
	}
	m.jitter += (float64(d) - m.jitter) / 16
}

// updateSeq implements RFC 3550 Appendix A.1's update_seq, returning
// the classification spec §4.B requires.
func (db *SessionDB) updateSeq(m *MemberEntry, seq uint16) DeliveryDecision {
	if m.probation > 0 {
		// Re-sync candidate: need minSequential consecutive in-range.
		if seq == m.maxSeq+1 {
			m.probation--
			m.maxSeq = seq
			if m.probation == 0 {
				m.initSequence(seq)
				m.received = 1
				m.fire("validate")
				return Accepted
			}
			return Unvalidated
		}
		m.probation = minSequential - 1
		m.maxSeq = seq
		return Unvalidated
	}

	delta := int32(seq) - int32(m.maxSeq)
	switch {
	case delta == 1:
		// fast path
		m.maxSeq = seq
		return Accepted
	case uint16(delta) == 0 && seq == m.maxSeq:
		return Duplicate
	}

	udelta := uint16(int32(seq) - int32(m.maxSeq))
	if udelta < maxDropout {
		if seq < m.maxSeq {
			m.cycles++
		}
		m.maxSeq = seq
		m.reordered++
		return Accepted
	} else if udelta <= rtpSeqMod-maxMisorder {
		// Bad sequence number; start re-sync probation unless this
		// is the same bad_seq repeated, which promotes the restart.
		if uint32(seq) == m.badSeq {
			m.probation = minSequential - 1
			m.initSequence(seq)
			return Unvalidated
		}
		m.badSeq = (uint32(seq) + 1) & (rtpSeqMod - 1)
		return OutOfRange
	}
	// Duplicate or reordered packet within misorder tolerance.
	m.duplicates++
	return Duplicate
}

func (db *SessionDB) updateSubflow(m *MemberEntry, flowID, fssn uint16) {
	sf := m.subflow(flowID)
	if !sf.haveFSSN {
		sf.haveFSSN = true
		sf.maxFSSN = fssn
		return
	}
	if fssn < sf.maxFSSN && sf.maxFSSN-fssn > 1<<15 {
		sf.fssnCycles++
	}
	sf.maxFSSN = fssn
}

// OnRTCPSR records a sender's synchronization anchor, spec §4.B.
func (db *SessionDB) OnRTCPSR(senderSSRC uint32, ntpMSW, ntpLSW, rtpTS uint32, arrival time.Time) *MemberEntry {
	db.mu.Lock()
	defer db.mu.Unlock()
	m, _ := db.lookupOrCreate(senderSSRC, arrival)
	m.isSender = true
	m.lastRTCPTime = arrival
	m.lastSRNTPMiddle32 = ntpMiddle32(ntpMSW, ntpLSW)
	m.lastSRTime = arrival
	m.rtcpSynchronised = true
	m.anchorNTP = ntpToWallclock(ntpMSW, ntpLSW)
	m.anchorRTP = rtpTS
	return m
}

// OnRTCPRR computes RTT when the report block addresses the local
// SSRC, spec §4.B: RTT = now_middle32 - last_sr - dlsr.
func (db *SessionDB) OnRTCPRR(reporter uint32, block ReportBlockView, now time.Time) (time.Duration, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if block.SSRC != db.localSSRC {
		return 0, false
	}
	if block.LastSR == 0 {
		return 0, false
	}
	rtt := rttFromSR(ntpMiddle32Now(db.clock), block.LastSR, block.DLSR)
	if m, ok := db.members[reporter]; ok {
		m.lastRTT = rtt
		if m.smoothedRTT == 0 {
			m.smoothedRTT = rtt
		} else {
			m.smoothedRTT += (rtt - m.smoothedRTT) / 8
		}
		m.lastRTCPTime = now
	}
	return rtt, true
}

// ReportBlockView decouples SessionDB from pion/rtcp's concrete
// ReceptionReport type so this file has no import-cycle pressure from
// the wire-codec layer.
type ReportBlockView struct {
	SSRC    uint32
	LastSR  uint32
	DLSR    uint32
}

// OnBYE moves ssrc to Leaving and schedules removal one RTCP interval
// later, spec §3/§4.B.
func (db *SessionDB) OnBYE(ssrc uint32, now time.Time) {
	db.mu.Lock()
	defer db.mu.Unlock()
	m, ok := db.members[ssrc]
	if !ok {
		return
	}
	m.fire("bye")
	m.lastRTCPTime = now
	if db.onMemberLeft != nil {
		db.onMemberLeft(ssrc)
	}
}

// Tick ages every member against the inactivity/removal rules in spec
// §3, deletes the members due for removal, and returns their SSRCs.
func (db *SessionDB) Tick(now time.Time) (removed []uint32) {
	db.mu.Lock()
	defer db.mu.Unlock()
	timeout := 5 * db.trr
	for ssrc, m := range db.members {
		last := m.lastRTPTime
		if m.lastRTCPTime.After(last) {
			last = m.lastRTCPTime
		}
		switch m.state() {
		case StateLeaving:
			if now.Sub(last) >= db.trr {
				removed = append(removed, ssrc)
			}
		default:
			if m.state() == StateInactive {
				if now.Sub(last) >= db.trr {
					removed = append(removed, ssrc)
				}
			} else if now.Sub(last) >= timeout {
				m.fire("timeout")
				m.lastRTCPTime = now // restart the removal clock
			}
		}
	}
	for _, ssrc := range removed {
		delete(db.members, ssrc)
		if db.onMemberLeft != nil {
			db.onMemberLeft(ssrc)
		}
	}
	return removed
}
