package rtp

import (
	"sort"
	"sync"
	"time"
)

// presentationTolerance is the "presentationTimeMatch" window from
// spec §4.C: two packets within this much of each other's presentation
// time are considered to belong to the same playout group.
const presentationTolerance = 12 * time.Microsecond

// recentHistorySize bounds the duplicate-detection ring, spec §4.C.
const recentHistorySize = 512

// RtpPacketGroup is an ordered list of packets sharing a presentation
// instant, spec §3.
type RtpPacketGroup struct {
	RTPTimestamp     uint32
	Presentation     time.Time
	PlayoutDeadline  time.Time
	Late             bool
	esns             map[ExtendedSeqNo]struct{}
	Packets          []*Packet
}

func newPacketGroup(rtpTS uint32, presentation, deadline time.Time) *RtpPacketGroup {
	return &RtpPacketGroup{
		RTPTimestamp:    rtpTS,
		Presentation:    presentation,
		PlayoutDeadline: deadline,
		esns:            make(map[ExtendedSeqNo]struct{}),
	}
}

func (g *RtpPacketGroup) has(esn ExtendedSeqNo) bool {
	_, ok := g.esns[esn]
	return ok
}

func (g *RtpPacketGroup) add(esn ExtendedSeqNo, pkt *Packet) {
	g.esns[esn] = struct{}{}
	g.Packets = append(g.Packets, pkt)
}

// AddResult is returned by JitterBuffer.Add.
type AddResult struct {
	PlayoutDeadline time.Time
	LateMS          float64
	Duplicate       bool
}

// JitterBuffer is the bounded interface spec §9 calls for: two
// implementations (V1Perkins, a simple reorder buffer; V2PTS, the
// latency-compensating one specified in §4.C) share this contract.
type JitterBuffer interface {
	Add(esn ExtendedSeqNo, rtpTS uint32, presentation time.Time, pkt *Packet, rtcpSynchronised bool) AddResult
	NextDue(now time.Time) (*RtpPacketGroup, bool)
	Len() int
}

// V2PTS is the latency-compensating, presentation-time-based jitter
// buffer specified in spec §4.C.
type V2PTS struct {
	mu     sync.Mutex
	groups []*RtpPacketGroup // sorted by Presentation ascending
	latency time.Duration
	clock   Clock

	haveFirst     bool
	firstArrival  time.Time
	firstRTPTS    uint32
	firstPTS      time.Time
	wasSynchronised bool

	recent    []ExtendedSeqNo
	recentSet map[ExtendedSeqNo]struct{}
}

// NewV2PTS builds the presentation-time jitter buffer with the given
// playout latency (spec §6 buffer_latency_ms, default 100ms).
func NewV2PTS(latency time.Duration, clock Clock) *V2PTS {
	if latency <= 0 {
		latency = 100 * time.Millisecond
	}
	return &V2PTS{
		latency:   latency,
		clock:     clock,
		recentSet: make(map[ExtendedSeqNo]struct{}),
	}
}

func (b *V2PTS) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.groups)
}

func (b *V2PTS) rememberRecent(esn ExtendedSeqNo) {
	if _, ok := b.recentSet[esn]; ok {
		return
	}
	b.recent = append(b.recent, esn)
	b.recentSet[esn] = struct{}{}
	if len(b.recent) > recentHistorySize {
		old := b.recent[0]
		b.recent = b.recent[1:]
		delete(b.recentSet, old)
	}
}

// Add implements spec §4.C's 6-step algorithm.
func (b *V2PTS) Add(esn ExtendedSeqNo, rtpTS uint32, presentation time.Time, pkt *Packet, rtcpSynchronised bool) AddResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()

	if !b.haveFirst {
		b.haveFirst = true
		b.firstArrival = now
		b.firstRTPTS = rtpTS
		b.firstPTS = presentation
	}

	if _, dup := b.recentSet[esn]; dup {
		return AddResult{Duplicate: true}
	}

	deadline := presentation.Add(b.latency)

	idx, group := b.findOrInsert(presentation, rtpTS, deadline)
	_ = idx
	if group.has(esn) {
		return AddResult{Duplicate: true}
	}
	group.add(esn, pkt)
	b.rememberRecent(esn)

	late := 0.0
	if now.After(group.PlayoutDeadline) {
		group.Late = true
		late = now.Sub(group.PlayoutDeadline).Seconds() * 1000
	}

	// Step 6: record the first transition to rtcp-synchronised. The
	// buffered groups' presentation is recomputed from the NTP anchor by
	// Resynchronize, which the session core calls on the member's first SR.
	if rtcpSynchronised && !b.wasSynchronised {
		b.wasSynchronised = true
	}

	return AddResult{PlayoutDeadline: group.PlayoutDeadline, LateMS: late, Duplicate: false}
}

// Resynchronize replaces every buffered group's presentation/deadline
// with the NTP-anchored computation, spec §4.C step 6. Called by the
// session core the first time OnRTCPSR establishes an anchor.
func (b *V2PTS) Resynchronize(anchorNTP time.Time, anchorRTP, rateHz uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, g := range b.groups {
		g.Presentation = presentationFromRTP(g.RTPTimestamp, anchorNTP, anchorRTP, rateHz)
		g.PlayoutDeadline = g.Presentation.Add(b.latency)
	}
	sort.Slice(b.groups, func(i, j int) bool { return b.groups[i].Presentation.Before(b.groups[j].Presentation) })
}

func (b *V2PTS) findOrInsert(presentation time.Time, rtpTS uint32, deadline time.Time) (int, *RtpPacketGroup) {
	for i, g := range b.groups {
		diff := g.Presentation.Sub(presentation)
		if diff < 0 {
			diff = -diff
		}
		if diff <= presentationTolerance {
			return i, g
		}
	}
	g := newPacketGroup(rtpTS, presentation, deadline)
	i := sort.Search(len(b.groups), func(i int) bool {
		return !b.groups[i].Presentation.Before(presentation)
	})
	b.groups = append(b.groups, nil)
	copy(b.groups[i+1:], b.groups[i:])
	b.groups[i] = g
	return i, g
}

// NextDue implements spec §4.C: returns and removes the front group
// iff now >= head.PlayoutDeadline.
func (b *V2PTS) NextDue(now time.Time) (*RtpPacketGroup, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.groups) == 0 {
		return nil, false
	}
	head := b.groups[0]
	if now.Before(head.PlayoutDeadline) {
		return nil, false
	}
	b.groups = b.groups[1:]
	return head, true
}

// V1Perkins is a simpler reorder-only jitter buffer (no presentation
// anchoring), grounded on the teacher's simpler "deliver in sequence
// order" receive path; kept as the non-latency-compensating variant
// spec §4.C calls for ("two implementations share the same contract").
type V1Perkins struct {
	mu      sync.Mutex
	groups  map[uint32]*RtpPacketGroup // keyed by RTP timestamp
	order   []uint32
	latency time.Duration
	clock   Clock
	seen    map[ExtendedSeqNo]struct{}
}

func NewV1Perkins(latency time.Duration, clock Clock) *V1Perkins {
	if latency <= 0 {
		latency = 100 * time.Millisecond
	}
	return &V1Perkins{
		groups:  make(map[uint32]*RtpPacketGroup),
		latency: latency,
		clock:   clock,
		seen:    make(map[ExtendedSeqNo]struct{}),
	}
}

func (b *V1Perkins) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.order)
}

func (b *V1Perkins) Add(esn ExtendedSeqNo, rtpTS uint32, presentation time.Time, pkt *Packet, _ bool) AddResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, dup := b.seen[esn]; dup {
		return AddResult{Duplicate: true}
	}
	g, ok := b.groups[rtpTS]
	if !ok {
		deadline := b.clock.Now().Add(b.latency)
		g = newPacketGroup(rtpTS, presentation, deadline)
		b.groups[rtpTS] = g
		i := sort.Search(len(b.order), func(i int) bool { return seqDiff16(b.order[i], rtpTS) >= 0 })
		b.order = append(b.order, 0)
		copy(b.order[i+1:], b.order[i:])
		b.order[i] = rtpTS
	}
	g.add(esn, pkt)
	b.seen[esn] = struct{}{}
	return AddResult{PlayoutDeadline: g.PlayoutDeadline}
}

func seqDiff16(a, b uint32) int64 { return int64(a) - int64(b) }

func (b *V1Perkins) NextDue(now time.Time) (*RtpPacketGroup, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.order) == 0 {
		return nil, false
	}
	ts := b.order[0]
	g := b.groups[ts]
	if now.Before(g.PlayoutDeadline) {
		return nil, false
	}
	b.order = b.order[1:]
	delete(b.groups, ts)
	return g, true
}
