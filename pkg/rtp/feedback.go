package rtp

import (
	"sort"
	"time"
)

// FeedbackMode selects NACK or ACK-mode aggregation, spec §6.
type FeedbackMode int

const (
	FeedbackNone FeedbackMode = iota
	FeedbackNack
	FeedbackAck
)

// rtxTiming is the ESN -> (requested, sent) map spec §4.F names, used
// for retransmission-latency logging and the false-positive window.
type rtxTiming struct {
	requestedAt time.Time
	sentAt      time.Time
}

// FeedbackManager buffers assumed-lost (NACK mode) or received (ACK
// mode) ESNs per remote SSRC and produces RFC 4585 Generic NACK,
// generic ACK, or MPRTP extended-NACK packets on drain, spec §4.F.
type FeedbackManager struct {
	mode FeedbackMode

	pending      map[uint32][]pendingESN // remote SSRC -> pending entries
	pendingSince map[uint32]time.Time    // remote SSRC -> time its oldest pending entry arrived
	rtx          map[ExtendedSeqNo]*rtxTiming

	// notifyUseful is called whenever ssrc's pending list gains a new
	// entry; the caller applies the spec §4.E useful-feedback test
	// (RTCPScheduler.UsefulFeedback) against pendingSince before
	// deciding whether to actually schedule an early report.
	notifyUseful func(ssrc uint32, pendingSince time.Time)
}

type pendingESN struct {
	esn    ExtendedSeqNo
	flowID *uint16
}

// NewFeedbackManager constructs the manager; notifyUseful is called
// whenever OnLost adds an entry to ssrc's pending list, with the time
// the oldest still-pending entry arrived (spec §4.E's useful-feedback
// test input).
func NewFeedbackManager(mode FeedbackMode, notifyUseful func(ssrc uint32, pendingSince time.Time)) *FeedbackManager {
	return &FeedbackManager{
		mode:         mode,
		pending:      make(map[uint32][]pendingESN),
		pendingSince: make(map[uint32]time.Time),
		rtx:          make(map[ExtendedSeqNo]*rtxTiming),
		notifyUseful: notifyUseful,
	}
}

// OnLost appends esn to ssrc's pending list and signals the scheduler
// that early feedback may now be worth scheduling. In ACK mode it does
// nothing: only received ESNs are buffered there.
func (f *FeedbackManager) OnLost(ssrc uint32, esn ExtendedSeqNo, flowID *uint16, now time.Time) {
	if f.mode == FeedbackAck {
		return
	}
	f.markPending(ssrc, now)
	f.pending[ssrc] = append(f.pending[ssrc], pendingESN{esn: esn, flowID: flowID})
	if f.notifyUseful != nil {
		f.notifyUseful(ssrc, f.pendingSince[ssrc])
	}
}

// OnReceived records a received ESN in ACK mode.
func (f *FeedbackManager) OnReceived(ssrc uint32, esn ExtendedSeqNo, flowID *uint16, now time.Time) {
	if f.mode != FeedbackAck {
		return
	}
	f.markPending(ssrc, now)
	f.pending[ssrc] = append(f.pending[ssrc], pendingESN{esn: esn, flowID: flowID})
}

// markPending records the arrival time of ssrc's oldest still-pending
// entry, used by the useful-feedback test.
func (f *FeedbackManager) markPending(ssrc uint32, now time.Time) {
	if len(f.pending[ssrc]) == 0 {
		f.pendingSince[ssrc] = now
	}
}

// OnFalsePositive implements spec §4.F: if the pending list still
// holds esn (the scheduler hasn't drained it yet), remove it and
// report cancelled=true; otherwise report cancelled=false -- the NACK
// ships anyway and the late arrival is counted as a duplicate.
func (f *FeedbackManager) OnFalsePositive(ssrc uint32, esn ExtendedSeqNo) bool {
	list := f.pending[ssrc]
	for i, p := range list {
		if p.esn == esn {
			f.pending[ssrc] = append(list[:i], list[i+1:]...)
			if len(f.pending[ssrc]) == 0 {
				delete(f.pendingSince, ssrc)
			}
			return true
		}
	}
	return false
}

// RequestRetransmission timestamps esn's RTX request.
func (f *FeedbackManager) RequestRetransmission(esn ExtendedSeqNo, now time.Time) {
	t, ok := f.rtx[esn]
	if !ok {
		t = &rtxTiming{}
		f.rtx[esn] = t
	}
	t.requestedAt = now
}

// MarkRetransmissionSent records when the NACK/ACK referencing esn
// actually left the scheduler, for latency accounting.
func (f *FeedbackManager) MarkRetransmissionSent(esn ExtendedSeqNo, now time.Time) {
	if t, ok := f.rtx[esn]; ok {
		t.sentAt = now
	}
}

// drainResult is returned by Drain.
type drainResult struct {
	NACKs []*MPRTPExtendedNACK
	ACKs  []*GenericACK
}

// Drain produces the compound-report feedback packets for ssrc and
// clears its pending list, spec §4.F.
func (f *FeedbackManager) Drain(localSSRC, ssrc uint32, mprtp bool, now time.Time) drainResult {
	list := f.pending[ssrc]
	delete(f.pending, ssrc)
	delete(f.pendingSince, ssrc)
	if len(list) == 0 {
		return drainResult{}
	}

	sort.Slice(list, func(i, j int) bool { return list[i].esn < list[j].esn })

	var result drainResult
	if f.mode == FeedbackAck {
		result.ACKs = groupIntoACK(localSSRC, ssrc, list)
	} else if mprtp {
		result.NACKs = groupIntoMPRTPNack(localSSRC, ssrc, list)
	} else {
		// Plain Generic NACK (no flow grouping needed); represented
		// with flow id 0 in the MPRTP struct's FCI for a unified path,
		// the caller downgrades to rtcp's own TransportLayerNack when
		// MPRTP is disabled (see session.go sendRTCPReport).
		result.NACKs = groupIntoMPRTPNack(localSSRC, ssrc, list)
	}
	for _, p := range list {
		f.MarkRetransmissionSent(p.esn, now)
	}
	return result
}

// groupIntoMPRTPNack packs sorted ESNs into base-PID + BLP groups per
// flow id, spec §4.F "grouped by base PID to minimize packets".
func groupIntoMPRTPNack(localSSRC, remoteSSRC uint32, list []pendingESN) []*MPRTPExtendedNACK {
	byFlow := make(map[uint16][]ExtendedSeqNo)
	for _, p := range list {
		flow := uint16(0)
		if p.flowID != nil {
			flow = *p.flowID
		}
		byFlow[flow] = append(byFlow[flow], p.esn)
	}

	pkt := &MPRTPExtendedNACK{SenderSSRC: localSSRC, MediaSSRC: remoteSSRC}
	for flow, esns := range byFlow {
		sort.Slice(esns, func(i, j int) bool { return esns[i] < esns[j] })
		pkt.Pairs = append(pkt.Pairs, packNackPairs(flow, esns)...)
	}
	if len(pkt.Pairs) == 0 {
		return nil
	}
	return []*MPRTPExtendedNACK{pkt}
}

func packNackPairs(flow uint16, sorted []ExtendedSeqNo) []MPRTPNackPair {
	var out []MPRTPNackPair
	i := 0
	for i < len(sorted) {
		base := sorted[i]
		pid := base.seq()
		var blp uint16
		j := i + 1
		for j < len(sorted) {
			gap := sorted[j].seq() - pid
			if gap == 0 || gap > 16 {
				break
			}
			blp |= 1 << (gap - 1)
			j++
		}
		out = append(out, MPRTPNackPair{FlowID: flow, PID: pid, BLP: blp})
		i = j
	}
	return out
}

func groupIntoACK(localSSRC, remoteSSRC uint32, list []pendingESN) []*GenericACK {
	esns := make([]ExtendedSeqNo, 0, len(list))
	for _, p := range list {
		esns = append(esns, p.esn)
	}
	sort.Slice(esns, func(i, j int) bool { return esns[i] < esns[j] })
	pkt := &GenericACK{SenderSSRC: localSSRC, MediaSSRC: remoteSSRC}
	i := 0
	for i < len(esns) {
		base := esns[i]
		pid := base.seq()
		var blp uint16
		j := i + 1
		for j < len(esns) {
			gap := esns[j].seq() - pid
			if gap == 0 || gap > 16 {
				break
			}
			blp |= 1 << (gap - 1)
			j++
		}
		pkt.Pairs = append(pkt.Pairs, nackPair{PID: pid, BLP: blp})
		i = j
	}
	if len(pkt.Pairs) == 0 {
		return nil
	}
	return []*GenericACK{pkt}
}

// HasPending reports whether ssrc has anything waiting to drain,
// used by the scheduler's useful-feedback test.
func (f *FeedbackManager) HasPending(ssrc uint32) bool {
	return len(f.pending[ssrc]) > 0
}
