package rtp

import (
	"time"
)

// CCAlgorithm selects the sending-scheduler implementation, spec §6.
type CCAlgorithm int

const (
	CCImmediate CCAlgorithm = iota
	CCPaced
	CCAckWindow
	CCNadaLike
)

// SendDecision is returned by OnOutbound: whether and when to hand the
// packet to the Transport.
type SendDecision struct {
	SendNow bool
	SendAt  time.Time
}

// AckFeedback is the aggregate signal an ACK-driven/NADA scheduler
// consumes, spec §4.G.
type AckFeedback struct {
	Now           time.Time
	BytesAcked    int
	Loss          bool
	OWDTrend      time.Duration // observed one-way-delay trend
	OWDTarget     time.Duration
	QueuingDelay  time.Duration
	LossRatio     float64
	MarkingRatio  float64
	SmoothedRTT   time.Duration
}

// SendScheduler is the bounded interface spec §9 calls for, shared by
// all four congestion-control variants.
type SendScheduler interface {
	OnOutbound(pkt *Packet, size int, now time.Time) SendDecision
	OnFeedback(fb AckFeedback)
	Tick(now time.Time) (time.Time, bool)
	// CongestionWindow and PacingRate expose the current controller
	// state for metrics/logging; NadaLike and Immediate report 0 where
	// the concept doesn't apply.
	CongestionWindow() int
	PacingRate() float64
}

// ImmediateScheduler forwards every packet as soon as it arrives, spec §4.G.
type ImmediateScheduler struct{}

func NewImmediateScheduler() *ImmediateScheduler { return &ImmediateScheduler{} }

func (s *ImmediateScheduler) OnOutbound(_ *Packet, _ int, now time.Time) SendDecision {
	return SendDecision{SendNow: true, SendAt: now}
}
func (s *ImmediateScheduler) OnFeedback(AckFeedback)                     {}
func (s *ImmediateScheduler) Tick(time.Time) (time.Time, bool)           { return time.Time{}, false }
func (s *ImmediateScheduler) CongestionWindow() int                      { return 0 }
func (s *ImmediateScheduler) PacingRate() float64                       { return 0 }

// PacedScheduler dequeues one packet every pacingInterval (default
// 10ms), smoothing IDR-frame bursts, spec §4.G.
type PacedScheduler struct {
	interval time.Duration
	queue    []*queuedPacket
	lastTick time.Time
}

type queuedPacket struct {
	pkt  *Packet
	size int
}

// NewPacedScheduler builds the scheduler with the given pacing interval
// (default 10ms).
func NewPacedScheduler(interval time.Duration) *PacedScheduler {
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	return &PacedScheduler{interval: interval}
}

func (s *PacedScheduler) OnOutbound(pkt *Packet, size int, now time.Time) SendDecision {
	s.queue = append(s.queue, &queuedPacket{pkt: pkt, size: size})
	if s.lastTick.IsZero() {
		return SendDecision{SendNow: true, SendAt: now}
	}
	return SendDecision{SendAt: s.lastTick.Add(s.interval)}
}

func (s *PacedScheduler) OnFeedback(AckFeedback) {}

// Tick dequeues at most one packet and returns the next deadline.
func (s *PacedScheduler) Tick(now time.Time) (time.Time, bool) {
	s.lastTick = now
	if len(s.queue) == 0 {
		return time.Time{}, false
	}
	s.queue = s.queue[1:]
	if len(s.queue) == 0 {
		return time.Time{}, false
	}
	return now.Add(s.interval), true
}

func (s *PacedScheduler) CongestionWindow() int { return 0 }
func (s *PacedScheduler) PacingRate() float64   { return 1 / s.interval.Seconds() }

// AckWindowScheduler is the window-based, ACK-driven controller from
// spec §4.G: cwnd grows by mss per ACK while below target delay,
// multiplies by beta on loss, paces at cwnd/srtt.
type AckWindowScheduler struct {
	mss  int
	beta float64

	cwnd    float64
	minCwnd float64
	srtt    time.Duration
}

// NewAckWindowScheduler builds the controller; mss and beta default to
// 1200 bytes and 0.8 respectively.
func NewAckWindowScheduler(mss int, beta float64) *AckWindowScheduler {
	if mss <= 0 {
		mss = 1200
	}
	if beta <= 0 {
		beta = 0.8
	}
	s := &AckWindowScheduler{mss: mss, beta: beta}
	s.minCwnd = 2 * float64(mss)
	s.cwnd = s.minCwnd
	s.srtt = 100 * time.Millisecond
	return s
}

func (s *AckWindowScheduler) OnOutbound(_ *Packet, _ int, now time.Time) SendDecision {
	return SendDecision{SendNow: true, SendAt: now}
}

func (s *AckWindowScheduler) OnFeedback(fb AckFeedback) {
	if fb.SmoothedRTT > 0 {
		s.srtt = fb.SmoothedRTT
	}
	if fb.Loss {
		s.cwnd *= s.beta
		if s.cwnd < s.minCwnd {
			s.cwnd = s.minCwnd
		}
		return
	}
	if fb.OWDTrend < fb.OWDTarget {
		s.cwnd += float64(s.mss)
	}
}

func (s *AckWindowScheduler) Tick(time.Time) (time.Time, bool) { return time.Time{}, false }
func (s *AckWindowScheduler) CongestionWindow() int            { return int(s.cwnd) }

// PacingRate returns cwnd/srtt in bytes/sec.
func (s *AckWindowScheduler) PacingRate() float64 {
	if s.srtt <= 0 {
		return 0
	}
	return s.cwnd / s.srtt.Seconds()
}
