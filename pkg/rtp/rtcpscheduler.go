package rtp

import "time"

// rtcpCompensator is RFC 3550's empirical correction for the
// exponential distribution of the multiplicative randomization
// factor, applied to the computed interval.
const rtcpCompensator = 1.21828

// RTCPSchedulerConfig carries the inputs spec §4.E's tick needs.
type RTCPSchedulerConfig struct {
	RTCPBandwidthBps float64 // rtcp_bw_kbps * 1000 / 8
	ReducedMinimum   bool    // RFC 5506 reduced-size minimum
	DitherFraction   float64 // l in T_dither_max = l * T_det, default 0.5
}

func (c *RTCPSchedulerConfig) applyDefaults() {
	if c.DitherFraction == 0 {
		c.DitherFraction = 0.5
	}
}

// RTCPTickInput are the per-tick inputs spec §4.E names.
type RTCPTickInput struct {
	IsSender     bool
	Senders      int
	Members      int
	AvgRTCPSize  float64 // EWMA over sent+received RTCP bytes
	Initial      bool
}

// RTCPScheduler implements the RFC 3550 deterministic interval with
// RFC 3550 randomization, RFC 4585 early-mode, and RFC 5506 reduced
// minimum, spec §4.E.
type RTCPScheduler struct {
	cfg   RTCPSchedulerConfig
	rng   Rng
	clock Clock

	tLastRR       time.Time
	tRRInterval   time.Duration // the deterministic interval computed at the last regular send
	earlyDeadline time.Time
	haveEarly     bool
}

// NewRTCPScheduler constructs the scheduler.
func NewRTCPScheduler(cfg RTCPSchedulerConfig, rng Rng, clock Clock) *RTCPScheduler {
	cfg.applyDefaults()
	return &RTCPScheduler{cfg: cfg, rng: rng, clock: clock}
}

// DeterministicInterval computes T_det = avg_rtcp_size * members /
// rtcp_bw_Bps, with RFC 3550's 25% senders-vs-receivers split.
func (s *RTCPScheduler) DeterministicInterval(in RTCPTickInput) time.Duration {
	members := float64(in.Members)
	if members <= 0 {
		members = 1
	}
	bw := s.cfg.RTCPBandwidthBps
	if bw <= 0 {
		bw = 1
	}

	senders := float64(in.Senders)
	nonSenders := members - senders
	if nonSenders < 0 {
		nonSenders = 0
	}

	var effectiveMembers float64
	if senders > 0 && senders <= members*0.25 {
		// Senders get 25% of the RTCP bandwidth; only non-senders
		// count toward this interval unless we ourselves are a sender.
		if in.IsSender {
			effectiveMembers = senders
			bw *= 0.25
		} else {
			effectiveMembers = nonSenders
			bw *= 0.75
		}
	} else {
		effectiveMembers = members
	}
	if effectiveMembers <= 0 {
		effectiveMembers = 1
	}

	secs := in.AvgRTCPSize * effectiveMembers / bw
	return time.Duration(secs * float64(time.Second))
}

// minimumInterval is spec §4.E's MIN rule.
func (s *RTCPScheduler) minimumInterval() time.Duration {
	if s.cfg.ReducedMinimum {
		bwKbps := s.cfg.RTCPBandwidthBps * 8 / 1000
		if bwKbps <= 0 {
			bwKbps = 1
		}
		return time.Duration(360/bwKbps*1000) * time.Millisecond
	}
	return 5 * time.Second
}

// NextInterval implements spec §4.E's full computation: deterministic
// interval, enforced minimum (halved for Initial), then randomization
// by U[0.5,1.5]/1.21828 (halved again for Initial).
func (s *RTCPScheduler) NextInterval(in RTCPTickInput) time.Duration {
	det := s.DeterministicInterval(in)
	min := s.minimumInterval()
	if in.Initial {
		min /= 2
	}
	if det < min {
		det = min
	}

	factor := 0.5 + s.rng.Float64()
	out := time.Duration(float64(det) * factor / rtcpCompensator)
	if in.Initial {
		out /= 2
	}
	s.tRRInterval = out
	return out
}

// OnFeedback implements RFC 4585 early-mode scheduling. It returns the
// instant at which the report should fire -- immediately if the
// regular RR interval has already elapsed, otherwise dithered within
// [t_last_rr+T_rr, t_last_rr+T_rr+T_dither_max].
func (s *RTCPScheduler) OnFeedback(now time.Time) time.Time {
	if s.tLastRR.IsZero() || now.Sub(s.tLastRR) >= s.tRRInterval {
		return now
	}
	ditherMax := time.Duration(s.cfg.DitherFraction * float64(s.tRRInterval))
	dither := time.Duration(s.rng.Float64() * float64(ditherMax))
	deadline := s.tLastRR.Add(s.tRRInterval).Add(dither)
	if !s.haveEarly || deadline.Before(s.earlyDeadline) {
		s.earlyDeadline = deadline
		s.haveEarly = true
	}
	return s.earlyDeadline
}

// UsefulFeedback implements spec §4.E's "useful-feedback test": feedback
// older than maxAge since it became pending is not scheduled.
func (s *RTCPScheduler) UsefulFeedback(pendingSince time.Time, maxAge time.Duration) bool {
	if maxAge <= 0 {
		maxAge = s.tRRInterval
	}
	return s.clock.Now().Sub(pendingSince) <= maxAge
}

// PendingEarlyDeadline reports the earliest RFC 4585 early-feedback
// deadline scheduled by OnFeedback since the last MarkSent, if any. The
// event loop fires a report at min(nextRTCP, earlyDeadline).
func (s *RTCPScheduler) PendingEarlyDeadline() (time.Time, bool) {
	return s.earlyDeadline, s.haveEarly
}

// MarkSent records that a report (regular or early) was just sent.
func (s *RTCPScheduler) MarkSent(now time.Time) {
	s.tLastRR = now
	s.haveEarly = false
}

// packReportBlocks splits reception reports into SR/RR-sized chunks
// (<=31 per packet), spec §4.E "report-block packing", returning one
// slice per outgoing packet.
func packReportBlocks[T any](blocks []T) [][]T {
	const maxPerPacket = 31
	if len(blocks) <= maxPerPacket {
		if len(blocks) == 0 {
			return nil
		}
		return [][]T{blocks}
	}
	var out [][]T
	for len(blocks) > 0 {
		n := maxPerPacket
		if n > len(blocks) {
			n = len(blocks)
		}
		out = append(out, blocks[:n])
		blocks = blocks[n:]
	}
	return out
}
