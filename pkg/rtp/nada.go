package rtp

import "time"

// NadaConfig carries the NADA draft's tunables, spec §4.G / §6.
type NadaConfig struct {
	RMin, RMax float64 // bits/sec, default 150kbps-1.5Mbps
	XThresh    float64
	Kappa      float64
	RRef       float64
	XRef       float64
}

func (c *NadaConfig) applyDefaults() {
	if c.RMin == 0 {
		c.RMin = 150_000
	}
	if c.RMax == 0 {
		c.RMax = 1_500_000
	}
	if c.XThresh == 0 {
		c.XThresh = 0.05 // seconds of warped queuing delay
	}
	if c.Kappa == 0 {
		c.Kappa = 0.5
	}
	if c.RRef == 0 {
		c.RRef = c.RMin
	}
	if c.XRef == 0 {
		c.XRef = 0.02
	}
}

// NadaScheduler implements the NADA-style rate control from spec
// §4.G: the receiver's aggregate congestion signal x_n drives either
// an accelerated multiplicative ramp-up or a gradual additive update
// of the reference rate r_n, bounded to [RMin, RMax].
type NadaScheduler struct {
	cfg NadaConfig
	rN  float64
}

// NewNadaScheduler builds the controller, starting at RMin.
func NewNadaScheduler(cfg NadaConfig) *NadaScheduler {
	cfg.applyDefaults()
	return &NadaScheduler{cfg: cfg, rN: cfg.RMin}
}

func (s *NadaScheduler) OnOutbound(_ *Packet, _ int, now time.Time) SendDecision {
	return SendDecision{SendNow: true, SendAt: now}
}

// congestionSignal combines queuing delay, loss, and marking into the
// aggregate x_n the NADA draft defines (spec §4.G).
func congestionSignal(fb AckFeedback) float64 {
	queueSec := fb.QueuingDelay.Seconds()
	warped := queueSec
	if queueSec > 1 {
		warped = 1 + (queueSec-1)*0.25
	}
	const q = 1.0 // loss/marking penalty weight
	return warped + fb.LossRatio*q + fb.MarkingRatio*q
}

func (s *NadaScheduler) OnFeedback(fb AckFeedback) {
	x := congestionSignal(fb)
	if x < s.cfg.XThresh {
		// Accelerated ramp-up: multiplicative, capped at doubling per update.
		s.rN *= 2
		if s.rN > s.cfg.RMax {
			s.rN = s.cfg.RMax
		}
		return
	}
	s.rN += s.cfg.Kappa*(s.cfg.RRef-s.rN) - s.cfg.Kappa*s.rN*(x/s.cfg.XRef)
	s.rN = clampFloat(s.rN, s.cfg.RMin, s.cfg.RMax)
}

func (s *NadaScheduler) Tick(time.Time) (time.Time, bool) { return time.Time{}, false }
func (s *NadaScheduler) CongestionWindow() int            { return 0 }
func (s *NadaScheduler) PacingRate() float64              { return s.rN }
