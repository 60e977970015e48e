package rtp

import (
	"time"
)

// PacketTransmissionInfo is the per-ESN bookkeeping spec §3 defines,
// tracked from first estimation until retransmission arrival or
// maxFalsePositiveWindow past assumedLostAt.
type PacketTransmissionInfo struct {
	EstimatedArrival time.Time
	ActualArrival    time.Time
	AssumedLostAt    time.Time
	RtxRequestedAt   time.Time
	RtxArrivedAt     time.Time
	FalsePositive    bool
	Cancelled        bool
}

// LossDetectorConfig bundles the tunables named in spec §4.D and §6.
type LossDetectorConfig struct {
	// K is the predicted-gap stddev multiplier (default 3, ~1% FP tail
	// under the near-Gaussian assumption).
	K float64
	// MaxGap resets predictor state if this much elapses with no
	// arrival and no outstanding timer (default ~200ms).
	MaxGap time.Duration
	// MaxConsecutiveLoss resets state to avoid runaway prediction
	// (default 32).
	MaxConsecutiveLoss int
	// FalsePositiveWindow bounds how long a PacketTransmissionInfo
	// survives past AssumedLostAt waiting for a late arrival.
	FalsePositiveWindow time.Duration
}

func (c *LossDetectorConfig) applyDefaults() {
	if c.K == 0 {
		c.K = 3
	}
	if c.MaxGap == 0 {
		c.MaxGap = 200 * time.Millisecond
	}
	if c.MaxConsecutiveLoss == 0 {
		c.MaxConsecutiveLoss = 32
	}
	if c.FalsePositiveWindow == 0 {
		c.FalsePositiveWindow = 2 * time.Second
	}
}

// LossDetector is the bounded interface spec §4.D/§9 specify, shared
// by the single-path Basic and multipath CrossPath estimators.
type LossDetector interface {
	OnPacketArrival(now time.Time, esn ExtendedSeqNo, flow *uint16, fssn *uint16)
	OnRtxArrival(now time.Time, esn ExtendedSeqNo, late, duplicate bool)
	OnRtxRequested(now time.Time, esn ExtendedSeqNo)
	// Due fires expired timers and returns ESNs newly marked lost;
	// callers poll it from the session event loop at each suspension
	// point (spec §5) rather than being handed a raw timer object.
	Due(now time.Time) []ExtendedSeqNo
	NextDeadline() (time.Time, bool)
	// Reset clears predictor/timer state, spec §4.D "State reset on BYE".
	Reset()
}

// BasicLossDetector implements spec §4.D's single-path algorithm: a
// gap predictor feeds a per-ESN timer scheduled at arrival + mu + k*sigma.
type BasicLossDetector struct {
	cfg       LossDetectorConfig
	predictor gapPredictor
	wheel     *timerWheel
	taskOf    map[ExtendedSeqNo]uint64
	infos     map[ExtendedSeqNo]*PacketTransmissionInfo

	lastArrival time.Time
	lastESN     ExtendedSeqNo
	haveLast    bool
	consecutiveLoss int

	onLost          func(ExtendedSeqNo)
	onFalsePositive func(ExtendedSeqNo) bool // returns true if cancellable
}

// NewBasicLossDetector constructs the single-path estimator. useAR2
// selects the AR(2) predictor; otherwise the moving-average fallback
// is used.
func NewBasicLossDetector(cfg LossDetectorConfig, useAR2 bool, onLost func(ExtendedSeqNo), onFP func(ExtendedSeqNo) bool) *BasicLossDetector {
	cfg.applyDefaults()
	var pred gapPredictor
	if useAR2 {
		pred = newAR2Predictor()
	} else {
		pred = newMovingAveragePredictor()
	}
	return &BasicLossDetector{
		cfg:             cfg,
		predictor:       pred,
		wheel:           newTimerWheel(),
		taskOf:          make(map[ExtendedSeqNo]uint64),
		infos:           make(map[ExtendedSeqNo]*PacketTransmissionInfo),
		onLost:          onLost,
		onFalsePositive: onFP,
	}
}

func (d *BasicLossDetector) taskID(esn ExtendedSeqNo) uint64 {
	id, ok := d.taskOf[esn]
	if !ok {
		id = d.wheel.NewID()
		d.taskOf[esn] = id
	}
	return id
}

// OnPacketArrival implements spec §4.D steps 1-3.
func (d *BasicLossDetector) OnPacketArrival(now time.Time, esn ExtendedSeqNo, _ *uint16, _ *uint16) {
	if d.haveLast && now.Sub(d.lastArrival) > d.cfg.MaxGap {
		if _, outstanding := d.wheel.NextDeadline(); !outstanding {
			d.reset()
		}
	}

	// Step 1: cancel any outstanding timer for this ESN.
	d.wheel.Cancel(d.taskID(esn))

	if info, ok := d.infos[esn]; ok && !info.AssumedLostAt.IsZero() {
		// Arrived after being assumed lost: late arrival handling is
		// driven by OnRtxArrival by convention, but a bare late RTP
		// duplicate also needs the false-positive callback.
		info.ActualArrival = now
		if d.onFalsePositive != nil {
			info.Cancelled = d.onFalsePositive(esn)
		}
	} else {
		d.infos[esn] = &PacketTransmissionInfo{ActualArrival: now}
	}

	if d.haveLast {
		gapSeq := int64(esn) - int64(d.lastESN)
		if gapSeq <= 0 {
			gapSeq = 1
		}
		normalizedGap := now.Sub(d.lastArrival).Seconds() / float64(gapSeq)
		d.predictor.Insert(normalizedGap)
	}
	d.lastArrival = now
	d.lastESN = esn
	d.haveLast = true
	d.consecutiveLoss = 0

	// Step 2: schedule the timer for esn+1.
	d.scheduleNext(esn, now)
}

func (d *BasicLossDetector) scheduleNext(esn ExtendedSeqNo, arrival time.Time) {
	mu := d.predictor.Predict()
	sigma := d.predictor.ErrorStddev()
	deadline := arrival.Add(time.Duration((mu + d.cfg.K*sigma) * float64(time.Second)))
	next := esn + 1
	d.wheel.Schedule(d.taskID(next), deadline)
	if _, ok := d.infos[next]; !ok {
		d.infos[next] = &PacketTransmissionInfo{EstimatedArrival: deadline}
	} else {
		d.infos[next].EstimatedArrival = deadline
	}
}

// Due fires any expired per-ESN timers, marking them lost and
// immediately rescheduling the following ESN using the same predicted
// gap, per spec §4.D "on timer expiry".
func (d *BasicLossDetector) Due(now time.Time) []ExtendedSeqNo {
	d.gcFalsePositiveWindow(now)
	ids := d.wheel.Due(now)
	if len(ids) == 0 {
		return nil
	}
	idToESN := make(map[uint64]ExtendedSeqNo, len(d.taskOf))
	for esn, id := range d.taskOf {
		idToESN[id] = esn
	}
	var lost []ExtendedSeqNo
	for _, id := range ids {
		esn, ok := idToESN[id]
		if !ok {
			continue
		}
		info := d.infos[esn]
		if info == nil {
			info = &PacketTransmissionInfo{}
			d.infos[esn] = info
		}
		if !info.ActualArrival.IsZero() {
			continue // arrived in the meantime before the heap popped it
		}
		info.AssumedLostAt = now
		lost = append(lost, esn)
		d.consecutiveLoss++
		if d.onLost != nil {
			d.onLost(esn)
		}
		d.scheduleNext(esn, now)
		if d.consecutiveLoss >= d.cfg.MaxConsecutiveLoss {
			d.reset()
		}
	}
	return lost
}

func (d *BasicLossDetector) NextDeadline() (time.Time, bool) { return d.wheel.NextDeadline() }

// OnRtxArrival implements the late-arrival / false-positive path.
func (d *BasicLossDetector) OnRtxArrival(now time.Time, esn ExtendedSeqNo, late, duplicate bool) {
	info, ok := d.infos[esn]
	if !ok {
		info = &PacketTransmissionInfo{}
		d.infos[esn] = info
	}
	info.RtxArrivedAt = now
	if late && !info.AssumedLostAt.IsZero() {
		if d.onFalsePositive != nil {
			info.Cancelled = d.onFalsePositive(esn)
		}
		if !info.Cancelled {
			info.FalsePositive = true
		}
	}
}

// OnRtxRequested timestamps the retransmission request for false
// positive-window and retransmission-latency accounting.
func (d *BasicLossDetector) OnRtxRequested(now time.Time, esn ExtendedSeqNo) {
	info, ok := d.infos[esn]
	if !ok {
		info = &PacketTransmissionInfo{}
		d.infos[esn] = info
	}
	info.RtxRequestedAt = now
}

// reset implements the BYE/max-consecutive-loss/first-packet reset
// rule from spec §4.D.
func (d *BasicLossDetector) reset() {
	d.predictor.Reset()
	d.wheel = newTimerWheel()
	d.taskOf = make(map[ExtendedSeqNo]uint64)
	d.haveLast = false
	d.consecutiveLoss = 0
}

// Reset is exported for BYE handling (spec §4.D "State reset on BYE").
func (d *BasicLossDetector) Reset() { d.reset() }

// gcFalsePositiveWindow drops PacketTransmissionInfo entries whose
// AssumedLostAt is more than FalsePositiveWindow in the past, bounding
// memory for long sessions (spec §3 lifecycle for PacketTransmissionInfo).
func (d *BasicLossDetector) gcFalsePositiveWindow(now time.Time) {
	for esn, info := range d.infos {
		if info.AssumedLostAt.IsZero() {
			continue
		}
		if now.Sub(info.AssumedLostAt) > d.cfg.FalsePositiveWindow {
			delete(d.infos, esn)
			delete(d.taskOf, esn)
		}
	}
}
