package rtp

import (
	"time"
)

// Subflow is one MPRTP path, spec §4.I: (flow_id, local/remote
// endpoint, per-subflow member stats). Transport is the opaque
// per-path send/receive collaborator (spec §6); the core never opens
// a concrete socket itself.
type Subflow struct {
	FlowID    uint16
	Local     string
	Remote    string
	Transport Transport

	fssnOut  uint16 // next flow-specific sequence number to stamp
	smoothedRTT time.Duration
	lossCount   uint32
}

// SubflowDB tracks the set of active subflows for one MPRTP session.
type SubflowDB struct {
	flows map[uint16]*Subflow
}

func NewSubflowDB() *SubflowDB { return &SubflowDB{flows: make(map[uint16]*Subflow)} }

func (db *SubflowDB) Add(sf *Subflow) { db.flows[sf.FlowID] = sf }

func (db *SubflowDB) Get(id uint16) (*Subflow, bool) { sf, ok := db.flows[id]; return sf, ok }

func (db *SubflowDB) All() []*Subflow {
	out := make([]*Subflow, 0, len(db.flows))
	for _, sf := range db.flows {
		out = append(out, sf)
	}
	return out
}

func (db *SubflowDB) UpdateRTT(id uint16, rtt time.Duration) {
	if sf, ok := db.flows[id]; ok {
		if sf.smoothedRTT == 0 {
			sf.smoothedRTT = rtt
		} else {
			sf.smoothedRTT += (rtt - sf.smoothedRTT) / 8
		}
	}
}

// fastestFlow returns the subflow with the lowest smoothed RTT,
// used by the Smallest-RTT scheduler and by RTX routing (spec §4.G).
func (db *SubflowDB) fastestFlow() *Subflow {
	var best *Subflow
	for _, sf := range db.flows {
		if best == nil || (sf.smoothedRTT > 0 && sf.smoothedRTT < best.smoothedRTT) {
			best = sf
		}
	}
	return best
}

// PathScheduler picks which subflow an outbound packet travels on,
// spec §4.I. The five strategies share this bounded interface.
type PathScheduler interface {
	Next(db *SubflowDB, rng Rng) *Subflow
}

// flowAwarePathScheduler is implemented by schedulers that need to know
// about subflows added after construction (spec §4.I allows subflows
// to join a running session); AddSubflow calls it when present.
type flowAwarePathScheduler interface {
	AddFlow(id uint16)
}

// RoundRobinScheduler cycles through subflow indices in registration order.
type RoundRobinScheduler struct {
	order []uint16
	pos   int
}

func NewRoundRobinScheduler(order []uint16) *RoundRobinScheduler {
	return &RoundRobinScheduler{order: order}
}

// AddFlow appends id to the rotation if not already present.
func (s *RoundRobinScheduler) AddFlow(id uint16) {
	for _, existing := range s.order {
		if existing == id {
			return
		}
	}
	s.order = append(s.order, id)
}

func (s *RoundRobinScheduler) Next(db *SubflowDB, _ Rng) *Subflow {
	if len(s.order) == 0 {
		return nil
	}
	id := s.order[s.pos%len(s.order)]
	s.pos++
	sf, _ := db.Get(id)
	return sf
}

// FixedPatternScheduler sends Counts[i] packets on Flows[i] before
// advancing, e.g. "x-y-z" from spec §4.I.
type FixedPatternScheduler struct {
	Flows  []uint16
	Counts []int

	idx  int
	sent int
}

func NewFixedPatternScheduler(flows []uint16, counts []int) *FixedPatternScheduler {
	return &FixedPatternScheduler{Flows: flows, Counts: counts}
}

func (s *FixedPatternScheduler) Next(db *SubflowDB, _ Rng) *Subflow {
	if len(s.Flows) == 0 {
		return nil
	}
	for s.Counts[s.idx] == 0 {
		s.idx = (s.idx + 1) % len(s.Flows)
	}
	id := s.Flows[s.idx]
	s.sent++
	if s.sent >= s.Counts[s.idx] {
		s.sent = 0
		s.idx = (s.idx + 1) % len(s.Flows)
	}
	sf, _ := db.Get(id)
	return sf
}

// RandomScheduler picks uniformly, weighted by recent RTT (lower RTT
// gets proportionally higher weight), spec §4.I.
type RandomScheduler struct{}

func NewRandomScheduler() *RandomScheduler { return &RandomScheduler{} }

func (s *RandomScheduler) Next(db *SubflowDB, rng Rng) *Subflow {
	flows := db.All()
	if len(flows) == 0 {
		return nil
	}
	weights := make([]float64, len(flows))
	var total float64
	for i, sf := range flows {
		w := 1.0
		if sf.smoothedRTT > 0 {
			w = 1 / sf.smoothedRTT.Seconds()
		}
		weights[i] = w
		total += w
	}
	r := rng.Float64() * total
	for i, w := range weights {
		if r < w {
			return flows[i]
		}
		r -= w
	}
	return flows[len(flows)-1]
}

// DistributedSegment is one [a,b] range of the Distributed scheduler.
type DistributedSegment struct {
	FlowID   uint16
	Min, Max int
}

// DistributedScheduler picks a random integer in [a_i,b_i] per segment
// before advancing, spec §4.I: "[a1:b1]-[a2:b2]...".
type DistributedScheduler struct {
	Segments []DistributedSegment
	idx      int
	remaining int
	started  bool
}

func NewDistributedScheduler(segments []DistributedSegment) *DistributedScheduler {
	return &DistributedScheduler{Segments: segments}
}

func (s *DistributedScheduler) Next(db *SubflowDB, rng Rng) *Subflow {
	if len(s.Segments) == 0 {
		return nil
	}
	if !s.started || s.remaining <= 0 {
		seg := s.Segments[s.idx]
		span := seg.Max - seg.Min + 1
		if span < 1 {
			span = 1
		}
		s.remaining = seg.Min + int(rng.Float64()*float64(span))
		if s.remaining < 1 {
			s.remaining = 1
		}
		s.started = true
		if s.remaining == 0 {
			s.idx = (s.idx + 1) % len(s.Segments)
		}
	}
	seg := s.Segments[s.idx]
	s.remaining--
	if s.remaining <= 0 {
		s.idx = (s.idx + 1) % len(s.Segments)
		s.started = false
	}
	sf, _ := db.Get(seg.FlowID)
	return sf
}

// SmallestRTTScheduler always sends on the subflow with the lowest
// smoothed RTT, used for both regular traffic and RTX routing in this
// mode, spec §4.I.
type SmallestRTTScheduler struct{}

func NewSmallestRTTScheduler() *SmallestRTTScheduler { return &SmallestRTTScheduler{} }

func (s *SmallestRTTScheduler) Next(db *SubflowDB, _ Rng) *Subflow {
	return db.fastestFlow()
}

// crossPathState is the cross-path estimator's FSM, spec §4.D.
type crossPathState int

const (
	stateLearnFlowOrder crossPathState = iota
	stateLearnPathDifference
	stateRunning
)

// crossPathSample correlates a global SN's arrival across flows
// while the estimator is still learning flow order / path difference.
type crossPathSample struct {
	fastArrival time.Time
	slowArrival time.Time
	haveFast    bool
	haveSlow    bool
}

// CrossPathLossDetector is the multipath loss/RTO estimator, spec
// §4.D: beyond per-flow predictors, it maintains a cross-path delta
// predictor keyed off the fastest flow so a loss on the slow flow can
// be anticipated from the fast flow's arrival.
type CrossPathLossDetector struct {
	cfg   LossDetectorConfig
	perFlow map[uint16]*BasicLossDetector
	flowOrder []uint16 // registration order, used to pick "the other flow" once fastFlow is learned

	state     crossPathState
	fastFlow  uint16
	slowFlow  uint16
	haveFlows bool

	// firstArrivalCounts tallies, per flow, how often that flow was the
	// first to deliver a given global SN during LearnFlowOrder -- the
	// actual "which flow consistently arrives first" observation spec
	// §4.D/§8 scenario 5 requires, rather than trusting the registration
	// order blindly.
	firstArrivalCounts map[uint16]int

	samples map[uint32]*crossPathSample // keyed by the global (non-extended) SN

	deltaPredictor gapPredictor
	wheel          *timerWheel
	taskOf         map[ExtendedSeqNo]uint64

	learnSamples int
	minLearnSamples int

	onLost          func(ExtendedSeqNo)
	onFalsePositive func(ExtendedSeqNo) bool
}

// NewCrossPathLossDetector constructs the estimator for a two-or-more
// subflow session; fastFlow/slowFlow are seeded with the first two
// known subflow ids and corrected once LearnFlowOrder completes.
func NewCrossPathLossDetector(cfg LossDetectorConfig, flowIDs []uint16, onLost func(ExtendedSeqNo), onFP func(ExtendedSeqNo) bool) *CrossPathLossDetector {
	cfg.applyDefaults()
	d := &CrossPathLossDetector{
		cfg:                cfg,
		perFlow:            make(map[uint16]*BasicLossDetector),
		firstArrivalCounts: make(map[uint16]int),
		samples:            make(map[uint32]*crossPathSample),
		deltaPredictor:     newAR2Predictor(),
		wheel:              newTimerWheel(),
		taskOf:             make(map[ExtendedSeqNo]uint64),
		minLearnSamples:    5,
		onLost:             onLost,
		onFalsePositive:    onFP,
	}
	for _, id := range flowIDs {
		d.RegisterFlow(id)
	}
	return d
}

// RegisterFlow adds a subflow to the estimator after construction (spec
// §4.I: subflows may be added to a running session), creating its
// per-flow BasicLossDetector and, for the first two flows seen,
// seeding fastFlow/slowFlow until LearnFlowOrder corrects them.
func (d *CrossPathLossDetector) RegisterFlow(id uint16) {
	if _, ok := d.perFlow[id]; ok {
		return
	}
	d.perFlow[id] = NewBasicLossDetector(d.cfg, true, d.onLost, d.onFalsePositive)
	d.flowOrder = append(d.flowOrder, id)
	if len(d.flowOrder) == 2 {
		d.fastFlow, d.slowFlow = d.flowOrder[0], d.flowOrder[1]
		d.haveFlows = true
	}
}

// OnPacketArrival implements the state machine from spec §8 scenario
// 5: LearnFlowOrder determines which flow consistently arrives first
// for matching global SNs; LearnPathDifference measures the average
// cross-path delta; Running schedules the slow flow's timer off the
// fast flow's arrival.
func (d *CrossPathLossDetector) OnPacketArrival(now time.Time, esn ExtendedSeqNo, flow *uint16, fssn *uint16) {
	if flow == nil {
		return
	}
	if pf, ok := d.perFlow[*flow]; ok {
		pf.OnPacketArrival(now, esn, flow, fssn)
	}

	globalSN := uint32(esn.seq()) // correlate on the outer RTP SN, per spec §4.I
	s, ok := d.samples[globalSN]
	if !ok {
		s = &crossPathSample{}
		d.samples[globalSN] = s
	}

	switch d.state {
	case stateLearnFlowOrder:
		d.observeLearnOrder(*flow, now, s)
	case stateLearnPathDifference:
		d.observeLearnDifference(*flow, now, s)
	case stateRunning:
		d.observeRunning(*flow, esn, now)
	}
}

func (d *CrossPathLossDetector) observeLearnOrder(flow uint16, now time.Time, s *crossPathSample) {
	if s.haveFast || s.haveSlow {
		return // first flow to arrive for this SN already recorded
	}
	s.haveFast = true
	s.fastArrival = now
	d.firstArrivalCounts[flow]++
	d.learnSamples++
	if d.learnSamples >= d.minLearnSamples {
		d.resolveFlowOrder()
		d.state = stateLearnPathDifference
		d.learnSamples = 0
	}
}

// resolveFlowOrder sets fastFlow/slowFlow from the observed
// first-arrival tally accumulated during LearnFlowOrder -- the flow
// that was first most often becomes fastFlow -- overriding the
// registration-order seed set by RegisterFlow (spec §4.D/§8 scenario 5).
func (d *CrossPathLossDetector) resolveFlowOrder() {
	var best uint16
	bestCount := -1
	for _, id := range d.flowOrder {
		if c := d.firstArrivalCounts[id]; c > bestCount {
			best, bestCount = id, c
		}
	}
	if bestCount < 0 {
		return // no observations yet; keep the registration-order seed
	}
	d.fastFlow = best
	for _, id := range d.flowOrder {
		if id != best {
			d.slowFlow = id
			break
		}
	}
}

func (d *CrossPathLossDetector) observeLearnDifference(flow uint16, now time.Time, s *crossPathSample) {
	if flow == d.fastFlow {
		s.fastArrival = now
		s.haveFast = true
	} else {
		s.slowArrival = now
		s.haveSlow = true
	}
	if s.haveFast && s.haveSlow {
		delta := s.slowArrival.Sub(s.fastArrival).Seconds()
		d.deltaPredictor.Insert(delta)
		d.learnSamples++
		if d.learnSamples >= d.minLearnSamples {
			d.state = stateRunning
		}
	}
}

func (d *CrossPathLossDetector) observeRunning(flow uint16, esn ExtendedSeqNo, now time.Time) {
	if flow != d.fastFlow {
		// Slow-flow arrival: cancel whatever timer is outstanding.
		d.wheel.Cancel(d.taskFor(esn))
		return
	}
	// Fast-flow arrival schedules a timer for the matching slow-flow ESN.
	delta := d.deltaPredictor.Predict()
	sigma := d.deltaPredictor.ErrorStddev()
	deadline := now.Add(time.Duration((delta + d.cfg.K*sigma) * float64(time.Second)))
	d.wheel.Schedule(d.taskFor(esn), deadline)
}

func (d *CrossPathLossDetector) taskFor(esn ExtendedSeqNo) uint64 {
	id, ok := d.taskOf[esn]
	if !ok {
		id = d.wheel.NewID()
		d.taskOf[esn] = id
	}
	return id
}

// Due fires expired cross-path timers (treated as slow-flow loss) and
// delegates to each per-flow BasicLossDetector's own Due.
func (d *CrossPathLossDetector) Due(now time.Time) []ExtendedSeqNo {
	var lost []ExtendedSeqNo
	ids := d.wheel.Due(now)
	idToESN := make(map[uint64]ExtendedSeqNo, len(d.taskOf))
	for esn, id := range d.taskOf {
		idToESN[id] = esn
	}
	for _, id := range ids {
		if esn, ok := idToESN[id]; ok {
			lost = append(lost, esn)
			if d.onLost != nil {
				d.onLost(esn)
			}
		}
	}
	for _, pf := range d.perFlow {
		lost = append(lost, pf.Due(now)...)
	}
	return lost
}

func (d *CrossPathLossDetector) NextDeadline() (time.Time, bool) {
	best, ok := d.wheel.NextDeadline()
	for _, pf := range d.perFlow {
		if t, has := pf.NextDeadline(); has && (!ok || t.Before(best)) {
			best, ok = t, true
		}
	}
	return best, ok
}

// OnRtxArrival is forwarded to every per-flow detector; per the open
// question in spec §9, OnRtxRequested is not forwarded to per-flow
// state and does nothing in the cross-path variant.
func (d *CrossPathLossDetector) OnRtxArrival(now time.Time, esn ExtendedSeqNo, late, duplicate bool) {
	for _, pf := range d.perFlow {
		pf.OnRtxArrival(now, esn, late, duplicate)
	}
}

func (d *CrossPathLossDetector) OnRtxRequested(now time.Time, esn ExtendedSeqNo) {
	// Intentionally not forwarded to per-flow detectors; see spec §9's
	// open question about whether per-flow RTX accounting is required.
}

// Reset clears cross-path learning state and every per-flow detector,
// spec §4.D "State reset on BYE".
func (d *CrossPathLossDetector) Reset() {
	d.state = stateLearnFlowOrder
	d.samples = make(map[uint32]*crossPathSample)
	d.firstArrivalCounts = make(map[uint16]int)
	d.wheel = newTimerWheel()
	d.taskOf = make(map[ExtendedSeqNo]uint64)
	d.learnSamples = 0
	for _, pf := range d.perFlow {
		pf.Reset()
	}
}
