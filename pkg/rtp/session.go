// Package rtp implements the RTP/RTCP session engine: a per-SSRC
// member database, jitter/playout buffer, RTCP report scheduler
// (including RFC 4585 early feedback), a loss-detection/RTO estimator
// driving NACK/ACK feedback, a congestion-controlled sending
// scheduler, and the MPRTP multipath variants of each. Codec payload
// packetizers, SDP/RTSP/SIP signaling, and concrete transport sockets
// are deliberately outside this package; it consumes the Transport
// and PayloadPacketizer interfaces from its caller.
package rtp

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/rs/zerolog"
)

// SessionState is the Session Core's own lifecycle, spec §4.H --
// distinct from a single member's MemberState.
type SessionState int

const (
	SessionIdle SessionState = iota
	SessionActive
	SessionShuttingDown
	SessionClosed
)

// Notification is an observable side effect emitted by the session
// core, spec §4.H: member joined/left, RR received, session complete.
type Notification struct {
	Kind    NotificationKind
	SSRC    uint32
	RTT     time.Duration
	Err     error
}

type NotificationKind int

const (
	NotifyMemberJoined NotificationKind = iota
	NotifyMemberLeft
	NotifyRRReceived
	NotifySessionComplete
	NotifyTransportError
)

// Session is the single-session composition described in spec §4.H:
// one thread of control (one goroutine running the event loop) owns
// the session database, jitter buffer, and scheduler instances
// exclusively; other components only ever see state scoped to one
// inbound or outbound event, per spec §3's ownership rule.
type Session struct {
	cfg SessionConfig

	clock Clock
	rng   Rng
	log   zerolog.Logger

	localSSRC uint32
	cname     string

	db        *SessionDB
	jitterBuf JitterBuffer
	lossDet   LossDetector
	rtcpSched *RTCPScheduler
	feedback  *FeedbackManager
	sendSched SendScheduler

	subflows *SubflowDB
	pathSched PathScheduler

	metrics *Metrics

	seq       uint16
	rtpBase   uint32
	epoch     time.Time
	isSender  bool
	packetCount uint32
	octetCount  uint32

	avgRTCPSize float64

	state   SessionState
	stateMu sync.Mutex

	notify func(Notification)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	inbound chan []byte
	outbound chan []byte

	transportErrors int
	maxTransportRetries int

	// lastInboundSSRC is scratch state set immediately before the loss
	// detector's callbacks fire for the packet currently being
	// processed; safe because the event loop is single-threaded
	// (spec §5: "between any two suspension points the invariants hold").
	lastInboundSSRC uint32

	malformedCount  uint64
}

// Option configures a Session at construction time.
type Option func(*Session)

func WithClock(c Clock) Option { return func(s *Session) { s.clock = c } }
func WithRng(r Rng) Option     { return func(s *Session) { s.rng = r } }
func WithLogger(l zerolog.Logger) Option { return func(s *Session) { s.log = l } }
func WithNotify(fn func(Notification)) Option { return func(s *Session) { s.notify = fn } }
func WithMetrics(m *Metrics) Option            { return func(s *Session) { s.metrics = m } }

// New validates cfg, applies defaults, and builds a Session ready for
// Start. A bad configuration returns KindConfigurationError, fatal
// per spec §7 -- the session is not created.
func New(cfg SessionConfig, opts ...Option) (*Session, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Session{
		cfg:                 cfg,
		clock:               systemClock{},
		rng:                 newDefaultRng(),
		log:                 defaultLogger(),
		state:               SessionIdle,
		inbound:             make(chan []byte, 64),
		outbound:            make(chan []byte, 64),
		maxTransportRetries: 8,
	}
	for _, o := range opts {
		o(s)
	}
	s.log = newComponentLogger(s.log, "session")

	s.localSSRC = generateSSRC(s.rng, nil)
	s.cname = cfg.LocalCNAME
	if s.cname == "" {
		s.cname = uuid.NewString()
	}
	s.seq = s.rng.Uint16()
	s.rtpBase = s.rng.Uint32()
	s.epoch = s.clock.Now()

	s.db = NewSessionDB(s.localSSRC, s.clock)
	s.db.onMemberJoined = func(ssrc uint32) { s.emit(Notification{Kind: NotifyMemberJoined, SSRC: ssrc}) }
	s.db.onMemberLeft = func(ssrc uint32) { s.emit(Notification{Kind: NotifyMemberLeft, SSRC: ssrc}) }
	s.db.onCollision = func(oldSSRC uint32) { s.emit(Notification{Kind: NotifyTransportError, SSRC: oldSSRC, Err: newErr(KindSSRCCollision, "ssrc collision", nil)}) }

	s.jitterBuf = NewV2PTS(cfg.bufferLatency(), s.clock)

	ldCfg := LossDetectorConfig{K: cfg.RtxPredictorStddevK, MaxConsecutiveLoss: cfg.MaxConsecutiveLoss}
	s.feedback = NewFeedbackManager(cfg.FeedbackMode, func(ssrc uint32, pendingSince time.Time) {
		if s.rtcpSched == nil || !s.rtcpSched.UsefulFeedback(pendingSince, 0) {
			return
		}
		s.rtcpSched.OnFeedback(s.clock.Now())
	})
	onLost := func(esn ExtendedSeqNo) {
		// which remote SSRC this ESN belongs to is tracked by the
		// caller of OnRTP; for the single-flow core there's exactly
		// one remote SSRC of interest at a time, recorded below.
		s.feedback.OnLost(s.lastInboundSSRC, esn, nil, s.clock.Now())
	}
	onFP := func(esn ExtendedSeqNo) bool {
		return s.feedback.OnFalsePositive(s.lastInboundSSRC, esn)
	}
	if cfg.EnableMPRTP {
		s.subflows = NewSubflowDB()
		s.pathSched = buildPathScheduler(cfg.MprtpSchedulerSpec)
		s.lossDet = NewCrossPathLossDetector(ldCfg, nil, onLost, onFP)
	} else {
		s.lossDet = NewBasicLossDetector(ldCfg, true, onLost, onFP)
	}

	s.rtcpSched = NewRTCPScheduler(RTCPSchedulerConfig{
		RTCPBandwidthBps: cfg.rtcpBandwidthBps(),
		ReducedMinimum:   cfg.UseReducedMinRTCP,
	}, s.rng, s.clock)
	s.avgRTCPSize = 100 // bytes, seeded per RFC 3550's recommended initial estimate

	switch cfg.CCAlgorithm {
	case CCPaced:
		s.sendSched = NewPacedScheduler(10 * time.Millisecond)
	case CCAckWindow:
		s.sendSched = NewAckWindowScheduler(1200, 0.8)
	case CCNadaLike:
		s.sendSched = NewNadaScheduler(NadaConfig{})
	default:
		s.sendSched = NewImmediateScheduler()
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

func buildPathScheduler(spec MprtpSchedulerSpec) PathScheduler {
	switch {
	case spec == "random":
		return NewRandomScheduler()
	case spec == "rtt":
		return NewSmallestRTTScheduler()
	default:
		return NewRoundRobinScheduler(nil)
	}
}

// AddSubflow registers a new MPRTP subflow on a running session, spec
// §4.I: subflows may join after the session starts. It adds sf to the
// subflow database, teaches the path scheduler about the new flow id
// if it supports that, and registers the flow with the cross-path loss
// estimator so Component I is actually reachable from Session.
func (s *Session) AddSubflow(sf *Subflow) error {
	if !s.cfg.EnableMPRTP || s.subflows == nil {
		return newErr(KindConfigurationError, "mprtp is not enabled for this session", nil)
	}
	s.subflows.Add(sf)
	if fa, ok := s.pathSched.(flowAwarePathScheduler); ok {
		fa.AddFlow(sf.FlowID)
	}
	if cp, ok := s.lossDet.(*CrossPathLossDetector); ok {
		cp.RegisterFlow(sf.FlowID)
	}
	return nil
}

// GetSSRC returns the local session's SSRC.
func (s *Session) GetSSRC() uint32 { return s.localSSRC }

// State returns the current SessionState.
func (s *Session) State() SessionState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *Session) setState(st SessionState) {
	s.stateMu.Lock()
	s.state = st
	s.stateMu.Unlock()
}

func (s *Session) emit(n Notification) {
	if s.notify != nil {
		s.notify(n)
	}
}

// Start launches the session's event loop on its own goroutine (spec
// §5: single-threaded cooperative per session) and a second goroutine
// that pumps Transport.Recv into the inbound channel, the only
// concurrency boundary in the design.
func (s *Session) Start() error {
	if s.State() != SessionIdle {
		return newErr(KindConfigurationError, "session already started", nil)
	}
	s.setState(SessionActive)

	s.wg.Add(2)
	go s.recvLoop()
	go s.eventLoop()
	return nil
}

func (s *Session) recvLoop() {
	defer s.wg.Done()
	for {
		buf, err := s.cfg.Transport.Recv(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.transportErrors++
			s.emit(Notification{Kind: NotifyTransportError, Err: newErr(KindTransportError, "recv", err)})
			if s.transportErrors >= s.maxTransportRetries {
				return
			}
			continue
		}
		select {
		case s.inbound <- buf:
		case <-s.ctx.Done():
			return
		}
	}
}

// Stop requests shutdown: the session moves to ShuttingDown, emits a
// best-effort final BYE, then to Closed, per spec §4.H's "repeated
// BYEs" failure semantics and §5's "final write is best-effort".
func (s *Session) Stop() error {
	if s.State() == SessionClosed {
		return nil
	}
	s.setState(SessionShuttingDown)
	s.sendBYE()
	s.cancel()
	s.wg.Wait()
	s.setState(SessionClosed)
	s.emit(Notification{Kind: NotifySessionComplete})
	return nil
}

func (s *Session) sendBYE() {
	pkts := s.buildReportPackets(s.clock.Now())
	pkts = append(pkts, s.buildSDES(), &rtcp.Goodbye{Sources: []uint32{s.localSSRC}})
	buf, err := EncodeCompoundRTCP(pkts)
	if err != nil {
		return
	}
	_ = s.cfg.Transport.Send(context.Background(), buf) // best-effort
}

// buildSDES composes the CNAME source-description item every compound
// report carries, RFC 3550 §6.5.
func (s *Session) buildSDES() *rtcp.SourceDescription {
	return &rtcp.SourceDescription{
		Chunks: []rtcp.SourceDescriptionChunk{
			{
				Source: s.localSSRC,
				Items: []rtcp.SourceDescriptionItem{
					{Type: rtcp.SDESCNAME, Text: s.cname},
				},
			},
		},
	}
}

// eventLoop is the single thread of control spec §5 describes:
// everything between two suspension points (Transport delivery, timer
// expiry, application pop_access_unit) runs without interleaving.
func (s *Session) eventLoop() {
	defer s.wg.Done()

	initialInterval := s.rtcpSched.NextInterval(RTCPTickInput{Members: 1, Initial: true, AvgRTCPSize: s.avgRTCPSize})
	nextRTCP := s.clock.Now().Add(initialInterval)

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case buf := <-s.inbound:
			s.handleInbound(buf)
		case au := <-s.outbound:
			s.handleOutbound(au)
		case now := <-ticker.C:
			s.handleLossTimers(now)
			deadline := nextRTCP
			if early, have := s.rtcpSched.PendingEarlyDeadline(); have && early.Before(deadline) {
				deadline = early
			}
			if !now.Before(deadline) {
				s.sendRTCPReport(now)
				interval := s.rtcpSched.NextInterval(RTCPTickInput{
					IsSender: s.isSender,
					Senders:  s.db.Senders(),
					Members:  len(s.db.Members()) + 1,
					AvgRTCPSize: s.avgRTCPSize,
				})
				nextRTCP = now.Add(interval)
				s.db.SetTRR(interval)
				if s.metrics != nil {
					s.metrics.RTCPInterval.Set(interval.Seconds())
				}
			}
			for _, ssrc := range s.db.Tick(now) {
				_ = ssrc
			}
		}
	}
}

// rtcpPacketType range, RFC 5761 §4: compound RTCP packets carry a
// second byte (PT) in [192,223]; anything outside that range is
// demultiplexed as RTP. Sessions that need RTP/RTCP on separate
// sockets just pass each Transport's bytes through the same
// HandleDatagram path -- the demux test is harmless either way.
const (
	rtcpPTLow  = 192
	rtcpPTHigh = 223
)

func looksLikeRTCP(buf []byte) bool {
	if len(buf) < 2 {
		return false
	}
	pt := buf[1]
	return pt >= rtcpPTLow && pt <= rtcpPTHigh
}

// handleInbound implements spec §4.H's inbound pipeline: RTP follows
// B -> D -> C, RTCP follows B -> E. Malformed datagrams are dropped
// and counted, never propagated as a failure (spec §7).
func (s *Session) handleInbound(buf []byte) {
	now := s.clock.Now()
	if looksLikeRTCP(buf) {
		s.handleInboundRTCP(buf, now)
		return
	}

	if s.cfg.Secure != nil {
		plain, err := s.cfg.Secure.Open(buf)
		if err != nil {
			s.emit(Notification{Kind: NotifyTransportError, Err: newErr(KindSecurityFailure, "open", err)})
			return
		}
		buf = plain
	}

	pkt, err := DecodeRTPPacket(buf)
	if err != nil {
		s.malformedCount++
		s.log.Debug().Err(err).Msg("dropped malformed rtp packet")
		return
	}

	prevTS, prevArrival, hadPrev := s.priorArrival(pkt.SSRC)

	var flowIDPtr, fssnPtr *uint16
	if s.cfg.EnableMPRTP {
		if elem, ok, extErr := getMPRTPExtension(pkt); extErr == nil && ok {
			flowID, fssn := elem.FlowID, elem.FSSN
			flowIDPtr, fssnPtr = &flowID, &fssn
		}
	}

	decision, m := s.db.OnRTP(pkt.SSRC, pkt.SequenceNumber, pkt.Timestamp, now, "", flowIDPtr, fssnPtr)
	if s.metrics != nil {
		s.metrics.PacketsReceived.Inc()
		s.metrics.BytesReceived.Add(float64(len(buf)))
	}

	if hadPrev {
		UpdateJitter(m, prevTS, prevArrival, pkt.Timestamp, now, s.cfg.ClockRateHz)
		if s.metrics != nil {
			s.metrics.Jitter.Set(m.jitter / float64(s.cfg.ClockRateHz))
		}
	}

	if decision != Accepted {
		if decision == Duplicate && s.metrics != nil {
			s.metrics.PacketsDup.Inc()
		}
		return
	}

	s.lastInboundSSRC = pkt.SSRC
	esn := m.extendedMaxSeq()

	s.lossDet.OnPacketArrival(now, esn, flowIDPtr, fssnPtr)

	presentation := s.presentationFor(m, pkt.Timestamp, now)
	res := s.jitterBuf.Add(esn, pkt.Timestamp, presentation, pkt, m.rtcpSynchronised)
	if res.Duplicate && s.metrics != nil {
		s.metrics.PacketsDup.Inc()
	}
}

// priorArrival returns the previous (rtpTS, arrival) pair recorded for
// ssrc before this call's update overwrites it, so the jitter update
// (RFC 3550 §6.4.1) always compares against the truly previous sample.
func (s *Session) priorArrival(ssrc uint32) (uint32, time.Time, bool) {
	m := s.db.Get(ssrc)
	if m == nil || !m.haveLastRTP {
		return 0, time.Time{}, false
	}
	return m.lastRTPTS, m.lastArrival, true
}

// presentationFor computes the playout instant for an accepted packet,
// spec §4.A/§4.C: NTP-anchored once an SR has been received for this
// member, otherwise a local-clock estimate seeded at first arrival.
func (s *Session) presentationFor(m *MemberEntry, rtpTS uint32, arrival time.Time) time.Time {
	if m.rtcpSynchronised {
		return presentationFromRTP(rtpTS, m.anchorNTP, m.anchorRTP, s.cfg.ClockRateHz)
	}
	return arrival
}

// handleInboundRTCP implements spec §4.B/§4.E's receive side: SR/RR
// update the session database, BYE moves the sender to Leaving, and
// feedback (NACK/ACK) drives the loss detector's false-positive path.
func (s *Session) handleInboundRTCP(buf []byte, now time.Time) {
	pkts, err := DecodeCompoundRTCP(buf)
	if err != nil {
		s.malformedCount++
		s.log.Debug().Err(err).Msg("dropped malformed rtcp packet")
		return
	}
	for _, p := range pkts {
		switch v := p.(type) {
		case *rtcp.SenderReport:
			prev := s.db.Get(v.SSRC)
			firstSR := prev == nil || !prev.rtcpSynchronised
			s.db.OnRTCPSR(v.SSRC, uint32(v.NTPTime>>32), uint32(v.NTPTime), v.RTPTime, now)
			if vm := s.db.Get(v.SSRC); firstSR && vm != nil && s.jitterBuf != nil {
				if pts, ok := s.jitterBuf.(*V2PTS); ok {
					pts.Resynchronize(vm.anchorNTP, vm.anchorRTP, s.cfg.ClockRateHz)
				}
			}
			s.handleReportBlocks(v.SSRC, v.Reports, now)
		case *rtcp.ReceiverReport:
			s.handleReportBlocks(v.SSRC, v.Reports, now)
		case *rtcp.Goodbye:
			for _, src := range v.Sources {
				s.db.OnBYE(src, now)
				if src == s.lastInboundSSRC {
					s.lossDet.Reset()
				}
			}
		case *rtcp.TransportLayerNack:
			s.handleGenericNACK(v, now)
		case *MPRTPExtendedNACK:
			s.handleMPRTPNACK(v, now)
		case *GenericACK:
			s.handleGenericACK(v, now)
		}
	}
}

func (s *Session) handleReportBlocks(reporter uint32, reports []rtcp.ReceptionReport, now time.Time) {
	for _, r := range reports {
		rtt, ok := s.db.OnRTCPRR(reporter, ReportBlockView{SSRC: r.SSRC, LastSR: r.LastSenderReport, DLSR: r.Delay}, now)
		if ok {
			if s.metrics != nil {
				s.metrics.RTT.Set(rtt.Seconds())
			}
			s.emit(Notification{Kind: NotifyRRReceived, SSRC: reporter, RTT: rtt})
		}
	}
}

func (s *Session) handleGenericNACK(v *rtcp.TransportLayerNack, now time.Time) {
	for _, n := range v.Nacks {
		esn := s.esnFromPID(v.MediaSSRC, n.PacketID)
		s.lossDet.OnRtxRequested(now, esn)
		for i := uint16(0); i < 16; i++ {
			if n.LostPackets&(1<<i) != 0 {
				s.lossDet.OnRtxRequested(now, s.esnFromPID(v.MediaSSRC, n.PacketID+i+1))
			}
		}
	}
}

func (s *Session) handleMPRTPNACK(v *MPRTPExtendedNACK, now time.Time) {
	for _, pr := range v.Pairs {
		esn := s.esnFromPID(v.MediaSSRC, pr.PID)
		s.lossDet.OnRtxRequested(now, esn)
	}
}

func (s *Session) handleGenericACK(v *GenericACK, now time.Time) {
	for _, pr := range v.Pairs {
		esn := s.esnFromPID(v.MediaSSRC, pr.PID)
		s.lossDet.OnRtxArrival(now, esn, false, false)
	}
}

// esnFromPID reconstructs the extended sequence number for a bare
// 16-bit PID using the reporting member's current cycle count -- the
// PID always refers to one of the most recent packets, so it is never
// more than one cycle behind maxSeq.
func (s *Session) esnFromPID(ssrc uint32, pid uint16) ExtendedSeqNo {
	m := s.db.Get(ssrc)
	if m == nil {
		return newESN(0, pid)
	}
	cycles := m.cycles
	if pid > m.maxSeq {
		cycles--
	}
	return newESN(cycles, pid)
}

// handleLossTimers polls the loss detector for expired per-ESN timers
// (spec §5: timers are polled at suspension points, never fired via a
// raw callback) and records a retransmission request for each.
func (s *Session) handleLossTimers(now time.Time) {
	lost := s.lossDet.Due(now)
	for _, esn := range lost {
		s.lossDet.OnRtxRequested(now, esn)
		if s.metrics != nil {
			s.metrics.PacketsLost.Inc()
		}
	}
}

// handleOutbound implements spec §4.H's outbound pipeline: application
// -> payload packetizer -> header stamp -> G (send scheduler) ->
// Transport.
func (s *Session) handleOutbound(au []byte) {
	if s.cfg.Packetizer == nil {
		return
	}
	now := s.clock.Now()
	payloads, markerOnLast, err := s.cfg.Packetizer.Packetize(au, 1200)
	if err != nil {
		s.log.Warn().Err(err).Msg("packetize failed")
		return
	}
	rtpTS := rtpFromWallclock(now, s.cfg.ClockRateHz, s.rtpBase, s.epoch)

	var sf *Subflow
	if s.cfg.EnableMPRTP && s.subflows != nil && s.pathSched != nil {
		sf = s.pathSched.Next(s.subflows, s.rng)
	}

	for i, payload := range payloads {
		pkt := &Packet{
			Header: Header{
				Version:        2,
				PayloadType:    s.cfg.PayloadType,
				SequenceNumber: s.seq,
				Timestamp:      rtpTS,
				SSRC:           s.localSSRC,
				Marker:         markerOnLast && i == len(payloads)-1,
			},
			Payload: payload,
		}
		s.seq++

		if sf != nil {
			_ = setMPRTPExtension(pkt, sf.FlowID, sf.fssnOut)
			sf.fssnOut++
		}

		s.sendPacket(pkt, sf, now)
	}
	s.isSender = true
	s.packetCount++
	s.octetCount += uint32(len(au))
}

func (s *Session) sendPacket(pkt *Packet, sf *Subflow, now time.Time) {
	buf, err := EncodeRTPPacket(pkt)
	if err != nil {
		return
	}
	if s.cfg.Secure != nil {
		sealed, err := s.cfg.Secure.Seal(buf)
		if err != nil {
			s.emit(Notification{Kind: NotifyTransportError, Err: newErr(KindSecurityFailure, "seal", err)})
			return
		}
		buf = sealed
	}

	decision := s.sendSched.OnOutbound(pkt, len(buf), now)
	if !decision.SendNow {
		return
	}
	transport := s.cfg.Transport
	if sf != nil && sf.Transport != nil {
		transport = sf.Transport
	}
	if err := transport.Send(s.ctx, buf); err != nil {
		s.transportErrors++
		s.emit(Notification{Kind: NotifyTransportError, Err: newErr(KindTransportError, "send", err)})
		return
	}
	if s.metrics != nil {
		s.metrics.PacketsSent.Inc()
		s.metrics.BytesSent.Add(float64(len(buf)))
	}
}

// SendAccessUnit enqueues one access unit for the outbound pipeline,
// run on the event-loop goroutine to preserve single-threaded ownership.
func (s *Session) SendAccessUnit(au []byte) error {
	select {
	case s.outbound <- au:
		return nil
	case <-s.ctx.Done():
		return newErr(KindShutdown, "session stopped", nil)
	}
}

// sendRTCPReport composes and transmits the regular (or early, RFC
// 4585) compound RTCP report: SR/RR, then pending feedback per
// remote SSRC, spec §4.E.
func (s *Session) sendRTCPReport(now time.Time) {
	pkts := s.buildReportPackets(now)
	pkts = append(pkts, s.buildSDES())

	for _, ssrc := range s.db.Members() {
		drained := s.feedback.Drain(s.localSSRC, ssrc, s.cfg.EnableMPRTP, now)
		for _, n := range drained.NACKs {
			var fb rtcp.Packet = n
			if !s.cfg.EnableMPRTP {
				tln := &rtcp.TransportLayerNack{SenderSSRC: n.SenderSSRC, MediaSSRC: n.MediaSSRC}
				for _, pr := range n.Pairs {
					tln.Nacks = append(tln.Nacks, rtcp.NackPair{PacketID: pr.PID, LostPackets: rtcp.PacketBitmap(pr.BLP)})
				}
				fb = tln
			}
			pkts = append(pkts, fb)
			if s.metrics != nil {
				s.metrics.NacksSent.Inc()
			}
		}
		for _, a := range drained.ACKs {
			pkts = append(pkts, a)
		}
	}

	buf, err := EncodeCompoundRTCP(pkts)
	if err != nil {
		return
	}
	if err := s.cfg.Transport.Send(s.ctx, buf); err != nil {
		s.transportErrors++
		s.emit(Notification{Kind: NotifyTransportError, Err: newErr(KindTransportError, "send rtcp", err)})
		return
	}
	s.avgRTCPSize += (float64(len(buf)) - s.avgRTCPSize) / 16
	s.rtcpSched.MarkSent(now)
}

func (s *Session) buildRR(reports []rtcp.ReceptionReport) *rtcp.ReceiverReport {
	return &rtcp.ReceiverReport{SSRC: s.localSSRC, Reports: reports}
}

func (s *Session) buildSR(now time.Time, reports []rtcp.ReceptionReport) *rtcp.SenderReport {
	msw, lsw := wallclockToNTP(now)
	return &rtcp.SenderReport{
		SSRC:        s.localSSRC,
		NTPTime:     uint64(msw)<<32 | uint64(lsw),
		RTPTime:     rtpFromWallclock(now, s.cfg.ClockRateHz, s.rtpBase, s.epoch),
		PacketCount: s.packetCount,
		OctetCount:  s.octetCount,
		Reports:     reports,
	}
}

// buildReportPackets builds the lead SR or RR (spec §4.E) plus, per
// spec §4.E's "up to 31 blocks per SR/RR; overflow into an additional
// RR", one extra rtcp.ReceiverReport per additional 31-block chunk.
func (s *Session) buildReportPackets(now time.Time) []rtcp.Packet {
	chunks := packReportBlocks(s.buildReportBlocksSince(now))

	var lead []rtcp.ReceptionReport
	var overflow [][]rtcp.ReceptionReport
	if len(chunks) > 0 {
		lead, overflow = chunks[0], chunks[1:]
	}

	var pkts []rtcp.Packet
	if s.isSender {
		pkts = append(pkts, s.buildSR(now, lead))
	} else {
		pkts = append(pkts, s.buildRR(lead))
	}
	for _, extra := range overflow {
		pkts = append(pkts, &rtcp.ReceiverReport{SSRC: s.localSSRC, Reports: extra})
	}
	return pkts
}

// buildReportBlocksSince builds one RFC 3550 §6.4.1 reception report
// block per tracked member.
func (s *Session) buildReportBlocksSince(now time.Time) []rtcp.ReceptionReport {
	var blocks []rtcp.ReceptionReport
	for _, ssrc := range s.db.Members() {
		m := s.db.Get(ssrc)
		if m == nil {
			continue
		}
		fraction, cumulative := m.fractionLostSince()
		if cumulative < 0 {
			cumulative = 0
		}
		var dlsr uint32
		if !m.lastSRTime.IsZero() {
			dlsr = dlsrUnits(now.Sub(m.lastSRTime))
		}
		blocks = append(blocks, rtcp.ReceptionReport{
			SSRC:               ssrc,
			FractionLost:       fraction,
			TotalLost:          uint32(cumulative),
			LastSequenceNumber: uint32(m.cycles)<<16 | uint32(m.maxSeq),
			Jitter:             uint32(m.jitter),
			LastSenderReport:   m.lastSRNTPMiddle32,
			Delay:              dlsr,
		})
	}
	return blocks
}
