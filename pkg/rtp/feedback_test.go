package rtp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFeedbackManagerNackGroupsByFlow(t *testing.T) {
	notified := 0
	f := NewFeedbackManager(FeedbackNack, func(uint32, time.Time) { notified++ })

	flowA := uint16(1)
	flowB := uint16(2)
	f.OnLost(0xAAAA, newESN(0, 10), &flowA, time.Now())
	f.OnLost(0xAAAA, newESN(0, 11), &flowA, time.Now())
	f.OnLost(0xAAAA, newESN(0, 20), &flowB, time.Now())
	require.Equal(t, 3, notified)

	res := f.Drain(0x1111, 0xAAAA, true, time.Now())
	require.Len(t, res.NACKs, 1)
	require.Empty(t, res.ACKs)
	require.Len(t, res.NACKs[0].Pairs, 2, "distinct flows must not be merged into one base PID")

	require.False(t, f.HasPending(0xAAAA), "drain must clear the pending list")
}

func TestFeedbackManagerNackPacksContiguousRun(t *testing.T) {
	f := NewFeedbackManager(FeedbackNack, nil)
	for _, seq := range []uint16{5, 6, 7, 9} {
		f.OnLost(0xAAAA, newESN(0, seq), nil, time.Now())
	}
	res := f.Drain(0x1111, 0xAAAA, true, time.Now())
	require.Len(t, res.NACKs, 1)
	require.Len(t, res.NACKs[0].Pairs, 1, "a run within the BLP window collapses into a single base+bitmap pair")
	require.Equal(t, uint16(5), res.NACKs[0].Pairs[0].PID)
}

func TestFeedbackManagerAckModeProducesACKs(t *testing.T) {
	f := NewFeedbackManager(FeedbackAck, nil)
	f.OnReceived(0xAAAA, newESN(0, 1), nil, time.Now())
	f.OnReceived(0xAAAA, newESN(0, 2), nil, time.Now())

	res := f.Drain(0x1111, 0xAAAA, false, time.Now())
	require.Empty(t, res.NACKs)
	require.Len(t, res.ACKs, 1)
}

func TestFeedbackManagerOnLostIgnoredInAckMode(t *testing.T) {
	f := NewFeedbackManager(FeedbackAck, nil)
	f.OnReceived(0xAAAA, newESN(0, 1), nil, time.Now())
	f.OnLost(0xAAAA, newESN(0, 3), nil, time.Now())

	res := f.Drain(0x1111, 0xAAAA, false, time.Now())
	require.Len(t, res.ACKs, 1)
	require.Equal(t, []nackPair{{PID: 1, BLP: 0}}, res.ACKs[0].Pairs, "a lost ESN must not be acknowledged in ACK mode")
	require.Empty(t, f.pending[0xAAAA], "drain must empty pending regardless of mode")
}

func TestFeedbackManagerFalsePositiveCancelsPendingNack(t *testing.T) {
	f := NewFeedbackManager(FeedbackNack, nil)
	esn := newESN(0, 42)
	f.OnLost(0xAAAA, esn, nil, time.Now())

	cancelled := f.OnFalsePositive(0xAAAA, esn)
	require.True(t, cancelled, "a late arrival before drain must cancel the pending NACK")

	res := f.Drain(0x1111, 0xAAAA, true, time.Now())
	require.Empty(t, res.NACKs)
}

func TestFeedbackManagerFalsePositiveAfterDrainReportsUncancelled(t *testing.T) {
	f := NewFeedbackManager(FeedbackNack, nil)
	esn := newESN(0, 42)
	f.OnLost(0xAAAA, esn, nil, time.Now())
	f.Drain(0x1111, 0xAAAA, true, time.Now())

	cancelled := f.OnFalsePositive(0xAAAA, esn)
	require.False(t, cancelled, "once drained the NACK has already shipped and cannot be cancelled")
}

func TestFeedbackManagerEmptyPendingDrainsToNothing(t *testing.T) {
	f := NewFeedbackManager(FeedbackNack, nil)
	res := f.Drain(0x1111, 0xAAAA, true, time.Now())
	require.Empty(t, res.NACKs)
	require.Empty(t, res.ACKs)
}

func TestFeedbackManagerRetransmissionTiming(t *testing.T) {
	f := NewFeedbackManager(FeedbackNack, nil)
	esn := newESN(0, 7)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f.RequestRetransmission(esn, t0)
	f.MarkRetransmissionSent(esn, t0.Add(5*time.Millisecond))

	require.Equal(t, t0, f.rtx[esn].requestedAt)
	require.Equal(t, t0.Add(5*time.Millisecond), f.rtx[esn].sentAt)
}

func TestFeedbackManagerUsefulFeedbackGatesNotify(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	sched := NewRTCPScheduler(RTCPSchedulerConfig{RTCPBandwidthBps: 1000}, newDefaultRng(), clock)
	sched.tRRInterval = 200 * time.Millisecond

	var notifiedAt time.Time
	f := NewFeedbackManager(FeedbackNack, func(ssrc uint32, pendingSince time.Time) {
		if sched.UsefulFeedback(pendingSince, 0) {
			notifiedAt = pendingSince
		}
	})

	f.OnLost(0xAAAA, newESN(0, 1), nil, clock.now)
	require.Equal(t, clock.now, notifiedAt, "feedback pending within maxAge must be flagged useful")

	clock.now = clock.now.Add(time.Second)
	notifiedAt = time.Time{}
	f.OnLost(0xBBBB, newESN(0, 2), nil, clock.now.Add(-time.Second))
	require.True(t, notifiedAt.IsZero(), "feedback pending past maxAge must not be flagged useful")
}
