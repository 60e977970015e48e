package rtp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fixedRng struct{ v float64 }

func (r fixedRng) Uint32() uint32   { return 0 }
func (r fixedRng) Uint16() uint16   { return 0 }
func (r fixedRng) Float64() float64 { return r.v }

func TestRTCPSchedulerIntervalRespectsMinimum(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	s := NewRTCPScheduler(RTCPSchedulerConfig{RTCPBandwidthBps: 1_000_000}, fixedRng{v: 0.5}, clock)

	interval := s.NextInterval(RTCPTickInput{Members: 2, AvgRTCPSize: 100, Initial: true})
	require.GreaterOrEqual(t, interval, time.Duration(0))
	require.Less(t, interval, 3*time.Second, "a tiny deterministic interval must still be lifted to MIN/2 for the initial report")
}

func TestRTCPSchedulerIntervalGrowsWithMembers(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	s := NewRTCPScheduler(RTCPSchedulerConfig{RTCPBandwidthBps: 10}, fixedRng{v: 0.5}, clock)

	small := s.NextInterval(RTCPTickInput{Members: 2, AvgRTCPSize: 100})
	s2 := NewRTCPScheduler(RTCPSchedulerConfig{RTCPBandwidthBps: 10}, fixedRng{v: 0.5}, clock)
	large := s2.NextInterval(RTCPTickInput{Members: 200, AvgRTCPSize: 100})
	require.Greater(t, large, small)
}

func TestRTCPSchedulerEarlyFeedbackDithersWithinWindow(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := NewRTCPScheduler(RTCPSchedulerConfig{RTCPBandwidthBps: 10}, fixedRng{v: 0.25}, clock)

	_ = s.NextInterval(RTCPTickInput{Members: 2, AvgRTCPSize: 100, Initial: true})
	s.MarkSent(clock.now)

	clock.advance(10 * time.Millisecond)
	deadline := s.OnFeedback(clock.now)
	require.False(t, deadline.Before(clock.now), "early feedback must not fire in the past")
	require.True(t, deadline.Before(clock.now.Add(s.tRRInterval+time.Duration(s.cfg.DitherFraction*float64(s.tRRInterval))+time.Millisecond)))
}

func TestRTCPSchedulerPendingEarlyDeadlineTracksEarliest(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := NewRTCPScheduler(RTCPSchedulerConfig{RTCPBandwidthBps: 10}, fixedRng{v: 0.25}, clock)

	_, have := s.PendingEarlyDeadline()
	require.False(t, have, "no feedback scheduled yet")

	_ = s.NextInterval(RTCPTickInput{Members: 2, AvgRTCPSize: 100, Initial: true})
	s.MarkSent(clock.now)

	clock.advance(10 * time.Millisecond)
	first := s.OnFeedback(clock.now)
	deadline, have := s.PendingEarlyDeadline()
	require.True(t, have)
	require.Equal(t, first, deadline)

	s.MarkSent(clock.now)
	_, have = s.PendingEarlyDeadline()
	require.False(t, have, "MarkSent must clear the pending early deadline")
}

func TestRTCPSchedulerUsefulFeedbackRejectsStalePending(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := NewRTCPScheduler(RTCPSchedulerConfig{RTCPBandwidthBps: 1000}, fixedRng{v: 0.5}, clock)
	s.tRRInterval = 100 * time.Millisecond

	require.True(t, s.UsefulFeedback(clock.now, 0), "just-arrived feedback is always useful")
	require.False(t, s.UsefulFeedback(clock.now.Add(-time.Second), 0), "feedback older than the RR interval is stale")
}

func TestPackReportBlocksSplitsOverflowInto31BlockChunks(t *testing.T) {
	blocks := make([]int, 65)
	for i := range blocks {
		blocks[i] = i
	}
	chunks := packReportBlocks(blocks)
	require.Len(t, chunks, 3)
	require.Len(t, chunks[0], 31)
	require.Len(t, chunks[1], 31)
	require.Len(t, chunks[2], 3)
}

func TestRTCPSchedulerImmediateWhenIntervalElapsed(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := NewRTCPScheduler(RTCPSchedulerConfig{RTCPBandwidthBps: 10}, fixedRng{v: 0.5}, clock)
	interval := s.NextInterval(RTCPTickInput{Members: 2, AvgRTCPSize: 100, Initial: true})
	s.MarkSent(clock.now)

	clock.advance(interval + time.Second)
	deadline := s.OnFeedback(clock.now)
	require.Equal(t, clock.now, deadline)
}
