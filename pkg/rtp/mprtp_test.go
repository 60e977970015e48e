package rtp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestSubflowDB() *SubflowDB {
	db := NewSubflowDB()
	db.Add(&Subflow{FlowID: 1})
	db.Add(&Subflow{FlowID: 2})
	return db
}

func TestRoundRobinSchedulerCyclesInOrder(t *testing.T) {
	db := newTestSubflowDB()
	s := NewRoundRobinScheduler([]uint16{1, 2})

	got := []uint16{s.Next(db, nil).FlowID, s.Next(db, nil).FlowID, s.Next(db, nil).FlowID}
	require.Equal(t, []uint16{1, 2, 1}, got)
}

func TestFixedPatternSchedulerHonorsCounts(t *testing.T) {
	db := newTestSubflowDB()
	s := NewFixedPatternScheduler([]uint16{1, 2}, []int{2, 1})

	var got []uint16
	for i := 0; i < 6; i++ {
		got = append(got, s.Next(db, nil).FlowID)
	}
	require.Equal(t, []uint16{1, 1, 2, 1, 1, 2}, got)
}

func TestSmallestRTTSchedulerPicksLowestRTT(t *testing.T) {
	db := NewSubflowDB()
	db.Add(&Subflow{FlowID: 1, smoothedRTT: 50 * time.Millisecond})
	db.Add(&Subflow{FlowID: 2, smoothedRTT: 10 * time.Millisecond})
	s := NewSmallestRTTScheduler()

	got := s.Next(db, nil)
	require.Equal(t, uint16(2), got.FlowID)
}

func TestRandomSchedulerAlwaysReturnsKnownFlow(t *testing.T) {
	db := newTestSubflowDB()
	s := NewRandomScheduler()
	for _, f := range []float64{0, 0.25, 0.5, 0.75, 0.99} {
		sf := s.Next(db, fixedRng{v: f})
		require.Contains(t, []uint16{1, 2}, sf.FlowID)
	}
}

func TestDistributedSchedulerStaysWithinSegmentBounds(t *testing.T) {
	db := newTestSubflowDB()
	s := NewDistributedScheduler([]DistributedSegment{{FlowID: 1, Min: 2, Max: 2}, {FlowID: 2, Min: 1, Max: 1}})

	var got []uint16
	for i := 0; i < 3; i++ {
		got = append(got, s.Next(db, fixedRng{v: 0}).FlowID)
	}
	require.Equal(t, []uint16{1, 1, 2}, got, "segment [2:2] must emit flow 1 exactly twice before advancing")
}

func TestCrossPathLossDetectorLearnsFlowOrderThenDifference(t *testing.T) {
	var lost []ExtendedSeqNo
	d := NewCrossPathLossDetector(LossDetectorConfig{K: 1}, []uint16{1, 2}, func(e ExtendedSeqNo) {
		lost = append(lost, e)
	}, func(ExtendedSeqNo) bool { return false })

	fast := uint16(1)
	slow := uint16(2)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		d.OnPacketArrival(base.Add(time.Duration(i)*20*time.Millisecond), newESN(0, uint16(i)), &fast, nil)
	}
	require.Equal(t, stateLearnPathDifference, d.state)

	for i := 5; i < 10; i++ {
		t0 := base.Add(time.Duration(i) * 20 * time.Millisecond)
		d.OnPacketArrival(t0, newESN(0, uint16(i)), &fast, nil)
		d.OnPacketArrival(t0.Add(5*time.Millisecond), newESN(0, uint16(i)), &slow, nil)
	}
	require.Equal(t, stateRunning, d.state)
}

func TestCrossPathLossDetectorSchedulesSlowFlowTimerFromFastArrival(t *testing.T) {
	var lost []ExtendedSeqNo
	d := NewCrossPathLossDetector(LossDetectorConfig{K: 1}, []uint16{1, 2}, func(e ExtendedSeqNo) {
		lost = append(lost, e)
	}, func(ExtendedSeqNo) bool { return false })
	d.minLearnSamples = 2
	fast := uint16(1)
	slow := uint16(2)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 2; i++ {
		d.OnPacketArrival(base.Add(time.Duration(i)*20*time.Millisecond), newESN(0, uint16(i)), &fast, nil)
	}
	for i := 2; i < 4; i++ {
		t0 := base.Add(time.Duration(i) * 20 * time.Millisecond)
		d.OnPacketArrival(t0, newESN(0, uint16(i)), &fast, nil)
		d.OnPacketArrival(t0.Add(5*time.Millisecond), newESN(0, uint16(i)), &slow, nil)
	}
	require.Equal(t, stateRunning, d.state)

	t0 := base.Add(100 * time.Millisecond)
	fastESN := newESN(0, 100)
	d.OnPacketArrival(t0, fastESN, &fast, nil)

	deadline, ok := d.NextDeadline()
	require.True(t, ok)

	due := d.Due(deadline.Add(time.Second))
	require.Contains(t, due, fastESN, "a slow-flow arrival that never shows up must report loss keyed on the fast flow's ESN")
}

func TestCrossPathLossDetectorLearnsFlowOrderFromObservationNotRegistration(t *testing.T) {
	// Registered as {1, 2}, but flow 2 is the one that actually arrives
	// first on every sample -- LearnFlowOrder must pick fastFlow=2 from
	// observation, not default to the registration-order seed.
	d := NewCrossPathLossDetector(LossDetectorConfig{K: 1}, []uint16{1, 2}, nil, func(ExtendedSeqNo) bool { return false })
	registeredFirst := uint16(1)
	actuallyFirst := uint16(2)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		t0 := base.Add(time.Duration(i) * 20 * time.Millisecond)
		d.OnPacketArrival(t0, newESN(0, uint16(i)), &actuallyFirst, nil)
		d.OnPacketArrival(t0.Add(5*time.Millisecond), newESN(0, uint16(i)), &registeredFirst, nil)
	}
	require.Equal(t, stateLearnPathDifference, d.state)
	require.Equal(t, actuallyFirst, d.fastFlow, "fastFlow must reflect observed arrival order")
	require.Equal(t, registeredFirst, d.slowFlow)
}

func TestCrossPathLossDetectorSlowArrivalCancelsTimer(t *testing.T) {
	d := NewCrossPathLossDetector(LossDetectorConfig{K: 1}, []uint16{1, 2}, nil, func(ExtendedSeqNo) bool { return false })
	d.minLearnSamples = 2
	fast := uint16(1)
	slow := uint16(2)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		t0 := base.Add(time.Duration(i) * 20 * time.Millisecond)
		d.OnPacketArrival(t0, newESN(0, uint16(i)), &fast, nil)
		d.OnPacketArrival(t0.Add(5*time.Millisecond), newESN(0, uint16(i)), &slow, nil)
	}
	require.Equal(t, stateRunning, d.state)

	t0 := base.Add(100 * time.Millisecond)
	fastESN := newESN(0, 100)
	d.OnPacketArrival(t0, fastESN, &fast, nil)
	d.OnPacketArrival(t0.Add(2*time.Millisecond), fastESN, &slow, nil)

	due := d.Due(t0.Add(time.Second))
	require.NotContains(t, due, fastESN, "a timely slow-flow arrival must cancel the cross-path timer")
}
