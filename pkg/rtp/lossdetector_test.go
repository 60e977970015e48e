package rtp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBasicLossDetectorFiresAtMostOnceOnExpiry(t *testing.T) {
	var lost []ExtendedSeqNo
	d := NewBasicLossDetector(LossDetectorConfig{K: 1}, true, func(e ExtendedSeqNo) {
		lost = append(lost, e)
	}, func(ExtendedSeqNo) bool { return false })

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		d.OnPacketArrival(base.Add(time.Duration(i)*20*time.Millisecond), newESN(0, uint16(i)), nil, nil)
	}

	deadline, ok := d.NextDeadline()
	require.True(t, ok)

	firstDue := d.Due(deadline.Add(time.Millisecond))
	require.Len(t, firstDue, 1)

	secondDue := d.Due(deadline.Add(time.Millisecond))
	require.Empty(t, secondDue, "an already-fired timer must not fire a second time")
	require.Contains(t, lost, firstDue[0])
}

func TestBasicLossDetectorLateArrivalCancelsFalsePositive(t *testing.T) {
	var lost []ExtendedSeqNo
	cancellable := true
	d := NewBasicLossDetector(LossDetectorConfig{K: 1}, true, func(e ExtendedSeqNo) {
		lost = append(lost, e)
	}, func(ExtendedSeqNo) bool { return cancellable })

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		d.OnPacketArrival(base.Add(time.Duration(i)*20*time.Millisecond), newESN(0, uint16(i)), nil, nil)
	}
	deadline, _ := d.NextDeadline()
	due := d.Due(deadline.Add(time.Millisecond))
	require.Len(t, due, 1)

	d.OnRtxArrival(deadline.Add(2*time.Millisecond), due[0], true, false)
	info := d.infos[due[0]]
	require.True(t, info.Cancelled)
}

func TestMovingAveragePredictorConverges(t *testing.T) {
	p := newMovingAveragePredictor()
	for i := 0; i < 50; i++ {
		p.Insert(0.02)
	}
	require.InDelta(t, 0.02, p.Predict(), 0.005)
}

func TestMovingAveragePredictorResetClearsState(t *testing.T) {
	p := newMovingAveragePredictor()
	for i := 0; i < 50; i++ {
		p.Insert(0.02)
	}
	p.Reset()
	require.Equal(t, newMovingAveragePredictor().Predict(), p.Predict())
}

func TestAR2PredictorResetClearsState(t *testing.T) {
	p := newAR2Predictor()
	for i := 0; i < 50; i++ {
		p.Insert(0.02)
	}
	p.Reset()
	fresh := newAR2Predictor()
	require.Equal(t, fresh.Predict(), p.Predict())
	require.Equal(t, fresh.ErrorStddev(), p.ErrorStddev())
}

func TestBasicLossDetectorResetClearsPredictorState(t *testing.T) {
	d := NewBasicLossDetector(LossDetectorConfig{K: 1}, true, nil, func(ExtendedSeqNo) bool { return false })
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		d.OnPacketArrival(base.Add(time.Duration(i)*20*time.Millisecond), newESN(0, uint16(i)), nil, nil)
	}
	d.Reset()

	fresh := NewBasicLossDetector(LossDetectorConfig{K: 1}, true, nil, func(ExtendedSeqNo) bool { return false })
	require.Equal(t, fresh.predictor.Predict(), d.predictor.Predict(), "Reset must reinitialize the predictor, not corrupt it with a stray sample")
	require.False(t, d.haveLast)
}

func TestBasicLossDetectorGCDropsOldFalsePositiveWindowEntries(t *testing.T) {
	d := NewBasicLossDetector(LossDetectorConfig{K: 1, FalsePositiveWindow: time.Second}, true, nil, func(ExtendedSeqNo) bool { return false })
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	esn := newESN(0, 1)
	d.infos[esn] = &PacketTransmissionInfo{AssumedLostAt: base}

	d.gcFalsePositiveWindow(base.Add(2 * time.Second))
	_, ok := d.infos[esn]
	require.False(t, ok, "entries past FalsePositiveWindow must be garbage collected")
}

func TestBasicLossDetectorDueGCsExpiredEntries(t *testing.T) {
	d := NewBasicLossDetector(LossDetectorConfig{K: 1, FalsePositiveWindow: time.Second}, true, nil, func(ExtendedSeqNo) bool { return false })
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	esn := newESN(0, 1)
	d.infos[esn] = &PacketTransmissionInfo{AssumedLostAt: base}

	d.Due(base.Add(2 * time.Second))
	_, ok := d.infos[esn]
	require.False(t, ok, "Due must GC the false-positive window on every tick")
}
