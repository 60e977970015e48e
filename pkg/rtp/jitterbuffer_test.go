package rtp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestV2PTSPlayoutDeadlineNeverBeforeArrival(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	buf := NewV2PTS(50*time.Millisecond, clock)

	pres := clock.now
	res := buf.Add(newESN(0, 1), 0, pres, &Packet{}, false)
	require.True(t, res.PlayoutDeadline.After(clock.now) || res.PlayoutDeadline.Equal(clock.now))
}

func TestV2PTSDuplicateDetection(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	buf := NewV2PTS(50*time.Millisecond, clock)

	pres := clock.now
	buf.Add(newESN(0, 1), 0, pres, &Packet{}, false)
	res := buf.Add(newESN(0, 1), 0, pres, &Packet{}, false)
	require.True(t, res.Duplicate)
}

func TestV2PTSNextDueRespectsDeadline(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	buf := NewV2PTS(20*time.Millisecond, clock)

	buf.Add(newESN(0, 1), 0, clock.now, &Packet{}, false)

	_, ok := buf.NextDue(clock.now)
	require.False(t, ok, "group must not be due before its playout deadline")

	clock.advance(25 * time.Millisecond)
	g, ok := buf.NextDue(clock.now)
	require.True(t, ok)
	require.Equal(t, 1, len(g.Packets))
}

func TestV2PTSGroupsByPresentationTolerance(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	buf := NewV2PTS(20*time.Millisecond, clock)

	pres := clock.now
	buf.Add(newESN(0, 1), 0, pres, &Packet{}, false)
	buf.Add(newESN(0, 2), 0, pres.Add(time.Microsecond), &Packet{}, false)
	require.Equal(t, 1, buf.Len(), "packets within presentationTolerance must share one group")
}
