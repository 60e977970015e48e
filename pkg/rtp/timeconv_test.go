package rtp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNTPRoundTrip(t *testing.T) {
	in := time.Date(2026, 3, 1, 12, 30, 0, 500_000_000, time.UTC)
	msw, lsw := wallclockToNTP(in)
	out := ntpToWallclock(msw, lsw)
	require.WithinDuration(t, in, out, time.Millisecond)
}

func TestRTTFromSR(t *testing.T) {
	now := uint32(100 << 16)
	lastSR := uint32(90 << 16)
	dlsr := uint32(5 << 16)
	rtt := rttFromSR(now, lastSR, dlsr)
	require.Equal(t, 5*time.Second, rtt)
}

func TestRTTFromSRClampsNegative(t *testing.T) {
	rtt := rttFromSR(0, 100, 100)
	require.Equal(t, time.Duration(0), rtt)
}

func TestSeqDiffWraps(t *testing.T) {
	require.Equal(t, int32(1), seqDiff(1, 0))
	require.Equal(t, int32(-1), seqDiff(0, 1))
	require.Equal(t, int32(2), seqDiff(1, 65535))
}

func TestPresentationFromRTP(t *testing.T) {
	anchorNTP := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	anchorRTP := uint32(1000)
	rate := uint32(8000)
	p := presentationFromRTP(anchorRTP+8000, anchorNTP, anchorRTP, rate)
	require.WithinDuration(t, anchorNTP.Add(time.Second), p, time.Millisecond)
}
