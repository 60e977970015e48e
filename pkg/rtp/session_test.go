package rtp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// passthroughPacketizer treats each access unit as a single RTP payload,
// used by the session tests to exercise the outbound pipeline without a
// real codec.
type passthroughPacketizer struct{}

func (passthroughPacketizer) Packetize(au []byte, maxPayloadSize int) ([][]byte, bool, error) {
	return [][]byte{au}, true, nil
}

func (passthroughPacketizer) Depacketize(payloads [][]byte) ([]byte, error) {
	if len(payloads) == 0 {
		return nil, nil
	}
	return payloads[0], nil
}

func newLoopbackSessionPair(t *testing.T, opts ...Option) (*Session, *Session, *MemTransport, *MemTransport) {
	t.Helper()
	ta, tb := NewMemTransportPair(64)

	cfgA := SessionConfig{
		Transport:            ta,
		Packetizer:           passthroughPacketizer{},
		ClockRateHz:          8000,
		PayloadType:          0,
		SessionBandwidthKbps: 64,
	}
	cfgB := cfgA
	cfgB.Transport = tb

	a, err := New(cfgA)
	require.NoError(t, err)
	b, err := New(cfgB, opts...)
	require.NoError(t, err)
	return a, b, ta, tb
}

func TestSessionSendAccessUnitDeliversAcrossLoopback(t *testing.T) {
	joined := make(chan uint32, 1)
	notify := WithNotify(func(n Notification) {
		if n.Kind == NotifyMemberJoined {
			select {
			case joined <- n.SSRC:
			default:
			}
		}
	})

	a, b, _, _ := newLoopbackSessionPair(t, notify)
	require.NoError(t, a.Start())
	require.NoError(t, b.Start())
	defer a.Stop()
	defer b.Stop()

	require.NoError(t, a.SendAccessUnit([]byte("hello")))

	select {
	case ssrc := <-joined:
		require.Equal(t, a.GetSSRC(), ssrc)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for member-joined notification")
	}
}

func TestSessionRejectsInvalidConfig(t *testing.T) {
	_, err := New(SessionConfig{})
	require.Error(t, err)
}

func TestSessionStopIsIdempotent(t *testing.T) {
	a, _, _, _ := newLoopbackSessionPair(t)
	require.NoError(t, a.Start())
	require.NoError(t, a.Stop())
	require.NoError(t, a.Stop())
	require.Equal(t, SessionClosed, a.State())
}

func TestSessionStartTwiceFails(t *testing.T) {
	a, _, _, _ := newLoopbackSessionPair(t)
	require.NoError(t, a.Start())
	defer a.Stop()
	require.Error(t, a.Start())
}

func TestSessionDemuxesRTCPFromRTP(t *testing.T) {
	require.True(t, looksLikeRTCP([]byte{0x80, 200, 0, 0}))
	require.False(t, looksLikeRTCP([]byte{0x80, 0, 0, 0}))
	require.False(t, looksLikeRTCP([]byte{0x80}))
}

func TestSessionAddSubflowWiresDatabasePathSchedulerAndLossDetector(t *testing.T) {
	ta, _ := NewMemTransportPair(64)
	cfg := SessionConfig{
		Transport:            ta,
		Packetizer:           passthroughPacketizer{},
		ClockRateHz:          8000,
		SessionBandwidthKbps: 64,
		EnableMPRTP:          true,
		MprtpSchedulerSpec:   "roundrobin",
	}
	s, err := New(cfg)
	require.NoError(t, err)

	require.NoError(t, s.AddSubflow(&Subflow{FlowID: 1, Transport: ta}))
	require.NoError(t, s.AddSubflow(&Subflow{FlowID: 2, Transport: ta}))

	sf, ok := s.subflows.Get(1)
	require.True(t, ok)
	require.Equal(t, uint16(1), sf.FlowID)

	rr, ok := s.pathSched.(*RoundRobinScheduler)
	require.True(t, ok)
	first := rr.Next(s.subflows, s.rng)
	second := rr.Next(s.subflows, s.rng)
	require.NotEqual(t, first.FlowID, second.FlowID, "round robin must alternate across the two registered flows")

	cp, ok := s.lossDet.(*CrossPathLossDetector)
	require.True(t, ok)
	_, registered := cp.perFlow[1]
	require.True(t, registered, "AddSubflow must register the flow with the cross-path loss detector")
}

func TestSessionAddSubflowFailsWhenMPRTPDisabled(t *testing.T) {
	ta, _ := NewMemTransportPair(64)
	cfg := SessionConfig{
		Transport:            ta,
		Packetizer:           passthroughPacketizer{},
		ClockRateHz:          8000,
		SessionBandwidthKbps: 64,
	}
	s, err := New(cfg)
	require.NoError(t, err)
	require.Error(t, s.AddSubflow(&Subflow{FlowID: 1}))
}
