package rtp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }
func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestDB() (*SessionDB, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	db := NewSessionDB(0xC0FFEE, clock)
	return db, clock
}

func TestOnRTPValidatesAfterMinSequential(t *testing.T) {
	db, clock := newTestDB()

	d1, _ := db.OnRTP(1, 100, 8000, clock.now, "", nil, nil)
	require.Equal(t, Unvalidated, d1)

	clock.advance(20 * time.Millisecond)
	d2, m := db.OnRTP(1, 101, 8160, clock.now, "", nil, nil)
	require.Equal(t, Accepted, d2)
	require.Equal(t, StateValidated, m.state())
}

func TestOnRTPExtendedSeqMonotonicAcrossWrap(t *testing.T) {
	db, clock := newTestDB()

	db.OnRTP(1, 65534, 0, clock.now, "", nil, nil)
	clock.advance(20 * time.Millisecond)
	_, m := db.OnRTP(1, 65535, 160, clock.now, "", nil, nil)
	require.Equal(t, StateValidated, m.state())
	first := m.extendedMaxSeq()

	clock.advance(20 * time.Millisecond)
	_, m = db.OnRTP(1, 0, 320, clock.now, "", nil, nil)
	second := m.extendedMaxSeq()

	require.Greater(t, uint64(second), uint64(first), "extended sequence number must be monotonic across a 16-bit wrap")
	require.Equal(t, uint32(1), m.cycles)
}

func TestOnRTPDuplicateIsIdempotent(t *testing.T) {
	db, clock := newTestDB()
	db.OnRTP(1, 100, 0, clock.now, "", nil, nil)
	clock.advance(20 * time.Millisecond)
	db.OnRTP(1, 101, 160, clock.now, "", nil, nil)

	clock.advance(20 * time.Millisecond)
	d1, m := db.OnRTP(1, 102, 320, clock.now, "", nil, nil)
	require.Equal(t, Accepted, d1)
	receivedBefore := m.received

	d2, _ := db.OnRTP(1, 102, 320, clock.now, "", nil, nil)
	require.Equal(t, Duplicate, d2)
	require.Equal(t, receivedBefore, m.received, "a duplicate must not increment received twice")

	d3, _ := db.OnRTP(1, 102, 320, clock.now, "", nil, nil)
	require.Equal(t, Duplicate, d3, "re-submitting the same duplicate must classify the same way every time")
}

func TestOnBYEMovesToLeavingAndTickRemoves(t *testing.T) {
	db, clock := newTestDB()
	db.SetTRR(2 * time.Second)
	db.OnRTP(1, 100, 0, clock.now, "", nil, nil)
	clock.advance(20 * time.Millisecond)
	_, m := db.OnRTP(1, 101, 160, clock.now, "", nil, nil)
	require.Equal(t, StateValidated, m.state())

	db.OnBYE(1, clock.now)
	require.Equal(t, StateLeaving, m.state())

	clock.advance(3 * time.Second)
	removed := db.Tick(clock.now)
	require.Contains(t, removed, uint32(1))
	require.Nil(t, db.Get(1))
}
