package rtp

import "time"

// ntpEpochOffset is the number of seconds between the NTP epoch
// (1900-01-01) and the Unix epoch (1970-01-01).
const ntpEpochOffset = 2208988800

// wallclockToNTP converts a wall-clock instant to a 64-bit NTP
// timestamp (MSW seconds since 1900, LSW fractional seconds).
func wallclockToNTP(t time.Time) (msw, lsw uint32) {
	secs := t.Unix() + ntpEpochOffset
	frac := uint64(t.Nanosecond()) << 32 / 1e9
	return uint32(secs), uint32(frac)
}

// ntpToWallclock is the inverse of wallclockToNTP.
func ntpToWallclock(msw, lsw uint32) time.Time {
	secs := int64(msw) - ntpEpochOffset
	nsec := (uint64(lsw) * 1e9) >> 32
	return time.Unix(secs, int64(nsec))
}

// ntpMiddle32 returns the middle 32 bits of a 64-bit NTP timestamp,
// the representation used in RTCP SR's NTP field low bits and the
// RR/XR LSR/LastRR fields (RFC 3550 §6.4.1).
func ntpMiddle32(msw, lsw uint32) uint32 {
	return (msw&0xffff)<<16 | lsw>>16
}

// ntpMiddle32Now is a convenience for computing "now" in the same
// 1/65536s units used by LSR/DLSR.
func ntpMiddle32Now(c Clock) uint32 {
	msw, lsw := wallclockToNTP(c.Now())
	return ntpMiddle32(msw, lsw)
}

// rtpFromWallclock maps a wall-clock instant to an RTP timestamp at
// the given clock rate, offset by a random per-session base. Wraps
// modulo 2^32 by virtue of uint32 arithmetic.
func rtpFromWallclock(t time.Time, rateHz uint32, base uint32, epoch time.Time) uint32 {
	elapsed := t.Sub(epoch).Seconds()
	return base + uint32(int64(elapsed*float64(rateHz)))
}

// presentationFromRTP converts an RTP timestamp to a presentation
// instant using an RTCP SR anchor (anchorNTP, anchorRTP, rateHz), per
// spec §4.A: presentation(ts) = anchorNTP + (ts - anchorRTP) / rate.
// The subtraction is done as a signed 32-bit difference so timestamps
// that have wrapped around relative to the anchor are still handled.
func presentationFromRTP(ts uint32, anchorNTP time.Time, anchorRTP uint32, rateHz uint32) time.Time {
	diff := int32(ts - anchorRTP)
	offset := time.Duration(float64(diff) / float64(rateHz) * float64(time.Second))
	return anchorNTP.Add(offset)
}

// dlsrUnits converts a duration to DLSR's 1/65536s fixed-point units.
func dlsrUnits(d time.Duration) uint32 {
	if d < 0 {
		return 0
	}
	return uint32(d.Seconds() * 65536)
}

// dlsrToDuration is the inverse of dlsrUnits.
func dlsrToDuration(v uint32) time.Duration {
	return time.Duration(float64(v) / 65536 * float64(time.Second))
}

// rttFromSR computes RTT per spec §4.B: RTT = now_middle32 - last_sr -
// dlsr, unsigned, clamped to zero on underflow (RFC 3550 §6.4.1 advises
// treating a negative result as a measurement artifact).
func rttFromSR(nowMiddle32, lastSR, dlsr uint32) time.Duration {
	diff := int64(nowMiddle32) - int64(lastSR) - int64(dlsr)
	if diff < 0 {
		return 0
	}
	return dlsrToDuration(uint32(diff))
}

// seqDiff returns the signed 16-bit ordering difference a-b, following
// the RFC 3550 Appendix A.1 wrap convention: if a result magnitude
// exceeds 2^15 the sequence space is considered to have wrapped.
func seqDiff(a, b uint16) int32 {
	return int32(int16(a - b))
}
