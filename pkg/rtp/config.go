package rtp

import "time"

// MprtpSchedulerSpec names a mprtp_scheduler_spec string (spec §6).
// The session recognises "random" and "rtt"; any other string,
// including fixed ("fixed:2-1") and distributed ("dist:1:3-2:4")
// patterns, selects round-robin.
type MprtpSchedulerSpec string

// SessionConfig is the session-creation configuration from spec §6.
// Grounded on the teacher's ExtendedTransportConfig.ApplyDefaults /
// Validate pair: defaults are filled in before validation runs, and
// any remaining problem becomes a fatal KindConfigurationError.
type SessionConfig struct {
	SessionBandwidthKbps float64
	RTCPBandwidthFraction float64 // default 0.05
	UseReducedMinRTCP    bool
	BufferLatencyMS      int // default 100
	ClockRateHz          uint32
	PayloadType          uint8
	FeedbackMode         FeedbackMode
	CCAlgorithm          CCAlgorithm
	EnableMPRTP          bool
	MprtpSchedulerSpec   MprtpSchedulerSpec
	MaxConsecutiveLoss   int
	RtxPredictorStddevK  float64

	Transport  Transport
	Packetizer PayloadPacketizer
	Secure     SecureTransform

	LocalCNAME string
}

// ApplyDefaults fills in the zero-value defaults spec §6 names.
func (c *SessionConfig) ApplyDefaults() {
	if c.RTCPBandwidthFraction == 0 {
		c.RTCPBandwidthFraction = 0.05
	}
	if c.BufferLatencyMS == 0 {
		c.BufferLatencyMS = 100
	}
	if c.MaxConsecutiveLoss == 0 {
		c.MaxConsecutiveLoss = 32
	}
	if c.RtxPredictorStddevK == 0 {
		c.RtxPredictorStddevK = 3
	}
}

// Validate returns a KindConfigurationError describing the first
// problem found, or nil.
func (c *SessionConfig) Validate() error {
	if c.Transport == nil {
		return newErr(KindConfigurationError, "transport is required", nil)
	}
	if c.ClockRateHz == 0 {
		return newErr(KindConfigurationError, "clockRateHz is required", nil)
	}
	if c.SessionBandwidthKbps < 0 {
		return newErr(KindConfigurationError, "sessionBandwidthKbps must be >= 0", nil)
	}
	if c.RTCPBandwidthFraction <= 0 || c.RTCPBandwidthFraction > 1 {
		return newErr(KindConfigurationError, "rtcpBandwidthFraction must be in (0,1]", nil)
	}
	if c.BufferLatencyMS < 0 {
		return newErr(KindConfigurationError, "bufferLatencyMS must be >= 0", nil)
	}
	if c.EnableMPRTP && c.MprtpSchedulerSpec == "" {
		return newErr(KindConfigurationError, "mprtpSchedulerSpec is required when enableMPRTP is set", nil)
	}
	return nil
}

func (c *SessionConfig) bufferLatency() time.Duration {
	return time.Duration(c.BufferLatencyMS) * time.Millisecond
}

func (c *SessionConfig) rtcpBandwidthBps() float64 {
	return c.SessionBandwidthKbps * 1000 * c.RTCPBandwidthFraction / 8
}
