package rtp

import (
	"time"

	"github.com/pion/randutil"
)

// Clock abstracts wall-clock access so tests can drive the session
// deterministically. Production sessions use systemClock{}.
type Clock interface {
	Now() time.Time
}

// Rng abstracts randomness for SSRC and initial sequence/timestamp
// generation, per the design note that confines global mutable state
// (global NTP epoch, library init, random seed) to explicit injected
// collaborators instead of package-level state.
type Rng interface {
	Uint32() uint32
	Uint16() uint16
	// Float64 returns a uniform value in [0, 1), used by the RTCP
	// interval randomization and dither and by the random and
	// distributed MPRTP path schedulers.
	Float64() float64
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// randutilRng wraps pion/randutil's math-random generator, already an
// indirect dependency of the teacher stack (pulled in by pion/rtp) and
// promoted here to a direct one, matching how pion packages source their
// randomness throughout the example pack.
type randutilRng struct {
	g *randutil.MathRandomGenerator
}

func newDefaultRng() *randutilRng {
	return &randutilRng{g: randutil.NewMathRandomGenerator()}
}

func (r *randutilRng) Uint32() uint32 {
	return r.g.Uint32()
}

func (r *randutilRng) Uint16() uint16 {
	return uint16(r.g.Uint32() & 0xffff)
}

func (r *randutilRng) Float64() float64 {
	return float64(r.g.Uint32()) / float64(1<<32)
}

// generateSSRC picks a random 32-bit SSRC distinct from avoid.
func generateSSRC(rng Rng, avoid map[uint32]struct{}) uint32 {
	for {
		v := rng.Uint32()
		if v == 0 {
			continue
		}
		if _, clash := avoid[v]; !clash {
			return v
		}
	}
}
