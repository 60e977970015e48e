package rtp

import "math"

// gapPredictor is the bounded interface spec §4.D calls for: "insert,
// predict, error_stddev". AR(2) is recommended with a moving-average
// fallback; no ecosystem library in the example pack covers online
// AR(2) gap estimation, so both are plain numeric code (see DESIGN.md).
type gapPredictor interface {
	Insert(x float64)
	Predict() float64
	ErrorStddev() float64
	// Reset clears all accumulated state, spec §4.D "state reset on BYE".
	Reset()
}

// ar2Predictor is a second-order autoregressive predictor of
// interarrival gaps, fit online via an LMS-style gradient step on its
// two coefficients so it adapts to slow trend and jitter changes
// without keeping an unbounded history.
type ar2Predictor struct {
	have int // 0, 1, or 2+ samples seen
	x1, x2 float64
	a1, a2 float64
	lambda float64 // forgetting factor

	meanErr, varErr float64
	alpha           float64 // EWMA rate for the error statistics
}

func newAR2Predictor() *ar2Predictor {
	return &ar2Predictor{lambda: 0.98, a1: 1.0, a2: 0.0, alpha: 0.1}
}

func (p *ar2Predictor) Insert(x float64) {
	if p.have < 2 {
		if p.have == 0 {
			p.x1 = x
		} else {
			p.x2 = p.x1
			p.x1 = x
		}
		p.have++
		return
	}

	predicted := p.a1*p.x1 + p.a2*p.x2
	err := x - predicted

	p.meanErr += p.alpha * (err - p.meanErr)
	p.varErr += p.alpha * (err*err - p.varErr)

	// Gradient step on the AR coefficients (LMS-style), bounded to
	// keep the predictor stable under bursty loss.
	mu := 0.01
	p.a1 += mu * err * p.x1
	p.a2 += mu * err * p.x2
	p.a1 = clampFloat(p.a1, -2, 2)
	p.a2 = clampFloat(p.a2, -2, 2)

	p.x2 = p.x1
	p.x1 = x
}

func (p *ar2Predictor) Predict() float64 {
	if p.have < 2 {
		return p.x1
	}
	return p.a1*p.x1 + p.a2*p.x2
}

func (p *ar2Predictor) ErrorStddev() float64 {
	if p.varErr <= 0 {
		return 0
	}
	return math.Sqrt(p.varErr)
}

func (p *ar2Predictor) Reset() {
	*p = *newAR2Predictor()
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// movingAveragePredictor is the fallback predictor spec §4.D allows,
// used when the caller asks for it instead of AR(2) (useAR2 false in
// NewBasicLossDetector). There is no automatic switch to it while
// AR(2) has little history.
type movingAveragePredictor struct {
	mean, varEW float64
	alpha       float64
	seen        int
}

func newMovingAveragePredictor() *movingAveragePredictor {
	return &movingAveragePredictor{alpha: 0.125}
}

func (p *movingAveragePredictor) Insert(x float64) {
	if p.seen == 0 {
		p.mean = x
		p.seen++
		return
	}
	d := x - p.mean
	p.mean += p.alpha * d
	p.varEW += p.alpha * (d*d - p.varEW)
	p.seen++
}

func (p *movingAveragePredictor) Predict() float64 { return p.mean }

func (p *movingAveragePredictor) ErrorStddev() float64 {
	if p.varEW <= 0 {
		return 0
	}
	return math.Sqrt(p.varEW)
}

func (p *movingAveragePredictor) Reset() {
	*p = *newMovingAveragePredictor()
}
