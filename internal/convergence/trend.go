package convergence

import "math"

// VelocityWindow is the number of most recent round-over-round changes
// averaged into the velocity.
const VelocityWindow = 3

// ceilEpsilon absorbs float error so that 0.15/0.15000000000000002 still
// rounds up to 1 rather than 2.
const ceilEpsilon = 1e-9

// Estimate is the projected number of further rounds needed to reach the
// threshold. Known is false when the scores are flat or falling.
type Estimate struct {
	Rounds int  `json:"rounds"`
	Known  bool `json:"known"`
}

// Trend summarizes the score history of a session.
type Trend struct {
	Current  float64  `json:"current"`
	Velocity float64  `json:"velocity"`
	Estimate Estimate `json:"estimate"`
}

// Velocity is the mean of the last VelocityWindow round-over-round score
// changes, using fewer when the history is shorter. It is 0 with fewer than
// two scores.
func Velocity(history []float64) float64 {
	if len(history) < 2 {
		return 0
	}
	first := len(history) - 1 - VelocityWindow
	if first < 0 {
		first = 0
	}
	var sum float64
	n := 0
	for i := first + 1; i < len(history); i++ {
		sum += history[i] - history[i-1]
		n++
	}
	return sum / float64(n)
}

// EstimateRounds projects rounds to reach threshold from current at velocity.
// It is 0 once current is at or above threshold and unknown when velocity is
// not positive.
func EstimateRounds(current, threshold, velocity float64) Estimate {
	if current >= threshold {
		return Estimate{Rounds: 0, Known: true}
	}
	if velocity <= 0 {
		return Estimate{}
	}
	rounds := int(math.Ceil((threshold-current)/velocity - ceilEpsilon))
	if rounds < 1 {
		rounds = 1
	}
	return Estimate{Rounds: rounds, Known: true}
}

// ComputeTrend derives the trend from sealed-round scores, oldest first.
func ComputeTrend(history []float64, threshold float64) Trend {
	var current float64
	if len(history) > 0 {
		current = history[len(history)-1]
	}
	v := Velocity(history)
	return Trend{
		Current:  current,
		Velocity: v,
		Estimate: EstimateRounds(current, threshold, v),
	}
}
