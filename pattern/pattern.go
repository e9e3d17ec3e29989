// Package pattern derives cross-participant movement statistics from the
// recent lane samples of two participants.
package pattern

const (
	// Window is the number of most recent samples considered per participant.
	Window = 5
	// MinSamples is the number of samples each participant needs before the
	// analysis runs.
	MinSamples = 3
	// saturation is the number of qualifying step pairs at which confidence
	// reaches 1. A minimum window of MinSamples yields MinSamples-1 steps.
	// The threshold follows the two-pair worked example, not total/3.
	saturation = MinSamples - 1
)

const (
	InverseMovement = "inverse_movement"
	MirrorMovement  = "mirror_movement"
)

// Metric is a correlation score with the confidence it was computed with.
type Metric struct {
	Correlation float64 `json:"correlation"`
	Confidence  float64 `json:"confidence"`
}

// Metrics is the result of one analysis.
type Metrics struct {
	InverseMovement Metric `json:"inverse_movement"`
	MirrorMovement  Metric `json:"mirror_movement"`
}

// ByName returns the metrics keyed by their wire names.
func (m Metrics) ByName() map[string]Metric {
	return map[string]Metric{
		InverseMovement: m.InverseMovement,
		MirrorMovement:  m.MirrorMovement,
	}
}

// Analyze compares the step deltas of a and b over their most recent Window
// samples. Steps are aligned from the newest sample backwards. A step pair is
// inverse when both deltas are non-zero with opposite signs and mirror when
// both deltas are equal and non-zero.
//
// ok is false when either side has fewer than MinSamples samples.
func Analyze(a, b []int) (m Metrics, ok bool) {
	if len(a) < MinSamples || len(b) < MinSamples {
		return Metrics{}, false
	}
	da := deltas(tail(a, Window))
	db := deltas(tail(b, Window))

	n := min(len(da), len(db))
	da, db = da[len(da)-n:], db[len(db)-n:]

	var inverse, mirror int
	for i := 0; i < n; i++ {
		switch {
		case da[i] == 0 || db[i] == 0:
		case (da[i] > 0) != (db[i] > 0):
			inverse++
		case da[i] == db[i]:
			mirror++
		}
	}
	return score(inverse, mirror), true
}

func score(inverse, mirror int) Metrics {
	total := inverse + mirror
	confidence := min(1, float64(total)/saturation)
	denom := float64(max(1, total))
	return Metrics{
		InverseMovement: Metric{Correlation: float64(inverse) / denom, Confidence: confidence},
		MirrorMovement:  Metric{Correlation: float64(mirror) / denom, Confidence: confidence},
	}
}

func tail(s []int, n int) []int {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func deltas(s []int) []int {
	if len(s) < 2 {
		return nil
	}
	out := make([]int, len(s)-1)
	for i := 1; i < len(s); i++ {
		out[i-1] = s[i] - s[i-1]
	}
	return out
}
