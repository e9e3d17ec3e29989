package pattern

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAnalyze(t *testing.T) {
	testCases := []struct {
		name            string
		a, b            []int
		expectOK        bool
		inverseCorr     float64
		mirrorCorr      float64
		expectConfident float64
	}{
		{
			name:     "Not enough samples on one side",
			a:        []int{1, 2},
			b:        []int{3, 2, 1},
			expectOK: false,
		},
		{
			name:            "Opposite lanes are fully inverse",
			a:               []int{1, 2, 3},
			b:               []int{3, 2, 1},
			expectOK:        true,
			inverseCorr:     1,
			mirrorCorr:      0,
			expectConfident: 1,
		},
		{
			name:            "Identical moves are fully mirrored",
			a:               []int{0, 1, 2, 1},
			b:               []int{1, 2, 3, 2},
			expectOK:        true,
			inverseCorr:     0,
			mirrorCorr:      1,
			expectConfident: 1,
		},
		{
			name:            "Stationary participant yields no signal",
			a:               []int{1, 1, 1},
			b:               []int{0, 1, 2},
			expectOK:        true,
			inverseCorr:     0,
			mirrorCorr:      0,
			expectConfident: 0,
		},
		{
			name:            "Single qualifying pair gives partial confidence",
			a:               []int{1, 1, 2},
			b:               []int{2, 2, 1},
			expectOK:        true,
			inverseCorr:     1,
			mirrorCorr:      0,
			expectConfident: 0.5,
		},
		{
			name:            "Mixed classes split correlation",
			a:               []int{0, 1, 2, 1, 2},
			b:               []int{2, 1, 2, 1, 2},
			expectOK:        true,
			inverseCorr:     0.25,
			mirrorCorr:      0.75,
			expectConfident: 1,
		},
		{
			name:            "Only the newest window is considered",
			a:               []int{0, 1, 0, 1, 2, 2, 2, 2, 2},
			b:               []int{2, 1, 2, 1, 0, 0, 0, 0, 0},
			expectOK:        true,
			inverseCorr:     0,
			mirrorCorr:      0,
			expectConfident: 0,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m, ok := Analyze(tc.a, tc.b)
			assert.Equal(t, tc.expectOK, ok)
			if !ok {
				assert.Equal(t, Metrics{}, m)
				return
			}
			assert.InDelta(t, tc.inverseCorr, m.InverseMovement.Correlation, 1e-9)
			assert.InDelta(t, tc.mirrorCorr, m.MirrorMovement.Correlation, 1e-9)
			assert.InDelta(t, tc.expectConfident, m.InverseMovement.Confidence, 1e-9)
			assert.Equal(t, m.InverseMovement.Confidence, m.MirrorMovement.Confidence)
		})
	}
}

func TestAnalyze_ConfidenceIsMonotonic(t *testing.T) {
	a := []int{0}
	b := []int{2}
	prev := 0.0
	for i := 1; i < 8; i++ {
		a = append(a, i%2)
		b = append(b, 2-i%2)
		m, ok := Analyze(a, b)
		if !ok {
			continue
		}
		assert.GreaterOrEqual(t, m.InverseMovement.Confidence, prev)
		assert.LessOrEqual(t, m.InverseMovement.Confidence, 1.0)
		prev = m.InverseMovement.Confidence
	}
	assert.Equal(t, 1.0, prev)
}

func TestMetrics_ByName(t *testing.T) {
	m, ok := Analyze([]int{1, 2, 3}, []int{3, 2, 1})
	assert.True(t, ok)
	named := m.ByName()
	assert.Contains(t, named, InverseMovement)
	assert.Contains(t, named, MirrorMovement)
	assert.Equal(t, 1.0, named[InverseMovement].Correlation)
}
