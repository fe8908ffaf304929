package predictor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPredictor_LinearTrendPredictsContinuation(t *testing.T) {
	p := New()
	for i := 0; i < 10; i++ {
		p.Record("w1", float64(i)*0.05)
	}

	pred := p.Predict("w1")
	assert.Greater(t, pred.Predicted, 0.4)
	assert.Greater(t, pred.Confidence, 0.9)
}

func TestPredictor_NoHistoryReturnsZeroConfidence(t *testing.T) {
	p := New()
	pred := p.Predict("unknown")
	assert.Equal(t, 0.0, pred.Confidence)
}

func TestPredictor_HistoryBounded(t *testing.T) {
	p := New()
	for i := 0; i < historySize+20; i++ {
		p.Record("w1", 0.5)
	}
	assert.LessOrEqual(t, len(p.history["w1"].samples), historySize)
}

func TestComplexityBump_ClampedAndMonotonic(t *testing.T) {
	base := ComplexityBump(false, false, 0)
	withTime := ComplexityBump(true, false, 0)
	withMem := ComplexityBump(false, true, 0)
	all := ComplexityBump(true, true, 5)

	assert.Less(t, base, withTime)
	assert.Less(t, base, withMem)
	assert.LessOrEqual(t, all, 1.0)
}

func TestPredictedLoad_Clamped(t *testing.T) {
	p := New()
	for i := 0; i < 10; i++ {
		p.Record("w1", 0.9)
	}
	load := p.PredictedLoad("w1", 1.0)
	assert.GreaterOrEqual(t, load, 0.0)
	assert.LessOrEqual(t, load, 1.0)
}
