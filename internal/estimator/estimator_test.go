package estimator

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSelectModel(t *testing.T) {
	require.Equal(t, ModelMeanSigma, SelectModel(0))
	require.Equal(t, ModelMeanSigma, SelectModel(9))
	require.Equal(t, ModelExponentialSmoothing, SelectModel(10))
	require.Equal(t, ModelAutoregressive, SelectModel(20))
	require.Equal(t, ModelGradientBoosted, SelectModel(50))
	require.Equal(t, ModelDeepLinear, SelectModel(100))
}

func TestEstimateReturnsNilBelowMinimumSamples(t *testing.T) {
	require.Nil(t, Estimate([]float64{10, 12}, Covariates{}, 0.1))
	require.Nil(t, Estimate(nil, Covariates{}, 0.1))
}

func TestEstimateProducesBoundedInterval(t *testing.T) {
	history := []float64{12, 11, 13, 12, 10, 14, 11, 12, 13, 12, 11, 15}
	pred := Estimate(history, Covariates{}, 0.1)
	require.NotNil(t, pred)
	require.GreaterOrEqual(t, pred.Point, 0.0)
	require.LessOrEqual(t, pred.Lower, pred.Point)
	require.GreaterOrEqual(t, pred.Upper, pred.Point)
	require.Equal(t, 0.9, pred.Confidence)
}

func TestEstimateClampsNonNegative(t *testing.T) {
	history := []float64{0.1, 0.1, 0.1, 0.1, 50.0}
	pred := Estimate(history, Covariates{}, 0.1)
	require.NotNil(t, pred)
	require.GreaterOrEqual(t, pred.Lower, 0.0)
}

func TestSelectModelBoundaryIsExclusiveLow(t *testing.T) {
	require.NotEqual(t, ModelMeanSigma, SelectModel(10))
}
