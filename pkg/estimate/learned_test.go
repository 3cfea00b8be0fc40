package estimate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transit_planner/pkg/transit"
)

func twoStops(t *testing.T, dLat float64) *transit.Store {
	t.Helper()
	b := transit.NewBuilder()
	b.AddStop(transit.StopInfo{Cluster: -1, Lat: 52.40, Lon: 16.90})
	b.AddStop(transit.StopInfo{Cluster: -1, Lat: 52.40 + dLat, Lon: 16.91})
	s, err := b.Build()
	require.NoError(t, err)
	return s
}

func TestScalerComputedOncePerStore(t *testing.T) {
	small, large := twoStops(t, 0.001), twoStops(t, 0.05)
	m := &MLP{Layers: []Layer{{Weights: [][]float64{{0, 0, 0, 0, 0, 0}}, Bias: []float64{60}}}}

	first := m.Bind(small, Target{}).(*learnedEstimator)
	assert.Same(t, small, m.scalers.store)
	assert.Equal(t, NewScaler(&small.Stops), first.scaler)

	m.scalers.scaler = Scaler{X: 7, Y: 7}
	again := m.Bind(small, Target{}).(*learnedEstimator)
	assert.Equal(t, Scaler{X: 7, Y: 7}, again.scaler, "same store reuses the cached scaler")

	other := m.Bind(large, Target{}).(*learnedEstimator)
	assert.Same(t, large, m.scalers.store)
	assert.Equal(t, NewScaler(&large.Stops), other.scaler)
}
