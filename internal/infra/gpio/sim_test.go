package gpio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSim_PullUpIdlesHigh(t *testing.T) {
	sim := NewSim()
	require.NoError(t, sim.Setup(17, Input, PullUp))

	level, err := sim.Read(17)
	require.NoError(t, err)
	assert.Equal(t, High, level)
}

func TestSim_EdgeHandler(t *testing.T) {
	tests := []struct {
		name      string
		edge      Edge
		sequence  []Level
		wantFires int
	}{
		{
			name:      "falling edge fires on high to low",
			edge:      EdgeFalling,
			sequence:  []Level{Low, High, Low},
			wantFires: 2,
		},
		{
			name:      "rising edge ignores falling",
			edge:      EdgeRising,
			sequence:  []Level{Low, High},
			wantFires: 1,
		},
		{
			name:      "both edges fire on every transition",
			edge:      EdgeBoth,
			sequence:  []Level{Low, High, Low},
			wantFires: 3,
		},
		{
			name:      "no transition no fire",
			edge:      EdgeBoth,
			sequence:  []Level{High, High},
			wantFires: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim := NewSim()
			require.NoError(t, sim.Setup(27, Input, PullUp))

			fires := 0
			require.NoError(t, sim.OnEdge(27, tt.edge, func(int) {
				fires++
			}))

			for _, level := range tt.sequence {
				sim.SetInput(27, level)
			}
			assert.Equal(t, tt.wantFires, fires)
		})
	}
}

func TestSim_ClearEdgeStopsDelivery(t *testing.T) {
	sim := NewSim()
	require.NoError(t, sim.Setup(27, Input, PullUp))

	fires := 0
	require.NoError(t, sim.OnEdge(27, EdgeBoth, func(int) {
		fires++
	}))
	sim.SetInput(27, Low)
	require.NoError(t, sim.ClearEdge(27))
	sim.SetInput(27, High)

	assert.Equal(t, 1, fires)
}

func TestSim_WriteRequiresOutput(t *testing.T) {
	sim := NewSim()
	require.NoError(t, sim.Setup(23, Input, PullNone))
	assert.Error(t, sim.Write(23, High))

	require.NoError(t, sim.Setup(23, Output, PullNone))
	require.NoError(t, sim.Write(23, High))
	assert.Equal(t, High, sim.Level(23))
}
