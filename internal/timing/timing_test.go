package timing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_Predict(t *testing.T) {
	m := NewMemory()
	ctx := t.Context()

	d, err := m.PredictProcessingTime(ctx, 10, "extraction")
	require.NoError(t, err)
	assert.Zero(t, d)

	require.NoError(t, m.AddProcessingTime(ctx, "g1", 2, 4*time.Second, "extraction"))
	require.NoError(t, m.AddProcessingTime(ctx, "g1", 2, 2*time.Second, "extraction"))
	require.NoError(t, m.AddProcessingTime(ctx, "g1", 0, time.Hour, "extraction"))

	d, err = m.PredictProcessingTime(ctx, 10, "extraction")
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, d)

	d, err = m.PredictProcessingTime(ctx, 10, "clustering")
	require.NoError(t, err)
	assert.Zero(t, d)
}

func TestMemory_KeepsRecentHistory(t *testing.T) {
	m := NewMemory()
	ctx := t.Context()
	for range historySize {
		require.NoError(t, m.AddProcessingTime(ctx, "g1", 1, time.Hour, "summary"))
	}
	for range historySize {
		require.NoError(t, m.AddProcessingTime(ctx, "g1", 1, time.Second, "summary"))
	}
	d, err := m.PredictProcessingTime(ctx, 1, "summary")
	require.NoError(t, err)
	assert.Equal(t, time.Second, d)
}
