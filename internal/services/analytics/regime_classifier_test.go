package analytics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"RegimeTrader/internal/domain/models"
)

func TestRegimeHysteresisSequence(t *testing.T) {
	c := NewRegimeClassifier(0.3, 0.7, 10)
	ts := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)

	want := []models.Regime{models.RegimeVolatile, models.RegimeVolatile, models.RegimeClean, models.RegimeClean}
	var changes []*models.RegimeChange
	for i, r := range []float64{0.8, 0.75, 0.3, 0.25} {
		st, ch := c.Observe("XAUUSD", r, ts.Add(time.Duration(i)*time.Minute))
		assert.Equal(t, want[i], st.Regime, "step %d", i)
		if ch != nil {
			changes = append(changes, ch)
		}
	}

	require.Len(t, changes, 1)
	assert.Equal(t, models.RegimeVolatile, changes[0].From)
	assert.Equal(t, models.RegimeClean, changes[0].To)
	assert.Equal(t, 0.3, changes[0].Ratio)
}

func TestRegimeHoldsInsideBand(t *testing.T) {
	c := NewRegimeClassifier(0.3, 0.7, 10)
	now := time.Now()

	st, _ := c.Observe("A", 0.2, now)
	require.Equal(t, models.RegimeClean, st.Regime)

	for _, r := range []float64{0.5, 0.69, 0.31, 0.6} {
		st, ch := c.Observe("A", r, now)
		assert.Equal(t, models.RegimeClean, st.Regime)
		assert.Nil(t, ch)
	}

	st, ch := c.Observe("A", 0.7, now)
	assert.Equal(t, models.RegimeVolatile, st.Regime)
	require.NotNil(t, ch)
	assert.Equal(t, models.RegimeClean, ch.From)
}

func TestRegimeInitialStateAndIsolation(t *testing.T) {
	c := NewRegimeClassifier(0.3, 0.7, 3)
	assert.Equal(t, models.RegimeVolatile, c.State("NEVER").Regime)

	c.Observe("A", 0.1, time.Now())
	assert.Equal(t, models.RegimeClean, c.State("A").Regime)
	assert.Equal(t, models.RegimeVolatile, c.State("B").Regime)
}

func TestRegimeHistoryBounded(t *testing.T) {
	c := NewRegimeClassifier(0.3, 0.7, 3)
	for _, r := range []float64{0.9, 0.8, 0.7, 0.6, 0.5} {
		c.Observe("A", r, time.Now())
	}
	assert.Equal(t, []float64{0.7, 0.6, 0.5}, c.State("A").Ratios)
}
