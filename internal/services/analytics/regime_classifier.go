package analytics

import (
	"sync"
	"time"

	"RegimeTrader/internal/domain/models"
)

// RegimeClassifier keeps a per-symbol CLEAN/VOLATILE state with hysteresis.
// Every symbol starts VOLATILE. VOLATILE flips to CLEAN when ratio <= lo and
// CLEAN flips to VOLATILE when ratio >= hi; values in between hold the state.
type RegimeClassifier struct {
	lo, hi  float64
	history int

	mu     sync.RWMutex
	states map[string]*models.RegimeState
}

func NewRegimeClassifier(lo, hi float64, history int) *RegimeClassifier {
	if history < 1 {
		history = 1
	}
	return &RegimeClassifier{lo: lo, hi: hi, history: history, states: make(map[string]*models.RegimeState)}
}

// Observe feeds one ratio and returns the resulting state. change is non-nil on a transition.
func (c *RegimeClassifier) Observe(symbol string, ratio float64, ts time.Time) (models.RegimeState, *models.RegimeChange) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.states[symbol]
	if !ok {
		st = &models.RegimeState{Symbol: symbol, Regime: models.RegimeVolatile, EnteredAt: ts}
		c.states[symbol] = st
	}

	st.Ratios = append(st.Ratios, ratio)
	if len(st.Ratios) > c.history {
		st.Ratios = append([]float64(nil), st.Ratios[len(st.Ratios)-c.history:]...)
	}

	next := st.Regime
	switch st.Regime {
	case models.RegimeVolatile:
		if ratio <= c.lo {
			next = models.RegimeClean
		}
	case models.RegimeClean:
		if ratio >= c.hi {
			next = models.RegimeVolatile
		}
	}

	var change *models.RegimeChange
	if next != st.Regime {
		change = &models.RegimeChange{Symbol: symbol, From: st.Regime, To: next, Ratio: ratio, Timestamp: ts}
		st.Regime = next
		st.EnteredAt = ts
	}
	return copyState(st), change
}

// State returns the current state for symbol; unseen symbols report VOLATILE.
func (c *RegimeClassifier) State(symbol string) models.RegimeState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if st, ok := c.states[symbol]; ok {
		return copyState(st)
	}
	return models.RegimeState{Symbol: symbol, Regime: models.RegimeVolatile}
}

// States returns a copy of every tracked state.
func (c *RegimeClassifier) States() []models.RegimeState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.RegimeState, 0, len(c.states))
	for _, st := range c.states {
		out = append(out, copyState(st))
	}
	return out
}

func copyState(st *models.RegimeState) models.RegimeState {
	cp := *st
	cp.Ratios = append([]float64(nil), st.Ratios...)
	return cp
}
