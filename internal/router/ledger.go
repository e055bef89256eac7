package router

import (
	"sync"
	"time"
)

// timeNow is swapped in tests to control the budget window.
var timeNow = time.Now

// costLedger tracks spend against the daily cost ceiling. When the
// ceiling is reached, adapters that require network access are excluded
// from candidacy until the window rolls over at UTC midnight, forcing
// local-only routing for the rest of the day.
type costLedger struct {
	mu      sync.Mutex
	ceiling float64
	day     string
	total   float64
}

func newCostLedger(ceiling float64) *costLedger {
	return &costLedger{
		ceiling: ceiling,
		day:     dayKey(timeNow()),
	}
}

func (l *costLedger) add(cost float64) {
	if cost == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()
	l.total += cost
}

func (l *costLedger) spent() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()
	return l.total
}

// networkAllowed reports whether remote adapters may still be candidates.
// A zero ceiling disables the budget check entirely.
func (l *costLedger) networkAllowed() bool {
	if l.ceiling <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()
	return l.total < l.ceiling
}

// rollover resets the total when the UTC day changes. Caller holds l.mu.
func (l *costLedger) rollover() {
	if today := dayKey(timeNow()); today != l.day {
		l.day = today
		l.total = 0
	}
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
