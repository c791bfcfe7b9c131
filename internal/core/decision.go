package core

import (
	"fmt"
	"time"
)

// BreachState is the last known breach state of one subscription, as kept by the dedup cache
type BreachState struct {
	Breaching  bool      `json:"breaching"`
	LastLTV    float64   `json:"last_ltv"`
	NotifiedAt time.Time `json:"notified_at"`
}

// AlertKind categorizes the notification a decision asks for
type AlertKind string

const (
	AlertNone     AlertKind = ""
	AlertBreach   AlertKind = "BREACH"
	AlertRenotify AlertKind = "RENOTIFY"
	AlertCleared  AlertKind = "CLEARED"
)

// LTVReading is one LTV observation. HasPosition is false when the account has no open loan.
type LTVReading struct {
	HasPosition bool
	Percent     float64
}

// Breaching reports whether the reading is at or above threshold
func (r LTVReading) Breaching(threshold float64) bool {
	return r.HasPosition && r.Percent >= threshold
}

// BreachDecision is the result of evaluating one subscription in one poll cycle
type BreachDecision struct {
	ShouldAlert bool
	Kind        AlertKind
	Reading     LTVReading
	Threshold   float64
	Next        BreachState // state to persist whether or not an alert is sent
	Message     string
}

// DecisionEngine decides when a breach is worth notifying
type DecisionEngine struct {
	renotifyAfter time.Duration // 0 disables re-notification while still breaching
	notifyCleared bool
}

// NewDecisionEngine creates a new decision engine
func NewDecisionEngine(renotifyAfter time.Duration, notifyCleared bool) *DecisionEngine {
	return &DecisionEngine{
		renotifyAfter: renotifyAfter,
		notifyCleared: notifyCleared,
	}
}

// Evaluate compares the current reading against threshold and the previous state.
// prev is nil when the cache has no state for the subscription.
func (e *DecisionEngine) Evaluate(prev *BreachState, reading LTVReading, threshold float64, now time.Time) *BreachDecision {
	breaching := reading.Breaching(threshold)
	decision := &BreachDecision{
		Reading:   reading,
		Threshold: threshold,
		Next: BreachState{
			Breaching: breaching,
			LastLTV:   reading.Percent,
		},
	}

	wasBreaching := prev != nil && prev.Breaching

	switch {
	case breaching && !wasBreaching:
		decision.ShouldAlert = true
		decision.Kind = AlertBreach
		decision.Next.NotifiedAt = now
		decision.Message = fmt.Sprintf("LTV is %.2f%%, which is >= threshold of %g%%", reading.Percent, threshold)

	case breaching && wasBreaching:
		decision.Next.NotifiedAt = prev.NotifiedAt
		if e.renotifyAfter > 0 && !prev.NotifiedAt.IsZero() && now.Sub(prev.NotifiedAt) >= e.renotifyAfter {
			decision.ShouldAlert = true
			decision.Kind = AlertRenotify
			decision.Next.NotifiedAt = now
			decision.Message = fmt.Sprintf("LTV is still %.2f%%, which is >= threshold of %g%%", reading.Percent, threshold)
		}

	case !breaching && wasBreaching:
		if e.notifyCleared {
			decision.ShouldAlert = true
			decision.Kind = AlertCleared
			if reading.HasPosition {
				decision.Message = fmt.Sprintf("LTV is back to %.2f%%, below threshold of %g%%", reading.Percent, threshold)
			} else {
				decision.Message = "position closed, no open loan"
			}
		}
	}

	return decision
}
