// Package router maps a classification's confidence, urgency, and
// category onto a routing decision. It is a pure function over
// configured thresholds: no I/O, no state.
package router

import (
	"fmt"

	"github.com/ssmanji89/emailprocer/pkg/store"
)

// Thresholds are the router's confidence cut points. Auto must be at
// least Suggest, which must be at least Review; Auto must be in
// [70, 100].
type Thresholds struct {
	Auto    float64
	Suggest float64
	Review  float64
}

// Validate checks the threshold ordering and bounds: 100 ≥ Auto ≥
// Suggest ≥ Review ≥ 0, and 70 ≤ Auto ≤ 100.
func (t Thresholds) Validate() error {
	if t.Auto < 0 || t.Auto > 100 {
		return fmt.Errorf("router: auto threshold %v out of [0,100]", t.Auto)
	}
	if t.Auto < 70 {
		return fmt.Errorf("router: auto threshold %v below required minimum 70", t.Auto)
	}
	if !(t.Auto >= t.Suggest && t.Suggest >= t.Review && t.Review >= 0) {
		return fmt.Errorf("router: thresholds must satisfy auto(%v) >= suggest(%v) >= review(%v) >= 0", t.Auto, t.Suggest, t.Review)
	}
	return nil
}

// Route maps (confidence, urgency, category) to a RoutingDecision. The
// first matching rule wins:
//  1. urgency in {CRITICAL, HIGH} and confidence >= Suggest -> ESCALATE
//  2. confidence >= Auto -> AUTO_REPLY
//  3. confidence >= Suggest -> DRAFT
//  4. confidence >= Review -> MANUAL_REVIEW
//  5. otherwise -> ESCALATE
func Route(t Thresholds, confidence float64, urgency store.Urgency, category store.Category) store.RoutingDecision {
	highUrgency := urgency == store.UrgencyCritical || urgency == store.UrgencyHigh

	switch {
	case highUrgency && confidence >= t.Suggest:
		return store.ActionEscalate
	case confidence >= t.Auto:
		return store.ActionAutoReply
	case confidence >= t.Suggest:
		return store.ActionDraft
	case confidence >= t.Review:
		return store.ActionManualReview
	default:
		return store.ActionEscalate
	}
}

// DefaultThresholds are the default routing cut points.
func DefaultThresholds() Thresholds {
	return Thresholds{Auto: 85, Suggest: 60, Review: 40}
}
