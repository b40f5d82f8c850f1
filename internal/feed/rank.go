// Package feed orders the event catalog for a viewer and keeps the ranked
// feed fresh.
package feed

import (
	"cmp"
	"time"

	"github.com/Shivanand-hulikatti/meetup-client/internal/model"
)

// ScarcityWeight converts one open seat into hours of waiting in the
// scarcity score.
const ScarcityWeight = 2

// NearTerm is the window within which events are ordered by start time alone.
const NearTerm = 24 * time.Hour

// Priority tiers. Lower tiers come first.
const (
	TierOther     = 0
	TierPending   = 1
	TierCommitted = 2
	TierOrganizer = 3
)

// Tier returns the priority tier of e for viewer.
func Tier(e *model.Event, viewer model.Viewer) int {
	if viewer.IsOrganizer(e) {
		return TierOrganizer
	}
	if !viewer.Authenticated() {
		return TierOther
	}
	switch e.ParticipationOf(viewer.UserID).Status {
	case model.StatusApproved, model.StatusCheckedIn:
		return TierCommitted
	case model.StatusPending:
		return TierPending
	default:
		return TierOther
	}
}

// Score is the scarcity score of e: hours until start plus weighted open
// seats. Lower is more urgent.
func Score(e *model.Event, now time.Time) float64 {
	countdown := e.StartTime.Sub(now).Hours()
	return countdown + float64(e.SpotsLeft()*ScarcityWeight)
}

// Compare orders a before b (negative), after b (positive) or neither.
func Compare(a, b *model.Event, viewer model.Viewer, now time.Time) int {
	if c := cmp.Compare(Tier(a, viewer), Tier(b, viewer)); c != 0 {
		return c
	}

	delta := a.StartTime.Sub(b.StartTime)
	if delta != 0 && delta.Abs() < NearTerm {
		return a.StartTime.Compare(b.StartTime)
	}

	if af, bf := a.IsFull(), b.IsFull(); af != bf {
		if af {
			return 1
		}
		return -1
	}

	if c := cmp.Compare(Score(a, now), Score(b, now)); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// Rank returns a ranked copy of events. The input is not modified.
//
// Start times within NearTerm of each other are compared directly, which
// makes Compare non-transitive across chains of events. Insertion sort only
// ever swaps adjacent inverted pairs, so its output has none left and
// ranking an already ranked list is a no-op.
func Rank(events []model.Event, viewer model.Viewer, now time.Time) []model.Event {
	out := make([]model.Event, len(events))
	copy(out, events)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && Compare(&out[j], &out[j-1], viewer, now) < 0; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
