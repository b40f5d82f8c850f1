// Package pendingwork counts what the signed-in organizer still has to act
// on: join requests to review and approved participants to check in.
// Counts are always recomputed from a fresh fetch, never patched.
package pendingwork

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Shivanand-hulikatti/meetup-client/internal/model"
	"github.com/Shivanand-hulikatti/meetup-client/internal/readcache"
)

const maxDetailFetches = 4

// Counts is the organizer's pending work.
type Counts struct {
	PendingReviews  int `json:"pendingReviewCount"`
	PendingCheckins int `json:"pendingCheckinCount"`
}

// Total returns the sum of both counters.
func (c Counts) Total() int {
	return c.PendingReviews + c.PendingCheckins
}

// Compute derives counts from the organizer's events.
func Compute(events []model.Event, now time.Time) Counts {
	var c Counts
	for i := range events {
		e := &events[i]
		started := e.HasStarted(now)
		for _, p := range e.Participants {
			switch p.Status.Normalize() {
			case model.StatusPending:
				c.PendingReviews++
			case model.StatusApproved:
				if started {
					c.PendingCheckins++
				}
			}
		}
	}
	return c
}

// EventSource fetches the organizer's events.
type EventSource interface {
	ListOrganized(ctx context.Context) ([]model.Event, error)
	Get(ctx context.Context, id string) (*model.Event, error)
}

// ViewerSource reports who is signed in.
type ViewerSource interface {
	Viewer() model.Viewer
}

// Aggregator holds the counts of the most recently completed refresh.
type Aggregator struct {
	events  EventSource
	viewer  ViewerSource
	now     func() time.Time
	current readcache.Latest[Counts]
}

// New constructs an Aggregator. now may be nil.
func New(events EventSource, viewer ViewerSource, now func() time.Time) *Aggregator {
	if now == nil {
		now = time.Now
	}
	return &Aggregator{events: events, viewer: viewer, now: now}
}

// Counts returns the current counts. Before the first refresh they are zero.
func (a *Aggregator) Counts() Counts {
	c, _ := a.current.Get()
	return c
}

// Mount runs the initial refresh. Anonymous viewers get zero counts without
// a network call.
func (a *Aggregator) Mount(ctx context.Context) error {
	return a.Refresh(ctx)
}

// Refresh recomputes the counts from the remote API.
func (a *Aggregator) Refresh(ctx context.Context) error {
	ticket := a.current.Begin()
	if !a.viewer.Viewer().Authenticated() {
		a.current.Commit(ticket, Counts{})
		return nil
	}

	events, err := a.events.ListOrganized(ctx)
	if err != nil {
		return fmt.Errorf("list organized events: %w", err)
	}
	if err := a.expand(ctx, events); err != nil {
		return err
	}

	a.current.Commit(ticket, Compute(events, a.now()))
	return nil
}

// expand replaces summaries that lack a participant list with full events.
func (a *Aggregator) expand(ctx context.Context, events []model.Event) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxDetailFetches)
	for i := range events {
		if events[i].Participants != nil {
			continue
		}
		g.Go(func() error {
			full, err := a.events.Get(ctx, events[i].ID)
			if err != nil {
				return fmt.Errorf("get event %s: %w", events[i].ID, err)
			}
			events[i] = *full
			return nil
		})
	}
	return g.Wait()
}
