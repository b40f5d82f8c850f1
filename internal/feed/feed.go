package feed

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/Shivanand-hulikatti/meetup-client/internal/model"
	"github.com/Shivanand-hulikatti/meetup-client/internal/readcache"
)

// Lister fetches the full event catalog.
type Lister interface {
	List(ctx context.Context) ([]model.Event, error)
}

// ViewerSource reports who is signed in.
type ViewerSource interface {
	Viewer() model.Viewer
}

// Feed is the ranked event feed. It always holds the result of the most
// recently completed refresh.
type Feed struct {
	events  Lister
	viewer  ViewerSource
	now     func() time.Time
	current readcache.Latest[[]model.Event]
}

// New constructs a Feed. now may be nil.
func New(events Lister, viewer ViewerSource, now func() time.Time) *Feed {
	if now == nil {
		now = time.Now
	}
	return &Feed{events: events, viewer: viewer, now: now}
}

// Refresh fetches and ranks the catalog. A refresh that finishes after a
// newer one has already landed is discarded.
func (f *Feed) Refresh(ctx context.Context) error {
	ticket := f.current.Begin()

	events, err := f.events.List(ctx)
	if err != nil {
		return fmt.Errorf("refresh feed: %w", err)
	}
	ranked := Rank(events, f.viewer.Viewer(), f.now())

	f.current.Commit(ticket, ranked)
	return nil
}

// Events returns the ranked feed and whether any refresh has completed.
func (f *Feed) Events() ([]model.Event, bool) {
	events, ok := f.current.Get()
	return slices.Clone(events), ok
}
