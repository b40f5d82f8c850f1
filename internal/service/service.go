// Package service orchestrates participation changes: it validates them
// against the state machine, forwards accepted ones to the remote API and
// signals the invalidation bus once they have succeeded.
package service

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/Shivanand-hulikatti/meetup-client/internal/apperr"
	"github.com/Shivanand-hulikatti/meetup-client/internal/bus"
	"github.com/Shivanand-hulikatti/meetup-client/internal/model"
	"github.com/Shivanand-hulikatti/meetup-client/internal/participation"
)

// EventGateway is the subset of the remote API the service drives.
type EventGateway interface {
	Join(ctx context.Context, id string) error
	Leave(ctx context.Context, id string) error
	RequestCancel(ctx context.Context, id string) error
	Review(ctx context.Context, id, userID string, approve bool) error
	MarkAttendance(ctx context.Context, id, userID string, attended bool) error
	ReviewCancel(ctx context.Context, id, userID string, approve bool) error
}

// ViewerSource reports who is signed in.
type ViewerSource interface {
	Viewer() model.Viewer
}

// ParticipationService performs participation transitions for the viewer.
type ParticipationService struct {
	events EventGateway
	cache  *EventCache
	bus    bus.Bus
	viewer ViewerSource
	now    func() time.Time
	logger *log.Logger
}

// NewParticipationService constructs a ParticipationService with its
// dependencies. cache may be nil, in which case Event is unavailable.
func NewParticipationService(
	events EventGateway,
	cache *EventCache,
	b bus.Bus,
	viewer ViewerSource,
	now func() time.Time,
	logger *log.Logger,
) *ParticipationService {
	if b == nil {
		b = bus.Default()
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = log.Default()
	}
	return &ParticipationService{
		events: events,
		cache:  cache,
		bus:    b,
		viewer: viewer,
		now:    now,
		logger: logger,
	}
}

// Event returns the current snapshot of an event.
func (s *ParticipationService) Event(ctx context.Context, id string) (*model.Event, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, apperr.New(apperr.KindValidation, "event id is required")
	}
	if s.cache == nil {
		return nil, apperr.New(apperr.KindUnknown, "")
	}
	return s.cache.Get(ctx, id)
}

// Actions lists what the viewer may currently do to userID's participation
// in event.
func (s *ParticipationService) Actions(event *model.Event, userID string) []participation.Op {
	viewer := s.viewer.Viewer()
	if !viewer.Authenticated() || event == nil {
		return nil
	}
	ops := participation.Available(event.ParticipationOf(userID), s.guard(viewer, event))
	if userID == viewer.UserID {
		return filter(ops, isSelfOp)
	}
	return filter(ops, func(op participation.Op) bool { return !isSelfOp(op) })
}

// ─── Participant operations ───────────────────────────────────────────────────

// Join asks to take part in event. Joining a full event is allowed; the
// request waits for the organizer.
func (s *ParticipationService) Join(ctx context.Context, event *model.Event) (model.Participation, error) {
	return s.self(ctx, event, participation.OpJoin, func(ctx context.Context) error {
		return s.events.Join(ctx, event.ID)
	})
}

// SelfCancel withdraws a pending request.
func (s *ParticipationService) SelfCancel(ctx context.Context, event *model.Event) (model.Participation, error) {
	return s.self(ctx, event, participation.OpSelfCancel, func(ctx context.Context) error {
		return s.events.Leave(ctx, event.ID)
	})
}

// RequestCancellation asks the organizer to release an approved seat.
func (s *ParticipationService) RequestCancellation(ctx context.Context, event *model.Event) (model.Participation, error) {
	return s.self(ctx, event, participation.OpRequestCancellation, func(ctx context.Context) error {
		return s.events.RequestCancel(ctx, event.ID)
	})
}

// ─── Organizer operations ─────────────────────────────────────────────────────

// Approve accepts userID's join request. Capacity is not enforced here.
func (s *ParticipationService) Approve(ctx context.Context, event *model.Event, userID string) (model.Participation, error) {
	return s.transition(ctx, event, userID, participation.OpOrganizerApprove, func(ctx context.Context) error {
		return s.events.Review(ctx, event.ID, userID, true)
	})
}

// Deny rejects userID's join request.
func (s *ParticipationService) Deny(ctx context.Context, event *model.Event, userID string) (model.Participation, error) {
	return s.transition(ctx, event, userID, participation.OpOrganizerDeny, func(ctx context.Context) error {
		return s.events.Review(ctx, event.ID, userID, false)
	})
}

// ApproveCancellation releases userID's seat.
func (s *ParticipationService) ApproveCancellation(ctx context.Context, event *model.Event, userID string) (model.Participation, error) {
	return s.transition(ctx, event, userID, participation.OpOrganizerApproveCancellation, func(ctx context.Context) error {
		return s.events.ReviewCancel(ctx, event.ID, userID, true)
	})
}

// DenyCancellation keeps userID's seat.
func (s *ParticipationService) DenyCancellation(ctx context.Context, event *model.Event, userID string) (model.Participation, error) {
	return s.transition(ctx, event, userID, participation.OpOrganizerDenyCancellation, func(ctx context.Context) error {
		return s.events.ReviewCancel(ctx, event.ID, userID, false)
	})
}

// MarkAttended checks userID in. Only possible once the event has started.
func (s *ParticipationService) MarkAttended(ctx context.Context, event *model.Event, userID string) (model.Participation, error) {
	return s.transition(ctx, event, userID, participation.OpMarkAttended, func(ctx context.Context) error {
		return s.events.MarkAttendance(ctx, event.ID, userID, true)
	})
}

// MarkAbsent records a no-show.
func (s *ParticipationService) MarkAbsent(ctx context.Context, event *model.Event, userID string) (model.Participation, error) {
	return s.transition(ctx, event, userID, participation.OpMarkAbsent, func(ctx context.Context) error {
		return s.events.MarkAttendance(ctx, event.ID, userID, false)
	})
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func (s *ParticipationService) self(ctx context.Context, event *model.Event, op participation.Op, call func(context.Context) error) (model.Participation, error) {
	return s.transition(ctx, event, s.viewer.Viewer().UserID, op, call)
}

// transition decides op locally and only then calls the remote. The bus is
// signalled before a successful transition returns.
func (s *ParticipationService) transition(
	ctx context.Context,
	event *model.Event,
	userID string,
	op participation.Op,
	call func(context.Context) error,
) (model.Participation, error) {
	viewer := s.viewer.Viewer()
	if !viewer.Authenticated() {
		return model.Participation{}, apperr.New(apperr.KindAuthInvalid, "")
	}
	if event == nil || strings.TrimSpace(event.ID) == "" {
		return model.Participation{}, apperr.New(apperr.KindValidation, "event is required")
	}
	if strings.TrimSpace(userID) == "" {
		return model.Participation{}, apperr.New(apperr.KindValidation, "participant is required")
	}

	current := event.ParticipationOf(userID)
	next, err := participation.Decide(current, op, s.guard(viewer, event))
	if err != nil {
		return current, err
	}

	if err := call(ctx); err != nil {
		return current, apperr.Classify(err)
	}

	s.bus.Publish()
	s.logger.Printf("[participation] %s event=%s user=%s status=%s", op, event.ID, userID, next.Status)
	return next, nil
}

func (s *ParticipationService) guard(viewer model.Viewer, event *model.Event) participation.Guard {
	return participation.Guard{
		IsOrganizer: viewer.IsOrganizer(event),
		HasStarted:  event.HasStarted(s.now()),
	}
}

func isSelfOp(op participation.Op) bool {
	switch op {
	case participation.OpJoin, participation.OpSelfCancel, participation.OpRequestCancellation:
		return true
	}
	return false
}

func filter(ops []participation.Op, keep func(participation.Op) bool) []participation.Op {
	var out []participation.Op
	for _, op := range ops {
		if keep(op) {
			out = append(out, op)
		}
	}
	return out
}
