// Package repository is the client's gateway to the remote meetup API. Every
// call goes through the session controller, so callers never deal with
// credentials or renewal.
package repository

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/Shivanand-hulikatti/meetup-client/internal/apperr"
	"github.com/Shivanand-hulikatti/meetup-client/internal/model"
	"github.com/Shivanand-hulikatti/meetup-client/internal/session"
)

// EventRepository reads and mutates events on the remote API.
type EventRepository struct {
	caller session.Caller
}

// NewEventRepository constructs an EventRepository.
func NewEventRepository(caller session.Caller) *EventRepository {
	return &EventRepository{caller: caller}
}

// ─── Reads ────────────────────────────────────────────────────────────────────

// List returns every event visible to the viewer.
func (r *EventRepository) List(ctx context.Context) ([]model.Event, error) {
	events, err := session.Do[[]model.Event](ctx, r.caller, session.Request{
		Method: http.MethodGet,
		Path:   "/events",
	})
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []model.Event{}
	}
	return events, nil
}

// ListOrganized returns the events created by the signed-in user, with
// their participant lists.
func (r *EventRepository) ListOrganized(ctx context.Context) ([]model.Event, error) {
	events, err := session.Do[[]model.Event](ctx, r.caller, session.Request{
		Method: http.MethodGet,
		Path:   "/events/organized",
	})
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []model.Event{}
	}
	return events, nil
}

// Get returns a single event.
func (r *EventRepository) Get(ctx context.Context, id string) (*model.Event, error) {
	path, err := eventPath(id)
	if err != nil {
		return nil, err
	}
	event, err := session.Do[model.Event](ctx, r.caller, session.Request{
		Method: http.MethodGet,
		Path:   path,
	})
	if err != nil {
		return nil, err
	}
	return &event, nil
}

// ─── Participant actions ──────────────────────────────────────────────────────

// Join asks to take part in an event.
func (r *EventRepository) Join(ctx context.Context, id string) error {
	return r.post(ctx, id, "", "join", nil)
}

// Leave withdraws a pending request.
func (r *EventRepository) Leave(ctx context.Context, id string) error {
	return r.post(ctx, id, "", "leave", nil)
}

// RequestCancel asks the organizer to release an approved seat.
func (r *EventRepository) RequestCancel(ctx context.Context, id string) error {
	return r.post(ctx, id, "", "cancel-request", nil)
}

// ─── Organizer actions ────────────────────────────────────────────────────────

// Review approves or denies a join request.
func (r *EventRepository) Review(ctx context.Context, id, userID string, approve bool) error {
	return r.post(ctx, id, userID, "review", model.ReviewRequest{Approve: approve})
}

// MarkAttendance records whether an approved participant showed up.
func (r *EventRepository) MarkAttendance(ctx context.Context, id, userID string, attended bool) error {
	return r.post(ctx, id, userID, "attendance", model.AttendanceRequest{Attended: attended})
}

// ReviewCancel approves or denies a cancellation request.
func (r *EventRepository) ReviewCancel(ctx context.Context, id, userID string, approve bool) error {
	return r.post(ctx, id, userID, "cancel-review", model.ReviewRequest{Approve: approve})
}

func (r *EventRepository) post(ctx context.Context, id, userID, action string, body any) error {
	path, err := eventPath(id)
	if err != nil {
		return err
	}
	if userID != "" {
		path += "/participants/" + url.PathEscape(userID)
	}
	path += "/" + action

	_, err = r.caller.Call(ctx, session.Request{
		Method: http.MethodPost,
		Path:   path,
		Body:   body,
	})
	if err != nil {
		return apperr.Classify(err)
	}
	return nil
}

func eventPath(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", apperr.Wrap(apperr.KindValidation, "event id is required", fmt.Errorf("empty event id"))
	}
	return "/events/" + url.PathEscape(id), nil
}
