// Package model defines the core domain types shared by the meetup client.
package model

import "time"

// Status is the state of one user's participation in one event.
type Status string

const (
	StatusNone                   Status = "none"
	StatusPending                Status = "pending"
	StatusApproved               Status = "approved"
	StatusDenied                 Status = "denied"
	StatusCheckedIn              Status = "checkedIn"
	StatusNoShow                 Status = "noShow"
	StatusCancelled              Status = "cancelled"
	StatusRequestingCancellation Status = "requestingCancellation"
)

// Normalize maps unknown or empty values to StatusNone.
func (s Status) Normalize() Status {
	switch s {
	case StatusPending, StatusApproved, StatusDenied, StatusCheckedIn,
		StatusNoShow, StatusCancelled, StatusRequestingCancellation:
		return s
	default:
		return StatusNone
	}
}

// Committed reports whether the status holds a seat.
func (s Status) Committed() bool {
	return s == StatusApproved || s == StatusCheckedIn
}

// User is the public profile of an account.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email,omitempty"`
}

// Participation is the relationship between one user and one event.
type Participation struct {
	User        User   `json:"user"`
	Status      Status `json:"status"`
	CancelCount int    `json:"cancelCount"`
}

// Event is a meetup with a bounded number of seats.
type Event struct {
	ID              string          `json:"id"`
	Title           string          `json:"title"`
	CreatorID       string          `json:"creatorId"`
	Capacity        int             `json:"capacity"`
	StartTime       time.Time       `json:"startTime"`
	DurationMinutes int             `json:"durationMinutes"`
	Participants    []Participation `json:"participants"`
}

// ApprovedCount returns the number of participants holding a seat.
func (e *Event) ApprovedCount() int {
	n := 0
	for _, p := range e.Participants {
		if p.Status.Normalize().Committed() {
			n++
		}
	}
	return n
}

// SpotsLeft returns the remaining seats. The value may be negative when an
// organizer approved past capacity.
func (e *Event) SpotsLeft() int {
	return e.Capacity - e.ApprovedCount()
}

// DisplaySpotsLeft floors SpotsLeft at zero.
func (e *Event) DisplaySpotsLeft() int {
	return max(e.SpotsLeft(), 0)
}

// IsFull returns true when no seats remain.
func (e *Event) IsFull() bool {
	return e.SpotsLeft() <= 0
}

// HasStarted reports whether now is at or past the start time.
func (e *Event) HasStarted(now time.Time) bool {
	return !now.Before(e.StartTime)
}

// EndTime returns the scheduled end of the event.
func (e *Event) EndTime() time.Time {
	return e.StartTime.Add(time.Duration(e.DurationMinutes) * time.Minute)
}

// IsExpired reports whether now is at or past the scheduled end.
func (e *Event) IsExpired(now time.Time) bool {
	return !now.Before(e.EndTime())
}

// ParticipationOf returns the record for userID. A missing record is
// reported as StatusNone with a zero cancel count.
func (e *Event) ParticipationOf(userID string) Participation {
	for _, p := range e.Participants {
		if p.User.ID == userID {
			p.Status = p.Status.Normalize()
			return p
		}
	}
	return Participation{User: User{ID: userID}, Status: StatusNone}
}

// Viewer is the signed-in user looking at the data. It is recomputed per
// render and never persisted.
type Viewer struct {
	UserID string
}

// Authenticated reports whether a user is signed in.
func (v Viewer) Authenticated() bool {
	return v.UserID != ""
}

// IsOrganizer reports whether the viewer created the event.
func (v Viewer) IsOrganizer(e *Event) bool {
	return v.Authenticated() && e.CreatorID == v.UserID
}

// Session is the credential pair issued by login, registration and renewal.
type Session struct {
	AccessCredential  string `json:"accessToken"`
	RenewalCredential string `json:"refreshToken"`
	User              User   `json:"user"`
}

// LoginRequest is the payload for signing in.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// RegisterRequest is the payload for creating an account.
type RegisterRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
}

// RenewRequest is the payload for exchanging a renewal credential.
type RenewRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// ReviewRequest carries an organizer's decision on a request.
type ReviewRequest struct {
	Approve bool `json:"approve"`
}

// AttendanceRequest carries an organizer's check-in decision.
type AttendanceRequest struct {
	Attended bool `json:"attended"`
}

// ErrorResponse is the remote JSON error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
}
