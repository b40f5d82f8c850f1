package apitest

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/Shivanand-hulikatti/meetup-client/internal/apperr"
	"github.com/Shivanand-hulikatti/meetup-client/internal/model"
	"github.com/Shivanand-hulikatti/meetup-client/internal/participation"
)

// ─── Helper utilities ─────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, model.ErrorResponse{Error: code})
}

func decodeJSON(r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(nil, r.Body, 1<<20) // 1 MB limit
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ─── Auth ─────────────────────────────────────────────────────────────────────

// handleRegister handles POST /auth/register
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req model.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || len(req.Password) < 6 || strings.TrimSpace(req.DisplayName) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	s.mu.Lock()
	if _, exists := s.accounts[email]; exists {
		s.mu.Unlock()
		writeError(w, http.StatusConflict, "email_taken")
		return
	}
	user := s.addUserLocked(email, req.Password, strings.TrimSpace(req.DisplayName))
	session, err := s.issueLocked(user)
	s.mu.Unlock()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	writeJSON(w, http.StatusCreated, session)
}

// handleLogin handles POST /auth/login
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req model.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	s.mu.Lock()
	acc, ok := s.accounts[strings.ToLower(strings.TrimSpace(req.Email))]
	if !ok || acc.password != req.Password {
		s.mu.Unlock()
		writeError(w, http.StatusUnauthorized, "invalid_credentials")
		return
	}
	session, err := s.issueLocked(acc.user)
	s.mu.Unlock()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	writeJSON(w, http.StatusOK, session)
}

// handleRefresh handles POST /auth/refresh
// The presented refresh token is revoked and a new pair is issued.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.renewals.Add(1)

	var req model.RenewRequest
	if err := decodeJSON(r, &req); err != nil || req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	hash := hashToken(req.RefreshToken)
	userID, ok := s.refresh[hash]
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid_refresh_token")
		return
	}
	delete(s.refresh, hash)
	acc, ok := s.users[userID]
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid_refresh_token")
		return
	}

	session, err := s.issueLocked(acc.user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// handleLogout handles POST /auth/logout
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req model.RenewRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	s.mu.Lock()
	delete(s.refresh, hashToken(req.RefreshToken))
	s.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

// ─── Events ───────────────────────────────────────────────────────────────────

// handleListEvents handles GET /events
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	events := s.sortedEventsLocked(nil)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, events)
}

// handleListOrganized handles GET /events/organized
// Participants are left out; callers fetch each event for details.
func (s *Server) handleListOrganized(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r.Context())

	s.mu.Lock()
	events := s.sortedEventsLocked(func(e *model.Event) bool { return e.CreatorID == userID })
	s.mu.Unlock()

	for i := range events {
		events[i].Participants = nil
	}
	writeJSON(w, http.StatusOK, events)
}

// handleGetEvent handles GET /events/{id}
func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	event, ok := s.Event(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "event_not_found")
		return
	}
	writeJSON(w, http.StatusOK, event)
}

// handleJoin handles POST /events/{id}/join
func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	s.selfTransition(w, r, participation.OpJoin)
}

// handleLeave handles POST /events/{id}/leave
func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	s.selfTransition(w, r, participation.OpSelfCancel)
}

// handleRequestCancel handles POST /events/{id}/cancel-request
func (s *Server) handleRequestCancel(w http.ResponseWriter, r *http.Request) {
	s.selfTransition(w, r, participation.OpRequestCancellation)
}

// handleReview handles POST /events/{id}/participants/{userID}/review
func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	var req model.ReviewRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	op := participation.OpOrganizerDeny
	if req.Approve {
		op = participation.OpOrganizerApprove
	}
	s.organizerTransition(w, r, op)
}

// handleAttendance handles POST /events/{id}/participants/{userID}/attendance
func (s *Server) handleAttendance(w http.ResponseWriter, r *http.Request) {
	var req model.AttendanceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	op := participation.OpMarkAbsent
	if req.Attended {
		op = participation.OpMarkAttended
	}
	s.organizerTransition(w, r, op)
}

// handleCancelReview handles POST /events/{id}/participants/{userID}/cancel-review
func (s *Server) handleCancelReview(w http.ResponseWriter, r *http.Request) {
	var req model.ReviewRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	op := participation.OpOrganizerDenyCancellation
	if req.Approve {
		op = participation.OpOrganizerApproveCancellation
	}
	s.organizerTransition(w, r, op)
}

func (s *Server) selfTransition(w http.ResponseWriter, r *http.Request, op participation.Op) {
	s.apply(w, r, op, userFrom(r.Context()), false)
}

func (s *Server) organizerTransition(w http.ResponseWriter, r *http.Request, op participation.Op) {
	s.apply(w, r, op, chi.URLParam(r, "userID"), true)
}

// apply runs the transition under the store lock so concurrent requests on
// the same event are serialised.
func (s *Server) apply(w http.ResponseWriter, r *http.Request, op participation.Op, targetID string, organizerOnly bool) {
	actorID := userFrom(r.Context())

	s.mu.Lock()
	event, ok := s.events[chi.URLParam(r, "id")]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "event_not_found")
		return
	}
	isOrganizer := event.CreatorID == actorID
	if organizerOnly && !isOrganizer {
		s.mu.Unlock()
		writeError(w, http.StatusForbidden, "organizer_only")
		return
	}
	target, ok := s.users[targetID]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "user_not_found")
		return
	}

	current := event.ParticipationOf(targetID)
	current.User = publicUser(target.user)
	next, err := participation.Decide(current, op, participation.Guard{
		IsOrganizer: isOrganizer,
		HasStarted:  event.HasStarted(s.now()),
	})
	if err != nil {
		s.mu.Unlock()
		if apperr.IsKind(err, apperr.KindTooManyCancellations) {
			writeError(w, http.StatusForbidden, "too_many_cancellations")
			return
		}
		writeError(w, http.StatusConflict, "invalid_transition")
		return
	}
	upsert(event, next)
	s.mu.Unlock()

	s.logger.Printf("[api] %s event=%s user=%s status=%s", op, event.ID, targetID, next.Status)
	s.hub.broadcast(invalidateFrame)
	writeJSON(w, http.StatusOK, next)
}
