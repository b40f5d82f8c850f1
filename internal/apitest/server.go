// Package apitest is an in-process stand-in for the remote meetup API. It
// keeps everything in memory, issues real HS256 access tokens and rotating
// opaque refresh tokens, and exposes hooks to force failures. Package tests
// and the demo mode of the client run against it.
package apitest

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/cors"

	"github.com/Shivanand-hulikatti/meetup-client/internal/model"
)

// Options configures a Server.
type Options struct {
	Secret    string
	AccessTTL time.Duration
	Now       func() time.Time
	Logger    *log.Logger
}

type account struct {
	user     model.User
	password string
}

type fault struct {
	status     int
	code       string
	retryAfter string
}

// Server is the fake remote API.
type Server struct {
	secret    []byte
	accessTTL time.Duration
	now       func() time.Time
	logger    *log.Logger

	mu         sync.Mutex
	accounts   map[string]*account // by email
	users      map[string]*account // by id
	events     map[string]*model.Event
	refresh    map[string]string // token hash → user id
	generation int
	faults     map[string]fault
	gate       chan struct{}

	renewals atomic.Int64
	hub      *hub
	router   chi.Router
}

// New constructs a Server with no data.
func New(opts Options) *Server {
	secret := opts.Secret
	if secret == "" {
		secret = uuid.NewString()
	}
	ttl := opts.AccessTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	s := &Server{
		secret:    []byte(secret),
		accessTTL: ttl,
		now:       now,
		logger:    logger,
		accounts:  make(map[string]*account),
		users:     make(map[string]*account),
		events:    make(map[string]*model.Event),
		refresh:   make(map[string]string),
		faults:    make(map[string]fault),
		hub:       newHub(logger),
	}
	s.router = s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)
	r.Use(s.accessLog)
	r.Use(cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}).Handler)
	r.Use(s.injectFaults)

	r.Get("/health", healthCheck)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", s.handleRegister)
		r.Post("/login", s.handleLogin)
		r.Post("/refresh", s.handleRefresh)
		r.Post("/logout", s.handleLogout)
	})

	r.Route("/events", func(r chi.Router) {
		r.With(s.optionalAuth).Get("/", s.handleListEvents)
		r.With(s.requireAuth).Get("/organized", s.handleListOrganized)
		r.With(s.optionalAuth).Get("/{id}", s.handleGetEvent)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)
			r.Post("/{id}/join", s.handleJoin)
			r.Post("/{id}/leave", s.handleLeave)
			r.Post("/{id}/cancel-request", s.handleRequestCancel)
			r.Post("/{id}/participants/{userID}/review", s.handleReview)
			r.Post("/{id}/participants/{userID}/attendance", s.handleAttendance)
			r.Post("/{id}/participants/{userID}/cancel-review", s.handleCancelReview)
		})
	})

	r.Get("/ws", s.handleWebsocket)
	return r
}

// ─── Seeding and inspection ───────────────────────────────────────────────────

// AddUser creates an account and returns its public profile.
func (s *Server) AddUser(email, password, displayName string) model.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addUserLocked(email, password, displayName)
}

func (s *Server) addUserLocked(email, password, displayName string) model.User {
	email = strings.ToLower(strings.TrimSpace(email))
	acc := &account{
		user:     model.User{ID: uuid.NewString(), Email: email, DisplayName: displayName},
		password: password,
	}
	s.accounts[email] = acc
	s.users[acc.user.ID] = acc
	return acc.user
}

// AddEvent stores e, assigning an id when it has none.
func (s *Server) AddEvent(e model.Event) model.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	stored := cloneEvent(e)
	s.events[e.ID] = &stored
	return cloneEvent(stored)
}

// SetParticipation replaces (or adds) the participation of p.User.ID.
func (s *Server) SetParticipation(eventID string, p model.Participation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[eventID]
	if !ok {
		return fmt.Errorf("event %s not found", eventID)
	}
	if acc, ok := s.users[p.User.ID]; ok && p.User.DisplayName == "" {
		p.User = publicUser(acc.user)
	}
	upsert(e, p)
	return nil
}

// Event returns a copy of the stored event.
func (s *Server) Event(id string) (model.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return model.Event{}, false
	}
	return cloneEvent(*e), true
}

// ─── Fault hooks ──────────────────────────────────────────────────────────────

// ExpireAccessTokens invalidates every access token issued so far.
func (s *Server) ExpireAccessTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
}

// RevokeRefreshTokens invalidates every outstanding refresh token.
func (s *Server) RevokeRefreshTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh = make(map[string]string)
}

// Fail makes every request to path answer with status until ClearFaults.
// retryAfter is sent as the Retry-After header when non-empty.
func (s *Server) Fail(path string, status int, retryAfter string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[path] = fault{
		status:     status,
		code:       strings.ReplaceAll(strings.ToLower(http.StatusText(status)), " ", "_"),
		retryAfter: retryAfter,
	}
}

// ClearFaults removes every injected failure.
func (s *Server) ClearFaults() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = make(map[string]fault)
}

// HoldRenewals makes /auth/refresh block until the returned function is
// called.
func (s *Server) HoldRenewals() (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.gate = gate
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.gate == gate {
				s.gate = nil
			}
			s.mu.Unlock()
			close(gate)
		})
	}
}

// Renewals returns how many refresh requests have been received.
func (s *Server) Renewals() int64 {
	return s.renewals.Load()
}

// Connections returns the number of open websocket clients.
func (s *Server) Connections() int {
	return s.hub.len()
}

// ─── Tokens ───────────────────────────────────────────────────────────────────

type claims struct {
	Generation int `json:"gen"`
	jwt.RegisteredClaims
}

var errStaleToken = errors.New("token generation revoked")

func (s *Server) issueLocked(user model.User) (model.Session, error) {
	now := s.now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Generation: s.generation,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
		},
	})
	access, err := token.SignedString(s.secret)
	if err != nil {
		return model.Session{}, fmt.Errorf("sign access token: %w", err)
	}

	refresh, err := newRefreshToken()
	if err != nil {
		return model.Session{}, fmt.Errorf("generate refresh token: %w", err)
	}
	s.refresh[hashToken(refresh)] = user.ID

	return model.Session{AccessCredential: access, RenewalCredential: refresh, User: user}, nil
}

func (s *Server) parseAccess(tokenString string) (string, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &claims{}, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return "", err
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return "", jwt.ErrTokenInvalidClaims
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c.Generation != s.generation {
		return "", errStaleToken
	}
	if _, ok := s.users[c.Subject]; !ok {
		return "", jwt.ErrTokenInvalidSubject
	}
	return c.Subject, nil
}

func newRefreshToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// ─── Event helpers ────────────────────────────────────────────────────────────

func cloneEvent(e model.Event) model.Event {
	e.Participants = append([]model.Participation{}, e.Participants...)
	return e
}

func publicUser(u model.User) model.User {
	u.Email = ""
	return u
}

func upsert(e *model.Event, p model.Participation) {
	for i := range e.Participants {
		if e.Participants[i].User.ID == p.User.ID {
			e.Participants[i] = p
			return
		}
	}
	e.Participants = append(e.Participants, p)
}

func (s *Server) sortedEventsLocked(keep func(*model.Event) bool) []model.Event {
	out := make([]model.Event, 0, len(s.events))
	for _, e := range s.events {
		if keep == nil || keep(e) {
			out = append(out, cloneEvent(*e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
