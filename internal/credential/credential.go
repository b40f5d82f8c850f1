// Package credential holds the signed-in user's credentials. The short-lived
// access credential lives only in memory; the renewal credential lives only
// in durable storage. The store has no logic beyond get/set/clear and is
// mutated exclusively by the session controller.
package credential

import (
	"context"
	"fmt"
	"sync"

	"github.com/Shivanand-hulikatti/meetup-client/internal/model"
)

// RenewalStore persists the renewal credential across restarts.
type RenewalStore interface {
	Load(ctx context.Context) (string, error)
	Save(ctx context.Context, token string) error
	Clear(ctx context.Context) error
}

// AccessSource is the read-only view handed to components that attach the
// access credential to outbound traffic.
type AccessSource interface {
	Access() string
}

// Store combines the volatile access credential with a durable renewal store.
type Store struct {
	mu      sync.RWMutex
	access  string
	user    model.User
	renewal RenewalStore
}

// NewStore constructs a Store backed by renewal.
func NewStore(renewal RenewalStore) *Store {
	if renewal == nil {
		renewal = NewMemoryRenewalStore()
	}
	return &Store{renewal: renewal}
}

// Access returns the current access credential, or "" when signed out.
func (s *Store) Access() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.access
}

// User returns the profile that came with the current credentials.
func (s *Store) User() model.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

// Renewal loads the renewal credential from durable storage.
func (s *Store) Renewal(ctx context.Context) (string, error) {
	token, err := s.renewal.Load(ctx)
	if err != nil {
		return "", fmt.Errorf("load renewal credential: %w", err)
	}
	return token, nil
}

// HasRenewal reports whether a renewal credential is stored. Storage errors
// count as absent.
func (s *Store) HasRenewal(ctx context.Context) bool {
	token, err := s.Renewal(ctx)
	return err == nil && token != ""
}

// Set replaces both credentials. Readers never observe the new access
// credential before the renewal credential has been persisted.
func (s *Store) Set(ctx context.Context, session model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.renewal.Save(ctx, session.RenewalCredential); err != nil {
		return fmt.Errorf("save renewal credential: %w", err)
	}
	s.access = session.AccessCredential
	s.user = session.User
	return nil
}

// SetUser updates the cached profile without touching credentials.
func (s *Store) SetUser(user model.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = user
}

// Clear destroys the session in memory and in durable storage.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.access = ""
	s.user = model.User{}
	if err := s.renewal.Clear(ctx); err != nil {
		return fmt.Errorf("clear renewal credential: %w", err)
	}
	return nil
}

// MemoryRenewalStore keeps the renewal credential in process memory. It is
// meant for tests and throwaway sessions.
type MemoryRenewalStore struct {
	mu    sync.Mutex
	token string
}

// NewMemoryRenewalStore constructs an empty MemoryRenewalStore.
func NewMemoryRenewalStore() *MemoryRenewalStore {
	return &MemoryRenewalStore{}
}

func (m *MemoryRenewalStore) Load(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token, nil
}

func (m *MemoryRenewalStore) Save(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
	return nil
}

func (m *MemoryRenewalStore) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = ""
	return nil
}
