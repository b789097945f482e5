// Package identity supplies the authenticated-user boundary: who is signed
// in, their durable profile, and a change subscription the synchronization
// core consumes.
package identity

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skiffchat/skiff/internal/auth"
	"github.com/skiffchat/skiff/internal/config"
	"github.com/skiffchat/skiff/internal/store"
)

// Provider exposes the events and lookups the core consumes. It deliberately
// hides how authentication happens.
type Provider interface {
	// Current returns the signed-in profile, or nil.
	Current() *store.UserProfile
	// OnChange registers a callback fired on every sign-in and sign-out,
	// including immediately with the current state.
	OnChange(fn func(*store.UserProfile)) store.CancelFunc
	// Profile looks up any user's profile by id.
	Profile(ctx context.Context, userID string) (store.UserProfile, error)
	// UpdateProfile rewrites the signed-in user's display name and photo
	// reference; empty arguments keep their current values.
	UpdateProfile(ctx context.Context, displayName, photoURL string) error
}

// Service is a document-store-backed Provider with local credential checks
// and JWT issuance.
type Service struct {
	docs store.DocumentStore
	cfg  config.JWTConfig

	mu        sync.Mutex
	current   *store.UserProfile
	token     string
	listeners map[int]func(*store.UserProfile)
	nextID    int
}

// NewService constructs an identity service over the document store.
func NewService(docs store.DocumentStore, cfg config.JWTConfig) *Service {
	return &Service{
		docs:      docs,
		cfg:       cfg,
		listeners: make(map[int]func(*store.UserProfile)),
	}
}

// Register creates an account and profile, then signs the user in.
func (s *Service) Register(ctx context.Context, username, displayName, password string) (store.UserProfile, error) {
	username = strings.TrimSpace(username)
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		displayName = username
	}
	if username == "" || password == "" {
		return store.UserProfile{}, ErrInvalidCredentials
	}

	if _, err := s.docs.AccountByUsername(ctx, username); err == nil {
		return store.UserProfile{}, ErrUserExists
	} else if !errors.Is(err, store.ErrNotFound) {
		return store.UserProfile{}, err
	}

	hashed, err := auth.HashPassword(password)
	if err != nil {
		return store.UserProfile{}, err
	}

	now := time.Now().UTC()
	account := store.Account{
		ID:        uuid.NewString(),
		Username:  username,
		Password:  hashed,
		CreatedAt: now,
	}
	if err := s.docs.CreateAccount(ctx, account); err != nil {
		return store.UserProfile{}, err
	}

	profile := store.UserProfile{
		ID:          account.ID,
		DisplayName: displayName,
		Status:      store.StatusOffline,
		LastSeen:    now,
	}
	if err := s.docs.PutProfile(ctx, profile); err != nil {
		return store.UserProfile{}, err
	}

	return s.signIn(ctx, account.ID, displayName)
}

// Login verifies credentials and signs the user in.
func (s *Service) Login(ctx context.Context, username, password string) (store.UserProfile, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return store.UserProfile{}, ErrInvalidCredentials
	}

	account, err := s.docs.AccountByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.UserProfile{}, ErrInvalidCredentials
		}
		return store.UserProfile{}, err
	}
	if err := auth.ComparePassword(account.Password, password); err != nil {
		return store.UserProfile{}, ErrInvalidCredentials
	}

	profile, err := s.docs.GetProfile(ctx, account.ID)
	if err != nil {
		return store.UserProfile{}, err
	}
	return s.signIn(ctx, profile.ID, profile.DisplayName)
}

// Logout clears the signed-in user and notifies listeners.
func (s *Service) Logout() {
	s.mu.Lock()
	s.current = nil
	s.token = ""
	listeners := s.snapshotListeners()
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(nil)
	}
}

// Current returns the signed-in profile, or nil.
func (s *Service) Current() *store.UserProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	copied := *s.current
	return &copied
}

// Token returns the active session token, empty when signed out.
func (s *Service) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// OnChange registers a listener for auth transitions. The listener fires
// immediately with the current state and the disposer is idempotent.
func (s *Service) OnChange(fn func(*store.UserProfile)) store.CancelFunc {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	var current *store.UserProfile
	if s.current != nil {
		copied := *s.current
		current = &copied
	}
	s.mu.Unlock()

	fn(current)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// Profile looks up a user profile by id.
func (s *Service) Profile(ctx context.Context, userID string) (store.UserProfile, error) {
	return s.docs.GetProfile(ctx, userID)
}

// UpdateProfile rewrites the signed-in user's profile fields and re-emits
// the auth state so consumers observe the fresh profile.
func (s *Service) UpdateProfile(ctx context.Context, displayName, photoURL string) error {
	current := s.Current()
	if current == nil {
		return ErrNotSignedIn
	}
	profile := *current
	if displayName = strings.TrimSpace(displayName); displayName != "" {
		profile.DisplayName = displayName
	}
	if photoURL != "" {
		profile.PhotoURL = photoURL
	}
	if err := s.docs.PutProfile(ctx, profile); err != nil {
		return err
	}

	s.mu.Lock()
	s.current = &profile
	listeners := s.snapshotListeners()
	s.mu.Unlock()

	for _, fn := range listeners {
		copied := profile
		fn(&copied)
	}
	return nil
}

func (s *Service) signIn(ctx context.Context, userID, displayName string) (store.UserProfile, error) {
	token, err := auth.NewToken(s.cfg, userID, displayName)
	if err != nil {
		return store.UserProfile{}, err
	}
	profile, err := s.docs.GetProfile(ctx, userID)
	if err != nil {
		return store.UserProfile{}, err
	}

	s.mu.Lock()
	copied := profile
	s.current = &copied
	s.token = token
	listeners := s.snapshotListeners()
	s.mu.Unlock()

	for _, fn := range listeners {
		emitted := profile
		fn(&emitted)
	}
	return profile, nil
}

// snapshotListeners must be called with the mutex held.
func (s *Service) snapshotListeners() []func(*store.UserProfile) {
	listeners := make([]func(*store.UserProfile), 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	return listeners
}

var (
	// ErrUserExists reports a registration against a taken username.
	ErrUserExists = errors.New("user already exists")
	// ErrInvalidCredentials reports a failed login.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrNotSignedIn reports a profile operation without a session.
	ErrNotSignedIn = errors.New("not signed in")
)
