// Package users implements debounced display-name prefix search.
package users

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/skiffchat/skiff/internal/config"
	"github.com/skiffchat/skiff/internal/store"
)

// Searcher runs prefix searches over user profiles, debouncing keystrokes
// and discarding results of superseded queries. All methods are safe for
// concurrent use.
type Searcher struct {
	docs     store.DocumentStore
	debounce time.Duration
	limit    int
	notify   func()

	mu        sync.Mutex
	timer     *time.Timer
	token     int
	results   []store.UserProfile
	searching bool
	err       error
}

// NewSearcher constructs a searcher with the configured debounce window
// and result limit. notify fires after every state change and may be nil.
func NewSearcher(docs store.DocumentStore, cfg config.SyncConfig, notify func()) *Searcher {
	if notify == nil {
		notify = func() {}
	}
	return &Searcher{
		docs:     docs,
		debounce: cfg.SearchDebounce,
		limit:    cfg.SearchLimit,
		notify:   notify,
	}
}

// SetQuery schedules a search for the given prefix, excluding selfID from
// the results. Each call supersedes any pending or in-flight search; an
// empty query clears the results immediately.
func (s *Searcher) SetQuery(ctx context.Context, selfID, query string) {
	prefix := strings.ToLower(strings.TrimSpace(query))

	s.mu.Lock()
	s.token++
	token := s.token
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if prefix == "" {
		s.results = nil
		s.searching = false
		s.err = nil
		s.mu.Unlock()
		s.notify()
		return
	}
	s.searching = true
	s.timer = time.AfterFunc(s.debounce, func() {
		s.run(ctx, token, selfID, prefix)
	})
	s.mu.Unlock()
	s.notify()
}

// Results returns the latest completed search's matches.
func (s *Searcher) Results() []store.UserProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.UserProfile, len(s.results))
	copy(out, s.results)
	return out
}

// Searching reports whether a search is pending or in flight.
func (s *Searcher) Searching() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.searching
}

// Err returns the latest search error, if any.
func (s *Searcher) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close cancels any pending search.
func (s *Searcher) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.searching = false
}

func (s *Searcher) run(ctx context.Context, token int, selfID, prefix string) {
	results, err := s.docs.SearchProfiles(ctx, prefix, selfID, s.limit)

	s.mu.Lock()
	if s.token != token {
		s.mu.Unlock()
		return
	}
	s.results = results
	s.err = err
	s.searching = false
	s.mu.Unlock()
	s.notify()
}
