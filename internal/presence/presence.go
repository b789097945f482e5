// Package presence maintains the best-effort online/offline signal per
// user, tied to connection lifecycle.
package presence

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/skiffchat/skiff/internal/store"
)

// StatusEntry is the value written to the realtime store per user.
type StatusEntry struct {
	State     store.Status `json:"state"`
	ChangedAt time.Time    `json:"changed_at"`
}

// RealtimeStore is the key/value realtime adapter presence is built on.
type RealtimeStore interface {
	// SetStatus writes the user's status entry.
	SetStatus(ctx context.Context, userID string, entry StatusEntry) error
	// OnDisconnect arms a server-side offline write that fires when the
	// connection drops ungracefully. The disposer withdraws the hook
	// without firing it.
	OnDisconnect(ctx context.Context, userID string, entry StatusEntry) (store.CancelFunc, error)
	// WatchConnected observes the connection signal; fn receives the
	// current state and every transition.
	WatchConnected(ctx context.Context, fn func(bool)) store.CancelFunc
	// WatchStatus observes another user's status as an online/offline
	// projection.
	WatchStatus(ctx context.Context, userID string, fn func(store.Status)) store.CancelFunc
}

// Tracker wires the realtime status signal to the durable profile mirror.
type Tracker struct {
	rt   RealtimeStore
	docs store.DocumentStore
}

// NewTracker constructs a Tracker over the realtime and document stores.
func NewTracker(rt RealtimeStore, docs store.DocumentStore) *Tracker {
	return &Tracker{rt: rt, docs: docs}
}

// Setup establishes presence for the user. On each connection it first arms
// the offline disconnect-hook, and only once that registration succeeds
// marks the user online and mirrors the transition into the profile store.
// The mirror write is non-blocking: its failure never fails presence setup.
//
// The returned disposer runs the symmetric manual offline transition,
// withdraws the hook, and is safe to invoke more than once.
func (t *Tracker) Setup(ctx context.Context, userID string) store.CancelFunc {
	var mu sync.Mutex
	var hookCancel store.CancelFunc

	watchCancel := t.rt.WatchConnected(ctx, func(connected bool) {
		if !connected {
			return
		}

		cancel, err := t.rt.OnDisconnect(ctx, userID, offlineEntry())
		if err != nil {
			log.Printf("presence: disconnect hook for %s: %v", userID, err)
			return
		}
		mu.Lock()
		if hookCancel != nil {
			hookCancel()
		}
		hookCancel = cancel
		mu.Unlock()

		if err := t.rt.SetStatus(ctx, userID, onlineEntry()); err != nil {
			log.Printf("presence: set online for %s: %v", userID, err)
			return
		}
		go t.mirror(userID, store.StatusOnline)
	})

	var once sync.Once
	return func() {
		once.Do(func() {
			watchCancel()
			mu.Lock()
			if hookCancel != nil {
				hookCancel()
				hookCancel = nil
			}
			mu.Unlock()

			offCtx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
			defer cancel()
			if err := t.rt.SetStatus(offCtx, userID, offlineEntry()); err != nil {
				log.Printf("presence: set offline for %s: %v", userID, err)
			}
			t.mirror(userID, store.StatusOffline)
		})
	}
}

// Watch observes another user's presence as a plain online/offline value.
func (t *Tracker) Watch(ctx context.Context, userID string, fn func(store.Status)) store.CancelFunc {
	return t.rt.WatchStatus(ctx, userID, fn)
}

func (t *Tracker) mirror(userID string, status store.Status) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := t.docs.SetUserStatus(ctx, userID, status, time.Now().UTC()); err != nil {
		log.Printf("presence: mirror %s for %s: %v", status, userID, err)
	}
}

func onlineEntry() StatusEntry {
	return StatusEntry{State: store.StatusOnline, ChangedAt: time.Now().UTC()}
}

func offlineEntry() StatusEntry {
	return StatusEntry{State: store.StatusOffline, ChangedAt: time.Now().UTC()}
}

const teardownTimeout = 5 * time.Second
