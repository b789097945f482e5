package chat

import (
	"context"
	"sync"

	"github.com/skiffchat/skiff/internal/store"
)

// RoomList mirrors the signed-in user's room collection. It holds at most
// one live subscription; switching users atomically replaces it, and
// emissions from a replaced subscription are discarded.
type RoomList struct {
	docs   store.DocumentStore
	notify func()

	mu      sync.Mutex
	epoch   int
	cancel  store.CancelFunc
	userID  string
	rooms   []store.Room
	loading bool
	err     error
}

// NewRoomList constructs a room list over the document store. notify fires
// after every state change and may be nil.
func NewRoomList(docs store.DocumentStore, notify func()) *RoomList {
	if notify == nil {
		notify = func() {}
	}
	return &RoomList{docs: docs, notify: notify}
}

// SetUser retargets the list at userID, cancelling any previous
// subscription. An empty id clears the list without subscribing.
func (l *RoomList) SetUser(ctx context.Context, userID string) {
	l.mu.Lock()
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	l.epoch++
	epoch := l.epoch
	l.userID = userID
	l.rooms = nil
	l.err = nil
	l.loading = userID != ""
	l.mu.Unlock()
	l.notify()

	if userID == "" {
		return
	}

	cancel := l.docs.SubscribeRooms(ctx, userID,
		func(rooms []store.Room) {
			l.mu.Lock()
			if l.epoch != epoch {
				l.mu.Unlock()
				return
			}
			l.rooms = rooms
			l.loading = false
			l.err = nil
			l.mu.Unlock()
			l.notify()
		},
		func(err error) {
			l.mu.Lock()
			if l.epoch != epoch {
				l.mu.Unlock()
				return
			}
			l.err = &SubscriptionError{Scope: "rooms", Err: err}
			l.loading = false
			l.mu.Unlock()
			l.notify()
		})

	l.mu.Lock()
	if l.epoch != epoch {
		l.mu.Unlock()
		cancel()
		return
	}
	l.cancel = cancel
	l.mu.Unlock()
}

// Rooms returns a snapshot of the current room list, most recently active
// first.
func (l *RoomList) Rooms() []store.Room {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]store.Room, len(l.rooms))
	copy(out, l.rooms)
	return out
}

// Room returns the listed room with the given id.
func (l *RoomList) Room(roomID string) (store.Room, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.rooms {
		if r.ID == roomID {
			return r, true
		}
	}
	return store.Room{}, false
}

// Loading reports whether the first emission for the current user is still
// pending.
func (l *RoomList) Loading() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loading
}

// Err returns the subscription error, if any.
func (l *RoomList) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Close cancels the live subscription and clears state.
func (l *RoomList) Close() {
	l.SetUser(context.Background(), "")
}
