package chat

import (
	"context"
	"sync"

	"github.com/skiffchat/skiff/internal/store"
)

// MessageWindow mirrors the message tail of one room: a live window of the
// most recent messages plus any older pages fetched on demand. Switching
// rooms atomically replaces the subscription and discards pagination state.
type MessageWindow struct {
	docs     store.DocumentStore
	pageSize int
	notify   func()

	mu           sync.Mutex
	epoch        int
	cancel       store.CancelFunc
	roomID       string
	live         []store.Message
	older        []store.Message
	loading      bool
	loadingOlder bool
	hasMore      bool
	err          error
}

// NewMessageWindow constructs a message window over the document store.
// notify fires after every state change and may be nil.
func NewMessageWindow(docs store.DocumentStore, pageSize int, notify func()) *MessageWindow {
	if notify == nil {
		notify = func() {}
	}
	return &MessageWindow{docs: docs, pageSize: pageSize, notify: notify}
}

// SetRoom retargets the window at roomID, cancelling any previous
// subscription and discarding loaded pages. An empty id clears the window.
func (w *MessageWindow) SetRoom(ctx context.Context, roomID string) {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	w.epoch++
	epoch := w.epoch
	w.roomID = roomID
	w.live = nil
	w.older = nil
	w.err = nil
	w.hasMore = false
	w.loadingOlder = false
	w.loading = roomID != ""
	w.mu.Unlock()
	w.notify()

	if roomID == "" {
		return
	}

	cancel := w.docs.SubscribeMessages(ctx, roomID, w.pageSize,
		func(msgs []store.Message) {
			w.mu.Lock()
			if w.epoch != epoch {
				w.mu.Unlock()
				return
			}
			w.live = ascending(msgs)
			w.loading = false
			w.err = nil
			if len(w.older) == 0 {
				w.hasMore = len(msgs) == w.pageSize
			}
			w.mu.Unlock()
			w.notify()
		},
		func(err error) {
			w.mu.Lock()
			if w.epoch != epoch {
				w.mu.Unlock()
				return
			}
			w.err = &SubscriptionError{Scope: "messages", Err: err}
			w.loading = false
			w.mu.Unlock()
			w.notify()
		})

	w.mu.Lock()
	if w.epoch != epoch {
		w.mu.Unlock()
		cancel()
		return
	}
	w.cancel = cancel
	w.mu.Unlock()
}

// Messages returns the loaded history in ascending creation order, older
// pages first. A message present in both a loaded page and the live window
// appears once.
func (w *MessageWindow) Messages() []store.Message {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]store.Message, 0, len(w.older)+len(w.live))
	seen := make(map[string]struct{}, len(w.older))
	for _, m := range w.older {
		out = append(out, m)
		seen[m.ID] = struct{}{}
	}
	for _, m := range w.live {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		out = append(out, m)
	}
	return out
}

// LoadOlder fetches the page preceding the oldest loaded message. It is a
// no-op when nothing is loaded yet, no older messages remain, or a load is
// already in flight.
func (w *MessageWindow) LoadOlder(ctx context.Context) error {
	w.mu.Lock()
	if !w.hasMore || w.loadingOlder {
		w.mu.Unlock()
		return nil
	}
	oldest, ok := w.oldestLocked()
	if !ok {
		w.mu.Unlock()
		return nil
	}
	epoch := w.epoch
	roomID := w.roomID
	w.loadingOlder = true
	w.mu.Unlock()
	w.notify()

	page, err := w.docs.MessagesBefore(ctx, roomID, store.CursorOf(oldest), w.pageSize)

	w.mu.Lock()
	if w.epoch != epoch {
		w.mu.Unlock()
		return nil
	}
	w.loadingOlder = false
	if err != nil {
		w.mu.Unlock()
		w.notify()
		return &OperationError{Op: "load older messages", Err: err}
	}
	w.older = append(ascending(page), w.older...)
	w.hasMore = len(page) == w.pageSize
	w.mu.Unlock()
	w.notify()
	return nil
}

// MarkRead adds userID to the read set of every loaded message that does
// not carry it yet.
func (w *MessageWindow) MarkRead(ctx context.Context, userID string) error {
	w.mu.Lock()
	roomID := w.roomID
	var pending []string
	for _, m := range w.live {
		if !m.ReadBySet(userID) {
			pending = append(pending, m.ID)
		}
	}
	for _, m := range w.older {
		if !m.ReadBySet(userID) {
			pending = append(pending, m.ID)
		}
	}
	w.mu.Unlock()

	if roomID == "" {
		return nil
	}
	for _, id := range pending {
		if err := w.docs.MarkRead(ctx, roomID, id, userID); err != nil {
			return &OperationError{Op: "mark read", Err: err}
		}
	}
	return nil
}

// RoomID returns the room the window is targeting, empty when cleared.
func (w *MessageWindow) RoomID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.roomID
}

// Loading reports whether the first emission for the current room is still
// pending.
func (w *MessageWindow) Loading() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.loading
}

// LoadingOlder reports whether a pagination fetch is in flight.
func (w *MessageWindow) LoadingOlder() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.loadingOlder
}

// HasMore reports whether older messages may remain beyond the loaded
// history.
func (w *MessageWindow) HasMore() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.hasMore
}

// Err returns the subscription error, if any.
func (w *MessageWindow) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Close cancels the live subscription and clears state.
func (w *MessageWindow) Close() {
	w.SetRoom(context.Background(), "")
}

// oldestLocked must be called with the mutex held.
func (w *MessageWindow) oldestLocked() (store.Message, bool) {
	if len(w.older) > 0 {
		return w.older[0], true
	}
	if len(w.live) > 0 {
		return w.live[0], true
	}
	return store.Message{}, false
}

// ascending reverses a descending emission into display order.
func ascending(msgs []store.Message) []store.Message {
	out := make([]store.Message, len(msgs))
	for i, m := range msgs {
		out[len(msgs)-1-i] = m
	}
	return out
}
