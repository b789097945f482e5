// Package chat holds the client-side synchronization core: live mirrors of
// the signed-in user's rooms and the active room's messages, plus the
// operations that mutate them.
package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/skiffchat/skiff/internal/blob"
	"github.com/skiffchat/skiff/internal/config"
	"github.com/skiffchat/skiff/internal/identity"
	"github.com/skiffchat/skiff/internal/presence"
	"github.com/skiffchat/skiff/internal/store"
	"github.com/skiffchat/skiff/internal/upload"
)

// Session ties the authenticated user to the live room and message mirrors
// and exposes every chat operation. All methods are safe for concurrent
// use. State changes are signalled on the coalescing Updates channel.
type Session struct {
	docs    store.DocumentStore
	ids     identity.Provider
	tracker *presence.Tracker
	uploads *upload.Coordinator
	cfg     config.SyncConfig

	rooms   *RoomList
	window  *MessageWindow
	updates chan struct{}

	mu           sync.Mutex
	user         *store.UserProfile
	activeRoomID string
	presenceStop store.CancelFunc
	authStop     store.CancelFunc

	closeOnce sync.Once
}

// NewSession constructs the orchestrator. Call Start to begin following
// auth state.
func NewSession(docs store.DocumentStore, ids identity.Provider, tracker *presence.Tracker, uploads *upload.Coordinator, cfg config.SyncConfig) *Session {
	s := &Session{
		docs:    docs,
		ids:     ids,
		tracker: tracker,
		uploads: uploads,
		cfg:     cfg,
		updates: make(chan struct{}, 1),
	}
	s.rooms = NewRoomList(docs, s.signal)
	s.window = NewMessageWindow(docs, cfg.MessagePageSize, s.signal)
	return s
}

// Start subscribes to auth transitions. Each sign-in establishes presence
// and retargets the room mirror; sign-out tears both down.
func (s *Session) Start(ctx context.Context) {
	stop := s.ids.OnChange(func(profile *store.UserProfile) {
		s.setUser(ctx, profile)
	})
	s.mu.Lock()
	s.authStop = stop
	s.mu.Unlock()
}

// Updates signals after state changes. Receives coalesce: one pending
// signal may cover several changes, so consumers re-read all snapshots.
func (s *Session) Updates() <-chan struct{} {
	return s.updates
}

// Close tears down auth tracking, presence, and both live mirrors.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		stop := s.authStop
		s.authStop = nil
		s.mu.Unlock()
		if stop != nil {
			stop()
		}
		s.setUser(context.Background(), nil)
	})
}

func (s *Session) setUser(ctx context.Context, profile *store.UserProfile) {
	s.mu.Lock()
	// A re-emission for the signed-in user carries a profile edit, not an
	// auth transition; refresh the snapshot and leave subscriptions alone.
	if profile != nil && s.user != nil && s.user.ID == profile.ID {
		copied := *profile
		s.user = &copied
		s.mu.Unlock()
		s.signal()
		return
	}
	if s.presenceStop != nil {
		s.presenceStop()
		s.presenceStop = nil
	}
	s.user = profile
	s.activeRoomID = ""
	s.mu.Unlock()

	s.window.SetRoom(ctx, "")
	if profile == nil {
		s.rooms.SetUser(ctx, "")
		s.signal()
		return
	}

	s.rooms.SetUser(ctx, profile.ID)
	stop := s.tracker.Setup(ctx, profile.ID)
	s.mu.Lock()
	s.presenceStop = stop
	s.mu.Unlock()
	s.signal()
}

// User returns the signed-in profile, or nil.
func (s *Session) User() *store.UserProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		return nil
	}
	copied := *s.user
	return &copied
}

// Rooms returns the current room list, most recently active first.
func (s *Session) Rooms() []store.Room { return s.rooms.Rooms() }

// RoomsLoading reports whether the room list is still awaiting its first
// emission.
func (s *Session) RoomsLoading() bool { return s.rooms.Loading() }

// RoomsErr returns the room subscription error, if any.
func (s *Session) RoomsErr() error { return s.rooms.Err() }

// Messages returns the active room's loaded history in ascending order.
func (s *Session) Messages() []store.Message { return s.window.Messages() }

// MessagesLoading reports whether the active room is still awaiting its
// first emission.
func (s *Session) MessagesLoading() bool { return s.window.Loading() }

// HasMoreMessages reports whether older history may remain.
func (s *Session) HasMoreMessages() bool { return s.window.HasMore() }

// MessagesErr returns the message subscription error, if any.
func (s *Session) MessagesErr() error { return s.window.Err() }

// ActiveRoomID returns the selected room id, empty when none is selected.
func (s *Session) ActiveRoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeRoomID
}

// ActiveRoom returns the selected room from the live list.
func (s *Session) ActiveRoom() (store.Room, bool) {
	s.mu.Lock()
	id := s.activeRoomID
	s.mu.Unlock()
	if id == "" {
		return store.Room{}, false
	}
	return s.rooms.Room(id)
}

// SelectRoom makes roomID the active room and retargets the message
// window at it.
func (s *Session) SelectRoom(ctx context.Context, roomID string) error {
	if _, err := s.requireUser("select room"); err != nil {
		return err
	}
	if _, ok := s.rooms.Room(roomID); !ok {
		if _, err := s.docs.GetRoom(ctx, roomID); err != nil {
			return &OperationError{Op: "select room", Err: err}
		}
	}

	s.mu.Lock()
	s.activeRoomID = roomID
	s.mu.Unlock()
	s.window.SetRoom(ctx, roomID)
	s.signal()
	return nil
}

// ClearSelection deselects the active room and clears the message window.
func (s *Session) ClearSelection(ctx context.Context) {
	s.mu.Lock()
	s.activeRoomID = ""
	s.mu.Unlock()
	s.window.SetRoom(ctx, "")
	s.signal()
}

// CreateRoom creates a group room with the signed-in user as its only
// member.
func (s *Session) CreateRoom(ctx context.Context, name string) (store.Room, error) {
	user, err := s.requireUser("create room")
	if err != nil {
		return store.Room{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return store.Room{}, &ValidationError{Op: "create room", Reason: "name must not be empty"}
	}

	room, err := s.docs.CreateRoom(ctx, store.Room{
		Name:      name,
		Type:      store.RoomTypeGroup,
		Members:   []string{user.ID},
		CreatedBy: user.ID,
	})
	if err != nil {
		return store.Room{}, &OperationError{Op: "create room", Err: err}
	}
	return room, nil
}

// StartDirectChat returns the existing two-person room with otherID, or
// creates one. The check is exact: only a direct room whose member set is
// precisely the pair counts as existing.
func (s *Session) StartDirectChat(ctx context.Context, otherID string) (store.Room, error) {
	user, err := s.requireUser("start direct chat")
	if err != nil {
		return store.Room{}, err
	}
	if otherID == "" || otherID == user.ID {
		return store.Room{}, &ValidationError{Op: "start direct chat", Reason: "need another user"}
	}

	for _, room := range s.rooms.Rooms() {
		if room.Type == store.RoomTypeDirect && len(room.Members) == 2 && room.HasMember(otherID) {
			return room, nil
		}
	}

	other, err := s.ids.Profile(ctx, otherID)
	if err != nil {
		return store.Room{}, &OperationError{Op: "start direct chat", Err: err}
	}

	room, err := s.docs.CreateRoom(ctx, store.Room{
		Type:      store.RoomTypeDirect,
		Members:   []string{user.ID, otherID},
		CreatedBy: user.ID,
		Participants: map[string]string{
			user.ID: user.DisplayName,
			otherID: other.DisplayName,
		},
	})
	if err != nil {
		return store.Room{}, &OperationError{Op: "start direct chat", Err: err}
	}
	return room, nil
}

// JoinRoom adds the signed-in user to the room's member set.
func (s *Session) JoinRoom(ctx context.Context, roomID string) error {
	user, err := s.requireUser("join room")
	if err != nil {
		return err
	}
	if err := s.docs.AddMember(ctx, roomID, user.ID); err != nil {
		return &OperationError{Op: "join room", Err: err}
	}
	return nil
}

// Invite adds another user to the room's member set.
func (s *Session) Invite(ctx context.Context, roomID, userID string) error {
	if _, err := s.requireUser("invite"); err != nil {
		return err
	}
	if userID == "" {
		return &ValidationError{Op: "invite", Reason: "need a user"}
	}
	if err := s.docs.AddMember(ctx, roomID, userID); err != nil {
		return &OperationError{Op: "invite", Err: err}
	}
	return nil
}

// LeaveRoom removes the signed-in user from the room. Departure of the
// last member deletes the room. Leaving the active room clears the
// selection.
func (s *Session) LeaveRoom(ctx context.Context, roomID string) error {
	user, err := s.requireUser("leave room")
	if err != nil {
		return err
	}
	if err := s.docs.RemoveMember(ctx, roomID, user.ID); err != nil {
		return &OperationError{Op: "leave room", Err: err}
	}
	s.clearIfActive(ctx, roomID)
	return nil
}

// DeleteRoom removes the room and its messages. Deleting the active room
// clears the selection.
func (s *Session) DeleteRoom(ctx context.Context, roomID string) error {
	if _, err := s.requireUser("delete room"); err != nil {
		return err
	}
	if err := s.docs.DeleteRoom(ctx, roomID); err != nil {
		return &OperationError{Op: "delete room", Err: err}
	}
	s.clearIfActive(ctx, roomID)
	return nil
}

// SendMessage appends a text message to the active room and updates the
// room preview. The two writes are not atomic; a failed preview update is
// reported but the message stays stored.
func (s *Session) SendMessage(ctx context.Context, text string) error {
	user, err := s.requireUser("send message")
	if err != nil {
		return err
	}
	roomID := s.ActiveRoomID()
	if roomID == "" {
		return &ValidationError{Op: "send message", Reason: "no room selected"}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return &ValidationError{Op: "send message", Reason: "message must not be empty"}
	}

	return s.append(ctx, roomID, user, store.Message{
		Text: text,
		Kind: store.MessageKindText,
	}, text)
}

// SendFile uploads a single attachment to the active room and appends a
// file message referencing it.
func (s *Session) SendFile(ctx context.Context, f upload.File, onProgress func(percent int)) error {
	user, err := s.requireUser("send file")
	if err != nil {
		return err
	}
	roomID := s.ActiveRoomID()
	if roomID == "" {
		return &ValidationError{Op: "send file", Reason: "no room selected"}
	}

	ref, err := s.uploads.UploadFile(ctx, roomID, f, onProgress)
	if err != nil {
		return &OperationError{Op: "send file", Err: err}
	}
	return s.append(ctx, roomID, user, store.Message{
		Kind:     store.MessageKindFile,
		FileURL:  ref.URL,
		FileName: ref.Name,
		FileSize: ref.Size,
	}, filePreview)
}

// SendImages uploads up to the batch limit of images to the active room,
// appending one image message per completed upload. onProgress observes
// overall batch progress.
func (s *Session) SendImages(ctx context.Context, files []upload.File, onProgress func(percent int)) error {
	user, err := s.requireUser("send images")
	if err != nil {
		return err
	}
	roomID := s.ActiveRoomID()
	if roomID == "" {
		return &ValidationError{Op: "send images", Reason: "no room selected"}
	}
	if len(files) == 0 {
		return &ValidationError{Op: "send images", Reason: "no images given"}
	}

	err = s.uploads.UploadBatch(ctx, roomID, files, onProgress, func(i int, ref blob.FileRef) error {
		return s.append(ctx, roomID, user, store.Message{
			Kind:     store.MessageKindImage,
			FileURL:  ref.URL,
			FileName: ref.Name,
			FileSize: ref.Size,
		}, imagePreview)
	})
	if err != nil {
		return &OperationError{Op: "send images", Err: err}
	}
	return nil
}

// SetAvatar uploads a profile picture and stores its reference on the
// signed-in user's profile.
func (s *Session) SetAvatar(ctx context.Context, f upload.File, onProgress func(percent int)) error {
	user, err := s.requireUser("set avatar")
	if err != nil {
		return err
	}
	ref, err := s.uploads.UploadAvatar(ctx, user.ID, f, onProgress)
	if err != nil {
		return &OperationError{Op: "set avatar", Err: err}
	}
	if err := s.ids.UpdateProfile(ctx, "", ref.URL); err != nil {
		return &OperationError{Op: "set avatar", Err: err}
	}
	return nil
}

// MarkActiveRead marks every loaded message of the active room as read by
// the signed-in user.
func (s *Session) MarkActiveRead(ctx context.Context) error {
	user, err := s.requireUser("mark read")
	if err != nil {
		return err
	}
	return s.window.MarkRead(ctx, user.ID)
}

// LoadOlder fetches the next page of history for the active room.
func (s *Session) LoadOlder(ctx context.Context) error {
	return s.window.LoadOlder(ctx)
}

// WatchPresence observes another user's online state.
func (s *Session) WatchPresence(ctx context.Context, userID string, fn func(store.Status)) store.CancelFunc {
	return s.tracker.Watch(ctx, userID, fn)
}

// RoomDisplayName resolves the name shown for a room. Group rooms use
// their own name; direct rooms show the other participant.
func (s *Session) RoomDisplayName(room store.Room) string {
	if room.Type != store.RoomTypeDirect {
		return room.Name
	}
	s.mu.Lock()
	var selfID string
	if s.user != nil {
		selfID = s.user.ID
	}
	s.mu.Unlock()
	for id, name := range room.Participants {
		if id != selfID {
			return name
		}
	}
	return "unknown"
}

func (s *Session) append(ctx context.Context, roomID string, user *store.UserProfile, msg store.Message, preview string) error {
	msg.RoomID = roomID
	msg.SenderID = user.ID
	msg.SenderName = user.DisplayName
	msg.SenderPhoto = user.PhotoURL

	if _, err := s.docs.AppendMessage(ctx, msg); err != nil {
		return &OperationError{Op: "append message", Err: err}
	}
	line := fmt.Sprintf("%s: %s", user.DisplayName, preview)
	if err := s.docs.SetRoomLastMessage(ctx, roomID, line); err != nil {
		return &OperationError{Op: "update room preview", Err: err}
	}
	return nil
}

func (s *Session) clearIfActive(ctx context.Context, roomID string) {
	s.mu.Lock()
	active := s.activeRoomID == roomID
	if active {
		s.activeRoomID = ""
	}
	s.mu.Unlock()
	if active {
		s.window.SetRoom(ctx, "")
	}
	s.signal()
}

func (s *Session) requireUser(op string) (*store.UserProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		return nil, &ValidationError{Op: op, Reason: "not signed in"}
	}
	copied := *s.user
	return &copied, nil
}

func (s *Session) signal() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

const (
	filePreview  = "Sent a file"
	imagePreview = "Sent an image"
)
