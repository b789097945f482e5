package store

import (
	"context"
	"errors"
	"time"
)

// RoomType distinguishes group conversations from two-person direct rooms.
type RoomType string

const (
	RoomTypeGroup  RoomType = "group"
	RoomTypeDirect RoomType = "direct"
)

// MessageKind discriminates the tagged message payload.
type MessageKind string

const (
	MessageKindText  MessageKind = "text"
	MessageKindImage MessageKind = "image"
	MessageKindFile  MessageKind = "file"
)

// Status is the best-effort presence signal for a user.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// Room is a named conversation container with a member set.
//
// MemberCount always equals len(Members); the store maintains the derived
// counter at every membership mutation rather than recomputing it lazily.
// Participants maps member id to display name and is present only on
// direct rooms, where it has exactly two entries.
type Room struct {
	ID            string
	Name          string
	Type          RoomType
	Members       []string
	MemberCount   int
	CreatedBy     string
	CreatedAt     time.Time
	LastMessage   string
	LastMessageAt time.Time
	Participants  map[string]string
}

// HasMember reports whether userID belongs to the room.
func (r Room) HasMember(userID string) bool {
	for _, id := range r.Members {
		if id == userID {
			return true
		}
	}
	return false
}

// Message is an immutable room entry; only ReadBy grows after creation.
// CreatedAt and Seq are assigned by the store at append time and together
// form the total order within a room (CreatedAt first, Seq as tie-break).
type Message struct {
	ID          string
	RoomID      string
	Seq         int64
	SenderID    string
	SenderName  string
	SenderPhoto string
	Text        string
	Kind        MessageKind
	FileURL     string
	FileName    string
	FileSize    int64
	CreatedAt   time.Time
	ReadBy      []string
}

// ReadBySet reports whether userID has observed the message.
func (m Message) ReadBySet(userID string) bool {
	for _, id := range m.ReadBy {
		if id == userID {
			return true
		}
	}
	return false
}

// Cursor identifies a position in a room's message order for pagination.
type Cursor struct {
	CreatedAt time.Time
	Seq       int64
}

// CursorOf returns the pagination cursor of a message.
func CursorOf(m Message) Cursor {
	return Cursor{CreatedAt: m.CreatedAt, Seq: m.Seq}
}

// UserProfile is the durable per-user record.
// DisplayNameLower is a derived index field the store keeps in sync on
// every profile write.
type UserProfile struct {
	ID               string
	DisplayName      string
	DisplayNameLower string
	PhotoURL         string
	Status           Status
	LastSeen         time.Time
}

// Account carries login credentials; the password field holds a hash.
type Account struct {
	ID        string
	Username  string
	Password  string
	CreatedAt time.Time
}

// CancelFunc disposes a live subscription. Implementations are idempotent:
// invoking a disposer more than once is a no-op.
type CancelFunc func()

// RoomsHandler receives the full ordered room list on every qualifying change.
type RoomsHandler func([]Room)

// MessagesHandler receives the most recent message window in descending
// creation order on every qualifying change.
type MessagesHandler func([]Message)

// ErrorHandler receives a subscription failure. After an error the
// subscription stops emitting.
type ErrorHandler func(error)

// DocumentStore is the uniform adapter over the remote document/collection
// store. It carries no business logic beyond the derived-field invariants
// it is contracted to maintain.
type DocumentStore interface {
	Close() error
	Migrate(ctx context.Context) error

	// CreateRoom persists the room, assigning ID, CreatedAt, and
	// LastMessageAt, and returns the stored copy.
	CreateRoom(ctx context.Context, room Room) (Room, error)
	GetRoom(ctx context.Context, roomID string) (Room, error)
	// DeleteRoom removes the room and cascades to its messages.
	DeleteRoom(ctx context.Context, roomID string) error
	// SetRoomLastMessage updates the preview and bumps LastMessageAt.
	SetRoomLastMessage(ctx context.Context, roomID, preview string) error
	// AddMember and RemoveMember mutate membership; removal of the final
	// member deletes the room. Both keep MemberCount equal to the member
	// set size.
	AddMember(ctx context.Context, roomID, userID string) error
	RemoveMember(ctx context.Context, roomID, userID string) error
	// SubscribeRooms emits the rooms containing userID, ordered by
	// LastMessageAt descending, filtered by membership on the store side.
	SubscribeRooms(ctx context.Context, userID string, h RoomsHandler, eh ErrorHandler) CancelFunc

	// AppendMessage persists the message, assigning ID, Seq, CreatedAt,
	// and ReadBy = {sender}, and returns the stored copy.
	AppendMessage(ctx context.Context, msg Message) (Message, error)
	// MarkRead adds userID to the message's ReadBy set. Adding an
	// existing reader is a no-op.
	MarkRead(ctx context.Context, roomID, messageID, userID string) error
	// SubscribeMessages emits the most recent limit messages of the room
	// in descending creation order.
	SubscribeMessages(ctx context.Context, roomID string, limit int, h MessagesHandler, eh ErrorHandler) CancelFunc
	// MessagesBefore returns up to limit messages strictly older than the
	// cursor, in descending creation order.
	MessagesBefore(ctx context.Context, roomID string, before Cursor, limit int) ([]Message, error)

	GetProfile(ctx context.Context, userID string) (UserProfile, error)
	// PutProfile writes the profile, deriving DisplayNameLower.
	PutProfile(ctx context.Context, profile UserProfile) error
	// SetUserStatus mirrors a presence transition into the profile.
	SetUserStatus(ctx context.Context, userID string, status Status, at time.Time) error
	// SearchProfiles returns up to limit profiles whose lowercase display
	// name starts with the prefix, excluding excludeID, ordered by name.
	SearchProfiles(ctx context.Context, prefix, excludeID string, limit int) ([]UserProfile, error)

	CreateAccount(ctx context.Context, account Account) error
	AccountByUsername(ctx context.Context, username string) (Account, error)
}

// ErrNotFound reports a missing document.
var ErrNotFound = errors.New("not found")
