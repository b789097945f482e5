package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/skiffchat/skiff/internal/blob"
	"github.com/skiffchat/skiff/internal/config"
	"github.com/skiffchat/skiff/internal/identity"
	"github.com/skiffchat/skiff/internal/presence"
	"github.com/skiffchat/skiff/internal/store"
	"github.com/skiffchat/skiff/internal/store/memory"
	"github.com/skiffchat/skiff/internal/upload"
)

type fakeRealtime struct {
	mu       sync.Mutex
	statuses []store.Status
}

func (f *fakeRealtime) SetStatus(ctx context.Context, userID string, entry presence.StatusEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, entry.State)
	return nil
}

func (f *fakeRealtime) OnDisconnect(ctx context.Context, userID string, entry presence.StatusEntry) (store.CancelFunc, error) {
	return func() {}, nil
}

func (f *fakeRealtime) WatchConnected(ctx context.Context, fn func(bool)) store.CancelFunc {
	fn(true)
	return func() {}
}

func (f *fakeRealtime) WatchStatus(ctx context.Context, userID string, fn func(store.Status)) store.CancelFunc {
	return func() {}
}

type fakeBlob struct {
	mu   sync.Mutex
	keys []string
}

func (f *fakeBlob) Upload(ctx context.Context, key string, r io.Reader, size int64, contentType string, progress blob.ProgressFunc) (blob.FileRef, error) {
	if _, err := io.Copy(io.Discard, blob.NewProgressReader(r, size, progress)); err != nil {
		return blob.FileRef{}, err
	}
	f.mu.Lock()
	f.keys = append(f.keys, key)
	f.mu.Unlock()
	return blob.FileRef{URL: "blob://" + key, Name: key, Size: size, ContentType: contentType}, nil
}

func testSyncConfig() config.SyncConfig {
	return config.SyncConfig{
		MessagePageSize: 30,
		SearchDebounce:  5 * time.Millisecond,
		SearchLimit:     10,
		PresenceTTL:     time.Second,
	}
}

type fixture struct {
	docs    *memory.Store
	ids     *identity.Service
	blobs   *fakeBlob
	session *Session
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	docs := memory.NewStore()
	ids := identity.NewService(docs, config.JWTConfig{Secret: "test-secret", Issuer: "test", Expiration: time.Hour})
	blobs := &fakeBlob{}
	tracker := presence.NewTracker(&fakeRealtime{}, docs)
	session := NewSession(docs, ids, tracker, upload.NewCoordinator(blobs), testSyncConfig())
	session.Start(context.Background())
	t.Cleanup(session.Close)
	return &fixture{docs: docs, ids: ids, blobs: blobs, session: session}
}

func (f *fixture) register(t *testing.T, username, displayName string) store.UserProfile {
	t.Helper()
	profile, err := f.ids.Register(context.Background(), username, displayName, "password")
	if err != nil {
		t.Fatalf("register %s: %v", username, err)
	}
	return profile
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestSendMessageRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "alice", "Alice")

	room, err := f.session.CreateRoom(ctx, "general")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	if err := f.session.SelectRoom(ctx, room.ID); err != nil {
		t.Fatalf("select room: %v", err)
	}
	if err := f.session.SendMessage(ctx, "hello"); err != nil {
		t.Fatalf("send message: %v", err)
	}

	waitFor(t, func() bool { return len(f.session.Messages()) == 1 })
	msg := f.session.Messages()[0]
	if msg.Text != "hello" || msg.Kind != store.MessageKindText {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if len(msg.ReadBy) != 1 || msg.ReadBy[0] != msg.SenderID {
		t.Fatalf("expected read set {sender}, got %v", msg.ReadBy)
	}

	waitFor(t, func() bool {
		rooms := f.session.Rooms()
		return len(rooms) == 1 && rooms[0].LastMessage == "Alice: hello"
	})
}

func TestMessagesArriveInOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "alice", "Alice")

	room, err := f.session.CreateRoom(ctx, "ordered")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	if err := f.session.SelectRoom(ctx, room.ID); err != nil {
		t.Fatalf("select room: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := f.session.SendMessage(ctx, fmt.Sprintf("msg-%d", i)); err != nil {
			t.Fatalf("send message %d: %v", i, err)
		}
	}

	waitFor(t, func() bool { return len(f.session.Messages()) == 5 })
	msgs := f.session.Messages()
	for i, msg := range msgs {
		if want := fmt.Sprintf("msg-%d", i); msg.Text != want {
			t.Fatalf("position %d: got %q, want %q", i, msg.Text, want)
		}
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Fatalf("timestamps out of order at %d", i)
		}
	}
}

func TestMarkReadGrowsByAtMostReader(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.register(t, "alice", "Alice")

	room, err := f.session.CreateRoom(ctx, "reads")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	if err := f.session.SelectRoom(ctx, room.ID); err != nil {
		t.Fatalf("select room: %v", err)
	}
	if err := f.session.SendMessage(ctx, "hi"); err != nil {
		t.Fatalf("send message: %v", err)
	}
	waitFor(t, func() bool { return len(f.session.Messages()) == 1 })

	// A second reader marking twice must not duplicate entries.
	msgID := f.session.Messages()[0].ID
	for i := 0; i < 2; i++ {
		if err := f.docs.MarkRead(ctx, room.ID, msgID, "bob"); err != nil {
			t.Fatalf("mark read: %v", err)
		}
	}

	waitFor(t, func() bool {
		msgs := f.session.Messages()
		return len(msgs) == 1 && len(msgs[0].ReadBy) == 2
	})
	msg := f.session.Messages()[0]
	if !msg.ReadBySet(alice.ID) || !msg.ReadBySet("bob") {
		t.Fatalf("read set missing readers: %v", msg.ReadBy)
	}
}

func TestRapidRoomSwitchShowsOnlyFinalRoom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "alice", "Alice")

	roomA, err := f.session.CreateRoom(ctx, "alpha")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	roomB, err := f.session.CreateRoom(ctx, "beta")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}

	if err := f.session.SelectRoom(ctx, roomA.ID); err != nil {
		t.Fatalf("select A: %v", err)
	}
	if err := f.session.SendMessage(ctx, "in-alpha"); err != nil {
		t.Fatalf("send to A: %v", err)
	}

	if err := f.session.SelectRoom(ctx, roomB.ID); err != nil {
		t.Fatalf("select B: %v", err)
	}
	if err := f.session.SelectRoom(ctx, roomA.ID); err != nil {
		t.Fatalf("re-select A: %v", err)
	}

	waitFor(t, func() bool {
		msgs := f.session.Messages()
		return len(msgs) == 1 && msgs[0].Text == "in-alpha"
	})

	// A write to the room left behind must not surface in the window.
	if _, err := f.docs.AppendMessage(ctx, store.Message{RoomID: roomB.ID, SenderID: "x", Text: "in-beta"}); err != nil {
		t.Fatalf("append to B: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	for _, msg := range f.session.Messages() {
		if msg.RoomID != roomA.ID {
			t.Fatalf("message from foreign room leaked: %+v", msg)
		}
	}
}

func TestStartDirectChatReusesExistingRoom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.register(t, "alice", "Alice")

	bob := store.UserProfile{ID: "bob-id", DisplayName: "Bob"}
	if err := f.docs.PutProfile(ctx, bob); err != nil {
		t.Fatalf("put profile: %v", err)
	}

	first, err := f.session.StartDirectChat(ctx, bob.ID)
	if err != nil {
		t.Fatalf("first direct chat: %v", err)
	}
	if first.Type != store.RoomTypeDirect || len(first.Members) != 2 {
		t.Fatalf("unexpected direct room: %+v", first)
	}
	if first.Participants[alice.ID] != "Alice" || first.Participants[bob.ID] != "Bob" {
		t.Fatalf("unexpected participants: %v", first.Participants)
	}

	waitFor(t, func() bool { return len(f.session.Rooms()) == 1 })

	second, err := f.session.StartDirectChat(ctx, bob.ID)
	if err != nil {
		t.Fatalf("second direct chat: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("direct chat duplicated: %s vs %s", second.ID, first.ID)
	}
}

func TestStartDirectChatRejectsSelf(t *testing.T) {
	f := newFixture(t)
	alice := f.register(t, "alice", "Alice")

	_, err := f.session.StartDirectChat(context.Background(), alice.ID)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSendImagesAppendsOneMessagePerImage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "alice", "Alice")

	room, err := f.session.CreateRoom(ctx, "pics")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	if err := f.session.SelectRoom(ctx, room.ID); err != nil {
		t.Fatalf("select room: %v", err)
	}

	files := make([]upload.File, 3)
	for i := range files {
		data := strings.Repeat("x", 100)
		files[i] = upload.File{
			Name:        fmt.Sprintf("photo %d.png", i),
			ContentType: "image/png",
			Size:        int64(len(data)),
			Reader:      strings.NewReader(data),
		}
	}

	var mu sync.Mutex
	var percents []int
	err = f.session.SendImages(ctx, files, func(p int) {
		mu.Lock()
		percents = append(percents, p)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("send images: %v", err)
	}

	mu.Lock()
	if len(percents) == 0 || percents[len(percents)-1] != 100 {
		t.Fatalf("expected final progress 100, got %v", percents)
	}
	for i := 1; i < len(percents); i++ {
		if percents[i] < percents[i-1] {
			t.Fatalf("progress decreased: %v", percents)
		}
	}
	mu.Unlock()

	waitFor(t, func() bool { return len(f.session.Messages()) == 3 })
	for _, msg := range f.session.Messages() {
		if msg.Kind != store.MessageKindImage || msg.FileURL == "" {
			t.Fatalf("unexpected image message: %+v", msg)
		}
	}
	waitFor(t, func() bool {
		rooms := f.session.Rooms()
		return len(rooms) == 1 && rooms[0].LastMessage == "Alice: Sent an image"
	})
}

func TestDeleteActiveRoomClearsSelection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "alice", "Alice")

	room, err := f.session.CreateRoom(ctx, "doomed")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	if err := f.session.SelectRoom(ctx, room.ID); err != nil {
		t.Fatalf("select room: %v", err)
	}
	if err := f.session.DeleteRoom(ctx, room.ID); err != nil {
		t.Fatalf("delete room: %v", err)
	}

	if got := f.session.ActiveRoomID(); got != "" {
		t.Fatalf("selection not cleared: %q", got)
	}
	if msgs := f.session.Messages(); len(msgs) != 0 {
		t.Fatalf("window not cleared: %d messages", len(msgs))
	}
	waitFor(t, func() bool { return len(f.session.Rooms()) == 0 })
}

func TestSetAvatarUpdatesProfileAndKeepsSelection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	profile := f.register(t, "alice", "Alice")

	room, err := f.session.CreateRoom(ctx, "general")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	if err := f.session.SelectRoom(ctx, room.ID); err != nil {
		t.Fatalf("select room: %v", err)
	}

	file := upload.File{
		Name:        "me.png",
		ContentType: "image/png",
		Size:        32,
		Reader:      strings.NewReader(strings.Repeat("x", 32)),
	}
	if err := f.session.SetAvatar(ctx, file, nil); err != nil {
		t.Fatalf("set avatar: %v", err)
	}

	wantKey := "avatars/" + profile.ID
	f.blobs.mu.Lock()
	keys := append([]string(nil), f.blobs.keys...)
	f.blobs.mu.Unlock()
	if len(keys) != 1 || keys[0] != wantKey {
		t.Fatalf("blob keys %v", keys)
	}

	user := f.session.User()
	if user == nil || user.PhotoURL != "blob://"+wantKey {
		t.Fatalf("photo url not stored: %+v", user)
	}
	// The profile re-emission must not disturb the room selection.
	if got := f.session.ActiveRoomID(); got != room.ID {
		t.Fatalf("selection lost: %q", got)
	}
	if err := f.session.SendMessage(ctx, "still wired"); err != nil {
		t.Fatalf("send message: %v", err)
	}
	waitFor(t, func() bool { return len(f.session.Messages()) == 1 })

	stored, err := f.docs.GetProfile(ctx, profile.ID)
	if err != nil {
		t.Fatalf("get profile: %v", err)
	}
	if stored.PhotoURL != "blob://"+wantKey {
		t.Fatalf("durable photo url %q", stored.PhotoURL)
	}
}

func TestDeleteOtherRoomKeepsSelection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "alice", "Alice")

	kept, err := f.session.CreateRoom(ctx, "kept")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	doomed, err := f.session.CreateRoom(ctx, "doomed")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	if err := f.session.SelectRoom(ctx, kept.ID); err != nil {
		t.Fatalf("select room: %v", err)
	}

	if err := f.session.DeleteRoom(ctx, doomed.ID); err != nil {
		t.Fatalf("delete room: %v", err)
	}

	if got := f.session.ActiveRoomID(); got != kept.ID {
		t.Fatalf("selection moved to %q", got)
	}
	// The surviving room's window still receives new messages.
	if err := f.session.SendMessage(ctx, "still here"); err != nil {
		t.Fatalf("send message: %v", err)
	}
	waitFor(t, func() bool {
		msgs := f.session.Messages()
		return len(msgs) == 1 && msgs[0].Text == "still here" && msgs[0].RoomID == kept.ID
	})
	waitFor(t, func() bool { return len(f.session.Rooms()) == 1 })
}

func TestLeaveLastMemberDeletesRoom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "alice", "Alice")

	room, err := f.session.CreateRoom(ctx, "solo")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	if err := f.session.LeaveRoom(ctx, room.ID); err != nil {
		t.Fatalf("leave room: %v", err)
	}
	if _, err := f.docs.GetRoom(ctx, room.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("room survived last departure: %v", err)
	}
}

func TestRoomsSubscriptionErrorSurfaces(t *testing.T) {
	docs := memory.NewStore()
	docs.FailRoomsSubscribe = errors.New("backend down")

	ids := identity.NewService(docs, config.JWTConfig{Secret: "s", Issuer: "t", Expiration: time.Hour})
	tracker := presence.NewTracker(&fakeRealtime{}, docs)
	session := NewSession(docs, ids, tracker, upload.NewCoordinator(&fakeBlob{}), testSyncConfig())
	session.Start(context.Background())
	defer session.Close()

	if _, err := ids.Register(context.Background(), "alice", "Alice", "password"); err != nil {
		t.Fatalf("register: %v", err)
	}

	waitFor(t, func() bool { return session.RoomsErr() != nil })
	var serr *SubscriptionError
	if !errors.As(session.RoomsErr(), &serr) || serr.Scope != "rooms" {
		t.Fatalf("unexpected error: %v", session.RoomsErr())
	}
}

func TestSignOutClearsState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "alice", "Alice")

	room, err := f.session.CreateRoom(ctx, "general")
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	if err := f.session.SelectRoom(ctx, room.ID); err != nil {
		t.Fatalf("select room: %v", err)
	}
	waitFor(t, func() bool { return len(f.session.Rooms()) == 1 })

	f.ids.Logout()

	if f.session.User() != nil {
		t.Fatal("user still present after sign-out")
	}
	if f.session.ActiveRoomID() != "" {
		t.Fatal("selection survived sign-out")
	}
	waitFor(t, func() bool { return len(f.session.Rooms()) == 0 })

	if err := f.session.SendMessage(ctx, "hello"); err == nil {
		t.Fatal("expected send to fail while signed out")
	}
}

func TestSendMessageValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "alice", "Alice")

	tests := []struct {
		name   string
		setup  func(t *testing.T)
		text   string
		reason string
	}{
		{
			name:   "no room selected",
			setup:  func(t *testing.T) {},
			text:   "hello",
			reason: "no room selected",
		},
		{
			name: "blank text",
			setup: func(t *testing.T) {
				room, err := f.session.CreateRoom(ctx, "general")
				if err != nil {
					t.Fatalf("create room: %v", err)
				}
				if err := f.session.SelectRoom(ctx, room.ID); err != nil {
					t.Fatalf("select room: %v", err)
				}
			},
			text:   "   ",
			reason: "message must not be empty",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.setup(t)
			err := f.session.SendMessage(ctx, tc.text)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if verr.Reason != tc.reason {
				t.Fatalf("got reason %q, want %q", verr.Reason, tc.reason)
			}
		})
	}
}

func TestRoomDisplayName(t *testing.T) {
	f := newFixture(t)
	alice := f.register(t, "alice", "Alice")

	tests := []struct {
		name string
		room store.Room
		want string
	}{
		{
			name: "group uses own name",
			room: store.Room{Name: "general", Type: store.RoomTypeGroup},
			want: "general",
		},
		{
			name: "direct shows the other participant",
			room: store.Room{
				Type:         store.RoomTypeDirect,
				Participants: map[string]string{alice.ID: "Alice", "bob-id": "Bob"},
			},
			want: "Bob",
		},
		{
			name: "direct without counterpart falls back",
			room: store.Room{
				Type:         store.RoomTypeDirect,
				Participants: map[string]string{alice.ID: "Alice"},
			},
			want: "unknown",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := f.session.RoomDisplayName(tc.room); got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}
