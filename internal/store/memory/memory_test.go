package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/skiffchat/skiff/internal/store"
)

func createRoom(t *testing.T, s *Store, members ...string) store.Room {
	t.Helper()
	room, err := s.CreateRoom(context.Background(), store.Room{
		Name:      "room",
		Type:      store.RoomTypeGroup,
		Members:   members,
		CreatedBy: members[0],
	})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	return room
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

func TestMembershipKeepsCountConsistent(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	room := createRoom(t, s, "alice")

	if err := s.AddMember(ctx, room.ID, "bob"); err != nil {
		t.Fatalf("add member: %v", err)
	}
	// Joining twice is a no-op.
	if err := s.AddMember(ctx, room.ID, "bob"); err != nil {
		t.Fatalf("re-add member: %v", err)
	}

	got, err := s.GetRoom(ctx, room.ID)
	if err != nil {
		t.Fatalf("get room: %v", err)
	}
	if got.MemberCount != 2 || len(got.Members) != 2 {
		t.Fatalf("count %d with %d members", got.MemberCount, len(got.Members))
	}

	if err := s.RemoveMember(ctx, room.ID, "bob"); err != nil {
		t.Fatalf("remove member: %v", err)
	}
	got, err = s.GetRoom(ctx, room.ID)
	if err != nil {
		t.Fatalf("get room: %v", err)
	}
	if got.MemberCount != 1 {
		t.Fatalf("count %d after removal", got.MemberCount)
	}
}

func TestLastMemberLeavingDeletesRoom(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	room := createRoom(t, s, "alice")

	if _, err := s.AppendMessage(ctx, store.Message{RoomID: room.ID, SenderID: "alice", Text: "bye"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.RemoveMember(ctx, room.ID, "alice"); err != nil {
		t.Fatalf("remove member: %v", err)
	}

	if _, err := s.GetRoom(ctx, room.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("room survived: %v", err)
	}
	msgs, err := s.MessagesBefore(ctx, room.ID, store.Cursor{CreatedAt: time.Now().Add(time.Hour)}, 10)
	if err != nil {
		t.Fatalf("messages before: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("messages survived room deletion: %d", len(msgs))
	}
}

func TestAppendMessageAssignsOrderingFields(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	room := createRoom(t, s, "alice")

	first, err := s.AppendMessage(ctx, store.Message{RoomID: room.ID, SenderID: "alice", Text: "one"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	second, err := s.AppendMessage(ctx, store.Message{RoomID: room.ID, SenderID: "alice", Text: "two"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	if first.ID == "" || second.ID == "" || first.ID == second.ID {
		t.Fatalf("bad ids: %q %q", first.ID, second.ID)
	}
	if second.Seq <= first.Seq {
		t.Fatalf("seq not increasing: %d then %d", first.Seq, second.Seq)
	}
	if second.CreatedAt.Before(first.CreatedAt) {
		t.Fatal("timestamps not increasing")
	}
	if len(first.ReadBy) != 1 || first.ReadBy[0] != "alice" {
		t.Fatalf("initial read set %v", first.ReadBy)
	}
}

func TestMessagesBeforeRespectsCursor(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	room := createRoom(t, s, "alice")

	var all []store.Message
	for i := 0; i < 5; i++ {
		msg, err := s.AppendMessage(ctx, store.Message{RoomID: room.ID, SenderID: "alice", Text: "m"})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		all = append(all, msg)
	}

	older, err := s.MessagesBefore(ctx, room.ID, store.CursorOf(all[3]), 10)
	if err != nil {
		t.Fatalf("messages before: %v", err)
	}
	if len(older) != 3 {
		t.Fatalf("got %d older messages, want 3", len(older))
	}
	// Newest first, all strictly older than the cursor message.
	for i, msg := range older {
		if !msg.CreatedAt.Before(all[3].CreatedAt) {
			t.Fatalf("message %d not older than cursor", i)
		}
		if i > 0 && older[i].CreatedAt.After(older[i-1].CreatedAt) {
			t.Fatal("not in descending order")
		}
	}

	limited, err := s.MessagesBefore(ctx, room.ID, store.CursorOf(all[4]), 2)
	if err != nil {
		t.Fatalf("messages before: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("limit ignored: %d", len(limited))
	}
}

func TestSubscribeRoomsEmitsOnChange(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	updates := make(chan []store.Room, 8)
	cancel := s.SubscribeRooms(ctx, "alice", func(rooms []store.Room) {
		updates <- rooms
	}, nil)
	defer cancel()

	if rooms := <-updates; len(rooms) != 0 {
		t.Fatalf("initial emission has %d rooms", len(rooms))
	}

	room := createRoom(t, s, "alice")
	waitFor(t, func() bool {
		select {
		case rooms := <-updates:
			return len(rooms) == 1 && rooms[0].ID == room.ID
		default:
			return false
		}
	})

	// Ordering follows activity: a preview bump moves the room first.
	other := createRoom(t, s, "alice")
	if err := s.SetRoomLastMessage(ctx, room.ID, "alice: hi"); err != nil {
		t.Fatalf("set last message: %v", err)
	}
	waitFor(t, func() bool {
		select {
		case rooms := <-updates:
			return len(rooms) == 2 && rooms[0].ID == room.ID && rooms[1].ID == other.ID
		default:
			return false
		}
	})
}

func TestSubscribeRoomsCancelStopsEmissions(t *testing.T) {
	s := NewStore()

	updates := make(chan []store.Room, 8)
	cancel := s.SubscribeRooms(context.Background(), "alice", func(rooms []store.Room) {
		updates <- rooms
	}, nil)
	<-updates

	cancel()
	cancel()

	createRoom(t, s, "alice")
	time.Sleep(30 * time.Millisecond)
	select {
	case rooms := <-updates:
		if len(rooms) != 0 {
			t.Fatalf("emission after cancel: %d rooms", len(rooms))
		}
	default:
	}
}

func TestSearchProfilesPrefixAndLimit(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	for _, p := range []store.UserProfile{
		{ID: "u1", DisplayName: "Dana"},
		{ID: "u2", DisplayName: "daniel"},
		{ID: "u3", DisplayName: "Dave"},
		{ID: "u4", DisplayName: "Erin"},
	} {
		if err := s.PutProfile(ctx, p); err != nil {
			t.Fatalf("put profile: %v", err)
		}
	}

	results, err := s.SearchProfiles(ctx, "da", "u3", 2)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	for _, p := range results {
		if p.ID == "u3" {
			t.Fatal("excluded profile returned")
		}
	}

	empty, err := s.SearchProfiles(ctx, "  ", "", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("blank prefix returned %d results", len(empty))
	}
}
