// Package memory provides a map-backed store.DocumentStore with the same
// live-subscription contract as the SQLite store. It backs the test suites
// and offline experimentation.
package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skiffchat/skiff/internal/store"
)

// Store is an in-memory implementation of store.DocumentStore.
type Store struct {
	mu       sync.Mutex
	rooms    map[string]store.Room
	messages map[string][]store.Message
	profiles map[string]store.UserProfile
	accounts map[string]store.Account
	seq      int64
	clock    int64

	subs   map[string]map[int]chan struct{}
	nextID int

	// FailRoomsSubscribe and FailMessagesSubscribe force the next
	// subscription of that kind to report the given error instead of
	// emitting, for exercising error paths in tests.
	FailRoomsSubscribe    error
	FailMessagesSubscribe error
}

// NewStore returns an empty in-memory store.
func NewStore() *Store {
	return &Store{
		rooms:    make(map[string]store.Room),
		messages: make(map[string][]store.Message),
		profiles: make(map[string]store.UserProfile),
		accounts: make(map[string]store.Account),
		subs:     make(map[string]map[int]chan struct{}),
	}
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error { return nil }

// Migrate is a no-op for the in-memory store.
func (s *Store) Migrate(ctx context.Context) error { return nil }

// now returns a strictly increasing timestamp so that rapid successive
// writes still observe the append order a real server clock would assign.
func (s *Store) now() time.Time {
	s.clock++
	return time.Unix(0, s.clock*int64(time.Millisecond)).UTC()
}

// CreateRoom persists the room with assigned id and timestamps.
func (s *Store) CreateRoom(ctx context.Context, room store.Room) (store.Room, error) {
	if len(room.Members) == 0 {
		return store.Room{}, errors.New("room requires at least one member")
	}
	s.mu.Lock()
	now := s.now()
	room.ID = uuid.NewString()
	room.CreatedAt = now
	room.LastMessageAt = now
	room.LastMessage = ""
	room.MemberCount = len(room.Members)
	s.rooms[room.ID] = cloneRoom(room)
	members := append([]string(nil), room.Members...)
	s.mu.Unlock()

	s.publishRooms(members)
	return room, nil
}

// GetRoom retrieves a room by id.
func (s *Store) GetRoom(ctx context.Context, roomID string) (store.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return store.Room{}, store.ErrNotFound
	}
	return cloneRoom(room), nil
}

// DeleteRoom removes the room and its messages.
func (s *Store) DeleteRoom(ctx context.Context, roomID string) error {
	s.mu.Lock()
	room, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return store.ErrNotFound
	}
	delete(s.rooms, roomID)
	delete(s.messages, roomID)
	members := append([]string(nil), room.Members...)
	s.mu.Unlock()

	s.publishRooms(members)
	s.publish("messages:" + roomID)
	return nil
}

// SetRoomLastMessage updates the preview and ordering timestamp.
func (s *Store) SetRoomLastMessage(ctx context.Context, roomID, preview string) error {
	s.mu.Lock()
	room, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return store.ErrNotFound
	}
	room.LastMessage = preview
	room.LastMessageAt = s.now()
	s.rooms[roomID] = room
	members := append([]string(nil), room.Members...)
	s.mu.Unlock()

	s.publishRooms(members)
	return nil
}

// AddMember joins userID to the room.
func (s *Store) AddMember(ctx context.Context, roomID, userID string) error {
	return s.mutateMembership(roomID, userID, true)
}

// RemoveMember drops userID; the last member leaving deletes the room.
func (s *Store) RemoveMember(ctx context.Context, roomID, userID string) error {
	return s.mutateMembership(roomID, userID, false)
}

func (s *Store) mutateMembership(roomID, userID string, join bool) error {
	s.mu.Lock()
	room, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return store.ErrNotFound
	}

	present := room.HasMember(userID)
	var notify []string
	deleted := false
	switch {
	case join && present, !join && !present:
		s.mu.Unlock()
		return nil
	case join:
		room.Members = append(room.Members, userID)
		notify = append([]string(nil), room.Members...)
	default:
		kept := room.Members[:0]
		for _, id := range room.Members {
			if id != userID {
				kept = append(kept, id)
			}
		}
		notify = append(append([]string(nil), kept...), userID)
		room.Members = kept
		if len(room.Members) == 0 {
			delete(s.rooms, roomID)
			delete(s.messages, roomID)
			deleted = true
		}
	}
	if !deleted {
		room.MemberCount = len(room.Members)
		s.rooms[roomID] = room
	}
	s.mu.Unlock()

	s.publishRooms(notify)
	if deleted {
		s.publish("messages:" + roomID)
	}
	return nil
}

// SubscribeRooms emits the ordered room list for userID on every change.
func (s *Store) SubscribeRooms(ctx context.Context, userID string, h store.RoomsHandler, eh store.ErrorHandler) store.CancelFunc {
	s.mu.Lock()
	if err := s.FailRoomsSubscribe; err != nil {
		s.FailRoomsSubscribe = nil
		s.mu.Unlock()
		if eh != nil {
			eh(err)
		}
		return func() {}
	}
	s.mu.Unlock()

	return s.subscribe(ctx, "rooms:"+userID, func() {
		h(s.roomsForUser(userID))
	})
}

// AppendMessage persists the message with store-assigned ordering fields.
func (s *Store) AppendMessage(ctx context.Context, msg store.Message) (store.Message, error) {
	s.mu.Lock()
	if _, ok := s.rooms[msg.RoomID]; !ok {
		s.mu.Unlock()
		return store.Message{}, store.ErrNotFound
	}
	s.seq++
	msg.ID = uuid.NewString()
	msg.Seq = s.seq
	msg.CreatedAt = s.now()
	msg.ReadBy = []string{msg.SenderID}
	s.messages[msg.RoomID] = append(s.messages[msg.RoomID], cloneMessage(msg))
	s.mu.Unlock()

	s.publish("messages:" + msg.RoomID)
	return msg, nil
}

// MarkRead grows the message's reader set.
func (s *Store) MarkRead(ctx context.Context, roomID, messageID, userID string) error {
	s.mu.Lock()
	msgs, ok := s.messages[roomID]
	if !ok {
		s.mu.Unlock()
		return store.ErrNotFound
	}
	changed := false
	found := false
	for i := range msgs {
		if msgs[i].ID != messageID {
			continue
		}
		found = true
		if !msgs[i].ReadBySet(userID) {
			msgs[i].ReadBy = append(msgs[i].ReadBy, userID)
			changed = true
		}
		break
	}
	s.mu.Unlock()

	if !found {
		return store.ErrNotFound
	}
	if changed {
		s.publish("messages:" + roomID)
	}
	return nil
}

// SubscribeMessages emits the latest limit messages, newest first.
func (s *Store) SubscribeMessages(ctx context.Context, roomID string, limit int, h store.MessagesHandler, eh store.ErrorHandler) store.CancelFunc {
	s.mu.Lock()
	if err := s.FailMessagesSubscribe; err != nil {
		s.FailMessagesSubscribe = nil
		s.mu.Unlock()
		if eh != nil {
			eh(err)
		}
		return func() {}
	}
	s.mu.Unlock()

	return s.subscribe(ctx, "messages:"+roomID, func() {
		h(s.recentMessages(roomID, limit))
	})
}

// MessagesBefore returns up to limit messages strictly older than the
// cursor, newest first.
func (s *Store) MessagesBefore(ctx context.Context, roomID string, before store.Cursor, limit int) ([]store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var older []store.Message
	for _, msg := range s.messages[roomID] {
		if msg.CreatedAt.Before(before.CreatedAt) ||
			(msg.CreatedAt.Equal(before.CreatedAt) && msg.Seq < before.Seq) {
			older = append(older, cloneMessage(msg))
		}
	}
	sortDescending(older)
	if len(older) > limit {
		older = older[:limit]
	}
	return older, nil
}

// GetProfile retrieves a user profile by id.
func (s *Store) GetProfile(ctx context.Context, userID string) (store.UserProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	profile, ok := s.profiles[userID]
	if !ok {
		return store.UserProfile{}, store.ErrNotFound
	}
	return profile, nil
}

// PutProfile writes the profile, maintaining the lowercase name index.
func (s *Store) PutProfile(ctx context.Context, profile store.UserProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	profile.DisplayNameLower = strings.ToLower(profile.DisplayName)
	s.profiles[profile.ID] = profile
	return nil
}

// SetUserStatus mirrors a presence transition into the profile.
func (s *Store) SetUserStatus(ctx context.Context, userID string, status store.Status, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	profile, ok := s.profiles[userID]
	if !ok {
		return store.ErrNotFound
	}
	profile.Status = status
	profile.LastSeen = at
	s.profiles[userID] = profile
	return nil
}

// SearchProfiles returns profiles matching the lowercase prefix.
func (s *Store) SearchProfiles(ctx context.Context, prefix, excludeID string, limit int) ([]store.UserProfile, error) {
	prefix = strings.ToLower(strings.TrimSpace(prefix))
	if prefix == "" {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var results []store.UserProfile
	for _, profile := range s.profiles {
		if profile.ID == excludeID {
			continue
		}
		if strings.HasPrefix(profile.DisplayNameLower, prefix) {
			results = append(results, profile)
		}
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].DisplayNameLower < results[j].DisplayNameLower
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// CreateAccount stores a credential record, rejecting duplicate usernames.
func (s *Store) CreateAccount(ctx context.Context, account store.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[account.Username]; ok {
		return errors.New("username already exists")
	}
	s.accounts[account.Username] = account
	return nil
}

// AccountByUsername retrieves a credential record.
func (s *Store) AccountByUsername(ctx context.Context, username string) (store.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[username]
	if !ok {
		return store.Account{}, store.ErrNotFound
	}
	return account, nil
}

func (s *Store) roomsForUser(userID string) []store.Room {
	s.mu.Lock()
	defer s.mu.Unlock()

	rooms := make([]store.Room, 0)
	for _, room := range s.rooms {
		if room.HasMember(userID) {
			rooms = append(rooms, cloneRoom(room))
		}
	}
	sort.Slice(rooms, func(i, j int) bool {
		if !rooms[i].LastMessageAt.Equal(rooms[j].LastMessageAt) {
			return rooms[i].LastMessageAt.After(rooms[j].LastMessageAt)
		}
		return rooms[i].ID < rooms[j].ID
	})
	return rooms
}

func (s *Store) recentMessages(roomID string, limit int) []store.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := make([]store.Message, 0, len(s.messages[roomID]))
	for _, msg := range s.messages[roomID] {
		msgs = append(msgs, cloneMessage(msg))
	}
	sortDescending(msgs)
	if len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs
}

// subscribe runs the emit callback once immediately and again after every
// publish on the topic, coalescing bursts, until canceled.
func (s *Store) subscribe(ctx context.Context, topic string, emit func()) store.CancelFunc {
	s.mu.Lock()
	if _, ok := s.subs[topic]; !ok {
		s.subs[topic] = make(map[int]chan struct{})
	}
	id := s.nextID
	s.nextID++
	ch := make(chan struct{}, 1)
	s.subs[topic][id] = ch
	s.mu.Unlock()

	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			if subscribers, ok := s.subs[topic]; ok {
				delete(subscribers, id)
			}
			s.mu.Unlock()
			close(done)
		})
	}

	go func() {
		for {
			emit()
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ch:
			}
		}
	}()

	return cancel
}

func (s *Store) publish(topics ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, topic := range topics {
		for _, ch := range s.subs[topic] {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}
}

func (s *Store) publishRooms(userIDs []string) {
	topics := make([]string, 0, len(userIDs))
	seen := make(map[string]struct{}, len(userIDs))
	for _, userID := range userIDs {
		if _, ok := seen[userID]; ok {
			continue
		}
		seen[userID] = struct{}{}
		topics = append(topics, "rooms:"+userID)
	}
	s.publish(topics...)
}

func sortDescending(msgs []store.Message) {
	sort.Slice(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.After(msgs[j].CreatedAt)
		}
		return msgs[i].Seq > msgs[j].Seq
	})
}

func cloneRoom(room store.Room) store.Room {
	room.Members = append([]string(nil), room.Members...)
	if room.Participants != nil {
		participants := make(map[string]string, len(room.Participants))
		for k, v := range room.Participants {
			participants[k] = v
		}
		room.Participants = participants
	}
	return room
}

func cloneMessage(msg store.Message) store.Message {
	msg.ReadBy = append([]string(nil), msg.ReadBy...)
	return msg
}
