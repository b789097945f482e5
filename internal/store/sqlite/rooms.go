package sqlite

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/skiffchat/skiff/internal/store"
)

// CreateRoom persists the room, assigning id and server-side timestamps.
func (s *Store) CreateRoom(ctx context.Context, room store.Room) (store.Room, error) {
	if len(room.Members) == 0 {
		return store.Room{}, errNoMembers
	}
	now := time.Now().UTC()
	room.ID = uuid.NewString()
	room.CreatedAt = now
	room.LastMessageAt = now
	room.LastMessage = ""
	room.MemberCount = len(room.Members)

	model := roomModel{
		ID:            room.ID,
		Name:          room.Name,
		Type:          string(room.Type),
		MemberCount:   room.MemberCount,
		CreatedBy:     room.CreatedBy,
		CreatedAt:     room.CreatedAt,
		LastMessage:   room.LastMessage,
		LastMessageAt: room.LastMessageAt,
		Participants:  room.Participants,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&model).Error; err != nil {
			return err
		}
		for _, userID := range room.Members {
			member := roomMemberModel{RoomID: room.ID, UserID: userID, JoinedAt: now}
			if err := tx.Create(&member).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return store.Room{}, err
	}

	s.publishRoomChange(room.Members)
	return room, nil
}

// GetRoom retrieves a room with its member set.
func (s *Store) GetRoom(ctx context.Context, roomID string) (store.Room, error) {
	var model roomModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", roomID).Error; err != nil {
		return store.Room{}, mapError(err)
	}
	members, err := s.roomMembers(ctx, s.db, roomID)
	if err != nil {
		return store.Room{}, err
	}
	return toRoom(model, members), nil
}

// DeleteRoom removes the room, its membership rows, and cascades to its
// messages.
func (s *Store) DeleteRoom(ctx context.Context, roomID string) error {
	var members []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model roomModel
		if err := tx.First(&model, "id = ?", roomID).Error; err != nil {
			return mapError(err)
		}
		loaded, err := s.roomMembers(ctx, tx, roomID)
		if err != nil {
			return err
		}
		members = loaded
		return deleteRoomRows(tx, roomID)
	})
	if err != nil {
		return err
	}

	s.publishRoomChange(members)
	s.notifier.publish(roomMessagesTopic(roomID))
	return nil
}

// SetRoomLastMessage updates the preview and bumps the ordering timestamp.
func (s *Store) SetRoomLastMessage(ctx context.Context, roomID, preview string) error {
	now := time.Now().UTC()
	var members []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&roomModel{}).Where("id = ?", roomID).
			Updates(map[string]interface{}{"last_message": preview, "last_message_at": now})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return store.ErrNotFound
		}
		loaded, err := s.roomMembers(ctx, tx, roomID)
		if err != nil {
			return err
		}
		members = loaded
		return nil
	})
	if err != nil {
		return err
	}

	s.publishRoomChange(members)
	return nil
}

// AddMember joins userID to the room. Adding an existing member is a no-op.
func (s *Store) AddMember(ctx context.Context, roomID, userID string) error {
	return s.mutateMembership(ctx, roomID, userID, true)
}

// RemoveMember drops userID from the room; removing the final member
// deletes the room entirely.
func (s *Store) RemoveMember(ctx context.Context, roomID, userID string) error {
	return s.mutateMembership(ctx, roomID, userID, false)
}

// mutateMembership is the single funnel for membership state changes. It
// keeps member_count equal to the membership row count and handles the
// empty-room deletion inside the same transaction.
func (s *Store) mutateMembership(ctx context.Context, roomID, userID string, join bool) error {
	var notify []string
	var deletedRoom bool

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model roomModel
		if err := tx.First(&model, "id = ?", roomID).Error; err != nil {
			return mapError(err)
		}

		members, err := s.roomMembers(ctx, tx, roomID)
		if err != nil {
			return err
		}
		present := containsString(members, userID)

		switch {
		case join && present:
			return nil
		case join:
			member := roomMemberModel{RoomID: roomID, UserID: userID, JoinedAt: time.Now().UTC()}
			if err := tx.Create(&member).Error; err != nil {
				return err
			}
			notify = append(append(notify, members...), userID)
		case !present:
			return nil
		default:
			if err := tx.Delete(&roomMemberModel{}, "room_id = ? AND user_id = ?", roomID, userID).Error; err != nil {
				return err
			}
			notify = members
			if len(members) <= 1 {
				deletedRoom = true
				return deleteRoomRows(tx, roomID)
			}
		}

		count := model.MemberCount
		if join {
			count++
		} else {
			count--
		}
		return tx.Model(&roomModel{}).Where("id = ?", roomID).
			Update("member_count", count).Error
	})
	if err != nil {
		return err
	}

	s.publishRoomChange(notify)
	if deletedRoom {
		s.notifier.publish(roomMessagesTopic(roomID))
	}
	return nil
}

// SubscribeRooms emits the ordered room list for userID, re-emitting on
// every qualifying change until canceled or until a query fails.
func (s *Store) SubscribeRooms(ctx context.Context, userID string, h store.RoomsHandler, eh store.ErrorHandler) store.CancelFunc {
	signals, cancelSub := s.notifier.subscribe(userRoomsTopic(userID))
	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			cancelSub()
			close(done)
		})
	}

	go func() {
		for {
			rooms, err := s.roomsForUser(ctx, userID)
			if err != nil {
				if eh != nil && !errors.Is(err, context.Canceled) {
					eh(err)
				}
				return
			}
			h(rooms)

			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-signals:
			}
		}
	}()

	return cancel
}

func (s *Store) roomsForUser(ctx context.Context, userID string) ([]store.Room, error) {
	var models []roomModel
	err := s.db.WithContext(ctx).
		Joins("JOIN room_members ON room_members.room_id = rooms.id").
		Where("room_members.user_id = ?", userID).
		Order("rooms.last_message_at DESC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	rooms := make([]store.Room, 0, len(models))
	for _, model := range models {
		members, err := s.roomMembers(ctx, s.db, model.ID)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, toRoom(model, members))
	}
	return rooms, nil
}

func (s *Store) roomMembers(ctx context.Context, db *gorm.DB, roomID string) ([]string, error) {
	var rows []roomMemberModel
	if err := db.WithContext(ctx).Where("room_id = ?", roomID).Order("joined_at").Find(&rows).Error; err != nil {
		return nil, err
	}
	members := make([]string, 0, len(rows))
	for _, row := range rows {
		members = append(members, row.UserID)
	}
	return members, nil
}

func (s *Store) publishRoomChange(userIDs []string) {
	seen := make(map[string]struct{}, len(userIDs))
	topics := make([]string, 0, len(userIDs))
	for _, userID := range userIDs {
		if _, ok := seen[userID]; ok {
			continue
		}
		seen[userID] = struct{}{}
		topics = append(topics, userRoomsTopic(userID))
	}
	s.notifier.publish(topics...)
}

func deleteRoomRows(tx *gorm.DB, roomID string) error {
	if err := tx.Delete(&messageModel{}, "room_id = ?", roomID).Error; err != nil {
		return err
	}
	if err := tx.Delete(&roomMemberModel{}, "room_id = ?", roomID).Error; err != nil {
		return err
	}
	return tx.Delete(&roomModel{}, "id = ?", roomID).Error
}

func toRoom(model roomModel, members []string) store.Room {
	return store.Room{
		ID:            model.ID,
		Name:          model.Name,
		Type:          store.RoomType(model.Type),
		Members:       members,
		MemberCount:   model.MemberCount,
		CreatedBy:     model.CreatedBy,
		CreatedAt:     model.CreatedAt,
		LastMessage:   model.LastMessage,
		LastMessageAt: model.LastMessageAt,
		Participants:  model.Participants,
	}
}

func containsString(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}

var errNoMembers = errors.New("room requires at least one member")
