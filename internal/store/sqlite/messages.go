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

// AppendMessage persists the message with store-assigned id, sequence, and
// creation time. ReadBy starts as the sender alone.
func (s *Store) AppendMessage(ctx context.Context, msg store.Message) (store.Message, error) {
	now := time.Now().UTC()
	msg.ID = uuid.NewString()
	msg.CreatedAt = now
	msg.ReadBy = []string{msg.SenderID}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model roomModel
		if err := tx.First(&model, "id = ?", msg.RoomID).Error; err != nil {
			return mapError(err)
		}

		var maxSeq int64
		if err := tx.Model(&messageModel{}).Where("room_id = ?", msg.RoomID).
			Select("COALESCE(MAX(seq), 0)").Scan(&maxSeq).Error; err != nil {
			return err
		}
		msg.Seq = maxSeq + 1

		record := messageModel{
			ID:          msg.ID,
			RoomID:      msg.RoomID,
			Seq:         msg.Seq,
			SenderID:    msg.SenderID,
			SenderName:  msg.SenderName,
			SenderPhoto: msg.SenderPhoto,
			Text:        msg.Text,
			Kind:        string(msg.Kind),
			FileURL:     msg.FileURL,
			FileName:    msg.FileName,
			FileSize:    msg.FileSize,
			CreatedAt:   msg.CreatedAt,
			ReadBy:      msg.ReadBy,
		}
		return tx.Create(&record).Error
	})
	if err != nil {
		return store.Message{}, err
	}

	s.notifier.publish(roomMessagesTopic(msg.RoomID))
	return msg, nil
}

// MarkRead grows the message's reader set. Re-marking is a no-op and does
// not re-emit the window.
func (s *Store) MarkRead(ctx context.Context, roomID, messageID, userID string) error {
	var changed bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model messageModel
		if err := tx.First(&model, "id = ? AND room_id = ?", messageID, roomID).Error; err != nil {
			return mapError(err)
		}
		if containsString(model.ReadBy, userID) {
			return nil
		}
		model.ReadBy = append(model.ReadBy, userID)
		changed = true
		return tx.Model(&messageModel{}).Where("id = ?", messageID).
			Updates(messageModel{ReadBy: model.ReadBy}).Error
	})
	if err != nil {
		return err
	}

	if changed {
		s.notifier.publish(roomMessagesTopic(roomID))
	}
	return nil
}

// SubscribeMessages emits the most recent limit messages of the room in
// descending creation order, re-emitting on append and read growth.
func (s *Store) SubscribeMessages(ctx context.Context, roomID string, limit int, h store.MessagesHandler, eh store.ErrorHandler) store.CancelFunc {
	signals, cancelSub := s.notifier.subscribe(roomMessagesTopic(roomID))
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
			messages, err := s.recentMessages(ctx, roomID, limit)
			if err != nil {
				if eh != nil && !errors.Is(err, context.Canceled) {
					eh(err)
				}
				return
			}
			h(messages)

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

// MessagesBefore returns up to limit messages strictly older than the
// cursor, newest first.
func (s *Store) MessagesBefore(ctx context.Context, roomID string, before store.Cursor, limit int) ([]store.Message, error) {
	var models []messageModel
	err := s.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Where("created_at < ? OR (created_at = ? AND seq < ?)", before.CreatedAt, before.CreatedAt, before.Seq).
		Order("created_at DESC").Order("seq DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return toMessages(models), nil
}

func (s *Store) recentMessages(ctx context.Context, roomID string, limit int) ([]store.Message, error) {
	var models []messageModel
	err := s.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("created_at DESC").Order("seq DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return toMessages(models), nil
}

func toMessages(models []messageModel) []store.Message {
	messages := make([]store.Message, 0, len(models))
	for _, model := range models {
		messages = append(messages, store.Message{
			ID:          model.ID,
			RoomID:      model.RoomID,
			Seq:         model.Seq,
			SenderID:    model.SenderID,
			SenderName:  model.SenderName,
			SenderPhoto: model.SenderPhoto,
			Text:        model.Text,
			Kind:        store.MessageKind(model.Kind),
			FileURL:     model.FileURL,
			FileName:    model.FileName,
			FileSize:    model.FileSize,
			CreatedAt:   model.CreatedAt,
			ReadBy:      model.ReadBy,
		})
	}
	return messages
}
