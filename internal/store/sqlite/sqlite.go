package sqlite

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/skiffchat/skiff/internal/config"
	"github.com/skiffchat/skiff/internal/store"
)

// Store is a GORM-backed SQLite implementation of store.DocumentStore.
// Live subscriptions are driven by an in-process change notifier: every
// committed write publishes the topics it affects and each subscription
// re-queries its snapshot.
type Store struct {
	db       *gorm.DB
	notifier *notifier
}

type roomModel struct {
	ID            string `gorm:"primaryKey"`
	Name          string
	Type          string
	MemberCount   int
	CreatedBy     string
	CreatedAt     time.Time
	LastMessage   string
	LastMessageAt time.Time         `gorm:"index"`
	Participants  map[string]string `gorm:"serializer:json"`
}

type roomMemberModel struct {
	RoomID   string `gorm:"primaryKey"`
	UserID   string `gorm:"primaryKey;index"`
	JoinedAt time.Time
}

type messageModel struct {
	ID          string `gorm:"primaryKey"`
	RoomID      string `gorm:"index:idx_messages_room_order,priority:1"`
	Seq         int64  `gorm:"index"`
	SenderID    string
	SenderName  string
	SenderPhoto string
	Text        string
	Kind        string
	FileURL     string
	FileName    string
	FileSize    int64
	CreatedAt   time.Time `gorm:"index:idx_messages_room_order,priority:2"`
	ReadBy      []string  `gorm:"serializer:json"`
}

type userModel struct {
	ID               string `gorm:"primaryKey"`
	DisplayName      string
	DisplayNameLower string `gorm:"index"`
	PhotoURL         string
	Status           string
	LastSeen         time.Time
}

type accountModel struct {
	ID        string `gorm:"primaryKey"`
	Username  string `gorm:"uniqueIndex"`
	Password  string
	CreatedAt time.Time
}

func (roomModel) TableName() string       { return "rooms" }
func (roomMemberModel) TableName() string { return "room_members" }
func (messageModel) TableName() string    { return "messages" }
func (userModel) TableName() string       { return "users" }
func (accountModel) TableName() string    { return "accounts" }

// NewStore opens a SQLite database at the configured path.
func NewStore(cfg config.DatabaseConfig) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(cfg.Path), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	return &Store{db: db, notifier: newNotifier()}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Migrate applies schema updates.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&roomModel{},
		&roomMemberModel{},
		&messageModel{},
		&userModel{},
		&accountModel{},
	)
}

// GetProfile retrieves a user profile by id.
func (s *Store) GetProfile(ctx context.Context, userID string) (store.UserProfile, error) {
	var model userModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", userID).Error; err != nil {
		return store.UserProfile{}, mapError(err)
	}
	return toProfile(model), nil
}

// PutProfile writes the profile, maintaining the lowercase name index.
func (s *Store) PutProfile(ctx context.Context, profile store.UserProfile) error {
	model := userModel{
		ID:               profile.ID,
		DisplayName:      profile.DisplayName,
		DisplayNameLower: strings.ToLower(profile.DisplayName),
		PhotoURL:         profile.PhotoURL,
		Status:           string(profile.Status),
		LastSeen:         profile.LastSeen,
	}
	return s.db.WithContext(ctx).Save(&model).Error
}

// SetUserStatus mirrors a presence transition into the durable profile.
func (s *Store) SetUserStatus(ctx context.Context, userID string, status store.Status, at time.Time) error {
	result := s.db.WithContext(ctx).Model(&userModel{}).Where("id = ?", userID).
		Updates(map[string]interface{}{"status": string(status), "last_seen": at})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// SearchProfiles returns profiles whose lowercase display name starts with
// the prefix, excluding excludeID.
func (s *Store) SearchProfiles(ctx context.Context, prefix, excludeID string, limit int) ([]store.UserProfile, error) {
	prefix = strings.ToLower(strings.TrimSpace(prefix))
	if prefix == "" {
		return nil, nil
	}
	var models []userModel
	query := s.db.WithContext(ctx).
		Where(`display_name_lower LIKE ? ESCAPE '\'`, escapeLike(prefix)+"%").
		Where("id <> ?", excludeID).
		Order("display_name_lower").
		Limit(limit)
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}
	profiles := make([]store.UserProfile, 0, len(models))
	for _, model := range models {
		profiles = append(profiles, toProfile(model))
	}
	return profiles, nil
}

// CreateAccount stores a new credential record.
func (s *Store) CreateAccount(ctx context.Context, account store.Account) error {
	model := accountModel{
		ID:        account.ID,
		Username:  account.Username,
		Password:  account.Password,
		CreatedAt: account.CreatedAt,
	}
	return s.db.WithContext(ctx).Create(&model).Error
}

// AccountByUsername retrieves a credential record by username.
func (s *Store) AccountByUsername(ctx context.Context, username string) (store.Account, error) {
	var model accountModel
	if err := s.db.WithContext(ctx).First(&model, "username = ?", username).Error; err != nil {
		return store.Account{}, mapError(err)
	}
	return store.Account{
		ID:        model.ID,
		Username:  model.Username,
		Password:  model.Password,
		CreatedAt: model.CreatedAt,
	}, nil
}

func toProfile(model userModel) store.UserProfile {
	return store.UserProfile{
		ID:               model.ID,
		DisplayName:      model.DisplayName,
		DisplayNameLower: model.DisplayNameLower,
		PhotoURL:         model.PhotoURL,
		Status:           store.Status(model.Status),
		LastSeen:         model.LastSeen,
	}
}

func escapeLike(s string) string {
	replacer := strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)
	return replacer.Replace(s)
}

func mapError(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.ErrNotFound
	}
	return err
}
