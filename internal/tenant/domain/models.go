package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// Handle is an open, per-user data store. It is never shared between users
// and holds no reference into billing records.
type Handle struct {
	UserID string
	Path   string
	DB     *gorm.DB
}

// Directory maps a user id to that user's isolated store.
type Directory interface {
	// Resolve returns the handle for an already provisioned tenant.
	Resolve(ctx context.Context, userID string) (*Handle, error)
	// Provision creates the store on first use and is safe to call repeatedly.
	Provision(ctx context.Context, userID string) (*Handle, error)
	Exists(ctx context.Context, userID string) (bool, error)
	List(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, userID string) error
	Close() error
}

// Tenant schema.

type ProfileEntry struct {
	Key       string    `gorm:"primaryKey;type:text"`
	Value     string    `gorm:"type:text;not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (ProfileEntry) TableName() string { return "profile" }

type Goal struct {
	ID           string    `gorm:"primaryKey;type:text"`
	OriginalText string    `gorm:"type:text;not null"`
	SmartText    string    `gorm:"type:text;not null"`
	Category     *string   `gorm:"type:text"`
	Status       string    `gorm:"type:text;default:active;index:idx_goals_status"`
	Progress     int       `gorm:"default:0"`
	Milestones   *string   `gorm:"type:text"`
	NotionPageID *string   `gorm:"type:text"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func (Goal) TableName() string { return "goals" }

type ConversationMessage struct {
	ID         string    `gorm:"primaryKey;type:text"`
	Role       string    `gorm:"type:text;not null"`
	Content    string    `gorm:"type:text;not null"`
	TokensUsed *int64
	Provider   *string   `gorm:"type:text"`
	CreatedAt  time.Time `gorm:"not null;index:idx_conversations_created"`
}

func (ConversationMessage) TableName() string { return "conversations" }

type FeatureSetting struct {
	Feature string  `gorm:"primaryKey;type:text"`
	Enabled bool    `gorm:"default:true"`
	Config  *string `gorm:"type:text"`
}

func (FeatureSetting) TableName() string { return "feature_settings" }

// Models lists the tables created in every tenant store.
func Models() []any {
	return []any{&ProfileEntry{}, &Goal{}, &ConversationMessage{}, &FeatureSetting{}}
}
