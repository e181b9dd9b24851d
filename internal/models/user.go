package models

import "time"

// User is a persisted account row. The scaffolding owner and Discord
// authors both land here; Identifier is the stable lookup key.
type User struct {
	ID         string         `gorm:"column:id;primaryKey;size:36"`
	Identifier string         `gorm:"column:identifier;uniqueIndex;not null;size:255"`
	Metadata   map[string]any `gorm:"column:metadata;serializer:json"`
	CreatedAt  time.Time      `gorm:"column:createdAt"`
}

// TableName keeps the table aligned with the scaffolding UI schema.
func (User) TableName() string { return "users" }
