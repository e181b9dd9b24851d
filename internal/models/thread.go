package models

import "time"

// Thread is a persisted conversation. Steps and Elements are loaded on
// demand by the store, not by default.
type Thread struct {
	ID             string         `gorm:"column:id;primaryKey;size:36"`
	CreatedAt      time.Time      `gorm:"column:createdAt"`
	Name           string         `gorm:"column:name;size:255"`
	UserID         *string        `gorm:"column:userId;size:36;index"`
	UserIdentifier string         `gorm:"column:userIdentifier;size:255"`
	Tags           []string       `gorm:"column:tags;serializer:json"`
	Metadata       map[string]any `gorm:"column:metadata;serializer:json"`

	Steps    []Step    `gorm:"foreignKey:ThreadID"`
	Elements []Element `gorm:"foreignKey:ThreadID"`
}

func (Thread) TableName() string { return "threads" }
