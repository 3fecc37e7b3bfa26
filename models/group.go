package models

import (
	"time"
)

// Group is a roster partition used for organizational filtering only; it
// plays no part in the collection lifecycle itself.
type Group struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Name        string    `gorm:"size:100;uniqueIndex" json:"name"`
	Description string    `gorm:"size:500" json:"description"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// DefaultGroupName is the group donors fall into when none is specified.
// It is created by an explicit bootstrap step at startup, never lazily.
const DefaultGroupName = "General"
