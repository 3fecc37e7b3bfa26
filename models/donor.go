package models

import (
	"time"
)

// CollectionStatus is the lifecycle state of a donor's current cycle.
type CollectionStatus string

const (
	StatusPending   CollectionStatus = "pending"
	StatusCollected CollectionStatus = "collected"
	StatusSkipped   CollectionStatus = "skipped"
)

// Valid reports whether s is one of the three known statuses.
func (s CollectionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusCollected, StatusSkipped:
		return true
	}
	return false
}

// CanTransitionTo reports whether the status change s -> to is legal.
// Self-transitions are always legal, any status may be reset to pending,
// but collected and skipped cannot reach each other directly: the donor
// must pass through pending so the re-opening is recorded explicitly.
func (s CollectionStatus) CanTransitionTo(to CollectionStatus) bool {
	if !s.Valid() || !to.Valid() {
		return false
	}
	if s == to || to == StatusPending {
		return true
	}
	return s == StatusPending
}

type Donor struct {
	ID             uint             `gorm:"primaryKey" json:"id"`
	HundiNo        string           `gorm:"size:50;uniqueIndex" json:"hundi_no"` // external reference code
	Name           string           `gorm:"size:100" json:"name"`
	Phone          string           `gorm:"size:20" json:"phone"`
	GroupID        uint             `gorm:"index" json:"group_id"`
	Status         CollectionStatus `gorm:"size:20;index" json:"status"`
	CollectionDate time.Time        `gorm:"index" json:"collection_date"` // next scheduled collection
	IsActive       bool             `gorm:"index" json:"is_active"`
	CreatedBy      uint             `json:"created_by"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`

	History []StatusHistoryEntry `gorm:"foreignKey:DonorID" json:"status_history,omitempty"`
}

// StatusHistoryEntry is one row of a donor's append-only audit trail.
// Entries are only ever appended, in timestamp order; past entries are
// never rewritten or reordered.
type StatusHistoryEntry struct {
	ID        uint             `gorm:"primaryKey" json:"id"`
	DonorID   uint             `gorm:"index" json:"donor_id"`
	Status    CollectionStatus `gorm:"size:20" json:"status"`
	Timestamp time.Time        `json:"timestamp"`
	Note      string           `gorm:"size:500" json:"note"`
}
