package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// DonationRecord is the persisted outcome of one donor's obligation for one
// billing cycle. The composite unique index on (donor_id, cycle_key) is the
// storage-level backstop for the one-record-per-donor-per-cycle invariant.
type DonationRecord struct {
	ID          uint             `gorm:"primaryKey" json:"id"`
	ReceiptNo   string           `gorm:"size:64;uniqueIndex" json:"receipt_no"`
	DonorID     uint             `gorm:"index:idx_donor_cycle,unique" json:"donor_id"`
	CycleKey    string           `gorm:"size:10;index:idx_donor_cycle,unique" json:"cycle_key"` // YYYY-MM
	Amount      decimal.Decimal  `gorm:"type:decimal(10,2)" json:"amount"`                      // zero unless collected
	Status      CollectionStatus `gorm:"size:20;index" json:"status"`                           // pending, collected, skipped
	CollectedAt time.Time        `gorm:"index" json:"collected_at"`                             // actual collect/skip moment
	Notes       string           `gorm:"size:500" json:"notes"`
	CollectedBy uint             `gorm:"index" json:"collected_by"`
	CreatedAt   time.Time        `gorm:"index" json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// IsPlaceholder reports whether the record was pre-materialized for the
// cycle and carries no outcome yet.
func (r *DonationRecord) IsPlaceholder() bool {
	return r.Status == StatusPending
}
