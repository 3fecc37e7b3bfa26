package utils

import (
	"github.com/google/uuid"
)

// NewReceiptNo generates the unique receipt number attached to every
// donation record.
func NewReceiptNo() string {
	return uuid.NewString()
}
