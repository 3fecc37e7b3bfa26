package services

import (
	"errors"
	"fmt"

	"github.com/sevadaan/hundi-collect/models"
)

// Validation errors are terminal and surfaced verbatim to the caller.
var (
	ErrDonorNotFound        = errors.New("donor not found")
	ErrInactiveDonor        = errors.New("donor is inactive")
	ErrAmountRequired       = errors.New("amount must be a positive value for a collected record")
	ErrNotesRequired        = errors.New("notes are required when skipping a collection")
	ErrDuplicateCycleRecord = errors.New("a donation record already exists for this donor and cycle")
	ErrRecordNotFound       = errors.New("donation record not found")
	ErrDuplicateHundiNo     = errors.New("a donor with this hundi number already exists")
)

// InvalidStatusTransitionError reports an attempt to move a donor between
// two statuses the transition table does not allow.
type InvalidStatusTransitionError struct {
	From models.CollectionStatus
	To   models.CollectionStatus
}

func (e *InvalidStatusTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition from %q to %q", e.From, e.To)
}

// RepositoryError wraps an underlying storage failure. Unlike the validation
// errors it is potentially retryable by the caller.
type RepositoryError struct {
	Op  string
	Err error
}

func (e *RepositoryError) Error() string {
	return fmt.Sprintf("repository failure during %s: %v", e.Op, e.Err)
}

func (e *RepositoryError) Unwrap() error {
	return e.Err
}

func repoErr(op string, err error) error {
	return &RepositoryError{Op: op, Err: err}
}
