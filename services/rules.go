package services

import (
	"context"
	"strings"

	"github.com/sevadaan/hundi-collect/models"
	"github.com/shopspring/decimal"
)

// validateOutcomeFields checks a candidate record's fields against its
// declared outcome: a collected record needs a strictly positive amount,
// a skipped record needs non-blank notes.
func validateOutcomeFields(outcome models.CollectionStatus, amount decimal.Decimal, notes string) error {
	switch outcome {
	case models.StatusCollected:
		if !amount.IsPositive() {
			return ErrAmountRequired
		}
	case models.StatusSkipped:
		if strings.TrimSpace(notes) == "" {
			return ErrNotesRequired
		}
	}
	return nil
}

// loadActiveDonor fetches the donor and enforces existence and activity.
// The read locks the donor row for the rest of the transaction, so the
// later cycle-record check cannot race a concurrent outcome for the same
// donor.
func loadActiveDonor(ctx context.Context, donors DonorRepository, donorID uint) (*models.Donor, error) {
	donor, err := donors.FindByIDForUpdate(ctx, donorID)
	if err != nil {
		return nil, repoErr("donor lookup", err)
	}
	if donor == nil {
		return nil, ErrDonorNotFound
	}
	if !donor.IsActive {
		return nil, ErrInactiveDonor
	}
	return donor, nil
}

// claimableCycleRecord enforces the per-(donor, cycle) uniqueness rule for a
// new outcome. It returns nil when no record exists yet (the caller creates
// one), the existing record when it is a pre-materialized placeholder (the
// caller claims it in place), and ErrDuplicateCycleRecord when the cycle
// already holds a final outcome for this donor.
func claimableCycleRecord(ctx context.Context, donations DonationRepository, donorID uint, cycleKey string) (*models.DonationRecord, error) {
	existing, err := donations.FindByDonorAndCycle(ctx, donorID, cycleKey)
	if err != nil {
		return nil, repoErr("cycle record lookup", err)
	}
	if existing == nil {
		return nil, nil
	}
	if existing.IsPlaceholder() {
		return existing, nil
	}
	return nil, ErrDuplicateCycleRecord
}
