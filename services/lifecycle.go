package services

import (
	"context"
	"errors"
	"time"

	"github.com/sevadaan/hundi-collect/models"
	"github.com/sevadaan/hundi-collect/utils"
	"github.com/shopspring/decimal"
)

// LifecycleService drives the collection state machine for each donor:
// recording collections and skips, manual status overrides, and the
// monthly rescheduling that follows each outcome. Every operation runs as
// one transaction so the donor update and the donation-record write land
// together or not at all.
type LifecycleService struct {
	store Store
	now   func() time.Time
}

func NewLifecycleService(store Store) *LifecycleService {
	return &LifecycleService{
		store: store,
		now:   time.Now,
	}
}

// RecordCollection records a successful collection for the cycle the given
// timestamp falls in. The donor's next collection date advances one month
// from the declared collection moment.
func (s *LifecycleService) RecordCollection(ctx context.Context, donorID uint, amount decimal.Decimal, collectedAt time.Time, notes string, actorID uint) (*models.DonationRecord, *models.Donor, error) {
	var (
		record *models.DonationRecord
		donor  *models.Donor
	)
	err := s.store.WithinTx(ctx, func(donors DonorRepository, donations DonationRepository) error {
		var err error
		donor, err = loadActiveDonor(ctx, donors, donorID)
		if err != nil {
			return err
		}
		if err = validateOutcomeFields(models.StatusCollected, amount, notes); err != nil {
			return err
		}
		if !donor.Status.CanTransitionTo(models.StatusCollected) {
			return &InvalidStatusTransitionError{From: donor.Status, To: models.StatusCollected}
		}

		record, err = s.writeOutcome(ctx, donations, donor, models.StatusCollected, amount, collectedAt, notes, actorID)
		if err != nil {
			return err
		}
		return s.applyTransition(ctx, donors, donor, models.StatusCollected, notes, AddOneMonth(collectedAt))
	})
	if err != nil {
		return nil, nil, err
	}
	return record, donor, nil
}

// RecordSkip records an intentionally missed collection for the current
// cycle. The amount is forced to zero and the next collection date advances
// one month from the skip decision moment, not from the donor's previously
// scheduled date.
func (s *LifecycleService) RecordSkip(ctx context.Context, donorID uint, notes string, actorID uint) (*models.DonationRecord, *models.Donor, error) {
	skippedAt := s.now()
	var (
		record *models.DonationRecord
		donor  *models.Donor
	)
	err := s.store.WithinTx(ctx, func(donors DonorRepository, donations DonationRepository) error {
		var err error
		donor, err = loadActiveDonor(ctx, donors, donorID)
		if err != nil {
			return err
		}
		if err = validateOutcomeFields(models.StatusSkipped, decimal.Zero, notes); err != nil {
			return err
		}
		if !donor.Status.CanTransitionTo(models.StatusSkipped) {
			return &InvalidStatusTransitionError{From: donor.Status, To: models.StatusSkipped}
		}

		record, err = s.writeOutcome(ctx, donations, donor, models.StatusSkipped, decimal.Zero, skippedAt, notes, actorID)
		if err != nil {
			return err
		}
		return s.applyTransition(ctx, donors, donor, models.StatusSkipped, notes, AddOneMonth(skippedAt))
	})
	if err != nil {
		return nil, nil, err
	}
	return record, donor, nil
}

// UpdateStatus applies a manual status override for administrative
// correction flows. Moving into collected or skipped reschedules the next
// collection one month out from now; resetting to pending leaves the
// collection date untouched.
func (s *LifecycleService) UpdateStatus(ctx context.Context, donorID uint, newStatus models.CollectionStatus, notes string, actorID uint) (*models.Donor, error) {
	var donor *models.Donor
	err := s.store.WithinTx(ctx, func(donors DonorRepository, _ DonationRepository) error {
		var err error
		donor, err = donors.FindByIDForUpdate(ctx, donorID)
		if err != nil {
			return repoErr("donor lookup", err)
		}
		if donor == nil {
			return ErrDonorNotFound
		}
		if !donor.Status.CanTransitionTo(newStatus) {
			return &InvalidStatusTransitionError{From: donor.Status, To: newStatus}
		}

		nextDate := donor.CollectionDate
		if newStatus == models.StatusCollected || newStatus == models.StatusSkipped {
			nextDate = AddOneMonth(s.now())
		}
		return s.applyTransition(ctx, donors, donor, newStatus, notes, nextDate)
	})
	if err != nil {
		return nil, err
	}
	return donor, nil
}

// UpdateRecord edits the non-identity fields of an existing donation
// record. Moving the record into a different cycle re-runs the duplicate
// check against the target cycle first.
func (s *LifecycleService) UpdateRecord(ctx context.Context, recordID uint, amount decimal.Decimal, collectedAt time.Time, notes string) (*models.DonationRecord, error) {
	var record *models.DonationRecord
	err := s.store.WithinTx(ctx, func(_ DonorRepository, donations DonationRepository) error {
		var err error
		record, err = donations.FindByID(ctx, recordID)
		if err != nil {
			return repoErr("record lookup", err)
		}
		if record == nil {
			return ErrRecordNotFound
		}
		if err = validateOutcomeFields(record.Status, amount, notes); err != nil {
			return err
		}

		newCycle := CycleKey(collectedAt)
		if newCycle != record.CycleKey {
			other, err := donations.FindByDonorAndCycle(ctx, record.DonorID, newCycle)
			if err != nil {
				return repoErr("cycle record lookup", err)
			}
			if other != nil {
				return ErrDuplicateCycleRecord
			}
			record.CycleKey = newCycle
		}

		record.Amount = amount
		record.CollectedAt = collectedAt
		record.Notes = notes
		if err = donations.Update(ctx, record); err != nil {
			return repoErr("record update", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// CreateDonor registers a donor with the lifecycle defaults: status starts
// at pending and, unless an explicit date was supplied, the first collection
// is scheduled one month after registration.
func (s *LifecycleService) CreateDonor(ctx context.Context, donor *models.Donor) (*models.Donor, error) {
	now := s.now()
	if donor.Status == "" {
		donor.Status = models.StatusPending
	}
	if donor.CollectionDate.IsZero() {
		donor.CollectionDate = AddOneMonth(now)
	}
	donor.IsActive = true

	err := s.store.WithinTx(ctx, func(donors DonorRepository, _ DonationRepository) error {
		existing, err := donors.FindByHundiNo(ctx, donor.HundiNo)
		if err != nil {
			return repoErr("hundi number lookup", err)
		}
		if existing != nil {
			return ErrDuplicateHundiNo
		}
		if err := donors.Create(ctx, donor); err != nil {
			return repoErr("donor create", err)
		}
		return donors.AppendHistory(ctx, &models.StatusHistoryEntry{
			DonorID:   donor.ID,
			Status:    donor.Status,
			Timestamp: now,
			Note:      "donor registered",
		})
	})
	if err != nil {
		return nil, err
	}
	return donor, nil
}

// writeOutcome creates the cycle's donation record, or claims the
// pre-materialized placeholder in place when one exists.
func (s *LifecycleService) writeOutcome(ctx context.Context, donations DonationRepository, donor *models.Donor, outcome models.CollectionStatus, amount decimal.Decimal, collectedAt time.Time, notes string, actorID uint) (*models.DonationRecord, error) {
	cycleKey := CycleKey(collectedAt)
	existing, err := claimableCycleRecord(ctx, donations, donor.ID, cycleKey)
	if err != nil {
		return nil, err
	}

	if existing != nil {
		existing.Amount = amount
		existing.Status = outcome
		existing.CollectedAt = collectedAt
		existing.Notes = notes
		existing.CollectedBy = actorID
		if err := donations.Update(ctx, existing); err != nil {
			return nil, repoErr("record update", err)
		}
		return existing, nil
	}

	record := &models.DonationRecord{
		ReceiptNo:   utils.NewReceiptNo(),
		DonorID:     donor.ID,
		CycleKey:    cycleKey,
		Amount:      amount,
		Status:      outcome,
		CollectedAt: collectedAt,
		Notes:       notes,
		CollectedBy: actorID,
	}
	if err := donations.Create(ctx, record); err != nil {
		if errors.Is(err, ErrDuplicateCycleRecord) {
			return nil, ErrDuplicateCycleRecord
		}
		return nil, repoErr("record create", err)
	}
	return record, nil
}

// applyTransition appends the audit entry, then flips the donor's status
// and collection date. History is append-only: the new entry always lands
// after every existing one and past entries are never touched.
func (s *LifecycleService) applyTransition(ctx context.Context, donors DonorRepository, donor *models.Donor, newStatus models.CollectionStatus, note string, nextDate time.Time) error {
	err := donors.AppendHistory(ctx, &models.StatusHistoryEntry{
		DonorID:   donor.ID,
		Status:    newStatus,
		Timestamp: s.now(),
		Note:      note,
	})
	if err != nil {
		return repoErr("history append", err)
	}

	donor.Status = newStatus
	donor.CollectionDate = nextDate
	if err := donors.Update(ctx, donor); err != nil {
		return repoErr("donor update", err)
	}
	return nil
}
