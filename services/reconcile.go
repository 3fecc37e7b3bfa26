package services

import (
	"context"
	"log"
	"time"

	"github.com/sevadaan/hundi-collect/models"
	"github.com/sevadaan/hundi-collect/utils"
	"github.com/shopspring/decimal"
)

const defaultBatchSize = 200

// ReconcileResult summarizes one overdue sweep.
type ReconcileResult struct {
	Updated int `json:"updated"`
	Checked int `json:"checked"`
	Failed  int `json:"failed"`
}

// InitializeResult summarizes one cycle pre-materialization run.
type InitializeResult struct {
	Initialized int `json:"initialized"`
	Skipped     int `json:"skipped"`
	Total       int `json:"total"`
	Failed      int `json:"failed"`
}

// ReconciliationService runs the time-driven sweeps over the active donor
// roster. Each donor is processed as its own failure-isolated unit: a write
// error on one donor is logged and counted, never raised, so the rest of
// the scan continues. Both sweeps are idempotent and safe to kill and
// re-run mid-scan.
type ReconciliationService struct {
	store     Store
	batchSize int
}

func NewReconciliationService(store Store) *ReconciliationService {
	return &ReconciliationService{
		store:     store,
		batchSize: defaultBatchSize,
	}
}

// ReconcileOverdueDonors demotes to pending every active donor whose
// collection date has elapsed without a real outcome recorded for the
// current cycle. Donors already pending are excluded by the scan predicate
// itself, which is what makes a repeat run in the same cycle report zero
// updates. Collection dates are left untouched.
func (rs *ReconciliationService) ReconcileOverdueDonors(ctx context.Context, now time.Time) ReconcileResult {
	var result ReconcileResult
	cycle := CycleKey(now)

	var lastID uint
	for ctx.Err() == nil {
		donors, err := rs.store.Donors().FindActiveOverdue(ctx, now, lastID, rs.batchSize)
		if err != nil {
			log.Printf("Reconcile: overdue scan failed after id=%d: %v", lastID, err)
			result.Failed++
			return result
		}
		if len(donors) == 0 {
			return result
		}

		for i := range donors {
			donor := donors[i]
			lastID = donor.ID
			result.Checked++

			demoted, err := rs.reconcileDonor(ctx, donor.ID, cycle, now)
			if err != nil {
				log.Printf("Reconcile: donor id=%d hundi=%s failed: %v", donor.ID, donor.HundiNo, err)
				result.Failed++
				continue
			}
			if demoted {
				result.Updated++
			}
		}
	}
	return result
}

// reconcileDonor re-reads the donor under a row lock inside its own
// transaction, so a sweep racing a concurrent collect for the same donor
// settles on one outcome.
func (rs *ReconciliationService) reconcileDonor(ctx context.Context, donorID uint, cycle string, now time.Time) (bool, error) {
	demoted := false
	err := rs.store.WithinTx(ctx, func(donors DonorRepository, donations DonationRepository) error {
		donor, err := donors.FindByIDForUpdate(ctx, donorID)
		if err != nil {
			return repoErr("donor lookup", err)
		}
		if donor == nil || !donor.IsActive || donor.Status == models.StatusPending {
			return nil
		}

		record, err := donations.FindByDonorAndCycle(ctx, donorID, cycle)
		if err != nil {
			return repoErr("cycle record lookup", err)
		}
		if record != nil && !record.IsPlaceholder() {
			// Handled this cycle already.
			return nil
		}

		err = donors.AppendHistory(ctx, &models.StatusHistoryEntry{
			DonorID:   donor.ID,
			Status:    models.StatusPending,
			Timestamp: now,
			Note:      "collection date missed and no record for current cycle",
		})
		if err != nil {
			return repoErr("history append", err)
		}
		donor.Status = models.StatusPending
		if err := donors.Update(ctx, donor); err != nil {
			return repoErr("donor update", err)
		}
		demoted = true
		return nil
	})
	return demoted, err
}

// InitializeCycleRecords pre-materializes an amount-zero placeholder record
// for every active donor that has no record in the current cycle yet, so
// the cycle's roster is fully enumerable through the donation records even
// before anyone acts. Donor status and collection dates are not touched,
// and donors that already have a record are skipped, so re-runs are free.
func (rs *ReconciliationService) InitializeCycleRecords(ctx context.Context, now time.Time) InitializeResult {
	var result InitializeResult
	cycle := CycleKey(now)

	var lastID uint
	for ctx.Err() == nil {
		donors, err := rs.store.Donors().FindActive(ctx, lastID, rs.batchSize)
		if err != nil {
			log.Printf("InitCycle: active scan failed after id=%d: %v", lastID, err)
			result.Failed++
			return result
		}
		if len(donors) == 0 {
			return result
		}

		for i := range donors {
			donor := donors[i]
			lastID = donor.ID
			result.Total++

			created, err := rs.initializeDonor(ctx, &donor, cycle, now)
			if err != nil {
				log.Printf("InitCycle: donor id=%d hundi=%s failed: %v", donor.ID, donor.HundiNo, err)
				result.Failed++
				continue
			}
			if created {
				result.Initialized++
			} else {
				result.Skipped++
			}
		}
	}
	return result
}

func (rs *ReconciliationService) initializeDonor(ctx context.Context, donor *models.Donor, cycle string, now time.Time) (bool, error) {
	created := false
	err := rs.store.WithinTx(ctx, func(_ DonorRepository, donations DonationRepository) error {
		existing, err := donations.FindByDonorAndCycle(ctx, donor.ID, cycle)
		if err != nil {
			return repoErr("cycle record lookup", err)
		}
		if existing != nil {
			return nil
		}

		record := &models.DonationRecord{
			ReceiptNo:   utils.NewReceiptNo(),
			DonorID:     donor.ID,
			CycleKey:    cycle,
			Amount:      decimal.Zero,
			Status:      models.StatusPending,
			CollectedAt: now,
			Notes:       "",
			CollectedBy: donor.CreatedBy,
		}
		if err := donations.Create(ctx, record); err != nil {
			return repoErr("record create", err)
		}
		created = true
		return nil
	})
	return created, err
}
