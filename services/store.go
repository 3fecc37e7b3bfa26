package services

import (
	"context"
	"errors"
	"time"

	"github.com/sevadaan/hundi-collect/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DonorRepository is the persistence contract for donors and their audit
// history. Find methods return (nil, nil) when no row matches.
type DonorRepository interface {
	FindByID(ctx context.Context, id uint) (*models.Donor, error)
	// FindByIDForUpdate locks the donor row until the surrounding
	// transaction ends. Every engine operation that writes to a donor's
	// aggregate reads through this, so two concurrent invocations for the
	// same donor are serialized instead of both passing the cycle-record
	// check on the same snapshot.
	FindByIDForUpdate(ctx context.Context, id uint) (*models.Donor, error)
	FindByHundiNo(ctx context.Context, hundiNo string) (*models.Donor, error)
	// FindActiveOverdue returns active donors whose status is not pending
	// and whose collection date is before the given instant. Results are
	// ordered by id and keyset-paginated: only donors with id > afterID
	// are returned, at most limit of them.
	FindActiveOverdue(ctx context.Context, before time.Time, afterID uint, limit int) ([]models.Donor, error)
	// FindActive pages through all active donors, same keyset contract.
	FindActive(ctx context.Context, afterID uint, limit int) ([]models.Donor, error)
	Create(ctx context.Context, donor *models.Donor) error
	Update(ctx context.Context, donor *models.Donor) error
	AppendHistory(ctx context.Context, entry *models.StatusHistoryEntry) error
}

// DonationRepository is the persistence contract for donation records.
type DonationRepository interface {
	FindByID(ctx context.Context, id uint) (*models.DonationRecord, error)
	FindByDonorAndCycle(ctx context.Context, donorID uint, cycleKey string) (*models.DonationRecord, error)
	Create(ctx context.Context, record *models.DonationRecord) error
	Update(ctx context.Context, record *models.DonationRecord) error
}

// Store bundles the two repositories with a transaction runner. WithinTx
// must give the callback repository views scoped to one transaction, so a
// donor update and its donation-record write commit or roll back together.
type Store interface {
	Donors() DonorRepository
	Donations() DonationRepository
	WithinTx(ctx context.Context, fn func(donors DonorRepository, donations DonationRepository) error) error
}

// GormStore is the production Store backed by a gorm database handle.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Donors() DonorRepository {
	return &gormDonorRepository{db: s.db}
}

func (s *GormStore) Donations() DonationRepository {
	return &gormDonationRepository{db: s.db}
}

func (s *GormStore) WithinTx(ctx context.Context, fn func(donors DonorRepository, donations DonationRepository) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormDonorRepository{db: tx}, &gormDonationRepository{db: tx})
	})
}

type gormDonorRepository struct {
	db *gorm.DB
}

func (r *gormDonorRepository) FindByID(ctx context.Context, id uint) (*models.Donor, error) {
	var donor models.Donor
	err := r.db.WithContext(ctx).First(&donor, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &donor, nil
}

func (r *gormDonorRepository) FindByIDForUpdate(ctx context.Context, id uint) (*models.Donor, error) {
	var donor models.Donor
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&donor, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &donor, nil
}

func (r *gormDonorRepository) FindByHundiNo(ctx context.Context, hundiNo string) (*models.Donor, error) {
	var donor models.Donor
	err := r.db.WithContext(ctx).Where("hundi_no = ?", hundiNo).First(&donor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &donor, nil
}

func (r *gormDonorRepository) FindActiveOverdue(ctx context.Context, before time.Time, afterID uint, limit int) ([]models.Donor, error) {
	var donors []models.Donor
	err := r.db.WithContext(ctx).
		Where("is_active = ? AND status <> ? AND collection_date < ? AND id > ?",
			true, models.StatusPending, before, afterID).
		Order("id").
		Limit(limit).
		Find(&donors).Error
	if err != nil {
		return nil, err
	}
	return donors, nil
}

func (r *gormDonorRepository) FindActive(ctx context.Context, afterID uint, limit int) ([]models.Donor, error) {
	var donors []models.Donor
	err := r.db.WithContext(ctx).
		Where("is_active = ? AND id > ?", true, afterID).
		Order("id").
		Limit(limit).
		Find(&donors).Error
	if err != nil {
		return nil, err
	}
	return donors, nil
}

func (r *gormDonorRepository) Create(ctx context.Context, donor *models.Donor) error {
	return r.db.WithContext(ctx).Create(donor).Error
}

func (r *gormDonorRepository) Update(ctx context.Context, donor *models.Donor) error {
	return r.db.WithContext(ctx).Save(donor).Error
}

func (r *gormDonorRepository) AppendHistory(ctx context.Context, entry *models.StatusHistoryEntry) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

type gormDonationRepository struct {
	db *gorm.DB
}

func (r *gormDonationRepository) FindByID(ctx context.Context, id uint) (*models.DonationRecord, error) {
	var record models.DonationRecord
	err := r.db.WithContext(ctx).First(&record, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *gormDonationRepository) FindByDonorAndCycle(ctx context.Context, donorID uint, cycleKey string) (*models.DonationRecord, error) {
	var record models.DonationRecord
	err := r.db.WithContext(ctx).
		Where("donor_id = ? AND cycle_key = ?", donorID, cycleKey).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *gormDonationRepository) Create(ctx context.Context, record *models.DonationRecord) error {
	err := r.db.WithContext(ctx).Create(record).Error
	// The unique (donor_id, cycle_key) index is the storage-level backstop
	// against a racing insert that slipped past the application check.
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateCycleRecord
	}
	return err
}

func (r *gormDonationRepository) Update(ctx context.Context, record *models.DonationRecord) error {
	return r.db.WithContext(ctx).Save(record).Error
}
