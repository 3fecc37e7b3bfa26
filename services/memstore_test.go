package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sevadaan/hundi-collect/models"
)

// memStore is an in-memory Store used by the engine tests. Error injection
// hooks let tests simulate per-donor storage failures. WithinTx holds txMu
// for the whole callback, mirroring the donor row lock the gorm store takes
// through FindByIDForUpdate: transactions touching the same aggregate run
// one after the other, never on the same snapshot.
type memStore struct {
	txMu          sync.Mutex
	mu            sync.Mutex
	donors        map[uint]*models.Donor
	records       map[uint]*models.DonationRecord
	history       []models.StatusHistoryEntry
	nextDonorID   uint
	nextRecordID  uint
	nextHistoryID uint

	failDonorUpdate  map[uint]error
	failRecordCreate map[uint]error
}

func newMemStore() *memStore {
	return &memStore{
		donors:           make(map[uint]*models.Donor),
		records:          make(map[uint]*models.DonationRecord),
		failDonorUpdate:  make(map[uint]error),
		failRecordCreate: make(map[uint]error),
	}
}

func (s *memStore) Donors() DonorRepository       { return &memDonorRepo{s} }
func (s *memStore) Donations() DonationRepository { return &memDonationRepo{s} }

func (s *memStore) WithinTx(ctx context.Context, fn func(DonorRepository, DonationRepository) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return fn(&memDonorRepo{s}, &memDonationRepo{s})
}

func (s *memStore) addDonor(donor models.Donor) models.Donor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if donor.ID == 0 {
		s.nextDonorID++
		donor.ID = s.nextDonorID
	} else if donor.ID > s.nextDonorID {
		s.nextDonorID = donor.ID
	}
	copied := donor
	s.donors[donor.ID] = &copied
	return donor
}

func (s *memStore) addRecord(record models.DonationRecord) models.DonationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.ID == 0 {
		s.nextRecordID++
		record.ID = s.nextRecordID
	}
	copied := record
	s.records[record.ID] = &copied
	return record
}

func (s *memStore) donorHistory(donorID uint) []models.StatusHistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var entries []models.StatusHistoryEntry
	for _, e := range s.history {
		if e.DonorID == donorID {
			entries = append(entries, e)
		}
	}
	return entries
}

func (s *memStore) recordFor(donorID uint, cycleKey string) *models.DonationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.DonorID == donorID && r.CycleKey == cycleKey {
			copied := *r
			return &copied
		}
	}
	return nil
}

func (s *memStore) recordCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *memStore) donor(id uint) models.Donor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.donors[id]
}

type memDonorRepo struct {
	s *memStore
}

func (r *memDonorRepo) FindByID(ctx context.Context, id uint) (*models.Donor, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	donor, ok := r.s.donors[id]
	if !ok {
		return nil, nil
	}
	copied := *donor
	return &copied, nil
}

func (r *memDonorRepo) FindByIDForUpdate(ctx context.Context, id uint) (*models.Donor, error) {
	// Serialization comes from txMu in WithinTx; the read itself is the
	// same as FindByID.
	return r.FindByID(ctx, id)
}

func (r *memDonorRepo) FindByHundiNo(ctx context.Context, hundiNo string) (*models.Donor, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, donor := range r.s.donors {
		if donor.HundiNo == hundiNo {
			copied := *donor
			return &copied, nil
		}
	}
	return nil, nil
}

func (r *memDonorRepo) FindActiveOverdue(ctx context.Context, before time.Time, afterID uint, limit int) ([]models.Donor, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.Donor
	for _, donor := range r.s.donors {
		if donor.IsActive && donor.Status != models.StatusPending &&
			donor.CollectionDate.Before(before) && donor.ID > afterID {
			out = append(out, *donor)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memDonorRepo) FindActive(ctx context.Context, afterID uint, limit int) ([]models.Donor, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.Donor
	for _, donor := range r.s.donors {
		if donor.IsActive && donor.ID > afterID {
			out = append(out, *donor)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memDonorRepo) Create(ctx context.Context, donor *models.Donor) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.nextDonorID++
	donor.ID = r.s.nextDonorID
	copied := *donor
	r.s.donors[donor.ID] = &copied
	return nil
}

func (r *memDonorRepo) Update(ctx context.Context, donor *models.Donor) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err, ok := r.s.failDonorUpdate[donor.ID]; ok {
		return err
	}
	copied := *donor
	r.s.donors[donor.ID] = &copied
	return nil
}

func (r *memDonorRepo) AppendHistory(ctx context.Context, entry *models.StatusHistoryEntry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.nextHistoryID++
	entry.ID = r.s.nextHistoryID
	r.s.history = append(r.s.history, *entry)
	return nil
}

type memDonationRepo struct {
	s *memStore
}

func (r *memDonationRepo) FindByID(ctx context.Context, id uint) (*models.DonationRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	record, ok := r.s.records[id]
	if !ok {
		return nil, nil
	}
	copied := *record
	return &copied, nil
}

func (r *memDonationRepo) FindByDonorAndCycle(ctx context.Context, donorID uint, cycleKey string) (*models.DonationRecord, error) {
	return r.s.recordFor(donorID, cycleKey), nil
}

func (r *memDonationRepo) Create(ctx context.Context, record *models.DonationRecord) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err, ok := r.s.failRecordCreate[record.DonorID]; ok {
		return err
	}
	r.s.nextRecordID++
	record.ID = r.s.nextRecordID
	copied := *record
	r.s.records[record.ID] = &copied
	return nil
}

func (r *memDonationRepo) Update(ctx context.Context, record *models.DonationRecord) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	copied := *record
	r.s.records[record.ID] = &copied
	return nil
}
