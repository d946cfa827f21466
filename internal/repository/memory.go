package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"driver_verification/internal/model"
)

// MemoryVerificationRepository is an in-process VerificationRepository with
// the same version semantics as the Postgres store.
type MemoryVerificationRepository struct {
	mu      sync.RWMutex
	records map[string]*model.VerificationRecord
}

func NewMemoryVerificationRepository() *MemoryVerificationRepository {
	return &MemoryVerificationRepository{
		records: make(map[string]*model.VerificationRecord),
	}
}

func (m *MemoryVerificationRepository) Create(_ context.Context, record *model.VerificationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[record.ID]; exists {
		return fmt.Errorf("verification record %s already exists", record.ID)
	}
	if record.Version == 0 {
		record.Version = 1
	}
	m.records[record.ID] = record.Clone()
	return nil
}

func (m *MemoryVerificationRepository) GetByID(_ context.Context, id string) (*model.VerificationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	record, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return record.Clone(), nil
}

func (m *MemoryVerificationRepository) Update(_ context.Context, record *model.VerificationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.records[record.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, record.ID)
	}
	if stored.Version != record.Version {
		return fmt.Errorf("%w: %s at version %d", ErrConcurrentModification, record.ID, record.Version)
	}
	record.Version++
	m.records[record.ID] = record.Clone()
	return nil
}

func (m *MemoryVerificationRepository) Find(_ context.Context, filter Filter) ([]*model.VerificationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*model.VerificationRecord
	for _, r := range m.records {
		if matches(r, filter) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryVerificationRepository) ListBySubject(ctx context.Context, subjectID string) ([]*model.VerificationRecord, error) {
	return m.Find(ctx, Filter{SubjectID: subjectID})
}

func matches(r *model.VerificationRecord, f Filter) bool {
	if f.SubjectID != "" && r.SubjectID != f.SubjectID {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, r.Status) {
		return false
	}
	if len(f.Types) > 0 && !containsType(f.Types, r.Type) {
		return false
	}
	if f.ExpiresBefore != nil && (r.ExpiresAt == nil || r.ExpiresAt.After(*f.ExpiresBefore)) {
		return false
	}
	if f.RequiresReverification != nil && r.RequiresReverification != *f.RequiresReverification {
		return false
	}
	if f.CheckedBefore != nil && r.LastReverificationCheckAt != nil && !r.LastReverificationCheckAt.Before(*f.CheckedBefore) {
		return false
	}
	if f.CreatedBefore != nil && !r.CreatedAt.Before(*f.CreatedBefore) {
		return false
	}
	return true
}

func containsStatus(list []model.Status, s model.Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsType(list []model.VerificationType, t model.VerificationType) bool {
	for _, v := range list {
		if v == t {
			return true
		}
	}
	return false
}

// Driver is the verification-owned slice of the driver read model.
type Driver struct {
	VerificationStatus model.AggregateStatus
	IdentityNumber     string
	LicenseNumber      string
}

type MemoryDriverRepository struct {
	mu      sync.RWMutex
	drivers map[string]Driver
}

func NewMemoryDriverRepository() *MemoryDriverRepository {
	return &MemoryDriverRepository{drivers: make(map[string]Driver)}
}

func (m *MemoryDriverRepository) SetAggregateVerificationStatus(_ context.Context, subjectID string, status model.AggregateStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.drivers[subjectID]
	d.VerificationStatus = status
	m.drivers[subjectID] = d
	return nil
}

func (m *MemoryDriverRepository) SyncIdentityNumber(_ context.Context, subjectID, identityNumber string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.drivers[subjectID]
	d.IdentityNumber = identityNumber
	m.drivers[subjectID] = d
	return nil
}

func (m *MemoryDriverRepository) LicenseInUse(_ context.Context, licenseNumber, excludingSubjectID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, d := range m.drivers {
		if id != excludingSubjectID && d.LicenseNumber == licenseNumber {
			return true, nil
		}
	}
	return false, nil
}

// SetLicenseNumber seeds the licence held by a driver.
func (m *MemoryDriverRepository) SetLicenseNumber(subjectID, licenseNumber string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.drivers[subjectID]
	d.LicenseNumber = licenseNumber
	m.drivers[subjectID] = d
}

func (m *MemoryDriverRepository) Driver(subjectID string) (Driver, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[subjectID]
	return d, ok
}
