package parks

import (
	"context"
)

// RepositoryPort defines data access methods for park master data.
type RepositoryPort interface {
	CreatePark(ctx context.Context, in CreateParkInput) (Park, error)
	GetPark(ctx context.Context, tenantID, id int64) (Park, error)
	ListParks(ctx context.Context, tenantID int64) ([]Park, error)
	CreateLease(ctx context.Context, in CreateLeaseInput) (Lease, error)
	ListLeases(ctx context.Context, tenantID, parkID int64, activeOnly bool) ([]Lease, error)
	UpsertParkRevenue(ctx context.Context, tenantID int64, rev ParkRevenue) error
	GetParkRevenue(ctx context.Context, tenantID, parkID int64, year int) (float64, error)
	ListFundRevenues(ctx context.Context, tenantID, parkID int64, year int) ([]FundRevenue, error)
}

// Service handles park master data business logic.
type Service struct {
	repo RepositoryPort
}

// NewService builds Service instance.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// CreatePark validates and stores a new park.
func (s *Service) CreatePark(ctx context.Context, in CreateParkInput) (Park, error) {
	if err := in.Validate(); err != nil {
		return Park{}, err
	}
	return s.repo.CreatePark(ctx, in)
}

// GetPark loads a park scoped to the tenant.
func (s *Service) GetPark(ctx context.Context, tenantID, id int64) (Park, error) {
	return s.repo.GetPark(ctx, tenantID, id)
}

// ListParks returns all parks of the tenant.
func (s *Service) ListParks(ctx context.Context, tenantID int64) ([]Park, error) {
	return s.repo.ListParks(ctx, tenantID)
}

// CreateLease validates and stores a new lease after checking the park exists.
func (s *Service) CreateLease(ctx context.Context, in CreateLeaseInput) (Lease, error) {
	if err := in.Validate(); err != nil {
		return Lease{}, err
	}
	if _, err := s.repo.GetPark(ctx, in.TenantID, in.ParkID); err != nil {
		return Lease{}, err
	}
	return s.repo.CreateLease(ctx, in)
}

// ListLeases returns the leases of a park.
func (s *Service) ListLeases(ctx context.Context, tenantID, parkID int64, activeOnly bool) ([]Lease, error) {
	return s.repo.ListLeases(ctx, tenantID, parkID, activeOnly)
}

// ListFunds returns the fund revenue attribution of a park for a year.
func (s *Service) ListFunds(ctx context.Context, tenantID, parkID int64, year int) ([]FundRevenue, error) {
	if _, err := s.repo.GetPark(ctx, tenantID, parkID); err != nil {
		return nil, err
	}
	return s.repo.ListFundRevenues(ctx, tenantID, parkID, year)
}

// RecordRevenue stores a park's settled revenue for a year.
func (s *Service) RecordRevenue(ctx context.Context, tenantID int64, rev ParkRevenue) error {
	if rev.ParkID == 0 || rev.Year == 0 {
		return ErrNotFound
	}
	return s.repo.UpsertParkRevenue(ctx, tenantID, rev)
}
