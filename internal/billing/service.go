package billing

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/parkwind/parkwind/internal/parks"
	"github.com/parkwind/parkwind/internal/shared"
)

// RepositoryPort defines data access methods for stakeholders, the fee
// ledger and billing snapshots.
type RepositoryPort interface {
	CreateStakeholder(ctx context.Context, in CreateStakeholderInput) (Stakeholder, error)
	GetStakeholder(ctx context.Context, tenantID, id int64) (Stakeholder, error)
	ListStakeholders(ctx context.Context, tenantID, parkID int64) ([]Stakeholder, error)
	ChangeFee(ctx context.Context, tenantID, stakeholderID int64, percent float64, validFrom time.Time, reason string, changedBy int64) error
	ListFeeHistory(ctx context.Context, tenantID, stakeholderID int64) ([]FeeHistoryEntry, error)
	CreateBilling(ctx context.Context, b ManagementBilling) (ManagementBilling, error)
	ListBillings(ctx context.Context, tenantID, stakeholderID int64, year int) ([]ManagementBilling, error)
}

// ParkData is the slice of park master data the fee calculation depends on.
type ParkData interface {
	GetParkRevenue(ctx context.Context, tenantID, parkID int64, year int) (float64, error)
	ListFundRevenues(ctx context.Context, tenantID, parkID int64, year int) ([]parks.FundRevenue, error)
}

// AuditRecorder captures who changed fee-relevant state.
type AuditRecorder interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service orchestrates stakeholder fees and management billings.
type Service struct {
	repo    RepositoryPort
	parks   ParkData
	audit   AuditRecorder
	logger  *slog.Logger
	taxRate float64
	now     func() time.Time
}

// NewService constructs a Service. The tax rate applies to all calculated
// billings.
func NewService(repo RepositoryPort, parkData ParkData, taxRate float64, logger *slog.Logger) *Service {
	return &Service{
		repo:    repo,
		parks:   parkData,
		logger:  logger,
		taxRate: taxRate,
		now:     time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// WithAudit attaches an audit recorder for fee mutations.
func (s *Service) WithAudit(rec AuditRecorder) {
	s.audit = rec
}

// recordAudit writes the entry best effort. Fee mutations stand on their own
// even when the audit insert fails.
func (s *Service) recordAudit(ctx context.Context, tenantID, actorID int64, action string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		TenantID: tenantID,
		ActorID:  actorID,
		Action:   action,
		Entity:   "stakeholder",
		EntityID: strconv.FormatInt(entityID, 10),
		Meta:     meta,
		At:       s.now().UTC(),
	})
	if err != nil && s.logger != nil {
		s.logger.Warn("record audit entry", slog.String("action", action), slog.Any("error", err))
	}
}

// CreateStakeholder registers a new stakeholder and opens its first fee
// history entry.
func (s *Service) CreateStakeholder(ctx context.Context, in CreateStakeholderInput) (Stakeholder, error) {
	if err := in.Validate(); err != nil {
		return Stakeholder{}, err
	}
	if in.ValidFrom.IsZero() {
		in.ValidFrom = s.now().UTC()
	}
	return s.repo.CreateStakeholder(ctx, in)
}

// GetStakeholder loads a stakeholder scoped to the tenant.
func (s *Service) GetStakeholder(ctx context.Context, tenantID, id int64) (Stakeholder, error) {
	return s.repo.GetStakeholder(ctx, tenantID, id)
}

// ListStakeholders returns stakeholders, optionally filtered by park.
func (s *Service) ListStakeholders(ctx context.Context, tenantID, parkID int64) ([]Stakeholder, error) {
	return s.repo.ListStakeholders(ctx, tenantID, parkID)
}

// ChangeFeePercent closes the stakeholder's open fee history entry and opens
// a new one carrying the new percentage. The stakeholder's live percentage
// follows the new entry. Existing billings keep their frozen percentage.
func (s *Service) ChangeFeePercent(ctx context.Context, tenantID, stakeholderID int64, percent float64, validFrom time.Time, reason string, changedBy int64) (Stakeholder, error) {
	if percent <= 0 || percent > 100 {
		return Stakeholder{}, ErrInvalidPercent
	}
	if _, err := s.repo.GetStakeholder(ctx, tenantID, stakeholderID); err != nil {
		return Stakeholder{}, err
	}
	if validFrom.IsZero() {
		validFrom = s.now().UTC()
	}
	if err := s.repo.ChangeFee(ctx, tenantID, stakeholderID, percent, validFrom, reason, changedBy); err != nil {
		return Stakeholder{}, err
	}
	s.recordAudit(ctx, tenantID, changedBy, "fee.change", stakeholderID, map[string]any{
		"percent": percent,
		"reason":  reason,
	})
	return s.repo.GetStakeholder(ctx, tenantID, stakeholderID)
}

// ListFeeHistory returns the stakeholder's fee ledger, newest first.
func (s *Service) ListFeeHistory(ctx context.Context, tenantID, stakeholderID int64) ([]FeeHistoryEntry, error) {
	if _, err := s.repo.GetStakeholder(ctx, tenantID, stakeholderID); err != nil {
		return nil, err
	}
	return s.repo.ListFeeHistory(ctx, tenantID, stakeholderID)
}

// CalculateBilling computes and persists a fee snapshot for a stakeholder
// period. The base is the park's settled revenue of the year, divided by
// twelve for monthly billings. The stakeholder's current fee percentage is
// frozen into the snapshot.
func (s *Service) CalculateBilling(ctx context.Context, tenantID, stakeholderID int64, year int, month *int) (ManagementBilling, error) {
	st, err := s.repo.GetStakeholder(ctx, tenantID, stakeholderID)
	if err != nil {
		return ManagementBilling{}, err
	}
	if !st.BillingEnabled {
		return ManagementBilling{}, ErrBillingDisabled
	}

	annual, err := s.parks.GetParkRevenue(ctx, tenantID, st.ParkID, year)
	if err != nil {
		return ManagementBilling{}, err
	}
	base := annual
	if month != nil {
		base = round2(annual / 12)
	}

	fee := ComputeFee(base, st.FeePercent, s.taxRate)

	var breakdown []FundFee
	if annual > 0 {
		funds, err := s.parks.ListFundRevenues(ctx, tenantID, st.ParkID, year)
		if err != nil {
			return ManagementBilling{}, err
		}
		breakdown = SplitByFund(funds, annual, fee.FeeNet)
	}

	return s.repo.CreateBilling(ctx, ManagementBilling{
		TenantID:       tenantID,
		StakeholderID:  stakeholderID,
		Year:           year,
		Month:          month,
		BaseRevenue:    base,
		FeePercentUsed: st.FeePercent,
		FeeNet:         fee.FeeNet,
		TaxRate:        s.taxRate,
		TaxAmount:      fee.TaxAmount,
		FeeGross:       fee.FeeGross,
		Breakdown:      breakdown,
	})
}

// ListBillings returns calculated billings of a stakeholder, optionally
// narrowed to one year.
func (s *Service) ListBillings(ctx context.Context, tenantID, stakeholderID int64, year int) ([]ManagementBilling, error) {
	return s.repo.ListBillings(ctx, tenantID, stakeholderID, year)
}
