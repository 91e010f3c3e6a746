package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/parkwind/parkwind/internal/parks"
	"github.com/parkwind/parkwind/internal/shared"
)

// approvalModule identifies settlement entries in the approval trail.
const approvalModule = "settlement"

// RepositoryPort defines data access methods for settlement periods.
type RepositoryPort interface {
	CreatePeriod(ctx context.Context, in CreatePeriodInput, ref uuid.UUID) (Period, error)
	GetPeriod(ctx context.Context, tenantID, id int64) (Period, error)
	ListPeriods(ctx context.Context, tenantID int64, filter ListFilter) ([]Period, int, error)
	StoreCalculation(ctx context.Context, tenantID, id int64, totals Totals, lines []LeaseLine, calculatedAt time.Time) error
	UpdateStatus(ctx context.Context, tenantID, id int64, from, to Status) error
	UpdateReview(ctx context.Context, tenantID, id int64, to Status, reviewerID int64, reviewedAt time.Time, notes string) error
	DeletePeriod(ctx context.Context, tenantID, id int64) error
	ListLeaseLines(ctx context.Context, periodID int64) ([]LeaseLine, error)
	SumApprovedAdvances(ctx context.Context, tenantID, leaseID int64, year int) (float64, error)
	SummarizePeriods(ctx context.Context, tenantID int64, year int) (Summary, error)
}

// ParkData is the slice of park master data the calculation depends on.
type ParkData interface {
	GetPark(ctx context.Context, tenantID, id int64) (parks.Park, error)
	ListLeases(ctx context.Context, tenantID, parkID int64, activeOnly bool) ([]parks.Lease, error)
	GetParkRevenue(ctx context.Context, tenantID, parkID int64, year int) (float64, error)
}

// ApprovalTrail records and lists workflow actions.
type ApprovalTrail interface {
	Record(ctx context.Context, log shared.ApprovalLog) error
	List(ctx context.Context, module string, ref uuid.UUID) ([]shared.ApprovalLog, error)
}

// InvoiceEnqueuer hands invoice generation off to the background worker.
type InvoiceEnqueuer interface {
	EnqueueSettlementInvoices(ctx context.Context, tenantID, periodID, actorID int64) error
}

// Invalidator bumps the tenant's cache version after mutations.
type Invalidator interface {
	Bump(ctx context.Context, tenantID int64) error
}

// SummaryCache serves cached summaries keyed by tenant and version.
type SummaryCache interface {
	Invalidator
	BuildKey(ctx context.Context, tenantID int64, parts ...string) (string, error)
	FetchJSON(ctx context.Context, key string, dest any, loader func(context.Context) (any, error)) error
}

// Service orchestrates the settlement period lifecycle.
type Service struct {
	repo   RepositoryPort
	parks  ParkData
	trail  ApprovalTrail
	queue  InvoiceEnqueuer
	cache  SummaryCache
	logger *slog.Logger
	now    func() time.Time
}

// NewService constructs a Service instance. Trail, queue and cache may be nil
// in tests.
func NewService(repo RepositoryPort, parkData ParkData, trail ApprovalTrail, queue InvoiceEnqueuer, cache SummaryCache, logger *slog.Logger) *Service {
	return &Service{
		repo:   repo,
		parks:  parkData,
		trail:  trail,
		queue:  queue,
		cache:  cache,
		logger: logger,
		now:    time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Create opens a new settlement period in status OPEN.
func (s *Service) Create(ctx context.Context, in CreatePeriodInput) (Period, error) {
	if err := in.Validate(); err != nil {
		return Period{}, err
	}
	if _, err := s.parks.GetPark(ctx, in.TenantID, in.ParkID); err != nil {
		if errors.Is(err, parks.ErrNotFound) {
			return Period{}, ErrNotFound
		}
		return Period{}, err
	}
	period, err := s.repo.CreatePeriod(ctx, in, uuid.New())
	if err != nil {
		return Period{}, err
	}
	s.bump(ctx, in.TenantID)
	return period, nil
}

// List returns periods matching the filter.
func (s *Service) List(ctx context.Context, tenantID int64, filter ListFilter) ([]Period, int, error) {
	if filter.Limit <= 0 || filter.Limit > 200 {
		filter.Limit = 50
	}
	return s.repo.ListPeriods(ctx, tenantID, filter)
}

// PeriodDetail combines a period with its calculation lines and approvals.
type PeriodDetail struct {
	Period    Period               `json:"period"`
	Leases    []LeaseLine          `json:"leases"`
	Approvals []shared.ApprovalLog `json:"approvals"`
}

// Get loads period, lease lines and approval trail concurrently.
func (s *Service) Get(ctx context.Context, tenantID, id int64) (PeriodDetail, error) {
	period, err := s.repo.GetPeriod(ctx, tenantID, id)
	if err != nil {
		return PeriodDetail{}, err
	}
	detail := PeriodDetail{Period: period}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		lines, err := s.repo.ListLeaseLines(gctx, period.ID)
		if err != nil {
			return err
		}
		detail.Leases = lines
		return nil
	})
	if s.trail != nil {
		g.Go(func() error {
			logs, err := s.trail.List(gctx, approvalModule, period.Ref)
			if err != nil {
				return err
			}
			detail.Approvals = logs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return PeriodDetail{}, err
	}
	return detail, nil
}

// Calculate recomputes the period totals from current lease data. It is
// idempotent: rerunning overwrites prior totals and never moves the status
// backward. Allowed while the period is OPEN or IN_PROGRESS.
func (s *Service) Calculate(ctx context.Context, tenantID, id int64) (CalculationResult, error) {
	period, err := s.repo.GetPeriod(ctx, tenantID, id)
	if err != nil {
		return CalculationResult{}, err
	}
	if period.Status != StatusOpen && period.Status != StatusInProgress {
		return CalculationResult{}, fmt.Errorf("%w: cannot calculate in status %s", ErrInvalidTransition, period.Status)
	}
	park, err := s.parks.GetPark(ctx, tenantID, period.ParkID)
	if err != nil {
		if errors.Is(err, parks.ErrNotFound) {
			return CalculationResult{}, ErrNotFound
		}
		return CalculationResult{}, err
	}
	leases, err := s.parks.ListLeases(ctx, tenantID, period.ParkID, true)
	if err != nil {
		return CalculationResult{}, err
	}

	var (
		lines  []LeaseLine
		totals Totals
	)
	switch period.PeriodType {
	case PeriodTypeAdvance:
		lines, totals = calculateAdvance(leases)
	case PeriodTypeFinal:
		revenue, err := s.parks.GetParkRevenue(ctx, tenantID, period.ParkID, period.Year)
		if err != nil {
			return CalculationResult{}, err
		}
		lines, totals, err = s.calculateFinal(ctx, tenantID, period, leases, revenue)
		if err != nil {
			return CalculationResult{}, err
		}
	default:
		return CalculationResult{}, fmt.Errorf("settlement: unknown period type %q", period.PeriodType)
	}

	calculatedAt := s.now().UTC()
	if err := s.repo.StoreCalculation(ctx, tenantID, period.ID, totals, lines, calculatedAt); err != nil {
		return CalculationResult{}, err
	}
	s.bump(ctx, tenantID)

	return CalculationResult{
		PeriodID:     period.ID,
		ParkID:       park.ID,
		ParkName:     park.Name,
		Year:         period.Year,
		Month:        period.Month,
		PeriodType:   period.PeriodType,
		CalculatedAt: calculatedAt,
		Leases:       lines,
		Totals:       totals,
	}, nil
}

// calculateAdvance derives the monthly minimum rent per lease. An empty lease
// list yields empty lines and zero totals, not an error.
func calculateAdvance(leases []parks.Lease) ([]LeaseLine, Totals) {
	lines := make([]LeaseLine, 0, len(leases))
	var totals Totals
	for _, lease := range leases {
		minimum := round2(lease.MonthlyMinimum())
		lines = append(lines, LeaseLine{
			LeaseID:     lease.ID,
			LessorName:  lease.LessorName,
			MinimumRent: minimum,
		})
		totals.MinimumRent = round2(totals.MinimumRent + minimum)
	}
	totals.ActualRent = totals.MinimumRent
	return lines, totals
}

// calculateFinal derives the annual settlement per lease: annual minimum
// rent, the lease's revenue share of the park revenue, minus advances already
// approved for the year.
func (s *Service) calculateFinal(ctx context.Context, tenantID int64, period Period, leases []parks.Lease, parkRevenue float64) ([]LeaseLine, Totals, error) {
	lines := make([]LeaseLine, 0, len(leases))
	totals := Totals{Revenue: parkRevenue}
	for _, lease := range leases {
		annualMinimum := round2(lease.MonthlyMinimum() * 12)
		revenueShare := round2(parkRevenue * lease.RevenueSharePercent / 100)
		advances, err := s.repo.SumApprovedAdvances(ctx, tenantID, lease.ID, period.Year)
		if err != nil {
			return nil, Totals{}, err
		}
		lines = append(lines, LeaseLine{
			LeaseID:      lease.ID,
			LessorName:   lease.LessorName,
			MinimumRent:  annualMinimum,
			RevenueShare: revenueShare,
			AdvancesPaid: round2(advances),
			FinalPayment: round2(revenueShare - advances),
		})
		totals.MinimumRent = round2(totals.MinimumRent + annualMinimum)
		totals.ActualRent = round2(totals.ActualRent + revenueShare)
	}
	return lines, totals, nil
}

// SubmitForReview moves a calculated period into PENDING_REVIEW.
func (s *Service) SubmitForReview(ctx context.Context, tenantID, id, actorID int64) (Period, error) {
	period, err := s.repo.GetPeriod(ctx, tenantID, id)
	if err != nil {
		return Period{}, err
	}
	if period.Status != StatusInProgress {
		return Period{}, fmt.Errorf("%w: cannot submit from %s", ErrInvalidTransition, period.Status)
	}
	if period.CalculatedAt == nil {
		return Period{}, ErrNotCalculated
	}
	if err := s.repo.UpdateStatus(ctx, tenantID, id, StatusInProgress, StatusPendingReview); err != nil {
		return Period{}, err
	}
	s.record(ctx, period.Ref, actorID, shared.ApprovalSubmit, "")
	s.bump(ctx, tenantID)
	return s.repo.GetPeriod(ctx, tenantID, id)
}

// Approve moves a period from PENDING_REVIEW to APPROVED and freezes the
// reviewer and timestamp.
func (s *Service) Approve(ctx context.Context, tenantID, id, reviewerID int64) (Period, error) {
	period, err := s.repo.GetPeriod(ctx, tenantID, id)
	if err != nil {
		return Period{}, err
	}
	if period.Status != StatusPendingReview {
		return Period{}, fmt.Errorf("%w: cannot approve from %s", ErrInvalidTransition, period.Status)
	}
	if err := s.repo.UpdateReview(ctx, tenantID, id, StatusApproved, reviewerID, s.now().UTC(), ""); err != nil {
		return Period{}, err
	}
	s.record(ctx, period.Ref, reviewerID, shared.ApprovalApprove, "")
	s.bump(ctx, tenantID)
	return s.repo.GetPeriod(ctx, tenantID, id)
}

// Reject sends a period back to IN_PROGRESS. Notes are mandatory; a blank
// note leaves the period untouched.
func (s *Service) Reject(ctx context.Context, tenantID, id, reviewerID int64, notes string) (Period, error) {
	if isBlank(notes) {
		return Period{}, ErrNotesRequired
	}
	period, err := s.repo.GetPeriod(ctx, tenantID, id)
	if err != nil {
		return Period{}, err
	}
	if period.Status != StatusPendingReview {
		return Period{}, fmt.Errorf("%w: cannot reject from %s", ErrInvalidTransition, period.Status)
	}
	if err := s.repo.UpdateReview(ctx, tenantID, id, StatusInProgress, reviewerID, s.now().UTC(), notes); err != nil {
		return Period{}, err
	}
	s.record(ctx, period.Ref, reviewerID, shared.ApprovalReject, notes)
	s.bump(ctx, tenantID)
	return s.repo.GetPeriod(ctx, tenantID, id)
}

// UpdateStatus applies a generic transition requested via PATCH. Only the
// edges of the transition table are accepted; the reject edge is refused here
// because it requires notes and belongs to the approve endpoint.
func (s *Service) UpdateStatus(ctx context.Context, tenantID, id, actorID int64, target Status) (Period, error) {
	if !ValidStatus(target) {
		return Period{}, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, target)
	}
	period, err := s.repo.GetPeriod(ctx, tenantID, id)
	if err != nil {
		return Period{}, err
	}
	if !CanTransition(period.Status, target) {
		return Period{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, period.Status, target)
	}
	switch {
	case period.Status == StatusInProgress && target == StatusPendingReview:
		return s.SubmitForReview(ctx, tenantID, id, actorID)
	case period.Status == StatusPendingReview && target == StatusApproved:
		return s.Approve(ctx, tenantID, id, actorID)
	case period.Status == StatusPendingReview && target == StatusInProgress:
		return Period{}, ErrNotesRequired
	case period.Status == StatusApproved && target == StatusClosed:
		return s.Close(ctx, tenantID, id)
	default:
		// OPEN -> IN_PROGRESS happens through calculate only.
		return Period{}, fmt.Errorf("%w: %s -> %s requires calculation", ErrInvalidTransition, period.Status, target)
	}
}

// Close finishes an approved period. The edge is terminal.
func (s *Service) Close(ctx context.Context, tenantID, id int64) (Period, error) {
	period, err := s.repo.GetPeriod(ctx, tenantID, id)
	if err != nil {
		return Period{}, err
	}
	if period.Status != StatusApproved {
		return Period{}, fmt.Errorf("%w: cannot close from %s", ErrInvalidTransition, period.Status)
	}
	if err := s.repo.UpdateStatus(ctx, tenantID, id, StatusApproved, StatusClosed); err != nil {
		return Period{}, err
	}
	s.bump(ctx, tenantID)
	return s.repo.GetPeriod(ctx, tenantID, id)
}

// GenerateInvoices enqueues draft invoice generation for an approved period.
// The status does not change.
func (s *Service) GenerateInvoices(ctx context.Context, tenantID, id, actorID int64) error {
	period, err := s.repo.GetPeriod(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if period.Status != StatusApproved {
		return ErrNotApproved
	}
	if s.queue == nil {
		return errors.New("settlement: invoice queue not configured")
	}
	return s.queue.EnqueueSettlementInvoices(ctx, tenantID, id, actorID)
}

// Delete removes a period that was never calculated. Only OPEN periods are
// deletable.
func (s *Service) Delete(ctx context.Context, tenantID, id int64) error {
	period, err := s.repo.GetPeriod(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if period.Status != StatusOpen {
		return ErrNotDeletable
	}
	if err := s.repo.DeletePeriod(ctx, tenantID, id); err != nil {
		return err
	}
	s.bump(ctx, tenantID)
	return nil
}

// Summarize returns the cached per-status summary for a tenant year.
func (s *Service) Summarize(ctx context.Context, tenantID int64, year int) (Summary, error) {
	if s.cache == nil {
		return s.repo.SummarizePeriods(ctx, tenantID, year)
	}
	key, err := s.cache.BuildKey(ctx, tenantID, "settlement", "summary", strconv.Itoa(year))
	if err != nil {
		return Summary{}, err
	}
	var summary Summary
	err = s.cache.FetchJSON(ctx, key, &summary, func(ctx context.Context) (any, error) {
		return s.repo.SummarizePeriods(ctx, tenantID, year)
	})
	return summary, err
}

func (s *Service) record(ctx context.Context, ref uuid.UUID, actorID int64, action shared.ApprovalAction, note string) {
	if s.trail == nil {
		return
	}
	err := s.trail.Record(ctx, shared.ApprovalLog{
		Module:  approvalModule,
		RefID:   ref,
		ActorID: actorID,
		Action:  action,
		Note:    note,
		At:      s.now().UTC(),
	})
	if err != nil && s.logger != nil {
		s.logger.Error("record settlement approval", slog.Any("error", err))
	}
}

func (s *Service) bump(ctx context.Context, tenantID int64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Bump(ctx, tenantID); err != nil && s.logger != nil {
		s.logger.Warn("bump settlement cache", slog.Any("error", err))
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
