// Package settlement implements settlement periods for wind-park land
// leases: advance and final billing cycles, their calculation, and the
// review/approval workflow.
package settlement

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PeriodType distinguishes monthly advance cycles from annual final cycles.
type PeriodType string

const (
	PeriodTypeAdvance PeriodType = "ADVANCE"
	PeriodTypeFinal   PeriodType = "FINAL"
)

// Status enumerates settlement period lifecycle stages.
type Status string

const (
	StatusOpen          Status = "OPEN"
	StatusInProgress    Status = "IN_PROGRESS"
	StatusPendingReview Status = "PENDING_REVIEW"
	StatusApproved      Status = "APPROVED"
	StatusClosed        Status = "CLOSED"
)

// transitions lists the legal status edges. The only backward edge is the
// reject path PENDING_REVIEW -> IN_PROGRESS.
var transitions = map[Status][]Status{
	StatusOpen:          {StatusInProgress},
	StatusInProgress:    {StatusInProgress, StatusPendingReview},
	StatusPendingReview: {StatusApproved, StatusInProgress},
	StatusApproved:      {StatusClosed},
	StatusClosed:        {},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidStatus reports whether the value is a known status.
func ValidStatus(s Status) bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusPendingReview, StatusApproved, StatusClosed:
		return true
	}
	return false
}

// Totals aggregates the calculated amounts of a period.
type Totals struct {
	MinimumRent float64 `json:"minimumRent"`
	ActualRent  float64 `json:"actualRent"`
	Revenue     float64 `json:"revenue"`
}

// Period represents one settlement cycle of a park.
type Period struct {
	ID                   int64      `json:"id"`
	Ref                  uuid.UUID  `json:"ref"`
	TenantID             int64      `json:"-"`
	ParkID               int64      `json:"parkId"`
	Year                 int        `json:"year"`
	Month                *int       `json:"month,omitempty"`
	PeriodType           PeriodType `json:"periodType"`
	Status               Status     `json:"status"`
	Totals               Totals     `json:"totals"`
	CalculatedAt         *time.Time `json:"calculatedAt,omitempty"`
	ReviewedBy           *int64     `json:"reviewedBy,omitempty"`
	ReviewedAt           *time.Time `json:"reviewedAt,omitempty"`
	ReviewNotes          string     `json:"reviewNotes,omitempty"`
	RevenueSettlementRef *uuid.UUID `json:"revenueSettlementRef,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`
}

// LeaseLine is the per-lease calculation result stored with a period. For
// advance periods only MinimumRent is populated; final periods additionally
// carry the revenue share, the advances already paid, and the signed final
// payment (positive = owed to the lessor, negative = refund).
type LeaseLine struct {
	LeaseID      int64   `json:"leaseId"`
	LessorName   string  `json:"lessorName"`
	MinimumRent  float64 `json:"minimumRent"`
	RevenueShare float64 `json:"revenueShare"`
	AdvancesPaid float64 `json:"advancesPaid"`
	FinalPayment float64 `json:"finalPayment"`
}

// CalculationResult is returned by the calculate operation.
type CalculationResult struct {
	PeriodID     int64       `json:"periodId"`
	ParkID       int64       `json:"parkId"`
	ParkName     string      `json:"parkName"`
	Year         int         `json:"year"`
	Month        *int        `json:"month,omitempty"`
	PeriodType   PeriodType  `json:"periodType"`
	CalculatedAt time.Time   `json:"calculatedAt"`
	Leases       []LeaseLine `json:"leases"`
	Totals       Totals      `json:"totals"`
}

// CreatePeriodInput captures validation rules for new periods.
type CreatePeriodInput struct {
	TenantID   int64
	ParkID     int64
	Year       int
	Month      *int
	PeriodType PeriodType
}

// Validate ensures the create period input is coherent. A month is carried
// only by advance periods.
func (in CreatePeriodInput) Validate() error {
	if in.TenantID == 0 {
		return errors.New("settlement: tenant required")
	}
	if in.ParkID == 0 {
		return errors.New("settlement: park required")
	}
	if in.Year < 2000 || in.Year > 2100 {
		return errors.New("settlement: year out of range")
	}
	switch in.PeriodType {
	case PeriodTypeAdvance:
		if in.Month == nil {
			return errors.New("settlement: advance period requires month")
		}
		if *in.Month < 1 || *in.Month > 12 {
			return errors.New("settlement: month out of range")
		}
	case PeriodTypeFinal:
		if in.Month != nil {
			return errors.New("settlement: final period must not carry month")
		}
	default:
		return fmt.Errorf("settlement: unknown period type %q", in.PeriodType)
	}
	return nil
}

// ListFilter narrows period listings.
type ListFilter struct {
	ParkID int64
	Year   int
	Status Status
	Limit  int
	Offset int
}

// Summary aggregates period counts and totals for a tenant year.
type Summary struct {
	Year        int            `json:"year"`
	ByStatus    map[Status]int `json:"byStatus"`
	MinimumRent float64        `json:"minimumRent"`
	ActualRent  float64        `json:"actualRent"`
}

// Sentinel errors of the settlement workflow.
var (
	ErrNotFound          = errors.New("settlement: period not found")
	ErrInvalidTransition = errors.New("settlement: illegal status transition")
	ErrNotCalculated     = errors.New("settlement: calculation has not been run")
	ErrNotesRequired     = errors.New("settlement: reject requires notes")
	ErrNotDeletable      = errors.New("settlement: only open periods can be deleted")
	ErrNotApproved       = errors.New("settlement: period is not approved")
)
