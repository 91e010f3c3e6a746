// Package parks holds wind-park master data: parks, land leases, yearly
// revenue figures and fund attribution.
package parks

import (
	"errors"
	"strings"
	"time"
)

// Park represents a wind park owned by a tenant.
type Park struct {
	ID             int64      `json:"id"`
	TenantID       int64      `json:"-"`
	Name           string     `json:"name"`
	CommissionedAt *time.Time `json:"commissionedAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Lease represents a land lease under a park. Minimum rent is either derived
// from the per-turbine rent times the plot count or taken from the lease-level
// monthly minimum when no turbine rent is maintained.
type Lease struct {
	ID                  int64     `json:"id"`
	TenantID            int64     `json:"-"`
	ParkID              int64     `json:"parkId"`
	LessorName          string    `json:"lessorName"`
	TurbineRent         float64   `json:"turbineRent"`
	PlotCount           int       `json:"plotCount"`
	MonthlyMinimumRent  float64   `json:"monthlyMinimumRent"`
	RevenueSharePercent float64   `json:"revenueSharePercent"`
	Active              bool      `json:"active"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// MonthlyMinimum returns the effective monthly minimum rent for the lease.
func (l Lease) MonthlyMinimum() float64 {
	if l.TurbineRent > 0 && l.PlotCount > 0 {
		return l.TurbineRent * float64(l.PlotCount)
	}
	return l.MonthlyMinimumRent
}

// ParkRevenue captures the settled total revenue of a park for one year.
type ParkRevenue struct {
	ParkID  int64   `json:"parkId"`
	Year    int     `json:"year"`
	Revenue float64 `json:"revenue"`
}

// Fund represents an investment fund holding a stake in a park.
type Fund struct {
	ID       int64  `json:"id"`
	TenantID int64  `json:"-"`
	ParkID   int64  `json:"parkId"`
	Name     string `json:"name"`
}

// FundRevenue attributes a slice of a park's yearly revenue to a fund.
type FundRevenue struct {
	FundID   int64   `json:"fundId"`
	FundName string  `json:"fundName"`
	Year     int     `json:"year"`
	Revenue  float64 `json:"revenue"`
}

// CreateParkInput carries validated park creation data.
type CreateParkInput struct {
	TenantID       int64
	Name           string
	CommissionedAt *time.Time
}

// Validate ensures the park input is coherent.
func (in CreateParkInput) Validate() error {
	if in.TenantID == 0 {
		return errors.New("parks: tenant required")
	}
	if strings.TrimSpace(in.Name) == "" {
		return errors.New("parks: name required")
	}
	return nil
}

// CreateLeaseInput carries validated lease creation data.
type CreateLeaseInput struct {
	TenantID            int64
	ParkID              int64
	LessorName          string
	TurbineRent         float64
	PlotCount           int
	MonthlyMinimumRent  float64
	RevenueSharePercent float64
}

// Validate ensures the lease input is coherent.
func (in CreateLeaseInput) Validate() error {
	if in.TenantID == 0 {
		return errors.New("parks: tenant required")
	}
	if in.ParkID == 0 {
		return errors.New("parks: park required")
	}
	if strings.TrimSpace(in.LessorName) == "" {
		return errors.New("parks: lessor name required")
	}
	if in.TurbineRent < 0 || in.MonthlyMinimumRent < 0 {
		return errors.New("parks: rent must not be negative")
	}
	if in.TurbineRent == 0 && in.MonthlyMinimumRent == 0 {
		return errors.New("parks: either turbine rent or monthly minimum required")
	}
	if in.RevenueSharePercent < 0 || in.RevenueSharePercent > 100 {
		return errors.New("parks: revenue share percent out of range")
	}
	return nil
}

// ErrNotFound indicates the park or lease is absent for the tenant.
var ErrNotFound = errors.New("parks: not found")
