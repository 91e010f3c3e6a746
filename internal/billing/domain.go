// Package billing implements management fees for park stakeholders: fee
// percentage history and calculated billing snapshots.
package billing

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Role enumerates stakeholder roles entitled to management fees.
type Role string

const (
	RoleDeveloper    Role = "DEVELOPER"
	RoleGridOperator Role = "GRID_OPERATOR"
	RoleTechnicalBF  Role = "TECHNICAL_BF"
	RoleCommercialBF Role = "COMMERCIAL_BF"
	RoleOperator     Role = "OPERATOR"
)

// Valid reports whether the role is known.
func (r Role) Valid() bool {
	switch r {
	case RoleDeveloper, RoleGridOperator, RoleTechnicalBF, RoleCommercialBF, RoleOperator:
		return true
	}
	return false
}

// IsBF reports whether the role is a Betriebsführung role. BF stakeholders
// with billing enabled must carry a positive fee percentage.
func (r Role) IsBF() bool {
	return r == RoleTechnicalBF || r == RoleCommercialBF
}

// Stakeholder is an external party entitled to a percentage-based management
// fee on park revenue.
type Stakeholder struct {
	ID             int64      `json:"id"`
	TenantID       int64      `json:"-"`
	ParkID         int64      `json:"parkId"`
	Name           string     `json:"name"`
	Role           Role       `json:"role"`
	FeePercent     float64    `json:"feePercent"`
	BillingEnabled bool       `json:"billingEnabled"`
	ValidFrom      time.Time  `json:"validFrom"`
	ValidUntil     *time.Time `json:"validUntil,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// FeeHistoryEntry is one row of the append-only fee percentage ledger. The
// open entry of a stakeholder has no ValidUntil.
type FeeHistoryEntry struct {
	ID            int64      `json:"id"`
	StakeholderID int64      `json:"stakeholderId"`
	FeePercent    float64    `json:"feePercent"`
	ValidFrom     time.Time  `json:"validFrom"`
	ValidUntil    *time.Time `json:"validUntil,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	ChangedBy     int64      `json:"changedBy"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// FundFee is the per-fund slice of a billing's net fee.
type FundFee struct {
	FundID    int64   `json:"fundId"`
	FundName  string  `json:"fundName"`
	Revenue   float64 `json:"revenue"`
	Share     float64 `json:"share"`
	FeeAmount float64 `json:"feeAmount"`
}

// ManagementBilling is one calculated fee snapshot per stakeholder and
// period. FeePercentUsed is frozen at calculation time.
type ManagementBilling struct {
	ID             int64     `json:"id"`
	TenantID       int64     `json:"-"`
	StakeholderID  int64     `json:"stakeholderId"`
	Year           int       `json:"year"`
	Month          *int      `json:"month,omitempty"`
	BaseRevenue    float64   `json:"baseRevenue"`
	FeePercentUsed float64   `json:"feePercentUsed"`
	FeeNet         float64   `json:"feeNet"`
	TaxRate        float64   `json:"taxRate"`
	TaxAmount      float64   `json:"taxAmount"`
	FeeGross       float64   `json:"feeGross"`
	Breakdown      []FundFee `json:"breakdown,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// CreateStakeholderInput captures a new stakeholder.
type CreateStakeholderInput struct {
	TenantID       int64
	ParkID         int64
	Name           string
	Role           Role
	FeePercent     float64
	BillingEnabled bool
	ValidFrom      time.Time
}

// Validate checks role and fee coherence.
func (in CreateStakeholderInput) Validate() error {
	if in.TenantID == 0 {
		return errors.New("billing: tenant required")
	}
	if in.ParkID == 0 {
		return errors.New("billing: park required")
	}
	if strings.TrimSpace(in.Name) == "" {
		return errors.New("billing: name required")
	}
	if !in.Role.Valid() {
		return fmt.Errorf("billing: unknown role %q", in.Role)
	}
	if in.FeePercent < 0 || in.FeePercent > 100 {
		return errors.New("billing: fee percent out of range")
	}
	if in.Role.IsBF() && in.BillingEnabled && in.FeePercent <= 0 {
		return ErrFeeRequired
	}
	return nil
}

// Sentinel errors of the billing package.
var (
	ErrNotFound        = errors.New("billing: not found")
	ErrDuplicate       = errors.New("billing: billing already calculated for period")
	ErrFeeRequired     = errors.New("billing: BF role with billing enabled requires positive fee percent")
	ErrBillingDisabled = errors.New("billing: stakeholder has billing disabled")
	ErrInvalidPercent  = errors.New("billing: fee percent must be in (0, 100]")
)
