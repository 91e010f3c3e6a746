// Package invoicing manages recurring invoice schedules and the invoices
// generated from them.
package invoicing

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Frequency enumerates recurring invoice intervals.
type Frequency string

const (
	FrequencyMonthly    Frequency = "MONTHLY"
	FrequencyQuarterly  Frequency = "QUARTERLY"
	FrequencySemiAnnual Frequency = "SEMI_ANNUAL"
	FrequencyAnnual     Frequency = "ANNUAL"
)

// Months returns the interval length in months.
func (f Frequency) Months() int {
	switch f {
	case FrequencyMonthly:
		return 1
	case FrequencyQuarterly:
		return 3
	case FrequencySemiAnnual:
		return 6
	case FrequencyAnnual:
		return 12
	}
	return 0
}

// Valid reports whether the frequency is a known interval.
func (f Frequency) Valid() bool {
	return f.Months() > 0
}

// Position is one line item of a recurring invoice.
type Position struct {
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   float64 `json:"unitPrice"`
	TaxType     string  `json:"taxType"`
}

// Net returns the net amount of the position.
func (p Position) Net() float64 {
	return p.Quantity * p.UnitPrice
}

// RecurringInvoice is a schedule template producing invoices at a fixed
// interval. Disabled schedules are retained for history.
type RecurringInvoice struct {
	ID               int64      `json:"id"`
	TenantID         int64      `json:"-"`
	Name             string     `json:"name"`
	RecipientName    string     `json:"recipientName"`
	RecipientAddress string     `json:"recipientAddress,omitempty"`
	InvoiceType      string     `json:"invoiceType"`
	Positions        []Position `json:"positions"`
	Frequency        Frequency  `json:"frequency"`
	DayOfMonth       *int       `json:"dayOfMonth,omitempty"`
	StartDate        time.Time  `json:"startDate"`
	EndDate          *time.Time `json:"endDate,omitempty"`
	NextRunAt        time.Time  `json:"nextRunAt"`
	LastRunAt        *time.Time `json:"lastRunAt,omitempty"`
	Enabled          bool       `json:"enabled"`
	GenerationCount  int        `json:"generationCount"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// NetTotal sums the net amounts of all positions.
func (r RecurringInvoice) NetTotal() float64 {
	var total float64
	for _, p := range r.Positions {
		total += p.Net()
	}
	return total
}

// Invoice is one generated document.
type Invoice struct {
	ID             int64     `json:"id"`
	TenantID       int64     `json:"-"`
	Number         string    `json:"number"`
	Source         string    `json:"source"`
	RecipientName  string    `json:"recipientName"`
	IssueDate      time.Time `json:"issueDate"`
	NetTotal       float64   `json:"netTotal"`
	TaxTotal       float64   `json:"taxTotal"`
	GrossTotal     float64   `json:"grossTotal"`
	FormattedTotal string    `json:"formattedTotal"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Invoice sources.
const (
	SourceRecurring  = "recurring"
	SourceSettlement = "settlement"
)

// CreateInput captures a new recurring invoice.
type CreateInput struct {
	TenantID         int64
	Name             string
	RecipientName    string
	RecipientAddress string
	InvoiceType      string
	Positions        []Position
	Frequency        Frequency
	DayOfMonth       *int
	StartDate        time.Time
	EndDate          *time.Time
}

// Validate checks schedule coherence.
func (in CreateInput) Validate() error {
	if in.TenantID == 0 {
		return errors.New("invoicing: tenant required")
	}
	if strings.TrimSpace(in.Name) == "" {
		return errors.New("invoicing: name required")
	}
	if strings.TrimSpace(in.RecipientName) == "" {
		return errors.New("invoicing: recipient required")
	}
	if len(in.Positions) == 0 {
		return errors.New("invoicing: at least one position required")
	}
	for i, p := range in.Positions {
		if strings.TrimSpace(p.Description) == "" {
			return fmt.Errorf("invoicing: position %d missing description", i+1)
		}
		if p.Quantity <= 0 {
			return fmt.Errorf("invoicing: position %d quantity must be positive", i+1)
		}
		if p.UnitPrice < 0 {
			return fmt.Errorf("invoicing: position %d unit price must not be negative", i+1)
		}
	}
	if !in.Frequency.Valid() {
		return fmt.Errorf("invoicing: unknown frequency %q", in.Frequency)
	}
	if in.DayOfMonth != nil && (*in.DayOfMonth < 1 || *in.DayOfMonth > 28) {
		return errors.New("invoicing: day of month must be between 1 and 28")
	}
	if in.StartDate.IsZero() {
		return errors.New("invoicing: start date required")
	}
	if in.EndDate != nil && !in.EndDate.After(in.StartDate) {
		return errors.New("invoicing: end date must be after start date")
	}
	return nil
}

// UpdateInput carries a partial update. Nil fields stay untouched.
type UpdateInput struct {
	Name             *string
	RecipientName    *string
	RecipientAddress *string
	InvoiceType      *string
	Positions        []Position
	Frequency        *Frequency
	DayOfMonth       *int
	ClearDayOfMonth  bool
	StartDate        *time.Time
	EndDate          *time.Time
	ClearEndDate     bool
	Enabled          *bool
}

// Sentinel errors of the invoicing package.
var (
	ErrNotFound = errors.New("invoicing: not found")
	ErrDisabled = errors.New("invoicing: recurring invoice is disabled")
)
