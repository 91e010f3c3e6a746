package shared

// Permission names used by route guards.
const (
	PermSettlementView   = "settlement.view"
	PermSettlementEdit   = "settlement.edit"
	PermSettlementReview = "settlement.review"

	PermInvoicingView = "invoicing.view"
	PermInvoicingEdit = "invoicing.edit"

	PermBillingView = "billing.view"
	PermBillingEdit = "billing.edit"

	PermParksView = "parks.view"
	PermParksEdit = "parks.edit"
)
