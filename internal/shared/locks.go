package shared

import "fmt"

// RecurringRunLockKey guards the cron-driven recurring invoice run so that
// overlapping worker instances never generate twice.
const RecurringRunLockKey = "invoicing:recurring-run:lock"

// SettlementLockKey builds redis keys for settlement-period critical sections.
func SettlementLockKey(periodID int64) string {
	return fmt.Sprintf("settlement:period:%d:lock", periodID)
}
