package invoicing

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Invoice documents are rendered for German recipients.
var printer = message.NewPrinter(language.German)

// FormatEUR renders an amount with German digit grouping, e.g. "1.234,56 EUR".
func FormatEUR(amount float64) string {
	return printer.Sprintf("%.2f EUR", amount)
}
