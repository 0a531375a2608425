package casefile

import (
	"time"

	"github.com/shopspring/decimal"
)

// Case mirrors the cases table: one debt owed by a debtor to a bank.
type Case struct {
	ID            string
	BankID        string
	DebtorID      string
	BankReference string
	ContractRef   *string
	ProductType   *string
	OpenDate      *time.Time
	DefaultDate   *time.Time

	AmountPrincipal decimal.Decimal
	AmountInterest  decimal.Decimal
	AmountPenalties decimal.Decimal
	AmountFees      decimal.Decimal
	TotalAmount     decimal.Decimal
	Currency        string

	GuaranteeType  *string
	GuaranteeValue *decimal.Decimal
	Priority       string
	TreatmentType  *string
	Status         string
	Notes          *string
	CreatedAt      time.Time
}

const StatusOpen = "open"
