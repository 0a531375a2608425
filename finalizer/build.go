package finalizer

import (
	"fmt"
	"strings"
	"time"

	"recoveryflow/casefile"
	"recoveryflow/debtor"
	"recoveryflow/importrow"
)

// BuildDebtor maps the debtor half of a proposed record to a PP or PM debtor.
func BuildDebtor(rec importrow.Record) (debtor.Debtor, error) {
	d := debtor.Debtor{
		Phone:   optional(rec.Phone),
		Email:   optional(strings.ToLower(rec.Email)),
		Address: optional(rec.Address),
		City:    optional(rec.City),
	}
	switch rec.DebtorType {
	case importrow.DebtorIndividual:
		ind := rec.Individual
		if ind == nil {
			return debtor.Debtor{}, fmt.Errorf("individual fields missing")
		}
		d.Type = debtor.TypeIndividual
		d.FirstName = optional(ind.FirstName)
		d.LastName = optional(ind.LastName)
		d.NationalID = optional(ind.NationalID)
		d.PassportNumber = optional(ind.PassportNumber)
		d.Employer = optional(ind.Employer)
		d.Occupation = optional(ind.Occupation)
		birth, err := optionalDate(ind.BirthDate)
		if err != nil {
			return debtor.Debtor{}, fmt.Errorf("birth_date: %w", err)
		}
		d.BirthDate = birth
	case importrow.DebtorCompany:
		co := rec.Company
		if co == nil {
			return debtor.Debtor{}, fmt.Errorf("company fields missing")
		}
		d.Type = debtor.TypeCompany
		d.CompanyName = optional(co.CompanyName)
		d.TradeName = optional(co.TradeName)
		d.RegistrationNumber = optional(co.RegistrationNumber)
		d.TaxID = optional(co.TaxID)
		d.LegalRepresentative = optional(co.LegalRepresentative)
		d.LegalRepresentativePhone = optional(co.LegalRepresentativePhone)
	default:
		return debtor.Debtor{}, fmt.Errorf("invalid debtor type %q", rec.DebtorType)
	}
	return d, nil
}

// BuildCase maps the case half of a proposed record. Amounts come already
// coerced.
func BuildCase(bankID, debtorID string, rec importrow.Record, amounts importrow.Amounts) (casefile.Case, error) {
	open, err := optionalDate(rec.OpenDate)
	if err != nil {
		return casefile.Case{}, fmt.Errorf("open_date: %w", err)
	}
	deflt, err := optionalDate(rec.DefaultDate)
	if err != nil {
		return casefile.Case{}, fmt.Errorf("default_date: %w", err)
	}
	return casefile.Case{
		BankID:          bankID,
		DebtorID:        debtorID,
		BankReference:   strings.TrimSpace(rec.BankReference),
		ContractRef:     optional(rec.ContractRef),
		ProductType:     optional(rec.ProductType),
		OpenDate:        open,
		DefaultDate:     deflt,
		AmountPrincipal: amounts.Principal,
		AmountInterest:  amounts.Interest,
		AmountPenalties: amounts.Penalties,
		AmountFees:      amounts.Fees,
		Currency:        amounts.Currency,
		GuaranteeType:   optional(rec.GuaranteeType),
		GuaranteeValue:  amounts.Guarantee,
		Priority:        importrow.NormalizedPriority(rec.Priority),
		TreatmentType:   optional(rec.TreatmentType),
		Status:          casefile.StatusOpen,
		Notes:           optional(rec.Notes),
	}, nil
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func optionalDate(s string) (*time.Time, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	t, err := importrow.ParseDate(s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
