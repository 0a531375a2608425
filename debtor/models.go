package debtor

import "time"

// Type is the legal kind of debtor: PP for a natural person, PM for a company.
type Type string

const (
	TypeIndividual Type = "PP"
	TypeCompany    Type = "PM"
)

// Debtor mirrors the debtors table. Individual and company columns are
// mutually exclusive by Type.
type Debtor struct {
	ID   string
	Type Type

	FirstName      *string
	LastName       *string
	BirthDate      *time.Time
	NationalID     *string
	PassportNumber *string
	Employer       *string
	Occupation     *string

	CompanyName              *string
	TradeName                *string
	RegistrationNumber       *string
	TaxID                    *string
	LegalRepresentative      *string
	LegalRepresentativePhone *string

	Phone   *string
	Email   *string
	Address *string
	City    *string

	CreatedAt time.Time
}

// DisplayName is the company name or the person's full name.
func (d Debtor) DisplayName() string {
	if d.Type == TypeCompany {
		return deref(d.CompanyName)
	}
	first, last := deref(d.FirstName), deref(d.LastName)
	if first == "" {
		return last
	}
	if last == "" {
		return first
	}
	return first + " " + last
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
