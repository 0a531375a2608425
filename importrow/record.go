package importrow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrUnknownField is returned for a field name outside the record schema.
	ErrUnknownField = errors.New("importrow: unknown field")
	// ErrVariantMismatch is returned when a field belongs to the other debtor variant.
	ErrVariantMismatch = errors.New("importrow: field does not belong to debtor type")
)

// DebtorType discriminates the proposed record.
type DebtorType string

const (
	DebtorIndividual DebtorType = "individual"
	DebtorCompany    DebtorType = "company"
)

// Valid reports whether t is a known debtor type.
func (t DebtorType) Valid() bool {
	return t == DebtorIndividual || t == DebtorCompany
}

// ParseDebtorType accepts the canonical names and the PP/PM codes used on
// bank spreadsheets.
func ParseDebtorType(s string) DebtorType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "individual", "pp", "person", "personne physique":
		return DebtorIndividual
	case "company", "pm", "entreprise", "personne morale":
		return DebtorCompany
	default:
		return DebtorType(strings.TrimSpace(s))
	}
}

// Individual holds the PP debtor fields.
type Individual struct {
	FirstName      string
	LastName       string
	NationalID     string
	PassportNumber string
	BirthDate      string
	Employer       string
	Occupation     string
}

// Company holds the PM debtor fields.
type Company struct {
	CompanyName              string
	TradeName                string
	RegistrationNumber       string
	TaxID                    string
	LegalRepresentative      string
	LegalRepresentativePhone string
}

// Record is the proposed Debtor+Case built from one spreadsheet line. Values
// stay textual until finalize coerces them.
//
// When DebtorType is valid exactly one of Individual and Company is set. While
// the tag is missing or unknown both may carry data so the reviewer can pick
// the type without losing input.
type Record struct {
	BankReference string
	ContractRef   string
	ProductType   string
	OpenDate      string
	DefaultDate   string

	DebtorType DebtorType
	Individual *Individual
	Company    *Company

	Phone   string
	Email   string
	Address string
	City    string

	AmountPrincipal string
	AmountInterest  string
	AmountPenalties string
	AmountFees      string
	Currency        string

	GuaranteeType  string
	GuaranteeValue string
	Priority       string
	TreatmentType  string
	Notes          string
}

// Field names as stored in proposed_record and accepted by EditField.
const (
	FieldDebtorType = "debtor_type"

	FieldBankReference = "bank_reference"
	FieldContractRef   = "contract_ref"
	FieldProductType   = "product_type"
	FieldOpenDate      = "open_date"
	FieldDefaultDate   = "default_date"

	FieldFirstName      = "first_name"
	FieldLastName       = "last_name"
	FieldNationalID     = "national_id"
	FieldPassportNumber = "passport_number"
	FieldBirthDate      = "birth_date"
	FieldEmployer       = "employer"
	FieldOccupation     = "occupation"

	FieldCompanyName              = "company_name"
	FieldTradeName                = "trade_name"
	FieldRegistrationNumber       = "registration_number"
	FieldTaxID                    = "tax_id"
	FieldLegalRepresentative      = "legal_representative"
	FieldLegalRepresentativePhone = "legal_representative_phone"

	FieldPhone   = "phone"
	FieldEmail   = "email"
	FieldAddress = "address"
	FieldCity    = "city"

	FieldAmountPrincipal = "amount_principal"
	FieldAmountInterest  = "amount_interest"
	FieldAmountPenalties = "amount_penalties"
	FieldAmountFees      = "amount_fees"
	FieldCurrency        = "currency"

	FieldGuaranteeType  = "guarantee_type"
	FieldGuaranteeValue = "guarantee_value"
	FieldPriority       = "priority"
	FieldTreatmentType  = "treatment_type"
	FieldNotes          = "notes"
)

type fieldSpec struct {
	variant DebtorType
	ref     func(*Record) *string
}

func individual(r *Record) *Individual {
	if r.Individual == nil {
		r.Individual = &Individual{}
	}
	return r.Individual
}

func company(r *Record) *Company {
	if r.Company == nil {
		r.Company = &Company{}
	}
	return r.Company
}

var schema = map[string]fieldSpec{
	FieldBankReference: {ref: func(r *Record) *string { return &r.BankReference }},
	FieldContractRef:   {ref: func(r *Record) *string { return &r.ContractRef }},
	FieldProductType:   {ref: func(r *Record) *string { return &r.ProductType }},
	FieldOpenDate:      {ref: func(r *Record) *string { return &r.OpenDate }},
	FieldDefaultDate:   {ref: func(r *Record) *string { return &r.DefaultDate }},

	FieldFirstName:      {variant: DebtorIndividual, ref: func(r *Record) *string { return &individual(r).FirstName }},
	FieldLastName:       {variant: DebtorIndividual, ref: func(r *Record) *string { return &individual(r).LastName }},
	FieldNationalID:     {variant: DebtorIndividual, ref: func(r *Record) *string { return &individual(r).NationalID }},
	FieldPassportNumber: {variant: DebtorIndividual, ref: func(r *Record) *string { return &individual(r).PassportNumber }},
	FieldBirthDate:      {variant: DebtorIndividual, ref: func(r *Record) *string { return &individual(r).BirthDate }},
	FieldEmployer:       {variant: DebtorIndividual, ref: func(r *Record) *string { return &individual(r).Employer }},
	FieldOccupation:     {variant: DebtorIndividual, ref: func(r *Record) *string { return &individual(r).Occupation }},

	FieldCompanyName:              {variant: DebtorCompany, ref: func(r *Record) *string { return &company(r).CompanyName }},
	FieldTradeName:                {variant: DebtorCompany, ref: func(r *Record) *string { return &company(r).TradeName }},
	FieldRegistrationNumber:       {variant: DebtorCompany, ref: func(r *Record) *string { return &company(r).RegistrationNumber }},
	FieldTaxID:                    {variant: DebtorCompany, ref: func(r *Record) *string { return &company(r).TaxID }},
	FieldLegalRepresentative:      {variant: DebtorCompany, ref: func(r *Record) *string { return &company(r).LegalRepresentative }},
	FieldLegalRepresentativePhone: {variant: DebtorCompany, ref: func(r *Record) *string { return &company(r).LegalRepresentativePhone }},

	FieldPhone:   {ref: func(r *Record) *string { return &r.Phone }},
	FieldEmail:   {ref: func(r *Record) *string { return &r.Email }},
	FieldAddress: {ref: func(r *Record) *string { return &r.Address }},
	FieldCity:    {ref: func(r *Record) *string { return &r.City }},

	FieldAmountPrincipal: {ref: func(r *Record) *string { return &r.AmountPrincipal }},
	FieldAmountInterest:  {ref: func(r *Record) *string { return &r.AmountInterest }},
	FieldAmountPenalties: {ref: func(r *Record) *string { return &r.AmountPenalties }},
	FieldAmountFees:      {ref: func(r *Record) *string { return &r.AmountFees }},
	FieldCurrency:        {ref: func(r *Record) *string { return &r.Currency }},

	FieldGuaranteeType:  {ref: func(r *Record) *string { return &r.GuaranteeType }},
	FieldGuaranteeValue: {ref: func(r *Record) *string { return &r.GuaranteeValue }},
	FieldPriority:       {ref: func(r *Record) *string { return &r.Priority }},
	FieldTreatmentType:  {ref: func(r *Record) *string { return &r.TreatmentType }},
	FieldNotes:          {ref: func(r *Record) *string { return &r.Notes }},
}

// Fields returns every field name of the schema, debtor_type first.
func Fields() []string {
	names := make([]string, 0, len(schema)+1)
	for name := range schema {
		names = append(names, name)
	}
	sort.Strings(names)
	return append([]string{FieldDebtorType}, names...)
}

// IsField reports whether name is part of the record schema.
func IsField(name string) bool {
	if name == FieldDebtorType {
		return true
	}
	_, ok := schema[name]
	return ok
}

// FieldVariant returns the debtor type a field is restricted to, or "" for
// shared fields.
func FieldVariant(name string) DebtorType {
	return schema[name].variant
}

// Get returns the value of a field, "" when unset or unknown.
func (r Record) Get(name string) string {
	if name == FieldDebtorType {
		return string(r.DebtorType)
	}
	spec, ok := schema[name]
	if !ok {
		return ""
	}
	if spec.variant == DebtorIndividual && r.Individual == nil {
		return ""
	}
	if spec.variant == DebtorCompany && r.Company == nil {
		return ""
	}
	return *spec.ref(&r)
}

// Set assigns one field. Setting debtor_type to a valid type discards the
// other variant's data. Fields of the other variant are rejected while the
// type is valid.
func (r *Record) Set(name, value string) error {
	value = strings.TrimSpace(value)
	if name == FieldDebtorType {
		r.DebtorType = ParseDebtorType(value)
		switch r.DebtorType {
		case DebtorIndividual:
			r.Company = nil
			individual(r)
		case DebtorCompany:
			r.Individual = nil
			company(r)
		}
		return nil
	}
	spec, ok := schema[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownField, name)
	}
	if spec.variant != "" && r.DebtorType.Valid() && spec.variant != r.DebtorType {
		return fmt.Errorf("%w: %s is a %s field", ErrVariantMismatch, name, spec.variant)
	}
	*spec.ref(r) = value
	return nil
}

// ToMap flattens the record into its stored form, omitting empty values.
func (r Record) ToMap() map[string]string {
	out := make(map[string]string, len(schema)+1)
	if r.DebtorType != "" {
		out[FieldDebtorType] = string(r.DebtorType)
	}
	for name := range schema {
		if v := r.Get(name); v != "" {
			out[name] = v
		}
	}
	return out
}

// DecodeRecord validates raw against the schema. Unknown fields and non-empty
// fields of the other variant are rejected.
func DecodeRecord(raw map[string]string) (Record, error) {
	var rec Record
	if err := rec.Set(FieldDebtorType, raw[FieldDebtorType]); err != nil {
		return Record{}, err
	}
	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if name == FieldDebtorType {
			continue
		}
		value := raw[name]
		spec, ok := schema[name]
		if ok && spec.variant != "" && strings.TrimSpace(value) == "" {
			continue
		}
		if err := rec.Set(name, value); err != nil {
			return Record{}, err
		}
	}
	return rec, nil
}

// FromSheet builds a record from spreadsheet cells keyed by field name. Unlike
// DecodeRecord it never fails: values belonging to the other variant are
// dropped and reported as warnings.
func FromSheet(cells map[string]string) (Record, []Issue) {
	var (
		rec    Record
		issues []Issue
	)
	_ = rec.Set(FieldDebtorType, cells[FieldDebtorType])
	names := make([]string, 0, len(cells))
	for name := range cells {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if name == FieldDebtorType || strings.TrimSpace(cells[name]) == "" {
			continue
		}
		if err := rec.Set(name, cells[name]); err != nil {
			issues = append(issues, Issue{
				Field:   name,
				Message: fmt.Sprintf("ignored: not used for %s debtors", rec.DebtorType),
			})
		}
	}
	return rec, issues
}

func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.ToMap())
}

func (r *Record) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("importrow: decode record: %w", err)
	}
	values := make(map[string]string, len(raw))
	for k, v := range raw {
		switch tv := v.(type) {
		case nil:
		case string:
			values[k] = tv
		case json.Number:
			values[k] = tv.String()
		case bool:
			values[k] = fmt.Sprint(tv)
		default:
			return fmt.Errorf("importrow: field %q: unsupported value type %T", k, v)
		}
	}
	rec, err := DecodeRecord(values)
	if err != nil {
		return err
	}
	*r = rec
	return nil
}

// DebtorName is the display name of the proposed debtor.
func (r Record) DebtorName() string {
	switch {
	case r.DebtorType == DebtorCompany && r.Company != nil:
		return r.Company.CompanyName
	case r.Individual != nil:
		return strings.TrimSpace(r.Individual.FirstName + " " + r.Individual.LastName)
	case r.Company != nil:
		return r.Company.CompanyName
	}
	return ""
}
