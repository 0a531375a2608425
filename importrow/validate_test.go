package importrow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validIndividual() Record {
	return Record{
		BankReference:   "BNK-001",
		OpenDate:        "2022-01-10",
		DefaultDate:     "2023-03-01",
		DebtorType:      DebtorIndividual,
		Individual:      &Individual{FirstName: "Mohamed", LastName: "Ould Ahmed", NationalID: "1234567890"},
		Phone:           "+222 22 00 00 00",
		AmountPrincipal: "150 000,50",
		AmountInterest:  "1200",
		Currency:        "MRU",
	}
}

func issueFields(issues []Issue) []string {
	out := make([]string, 0, len(issues))
	for _, i := range issues {
		out = append(out, i.Field)
	}
	return out
}

func TestValidate_CleanRecord(t *testing.T) {
	errs, warns := Validate(validIndividual())
	assert.Empty(t, errs)
	assert.Empty(t, warns)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name      string
		mutate    func(*Record)
		wantErrs  []string
		wantWarns []string
	}{
		{
			name:     "missing debtor type",
			mutate:   func(r *Record) { r.DebtorType = "" },
			wantErrs: []string{FieldDebtorType},
		},
		{
			name:     "unknown debtor type",
			mutate:   func(r *Record) { r.DebtorType = "trust" },
			wantErrs: []string{FieldDebtorType},
		},
		{
			name:     "missing bank reference",
			mutate:   func(r *Record) { r.BankReference = " " },
			wantErrs: []string{FieldBankReference},
		},
		{
			name:     "missing last name",
			mutate:   func(r *Record) { r.Individual.LastName = "" },
			wantErrs: []string{FieldLastName},
		},
		{
			name:     "principal not numeric",
			mutate:   func(r *Record) { r.AmountPrincipal = "abc" },
			wantErrs: []string{FieldAmountPrincipal},
		},
		{
			name:     "principal zero",
			mutate:   func(r *Record) { r.AmountPrincipal = "0" },
			wantErrs: []string{FieldAmountPrincipal},
		},
		{
			name:     "negative fees",
			mutate:   func(r *Record) { r.AmountFees = "-5" },
			wantErrs: []string{FieldAmountFees},
		},
		{
			name:     "bad open date",
			mutate:   func(r *Record) { r.OpenDate = "yesterday" },
			wantErrs: []string{FieldOpenDate},
		},
		{
			name:     "bad currency",
			mutate:   func(r *Record) { r.Currency = "OUGUIYA" },
			wantErrs: []string{FieldCurrency},
		},
		{
			name:      "no contact",
			mutate:    func(r *Record) { r.Phone = "" },
			wantWarns: []string{FieldPhone},
		},
		{
			name:      "malformed email",
			mutate:    func(r *Record) { r.Email = "not-an-email" },
			wantWarns: []string{FieldEmail},
		},
		{
			name:      "default before open",
			mutate:    func(r *Record) { r.DefaultDate = "2021-01-01" },
			wantWarns: []string{FieldDefaultDate},
		},
		{
			name:      "missing currency",
			mutate:    func(r *Record) { r.Currency = "" },
			wantWarns: []string{FieldCurrency},
		},
		{
			name:      "unknown priority",
			mutate:    func(r *Record) { r.Priority = "asap" },
			wantWarns: []string{FieldPriority},
		},
		{
			name:      "no identity",
			mutate:    func(r *Record) { r.Individual.NationalID = "" },
			wantWarns: []string{FieldNationalID},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := validIndividual()
			tc.mutate(&rec)
			errs, warns := Validate(rec)
			assert.Equal(t, tc.wantErrs, nilIfEmpty(issueFields(errs)))
			assert.Equal(t, tc.wantWarns, nilIfEmpty(issueFields(warns)))
		})
	}
}

func nilIfEmpty(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	return s
}

func TestValidate_CompanyRequiresName(t *testing.T) {
	rec := Record{
		BankReference:   "BNK-9",
		OpenDate:        "2023-01-01",
		DebtorType:      DebtorCompany,
		Company:         &Company{RegistrationNumber: "RC-1"},
		Email:           "finance@example.mr",
		AmountPrincipal: "10",
		Currency:        "MRU",
	}
	errs, _ := Validate(rec)
	assert.Equal(t, []string{FieldCompanyName}, issueFields(errs))
}

func TestDeriveStatus(t *testing.T) {
	e := []Issue{{Field: "a", Message: "x"}}
	assert.Equal(t, StatusOK, DeriveStatus(nil, nil))
	assert.Equal(t, StatusWarnings, DeriveStatus(nil, e))
	assert.Equal(t, StatusErrors, DeriveStatus(e, nil))
	assert.Equal(t, StatusErrors, DeriveStatus(e, e))
}

func TestParseAmount(t *testing.T) {
	for in, want := range map[string]string{
		"1500":          "1500",
		"1 500,25":      "1500.25",
		"1,500.25":      "1500.25",
		"1.234,56":      "1234.56",
		"1.234.567,8":   "1234567.8",
		"1,234,567.89":  "1234567.89",
		"1.234.567":     "1234567",
		"12,5":          "12.5",
		"0,125":         "0.125",
		"-1.250,50":     "-1250.5",
		" 900\t":       "900",
		"1\u00a0234,56": "1234.56",
	} {
		d, err := ParseAmount(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, d.String(), in)
	}

	for _, in := range []string{"1,234", "1.234", "25,000"} {
		_, err := ParseAmount(in)
		assert.ErrorIs(t, err, ErrAmbiguousAmount, in)
	}
	for _, in := range []string{"12abc", "12,34.5", "1.2.3,4", "1,2,3"} {
		_, err := ParseAmount(in)
		assert.Error(t, err, in)
	}
}

func TestValidate_AmbiguousAmountBlocksRow(t *testing.T) {
	rec := validIndividual()
	rec.AmountPrincipal = "1,234"

	errs, _ := Validator{}.Validate(rec)
	require.Len(t, errs, 1)
	assert.Equal(t, FieldAmountPrincipal, errs[0].Field)
	assert.Contains(t, errs[0].Message, "ambiguous")

	_, err := Validator{}.Coerce(rec)
	assert.ErrorIs(t, err, ErrAmbiguousAmount)
}

func TestCoerce_DefaultsCurrencyAndZeroes(t *testing.T) {
	rec := validIndividual()
	rec.Currency = ""
	rec.AmountInterest = ""
	rec.AmountFees = "100"

	amounts, err := Validator{DefaultCurrency: "EUR"}.Coerce(rec)
	require.NoError(t, err)
	assert.Equal(t, "EUR", amounts.Currency)
	assert.True(t, amounts.Interest.IsZero())
	assert.Equal(t, "150100.5", amounts.Total().String())
	assert.Nil(t, amounts.Guarantee)
}
