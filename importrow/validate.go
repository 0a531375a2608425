package importrow

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	DefaultCurrency = "MRU"
	DefaultPriority = "normal"
)

var priorities = map[string]bool{"low": true, "normal": true, "high": true, "urgent": true}

var dateLayouts = []string{
	"2006-01-02",
	"02/01/2006",
	"2/1/2006",
	"02-01-2006",
	"2006/01/02",
	"2006-01-02 15:04:05",
	time.RFC3339,
}

// Validator checks a proposed record. The zero value uses DefaultCurrency.
type Validator struct {
	DefaultCurrency string
}

func (v Validator) currency() string {
	if v.DefaultCurrency == "" {
		return DefaultCurrency
	}
	return v.DefaultCurrency
}

// Validate returns blocking errors and non-blocking warnings in a stable
// order. It is pure.
func (v Validator) Validate(rec Record) (errs, warns []Issue) {
	addErr := func(field, msg string) { errs = append(errs, Issue{Field: field, Message: msg}) }
	addWarn := func(field, msg string) { warns = append(warns, Issue{Field: field, Message: msg}) }

	if strings.TrimSpace(rec.BankReference) == "" {
		addErr(FieldBankReference, "bank reference is required")
	}

	open, openOK := checkDate(rec.OpenDate, FieldOpenDate, addErr)
	if strings.TrimSpace(rec.OpenDate) == "" {
		addWarn(FieldOpenDate, "open date is missing")
	}
	deflt, defaultOK := checkDate(rec.DefaultDate, FieldDefaultDate, addErr)
	if openOK && defaultOK && deflt.Before(open) {
		addWarn(FieldDefaultDate, "default date is before open date")
	}

	switch rec.DebtorType {
	case DebtorIndividual:
		ind := rec.Individual
		if ind == nil {
			ind = &Individual{}
		}
		if strings.TrimSpace(ind.LastName) == "" {
			addErr(FieldLastName, "last name is required")
		}
		if strings.TrimSpace(ind.NationalID) == "" && strings.TrimSpace(ind.PassportNumber) == "" {
			addWarn(FieldNationalID, "no national id or passport number")
		}
		checkDate(ind.BirthDate, FieldBirthDate, addErr)
	case DebtorCompany:
		co := rec.Company
		if co == nil {
			co = &Company{}
		}
		if strings.TrimSpace(co.CompanyName) == "" {
			addErr(FieldCompanyName, "company name is required")
		}
		if strings.TrimSpace(co.RegistrationNumber) == "" && strings.TrimSpace(co.TaxID) == "" {
			addWarn(FieldRegistrationNumber, "no registration number or tax id")
		}
	case "":
		addErr(FieldDebtorType, "debtor type is required")
	default:
		addErr(FieldDebtorType, fmt.Sprintf("unknown debtor type %q", rec.DebtorType))
	}

	if strings.TrimSpace(rec.Phone) == "" && strings.TrimSpace(rec.Email) == "" {
		addWarn(FieldPhone, "no phone or email")
	}
	if email := strings.TrimSpace(rec.Email); email != "" {
		if _, err := mail.ParseAddress(email); err != nil {
			addWarn(FieldEmail, "email looks malformed")
		}
	}

	if strings.TrimSpace(rec.AmountPrincipal) == "" {
		addErr(FieldAmountPrincipal, "principal amount is required")
	} else if d, err := ParseAmount(rec.AmountPrincipal); err != nil {
		addErr(FieldAmountPrincipal, amountMessage(err, "principal amount is not a number"))
	} else if !d.IsPositive() {
		addErr(FieldAmountPrincipal, "principal amount must be positive")
	}
	for _, f := range []struct{ name, value string }{
		{FieldAmountInterest, rec.AmountInterest},
		{FieldAmountPenalties, rec.AmountPenalties},
		{FieldAmountFees, rec.AmountFees},
		{FieldGuaranteeValue, rec.GuaranteeValue},
	} {
		if strings.TrimSpace(f.value) == "" {
			continue
		}
		d, err := ParseAmount(f.value)
		if err != nil {
			addErr(f.name, amountMessage(err, "amount is not a number"))
		} else if d.IsNegative() {
			addErr(f.name, "amount must not be negative")
		}
	}

	if cur := strings.TrimSpace(rec.Currency); cur == "" {
		addWarn(FieldCurrency, fmt.Sprintf("currency missing, %s will be used", v.currency()))
	} else if !validCurrency(cur) {
		addErr(FieldCurrency, fmt.Sprintf("invalid currency code %q", cur))
	}

	if p := strings.ToLower(strings.TrimSpace(rec.Priority)); p != "" && !priorities[p] {
		addWarn(FieldPriority, fmt.Sprintf("unknown priority %q, %s will be used", rec.Priority, DefaultPriority))
	}

	return errs, warns
}

// Validate checks rec with the default validator.
func Validate(rec Record) (errs, warns []Issue) {
	return Validator{}.Validate(rec)
}

func checkDate(value, field string, addErr func(field, msg string)) (time.Time, bool) {
	if strings.TrimSpace(value) == "" {
		return time.Time{}, false
	}
	t, err := ParseDate(value)
	if err != nil {
		addErr(field, fmt.Sprintf("invalid date %q", value))
		return time.Time{}, false
	}
	return t, true
}

// ParseDate accepts ISO and day-first dates.
func ParseDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("importrow: unparseable date %q", value)
}

// ErrAmbiguousAmount is returned for a single separator followed by exactly
// three digits, such as "1,234", which reads either as a decimal or as a
// thousands separator.
var ErrAmbiguousAmount = errors.New("importrow: ambiguous amount separator")

// ParseAmount reads a spreadsheet amount. Spaces are thousands separators.
// When both "," and "." appear the last one is the decimal separator and the
// other must group the integer part by three. A separator repeated alone
// groups thousands; used once it is the decimal separator.
func ParseAmount(value string) (decimal.Decimal, error) {
	s := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\u00a0', '\u202f', '\t':
			return -1
		}
		return r
	}, value)
	if s == "" {
		return decimal.Zero, fmt.Errorf("importrow: empty amount")
	}

	var decSep, groupSep string
	comma, dot := strings.LastIndex(s, ","), strings.LastIndex(s, ".")
	switch {
	case comma >= 0 && dot >= 0:
		decSep, groupSep = ".", ","
		if comma > dot {
			decSep, groupSep = ",", "."
		}
		if strings.Count(s, decSep) > 1 {
			return decimal.Zero, fmt.Errorf("importrow: malformed amount %q", value)
		}
	case comma >= 0 || dot >= 0:
		sep, idx := ",", comma
		if dot >= 0 {
			sep, idx = ".", dot
		}
		switch {
		case strings.Count(s, sep) > 1:
			groupSep = sep
		case len(s)-idx-1 == 3 && !zeroInteger(s[:idx]):
			return decimal.Zero, fmt.Errorf("%w: %q", ErrAmbiguousAmount, value)
		default:
			decSep = sep
		}
	}

	intPart, frac := s, ""
	if decSep != "" {
		i := strings.LastIndex(s, decSep)
		intPart, frac = s[:i], s[i+1:]
	}
	if groupSep != "" && strings.Contains(intPart, groupSep) {
		if !groupedByThree(intPart, groupSep) {
			return decimal.Zero, fmt.Errorf("importrow: malformed amount %q", value)
		}
		intPart = strings.ReplaceAll(intPart, groupSep, "")
	}
	if frac != "" {
		intPart += "." + frac
	}
	return decimal.NewFromString(intPart)
}

func zeroInteger(s string) bool {
	return strings.Trim(strings.TrimLeft(s, "+-"), "0") == ""
}

func groupedByThree(s, sep string) bool {
	groups := strings.Split(strings.TrimLeft(s, "+-"), sep)
	if n := len(groups[0]); n < 1 || n > 3 {
		return false
	}
	for _, g := range groups[1:] {
		if len(g) != 3 {
			return false
		}
	}
	return true
}

func amountMessage(err error, fallback string) string {
	if errors.Is(err, ErrAmbiguousAmount) {
		return "amount separator is ambiguous, write 1234.00 or 1 234,00"
	}
	return fallback
}

func validCurrency(code string) bool {
	if len(code) != 3 {
		return false
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			if r < 'a' || r > 'z' {
				return false
			}
		}
	}
	return true
}

// Amounts are the coerced monetary values of a record.
type Amounts struct {
	Principal decimal.Decimal
	Interest  decimal.Decimal
	Penalties decimal.Decimal
	Fees      decimal.Decimal
	Guarantee *decimal.Decimal
	Currency  string
}

// Total sums principal, interest, penalties and fees.
func (a Amounts) Total() decimal.Decimal {
	return a.Principal.Add(a.Interest).Add(a.Penalties).Add(a.Fees)
}

// Coerce converts the textual amounts. Empty optional amounts become zero.
func (v Validator) Coerce(rec Record) (Amounts, error) {
	var out Amounts
	var err error
	if out.Principal, err = ParseAmount(rec.AmountPrincipal); err != nil {
		return Amounts{}, fmt.Errorf("importrow: %s: %w", FieldAmountPrincipal, err)
	}
	for _, f := range []struct {
		name  string
		value string
		dst   *decimal.Decimal
	}{
		{FieldAmountInterest, rec.AmountInterest, &out.Interest},
		{FieldAmountPenalties, rec.AmountPenalties, &out.Penalties},
		{FieldAmountFees, rec.AmountFees, &out.Fees},
	} {
		if strings.TrimSpace(f.value) == "" {
			*f.dst = decimal.Zero
			continue
		}
		d, err := ParseAmount(f.value)
		if err != nil {
			return Amounts{}, fmt.Errorf("importrow: %s: %w", f.name, err)
		}
		*f.dst = d
	}
	if strings.TrimSpace(rec.GuaranteeValue) != "" {
		d, err := ParseAmount(rec.GuaranteeValue)
		if err != nil {
			return Amounts{}, fmt.Errorf("importrow: %s: %w", FieldGuaranteeValue, err)
		}
		out.Guarantee = &d
	}
	out.Currency = strings.ToUpper(strings.TrimSpace(rec.Currency))
	if out.Currency == "" {
		out.Currency = v.currency()
	}
	return out, nil
}

// NormalizedPriority returns the record priority or DefaultPriority.
func NormalizedPriority(p string) string {
	p = strings.ToLower(strings.TrimSpace(p))
	if priorities[p] {
		return p
	}
	return DefaultPriority
}
