package analyzer

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/xuri/excelize/v2"
	"golang.org/x/text/unicode/norm"

	"recoveryflow/importrow"
)

var (
	// ErrEmptySheet is returned when the first sheet has no data row.
	ErrEmptySheet = errors.New("analyzer: spreadsheet has no data rows")
	// ErrNoHeader is returned when no header cell maps to a known field.
	ErrNoHeader = errors.New("analyzer: no recognizable header row")
	// ErrTooManyRows is returned when the sheet exceeds the row limit.
	ErrTooManyRows = errors.New("analyzer: too many rows")
)

// DefaultMaxRows bounds the rows analyzed from one file.
const DefaultMaxRows = 20000

// headerAliases maps normalized header labels to record fields. Canonical
// field names are added by init.
var headerAliases = map[string]string{
	"reference":              importrow.FieldBankReference,
	"ref":                    importrow.FieldBankReference,
	"ref banque":             importrow.FieldBankReference,
	"reference banque":       importrow.FieldBankReference,
	"numero dossier":         importrow.FieldBankReference,
	"contrat":                importrow.FieldContractRef,
	"reference contrat":      importrow.FieldContractRef,
	"produit":                importrow.FieldProductType,
	"type produit":           importrow.FieldProductType,
	"date ouverture":         importrow.FieldOpenDate,
	"date defaut":            importrow.FieldDefaultDate,
	"date impaye":            importrow.FieldDefaultDate,
	"type":                   importrow.FieldDebtorType,
	"type debiteur":          importrow.FieldDebtorType,
	"prenom":                 importrow.FieldFirstName,
	"nom":                    importrow.FieldLastName,
	"nni":                    importrow.FieldNationalID,
	"cin":                    importrow.FieldNationalID,
	"passeport":              importrow.FieldPassportNumber,
	"date naissance":         importrow.FieldBirthDate,
	"employeur":              importrow.FieldEmployer,
	"profession":             importrow.FieldOccupation,
	"raison sociale":         importrow.FieldCompanyName,
	"company":                importrow.FieldCompanyName,
	"nom commercial":         importrow.FieldTradeName,
	"registre commerce":      importrow.FieldRegistrationNumber,
	"rc":                     importrow.FieldRegistrationNumber,
	"nif":                    importrow.FieldTaxID,
	"representant legal":     importrow.FieldLegalRepresentative,
	"telephone representant": importrow.FieldLegalRepresentativePhone,
	"telephone":              importrow.FieldPhone,
	"tel":                    importrow.FieldPhone,
	"mobile":                 importrow.FieldPhone,
	"adresse":                importrow.FieldAddress,
	"ville":                  importrow.FieldCity,
	"principal":              importrow.FieldAmountPrincipal,
	"montant principal":      importrow.FieldAmountPrincipal,
	"capital":                importrow.FieldAmountPrincipal,
	"interets":               importrow.FieldAmountInterest,
	"penalites":              importrow.FieldAmountPenalties,
	"frais":                  importrow.FieldAmountFees,
	"devise":                 importrow.FieldCurrency,
	"garantie":               importrow.FieldGuaranteeType,
	"type garantie":          importrow.FieldGuaranteeType,
	"valeur garantie":        importrow.FieldGuaranteeValue,
	"priorite":               importrow.FieldPriority,
	"traitement":             importrow.FieldTreatmentType,
	"commentaire":            importrow.FieldNotes,
	"observations":           importrow.FieldNotes,
}

func init() {
	for _, f := range importrow.Fields() {
		headerAliases[normalizeHeader(f)] = f
	}
}

// Sheet is the analyzed content of a workbook.
type Sheet struct {
	Name     string
	Drafts   []importrow.Draft
	Unmapped []string
}

// ParseWorkbook reads the first sheet of an xlsx workbook. The first non-empty
// row is the header; each later non-empty row becomes a draft numbered from 1
// in source order.
func ParseWorkbook(data []byte, maxRows int) (Sheet, error) {
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	xl, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return Sheet{}, fmt.Errorf("analyzer: open workbook: %w", err)
	}
	defer xl.Close()

	sheetName := xl.GetSheetName(0)
	if sheetName == "" {
		return Sheet{}, ErrEmptySheet
	}
	rawRows, err := xl.GetRows(sheetName)
	if err != nil {
		return Sheet{}, fmt.Errorf("analyzer: read sheet %q: %w", sheetName, err)
	}
	// Date cells come back in their display format; the raw serial is
	// converted instead.
	serials, err := xl.GetRows(sheetName, excelize.Options{RawCellValue: true})
	if err != nil {
		return Sheet{}, fmt.Errorf("analyzer: read sheet %q: %w", sheetName, err)
	}
	props, err := xl.GetWorkbookProps()
	if err != nil {
		return Sheet{}, fmt.Errorf("analyzer: workbook properties: %w", err)
	}
	date1904 := props.Date1904 != nil && *props.Date1904

	headerIdx := -1
	for i, r := range rawRows {
		if !blank(r) {
			headerIdx = i
			break
		}
	}
	if headerIdx < 0 {
		return Sheet{}, ErrEmptySheet
	}

	columns, unmapped := mapHeader(rawRows[headerIdx])
	if len(columns) == 0 {
		return Sheet{}, ErrNoHeader
	}

	out := Sheet{Name: sheetName, Unmapped: unmapped}
	number := 0
	for i, raw := range rawRows[headerIdx+1:] {
		var rawSerials []string
		if idx := headerIdx + 1 + i; idx < len(serials) {
			rawSerials = serials[idx]
		}
		if blank(raw) {
			continue
		}
		number++
		if number > maxRows {
			return Sheet{}, fmt.Errorf("%w: more than %d", ErrTooManyRows, maxRows)
		}
		cells := make(map[string]string, len(columns))
		for col, field := range columns {
			if col < len(raw) {
				v := strings.TrimSpace(raw[col])
				if dateFields[field] && col < len(rawSerials) {
					v = dateCell(v, strings.TrimSpace(rawSerials[col]), date1904)
				}
				if v != "" {
					cells[field] = v
				}
			}
		}
		rec, notes := importrow.FromSheet(cells)
		out.Drafts = append(out.Drafts, importrow.Draft{RowNumber: number, Record: rec, Notes: notes})
	}
	if len(out.Drafts) == 0 {
		return Sheet{}, ErrEmptySheet
	}
	return out, nil
}

var dateFields = map[string]bool{
	importrow.FieldOpenDate:    true,
	importrow.FieldDefaultDate: true,
	importrow.FieldBirthDate:   true,
}

// dateCell returns the ISO date of a numeric cell shown through a number
// format, and the displayed text otherwise.
func dateCell(shown, raw string, date1904 bool) string {
	if raw == "" || raw == shown {
		return shown
	}
	serial, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return shown
	}
	t, err := excelize.ExcelDateToTime(serial, date1904)
	if err != nil {
		return shown
	}
	return t.Format("2006-01-02")
}

// mapHeader returns column index to field. When two columns map to the same
// field the first one wins.
func mapHeader(header []string) (map[int]string, []string) {
	columns := make(map[int]string, len(header))
	taken := make(map[string]bool, len(header))
	var unmapped []string
	for i, label := range header {
		if strings.TrimSpace(label) == "" {
			continue
		}
		field, ok := headerAliases[normalizeHeader(label)]
		if !ok || taken[field] {
			unmapped = append(unmapped, label)
			continue
		}
		taken[field] = true
		columns[i] = field
	}
	return columns, unmapped
}

// normalizeHeader lowercases, strips accents and collapses separators.
func normalizeHeader(s string) string {
	decomposed := norm.NFD.String(strings.ToLower(strings.TrimSpace(s)))
	var b strings.Builder
	space := false
	for _, r := range decomposed {
		switch {
		case unicode.Is(unicode.Mn, r):
			continue
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		default:
			space = true
		}
	}
	return b.String()
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
