package infra

import (
	"fmt"

	"github.com/xuri/excelize/v2"
)

// WorkbookHeader is the header row used by the seeded spreadsheets.
var WorkbookHeader = []any{
	"Référence Banque", "Type Débiteur", "Prénom", "Nom", "NNI", "Raison sociale", "RC",
	"Téléphone", "Montant principal", "Intérêts", "Devise", "Date défaut",
}

// ValidLine builds an individual debtor line without blocking errors. Its
// open date is left blank, which only warns.
func ValidLine(n int) []any {
	return []any{
		fmt.Sprintf("REF-%04d", n), "PP", "Mariem", fmt.Sprintf("Sidi%d", n), fmt.Sprintf("NNI%08d", n), "", "",
		"22223333", "150000", "1200,50", "MRU", "2024-03-15",
	}
}

// CompanyLine builds a company debtor line.
func CompanyLine(n int) []any {
	return []any{
		fmt.Sprintf("REF-%04d", n), "PM", "", "", "", fmt.Sprintf("Société %d", n), fmt.Sprintf("RC-%06d", n),
		"45250000", "9000000", "", "MRU", "",
	}
}

// BrokenLine builds a line whose principal is missing, which blocks approval.
func BrokenLine(n int) []any {
	return []any{
		fmt.Sprintf("REF-%04d", n), "PP", "Ahmed", fmt.Sprintf("Salem%d", n), fmt.Sprintf("NNI%08d", n), "", "",
		"", "", "", "MRU", "",
	}
}

// Workbook renders WorkbookHeader followed by lines as an xlsx file.
func Workbook(lines ...[]any) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	sheet := f.GetSheetName(0)
	all := append([][]any{WorkbookHeader}, lines...)
	for i, line := range all {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return nil, err
		}
		row := line
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return nil, fmt.Errorf("write row %d: %w", i+1, err)
		}
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
