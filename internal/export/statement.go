package export

import (
	"fmt"
	"io"
	"time"

	"timebank/internal/models"

	"github.com/xuri/excelize/v2"
)

const statementSheet = "Statement"

var statementHeaders = []string{"Date", "Kind", "Booking", "Amount", "Held", "Balance"}

// WriteStatement renders a user's ledger entries as an XLSX workbook.
// Entries are expected oldest first.
func WriteStatement(w io.Writer, user *models.User, entries []*models.LedgerEntry, generatedAt time.Time) error {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(statementSheet)
	if err != nil {
		return fmt.Errorf("error creating sheet: %w", err)
	}
	f.SetActiveSheet(index)
	_ = f.DeleteSheet("Sheet1")

	_ = f.SetCellValue(statementSheet, "A1", fmt.Sprintf("Credit statement: %s", user.Username))
	_ = f.SetCellValue(statementSheet, "A2", fmt.Sprintf("Generated %s, balance %d",
		generatedAt.UTC().Format("2006-01-02 15:04"), user.CreditBalance))
	_ = f.MergeCell(statementSheet, "A1", "F1")

	title, _ := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Size: 14},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	_ = f.SetCellStyle(statementSheet, "A1", "A1", title)

	header, _ := f.NewStyle(&excelize.Style{
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font:      &excelize.Font{Bold: true},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	for i, h := range statementHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 4)
		_ = f.SetCellValue(statementSheet, cell, h)
		_ = f.SetCellStyle(statementSheet, cell, cell, header)
	}

	for i, e := range entries {
		row := i + 5
		booking := ""
		if e.BookingID != nil {
			booking = *e.BookingID
		}
		values := []interface{}{
			e.CreatedAt.UTC().Format("2006-01-02 15:04:05"),
			string(e.Kind),
			booking,
			e.Amount,
			e.HeldDelta,
			e.BalanceAfter,
		}
		cell, _ := excelize.CoordinatesToCellName(1, row)
		if err := f.SetSheetRow(statementSheet, cell, &values); err != nil {
			return fmt.Errorf("error writing row %d: %w", row, err)
		}
	}

	_ = f.SetColWidth(statementSheet, "A", "A", 22)
	_ = f.SetColWidth(statementSheet, "B", "B", 10)
	_ = f.SetColWidth(statementSheet, "C", "C", 38)
	_ = f.SetColWidth(statementSheet, "D", "F", 12)
	_ = f.SetPanes(statementSheet, &excelize.Panes{Freeze: true, YSplit: 4, TopLeftCell: "A5", ActivePane: "bottomLeft"})

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("error writing workbook: %w", err)
	}
	return nil
}

// StatementFileName is the download name for a user's statement.
func StatementFileName(user *models.User, at time.Time) string {
	return fmt.Sprintf("statement_%s_%s.xlsx", user.Username, at.UTC().Format("2006-01-02"))
}
