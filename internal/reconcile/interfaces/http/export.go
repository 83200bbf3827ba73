package http

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	reconcile "powerverter-monitor/internal/reconcile/domain"
)

// BuildRunPDF renders a run summary and its per-device outcomes.
func BuildRunPDF(run *reconcile.Run) ([]byte, error) {
	pdf := gofpdf.New("L", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Last-seen Reconciliation Run")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Run: %s", run.ID))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Trigger: %s", run.Trigger))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Status: %s", run.Status))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Started: %s", run.StartedAt.Format(time.RFC3339)))
	pdf.Ln(5)
	if run.FinishedAt != nil {
		pdf.Cell(0, 6, fmt.Sprintf("Finished: %s", run.FinishedAt.Format(time.RFC3339)))
		pdf.Ln(5)
	}
	if run.Error != "" {
		pdf.Cell(0, 6, fmt.Sprintf("Error: %s", run.Error))
		pdf.Ln(5)
	}
	pdf.Ln(4)
	pdf.Cell(0, 6, fmt.Sprintf("Updated: %d  Unchanged: %d  Skipped: %d  Errors: %d",
		run.Updated, run.Unchanged, run.Skipped, run.Errors))
	pdf.Ln(8)

	pdf.SetFont("Arial", "B", 9)
	pdf.CellFormat(50, 6, "Device", "1", 0, "C", false, 0, "")
	pdf.CellFormat(40, 6, "System", "1", 0, "C", false, 0, "")
	pdf.CellFormat(22, 6, "Status", "1", 0, "C", false, 0, "")
	pdf.CellFormat(20, 6, "Source", "1", 0, "C", false, 0, "")
	pdf.CellFormat(45, 6, "From", "1", 0, "C", false, 0, "")
	pdf.CellFormat(45, 6, "To", "1", 0, "C", false, 0, "")
	pdf.CellFormat(55, 6, "Reason", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 9)
	for _, o := range run.Outcomes {
		pdf.CellFormat(50, 6, o.DeviceID, "1", 0, "L", false, 0, "")
		pdf.CellFormat(40, 6, o.SystemID, "1", 0, "L", false, 0, "")
		pdf.CellFormat(22, 6, o.Status, "1", 0, "C", false, 0, "")
		pdf.CellFormat(20, 6, o.Source, "1", 0, "C", false, 0, "")
		pdf.CellFormat(45, 6, formatTime(o.From), "1", 0, "C", false, 0, "")
		pdf.CellFormat(45, 6, formatTime(o.To), "1", 0, "C", false, 0, "")
		pdf.CellFormat(55, 6, o.Reason, "1", 0, "L", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildRunXLSX renders a run as a summary sheet and an outcomes sheet.
func BuildRunXLSX(run *reconcile.Run) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()
	summarySheet := "summary"
	outcomesSheet := "outcomes"
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(outcomesSheet); err != nil {
		return nil, err
	}

	summary := [][2]any{
		{"Run", run.ID},
		{"Trigger", run.Trigger},
		{"Status", run.Status},
		{"Started", run.StartedAt.Format(time.RFC3339)},
		{"Finished", formatTime(run.FinishedAt)},
		{"Error", run.Error},
		{"Updated", run.Updated},
		{"Unchanged", run.Unchanged},
		{"Skipped", run.Skipped},
		{"Errors", run.Errors},
	}
	_ = f.SetCellValue(summarySheet, "A1", "Last-seen Reconciliation Run")
	for i, row := range summary {
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("A%d", i+3), row[0])
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("B%d", i+3), row[1])
	}

	headers := []string{"Device", "System", "Status", "Source", "From", "To", "Reason"}
	for i, header := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(outcomesSheet, cell, header)
	}
	for i, o := range run.Outcomes {
		row := i + 2
		values := []any{o.DeviceID, o.SystemID, o.Status, o.Source, formatTime(o.From), formatTime(o.To), o.Reason}
		for col, value := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			_ = f.SetCellValue(outcomesSheet, cell, value)
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
