package view

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/sakif/frontdesk/internal/model"
)

// ExportColumns is the header row of exported views.
var ExportColumns = []string{
	"Numero de cliente", "Nombre", "Apellidos", "Email", "Telefono",
	"Incidencias", "Fecha export", "Export anterior", "Reincidente",
	"Email enviado", "Ultimo email", "Historial emails",
}

// WriteXLSX writes rows as a one-sheet workbook named after v. loc formats
// the last email timestamp.
func WriteXLSX(w io.Writer, v model.View, rows []model.DebtorRow, loc *time.Location) error {
	f := excelize.NewFile()
	defer f.Close()

	sheet := string(v)
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return fmt.Errorf("view: naming sheet: %w", err)
	}

	if err := setRow(f, sheet, 1, toCells(ExportColumns)); err != nil {
		return err
	}
	for i, r := range rows {
		if err := setRow(f, sheet, i+2, exportRow(r, loc)); err != nil {
			return err
		}
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("view: writing xlsx: %w", err)
	}
	return nil
}

func setRow(f *excelize.File, sheet string, n int, cells []any) error {
	cell, err := excelize.CoordinatesToCellName(1, n)
	if err != nil {
		return fmt.Errorf("view: row %d: %w", n, err)
	}
	if err := f.SetSheetRow(sheet, cell, &cells); err != nil {
		return fmt.Errorf("view: writing row %d: %w", n, err)
	}
	return nil
}

func exportRow(r model.DebtorRow, loc *time.Location) []any {
	prev, last := "", ""
	if r.PreviousExportDate != nil {
		prev = r.PreviousExportDate.String()
	}
	if r.LastEmailAt != nil {
		last = r.LastEmailAt.In(loc).Format(HistoryLayout)
	}
	return []any{
		r.ClientID, r.FirstName, r.LastName, r.Email, r.Phone,
		r.IncidentCount, r.ExportDate.String(), prev, yesNo(r.IsRecurring),
		yesNo(r.EmailSent), last, r.EmailHistory,
	}
}

func toCells(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func yesNo(b bool) string {
	if b {
		return "si"
	}
	return "no"
}
