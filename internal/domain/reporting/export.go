package reporting

import (
	"context"
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/bloodbank/bloodbank/internal/domain/inventory"
)

const unitsSheet = "Blood Units"

// UnitExportHeader lists the export columns in order.
var UnitExportHeader = []string{
	"Unit ID",
	"Blood Type",
	"Status",
	"Urgency",
	"Days To Expiry",
	"Collection Date",
	"Expiry Date",
	"Volume (ml)",
	"Screening",
	"Donor",
	"Donor Reference",
	"Collection Site",
	"Storage Location",
}

var columnWidths = []float64{24, 10, 12, 14, 14, 15, 15, 12, 12, 24, 16, 20, 20}

// Source returns every unit matching a filter, already classified.
type Source interface {
	Export(ctx context.Context, f inventory.Filters, sortField, sortOrder string) ([]*inventory.BloodUnit, error)
}

// BuildUnitWorkbook renders units as a single-sheet XLSX file.
func BuildUnitWorkbook(units []*inventory.BloodUnit, generatedAt time.Time) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(unitsSheet)
	if err != nil {
		return nil, fmt.Errorf("create sheet: %w", err)
	}
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, fmt.Errorf("delete default sheet: %w", err)
	}
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#F4CCCC"}, Pattern: 1},
		Border: []excelize.Border{
			{Type: "bottom", Color: "000000", Style: 1},
		},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		return nil, fmt.Errorf("create header style: %w", err)
	}

	header := make([]interface{}, len(UnitExportHeader))
	for i, h := range UnitExportHeader {
		header[i] = h
	}
	if err := f.SetSheetRow(unitsSheet, "A1", &header); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	last, err := excelize.ColumnNumberToName(len(UnitExportHeader))
	if err != nil {
		return nil, err
	}
	if err := f.SetCellStyle(unitsSheet, "A1", last+"1", headerStyle); err != nil {
		return nil, fmt.Errorf("style header: %w", err)
	}
	for i, w := range columnWidths {
		col, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return nil, err
		}
		if err := f.SetColWidth(unitsSheet, col, col, w); err != nil {
			return nil, fmt.Errorf("set column width: %w", err)
		}
	}
	if err := f.SetPanes(unitsSheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"}); err != nil {
		return nil, fmt.Errorf("freeze header: %w", err)
	}

	for i, u := range units {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		row := []interface{}{
			u.UnitID,
			string(u.BloodType),
			string(u.Status),
			string(u.Urgency),
			u.DaysToExpiry,
			u.CollectionDate.Format(inventory.DateLayout),
			u.ExpiryDate.Format(inventory.DateLayout),
			u.VolumeML,
			string(u.ScreeningStatus),
			u.DonorName,
			u.DonorReference,
			u.CollectionSite,
			u.StorageLocation,
		}
		if err := f.SetSheetRow(unitsSheet, cell, &row); err != nil {
			return nil, fmt.Errorf("write row %d: %w", i+2, err)
		}
	}

	if err := f.SetDocProps(&excelize.DocProperties{
		Title:   "Blood unit inventory",
		Created: generatedAt.UTC().Format(time.RFC3339),
	}); err != nil {
		return nil, fmt.Errorf("set properties: %w", err)
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}
