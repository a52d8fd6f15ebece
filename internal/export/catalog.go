package export

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"council/internal/models"

	"github.com/xuri/excelize/v2"
)

// catalogHeaders are the XLSX columns of the unified model dump
var catalogHeaders = []string{
	"Unified ID", "Developer", "Base Model", "Variant", "Hosting Provider",
	"Tools", "Vision", "Reasoning", "Thinking", "JSON Mode",
	"Input $/1M", "Output $/1M", "Free",
	"Context Tokens", "Max Output", "Quantization",
	"Latency ms", "Live Latency ms", "Updated",
}

// CatalogXLSX writes the unified model catalog to an XLSX workbook and
// returns the file path. One row per unified model, catalog order.
func CatalogXLSX(exportDir string, unified []*models.UnifiedModel) (string, error) {
	if err := os.MkdirAll(exportDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create export directory: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Unified Models"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return "", err
	}

	for col, header := range catalogHeaders {
		cell, _ := excelize.CoordinatesToCellName(col+1, 1)
		if err := f.SetCellValue(sheet, cell, header); err != nil {
			return "", err
		}
	}

	for row, m := range unified {
		values := []interface{}{
			m.UnifiedID, m.DeveloperID, m.BaseModelName, m.VariantName, m.HostingProviderID,
			m.Capabilities.Tools, m.Capabilities.Vision, m.Capabilities.Reasoning,
			m.Capabilities.Thinking, m.Capabilities.JSONMode,
			m.Cost.Cost1MTInputUSD, m.Cost.Cost1MTOutputUSD, m.Cost.IsFree,
			m.Technical.ContextTokens, m.Technical.MaxOutputTokens, m.Technical.Quantization,
			floatOrNil(m.LatencyMs), floatOrNil(m.LatencyLiveMs), m.UpdatedAt.Format(time.RFC3339),
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row+2)
			if err := f.SetCellValue(sheet, cell, v); err != nil {
				return "", err
			}
		}
	}

	path := filepath.Join(exportDir, fmt.Sprintf("model_catalog_%s.xlsx", time.Now().Format("20060102_150405")))
	if err := f.SaveAs(path); err != nil {
		return "", fmt.Errorf("failed to save catalog workbook: %w", err)
	}
	return path, nil
}

func floatOrNil(v *float64) interface{} {
	if v == nil {
		return ""
	}
	return *v
}
