package export

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"
)

const sheetName = "Sheet1"

// WorkbookExporter writes an .xlsx workbook with one sheet.
type WorkbookExporter struct {
	Dir    string
	logger *logrus.Logger
}

func (e *WorkbookExporter) Export(ctx context.Context, capture *Capture) (string, error) {
	if err := validate(capture); err != nil {
		return "", err
	}
	if err := os.MkdirAll(e.Dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	f := excelize.NewFile()
	defer func() {
		if err := f.Close(); err != nil && e.logger != nil {
			e.logger.WithField("error", err).Debug("Failed to release workbook")
		}
	}()

	sw, err := f.NewStreamWriter(sheetName)
	if err != nil {
		return "", fmt.Errorf("failed to open sheet writer: %w", err)
	}

	hdr := header(capture.Labels)
	cells := make([]interface{}, len(hdr))
	for i, h := range hdr {
		cells[i] = h
	}
	if err := sw.SetRow("A1", cells); err != nil {
		return "", fmt.Errorf("failed to write header: %w", err)
	}

	times := TimeColumn(len(capture.Matrix), capture.SamplingDuration)
	for i, row := range capture.Matrix {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return "", err
			}
		}
		cells := make([]interface{}, 0, len(row)+1)
		cells = append(cells, times[i])
		for _, v := range row {
			// float64(float32) keeps the wire value exactly.
			cells = append(cells, float64(v))
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return "", err
		}
		if err := sw.SetRow(cell, cells); err != nil {
			return "", fmt.Errorf("failed to write row %d: %w", i, err)
		}
	}

	if err := sw.Flush(); err != nil {
		return "", fmt.Errorf("failed to flush sheet: %w", err)
	}

	path := outputPath(e.Dir, capture, FormatXLSX)
	if err := f.SaveAs(path); err != nil {
		return "", fmt.Errorf("failed to save workbook: %w", err)
	}

	if e.logger != nil {
		e.logger.WithFields(logrus.Fields{
			"path": path,
			"rows": len(capture.Matrix),
		}).Info("Workbook written")
	}
	return path, nil
}
