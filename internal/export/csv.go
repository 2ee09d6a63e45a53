package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
)

// CSVExporter writes a comma-separated file with a header row.
type CSVExporter struct {
	Dir    string
	logger *logrus.Logger
}

func (e *CSVExporter) Export(ctx context.Context, capture *Capture) (path string, err error) {
	if err := validate(capture); err != nil {
		return "", err
	}
	if err := os.MkdirAll(e.Dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	path = outputPath(e.Dir, capture, FormatCSV)
	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close %s: %w", path, closeErr)
		}
	}()

	w := csv.NewWriter(file)
	if err := w.Write(header(capture.Labels)); err != nil {
		return "", err
	}

	times := TimeColumn(len(capture.Matrix), capture.SamplingDuration)
	record := make([]string, len(capture.Labels)+1)
	for i, row := range capture.Matrix {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return "", err
			}
		}
		record[0] = strconv.FormatFloat(times[i], 'g', -1, 64)
		for j, v := range row {
			// 32-bit formatting prints the shortest text that round-trips the float32.
			record[j+1] = strconv.FormatFloat(float64(v), 'g', -1, 32)
		}
		if err := w.Write(record); err != nil {
			return "", fmt.Errorf("failed to write row %d: %w", i, err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("failed to flush %s: %w", path, err)
	}

	if e.logger != nil {
		e.logger.WithFields(logrus.Fields{
			"path": path,
			"rows": len(capture.Matrix),
		}).Info("CSV written")
	}
	return path, nil
}
