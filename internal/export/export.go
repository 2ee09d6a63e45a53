// Package export writes a reassembled capture as a table with a leading time column.
package export

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Format selects the output file type.
type Format string

const (
	FormatXLSX Format = "xlsx"
	FormatCSV  Format = "csv"
)

// TimeColumnHeader is the header of the synthesized time column.
const TimeColumnHeader = "time"

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatXLSX, FormatCSV:
		return f, nil
	default:
		return "", fmt.Errorf("invalid output format %q: use xlsx or csv", s)
	}
}

// Capture is the exportable view of a completed transfer.
type Capture struct {
	Matrix           [][]float32
	Labels           []string
	SamplingDuration time.Duration
	// DeviceID is the node address; it becomes part of the file name.
	DeviceID string
	// Timestamp names the file; zero means time.Now().
	Timestamp time.Time
}

// Exporter writes a capture and returns the path of the file it created.
type Exporter interface {
	Export(ctx context.Context, capture *Capture) (string, error)
}

// New returns the exporter for format writing into dir.
func New(format Format, dir string, logger *logrus.Logger) (Exporter, error) {
	switch format {
	case FormatXLSX:
		return &WorkbookExporter{Dir: dir, logger: logger}, nil
	case FormatCSV:
		return &CSVExporter{Dir: dir, logger: logger}, nil
	default:
		return nil, fmt.Errorf("invalid output format %q: use xlsx or csv", format)
	}
}

// TimeColumn returns the time in seconds of each of rows samples spread evenly
// over duration: t_i = duration * i / (rows-1). A single row is at 0.
func TimeColumn(rows int, duration time.Duration) []float64 {
	times := make([]float64, rows)
	if rows < 2 {
		return times
	}
	total := duration.Seconds()
	for i := range times {
		times[i] = total * float64(i) / float64(rows-1)
	}
	return times
}

// FileName builds out_MMDDYYYY_HHMMSS_<device id>.<ext>. Colons in the device
// id become dashes so the name is valid on every filesystem.
func FileName(ts time.Time, deviceID string, format Format) string {
	id := strings.ReplaceAll(deviceID, ":", "-")
	if id == "" {
		id = "unknown"
	}
	return fmt.Sprintf("out_%s_%s.%s", ts.Format("01022006_150405"), id, format)
}

func outputPath(dir string, capture *Capture, format Format) string {
	ts := capture.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return filepath.Join(dir, FileName(ts, capture.DeviceID, format))
}

func validate(capture *Capture) error {
	if capture == nil {
		return fmt.Errorf("nothing to export")
	}
	for i, row := range capture.Matrix {
		if len(row) != len(capture.Labels) {
			return fmt.Errorf("row %d has %d values for %d labels", i, len(row), len(capture.Labels))
		}
	}
	return nil
}

func header(labels []string) []string {
	return append([]string{TimeColumnHeader}, labels...)
}
