package copier

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/offlinedash/usbsync/internal/domain"
)

// timeColumn is the header name used for chronological ordering
const timeColumn = "Time"

// timeLayouts are the timestamp shapes the collectors emit
var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// mergeCSV produces the deduplicated union of destination and source rows.
// Headers must match exactly; otherwise domain.ErrHeaderMismatch is
// returned and the caller falls back to an overwrite. Destination rows
// come first, then new source rows, then a stable sort by the Time column
// (rows with unparseable times keep their relative position).
func mergeCSV(dstPath, srcPath string) ([]byte, error) {
	dstHeader, dstRows, err := readCSV(dstPath)
	if err != nil {
		return nil, fmt.Errorf("failed to parse destination csv: %w", err)
	}
	srcHeader, srcRows, err := readCSV(srcPath)
	if err != nil {
		return nil, fmt.Errorf("failed to parse source csv: %w", err)
	}

	if !equalRows(dstHeader, srcHeader) {
		return nil, domain.ErrHeaderMismatch
	}

	seen := make(map[string]bool, len(dstRows)+len(srcRows))
	merged := make([][]string, 0, len(dstRows)+len(srcRows))
	for _, row := range dstRows {
		key := rowKey(row)
		if !seen[key] {
			seen[key] = true
			merged = append(merged, row)
		}
	}
	for _, row := range srcRows {
		key := rowKey(row)
		if !seen[key] {
			seen[key] = true
			merged = append(merged, row)
		}
	}

	sortByTime(dstHeader, merged)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(dstHeader); err != nil {
		return nil, err
	}
	if err := w.WriteAll(merged); err != nil {
		return nil, err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// readCSV returns the header row and the remaining rows
func readCSV(path string) ([]string, [][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	// collectors occasionally emit ragged rows; keep them rather than fail
	r.FieldsPerRecord = -1

	records, err := r.ReadAll()
	if err != nil {
		return nil, nil, err
	}
	if len(records) == 0 {
		return nil, nil, fmt.Errorf("csv file %s has no header row", path)
	}

	return records[0], records[1:], nil
}

func equalRows(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func rowKey(row []string) string {
	return strings.Join(row, "\x00")
}

// sortByTime stable-sorts rows chronologically when a Time column is
// present. Comparison is only defined between two parseable timestamps,
// so unparseable rows keep their relative position.
func sortByTime(header []string, rows [][]string) {
	timeIdx := -1
	for i, name := range header {
		if name == timeColumn {
			timeIdx = i
			break
		}
	}
	if timeIdx < 0 {
		return
	}

	parse := func(row []string) (time.Time, bool) {
		if timeIdx >= len(row) {
			return time.Time{}, false
		}
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, row[timeIdx]); err == nil {
				return ts, true
			}
		}
		return time.Time{}, false
	}

	sort.SliceStable(rows, func(i, j int) bool {
		ti, iOK := parse(rows[i])
		tj, jOK := parse(rows[j])
		if !iOK || !jOK {
			return false
		}
		return ti.Before(tj)
	})
}
