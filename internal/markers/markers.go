// Package markers writes the human-readable breadcrumb files a volume
// carries home after a copy pass. They are advisory only: a marker
// failure never fails the pass that produced it.
package markers

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	// SuccessName is the done marker left after a fully successful pass
	SuccessName = "COPY_DONE.txt"
	// FailureName is the error report left after a pass with failures
	FailureName = "ERRORS.json"
)

// failureReport is the ERRORS.json document
type failureReport struct {
	Timestamp   string   `json:"timestamp"`
	FailedFiles []string `json:"failed_files"`
}

// Writer drops outcome markers into a volume's destination root
type Writer struct {
	now func() time.Time
}

// NewWriter creates a marker writer using the wall clock
func NewWriter() *Writer {
	return &Writer{now: time.Now}
}

// WriteSuccess writes the done marker, replacing any previous one. A
// stale error report from an earlier attempt is removed so the volume
// tells one consistent story.
func (w *Writer) WriteSuccess(destRoot, sourceDir string, filesCopied int) error {
	if err := os.MkdirAll(destRoot, 0755); err != nil {
		return err
	}

	content := fmt.Sprintf("Copy completed at %s\nFiles copied: %d\nSource: %s\n",
		w.now().Format(time.RFC3339), filesCopied, sourceDir)
	if err := os.WriteFile(filepath.Join(destRoot, SuccessName), []byte(content), 0644); err != nil {
		return err
	}

	os.Remove(filepath.Join(destRoot, FailureName))
	return nil
}

// WriteFailure writes the error report naming the files that failed.
// A done marker from an earlier successful pass is left in place; it
// still truthfully describes that pass.
func (w *Writer) WriteFailure(destRoot string, failed []string) error {
	if err := os.MkdirAll(destRoot, 0755); err != nil {
		return err
	}

	report := failureReport{
		Timestamp:   w.now().Format(time.RFC3339),
		FailedFiles: failed,
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(destRoot, FailureName), data, 0644)
}
