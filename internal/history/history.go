package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Pass statuses
const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusFailed  = "failed"
)

// Manager persists the engine-wide pass history and error log. Each sync
// pass over one volume becomes one row; failed file names ride along as a
// JSON array so a technician can reconstruct what went wrong after the
// medium is long gone.
type Manager struct {
	db *sql.DB
}

// PassRecord represents one completed sync pass over one volume
type PassRecord struct {
	ID          int64
	VolumeID    string
	MountPoint  string
	StartTime   time.Time
	EndTime     time.Time
	Status      string
	FilesCopied int
	FailedFiles []string
	DryRun      bool
}

// NewManager opens (and if needed creates) the history database
func NewManager(dbPath string) (*Manager, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("history database path cannot be empty")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	// Limit connection pool to prevent "database is locked" errors
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure history database: %w", err)
	}

	m := &Manager{db: db}
	if err := m.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize history schema: %w", err)
	}

	return m, nil
}

func (m *Manager) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS passes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		volume_id TEXT NOT NULL,
		mount_point TEXT NOT NULL,
		start_time TIMESTAMP NOT NULL,
		end_time TIMESTAMP NOT NULL,
		status TEXT NOT NULL,
		files_copied INTEGER DEFAULT 0,
		failed_files TEXT,
		dry_run INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_passes_volume_time ON passes(volume_id, start_time DESC);
	CREATE INDEX IF NOT EXISTS idx_passes_status ON passes(status);
	`

	_, err := m.db.Exec(schema)
	return err
}

// SavePass records one completed pass
func (m *Manager) SavePass(record PassRecord) error {
	if record.Status != StatusSuccess && record.Status != StatusPartial && record.Status != StatusFailed {
		return fmt.Errorf("invalid pass status: %s", record.Status)
	}

	var failedJSON []byte
	if len(record.FailedFiles) > 0 {
		var err error
		failedJSON, err = json.Marshal(record.FailedFiles)
		if err != nil {
			return fmt.Errorf("failed to encode failed file list: %w", err)
		}
	}

	query := `
		INSERT INTO passes (volume_id, mount_point, start_time, end_time, status, files_copied, failed_files, dry_run)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := m.db.Exec(query,
		record.VolumeID,
		record.MountPoint,
		record.StartTime,
		record.EndTime,
		record.Status,
		record.FilesCopied,
		string(failedJSON),
		record.DryRun,
	)
	if err != nil {
		return fmt.Errorf("failed to save pass record: %w", err)
	}

	return nil
}

// Recent retrieves the most recent passes across all volumes
func (m *Manager) Recent(limit int) ([]PassRecord, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}

	query := `
		SELECT id, volume_id, mount_point, start_time, end_time, status, files_copied, failed_files, dry_run
		FROM passes
		ORDER BY start_time DESC
		LIMIT ?
	`

	rows, err := m.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pass history: %w", err)
	}
	defer rows.Close()

	return scanPasses(rows)
}

// LastSuccess retrieves the most recent fully successful pass for a volume
func (m *Manager) LastSuccess(volumeID string) (*PassRecord, error) {
	query := `
		SELECT id, volume_id, mount_point, start_time, end_time, status, files_copied, failed_files, dry_run
		FROM passes
		WHERE volume_id = ? AND status = 'success'
		ORDER BY start_time DESC
		LIMIT 1
	`

	rows, err := m.db.Query(query, volumeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query last success: %w", err)
	}
	defer rows.Close()

	records, err := scanPasses(rows)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

func scanPasses(rows *sql.Rows) ([]PassRecord, error) {
	var records []PassRecord
	for rows.Next() {
		var record PassRecord
		var failedJSON string
		err := rows.Scan(
			&record.ID,
			&record.VolumeID,
			&record.MountPoint,
			&record.StartTime,
			&record.EndTime,
			&record.Status,
			&record.FilesCopied,
			&failedJSON,
			&record.DryRun,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pass record: %w", err)
		}
		if failedJSON != "" {
			if err := json.Unmarshal([]byte(failedJSON), &record.FailedFiles); err != nil {
				return nil, fmt.Errorf("failed to decode failed file list: %w", err)
			}
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pass records: %w", err)
	}

	return records, nil
}

// Close closes the database connection
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
