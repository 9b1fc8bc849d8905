package db

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"flight-for-life/alerts"
	"flight-for-life/models"
	"flight-for-life/utils"

	_ "github.com/mattn/go-sqlite3" // SQLite driver registration
)

// DefaultDSN keeps the journal in memory, so it lives exactly as long as the
// process.
const DefaultDSN = "file:journal?mode=memory&cache=shared"

// SQLiteClient journals alert transitions. It implements alerts.Observer.
type SQLiteClient struct {
	db *sql.DB
}

func NewSQLiteClient(dataSourceName string) (*SQLiteClient, error) {
	if dataSourceName == "" {
		dataSourceName = DefaultDSN
	}

	// Extract the file path before query parameters
	dbPath := strings.TrimPrefix(dataSourceName, "file:")
	if idx := strings.Index(dbPath, "?"); idx != -1 {
		dbPath = dbPath[:idx]
	}

	inMemory := dbPath == ":memory:" || strings.Contains(dataSourceName, "mode=memory")
	if !inMemory {
		dbDir := filepath.Dir(dbPath)
		if dbDir != "." && dbDir != "" {
			if err := utils.CreateFolder(dbDir); err != nil {
				return nil, fmt.Errorf("error creating database directory: %w", err)
			}
		}
	}

	if !strings.Contains(dataSourceName, "_busy_timeout") {
		if strings.Contains(dataSourceName, "?") {
			dataSourceName += "&_busy_timeout=5000"
		} else {
			dataSourceName += "?_busy_timeout=5000"
		}
	}

	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("error connecting to SQLite: %w", err)
	}
	// one writer; also keeps a private in-memory database alive
	db.SetMaxOpenConns(1)

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("error creating tables: %w", err)
	}

	return &SQLiteClient{db: db}, nil
}

func createTables(db *sql.DB) error {
	createAlertEventsTable := `
    CREATE TABLE IF NOT EXISTS alert_events (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        alert_id TEXT NOT NULL,
        drone TEXT NOT NULL,
        kind TEXT NOT NULL,
        at INTEGER NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_alert_events_drone ON alert_events(drone);
    CREATE INDEX IF NOT EXISTS idx_alert_events_at ON alert_events(at);
    `

	if _, err := db.Exec(createAlertEventsTable); err != nil {
		return fmt.Errorf("error creating alert_events table: %w", err)
	}
	return nil
}

func (db *SQLiteClient) Close() error {
	if db.db != nil {
		return db.db.Close()
	}
	return nil
}

// Observe appends t to the journal. Times are stored as Unix nanoseconds so
// the column orders chronologically.
func (db *SQLiteClient) Observe(ctx context.Context, t alerts.Transition) error {
	_, err := db.db.ExecContext(ctx,
		"INSERT INTO alert_events (alert_id, drone, kind, at) VALUES (?, ?, ?, ?)",
		t.AlertID, t.Drone.String(), t.Kind, t.At.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("error inserting alert event: %w", err)
	}
	return nil
}

// History returns up to limit journal entries, newest first. When drone is
// not empty only that drone's entries are returned.
func (db *SQLiteClient) History(ctx context.Context, drone models.DroneID, limit int) ([]alerts.Transition, error) {
	if limit <= 0 {
		limit = 100
	}

	query := "SELECT alert_id, drone, kind, at FROM alert_events"
	args := []any{}
	if drone != "" {
		query += " WHERE drone = ?"
		args = append(args, drone.String())
	}
	query += " ORDER BY at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error querying alert events: %w", err)
	}
	defer rows.Close()

	var out []alerts.Transition
	for rows.Next() {
		var (
			t     alerts.Transition
			drone string
			at    int64
		)
		if err := rows.Scan(&t.AlertID, &drone, &t.Kind, &at); err != nil {
			return nil, fmt.Errorf("error scanning alert event: %w", err)
		}
		t.Drone = models.DroneID(drone)
		t.At = time.Unix(0, at).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}
