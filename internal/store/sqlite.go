package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jrpool/rallytree-sub000/internal/model"
)

// SQLiteStore journals runs and their counter totals through the sqlite3
// command-line binary, so the daemon carries no cgo driver.
type SQLiteStore struct {
	DBPath     string
	SQLitePath string
}

func NewSQLiteStore(dbPath string) *SQLiteStore {
	if strings.TrimSpace(dbPath) == "" {
		dbPath = ".rallytree/rallytree.db"
	}
	return &SQLiteStore{
		DBPath:     dbPath,
		SQLitePath: "sqlite3",
	}
}

func (s *SQLiteStore) Init() error {
	if err := os.MkdirAll(filepath.Dir(s.DBPath), 0o755); err != nil {
		return fmt.Errorf("create db dir: %w", err)
	}

	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER PRIMARY KEY,
  applied_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS runs (
  run_id TEXT PRIMARY KEY,
  op TEXT NOT NULL,
  root_ref TEXT NOT NULL,
  status TEXT NOT NULL,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  request_json TEXT NOT NULL,
  error_text TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS run_counters (
  run_id TEXT NOT NULL,
  name TEXT NOT NULL,
  value INTEGER NOT NULL,
  PRIMARY KEY (run_id, name)
);`

	return s.execSQL(schema)
}

func (s *SQLiteStore) CreateRun(record model.RunRecord, requestJSON string) error {
	now := time.Now().Format(time.RFC3339)
	sql := fmt.Sprintf(
		`INSERT INTO runs (run_id, op, root_ref, status, created_at, updated_at, request_json, error_text)
VALUES (%s, %s, %s, %s, %s, %s, %s, '');`,
		quote(record.RunID), quote(record.Op), quote(record.RootRef),
		quote(string(record.Status)), quote(now), quote(now), quote(requestJSON),
	)
	return s.execSQL(sql)
}

func (s *SQLiteStore) UpdateRunStatus(runID string, status model.RunStatus, errorText string) error {
	sql := fmt.Sprintf(
		`UPDATE runs
SET status=%s, updated_at=%s, error_text=%s
WHERE run_id=%s;`,
		quote(string(status)), quote(time.Now().Format(time.RFC3339)), quote(errorText), quote(runID),
	)
	return s.execSQL(sql)
}

func (s *SQLiteStore) SaveCounters(runID string, counters map[string]int64) error {
	var b strings.Builder
	for name, value := range counters {
		b.WriteString(fmt.Sprintf(
			"INSERT OR REPLACE INTO run_counters (run_id, name, value) VALUES (%s, %s, %d);\n",
			quote(runID), quote(name), value,
		))
	}
	if b.Len() == 0 {
		return nil
	}
	return s.execSQL(b.String())
}

func (s *SQLiteStore) GetRun(runID string) (model.RunRecord, string, error) {
	sql := fmt.Sprintf(
		`SELECT run_id, op, root_ref, status, created_at, updated_at, error_text, request_json FROM runs WHERE run_id=%s;`,
		quote(runID),
	)
	rows, err := s.queryJSON(sql)
	if err != nil {
		return model.RunRecord{}, "", err
	}
	if len(rows) == 0 {
		return model.RunRecord{}, "", fmt.Errorf("run %s not found", runID)
	}
	record, err := parseRunRecord(rows[0])
	if err != nil {
		return model.RunRecord{}, "", err
	}
	return record, asString(rows[0]["request_json"]), nil
}

func (s *SQLiteStore) ListRuns() ([]model.RunRecord, error) {
	sql := `SELECT run_id, op, root_ref, status, created_at, updated_at, error_text FROM runs ORDER BY created_at DESC, run_id;`
	rows, err := s.queryJSON(sql)
	if err != nil {
		return nil, err
	}
	out := make([]model.RunRecord, 0, len(rows))
	for _, row := range rows {
		record, err := parseRunRecord(row)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, nil
}

func (s *SQLiteStore) GetCounters(runID string) (map[string]int64, error) {
	sql := fmt.Sprintf(`SELECT name, value FROM run_counters WHERE run_id=%s ORDER BY name;`, quote(runID))
	rows, err := s.queryJSON(sql)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[asString(row["name"])] = asInt64(row["value"])
	}
	return out, nil
}

func (s *SQLiteStore) execSQL(sql string) error {
	cmd := exec.Command(s.SQLitePath, s.DBPath, sql)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("sqlite exec failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func (s *SQLiteStore) queryJSON(sql string) ([]map[string]any, error) {
	cmd := exec.Command(s.SQLitePath, "-json", s.DBPath, sql)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("sqlite query failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	output := strings.TrimSpace(stdout.String())
	if output == "" {
		return []map[string]any{}, nil
	}
	rows := []map[string]any{}
	if err := json.Unmarshal(stdout.Bytes(), &rows); err != nil {
		return nil, fmt.Errorf("parse sqlite json output: %w", err)
	}
	return rows, nil
}

func parseRunRecord(row map[string]any) (model.RunRecord, error) {
	createdAt, err := time.Parse(time.RFC3339, asString(row["created_at"]))
	if err != nil {
		return model.RunRecord{}, fmt.Errorf("parse run created_at: %w", err)
	}
	updatedAt, err := time.Parse(time.RFC3339, asString(row["updated_at"]))
	if err != nil {
		return model.RunRecord{}, fmt.Errorf("parse run updated_at: %w", err)
	}
	return model.RunRecord{
		RunID:     asString(row["run_id"]),
		Op:        asString(row["op"]),
		RootRef:   asString(row["root_ref"]),
		Status:    model.RunStatus(asString(row["status"])),
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
		ErrorText: asString(row["error_text"]),
	}, nil
}

func quote(s string) string {
	s = strings.ReplaceAll(s, "'", "''")
	return "'" + s + "'"
}

func asString(v any) string {
	switch typed := v.(type) {
	case nil:
		return ""
	case string:
		return typed
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case bool:
		if typed {
			return "1"
		}
		return "0"
	default:
		return fmt.Sprint(v)
	}
}

func asInt64(v any) int64 {
	switch typed := v.(type) {
	case float64:
		return int64(typed)
	case string:
		n, _ := strconv.ParseInt(typed, 10, 64)
		return n
	case int:
		return int64(typed)
	default:
		return 0
	}
}
