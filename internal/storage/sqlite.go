package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/mimamori-ai/mimamori/internal/conversation"
)

const (
	SummaryPending   = "pending"
	SummaryCompleted = "completed"
	SummaryFailed    = "failed"
)

// Record is one persisted check-in conversation.
type Record struct {
	ID              string    `json:"id"`
	UserName        string    `json:"user_name"`
	StartedAt       time.Time `json:"started_at"`
	EndedAt         time.Time `json:"ended_at"`
	Duration        float64   `json:"duration_seconds"`
	SafetyStatus    string    `json:"safety_status"`
	EmotionScore    float64   `json:"emotion_score"`
	EmotionCategory string    `json:"emotion_category"`
	Keywords        []string  `json:"keywords"`
	UserLines       []string  `json:"user_lines"`
	AssistantLines  []string  `json:"assistant_lines"`
	Summary         string    `json:"summary"`
	SummaryStatus   string    `json:"summary_status"`
	NeedsFollowup   bool      `json:"needs_followup"`
	FollowupDone    bool      `json:"followup_done"`
}

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if strings.TrimSpace(dbPath) == "" {
		dbPath = filepath.Join("data", "mimamori.db")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) init() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			user_name TEXT NOT NULL,
			started_at TEXT NOT NULL,
			ended_at TEXT NOT NULL,
			duration_seconds REAL NOT NULL,
			safety_status TEXT NOT NULL,
			emotion_score REAL NOT NULL,
			emotion_category TEXT NOT NULL,
			keywords TEXT NOT NULL DEFAULT '[]',
			user_lines TEXT NOT NULL DEFAULT '[]',
			assistant_lines TEXT NOT NULL DEFAULT '[]',
			summary TEXT NOT NULL DEFAULT '',
			summary_status TEXT NOT NULL DEFAULT 'pending',
			needs_followup INTEGER NOT NULL DEFAULT 0,
			followup_done INTEGER NOT NULL DEFAULT 0
		);
	`); err != nil {
		return fmt.Errorf("create conversations table: %w", err)
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS summary_requests (
			conversation_id TEXT NOT NULL,
			prompt_hash TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(conversation_id, prompt_hash)
		);
	`); err != nil {
		return fmt.Errorf("create summary_requests table: %w", err)
	}

	if _, err := s.db.Exec("CREATE INDEX IF NOT EXISTS idx_conversations_started_at ON conversations(started_at)"); err != nil {
		return fmt.Errorf("create conversations index: %w", err)
	}

	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// SaveResult persists one finished session and returns the assigned id.
func (s *SQLiteStore) SaveResult(res conversation.Result) (string, error) {
	id := uuid.NewString()

	keywords, err := marshalLines(res.Classification.Keywords)
	if err != nil {
		return "", fmt.Errorf("marshal keywords: %w", err)
	}
	userLines, err := marshalLines(res.UserLines)
	if err != nil {
		return "", fmt.Errorf("marshal user lines: %w", err)
	}
	assistantLines, err := marshalLines(res.AssistantLines)
	if err != nil {
		return "", fmt.Errorf("marshal assistant lines: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO conversations(
			id, user_name, started_at, ended_at, duration_seconds,
			safety_status, emotion_score, emotion_category,
			keywords, user_lines, assistant_lines,
			summary, summary_status, needs_followup
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id,
		res.UserName,
		res.StartedAt.UTC().Format(time.RFC3339Nano),
		res.EndedAt.UTC().Format(time.RFC3339Nano),
		res.Duration.Seconds(),
		string(res.Classification.Safety),
		res.Classification.EmotionScore,
		string(res.Classification.Category),
		keywords,
		userLines,
		assistantLines,
		res.Classification.Summary,
		SummaryPending,
		boolToInt(res.Classification.NeedsFollowup),
	)
	if err != nil {
		return "", fmt.Errorf("save conversation %s: %w", id, err)
	}
	return id, nil
}

func (s *SQLiteStore) GetRecord(id string) (Record, error) {
	row := s.db.QueryRow(selectColumns+` FROM conversations WHERE id = ?`, id)

	rec, err := scanRecord(row)
	if err != nil {
		return Record{}, fmt.Errorf("query conversation %s: %w", id, err)
	}
	return rec, nil
}

// GetByDate returns the conversations started on the given day (YYYY-MM-DD),
// newest first.
func (s *SQLiteStore) GetByDate(date string) ([]Record, error) {
	rows, err := s.db.Query(
		selectColumns+`
		 FROM conversations
		 WHERE substr(started_at, 1, 10) = ?
		 ORDER BY started_at DESC`,
		date,
	)
	if err != nil {
		return nil, fmt.Errorf("query conversations by date %s: %w", date, err)
	}
	defer func() { _ = rows.Close() }()

	return scanRecords(rows)
}

func (s *SQLiteStore) GetDates() ([]string, error) {
	rows, err := s.db.Query(
		`SELECT DISTINCT substr(started_at, 1, 10) AS date FROM conversations ORDER BY date DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query dates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var dates []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan date: %w", err)
		}
		dates = append(dates, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dates rows: %w", err)
	}

	return dates, nil
}

// PendingFollowups returns conversations flagged for follow-up that have not
// been marked done yet, oldest first.
func (s *SQLiteStore) PendingFollowups() ([]Record, error) {
	rows, err := s.db.Query(
		selectColumns+`
		 FROM conversations
		 WHERE needs_followup = 1 AND followup_done = 0
		 ORDER BY started_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query pending followups: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanRecords(rows)
}

func (s *SQLiteStore) MarkFollowupDone(id string) error {
	res, err := s.db.Exec(`UPDATE conversations SET followup_done = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark followup done for %s: %w", id, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark followup rows affected: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *SQLiteStore) UpdateSummary(id, summary, status string) error {
	res, err := s.db.Exec(
		`UPDATE conversations SET summary = ?, summary_status = ? WHERE id = ?`,
		summary,
		status,
		id,
	)
	if err != nil {
		return fmt.Errorf("update summary for %s: %w", id, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update summary rows affected: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}

	return nil
}

// ClaimSummaryRequest records that a summary with the given prompt hash is
// being generated. Returns false when the same prompt was already claimed.
func (s *SQLiteStore) ClaimSummaryRequest(id, promptHash string) (bool, error) {
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO summary_requests(conversation_id, prompt_hash) VALUES(?, ?)`,
		id,
		promptHash,
	)
	if err != nil {
		return false, fmt.Errorf("claim summary request for %s: %w", id, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim summary rows affected: %w", err)
	}

	return rows > 0, nil
}

const selectColumns = `SELECT id, user_name, started_at, ended_at, duration_seconds,
	safety_status, emotion_score, emotion_category,
	keywords, user_lines, assistant_lines,
	summary, summary_status, needs_followup, followup_done`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var startedAt, endedAt string
	var keywords, userLines, assistantLines string
	var needsFollowup, followupDone int

	if err := row.Scan(
		&rec.ID, &rec.UserName, &startedAt, &endedAt, &rec.Duration,
		&rec.SafetyStatus, &rec.EmotionScore, &rec.EmotionCategory,
		&keywords, &userLines, &assistantLines,
		&rec.Summary, &rec.SummaryStatus, &needsFollowup, &followupDone,
	); err != nil {
		return Record{}, err
	}

	parsedStart, err := time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return Record{}, fmt.Errorf("parse started_at: %w", err)
	}
	rec.StartedAt = parsedStart

	parsedEnd, err := time.Parse(time.RFC3339Nano, endedAt)
	if err != nil {
		return Record{}, fmt.Errorf("parse ended_at: %w", err)
	}
	rec.EndedAt = parsedEnd

	if err := json.Unmarshal([]byte(keywords), &rec.Keywords); err != nil {
		return Record{}, fmt.Errorf("unmarshal keywords: %w", err)
	}
	if err := json.Unmarshal([]byte(userLines), &rec.UserLines); err != nil {
		return Record{}, fmt.Errorf("unmarshal user lines: %w", err)
	}
	if err := json.Unmarshal([]byte(assistantLines), &rec.AssistantLines); err != nil {
		return Record{}, fmt.Errorf("unmarshal assistant lines: %w", err)
	}

	rec.NeedsFollowup = needsFollowup != 0
	rec.FollowupDone = followupDone != 0

	return rec, nil
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	records := make([]Record, 0, 16)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation rows: %w", err)
	}

	return records, nil
}

func marshalLines(lines []string) (string, error) {
	if lines == nil {
		lines = []string{}
	}
	data, err := json.Marshal(lines)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
