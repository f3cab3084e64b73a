package store

import (
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"

	_ "github.com/glebarez/go-sqlite"

	"github.com/nimbuslabs/nimbus/internal/schema"
)

// Storage is the append log behind the assistant: conversation history,
// reminders, and audit trails for tool and voice activity.
type Storage struct {
	DB *sql.DB
}

type HistoryEntry struct {
	ID            int64  `json:"id"`
	SessionID     string `json:"session_id"`
	UserText      string `json:"user_text"`
	AssistantText string `json:"assistant_text"`
	Mode          string `json:"mode"`
	CreatedAt     string `json:"created_at"`
}

type Reminder struct {
	ID        int64  `json:"id"`
	Note      string `json:"note"`
	DueAt     string `json:"due_at"`
	IsDone    bool   `json:"is_done"`
	Notified  bool   `json:"notified"`
	CreatedAt string `json:"created_at"`
}

func Open(dbPath string) (*Storage, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	queries := []string{
		`CREATE TABLE IF NOT EXISTS history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			user_text TEXT NOT NULL,
			assistant_text TEXT NOT NULL,
			mode TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS reminders (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			note TEXT NOT NULL,
			due_at TEXT NOT NULL,
			is_done INTEGER NOT NULL DEFAULT 0,
			notified INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS action_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			actor TEXT NOT NULL,
			tool TEXT NOT NULL,
			args TEXT NOT NULL,
			success INTEGER NOT NULL,
			message TEXT NOT NULL,
			data TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS voice_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			transcript TEXT NOT NULL,
			reply TEXT NOT NULL,
			mode TEXT NOT NULL,
			llm_backend TEXT NOT NULL,
			stt_backend TEXT NOT NULL,
			tts_backend TEXT NOT NULL,
			meta TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			db.Close()
			return nil, err
		}
	}
	return &Storage{DB: db}, nil
}

func (s *Storage) Close() error {
	return s.DB.Close()
}

func (s *Storage) SaveHistory(sessionID, userText, assistantText, mode string) error {
	_, err := s.DB.Exec(
		`INSERT INTO history(session_id, user_text, assistant_text, mode, created_at) VALUES (?, ?, ?, ?, ?)`,
		sessionID, userText, assistantText, mode, schema.UTCNow(),
	)
	return err
}

// ListRecentHistory returns up to limit entries, newest first.
func (s *Storage) ListRecentHistory(sessionID string, limit int) ([]HistoryEntry, error) {
	rows, err := s.DB.Query(
		`SELECT id, session_id, user_text, assistant_text, mode, created_at
		 FROM history WHERE session_id = ? ORDER BY id DESC LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.ID, &e.SessionID, &e.UserText, &e.AssistantText, &e.Mode, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Storage) AddReminder(note, dueAt string) (int64, error) {
	res, err := s.DB.Exec(
		`INSERT INTO reminders(note, due_at, is_done, notified, created_at) VALUES (?, ?, 0, 0, ?)`,
		note, dueAt, schema.UTCNow(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Storage) ListReminders(includeDone bool) ([]Reminder, error) {
	query := `SELECT id, note, due_at, is_done, notified, created_at FROM reminders`
	args := []any{}
	if !includeDone {
		query += ` WHERE is_done = ?`
		args = append(args, 0)
	}
	query += ` ORDER BY due_at ASC`

	rows, err := s.DB.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanReminders(rows)
}

func (s *Storage) CompleteReminder(id int64) (bool, error) {
	res, err := s.DB.Exec(`UPDATE reminders SET is_done = 1 WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListDueUnnotified returns reminders due at or before the given timestamp
// that have not been delivered yet.
func (s *Storage) ListDueUnnotified(before string) ([]Reminder, error) {
	rows, err := s.DB.Query(
		`SELECT id, note, due_at, is_done, notified, created_at
		 FROM reminders WHERE is_done = 0 AND notified = 0 AND due_at <= ?
		 ORDER BY due_at ASC`,
		before,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanReminders(rows)
}

// MarkReminderNotified must run exactly once per due reminder per delivery;
// the poller calls it before publishing the event.
func (s *Storage) MarkReminderNotified(id int64) error {
	_, err := s.DB.Exec(`UPDATE reminders SET notified = 1 WHERE id = ?`, id)
	return err
}

func (s *Storage) SaveActionHistory(sessionID, actor, tool string, args map[string]any, success bool, message string, data map[string]any) error {
	_, err := s.DB.Exec(
		`INSERT INTO action_history(session_id, actor, tool, args, success, message, data, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, actor, tool, marshalJSON(args), boolToInt(success), message, marshalJSON(data), schema.UTCNow(),
	)
	return err
}

func (s *Storage) SaveVoiceHistory(sessionID, transcript, reply, mode, llmBackend, sttBackend, ttsBackend string, meta map[string]any) error {
	_, err := s.DB.Exec(
		`INSERT INTO voice_history(session_id, transcript, reply, mode, llm_backend, stt_backend, tts_backend, meta, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, transcript, reply, mode, llmBackend, sttBackend, ttsBackend, marshalJSON(meta), schema.UTCNow(),
	)
	return err
}

func scanReminders(rows *sql.Rows) ([]Reminder, error) {
	var reminders []Reminder
	for rows.Next() {
		var r Reminder
		var done, notified int
		if err := rows.Scan(&r.ID, &r.Note, &r.DueAt, &done, &notified, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.IsDone = done != 0
		r.Notified = notified != 0
		reminders = append(reminders, r)
	}
	return reminders, rows.Err()
}

func marshalJSON(m map[string]any) string {
	if m == nil {
		return "{}"
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
