// Package session persists conversation messages and the per-session request
// log in SQLite.
package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/hyperjump/aichat/internal/models"
	"github.com/hyperjump/aichat/internal/provider"
)

// LogEntry is one row of the request log: a provider call, a tool execution
// or a chat outcome.
type LogEntry struct {
	ID           int64     `json:"id"`
	SessionID    string    `json:"session_id"`
	Provider     string    `json:"provider"`
	Method       string    `json:"method"`
	URL          string    `json:"url"`
	RequestBody  any       `json:"request_body,omitempty"`
	ResponseBody any       `json:"response_body,omitempty"`
	StatusCode   int       `json:"status_code"`
	Success      bool      `json:"success"`
	ParseError   string    `json:"parse_error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store is the SQLite session store. It is safe for concurrent use.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets a logger that mirrors request log writes at debug level.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Open opens or creates the database at dbPath and initializes the schema.
// Parent directories are created if they do not exist.
func Open(dbPath string, opts ...Option) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s := &Store{db: db}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		parts TEXT,
		tool_calls TEXT,
		tool_call_id TEXT,
		name TEXT,
		mode TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id);

	CREATE TABLE IF NOT EXISTS logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		method TEXT NOT NULL,
		url TEXT,
		request_body TEXT,
		response_body TEXT,
		status_code INTEGER,
		success INTEGER NOT NULL,
		parse_error TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_logs_session ON logs(session_id, id);
	`
	_, err := db.Exec(schema)
	return err
}

func marshalOptional(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// AddMessage appends msg to the session and returns it with its assigned id.
// mode records the chat mode the message was produced in.
func (s *Store) AddMessage(ctx context.Context, sessionID string, msg models.Message, mode string) (models.Message, error) {
	var parts, calls sql.NullString
	var err error
	if len(msg.Parts) > 0 {
		if parts, err = marshalOptional(msg.Parts); err != nil {
			return models.Message{}, fmt.Errorf("failed to marshal parts: %w", err)
		}
	}
	if len(msg.ToolCalls) > 0 {
		if calls, err = marshalOptional(msg.ToolCalls); err != nil {
			return models.Message{}, fmt.Errorf("failed to marshal tool calls: %w", err)
		}
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (session_id, role, content, parts, tool_calls, tool_call_id, name, mode, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, string(msg.Role), msg.Content, parts, calls,
		nullString(msg.ToolCallID), nullString(msg.Name), nullString(mode), time.Now().UTC(),
	)
	if err != nil {
		return models.Message{}, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return models.Message{}, err
	}
	msg.ID = id
	return msg, nil
}

// GetMessages returns the session's messages in insertion order.
func (s *Store) GetMessages(ctx context.Context, sessionID string) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, content, parts, tool_calls, tool_call_id, name
		 FROM messages WHERE session_id = ? ORDER BY id`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var m models.Message
		var role string
		var parts, calls, callID, name sql.NullString
		if err := rows.Scan(&m.ID, &role, &m.Content, &parts, &calls, &callID, &name); err != nil {
			return nil, err
		}
		m.Role = models.Role(role)
		m.ToolCallID = callID.String
		m.Name = name.String
		if parts.Valid && parts.String != "" {
			if err := json.Unmarshal([]byte(parts.String), &m.Parts); err != nil {
				return nil, fmt.Errorf("failed to unmarshal parts of message %d: %w", m.ID, err)
			}
		}
		if calls.Valid && calls.String != "" {
			if err := json.Unmarshal([]byte(calls.String), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("failed to unmarshal tool calls of message %d: %w", m.ID, err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CountMessages returns how many messages the session holds.
func (s *Store) CountMessages(ctx context.Context, sessionID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&n)
	return n, err
}

// AddLog appends an entry to the session's request log.
func (s *Store) AddLog(ctx context.Context, e LogEntry) error {
	req, err := marshalOptional(e.RequestBody)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}
	resp, err := marshalOptional(e.ResponseBody)
	if err != nil {
		return fmt.Errorf("failed to marshal response body: %w", err)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO logs (session_id, provider, method, url, request_body, response_body, status_code, success, parse_error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.SessionID, e.Provider, e.Method, e.URL, req, resp, e.StatusCode, e.Success, nullString(e.ParseError), e.CreatedAt,
	)
	if err != nil {
		return err
	}
	if s.logger != nil {
		s.logger.Debug("request log",
			zap.String("session", e.SessionID),
			zap.String("provider", e.Provider),
			zap.String("method", e.Method),
			zap.Int("status", e.StatusCode),
			zap.Bool("success", e.Success))
	}
	return nil
}

// GetLogs returns the session's request log, newest first.
func (s *Store) GetLogs(ctx context.Context, sessionID string) ([]LogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, provider, method, url, request_body, response_body, status_code, success, parse_error, created_at
		 FROM logs WHERE session_id = ? ORDER BY id DESC`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var e LogEntry
		var url, req, resp, parseErr sql.NullString
		var status sql.NullInt64
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Provider, &e.Method, &url, &req, &resp, &status, &e.Success, &parseErr, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.URL = url.String
		e.StatusCode = int(status.Int64)
		e.ParseError = parseErr.String
		if req.Valid {
			e.RequestBody = json.RawMessage(req.String)
		}
		if resp.Valid {
			e.ResponseBody = json.RawMessage(resp.String)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecordCall writes a provider call record to the request log. Failures are
// logged and dropped so logging never breaks a chat turn.
func (s *Store) RecordCall(ctx context.Context, rec provider.CallRecord) {
	err := s.AddLog(context.WithoutCancel(ctx), LogEntry{
		SessionID:    rec.SessionID,
		Provider:     rec.Provider,
		Method:       rec.Method,
		URL:          rec.URL,
		RequestBody:  rec.Request,
		ResponseBody: rec.Response,
		StatusCode:   rec.Status,
		Success:      rec.Success,
		ParseError:   rec.Error,
	})
	if err != nil && s.logger != nil {
		s.logger.Warn("failed to record provider call", zap.String("provider", rec.Provider), zap.Error(err))
	}
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
