package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/fathomhq/finchat/internal/model"
	"github.com/fathomhq/finchat/internal/timefmt"
)

//go:embed migrations/sqlite/*.sql
var sqliteMigrations embed.FS

type sqliteStore struct {
	db *sql.DB
}

// openSQLite opens a SQLite database at path (or ":memory:") and
// configures it for concurrent use: WAL mode, foreign keys enabled, a
// single writer connection (SQLite's own constraint, not a choice we
// get to make).
func openSQLite(path string) (Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	db.SetMaxOpenConns(1)

	goose.SetBaseFS(sqliteMigrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.Up(db, "migrations/sqlite"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) CreateJob(ctx context.Context, job *model.Job) error {
	resultJSON, err := marshalResult(job.Result)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, query, chat_id, state, result, error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Query, nullIfEmpty(job.ChatID), string(job.State), resultJSON, job.Error,
		timefmt.Format(job.CreatedAt), timefmt.Format(job.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *sqliteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, query, chat_id, state, result, error, created_at, updated_at FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *sqliteStore) UpdateJob(ctx context.Context, id string, u JobUpdate) error {
	current, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	applyJobUpdate(current, u)
	resultJSON, err := marshalResult(current.Result)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, result = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(current.State), resultJSON, current.Error, timefmt.Format(current.UpdatedAt), id)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) EnqueueJobID(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO job_queue (job_id) VALUES (?)`, jobID)
	if err != nil {
		return fmt.Errorf("enqueue job id: %w", err)
	}
	return nil
}

func (s *sqliteStore) DequeueJobID(ctx context.Context) (string, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int64
	var jobID string
	err = tx.QueryRowContext(ctx, `SELECT seq, job_id FROM job_queue ORDER BY seq ASC LIMIT 1`).Scan(&seq, &jobID)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("select head: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM job_queue WHERE seq = ?`, seq); err != nil {
		return "", false, fmt.Errorf("delete head: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("commit: %w", err)
	}
	return jobID, true, nil
}

func (s *sqliteStore) QueueDepth(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM job_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

func (s *sqliteStore) CreateChat(ctx context.Context, chat *model.Chat) error {
	agentsJSON, err := json.Marshal(chat.AgentsUsed)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO chats (id, title, created_at, updated_at, message_count, last_message_preview, agents_used, json_path)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		chat.ID, chat.Title, timefmt.Format(chat.CreatedAt), timefmt.Format(chat.UpdatedAt),
		chat.MessageCount, chat.LastMessagePreview, string(agentsJSON), chat.JSONPath)
	if err != nil {
		return fmt.Errorf("create chat: %w", err)
	}
	return nil
}

func (s *sqliteStore) GetChat(ctx context.Context, id string) (*model.Chat, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, created_at, updated_at, message_count, last_message_preview, agents_used, json_path
		 FROM chats WHERE id = ?`, id)
	chat, err := scanChat(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get chat: %w", err)
	}
	return chat, nil
}

func (s *sqliteStore) UpdateChat(ctx context.Context, id string, u ChatUpdate) error {
	current, err := s.GetChat(ctx, id)
	if err != nil {
		return err
	}
	applyChatUpdate(current, u)
	agentsJSON, err := json.Marshal(current.AgentsUsed)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE chats SET title = ?, updated_at = ?, message_count = ?, last_message_preview = ?, agents_used = ?
		 WHERE id = ?`,
		current.Title, timefmt.Format(current.UpdatedAt), current.MessageCount,
		current.LastMessagePreview, string(agentsJSON), id)
	if err != nil {
		return fmt.Errorf("update chat: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ListChats(ctx context.Context, skip, limit int) ([]*model.Chat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, created_at, updated_at, message_count, last_message_preview, agents_used, json_path
		 FROM chats ORDER BY updated_at DESC LIMIT ? OFFSET ?`, limit, skip)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Chat
	for rows.Next() {
		chat, err := scanChat(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		out = append(out, chat)
	}
	return out, rows.Err()
}

func (s *sqliteStore) CountChats(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM chats`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count chats: %w", err)
	}
	return n, nil
}

func (s *sqliteStore) DeleteChat(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chats WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

