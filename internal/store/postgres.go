package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/fathomhq/finchat/internal/model"
	"github.com/fathomhq/finchat/internal/timefmt"
)

//go:embed migrations/postgres/*.sql
var postgresMigrations embed.FS

type postgresStore struct {
	db *sql.DB
}

// openPostgres opens a Postgres connection pool for deployments that
// outgrow SQLite's single-writer constraint (SPEC_FULL.md DOMAIN
// STACK: jackc/pgx as the idiomatic choice the rest of the retrieval
// pack converges on).
func openPostgres(dsn string) (Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	goose.SetBaseFS(postgresMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.Up(db, "migrations/postgres"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &postgresStore{db: db}, nil
}

func (s *postgresStore) Close() error { return s.db.Close() }

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

func (s *postgresStore) CreateJob(ctx context.Context, job *model.Job) error {
	resultJSON, err := marshalResult(job.Result)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, query, chat_id, state, result, error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		job.ID, job.Query, nullIfEmpty(job.ChatID), string(job.State), resultJSON, job.Error,
		timefmt.Format(job.CreatedAt), timefmt.Format(job.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create job: %w: duplicate id", err)
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *postgresStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, query, chat_id, state, result, error, created_at, updated_at FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *postgresStore) UpdateJob(ctx context.Context, id string, u JobUpdate) error {
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
		`UPDATE jobs SET state = $1, result = $2, error = $3, updated_at = $4 WHERE id = $5`,
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

func (s *postgresStore) EnqueueJobID(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO job_queue (job_id) VALUES ($1)`, jobID)
	if err != nil {
		return fmt.Errorf("enqueue job id: %w", err)
	}
	return nil
}

// DequeueJobID uses a transactional DELETE ... RETURNING with
// FOR UPDATE SKIP LOCKED semantics via a subselect, so multiple worker
// processes can pop concurrently without double-delivery (spec §5:
// "multiple worker processes MAY run but share no in-memory state").
func (s *postgresStore) DequeueJobID(ctx context.Context) (string, bool, error) {
	var jobID string
	err := s.db.QueryRowContext(ctx, `
		DELETE FROM job_queue
		WHERE seq = (
			SELECT seq FROM job_queue ORDER BY seq ASC FOR UPDATE SKIP LOCKED LIMIT 1
		)
		RETURNING job_id`).Scan(&jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("dequeue job id: %w", err)
	}
	return jobID, true, nil
}

func (s *postgresStore) QueueDepth(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM job_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

func (s *postgresStore) CreateChat(ctx context.Context, chat *model.Chat) error {
	agentsJSON, err := json.Marshal(chat.AgentsUsed)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO chats (id, title, created_at, updated_at, message_count, last_message_preview, agents_used, json_path)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		chat.ID, chat.Title, timefmt.Format(chat.CreatedAt), timefmt.Format(chat.UpdatedAt),
		chat.MessageCount, chat.LastMessagePreview, agentsJSON, chat.JSONPath)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create chat: %w: duplicate id", err)
		}
		return fmt.Errorf("create chat: %w", err)
	}
	return nil
}

func (s *postgresStore) GetChat(ctx context.Context, id string) (*model.Chat, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, created_at, updated_at, message_count, last_message_preview, agents_used, json_path
		 FROM chats WHERE id = $1`, id)
	chat, err := scanChat(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get chat: %w", err)
	}
	return chat, nil
}

func (s *postgresStore) UpdateChat(ctx context.Context, id string, u ChatUpdate) error {
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
		`UPDATE chats SET title = $1, updated_at = $2, message_count = $3, last_message_preview = $4, agents_used = $5
		 WHERE id = $6`,
		current.Title, timefmt.Format(current.UpdatedAt), current.MessageCount,
		current.LastMessagePreview, agentsJSON, id)
	if err != nil {
		return fmt.Errorf("update chat: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgresStore) ListChats(ctx context.Context, skip, limit int) ([]*model.Chat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, created_at, updated_at, message_count, last_message_preview, agents_used, json_path
		 FROM chats ORDER BY updated_at DESC LIMIT $1 OFFSET $2`, limit, skip)
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

func (s *postgresStore) CountChats(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM chats`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count chats: %w", err)
	}
	return n, nil
}

func (s *postgresStore) DeleteChat(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chats WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
