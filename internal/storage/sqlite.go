// Package storage persists pages, their processing logs and their fetched documents.
// Pages and logs live in SQLite; documents are kept as JSON files on disk.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/masahif/grimoire/internal/pipeline"
	// SQLite database driver (CGO-free)
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteStorage implements pipeline.Store using SQLite
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage creates a new SQLite storage instance
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool - single connection prevents lock conflicts
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	storage := &SQLiteStorage{db: db}

	if err := storage.InitSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return storage, nil
}

// InitSchema creates the database schema
func (s *SQLiteStorage) InitSchema() error {
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -64000", // 64MB cache
		"PRAGMA temp_store = MEMORY",
		"PRAGMA busy_timeout = 30000", // 30 second timeout for locks
	}

	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}

	if _, err := s.db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// Ping checks that the database is reachable
func (s *SQLiteStorage) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// CreatePage inserts a new page. A duplicate URL returns pipeline.ErrAlreadyExists.
func (s *SQLiteStorage) CreatePage(ctx context.Context, url, title, memo string) (int64, error) {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO pages (url, title, memo, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, url, title, memo, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, pipeline.ErrAlreadyExists
		}
		return 0, fmt.Errorf("failed to insert page: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID: %w", err)
	}
	return id, nil
}

// CreatePageWithLog inserts a page and its first process log in one transaction
func (s *SQLiteStorage) CreatePageWithLog(ctx context.Context, url, title, memo string, status pipeline.LogStatus) (int64, int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	result, err := tx.ExecContext(ctx, `
		INSERT INTO pages (url, title, memo, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, url, title, memo, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, 0, pipeline.ErrAlreadyExists
		}
		return 0, 0, fmt.Errorf("failed to insert page: %w", err)
	}
	pageID, err := result.LastInsertId()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get page ID: %w", err)
	}

	result, err = tx.ExecContext(ctx, `
		INSERT INTO process_logs (page_id, url, status, created_at)
		VALUES (?, ?, ?, ?)
	`, pageID, url, string(status), now)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to insert process log: %w", err)
	}
	logID, err := result.LastInsertId()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get log ID: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return pageID, logID, nil
}

const pageColumns = `id, url, title, memo, summary, keywords, index_ref, last_success_step, created_at, updated_at`

// GetPage returns the page with the given id
func (s *SQLiteStorage) GetPage(ctx context.Context, id int64) (*pipeline.Page, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pageColumns+` FROM pages WHERE id = ?`, id)
	return scanPage(row)
}

// GetPageByURL returns the page registered for url
func (s *SQLiteStorage) GetPageByURL(ctx context.Context, url string) (*pipeline.Page, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pageColumns+` FROM pages WHERE url = ?`, url)
	return scanPage(row)
}

// ListPages returns pages newest first
func (s *SQLiteStorage) ListPages(ctx context.Context, opts pipeline.ListOptions) ([]pipeline.Page, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = -1 // no limit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+pageColumns+`
		FROM pages
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`, limit, max(opts.Offset, 0))
	if err != nil {
		return nil, fmt.Errorf("failed to query pages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var pages []pipeline.Page
	for rows.Next() {
		page, err := scanPage(rows)
		if err != nil {
			return nil, err
		}
		pages = append(pages, *page)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pages: %w", err)
	}
	return pages, nil
}

// CountPages returns the number of pages at each last success step
func (s *SQLiteStorage) CountPages(ctx context.Context) (map[pipeline.Step]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT last_success_step, COUNT(*) FROM pages GROUP BY last_success_step
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count pages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[pipeline.Step]int)
	for rows.Next() {
		var step string
		var n int
		if err := rows.Scan(&step, &n); err != nil {
			return nil, fmt.Errorf("failed to scan page count: %w", err)
		}
		counts[pipeline.Step(step)] = n
	}
	return counts, rows.Err()
}

// UpdatePageTitle sets the page title
func (s *SQLiteStorage) UpdatePageTitle(ctx context.Context, id int64, title string) error {
	return s.updatePage(ctx, id, "title = ?", title)
}

// UpdatePageSummaryKeywords stores the summary and keywords produced by the llm stage
func (s *SQLiteStorage) UpdatePageSummaryKeywords(ctx context.Context, id int64, summary string, keywords []string) error {
	if keywords == nil {
		keywords = []string{}
	}
	keywordsJSON, err := json.Marshal(keywords)
	if err != nil {
		return fmt.Errorf("failed to marshal keywords: %w", err)
	}
	return s.updatePage(ctx, id, "summary = ?, keywords = ?", summary, string(keywordsJSON))
}

// UpdatePageIndexRef stores the reference returned by the vector index
func (s *SQLiteStorage) UpdatePageIndexRef(ctx context.Context, id int64, ref string) error {
	return s.updatePage(ctx, id, "index_ref = ?", ref)
}

// UpdatePageLastSuccessStep moves the step marker forward. Writes that would move
// it backward or keep it in place are ignored and report advanced == false.
func (s *SQLiteStorage) UpdatePageLastSuccessStep(ctx context.Context, id int64, step pipeline.Step) (bool, error) {
	rank := step.Rank()
	if rank < 0 {
		return false, fmt.Errorf("%w: unknown step %q", pipeline.ErrInvalidState, step)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE pages SET last_success_step = ?, updated_at = ?
		WHERE id = ? AND `+stepRankSQL+` < ?
	`, string(step), time.Now().UTC(), id, rank)
	if err != nil {
		return false, fmt.Errorf("failed to update last success step: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected > 0 {
		return true, nil
	}

	// Either the page is missing or the marker is already at or past step
	if err := s.ensurePage(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// CreateLog opens a new process log for an attempt
func (s *SQLiteStorage) CreateLog(ctx context.Context, pageID int64, url string, status pipeline.LogStatus) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO process_logs (page_id, url, status, created_at)
		VALUES (?, ?, ?, ?)
	`, pageID, url, string(status), time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to insert process log: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID: %w", err)
	}
	return id, nil
}

// UpdateLogStatus records the current status of an attempt
func (s *SQLiteStorage) UpdateLogStatus(ctx context.Context, logID int64, status pipeline.LogStatus, errorMessage string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE process_logs SET status = ?, error_message = ? WHERE id = ?
	`, string(status), errorMessage, logID)
	if err != nil {
		return fmt.Errorf("failed to update process log: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("process log %d: %w", logID, pipeline.ErrNotFound)
	}
	return nil
}

// GetLogsByStatus returns logs in any of the given statuses, most recent first
func (s *SQLiteStorage) GetLogsByStatus(ctx context.Context, statuses ...pipeline.LogStatus) ([]pipeline.ProcessLog, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
	args := make([]any, len(statuses))
	for i, status := range statuses {
		args[i] = string(status)
	}

	return s.queryLogs(ctx, `
		SELECT id, page_id, url, status, error_message, created_at
		FROM process_logs
		WHERE status IN (`+placeholders+`)
		ORDER BY created_at DESC, id DESC
	`, args...)
}

// GetLogsForPage returns every log of the page, oldest first
func (s *SQLiteStorage) GetLogsForPage(ctx context.Context, pageID int64) ([]pipeline.ProcessLog, error) {
	return s.queryLogs(ctx, `
		SELECT id, page_id, url, status, error_message, created_at
		FROM process_logs
		WHERE page_id = ?
		ORDER BY id ASC
	`, pageID)
}

func (s *SQLiteStorage) queryLogs(ctx context.Context, query string, args ...any) ([]pipeline.ProcessLog, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query process logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var logs []pipeline.ProcessLog
	for rows.Next() {
		var (
			l      pipeline.ProcessLog
			pageID sql.NullInt64
			status string
		)
		if err := rows.Scan(&l.ID, &pageID, &l.URL, &status, &l.ErrorMessage, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan process log: %w", err)
		}
		l.PageID = pageID.Int64
		l.Status = pipeline.LogStatus(status)
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate process logs: %w", err)
	}
	return logs, nil
}

func (s *SQLiteStorage) updatePage(ctx context.Context, id int64, set string, args ...any) error {
	args = append(args, time.Now().UTC(), id)
	result, err := s.db.ExecContext(ctx, `UPDATE pages SET `+set+`, updated_at = ? WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update page: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("page %d: %w", id, pipeline.ErrNotFound)
	}
	return nil
}

func (s *SQLiteStorage) ensurePage(ctx context.Context, id int64) error {
	var exists int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM pages WHERE id = ?", id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("page %d: %w", id, pipeline.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to query page: %w", err)
	}
	return nil
}

// stepRankSQL maps the stored step marker to its position in pipeline.Steps
var stepRankSQL = func() string {
	var b strings.Builder
	b.WriteString("(CASE last_success_step")
	for i, step := range pipeline.Steps {
		fmt.Fprintf(&b, " WHEN '%s' THEN %d", step, i)
	}
	b.WriteString(" ELSE -1 END)")
	return b.String()
}()

type scanner interface {
	Scan(dest ...any) error
}

func scanPage(row scanner) (*pipeline.Page, error) {
	var (
		page     pipeline.Page
		keywords string
		step     string
	)
	err := row.Scan(
		&page.ID,
		&page.URL,
		&page.Title,
		&page.Memo,
		&page.Summary,
		&keywords,
		&page.IndexRef,
		&step,
		&page.CreatedAt,
		&page.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pipeline.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan page: %w", err)
	}

	page.LastSuccessStep = pipeline.Step(step)
	if keywords != "" {
		if err := json.Unmarshal([]byte(keywords), &page.Keywords); err != nil {
			return nil, fmt.Errorf("failed to unmarshal keywords: %w", err)
		}
	}
	return &page, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}
