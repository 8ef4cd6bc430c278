package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/yomibot/backend/internal/storage/models"
	"github.com/yomibot/backend/pkg/logger"
)

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	if err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if dbPath != ":memory:" {
		_, err = db.Exec("PRAGMA journal_mode = WAL")
		if err != nil {
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	} else {
		// every pooled connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS query_history (
		id TEXT PRIMARY KEY,
		user_id TEXT,
		requester TEXT,
		query_text TEXT NOT NULL,
		response TEXT,
		scope TEXT,
		player_count INTEGER DEFAULT 0,
		wiki_page_count INTEGER DEFAULT 0,
		web_search_used INTEGER DEFAULT 0,
		agentic INTEGER DEFAULT 0,
		iterations INTEGER DEFAULT 0,
		violations INTEGER DEFAULT 0,
		latency_ms INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_query_user ON query_history(user_id);
	CREATE INDEX IF NOT EXISTS idx_query_created ON query_history(created_at);

	CREATE TABLE IF NOT EXISTS query_sources (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		query_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		name TEXT,
		url TEXT NOT NULL,
		FOREIGN KEY (query_id) REFERENCES query_history(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_sources_query ON query_sources(query_id);

	CREATE TABLE IF NOT EXISTS feedback (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		query_id TEXT NOT NULL,
		helpful INTEGER NOT NULL,
		issue_category TEXT,
		comment TEXT,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (query_id) REFERENCES query_history(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_feedback_query ON feedback(query_id);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

// RecordQuery stores an answered query and its sources in one transaction.
func (c *Client) RecordQuery(ctx context.Context, record *models.QueryRecord, sources []models.QuerySource) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO query_history (id, user_id, requester, query_text, response, scope, player_count,
			wiki_page_count, web_search_used, agentic, iterations, violations, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		record.ID,
		record.UserID,
		record.Requester,
		record.QueryText,
		record.Response,
		record.Scope,
		record.PlayerCount,
		record.WikiPageCount,
		boolInt(record.WebSearchUsed),
		boolInt(record.Agentic),
		record.Iterations,
		record.Violations,
		record.LatencyMS,
		record.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert query record: %w", err)
	}

	for _, s := range sources {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO query_sources (query_id, kind, name, url) VALUES (?, ?, ?, ?)`,
			record.ID, s.Kind, s.Name, s.URL)
		if err != nil {
			return fmt.Errorf("failed to insert query source: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit query record: %w", err)
	}

	logger.Info("Query recorded",
		zap.String("query_id", record.ID),
		zap.String("scope", record.Scope),
		zap.Int("sources", len(sources)),
	)
	return nil
}

// QueryHistory lists a user's queries, newest first. An empty userID lists
// everyone's.
func (c *Client) QueryHistory(ctx context.Context, userID string, limit int) ([]models.QueryRecord, error) {
	query := `
		SELECT id, user_id, requester, query_text, response, scope, player_count, wiki_page_count,
			web_search_used, agentic, iterations, violations, latency_ms, created_at
		FROM query_history
		WHERE (? = '' OR user_id = ?)
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`

	rows, err := c.db.QueryContext(ctx, query, userID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get query history: %w", err)
	}
	defer rows.Close()

	var records []models.QueryRecord
	for rows.Next() {
		var r models.QueryRecord
		var userID, requester, response, scope sql.NullString
		var web, agentic int
		var createdAt int64

		err := rows.Scan(&r.ID, &userID, &requester, &r.QueryText, &response, &scope, &r.PlayerCount,
			&r.WikiPageCount, &web, &agentic, &r.Iterations, &r.Violations, &r.LatencyMS, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		r.UserID = userID.String
		r.Requester = requester.String
		r.Response = response.String
		r.Scope = scope.String
		r.WebSearchUsed = web == 1
		r.Agentic = agentic == 1
		r.CreatedAt = time.Unix(createdAt, 0)
		records = append(records, r)
	}

	return records, rows.Err()
}

func (c *Client) QuerySources(ctx context.Context, queryID string) ([]models.QuerySource, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, query_id, kind, name, url FROM query_sources WHERE query_id = ? ORDER BY id`, queryID)
	if err != nil {
		return nil, fmt.Errorf("failed to get query sources: %w", err)
	}
	defer rows.Close()

	var sources []models.QuerySource
	for rows.Next() {
		var s models.QuerySource
		var name sql.NullString
		if err := rows.Scan(&s.ID, &s.QueryID, &s.Kind, &name, &s.URL); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		s.Name = name.String
		sources = append(sources, s)
	}
	return sources, rows.Err()
}

func (c *Client) StoreFeedback(ctx context.Context, feedback *models.Feedback) error {
	query := `INSERT INTO feedback (query_id, helpful, issue_category, comment, created_at) VALUES (?, ?, ?, ?, ?)`

	_, err := c.db.ExecContext(ctx,
		query,
		feedback.QueryID,
		boolInt(feedback.Helpful),
		feedback.IssueCategory,
		feedback.Comment,
		time.Now().Unix(),
	)

	if err != nil {
		return fmt.Errorf("failed to store feedback: %w", err)
	}

	logger.Info("Feedback stored",
		zap.String("query_id", feedback.QueryID),
		zap.Bool("helpful", feedback.Helpful),
	)

	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
