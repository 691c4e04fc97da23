package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/boomlive/replybot/internal/models"
	_ "github.com/lib/pq"
)

//go:embed migrations.sql
var migrations embed.FS

type DatabaseConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	DBName      string
	SSLMode     string
	UseInMemory bool
}

// PostgresArchive persists dispatched replies across restarts. Note that this
// covers the audit trail only; dedup, rate, and cache state stay in-memory.
type PostgresArchive struct {
	db *sql.DB
}

func NewPostgresArchive(config DatabaseConfig) (*PostgresArchive, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	archive := &PostgresArchive{db: db}

	if err := archive.initializeSchema(); err != nil {
		return nil, fmt.Errorf("error initializing database schema: %w", err)
	}

	return archive, nil
}

func (a *PostgresArchive) initializeSchema() error {
	migrationSQL, err := migrations.ReadFile("migrations.sql")
	if err != nil {
		return fmt.Errorf("error reading migrations file: %w", err)
	}

	if _, err := a.db.Exec(string(migrationSQL)); err != nil {
		return fmt.Errorf("error executing migrations: %w", err)
	}
	return nil
}

func (a *PostgresArchive) SaveReply(ctx context.Context, reply *models.Reply) error {
	query := `
		INSERT INTO replies (id, item_id, item_kind, author_id, question, response, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`

	_, err := a.db.ExecContext(ctx, query,
		reply.ID,
		reply.ItemID,
		reply.ItemKind,
		reply.AuthorID,
		reply.Question,
		reply.Response,
		reply.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("error saving reply: %w", err)
	}
	return nil
}

func (a *PostgresArchive) CountReplies(ctx context.Context) (int, error) {
	var count int
	if err := a.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM replies`).Scan(&count); err != nil {
		return 0, fmt.Errorf("error counting replies: %w", err)
	}
	return count, nil
}

func (a *PostgresArchive) RecentReplies(ctx context.Context, limit int) ([]*models.Reply, error) {
	query := `
		SELECT id, item_id, item_kind, author_id, question, response, created_at
		FROM replies
		ORDER BY created_at DESC
		LIMIT $1`

	rows, err := a.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("error querying replies: %w", err)
	}
	defer rows.Close()

	var replies []*models.Reply
	for rows.Next() {
		reply := &models.Reply{}
		err := rows.Scan(
			&reply.ID,
			&reply.ItemID,
			&reply.ItemKind,
			&reply.AuthorID,
			&reply.Question,
			&reply.Response,
			&reply.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("error scanning reply: %w", err)
		}
		replies = append(replies, reply)
	}
	return replies, rows.Err()
}

func (a *PostgresArchive) Close() error {
	return a.db.Close()
}
