// internal/storage/postgres.go
// Package storage provides PostgreSQL implementation of the Store interface.
// This implementation reads the chat backend's conversation tables directly.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ExpertDevUX/socialworld/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres looks up conversations and participants in PostgreSQL.
type Postgres struct {
	db *pgxpool.Pool // Connection pool to PostgreSQL database
}

// PostgresOptions tunes NewPostgres.
type PostgresOptions struct {
	// InitSchema creates the tables when they are missing. Only for dev databases;
	// in production the chat backend owns the schema.
	InitSchema bool
}

// NewPostgres creates a new PostgreSQL storage implementation.
// Parameters:
//   - dsn: Database connection string in PostgreSQL format
//   - opts: Schema bootstrap switch
func NewPostgres(ctx context.Context, dsn string, opts PostgresOptions) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}

	// The service only performs two indexed reads per request.
	config.MaxConns = 10
	config.MinConns = 1
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = time.Minute * 30
	config.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if opts.InitSchema {
		if err := initSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	return &Postgres{db: pool}, nil
}

// initSchema creates the subset of the chat schema the service reads.
func initSchema(ctx context.Context, db *pgxpool.Pool) error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
		    id TEXT PRIMARY KEY,
		    name TEXT NOT NULL DEFAULT '',
		    is_group BOOLEAN NOT NULL DEFAULT FALSE,
		    call_channel TEXT UNIQUE,                -- Provider channel name
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS conversation_participants (
		    conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		    user_id TEXT NOT NULL,
		    joined_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    PRIMARY KEY (conversation_id, user_id)
		);
	`
	_, err := db.Exec(ctx, schema)
	return err
}

func (p *Postgres) FindConversationByCallChannel(ctx context.Context, channel string) (*model.Conversation, error) {
	const q = `
		SELECT id, name, is_group, call_channel, created_at
		FROM conversations
		WHERE call_channel = $1
		LIMIT 1`

	var c model.Conversation
	err := p.db.QueryRow(ctx, q, channel).Scan(&c.ID, &c.Name, &c.IsGroup, &c.CallChannel, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query conversation by call channel: %w", err)
	}
	return &c, nil
}

func (p *Postgres) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	const q = `
		SELECT EXISTS (
		    SELECT 1 FROM conversation_participants
		    WHERE conversation_id = $1 AND user_id = $2
		)`

	var ok bool
	if err := p.db.QueryRow(ctx, q, conversationID, userID).Scan(&ok); err != nil {
		return false, fmt.Errorf("query participant: %w", err)
	}
	return ok, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

func (p *Postgres) Close() {
	p.db.Close()
}
