package seed

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `CREATE TABLE IF NOT EXISTS documents (
	room     TEXT PRIMARY KEY,
	content  TEXT NOT NULL,
	saved_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Postgres reads and writes last-saved content in the workspace database.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to url and makes sure the documents table exists.
func OpenPostgres(ctx context.Context, url string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating documents table: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Load(ctx context.Context, room string) (string, bool, error) {
	var text string
	err := p.pool.QueryRow(ctx, `SELECT content FROM documents WHERE room = $1`, room).Scan(&text)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("loading %q: %w", room, err)
	}
	return text, true, nil
}

func (p *Postgres) Save(ctx context.Context, room, text string) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO documents (room, content, saved_at) VALUES ($1, $2, now())
		ON CONFLICT (room) DO UPDATE SET content = EXCLUDED.content, saved_at = EXCLUDED.saved_at`,
		room, text)
	if err != nil {
		return fmt.Errorf("saving %q: %w", room, err)
	}
	return nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}
