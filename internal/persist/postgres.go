package persist

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	id      TEXT PRIMARY KEY,
	type    TEXT NOT NULL,
	version BIGINT NOT NULL,
	data    BYTEA NOT NULL
)`

const upsert = `
INSERT INTO documents (id, type, version, data) VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE
SET type = excluded.type, version = excluded.version, data = excluded.data
WHERE documents.version <= excluded.version`

// Postgres keeps snapshots in a documents table.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, url string) (*Postgres, error) {
	if url == "" {
		return nil, errors.New("postgres store needs STORE_URL")
	}
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, failed(err, "connect postgres")
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, failed(err, "create schema")
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Load(ctx context.Context, id string) (*Snapshot, error) {
	s := &Snapshot{ID: id}
	err := p.pool.QueryRow(ctx, `SELECT type, version, data FROM documents WHERE id = $1`, id).
		Scan(&s.Type, &s.Version, &s.Data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound(id)
	} else if err != nil {
		return nil, failed(err, "select snapshot")
	}
	return s, nil
}

func (p *Postgres) Save(ctx context.Context, snap *Snapshot) error {
	if _, err := p.pool.Exec(ctx, upsert, snap.ID, snap.Type, snap.Version, snap.Data); err != nil {
		return failed(err, "upsert snapshot")
	}
	return nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
