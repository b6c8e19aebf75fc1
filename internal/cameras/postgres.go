package cameras

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresDirectory reads cameras from the application's dogs table.
type PostgresDirectory struct {
	pool *pgxpool.Pool
}

// NewPostgresDirectory opens a pool for dsn. The pool connects lazily, so a
// database that is down at startup surfaces on the first Lookup.
func NewPostgresDirectory(ctx context.Context, dsn string) (*PostgresDirectory, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres camera dsn required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres camera config: %w", err)
	}
	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	if _, ok := cfg.ConnConfig.RuntimeParams["application_name"]; !ok {
		cfg.ConnConfig.RuntimeParams["application_name"] = "stream-relay"
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres camera pool: %w", err)
	}
	return &PostgresDirectory{pool: pool}, nil
}

// Close releases the pool, giving up when ctx is done.
func (d *PostgresDirectory) Close(ctx context.Context) error {
	if d == nil || d.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		d.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// Lookup implements Directory.Lookup.
func (d *PostgresDirectory) Lookup(ctx context.Context, id string) (Camera, error) {
	row := d.pool.QueryRow(ctx, `
SELECT id, COALESCE(name, ''), COALESCE(stream_url, ''), updated_at
FROM dogs
WHERE id = $1
`, id)
	var c Camera
	if err := row.Scan(&c.ID, &c.Name, &c.StreamURL, &c.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Camera{}, ErrNotFound
		}
		return Camera{}, fmt.Errorf("lookup camera %s: %w", id, err)
	}
	return c, nil
}

// SetStreamURL implements Directory.SetStreamURL.
func (d *PostgresDirectory) SetStreamURL(ctx context.Context, id, url string) error {
	tag, err := d.pool.Exec(ctx, `UPDATE dogs SET stream_url = $2, updated_at = now() WHERE id = $1`, id, url)
	if err != nil {
		return fmt.Errorf("update camera %s stream url: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
