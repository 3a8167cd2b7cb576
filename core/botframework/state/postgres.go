package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/m3rciful/chatbridge/core/logger"
)

// PostgresStorage keeps items in the bot_state table created by the migrations.
// The etag column is a row version bumped on every write.
type PostgresStorage struct {
	db *sqlx.DB
}

// NewPostgresStorage wraps an open connection pool.
func NewPostgresStorage(db *sqlx.DB) *PostgresStorage {
	return &PostgresStorage{db: db}
}

type stateRow struct {
	Key   string `db:"key"`
	Value []byte `db:"value"`
	ETag  int64  `db:"etag"`
}

const (
	selectStateSQL = `SELECT key, value, etag FROM bot_state WHERE key = ANY($1)`
	upsertStateSQL = `INSERT INTO bot_state (key, value, etag, updated_at)
VALUES ($1, $2::jsonb, 1, now())
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, etag = bot_state.etag + 1, updated_at = now()`
	updateStateSQL = `UPDATE bot_state SET value = $2::jsonb, etag = etag + 1, updated_at = now()
WHERE key = $1 AND etag = $3`
	insertStateSQL = `INSERT INTO bot_state (key, value, etag, updated_at)
VALUES ($1, $2::jsonb, 1, now())
ON CONFLICT (key) DO NOTHING`
	deleteStateSQL = `DELETE FROM bot_state WHERE key = ANY($1)`
)

// Read loads the rows for keys in one query.
func (p *PostgresStorage) Read(ctx context.Context, keys []string) (map[string]Item, error) {
	out := make(map[string]Item, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	start := time.Now()
	var rows []stateRow
	if err := p.db.SelectContext(ctx, &rows, selectStateSQL, pq.Array(keys)); err != nil {
		logger.Error(ctx, "state", "storage.read",
			slog.String("status", "fail"),
			slog.Int("keys", len(keys)),
			slog.String("err", err.Error()),
		)
		return nil, fmt.Errorf("state: read: %w", err)
	}
	for _, r := range rows {
		out[r.Key] = Item{Value: r.Value, ETag: formatETag(r.ETag)}
	}
	logger.DebugSampled(ctx, "state", "storage.read",
		slog.String("status", "ok"),
		slog.Int("keys", len(keys)),
		slog.Int("count", len(rows)),
		slog.Duration("duration", logger.Took(start)),
	)
	return out, nil
}

// Write applies changes in a single transaction.
func (p *PostgresStorage) Write(ctx context.Context, changes map[string]Item) (err error) {
	if len(changes) == 0 {
		return nil
	}
	start := time.Now()
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("state: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			logger.Warn(ctx, "state", "storage.write",
				slog.String("status", "fail"),
				slog.Int("keys", len(changes)),
				slog.String("err", err.Error()),
			)
		}
	}()

	for key, item := range changes {
		if err = writeItem(ctx, tx, key, item); err != nil {
			return err
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("state: commit: %w", err)
	}
	logger.DebugSampled(ctx, "state", "storage.write",
		slog.String("status", "ok"),
		slog.Int("keys", len(changes)),
		slog.Duration("duration", logger.Took(start)),
	)
	return nil
}

func writeItem(ctx context.Context, tx *sqlx.Tx, key string, item Item) error {
	value := string(item.Value)
	if unconditional(item.ETag) {
		if _, err := tx.ExecContext(ctx, upsertStateSQL, key, value); err != nil {
			return fmt.Errorf("state: upsert %q: %w", key, err)
		}
		return nil
	}

	version, perr := strconv.ParseInt(item.ETag, 10, 64)
	if perr != nil {
		return fmt.Errorf("%w: key %q has malformed etag %q", ErrETagConflict, key, item.ETag)
	}
	res, err := tx.ExecContext(ctx, updateStateSQL, key, value, version)
	if err != nil {
		return fmt.Errorf("state: update %q: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	// No row at that version: either it was never stored or someone else wrote it.
	var current int64
	err = tx.GetContext(ctx, &current, `SELECT etag FROM bot_state WHERE key = $1`, key)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, err := tx.ExecContext(ctx, insertStateSQL, key, value)
		if err != nil {
			return fmt.Errorf("state: insert %q: %w", key, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: key %q", ErrETagConflict, key)
		}
		return nil
	case err != nil:
		return fmt.Errorf("state: lookup %q: %w", key, err)
	default:
		return fmt.Errorf("%w: key %q", ErrETagConflict, key)
	}
}

// Delete removes keys in one statement.
func (p *PostgresStorage) Delete(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	if _, err := p.db.ExecContext(ctx, deleteStateSQL, pq.Array(keys)); err != nil {
		logger.Error(ctx, "state", "storage.delete",
			slog.String("status", "fail"),
			slog.Int("keys", len(keys)),
			slog.String("err", err.Error()),
		)
		return fmt.Errorf("state: delete: %w", err)
	}
	return nil
}
