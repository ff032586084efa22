package repository

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

// KVRepository persists sync state in a single key-value table. The same
// implementation serves SQLite and PostgreSQL: placeholders use $N and the
// upsert relies on ON CONFLICT, which both backends support.
type KVRepository struct {
	db *sql.DB
}

// NewKVRepository creates a new KVRepository
func NewKVRepository(db *sql.DB) *KVRepository {
	return &KVRepository{db: db}
}

// Get retrieves a value by key
func (r *KVRepository) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := r.db.QueryRowContext(ctx,
		"SELECT value FROM sync_state WHERE key = $1", key,
	).Scan(&value)

	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// Set stores a value, replacing any existing one
func (r *KVRepository) Set(ctx context.Context, key, value string) error {
	query := `INSERT INTO sync_state (key, value, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			updated_at = EXCLUDED.updated_at`

	_, err := r.db.ExecContext(ctx, query, key, value, time.Now().UTC())
	return err
}

// SetMany writes all pairs in one transaction so a crash mid-write never
// leaves a partially applied bulk update
func (r *KVRepository) SetMany(ctx context.Context, pairs map[string]string) error {
	if len(pairs) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `INSERT INTO sync_state (key, value, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			updated_at = EXCLUDED.updated_at`

	now := time.Now().UTC()
	for key, value := range pairs {
		if _, err := tx.ExecContext(ctx, query, key, value, now); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Delete removes a key; deleting a missing key is not an error
func (r *KVRepository) Delete(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM sync_state WHERE key = $1", key)
	return err
}

// Keys lists all keys with the given prefix
func (r *KVRepository) Keys(ctx context.Context, prefix string) ([]string, error) {
	pattern := escapeLike(prefix) + "%"
	rows, err := r.db.QueryContext(ctx,
		`SELECT key FROM sync_state WHERE key LIKE $1 ESCAPE '\'`, pattern,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func escapeLike(s string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(s)
}
