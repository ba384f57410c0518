package adapter

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"go.uber.org/zap"

	"github.com/syncstore/syncstore/internal/config"
	"github.com/syncstore/syncstore/pkg/errors"
	"github.com/syncstore/syncstore/pkg/retry"
	"github.com/syncstore/syncstore/pkg/types"
)

// SQLiteAdapter is the local structured-database backend. Items live in a
// single table with metadata columns; value and metadata are written in one
// statement so the record stays atomic. Batch operations run in a
// transaction.
type SQLiteAdapter struct {
	db      *sql.DB
	retryer *retry.Retryer
	logger  *zap.Logger

	statsMu sync.Mutex
	stats   types.AdapterStats
}

// NewSQLiteAdapter opens (or creates) the database at the configured path and
// runs schema migrations.
func NewSQLiteAdapter(cfg config.SQLiteConfig, retryCfg retry.Config, logger *zap.Logger) (*SQLiteAdapter, error) {
	if cfg.Path == "" {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "sqlite adapter requires a path")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	dsn := cfg.Path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeStorageRead, "open sqlite db", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(errors.ErrCodeStorageRead, "ping sqlite db", err)
	}

	a := &SQLiteAdapter{
		db:      db,
		retryer: retry.New(retryCfg),
		logger:  logger.With(zap.String("adapter", "sqlite")),
	}

	if err := a.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return a, nil
}

func (a *SQLiteAdapter) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS items (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	timestamp  INTEGER NOT NULL,
	version    TEXT NOT NULL,
	size       INTEGER NOT NULL,
	checksum   TEXT NOT NULL,
	compressed INTEGER NOT NULL DEFAULT 0,
	encrypted  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_items_timestamp ON items(timestamp);
`
	if _, err := a.db.Exec(schema); err != nil {
		return errors.Wrap(errors.ErrCodeStorageWrite, "migrate sqlite schema", err)
	}
	return nil
}

// Name implements Adapter.
func (a *SQLiteAdapter) Name() string { return "sqlite" }

// wrapDBErr normalizes driver failures; SQLITE_BUSY and locked-database
// errors are transient and retried.
func wrapDBErr(op string, err error) error {
	msg := err.Error()
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY") {
		return errors.Wrap(errors.ErrCodeTransactionAborted, op, err)
	}
	code := errors.ErrCodeStorageRead
	if op == "set" || op == "delete" || op == "clear" {
		code = errors.ErrCodeStorageWrite
	}
	return errors.Wrap(code, op, err)
}

func metaFromRow(ts int64, version string, size int64, checksum string, compressed, encrypted bool) types.ItemMetadata {
	return types.ItemMetadata{
		Timestamp:  time.UnixMilli(ts),
		Version:    version,
		Size:       size,
		Checksum:   checksum,
		Compressed: compressed,
		Encrypted:  encrypted,
	}
}

// Get implements Adapter.
func (a *SQLiteAdapter) Get(ctx context.Context, key string) (*types.StorageItem, error) {
	var item *types.StorageItem

	err := a.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		row := a.db.QueryRowContext(ctx,
			`SELECT value, timestamp, version, size, checksum, compressed, encrypted FROM items WHERE key = ?`, key)

		var (
			value      []byte
			ts         int64
			version    string
			size       int64
			checksum   string
			compressed bool
			encrypted  bool
		)
		if err := row.Scan(&value, &ts, &version, &size, &checksum, &compressed, &encrypted); err != nil {
			if err == sql.ErrNoRows {
				return errors.Newf(errors.ErrCodeKeyNotFound, "key %q not found", key).WithComponent("sqlite")
			}
			return wrapDBErr("get", err)
		}

		if !VerifyChecksum(value, checksum) {
			return errors.Newf(errors.ErrCodeChecksumMismatch, "checksum mismatch for %q", key).WithComponent("sqlite")
		}

		item = &types.StorageItem{
			Value:    json.RawMessage(value),
			Metadata: metaFromRow(ts, version, size, checksum, compressed, encrypted),
		}
		return nil
	})
	if err != nil {
		if !errors.IsCode(err, errors.ErrCodeKeyNotFound) {
			a.recordError()
		}
		return nil, err
	}

	a.recordGet()
	return item, nil
}

// Set implements Adapter.
func (a *SQLiteAdapter) Set(ctx context.Context, key string, value json.RawMessage, override *types.ItemMetadata) (*types.ItemMetadata, error) {
	meta := ComputeMetadata(value, override)

	err := a.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		_, err := a.db.ExecContext(ctx, `
INSERT INTO items (key, value, timestamp, version, size, checksum, compressed, encrypted)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
	value = excluded.value,
	timestamp = excluded.timestamp,
	version = excluded.version,
	size = excluded.size,
	checksum = excluded.checksum,
	compressed = excluded.compressed,
	encrypted = excluded.encrypted`,
			key, []byte(value), meta.Timestamp.UnixMilli(), meta.Version,
			meta.Size, meta.Checksum, meta.Compressed, meta.Encrypted)
		if err != nil {
			return wrapDBErr("set", err)
		}
		return nil
	})
	if err != nil {
		a.recordError()
		return nil, err
	}

	a.recordSet()
	return &meta, nil
}

// Delete implements Adapter. Deleting an absent key is not an error.
func (a *SQLiteAdapter) Delete(ctx context.Context, key string) error {
	err := a.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		if _, err := a.db.ExecContext(ctx, `DELETE FROM items WHERE key = ?`, key); err != nil {
			return wrapDBErr("delete", err)
		}
		return nil
	})
	if err != nil {
		a.recordError()
		return err
	}

	a.recordDelete()
	return nil
}

// Exists implements Adapter.
func (a *SQLiteAdapter) Exists(ctx context.Context, key string) (bool, error) {
	var one int
	err := a.db.QueryRowContext(ctx, `SELECT 1 FROM items WHERE key = ?`, key).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, wrapDBErr("exists", err)
	}
	return true, nil
}

// Clear implements Adapter.
func (a *SQLiteAdapter) Clear(ctx context.Context) error {
	if _, err := a.db.ExecContext(ctx, `DELETE FROM items`); err != nil {
		return wrapDBErr("clear", err)
	}
	return nil
}

// GetMultiple implements Adapter. Missing keys are omitted.
func (a *SQLiteAdapter) GetMultiple(ctx context.Context, keys []string) (map[string]*types.StorageItem, error) {
	result := make(map[string]*types.StorageItem, len(keys))
	for _, key := range keys {
		item, err := a.Get(ctx, key)
		if err != nil {
			if errors.IsCode(err, errors.ErrCodeKeyNotFound) {
				continue
			}
			return nil, err
		}
		result[key] = item
	}
	return result, nil
}

// SetMultiple implements Adapter. All writes share one transaction; a failed
// write rolls back the whole batch.
func (a *SQLiteAdapter) SetMultiple(ctx context.Context, values map[string]json.RawMessage) error {
	err := a.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		tx, err := a.db.BeginTx(ctx, nil)
		if err != nil {
			return wrapDBErr("set", err)
		}
		defer func() { _ = tx.Rollback() }()

		stmt, err := tx.PrepareContext(ctx, `
INSERT INTO items (key, value, timestamp, version, size, checksum, compressed, encrypted)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
	value = excluded.value,
	timestamp = excluded.timestamp,
	version = excluded.version,
	size = excluded.size,
	checksum = excluded.checksum,
	compressed = excluded.compressed,
	encrypted = excluded.encrypted`)
		if err != nil {
			return wrapDBErr("set", err)
		}
		defer func() { _ = stmt.Close() }()

		for key, value := range values {
			meta := ComputeMetadata(value, nil)
			if _, err := stmt.ExecContext(ctx, key, []byte(value),
				meta.Timestamp.UnixMilli(), meta.Version, meta.Size,
				meta.Checksum, meta.Compressed, meta.Encrypted); err != nil {
				return wrapDBErr("set", err)
			}
		}

		if err := tx.Commit(); err != nil {
			return wrapDBErr("set", err)
		}
		return nil
	})
	if err != nil {
		a.recordError()
		return err
	}

	a.statsMu.Lock()
	a.stats.Sets += int64(len(values))
	a.stats.LastUsed = time.Now()
	a.statsMu.Unlock()
	return nil
}

// DeleteMultiple implements Adapter, transactionally.
func (a *SQLiteAdapter) DeleteMultiple(ctx context.Context, keys []string) error {
	err := a.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		tx, err := a.db.BeginTx(ctx, nil)
		if err != nil {
			return wrapDBErr("delete", err)
		}
		defer func() { _ = tx.Rollback() }()

		for _, key := range keys {
			if _, err := tx.ExecContext(ctx, `DELETE FROM items WHERE key = ?`, key); err != nil {
				return wrapDBErr("delete", err)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		a.recordError()
		return err
	}

	a.statsMu.Lock()
	a.stats.Deletes += int64(len(keys))
	a.stats.LastUsed = time.Now()
	a.statsMu.Unlock()
	return nil
}

// GetMetadata implements Adapter.
func (a *SQLiteAdapter) GetMetadata(ctx context.Context, key string) (*types.ItemMetadata, error) {
	row := a.db.QueryRowContext(ctx,
		`SELECT timestamp, version, size, checksum, compressed, encrypted FROM items WHERE key = ?`, key)

	var (
		ts         int64
		version    string
		size       int64
		checksum   string
		compressed bool
		encrypted  bool
	)
	if err := row.Scan(&ts, &version, &size, &checksum, &compressed, &encrypted); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.Newf(errors.ErrCodeKeyNotFound, "key %q not found", key).WithComponent("sqlite")
		}
		return nil, wrapDBErr("get", err)
	}

	meta := metaFromRow(ts, version, size, checksum, compressed, encrypted)
	return &meta, nil
}

// ListKeys implements Adapter.
func (a *SQLiteAdapter) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if prefix == "" {
		rows, err = a.db.QueryContext(ctx, `SELECT key FROM items ORDER BY key`)
	} else {
		rows, err = a.db.QueryContext(ctx,
			`SELECT key FROM items WHERE key LIKE ? ORDER BY key`, prefix+"%")
	}
	if err != nil {
		return nil, wrapDBErr("list", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, wrapDBErr("list", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Size implements Adapter.
func (a *SQLiteAdapter) Size(ctx context.Context) (int64, error) {
	var total sql.NullInt64
	if err := a.db.QueryRowContext(ctx, `SELECT SUM(size) FROM items`).Scan(&total); err != nil {
		return 0, wrapDBErr("size", err)
	}
	return total.Int64, nil
}

// HealthCheck implements Adapter.
func (a *SQLiteAdapter) HealthCheck(ctx context.Context) (*types.HealthStatus, error) {
	start := time.Now()
	status := &types.HealthStatus{CheckedAt: start, AvailableSpace: -1}

	probeKey := fmt.Sprintf(".health/probe-%d", start.UnixNano())
	if _, err := a.Set(ctx, probeKey, json.RawMessage(`"ok"`), nil); err != nil {
		status.Message = err.Error()
		return status, nil
	}
	if _, err := a.Get(ctx, probeKey); err != nil {
		status.Message = err.Error()
		return status, nil
	}
	_ = a.Delete(ctx, probeKey)

	status.Healthy = true
	status.Latency = time.Since(start)

	a.statsMu.Lock()
	total := a.stats.Gets + a.stats.Sets + a.stats.Deletes + a.stats.Errors
	if total > 0 {
		status.ErrorRate = float64(a.stats.Errors) / float64(total)
	}
	a.statsMu.Unlock()

	return status, nil
}

// Stats implements Adapter.
func (a *SQLiteAdapter) Stats() types.AdapterStats {
	a.statsMu.Lock()
	stats := a.stats
	a.statsMu.Unlock()

	var count, size sql.NullInt64
	if err := a.db.QueryRow(`SELECT COUNT(*), SUM(size) FROM items`).Scan(&count, &size); err == nil {
		stats.ItemCount = count.Int64
		stats.TotalSize = size.Int64
	}
	return stats
}

// Close implements Adapter.
func (a *SQLiteAdapter) Close() error {
	return a.db.Close()
}

func (a *SQLiteAdapter) recordGet() {
	a.statsMu.Lock()
	a.stats.Gets++
	a.stats.LastUsed = time.Now()
	a.statsMu.Unlock()
}

func (a *SQLiteAdapter) recordSet() {
	a.statsMu.Lock()
	a.stats.Sets++
	a.stats.LastUsed = time.Now()
	a.statsMu.Unlock()
}

func (a *SQLiteAdapter) recordDelete() {
	a.statsMu.Lock()
	a.stats.Deletes++
	a.stats.LastUsed = time.Now()
	a.statsMu.Unlock()
}

func (a *SQLiteAdapter) recordError() {
	a.statsMu.Lock()
	a.stats.Errors++
	a.statsMu.Unlock()
}
