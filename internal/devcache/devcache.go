// Package devcache persists the last known device table to SQLite so the
// local dashboard has data immediately after a restart, before the first
// scan or controller sync completes.
package devcache

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/velocityeu/velocitypulse-agent/pkg/models"
)

// Cache is the on-disk device cache. Writes are serialized through a single
// connection; SQLite in WAL mode handles the rest.
type Cache struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (or creates) the cache database at the given path and applies
// recommended pragmas along with the schema.
func Open(path string, logger *zap.Logger) (*Cache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	// SQLite performs best with a single write connection. WAL enables concurrent readers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %q: %w", path, err)
	}

	// Apply recommended pragmas (modernc.org/sqlite requires SQL statements, not DSN params).
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}

	c := &Cache{db: db, logger: logger}
	if err := c.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// Close closes the underlying database connection.
func (c *Cache) Close() error {
	return c.db.Close()
}

func (c *Cache) migrate(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS devices (
			ip_address       TEXT PRIMARY KEY,
			id               TEXT NOT NULL DEFAULT '',
			name             TEXT NOT NULL DEFAULT '',
			mac_address      TEXT NOT NULL DEFAULT '',
			status           TEXT NOT NULL DEFAULT 'unknown',
			response_time_ms REAL NOT NULL DEFAULT 0,
			last_check       TIMESTAMP,
			updated_at       TIMESTAMP NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("create devices table: %w", err)
	}
	return nil
}

// tx executes fn within a database transaction. The transaction is
// committed if fn returns nil, rolled back otherwise.
func (c *Cache) tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original: %w)", rbErr, err)
		}
		return err
	}

	return tx.Commit()
}

// SaveDevices replaces the stored table with the given snapshot, keyed by IP
// so locally discovered devices the controller has not assigned an ID yet
// survive a restart too. Passing the full current table keeps the cache an
// exact snapshot of memory.
func (c *Cache) SaveDevices(ctx context.Context, devices []models.DeviceInfo) error {
	now := time.Now().UTC()
	return c.tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM devices`); err != nil {
			return fmt.Errorf("clear devices: %w", err)
		}
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO devices
				(ip_address, id, name, mac_address, status, response_time_ms, last_check, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare insert: %w", err)
		}
		defer stmt.Close()

		for _, d := range devices {
			if d.IP == "" {
				continue
			}
			var lastCheck any
			if !d.LastCheck.IsZero() {
				lastCheck = d.LastCheck.UTC()
			}
			if _, err := stmt.ExecContext(ctx,
				d.IP, d.ID, d.Name, d.MAC,
				string(d.Status), d.ResponseTimeMs, lastCheck, now,
			); err != nil {
				return fmt.Errorf("insert device %s: %w", d.IP, err)
			}
		}
		return nil
	})
}

// LoadDevices returns the cached device table. Status is reset to unknown:
// cached liveness is stale by definition and the next check cycle will
// reestablish it.
func (c *Cache) LoadDevices(ctx context.Context) ([]models.DeviceInfo, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, name, ip_address, mac_address, response_time_ms, last_check
		FROM devices ORDER BY ip_address`)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()

	var devices []models.DeviceInfo
	for rows.Next() {
		var (
			d         models.DeviceInfo
			lastCheck sql.NullTime
		)
		if err := rows.Scan(&d.ID, &d.Name, &d.IP, &d.MAC, &d.ResponseTimeMs, &lastCheck); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		d.Status = models.DeviceStatusUnknown
		if lastCheck.Valid {
			d.LastCheck = lastCheck.Time
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate devices: %w", err)
	}

	c.logger.Debug("device cache loaded", zap.Int("devices", len(devices)))
	return devices, nil
}
