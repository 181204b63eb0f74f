package depcache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	_ "modernc.org/sqlite"
)

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS fingerprints (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL
	)`); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func (dc *DependencyCache) db(ctx context.Context) *sql.DB {
	if dc.isTransient(ctx) {
		return dc.transientDB
	}
	return dc.persistentDB
}

func (dc *DependencyCache) load(ctx context.Context, key string) (*fingerprint, error) {
	var blob []byte
	err := dc.db(ctx).QueryRowContext(ctx, `SELECT value FROM fingerprints WHERE key = ?`, key).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var fp fingerprint
	if err := json.Unmarshal(blob, &fp); err != nil {
		return nil, err
	}
	return &fp, nil
}

func (dc *DependencyCache) save(ctx context.Context, key string, fp *fingerprint) error {
	blob, err := json.Marshal(fp)
	if err != nil {
		return err
	}
	_, err = dc.db(ctx).ExecContext(ctx,
		`INSERT INTO fingerprints(key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, blob)
	return err
}

func (dc *DependencyCache) evict(ctx context.Context, key string) {
	if _, err := dc.db(ctx).ExecContext(ctx, `DELETE FROM fingerprints WHERE key = ?`, key); err != nil {
		log.Debug("depcache: evicting %s: %s", key, err)
	}
}
