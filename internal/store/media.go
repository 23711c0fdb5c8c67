package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/syncerr"
)

func insertMedia(q querier, md *Media) (int64, error) {
	res, err := q.Exec(`
		INSERT INTO media (message_id, url, mimetype, size, name, local_path, position)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		md.MessageID, md.URL, md.Mimetype, md.Size, md.Name, md.LocalPath, md.Position)
	if err != nil {
		return 0, fmt.Errorf("insert media %q: %w", md.URL, err)
	}
	return res.LastInsertId()
}

func mediaFor(q querier, messageID string) ([]Media, error) {
	rows, err := q.Query(`
		SELECT id, message_id, url, mimetype, size, name, local_path, position
		FROM media WHERE message_id = ?
		ORDER BY position ASC, id ASC`, messageID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var media []Media
	for rows.Next() {
		var md Media
		if err := rows.Scan(&md.RowID, &md.MessageID, &md.URL, &md.Mimetype, &md.Size, &md.Name, &md.LocalPath, &md.Position); err != nil {
			return nil, err
		}
		media = append(media, md)
	}
	return media, rows.Err()
}

// MediaForMessage returns the attachments of a message in attachment order.
func (db *DB) MediaForMessage(messageID string) ([]Media, error) {
	return mediaFor(db, messageID)
}

// PutCachedBytes stores the bytes of a not yet uploaded attachment.
func (db *DB) PutCachedBytes(key string, data []byte) error {
	_, err := db.Exec(`
		INSERT INTO media_cache (key, data, created_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET data = excluded.data`,
		key, data, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("cache media bytes: %w", err)
	}
	return nil
}

// CachedBytes returns the bytes stored under key.
func (db *DB) CachedBytes(key string) ([]byte, error) {
	var data []byte
	err := db.QueryRow(`SELECT data FROM media_cache WHERE key = ?`, key).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, &syncerr.NotFoundLocallyError{ID: key}
	}
	return data, err
}

// DeleteCachedBytes drops a media cache entry.
func (db *DB) DeleteCachedBytes(key string) error {
	_, err := db.Exec(`DELETE FROM media_cache WHERE key = ?`, key)
	return err
}

// PruneMediaCache drops cached bytes that no media row refers to and
// returns how many entries were removed.
func (db *DB) PruneMediaCache() (int64, error) {
	res, err := db.Exec(`
		DELETE FROM media_cache
		WHERE NOT EXISTS (SELECT 1 FROM media WHERE media.url = media_cache.key)`)
	if err != nil {
		return 0, fmt.Errorf("prune media cache: %w", err)
	}
	return res.RowsAffected()
}

// SaveMediaConfig caches the remote upload limits.
func (db *DB) SaveMediaConfig(maxUploadSize int64) error {
	_, err := db.Exec(`
		INSERT INTO media_config (id, max_upload_size, fetched_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			max_upload_size = excluded.max_upload_size,
			fetched_at = excluded.fetched_at`,
		maxUploadSize, time.Now().UnixMilli())
	return err
}

// MaxUploadSize returns the cached upload limit, or 0 if unknown.
func (db *DB) MaxUploadSize() (int64, error) {
	var n int64
	err := db.QueryRow(`SELECT max_upload_size FROM media_config WHERE id = 1`).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return n, err
}
