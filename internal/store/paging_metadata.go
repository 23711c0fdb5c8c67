package store

import (
	"database/sql"
	"fmt"
	"time"
)

func putPagingMetadata(q querier, entries []PagingMetadataEntry, now int64) error {
	for _, e := range entries {
		inserted := e.InsertedAt
		if inserted == 0 {
			inserted = now
		}
		if _, err := q.Exec(`
			INSERT INTO paging_metadata (entity_id, entity_type, prev_batch, next_batch, current_batch, inserted_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(entity_id) DO UPDATE SET
				entity_type = excluded.entity_type,
				prev_batch = excluded.prev_batch,
				next_batch = excluded.next_batch,
				current_batch = excluded.current_batch,
				inserted_at = excluded.inserted_at`,
			e.EntityID, e.EntityType, e.PrevBatch, e.NextBatch, e.CurrentBatch, inserted); err != nil {
			return fmt.Errorf("put paging metadata %q: %w", e.EntityID, err)
		}
	}
	return nil
}

// PutPagingMetadata upserts paging metadata entries in one transaction.
func (db *DB) PutPagingMetadata(entries []PagingMetadataEntry) error {
	now := time.Now().UnixMilli()
	return db.inTx(func(tx *sql.Tx) error {
		return putPagingMetadata(tx, entries, now)
	})
}

// PagingMetadata returns the entry recorded for entityID, or nil.
func (db *DB) PagingMetadata(entityID string) (*PagingMetadataEntry, error) {
	var e PagingMetadataEntry
	err := db.QueryRow(`
		SELECT entity_id, entity_type, prev_batch, next_batch, current_batch, inserted_at
		FROM paging_metadata WHERE entity_id = ?`, entityID).
		Scan(&e.EntityID, &e.EntityType, &e.PrevBatch, &e.NextBatch, &e.CurrentBatch, &e.InsertedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// PagingCreationTime returns when the most recent page of entityType was
// cached, in unix ms. ok is false when nothing is cached for it.
func (db *DB) PagingCreationTime(entityType string) (millis int64, ok bool, err error) {
	var v sql.NullInt64
	err = db.QueryRow(`SELECT MAX(inserted_at) FROM paging_metadata WHERE entity_type = ?`, entityType).Scan(&v)
	if err != nil {
		return 0, false, err
	}
	return v.Int64, v.Valid, nil
}

// RemovePagingMetadata deletes all entries of entityType, or every entry
// when entityType is empty.
func (db *DB) RemovePagingMetadata(entityType string) error {
	var err error
	if entityType == "" {
		_, err = db.Exec(`DELETE FROM paging_metadata`)
	} else {
		_, err = db.Exec(`DELETE FROM paging_metadata WHERE entity_type = ?`, entityType)
	}
	if err != nil {
		return fmt.Errorf("remove paging metadata: %w", err)
	}
	return nil
}
