package store

import (
	"database/sql"
	"fmt"
	"time"
)

// MergePage writes one fetched remote page: optional metadata reset,
// messages with their media, reactions, paging metadata and the reported
// total, all in a single transaction.
func (db *DB) MergePage(p *PageWrite) error {
	now := time.Now().UnixMilli()
	return db.inTx(func(tx *sql.Tx) error {
		if p.ResetMetadata {
			if _, err := tx.Exec(`DELETE FROM paging_metadata WHERE entity_type = ?`, MessageEntityType(p.ConversationID)); err != nil {
				return fmt.Errorf("reset paging metadata: %w", err)
			}
		}
		for i := range p.Messages {
			if err := dropSuperseded(tx, p.Messages[i].ID); err != nil {
				return err
			}
			if err := upsertMessage(tx, &p.Messages[i], now); err != nil {
				return err
			}
			if err := replaceMedia(tx, p.Messages[i].ID, p.Messages[i].Media); err != nil {
				return err
			}
		}
		for i := range p.Reactions {
			if err := insertReaction(tx, &p.Reactions[i]); err != nil {
				return err
			}
		}
		if err := putPagingMetadata(tx, p.Metadata, now); err != nil {
			return err
		}
		if p.TotalEvents > 0 {
			if _, err := tx.Exec(`UPDATE conversations SET total_events = ? WHERE id = ?`, p.TotalEvents, p.ConversationID); err != nil {
				return fmt.Errorf("set total events: %w", err)
			}
		}
		return nil
	})
}
