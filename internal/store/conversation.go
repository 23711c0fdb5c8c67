package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/syncerr"
)

const conversationColumns = `id, name, topic, join_rule, is_direct, direct_user_id, members, initial_cursor, total_events, fetched_at`

// UpsertConversation caches conversation detail. The recorded initial
// cursor is only overwritten when c carries one.
func (db *DB) UpsertConversation(c *Conversation) error {
	now := time.Now().UnixMilli()
	fetched := c.FetchedAt
	if fetched == 0 {
		fetched = now
	}
	_, err := db.Exec(`
		INSERT INTO conversations (id, name, topic, join_rule, is_direct, direct_user_id, members, initial_cursor, total_events, fetched_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			topic = excluded.topic,
			join_rule = excluded.join_rule,
			is_direct = excluded.is_direct,
			direct_user_id = excluded.direct_user_id,
			members = excluded.members,
			initial_cursor = CASE WHEN excluded.initial_cursor != '' THEN excluded.initial_cursor ELSE conversations.initial_cursor END,
			total_events = CASE WHEN excluded.total_events > 0 THEN excluded.total_events ELSE conversations.total_events END,
			fetched_at = excluded.fetched_at,
			updated_at = excluded.updated_at`,
		c.ID, c.Name, c.Topic, c.JoinRule, c.IsDirect, c.DirectUserID, strings.Join(c.Members, ","),
		c.InitialCursor, c.TotalEvents, fetched, now)
	if err != nil {
		return fmt.Errorf("upsert conversation %q: %w", c.ID, err)
	}
	return nil
}

func scanConversation(row *sql.Row) (*Conversation, error) {
	var (
		c       Conversation
		members string
	)
	err := row.Scan(&c.ID, &c.Name, &c.Topic, &c.JoinRule, &c.IsDirect, &c.DirectUserID, &members,
		&c.InitialCursor, &c.TotalEvents, &c.FetchedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if members != "" {
		c.Members = strings.Split(members, ",")
	}
	return &c, nil
}

// GetConversation returns cached detail, or nil if the conversation is unknown.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	return scanConversation(db.QueryRow(`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id))
}

// DirectConversationWith returns the cached direct conversation with userID, or nil.
func (db *DB) DirectConversationWith(userID string) (*Conversation, error) {
	return scanConversation(db.QueryRow(`
		SELECT `+conversationColumns+` FROM conversations
		WHERE is_direct = 1 AND direct_user_id = ?
		ORDER BY updated_at DESC LIMIT 1`, userID))
}

// SetInitialCursor records the cursor the conversation's timeline starts from.
func (db *DB) SetInitialCursor(conversationID, cursor string) error {
	res, err := db.Exec(`UPDATE conversations SET initial_cursor = ?, updated_at = ? WHERE id = ?`,
		cursor, time.Now().UnixMilli(), conversationID)
	if err != nil {
		return fmt.Errorf("set initial cursor: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &syncerr.NotFoundLocallyError{ID: conversationID}
	}
	return nil
}

// ResetConversation drops the cached timeline and paging metadata of a
// conversation. Its detail row is kept.
func (db *DB) ResetConversation(conversationID string) error {
	if err := db.RemoveConversationMessages(conversationID); err != nil {
		return err
	}
	return db.RemovePagingMetadata(MessageEntityType(conversationID))
}
