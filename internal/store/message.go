package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/syncerr"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

const messageColumns = `id, conversation_id, sender_id, body, state, reply_to, sent_at`

func upsertMessage(q querier, m *Message, now int64) error {
	state := m.State
	if state == "" {
		state = StateReceived
	}
	_, err := q.Exec(`
		INSERT INTO messages (id, conversation_id, sender_id, body, state, reply_to, sent_at, inserted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			sender_id = excluded.sender_id,
			body = excluded.body,
			state = excluded.state,
			reply_to = excluded.reply_to,
			sent_at = excluded.sent_at`,
		m.ID, m.ConversationID, m.SenderID, m.Body, state, m.ReplyTo, m.SentAt, now)
	if err != nil {
		return fmt.Errorf("upsert message %q: %w", m.ID, err)
	}
	return nil
}

// replaceMedia rewrites the attachments of messageID with media, in order.
func replaceMedia(q querier, messageID string, media []Media) error {
	if _, err := q.Exec(`DELETE FROM media WHERE message_id = ?`, messageID); err != nil {
		return fmt.Errorf("clear media of %q: %w", messageID, err)
	}
	for i := range media {
		md := media[i]
		md.MessageID = messageID
		if _, err := insertMedia(q, &md); err != nil {
			return err
		}
	}
	return nil
}

// InsertMessages upserts remote-confirmed messages and their attachments in
// a single transaction.
func (db *DB) InsertMessages(msgs []Message) error {
	now := time.Now().UnixMilli()
	return db.inTx(func(tx *sql.Tx) error {
		for i := range msgs {
			if err := upsertMessage(tx, &msgs[i], now); err != nil {
				return err
			}
			if err := replaceMedia(tx, msgs[i].ID, msgs[i].Media); err != nil {
				return err
			}
		}
		return nil
	})
}

// SaveOptimistic persists a locally composed message and its staged media
// atomically.
func (db *DB) SaveOptimistic(m *Message, media []Media) error {
	now := time.Now().UnixMilli()
	return db.inTx(func(tx *sql.Tx) error {
		if err := upsertMessage(tx, m, now); err != nil {
			return err
		}
		return replaceMedia(tx, m.ID, media)
	})
}

// ReconcileMessage replaces the temporary row tempID with final. The
// temporary message and every media row keyed by it are deleted, and final
// is inserted with its media re-keyed, all in one transaction.
func (db *DB) ReconcileMessage(tempID string, final *Message) error {
	now := time.Now().UnixMilli()
	return db.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM media WHERE message_id = ?`, tempID); err != nil {
			return fmt.Errorf("delete temporary media: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM messages WHERE id = ?`, tempID); err != nil {
			return fmt.Errorf("delete temporary message: %w", err)
		}
		if _, err := tx.Exec(`UPDATE reactions SET message_id = ? WHERE message_id = ?`, final.ID, tempID); err != nil {
			return fmt.Errorf("re-key reactions: %w", err)
		}
		if err := upsertMessage(tx, final, now); err != nil {
			return err
		}
		return replaceMedia(tx, final.ID, final.Media)
	})
}

// MarkDelivered records that the server accepted tempID as finalID while
// the row could not be reconciled. The row leaves Pending and is dropped
// by the page merge that brings finalID in.
func (db *DB) MarkDelivered(tempID, finalID string) error {
	res, err := db.Exec(`UPDATE messages SET state = ?, final_id = ? WHERE id = ?`, StateSent, finalID, tempID)
	if err != nil {
		return fmt.Errorf("mark %q delivered: %w", tempID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &syncerr.NotFoundLocallyError{ID: tempID}
	}
	return nil
}

// dropSuperseded removes delivered temporary rows whose final id is id,
// moving their reactions to id.
func dropSuperseded(q querier, id string) error {
	rows, err := q.Query(`SELECT id FROM messages WHERE final_id = ?`, id)
	if err != nil {
		return fmt.Errorf("find superseded rows of %q: %w", id, err)
	}
	var temps []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			_ = rows.Close()
			return err
		}
		temps = append(temps, t)
	}
	if err := rows.Close(); err != nil {
		return err
	}
	for _, t := range temps {
		if _, err := q.Exec(`DELETE FROM media WHERE message_id = ?`, t); err != nil {
			return fmt.Errorf("delete superseded media: %w", err)
		}
		if _, err := q.Exec(`UPDATE reactions SET message_id = ? WHERE message_id = ?`, id, t); err != nil {
			return fmt.Errorf("re-key reactions: %w", err)
		}
		if _, err := q.Exec(`DELETE FROM messages WHERE id = ?`, t); err != nil {
			return fmt.Errorf("delete superseded message: %w", err)
		}
	}
	return nil
}

// SetMessageState updates the delivery state of a message.
func (db *DB) SetMessageState(id string, state MessageState) error {
	res, err := db.Exec(`UPDATE messages SET state = ? WHERE id = ?`, state, id)
	if err != nil {
		return fmt.Errorf("set state of %q: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &syncerr.NotFoundLocallyError{ID: id}
	}
	return nil
}

// GetMessage returns a message with its media and reactions, or nil if it
// does not exist.
func (db *DB) GetMessage(id string) (*Message, error) {
	var m Message
	err := db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id).
		Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Body, &m.State, &m.ReplyTo, &m.SentAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := db.attach([]*Message{&m}); err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessagesPage returns one window of a conversation's timeline ordered
// by (sent_at desc, id), which is a stable total order.
func (db *DB) ListMessagesPage(conversationID string, offset, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := db.Query(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ?
		ORDER BY sent_at DESC, id ASC
		LIMIT ? OFFSET ?`, conversationID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Body, &m.State, &m.ReplyTo, &m.SentAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	ptrs := make([]*Message, len(msgs))
	for i := range msgs {
		ptrs[i] = &msgs[i]
	}
	if err := db.attach(ptrs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// CountMessages returns the number of cached messages of a conversation.
func (db *DB) CountMessages(conversationID string) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&n)
	return n, err
}

// MessageIndex returns the timeline position of id within its conversation.
func (db *DB) MessageIndex(conversationID, id string) (int, error) {
	var sentAt int64
	err := db.QueryRow(`SELECT sent_at FROM messages WHERE id = ? AND conversation_id = ?`, id, conversationID).Scan(&sentAt)
	if err == sql.ErrNoRows {
		return 0, &syncerr.NotFoundLocallyError{ID: id}
	}
	if err != nil {
		return 0, err
	}

	var idx int
	err = db.QueryRow(`
		SELECT COUNT(*) FROM messages
		WHERE conversation_id = ?
		  AND (sent_at > ? OR (sent_at = ? AND id < ?))`,
		conversationID, sentAt, sentAt, id).Scan(&idx)
	return idx, err
}

// RemoveConversationMessages deletes every cached message, attachment and
// reaction of a conversation.
func (db *DB) RemoveConversationMessages(conversationID string) error {
	return db.inTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM media WHERE message_id IN (SELECT id FROM messages WHERE conversation_id = ?)`, conversationID); err != nil {
			return fmt.Errorf("delete media: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM reactions WHERE conversation_id = ?`, conversationID); err != nil {
			return fmt.Errorf("delete reactions: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		return nil
	})
}

// attach fills Media and Reactions of msgs.
func (db *DB) attach(msgs []*Message) error {
	for _, m := range msgs {
		media, err := mediaFor(db, m.ID)
		if err != nil {
			return err
		}
		m.Media = media
		reactions, err := db.ReactionsForMessage(m.ID)
		if err != nil {
			return err
		}
		m.Reactions = reactions
	}
	return nil
}
