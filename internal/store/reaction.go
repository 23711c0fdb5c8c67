package store

import (
	"fmt"
	"slices"
	"time"
)

func insertReaction(q querier, r *Reaction) error {
	created := r.CreatedAt
	if created == 0 {
		created = time.Now().UnixMilli()
	}
	_, err := q.Exec(`
		INSERT INTO reactions (message_id, conversation_id, author_id, content, event_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) WHERE event_id != '' DO NOTHING`,
		r.MessageID, r.ConversationID, r.AuthorID, r.Content, r.EventID, created)
	if err != nil {
		return fmt.Errorf("insert reaction: %w", err)
	}
	return nil
}

// AddReaction stores a reaction. Reactions with a known event id are
// idempotent; duplicates by (author, content) are left to ReactionSummary.
func (db *DB) AddReaction(r *Reaction) error {
	return insertReaction(db, r)
}

// RemoveReaction deletes an author's reactions with content on a message.
func (db *DB) RemoveReaction(messageID, authorID, content string) error {
	_, err := db.Exec(`DELETE FROM reactions WHERE message_id = ? AND author_id = ? AND content = ?`,
		messageID, authorID, content)
	return err
}

// FindReaction returns one reaction of author with content on a message, or nil.
func (db *DB) FindReaction(messageID, authorID, content string) (*Reaction, error) {
	rows, err := db.Query(`
		SELECT message_id, conversation_id, author_id, content, event_id, created_at
		FROM reactions
		WHERE message_id = ? AND author_id = ? AND content = ?
		ORDER BY event_id DESC LIMIT 1`, messageID, authorID, content)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	if !rows.Next() {
		return nil, rows.Err()
	}
	var r Reaction
	if err := rows.Scan(&r.MessageID, &r.ConversationID, &r.AuthorID, &r.Content, &r.EventID, &r.CreatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

// ReactionsForMessage returns the raw reaction rows of a message.
func (db *DB) ReactionsForMessage(messageID string) ([]Reaction, error) {
	rows, err := db.Query(`
		SELECT message_id, conversation_id, author_id, content, event_id, created_at
		FROM reactions WHERE message_id = ?
		ORDER BY created_at ASC, id ASC`, messageID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Reaction
	for rows.Next() {
		var r Reaction
		if err := rows.Scan(&r.MessageID, &r.ConversationID, &r.AuthorID, &r.Content, &r.EventID, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SummarizeReactions groups reactions by content, counting each author once
// per content. Groups keep first-seen order.
func SummarizeReactions(reactions []Reaction, selfID string) []ReactionGroup {
	var groups []ReactionGroup
	index := map[string]int{}
	for _, r := range reactions {
		i, ok := index[r.Content]
		if !ok {
			i = len(groups)
			index[r.Content] = i
			groups = append(groups, ReactionGroup{Content: r.Content})
		}
		g := &groups[i]
		if slices.Contains(g.Authors, r.AuthorID) {
			continue
		}
		g.Authors = append(g.Authors, r.AuthorID)
		g.Count++
		if r.AuthorID == selfID {
			g.Mine = true
		}
	}
	return groups
}
