// Package remote defines the contract of the remote conversation service:
// cursor-addressed timeline pages, message submission and media upload,
// plus the conversation management calls the controller needs.
package remote

import "context"

// Direction is the paging direction relative to a cursor.
type Direction string

const (
	// Backward walks towards older events.
	Backward Direction = "b"
	// Forward walks towards newer events.
	Forward Direction = "f"
)

// Event types understood by the core. Other types are skipped when pages
// are merged.
const (
	EventMessage  = "message"
	EventReaction = "reaction"
)

// Join rules reported by conversation detail and join-rule hints.
const (
	JoinRulePublic     = "public"
	JoinRuleKnock      = "knock"
	JoinRuleInvite     = "invite"
	JoinRuleRestricted = "restricted"
)

// PageRequest asks for one batch of timeline events. An empty Cursor
// starts from the live end of the timeline.
type PageRequest struct {
	ConversationID string
	Cursor         string
	Limit          int
	Direction      Direction
}

// MediaRef is an attachment as carried by events and send requests.
type MediaRef struct {
	URL      string `json:"url"`
	Mimetype string `json:"mimetype,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Name     string `json:"name,omitempty"`
}

// Event is one raw timeline event.
type Event struct {
	ID       string     `json:"event_id"`
	Type     string     `json:"type"`
	SenderID string     `json:"sender"`
	SentAt   int64      `json:"origin_server_ts"`
	Body     string     `json:"body,omitempty"`
	ReplyTo  string     `json:"reply_to,omitempty"`
	Media    []MediaRef `json:"media,omitempty"`

	// RelatesTo and Key are set on reaction events.
	RelatesTo string `json:"relates_to,omitempty"`
	Key       string `json:"key,omitempty"`
}

// Page is a batch of events bracketed by the cursors to continue from.
type Page struct {
	Events []Event `json:"events"`
	Prev   string  `json:"prev_cursor"`
	Next   string  `json:"next_cursor"`

	// Total is the server-reported size of the timeline, 0 when unknown.
	Total int64 `json:"total,omitempty"`
}

// Content is the non-media part of an outgoing message. TxnID lets the
// server deduplicate retried submissions.
type Content struct {
	TxnID   string `json:"txn_id,omitempty"`
	Body    string `json:"body"`
	ReplyTo string `json:"reply_to,omitempty"`
}

// ConversationDetail is the remote description of a conversation.
type ConversationDetail struct {
	ID            string   `json:"conversation_id"`
	Name          string   `json:"name,omitempty"`
	Topic         string   `json:"topic,omitempty"`
	JoinRule      string   `json:"join_rule,omitempty"`
	IsDirect      bool     `json:"is_direct,omitempty"`
	DirectUserID  string   `json:"direct_user_id,omitempty"`
	Members       []string `json:"members,omitempty"`
	InitialCursor string   `json:"initial_cursor,omitempty"`
	TotalEvents   int64    `json:"total_events,omitempty"`
}

// MediaConfig carries the server's upload limits.
type MediaConfig struct {
	MaxUploadSize int64 `json:"max_upload_size"`
}

// CreateRequest describes a conversation to create.
type CreateRequest struct {
	Name     string   `json:"name,omitempty"`
	Invite   []string `json:"invite,omitempty"`
	IsDirect bool     `json:"is_direct,omitempty"`
}

// Service is the full remote conversation service. Consumers depend on the
// narrower interfaces they need.
type Service interface {
	FetchPage(ctx context.Context, req PageRequest) (*Page, error)
	SendMessage(ctx context.Context, conversationID string, content Content, media []MediaRef) (string, error)
	UploadMedia(ctx context.Context, data []byte, filename, mimetype string) (string, error)

	GetConversation(ctx context.Context, conversationID string) (*ConversationDetail, error)
	MediaConfig(ctx context.Context) (*MediaConfig, error)
	ResolveDirect(ctx context.Context, userID string) (string, error)
	CreateConversation(ctx context.Context, req CreateRequest) (string, error)
	Join(ctx context.Context, conversationID string) error
	Knock(ctx context.Context, conversationID, reason string) error
	SendReaction(ctx context.Context, conversationID, messageID, key string) (string, error)
	Redact(ctx context.Context, conversationID, eventID string) error
}
