package store

import "strings"

// TemporaryPrefix marks ids minted locally for optimistic messages.
const TemporaryPrefix = "temporary_"

// IsTemporaryID reports whether id is a locally minted placeholder id.
func IsTemporaryID(id string) bool {
	return strings.HasPrefix(id, TemporaryPrefix)
}

// MessageState is the delivery state of a message row.
type MessageState string

const (
	StatePending  MessageState = "pending"
	StateSent     MessageState = "sent"
	StateFailed   MessageState = "failed"
	StateReceived MessageState = "received"
)

// Message is one timeline row. Media and Reactions are filled on reads.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Body           string
	State          MessageState
	ReplyTo        string
	SentAt         int64 // unix ms
	Media          []Media
	Reactions      []Reaction
}

// Media is an attachment owned by exactly one message. URL is the remote
// content reference once uploaded, or a media cache key before that.
type Media struct {
	RowID     int64
	MessageID string
	URL       string
	Mimetype  string
	Size      int64
	Name      string
	LocalPath string
	Position  int
}

// Reaction is one author's emoji on a message.
type Reaction struct {
	MessageID      string
	ConversationID string
	AuthorID       string
	Content        string
	EventID        string
	CreatedAt      int64
}

// ReactionGroup aggregates the reactions of a message by content.
type ReactionGroup struct {
	Content string
	Count   int
	Mine    bool
	Authors []string
}

// Conversation is the cached detail of a conversation.
type Conversation struct {
	ID            string
	Name          string
	Topic         string
	JoinRule      string
	IsDirect      bool
	DirectUserID  string
	Members       []string
	InitialCursor string
	TotalEvents   int64 // server-reported, 0 when unknown
	FetchedAt     int64
}

// PagingMetadataEntry records the cursors bracketing the page a message was
// fetched in. Empty string is the null cursor.
type PagingMetadataEntry struct {
	EntityID     string
	EntityType   string
	PrevBatch    string
	NextBatch    string
	CurrentBatch string
	InsertedAt   int64 // unix ms
}

// MessageEntityType is the paging metadata entity type for a conversation's
// message timeline.
func MessageEntityType(conversationID string) string {
	return "message:" + conversationID
}

// PageWrite is everything one merged remote page writes to the cache.
type PageWrite struct {
	ConversationID string
	Messages       []Message
	Reactions      []Reaction
	Metadata       []PagingMetadataEntry

	// ResetMetadata clears all paging metadata of the conversation first.
	ResetMetadata bool

	// TotalEvents is stored on the conversation when > 0.
	TotalEvents int64
}
