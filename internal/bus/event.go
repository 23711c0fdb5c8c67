package bus

import "time"

// Event kinds. Subscribers filter by prefix, e.g. "message." or "conversation.".
const (
	KindMessageConfirmed    = "message.confirmed"
	KindMessageSendFailed   = "message.send_failed"
	KindReactionChanged     = "reaction.changed"
	KindConversationEntered = "conversation.entered"
	KindConversationLeft    = "conversation.left"
	KindConversationMode    = "conversation.mode_changed"
	KindTimelineInvalidated = "timeline.invalidated"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// MessageConfirmed is published once a temporary message has been
// reconciled with its server-confirmed identity.
type MessageConfirmed struct {
	ConversationID string
	TemporaryID    string
	MessageID      string
}

// MessageSendFailed is published when a send leaves its row in Failed state.
type MessageSendFailed struct {
	ConversationID string
	TemporaryID    string
	Err            string
}

// ReactionChanged is published when the local user adds or removes a reaction.
type ReactionChanged struct {
	ConversationID string
	MessageID      string
	AuthorID       string
	Content        string
	Added          bool
}

// ConversationLifecycle is the payload for entered/left events.
type ConversationLifecycle struct {
	ConversationID string
}

// ModeChanged is the payload for conversation UI-mode transitions.
type ModeChanged struct {
	ConversationID string
	From           string
	To             string
}

// TimelineInvalidated tells paging sources of a conversation that their
// cached window is stale.
type TimelineInvalidated struct {
	ConversationID string
	Reason         string
}
