package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/observable"
	"github.com/matheus3301/chatsync/internal/remote"
)

// Mode is the UI mode of a conversation screen.
type Mode string

const (
	Loading             Mode = "LOADING"
	Idle                Mode = "IDLE"
	IdleNoRoom          Mode = "IDLE_NO_ROOM"
	InternalError       Mode = "INTERNAL_ERROR"
	CreatingRoom        Mode = "CREATING_ROOM"
	CreateRoomNoMembers Mode = "CREATE_ROOM_NO_MEMBERS"
	Preview             Mode = "PREVIEW"
	Restricted          Mode = "RESTRICTED"
	Knock               Mode = "KNOCK"
)

// validTransitions defines allowed mode transitions. Idle is the steady
// state. InternalError only leaves through an explicit reload.
var validTransitions = map[Mode][]Mode{
	Loading:             {Idle, IdleNoRoom, CreateRoomNoMembers, Preview, Knock, Restricted, InternalError},
	IdleNoRoom:          {CreatingRoom},
	CreateRoomNoMembers: {CreatingRoom},
	CreatingRoom:        {Idle, IdleNoRoom, CreateRoomNoMembers},
	Preview:             {Idle},
	Restricted:          {Idle},
	Knock:               {Idle},
	Idle:                {},
	InternalError:       {Loading},
}

// Inputs are what is known about a conversation screen when it opens.
// InitialCursor and PrependFrom are handed to the remote mediator: the
// first replaces the recorded initial cursor for Refresh, the second is
// where Prepend starts while nothing is loaded.
type Inputs struct {
	JoinRuleHint   string
	ConversationID string
	TargetUserID   string
	InitialCursor  string
	PrependFrom    string
}

// ResolveDirectFunc looks up the direct conversation with a user.
type ResolveDirectFunc func(userID string) (conversationID string, err error)

// InitialMode decides the first mode. A join-rule hint wins, then a known
// conversation id, then a direct conversation with the target user.
func InitialMode(in Inputs, resolve ResolveDirectFunc) (Mode, string) {
	switch {
	case in.JoinRuleHint != "":
		switch in.JoinRuleHint {
		case remote.JoinRulePublic:
			return Preview, in.ConversationID
		case remote.JoinRuleKnock:
			return Knock, in.ConversationID
		default:
			return Restricted, in.ConversationID
		}
	case in.ConversationID != "":
		return Idle, in.ConversationID
	case in.TargetUserID != "":
		if resolve != nil {
			if id, err := resolve(in.TargetUserID); err == nil && id != "" {
				return Idle, id
			}
		}
		return IdleNoRoom, ""
	default:
		return CreateRoomNoMembers, ""
	}
}

// Machine tracks and enforces the mode transitions of one conversation.
type Machine struct {
	mu             sync.RWMutex
	current        Mode
	conversationID string
	bus            *bus.Bus
	metrics        *metrics.Metrics
	value          *observable.Value[Mode]
}

// NewMachine creates a machine in Loading mode.
func NewMachine(conversationID string, b *bus.Bus, m *metrics.Metrics) *Machine {
	return &Machine{
		current:        Loading,
		conversationID: conversationID,
		bus:            b,
		metrics:        m,
		value:          observable.NewComparable(Loading),
	}
}

// Current returns the current mode.
func (m *Machine) Current() Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// ConversationID returns the conversation the machine is bound to.
func (m *Machine) ConversationID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conversationID
}

// Bind sets the conversation id, e.g. once a room has been created.
func (m *Machine) Bind(conversationID string) {
	m.mu.Lock()
	m.conversationID = conversationID
	m.mu.Unlock()
}

// Watch streams the current mode and every later change.
func (m *Machine) Watch() (<-chan Mode, func()) {
	return m.value.Subscribe()
}

// Transition attempts to move to a new mode. Returns error if the
// transition is invalid.
func (m *Machine) Transition(to Mode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.value.Set(to)
	m.metrics.ObserveModeChange(string(to))
	m.bus.Emit(bus.KindConversationMode, bus.ModeChanged{
		ConversationID: m.conversationID,
		From:           string(from),
		To:             string(to),
	})
	return nil
}
