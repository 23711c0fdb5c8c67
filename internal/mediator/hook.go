package mediator

import (
	"fmt"

	"github.com/matheus3301/chatsync/internal/remote"
)

// InitialCursorHook runs after a page fetched with the conversation's
// recorded initial cursor has been merged.
type InitialCursorHook func(conversationID string, page *remote.Page) error

// CursorSetter stores a conversation's initial cursor.
type CursorSetter interface {
	SetInitialCursor(conversationID, cursor string) error
}

// Hook names accepted by HookByName.
const (
	HookRewrite = "rewrite"
	HookNoop    = "noop"
)

// HookByName returns the hook configured as name. Empty selects
// RewriteInitialCursor.
func HookByName(name string, setter CursorSetter) (InitialCursorHook, error) {
	switch name {
	case "", HookRewrite:
		return RewriteInitialCursor(setter), nil
	case HookNoop:
		return NoopInitialCursorHook, nil
	default:
		return nil, fmt.Errorf("unknown initial cursor hook %q", name)
	}
}

// RewriteInitialCursor moves the recorded initial cursor to the start
// cursor of the fetched page. This works around first pages flickering
// when their order is reshuffled by a later load; the underlying ordering
// problem is not fixed by it.
func RewriteInitialCursor(setter CursorSetter) InitialCursorHook {
	return func(conversationID string, page *remote.Page) error {
		return setter.SetInitialCursor(conversationID, page.Prev)
	}
}

// NoopInitialCursorHook leaves the recorded initial cursor alone.
func NoopInitialCursorHook(string, *remote.Page) error { return nil }
