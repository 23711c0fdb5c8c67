// Package paging serves fixed-size windows of a conversation's cached
// timeline and tracks the state the remote mediator needs to choose its
// next cursor.
package paging

import (
	"context"
	"fmt"

	"github.com/matheus3301/chatsync/internal/store"
)

// CountUndefined marks an unknown placeholder count.
const CountUndefined = -1

// LoadType is the kind of remote load requested of a RemoteMediator.
type LoadType int

const (
	// Refresh reloads around the current anchor.
	Refresh LoadType = iota
	// Prepend loads items before the first loaded item (newer events).
	Prepend
	// Append loads items after the last loaded item (older events).
	Append
)

func (t LoadType) String() string {
	switch t {
	case Refresh:
		return "refresh"
	case Prepend:
		return "prepend"
	case Append:
		return "append"
	default:
		return "unknown"
	}
}

// ParseLoadType parses the String form of a LoadType.
func ParseLoadType(s string) (LoadType, error) {
	for _, t := range []LoadType{Refresh, Prepend, Append} {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown load type %q", s)
}

// Config is the paging configuration shared by sources and mediators.
type Config struct {
	PageSize int
}

// Page is one loaded window. Keys are page indexes. RefreshKey is set on
// the first page served after an invalidation: it is the page that holds
// the anchor, reloaded alongside this one.
type Page struct {
	Key         int
	Items       []store.Message
	PrevKey     *int
	NextKey     *int
	ItemsBefore int
	ItemsAfter  int
	RefreshKey  *int
}

// State is a snapshot of the contiguous pages loaded so far. AnchorPosition
// is an absolute timeline position, placeholders included.
type State struct {
	Pages          []Page
	AnchorPosition *int
	Config         Config
}

func (s State) leadingPlaceholders() int {
	if len(s.Pages) == 0 || s.Pages[0].ItemsBefore < 0 {
		return 0
	}
	return s.Pages[0].ItemsBefore
}

func (s State) itemCount() int {
	n := 0
	for _, p := range s.Pages {
		n += len(p.Items)
	}
	return n
}

// IsEmpty reports whether no items are loaded.
func (s State) IsEmpty() bool { return s.itemCount() == 0 }

// ClosestPageToPosition returns the loaded page containing pos, clamped to
// the first or last page.
func (s State) ClosestPageToPosition(pos int) *Page {
	if len(s.Pages) == 0 {
		return nil
	}
	idx := pos - s.leadingPlaceholders()
	for i := range s.Pages {
		if idx < len(s.Pages[i].Items) || i == len(s.Pages)-1 {
			return &s.Pages[i]
		}
		idx -= len(s.Pages[i].Items)
	}
	return nil
}

// ClosestItemToPosition returns the loaded item nearest to pos.
func (s State) ClosestItemToPosition(pos int) *store.Message {
	total := s.itemCount()
	if total == 0 {
		return nil
	}
	idx := pos - s.leadingPlaceholders()
	if idx < 0 {
		idx = 0
	}
	if idx >= total {
		idx = total - 1
	}
	for i := range s.Pages {
		items := s.Pages[i].Items
		if idx < len(items) {
			return &items[idx]
		}
		idx -= len(items)
	}
	return nil
}

// FirstItem returns the first loaded item, or nil.
func (s State) FirstItem() *store.Message {
	for i := range s.Pages {
		if len(s.Pages[i].Items) > 0 {
			return &s.Pages[i].Items[0]
		}
	}
	return nil
}

// LastItem returns the last loaded item, or nil.
func (s State) LastItem() *store.Message {
	for i := len(s.Pages) - 1; i >= 0; i-- {
		if items := s.Pages[i].Items; len(items) > 0 {
			return &items[len(items)-1]
		}
	}
	return nil
}

// InitializeAction is what a RemoteMediator wants done before the first load.
type InitializeAction int

const (
	LaunchInitialRefresh InitializeAction = iota
	SkipInitialRefresh
)

func (a InitializeAction) String() string {
	if a == SkipInitialRefresh {
		return "skip"
	}
	return "launch"
}

// MediatorResult is the outcome of a successful remote load.
type MediatorResult struct {
	EndOfPaginationReached bool
}

// RemoteMediator fills the local cache from the remote service.
type RemoteMediator interface {
	Initialize(ctx context.Context) (InitializeAction, error)
	Load(ctx context.Context, loadType LoadType, state State) (MediatorResult, error)
}
