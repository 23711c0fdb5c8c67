package paging

import (
	"context"
	"fmt"
	"sync"

	"github.com/matheus3301/chatsync/internal/store"
)

// Reader is the part of the local store a Source reads from.
type Reader interface {
	ListMessagesPage(conversationID string, offset, limit int) ([]store.Message, error)
	GetConversation(id string) (*store.Conversation, error)
}

// Params selects the page to load. A nil Key loads page 0.
type Params struct {
	Key      *int
	LoadSize int
}

// LoadError is returned when a page could not be read. The caller may retry
// the same load.
type LoadError struct {
	Key int
	Err error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load page %d: %v", e.Key, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Source serves pages of one conversation from the local cache. A Source is
// single-use: once invalidated the owner must replace it.
type Source struct {
	conversationID string
	reader         Reader
	pageSize       int

	once sync.Once
	done chan struct{}
}

// NewSource creates a source over conversationID.
func NewSource(conversationID string, reader Reader, pageSize int) *Source {
	if pageSize <= 0 {
		pageSize = 30
	}
	return &Source{
		conversationID: conversationID,
		reader:         reader,
		pageSize:       pageSize,
		done:           make(chan struct{}),
	}
}

// Invalidate marks the source stale. Safe to call more than once.
func (s *Source) Invalidate() {
	s.once.Do(func() { close(s.done) })
}

// Invalid reports whether Invalidate has been called.
func (s *Source) Invalid() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Done is closed when the source is invalidated.
func (s *Source) Done() <-chan struct{} { return s.done }

// RefreshKey returns the key to reload from after invalidation, derived
// from the item closest to the anchor, or nil when there is no anchor.
func (s *Source) RefreshKey(state State) *int {
	if state.AnchorPosition == nil {
		return nil
	}
	anchor := *state.AnchorPosition
	page := state.ClosestPageToPosition(anchor)
	if page == nil {
		return nil
	}

	if len(page.Items) > 0 && page.ItemsBefore >= 0 {
		pos := anchor
		if pos < page.ItemsBefore {
			pos = page.ItemsBefore
		}
		if last := page.ItemsBefore + len(page.Items) - 1; pos > last {
			pos = last
		}
		key := pos / s.pageSize
		return &key
	}

	switch {
	case page.PrevKey != nil:
		key := *page.PrevKey + 1
		return &key
	case page.NextKey != nil:
		key := *page.NextKey - 1
		return &key
	}
	return nil
}

// Load reads one page from the cache.
func (s *Source) Load(ctx context.Context, params Params) (*Page, error) {
	key := 0
	if params.Key != nil && *params.Key > 0 {
		key = *params.Key
	}
	if err := ctx.Err(); err != nil {
		return nil, &LoadError{Key: key, Err: err}
	}

	limit := params.LoadSize
	if limit <= 0 {
		limit = s.pageSize
	}
	offset := key * s.pageSize

	items, err := s.reader.ListMessagesPage(s.conversationID, offset, limit)
	if err != nil {
		return nil, &LoadError{Key: key, Err: err}
	}
	conv, err := s.reader.GetConversation(s.conversationID)
	if err != nil {
		return nil, &LoadError{Key: key, Err: err}
	}

	page := &Page{
		Key:         key,
		Items:       items,
		ItemsBefore: offset,
		ItemsAfter:  CountUndefined,
	}
	if key > 0 {
		prev := key - 1
		page.PrevKey = &prev
	}
	if len(items) >= limit {
		next := key + 1
		page.NextKey = &next
	}
	if conv != nil && conv.TotalEvents > 0 {
		after := int(conv.TotalEvents) - offset - len(items)
		if after < 0 {
			after = 0
		}
		page.ItemsAfter = after
	}
	return page, nil
}
