package mediator

import (
	"fmt"

	"github.com/matheus3301/chatsync/internal/paging"
	"github.com/matheus3301/chatsync/internal/remote"
)

// EndOfPaginationPolicy decides whether a fetched page was the last one in
// the load direction.
type EndOfPaginationPolicy interface {
	EndReached(loadType paging.LoadType, requested, fetched int, page *remote.Page) bool
}

// ShortPagePolicy ends pagination when fewer events than requested came
// back. A page shortened by server-side filtering also ends it.
type ShortPagePolicy struct{}

func (ShortPagePolicy) EndReached(_ paging.LoadType, requested, fetched int, _ *remote.Page) bool {
	return fetched < requested
}

// CursorExhaustedPolicy ends pagination only when the server returned no
// cursor to continue from in the load direction.
type CursorExhaustedPolicy struct{}

func (CursorExhaustedPolicy) EndReached(loadType paging.LoadType, _, _ int, page *remote.Page) bool {
	if loadType == paging.Prepend {
		return page.Prev == ""
	}
	return page.Next == ""
}

// Policy names accepted by PolicyByName.
const (
	PolicyShortPage       = "short_page"
	PolicyCursorExhausted = "cursor_exhausted"
)

// PolicyByName returns the policy configured as name. Empty selects
// ShortPagePolicy.
func PolicyByName(name string) (EndOfPaginationPolicy, error) {
	switch name {
	case "", PolicyShortPage:
		return ShortPagePolicy{}, nil
	case PolicyCursorExhausted:
		return CursorExhaustedPolicy{}, nil
	default:
		return nil, fmt.Errorf("unknown end-of-pagination policy %q", name)
	}
}
