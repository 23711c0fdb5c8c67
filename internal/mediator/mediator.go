// Package mediator fetches cursor-addressed pages from the remote service
// and merges them into the local cache for one conversation.
package mediator

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/paging"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/syncerr"
	"go.uber.org/zap"
)

// DefaultCacheTimeout is how long a cached timeline is trusted before the
// first load refreshes it.
const DefaultCacheTimeout = 24 * time.Hour

// Cache is the part of the local store the mediator reads and writes.
type Cache interface {
	CursorSetter
	PagingMetadata(entityID string) (*store.PagingMetadataEntry, error)
	PagingCreationTime(entityType string) (millis int64, ok bool, err error)
	GetConversation(id string) (*store.Conversation, error)
	MergePage(p *store.PageWrite) error
}

// Clients hands out the current remote client.
type Clients interface {
	Client() (remote.Service, error)
}

// Invalidator is told when a conversation's cached timeline changed.
type Invalidator interface {
	Invalidate(conversationID, reason string)
}

// Options tune a Mediator. Zero values select the defaults.
type Options struct {
	CacheTimeout time.Duration

	// InitialCursor overrides the conversation's recorded initial cursor as
	// the Refresh fallback.
	InitialCursor string

	// PrependFrom is used for Prepend while nothing is loaded.
	PrependFrom string

	// SelfID marks messages from the local user as sent.
	SelfID string

	EndOfPagination   EndOfPaginationPolicy
	InitialCursorHook InitialCursorHook

	Now     func() time.Time
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// LoadError is returned by Load. The cache is left as it was and the same
// load may be retried.
type LoadError struct {
	LoadType paging.LoadType
	Err      error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("mediator %s: %v", e.LoadType, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Mediator implements paging.RemoteMediator for one conversation.
type Mediator struct {
	conversationID string
	entityType     string
	cache          Cache
	clients        Clients
	invalidator    Invalidator
	opts           Options
	logger         *zap.Logger
}

var _ paging.RemoteMediator = (*Mediator)(nil)

// New creates a mediator for conversationID.
func New(conversationID string, cache Cache, clients Clients, invalidator Invalidator, opts Options) *Mediator {
	if opts.CacheTimeout <= 0 {
		opts.CacheTimeout = DefaultCacheTimeout
	}
	if opts.EndOfPagination == nil {
		opts.EndOfPagination = ShortPagePolicy{}
	}
	if opts.InitialCursorHook == nil {
		opts.InitialCursorHook = RewriteInitialCursor(cache)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mediator{
		conversationID: conversationID,
		entityType:     store.MessageEntityType(conversationID),
		cache:          cache,
		clients:        clients,
		invalidator:    invalidator,
		opts:           opts,
		logger:         logger.With(zap.String("conversation", conversationID)),
	}
}

// Initialize skips the first refresh while the newest cached page is
// younger than the cache timeout.
func (m *Mediator) Initialize(ctx context.Context) (paging.InitializeAction, error) {
	millis, ok, err := m.cache.PagingCreationTime(m.entityType)
	if err != nil {
		return paging.LaunchInitialRefresh, fmt.Errorf("paging creation time: %w", err)
	}
	if !ok {
		return paging.LaunchInitialRefresh, nil
	}
	age := m.opts.Now().Sub(time.UnixMilli(millis))
	if age < m.opts.CacheTimeout {
		m.logger.Debug("cached timeline is fresh", zap.Duration("age", age))
		return paging.SkipInitialRefresh, nil
	}
	return paging.LaunchInitialRefresh, nil
}

// Load fetches the page for loadType and merges it. Errors come back as
// *LoadError.
func (m *Mediator) Load(ctx context.Context, loadType paging.LoadType, state paging.State) (paging.MediatorResult, error) {
	start := m.opts.Now()
	res, err := m.load(ctx, loadType, state)
	m.opts.Metrics.ObservePageLoad(loadType.String(), m.opts.Now().Sub(start), err)
	if err != nil {
		return paging.MediatorResult{}, &LoadError{LoadType: loadType, Err: err}
	}
	return res, nil
}

func (m *Mediator) load(ctx context.Context, loadType paging.LoadType, state paging.State) (paging.MediatorResult, error) {
	conv, err := m.cache.GetConversation(m.conversationID)
	if err != nil {
		return paging.MediatorResult{}, fmt.Errorf("read conversation: %w", err)
	}
	initial := m.initialCursor(conv)

	cursor, ok, err := m.cursorFor(loadType, state, initial)
	if err != nil {
		return paging.MediatorResult{}, err
	}
	if !ok {
		m.logger.Debug("no cursor to load from", zap.Stringer("load_type", loadType))
		return paging.MediatorResult{EndOfPaginationReached: true}, nil
	}

	client, err := m.clients.Client()
	if err != nil {
		return paging.MediatorResult{}, err
	}

	pageSize := state.Config.PageSize
	if pageSize <= 0 {
		pageSize = 30
	}
	dir := remote.Backward
	if loadType == paging.Prepend {
		dir = remote.Forward
	}
	page, err := client.FetchPage(ctx, remote.PageRequest{
		ConversationID: m.conversationID,
		Cursor:         cursor,
		Limit:          pageSize,
		Direction:      dir,
	})
	if err != nil {
		return paging.MediatorResult{}, syncerr.Transport("fetch page", err)
	}
	if err := ctx.Err(); err != nil {
		return paging.MediatorResult{}, syncerr.Transport("fetch page", err)
	}

	write := m.buildPage(cursor, page)
	write.ResetMetadata = loadType == paging.Refresh
	if err := m.cache.MergePage(write); err != nil {
		return paging.MediatorResult{}, fmt.Errorf("merge page: %w", err)
	}
	m.opts.Metrics.AddMergedEvents(len(write.Messages) + len(write.Reactions))

	if conv != nil && cursor == initial {
		if err := m.opts.InitialCursorHook(m.conversationID, page); err != nil {
			m.logger.Warn("initial cursor hook failed", zap.Error(err))
		}
	}

	if m.invalidator != nil {
		m.invalidator.Invalidate(m.conversationID, loadType.String())
	}

	end := m.opts.EndOfPagination.EndReached(loadType, pageSize, len(page.Events), page)
	m.logger.Debug("page merged",
		zap.Stringer("load_type", loadType),
		zap.String("cursor", cursor),
		zap.Int("events", len(page.Events)),
		zap.Bool("end", end),
	)
	return paging.MediatorResult{EndOfPaginationReached: end}, nil
}

func (m *Mediator) initialCursor(conv *store.Conversation) string {
	if m.opts.InitialCursor != "" {
		return m.opts.InitialCursor
	}
	if conv != nil {
		return conv.InitialCursor
	}
	return ""
}

// cursorFor picks the cursor to request. ok is false when there is
// nothing to load in that direction.
func (m *Mediator) cursorFor(loadType paging.LoadType, state paging.State, initial string) (cursor string, ok bool, err error) {
	switch loadType {
	case paging.Refresh:
		if state.AnchorPosition != nil {
			if item := state.ClosestItemToPosition(*state.AnchorPosition); item != nil {
				meta, err := m.cache.PagingMetadata(item.ID)
				if err != nil {
					return "", false, fmt.Errorf("read paging metadata: %w", err)
				}
				if meta != nil {
					return meta.CurrentBatch, true, nil
				}
			}
		}
		return initial, true, nil

	case paging.Prepend:
		meta, err := m.edgeMetadata(state, true)
		if err != nil {
			return "", false, err
		}
		if meta != nil {
			return meta.PrevBatch, meta.PrevBatch != "", nil
		}
		if state.IsEmpty() && m.opts.PrependFrom != "" {
			return m.opts.PrependFrom, true, nil
		}
		return "", false, nil

	case paging.Append:
		meta, err := m.edgeMetadata(state, false)
		if err != nil {
			return "", false, err
		}
		if meta == nil {
			return "", false, nil
		}
		return meta.NextBatch, meta.NextBatch != "", nil
	}
	return "", false, fmt.Errorf("unknown load type %d", loadType)
}

// edgeMetadata returns the metadata of the first (or last) loaded item that
// came from the remote service. Optimistic rows carry none.
func (m *Mediator) edgeMetadata(state paging.State, first bool) (*store.PagingMetadataEntry, error) {
	var items []store.Message
	for _, p := range state.Pages {
		items = append(items, p.Items...)
	}
	for i := range items {
		idx := i
		if !first {
			idx = len(items) - 1 - i
		}
		if store.IsTemporaryID(items[idx].ID) {
			continue
		}
		meta, err := m.cache.PagingMetadata(items[idx].ID)
		if err != nil {
			return nil, fmt.Errorf("read paging metadata: %w", err)
		}
		if meta != nil {
			return meta, nil
		}
	}
	return nil, nil
}

// buildPage turns raw events into cache rows tagged with the cursors that
// bracket them.
func (m *Mediator) buildPage(requested string, page *remote.Page) *store.PageWrite {
	w := &store.PageWrite{
		ConversationID: m.conversationID,
		TotalEvents:    page.Total,
	}
	now := m.opts.Now().UnixMilli()
	for _, ev := range page.Events {
		if ev.ID == "" {
			m.logger.Debug("skipping event without id", zap.String("type", ev.Type))
			continue
		}
		switch ev.Type {
		case remote.EventMessage:
			state := store.StateReceived
			if m.opts.SelfID != "" && ev.SenderID == m.opts.SelfID {
				state = store.StateSent
			}
			msg := store.Message{
				ID:             ev.ID,
				ConversationID: m.conversationID,
				SenderID:       ev.SenderID,
				Body:           ev.Body,
				State:          state,
				ReplyTo:        ev.ReplyTo,
				SentAt:         ev.SentAt,
			}
			for i, ref := range ev.Media {
				msg.Media = append(msg.Media, store.Media{
					MessageID: ev.ID,
					URL:       ref.URL,
					Mimetype:  ref.Mimetype,
					Size:      ref.Size,
					Name:      ref.Name,
					Position:  i,
				})
			}
			w.Messages = append(w.Messages, msg)
			w.Metadata = append(w.Metadata, store.PagingMetadataEntry{
				EntityID:     ev.ID,
				EntityType:   m.entityType,
				PrevBatch:    page.Prev,
				NextBatch:    page.Next,
				CurrentBatch: requested,
				InsertedAt:   now,
			})

		case remote.EventReaction:
			if ev.RelatesTo == "" || ev.Key == "" {
				continue
			}
			w.Reactions = append(w.Reactions, store.Reaction{
				MessageID:      ev.RelatesTo,
				ConversationID: m.conversationID,
				AuthorID:       ev.SenderID,
				Content:        ev.Key,
				EventID:        ev.ID,
				CreatedAt:      ev.SentAt,
			})
		}
	}
	return w
}
