// Package conversation coordinates one open conversation: its UI mode,
// paging, sends, reactions and typing state.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/mediator"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/observable"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/paging"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/syncerr"
	"go.uber.org/zap"
)

var (
	ErrNoConversation   = errors.New("conversation: no conversation bound")
	ErrNotJoined        = errors.New("conversation: not joined")
	ErrWrongMode        = errors.New("conversation: operation not allowed in current mode")
	ErrTemporaryMessage = errors.New("conversation: message not delivered yet")
	ErrClosed           = errors.New("conversation: closed")
)

// Store is the part of the local store a controller uses.
type Store interface {
	paging.Reader
	mediator.Cache
	UpsertConversation(c *store.Conversation) error
	DirectConversationWith(userID string) (*store.Conversation, error)
	SaveMediaConfig(maxUploadSize int64) error
	MessageIndex(conversationID, id string) (int, error)
	FindReaction(messageID, authorID, content string) (*store.Reaction, error)
	AddReaction(r *store.Reaction) error
	RemoveReaction(messageID, authorID, content string) error
	ReactionsForMessage(messageID string) ([]store.Reaction, error)
}

// Sender delivers composed messages.
type Sender interface {
	Send(ctx context.Context, req outbox.Request) (string, error)
	Resend(ctx context.Context, tempID string) error
}

// Clients hands out the current remote client.
type Clients interface {
	Client() (remote.Service, error)
}

// Config tunes the controllers of a session. A nil InitialCursorHook
// selects mediator.RewriteInitialCursor.
type Config struct {
	SelfID            string
	PageSize          int
	CacheTimeout      time.Duration
	EndOfPagination   mediator.EndOfPaginationPolicy
	InitialCursorHook mediator.InitialCursorHook
}

// Deps are shared by every controller of a session.
type Deps struct {
	Store   Store
	Clients Clients
	Sender  Sender
	Tracker *paging.Tracker
	Bus     *bus.Bus
	Metrics *metrics.Metrics
	Logger  *zap.Logger
	Config  Config
}

// KnockState is the progress of a knock request.
type KnockState string

const (
	KnockNone    KnockState = ""
	KnockPending KnockState = "pending"
	KnockSent    KnockState = "sent"
	KnockFailed  KnockState = "failed"
)

// KnockResult is the last knock outcome. Err is set when State is KnockFailed.
type KnockResult struct {
	State KnockState
	Err   string
}

// Controller is one conversation screen's state holder.
type Controller struct {
	deps    Deps
	inputs  status.Inputs
	machine *status.Machine
	logger  *zap.Logger

	mu     sync.Mutex
	pager  *paging.Pager
	closed bool

	// lookupMu serializes scroll-to-message lookups.
	lookupMu sync.Mutex

	knock  *observable.Value[KnockResult]
	typing *observable.Value[[]string]
}

// New creates a controller in Loading mode. Nothing is fetched until
// Activate.
func New(in status.Inputs, deps Deps) *Controller {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Controller{
		deps:    deps,
		inputs:  in,
		machine: status.NewMachine(in.ConversationID, deps.Bus, deps.Metrics),
		logger:  deps.Logger.Named("conversation"),
		knock:   observable.NewComparable(KnockResult{}),
		typing:  observable.New[[]string](nil),
	}
}

// Mode returns the current UI mode.
func (c *Controller) Mode() status.Mode { return c.machine.Current() }

// WatchMode streams the current mode and every later change.
func (c *Controller) WatchMode() (<-chan status.Mode, func()) { return c.machine.Watch() }

// ConversationID returns the bound conversation id, empty before one exists.
func (c *Controller) ConversationID() string { return c.machine.ConversationID() }

// Knocks exposes the last knock outcome.
func (c *Controller) Knocks() *observable.Value[KnockResult] { return c.knock }

// Typing exposes the display names of users currently typing.
func (c *Controller) Typing() *observable.Value[[]string] { return c.typing }

// Activate runs the first data request: it picks the initial mode and
// loads the conversation detail and media limits. Calling it again
// refreshes the detail, or reloads after an InternalError.
func (c *Controller) Activate(ctx context.Context) (status.Mode, error) {
	if c.isClosed() {
		return c.Mode(), ErrClosed
	}
	switch c.Mode() {
	case status.Loading:
	case status.InternalError:
		if err := c.machine.Transition(status.Loading); err != nil {
			return c.Mode(), err
		}
	default:
		if id := c.ConversationID(); id != "" {
			return c.Mode(), c.fetchDetail(ctx, id)
		}
		return c.Mode(), nil
	}

	mode, id := status.InitialMode(c.inputs, c.resolveDirect(ctx))
	if id != "" {
		c.machine.Bind(id)
		if err := c.fetchDetail(ctx, id); err != nil && !c.hasCachedDetail(id) {
			c.logger.Warn("conversation detail unavailable", zap.String("conversation", id), zap.Error(err))
			_ = c.machine.Transition(status.InternalError)
			return status.InternalError, err
		}
	}
	if err := c.machine.Transition(mode); err != nil {
		return c.Mode(), err
	}
	if id != "" {
		c.enter(id)
	}
	c.logger.Info("conversation activated",
		zap.String("conversation", id),
		zap.String("mode", string(mode)),
	)
	return mode, nil
}

// resolveDirect looks for a direct conversation with a user, cache first.
func (c *Controller) resolveDirect(ctx context.Context) status.ResolveDirectFunc {
	return func(userID string) (string, error) {
		if conv, err := c.deps.Store.DirectConversationWith(userID); err == nil && conv != nil {
			return conv.ID, nil
		}
		client, err := c.deps.Clients.Client()
		if err != nil {
			return "", err
		}
		return client.ResolveDirect(ctx, userID)
	}
}

func (c *Controller) hasCachedDetail(id string) bool {
	conv, err := c.deps.Store.GetConversation(id)
	return err == nil && conv != nil
}

// fetchDetail caches the remote detail of id and the server media limits.
func (c *Controller) fetchDetail(ctx context.Context, id string) error {
	client, err := c.deps.Clients.Client()
	if err != nil {
		return err
	}
	detail, err := client.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	if err := c.cacheDetail(detail); err != nil {
		return err
	}
	mc, err := client.MediaConfig(ctx)
	if err != nil {
		c.logger.Warn("media config unavailable", zap.Error(err))
		return nil
	}
	return c.deps.Store.SaveMediaConfig(mc.MaxUploadSize)
}

func (c *Controller) cacheDetail(d *remote.ConversationDetail) error {
	conv := &store.Conversation{
		ID:            d.ID,
		Name:          d.Name,
		Topic:         d.Topic,
		JoinRule:      d.JoinRule,
		IsDirect:      d.IsDirect,
		DirectUserID:  d.DirectUserID,
		Members:       d.Members,
		InitialCursor: d.InitialCursor,
		TotalEvents:   d.TotalEvents,
	}
	if existing, err := c.deps.Store.GetConversation(d.ID); err == nil && existing != nil && existing.InitialCursor != "" {
		// A rewritten cursor survives detail refreshes.
		conv.InitialCursor = existing.InitialCursor
	}
	return c.deps.Store.UpsertConversation(conv)
}

// enter creates the pager for id and announces the conversation.
func (c *Controller) enter(id string) {
	c.mu.Lock()
	if c.pager == nil {
		cfg := c.deps.Config
		med := mediator.New(id, c.deps.Store, c.deps.Clients, c.deps.Tracker, mediator.Options{
			CacheTimeout:      cfg.CacheTimeout,
			InitialCursor:     c.inputs.InitialCursor,
			PrependFrom:       c.inputs.PrependFrom,
			SelfID:            cfg.SelfID,
			EndOfPagination:   cfg.EndOfPagination,
			InitialCursorHook: cfg.InitialCursorHook,
			Metrics:           c.deps.Metrics,
			Logger:            c.deps.Logger,
		})
		c.pager = paging.NewPager(id, c.deps.Store, med, c.deps.Tracker, paging.Config{PageSize: cfg.PageSize}, c.deps.Logger)
	}
	c.mu.Unlock()
	c.deps.Bus.Emit(bus.KindConversationEntered, bus.ConversationLifecycle{ConversationID: id})
}

// Pager returns the conversation's pager, or nil while no conversation is bound.
func (c *Controller) Pager() *paging.Pager {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pager
}

// LoadPage loads one timeline page, newest first.
func (c *Controller) LoadPage(ctx context.Context, key int) (*paging.Page, error) {
	p := c.Pager()
	if p == nil {
		return nil, ErrNoConversation
	}
	return p.LoadPage(ctx, key)
}

// Retry re-runs a failed remote load of type lt.
func (c *Controller) Retry(ctx context.Context, lt paging.LoadType) error {
	if c.isClosed() {
		return ErrClosed
	}
	p := c.Pager()
	if p == nil {
		return ErrNoConversation
	}
	return p.Retry(ctx, lt)
}

// Send delivers a message. In a mode without a conversation it first
// creates one, with the target user invited when there is one.
func (c *Controller) Send(ctx context.Context, req outbox.Request) (string, error) {
	if c.isClosed() {
		return "", ErrClosed
	}
	switch mode := c.Mode(); mode {
	case status.Idle:
	case status.IdleNoRoom, status.CreateRoomNoMembers:
		if err := c.createConversation(ctx, mode); err != nil {
			return "", err
		}
	case status.Preview, status.Restricted, status.Knock:
		return "", ErrNotJoined
	default:
		return "", fmt.Errorf("send in %s: %w", mode, ErrWrongMode)
	}
	req.ConversationID = c.ConversationID()
	return c.deps.Sender.Send(ctx, req)
}

// Resend retries a failed message under its temporary id.
func (c *Controller) Resend(ctx context.Context, tempID string) error {
	if c.isClosed() {
		return ErrClosed
	}
	return c.deps.Sender.Resend(ctx, tempID)
}

// createConversation runs CreatingRoom. On failure the previous mode is restored.
func (c *Controller) createConversation(ctx context.Context, prev status.Mode) error {
	if err := c.machine.Transition(status.CreatingRoom); err != nil {
		return err
	}
	id, err := c.create(ctx)
	if err != nil {
		c.logger.Warn("create conversation failed", zap.Error(err))
		_ = c.machine.Transition(prev)
		return err
	}
	c.machine.Bind(id)
	if err := c.machine.Transition(status.Idle); err != nil {
		return err
	}
	c.enter(id)
	return nil
}

func (c *Controller) create(ctx context.Context) (string, error) {
	client, err := c.deps.Clients.Client()
	if err != nil {
		return "", err
	}
	req := remote.CreateRequest{}
	if target := c.inputs.TargetUserID; target != "" {
		req.Invite = []string{target}
		req.IsDirect = true
	}
	id, err := client.CreateConversation(ctx, req)
	if err != nil {
		return "", err
	}
	if detail, err := client.GetConversation(ctx, id); err == nil {
		return id, c.cacheDetail(detail)
	}
	return id, c.deps.Store.UpsertConversation(&store.Conversation{
		ID:           id,
		IsDirect:     req.IsDirect,
		DirectUserID: c.inputs.TargetUserID,
		Members:      req.Invite,
	})
}

// Join joins a previewed or restricted conversation and moves to Idle.
func (c *Controller) Join(ctx context.Context) error {
	mode := c.Mode()
	if mode != status.Preview && mode != status.Restricted {
		return fmt.Errorf("join in %s: %w", mode, ErrWrongMode)
	}
	id := c.ConversationID()
	if id == "" {
		return ErrNoConversation
	}
	client, err := c.deps.Clients.Client()
	if err != nil {
		return err
	}
	if err := client.Join(ctx, id); err != nil {
		return err
	}
	if err := c.fetchDetail(ctx, id); err != nil {
		c.logger.Warn("refresh after join failed", zap.Error(err))
	}
	if err := c.machine.Transition(status.Idle); err != nil {
		return err
	}
	c.enter(id)
	return nil
}

// Knock asks to be let into a knock-only conversation. The mode does not
// change; the outcome is published through Knocks.
func (c *Controller) Knock(ctx context.Context, reason string) error {
	if mode := c.Mode(); mode != status.Knock {
		return fmt.Errorf("knock in %s: %w", mode, ErrWrongMode)
	}
	client, err := c.deps.Clients.Client()
	if err != nil {
		c.knock.Set(KnockResult{State: KnockFailed, Err: err.Error()})
		return err
	}
	c.knock.Set(KnockResult{State: KnockPending})
	if err := client.Knock(ctx, c.ConversationID(), reason); err != nil {
		c.knock.Set(KnockResult{State: KnockFailed, Err: err.Error()})
		return err
	}
	c.knock.Set(KnockResult{State: KnockSent})
	return nil
}

// React toggles the local user's reaction on a message. It reports whether
// the reaction is now present.
func (c *Controller) React(ctx context.Context, messageID, content string) (bool, error) {
	id := c.ConversationID()
	if id == "" {
		return false, ErrNoConversation
	}
	if store.IsTemporaryID(messageID) {
		return false, ErrTemporaryMessage
	}
	self := c.deps.Config.SelfID
	existing, err := c.deps.Store.FindReaction(messageID, self, content)
	if err != nil {
		return false, err
	}
	client, err := c.deps.Clients.Client()
	if err != nil {
		return false, err
	}

	added := existing == nil
	if added {
		eventID, err := client.SendReaction(ctx, id, messageID, content)
		if err != nil {
			return false, err
		}
		err = c.deps.Store.AddReaction(&store.Reaction{
			MessageID:      messageID,
			ConversationID: id,
			AuthorID:       self,
			Content:        content,
			EventID:        eventID,
			CreatedAt:      time.Now().UnixMilli(),
		})
		if err != nil {
			return false, err
		}
	} else {
		if existing.EventID != "" {
			if err := client.Redact(ctx, id, existing.EventID); err != nil {
				return true, err
			}
		}
		if err := c.deps.Store.RemoveReaction(messageID, self, content); err != nil {
			return true, err
		}
	}

	c.deps.Bus.Emit(bus.KindReactionChanged, bus.ReactionChanged{
		ConversationID: id,
		MessageID:      messageID,
		AuthorID:       self,
		Content:        content,
		Added:          added,
	})
	c.deps.Tracker.Invalidate(id, "reaction")
	return added, nil
}

// Reactions returns a message's reactions grouped by content.
func (c *Controller) Reactions(messageID string) ([]store.ReactionGroup, error) {
	rs, err := c.deps.Store.ReactionsForMessage(messageID)
	if err != nil {
		return nil, err
	}
	return store.SummarizeReactions(rs, c.deps.Config.SelfID), nil
}

// SetTyping replaces the set of typing users. The local user is left out
// and names are sorted.
func (c *Controller) SetTyping(userIDs []string) {
	names := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		if id == "" || id == c.deps.Config.SelfID {
			continue
		}
		names = append(names, DisplayName(id))
	}
	slices.Sort(names)
	c.typing.Set(slices.Compact(names))
}

// DisplayName derives a short name from a user id like "@bob:example.org".
func DisplayName(userID string) string {
	name := strings.TrimPrefix(userID, "@")
	if i := strings.IndexByte(name, ':'); i > 0 {
		name = name[:i]
	}
	return name
}

// IndexOf returns the position of a message in the cached timeline, 0
// being the newest. Lookups run one at a time.
func (c *Controller) IndexOf(ctx context.Context, messageID string) (int, error) {
	c.lookupMu.Lock()
	defer c.lookupMu.Unlock()
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	id := c.ConversationID()
	if id == "" {
		return 0, &syncerr.NotFoundLocallyError{ID: messageID}
	}
	pos, err := c.deps.Store.MessageIndex(id, messageID)
	if err != nil {
		return 0, err
	}
	if p := c.Pager(); p != nil {
		p.SetAnchor(pos)
	}
	return pos, nil
}

func (c *Controller) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close detaches the controller. Sends already started keep running.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	p := c.pager
	c.mu.Unlock()

	if p != nil {
		p.Close()
	}
	if id := c.ConversationID(); id != "" {
		c.deps.Bus.Emit(bus.KindConversationLeft, bus.ConversationLifecycle{ConversationID: id})
	}
}
