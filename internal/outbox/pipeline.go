// Package outbox turns composed messages into delivered ones: the message
// is written locally before any network call, attachments are uploaded,
// and the temporary row is swapped for the server-confirmed one.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/syncerr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// LocalScheme prefixes the url of an attachment whose bytes are still in
// the local media cache.
const LocalScheme = "local://"

// IsLocal reports whether url references the local media cache.
func IsLocal(url string) bool { return strings.HasPrefix(url, LocalScheme) }

var (
	// ErrClosed is returned by Send and Resend after Close.
	ErrClosed = errors.New("send pipeline closed")
	// ErrTooManyRichMedia is returned when more than one rich-media
	// placeholder is attached.
	ErrTooManyRichMedia = errors.New("at most one rich media item per message")
	// ErrNotFailed is returned by Resend for a message that is not failed.
	ErrNotFailed = errors.New("message is not in failed state")
)

// Attachment is a local file to upload.
type Attachment struct {
	Name      string
	Mimetype  string
	Data      []byte
	LocalPath string
}

// Request is a composed message. Audio-only and reply-only messages are
// ordinary requests with one or no attachments.
type Request struct {
	ConversationID string
	Body           string
	ReplyTo        string
	Attachments    []Attachment

	// External media is already uploaded elsewhere and sent as is.
	External []remote.MediaRef

	// RichMedia is an externally sourced placeholder such as an animated
	// image. At most one is allowed.
	RichMedia []remote.MediaRef
}

// Store is the part of the local store the pipeline uses.
type Store interface {
	SaveOptimistic(m *store.Message, media []store.Media) error
	ReconcileMessage(tempID string, final *store.Message) error
	SetMessageState(id string, state store.MessageState) error
	GetMessage(id string) (*store.Message, error)
	MediaForMessage(messageID string) ([]store.Media, error)
	MarkDelivered(tempID, finalID string) error
	PutCachedBytes(key string, data []byte) error
	CachedBytes(key string) ([]byte, error)
	DeleteCachedBytes(key string) error
	MaxUploadSize() (int64, error)
}

// Clients hands out the current remote client.
type Clients interface {
	Client() (remote.Service, error)
}

// Invalidator is told when a conversation's cached timeline changed.
type Invalidator interface {
	Invalidate(conversationID, reason string)
}

// Options tune a Pipeline.
type Options struct {
	// UploadConcurrency bounds parallel uploads of one message.
	UploadConcurrency int

	// MaxAttachmentSize caps attachment size locally. The server limit
	// applies as well.
	MaxAttachmentSize int64

	SelfID  string
	Now     func() time.Time
	Metrics *metrics.Metrics
}

const (
	reconcileAttempts = 3
	reconcileBackoff  = 50 * time.Millisecond
)

// Pipeline sends messages. Deliveries run on a detached pool: cancelling
// the caller's context never cancels a send that has started.
type Pipeline struct {
	store       Store
	clients     Clients
	invalidator Invalidator
	bus         *bus.Bus
	logger      *zap.Logger
	opts        Options

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a send pipeline.
func New(st Store, clients Clients, invalidator Invalidator, b *bus.Bus, logger *zap.Logger, opts Options) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.UploadConcurrency <= 0 {
		opts.UploadConcurrency = 3
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Pipeline{
		store:       st,
		clients:     clients,
		invalidator: invalidator,
		bus:         b,
		logger:      logger,
		opts:        opts,
	}
}

// NewTemporaryID mints a placeholder message id.
func NewTemporaryID() string {
	return store.TemporaryPrefix + uuid.NewString()
}

// Send writes the message locally as pending, makes it visible and starts
// delivery in the background. It returns the temporary id.
func (p *Pipeline) Send(ctx context.Context, req Request) (string, error) {
	if len(req.RichMedia) > 1 {
		return "", ErrTooManyRichMedia
	}
	if req.ConversationID == "" {
		return "", fmt.Errorf("send: empty conversation id")
	}

	tempID := NewTemporaryID()
	msg := &store.Message{
		ID:             tempID,
		ConversationID: req.ConversationID,
		SenderID:       p.opts.SelfID,
		Body:           req.Body,
		State:          store.StatePending,
		ReplyTo:        req.ReplyTo,
		SentAt:         p.opts.Now().UnixMilli(),
	}

	var (
		media []store.Media
		keys  []string
	)
	for _, a := range req.Attachments {
		key := LocalScheme + uuid.NewString()
		if err := p.store.PutCachedBytes(key, a.Data); err != nil {
			p.dropCached(keys)
			return "", err
		}
		keys = append(keys, key)
		media = append(media, store.Media{
			MessageID: tempID,
			URL:       key,
			Mimetype:  a.Mimetype,
			Size:      int64(len(a.Data)),
			Name:      a.Name,
			LocalPath: a.LocalPath,
			Position:  len(media),
		})
	}
	for _, ref := range append(append([]remote.MediaRef(nil), req.External...), req.RichMedia...) {
		media = append(media, store.Media{
			MessageID: tempID,
			URL:       ref.URL,
			Mimetype:  ref.Mimetype,
			Size:      ref.Size,
			Name:      ref.Name,
			Position:  len(media),
		})
	}

	if err := p.store.SaveOptimistic(msg, media); err != nil {
		p.dropCached(keys)
		return "", fmt.Errorf("save optimistic message: %w", err)
	}
	p.invalidate(req.ConversationID, "send")

	if err := p.launch(ctx, tempID); err != nil {
		return tempID, err
	}
	return tempID, nil
}

// Resend re-drives a failed message under the same temporary id.
func (p *Pipeline) Resend(ctx context.Context, tempID string) error {
	msg, err := p.store.GetMessage(tempID)
	if err != nil {
		return err
	}
	if msg == nil {
		return &syncerr.NotFoundLocallyError{ID: tempID}
	}
	if msg.State != store.StateFailed {
		return ErrNotFailed
	}
	if err := p.store.SetMessageState(tempID, store.StatePending); err != nil {
		return err
	}
	p.invalidate(msg.ConversationID, "resend")
	return p.launch(ctx, tempID)
}

func (p *Pipeline) launch(ctx context.Context, tempID string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		if err := p.store.SetMessageState(tempID, store.StateFailed); err != nil {
			p.logger.Error("failed to mark message failed", zap.String("temp_id", tempID), zap.Error(err))
		}
		return ErrClosed
	}
	p.wg.Add(1)
	p.mu.Unlock()

	detached := context.WithoutCancel(ctx)
	go func() {
		defer p.wg.Done()
		p.deliver(detached, tempID)
	}()
	return nil
}

// Wait blocks until every started send has finished.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Close rejects new sends and waits for running ones.
func (p *Pipeline) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pipeline) deliver(ctx context.Context, tempID string) {
	p.opts.Metrics.SendStarted()
	logger := p.logger.With(zap.String("temp_id", tempID))

	msg, err := p.store.GetMessage(tempID)
	if err != nil || msg == nil {
		logger.Error("optimistic message vanished", zap.Error(err))
		p.opts.Metrics.SendFinished(string(store.StateFailed))
		return
	}
	logger = logger.With(zap.String("conversation", msg.ConversationID))

	client, err := p.clients.Client()
	if err != nil {
		p.fail(msg, err, logger)
		return
	}

	// Staged rows are left untouched until the send succeeds, so a failed
	// message keeps every attachment for Resend.
	media := p.upload(ctx, client, msg.Media, logger)

	refs := make([]remote.MediaRef, len(media))
	for i, md := range media {
		refs[i] = remote.MediaRef{URL: md.URL, Mimetype: md.Mimetype, Size: md.Size, Name: md.Name}
	}
	finalID, err := client.SendMessage(ctx, msg.ConversationID,
		remote.Content{TxnID: tempID, Body: msg.Body, ReplyTo: msg.ReplyTo}, refs)
	if err != nil {
		p.fail(msg, err, logger)
		return
	}

	final := &store.Message{
		ID:             finalID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Body:           msg.Body,
		State:          store.StateSent,
		ReplyTo:        msg.ReplyTo,
		SentAt:         msg.SentAt,
	}
	for i, md := range media {
		md.RowID = 0
		md.MessageID = finalID
		md.Position = i
		final.Media = append(final.Media, md)
	}
	if err := p.reconcile(tempID, final, logger); err != nil {
		logger.Error("failed to reconcile sent message", zap.String("message_id", finalID), zap.Error(err))
		if err := p.store.MarkDelivered(tempID, finalID); err != nil {
			logger.Error("failed to mark message delivered", zap.Error(err))
		}
	} else {
		p.dropCached(localKeys(msg.Media))
	}

	logger.Info("message sent", zap.String("message_id", finalID), zap.Int("media", len(final.Media)))
	p.opts.Metrics.SendFinished(string(store.StateSent))
	p.bus.Emit(bus.KindMessageConfirmed, bus.MessageConfirmed{
		ConversationID: msg.ConversationID,
		TemporaryID:    tempID,
		MessageID:      finalID,
	})
	p.invalidate(msg.ConversationID, "send")
}

// reconcile swaps the temporary row for final, retrying briefly since the
// server already holds the message.
func (p *Pipeline) reconcile(tempID string, final *store.Message, logger *zap.Logger) error {
	var err error
	for attempt := 0; attempt < reconcileAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * reconcileBackoff)
		}
		if err = p.store.ReconcileMessage(tempID, final); err == nil {
			return nil
		}
		logger.Warn("reconcile attempt failed", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return err
}

func localKeys(media []store.Media) []string {
	var keys []string
	for _, md := range media {
		if IsLocal(md.URL) {
			keys = append(keys, md.URL)
		}
	}
	return keys
}

func (p *Pipeline) fail(msg *store.Message, cause error, logger *zap.Logger) {
	logger.Warn("send failed", zap.Error(cause))
	if err := p.store.SetMessageState(msg.ID, store.StateFailed); err != nil {
		logger.Error("failed to mark message failed", zap.Error(err))
	}
	p.opts.Metrics.SendFinished(string(store.StateFailed))
	p.bus.Emit(bus.KindMessageSendFailed, bus.MessageSendFailed{
		ConversationID: msg.ConversationID,
		TemporaryID:    msg.ID,
		Err:            cause.Error(),
	})
	p.invalidate(msg.ConversationID, "send")
}

// upload sends every locally cached attachment with bounded concurrency
// and returns the media to reference, in attachment order. Failed uploads
// are left out. The store is not written.
func (p *Pipeline) upload(ctx context.Context, client remote.Service, media []store.Media, logger *zap.Logger) []store.Media {
	limit := p.uploadLimit(logger)
	results := make([]*store.Media, len(media))

	var g errgroup.Group
	g.SetLimit(p.opts.UploadConcurrency)
	for i, md := range media {
		if !IsLocal(md.URL) {
			results[i] = &md
			continue
		}
		g.Go(func() error {
			ref, err := p.uploadOne(ctx, client, md, limit)
			p.opts.Metrics.ObserveUpload(err == nil)
			if err != nil {
				logger.Warn("dropping attachment", zap.String("name", md.Name), zap.Error(err))
				return nil
			}
			up := md
			up.URL = ref
			results[i] = &up
			return nil
		})
	}
	_ = g.Wait()

	out := make([]store.Media, 0, len(media))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out
}

func (p *Pipeline) uploadOne(ctx context.Context, client remote.Service, md store.Media, limit int64) (string, error) {
	data, err := p.store.CachedBytes(md.URL)
	if err != nil {
		return "", err
	}
	if limit > 0 && int64(len(data)) > limit {
		return "", fmt.Errorf("attachment %q is %s, over the %s limit",
			md.Name, humanize.Bytes(uint64(len(data))), humanize.Bytes(uint64(limit)))
	}
	return client.UploadMedia(ctx, data, md.Name, md.Mimetype)
}

// uploadLimit is the smaller non-zero of the local and server limits.
func (p *Pipeline) uploadLimit(logger *zap.Logger) int64 {
	limit := p.opts.MaxAttachmentSize
	server, err := p.store.MaxUploadSize()
	if err != nil {
		logger.Warn("failed to read media config", zap.Error(err))
		return limit
	}
	if server > 0 && (limit == 0 || server < limit) {
		limit = server
	}
	return limit
}

func (p *Pipeline) dropCached(keys []string) {
	for _, k := range keys {
		if err := p.store.DeleteCachedBytes(k); err != nil {
			p.logger.Warn("failed to drop cached media", zap.String("key", k), zap.Error(err))
		}
	}
}

func (p *Pipeline) invalidate(conversationID, reason string) {
	if p.invalidator != nil {
		p.invalidator.Invalidate(conversationID, reason)
	}
}
