package api

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/conversation"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/paging"
	"github.com/matheus3301/chatsync/internal/status"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// TimelineService serves the open conversations of a session.
type TimelineService struct {
	session  string
	selfID   string
	registry *conversation.Registry
	bus      *bus.Bus
	logger   *zap.Logger

	stopOnce sync.Once
	stopped  chan struct{}
}

var _ TimelineServer = (*TimelineService)(nil)

// NewTimelineService creates the service for a session.
func NewTimelineService(session, selfID string, registry *conversation.Registry, b *bus.Bus, logger *zap.Logger) *TimelineService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TimelineService{
		session:  session,
		selfID:   selfID,
		registry: registry,
		bus:      b,
		logger:   logger.Named("api"),
		stopped:  make(chan struct{}),
	}
}

func reply(fields map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode response: %v", err)
	}
	return s, nil
}

func (s *TimelineService) controller(req *structpb.Struct) (*conversation.Controller, error) {
	key := targetFrom(req).key()
	c, ok := s.registry.Get(key)
	if !ok {
		return nil, grpcstatus.Errorf(codes.FailedPrecondition, "conversation %q is not active", key)
	}
	return c, nil
}

func (s *TimelineService) Activate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	t := targetFrom(req)
	c := s.registry.Open(status.Inputs{
		JoinRuleHint:   t.JoinRule,
		ConversationID: t.ConversationID,
		TargetUserID:   t.UserID,
		InitialCursor:  t.InitialCursor,
		PrependFrom:    t.PrependFrom,
	})
	mode, err := c.Activate(ctx)
	if err != nil {
		s.logger.Warn("activate failed", zap.String("target", t.key()), zap.String("mode", string(mode)), zap.Error(err))
		return nil, toStatus(fmt.Errorf("activate in %s: %w", mode, err))
	}
	return reply(map[string]any{
		"session":         s.session,
		"mode":            string(mode),
		"conversation_id": c.ConversationID(),
	})
}

func (s *TimelineService) LoadPage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	c, err := s.controller(req)
	if err != nil {
		return nil, err
	}
	page, err := c.LoadPage(ctx, int(num(req, "key")))
	if page == nil {
		return nil, toStatus(err)
	}
	return reply(pageFields(page, err, s.selfID))
}

func (s *TimelineService) Send(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	c, err := s.controller(req)
	if err != nil {
		return nil, err
	}
	atts, err := decodeAttachments(req)
	if err != nil {
		return nil, err
	}
	external, err := decodeMediaRefs(req, "external")
	if err != nil {
		return nil, err
	}
	rich, err := decodeMediaRefs(req, "rich_media")
	if err != nil {
		return nil, err
	}
	tempID, err := c.Send(ctx, outbox.Request{
		Body:        str(req, "body"),
		ReplyTo:     str(req, "reply_to"),
		Attachments: atts,
		External:    external,
		RichMedia:   rich,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]any{
		"temporary_id":    tempID,
		"conversation_id": c.ConversationID(),
	})
}

// Retry re-runs a failed remote load. load_type is refresh, prepend or
// append.
func (s *TimelineService) Retry(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	c, err := s.controller(req)
	if err != nil {
		return nil, err
	}
	lt, err := paging.ParseLoadType(str(req, "load_type"))
	if err != nil {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	if err := c.Retry(ctx, lt); err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]any{"load_type": lt.String()})
}

func (s *TimelineService) Resend(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	c, err := s.controller(req)
	if err != nil {
		return nil, err
	}
	tempID := str(req, "temporary_id")
	if err := c.Resend(ctx, tempID); err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]any{"temporary_id": tempID})
}

func (s *TimelineService) React(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	c, err := s.controller(req)
	if err != nil {
		return nil, err
	}
	added, err := c.React(ctx, str(req, "message_id"), str(req, "content"))
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]any{"added": added})
}

func (s *TimelineService) IndexOf(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	c, err := s.controller(req)
	if err != nil {
		return nil, err
	}
	idx, err := c.IndexOf(ctx, str(req, "message_id"))
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]any{"index": idx})
}

func (s *TimelineService) Join(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	c, err := s.controller(req)
	if err != nil {
		return nil, err
	}
	if err := c.Join(ctx); err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]any{"mode": string(c.Mode())})
}

func (s *TimelineService) Knock(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	c, err := s.controller(req)
	if err != nil {
		return nil, err
	}
	err = c.Knock(ctx, str(req, "reason"))
	res := c.Knocks().Get()
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]any{"state": string(res.State)})
}

func (s *TimelineService) Close(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return reply(map[string]any{"closed": s.registry.Close(targetFrom(req).key())})
}

// Watch streams bus events whose kind starts with the requested namespace,
// optionally narrowed to one conversation.
func (s *TimelineService) Watch(req *structpb.Struct, stream grpc.ServerStream) error {
	namespace := str(req, "namespace")
	only := str(req, "conversation_id")

	ch, unsub := s.bus.Subscribe(namespace, 256)
	defer unsub()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			if only != "" && conversationOf(evt.Payload) != only {
				continue
			}
			msg, err := structpb.NewStruct(eventFields(evt))
			if err != nil {
				s.logger.Warn("drop unencodable event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		case <-s.stopped:
			return nil
		}
	}
}

// Shutdown ends every Watch stream so the server can drain.
func (s *TimelineService) Shutdown() {
	s.stopOnce.Do(func() { close(s.stopped) })
}

// knownKinds lists the event kinds Watch can deliver, for clients that
// validate a namespace.
var knownKinds = []string{
	bus.KindMessageConfirmed,
	bus.KindMessageSendFailed,
	bus.KindReactionChanged,
	bus.KindConversationEntered,
	bus.KindConversationLeft,
	bus.KindConversationMode,
	bus.KindTimelineInvalidated,
}

// ValidNamespace reports whether namespace selects at least one event kind.
func ValidNamespace(namespace string) bool {
	for _, k := range knownKinds {
		if strings.HasPrefix(k, namespace) {
			return true
		}
	}
	return false
}
