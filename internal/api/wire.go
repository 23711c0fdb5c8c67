package api

import (
	"context"
	"encoding/base64"
	"errors"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/conversation"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/paging"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/syncerr"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Target names the conversation a call acts on. ConversationID wins over
// UserID. JoinRule, InitialCursor and PrependFrom are only read by
// Activate.
type Target struct {
	ConversationID string
	UserID         string
	JoinRule       string
	InitialCursor  string
	PrependFrom    string
}

func (t Target) key() string {
	if t.ConversationID != "" {
		return t.ConversationID
	}
	return t.UserID
}

func (t Target) fields() map[string]any {
	return map[string]any{
		"conversation_id": t.ConversationID,
		"user_id":         t.UserID,
		"join_rule":       t.JoinRule,
		"initial_cursor":  t.InitialCursor,
		"prepend_from":    t.PrependFrom,
	}
}

func targetFrom(s *structpb.Struct) Target {
	return Target{
		ConversationID: str(s, "conversation_id"),
		UserID:         str(s, "user_id"),
		JoinRule:       str(s, "join_rule"),
		InitialCursor:  str(s, "initial_cursor"),
		PrependFrom:    str(s, "prepend_from"),
	}
}

// Message is a timeline row as seen by clients.
type Message struct {
	ID        string
	SenderID  string
	Body      string
	State     string
	ReplyTo   string
	SentAt    int64
	Media     []Media
	Reactions []Reaction
}

type Media struct {
	URL      string
	Name     string
	Mimetype string
	Size     int64
}

type Reaction struct {
	Content string
	Count   int
	Mine    bool
}

// Page is one loaded timeline page. RemoteError is set when the page came
// from the cache because the remote fetch failed. RefreshKey is set after
// the timeline was reloaded: it is the page to scroll back to.
type Page struct {
	Key         int
	PrevKey     *int
	NextKey     *int
	RefreshKey  *int
	ItemsBefore int
	ItemsAfter  int
	Messages    []Message
	RemoteError string
}

// Event is one bus event delivered by Watch.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   map[string]any
}

func str(s *structpb.Struct, key string) string { return s.GetFields()[key].GetStringValue() }
func num(s *structpb.Struct, key string) int64  { return int64(s.GetFields()[key].GetNumberValue()) }
func flag(s *structpb.Struct, key string) bool  { return s.GetFields()[key].GetBoolValue() }

func optInt(s *structpb.Struct, key string) *int {
	v, ok := s.GetFields()[key]
	if !ok {
		return nil
	}
	if _, isNull := v.GetKind().(*structpb.Value_NullValue); isNull {
		return nil
	}
	n := int(v.GetNumberValue())
	return &n
}

func list(s *structpb.Struct, key string) []*structpb.Value {
	return s.GetFields()[key].GetListValue().GetValues()
}

func intOrNil(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func messageFields(m store.Message, selfID string) map[string]any {
	media := make([]any, 0, len(m.Media))
	for _, md := range m.Media {
		media = append(media, map[string]any{
			"url":      md.URL,
			"name":     md.Name,
			"mimetype": md.Mimetype,
			"size":     md.Size,
		})
	}
	reactions := []any{}
	for _, g := range store.SummarizeReactions(m.Reactions, selfID) {
		reactions = append(reactions, map[string]any{
			"content": g.Content,
			"count":   g.Count,
			"mine":    g.Mine,
		})
	}
	return map[string]any{
		"id":        m.ID,
		"sender_id": m.SenderID,
		"body":      m.Body,
		"state":     string(m.State),
		"reply_to":  m.ReplyTo,
		"sent_at":   m.SentAt,
		"media":     media,
		"reactions": reactions,
	}
}

func pageFields(p *paging.Page, remoteErr error, selfID string) map[string]any {
	msgs := make([]any, 0, len(p.Items))
	for _, m := range p.Items {
		msgs = append(msgs, messageFields(m, selfID))
	}
	out := map[string]any{
		"key":          p.Key,
		"prev_key":     intOrNil(p.PrevKey),
		"next_key":     intOrNil(p.NextKey),
		"items_before": p.ItemsBefore,
		"items_after":  p.ItemsAfter,
		"messages":     msgs,
	}
	if p.RefreshKey != nil {
		out["refresh_key"] = *p.RefreshKey
	}
	if remoteErr != nil {
		out["remote_error"] = remoteErr.Error()
	}
	return out
}

func decodePage(s *structpb.Struct) *Page {
	p := &Page{
		Key:         int(num(s, "key")),
		PrevKey:     optInt(s, "prev_key"),
		NextKey:     optInt(s, "next_key"),
		RefreshKey:  optInt(s, "refresh_key"),
		ItemsBefore: int(num(s, "items_before")),
		ItemsAfter:  int(num(s, "items_after")),
		RemoteError: str(s, "remote_error"),
	}
	for _, v := range list(s, "messages") {
		ms := v.GetStructValue()
		m := Message{
			ID:       str(ms, "id"),
			SenderID: str(ms, "sender_id"),
			Body:     str(ms, "body"),
			State:    str(ms, "state"),
			ReplyTo:  str(ms, "reply_to"),
			SentAt:   num(ms, "sent_at"),
		}
		for _, mv := range list(ms, "media") {
			md := mv.GetStructValue()
			m.Media = append(m.Media, Media{
				URL:      str(md, "url"),
				Name:     str(md, "name"),
				Mimetype: str(md, "mimetype"),
				Size:     num(md, "size"),
			})
		}
		for _, rv := range list(ms, "reactions") {
			r := rv.GetStructValue()
			m.Reactions = append(m.Reactions, Reaction{
				Content: str(r, "content"),
				Count:   int(num(r, "count")),
				Mine:    flag(r, "mine"),
			})
		}
		p.Messages = append(p.Messages, m)
	}
	return p
}

func attachmentFields(atts []outbox.Attachment) []any {
	out := make([]any, 0, len(atts))
	for _, a := range atts {
		out = append(out, map[string]any{
			"name":       a.Name,
			"mimetype":   a.Mimetype,
			"data":       a.Data,
			"local_path": a.LocalPath,
		})
	}
	return out
}

func decodeAttachments(s *structpb.Struct) ([]outbox.Attachment, error) {
	var out []outbox.Attachment
	for _, v := range list(s, "attachments") {
		as := v.GetStructValue()
		data, err := base64.StdEncoding.DecodeString(str(as, "data"))
		if err != nil {
			return nil, grpcstatus.Errorf(codes.InvalidArgument, "attachment %q: %v", str(as, "name"), err)
		}
		out = append(out, outbox.Attachment{
			Name:      str(as, "name"),
			Mimetype:  str(as, "mimetype"),
			Data:      data,
			LocalPath: str(as, "local_path"),
		})
	}
	return out, nil
}

func mediaRefFields(refs []remote.MediaRef) []any {
	out := make([]any, 0, len(refs))
	for _, r := range refs {
		out = append(out, map[string]any{
			"url":      r.URL,
			"mimetype": r.Mimetype,
			"size":     r.Size,
			"name":     r.Name,
		})
	}
	return out
}

func decodeMediaRefs(s *structpb.Struct, key string) ([]remote.MediaRef, error) {
	var out []remote.MediaRef
	for _, v := range list(s, key) {
		ms := v.GetStructValue()
		if str(ms, "url") == "" {
			return nil, grpcstatus.Errorf(codes.InvalidArgument, "%s: media without url", key)
		}
		out = append(out, remote.MediaRef{
			URL:      str(ms, "url"),
			Mimetype: str(ms, "mimetype"),
			Size:     num(ms, "size"),
			Name:     str(ms, "name"),
		})
	}
	return out, nil
}

// conversationOf returns the conversation an event belongs to, if any.
func conversationOf(payload any) string {
	switch p := payload.(type) {
	case bus.MessageConfirmed:
		return p.ConversationID
	case bus.MessageSendFailed:
		return p.ConversationID
	case bus.ReactionChanged:
		return p.ConversationID
	case bus.ConversationLifecycle:
		return p.ConversationID
	case bus.ModeChanged:
		return p.ConversationID
	case bus.TimelineInvalidated:
		return p.ConversationID
	}
	return ""
}

func payloadFields(payload any) map[string]any {
	switch p := payload.(type) {
	case bus.MessageConfirmed:
		return map[string]any{"conversation_id": p.ConversationID, "temporary_id": p.TemporaryID, "message_id": p.MessageID}
	case bus.MessageSendFailed:
		return map[string]any{"conversation_id": p.ConversationID, "temporary_id": p.TemporaryID, "error": p.Err}
	case bus.ReactionChanged:
		return map[string]any{
			"conversation_id": p.ConversationID,
			"message_id":      p.MessageID,
			"author_id":       p.AuthorID,
			"content":         p.Content,
			"added":           p.Added,
		}
	case bus.ConversationLifecycle:
		return map[string]any{"conversation_id": p.ConversationID}
	case bus.ModeChanged:
		return map[string]any{"conversation_id": p.ConversationID, "from": p.From, "to": p.To}
	case bus.TimelineInvalidated:
		return map[string]any{"conversation_id": p.ConversationID, "reason": p.Reason}
	}
	return map[string]any{}
}

func eventFields(evt bus.Event) map[string]any {
	return map[string]any{
		"kind":         evt.Kind,
		"timestamp_ms": evt.Timestamp.UnixMilli(),
		"payload":      payloadFields(evt.Payload),
	}
}

func decodeEvent(s *structpb.Struct) Event {
	return Event{
		Kind:      str(s, "kind"),
		Timestamp: time.UnixMilli(num(s, "timestamp_ms")),
		Payload:   s.GetFields()["payload"].GetStructValue().AsMap(),
	}
}

// toStatus maps domain errors onto gRPC status codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := grpcstatus.FromError(err); ok {
		return err
	}
	code := codes.Internal
	var (
		te *syncerr.TransportError
		se *syncerr.ServerError
		ze *syncerr.SerializationError
	)
	switch {
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case syncerr.IsNotFoundLocally(err):
		code = codes.NotFound
	case errors.Is(err, syncerr.ErrNoClient), errors.As(err, &te):
		code = codes.Unavailable
	case errors.As(err, &se):
		code = serverCode(se.Code)
	case errors.As(err, &ze):
		code = codes.DataLoss
	case errors.Is(err, conversation.ErrNotJoined), errors.Is(err, conversation.ErrWrongMode),
		errors.Is(err, conversation.ErrNoConversation), errors.Is(err, outbox.ErrNotFailed):
		code = codes.FailedPrecondition
	case errors.Is(err, conversation.ErrTemporaryMessage), errors.Is(err, outbox.ErrTooManyRichMedia):
		code = codes.InvalidArgument
	case errors.Is(err, conversation.ErrClosed), errors.Is(err, outbox.ErrClosed):
		code = codes.Aborted
	}
	return grpcstatus.Error(code, err.Error())
}

func serverCode(httpCode int) codes.Code {
	switch {
	case httpCode == 401:
		return codes.Unauthenticated
	case httpCode == 403:
		return codes.PermissionDenied
	case httpCode == 404:
		return codes.NotFound
	case httpCode == 409:
		return codes.AlreadyExists
	case httpCode == 429:
		return codes.ResourceExhausted
	case httpCode >= 400 && httpCode < 500:
		return codes.InvalidArgument
	}
	return codes.Unavailable
}
