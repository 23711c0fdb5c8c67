package api

import (
	"context"
	"errors"
	"io"

	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/remote"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls a daemon's timeline service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon listening on socketPath.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, fields map[string]any) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func withTarget(t Target, extra map[string]any) map[string]any {
	fields := t.fields()
	for k, v := range extra {
		fields[k] = v
	}
	return fields
}

// Activate opens the conversation in the daemon and returns its mode and
// id. The id is empty until a conversation exists.
func (c *Client) Activate(ctx context.Context, t Target) (mode, conversationID string, err error) {
	out, err := c.invoke(ctx, "Activate", t.fields())
	if err != nil {
		return "", "", err
	}
	return str(out, "mode"), str(out, "conversation_id"), nil
}

// LoadPage loads timeline page key, 0 being the newest.
func (c *Client) LoadPage(ctx context.Context, t Target, key int) (*Page, error) {
	out, err := c.invoke(ctx, "LoadPage", withTarget(t, map[string]any{"key": key}))
	if err != nil {
		return nil, err
	}
	return decodePage(out), nil
}

// SendRequest is a message to compose. External and RichMedia are already
// hosted elsewhere and are sent by reference.
type SendRequest struct {
	Body        string
	ReplyTo     string
	Attachments []outbox.Attachment
	External    []remote.MediaRef
	RichMedia   []remote.MediaRef
}

// Send submits a message and returns its temporary id.
func (c *Client) Send(ctx context.Context, t Target, req SendRequest) (string, error) {
	out, err := c.invoke(ctx, "Send", withTarget(t, map[string]any{
		"body":        req.Body,
		"reply_to":    req.ReplyTo,
		"attachments": attachmentFields(req.Attachments),
		"external":    mediaRefFields(req.External),
		"rich_media":  mediaRefFields(req.RichMedia),
	}))
	if err != nil {
		return "", err
	}
	return str(out, "temporary_id"), nil
}

// Retry re-runs a failed remote load; loadType is refresh, prepend or append.
func (c *Client) Retry(ctx context.Context, t Target, loadType string) error {
	_, err := c.invoke(ctx, "Retry", withTarget(t, map[string]any{"load_type": loadType}))
	return err
}

func (c *Client) Resend(ctx context.Context, t Target, tempID string) error {
	_, err := c.invoke(ctx, "Resend", withTarget(t, map[string]any{"temporary_id": tempID}))
	return err
}

// React toggles a reaction and reports whether it is now present.
func (c *Client) React(ctx context.Context, t Target, messageID, content string) (bool, error) {
	out, err := c.invoke(ctx, "React", withTarget(t, map[string]any{"message_id": messageID, "content": content}))
	if err != nil {
		return false, err
	}
	return flag(out, "added"), nil
}

func (c *Client) IndexOf(ctx context.Context, t Target, messageID string) (int, error) {
	out, err := c.invoke(ctx, "IndexOf", withTarget(t, map[string]any{"message_id": messageID}))
	if err != nil {
		return 0, err
	}
	return int(num(out, "index")), nil
}

func (c *Client) Join(ctx context.Context, t Target) (string, error) {
	out, err := c.invoke(ctx, "Join", t.fields())
	if err != nil {
		return "", err
	}
	return str(out, "mode"), nil
}

func (c *Client) Knock(ctx context.Context, t Target, reason string) (string, error) {
	out, err := c.invoke(ctx, "Knock", withTarget(t, map[string]any{"reason": reason}))
	if err != nil {
		return "", err
	}
	return str(out, "state"), nil
}

// Leave closes the conversation in the daemon.
func (c *Client) Leave(ctx context.Context, t Target) (bool, error) {
	out, err := c.invoke(ctx, "Close", t.fields())
	if err != nil {
		return false, err
	}
	return flag(out, "closed"), nil
}

// Watch calls fn for every event in namespace until ctx ends, the stream
// fails or fn returns an error. An empty conversationID watches all.
func (c *Client) Watch(ctx context.Context, namespace, conversationID string, fn func(Event) error) error {
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], "/"+ServiceName+"/Watch")
	if err != nil {
		return err
	}
	in, err := structpb.NewStruct(map[string]any{
		"namespace":       namespace,
		"conversation_id": conversationID,
	})
	if err != nil {
		return err
	}
	if err := stream.SendMsg(in); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		msg := new(structpb.Struct)
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := fn(decodeEvent(msg)); err != nil {
			return err
		}
	}
}
