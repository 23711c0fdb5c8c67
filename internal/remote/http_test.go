package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/syncerr"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
	"go.uber.org/zap"
)

func testClient(t *testing.T, handler fasthttp.RequestHandler) *HTTPClient {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	srv := &fasthttp.Server{Handler: handler}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = ln.Close() })

	c, err := NewHTTPClient(HTTPOptions{
		BaseURL: "http://remote.test/",
		Token:   "secret",
		Timeout: 2 * time.Second,
		Dial:    func(string) (net.Conn, error) { return ln.Dial() },
	}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func writeJSON(ctx *fasthttp.RequestCtx, code int, v any) {
	b, _ := json.Marshal(v)
	ctx.SetStatusCode(code)
	ctx.SetContentType("application/json")
	ctx.SetBody(b)
}

func TestFetchPage(t *testing.T) {
	c := testClient(t, func(ctx *fasthttp.RequestCtx) {
		if string(ctx.Path()) != "/v1/conversations/c1/messages" {
			writeJSON(ctx, 404, apiError{Error: "unexpected path " + string(ctx.Path())})
			return
		}
		if string(ctx.Request.Header.Peek("Authorization")) != "Bearer secret" {
			writeJSON(ctx, 401, apiError{Error: "unauthorized"})
			return
		}
		args := ctx.QueryArgs()
		if string(args.Peek("from")) != "b1" || string(args.Peek("dir")) != "f" || string(args.Peek("limit")) != "30" {
			writeJSON(ctx, 400, apiError{Error: "bad query " + args.String()})
			return
		}
		writeJSON(ctx, 200, Page{
			Events: []Event{{ID: "e1", Type: EventMessage, SenderID: "u1", SentAt: 10, Body: "hi"}},
			Prev:   "b0",
			Next:   "b2",
			Total:  40,
		})
	})

	page, err := c.FetchPage(context.Background(), PageRequest{
		ConversationID: "c1", Cursor: "b1", Limit: 30, Direction: Forward,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Events) != 1 || page.Events[0].Body != "hi" {
		t.Errorf("events = %+v", page.Events)
	}
	if page.Prev != "b0" || page.Next != "b2" || page.Total != 40 {
		t.Errorf("cursors = %q %q total %d", page.Prev, page.Next, page.Total)
	}
}

func TestFetchPageDefaultsToBackward(t *testing.T) {
	c := testClient(t, func(ctx *fasthttp.RequestCtx) {
		args := ctx.QueryArgs()
		if args.Has("from") || string(args.Peek("dir")) != "b" {
			writeJSON(ctx, 400, apiError{Error: "bad query"})
			return
		}
		writeJSON(ctx, 200, Page{})
	})

	if _, err := c.FetchPage(context.Background(), PageRequest{ConversationID: "c1"}); err != nil {
		t.Fatal(err)
	}
}

func TestSendMessage(t *testing.T) {
	var got struct {
		TxnID string     `json:"txn_id"`
		Body  string     `json:"body"`
		Media []MediaRef `json:"media"`
	}
	c := testClient(t, func(ctx *fasthttp.RequestCtx) {
		if !ctx.IsPost() || string(ctx.Path()) != "/v1/conversations/c1/send" {
			writeJSON(ctx, 404, apiError{Error: "not found"})
			return
		}
		if err := json.Unmarshal(ctx.PostBody(), &got); err != nil {
			writeJSON(ctx, 400, apiError{Error: err.Error()})
			return
		}
		writeJSON(ctx, 200, map[string]string{"event_id": "$final"})
	})

	id, err := c.SendMessage(context.Background(), "c1",
		Content{TxnID: "temporary_1", Body: "hello"},
		[]MediaRef{{URL: "mxc://a", Mimetype: "image/png"}})
	if err != nil {
		t.Fatal(err)
	}
	if id != "$final" {
		t.Errorf("id = %q, want $final", id)
	}
	if got.TxnID != "temporary_1" || got.Body != "hello" || len(got.Media) != 1 {
		t.Errorf("request body = %+v", got)
	}
}

func TestUploadMedia(t *testing.T) {
	c := testClient(t, func(ctx *fasthttp.RequestCtx) {
		if string(ctx.Request.Header.ContentType()) != "image/png" ||
			string(ctx.QueryArgs().Peek("filename")) != "cat.png" ||
			string(ctx.PostBody()) != "png-bytes" {
			writeJSON(ctx, 400, apiError{Error: "bad upload"})
			return
		}
		writeJSON(ctx, 200, map[string]string{"content_uri": "mxc://cat"})
	})

	ref, err := c.UploadMedia(context.Background(), []byte("png-bytes"), "cat.png", "image/png")
	if err != nil {
		t.Fatal(err)
	}
	if ref != "mxc://cat" {
		t.Errorf("ref = %q", ref)
	}
}

func TestServerErrorMapping(t *testing.T) {
	c := testClient(t, func(ctx *fasthttp.RequestCtx) {
		writeJSON(ctx, 403, apiError{Error: "forbidden"})
	})

	err := c.Join(context.Background(), "c1")
	var se *syncerr.ServerError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want ServerError", err)
	}
	if se.Code != 403 || se.Message != "forbidden" {
		t.Errorf("server error = %+v", se)
	}
}

func TestSerializationErrorMapping(t *testing.T) {
	c := testClient(t, func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(200)
		ctx.SetBodyString("{not json")
	})

	_, err := c.MediaConfig(context.Background())
	var ze *syncerr.SerializationError
	if !errors.As(err, &ze) {
		t.Fatalf("err = %v, want SerializationError", err)
	}
}

func TestTransportErrorMapping(t *testing.T) {
	c, err := NewHTTPClient(HTTPOptions{
		BaseURL: "http://remote.test",
		Dial:    func(string) (net.Conn, error) { return nil, errors.New("connection refused") },
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	_, err = c.GetConversation(context.Background(), "c1")
	var te *syncerr.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want TransportError", err)
	}
}

func TestExpiredContextIsTransportError(t *testing.T) {
	c := testClient(t, func(ctx *fasthttp.RequestCtx) {
		writeJSON(ctx, 200, MediaConfig{MaxUploadSize: 1})
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.MediaConfig(ctx)
	var te *syncerr.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want TransportError", err)
	}
}

func TestCancelStopsInFlightRequest(t *testing.T) {
	release := make(chan struct{})
	c := testClient(t, func(ctx *fasthttp.RequestCtx) {
		select {
		case <-release:
		case <-time.After(time.Second):
		}
		writeJSON(ctx, 200, MediaConfig{MaxUploadSize: 1})
	})
	t.Cleanup(func() { close(release) })

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	_, err := c.MediaConfig(ctx)
	if took := time.Since(start); took > 500*time.Millisecond {
		t.Errorf("call returned after %s, want prompt return on cancel", took)
	}
	var te *syncerr.TransportError
	if !errors.As(err, &te) || !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want canceled TransportError", err)
	}
}

func TestResolveDirectMiss(t *testing.T) {
	c := testClient(t, func(ctx *fasthttp.RequestCtx) {
		writeJSON(ctx, 404, apiError{Error: "no room"})
	})

	_, err := c.ResolveDirect(context.Background(), "@bob")
	if syncerr.ServerCode(err) != 404 {
		t.Errorf("err = %v, want 404", err)
	}
}

func TestHolder(t *testing.T) {
	h := NewHolder(nil)
	if _, err := h.Client(); !errors.Is(err, syncerr.ErrNoClient) {
		t.Errorf("empty holder err = %v", err)
	}

	var nilHolder *Holder
	if _, err := nilHolder.Client(); !errors.Is(err, syncerr.ErrNoClient) {
		t.Errorf("nil holder err = %v", err)
	}

	c := testClient(t, func(ctx *fasthttp.RequestCtx) {})
	h.Set(c)
	svc, err := h.Client()
	if err != nil || svc != Service(c) {
		t.Errorf("client = %v, %v", svc, err)
	}
}
