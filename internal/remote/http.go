package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/syncerr"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// HTTPOptions configures HTTPClient.
type HTTPOptions struct {
	BaseURL           string
	Token             string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int

	// Dial overrides the connection dialer, e.g. with an in-memory listener.
	Dial fasthttp.DialFunc
}

// HTTPClient talks to the conversation service's JSON HTTP API.
type HTTPClient struct {
	base    string
	token   string
	timeout time.Duration
	client  *fasthttp.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

var _ Service = (*HTTPClient)(nil)

// NewHTTPClient creates a client for the service rooted at opts.BaseURL.
func NewHTTPClient(opts HTTPOptions, logger *zap.Logger) (*HTTPClient, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("remote base url is empty")
	}
	if _, err := url.Parse(opts.BaseURL); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 10
	}

	return &HTTPClient{
		base:    strings.TrimRight(opts.BaseURL, "/"),
		token:   opts.Token,
		timeout: timeout,
		client: &fasthttp.Client{
			Name:         "chatsync",
			Dial:         opts.Dial,
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
		},
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}, nil
}

type apiError struct {
	Error string `json:"error"`
}

// call performs one request. Transport failures, non-2xx answers and
// undecodable bodies come back as the matching syncerr types.
func (c *HTTPClient) call(ctx context.Context, op, method, path string, query url.Values, contentType string, body []byte, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return syncerr.Transport(op, err)
	}

	timeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}
	if timeout <= 0 {
		return syncerr.Transport(op, context.DeadlineExceeded)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()

	uri := c.base + path
	if len(query) > 0 {
		uri += "?" + query.Encode()
	}
	req.SetRequestURI(uri)
	req.Header.SetMethod(method)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.SetContentType(contentType)
		req.SetBody(body)
	}

	start := time.Now()
	res, err := c.do(ctx, req, resp, timeout)
	if err != nil {
		c.logger.Debug("remote request failed", zap.String("op", op), zap.Error(err))
		return syncerr.Transport(op, err)
	}
	code := res.code
	c.logger.Debug("remote request",
		zap.String("op", op),
		zap.Int("status", code),
		zap.Duration("took", time.Since(start)),
	)

	if code < 200 || code >= 300 {
		var e apiError
		_ = json.Unmarshal(res.body, &e)
		return &syncerr.ServerError{Code: code, Message: e.Error}
	}
	if out != nil {
		if err := json.Unmarshal(res.body, out); err != nil {
			return &syncerr.SerializationError{Err: fmt.Errorf("%s: %w", op, err)}
		}
	}
	return nil
}

type response struct {
	code int
	body []byte
}

// do sends req and takes ownership of req and resp, which are released
// once the exchange ends. It returns as soon as ctx is done; an abandoned
// exchange finishes in the background within timeout.
func (c *HTTPClient) do(ctx context.Context, req *fasthttp.Request, resp *fasthttp.Response, timeout time.Duration) (response, error) {
	type result struct {
		res response
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer fasthttp.ReleaseRequest(req)
		defer fasthttp.ReleaseResponse(resp)
		if err := c.client.DoTimeout(req, resp, timeout); err != nil {
			done <- result{err: err}
			return
		}
		done <- result{res: response{code: resp.StatusCode(), body: append([]byte(nil), resp.Body()...)}}
	}()

	select {
	case r := <-done:
		return r.res, r.err
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
}

func (c *HTTPClient) callJSON(ctx context.Context, op, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return &syncerr.SerializationError{Err: fmt.Errorf("%s: %w", op, err)}
		}
		body = b
	}
	return c.call(ctx, op, method, path, nil, "application/json", body, out)
}

func conversationPath(id string, rest ...string) string {
	p := "/v1/conversations/" + url.PathEscape(id)
	for _, r := range rest {
		p += "/" + r
	}
	return p
}

// FetchPage returns one batch of events starting at req.Cursor.
func (c *HTTPClient) FetchPage(ctx context.Context, req PageRequest) (*Page, error) {
	q := url.Values{}
	if req.Cursor != "" {
		q.Set("from", req.Cursor)
	}
	dir := req.Direction
	if dir == "" {
		dir = Backward
	}
	q.Set("dir", string(dir))
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}

	var page Page
	if err := c.call(ctx, "fetch page", fasthttp.MethodGet, conversationPath(req.ConversationID, "messages"), q, "", nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// SendMessage submits a message and returns its server id.
func (c *HTTPClient) SendMessage(ctx context.Context, conversationID string, content Content, media []MediaRef) (string, error) {
	in := struct {
		Content
		Media []MediaRef `json:"media,omitempty"`
	}{content, media}
	var out struct {
		EventID string `json:"event_id"`
	}
	if err := c.callJSON(ctx, "send message", fasthttp.MethodPost, conversationPath(conversationID, "send"), in, &out); err != nil {
		return "", err
	}
	if out.EventID == "" {
		return "", &syncerr.SerializationError{Err: fmt.Errorf("send message: empty event id")}
	}
	return out.EventID, nil
}

// UploadMedia uploads raw bytes and returns the content reference.
func (c *HTTPClient) UploadMedia(ctx context.Context, data []byte, filename, mimetype string) (string, error) {
	if mimetype == "" {
		mimetype = "application/octet-stream"
	}
	q := url.Values{}
	if filename != "" {
		q.Set("filename", filename)
	}
	var out struct {
		ContentURI string `json:"content_uri"`
	}
	if err := c.call(ctx, "upload media", fasthttp.MethodPost, "/v1/media/upload", q, mimetype, data, &out); err != nil {
		return "", err
	}
	if out.ContentURI == "" {
		return "", &syncerr.SerializationError{Err: fmt.Errorf("upload media: empty content uri")}
	}
	return out.ContentURI, nil
}

// GetConversation fetches conversation detail.
func (c *HTTPClient) GetConversation(ctx context.Context, conversationID string) (*ConversationDetail, error) {
	var d ConversationDetail
	if err := c.callJSON(ctx, "get conversation", fasthttp.MethodGet, conversationPath(conversationID), nil, &d); err != nil {
		return nil, err
	}
	if d.ID == "" {
		d.ID = conversationID
	}
	return &d, nil
}

// MediaConfig fetches the upload limits.
func (c *HTTPClient) MediaConfig(ctx context.Context) (*MediaConfig, error) {
	var mc MediaConfig
	if err := c.callJSON(ctx, "media config", fasthttp.MethodGet, "/v1/media/config", nil, &mc); err != nil {
		return nil, err
	}
	return &mc, nil
}

// ResolveDirect returns the id of the existing direct conversation with userID.
func (c *HTTPClient) ResolveDirect(ctx context.Context, userID string) (string, error) {
	var out struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := c.callJSON(ctx, "resolve direct", fasthttp.MethodGet, "/v1/direct/"+url.PathEscape(userID), nil, &out); err != nil {
		return "", err
	}
	if out.ConversationID == "" {
		return "", &syncerr.ServerError{Code: 404, Message: "no direct conversation"}
	}
	return out.ConversationID, nil
}

// CreateConversation creates a conversation and returns its id.
func (c *HTTPClient) CreateConversation(ctx context.Context, req CreateRequest) (string, error) {
	var out struct {
		ConversationID string `json:"conversation_id"`
	}
	if err := c.callJSON(ctx, "create conversation", fasthttp.MethodPost, "/v1/conversations", req, &out); err != nil {
		return "", err
	}
	if out.ConversationID == "" {
		return "", &syncerr.SerializationError{Err: fmt.Errorf("create conversation: empty id")}
	}
	return out.ConversationID, nil
}

// Join joins a conversation the user is previewing.
func (c *HTTPClient) Join(ctx context.Context, conversationID string) error {
	return c.callJSON(ctx, "join", fasthttp.MethodPost, conversationPath(conversationID, "join"), struct{}{}, nil)
}

// Knock asks to be let into a knock-restricted conversation.
func (c *HTTPClient) Knock(ctx context.Context, conversationID, reason string) error {
	in := struct {
		Reason string `json:"reason,omitempty"`
	}{reason}
	return c.callJSON(ctx, "knock", fasthttp.MethodPost, conversationPath(conversationID, "knock"), in, nil)
}

// SendReaction annotates messageID with key and returns the reaction event id.
func (c *HTTPClient) SendReaction(ctx context.Context, conversationID, messageID, key string) (string, error) {
	in := struct {
		MessageID string `json:"message_id"`
		Key       string `json:"key"`
	}{messageID, key}
	var out struct {
		EventID string `json:"event_id"`
	}
	if err := c.callJSON(ctx, "send reaction", fasthttp.MethodPost, conversationPath(conversationID, "react"), in, &out); err != nil {
		return "", err
	}
	return out.EventID, nil
}

// Redact removes an event, e.g. one of the user's reactions.
func (c *HTTPClient) Redact(ctx context.Context, conversationID, eventID string) error {
	return c.callJSON(ctx, "redact", fasthttp.MethodPost, conversationPath(conversationID, "redact", url.PathEscape(eventID)), struct{}{}, nil)
}
