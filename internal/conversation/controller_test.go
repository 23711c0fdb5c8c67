package conversation

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/paging"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/syncerr"
	"go.uber.org/zap"
)

// fakeRemote answers conversation calls from fields and records what it saw.
type fakeRemote struct {
	remote.Service

	mu        sync.Mutex
	detailErr error
	direct    map[string]string
	createErr error
	created   []remote.CreateRequest
	joined    []string
	knockErr  error
	knocks    int
	reactions int
	redacted  []string
	sent      []string
	fetched   []remote.PageRequest
	fetchErr  error
}

func (f *fakeRemote) GetConversation(_ context.Context, id string) (*remote.ConversationDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.detailErr != nil {
		return nil, f.detailErr
	}
	return &remote.ConversationDetail{ID: id, Name: "room " + id, JoinRule: remote.JoinRuleInvite}, nil
}

func (f *fakeRemote) MediaConfig(context.Context) (*remote.MediaConfig, error) {
	return &remote.MediaConfig{MaxUploadSize: 1 << 20}, nil
}

func (f *fakeRemote) ResolveDirect(_ context.Context, userID string) (string, error) {
	if id, ok := f.direct[userID]; ok {
		return id, nil
	}
	return "", &syncerr.ServerError{Code: 404, Message: "no direct conversation"}
}

func (f *fakeRemote) CreateConversation(_ context.Context, req remote.CreateRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, req)
	if f.createErr != nil {
		return "", f.createErr
	}
	return "!new", nil
}

func (f *fakeRemote) Join(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, id)
	return nil
}

func (f *fakeRemote) Knock(context.Context, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.knocks++
	return f.knockErr
}

func (f *fakeRemote) SendReaction(context.Context, string, string, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions++
	return fmt.Sprintf("$reaction%d", f.reactions), nil
}

func (f *fakeRemote) Redact(_ context.Context, _, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.redacted = append(f.redacted, eventID)
	return nil
}

func (f *fakeRemote) SendMessage(_ context.Context, conversationID string, _ remote.Content, _ []remote.MediaRef) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, conversationID)
	return fmt.Sprintf("$msg%d", len(f.sent)), nil
}

func (f *fakeRemote) FetchPage(_ context.Context, req remote.PageRequest) (*remote.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, req)
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return &remote.Page{}, nil
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type fixture struct {
	db       *store.DB
	remote   *fakeRemote
	holder   *remote.Holder
	bus      *bus.Bus
	pipeline *outbox.Pipeline
	deps     Deps
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		db:     testDB(t),
		remote: &fakeRemote{direct: map[string]string{}},
		bus:    bus.New(),
	}
	f.holder = remote.NewHolder(f.remote)
	tracker := paging.NewTracker(f.bus)
	logger := zap.NewNop()
	f.pipeline = outbox.New(f.db, f.holder, tracker, f.bus, logger, outbox.Options{SelfID: "@me:test"})
	t.Cleanup(f.pipeline.Close)
	f.deps = Deps{
		Store:   f.db,
		Clients: f.holder,
		Sender:  f.pipeline,
		Tracker: tracker,
		Bus:     f.bus,
		Logger:  logger,
		Config:  Config{SelfID: "@me:test", PageSize: 10},
	}
	return f
}

func (f *fixture) open(t *testing.T, in status.Inputs) *Controller {
	t.Helper()
	c := New(in, f.deps)
	t.Cleanup(c.Close)
	return c
}

func TestActivateKnownConversation(t *testing.T) {
	f := newFixture(t)
	c := f.open(t, status.Inputs{ConversationID: "!c1"})

	mode, err := c.Activate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if mode != status.Idle {
		t.Errorf("mode = %s, want IDLE", mode)
	}
	conv, _ := f.db.GetConversation("!c1")
	if conv == nil || conv.Name != "room !c1" {
		t.Errorf("cached detail = %+v", conv)
	}
	if limit, _ := f.db.MaxUploadSize(); limit != 1<<20 {
		t.Errorf("max upload size = %d", limit)
	}
	if c.Pager() == nil {
		t.Error("pager not created")
	}
}

func TestActivateDetailFailure(t *testing.T) {
	f := newFixture(t)
	f.remote.detailErr = &syncerr.ServerError{Code: 500, Message: "boom"}
	c := f.open(t, status.Inputs{ConversationID: "!c1"})

	mode, err := c.Activate(context.Background())
	if err == nil || mode != status.InternalError {
		t.Fatalf("Activate() = %s, %v; want INTERNAL_ERROR with error", mode, err)
	}

	f.remote.mu.Lock()
	f.remote.detailErr = nil
	f.remote.mu.Unlock()
	mode, err = c.Activate(context.Background())
	if err != nil || mode != status.Idle {
		t.Errorf("reload = %s, %v; want IDLE", mode, err)
	}
}

func TestActivateOfflineUsesCachedDetail(t *testing.T) {
	f := newFixture(t)
	if err := f.db.UpsertConversation(&store.Conversation{ID: "!c1", Name: "cached"}); err != nil {
		t.Fatal(err)
	}
	f.holder.Set(nil)
	c := f.open(t, status.Inputs{ConversationID: "!c1"})

	mode, err := c.Activate(context.Background())
	if err != nil || mode != status.Idle {
		t.Errorf("Activate() = %s, %v; want IDLE", mode, err)
	}
}

func TestActivateDirectFromCache(t *testing.T) {
	f := newFixture(t)
	err := f.db.UpsertConversation(&store.Conversation{ID: "!dm", IsDirect: true, DirectUserID: "@bob:test"})
	if err != nil {
		t.Fatal(err)
	}
	c := f.open(t, status.Inputs{TargetUserID: "@bob:test"})

	mode, err := c.Activate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if mode != status.Idle || c.ConversationID() != "!dm" {
		t.Errorf("Activate() = %s bound to %q", mode, c.ConversationID())
	}
}

func TestSendCreatesConversation(t *testing.T) {
	f := newFixture(t)
	c := f.open(t, status.Inputs{TargetUserID: "@bob:test"})
	ch, unsub := f.bus.Subscribe(bus.KindConversationEntered, 10)
	defer unsub()

	if mode, _ := c.Activate(context.Background()); mode != status.IdleNoRoom {
		t.Fatalf("mode = %s, want IDLE_NO_ROOM", mode)
	}

	tempID, err := c.Send(context.Background(), outbox.Request{Body: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	f.pipeline.Wait()

	if c.Mode() != status.Idle || c.ConversationID() != "!new" {
		t.Errorf("after send: mode %s bound to %q", c.Mode(), c.ConversationID())
	}
	if len(f.remote.created) != 1 || !slices.Equal(f.remote.created[0].Invite, []string{"@bob:test"}) || !f.remote.created[0].IsDirect {
		t.Errorf("create requests = %+v", f.remote.created)
	}
	if len(f.remote.sent) != 1 || f.remote.sent[0] != "!new" {
		t.Errorf("sent to %v", f.remote.sent)
	}
	if m, _ := f.db.GetMessage(tempID); m != nil {
		t.Errorf("temporary message not reconciled: %+v", m)
	}
	select {
	case evt := <-ch:
		if evt.Payload.(bus.ConversationLifecycle).ConversationID != "!new" {
			t.Errorf("entered %+v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Error("no conversation.entered event")
	}
}

func TestCreateFailureRestoresMode(t *testing.T) {
	f := newFixture(t)
	f.remote.createErr = &syncerr.ServerError{Code: 403, Message: "forbidden"}
	c := f.open(t, status.Inputs{})

	if mode, _ := c.Activate(context.Background()); mode != status.CreateRoomNoMembers {
		t.Fatalf("mode = %s, want CREATE_ROOM_NO_MEMBERS", mode)
	}
	if _, err := c.Send(context.Background(), outbox.Request{Body: "hi"}); err == nil {
		t.Fatal("Send() should fail when creation fails")
	}
	if c.Mode() != status.CreateRoomNoMembers {
		t.Errorf("mode = %s, want CREATE_ROOM_NO_MEMBERS", c.Mode())
	}
	if len(f.remote.created) != 1 || len(f.remote.created[0].Invite) != 0 {
		t.Errorf("create requests = %+v", f.remote.created)
	}
}

func TestPreviewRequiresJoin(t *testing.T) {
	f := newFixture(t)
	c := f.open(t, status.Inputs{ConversationID: "!pub", JoinRuleHint: remote.JoinRulePublic})

	if mode, _ := c.Activate(context.Background()); mode != status.Preview {
		t.Fatalf("mode = %s, want PREVIEW", mode)
	}
	if _, err := c.Send(context.Background(), outbox.Request{Body: "hi"}); !errors.Is(err, ErrNotJoined) {
		t.Errorf("Send() error = %v, want ErrNotJoined", err)
	}
	if err := c.Join(context.Background()); err != nil {
		t.Fatal(err)
	}
	if c.Mode() != status.Idle {
		t.Errorf("mode = %s, want IDLE", c.Mode())
	}
	if !slices.Equal(f.remote.joined, []string{"!pub"}) {
		t.Errorf("joined = %v", f.remote.joined)
	}
	if err := c.Join(context.Background()); !errors.Is(err, ErrWrongMode) {
		t.Errorf("second Join() error = %v, want ErrWrongMode", err)
	}
}

func TestKnockKeepsMode(t *testing.T) {
	f := newFixture(t)
	c := f.open(t, status.Inputs{ConversationID: "!k", JoinRuleHint: remote.JoinRuleKnock})
	if mode, _ := c.Activate(context.Background()); mode != status.Knock {
		t.Fatalf("mode = %s, want KNOCK", mode)
	}

	if err := c.Knock(context.Background(), "let me in"); err != nil {
		t.Fatal(err)
	}
	if got := c.Knocks().Get(); got.State != KnockSent {
		t.Errorf("knock result = %+v", got)
	}
	if c.Mode() != status.Knock {
		t.Errorf("mode = %s, want KNOCK", c.Mode())
	}

	f.remote.mu.Lock()
	f.remote.knockErr = &syncerr.ServerError{Code: 403, Message: "denied"}
	f.remote.mu.Unlock()
	if err := c.Knock(context.Background(), ""); err == nil {
		t.Fatal("Knock() should fail")
	}
	if got := c.Knocks().Get(); got.State != KnockFailed || got.Err == "" {
		t.Errorf("knock result = %+v", got)
	}
}

func TestReactToggles(t *testing.T) {
	f := newFixture(t)
	c := f.open(t, status.Inputs{ConversationID: "!c1"})
	if _, err := c.Activate(context.Background()); err != nil {
		t.Fatal(err)
	}
	ch, unsub := f.bus.Subscribe(bus.KindReactionChanged, 10)
	defer unsub()

	added, err := c.React(context.Background(), "$m1", "👍")
	if err != nil || !added {
		t.Fatalf("first React() = %v, %v", added, err)
	}
	r, _ := f.db.FindReaction("$m1", "@me:test", "👍")
	if r == nil || r.EventID != "$reaction1" {
		t.Fatalf("stored reaction = %+v", r)
	}

	added, err = c.React(context.Background(), "$m1", "👍")
	if err != nil || added {
		t.Fatalf("second React() = %v, %v", added, err)
	}
	if r, _ := f.db.FindReaction("$m1", "@me:test", "👍"); r != nil {
		t.Errorf("reaction not removed: %+v", r)
	}
	if !slices.Equal(f.remote.redacted, []string{"$reaction1"}) {
		t.Errorf("redacted = %v", f.remote.redacted)
	}

	for _, want := range []bool{true, false} {
		select {
		case evt := <-ch:
			if got := evt.Payload.(bus.ReactionChanged).Added; got != want {
				t.Errorf("event added = %v, want %v", got, want)
			}
		case <-time.After(time.Second):
			t.Fatal("missing reaction.changed event")
		}
	}

	if _, err := c.React(context.Background(), store.TemporaryPrefix+"x", "👍"); !errors.Is(err, ErrTemporaryMessage) {
		t.Errorf("React(temporary) error = %v", err)
	}
}

func TestSetTyping(t *testing.T) {
	f := newFixture(t)
	c := f.open(t, status.Inputs{ConversationID: "!c1"})

	c.SetTyping([]string{"@zoe:test", "@me:test", "@bob:test", "@bob:test"})
	if got := c.Typing().Get(); !slices.Equal(got, []string{"bob", "zoe"}) {
		t.Errorf("typing = %v, want [bob zoe]", got)
	}
	c.SetTyping(nil)
	if got := c.Typing().Get(); len(got) != 0 {
		t.Errorf("typing = %v, want empty", got)
	}
}

func TestIndexOf(t *testing.T) {
	f := newFixture(t)
	msgs := []store.Message{
		{ID: "$a", ConversationID: "!c1", SentAt: 300},
		{ID: "$b", ConversationID: "!c1", SentAt: 200},
		{ID: "$c", ConversationID: "!c1", SentAt: 100},
	}
	if err := f.db.InsertMessages(msgs); err != nil {
		t.Fatal(err)
	}
	c := f.open(t, status.Inputs{ConversationID: "!c1"})
	if _, err := c.Activate(context.Background()); err != nil {
		t.Fatal(err)
	}

	pos, err := c.IndexOf(context.Background(), "$c")
	if err != nil || pos != 2 {
		t.Errorf("IndexOf($c) = %d, %v; want 2", pos, err)
	}
	_, err = c.IndexOf(context.Background(), "$missing")
	if !syncerr.IsNotFoundLocally(err) {
		t.Errorf("IndexOf($missing) error = %v, want not found locally", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.IndexOf(ctx, "$a"); !errors.Is(err, context.Canceled) {
		t.Errorf("IndexOf(cancelled) error = %v", err)
	}
}

func TestCloseEmitsLeft(t *testing.T) {
	f := newFixture(t)
	ch, unsub := f.bus.Subscribe(bus.KindConversationLeft, 10)
	defer unsub()

	c := New(status.Inputs{ConversationID: "!c1"}, f.deps)
	if _, err := c.Activate(context.Background()); err != nil {
		t.Fatal(err)
	}
	c.Close()
	c.Close()

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no conversation.left event")
	}
	select {
	case evt := <-ch:
		t.Errorf("second left event: %+v", evt)
	default:
	}
	if _, err := c.Send(context.Background(), outbox.Request{Body: "x"}); !errors.Is(err, ErrClosed) {
		t.Errorf("Send() after Close error = %v", err)
	}
}

func TestRegistry(t *testing.T) {
	f := newFixture(t)
	r := NewRegistry(f.deps)
	defer r.CloseAll()

	a := r.Open(status.Inputs{TargetUserID: "@bob:test"})
	if b := r.Open(status.Inputs{TargetUserID: "@bob:test"}); a != b {
		t.Error("Open() should reuse the controller for the same key")
	}
	if _, err := a.Activate(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Send(context.Background(), outbox.Request{Body: "hi"}); err != nil {
		t.Fatal(err)
	}
	f.pipeline.Wait()

	if got, ok := r.Get("!new"); !ok || got != a {
		t.Error("Get() by bound conversation id failed")
	}
	if !r.Close("!new") {
		t.Error("Close() found nothing")
	}
	if _, ok := r.Get("@bob:test"); ok {
		t.Error("controller still registered after Close()")
	}
}

func TestSuppliedCursorsReachRemote(t *testing.T) {
	f := newFixture(t)
	c := f.open(t, status.Inputs{ConversationID: "!c1", InitialCursor: "t-start", PrependFrom: "t-newer"})
	ctx := context.Background()
	if _, err := c.Activate(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := c.LoadPage(ctx, 0); err != nil {
		t.Fatal(err)
	}

	f.remote.mu.Lock()
	defer f.remote.mu.Unlock()
	if len(f.remote.fetched) != 2 {
		t.Fatalf("fetched = %+v, want refresh then prepend", f.remote.fetched)
	}
	if got := f.remote.fetched[0]; got.Cursor != "t-start" || got.Direction != remote.Backward {
		t.Errorf("refresh request = %+v", got)
	}
	if got := f.remote.fetched[1]; got.Cursor != "t-newer" || got.Direction != remote.Forward {
		t.Errorf("prepend request = %+v", got)
	}
}

func TestRetryAfterFailedLoad(t *testing.T) {
	f := newFixture(t)
	c := f.open(t, status.Inputs{ConversationID: "!c1"})
	ctx := context.Background()

	if err := c.Retry(ctx, paging.Refresh); !errors.Is(err, ErrNoConversation) {
		t.Fatalf("retry before activate = %v, want ErrNoConversation", err)
	}
	if _, err := c.Activate(ctx); err != nil {
		t.Fatal(err)
	}

	boom := &syncerr.ServerError{Code: 502, Message: "bad gateway"}
	f.remote.mu.Lock()
	f.remote.fetchErr = boom
	f.remote.mu.Unlock()
	page, err := c.LoadPage(ctx, 0)
	if err == nil || page == nil {
		t.Fatalf("LoadPage = %v, %v, want cached page and error", page, err)
	}

	f.remote.mu.Lock()
	f.remote.fetchErr = nil
	n := len(f.remote.fetched)
	f.remote.mu.Unlock()
	if err := c.Retry(ctx, paging.Refresh); err != nil {
		t.Fatal(err)
	}
	f.remote.mu.Lock()
	defer f.remote.mu.Unlock()
	if len(f.remote.fetched) != n+1 {
		t.Errorf("retry fetched %d pages, want 1", len(f.remote.fetched)-n)
	}
}
