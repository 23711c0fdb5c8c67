package paging

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/store"
)

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

// seed inserts n messages into conv; message i is newer than message i+1.
func seed(t *testing.T, db *store.DB, conv string, from, n int) {
	t.Helper()
	msgs := make([]store.Message, n)
	for i := range msgs {
		k := from + i
		msgs[i] = store.Message{
			ID:             fmt.Sprintf("$%s-%03d", conv, k),
			ConversationID: conv,
			Body:           fmt.Sprintf("m%d", k),
			SentAt:         int64(100000 - k),
		}
	}
	if err := db.InsertMessages(msgs); err != nil {
		t.Fatal(err)
	}
}

func intPtr(v int) *int { return &v }

func TestSourceLoadKeysAndCounts(t *testing.T) {
	db := testDB(t)
	seed(t, db, "c1", 0, 70)
	src := NewSource("c1", db, 30)
	ctx := context.Background()

	first, err := src.Load(ctx, Params{})
	if err != nil {
		t.Fatal(err)
	}
	if first.Key != 0 || len(first.Items) != 30 {
		t.Fatalf("first page key=%d items=%d", first.Key, len(first.Items))
	}
	if first.PrevKey != nil {
		t.Errorf("first page PrevKey = %d, want nil", *first.PrevKey)
	}
	if first.NextKey == nil || *first.NextKey != 1 {
		t.Errorf("first page NextKey = %v, want 1", first.NextKey)
	}
	if first.ItemsBefore != 0 || first.ItemsAfter != CountUndefined {
		t.Errorf("first page counts = %d/%d", first.ItemsBefore, first.ItemsAfter)
	}
	if first.Items[0].ID != "$c1-000" {
		t.Errorf("first item = %s, want newest", first.Items[0].ID)
	}

	last, err := src.Load(ctx, Params{Key: intPtr(2)})
	if err != nil {
		t.Fatal(err)
	}
	if len(last.Items) != 10 || last.NextKey != nil {
		t.Errorf("last page items=%d NextKey=%v", len(last.Items), last.NextKey)
	}
	if last.PrevKey == nil || *last.PrevKey != 1 {
		t.Errorf("last page PrevKey = %v, want 1", last.PrevKey)
	}
	if last.ItemsBefore != 60 {
		t.Errorf("ItemsBefore = %d, want 60", last.ItemsBefore)
	}
}

func TestSourceUsesServerTotal(t *testing.T) {
	db := testDB(t)
	seed(t, db, "c1", 0, 40)
	if err := db.UpsertConversation(&store.Conversation{ID: "c1", TotalEvents: 100}); err != nil {
		t.Fatal(err)
	}

	page, err := NewSource("c1", db, 30).Load(context.Background(), Params{})
	if err != nil {
		t.Fatal(err)
	}
	if page.ItemsAfter != 70 {
		t.Errorf("ItemsAfter = %d, want 70", page.ItemsAfter)
	}
}

func TestSourceLoadCancelled(t *testing.T) {
	db := testDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewSource("c1", db, 30).Load(ctx, Params{Key: intPtr(3)})
	var le *LoadError
	if !errors.As(err, &le) || le.Key != 3 {
		t.Fatalf("err = %v, want LoadError for key 3", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestSourceInvalidate(t *testing.T) {
	src := NewSource("c1", nil, 30)
	if src.Invalid() {
		t.Fatal("new source is invalid")
	}
	src.Invalidate()
	src.Invalidate()
	if !src.Invalid() {
		t.Fatal("source not invalid after Invalidate")
	}
	select {
	case <-src.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func pageOf(key, before int, ids ...string) Page {
	items := make([]store.Message, len(ids))
	for i, id := range ids {
		items[i] = store.Message{ID: id}
	}
	p := Page{Key: key, Items: items, ItemsBefore: before, ItemsAfter: CountUndefined}
	if key > 0 {
		p.PrevKey = intPtr(key - 1)
	}
	p.NextKey = intPtr(key + 1)
	return p
}

func TestStateClosestItem(t *testing.T) {
	s := State{
		Pages: []Page{
			pageOf(1, 2, "a", "b"),
			pageOf(2, 4, "c", "d"),
		},
		Config: Config{PageSize: 2},
	}

	tests := []struct {
		pos  int
		want string
	}{
		{0, "a"},
		{2, "a"},
		{3, "b"},
		{4, "c"},
		{5, "d"},
		{99, "d"},
	}
	for _, tt := range tests {
		if got := s.ClosestItemToPosition(tt.pos); got == nil || got.ID != tt.want {
			t.Errorf("ClosestItemToPosition(%d) = %v, want %s", tt.pos, got, tt.want)
		}
	}
	if got := s.ClosestPageToPosition(5); got == nil || got.Key != 2 {
		t.Errorf("ClosestPageToPosition(5) = %v, want page 2", got)
	}
	if s.FirstItem().ID != "a" || s.LastItem().ID != "d" {
		t.Errorf("first/last = %s/%s", s.FirstItem().ID, s.LastItem().ID)
	}
	if (State{}).ClosestItemToPosition(0) != nil {
		t.Error("empty state returned an item")
	}
}

func TestRefreshKey(t *testing.T) {
	src := NewSource("c1", nil, 2)
	s := State{
		Pages:  []Page{pageOf(1, 2, "a", "b"), pageOf(2, 4, "c", "d")},
		Config: Config{PageSize: 2},
	}
	if got := src.RefreshKey(s); got != nil {
		t.Errorf("RefreshKey without anchor = %d, want nil", *got)
	}

	s.AnchorPosition = intPtr(5)
	if got := src.RefreshKey(s); got == nil || *got != 2 {
		t.Errorf("RefreshKey(anchor 5) = %v, want 2", got)
	}

	// An empty page falls back to its neighbour keys.
	s = State{Pages: []Page{{Key: 3, PrevKey: intPtr(2), ItemsBefore: 6}}, AnchorPosition: intPtr(6)}
	if got := src.RefreshKey(s); got == nil || *got != 3 {
		t.Errorf("RefreshKey(empty page) = %v, want 3", got)
	}
}

func TestTrackerRoutesByConversation(t *testing.T) {
	b := bus.New()
	events, unsub := b.Subscribe(bus.KindTimelineInvalidated, 4)
	defer unsub()

	tr := NewTracker(b)
	var c1, c2 int
	stop := tr.Register("c1", func() { c1++ })
	tr.Register("c2", func() { c2++ })

	tr.Invalidate("c1", "merge")
	if c1 != 1 || c2 != 0 {
		t.Fatalf("calls = %d/%d, want 1/0", c1, c2)
	}

	select {
	case evt := <-events:
		p := evt.Payload.(bus.TimelineInvalidated)
		if p.ConversationID != "c1" || p.Reason != "merge" {
			t.Errorf("payload = %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("no invalidation event")
	}

	stop()
	tr.Invalidate("c1", "merge")
	if c1 != 1 {
		t.Errorf("unregistered watcher called")
	}
}

// fakeMediator records load types and runs fn for each load.
type fakeMediator struct {
	action InitializeAction
	calls  []LoadType
	fn     func(LoadType, State) (MediatorResult, error)
}

func (m *fakeMediator) Initialize(context.Context) (InitializeAction, error) {
	return m.action, nil
}

func (m *fakeMediator) Load(_ context.Context, lt LoadType, s State) (MediatorResult, error) {
	m.calls = append(m.calls, lt)
	return m.fn(lt, s)
}

func TestPagerLaunchesRefreshAndAppends(t *testing.T) {
	db := testDB(t)
	tr := NewTracker(nil)
	med := &fakeMediator{action: LaunchInitialRefresh}
	med.fn = func(lt LoadType, s State) (MediatorResult, error) {
		switch lt {
		case Refresh:
			seed(t, db, "c1", 0, 3)
			tr.Invalidate("c1", "refresh")
			return MediatorResult{}, nil
		case Append:
			if last := s.LastItem(); last == nil || last.ID != "$c1-002" {
				t.Errorf("append state last item = %v", last)
			}
			seed(t, db, "c1", 3, 1)
			tr.Invalidate("c1", "append")
			return MediatorResult{EndOfPaginationReached: true}, nil
		}
		return MediatorResult{EndOfPaginationReached: true}, nil
	}

	p := NewPager("c1", db, med, tr, Config{PageSize: 5}, nil)
	defer p.Close()

	page, err := p.LoadPage(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 4 {
		t.Fatalf("items = %d, want 4 after refresh + append", len(page.Items))
	}
	if len(med.calls) != 2 || med.calls[0] != Refresh || med.calls[1] != Append {
		t.Errorf("calls = %v, want [refresh append]", med.calls)
	}
	if _, appendEnd := p.EndReached(); !appendEnd {
		t.Error("append end not recorded")
	}

	// The end is sticky: the next load at the boundary asks for newer data only.
	if _, err := p.LoadPage(context.Background(), 0); err != nil {
		t.Fatal(err)
	}
	if got := med.calls[len(med.calls)-1]; got != Prepend {
		t.Errorf("last call = %v, want prepend", got)
	}
}

func TestPagerSkipsRefreshWhenFresh(t *testing.T) {
	db := testDB(t)
	seed(t, db, "c1", 0, 10)
	med := &fakeMediator{action: SkipInitialRefresh}
	med.fn = func(LoadType, State) (MediatorResult, error) {
		return MediatorResult{EndOfPaginationReached: true}, nil
	}

	p := NewPager("c1", db, med, nil, Config{PageSize: 5}, nil)
	if _, err := p.LoadPage(context.Background(), 0); err != nil {
		t.Fatal(err)
	}
	for _, c := range med.calls {
		if c == Refresh {
			t.Fatal("refresh launched although cache is fresh")
		}
	}
}

func TestPagerKeepsLocalPageOnRemoteError(t *testing.T) {
	db := testDB(t)
	seed(t, db, "c1", 0, 2)
	boom := errors.New("offline")
	med := &fakeMediator{action: SkipInitialRefresh}
	med.fn = func(LoadType, State) (MediatorResult, error) { return MediatorResult{}, boom }

	p := NewPager("c1", db, med, nil, Config{PageSize: 5}, nil)
	page, err := p.LoadPage(context.Background(), 0)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want remote error", err)
	}
	if page == nil || len(page.Items) != 2 {
		t.Fatalf("page = %+v, want the 2 cached items", page)
	}
}

func TestPagerReloadsAnchorPageAfterInvalidate(t *testing.T) {
	db := testDB(t)
	seed(t, db, "c1", 0, 70)
	tr := NewTracker(nil)
	med := &fakeMediator{action: SkipInitialRefresh}
	med.fn = func(LoadType, State) (MediatorResult, error) {
		return MediatorResult{EndOfPaginationReached: true}, nil
	}
	p := NewPager("c1", db, med, tr, Config{PageSize: 30}, nil)
	defer p.Close()
	ctx := context.Background()

	for _, key := range []int{1, 2} {
		if _, err := p.LoadPage(ctx, key); err != nil {
			t.Fatal(err)
		}
	}
	p.SetAnchor(65)
	tr.Invalidate("c1", "new message")

	page, err := p.LoadPage(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if page.RefreshKey == nil || *page.RefreshKey != 2 {
		t.Fatalf("refresh key = %v, want 2", page.RefreshKey)
	}
	var keys []int
	for _, pg := range p.State().Pages {
		keys = append(keys, pg.Key)
	}
	if len(keys) != 2 || keys[0] != 0 || keys[1] != 2 {
		t.Fatalf("loaded keys = %v, want [0 2]", keys)
	}
	if got := p.State().Pages[1].Items[5].ID; got != "$c1-065" {
		t.Errorf("anchored item = %s, want $c1-065", got)
	}
}

// blockingMediator parks every load until release is closed.
type blockingMediator struct {
	entered chan struct{}
	release chan struct{}
}

func (m *blockingMediator) Initialize(context.Context) (InitializeAction, error) {
	return SkipInitialRefresh, nil
}

func (m *blockingMediator) Load(ctx context.Context, _ LoadType, _ State) (MediatorResult, error) {
	m.entered <- struct{}{}
	select {
	case <-m.release:
	case <-ctx.Done():
		return MediatorResult{}, ctx.Err()
	}
	return MediatorResult{EndOfPaginationReached: true}, nil
}

func TestPagerAnchorNotBlockedByRemoteLoad(t *testing.T) {
	db := testDB(t)
	seed(t, db, "c1", 0, 3)
	med := &blockingMediator{entered: make(chan struct{}, 1), release: make(chan struct{})}
	p := NewPager("c1", db, med, nil, Config{PageSize: 5}, nil)

	loaded := make(chan error, 1)
	go func() {
		_, err := p.LoadPage(context.Background(), 0)
		loaded <- err
	}()

	select {
	case <-med.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("remote load never started")
	}

	done := make(chan struct{})
	go func() {
		p.SetAnchor(2)
		_ = p.State()
		_, _ = p.EndReached()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("anchor update waited for the remote load")
	}

	if a := p.State().AnchorPosition; a == nil || *a != 2 {
		t.Errorf("anchor = %v, want 2", a)
	}
	close(med.release)
	if err := <-loaded; err != nil {
		t.Fatal(err)
	}
}

func TestPagerRetry(t *testing.T) {
	db := testDB(t)
	seed(t, db, "c1", 0, 2)
	boom := errors.New("offline")
	fail := true
	med := &fakeMediator{action: LaunchInitialRefresh}
	med.fn = func(LoadType, State) (MediatorResult, error) {
		if fail {
			return MediatorResult{}, boom
		}
		return MediatorResult{EndOfPaginationReached: true}, nil
	}
	p := NewPager("c1", db, med, nil, Config{PageSize: 5}, nil)
	ctx := context.Background()

	if _, err := p.LoadPage(ctx, 0); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want remote error", err)
	}
	fail = false
	if err := p.Retry(ctx, Append); err != nil {
		t.Fatal(err)
	}
	if _, appendEnd := p.EndReached(); !appendEnd {
		t.Error("append end not recorded by retry")
	}
	if err := p.Retry(ctx, Refresh); err != nil {
		t.Fatal(err)
	}
	// A successful refresh retry counts as the initial refresh.
	n := len(med.calls)
	if _, err := p.LoadPage(ctx, 0); err != nil {
		t.Fatal(err)
	}
	for _, c := range med.calls[n:] {
		if c == Refresh {
			t.Error("initial refresh launched again after retry")
		}
	}
}

func TestParseLoadType(t *testing.T) {
	for _, lt := range []LoadType{Refresh, Prepend, Append} {
		got, err := ParseLoadType(lt.String())
		if err != nil || got != lt {
			t.Errorf("ParseLoadType(%q) = %v, %v", lt.String(), got, err)
		}
	}
	if _, err := ParseLoadType("sideways"); err == nil {
		t.Error("unknown load type accepted")
	}
}
