package paging

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Pager drives one conversation's paging: it owns the current Source,
// replaces it after invalidation and asks the RemoteMediator for more data
// when the cached window runs out.
//
// Remote loads run one at a time under loadMu and never hold mu, so reads
// of the cached window and anchor updates do not wait for the network.
type Pager struct {
	conversationID string
	reader         Reader
	remote         RemoteMediator
	config         Config
	logger         *zap.Logger
	unregister     func()

	source atomic.Pointer[Source]

	anchorMu sync.Mutex
	anchor   *int

	loadMu sync.Mutex

	mu          sync.Mutex
	pages       map[int]Page
	initialized bool
	prependEnd  bool
	appendEnd   bool
}

// NewPager creates a pager and registers it with tracker for invalidations.
func NewPager(conversationID string, reader Reader, remote RemoteMediator, tracker *Tracker, cfg Config, logger *zap.Logger) *Pager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 30
	}
	p := &Pager{
		conversationID: conversationID,
		reader:         reader,
		remote:         remote,
		config:         cfg,
		logger:         logger.With(zap.String("conversation", conversationID)),
		pages:          make(map[int]Page),
	}
	if tracker != nil {
		p.unregister = tracker.Register(conversationID, p.Invalidate)
	}
	return p
}

// Invalidate marks the current source stale. The next load replaces it.
func (p *Pager) Invalidate() {
	if s := p.source.Load(); s != nil {
		s.Invalidate()
	}
}

// Close stops receiving invalidations.
func (p *Pager) Close() {
	if p.unregister != nil {
		p.unregister()
	}
}

// SetAnchor records the user's scroll position.
func (p *Pager) SetAnchor(pos int) {
	p.anchorMu.Lock()
	p.anchor = &pos
	p.anchorMu.Unlock()
}

func (p *Pager) anchorPosition() *int {
	p.anchorMu.Lock()
	defer p.anchorMu.Unlock()
	if p.anchor == nil {
		return nil
	}
	a := *p.anchor
	return &a
}

// State returns a snapshot of the loaded pages.
func (p *Pager) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stateLocked()
}

func (p *Pager) stateLocked() State {
	keys := make([]int, 0, len(p.pages))
	for k := range p.pages {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	pages := make([]Page, 0, len(keys))
	for _, k := range keys {
		pages = append(pages, p.pages[k])
	}
	return State{Pages: pages, AnchorPosition: p.anchorPosition(), Config: p.config}
}

// currentSource returns a valid source. An invalidated one is replaced and
// the old window dropped; refreshKey is then the page holding the anchor.
func (p *Pager) currentSource() (src *Source, refreshKey *int) {
	old := p.source.Load()
	if old != nil && !old.Invalid() {
		return old, nil
	}
	src = NewSource(p.conversationID, p.reader, p.config.PageSize)
	if old != nil {
		refreshKey = old.RefreshKey(p.stateLocked())
		p.pages = make(map[int]Page)
	}
	p.source.Store(src)
	return src, refreshKey
}

// loadLocal reads page key from the cache. When the source had to be
// replaced, the page at the refresh key is reloaded too so the window
// around the anchor survives, and the returned page carries that key.
func (p *Pager) loadLocal(ctx context.Context, key int) (*Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	src, refreshKey := p.currentSource()
	if refreshKey != nil && *refreshKey != key {
		anchored, err := src.Load(ctx, Params{Key: refreshKey, LoadSize: p.config.PageSize})
		if err != nil {
			return nil, err
		}
		p.pages[*refreshKey] = *anchored
		p.logger.Debug("reloaded anchor page", zap.Int("refresh_key", *refreshKey))
	}

	page, err := src.Load(ctx, Params{Key: &key, LoadSize: p.config.PageSize})
	if err != nil {
		return nil, err
	}
	if refreshKey == nil {
		if _, adjacent := p.pages[key-1]; !adjacent {
			if _, adjacent = p.pages[key+1]; !adjacent {
				p.pages = make(map[int]Page)
			}
		}
	}
	p.pages[key] = *page
	page.RefreshKey = refreshKey
	return page, nil
}

func (p *Pager) remoteLoad(ctx context.Context, lt LoadType) error {
	p.loadMu.Lock()
	defer p.loadMu.Unlock()
	return p.remoteLoadLocked(ctx, lt)
}

// remoteLoadLocked runs one mediator load. The caller holds loadMu.
func (p *Pager) remoteLoadLocked(ctx context.Context, lt LoadType) error {
	res, err := p.remote.Load(ctx, lt, p.State())
	if err != nil {
		p.logger.Warn("remote load failed", zap.Stringer("load_type", lt), zap.Error(err))
		return err
	}
	p.mu.Lock()
	switch lt {
	case Refresh:
		p.prependEnd = false
		p.appendEnd = res.EndOfPaginationReached
	case Prepend:
		p.prependEnd = res.EndOfPaginationReached
	case Append:
		p.appendEnd = res.EndOfPaginationReached
	}
	p.mu.Unlock()
	return nil
}

func (p *Pager) initialize(ctx context.Context) error {
	p.loadMu.Lock()
	defer p.loadMu.Unlock()

	p.mu.Lock()
	done := p.initialized
	p.mu.Unlock()
	if done {
		return nil
	}

	action, err := p.remote.Initialize(ctx)
	if err != nil {
		return err
	}
	if action == LaunchInitialRefresh {
		if err := p.remoteLoadLocked(ctx, Refresh); err != nil {
			return err
		}
	}
	p.mu.Lock()
	p.initialized = true
	p.mu.Unlock()
	return nil
}

// LoadPage returns page key of the cached timeline. At either end of the
// cache it first asks the mediator for more. A failed remote load does not
// hide cached data: the local page is returned together with the error so
// the caller can show it and retry.
func (p *Pager) LoadPage(ctx context.Context, key int) (*Page, error) {
	if key < 0 {
		key = 0
	}
	p.anchorMu.Lock()
	if p.anchor == nil {
		a := key * p.config.PageSize
		p.anchor = &a
	}
	p.anchorMu.Unlock()

	remoteErr := p.initialize(ctx)

	page, err := p.loadLocal(ctx, key)
	if err != nil {
		return nil, err
	}

	if remoteErr == nil {
		prependEnd, appendEnd := p.EndReached()
		switch {
		case page.NextKey == nil && !appendEnd:
			remoteErr = p.remoteLoad(ctx, Append)
		case key == 0 && !prependEnd:
			remoteErr = p.remoteLoad(ctx, Prepend)
		}
	}

	if p.source.Load().Invalid() {
		refreshKey := page.RefreshKey
		if page, err = p.loadLocal(ctx, key); err != nil {
			return nil, err
		}
		if page.RefreshKey == nil {
			page.RefreshKey = refreshKey
		}
	}
	return page, remoteErr
}

// Retry re-runs a remote load of type lt after a failure, on user action.
// A Refresh retry also counts as the initial refresh.
func (p *Pager) Retry(ctx context.Context, lt LoadType) error {
	p.loadMu.Lock()
	defer p.loadMu.Unlock()
	if err := p.remoteLoadLocked(ctx, lt); err != nil {
		return err
	}
	if lt == Refresh {
		p.mu.Lock()
		p.initialized = true
		p.mu.Unlock()
	}
	return nil
}

// EndReached reports whether prepend and append are exhausted.
func (p *Pager) EndReached() (prependEnd, appendEnd bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prependEnd, p.appendEnd
}
