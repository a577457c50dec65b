package feed

import (
	"context"

	"github.com/zhouzirui/coachfeed/backend/internal/model/chat"
)

// LoadResult describes one older-page load.
type LoadResult struct {
	// Skipped is set when the request was ignored: a load was already in
	// flight or no older history is known to exist.
	Skipped bool `json:"skipped"`
	// AnchorID is the topmost turn before the merge; the view restores its
	// scroll position to it.
	AnchorID string `json:"anchorId,omitempty"`
	// Added counts turns that were not in the window yet.
	Added int `json:"added"`
}

// Pager loads the initial page and older pages on request.
type Pager struct {
	st       *state
	source   PageSource
	pageSize int
}

func newPager(st *state, source PageSource, pageSize int) *Pager {
	return &Pager{st: st, source: source, pageSize: pageSize}
}

// Open seeds the window with the most recent page.
func (p *Pager) Open(ctx context.Context) error {
	page, err := p.source.QueryPage(ctx, p.st.sessionID, chat.NoCursor, p.pageSize)
	if err != nil {
		p.st.update(func() { p.st.loadErr = err })
		return err
	}

	p.st.update(func() {
		p.st.window.Merge(page.Turns...)
		p.st.hasOlder = !page.Exhausted
		p.st.loadErr = nil
		p.st.opened = true
		p.st.countedAfter = p.st.window.Newest()
	})
	return nil
}

// LoadOlder fetches the page before the oldest loaded turn. At most one load
// runs at a time; a failed load leaves HasOlder untouched so it can be retried.
func (p *Pager) LoadOlder(ctx context.Context) (LoadResult, error) {
	var (
		before chat.Cursor
		anchor string
		skip   bool
	)
	p.st.updateIf(func() bool {
		if p.st.loadingOlder || !p.st.hasOlder {
			skip = true
			return false
		}
		before = p.st.window.Oldest()
		if first, ok := p.st.window.First(); ok {
			anchor = first.ID
		}
		p.st.loadingOlder = true
		p.st.loadErr = nil
		return true
	})
	if skip {
		return LoadResult{Skipped: true}, nil
	}

	page, err := p.source.QueryPage(ctx, p.st.sessionID, before, p.pageSize)

	var added int
	p.st.update(func() {
		p.st.loadingOlder = false
		if err != nil {
			p.st.loadErr = err
			return
		}
		added = p.st.window.Merge(page.Turns...)
		p.st.hasOlder = !page.Exhausted
	})
	if err != nil {
		return LoadResult{}, err
	}
	return LoadResult{AnchorID: anchor, Added: added}, nil
}
