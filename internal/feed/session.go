// Package feed keeps a client's view of a chat session in sync with the
// message store: backward pagination, live tail merging, and sending user
// turns with a guaranteed assistant reply.
package feed

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/coachfeed/backend/internal/model/chat"
	"github.com/zhouzirui/coachfeed/backend/internal/service/ai"
	chatservice "github.com/zhouzirui/coachfeed/backend/internal/service/chat"
)

// DefaultPageSize is the number of turns per page when Options leaves it unset.
const DefaultPageSize = 10

// Appender commits turns.
type Appender interface {
	Append(ctx context.Context, sessionID string, sender chat.Sender, text string) (chat.Turn, error)
}

// PageSource serves backward pages.
type PageSource interface {
	QueryPage(ctx context.Context, sessionID string, before chat.Cursor, limit int) (chat.Page, error)
}

// TailSource delivers turns committed after a cursor.
type TailSource interface {
	SubscribeTail(ctx context.Context, sessionID string, after chat.Cursor, onTurn func(chat.Turn)) (*chatservice.Subscription, error)
}

// MessageStore is everything a Session needs from the store.
type MessageStore interface {
	Appender
	PageSource
	TailSource
	Count(ctx context.Context, sessionID string) (int, error)
}

var _ MessageStore = (*chatservice.Service)(nil)

// Options tune a Session.
type Options struct {
	PageSize     int
	ReplyTimeout time.Duration
}

// Session is the view model a UI renders from.
type Session struct {
	st       *state
	store    MessageStore
	pager    *Pager
	follower *Follower
	coord    *Coordinator

	// followCtx holds a Follow request made before the first page loaded.
	followMu  sync.Mutex
	followCtx context.Context
}

// NewSession builds the view model for one session.
func NewSession(store MessageStore, completer ai.Client, sessionID string, opts Options) *Session {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	st := newState(sessionID)
	return &Session{
		st:       st,
		store:    store,
		pager:    newPager(st, store, opts.PageSize),
		follower: newFollower(st, store),
		coord:    NewCoordinator(store, completer, opts.ReplyTimeout),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.st.sessionID }

// Open reads the total count and loads the most recent page. A Follow
// requested earlier starts once the page is in.
func (s *Session) Open(ctx context.Context) error {
	n, err := s.store.Count(ctx, s.st.sessionID)
	if err != nil {
		log.Warn().Err(err).Str("component", "feed").Str("session_id", s.st.sessionID).Msg("count unavailable")
	} else {
		s.st.update(func() { s.st.totalCount = n })
	}
	if err := s.pager.Open(ctx); err != nil {
		return err
	}

	s.followMu.Lock()
	followCtx := s.followCtx
	s.followCtx = nil
	s.followMu.Unlock()
	if followCtx != nil {
		if err := s.follower.Start(followCtx); err != nil {
			log.Warn().Err(err).Str("component", "feed").Str("session_id", s.st.sessionID).Msg("live tail unavailable")
		}
	}
	return nil
}

// LoadOlder loads the page before the oldest visible turn. Until the first
// page has loaded it retries Open instead, so a failed Open can be recovered
// through the same request.
func (s *Session) LoadOlder(ctx context.Context) (LoadResult, error) {
	if !s.st.isOpened() {
		if err := s.Open(ctx); err != nil {
			return LoadResult{}, err
		}
		s.st.mu.Lock()
		added := s.st.window.Len()
		s.st.mu.Unlock()
		return LoadResult{Added: added}, nil
	}
	return s.pager.LoadOlder(ctx)
}

// Follow starts merging live turns after the newest loaded one. Called
// before Open has succeeded it only records the request, so the tail never
// replays the whole log into an unpaged window.
func (s *Session) Follow(ctx context.Context) error {
	s.followMu.Lock()
	if !s.st.isOpened() {
		s.followCtx = ctx
		s.followMu.Unlock()
		return nil
	}
	s.followMu.Unlock()
	return s.follower.Start(ctx)
}

// SetDraft records the composition input.
func (s *Session) SetDraft(text string) {
	s.st.update(func() { s.st.draft = text })
}

// View returns the current snapshot.
func (s *Session) View() View {
	return s.st.snapshot()
}

// OnChange registers fn for every new snapshot and returns a function that
// unregisters it. fn must not block for long; it runs on the goroutine that
// caused the change.
func (s *Session) OnChange(fn func(View)) func() {
	return s.st.addListener(fn)
}

// Submit sends text as a user turn. It is rejected with ErrSendInFlight while
// a previous submit is still sending or awaiting its reply, and with
// ErrValidation for blank text; neither touches the store.
func (s *Session) Submit(ctx context.Context, text string) (Outcome, error) {
	if strings.TrimSpace(text) == "" {
		return Outcome{}, ErrValidation
	}

	var busy bool
	s.st.updateIf(func() bool {
		if s.st.sendState != StateComposing {
			busy = true
			return false
		}
		s.st.sendState = StateSending
		s.st.draft = text
		s.st.sendErr = nil
		s.st.pendingUser = &chat.Turn{
			ID:        "local-" + uuid.NewString(),
			SessionID: s.st.sessionID,
			Sender:    chat.SenderUser,
			Text:      text,
			Status:    chat.StatusPending,
		}
		return true
	})
	if busy {
		return Outcome{}, ErrSendInFlight
	}

	out, err := s.coord.Send(ctx, s.st.sessionID, text, SendHooks{
		History: func(context.Context, chat.Turn) []chat.Turn {
			s.st.mu.Lock()
			defer s.st.mu.Unlock()
			return s.st.window.Turns()
		},
		OnUserCommitted: func(user chat.Turn) {
			s.st.update(func() {
				s.st.pendingUser = nil
				s.st.window.Merge(user)
				s.st.countOnceLocked(user)
				s.st.draft = ""
				s.st.sendState = StateAwaitingReply
				s.st.pendingReply = &chat.Turn{
					ID:        "local-" + uuid.NewString(),
					SessionID: s.st.sessionID,
					Sender:    chat.SenderAssistant,
					Status:    chat.StatusPending,
				}
			})
		},
		OnDelta: func(delta string) {
			s.st.update(func() {
				if s.st.pendingReply != nil {
					s.st.pendingReply.Text += delta
				}
			})
		},
		OnReplyCommitted: func(reply chat.Turn, _ bool) {
			s.st.update(func() {
				s.st.pendingReply = nil
				s.st.window.Merge(reply)
				s.st.countOnceLocked(reply)
			})
		},
	})

	s.st.update(func() {
		failed := s.st.pendingUser
		s.st.pendingUser = nil
		s.st.pendingReply = nil
		s.st.sendState = StateComposing
		s.st.sendErr = err
		if err != nil && out.User.ID == "" {
			// nothing was stored: the text goes back to the draft and the
			// local record stays marked until the next submit replaces it
			s.st.draft = text
			if failed != nil {
				failed.Status = chat.StatusFailed
				s.st.pendingUser = failed
			}
		}
	})
	return out, err
}

// Close stops live delivery. Loads still in flight are merged when they
// return but no longer notify listeners.
func (s *Session) Close() {
	s.follower.Stop()
	s.st.mu.Lock()
	s.st.closed = true
	s.st.mu.Unlock()
}
