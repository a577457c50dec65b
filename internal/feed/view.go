package feed

import (
	"sync"

	"github.com/zhouzirui/coachfeed/backend/internal/model/chat"
)

// SendState is the coordinator's position for the current outgoing turn.
type SendState string

const (
	StateComposing     SendState = "composing"
	StateSending       SendState = "sending"
	StateAwaitingReply SendState = "awaitingReply"
)

// View is an immutable snapshot of a session, recomputed after every change.
// Turns holds the committed window followed by any optimistic records.
type View struct {
	Version             uint64      `json:"version"`
	SessionID           string      `json:"sessionId"`
	Turns               []chat.Turn `json:"turns"`
	Draft               string      `json:"draft"`
	SendState           SendState   `json:"sendState"`
	IsSendingOrAwaiting bool        `json:"isSendingOrAwaiting"`
	IsLoadingOlder      bool        `json:"isLoadingOlder"`
	HasOlder            bool        `json:"hasOlder"`
	TotalCount          int         `json:"totalCount"`
	OldestCursor        chat.Cursor `json:"oldestCursor"`
	LoadError           string      `json:"loadError,omitempty"`
	SendError           string      `json:"sendError,omitempty"`
}

// state is shared by the pager, follower and session. mu is only held for
// synchronous merge steps, never across a store or completion call.
type state struct {
	mu        sync.Mutex
	sessionID string
	window    *Window

	opened       bool
	hasOlder     bool
	loadingOlder bool
	totalCount   int
	// turns newer than countedAfter were not part of the initial count
	countedAfter chat.Cursor
	counted      map[string]struct{}

	draft        string
	sendState    SendState
	pendingUser  *chat.Turn
	pendingReply *chat.Turn

	loadErr error
	sendErr error
	closed  bool
	version uint64

	listenerMu sync.Mutex
	listeners  map[int]func(View)
	nextID     int
	notifyMu   sync.Mutex
	lastSent   uint64
}

func newState(sessionID string) *state {
	return &state{
		sessionID: sessionID,
		window:    NewWindow(),
		sendState: StateComposing,
		counted:   make(map[string]struct{}),
		listeners: make(map[int]func(View)),
	}
}

// update applies fn under the lock and then publishes the resulting snapshot.
func (s *state) update(fn func()) {
	s.updateIf(func() bool {
		fn()
		return true
	})
}

// updateIf is update for changes that may turn out to be no-ops; nothing is
// published when fn returns false.
func (s *state) updateIf(fn func() bool) {
	s.mu.Lock()
	if !fn() {
		s.mu.Unlock()
		return
	}
	s.version++
	v := s.snapshotLocked()
	closed := s.closed
	s.mu.Unlock()

	if !closed {
		s.publish(v)
	}
}

func (s *state) isOpened() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

func (s *state) snapshot() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *state) snapshotLocked() View {
	turns := s.window.Turns()
	if s.pendingUser != nil {
		turns = append(turns, *s.pendingUser)
	}
	if s.pendingReply != nil {
		turns = append(turns, *s.pendingReply)
	}

	v := View{
		Version:             s.version,
		SessionID:           s.sessionID,
		Turns:               turns,
		Draft:               s.draft,
		SendState:           s.sendState,
		IsSendingOrAwaiting: s.sendState != StateComposing,
		IsLoadingOlder:      s.loadingOlder,
		HasOlder:            s.hasOlder,
		TotalCount:          s.totalCount,
		OldestCursor:        s.window.Oldest(),
	}
	if s.loadErr != nil {
		v.LoadError = s.loadErr.Error()
	}
	if s.sendErr != nil {
		v.SendError = s.sendErr.Error()
	}
	return v
}

// countOnceLocked bumps totalCount for a turn the initial count did not cover.
func (s *state) countOnceLocked(t chat.Turn) {
	if _, ok := s.counted[t.ID]; ok {
		return
	}
	if t.CreatedAt <= s.countedAfter && s.opened {
		return
	}
	s.counted[t.ID] = struct{}{}
	s.totalCount++
}

// publish hands v to listeners, dropping snapshots older than one already sent.
func (s *state) publish(v View) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	if v.Version <= s.lastSent {
		return
	}
	s.lastSent = v.Version

	s.listenerMu.Lock()
	fns := make([]func(View), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenerMu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

func (s *state) addListener(fn func(View)) func() {
	s.listenerMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.listenerMu.Unlock()

	return func() {
		s.listenerMu.Lock()
		delete(s.listeners, id)
		s.listenerMu.Unlock()
	}
}
