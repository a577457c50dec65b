package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/coachfeed/backend/internal/model/chat"
	"github.com/zhouzirui/coachfeed/backend/internal/store"
	"github.com/zhouzirui/coachfeed/backend/internal/tail"
)

var (
	ErrPersonaRequired = errors.New("persona id is required")
	ErrSessionNotFound = errors.New("session not found")
)

const (
	defaultPollInterval = 2 * time.Second
	defaultCountTTL     = 30 * time.Second
	tailBatch           = 100
)

type countEntry struct {
	n        int
	seededAt time.Time
}

// Service is the message store every other component talks to: session
// bookkeeping, the append-only turn log, best-effort counts and live tail
// subscriptions.
type Service struct {
	backend      store.Backend
	bus          *tail.Bus
	pollInterval time.Duration
	countTTL     time.Duration

	mu     sync.Mutex
	counts map[string]countEntry
}

// Option customises a Service.
type Option func(*Service)

// WithBus wakes tail subscribers through bus instead of waiting for the next poll.
func WithBus(bus *tail.Bus) Option {
	return func(s *Service) { s.bus = bus }
}

// WithPollInterval sets how often tail subscribers re-check the store
// without a notification.
func WithPollInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithCountTTL bounds how stale a cached count may get before it is re-read.
func WithCountTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.countTTL = d
		}
	}
}

// NewService builds the chat service on top of a storage backend.
func NewService(backend store.Backend, opts ...Option) *Service {
	s := &Service{
		backend:      backend,
		pollInterval: defaultPollInterval,
		countTTL:     defaultCountTTL,
		counts:       make(map[string]countEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateSession provisions a new session bound to a persona.
func (s *Service) CreateSession(ctx context.Context, personaID string) (chat.Session, error) {
	return s.EnsureSession(ctx, uuid.NewString(), personaID)
}

// EnsureSession returns the session with the given id, creating it first if
// needed. Used when the session id is derived from the caller's identity.
func (s *Service) EnsureSession(ctx context.Context, sessionID, personaID string) (chat.Session, error) {
	if strings.TrimSpace(personaID) == "" {
		return chat.Session{}, ErrPersonaRequired
	}
	if strings.TrimSpace(sessionID) == "" {
		return chat.Session{}, ErrSessionNotFound
	}
	return s.backend.PutSession(ctx, chat.Session{
		ID:        sessionID,
		PersonaID: personaID,
		CreatedAt: time.Now().UTC(),
	})
}

// GetSession retrieves a session by identifier.
func (s *Service) GetSession(ctx context.Context, sessionID string) (chat.Session, error) {
	session, ok, err := s.backend.GetSession(ctx, sessionID)
	if err != nil {
		return chat.Session{}, err
	}
	if !ok {
		return chat.Session{}, ErrSessionNotFound
	}
	return session, nil
}

// Append commits a turn and wakes tail subscribers.
func (s *Service) Append(ctx context.Context, sessionID string, sender chat.Sender, text string) (chat.Turn, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return chat.Turn{}, err
	}

	turn, err := s.backend.Append(ctx, sessionID, sender, text)
	if err != nil {
		return chat.Turn{}, err
	}

	s.mu.Lock()
	if entry, ok := s.counts[sessionID]; ok {
		entry.n++
		s.counts[sessionID] = entry
	}
	s.mu.Unlock()

	if s.bus != nil {
		if err := s.bus.Notify(turn); err != nil {
			// subscribers still pick the turn up on their next poll
			log.Warn().Err(err).Str("component", "chat").Str("session_id", sessionID).Msg("tail notify failed")
		}
	}
	return turn, nil
}

// QueryPage returns up to limit turns older than before, ascending.
func (s *Service) QueryPage(ctx context.Context, sessionID string, before chat.Cursor, limit int) (chat.Page, error) {
	return s.backend.QueryPage(ctx, sessionID, before, limit)
}

// LoadTranscript returns the most recent limit turns of a session.
func (s *Service) LoadTranscript(ctx context.Context, sessionID string, limit int) ([]chat.Turn, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	page, err := s.backend.QueryPage(ctx, sessionID, chat.NoCursor, limit)
	if err != nil {
		return nil, err
	}
	return page.Turns, nil
}

// Count returns a best-effort turn count. It is read from the backend at
// most once per countTTL and advanced locally on every append in between.
func (s *Service) Count(ctx context.Context, sessionID string) (int, error) {
	now := time.Now()

	s.mu.Lock()
	entry, ok := s.counts[sessionID]
	s.mu.Unlock()
	if ok && now.Sub(entry.seededAt) < s.countTTL {
		return entry.n, nil
	}

	n, err := s.backend.Count(ctx, sessionID)
	if err != nil {
		if ok {
			return entry.n, nil
		}
		return 0, err
	}

	s.mu.Lock()
	s.counts[sessionID] = countEntry{n: n, seededAt: now}
	s.mu.Unlock()
	return n, nil
}

// Subscription is a running tail subscription.
type Subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Close stops delivery and waits for the delivery goroutine to exit. After
// Close returns the callback is not invoked again.
func (sub *Subscription) Close() {
	sub.cancel()
	<-sub.done
}

// Done is closed once the subscription has stopped.
func (sub *Subscription) Done() <-chan struct{} {
	return sub.done
}

// SubscribeTail invokes onTurn for every turn with CreatedAt > after, in
// increasing order, until ctx ends or the subscription is closed. Delivery
// is at-least-once; consumers deduplicate by turn id. onTurn runs on the
// subscription's goroutine and must not call Close.
func (s *Service) SubscribeTail(ctx context.Context, sessionID string, after chat.Cursor, onTurn func(chat.Turn)) (*Subscription, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)

	// listen before the catch-up read so nothing committed in between is missed
	var wake <-chan tail.Notification
	if s.bus != nil {
		ch, err := s.bus.Listen(ctx, sessionID)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("subscribe tail: %w", err)
		}
		wake = ch
	}

	sub := &Subscription{cancel: cancel, done: make(chan struct{})}
	go s.runTail(ctx, sessionID, after, wake, onTurn, sub.done)
	return sub, nil
}

func (s *Service) runTail(ctx context.Context, sessionID string, cursor chat.Cursor, wake <-chan tail.Notification, onTurn func(chat.Turn), done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	drain := func() {
		for ctx.Err() == nil {
			turns, err := s.backend.QueryAfter(ctx, sessionID, cursor, tailBatch)
			if err != nil {
				if ctx.Err() == nil {
					log.Warn().Err(err).Str("component", "tail").Str("session_id", sessionID).Msg("tail read failed, retrying on next tick")
				}
				return
			}
			for _, turn := range turns {
				if ctx.Err() != nil {
					return
				}
				onTurn(turn)
				cursor = turn.CreatedAt
			}
			if len(turns) < tailBatch {
				return
			}
		}
	}

	drain()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-wake:
			if !ok {
				wake = nil
				continue
			}
			drain()
		case <-ticker.C:
			drain()
		}
	}
}
