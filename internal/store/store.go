// Package store holds the durable, append-only turn log behind the chat
// service. Backends only know about sessions as partition keys; session
// lifecycle lives in the chat service.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zhouzirui/coachfeed/backend/internal/model/chat"
)

var (
	// ErrUnavailable means the backend could not be reached. Callers treat it
	// as retryable by explicit user action only.
	ErrUnavailable = errors.New("message store unavailable")
	// ErrInvalidTurn is returned for empty text, unknown senders or a missing session id.
	ErrInvalidTurn = errors.New("invalid turn")
)

// DefaultPageLimit applies when a caller passes a non-positive limit.
const DefaultPageLimit = 50

// Backend is the persistence contract the chat service is built on.
type Backend interface {
	// Append persists a turn. CreatedAt is strictly greater than every
	// earlier turn in the same session.
	Append(ctx context.Context, sessionID string, sender chat.Sender, text string) (chat.Turn, error)

	// QueryPage returns up to limit turns older than before (or the most
	// recent ones when before is chat.NoCursor), ascending.
	QueryPage(ctx context.Context, sessionID string, before chat.Cursor, limit int) (chat.Page, error)

	// QueryAfter returns up to limit turns newer than after, ascending.
	QueryAfter(ctx context.Context, sessionID string, after chat.Cursor, limit int) ([]chat.Turn, error)

	// Count returns the number of turns in the session.
	Count(ctx context.Context, sessionID string) (int, error)

	// PutSession records a session if it does not exist yet. An existing
	// session is left untouched and returned.
	PutSession(ctx context.Context, session chat.Session) (chat.Session, error)

	// GetSession reports whether the session exists.
	GetSession(ctx context.Context, sessionID string) (chat.Session, bool, error)

	Close() error
}

func validateAppend(sessionID string, sender chat.Sender, text string) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("%w: session id is required", ErrInvalidTurn)
	}
	if !sender.Valid() {
		return fmt.Errorf("%w: unknown sender %q", ErrInvalidTurn, sender)
	}
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: text is empty", ErrInvalidTurn)
	}
	return nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageLimit
	}
	return limit
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// nextCursor advances a per-session hybrid clock: wall time when it moves
// forward, last+1 otherwise.
func nextCursor(last chat.Cursor, now time.Time) chat.Cursor {
	c := chat.Cursor(now.UnixNano())
	if c <= last {
		c = last + 1
	}
	return c
}
