package feed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/coachfeed/backend/internal/model/chat"
	"github.com/zhouzirui/coachfeed/backend/internal/service/ai"
)

// FallbackText is committed as the assistant turn whenever completion fails.
const FallbackText = "Sorry, I'm having trouble responding right now. Please try again in a moment."

const (
	defaultReplyTimeout = 60 * time.Second
	// commitTimeout bounds the assistant append on its own clock so a
	// completion that used up the reply timeout can still commit the fallback.
	commitTimeout = 10 * time.Second
)

var (
	// ErrValidation rejects empty or whitespace-only submissions before any side effect.
	ErrValidation = errors.New("message is empty")
	// ErrSendInFlight rejects a submit while another one is still sending or awaiting its reply.
	ErrSendInFlight = errors.New("a message is already being sent")
)

// Outcome reports what a send committed. User is zero when the user turn
// itself could not be stored.
type Outcome struct {
	User          chat.Turn `json:"user"`
	Reply         chat.Turn `json:"reply"`
	Fallback      bool      `json:"fallback"`
	CompletionErr error     `json:"-"`
}

// SendHooks observe coordinator transitions. All fields are optional.
type SendHooks struct {
	// History returns the completion context once the user turn is committed.
	// ctx is detached from the caller and bounded by the reply timeout.
	// Defaults to just the user turn.
	History func(ctx context.Context, user chat.Turn) []chat.Turn
	// OnUserCommitted fires on sending -> awaitingReply.
	OnUserCommitted func(user chat.Turn)
	// OnDelta receives partial reply text from streaming clients.
	OnDelta func(delta string)
	// OnReplyCommitted fires when the assistant turn is stored.
	OnReplyCommitted func(reply chat.Turn, fallback bool)
}

// Coordinator drives one outgoing user turn through
// composing -> sending -> awaitingReply -> settled(ok|fallback).
type Coordinator struct {
	store        Appender
	completer    ai.Client
	replyTimeout time.Duration
	fallbackText string
}

// NewCoordinator builds a coordinator. A zero replyTimeout uses the default.
func NewCoordinator(store Appender, completer ai.Client, replyTimeout time.Duration) *Coordinator {
	if replyTimeout <= 0 {
		replyTimeout = defaultReplyTimeout
	}
	if completer == nil {
		completer = ai.Unavailable{}
	}
	return &Coordinator{
		store:        store,
		completer:    completer,
		replyTimeout: replyTimeout,
		fallbackText: FallbackText,
	}
}

// Send commits the user turn, asks for a reply and commits it, or the
// fallback text when completion fails. Once the user turn is committed the
// rest runs detached from ctx cancellation. The completion is bounded by the
// reply timeout and the assistant append by its own timeout, so a committed
// user turn is always answered unless the store itself fails.
func (c *Coordinator) Send(ctx context.Context, sessionID, text string, hooks SendHooks) (Outcome, error) {
	if strings.TrimSpace(text) == "" {
		return Outcome{}, ErrValidation
	}

	user, err := c.store.Append(ctx, sessionID, chat.SenderUser, text)
	if err != nil {
		return Outcome{}, fmt.Errorf("store user turn: %w", err)
	}
	if hooks.OnUserCommitted != nil {
		hooks.OnUserCommitted(user)
	}

	replyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.replyTimeout)
	defer cancel()

	history := []chat.Turn{user}
	if hooks.History != nil {
		history = hooks.History(replyCtx, user)
	}

	out := Outcome{User: user}
	replyText, cerr := c.complete(replyCtx, sessionID, history, text, hooks.OnDelta)
	if cerr != nil {
		log.Warn().Err(cerr).Str("component", "feed").Str("session_id", sessionID).Msg("completion failed, committing fallback reply")
		replyText = c.fallbackText
		out.Fallback = true
		out.CompletionErr = cerr
	}

	commitCtx, cancelCommit := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancelCommit()
	reply, err := c.store.Append(commitCtx, sessionID, chat.SenderAssistant, replyText)
	if err != nil {
		log.Error().Err(err).Str("component", "feed").Str("session_id", sessionID).Str("user_turn", user.ID).Msg("assistant turn not stored")
		return out, fmt.Errorf("store assistant turn: %w", err)
	}
	out.Reply = reply
	if hooks.OnReplyCommitted != nil {
		hooks.OnReplyCommitted(reply, out.Fallback)
	}
	return out, nil
}

func (c *Coordinator) complete(ctx context.Context, sessionID string, history []chat.Turn, text string, onDelta func(string)) (string, error) {
	if streamer, ok := c.completer.(ai.StreamingClient); ok && onDelta != nil {
		return streamer.CompleteStream(ctx, sessionID, history, text, onDelta)
	}
	return c.completer.Complete(ctx, sessionID, history, text)
}
