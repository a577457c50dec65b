package ai

import (
	"context"

	"github.com/zhouzirui/coachfeed/backend/internal/model/chat"
)

// Client produces an assistant reply for a new user turn. history is the
// caller's currently loaded window, never the full log.
type Client interface {
	Complete(ctx context.Context, sessionID string, history []chat.Turn, newUserText string) (string, error)
}

// StreamingClient is implemented by clients that can report partial replies.
// onDelta receives each new chunk; the returned string is the full reply.
type StreamingClient interface {
	Client
	CompleteStream(ctx context.Context, sessionID string, history []chat.Turn, newUserText string, onDelta func(string)) (string, error)
}

// Unavailable fails every call. It stands in when no model credentials are
// configured, so every send settles with the fallback reply.
type Unavailable struct{}

func (Unavailable) Complete(context.Context, string, []chat.Turn, string) (string, error) {
	return "", &CompletionError{Kind: KindUnavailable, Err: ErrNotConfigured}
}
