package ai

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/zhouzirui/coachfeed/backend/internal/model/chat"
)

// RateLimited enforces a process-wide completion quota. Calls over quota
// fail immediately instead of queueing behind the limiter.
type RateLimited struct {
	next    Client
	limiter *rate.Limiter
}

// NewRateLimited wraps next with a limit of perMinute calls (burst of the
// same size). A non-positive perMinute disables limiting.
func NewRateLimited(next Client, perMinute int) Client {
	if perMinute <= 0 {
		return next
	}
	return &RateLimited{
		next:    next,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
	}
}

func (r *RateLimited) Complete(ctx context.Context, sessionID string, history []chat.Turn, newUserText string) (string, error) {
	if !r.limiter.Allow() {
		return "", &CompletionError{Kind: KindRateLimited, Err: ErrQuotaExceeded}
	}
	return r.next.Complete(ctx, sessionID, history, newUserText)
}

func (r *RateLimited) CompleteStream(ctx context.Context, sessionID string, history []chat.Turn, newUserText string, onDelta func(string)) (string, error) {
	if !r.limiter.Allow() {
		return "", &CompletionError{Kind: KindRateLimited, Err: ErrQuotaExceeded}
	}
	if streamer, ok := r.next.(StreamingClient); ok {
		return streamer.CompleteStream(ctx, sessionID, history, newUserText, onDelta)
	}
	reply, err := r.next.Complete(ctx, sessionID, history, newUserText)
	if err == nil && onDelta != nil {
		onDelta(reply)
	}
	return reply, err
}
