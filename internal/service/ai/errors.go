package ai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorKind classifies why a completion failed.
type ErrorKind string

const (
	KindNetwork     ErrorKind = "network"
	KindRateLimited ErrorKind = "rate_limited"
	KindMalformed   ErrorKind = "malformed"
	KindUnavailable ErrorKind = "unavailable"
)

var (
	ErrEmptyReply    = errors.New("model returned an empty reply")
	ErrQuotaExceeded = errors.New("completion quota exceeded")
	ErrNotConfigured = errors.New("no chat model configured")
)

// CompletionError is the only error type Complete returns. Callers never
// retry it; they fall back to a fixed reply.
type CompletionError struct {
	Kind ErrorKind
	Err  error
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("completion %s: %v", e.Kind, e.Err)
}

func (e *CompletionError) Unwrap() error { return e.Err }

// classify maps an upstream failure to a CompletionError.
func classify(err error) *CompletionError {
	var ce *CompletionError
	if errors.As(err, &ce) {
		return ce
	}
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled), errors.As(err, &netErr):
		return &CompletionError{Kind: KindNetwork, Err: err}
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"429", "rate limit", "ratelimit", "quota", "too many requests"} {
		if strings.Contains(msg, marker) {
			return &CompletionError{Kind: KindRateLimited, Err: err}
		}
	}
	return &CompletionError{Kind: KindNetwork, Err: err}
}
