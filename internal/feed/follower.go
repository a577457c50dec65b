package feed

import (
	"context"
	"sync"

	"github.com/zhouzirui/coachfeed/backend/internal/model/chat"
	chatservice "github.com/zhouzirui/coachfeed/backend/internal/service/chat"
)

// Follower keeps the window current with turns committed after it was loaded,
// whoever wrote them.
type Follower struct {
	st     *state
	source TailSource

	mu  sync.Mutex
	sub *chatservice.Subscription
}

func newFollower(st *state, source TailSource) *Follower {
	return &Follower{st: st, source: source}
}

// Start subscribes after the newest loaded turn. Calling Start while already
// following is a no-op.
func (f *Follower) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sub != nil {
		return nil
	}

	f.st.mu.Lock()
	after := f.st.window.Newest()
	f.st.mu.Unlock()

	sub, err := f.source.SubscribeTail(ctx, f.st.sessionID, after, f.deliver)
	if err != nil {
		return err
	}
	f.sub = sub
	return nil
}

// Stop ends the subscription.
func (f *Follower) Stop() {
	f.mu.Lock()
	sub := f.sub
	f.sub = nil
	f.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
}

func (f *Follower) deliver(t chat.Turn) {
	f.st.update(func() {
		f.st.window.Merge(t)
		f.st.countOnceLocked(t)
	})
}
