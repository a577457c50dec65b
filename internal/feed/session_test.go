package feed_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/zhouzirui/coachfeed/backend/internal/feed"
	"github.com/zhouzirui/coachfeed/backend/internal/model/chat"
	"github.com/zhouzirui/coachfeed/backend/internal/service/ai"
	chatservice "github.com/zhouzirui/coachfeed/backend/internal/service/chat"
	"github.com/zhouzirui/coachfeed/backend/internal/store"
)

const sessionID = "session-1"

var errBackendDown = errors.New("backend down")

// flakyBackend fails selected operations on demand. Appends honour ctx the
// way the SQLite backend does.
type flakyBackend struct {
	store.Backend
	failAppend    atomic.Bool
	failQueryPage atomic.Bool
	appendCalls   atomic.Int32
}

func (f *flakyBackend) Append(ctx context.Context, sessionID string, sender chat.Sender, text string) (chat.Turn, error) {
	f.appendCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return chat.Turn{}, fmt.Errorf("append: %w: %w", store.ErrUnavailable, err)
	}
	if f.failAppend.Load() {
		return chat.Turn{}, fmt.Errorf("append: %w: %w", store.ErrUnavailable, errBackendDown)
	}
	return f.Backend.Append(ctx, sessionID, sender, text)
}

func (f *flakyBackend) QueryPage(ctx context.Context, sessionID string, before chat.Cursor, limit int) (chat.Page, error) {
	if f.failQueryPage.Load() {
		return chat.Page{}, fmt.Errorf("query page: %w: %w", store.ErrUnavailable, errBackendDown)
	}
	return f.Backend.QueryPage(ctx, sessionID, before, limit)
}

// completerFunc adapts a function to ai.Client.
type completerFunc func(ctx context.Context, history []chat.Turn, text string) (string, error)

func (f completerFunc) Complete(ctx context.Context, _ string, history []chat.Turn, text string) (string, error) {
	return f(ctx, history, text)
}

func reply(text string) ai.Client {
	return completerFunc(func(context.Context, []chat.Turn, string) (string, error) {
		return text, nil
	})
}

type fixture struct {
	backend *flakyBackend
	svc     *chatservice.Service
}

func newFixture(t *testing.T, existing int) *fixture {
	t.Helper()
	backend := &flakyBackend{Backend: store.NewMemoryBackend()}
	svc := chatservice.NewService(backend, chatservice.WithPollInterval(5*time.Millisecond))
	_, err := svc.EnsureSession(context.Background(), sessionID, "life-coach")
	require.NoError(t, err)

	for i := 0; i < existing; i++ {
		sender := chat.SenderUser
		if i%2 == 1 {
			sender = chat.SenderAssistant
		}
		_, err := svc.Append(context.Background(), sessionID, sender, fmt.Sprintf("message %d", i))
		require.NoError(t, err)
	}
	t.Cleanup(func() { _ = backend.Close() })
	return &fixture{backend: backend, svc: svc}
}

func (f *fixture) open(t *testing.T, completer ai.Client, opts feed.Options) *feed.Session {
	t.Helper()
	s := feed.NewSession(f.svc, completer, sessionID, opts)
	require.NoError(t, s.Open(context.Background()))
	t.Cleanup(s.Close)
	return s
}

func texts(turns []chat.Turn) []string {
	out := make([]string, len(turns))
	for i, turn := range turns {
		out[i] = turn.Text
	}
	return out
}

func TestOpenEmptySession(t *testing.T) {
	f := newFixture(t, 0)
	s := f.open(t, reply("unused"), feed.Options{PageSize: 10})

	v := s.View()
	assert.Empty(t, v.Turns)
	assert.False(t, v.HasOlder)
	assert.Zero(t, v.TotalCount)
	assert.Equal(t, feed.StateComposing, v.SendState)
	assert.False(t, v.IsSendingOrAwaiting)

	res, err := s.LoadOlder(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)
}

func TestPaginationToExhaustion(t *testing.T) {
	f := newFixture(t, 25)
	s := f.open(t, reply("unused"), feed.Options{PageSize: 10})
	ctx := context.Background()

	v := s.View()
	require.Len(t, v.Turns, 10)
	assert.Equal(t, "message 15", v.Turns[0].Text)
	assert.Equal(t, "message 24", v.Turns[9].Text)
	assert.True(t, v.HasOlder)
	assert.Equal(t, 25, v.TotalCount)

	anchor := v.Turns[0].ID
	res, err := s.LoadOlder(ctx)
	require.NoError(t, err)
	assert.Equal(t, anchor, res.AnchorID)
	assert.Equal(t, 10, res.Added)

	v = s.View()
	require.Len(t, v.Turns, 20)
	requireOrdered(t, v.Turns)
	assert.True(t, v.HasOlder)

	_, err = s.LoadOlder(ctx)
	require.NoError(t, err)
	v = s.View()
	require.Len(t, v.Turns, 25)
	requireOrdered(t, v.Turns)
	assert.Equal(t, "message 0", v.Turns[0].Text)
	assert.False(t, v.HasOlder)
	assert.Equal(t, v.Turns[0].CreatedAt, v.OldestCursor)

	res, err = s.LoadOlder(ctx)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Len(t, s.View().Turns, 25)
}

func TestLoadOlderFailureKeepsHasOlder(t *testing.T) {
	f := newFixture(t, 15)
	s := f.open(t, reply("unused"), feed.Options{PageSize: 10})

	f.backend.failQueryPage.Store(true)
	_, err := s.LoadOlder(context.Background())
	require.ErrorIs(t, err, store.ErrUnavailable)

	v := s.View()
	assert.True(t, v.HasOlder)
	assert.False(t, v.IsLoadingOlder)
	assert.NotEmpty(t, v.LoadError)
	assert.Len(t, v.Turns, 10)

	f.backend.failQueryPage.Store(false)
	_, err = s.LoadOlder(context.Background())
	require.NoError(t, err)
	v = s.View()
	assert.Len(t, v.Turns, 15)
	assert.False(t, v.HasOlder)
	assert.Empty(t, v.LoadError)
}

func TestOpenFailureIsRecoverable(t *testing.T) {
	f := newFixture(t, 3)
	f.backend.failQueryPage.Store(true)

	s := feed.NewSession(f.svc, reply("unused"), sessionID, feed.Options{PageSize: 10})
	t.Cleanup(s.Close)
	require.Error(t, s.Open(context.Background()))
	assert.NotEmpty(t, s.View().LoadError)

	f.backend.failQueryPage.Store(false)
	require.NoError(t, s.Open(context.Background()))
	assert.Len(t, s.View().Turns, 3)
}

func TestLoadOlderRetriesFailedOpen(t *testing.T) {
	f := newFixture(t, 3)
	f.backend.failQueryPage.Store(true)

	s := feed.NewSession(f.svc, reply("unused"), sessionID, feed.Options{PageSize: 10})
	t.Cleanup(s.Close)
	require.Error(t, s.Open(context.Background()))

	_, err := s.LoadOlder(context.Background())
	require.Error(t, err)
	assert.NotEmpty(t, s.View().LoadError)

	f.backend.failQueryPage.Store(false)
	res, err := s.LoadOlder(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, 3, res.Added)

	v := s.View()
	assert.Equal(t, []string{"message 0", "message 1", "message 2"}, texts(v.Turns))
	assert.Empty(t, v.LoadError)
	assert.Equal(t, 3, v.TotalCount)
}

func TestFollowWaitsForFirstPage(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t, 25)
	f.backend.failQueryPage.Store(true)

	s := feed.NewSession(f.svc, reply("unused"), sessionID, feed.Options{PageSize: 10})
	require.Error(t, s.Open(context.Background()))
	require.NoError(t, s.Follow(context.Background()))

	// no subscription yet, so nothing from the log leaks into the window
	_, err := f.svc.Append(context.Background(), sessionID, chat.SenderUser, "while offline")
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, s.View().Turns)

	f.backend.failQueryPage.Store(false)
	_, err = s.LoadOlder(context.Background())
	require.NoError(t, err)
	v := s.View()
	require.Len(t, v.Turns, 10)
	assert.Equal(t, "while offline", v.Turns[9].Text)
	assert.True(t, v.HasOlder)

	_, err = f.svc.Append(context.Background(), sessionID, chat.SenderAssistant, "live again")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(s.View().Turns) == 11
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "live again", s.View().Turns[10].Text)
	assert.Equal(t, 27, s.View().TotalCount)

	s.Close()
}

func TestSubmitCommitsUserAndReply(t *testing.T) {
	f := newFixture(t, 0)
	s := f.open(t, reply("Hi there"), feed.Options{PageSize: 10})

	s.SetDraft("Hello")
	out, err := s.Submit(context.Background(), "Hello")
	require.NoError(t, err)
	assert.False(t, out.Fallback)
	assert.Equal(t, chat.SenderUser, out.User.Sender)
	assert.Equal(t, chat.SenderAssistant, out.Reply.Sender)
	assert.Less(t, out.User.CreatedAt, out.Reply.CreatedAt)

	v := s.View()
	assert.Equal(t, []string{"Hello", "Hi there"}, texts(v.Turns))
	assert.Equal(t, 2, v.TotalCount)
	assert.Equal(t, feed.StateComposing, v.SendState)
	assert.Empty(t, v.Draft)
	for _, turn := range v.Turns {
		assert.True(t, turn.Committed())
	}

	n, err := f.backend.Count(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSubmitPassesLoadedWindowAsHistory(t *testing.T) {
	f := newFixture(t, 4)
	var got []chat.Turn
	s := f.open(t, completerFunc(func(_ context.Context, history []chat.Turn, _ string) (string, error) {
		got = history
		return "ok", nil
	}), feed.Options{PageSize: 2})

	_, err := s.Submit(context.Background(), "next")
	require.NoError(t, err)
	assert.Equal(t, []string{"message 2", "message 3", "next"}, texts(got))
}

func TestSubmitFallsBackOnCompletionError(t *testing.T) {
	f := newFixture(t, 0)
	failing := completerFunc(func(context.Context, []chat.Turn, string) (string, error) {
		return "", &ai.CompletionError{Kind: ai.KindNetwork, Err: errors.New("connection reset")}
	})
	s := f.open(t, failing, feed.Options{PageSize: 10})

	out, err := s.Submit(context.Background(), "Hello")
	require.NoError(t, err)
	assert.True(t, out.Fallback)
	assert.Equal(t, feed.FallbackText, out.Reply.Text)

	var ce *ai.CompletionError
	require.ErrorAs(t, out.CompletionErr, &ce)
	assert.Equal(t, ai.KindNetwork, ce.Kind)

	v := s.View()
	assert.Equal(t, []string{"Hello", feed.FallbackText}, texts(v.Turns))
	assert.Equal(t, 2, v.TotalCount)
	assert.False(t, v.IsSendingOrAwaiting)
	assert.Empty(t, v.SendError)
}

func TestSubmitUnavailableCompleterFallsBack(t *testing.T) {
	f := newFixture(t, 0)
	s := f.open(t, ai.Unavailable{}, feed.Options{})

	out, err := s.Submit(context.Background(), "Hello")
	require.NoError(t, err)
	assert.True(t, out.Fallback)
	assert.Equal(t, feed.FallbackText, out.Reply.Text)
}

func TestSubmitReplyTimeoutFallsBack(t *testing.T) {
	f := newFixture(t, 0)
	hanging := completerFunc(func(ctx context.Context, _ []chat.Turn, _ string) (string, error) {
		<-ctx.Done()
		return "", &ai.CompletionError{Kind: ai.KindNetwork, Err: ctx.Err()}
	})
	s := f.open(t, hanging, feed.Options{ReplyTimeout: 20 * time.Millisecond})

	out, err := s.Submit(context.Background(), "anyone there?")
	require.NoError(t, err)
	assert.True(t, out.Fallback)
	assert.Equal(t, []string{"anyone there?", feed.FallbackText}, texts(s.View().Turns))
}

func TestSubmitReplyTimeoutCommitsFallbackOnSQLite(t *testing.T) {
	ctx := context.Background()
	backend, err := store.NewSQLiteBackend(filepath.Join(t.TempDir(), "feed.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	svc := chatservice.NewService(backend, chatservice.WithPollInterval(5*time.Millisecond))
	_, err = svc.EnsureSession(ctx, sessionID, "life-coach")
	require.NoError(t, err)

	hanging := completerFunc(func(ctx context.Context, _ []chat.Turn, _ string) (string, error) {
		<-ctx.Done()
		return "", &ai.CompletionError{Kind: ai.KindNetwork, Err: ctx.Err()}
	})
	s := feed.NewSession(svc, hanging, sessionID, feed.Options{ReplyTimeout: 50 * time.Millisecond})
	require.NoError(t, s.Open(ctx))
	t.Cleanup(s.Close)

	out, err := s.Submit(ctx, "anyone there?")
	require.NoError(t, err)
	assert.True(t, out.Fallback)
	assert.NotEmpty(t, out.Reply.ID)

	page, err := svc.QueryPage(ctx, sessionID, chat.NoCursor, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"anyone there?", feed.FallbackText}, texts(page.Turns))
}

func TestSubmitRejectsBlankText(t *testing.T) {
	f := newFixture(t, 0)
	s := f.open(t, reply("unused"), feed.Options{})

	for _, text := range []string{"", "   ", "\n\t"} {
		_, err := s.Submit(context.Background(), text)
		require.ErrorIs(t, err, feed.ErrValidation)
	}
	assert.Zero(t, f.backend.appendCalls.Load())
	assert.Empty(t, s.View().Turns)
}

func TestSubmitRejectedWhileAwaitingReply(t *testing.T) {
	f := newFixture(t, 0)
	release := make(chan struct{})
	blocking := completerFunc(func(context.Context, []chat.Turn, string) (string, error) {
		<-release
		return "done", nil
	})
	s := f.open(t, blocking, feed.Options{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := s.Submit(context.Background(), "first")
		assert.NoError(t, err)
	}()

	require.Eventually(t, func() bool {
		return s.View().SendState == feed.StateAwaitingReply
	}, time.Second, 5*time.Millisecond)

	v := s.View()
	assert.True(t, v.IsSendingOrAwaiting)
	require.Len(t, v.Turns, 2)
	assert.True(t, v.Turns[0].Committed())
	assert.Equal(t, chat.StatusPending, v.Turns[1].Status)
	assert.Equal(t, chat.SenderAssistant, v.Turns[1].Sender)

	_, err := s.Submit(context.Background(), "second")
	require.ErrorIs(t, err, feed.ErrSendInFlight)

	close(release)
	wg.Wait()

	assert.Equal(t, int32(2), f.backend.appendCalls.Load())
	assert.Equal(t, []string{"first", "done"}, texts(s.View().Turns))
}

func TestSubmitSurvivesCallerCancellation(t *testing.T) {
	f := newFixture(t, 0)
	release := make(chan struct{})
	completer := completerFunc(func(ctx context.Context, _ []chat.Turn, _ string) (string, error) {
		<-release
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return "still here", nil
	})
	s := f.open(t, completer, feed.Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan feed.Outcome, 1)
	go func() {
		out, err := s.Submit(ctx, "Hello")
		assert.NoError(t, err)
		done <- out
	}()

	require.Eventually(t, func() bool {
		return s.View().SendState == feed.StateAwaitingReply
	}, time.Second, 5*time.Millisecond)
	cancel()
	close(release)

	out := <-done
	assert.False(t, out.Fallback)
	assert.Equal(t, "still here", out.Reply.Text)
}

func TestSubmitUserAppendFailureRestoresDraft(t *testing.T) {
	f := newFixture(t, 0)
	s := f.open(t, reply("unused"), feed.Options{})
	f.backend.failAppend.Store(true)

	_, err := s.Submit(context.Background(), "keep me")
	require.ErrorIs(t, err, store.ErrUnavailable)

	v := s.View()
	assert.Equal(t, "keep me", v.Draft)
	assert.NotEmpty(t, v.SendError)
	assert.Equal(t, feed.StateComposing, v.SendState)
	require.Len(t, v.Turns, 1)
	assert.Equal(t, chat.StatusFailed, v.Turns[0].Status)
	assert.False(t, v.Turns[0].Committed())
	assert.Zero(t, v.TotalCount)

	f.backend.failAppend.Store(false)
	_, err = s.Submit(context.Background(), v.Draft)
	require.NoError(t, err)
	v = s.View()
	assert.Empty(t, v.SendError)
	assert.Equal(t, []string{"keep me", "unused"}, texts(v.Turns))
	for _, turn := range v.Turns {
		assert.True(t, turn.Committed())
	}
}

func TestSubmitAssistantAppendFailureKeepsUserTurn(t *testing.T) {
	f := newFixture(t, 0)
	completer := completerFunc(func(context.Context, []chat.Turn, string) (string, error) {
		f.backend.failAppend.Store(true)
		return "lost", nil
	})
	s := f.open(t, completer, feed.Options{})

	out, err := s.Submit(context.Background(), "Hello")
	require.ErrorIs(t, err, store.ErrUnavailable)
	assert.NotEmpty(t, out.User.ID)

	v := s.View()
	assert.Equal(t, []string{"Hello"}, texts(v.Turns))
	assert.Empty(t, v.Draft)
	assert.NotEmpty(t, v.SendError)
	assert.Equal(t, feed.StateComposing, v.SendState)
}

func TestFollowMergesTurnsFromOtherWriters(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, 2)
	s := feed.NewSession(f.svc, reply("ack"), sessionID, feed.Options{PageSize: 10})
	require.NoError(t, s.Open(context.Background()))
	require.NoError(t, s.Follow(context.Background()))
	require.NoError(t, s.Follow(context.Background()))

	_, err := f.svc.Append(context.Background(), sessionID, chat.SenderUser, "from another device")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(s.View().Turns) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, s.View().TotalCount)

	// the tail re-delivers our own turns; they must not be duplicated or recounted
	_, err = s.Submit(context.Background(), "mine")
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)

	v := s.View()
	assert.Equal(t, []string{"message 0", "message 1", "from another device", "mine", "ack"}, texts(v.Turns))
	assert.Equal(t, 5, v.TotalCount)

	s.Close()
}

func TestOrderHoldsWhilePagingAndTailing(t *testing.T) {
	f := newFixture(t, 30)
	s := f.open(t, reply("unused"), feed.Options{PageSize: 5})
	require.NoError(t, s.Follow(context.Background()))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			_, err := f.svc.Append(context.Background(), sessionID, chat.SenderUser, fmt.Sprintf("live %d", i))
			assert.NoError(t, err)
		}
	}()

	for s.View().HasOlder {
		_, err := s.LoadOlder(context.Background())
		require.NoError(t, err)
		requireOrdered(t, s.View().Turns)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return len(s.View().Turns) == 50
	}, 2*time.Second, 5*time.Millisecond)
	requireOrdered(t, s.View().Turns)
	assert.Equal(t, 50, s.View().TotalCount)
}

func TestOnChangeDeliversIncreasingVersions(t *testing.T) {
	f := newFixture(t, 0)
	s := feed.NewSession(f.svc, reply("Hi there"), sessionID, feed.Options{})
	t.Cleanup(s.Close)

	var (
		mu       sync.Mutex
		versions []uint64
		last     feed.View
	)
	unsubscribe := s.OnChange(func(v feed.View) {
		mu.Lock()
		defer mu.Unlock()
		versions = append(versions, v.Version)
		last = v
	})

	require.NoError(t, s.Open(context.Background()))
	s.SetDraft("Hello")
	_, err := s.Submit(context.Background(), "Hello")
	require.NoError(t, err)

	mu.Lock()
	require.NotEmpty(t, versions)
	for i := 1; i < len(versions); i++ {
		assert.Greater(t, versions[i], versions[i-1])
	}
	assert.Len(t, last.Turns, 2)
	seen := len(versions)
	mu.Unlock()

	unsubscribe()
	s.SetDraft("ignored")
	mu.Lock()
	assert.Len(t, versions, seen)
	mu.Unlock()
}
