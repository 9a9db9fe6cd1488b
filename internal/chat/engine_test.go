package chat

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"mumet-go/internal/model"
	"mumet-go/pkg/llm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// FAKE BACKEND
// =============================================================================

type fakeEvent struct {
	text string
	err  error
}

type fakeStream struct {
	ctx    context.Context
	events chan fakeEvent
	closed chan struct{}
	once   sync.Once
}

func (s *fakeStream) Next() (string, error) {
	select {
	case ev, ok := <-s.events:
		if !ok {
			return "", io.EOF
		}
		return ev.text, ev.err
	case <-s.ctx.Done():
		return "", s.ctx.Err()
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type fakeCall struct {
	ctx      context.Context
	messages []llm.Message
	stream   *fakeStream
}

func (c *fakeCall) chunk(text string) { c.stream.events <- fakeEvent{text: text} }
func (c *fakeCall) fail(err error)    { c.stream.events <- fakeEvent{err: err} }
func (c *fakeCall) finish()           { close(c.stream.events) }

type fakeClient struct {
	calls   chan *fakeCall
	openErr error
}

func newFakeClient() *fakeClient {
	return &fakeClient{calls: make(chan *fakeCall, 8)}
}

func (c *fakeClient) Open(ctx context.Context, messages []llm.Message, _ *llm.GenerationParams) (llm.Stream, error) {
	if c.openErr != nil {
		return nil, c.openErr
	}
	call := &fakeCall{
		ctx:      ctx,
		messages: messages,
		stream:   &fakeStream{ctx: ctx, events: make(chan fakeEvent), closed: make(chan struct{})},
	}
	c.calls <- call
	return call.stream, nil
}

func (c *fakeClient) next(t *testing.T) *fakeCall {
	t.Helper()
	select {
	case call := <-c.calls:
		return call
	case <-time.After(2 * time.Second):
		t.Fatal("backend was not called")
		return nil
	}
}

func newEngine(t *testing.T, client llm.Client, opts Options) *Engine {
	t.Helper()
	e := NewEngine(client, opts)
	t.Cleanup(e.Close)
	return e
}

func waitFor(t *testing.T, e *Engine, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	var snap Snapshot
	require.Eventually(t, func() bool {
		snap = e.Snapshot()
		return cond(snap)
	}, 2*time.Second, 5*time.Millisecond)
	return snap
}

func lastTurn(s Snapshot) model.Turn {
	return s.Turns[len(s.Turns)-1]
}

func settled(s Snapshot) bool {
	return len(s.Turns) > 0 && lastTurn(s).Settled()
}

// =============================================================================
// SUBMIT
// =============================================================================

func TestSubmit_AppendsPairAndClearsDraft(t *testing.T) {
	client := newFakeClient()
	e := newEngine(t, client, Options{SystemPrompt: "be nice"})

	e.UpdateDraft("  apa itu Go?  ")
	require.NoError(t, e.Submit())

	snap := e.Snapshot()
	require.Len(t, snap.Turns, 2)
	assert.Equal(t, "", snap.Draft)
	assert.True(t, snap.Busy)

	user, assistant := snap.Turns[0], snap.Turns[1]
	assert.Equal(t, model.RoleUser, user.Role)
	assert.Equal(t, "apa itu Go?", user.Content)
	assert.Equal(t, model.StatusComplete, user.Status)
	assert.Equal(t, model.RoleAssistant, assistant.Role)
	assert.Equal(t, model.StatusPending, assistant.Status)
	assert.Empty(t, assistant.Content)
	assert.NotEqual(t, user.ID, assistant.ID)

	call := client.next(t)
	assert.Equal(t, []llm.Message{
		{Role: "system", Content: "be nice"},
		{Role: "user", Content: "apa itu Go?"},
	}, call.messages)
}

func TestSubmit_EmptyDraft(t *testing.T) {
	e := newEngine(t, newFakeClient(), Options{})

	assert.ErrorIs(t, e.Submit(), ErrEmptyDraft)
	e.UpdateDraft(" \n\t ")
	assert.ErrorIs(t, e.Submit(), ErrEmptyDraft)

	snap := e.Snapshot()
	assert.Empty(t, snap.Turns)
	assert.Equal(t, " \n\t ", snap.Draft)
}

func TestSubmit_RejectedWhileBusy(t *testing.T) {
	client := newFakeClient()
	e := newEngine(t, client, Options{})

	e.UpdateDraft("first")
	require.NoError(t, e.Submit())
	call := client.next(t)

	e.UpdateDraft("second")
	assert.ErrorIs(t, e.Submit(), ErrAlreadyInFlight)

	snap := e.Snapshot()
	assert.Len(t, snap.Turns, 2)
	assert.Equal(t, "second", snap.Draft, "rejected submission keeps the draft")

	call.chunk("x")
	e.UpdateDraft("third")
	assert.ErrorIs(t, e.Submit(), ErrAlreadyInFlight)
	assert.Len(t, e.Snapshot().Turns, 2)

	call.finish()
	waitFor(t, e, settled)
}

func TestSubmit_AlternatingTurns(t *testing.T) {
	client := newFakeClient()
	e := newEngine(t, client, Options{})

	questions := []string{"satu", "dua", "tiga"}
	for i, q := range questions {
		e.UpdateDraft(q)
		require.NoError(t, e.Submit())
		call := client.next(t)
		// 每次请求都携带此前全部对话
		assert.Len(t, call.messages, 2*i+1)
		call.chunk("jawab " + q)
		call.finish()
		waitFor(t, e, settled)
	}

	snap := e.Snapshot()
	require.Len(t, snap.Turns, 6)
	for i, turn := range snap.Turns {
		if i%2 == 0 {
			assert.Equal(t, model.RoleUser, turn.Role)
			assert.Equal(t, questions[i/2], turn.Content)
		} else {
			assert.Equal(t, model.RoleAssistant, turn.Role)
			assert.Equal(t, "jawab "+questions[i/2], turn.Content)
			assert.Equal(t, model.StatusComplete, turn.Status)
		}
	}
	assert.False(t, snap.Busy)
}

// =============================================================================
// STREAM CALLBACKS
// =============================================================================

func TestStream_ChunksConcatenateInOrder(t *testing.T) {
	client := newFakeClient()
	e := newEngine(t, client, Options{})

	e.UpdateDraft("hi")
	require.NoError(t, e.Submit())
	call := client.next(t)

	chunks := []string{"Hel", "lo", ", ", "dunia", " 🌏"}
	call.chunk(chunks[0])
	snap := waitFor(t, e, func(s Snapshot) bool { return lastTurn(s).Status == model.StatusStreaming })
	assert.Equal(t, "Hel", lastTurn(snap).Content)
	assert.True(t, snap.Busy)

	for _, c := range chunks[1:] {
		call.chunk(c)
	}
	call.finish()

	snap = waitFor(t, e, settled)
	assert.Equal(t, "Hello, dunia 🌏", lastTurn(snap).Content)
	assert.Equal(t, model.StatusComplete, lastTurn(snap).Status)
	assert.Equal(t, model.CauseNone, lastTurn(snap).Cause)
	assert.False(t, snap.Busy)
}

func TestStream_ErrorKeepsPartialContent(t *testing.T) {
	client := newFakeClient()
	e := newEngine(t, client, Options{})

	e.UpdateDraft("hi")
	require.NoError(t, e.Submit())
	call := client.next(t)
	call.chunk("sebagian")
	call.fail(errors.New("connection reset"))

	snap := waitFor(t, e, settled)
	last := lastTurn(snap)
	assert.Equal(t, model.StatusErrored, last.Status)
	assert.Equal(t, model.CauseStreamError, last.Cause)
	assert.Equal(t, "sebagian", last.Content)
	assert.False(t, snap.Busy)
}

func TestStream_TimeoutIsErrored(t *testing.T) {
	client := newFakeClient()
	e := newEngine(t, client, Options{})

	e.UpdateDraft("hi")
	require.NoError(t, e.Submit())
	call := client.next(t)
	call.chunk("lambat")
	call.fail(llm.ErrTimeout)

	last := lastTurn(waitFor(t, e, settled))
	assert.Equal(t, model.StatusErrored, last.Status)
	assert.Equal(t, model.CauseTimeout, last.Cause)
	assert.Equal(t, "lambat", last.Content)
}

func TestStream_OpenFailure(t *testing.T) {
	client := newFakeClient()
	client.openErr = &llm.APIError{Status: 500, Message: "boom"}
	e := newEngine(t, client, Options{})

	e.UpdateDraft("hi")
	require.NoError(t, e.Submit())

	last := lastTurn(waitFor(t, e, settled))
	assert.Equal(t, model.StatusErrored, last.Status)
	assert.Equal(t, model.CauseStreamError, last.Cause)
	assert.Empty(t, last.Content)
}

// =============================================================================
// CANCEL / RESET
// =============================================================================

func TestCancel_PreservesPartialAndTearsDownTransport(t *testing.T) {
	client := newFakeClient()
	e := newEngine(t, client, Options{})

	e.UpdateDraft("hi")
	require.NoError(t, e.Submit())
	call := client.next(t)
	call.chunk("Hel")
	call.chunk("lo")
	waitFor(t, e, func(s Snapshot) bool { return lastTurn(s).Content == "Hello" })

	e.Cancel()

	snap := e.Snapshot()
	last := lastTurn(snap)
	assert.Equal(t, "Hello", last.Content)
	assert.Equal(t, model.StatusErrored, last.Status)
	assert.Equal(t, model.CauseUserCancelled, last.Cause)
	assert.False(t, snap.Busy)

	select {
	case <-call.ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("request context was not cancelled")
	}
	select {
	case <-call.stream.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("stream was not closed")
	}

	// 取消后到达的事件不会改变已结束的消息
	assert.Equal(t, "Hello", lastTurn(e.Snapshot()).Content)
}

func TestCancel_Idempotent(t *testing.T) {
	e := newEngine(t, newFakeClient(), Options{})
	before := e.Snapshot()

	e.Cancel()
	e.Cancel()

	assert.Equal(t, before.Version, e.Snapshot().Version)
}

func TestResubmitAfterError_AppendsNewPair(t *testing.T) {
	client := newFakeClient()
	e := newEngine(t, client, Options{})

	e.UpdateDraft("pertama")
	require.NoError(t, e.Submit())
	first := client.next(t)
	e.Cancel()
	<-first.ctx.Done()

	e.UpdateDraft("kedua")
	require.NoError(t, e.Submit())
	second := client.next(t)

	snap := e.Snapshot()
	require.Len(t, snap.Turns, 4)
	assert.Equal(t, model.StatusErrored, snap.Turns[1].Status)
	// 空的已取消回复不进入上下文
	assert.Equal(t, []llm.Message{
		{Role: "user", Content: "pertama"},
		{Role: "user", Content: "kedua"},
	}, second.messages)

	second.finish()
	waitFor(t, e, settled)
}

func TestReset_CancelsAndClears(t *testing.T) {
	client := newFakeClient()
	e := newEngine(t, client, Options{})

	e.UpdateDraft("hi")
	require.NoError(t, e.Submit())
	call := client.next(t)
	call.chunk("x")
	waitFor(t, e, func(s Snapshot) bool { return lastTurn(s).Content == "x" })
	oldID := e.Snapshot().ConversationID

	e.UpdateDraft("draft kept")
	e.Reset()

	snap := e.Snapshot()
	assert.Empty(t, snap.Turns)
	assert.False(t, snap.Busy)
	assert.Equal(t, "draft kept", snap.Draft)
	assert.NotEqual(t, oldID, snap.ConversationID)

	select {
	case <-call.ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("reset did not cancel the request")
	}

	require.NoError(t, e.Submit())
	client.next(t)
}

// =============================================================================
// OBSERVATION
// =============================================================================

func TestSubscribe_OrderedSnapshots(t *testing.T) {
	client := newFakeClient()
	e := newEngine(t, client, Options{})

	ch, unsubscribe := e.Subscribe()
	defer unsubscribe()

	first := <-ch
	assert.Empty(t, first.Turns)

	e.UpdateDraft("hi")
	require.NoError(t, e.Submit())
	call := client.next(t)
	call.chunk("a")
	call.chunk("b")
	call.finish()

	last := first.Version
	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap := <-ch:
			assert.Greater(t, snap.Version, last)
			last = snap.Version
			for _, turn := range snap.Turns {
				if turn.Settled() && turn.Role == model.RoleAssistant {
					assert.Equal(t, "ab", turn.Content)
				}
			}
			if settled(snap) {
				return
			}
		case <-deadline:
			t.Fatal("final snapshot never delivered")
		}
	}
}

func TestClose_ClosesSubscribers(t *testing.T) {
	client := newFakeClient()
	e := NewEngine(client, Options{})
	ch, _ := e.Subscribe()
	<-ch

	e.UpdateDraft("hi")
	require.NoError(t, e.Submit())
	call := client.next(t)

	e.Close()
	<-call.ctx.Done()

	for range ch {
	}
	assert.ErrorIs(t, e.Submit(), ErrClosed)
}

func TestObserver_ReceivesSettledTurn(t *testing.T) {
	client := newFakeClient()
	events := make(chan TurnEvent, 4)
	e := newEngine(t, client, Options{SessionID: "tab-1", Observer: func(ev TurnEvent) { events <- ev }})

	e.UpdateDraft("hi")
	require.NoError(t, e.Submit())
	call := client.next(t)
	call.chunk("halo")
	call.finish()

	select {
	case ev := <-events:
		assert.Equal(t, "tab-1", ev.SessionID)
		assert.Equal(t, model.StatusComplete, ev.Status)
		assert.Equal(t, 4, ev.Chars)
		assert.Equal(t, e.Snapshot().ConversationID, ev.ConversationID)
	case <-time.After(2 * time.Second):
		t.Fatal("observer not called")
	}

	e.UpdateDraft("lagi")
	require.NoError(t, e.Submit())
	client.next(t)
	e.Cancel()

	ev := <-events
	assert.Equal(t, model.CauseUserCancelled, ev.Cause)
	assert.Zero(t, ev.FirstChunk)
}

func TestClose_SettlesActiveTurn(t *testing.T) {
	client := newFakeClient()
	events := make(chan TurnEvent, 1)
	e := NewEngine(client, Options{Observer: func(ev TurnEvent) { events <- ev }})

	e.UpdateDraft("hi")
	require.NoError(t, e.Submit())
	call := client.next(t)
	call.chunk("setengah")
	waitFor(t, e, func(s Snapshot) bool { return lastTurn(s).Status == model.StatusStreaming })

	e.Close()
	<-call.ctx.Done()

	snap := e.Snapshot()
	assert.False(t, snap.Busy)
	assert.Equal(t, model.StatusErrored, lastTurn(snap).Status)
	assert.Equal(t, model.CauseUserCancelled, lastTurn(snap).Cause)
	assert.Equal(t, "setengah", lastTurn(snap).Content)

	ev := <-events
	assert.Equal(t, model.CauseUserCancelled, ev.Cause)
}

func TestObserver_CharsCountsRunes(t *testing.T) {
	client := newFakeClient()
	events := make(chan TurnEvent, 1)
	e := newEngine(t, client, Options{Observer: func(ev TurnEvent) { events <- ev }})

	e.UpdateDraft("hi")
	require.NoError(t, e.Submit())
	call := client.next(t)
	call.chunk("héllo ")
	call.chunk("🌏")
	call.finish()

	select {
	case ev := <-events:
		assert.Equal(t, 7, ev.Chars)
	case <-time.After(2 * time.Second):
		t.Fatal("observer not called")
	}
}
