package stasio

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arivoip/stasio/mailbox"
)

type fakeTransport struct {
	events chan Event
	sentCh chan Command

	mu      sync.Mutex
	sent    []Command
	sendErr map[CommandKind]error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		events:  make(chan Event, 64),
		sentCh:  make(chan Command, 64),
		sendErr: make(map[CommandKind]error),
	}
}

func (f *fakeTransport) Events(ctx context.Context) (<-chan Event, error) {
	return f.events, nil
}

func (f *fakeTransport) Send(ctx context.Context, cmd Command) error {
	f.mu.Lock()
	f.sent = append(f.sent, cmd)
	err := f.sendErr[cmd.Kind]
	f.mu.Unlock()
	f.sentCh <- cmd
	return err
}

func (f *fakeTransport) push(ev Event) {
	f.events <- ev
}

// expect waits for the next submitted command and asserts its kind.
// Commands of one session arrive in issue order, so this keeps scenario
// tests strictly sequenced.
func (f *fakeTransport) expect(t *testing.T, kind CommandKind) Command {
	t.Helper()
	select {
	case cmd := <-f.sentCh:
		require.Equal(t, kind, cmd.Kind, "unexpected command submitted")
		return cmd
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s command", kind)
	}
	return Command{}
}

func (f *fakeTransport) expectNone(t *testing.T) {
	t.Helper()
	select {
	case cmd := <-f.sentCh:
		t.Fatalf("unexpected %s command submitted", cmd.Kind)
	case <-time.After(100 * time.Millisecond):
	}
}

type fakeRecordings struct {
	recs []StoredRecording
	err  error
}

func (f fakeRecordings) List(ctx context.Context, mbox string) ([]StoredRecording, error) {
	return f.recs, f.err
}

func startEngine(t *testing.T, tran *fakeTransport, opts ...EngineOption) *Engine {
	t.Helper()
	opts = append([]EngineOption{WithLogger(zerolog.Nop())}, opts...)
	e := NewEngine(tran, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return e
}

// enterMenu walks a session up to AwaitingDigit: enter, answer, greeting
// and instruction playbacks.
func enterMenu(t *testing.T, tran *fakeTransport, sessionID, mbox string) {
	t.Helper()
	tran.push(Event{Kind: EventSessionEntered, SessionID: sessionID, Mailbox: mbox})
	tran.expect(t, CommandAnswer)

	greeting := tran.expect(t, CommandPlay)
	assert.Equal(t, DefaultSounds().Greeting, greeting.Media)
	tran.push(Event{Kind: EventPlaybackFinished, SessionID: sessionID, CommandID: greeting.ID})

	instructions := tran.expect(t, CommandPlay)
	assert.Equal(t, DefaultSounds().Instructions, instructions.Media)
	tran.push(Event{Kind: EventPlaybackFinished, SessionID: sessionID, CommandID: instructions.ID})
}

func TestEngineRecordScenario(t *testing.T) {
	tran := newFakeTransport()
	svc := mailbox.NewService(mailbox.NewMemoryStore())
	e := startEngine(t, tran, WithMailboxes(svc))

	enterMenu(t, tran, "ch1", "100")

	tran.push(Event{Kind: EventDtmfReceived, SessionID: "ch1", Digit: '5'})
	rec := tran.expect(t, CommandRecord)
	require.NotEmpty(t, rec.Recording)
	assert.Contains(t, rec.Recording, "100-")

	tran.push(Event{Kind: EventRecordingFinished, SessionID: "ch1", CommandID: rec.ID})

	saved := tran.expect(t, CommandPlay)
	assert.Equal(t, DefaultSounds().Saved, saved.Media)

	counts, err := svc.Counts(context.Background(), "100")
	require.NoError(t, err)
	assert.Equal(t, mailbox.Counts{New: 1}, counts)

	tran.push(Event{Kind: EventPlaybackFinished, SessionID: "ch1", CommandID: saved.ID})
	tran.expect(t, CommandHangup)

	require.Eventually(t, func() bool { return e.Sessions() == 0 }, time.Second, 5*time.Millisecond)
}

func TestEnginePlaybackNoMessages(t *testing.T) {
	tran := newFakeTransport()
	svc := mailbox.NewService(mailbox.NewMemoryStore())
	e := startEngine(t, tran, WithMailboxes(svc))

	enterMenu(t, tran, "ch1", "100")

	tran.push(Event{Kind: EventDtmfReceived, SessionID: "ch1", Digit: '6'})
	noMore := tran.expect(t, CommandPlay)
	assert.Equal(t, DefaultSounds().NoMore, noMore.Media)

	tran.push(Event{Kind: EventPlaybackFinished, SessionID: "ch1", CommandID: noMore.ID})
	tran.expect(t, CommandHangup)

	require.Eventually(t, func() bool { return e.Sessions() == 0 }, time.Second, 5*time.Millisecond)

	// No mailbox delta on the empty playback path
	counts, err := svc.Counts(context.Background(), "100")
	require.NoError(t, err)
	assert.Equal(t, mailbox.Counts{}, counts)
}

func TestEnginePlaybackAndDelete(t *testing.T) {
	tran := newFakeTransport()
	mem := mailbox.NewMemoryStore()
	require.NoError(t, mem.Save(context.Background(), "100", mailbox.Counts{New: 2, Old: 1}))
	svc := mailbox.NewService(mem)

	recs := fakeRecordings{recs: []StoredRecording{
		{ID: "100-old", Mailbox: "100", Format: "wav"},
		{ID: "100-newest", Mailbox: "100", Format: "wav"},
	}}
	e := startEngine(t, tran, WithMailboxes(svc), WithRecordings(recs))

	enterMenu(t, tran, "ch1", "100")

	tran.push(Event{Kind: EventDtmfReceived, SessionID: "ch1", Digit: '6'})
	play := tran.expect(t, CommandPlay)
	assert.Equal(t, "recording:100-newest", play.Media, "most recent recording plays")

	tran.push(Event{Kind: EventPlaybackFinished, SessionID: "ch1", CommandID: play.ID})

	del := tran.expect(t, CommandDeleteRecording)
	assert.Equal(t, "100-newest", del.Recording)
	// delete completion is synthesized by the issuer once Send returns

	next := tran.expect(t, CommandPlay)
	assert.Equal(t, DefaultSounds().Instructions, next.Media)

	counts, err := svc.Counts(context.Background(), "100")
	require.NoError(t, err)
	assert.Equal(t, mailbox.Counts{New: 1, Old: 1}, counts)

	tran.push(Event{Kind: EventPlaybackFinished, SessionID: "ch1", CommandID: next.ID})
	tran.expect(t, CommandHangup)

	require.Eventually(t, func() bool { return e.Sessions() == 0 }, time.Second, 5*time.Millisecond)
}

func TestEngineDigitDuringPlaybackIgnored(t *testing.T) {
	tran := newFakeTransport()
	startEngine(t, tran)

	tran.push(Event{Kind: EventSessionEntered, SessionID: "ch1", Mailbox: "100"})
	tran.expect(t, CommandAnswer)
	greeting := tran.expect(t, CommandPlay)

	// Digit while the greeting playback is outstanding must not preempt
	tran.push(Event{Kind: EventDtmfReceived, SessionID: "ch1", Digit: '5'})
	tran.expectNone(t)

	tran.push(Event{Kind: EventPlaybackFinished, SessionID: "ch1", CommandID: greeting.ID})
	instructions := tran.expect(t, CommandPlay)
	assert.Equal(t, DefaultSounds().Instructions, instructions.Media)
}

func TestEngineUnmappedDigitNoOp(t *testing.T) {
	tran := newFakeTransport()
	e := startEngine(t, tran)

	enterMenu(t, tran, "ch1", "100")

	tran.push(Event{Kind: EventDtmfReceived, SessionID: "ch1", Digit: '9'})
	tran.expectNone(t)
	assert.Equal(t, 1, e.Sessions(), "session stays in the menu")
}

func TestEngineDuplicateCompletionAfterRemoval(t *testing.T) {
	tran := newFakeTransport()
	e := startEngine(t, tran)

	enterMenu(t, tran, "ch1", "100")
	tran.push(Event{Kind: EventDtmfReceived, SessionID: "ch1", Digit: '6'})
	noMore := tran.expect(t, CommandPlay)
	tran.push(Event{Kind: EventPlaybackFinished, SessionID: "ch1", CommandID: noMore.ID})
	hangup := tran.expect(t, CommandHangup)
	require.Eventually(t, func() bool { return e.Sessions() == 0 }, time.Second, 5*time.Millisecond)

	// Transport redelivers completions for the torn down session
	tran.push(Event{Kind: EventCommandCompleted, SessionID: "ch1", CommandID: hangup.ID})
	tran.push(Event{Kind: EventPlaybackFinished, SessionID: "ch1", CommandID: noMore.ID})

	// Engine keeps serving new sessions
	tran.push(Event{Kind: EventSessionEntered, SessionID: "ch2", Mailbox: "101"})
	tran.expect(t, CommandAnswer)
	assert.Equal(t, 1, e.Sessions())
}

func TestEngineSubmitFailureTearsDownSession(t *testing.T) {
	tran := newFakeTransport()
	tran.sendErr[CommandAnswer] = errors.New("channel gone")
	e := startEngine(t, tran)

	tran.push(Event{Kind: EventSessionEntered, SessionID: "ch1", Mailbox: "100"})
	tran.expect(t, CommandAnswer)

	require.Eventually(t, func() bool { return e.Sessions() == 0 }, time.Second, 5*time.Millisecond)
	tran.expectNone(t)
}

func TestEngineTransportErrorFailsSession(t *testing.T) {
	tran := newFakeTransport()
	e := startEngine(t, tran)

	enterMenu(t, tran, "ch1", "100")
	require.Equal(t, 1, e.Sessions())

	tran.push(Event{Kind: EventTransportError, SessionID: "ch1", Err: ErrSessionEnded})
	require.Eventually(t, func() bool { return e.Sessions() == 0 }, time.Second, 5*time.Millisecond)
}

func TestEngineEventsForUnknownSessionDropped(t *testing.T) {
	tran := newFakeTransport()
	e := startEngine(t, tran)

	tran.push(Event{Kind: EventDtmfReceived, SessionID: "ghost", Digit: '5'})
	tran.push(Event{Kind: EventPlaybackFinished, SessionID: "ghost", CommandID: "nope"})

	// Engine is still healthy
	tran.push(Event{Kind: EventSessionEntered, SessionID: "ch1", Mailbox: "100"})
	tran.expect(t, CommandAnswer)
	assert.Equal(t, 1, e.Sessions())
}

func TestEngineDesyncCompletionFailsSession(t *testing.T) {
	tran := newFakeTransport()
	e := startEngine(t, tran)

	enterMenu(t, tran, "ch1", "100")
	require.Equal(t, 1, e.Sessions())

	// A completion the issuer never produced, for a live session
	tran.push(Event{Kind: EventCommandCompleted, SessionID: "ch1", CommandID: "never-issued"})
	require.Eventually(t, func() bool { return e.Sessions() == 0 }, time.Second, 5*time.Millisecond)
}

func TestEngineConcurrentSessions(t *testing.T) {
	tran := newFakeTransport()
	svc := mailbox.NewService(mailbox.NewMemoryStore())
	e := startEngine(t, tran, WithMailboxes(svc))

	const n = 10
	for i := 0; i < n; i++ {
		tran.push(Event{Kind: EventSessionEntered, SessionID: sessionID(i), Mailbox: "100"})
	}

	// All sessions answer and start greeting independently
	byID := make(map[string]Command)
	for i := 0; i < 2*n; i++ {
		select {
		case cmd := <-tran.sentCh:
			if cmd.Kind == CommandPlay {
				byID[cmd.SessionID] = cmd
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for session commands")
		}
	}
	require.Len(t, byID, n)
	assert.Equal(t, n, e.Sessions())
}

func sessionID(i int) string {
	return string(rune('a'+i)) + "-chan"
}
