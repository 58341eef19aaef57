// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, Stasio Authors

package stasio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/arivoip/stasio/mailbox"
)

// ErrStreamClosed is returned by Serve when the transport event stream ends
// without the context being canceled.
var ErrStreamClosed = errors.New("transport event stream closed")

// SoundSet names the announcements played during the interaction. The
// defaults match the stock Asterisk voicemail prompts, deployments override
// them per language.
type SoundSet struct {
	// Greeting is played right after answering
	Greeting string
	// Instructions explains the record/playback menu
	Instructions string
	// Saved confirms a stored message
	Saved string
	// NoMore announces an empty mailbox on the playback path
	NoMore string
}

func DefaultSounds() SoundSet {
	return SoundSet{
		Greeting:     "sound:vm-intro",
		Instructions: "sound:vm-next",
		Saved:        "sound:vm-msgsaved",
		NoMore:       "sound:vm-nomore",
	}
}

// Engine converts the unordered-by-channel event stream of a call control
// server into per-call state machines. It owns the session registry and the
// command issuer, the mailbox counter service is the only cross session
// shared state and lives behind MailboxService.
type Engine struct {
	tran       Transport
	mailboxes  MailboxService
	recordings RecordingStore
	sounds     SoundSet
	log        zerolog.Logger
	queueSize  int

	registry *sessionRegistry
	issuer   *commandIssuer

	wg sync.WaitGroup

	// synthetic holds issuer generated completions until the serve loop
	// picks them up, so they flow through the same dispatch path as
	// transport events
	synthetic chan Event
}

type EngineOption func(e *Engine)

func WithLogger(l zerolog.Logger) EngineOption {
	return func(e *Engine) {
		e.log = l
	}
}

func WithMailboxes(m MailboxService) EngineOption {
	return func(e *Engine) {
		e.mailboxes = m
	}
}

func WithRecordings(r RecordingStore) EngineOption {
	return func(e *Engine) {
		e.recordings = r
	}
}

func WithSounds(s SoundSet) EngineOption {
	return func(e *Engine) {
		e.sounds = s
	}
}

// WithSessionQueueSize sizes the per session event buffer. The default of 8
// covers the deepest legal command/completion interleaving with room for
// stray digits.
func WithSessionQueueSize(n int) EngineOption {
	return func(e *Engine) {
		e.queueSize = n
	}
}

// NewEngine constructs the engine over a transport. Without options it logs
// through the global zerolog logger and keeps mailbox counts in memory.
func NewEngine(tran Transport, opts ...EngineOption) *Engine {
	e := &Engine{
		tran:      tran,
		mailboxes: mailbox.NewService(mailbox.NewMemoryStore()),
		sounds:    DefaultSounds(),
		log:       log.Logger,
		queueSize: 8,
		registry:  newSessionRegistry(),
		synthetic: make(chan Event, 64),
	}
	for _, o := range opts {
		o(e)
	}
	e.issuer = newCommandIssuer(tran, e.deliverSynthetic, e.log)
	return e
}

// Serve connects the event stream and dispatches until the context is done
// or the stream closes. Sessions still active at shutdown are forced into
// teardown and drained.
func (e *Engine) Serve(ctx context.Context) error {
	events, err := e.tran.Events(ctx)
	if err != nil {
		return fmt.Errorf("connecting event stream: %w", err)
	}
	e.log.Info().Msg("Engine serving")

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			e.shutdown(ctx.Err())
			return ctx.Err()
		case ev := <-e.synthetic:
			e.dispatch(sctx, ev)
		case ev, ok := <-events:
			if !ok {
				e.shutdown(ErrStreamClosed)
				return ErrStreamClosed
			}
			e.dispatch(sctx, ev)
		}
	}
}

func (e *Engine) deliverSynthetic(ev Event) {
	select {
	case e.synthetic <- ev:
	default:
		e.log.Error().Stringer("event", ev.Kind).Msg("Synthetic event queue full, dropping")
	}
}

// dispatch routes one event to its session. It never blocks and never runs
// business logic itself.
func (e *Engine) dispatch(ctx context.Context, ev Event) {
	switch ev.Kind {
	case EventSessionEntered:
		s, created := e.registry.getOrCreate(ev.SessionID, func() *Session {
			return newSession(e, ev.SessionID, ev.Mailbox)
		})
		if created {
			e.log.Info().Str("session_id", ev.SessionID).Str("mailbox", ev.Mailbox).Msg("Session created")
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				s.run(ctx)
			}()
		}
		s.deliver(ev)

	case EventDtmfReceived:
		s := e.registry.load(ev.SessionID)
		if s == nil {
			e.log.Warn().Str("session_id", ev.SessionID).Msg("Digit for unknown session dropped")
			return
		}
		s.deliver(ev)

	case EventCommandCompleted, EventPlaybackFinished, EventRecordingFinished:
		e.dispatchCompletion(ev)

	case EventTransportError:
		if ev.SessionID == "" {
			for _, s := range e.registry.all() {
				s.deliver(ev)
			}
			return
		}
		s := e.registry.load(ev.SessionID)
		if s == nil {
			e.log.Warn().Str("session_id", ev.SessionID).Msg("Transport error for unknown session dropped")
			return
		}
		s.deliver(ev)

	default:
		e.log.Warn().Stringer("event", ev.Kind).Msg("Unhandled event kind dropped")
	}
}

func (e *Engine) dispatchCompletion(ev Event) {
	sessionID, correlated := e.issuer.resolve(ev.CommandID)
	if !correlated {
		sessionID = ev.SessionID
	}

	s := e.registry.load(sessionID)
	if s == nil {
		// Late or duplicate completion for a finished session. Expected
		// after hangup, never an error.
		e.log.Debug().
			Str("session_id", sessionID).
			Str("command_id", ev.CommandID).
			Msg("Completion for removed session discarded")
		return
	}

	if !correlated && ev.Kind == EventCommandCompleted {
		// A live session received a completion we never issued. That is a
		// protocol desync with the server, reported loudly rather than
		// retried.
		e.log.Error().
			Str("session_id", sessionID).
			Str("command_id", ev.CommandID).
			Msg("Uncorrelatable command completion, protocol desync")
		s.deliver(Event{Kind: EventTransportError, SessionID: sessionID, Err: ErrCommandDesync})
		return
	}

	s.deliver(ev)
}

func (e *Engine) listRecordings(ctx context.Context, mbox string) ([]StoredRecording, error) {
	if e.recordings == nil {
		return nil, nil
	}
	return e.recordings.List(ctx, mbox)
}

// Sessions reports the number of active sessions.
func (e *Engine) Sessions() int {
	return e.registry.len()
}

func (e *Engine) shutdown(cause error) {
	sessions := e.registry.all()
	if len(sessions) > 0 {
		e.log.Info().Int("sessions", len(sessions)).Msg("Tearing down active sessions")
	}
	for _, s := range sessions {
		s.deliver(Event{Kind: EventTransportError, SessionID: s.ID, Err: cause})
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		e.log.Error().Msg("Session drain timed out")
	}
}
