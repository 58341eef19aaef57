// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, Stasio Authors

package stasio

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SessionState is the explicit encoding of the voicemail interaction
// protocol. Transitions are driven only by inbound events, every state with
// work in flight has exactly one outstanding command.
type SessionState int

const (
	StateEntering SessionState = iota
	StateGreeting
	StateAwaitingDigit
	StateRecording
	StateSavingAnnounce
	StatePlayingBack
	StateDeletingAndAdvancing
	// Terminal states. Reaching one removes the session from the registry.
	StateHungup
	StateFailed
)

func (s SessionState) String() string {
	switch s {
	case StateEntering:
		return "entering"
	case StateGreeting:
		return "greeting"
	case StateAwaitingDigit:
		return "awaiting_digit"
	case StateRecording:
		return "recording"
	case StateSavingAnnounce:
		return "saving_announce"
	case StatePlayingBack:
		return "playing_back"
	case StateDeletingAndAdvancing:
		return "deleting_and_advancing"
	case StateHungup:
		return "hungup"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s SessionState) terminal() bool {
	return s == StateHungup || s == StateFailed
}

// DigitRecord and DigitPlayback are the two menu digits the interaction
// understands. Anything else in AwaitingDigit is an explicit no-op.
const (
	DigitRecord   = '5'
	DigitPlayback = '6'
)

// ErrSessionEnded is reported by transports when the far end leaves the
// application while the session is still active.
var ErrSessionEnded = errors.New("channel left the application")

// Session is one active call leg. It is created by the registry on the
// entering event and owned by a single goroutine, so none of its fields
// need locking. All mutation happens inside handle.
type Session struct {
	ID      string
	Mailbox string

	engine *Engine
	log    zerolog.Logger

	state   SessionState
	pending *pendingCommand

	// greeted flips once the greeting playback finished and the
	// instructions playback is the one in flight
	greeted bool

	// current is the stored recording being played back, nil when the
	// store had none left
	current *StoredRecording

	// delta tracks this session's net message count contribution. May go
	// negative on the delete path before the floor is applied by the
	// mailbox service.
	delta int

	events chan Event
	done   chan struct{}
}

func newSession(e *Engine, id, mailbox string) *Session {
	return &Session{
		ID:      id,
		Mailbox: mailbox,
		engine:  e,
		log:     e.log.With().Str("session_id", id).Str("mailbox", mailbox).Logger(),
		state:   StateEntering,
		events:  make(chan Event, e.queueSize),
		done:    make(chan struct{}),
	}
}

// deliver hands an event to the session without ever blocking the ingress
// path. A full queue means the session is wedged, dropping is the only safe
// option and is loud.
func (s *Session) deliver(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.log.Error().Stringer("event", ev.Kind).Msg("Session queue full, dropping event")
	}
}

// run is the session's single writer loop. Events are processed in delivery
// order until a terminal state is reached.
func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	defer s.teardown()

	for {
		select {
		case <-ctx.Done():
			s.state = StateFailed
			return
		case ev := <-s.events:
			s.handle(ctx, ev)
			if s.state.terminal() {
				return
			}
		}
	}
}

// teardown removes the session from the registry and discards any command
// still in flight. A completion arriving after this point finds no session
// and is dropped by the ingress, not errored.
func (s *Session) teardown() {
	if s.pending != nil {
		s.engine.issuer.forget(s.pending.id)
		s.pending = nil
	}
	s.engine.registry.remove(s.ID)
	s.log.Debug().Stringer("state", s.state).Msg("Session removed")
}

func (s *Session) handle(ctx context.Context, ev Event) {
	switch ev.Kind {
	case EventTransportError:
		s.fail(ev.Err)
		return

	case EventSessionEntered:
		if s.state != StateEntering {
			s.log.Warn().Msg("Duplicate entering event ignored")
			return
		}
		if s.issue(ctx, Command{Kind: CommandAnswer}) {
			s.state = StateGreeting
		}
		return

	case EventDtmfReceived:
		// Digits arriving mid playback must not preempt the command in
		// flight, the engine issues exactly one command at a time.
		if s.state != StateAwaitingDigit {
			s.log.Debug().Str("digit", string(ev.Digit)).Stringer("state", s.state).Msg("Digit outside menu ignored")
			return
		}
		s.handleDigit(ctx, ev.Digit)
		return
	}

	// Everything below is a completion of the outstanding command
	if ev.Kind == EventCommandCompleted && ev.Err != nil {
		s.fail(ev.Err)
		return
	}

	if s.pending == nil || s.pending.id != ev.CommandID {
		s.log.Error().
			Str("command_id", ev.CommandID).
			Stringer("event", ev.Kind).
			Msg("Completion does not correlate with outstanding command")
		s.fail(ErrCommandDesync)
		return
	}
	kind := s.pending.kind
	s.engine.issuer.forget(s.pending.id)
	s.pending = nil

	s.handleCompletion(ctx, ev.Kind, kind)
}

func (s *Session) handleCompletion(ctx context.Context, ev EventKind, completed CommandKind) {
	switch s.state {
	case StateGreeting:
		switch {
		case completed == CommandAnswer:
			s.play(ctx, s.engine.sounds.Greeting)
		case completed == CommandPlay && ev == EventPlaybackFinished && !s.greeted:
			s.greeted = true
			s.play(ctx, s.engine.sounds.Instructions)
		case completed == CommandPlay && ev == EventPlaybackFinished:
			s.state = StateAwaitingDigit
		default:
			s.unexpected(ev, completed)
		}

	case StateRecording:
		if completed != CommandRecord || ev != EventRecordingFinished {
			s.unexpected(ev, completed)
			return
		}
		s.delta++
		s.applyMailboxDelta(ctx, +1)
		if s.play(ctx, s.engine.sounds.Saved) {
			s.state = StateSavingAnnounce
		}

	case StateSavingAnnounce:
		if completed != CommandPlay || ev != EventPlaybackFinished {
			s.unexpected(ev, completed)
			return
		}
		s.hangup(ctx)

	case StatePlayingBack:
		if completed != CommandPlay || ev != EventPlaybackFinished {
			s.unexpected(ev, completed)
			return
		}
		if s.current == nil {
			// "no more messages" announcement finished
			s.hangup(ctx)
			return
		}
		if s.issue(ctx, Command{Kind: CommandDeleteRecording, Recording: s.current.ID}) {
			s.state = StateDeletingAndAdvancing
		}

	case StateDeletingAndAdvancing:
		switch {
		case completed == CommandDeleteRecording && ev == EventCommandCompleted:
			s.delta--
			s.applyMailboxDelta(ctx, -1)
			s.play(ctx, s.engine.sounds.Instructions)
		case completed == CommandPlay && ev == EventPlaybackFinished:
			// Interaction ends after a single playback cycle
			s.hangup(ctx)
		default:
			s.unexpected(ev, completed)
		}

	default:
		s.unexpected(ev, completed)
	}
}

func (s *Session) handleDigit(ctx context.Context, digit rune) {
	switch digit {
	case DigitRecord:
		name := fmt.Sprintf("%s-%s", s.Mailbox, uuid.NewString())
		if s.issue(ctx, Command{ID: name, Kind: CommandRecord, Recording: name}) {
			s.state = StateRecording
		}

	case DigitPlayback:
		recs, err := s.engine.listRecordings(ctx, s.Mailbox)
		if err != nil {
			s.fail(fmt.Errorf("listing stored recordings: %w", err))
			return
		}
		if len(recs) == 0 {
			s.current = nil
			if s.play(ctx, s.engine.sounds.NoMore) {
				s.state = StatePlayingBack
			}
			return
		}
		last := recs[len(recs)-1]
		s.current = &last
		if s.play(ctx, "recording:"+last.ID) {
			s.state = StatePlayingBack
		}

	default:
		s.log.Debug().Str("digit", string(digit)).Msg("Unmapped digit ignored")
	}
}

func (s *Session) play(ctx context.Context, media string) bool {
	return s.issue(ctx, Command{Kind: CommandPlay, Media: media})
}

func (s *Session) hangup(ctx context.Context) {
	if s.issue(ctx, Command{Kind: CommandHangup}) {
		s.state = StateHungup
	}
}

func (s *Session) issue(ctx context.Context, cmd Command) bool {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	cmd.SessionID = s.ID
	if err := s.engine.issuer.issue(ctx, s, cmd); err != nil {
		s.fail(err)
		return false
	}
	s.log.Debug().Stringer("kind", cmd.Kind).Str("command_id", cmd.ID).Msg("Command issued")
	return true
}

func (s *Session) applyMailboxDelta(ctx context.Context, delta int) {
	newCount, oldCount, err := s.engine.mailboxes.ApplyDelta(ctx, s.Mailbox, delta)
	if err != nil {
		// Call leg UX takes priority over count accuracy, keep going
		s.log.Error().Err(err).Int("delta", delta).Msg("Mailbox update failed")
		return
	}
	s.log.Info().Int("new", newCount).Int("old", oldCount).Msg("Mailbox counts updated")
}

func (s *Session) unexpected(ev EventKind, completed CommandKind) {
	s.fail(fmt.Errorf("unexpected %s completing %s in state %s", ev, completed, s.state))
}

func (s *Session) fail(err error) {
	s.log.Error().Err(err).Stringer("state", s.state).Msg("Session failed")
	s.state = StateFailed
}
