// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, Stasio Authors

package stasio

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

var (
	// ErrCommandOutstanding is returned when a session tries to issue a
	// second command before the first one completed. The state machine
	// maintains this invariant by construction, hitting it means a bug.
	ErrCommandOutstanding = errors.New("session already has an outstanding command")

	// ErrCommandDesync flags a completion event that cannot be correlated
	// to any issued command.
	ErrCommandDesync = errors.New("completion does not match any outstanding command")
)

type pendingCommand struct {
	id   string
	kind CommandKind
}

// commandIssuer submits commands to the transport and tracks pending ones so
// inbound completions can be routed back to the owning session.
//
// Submission runs on its own goroutine: the session goroutine never blocks
// on network IO. For commands the server acknowledges inline (answer,
// hangup, delete) a CommandCompleted event is synthesized once Send returns.
// For play and record only a failed submit synthesizes one, success is
// reported by the transport's own finished events. Either way every
// asynchronous outcome reaches the state machine through the same path.
type commandIssuer struct {
	tran    Transport
	deliver func(Event)
	log     zerolog.Logger

	mu      sync.Mutex
	pending map[string]string // command id -> session id
}

func newCommandIssuer(tran Transport, deliver func(Event), log zerolog.Logger) *commandIssuer {
	return &commandIssuer{
		tran:    tran,
		deliver: deliver,
		log:     log,
		pending: make(map[string]string),
	}
}

// issue submits cmd on behalf of s. The at-most-one-outstanding invariant is
// checked here so it is observable in tests through the returned error.
func (ci *commandIssuer) issue(ctx context.Context, s *Session, cmd Command) error {
	if s.pending != nil {
		return ErrCommandOutstanding
	}

	ci.mu.Lock()
	ci.pending[cmd.ID] = cmd.SessionID
	ci.mu.Unlock()

	s.pending = &pendingCommand{id: cmd.ID, kind: cmd.Kind}

	go ci.submit(ctx, cmd)
	return nil
}

func (ci *commandIssuer) submit(ctx context.Context, cmd Command) {
	err := ci.tran.Send(ctx, cmd)
	if err != nil {
		ci.log.Error().Err(err).
			Str("session_id", cmd.SessionID).
			Str("command_id", cmd.ID).
			Stringer("kind", cmd.Kind).
			Msg("Command submit failed")
	}

	switch cmd.Kind {
	case CommandPlay, CommandRecord:
		// Completion comes from the event stream unless submit failed
		if err == nil {
			return
		}
	}

	ci.deliver(Event{
		Kind:      EventCommandCompleted,
		SessionID: cmd.SessionID,
		CommandID: cmd.ID,
		Err:       err,
	})
}

// resolve maps a completion event back to its session without clearing it.
func (ci *commandIssuer) resolve(commandID string) (sessionID string, ok bool) {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	sessionID, ok = ci.pending[commandID]
	return sessionID, ok
}

func (ci *commandIssuer) forget(commandID string) {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	delete(ci.pending, commandID)
}
