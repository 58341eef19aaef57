// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, Stasio Authors

package stasio

import "fmt"

// EventKind tags the inbound event union. Every event the engine consumes,
// whether read from the transport or synthesized by the command issuer, is
// one of these.
type EventKind int

const (
	// EventSessionEntered is delivered when a channel enters the application.
	EventSessionEntered EventKind = iota
	// EventDtmfReceived carries a single keypad digit.
	EventDtmfReceived
	// EventPlaybackFinished completes an outstanding play command.
	EventPlaybackFinished
	// EventRecordingFinished completes an outstanding record command.
	EventRecordingFinished
	// EventCommandCompleted completes answer, hangup and delete commands,
	// or any command that failed on submit.
	EventCommandCompleted
	// EventTransportError forces the session into teardown.
	EventTransportError
)

func (k EventKind) String() string {
	switch k {
	case EventSessionEntered:
		return "session_entered"
	case EventDtmfReceived:
		return "dtmf_received"
	case EventPlaybackFinished:
		return "playback_finished"
	case EventRecordingFinished:
		return "recording_finished"
	case EventCommandCompleted:
		return "command_completed"
	case EventTransportError:
		return "transport_error"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is the tagged union dispatched by the engine. SessionID is always
// set by the transport. CommandID is set on completion style events and
// correlates back to an issued command.
type Event struct {
	Kind      EventKind
	SessionID string
	CommandID string

	// Mailbox is set on EventSessionEntered
	Mailbox string

	// Digit is set on EventDtmfReceived
	Digit rune

	// Err is set on failed EventCommandCompleted and on EventTransportError
	Err error
}

// CommandKind enumerates outbound actions requested of the transport.
type CommandKind int

const (
	CommandAnswer CommandKind = iota
	CommandPlay
	CommandRecord
	CommandDeleteRecording
	CommandHangup
)

func (k CommandKind) String() string {
	switch k {
	case CommandAnswer:
		return "answer"
	case CommandPlay:
		return "play"
	case CommandRecord:
		return "record"
	case CommandDeleteRecording:
		return "delete_recording"
	case CommandHangup:
		return "hangup"
	}
	return fmt.Sprintf("command(%d)", int(k))
}

// Command is an asynchronous request sent to the transport. ID is chosen by
// the issuer so completion events can be correlated without transport help.
type Command struct {
	ID        string
	Kind      CommandKind
	SessionID string

	// Media is the URI to play for CommandPlay, ex "sound:vm-intro" or
	// "recording:<name>"
	Media string

	// Recording is the stored recording name for CommandRecord and
	// CommandDeleteRecording
	Recording string
}
