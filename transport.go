// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, Stasio Authors

package stasio

import (
	"context"
	"time"
)

// Transport is the narrow interface over the call control server. It is the
// only way the engine talks to the outside: an inbound event stream and an
// outbound command submitter.
//
// Send must be synchronous on the submit path. A nil return means the server
// accepted the command, not that it completed. Completion arrives either as
// a PlaybackFinished/RecordingFinished event from the stream, or is
// synthesized by the issuer once Send returns for commands the server
// acknowledges inline (answer, hangup, delete).
type Transport interface {
	// Events connects the inbound stream. The returned channel is closed
	// when the stream ends. Events for a single session are delivered in
	// transport order, the engine does not reorder them.
	Events(ctx context.Context) (<-chan Event, error)

	Send(ctx context.Context, cmd Command) error
}

// StoredRecording describes a recording kept by an external store. The
// engine references recordings by ID only, it never owns the bytes.
type StoredRecording struct {
	ID       string
	Mailbox  string
	Format   string
	Duration time.Duration
	StoredAt time.Time
}

// RecordingStore lists stored recordings for a mailbox, most recent last.
// Deletion goes through the transport as a command so its completion is
// observable like any other.
type RecordingStore interface {
	List(ctx context.Context, mailbox string) ([]StoredRecording, error)
}

// MailboxService serializes message count updates per mailbox. Implemented
// by the mailbox package.
type MailboxService interface {
	// ApplyDelta adds delta to the new message count, floored at zero,
	// and returns the resulting new/old counts.
	ApplyDelta(ctx context.Context, mailbox string, delta int) (newMessages, oldMessages int, err error)
}
