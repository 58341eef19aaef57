// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, Stasio Authors

// Package mailbox serializes message waiting counts shared across
// concurrent call legs.
package mailbox

import (
	"context"
	"sync"
)

// Counts is the new/old message pair signaled to a mailbox.
type Counts struct {
	New int
	Old int
}

// Store persists counts per mailbox. Implementations do not need their own
// locking, the service serializes access per mailbox.
type Store interface {
	// Load returns the stored counts, zero counts when the mailbox was
	// never seen.
	Load(ctx context.Context, mailbox string) (Counts, error)
	Save(ctx context.Context, mailbox string, c Counts) error
}

// MemoryStore keeps counts in process. Good enough for a single engine
// instance, use the redis store when multiple processes share mailboxes.
type MemoryStore struct {
	mu     sync.Mutex
	counts map[string]Counts
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counts: make(map[string]Counts)}
}

func (m *MemoryStore) Load(ctx context.Context, mailbox string) (Counts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[mailbox], nil
}

func (m *MemoryStore) Save(ctx context.Context, mailbox string, c Counts) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[mailbox] = c
	return nil
}
