// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2025, Stasio Authors

package mailbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Service applies message count deltas with per mailbox serialization.
// Deltas for the same mailbox are applied one at a time in arrival order,
// distinct mailboxes never block each other. The new count is floored at
// zero: a decrement on an empty mailbox is absorbed, not stored negative.
type Service struct {
	store Store
	log   zerolog.Logger

	// retryDelay is waited before the single store retry
	retryDelay time.Duration

	mu      sync.Mutex
	entries map[string]*entry
}

// entry owns one mailbox. Its mutex is the per mailbox serialization point,
// counts are authoritative once loaded so a failed store write does not
// lose the delta for subsequent callers.
type entry struct {
	mu     sync.Mutex
	loaded bool
	counts Counts
}

type ServiceOption func(*Service)

func WithLogger(l zerolog.Logger) ServiceOption {
	return func(s *Service) {
		s.log = l
	}
}

func WithRetryDelay(d time.Duration) ServiceOption {
	return func(s *Service) {
		s.retryDelay = d
	}
}

func NewService(store Store, opts ...ServiceOption) *Service {
	s := &Service{
		store:      store,
		log:        log.Logger,
		retryDelay: 200 * time.Millisecond,
		entries:    make(map[string]*entry),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ApplyDelta adds delta to the mailbox's new message count and writes the
// result through to the store. The store write is retried once with backoff,
// a permanent failure is returned to the caller but the in memory counts
// keep the delta so later updates stay consistent.
func (s *Service) ApplyDelta(ctx context.Context, mailbox string, delta int) (newMessages, oldMessages int, err error) {
	e := s.entry(mailbox)

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.loaded {
		c, err := s.store.Load(ctx, mailbox)
		if err != nil {
			return 0, 0, fmt.Errorf("loading mailbox %q: %w", mailbox, err)
		}
		e.counts = c
		e.loaded = true
	}

	e.counts.New += delta
	if e.counts.New < 0 {
		e.counts.New = 0
	}

	if err := s.save(ctx, mailbox, e.counts); err != nil {
		return e.counts.New, e.counts.Old, fmt.Errorf("storing mailbox %q: %w", mailbox, err)
	}
	return e.counts.New, e.counts.Old, nil
}

// Counts returns the current counts without applying a delta.
func (s *Service) Counts(ctx context.Context, mailbox string) (Counts, error) {
	e := s.entry(mailbox)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.loaded {
		return e.counts, nil
	}
	return s.store.Load(ctx, mailbox)
}

func (s *Service) entry(mailbox string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[mailbox]
	if !ok {
		e = &entry{}
		s.entries[mailbox] = e
	}
	return e
}

func (s *Service) save(ctx context.Context, mailbox string, c Counts) error {
	err := s.store.Save(ctx, mailbox, c)
	if err == nil {
		return nil
	}
	s.log.Warn().Err(err).Str("mailbox", mailbox).Msg("Mailbox store write failed, retrying once")

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.retryDelay):
	}
	return s.store.Save(ctx, mailbox, c)
}
