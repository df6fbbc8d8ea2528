/*
Copyright 2025 The UniMQ Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
)

// Option configures a Queue.
type Option func(*Queue)

// WithClock replaces the wall clock. Tests use this to control timestamps.
func WithClock(c Clock) Option {
	return func(q *Queue) { q.clock = c }
}

// WithLogger replaces the queue's logger.
func WithLogger(log logr.Logger) Option {
	return func(q *Queue) { q.log = log }
}

// WithIDGenerator replaces the generator used for messages submitted without
// an id.
func WithIDGenerator(g IDGenerator) Option {
	return func(q *Queue) { q.ids = g }
}

// WithName sets the backend name surfaced in errors and logs.
func WithName(name string) Option {
	return func(q *Queue) { q.name = name }
}

// Owned marks the store as owned by the queue: Close then tears the store
// down. A borrowed store (the default) survives the queue.
func Owned() Option {
	return func(q *Queue) { q.owned = true }
}

// Queue drives the queued / in-flight state machine over a backend Store.
// It is safe for concurrent use by multiple producers and consumers; it
// holds no cross-operation locks of its own and delegates atomicity to the
// store.
type Queue struct {
	store Store
	name  string
	clock Clock
	ids   IDGenerator
	log   logr.Logger
	owned bool
}

// New wraps a store in a queue engine.
func New(store Store, opts ...Option) *Queue {
	q := &Queue{
		store: store,
		name:  "queue",
		clock: SystemClock(),
		ids:   NewIDGenerator(),
		log:   logr.Discard(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Init prepares the underlying store.
func (q *Queue) Init(ctx context.Context) error {
	return q.wrap("init", q.store.Init(ctx))
}

// Close tears down the store when the queue owns it; borrowed stores are
// left to their owner.
func (q *Queue) Close() error {
	if !q.owned {
		return nil
	}
	return q.store.Close()
}

// Queue accepts a new message. The stored copy gets a zero requeue counter
// and both timestamps set to now; an empty id is replaced with a generated
// one. Returns false without error when a bounded store rejects the message.
func (q *Queue) Queue(ctx context.Context, m *Message) (bool, error) {
	if m == nil {
		return false, fmt.Errorf("%w: nil message", ErrConfiguration)
	}
	c := m.Clone()
	if c.ID == "" {
		c.ID = q.ids.NextID()
	}
	now := q.clock.Now()
	c.NumRequeues = 0
	c.OriginalTimestamp = now
	c.Timestamp = now
	ok, err := q.store.Push(ctx, c)
	return ok, q.wrap("queue", err)
}

// Requeue returns a taken message to the queued store, bumping its requeue
// counter and refreshing its timestamp.
func (q *Queue) Requeue(ctx context.Context, m *Message) (bool, error) {
	return q.requeue(ctx, m, false)
}

// RequeueSilent returns a taken message to the queued store without touching
// the counter or timestamp. Internal retry paths use it so a retried
// transition never counts as a redelivery.
func (q *Queue) RequeueSilent(ctx context.Context, m *Message) (bool, error) {
	return q.requeue(ctx, m, true)
}

func (q *Queue) requeue(ctx context.Context, m *Message, silent bool) (bool, error) {
	if m == nil {
		return false, fmt.Errorf("%w: nil message", ErrConfiguration)
	}
	c := m.Clone()
	// The in-flight record must be gone before the push, otherwise a
	// concurrent recovery scan can surface the id twice.
	if err := q.store.Unstash(ctx, c.ID); err != nil {
		return false, q.wrap("requeue", err)
	}
	if !silent {
		c.NumRequeues++
		c.Timestamp = q.clock.Now()
	}
	ok, err := q.store.Push(ctx, c)
	return ok, q.wrap("requeue", err)
}

// Take delivers the next queued message, recording it in-flight where the
// backend tracks that. A nil message means nothing is deliverable right now.
func (q *Queue) Take(ctx context.Context) (*Message, error) {
	m, err := q.store.Pop(ctx, q.clock.Now())
	if err != nil {
		return nil, q.wrap("take", err)
	}
	return m, nil
}

// Finish acknowledges a delivered message. Finishing an unknown or already
// finished id is a no-op.
func (q *Queue) Finish(ctx context.Context, m *Message) error {
	if m == nil {
		return nil
	}
	return q.wrap("finish", q.store.Unstash(ctx, m.ID))
}

// OrphanMessages lists in-flight messages whose recorded time is at least
// threshold old, capped at limit. The recorded time is the take time on the
// in-memory and key-value backends and the original enqueue time on the
// relational backend.
func (q *Queue) OrphanMessages(ctx context.Context, threshold time.Duration, limit int) ([]*Message, error) {
	cutoff := q.clock.Now().Add(-threshold)
	msgs, err := q.store.ScanOrphans(ctx, cutoff, limit)
	if err != nil {
		return nil, q.wrap("orphans", err)
	}
	return msgs, nil
}

// Restore moves an orphaned message from the ephemeral store back to the
// queued store. The counter and timestamps survive unchanged, so a restored
// message is indistinguishable from one that was never taken.
func (q *Queue) Restore(ctx context.Context, m *Message) (bool, error) {
	if m == nil {
		return false, nil
	}
	ok, err := q.store.Restore(ctx, m.ID)
	return ok, q.wrap("restore", err)
}

// QueueSize reports how many messages are queued, or SizeUnsupported when
// the backend cannot answer. Failures are logged, not surfaced.
func (q *Queue) QueueSize(ctx context.Context) int64 {
	n, err := q.store.QueuedCount(ctx)
	if err != nil {
		q.log.V(1).Info("queued count unavailable", "backend", q.name, "error", err.Error())
		return SizeUnsupported
	}
	return n
}

// EphemeralSize reports how many messages are in flight, or SizeUnsupported.
func (q *Queue) EphemeralSize(ctx context.Context) int64 {
	n, err := q.store.EphemeralCount(ctx)
	if err != nil {
		q.log.V(1).Info("ephemeral count unavailable", "backend", q.name, "error", err.Error())
		return SizeUnsupported
	}
	return n
}

func (q *Queue) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Backend: q.name, Op: op, Err: err}
}
