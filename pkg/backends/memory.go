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

package backends

import (
	"container/list"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"go.uber.org/atomic"

	"github.com/unimq/unimq/pkg/queue"
	"github.com/unimq/unimq/pkg/queue/queueconfig"
)

// Above this boundary the bounded queued buffer switches from a
// pre-allocated ring to a linked list, trading locality for not reserving
// the whole capacity up front.
const memoryArrayBoundaryMax = 1024

type memoryMetadata struct {
	// Boundary caps the queued store. Zero or negative means unbounded.
	Boundary int `queue:"name=boundary,order=settings,default=0"`

	// EphemeralDisabled turns off in-flight tracking: finish becomes a
	// no-op and orphan recovery is unsupported.
	EphemeralDisabled bool `queue:"name=ephemeralDisabled,order=settings,optional"`

	// EphemeralMaxSize caps the in-flight set; a saturated set makes Pop
	// report an empty queue until something is acknowledged.
	EphemeralMaxSize int `queue:"name=ephemeralMaxSize,order=settings,default=0"`
}

func parseMemoryMetadata(cfg *queueconfig.Config) (*memoryMetadata, error) {
	meta := &memoryMetadata{}
	if err := cfg.TypedConfig(meta); err != nil {
		return nil, fmt.Errorf("%w: %s", queue.ErrConfiguration, err.Error())
	}
	return meta, nil
}

// queuedBuffer is the FIFO holding queued message order. offer reports false
// on overflow instead of blocking.
type queuedBuffer interface {
	offer(m *queue.Message) bool
	poll() *queue.Message
	size() int
}

// sliceBuffer is the unbounded variant.
type sliceBuffer struct {
	items []*queue.Message
}

func (b *sliceBuffer) offer(m *queue.Message) bool {
	b.items = append(b.items, m)
	return true
}

func (b *sliceBuffer) poll() *queue.Message {
	if len(b.items) == 0 {
		return nil
	}
	m := b.items[0]
	b.items[0] = nil
	b.items = b.items[1:]
	if len(b.items) == 0 {
		b.items = nil
	}
	return m
}

func (b *sliceBuffer) size() int { return len(b.items) }

// ringBuffer is the array-backed bounded variant.
type ringBuffer struct {
	items []*queue.Message
	head  int
	count int
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{items: make([]*queue.Message, capacity)}
}

func (b *ringBuffer) offer(m *queue.Message) bool {
	if b.count == len(b.items) {
		return false
	}
	b.items[(b.head+b.count)%len(b.items)] = m
	b.count++
	return true
}

func (b *ringBuffer) poll() *queue.Message {
	if b.count == 0 {
		return nil
	}
	m := b.items[b.head]
	b.items[b.head] = nil
	b.head = (b.head + 1) % len(b.items)
	b.count--
	return m
}

func (b *ringBuffer) size() int { return b.count }

// listBuffer is the node-backed bounded variant used for large boundaries.
type listBuffer struct {
	items    *list.List
	capacity int
}

func newListBuffer(capacity int) *listBuffer {
	return &listBuffer{items: list.New(), capacity: capacity}
}

func (b *listBuffer) offer(m *queue.Message) bool {
	if b.items.Len() >= b.capacity {
		return false
	}
	b.items.PushBack(m)
	return true
}

func (b *listBuffer) poll() *queue.Message {
	front := b.items.Front()
	if front == nil {
		return nil
	}
	b.items.Remove(front)
	return front.Value.(*queue.Message)
}

func (b *listBuffer) size() int { return b.items.Len() }

type memoryEntry struct {
	msg     *queue.Message
	takenAt time.Time
}

// memoryStore keeps everything in process memory: a FIFO buffer for queued
// messages and an id-keyed map for in-flight ones. All access funnels
// through one mutex; operations never block on it beyond the map/buffer
// update itself.
type memoryStore struct {
	meta *memoryMetadata
	log  logr.Logger

	mu        sync.Mutex
	queued    queuedBuffer
	ephemeral map[string]memoryEntry

	closed atomic.Bool
}

func newMemoryStore(cfg *queueconfig.Config, log logr.Logger) (*memoryStore, error) {
	meta, err := parseMemoryMetadata(cfg)
	if err != nil {
		return nil, err
	}
	return &memoryStore{meta: meta, log: log}, nil
}

func (s *memoryStore) Init(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.meta.Boundary <= 0:
		s.queued = &sliceBuffer{}
	case s.meta.Boundary <= memoryArrayBoundaryMax:
		s.queued = newRingBuffer(s.meta.Boundary)
	default:
		s.queued = newListBuffer(s.meta.Boundary)
	}
	if !s.meta.EphemeralDisabled {
		s.ephemeral = make(map[string]memoryEntry)
	}
	s.closed.Store(false)
	return nil
}

func (s *memoryStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queued = nil
	s.ephemeral = nil
	return nil
}

func (s *memoryStore) Push(_ context.Context, m *queue.Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queued == nil {
		return false, fmt.Errorf("store is not initialized")
	}
	return s.queued.offer(m), nil
}

func (s *memoryStore) Pop(_ context.Context, takenAt time.Time) (*queue.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queued == nil {
		return nil, fmt.Errorf("store is not initialized")
	}
	if s.ephemeral != nil && s.meta.EphemeralMaxSize > 0 && len(s.ephemeral) >= s.meta.EphemeralMaxSize {
		// Backpressure: the in-flight set is full, deliver nothing until
		// consumers acknowledge.
		return nil, nil
	}
	m := s.queued.poll()
	if m == nil {
		return nil, nil
	}
	if s.ephemeral != nil {
		if _, dup := s.ephemeral[m.ID]; dup {
			s.log.Info("message already in flight, stash replaced", "id", m.ID)
		}
		s.ephemeral[m.ID] = memoryEntry{msg: m.Clone(), takenAt: takenAt}
	}
	return m, nil
}

func (s *memoryStore) Unstash(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ephemeral == nil {
		return nil
	}
	delete(s.ephemeral, id)
	return nil
}

func (s *memoryStore) QueuedCount(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queued == nil {
		return 0, nil
	}
	return int64(s.queued.size()), nil
}

func (s *memoryStore) EphemeralCount(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ephemeral == nil {
		return queue.SizeUnsupported, nil
	}
	return int64(len(s.ephemeral)), nil
}

func (s *memoryStore) ScanOrphans(_ context.Context, cutoff time.Time, limit int) ([]*queue.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ephemeral == nil {
		return nil, queue.ErrUnsupported
	}
	entries := make([]memoryEntry, 0, len(s.ephemeral))
	for _, e := range s.ephemeral {
		if e.takenAt.Before(cutoff) {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].takenAt.Before(entries[j].takenAt) })
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	orphans := make([]*queue.Message, 0, len(entries))
	for _, e := range entries {
		orphans = append(orphans, e.msg.Clone())
	}
	return orphans, nil
}

func (s *memoryStore) Restore(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ephemeral == nil {
		return false, queue.ErrUnsupported
	}
	e, ok := s.ephemeral[id]
	if !ok {
		return false, nil
	}
	if !s.queued.offer(e.msg.Clone()) {
		// Queued store is full; the entry stays in flight for a later
		// recovery cycle.
		return false, nil
	}
	delete(s.ephemeral, id)
	return true, nil
}
