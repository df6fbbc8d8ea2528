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
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

type fixedIDs struct {
	next string
}

func (g *fixedIDs) NextID() string { return g.next }

// fakeStore records the operations the engine runs against the port.
type fakeStore struct {
	ops       []string
	pushed    []*Message
	unstashed []string

	popResult  *Message
	popTakenAt time.Time

	scanCutoff time.Time
	scanLimit  int
	orphans    []*Message

	restoreResult bool

	countQueued    int64
	countEphemeral int64

	failing error
	closed  bool
}

func (s *fakeStore) Init(context.Context) error { s.ops = append(s.ops, "init"); return s.failing }

func (s *fakeStore) Close() error { s.closed = true; return nil }

func (s *fakeStore) Push(_ context.Context, m *Message) (bool, error) {
	s.ops = append(s.ops, "push")
	if s.failing != nil {
		return false, s.failing
	}
	s.pushed = append(s.pushed, m)
	return true, nil
}

func (s *fakeStore) Pop(_ context.Context, takenAt time.Time) (*Message, error) {
	s.ops = append(s.ops, "pop")
	s.popTakenAt = takenAt
	return s.popResult, s.failing
}

func (s *fakeStore) Unstash(_ context.Context, id string) error {
	s.ops = append(s.ops, "unstash")
	if s.failing != nil {
		return s.failing
	}
	s.unstashed = append(s.unstashed, id)
	return nil
}

func (s *fakeStore) QueuedCount(context.Context) (int64, error) {
	return s.countQueued, s.failing
}

func (s *fakeStore) EphemeralCount(context.Context) (int64, error) {
	return s.countEphemeral, s.failing
}

func (s *fakeStore) ScanOrphans(_ context.Context, cutoff time.Time, limit int) ([]*Message, error) {
	s.scanCutoff = cutoff
	s.scanLimit = limit
	return s.orphans, s.failing
}

func (s *fakeStore) Restore(_ context.Context, id string) (bool, error) {
	s.ops = append(s.ops, "restore:"+id)
	return s.restoreResult, s.failing
}

func TestQueueStampsNewMessages(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	store := &fakeStore{}
	q := New(store, WithClock(clock), WithIDGenerator(&fixedIDs{next: "gen-1"}))

	caller := &Message{Payload: []byte("work"), NumRequeues: 7, Timestamp: time.Unix(1, 0)}
	ok, err := q.Queue(context.Background(), caller)
	require.NoError(t, err)
	assert.True(t, ok)

	require.Len(t, store.pushed, 1)
	stored := store.pushed[0]
	assert.Equal(t, "gen-1", stored.ID)
	assert.Equal(t, 0, stored.NumRequeues)
	assert.Equal(t, clock.now, stored.OriginalTimestamp)
	assert.Equal(t, clock.now, stored.Timestamp)

	// The caller's reference stays untouched.
	assert.Empty(t, caller.ID)
	assert.Equal(t, 7, caller.NumRequeues)
}

func TestQueueKeepsProvidedID(t *testing.T) {
	store := &fakeStore{}
	q := New(store, WithClock(&fakeClock{now: time.Unix(1000, 0)}))

	_, err := q.Queue(context.Background(), &Message{ID: "mine"})
	require.NoError(t, err)
	require.Len(t, store.pushed, 1)
	assert.Equal(t, "mine", store.pushed[0].ID)
}

func TestQueueCloneIsolation(t *testing.T) {
	store := &fakeStore{}
	q := New(store, WithClock(&fakeClock{now: time.Unix(1000, 0)}))

	caller := &Message{ID: "m", Payload: []byte("abc")}
	_, err := q.Queue(context.Background(), caller)
	require.NoError(t, err)

	caller.Payload[0] = 'Z'
	assert.Equal(t, []byte("abc"), store.pushed[0].Payload)
}

func TestRequeueUnstashesBeforePush(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	store := &fakeStore{}
	q := New(store, WithClock(clock))

	taken := &Message{ID: "m", NumRequeues: 0, Timestamp: time.Unix(500, 0)}
	ok, err := q.Requeue(context.Background(), taken)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, []string{"unstash", "push"}, store.ops)
	assert.Equal(t, []string{"m"}, store.unstashed)
	require.Len(t, store.pushed, 1)
	assert.Equal(t, 1, store.pushed[0].NumRequeues)
	assert.Equal(t, clock.now, store.pushed[0].Timestamp)
	// visible requeue never rewrites the original timestamp
	assert.Equal(t, taken.OriginalTimestamp, store.pushed[0].OriginalTimestamp)
}

func TestRequeueSilentPreservesCounterAndTimestamp(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	store := &fakeStore{}
	q := New(store, WithClock(clock))

	taken := &Message{ID: "m", NumRequeues: 3, Timestamp: time.Unix(500, 0)}
	ok, err := q.RequeueSilent(context.Background(), taken)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, []string{"unstash", "push"}, store.ops)
	require.Len(t, store.pushed, 1)
	assert.Equal(t, 3, store.pushed[0].NumRequeues)
	assert.Equal(t, time.Unix(500, 0), store.pushed[0].Timestamp)
}

func TestTakePassesTakeTime(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	store := &fakeStore{popResult: &Message{ID: "m"}}
	q := New(store, WithClock(clock))

	m, err := q.Take(context.Background())
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "m", m.ID)
	assert.Equal(t, clock.now, store.popTakenAt)
}

func TestTakeEmpty(t *testing.T) {
	q := New(&fakeStore{})
	m, err := q.Take(context.Background())
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestFinishUnstashes(t *testing.T) {
	store := &fakeStore{}
	q := New(store)

	require.NoError(t, q.Finish(context.Background(), &Message{ID: "m"}))
	assert.Equal(t, []string{"m"}, store.unstashed)

	// finishing twice, or finishing nil, is a no-op
	require.NoError(t, q.Finish(context.Background(), &Message{ID: "m"}))
	require.NoError(t, q.Finish(context.Background(), nil))
}

func TestOrphanMessagesComputesCutoff(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	store := &fakeStore{orphans: []*Message{{ID: "a"}, {ID: "b"}}}
	q := New(store, WithClock(clock))

	msgs, err := q.OrphanMessages(context.Background(), 10*time.Second, 50)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
	assert.Equal(t, time.Unix(990, 0), store.scanCutoff)
	assert.Equal(t, 50, store.scanLimit)
}

func TestRestore(t *testing.T) {
	store := &fakeStore{restoreResult: true}
	q := New(store)

	ok, err := q.Restore(context.Background(), &Message{ID: "m"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"restore:m"}, store.ops)
}

func TestSizeQueriesSwallowErrors(t *testing.T) {
	store := &fakeStore{failing: fmt.Errorf("backend down")}
	q := New(store)

	assert.Equal(t, SizeUnsupported, q.QueueSize(context.Background()))
	assert.Equal(t, SizeUnsupported, q.EphemeralSize(context.Background()))
}

func TestErrorsWrappedWithOperation(t *testing.T) {
	cause := fmt.Errorf("boom")
	store := &fakeStore{failing: cause}
	q := New(store, WithName("relational"))

	_, err := q.Queue(context.Background(), &Message{ID: "m"})
	require.Error(t, err)

	var opErr *OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "relational", opErr.Backend)
	assert.Equal(t, "queue", opErr.Op)
	assert.ErrorIs(t, err, cause)
}

func TestUnsupportedStaysRecognizable(t *testing.T) {
	store := &fakeStore{failing: ErrUnsupported}
	q := New(store, WithName("kafka"))

	_, err := q.OrphanMessages(context.Background(), time.Second, 10)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestCloseOwnership(t *testing.T) {
	borrowed := &fakeStore{}
	q := New(borrowed)
	require.NoError(t, q.Close())
	assert.False(t, borrowed.closed)

	owned := &fakeStore{}
	q = New(owned, Owned())
	require.NoError(t, q.Close())
	assert.True(t, owned.closed)
}

func TestQueueNilMessage(t *testing.T) {
	q := New(&fakeStore{})
	_, err := q.Queue(context.Background(), nil)
	assert.True(t, errors.Is(err, ErrConfiguration))

	_, err = q.Requeue(context.Background(), nil)
	assert.True(t, errors.Is(err, ErrConfiguration))
}
