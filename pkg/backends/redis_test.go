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
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unimq/unimq/pkg/queue"
	"github.com/unimq/unimq/pkg/queue/queueconfig"
)

var testRedisResolvedEnv = map[string]string{
	"REDIS_HOST":     "localhost:6379",
	"REDIS_PASSWORD": "secret",
}

type parseRedisMetadataTestData struct {
	settings   map[string]string
	authParams map[string]string
	isError    bool
}

var testRedisMetadata = []parseRedisMetadataTestData{
	// nothing passed
	{map[string]string{}, map[string]string{}, true},
	// address in settings
	{map[string]string{"address": "localhost:6379"}, map[string]string{}, false},
	// hostPort alias
	{map[string]string{"hostPort": "localhost:6379"}, map[string]string{}, false},
	// address via environment
	{map[string]string{"addressFromEnv": "REDIS_HOST"}, map[string]string{}, false},
	// address in authParams with password
	{map[string]string{}, map[string]string{"address": "localhost:6379", "password": "secret"}, false},
	// malformed pool size
	{map[string]string{"address": "localhost:6379", "poolSize": "lots"}, map[string]string{}, true},
	// malformed database index
	{map[string]string{"address": "localhost:6379", "databaseIndex": "x"}, map[string]string{}, true},
}

func TestRedisParseMetadata(t *testing.T) {
	for i, testData := range testRedisMetadata {
		_, err := newRedisStore(&queueconfig.Config{
			Settings:    testData.settings,
			ResolvedEnv: testRedisResolvedEnv,
			AuthParams:  testData.authParams,
		}, logr.Discard())
		if testData.isError {
			assert.Errorf(t, err, "test case %d expected error", i)
		} else {
			assert.NoErrorf(t, err, "test case %d expected success", i)
		}
	}
}

func TestRedisMetadataDefaults(t *testing.T) {
	store, err := newRedisStore(&queueconfig.Config{
		Settings: map[string]string{"address": "localhost:6379"},
	}, logr.Discard())
	require.NoError(t, err)
	assert.Equal(t, "queue_h", store.meta.HashName)
	assert.Equal(t, "queue_l", store.meta.ListName)
	assert.Equal(t, "queue_s", store.meta.SortedSetName)
	assert.Equal(t, 32, store.meta.PoolSize)
	assert.Equal(t, 10*time.Second, store.meta.WaitTimeout)
}

func newRedisQueue(t *testing.T, clock queue.Clock) (*queue.Queue, *redisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := newRedisStore(&queueconfig.Config{
		Settings: map[string]string{"address": mr.Addr(), "poolIdle": "0"},
	}, logr.Discard())
	require.NoError(t, err)

	q := queue.New(store, queue.WithName("redis"), queue.WithClock(clock), queue.Owned())
	require.NoError(t, q.Init(context.Background()))
	t.Cleanup(func() { q.Close() })
	return q, store, mr
}

func TestRedisRoundtrip(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: time.Unix(1000, 0)}
	q, store, mr := newRedisQueue(t, clock)

	ok, err := q.Queue(ctx, &queue.Message{ID: "1", Payload: []byte("A")})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), q.QueueSize(ctx))

	m, err := q.Take(ctx)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "1", m.ID)
	assert.Equal(t, []byte("A"), m.Payload)
	assert.Equal(t, 0, m.NumRequeues)

	// the id moved from the list into the sorted set
	assert.Equal(t, int64(0), q.QueueSize(ctx))
	assert.Equal(t, int64(1), q.EphemeralSize(ctx))

	require.NoError(t, q.Finish(ctx, m))
	assert.Equal(t, int64(0), q.EphemeralSize(ctx))
	assert.False(t, mr.Exists(store.meta.HashName))

	next, err := q.Take(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestRedisFIFO(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newRedisQueue(t, &testClock{now: time.Unix(1000, 0)})

	for _, id := range []string{"a", "b", "c"} {
		_, err := q.Queue(ctx, &queue.Message{ID: id})
		require.NoError(t, err)
	}
	for _, id := range []string{"a", "b", "c"} {
		m, err := q.Take(ctx)
		require.NoError(t, err)
		require.NotNil(t, m)
		assert.Equal(t, id, m.ID)
	}
}

func TestRedisRequeueCounter(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: time.Unix(1000, 0)}
	q, _, _ := newRedisQueue(t, clock)

	_, err := q.Queue(ctx, &queue.Message{ID: "2"})
	require.NoError(t, err)

	m1, err := q.Take(ctx)
	require.NoError(t, err)
	require.NotNil(t, m1)

	_, err = q.Requeue(ctx, m1)
	require.NoError(t, err)

	m2, err := q.Take(ctx)
	require.NoError(t, err)
	require.NotNil(t, m2)
	assert.Equal(t, 1, m2.NumRequeues)

	_, err = q.RequeueSilent(ctx, m2)
	require.NoError(t, err)

	m3, err := q.Take(ctx)
	require.NoError(t, err)
	require.NotNil(t, m3)
	assert.Equal(t, 1, m3.NumRequeues)
}

func TestRedisOrphanRecovery(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: time.Unix(1000, 0)}
	q, _, _ := newRedisQueue(t, clock)

	_, err := q.Queue(ctx, &queue.Message{ID: "3", Payload: []byte("x")})
	require.NoError(t, err)

	m1, err := q.Take(ctx)
	require.NoError(t, err)
	require.NotNil(t, m1)

	orphans, err := q.OrphanMessages(ctx, 10*time.Second, 100)
	require.NoError(t, err)
	assert.Empty(t, orphans)

	clock.advance(11 * time.Second)
	orphans, err = q.OrphanMessages(ctx, 10*time.Second, 100)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, "3", orphans[0].ID)

	ok, err := q.Restore(ctx, orphans[0])
	require.NoError(t, err)
	assert.True(t, ok)

	// nothing left in flight after the restore
	ok, err = q.Restore(ctx, orphans[0])
	require.NoError(t, err)
	assert.False(t, ok)

	back, err := q.Take(ctx)
	require.NoError(t, err)
	require.NotNil(t, back)
	assert.Equal(t, "3", back.ID)
	assert.Equal(t, 0, back.NumRequeues)
}

func TestRedisGeneratedIDs(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newRedisQueue(t, &testClock{now: time.Unix(1000, 0)})

	_, err := q.Queue(ctx, &queue.Message{Payload: []byte("no id")})
	require.NoError(t, err)

	m, err := q.Take(ctx)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.NotEmpty(t, m.ID)
}
