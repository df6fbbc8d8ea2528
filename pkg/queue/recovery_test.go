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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecovererRunOnce(t *testing.T) {
	store := &fakeStore{
		orphans:       []*Message{{ID: "a"}, {ID: "b"}},
		restoreResult: true,
	}
	r := &Recoverer{
		Queue:     New(store, WithClock(&fakeClock{now: time.Unix(1000, 0)})),
		Threshold: 30 * time.Second,
	}

	restored, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, restored)
	assert.Contains(t, store.ops, "restore:a")
	assert.Contains(t, store.ops, "restore:b")
	// default batch cap applies when none is set
	assert.Equal(t, DefaultOrphanBatch, store.scanLimit)
}

func TestRecovererSkipsAlreadyMoved(t *testing.T) {
	store := &fakeStore{
		orphans:       []*Message{{ID: "a"}},
		restoreResult: false,
	}
	r := &Recoverer{
		Queue:     New(store),
		Threshold: time.Second,
		Batch:     10,
	}

	restored, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, restored)
	assert.Equal(t, 10, store.scanLimit)
}

func TestRecovererPropagatesUnsupported(t *testing.T) {
	store := &fakeStore{failing: ErrUnsupported}
	r := &Recoverer{Queue: New(store), Threshold: time.Second}

	_, err := r.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrUnsupported)
}
