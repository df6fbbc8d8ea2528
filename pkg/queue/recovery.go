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
	"time"

	"github.com/go-logr/logr"
)

// DefaultOrphanBatch caps how many orphans one recovery cycle handles.
const DefaultOrphanBatch = 100

// Recoverer requeues work that was taken but never acknowledged. Each
// RunOnce call is one bounded cycle; the cadence belongs to the caller's
// scheduler.
type Recoverer struct {
	Queue *Queue

	// Threshold is the age, measured as in Queue.OrphanMessages, at which an
	// in-flight message counts as abandoned.
	Threshold time.Duration

	// Batch bounds the work per cycle. Zero means DefaultOrphanBatch.
	Batch int

	Log logr.Logger
}

// RunOnce scans for orphans and moves each back to the queued store,
// returning how many actually moved. A message that disappears between the
// scan and the move was claimed by someone else and is skipped.
func (r *Recoverer) RunOnce(ctx context.Context) (int, error) {
	limit := r.Batch
	if limit <= 0 {
		limit = DefaultOrphanBatch
	}
	orphans, err := r.Queue.OrphanMessages(ctx, r.Threshold, limit)
	if err != nil {
		return 0, err
	}
	restored := 0
	for _, m := range orphans {
		ok, err := r.Queue.Restore(ctx, m)
		if err != nil {
			return restored, err
		}
		if !ok {
			r.logger().V(1).Info("orphan already moved", "id", m.ID)
			continue
		}
		restored++
	}
	return restored, nil
}

func (r *Recoverer) logger() logr.Logger {
	if r.Log.GetSink() == nil {
		return logr.Discard()
	}
	return r.Log
}
