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

import "time"

// Message is the unit of work handed through a queue. The engine only ever
// mutates clones it owns, so a caller's reference stays untouched across
// every transition.
type Message struct {
	// ID identifies the message. When Queue is given an empty ID, the copy
	// it stores gets a generated one; the caller's message keeps its empty
	// ID.
	ID string `json:"id"`

	// NumRequeues counts visible redeliveries. Silent requeues leave it
	// unchanged.
	NumRequeues int `json:"numRequeues"`

	// OriginalTimestamp is assigned exactly once, when the message first
	// enters the queue.
	OriginalTimestamp time.Time `json:"orgTimestamp"`

	// Timestamp tracks the most recent queue or requeue transition.
	Timestamp time.Time `json:"timestamp"`

	// Payload is opaque to the queue. Its wire form belongs to the Codec.
	Payload []byte `json:"payload"`

	// PartitionKey overrides ID for partition routing on backends that
	// shard. Empty means route by ID.
	PartitionKey string `json:"partitionKey,omitempty"`
}

// Clone returns a caller-independent copy, payload included.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.Payload != nil {
		c.Payload = make([]byte, len(m.Payload))
		copy(c.Payload, m.Payload)
	}
	return &c
}

// RoutingKey returns the token used for partition routing: the partition key
// when the message carries one, the id otherwise.
func (m *Message) RoutingKey() string {
	if m.PartitionKey != "" {
		return m.PartitionKey
	}
	return m.ID
}
