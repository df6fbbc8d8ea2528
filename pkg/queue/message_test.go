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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMessageClone(t *testing.T) {
	orig := &Message{
		ID:                "m-1",
		NumRequeues:       2,
		OriginalTimestamp: time.Unix(100, 0),
		Timestamp:         time.Unix(200, 0),
		Payload:           []byte("hello"),
		PartitionKey:      "p-1",
	}

	clone := orig.Clone()
	assert.Equal(t, orig, clone)

	// Mutations on the clone must not reach the original.
	clone.Payload[0] = 'H'
	clone.NumRequeues = 9
	assert.Equal(t, []byte("hello"), orig.Payload)
	assert.Equal(t, 2, orig.NumRequeues)
}

func TestMessageCloneNil(t *testing.T) {
	var m *Message
	assert.Nil(t, m.Clone())
}

func TestMessageRoutingKey(t *testing.T) {
	tests := []struct {
		name     string
		msg      Message
		expected string
	}{
		// partition key wins when present
		{"partition key set", Message{ID: "id-1", PartitionKey: "pk-1"}, "pk-1"},
		// id is the fallback
		{"no partition key", Message{ID: "id-1"}, "id-1"},
		{"empty message", Message{}, ""},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, test.msg.RoutingKey())
		})
	}
}

func TestJSONCodecRoundTrip(t *testing.T) {
	codec := JSONCodec{}
	m := &Message{
		ID:                "m-2",
		NumRequeues:       1,
		OriginalTimestamp: time.Unix(100, 0).UTC(),
		Timestamp:         time.Unix(200, 0).UTC(),
		Payload:           []byte{0x00, 0x01, 0xff},
	}

	data, err := codec.Encode(m)
	assert.NoError(t, err)

	decoded, err := codec.Decode(data)
	assert.NoError(t, err)
	assert.Equal(t, m, decoded)
}

func TestJSONCodecDecodeGarbage(t *testing.T) {
	codec := JSONCodec{}
	_, err := codec.Decode([]byte("{not json"))
	assert.Error(t, err)

	var serr *SerializationError
	assert.ErrorAs(t, err, &serr)
}

func TestNodeIDGenerator(t *testing.T) {
	gen := NewIDGenerator()
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		id := gen.NextID()
		assert.NotEmpty(t, id)
		assert.False(t, seen[id], "generated id %q twice", id)
		seen[id] = true
	}
}
