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

import "github.com/google/uuid"

// IDGenerator synthesizes ids for messages submitted without one. Generated
// ids must keep collision odds negligible across a cluster.
type IDGenerator interface {
	NextID() string
}

// nodeIDGenerator issues time-ordered UUIDs seeded with the machine's node
// identifier.
type nodeIDGenerator struct{}

func (nodeIDGenerator) NextID() string {
	id, err := uuid.NewUUID()
	if err != nil {
		// No usable node identifier on this host; random ids carry the
		// same collision guarantee.
		return uuid.NewString()
	}
	return id.String()
}

// NewIDGenerator returns the default per-instance id generator.
func NewIDGenerator() IDGenerator { return nodeIDGenerator{} }
