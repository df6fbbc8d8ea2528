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
	"fmt"

	"github.com/unimq/unimq/pkg/queue"
	"github.com/unimq/unimq/pkg/queue/queueconfig"
)

// Build resolves the configured backend type into a ready queue engine. The
// queue owns its store: closing the queue tears the backend down. Call Init
// on the returned queue before use.
func Build(cfg *queueconfig.Config, opts ...queue.Option) (*queue.Queue, error) {
	logger := queue.DefaultLogger("unimq").WithValues("queue", cfg.QueueName, "backend", cfg.BackendType)

	var store queue.Store
	var err error
	switch cfg.BackendType {
	case "memory":
		store, err = newMemoryStore(cfg, logger)
	case "redis":
		store, err = newRedisStore(cfg, logger)
	case "postgres":
		store, err = newSQLStore(cfg, sqlFlavorPostgres, logger)
	case "mysql":
		store, err = newSQLStore(cfg, sqlFlavorMySQL, logger)
	case "kafka":
		store, err = newKafkaStore(cfg, logger)
	default:
		err = fmt.Errorf("%w: unknown backend type %q", queue.ErrConfiguration, cfg.BackendType)
	}
	if err != nil {
		return nil, err
	}

	options := append([]queue.Option{
		queue.WithName(cfg.BackendType),
		queue.WithLogger(logger),
		queue.Owned(),
	}, opts...)
	return queue.New(store, options...), nil
}
