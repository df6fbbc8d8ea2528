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

package queueconfig

// Config carries the string-map configuration a queue backend is built from.
// Values can live in plain settings, in resolved environment variables
// (indirected through a "<name>FromEnv" setting), or in an auth section kept
// apart so credentials never end up in plain settings dumps.
type Config struct {
	// QueueName names the queue instance; used in logs and errors.
	QueueName string

	// BackendType is the backend kind the builder resolves ("memory",
	// "redis", "postgres", "mysql", "kafka").
	BackendType string

	// Settings holds the per-backend options.
	Settings map[string]string

	// ResolvedEnv holds the environment visible to the queue, for settings
	// that point at it via "<name>FromEnv".
	ResolvedEnv map[string]string

	// AuthParams holds credentials: passwords, SASL settings, DSNs.
	AuthParams map[string]string
}
