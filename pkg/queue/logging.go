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
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
)

// DefaultLogger builds the zap-backed logger used when a caller does not
// supply one.
func DefaultLogger(name string) logr.Logger {
	zl, err := zap.NewProduction()
	if err != nil {
		return logr.Discard()
	}
	return zapr.NewLogger(zl).WithName(name)
}
