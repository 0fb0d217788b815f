// Copyright 2025 Nocturne Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	errorWindow       = 60 * time.Second
	maxErrorsInWindow = 5
)

// ErrorNotifier posts error_message notifications onto the agent's own
// queue for audit, rate-limited by a circuit breaker so a failing cycle
// cannot feed itself an infinite error stream.
type ErrorNotifier struct {
	agentName string
	fabric    *Fabric
	log       *slog.Logger

	count       int
	windowStart time.Time
	now         func() time.Time
}

// NewErrorNotifier creates an error notifier bound to the agent's fabric.
func NewErrorNotifier(agentName string, fabric *Fabric, log *slog.Logger) *ErrorNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &ErrorNotifier{
		agentName:   agentName,
		fabric:      fabric,
		log:         log,
		windowStart: time.Now(),
		now:         time.Now,
	}
}

// Send enqueues an error notification unless the breaker has tripped.
// Failures to publish are logged, never propagated: an error notification
// about an error notification is how infinite loops start.
func (e *ErrorNotifier) Send(errorType, errorMessage string) {
	now := e.now()
	if now.Sub(e.windowStart) > errorWindow {
		e.count = 0
		e.windowStart = now
	}

	e.count++
	if e.count > maxErrorsInWindow {
		e.log.Error("error notification circuit breaker tripped",
			"count", e.count, "error_type", errorType, "error_message", errorMessage)
		return
	}

	n := &Notification{
		NotificationID:   fmt.Sprintf("error_%d", now.UnixMilli()),
		Timestamp:        Timestamp{now.UTC()},
		RecipientAgentID: e.agentName,
		Source:           "system",
		NotificationType: TypeErrorMessage,
		Payload: map[string]any{
			"error_type":    errorType,
			"error_message": errorMessage,
		},
	}

	if err := e.fabric.Publish(context.Background(), e.fabric.QueueName(), n); err != nil {
		e.log.Error("failed to send error notification", "error", err)
	}
}
