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
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"nil", nil, false},
		{"transport unavailable", ErrTransportUnavailable, true},
		{"wrapped transport unavailable", fmt.Errorf("connect: %w", ErrTransportUnavailable), true},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"timeout keyword", errors.New("request timeout after 90s"), true},
		{"connection keyword", errors.New("Connection refused"), true},
		{"network keyword", errors.New("network is unreachable"), true},
		{"rate limit keyword", errors.New("429 Rate Limit exceeded"), true},
		{"temporary keyword", errors.New("temporary failure, service overloaded"), true},
		{"unavailable keyword", errors.New("backend unavailable"), true},
		{"parse error", errors.New("invalid JSON in response"), false},
		{"validation error", errors.New("missing required field"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.transient, IsTransient(tt.err))
		})
	}
}

func TestErrorNotifierCircuitBreaker(t *testing.T) {
	ch := newFakeChannel()
	f := testFabric(ch)
	e := NewErrorNotifier("weather_agent", f, nil)

	now := time.Now()
	e.now = func() time.Time { return now }

	for i := 0; i < 8; i++ {
		e.Send("llm_parse_error", "boom")
	}

	// At most 5 error notifications per 60s window.
	assert.Len(t, ch.queues["weather_agent_queue"], 5)

	// After the window expires the breaker resets.
	now = now.Add(61 * time.Second)
	e.Send("llm_parse_error", "boom again")
	assert.Len(t, ch.queues["weather_agent_queue"], 6)
}

func TestErrorNotificationShape(t *testing.T) {
	ch := newFakeChannel()
	f := testFabric(ch)
	e := NewErrorNotifier("weather_agent", f, nil)

	e.Send("tool_not_found", "no such tool")

	drained, err := f.Drain()
	assert.NoError(t, err)
	assert.Len(t, drained, 1)
	n := drained[0]
	assert.Equal(t, TypeErrorMessage, n.NotificationType)
	assert.Equal(t, "weather_agent", n.RecipientAgentID)
	assert.Equal(t, "system", n.Source)
	assert.Equal(t, "tool_not_found", n.PayloadString("error_type"))
	assert.Equal(t, "no such tool", n.PayloadString("error_message"))
}
