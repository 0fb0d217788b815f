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

// Package notify implements the notification fabric: durable per-agent
// queues with manual acknowledgement, bounded retry, and dead-letter
// semantics on top of RabbitMQ.
package notify

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Type identifies the intent of a notification.
type Type string

const (
	TypeUserMessage       Type = "user_message"
	TypeAgentMessage      Type = "agent_message"
	TypeToolResult        Type = "tool_result"
	TypeIncomingCall      Type = "incoming_call"
	TypeCallAnswered      Type = "call_answered"
	TypeCallTransferred   Type = "call_transferred"
	TypeAlarmTriggered    Type = "alarm_triggered"
	TypeTimerExpired      Type = "timer_expired"
	TypeSleepTimerExpired Type = "sleep_timer_expired"
	TypeErrorMessage      Type = "error_message"
	TypeSystemAlert       Type = "system_alert"
)

// Timestamp is a wall-clock instant that tolerates both RFC3339 strings and
// Unix epoch numbers on the wire. It always marshals as RFC3339 UTC.
type Timestamp struct {
	time.Time
}

// Now returns the current UTC instant.
func Now() Timestamp {
	return Timestamp{time.Now().UTC()}
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(time.RFC3339))
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, perr := time.Parse(time.RFC3339, s)
		if perr != nil {
			return fmt.Errorf("invalid timestamp %q: %w", s, perr)
		}
		t.Time = parsed
		return nil
	}

	var epoch float64
	if err := json.Unmarshal(data, &epoch); err == nil {
		sec := int64(epoch)
		nsec := int64((epoch - float64(sec)) * float64(time.Second))
		t.Time = time.Unix(sec, nsec).UTC()
		return nil
	}

	return fmt.Errorf("invalid timestamp: %s", strconv.Quote(string(data)))
}

// Notification is a durable message exchanged on an agent queue.
//
// DeliveryTag and RetryCount are transport bookkeeping: the tag is set when
// the message is received and is never serialized; the retry count rides the
// body so it survives a requeue.
type Notification struct {
	NotificationID   string         `json:"notification_id"`
	Timestamp        Timestamp      `json:"timestamp"`
	RecipientAgentID string         `json:"recipient_agent_id"`
	Source           string         `json:"source"`
	NotificationType Type           `json:"notification_type"`
	Payload          map[string]any `json:"payload"`

	RetryCount  int    `json:"_retry_count,omitempty"`
	DeliveryTag uint64 `json:"-"`
}

// PayloadString returns a string payload field, or "" when absent.
func (n *Notification) PayloadString(key string) string {
	if n.Payload == nil {
		return ""
	}
	s, _ := n.Payload[key].(string)
	return s
}

// PayloadBool returns a bool payload field, or false when absent.
func (n *Notification) PayloadBool(key string) bool {
	if n.Payload == nil {
		return false
	}
	b, _ := n.Payload[key].(bool)
	return b
}

// ToolResultPayload digs the tool-result fields out of a tool_result
// notification payload. Returns ok=false for other notification types.
func (n *Notification) ToolResultPayload() (toolName, status string, result map[string]any, ok bool) {
	if n.NotificationType != TypeToolResult || n.Payload == nil {
		return "", "", nil, false
	}
	toolName, _ = n.Payload["tool_name"].(string)
	status, _ = n.Payload["status"].(string)
	result, _ = n.Payload["result"].(map[string]any)
	return toolName, status, result, true
}
