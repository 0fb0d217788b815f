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

package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"

	"github.com/nocturne-ai/nocturne/pkg/notify"
	"github.com/nocturne-ai/nocturne/pkg/state"
	"github.com/nocturne-ai/nocturne/pkg/tool"
)

const maxSleepDuration = 86400 // seconds

// StatusSetter updates the agent's lifecycle status in the state store.
type StatusSetter interface {
	SetAgentStatus(status state.AgentStatus) error
}

// sleepEntry tracks one armed sleep timer.
type sleepEntry struct {
	sleepID   string
	cancel    chan struct{}
	startTime time.Time
}

// sleepRegistry is the process-local map of outstanding sleeps, at most one
// per agent. Starting a new sleep cancels the prior.
type sleepRegistry struct {
	mu     sync.Mutex
	active map[string]*sleepEntry
}

var sleeps = &sleepRegistry{active: make(map[string]*sleepEntry)}

func (r *sleepRegistry) arm(agentName, sleepID string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prior, ok := r.active[agentName]; ok {
		close(prior.cancel)
	}

	cancel := make(chan struct{})
	r.active[agentName] = &sleepEntry{
		sleepID:   sleepID,
		cancel:    cancel,
		startTime: time.Now(),
	}
	return cancel
}

// remove clears the entry only if it still belongs to sleepID; a newer
// sleep may have replaced it.
func (r *sleepRegistry) remove(agentName, sleepID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.active[agentName]; ok && entry.sleepID == sleepID {
		delete(r.active, agentName)
	}
}

func (r *sleepRegistry) cancel(agentName string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.active[agentName]
	if !ok {
		return ""
	}
	close(entry.cancel)
	delete(r.active, agentName)
	return entry.sleepID
}

// CancelSleep cancels the agent's outstanding sleep timer, if any. The
// canceled timer exits without emitting its wake notification. Returns the
// canceled sleep ID or "".
func CancelSleep(agentName string) string {
	return sleeps.cancel(agentName)
}

// IsSleeping reports whether the agent has an armed sleep timer.
func IsSleeping(agentName string) bool {
	sleeps.mu.Lock()
	defer sleeps.mu.Unlock()
	_, ok := sleeps.active[agentName]
	return ok
}

// SleepTool puts the agent into a true sleep state. The agent wakes when
// the duration expires (via a system_alert WAKE notification) or when any
// other notification arrives (which cancels the timer silently).
//
// This tool publishes NO result notification: a success result would land
// on the agent's own queue and wake it immediately.
type SleepTool struct {
	tool.Base
	status StatusSetter
}

type sleepArgs struct {
	Duration float64 `mapstructure:"duration"`
}

// NewSleepTool creates the sleep tool.
func NewSleepTool(status StatusSetter) *SleepTool {
	return &SleepTool{
		Base: tool.NewBase("sleep",
			"Puts the agent into sleep state until duration expires or a notification arrives"),
		status: status,
	}
}

func (t *SleepTool) Info() tool.Info {
	return tool.Info{
		Command:     "sleep",
		Description: t.Description(),
		Parameters: []tool.ParameterInfo{
			{Name: "duration", Type: "float", Description: "Sleep duration in seconds (max 86400)", Required: true},
		},
	}
}

func (t *SleepTool) IsAvailable(ctx tool.AvailabilityContext) bool {
	return true
}

func (t *SleepTool) Validate(args map[string]any) error {
	raw, ok := args["duration"]
	if !ok {
		return fmt.Errorf("missing required argument: 'duration' (in seconds)")
	}

	var parsed sleepArgs
	if err := mapstructure.WeakDecode(map[string]any{"duration": raw}, &parsed); err != nil {
		return fmt.Errorf("'duration' must be a number")
	}
	if parsed.Duration <= 0 {
		return fmt.Errorf("'duration' must be positive")
	}
	if parsed.Duration > maxSleepDuration {
		return fmt.Errorf("'duration' cannot exceed 24 hours (86400 seconds)")
	}
	return nil
}

func (t *SleepTool) Execute(ctx context.Context, args map[string]any) error {
	var parsed sleepArgs
	if err := mapstructure.WeakDecode(args, &parsed); err != nil {
		return fmt.Errorf("'duration' must be a number")
	}
	duration := time.Duration(parsed.Duration * float64(time.Second))
	sleepID := "sleep_" + uuid.New().String()[:8]

	if err := t.status.SetAgentStatus(state.StatusSleeping); err != nil {
		// Sleep still works without the status write; the loop will just
		// not short-circuit on the sleeping branch.
		slog.Error("failed to set sleeping status", "error", err)
	}

	cancel := sleeps.arm(t.AgentName, sleepID)

	go t.waitAndWake(sleepID, duration, cancel)

	slog.Info("agent entering sleep", "duration", duration, "sleep_id", sleepID)
	return nil
}

// waitAndWake waits out the sleep in a background goroutine. If the timer
// is canceled the goroutine exits without emitting anything.
func (t *SleepTool) waitAndWake(sleepID string, duration time.Duration, cancel <-chan struct{}) {
	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-cancel:
		slog.Debug("sleep canceled, no wake notification", "sleep_id", sleepID)
		return

	case <-timer.C:
		wake := &notify.Notification{
			NotificationID:   "wake_" + sleepID,
			Timestamp:        notify.Now(),
			RecipientAgentID: t.AgentName,
			Source:           "system",
			NotificationType: notify.TypeSystemAlert,
			Payload: map[string]any{
				"alert_type": "WAKE",
				"alert_name": "sleep_wake",
				"message":    fmt.Sprintf("Sleep completed after %s", duration),
				"sleep_id":   sleepID,
				"duration":   duration.Seconds(),
			},
		}

		if err := t.Publisher.PublishTo(context.Background(), t.QueueName, wake); err != nil {
			slog.Error("failed to send wake notification", "sleep_id", sleepID, "error", err)
		}
	}

	sleeps.remove(t.AgentName, sleepID)
}
