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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nocturne-ai/nocturne/pkg/notify"
	"github.com/nocturne-ai/nocturne/pkg/state"
)

// recordingPublisher captures every published notification.
type recordingPublisher struct {
	mu        sync.Mutex
	published []publishedMessage
}

type publishedMessage struct {
	queue string
	n     *notify.Notification
}

func (p *recordingPublisher) PublishTo(ctx context.Context, queue string, n *notify.Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, publishedMessage{queue: queue, n: n})
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func (p *recordingPublisher) last() publishedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.published[len(p.published)-1]
}

// fakeStatus records status writes.
type fakeStatus struct {
	mu       sync.Mutex
	statuses []state.AgentStatus
}

func (f *fakeStatus) SetAgentStatus(s state.AgentStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, s)
	return nil
}

func TestSleepValidation(t *testing.T) {
	tool := NewSleepTool(&fakeStatus{})

	tests := []struct {
		name    string
		args    map[string]any
		wantErr bool
	}{
		{"valid", map[string]any{"duration": 60.0}, false},
		{"valid int", map[string]any{"duration": 60}, false},
		{"valid numeric string", map[string]any{"duration": "90"}, false},
		{"missing", map[string]any{}, true},
		{"zero", map[string]any{"duration": 0.0}, true},
		{"negative", map[string]any{"duration": -5.0}, true},
		{"too long", map[string]any{"duration": 100000.0}, true},
		{"not a number", map[string]any{"duration": "soon"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tool.Validate(tt.args)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSleepPublishesNothing(t *testing.T) {
	pub := &recordingPublisher{}
	status := &fakeStatus{}
	tool := NewSleepTool(status)
	tool.Setup("weather_agent", "amqp://localhost", pub)

	err := tool.Execute(context.Background(), map[string]any{"duration": 60.0})
	require.NoError(t, err)
	defer CancelSleep("weather_agent")

	// The sleep tool must emit zero notifications: a success result would
	// immediately wake the agent.
	assert.Equal(t, 0, pub.count())
	assert.Equal(t, []state.AgentStatus{state.StatusSleeping}, status.statuses)
	assert.True(t, IsSleeping("weather_agent"))
}

func TestSleepTimerEmitsWakeNotification(t *testing.T) {
	pub := &recordingPublisher{}
	tool := NewSleepTool(&fakeStatus{})
	tool.Setup("weather_agent", "amqp://localhost", pub)

	require.NoError(t, tool.Execute(context.Background(), map[string]any{"duration": 0.02}))

	assert.Eventually(t, func() bool { return pub.count() == 1 }, time.Second, 5*time.Millisecond)

	msg := pub.last()
	assert.Equal(t, "weather_agent_queue", msg.queue)
	assert.Equal(t, notify.TypeSystemAlert, msg.n.NotificationType)
	assert.Equal(t, "WAKE", msg.n.PayloadString("alert_type"))
	assert.Eventually(t, func() bool { return !IsSleeping("weather_agent") }, time.Second, 5*time.Millisecond)
}

func TestCancelSleepSuppressesWake(t *testing.T) {
	pub := &recordingPublisher{}
	tool := NewSleepTool(&fakeStatus{})
	tool.Setup("weather_agent", "amqp://localhost", pub)

	require.NoError(t, tool.Execute(context.Background(), map[string]any{"duration": 0.05}))

	canceled := CancelSleep("weather_agent")
	assert.NotEmpty(t, canceled)
	assert.False(t, IsSleeping("weather_agent"))

	// Wait past the original deadline: the canceled timer must stay silent.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, pub.count())
}

func TestNewSleepReplacesPrior(t *testing.T) {
	pub := &recordingPublisher{}
	tool := NewSleepTool(&fakeStatus{})
	tool.Setup("weather_agent", "amqp://localhost", pub)

	require.NoError(t, tool.Execute(context.Background(), map[string]any{"duration": 0.05}))
	require.NoError(t, tool.Execute(context.Background(), map[string]any{"duration": 600.0}))
	defer CancelSleep("weather_agent")

	// The first timer was canceled by the second; past its deadline no
	// wake may fire, and the agent still has one outstanding sleep.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, pub.count())
	assert.True(t, IsSleeping("weather_agent"))
}

func TestCancelSleepWithoutActiveSleep(t *testing.T) {
	assert.Empty(t, CancelSleep("idle_agent"))
}
