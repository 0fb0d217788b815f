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

package context

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nocturne-ai/nocturne/pkg/llms"
	"github.com/nocturne-ai/nocturne/pkg/notify"
	"github.com/nocturne-ai/nocturne/pkg/state"
)

func TestBuildSystemMessageMirrorsOnChange(t *testing.T) {
	prompt := "prompt v1"
	var mirrored []string

	b := NewBuilder("weather_agent", 0,
		func() string { return prompt },
		func(content string) { mirrored = append(mirrored, content) },
		nil)

	// First resolution always syncs.
	msg := b.BuildSystemMessage()
	assert.Equal(t, llms.RoleSystem, msg.Role)
	assert.Equal(t, "prompt v1", msg.Text)
	require.Equal(t, []string{"prompt v1"}, mirrored)

	// Unchanged prompt does not re-mirror.
	b.BuildSystemMessage()
	assert.Len(t, mirrored, 1)

	// A change triggers the callback with the new content.
	prompt = "prompt v2"
	msg = b.BuildSystemMessage()
	assert.Equal(t, "prompt v2", msg.Text)
	require.Equal(t, []string{"prompt v1", "prompt v2"}, mirrored)
}

func TestBuildConversationShape(t *testing.T) {
	b := NewBuilder("weather_agent", 0, func() string { return "system prompt" }, nil, nil)

	existing := []state.Message{
		{Role: state.RoleSystem, Content: map[string]any{"text": "stale stored prompt"}},
		{Role: state.RoleUser, Content: map[string]any{"notifications": `[{"notification_type":"user_message"}]`}},
		{Role: state.RoleAssistant, Content: map[string]any{"thought": "t", "tool_calls": []any{}}},
	}
	notifications := []*notify.Notification{{
		NotificationID:   "n1",
		RecipientAgentID: "weather_agent",
		Source:           "api_gateway",
		NotificationType: notify.TypeUserMessage,
		Payload:          map[string]any{"content": "hi", "session_id": "s1"},
	}}

	messages := b.BuildConversation(existing, notifications, nil, nil)
	require.Len(t, messages, 4)

	// Fresh prompt replaces the stored system message.
	assert.Equal(t, llms.RoleSystem, messages[0].Role)
	assert.Equal(t, "system prompt", messages[0].Text)

	assert.Equal(t, llms.RoleUser, messages[1].Role)
	assert.Equal(t, llms.RoleAssistant, messages[2].Role)

	// New notifications ride in the final user message as a JSON array.
	last := messages[3]
	assert.Equal(t, llms.RoleUser, last.Role)
	var parsed []map[string]any
	require.NoError(t, json.Unmarshal([]byte(last.Text), &parsed))
	require.Len(t, parsed, 1)
	assert.Equal(t, "user_message", parsed[0]["notification_type"])
}

func TestBuildConversationAppendsMemories(t *testing.T) {
	b := NewBuilder("weather_agent", 0, func() string { return "p" }, nil, nil)

	memories := []ProvidedMemory{
		{Content: "User prefers Celsius", Datetime: "2024-01-01T00:00:00Z", Importance: 0.8},
	}
	messages := b.BuildConversation(nil, nil, memories, nil)
	require.Len(t, messages, 2)

	var content map[string]any
	require.NoError(t, json.Unmarshal([]byte(messages[1].Text), &content))
	assert.Equal(t, "proactive_memories", content["type"])
}

func TestBuildConversationAttachesPendingImages(t *testing.T) {
	b := NewBuilder("weather_agent", 0, func() string { return "p" }, nil, nil)

	notifications := []*notify.Notification{{
		NotificationType: notify.TypeUserMessage,
		Payload:          map[string]any{"content": "look at this"},
	}}
	pending := []llms.Image{{AttachmentID: "att1", ContentType: "image/png", Data: []byte{1, 2, 3}}}

	messages := b.BuildConversation(nil, notifications, nil, pending)
	last := messages[len(messages)-1]
	assert.Equal(t, llms.RoleUser, last.Role)
	require.Len(t, last.Images, 1)
	assert.Equal(t, "att1", last.Images[0].AttachmentID)
}

func TestTrimMessagesKeepsSystemAndUserFirst(t *testing.T) {
	b := NewBuilder("weather_agent", 4, func() string { return "p" }, nil, nil)

	existing := []state.Message{
		{Role: state.RoleUser, Content: map[string]any{"text": "u1"}},
		{Role: state.RoleAssistant, Content: map[string]any{"text": "a1"}},
		{Role: state.RoleUser, Content: map[string]any{"text": "u2"}},
		{Role: state.RoleAssistant, Content: map[string]any{"text": "a2"}},
		{Role: state.RoleUser, Content: map[string]any{"text": "u3"}},
		{Role: state.RoleAssistant, Content: map[string]any{"text": "a3"}},
	}

	messages := b.BuildConversation(existing, nil, nil, nil)
	require.LessOrEqual(t, len(messages), 4)
	assert.Equal(t, llms.RoleSystem, messages[0].Role)
	assert.Equal(t, llms.RoleUser, messages[1].Role)
}

func TestStripInlineImages(t *testing.T) {
	imageBytes := []byte("fake-png-bytes")
	b64 := base64.StdEncoding.EncodeToString(imageBytes)

	notifications := []map[string]any{{
		"notification_type": "user_message",
		"payload": map[string]any{
			"content": "what is in this picture?",
			"images": []any{map[string]any{
				"attachment_id": "att42",
				"content_type":  "image/jpeg",
				"base64_data":   b64,
			}},
		},
	}}
	raw, err := json.Marshal(notifications)
	require.NoError(t, err)

	cleaned, images := StripInlineImages(string(raw))

	require.Len(t, images, 1)
	assert.Equal(t, "att42", images[0].AttachmentID)
	assert.Equal(t, "image/jpeg", images[0].ContentType)
	assert.Equal(t, imageBytes, images[0].Data)

	// The cleaned text no longer carries the blob, only a metadata stub.
	assert.NotContains(t, cleaned, b64)
	assert.Contains(t, cleaned, "att42")
	assert.Contains(t, cleaned, "sent separately")
}

func TestStripInlineImagesPassthrough(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"plain text", "just words"},
		{"json object", `{"not": "a list"}`},
		{"notifications without images", `[{"notification_type":"user_message","payload":{"content":"hi"}}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cleaned, images := StripInlineImages(tt.text)
			assert.Empty(t, images)
			assert.Equal(t, tt.text, cleaned)
		})
	}
}
