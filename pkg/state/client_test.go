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

package state

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeKeyFile(t *testing.T, key string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "internal_api_key")
	require.NoError(t, os.WriteFile(path, []byte(key+"\n"), 0o600))
	return path
}

func newTestClient(t *testing.T, handler http.Handler, key string) (*Client, string) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	keyPath := writeKeyFile(t, key)
	client, err := NewClient("weather_agent", server.URL, keyPath, nil)
	require.NoError(t, err)
	return client, keyPath
}

func TestProcessingStateRoundTrip(t *testing.T) {
	current := StateIdle

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/agents/weather_agent/processing-state", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode(map[string]any{"processing_state": current})
		case http.MethodPut:
			var body struct {
				ProcessingState ProcessingState `json:"processing_state"`
			}
			json.NewDecoder(r.Body).Decode(&body)
			current = body.ProcessingState
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("{}"))
		}
	})

	client, _ := newTestClient(t, mux, "secret")

	got, err := client.GetProcessingState()
	require.NoError(t, err)
	assert.Equal(t, StateIdle, got)

	require.NoError(t, client.SetProcessingState(StateThinking))
	got, err = client.GetProcessingState()
	require.NoError(t, err)
	assert.Equal(t, StateThinking, got)
}

func TestInternalKeyHeaderSent(t *testing.T) {
	var seenKey string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/agents/weather_agent/status", func(w http.ResponseWriter, r *http.Request) {
		seenKey = r.Header.Get("X-Internal-Key")
		json.NewEncoder(w).Encode(map[string]any{"status": StatusActive})
	})

	client, _ := newTestClient(t, mux, "secret-key")

	_, err := client.GetAgentStatus()
	require.NoError(t, err)
	assert.Equal(t, "secret-key", seenKey)
}

func TestUnauthorizedReloadsKeyOnce(t *testing.T) {
	var attempts []string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/agents/weather_agent/status", func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Internal-Key")
		attempts = append(attempts, key)
		if key != "rotated" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"status": StatusActive})
	})

	client, keyPath := newTestClient(t, mux, "stale")

	// Rotate the key on disk; the client still holds the stale one.
	require.NoError(t, os.WriteFile(keyPath, []byte("rotated"), 0o600))

	status, err := client.GetAgentStatus()
	require.NoError(t, err)
	assert.Equal(t, StatusActive, status)
	assert.Equal(t, []string{"stale", "rotated"}, attempts)
}

func TestUnauthorizedFailsAfterSingleRetry(t *testing.T) {
	calls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/agents/weather_agent/status", func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	})

	client, _ := newTestClient(t, mux, "never-accepted")

	_, err := client.GetAgentStatus()
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, 2, calls)
}

func TestAppendMessage(t *testing.T) {
	var received map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/transcript/append", func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&received)
		w.Write([]byte("{}"))
	})

	client, _ := newTestClient(t, mux, "k")

	err := client.AppendMessage(RoleUser, map[string]any{"notifications": "[]"}, nil)
	require.NoError(t, err)

	assert.Equal(t, "weather_agent", received["agent_id"])
	message := received["message"].(map[string]any)
	assert.Equal(t, "user", message["role"])
	assert.Equal(t, []any{}, message["documents"])
}

func TestGetMessageHistory(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/transcript/weather_agent", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		assert.Equal(t, "0", r.URL.Query().Get("offset"))
		json.NewEncoder(w).Encode(map[string]any{
			"messages": []map[string]any{
				{"role": "system", "content": map[string]any{"text": "p"}},
				{"role": "user", "content": map[string]any{"notifications": "[]"}},
			},
		})
	})

	client, _ := newTestClient(t, mux, "k")

	messages, err := client.GetMessageHistory(5, 0)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, RoleSystem, messages[0].Role)
	assert.Equal(t, RoleUser, messages[1].Role)
}

func TestGetFullPromptContent(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/system-prompts/agents/weather_agent/active", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ActivePrompt{
			Content:       "main body",
			SectionIDs:    []string{"sec_b", "sec_a"},
			ToolsPosition: "start",
			Version:       3,
		})
	})
	mux.HandleFunc("/api/v1/system-prompts/sections", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]PromptSection{
			{SectionID: "sec_a", Content: "section A", DisplayOrder: 1},
			{SectionID: "sec_b", Content: "section B", DisplayOrder: 2},
			{SectionID: "sec_other", Content: "unrelated", DisplayOrder: 0},
		})
	})

	client, _ := newTestClient(t, mux, "k")

	prompt, err := client.GetFullPromptContent()
	require.NoError(t, err)

	// Sections expand in display_order, then the main body.
	assert.Equal(t, "section A\n\nsection B\n\nmain body", prompt.FullContent)
	assert.Equal(t, "start", prompt.ToolsPosition)
	assert.Equal(t, 3, prompt.Version)
	assert.NotContains(t, prompt.FullContent, "unrelated")
}

func TestLoadInternalKeyRetries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing_key")

	_, err := loadInternalKey(path, 2, time.Millisecond)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("  the-key  \n"), 0o600))
	key, err := loadInternalKey(path, 2, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "the-key", key)
}
