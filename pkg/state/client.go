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
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nocturne-ai/nocturne/pkg/httpclient"
)

// ErrUnauthorized is returned when the gateway rejects the internal key
// even after one reload-and-retry.
var ErrUnauthorized = errors.New("state store authentication failed")

const requestTimeout = 10 * time.Second

// Client talks to the state store through the API gateway. All requests
// carry the X-Internal-Key header; a 401 triggers one key reload from the
// shared path followed by a single retry.
type Client struct {
	agentName string
	baseURL   string
	keyPath   string
	http      *httpclient.Client
	log       *slog.Logger

	mu  sync.RWMutex
	key string
}

// NewClient creates a state store client for the named agent. The internal
// key is loaded eagerly with bounded retry.
func NewClient(agentName, baseURL, keyPath string, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}

	key, err := LoadInternalKey(keyPath)
	if err != nil {
		return nil, err
	}

	return &Client{
		agentName: agentName,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		keyPath:   keyPath,
		key:       key,
		log:       log,
		http: httpclient.New(
			httpclient.WithTimeout(requestTimeout),
			httpclient.WithMaxRetries(2),
		),
	}, nil
}

// SetKey replaces the cached internal key (used by the key watcher).
func (c *Client) SetKey(key string) {
	c.mu.Lock()
	c.key = key
	c.mu.Unlock()
}

func (c *Client) currentKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.key
}

func (c *Client) reloadKey() bool {
	key, err := loadInternalKey(c.keyPath, 3, time.Second)
	if err != nil {
		c.log.Error("failed to reload internal API key", "error", err)
		return false
	}
	c.SetKey(key)
	return true
}

// request performs one gateway call, decoding the JSON response into out
// (which may be nil). On 401 it reloads the key once and retries once.
func (c *Client) request(method, endpoint string, body, out any) error {
	return c.doRequest(method, endpoint, body, out, true)
}

func (c *Client) doRequest(method, endpoint string, body, out any, retryAuth bool) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+endpoint, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Internal-Key", c.currentKey())

	resp, err := c.http.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return fmt.Errorf("state store request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil

	case resp.StatusCode == http.StatusUnauthorized && retryAuth:
		c.log.Warn("state store returned 401, reloading internal API key")
		if !c.reloadKey() {
			return ErrUnauthorized
		}
		return c.doRequest(method, endpoint, body, out, false)

	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized

	default:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("state store request failed: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
}

// GetProcessingState reads the agent's current processing state.
func (c *Client) GetProcessingState() (ProcessingState, error) {
	var resp struct {
		ProcessingState ProcessingState `json:"processing_state"`
	}
	endpoint := fmt.Sprintf("/api/v1/agents/%s/processing-state", c.agentName)
	if err := c.request(http.MethodGet, endpoint, nil, &resp); err != nil {
		return "", err
	}
	return resp.ProcessingState, nil
}

// SetProcessingState writes the agent's processing state.
func (c *Client) SetProcessingState(state ProcessingState) error {
	endpoint := fmt.Sprintf("/api/v1/agents/%s/processing-state", c.agentName)
	return c.request(http.MethodPut, endpoint, map[string]any{"processing_state": state}, nil)
}

// GetAgentStatus reads the agent's lifecycle status.
func (c *Client) GetAgentStatus() (AgentStatus, error) {
	var resp struct {
		Status AgentStatus `json:"status"`
	}
	endpoint := fmt.Sprintf("/api/v1/agents/%s/status", c.agentName)
	if err := c.request(http.MethodGet, endpoint, nil, &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

// SetAgentStatus writes the agent's lifecycle status.
func (c *Client) SetAgentStatus(status AgentStatus) error {
	endpoint := fmt.Sprintf("/api/v1/agents/%s/status", c.agentName)
	return c.request(http.MethodPut, endpoint, map[string]any{"status": status}, nil)
}

// GetAgentState reads the full agent state record.
func (c *Client) GetAgentState() (*AgentState, error) {
	var resp AgentState
	endpoint := fmt.Sprintf("/api/v1/agents/%s/state", c.agentName)
	if err := c.request(http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UpdateAgentMetadata merge-patches the agent's metadata.
func (c *Client) UpdateAgentMetadata(patch map[string]any) error {
	endpoint := fmt.Sprintf("/api/v1/agents/%s/metadata", c.agentName)
	return c.request(http.MethodPut, endpoint, patch, nil)
}

// GetMessageHistory reads a transcript page, ordered ascending by
// insertion.
func (c *Client) GetMessageHistory(limit, offset int) ([]Message, error) {
	var resp struct {
		Messages []Message `json:"messages"`
	}
	endpoint := fmt.Sprintf("/api/v1/transcript/%s?limit=%d&offset=%d", c.agentName, limit, offset)
	if err := c.request(http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// AppendMessage atomically appends one message to the transcript and
// increments total_messages.
func (c *Client) AppendMessage(role Role, content map[string]any, documents []string) error {
	if documents == nil {
		documents = []string{}
	}
	body := map[string]any{
		"agent_id": c.agentName,
		"message": map[string]any{
			"role":      role,
			"content":   content,
			"documents": documents,
		},
	}
	return c.request(http.MethodPost, "/api/v1/transcript/append", body, nil)
}

// UpdateSystemPrompt replaces the transcript's first system message only.
// Idempotent for identical content.
func (c *Client) UpdateSystemPrompt(content string) error {
	endpoint := fmt.Sprintf("/api/v1/transcript/%s/system-prompt", c.agentName)
	return c.request(http.MethodPut, endpoint, map[string]any{"content": content}, nil)
}

// GetActivePrompt reads the database-managed active prompt record.
func (c *Client) GetActivePrompt() (*ActivePrompt, error) {
	var resp ActivePrompt
	endpoint := fmt.Sprintf("/api/v1/system-prompts/agents/%s/active", c.agentName)
	if err := c.request(http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetPromptSections fetches prompt sections by ID, returned in
// display_order.
func (c *Client) GetPromptSections(sectionIDs []string) ([]PromptSection, error) {
	var all []PromptSection
	if err := c.request(http.MethodGet, "/api/v1/system-prompts/sections", nil, &all); err != nil {
		return nil, err
	}

	wanted := make(map[string]bool, len(sectionIDs))
	for _, id := range sectionIDs {
		wanted[id] = true
	}

	sections := make([]PromptSection, 0, len(sectionIDs))
	for _, s := range all {
		if wanted[s.SectionID] {
			sections = append(sections, s)
		}
	}
	sort.SliceStable(sections, func(i, j int) bool {
		return sections[i].DisplayOrder < sections[j].DisplayOrder
	})
	return sections, nil
}

// GetFullPromptContent expands the active prompt's sections and
// concatenates them with the main body.
func (c *Client) GetFullPromptContent() (*FullPrompt, error) {
	prompt, err := c.GetActivePrompt()
	if err != nil {
		return nil, err
	}

	var parts []string
	if len(prompt.SectionIDs) > 0 {
		sections, err := c.GetPromptSections(prompt.SectionIDs)
		if err == nil {
			var sectionTexts []string
			for _, s := range sections {
				if s.Content != "" {
					sectionTexts = append(sectionTexts, s.Content)
				}
			}
			if len(sectionTexts) > 0 {
				parts = append(parts, strings.Join(sectionTexts, "\n\n"))
			}
		} else {
			c.log.Warn("failed to fetch prompt sections", "error", err)
		}
	}
	if prompt.Content != "" {
		parts = append(parts, prompt.Content)
	}

	toolsPosition := prompt.ToolsPosition
	if toolsPosition == "" {
		toolsPosition = "end"
	}

	return &FullPrompt{
		FullContent:   strings.Join(parts, "\n\n"),
		ToolsPosition: toolsPosition,
		Version:       prompt.Version,
	}, nil
}

// PublishActionStatus pushes a user-facing status line to the gateway.
func (c *Client) PublishActionStatus(sessionID, actionDescription string) error {
	body := map[string]any{
		"agent_id":           c.agentName,
		"session_id":         sessionID,
		"action_description": actionDescription,
		"timestamp":          time.Now().UTC().Format(time.RFC3339),
	}
	return c.request(http.MethodPost, "/api/v1/notifications/action-status", body, nil)
}

// ForwardBrowserScreenshot forwards a captured screenshot to the gateway
// for frontend delivery.
func (c *Client) ForwardBrowserScreenshot(sessionID, screenshotBase64, currentURL, task string) error {
	body := map[string]any{
		"agent_id":          c.agentName,
		"session_id":        sessionID,
		"screenshot_base64": screenshotBase64,
		"current_url":       currentURL,
		"task":              task,
	}
	return c.request(http.MethodPost, "/api/v1/notifications/browser-screenshot", body, nil)
}
