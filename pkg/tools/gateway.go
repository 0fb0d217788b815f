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

// Package tools contains the standard tool implementations registered on
// every agent: lifecycle (sleep, shutdown), messaging, voice-call,
// system-prompt self-modification, and image viewing.
package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nocturne-ai/nocturne/pkg/state"
)

// gatewayClient is the minimal authenticated HTTP egress tools share for
// talking to the API gateway. It mirrors the state client's key handling:
// X-Internal-Key on every request, one key reload and retry on 401.
type gatewayClient struct {
	baseURL string
	keyPath string
	http    *http.Client

	mu  sync.RWMutex
	key string
}

func newGatewayClient(baseURL, keyPath string) (*gatewayClient, error) {
	key, err := state.LoadInternalKey(keyPath)
	if err != nil {
		return nil, err
	}
	return &gatewayClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		keyPath: keyPath,
		key:     key,
		http:    &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (g *gatewayClient) currentKey() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.key
}

func (g *gatewayClient) reloadKey() bool {
	key, err := state.LoadInternalKey(g.keyPath)
	if err != nil {
		return false
	}
	g.mu.Lock()
	g.key = key
	g.mu.Unlock()
	return true
}

func (g *gatewayClient) postJSON(path string, body map[string]any, out any) error {
	return g.do(http.MethodPost, path, body, out, true)
}

func (g *gatewayClient) getJSON(path string, out any) error {
	return g.do(http.MethodGet, path, nil, out, true)
}

func (g *gatewayClient) do(method, path string, body map[string]any, out any, retryAuth bool) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, g.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Internal-Key", g.currentKey())

	resp, err := g.http.Do(req)
	if err != nil {
		return fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		if out == nil {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)

	case resp.StatusCode == http.StatusUnauthorized && retryAuth:
		if !g.reloadKey() {
			return state.ErrUnauthorized
		}
		return g.do(method, path, body, out, false)

	default:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("gateway returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
}
