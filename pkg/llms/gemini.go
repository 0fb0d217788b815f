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

package llms

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"
)

const (
	defaultStandardModel = "gemini-3-flash-preview"
	defaultFastModel     = "gemini-2.5-flash-lite"

	// callDeadline bounds every generate call. A timeout here is a
	// transient cycle failure, not a permanent one.
	callDeadline = 90 * time.Second
)

// GeminiConfig configures the Gemini provider.
type GeminiConfig struct {
	APIKey        string
	StandardModel string
	FastModel     string
}

// GeminiProvider implements Provider using the Gemini API.
type GeminiProvider struct {
	client        *genai.Client
	standardModel string
	fastModel     string
}

// NewGeminiProvider creates a provider from config.
func NewGeminiProvider(ctx context.Context, cfg GeminiConfig) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	standardModel := cfg.StandardModel
	if standardModel == "" {
		standardModel = defaultStandardModel
	}
	fastModel := cfg.FastModel
	if fastModel == "" {
		fastModel = defaultFastModel
	}

	return &GeminiProvider{
		client:        client,
		standardModel: standardModel,
		fastModel:     fastModel,
	}, nil
}

// Generate runs a JSON-mode chat completion. fast selects the low-latency
// model used during voice calls.
func (p *GeminiProvider) Generate(ctx context.Context, messages []Message, fast bool) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, callDeadline)
	defer cancel()

	model := p.standardModel
	if fast {
		model = p.fastModel
	}

	contents := convertMessages(messages)

	resp, err := p.client.Models.GenerateContent(ctx, model, contents, &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return "", fmt.Errorf("gemini call failed: %w", err)
	}

	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("empty response from gemini")
	}
	return strings.TrimSpace(text), nil
}

// GenerateWithSystem runs a single-shot completion with a system
// instruction on the fast model. Used by the memory modules.
func (p *GeminiProvider) GenerateWithSystem(ctx context.Context, systemInstruction, content string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, callDeadline)
	defer cancel()

	contents := []*genai.Content{
		genai.NewContentFromText(content, genai.RoleUser),
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.fastModel, contents, &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemInstruction, genai.RoleUser),
	})
	if err != nil {
		return "", fmt.Errorf("gemini call failed: %w", err)
	}

	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("empty response from gemini")
	}
	return strings.TrimSpace(text), nil
}

// convertMessages maps runtime messages to Gemini contents:
//   - system messages become the first user message prefixed "System: "
//   - assistant messages map to the model role, text only
//   - user messages keep their text and binary image parts
func convertMessages(messages []Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(messages))

	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			contents = append(contents, genai.NewContentFromText("System: "+msg.Text, genai.RoleUser))

		case RoleAssistant:
			contents = append(contents, genai.NewContentFromText(msg.Text, genai.RoleModel))

		default:
			parts := []*genai.Part{{Text: msg.Text}}
			for _, img := range msg.Images {
				mime := img.ContentType
				if mime == "" {
					mime = "image/png"
				}
				parts = append(parts, genai.NewPartFromBytes(img.Data, mime))
			}
			contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: parts})
		}
	}

	return contents
}
