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

package main

import (
	"fmt"

	"github.com/nocturne-ai/nocturne/pkg/agent"
	"github.com/nocturne-ai/nocturne/pkg/config"
	"github.com/nocturne-ai/nocturne/pkg/state"
	"github.com/nocturne-ai/nocturne/pkg/tool"
	"github.com/nocturne-ai/nocturne/pkg/tools"
)

// registerTools instantiates the tools named in the agent definition. An
// empty tool list registers the standard set.
func registerTools(ag *agent.Agent, def *config.AgentDefinition, cfg *config.AgentConfig, db *state.Client) error {
	names := def.Tools
	if len(names) == 0 {
		names = []string{
			"sleep", "shutdown",
			"send_user_message", "send_agent_message",
			"speak", "hang_up",
			"read_system_prompt", "edit_system_prompt",
			"view_image",
		}
	}

	for _, name := range names {
		t, err := buildTool(name, cfg, db)
		if err != nil {
			return fmt.Errorf("failed to build tool %q: %w", name, err)
		}
		if err := ag.RegisterTool(t); err != nil {
			return err
		}
	}
	return nil
}

func buildTool(name string, cfg *config.AgentConfig, db *state.Client) (tool.Tool, error) {
	switch name {
	case "sleep":
		return tools.NewSleepTool(db), nil
	case "shutdown":
		return tools.NewShutdownTool(db), nil
	case "send_user_message":
		return tools.NewSendUserMessageTool(cfg.APIGatewayURL, cfg.InternalKeyPath)
	case "send_agent_message":
		return tools.NewSendAgentMessageTool(), nil
	case "speak":
		return tools.NewSpeakTool(), nil
	case "hang_up":
		return tools.NewHangUpTool(cfg.APIGatewayURL, cfg.InternalKeyPath)
	case "read_system_prompt":
		return tools.NewReadSystemPromptTool(cfg.SystemPromptPath), nil
	case "edit_system_prompt":
		return tools.NewEditSystemPromptTool(cfg.SystemPromptPath), nil
	case "view_image":
		return tools.NewViewImageTool(cfg.APIGatewayURL, cfg.InternalKeyPath)
	default:
		return nil, fmt.Errorf("unknown tool %q", name)
	}
}
