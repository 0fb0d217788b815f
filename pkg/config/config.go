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

// Package config loads agent runtime configuration from the environment.
//
// Configuration is environment-first: shared infrastructure settings come
// from env vars (with .env/.env.local support), while agent identity comes
// from a declarative YAML definition file. Per-agent overrides of the form
// {AGENT_NAME}_SETTING take precedence over the global SETTING.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// AgentConfig is the full configuration for a single agent process.
type AgentConfig struct {
	// Agent identity (from the definition file, not the environment).
	AgentName        string
	AgentDisplayName string

	// RabbitMQ connection settings.
	RabbitMQHost     string
	RabbitMQPort     int
	RabbitMQUser     string
	RabbitMQPassword string
	RabbitMQVHost    string

	// Weaviate connection settings. A full WEAVIATE_URL beats the
	// host/port/scheme triple.
	WeaviateHost        string
	WeaviatePort        int
	WeaviateScheme      string
	WeaviateURLOverride string

	// API gateway (state store) settings.
	APIGatewayURL string

	// LLM settings.
	GeminiAPIKey string

	// Shared internal key path (written by the API gateway on first boot).
	InternalKeyPath string

	// System prompt template path.
	SystemPromptPath string

	// Logging.
	LogLevel  string
	LogFormat string

	// Health check endpoint.
	HealthCheckPort int
	HealthCheckPath string

	// Processing loop.
	AgentCheckInterval time.Duration

	// Conversation memory.
	MaxConversationMessages      int
	MessageHistoryRetrievalLimit int

	// Memory modules.
	MemoryCreatorEnabled     bool
	MemoryRetrieverEnabled   bool
	CreatorRunEveryNTurns    int
	RetrieverRunEveryNTurns  int
	CreatorContextMessages   int
	RetrieverContextMessages int
	RetrieverMaxIterations   int
}

// FromEnv builds an AgentConfig for the named agent from environment
// variables. Per-agent overrides ({AGENT_NAME}_KEY, upper-cased) beat
// global keys.
func FromEnv(agentName, agentDisplayName string) (*AgentConfig, error) {
	if agentName == "" {
		return nil, fmt.Errorf("agent name is required")
	}
	if agentDisplayName == "" {
		agentDisplayName = agentName
	}

	env := envReader{agentPrefix: strings.ToUpper(agentName)}

	cfg := &AgentConfig{
		AgentName:        agentName,
		AgentDisplayName: agentDisplayName,

		RabbitMQHost:     env.str("RABBITMQ_HOST", "rabbitmq"),
		RabbitMQPort:     env.num("RABBITMQ_PORT", 5672),
		RabbitMQUser:     env.str("RABBITMQ_USER", "guest"),
		RabbitMQPassword: env.str("RABBITMQ_PASSWORD", "guest"),
		RabbitMQVHost:    env.str("RABBITMQ_VHOST", "/"),

		WeaviateHost:        env.str("WEAVIATE_HOST", "weaviate"),
		WeaviatePort:        env.num("WEAVIATE_PORT", 8080),
		WeaviateScheme:      env.str("WEAVIATE_SCHEME", "http"),
		WeaviateURLOverride: env.str("WEAVIATE_URL", ""),

		APIGatewayURL: env.str("API_GATEWAY_URL", "http://api_gateway:8000"),

		GeminiAPIKey: env.str("GEMINI_API_KEY", ""),

		InternalKeyPath:  env.str("INTERNAL_KEY_PATH", "/shared/internal_api_key"),
		SystemPromptPath: env.str("SYSTEM_PROMPT_PATH", "/app/system_prompt.txt"),

		LogLevel:  env.str("LOG_LEVEL", "INFO"),
		LogFormat: env.str("LOG_FORMAT", "json"),

		HealthCheckPort: env.num("HEALTH_CHECK_PORT", 8080),
		HealthCheckPath: env.str("HEALTH_CHECK_PATH", "/health"),

		AgentCheckInterval: env.dur("AGENT_CHECK_INTERVAL_SECONDS", 250*time.Millisecond),

		MaxConversationMessages:      env.num("MAX_CONVERSATION_MESSAGES", 0),
		MessageHistoryRetrievalLimit: env.num("MESSAGE_HISTORY_RETRIEVAL_LIMIT", 500),

		MemoryCreatorEnabled:     env.flag("MEMORY_CREATOR_ENABLED", true),
		MemoryRetrieverEnabled:   env.flag("MEMORY_RETRIEVER_ENABLED", true),
		CreatorRunEveryNTurns:    env.num("MEMORY_CREATOR_RUN_EVERY_N_TURNS", 1),
		RetrieverRunEveryNTurns:  env.num("MEMORY_RETRIEVER_RUN_EVERY_N_TURNS", 1),
		CreatorContextMessages:   env.num("MEMORY_CREATOR_CONTEXT_MESSAGES", 10),
		RetrieverContextMessages: env.num("MEMORY_RETRIEVER_CONTEXT_MESSAGES", 10),
		RetrieverMaxIterations:   env.num("MEMORY_RETRIEVER_MAX_ITERATIONS", 3),
	}

	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("required environment variable GEMINI_API_KEY is not set")
	}
	if cfg.CreatorRunEveryNTurns < 1 {
		cfg.CreatorRunEveryNTurns = 1
	}
	if cfg.RetrieverRunEveryNTurns < 1 {
		cfg.RetrieverRunEveryNTurns = 1
	}

	return cfg, nil
}

// QueueName derives the agent's inbound queue name.
func (c *AgentConfig) QueueName() string {
	return QueueNameFor(c.AgentName)
}

// QueueNameFor derives the inbound queue name for any agent.
func QueueNameFor(agentName string) string {
	return agentName + "_queue"
}

// RabbitMQURL assembles the AMQP connection URL.
func (c *AgentConfig) RabbitMQURL() string {
	vhost := c.RabbitMQVHost
	if vhost == "/" {
		vhost = ""
	}
	return fmt.Sprintf("amqp://%s:%s@%s:%d/%s",
		c.RabbitMQUser, c.RabbitMQPassword, c.RabbitMQHost, c.RabbitMQPort, vhost)
}

// WeaviateURL assembles the Weaviate base URL.
func (c *AgentConfig) WeaviateURL() string {
	if c.WeaviateURLOverride != "" {
		return c.WeaviateURLOverride
	}
	return fmt.Sprintf("%s://%s:%d", c.WeaviateScheme, c.WeaviateHost, c.WeaviatePort)
}

// LoadEnvFiles loads .env.local and .env if present. Missing files are not
// an error.
func LoadEnvFiles() error {
	for _, file := range []string{".env.local", ".env"} {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	return nil
}

// envReader resolves environment keys with per-agent override precedence.
type envReader struct {
	agentPrefix string
}

func (e envReader) lookup(key string) (string, bool) {
	if v, ok := os.LookupEnv(e.agentPrefix + "_" + key); ok && v != "" {
		return v, true
	}
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v, true
	}
	return "", false
}

func (e envReader) str(key, def string) string {
	if v, ok := e.lookup(key); ok {
		return v
	}
	return def
}

func (e envReader) num(key string, def int) int {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func (e envReader) flag(key string, def bool) bool {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	switch strings.ToLower(v) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	}
	return def
}

// dur reads a duration expressed in (possibly fractional) seconds.
func (e envReader) dur(key string, def time.Duration) time.Duration {
	v, ok := e.lookup(key)
	if !ok {
		return def
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || secs <= 0 {
		return def
	}
	return time.Duration(secs * float64(time.Second))
}
