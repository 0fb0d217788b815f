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

// Command nocturne runs one autonomous agent against its queue.
//
// Usage:
//
//	nocturne run --agent-file agents/weather.yaml
//	nocturne validate --agent-file agents/weather.yaml
//	nocturne version
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/nocturne-ai/nocturne/pkg/agent"
	"github.com/nocturne-ai/nocturne/pkg/config"
	"github.com/nocturne-ai/nocturne/pkg/databases"
	"github.com/nocturne-ai/nocturne/pkg/embedders"
	"github.com/nocturne-ai/nocturne/pkg/llms"
	"github.com/nocturne-ai/nocturne/pkg/logger"
	"github.com/nocturne-ai/nocturne/pkg/memory"
	"github.com/nocturne-ai/nocturne/pkg/memorystore"
	"github.com/nocturne-ai/nocturne/pkg/notify"
	"github.com/nocturne-ai/nocturne/pkg/state"
)

// CLI defines the command-line interface.
type CLI struct {
	Run      RunCmd      `cmd:"" help:"Run an agent."`
	Validate ValidateCmd `cmd:"" help:"Validate an agent definition file."`
	Version  VersionCmd  `cmd:"" help:"Show version information."`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("nocturne version %s\n", version)
	return nil
}

// ValidateCmd validates an agent definition file.
type ValidateCmd struct {
	AgentFile string `name:"agent-file" short:"f" required:"" help:"Path to the agent definition YAML." type:"path"`
}

func (c *ValidateCmd) Run() error {
	def, err := config.LoadAgentDefinition(c.AgentFile)
	if err != nil {
		return err
	}
	fmt.Printf("agent definition OK: %s (%s), %d tools\n", def.Name, def.DisplayName, len(def.Tools))
	return nil
}

// RunCmd runs an agent until interrupted or shut down.
type RunCmd struct {
	AgentFile string `name:"agent-file" short:"f" required:"" help:"Path to the agent definition YAML." type:"path"`
}

func (c *RunCmd) Run() error {
	if err := config.LoadEnvFiles(); err != nil {
		return err
	}

	def, err := config.LoadAgentDefinition(c.AgentFile)
	if err != nil {
		return err
	}

	cfg, err := config.FromEnv(def.Name, def.DisplayName)
	if err != nil {
		return err
	}

	log := logger.Init(logger.Config{
		Level:     cfg.LogLevel,
		Format:    cfg.LogFormat,
		AgentName: cfg.AgentName,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// State store client (loads the internal key with bounded retry).
	db, err := state.NewClient(cfg.AgentName, cfg.APIGatewayURL, cfg.InternalKeyPath, log)
	if err != nil {
		return fmt.Errorf("failed to create state store client: %w", err)
	}

	// Notification fabric and the tools' short-lived publisher.
	fabric := notify.NewFabric(cfg.RabbitMQURL(), cfg.QueueName(), log)
	if err := fabric.Connect(); err != nil {
		return err
	}
	publisher := notify.NewBrokerPublisher(cfg.RabbitMQURL())

	// Vector store, embedder, and LLM.
	weaviate, err := databases.NewWeaviateClient(databases.WeaviateConfig{BaseURL: cfg.WeaviateURL()})
	if err != nil {
		return fmt.Errorf("failed to create weaviate client: %w", err)
	}
	store := memorystore.NewStore(weaviate, log)
	if err := store.EnsureSchema(ctx); err != nil {
		log.Warn("could not ensure memory schema", "error", err)
	}

	embedder, err := embedders.NewGeminiEmbedder(ctx, cfg.GeminiAPIKey)
	if err != nil {
		return fmt.Errorf("failed to create embedder: %w", err)
	}

	llm, err := llms.NewGeminiProvider(ctx, llms.GeminiConfig{APIKey: cfg.GeminiAPIKey})
	if err != nil {
		return fmt.Errorf("failed to create LLM provider: %w", err)
	}

	// The agent and its subconscious modules.
	ag := agent.New(agent.Config{
		AgentName:                    cfg.AgentName,
		DisplayName:                  cfg.AgentDisplayName,
		Description:                  def.Description,
		SystemPromptPath:             cfg.SystemPromptPath,
		BrokerURL:                    cfg.RabbitMQURL(),
		CheckInterval:                cfg.AgentCheckInterval,
		MaxConversationMessages:      cfg.MaxConversationMessages,
		MessageHistoryRetrievalLimit: cfg.MessageHistoryRetrievalLimit,
	}, db, fabric, publisher, llm, log)

	creator := memory.NewCreator(memory.CreatorConfig{
		AgentName:       cfg.AgentName,
		Enabled:         cfg.MemoryCreatorEnabled,
		RunEveryNTurns:  cfg.CreatorRunEveryNTurns,
		ContextMessages: cfg.CreatorContextMessages,
	}, llm, store, embedder, db, log)

	retriever := memory.NewRetriever(memory.RetrieverConfig{
		AgentName:       cfg.AgentName,
		Enabled:         cfg.MemoryRetrieverEnabled,
		RunEveryNTurns:  cfg.RetrieverRunEveryNTurns,
		ContextMessages: cfg.RetrieverContextMessages,
		MaxIterations:   cfg.RetrieverMaxIterations,
	}, llm, store, embedder, log)

	ag.SetMemoryModules(creator, retriever)

	if err := registerTools(ag, def, cfg, db); err != nil {
		return err
	}

	// Health/metrics server, key watcher, and the loop itself.
	group, groupCtx := errgroup.WithContext(ctx)

	healthAddr := fmt.Sprintf(":%d", cfg.HealthCheckPort)
	router := chi.NewRouter()
	router.Get(cfg.HealthCheckPath, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, `{"status":"ok"}`)
	})
	router.Handle("/metrics", promhttp.Handler())

	healthServer := &http.Server{Addr: healthAddr, Handler: router}
	group.Go(func() error {
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	group.Go(func() error {
		stopCh := make(chan struct{})
		go func() {
			<-groupCtx.Done()
			close(stopCh)
		}()
		return state.WatchInternalKey(cfg.InternalKeyPath, db.SetKey, stopCh)
	})

	group.Go(func() error {
		defer healthServer.Close()
		err := ag.Run(groupCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	return group.Wait()
}

func main() {
	cli := CLI{}
	kctx := kong.Parse(&cli,
		kong.Name("nocturne"),
		kong.Description("Multi-agent runtime: run one autonomous agent against its queue."),
		kong.UsageOnError(),
	)
	kctx.FatalIfErrorf(kctx.Run())
}
