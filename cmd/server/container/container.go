package container

import (
	"fmt"

	"github.com/flowforge/flowforge/common/bootstrap"
	"github.com/flowforge/flowforge/common/broadcast"
	"github.com/flowforge/flowforge/common/credentials"
	"github.com/flowforge/flowforge/common/orchestrator"
	"github.com/flowforge/flowforge/common/ratelimit"
	"github.com/flowforge/flowforge/common/registry"
	"github.com/flowforge/flowforge/common/repository"
)

// Container holds all initialized services and repositories
// (singleton pattern, built once at startup)
type Container struct {
	Components *bootstrap.Components

	// Repositories
	WorkflowRepo    *repository.WorkflowRepository
	ExecutionRepo   *repository.ExecutionRepository
	HITLRepo        *repository.HITLRepository
	CredentialRepo  *repository.CredentialRepository
	StreamEventRepo *repository.StreamEventRepository

	// Services
	Registry     *registry.Registry
	Broadcaster  *broadcast.Broadcaster
	Credentials  *credentials.Service
	Limiter      *ratelimit.Limiter
	Orchestrator *orchestrator.Orchestrator
}

// NewContainer initializes all services and repositories once,
// bottom-up: repositories, then services, then the orchestrator.
func NewContainer(components *bootstrap.Components) (*Container, error) {
	cfg := components.Config

	workflowRepo := repository.NewWorkflowRepository(components.DB)
	executionRepo := repository.NewExecutionRepository(components.DB)
	hitlRepo := repository.NewHITLRepository(components.DB)
	credentialRepo := repository.NewCredentialRepository(components.DB)
	streamEventRepo := repository.NewStreamEventRepository(components.DB)

	cipher, err := credentials.NewCipher(cfg.Security.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("init credential cipher: %w", err)
	}
	credentialService := credentials.NewService(credentialRepo, cipher, components.Cache, components.Logger)

	reg := registry.NewDefault(registry.Options{
		Logger:        components.Logger,
		OpenAIKey:     cfg.OpenAI.APIKey,
		OpenAIBaseURL: cfg.OpenAI.BaseURL,
	})

	broadcaster := broadcast.New(components.Logger,
		broadcast.WithStore(streamEventRepo),
		broadcast.WithRedisMirror(components.Redis),
		broadcast.WithBufferSize(cfg.Engine.EventBufferSize),
		broadcast.WithHeartbeatInterval(cfg.Engine.HeartbeatInterval),
	)

	limiter := ratelimit.New(components.Redis, components.Logger)

	orch := orchestrator.New(orchestrator.Deps{
		Handlers:   reg,
		Catalog:    reg,
		Workflows:  workflowRepo,
		Executions: executionRepo,
		HITL:       hitlRepo,
		Creds:      credentialService,
		Events:     broadcaster,
		Config:     cfg.Engine,
		Logger:     components.Logger,
	})

	return &Container{
		Components:      components,
		WorkflowRepo:    workflowRepo,
		ExecutionRepo:   executionRepo,
		HITLRepo:        hitlRepo,
		CredentialRepo:  credentialRepo,
		StreamEventRepo: streamEventRepo,
		Registry:        reg,
		Broadcaster:     broadcaster,
		Credentials:     credentialService,
		Limiter:         limiter,
		Orchestrator:    orch,
	}, nil
}
