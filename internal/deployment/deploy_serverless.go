package deployment

import (
	"context"
	"fmt"
	"net/http"

	"github.com/kgents/agentplane/internal/platform/apperr"
	"go.uber.org/zap"
)

// ServerlessConfig configures the serverless deploy target.
type ServerlessConfig struct {
	BaseURL     string
	Token       string
	Region      string
	Concurrency int
	MaxReplicas int
}

// serverlessDeploy runs images on a managed serverless platform. The
// service name is derived from the deployment id, which makes creates
// naturally idempotent.
type serverlessDeploy struct {
	api    *apiClient
	cfg    ServerlessConfig
	logger *zap.Logger
}

// NewServerlessDeploy creates the serverless deploy strategy.
func NewServerlessDeploy(cfg ServerlessConfig, logger *zap.Logger) DeployStrategy {
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 80
	}
	if cfg.MaxReplicas == 0 {
		cfg.MaxReplicas = 3
	}
	return &serverlessDeploy{api: newAPIClient(cfg.BaseURL, cfg.Token), cfg: cfg, logger: logger}
}

func (s *serverlessDeploy) Name() DeployStrategyName { return DeployServerless }

type serverlessServiceSpec struct {
	Name        string `json:"name"`
	Image       string `json:"image"`
	Port        int    `json:"port"`
	Region      string `json:"region"`
	Concurrency int    `json:"concurrency"`
	MaxReplicas int    `json:"max_replicas"`
}

type serverlessServiceState struct {
	Name   string `json:"name"`
	Ready  bool   `json:"ready"`
	URL    string `json:"url"`
	Reason string `json:"reason"`
}

// Deploy creates (or re-attaches to) the platform service and waits for
// readiness. The runtime container always listens on 8080.
func (s *serverlessDeploy) Deploy(ctx context.Context, d *Deployment, imageTag string) (string, error) {
	name := d.ServiceName()
	spec := serverlessServiceSpec{
		Name:        name,
		Image:       imageTag,
		Port:        8080,
		Region:      s.cfg.Region,
		Concurrency: s.cfg.Concurrency,
		MaxReplicas: s.cfg.MaxReplicas,
	}

	err := retryTransient(ctx, func(ctx context.Context) error {
		return s.api.doJSON(ctx, http.MethodPost, "/v1/services", spec, nil)
	})
	if apperr.Is(err, apperr.KindConflict) {
		s.logger.Info("platform service already exists, re-attaching", zap.String("service", name))
	} else if err != nil {
		return "", fmt.Errorf("create service %s: %w", name, err)
	}

	var state serverlessServiceState
	err = pollUntil(ctx, func(ctx context.Context) (bool, error) {
		if err := s.api.doJSON(ctx, http.MethodGet, "/v1/services/"+name, nil, &state); err != nil {
			return false, err
		}
		if state.Reason != "" && !state.Ready {
			return false, apperr.E(apperr.KindPreconditionFailed,
				fmt.Sprintf("service %s failed to start: %s", name, state.Reason))
		}
		return state.Ready, nil
	})
	if err != nil {
		return "", err
	}
	return state.URL, nil
}

// Teardown deletes the platform service. A missing service is success;
// stop must be idempotent.
func (s *serverlessDeploy) Teardown(ctx context.Context, d *Deployment) error {
	err := retryTransient(ctx, func(ctx context.Context) error {
		return s.api.doJSON(ctx, http.MethodDelete, "/v1/services/"+d.ServiceName(), nil, nil)
	})
	if apperr.Is(err, apperr.KindNotFound) {
		return nil
	}
	return err
}
