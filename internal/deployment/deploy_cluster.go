package deployment

import (
	"context"
	"fmt"
	"net/http"

	"github.com/kgents/agentplane/internal/platform/apperr"
	"go.uber.org/zap"
)

// ClusterConfig configures the cluster deploy target.
type ClusterConfig struct {
	BaseURL     string
	Token       string
	Namespace   string
	MinReplicas int
	Domain      string
}

// clusterDeploy applies a workload manifest and a service manifest to a
// cluster API and waits for ready replicas.
type clusterDeploy struct {
	api    *apiClient
	cfg    ClusterConfig
	logger *zap.Logger
}

// NewClusterDeploy creates the cluster deploy strategy.
func NewClusterDeploy(cfg ClusterConfig, logger *zap.Logger) DeployStrategy {
	if cfg.Namespace == "" {
		cfg.Namespace = "agent-runtimes"
	}
	if cfg.MinReplicas == 0 {
		cfg.MinReplicas = 1
	}
	return &clusterDeploy{api: newAPIClient(cfg.BaseURL, cfg.Token), cfg: cfg, logger: logger}
}

func (c *clusterDeploy) Name() DeployStrategyName { return DeployCluster }

type workloadManifest struct {
	Name      string            `json:"name"`
	Namespace string            `json:"namespace"`
	Image     string            `json:"image"`
	Port      int               `json:"port"`
	Replicas  int               `json:"replicas"`
	Labels    map[string]string `json:"labels"`
}

type serviceManifest struct {
	Name       string `json:"name"`
	Namespace  string `json:"namespace"`
	Selector   string `json:"selector"`
	TargetPort int    `json:"target_port"`
}

type workloadState struct {
	ReadyReplicas int    `json:"ready_replicas"`
	Reason        string `json:"reason"`
}

// Deploy applies both manifests and waits until ready replicas reach
// the configured minimum. Conflicts on apply mean a previous worker got
// this far already.
func (c *clusterDeploy) Deploy(ctx context.Context, d *Deployment, imageTag string) (string, error) {
	name := d.ServiceName()
	workload := workloadManifest{
		Name:      name,
		Namespace: c.cfg.Namespace,
		Image:     imageTag,
		Port:      8080,
		Replicas:  c.cfg.MinReplicas,
		Labels: map[string]string{
			"app":           name,
			"deployment-id": d.ID.String(),
		},
	}
	svc := serviceManifest{
		Name:       name,
		Namespace:  c.cfg.Namespace,
		Selector:   name,
		TargetPort: 8080,
	}

	for path, manifest := range map[string]any{
		"/v1/namespaces/" + c.cfg.Namespace + "/workloads": workload,
		"/v1/namespaces/" + c.cfg.Namespace + "/services":  svc,
	} {
		err := retryTransient(ctx, func(ctx context.Context) error {
			return c.api.doJSON(ctx, http.MethodPost, path, manifest, nil)
		})
		if apperr.Is(err, apperr.KindConflict) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("apply manifest %s: %w", path, err)
		}
	}

	err := pollUntil(ctx, func(ctx context.Context) (bool, error) {
		var state workloadState
		if err := c.api.doJSON(ctx, http.MethodGet,
			"/v1/namespaces/"+c.cfg.Namespace+"/workloads/"+name, nil, &state); err != nil {
			return false, err
		}
		if state.Reason != "" {
			return false, apperr.E(apperr.KindPreconditionFailed,
				fmt.Sprintf("workload %s failed: %s", name, state.Reason))
		}
		return state.ReadyReplicas >= c.cfg.MinReplicas, nil
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("https://%s.%s", name, c.cfg.Domain), nil
}

// Teardown deletes the workload and service manifests.
func (c *clusterDeploy) Teardown(ctx context.Context, d *Deployment) error {
	name := d.ServiceName()
	for _, path := range []string{
		"/v1/namespaces/" + c.cfg.Namespace + "/workloads/" + name,
		"/v1/namespaces/" + c.cfg.Namespace + "/services/" + name,
	} {
		err := retryTransient(ctx, func(ctx context.Context) error {
			return c.api.doJSON(ctx, http.MethodDelete, path, nil, nil)
		})
		if err != nil && !apperr.Is(err, apperr.KindNotFound) {
			return fmt.Errorf("delete %s: %w", path, err)
		}
	}
	return nil
}
