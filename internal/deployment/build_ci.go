package deployment

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"

	"github.com/kgents/agentplane/internal/platform/apperr"
	"go.uber.org/zap"
)

// CIBuildConfig configures the workflow-dispatch build strategy.
type CIBuildConfig struct {
	BaseURL      string
	Token        string
	WorkflowPath string
}

// ciBuild triggers a remote CI workflow that builds and pushes the
// image. The workflow key is the deployment id, so re-dispatching the
// same deployment re-attaches to the original run.
type ciBuild struct {
	api      *apiClient
	workflow string
	logger   *zap.Logger
}

// NewCIBuild creates the ci_driven build strategy.
func NewCIBuild(cfg CIBuildConfig, logger *zap.Logger) BuildStrategy {
	return &ciBuild{
		api:      newAPIClient(cfg.BaseURL, cfg.Token),
		workflow: cfg.WorkflowPath,
		logger:   logger,
	}
}

func (b *ciBuild) Name() BuildStrategyName { return BuildCIDriven }

type workflowDispatch struct {
	Ref    string            `json:"ref"`
	Inputs map[string]string `json:"inputs"`
}

type workflowRun struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	LogsURL string `json:"logs_url"`
}

// StartBuild dispatches the build workflow. A conflict from the CI API
// means a run keyed on this deployment already exists, which is exactly
// the resume case.
func (b *ciBuild) StartBuild(ctx context.Context, d *Deployment, bc *BuildContext) (string, error) {
	jobID := d.ID.String()
	dispatch := workflowDispatch{
		Ref: "main",
		Inputs: map[string]string{
			"deployment_id": jobID,
			"image_tag":     bc.ImageTag,
			"build_context": base64.StdEncoding.EncodeToString(bc.Archive),
		},
	}
	err := retryTransient(ctx, func(ctx context.Context) error {
		return b.api.doJSON(ctx, http.MethodPost, b.workflow+"/dispatches", dispatch, nil)
	})
	if apperr.Is(err, apperr.KindConflict) {
		b.logger.Info("ci run already exists, re-attaching", zap.String("deployment_id", jobID))
		return jobID, nil
	}
	if err != nil {
		return "", fmt.Errorf("dispatch workflow: %w", err)
	}
	return jobID, nil
}

// AwaitBuild polls the run keyed on the deployment id until terminal.
func (b *ciBuild) AwaitBuild(ctx context.Context, jobID string) error {
	return pollUntil(ctx, func(ctx context.Context) (bool, error) {
		var run workflowRun
		if err := b.api.doJSON(ctx, http.MethodGet, b.workflow+"/runs/"+jobID, nil, &run); err != nil {
			return false, err
		}
		switch run.Status {
		case "success":
			return true, nil
		case "failure", "cancelled":
			return false, apperr.E(apperr.KindPreconditionFailed,
				fmt.Sprintf("ci build %s: %s (logs: %s)", jobID, run.Status, run.LogsURL))
		default:
			return false, nil
		}
	})
}

// CancelBuild asks the CI system to cancel the in-flight run.
func (b *ciBuild) CancelBuild(ctx context.Context, jobID string) error {
	err := b.api.doJSON(ctx, http.MethodPost, b.workflow+"/runs/"+jobID+"/cancel", nil, nil)
	if apperr.Is(err, apperr.KindNotFound) {
		return nil
	}
	return err
}
