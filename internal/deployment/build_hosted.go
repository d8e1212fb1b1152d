package deployment

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"

	"github.com/kgents/agentplane/internal/platform/apperr"
	"go.uber.org/zap"
)

// HostedBuildConfig configures the managed build service strategy.
type HostedBuildConfig struct {
	BaseURL string
	Token   string
	Project string
}

// hostedBuild submits the archive to a managed build service and polls
// the returned job. Submissions carry the deployment id as the
// idempotency key.
type hostedBuild struct {
	api     *apiClient
	project string
	logger  *zap.Logger
}

// NewHostedBuild creates the hosted_build strategy.
func NewHostedBuild(cfg HostedBuildConfig, logger *zap.Logger) BuildStrategy {
	return &hostedBuild{
		api:     newAPIClient(cfg.BaseURL, cfg.Token),
		project: cfg.Project,
		logger:  logger,
	}
}

func (b *hostedBuild) Name() BuildStrategyName { return BuildHostedBuild }

type hostedBuildRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	ImageTag       string `json:"image_tag"`
	Source         string `json:"source"` // base64 tar archive
}

type hostedBuildJob struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	LogsURL string `json:"logs_url"`
}

func (b *hostedBuild) StartBuild(ctx context.Context, d *Deployment, bc *BuildContext) (string, error) {
	req := hostedBuildRequest{
		IdempotencyKey: d.ID.String(),
		ImageTag:       bc.ImageTag,
		Source:         base64.StdEncoding.EncodeToString(bc.Archive),
	}

	var job hostedBuildJob
	err := retryTransient(ctx, func(ctx context.Context) error {
		return b.api.doJSON(ctx, http.MethodPost, "/v1/projects/"+b.project+"/builds", req, &job)
	})
	if apperr.Is(err, apperr.KindConflict) {
		// An earlier attempt already submitted this build. The service
		// keys jobs on the idempotency key, so look it up instead.
		if err := b.api.doJSON(ctx, http.MethodGet,
			"/v1/projects/"+b.project+"/builds/by-key/"+d.ID.String(), nil, &job); err != nil {
			return "", fmt.Errorf("re-attach to build: %w", err)
		}
		b.logger.Info("hosted build already submitted, re-attaching",
			zap.String("deployment_id", d.ID.String()),
			zap.String("build_job_id", job.ID))
		return job.ID, nil
	}
	if err != nil {
		return "", fmt.Errorf("submit build: %w", err)
	}
	return job.ID, nil
}

func (b *hostedBuild) AwaitBuild(ctx context.Context, jobID string) error {
	return pollUntil(ctx, func(ctx context.Context) (bool, error) {
		var job hostedBuildJob
		if err := b.api.doJSON(ctx, http.MethodGet,
			"/v1/projects/"+b.project+"/builds/"+jobID, nil, &job); err != nil {
			return false, err
		}
		switch job.Status {
		case "succeeded":
			return true, nil
		case "failed", "cancelled", "expired":
			return false, apperr.E(apperr.KindPreconditionFailed,
				fmt.Sprintf("hosted build %s: %s (logs: %s)", jobID, job.Status, job.LogsURL))
		default:
			return false, nil
		}
	})
}

func (b *hostedBuild) CancelBuild(ctx context.Context, jobID string) error {
	err := b.api.doJSON(ctx, http.MethodPost,
		"/v1/projects/"+b.project+"/builds/"+jobID+":cancel", nil, nil)
	if apperr.Is(err, apperr.KindNotFound) {
		return nil
	}
	return err
}
