package deployment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kgents/agentplane/internal/platform/apperr"
	"github.com/kgents/agentplane/internal/platform/httpx"
	"go.uber.org/zap"
)

// workerRepo is the storage surface the pool needs. Satisfied by
// *Repository.
type workerRepo interface {
	AcquireNext(ctx context.Context, workerID string, lease time.Duration) (*Deployment, error)
	RenewLease(ctx context.Context, id uuid.UUID, workerID string, lease time.Duration) error
	ReleaseLease(ctx context.Context, id uuid.UUID, workerID string) error
	Transition(ctx context.Context, id uuid.UUID, to Status, detail string) (*Deployment, error)
	SetEndpoint(ctx context.Context, id uuid.UUID, endpoint string) error
	MergeMetadata(ctx context.Context, id uuid.UUID, kv map[string]string) error
	CancelRequested(ctx context.Context, id uuid.UUID) (bool, error)
}

// VersionSource resolves an agent version's config document. Satisfied
// by the catalog repository.
type VersionSource interface {
	VersionConfigByID(ctx context.Context, versionID uuid.UUID) ([]byte, error)
}

// EventSink receives deployment lifecycle events for webhook fan-out.
type EventSink func(ctx context.Context, eventType string, payload map[string]string)

// WorkerConfig tunes the deployment worker pool.
type WorkerConfig struct {
	Count           int
	PollInterval    time.Duration
	LeaseDuration   time.Duration
	StageTimeout    time.Duration
	PipelineTimeout time.Duration
	RegistryBase    string
}

// WorkerPool leases pending deployments and drives them through the
// pipeline. Multiple pools may run against the same database; the lease
// columns are the only coordination between them.
type WorkerPool struct {
	repo     workerRepo
	versions VersionSource
	builds   map[BuildStrategyName]BuildStrategy
	deploys  map[DeployStrategyName]DeployStrategy
	verifier ImageVerifier
	cfg      WorkerConfig
	onEvent  EventSink
	logger   *zap.Logger

	wg sync.WaitGroup
}

// NewWorkerPool creates a worker pool over the given strategies.
func NewWorkerPool(
	repo workerRepo,
	versions VersionSource,
	builds []BuildStrategy,
	deploys []DeployStrategy,
	verifier ImageVerifier,
	cfg WorkerConfig,
	logger *zap.Logger,
) *WorkerPool {
	if cfg.Count == 0 {
		cfg.Count = 2
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.LeaseDuration == 0 {
		cfg.LeaseDuration = 5 * time.Minute
	}
	if cfg.StageTimeout == 0 {
		cfg.StageTimeout = 5 * time.Minute
	}
	if cfg.PipelineTimeout == 0 {
		cfg.PipelineTimeout = 15 * time.Minute
	}

	p := &WorkerPool{
		repo:     repo,
		versions: versions,
		builds:   make(map[BuildStrategyName]BuildStrategy, len(builds)),
		deploys:  make(map[DeployStrategyName]DeployStrategy, len(deploys)),
		verifier: verifier,
		cfg:      cfg,
		logger:   logger,
	}
	for _, b := range builds {
		p.builds[b.Name()] = b
	}
	for _, d := range deploys {
		p.deploys[d.Name()] = d
	}
	return p
}

// SetEventSink configures the lifecycle event callback.
func (p *WorkerPool) SetEventSink(fn EventSink) { p.onEvent = fn }

// Start launches the workers. They run until ctx is cancelled.
func (p *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Count; i++ {
		workerID := fmt.Sprintf("worker-%s-%d", uuid.NewString()[:8], i)
		p.wg.Add(1)
		go p.run(ctx, workerID)
	}
}

// Wait blocks until all workers have exited.
func (p *WorkerPool) Wait() { p.wg.Wait() }

func (p *WorkerPool) run(ctx context.Context, workerID string) {
	defer p.wg.Done()
	log := p.logger.With(zap.String("worker_id", workerID))
	log.Info("deployment worker started")

	for {
		d, err := p.repo.AcquireNext(ctx, workerID, p.cfg.LeaseDuration)
		switch {
		case errors.Is(err, ErrNotFound):
			select {
			case <-ctx.Done():
				log.Info("deployment worker stopping")
				return
			case <-time.After(p.cfg.PollInterval):
			}
			continue
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			log.Error("acquire deployment", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.PollInterval):
			}
			continue
		}

		p.process(ctx, workerID, d, log.With(zap.String("deployment_id", d.ID.String())))

		if ctx.Err() != nil {
			return
		}
	}
}

// errCancelled aborts the pipeline when the stop flag is observed.
var errCancelled = errors.New("cancellation requested")

// process drives one leased deployment to a terminal state, or leaves
// it mid-flight for another worker if this process dies. The pipeline
// deadline counts from row creation, not from lease acquisition, so a
// re-leased deployment cannot run forever.
func (p *WorkerPool) process(ctx context.Context, workerID string, d *Deployment, log *zap.Logger) {
	deadline := d.CreatedAt.Add(p.cfg.PipelineTimeout)
	pctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	stopRenew, leaseLost := p.renewLoop(pctx, cancel, workerID, d.ID)
	defer stopRenew()
	defer func() {
		if err := p.repo.ReleaseLease(context.WithoutCancel(ctx), d.ID, workerID); err != nil {
			log.Warn("release lease", zap.Error(err))
		}
	}()

	err := p.pipeline(pctx, d, log)
	switch {
	case err == nil:
		// Terminal transition already recorded by the pipeline.
	case leaseLost.Load():
		// Another worker owns the row now; it will finish the job.
		log.Warn("pipeline aborted after lease loss")
	case errors.Is(err, errCancelled):
		p.finalize(ctx, d, StatusStopped, "cancelled by stop request", log)
	case pctx.Err() != nil || apperr.Is(err, apperr.KindTimeout) || errors.Is(err, context.DeadlineExceeded):
		p.teardownPartial(ctx, d, log)
		p.finalize(ctx, d, StatusFailed, "timeout", log)
	default:
		p.finalize(ctx, d, StatusFailed, apperr.Detail(err), log)
	}
}

// pipeline executes the stages in order, consulting metadata markers so
// a resumed run re-attaches to external resources.
func (p *WorkerPool) pipeline(ctx context.Context, d *Deployment, log *zap.Logger) error {
	build, ok := p.builds[d.BuildStrategy]
	if !ok {
		return apperr.E(apperr.KindPreconditionFailed,
			fmt.Sprintf("unknown build strategy %q", d.BuildStrategy))
	}
	deploy, ok := p.deploys[d.DeployStrategy]
	if !ok {
		return apperr.E(apperr.KindPreconditionFailed,
			fmt.Sprintf("unknown deploy strategy %q", d.DeployStrategy))
	}

	if err := p.checkCancel(ctx, d, nil, ""); err != nil {
		return err
	}
	if d.Status == StatusPending {
		updated, err := p.transition(ctx, d, StatusDeploying, "pipeline started", log)
		if err != nil {
			return err
		}
		*d = *updated
	}

	// Build, unless a previous lease already pushed the image.
	imageTag := d.Metadata[MetaImageTag]
	if imageTag == "" {
		var err error
		imageTag, err = p.buildStage(ctx, d, build, log)
		if err != nil {
			return err
		}
		d.Metadata[MetaImageTag] = imageTag
	} else {
		log.Info("image already built, skipping build stage", zap.String("image_tag", imageTag))
	}

	if err := p.checkCancel(ctx, d, build, d.Metadata[MetaBuildJobID]); err != nil {
		return err
	}

	// Verify the image landed and fits the target.
	requireArch := ""
	if d.DeployStrategy == DeployServerless {
		requireArch = "amd64"
	}
	stageStart := time.Now()
	vctx, vcancel := context.WithTimeout(ctx, p.cfg.StageTimeout)
	err := p.verifier.VerifyImage(vctx, imageTag, requireArch)
	vcancel()
	httpx.RecordPipelineStage("verify_image", err)
	if err != nil {
		return err
	}
	log.Info("image verified", zap.String("image_tag", imageTag), zap.Duration("took", time.Since(stageStart)))

	if err := p.checkCancel(ctx, d, nil, ""); err != nil {
		return err
	}

	// Record the platform name before the create call so a crashed
	// worker knows a service may already exist.
	if err := p.repo.MergeMetadata(ctx, d.ID, map[string]string{
		MetaPlatformServiceName: d.ServiceName(),
	}); err != nil {
		return err
	}
	stageStart = time.Now()
	dctx, dcancel := context.WithTimeout(ctx, p.cfg.StageTimeout)
	endpoint, err := deploy.Deploy(dctx, d, imageTag)
	dcancel()
	httpx.RecordPipelineStage("deploy", err)
	if err != nil {
		return err
	}
	log.Info("platform service ready",
		zap.String("endpoint", endpoint),
		zap.Duration("took", time.Since(stageStart)))

	if err := p.repo.SetEndpoint(ctx, d.ID, endpoint); err != nil {
		return err
	}
	if _, err := p.transition(ctx, d, StatusRunning, "endpoint ready", log); err != nil {
		return err
	}
	return nil
}

// buildStage materializes the build context and runs the configured
// build strategy, recording the job id marker before the long poll.
func (p *WorkerPool) buildStage(ctx context.Context, d *Deployment, build BuildStrategy, log *zap.Logger) (string, error) {
	config, err := p.versions.VersionConfigByID(ctx, d.AgentVersionID)
	if err != nil {
		return "", fmt.Errorf("load version config: %w", err)
	}
	bc, err := MaterializeBuildContext(d, config, p.cfg.RegistryBase)
	if err != nil {
		return "", apperr.Wrap(apperr.KindPreconditionFailed, err.Error(), err)
	}

	jobID := d.Metadata[MetaBuildJobID]
	if jobID == "" {
		jobID, err = build.StartBuild(ctx, d, bc)
		if err != nil {
			httpx.RecordPipelineStage("build", err)
			return "", err
		}
		if err := p.repo.MergeMetadata(ctx, d.ID, map[string]string{MetaBuildJobID: jobID}); err != nil {
			return "", err
		}
		d.Metadata[MetaBuildJobID] = jobID
	} else {
		log.Info("re-attaching to build job", zap.String("build_job_id", jobID))
	}

	bctx, bcancel := context.WithTimeout(ctx, p.cfg.StageTimeout)
	err = build.AwaitBuild(bctx, jobID)
	bcancel()
	httpx.RecordPipelineStage("build", err)
	if err != nil {
		return "", err
	}
	if err := p.repo.MergeMetadata(ctx, d.ID, map[string]string{MetaImageTag: bc.ImageTag}); err != nil {
		return "", err
	}
	log.Info("build complete", zap.String("build_job_id", jobID), zap.String("image_tag", bc.ImageTag))
	return bc.ImageTag, nil
}

// checkCancel consults the stop flag between stages. When set, it makes
// a best-effort attempt to cancel an in-flight build before aborting.
func (p *WorkerPool) checkCancel(ctx context.Context, d *Deployment, build BuildStrategy, jobID string) error {
	flag, err := p.repo.CancelRequested(ctx, d.ID)
	if err != nil {
		return err
	}
	if !flag {
		return nil
	}
	if build != nil && jobID != "" {
		if err := build.CancelBuild(ctx, jobID); err != nil {
			p.logger.Warn("cancel in-flight build", zap.Error(err), zap.String("build_job_id", jobID))
		}
	}
	return errCancelled
}

// finalize records a terminal transition outside the pipeline deadline,
// so a timed-out pipeline can still write its own epitaph.
func (p *WorkerPool) finalize(ctx context.Context, d *Deployment, to Status, detail string, log *zap.Logger) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if _, err := p.transition(fctx, d, to, detail, log); err != nil {
		// A stop request may have already driven the row terminal.
		if !errors.Is(err, ErrIllegalTransition) {
			log.Error("record terminal transition", zap.Error(err), zap.String("to", string(to)))
		}
	}
}

// teardownPartial best-effort deletes whatever the deploy stage may
// have created before a timeout.
func (p *WorkerPool) teardownPartial(ctx context.Context, d *Deployment, log *zap.Logger) {
	if d.Metadata[MetaPlatformServiceName] == "" {
		return
	}
	deploy, ok := p.deploys[d.DeployStrategy]
	if !ok {
		return
	}
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := deploy.Teardown(tctx, d); err != nil {
		log.Warn("teardown partial service", zap.Error(err))
	}
}

func (p *WorkerPool) transition(ctx context.Context, d *Deployment, to Status, detail string, log *zap.Logger) (*Deployment, error) {
	updated, err := p.repo.Transition(ctx, d.ID, to, detail)
	if err != nil {
		return nil, err
	}
	log.Info("deployment transition",
		zap.String("from", string(d.Status)),
		zap.String("to", string(to)),
		zap.String("detail", detail))
	if p.onEvent != nil {
		p.onEvent(ctx, "deployment.status_changed", map[string]string{
			"deployment_id": d.ID.String(),
			"owner_id":      d.OwnerID.String(),
			"agent_id":      d.AgentID.String(),
			"from":          string(d.Status),
			"to":            string(to),
			"detail":        detail,
		})
	}
	return updated, nil
}

// renewLoop extends the lease at a third of its duration. Losing the
// lease cancels the pipeline so two workers never drive one row.
func (p *WorkerPool) renewLoop(ctx context.Context, cancel context.CancelFunc, workerID string, id uuid.UUID) (stop func(), leaseLost *atomic.Bool) {
	done := make(chan struct{})
	var once sync.Once
	leaseLost = new(atomic.Bool)
	go func() {
		ticker := time.NewTicker(p.cfg.LeaseDuration / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				if err := p.repo.RenewLease(ctx, id, workerID, p.cfg.LeaseDuration); err != nil {
					if errors.Is(err, ErrLeaseLost) {
						p.logger.Warn("lease lost, aborting pipeline",
							zap.String("deployment_id", id.String()),
							zap.String("worker_id", workerID))
						leaseLost.Store(true)
						cancel()
					}
					return
				}
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }, leaseLost
}
