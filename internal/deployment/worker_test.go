package deployment_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kgents/agentplane/internal/deployment"
	"go.uber.org/zap"
)

// ── Stub repository ─────────────────────────────────────────────────────

type stubDeployRepo struct {
	mu          sync.Mutex
	rows        map[uuid.UUID]*deployment.Deployment
	log         map[uuid.UUID][]deployment.Status
	cancelFlags map[uuid.UUID]bool
	queue       []uuid.UUID
}

func newStubDeployRepo() *stubDeployRepo {
	return &stubDeployRepo{
		rows:        make(map[uuid.UUID]*deployment.Deployment),
		log:         make(map[uuid.UUID][]deployment.Status),
		cancelFlags: make(map[uuid.UUID]bool),
	}
}

func (s *stubDeployRepo) add(d *deployment.Deployment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.Metadata == nil {
		d.Metadata = map[string]string{}
	}
	d.Status = deployment.StatusPending
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	s.rows[d.ID] = d
	s.log[d.ID] = []deployment.Status{deployment.StatusPending}
	s.queue = append(s.queue, d.ID)
}

func (s *stubDeployRepo) statuses(id uuid.UUID) []deployment.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]deployment.Status, len(s.log[id]))
	copy(out, s.log[id])
	return out
}

func (s *stubDeployRepo) AcquireNext(_ context.Context, _ string, _ time.Duration) (*deployment.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, deployment.ErrNotFound
	}
	id := s.queue[0]
	s.queue = s.queue[1:]
	cp := *s.rows[id]
	cp.Metadata = cloneMap(s.rows[id].Metadata)
	return &cp, nil
}

func (s *stubDeployRepo) RenewLease(context.Context, uuid.UUID, string, time.Duration) error {
	return nil
}

func (s *stubDeployRepo) ReleaseLease(context.Context, uuid.UUID, string) error { return nil }

func (s *stubDeployRepo) Transition(_ context.Context, id uuid.UUID, to deployment.Status, detail string) (*deployment.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.rows[id]
	if !ok {
		return nil, deployment.ErrNotFound
	}
	if !deployment.CanTransition(d.Status, to) {
		return nil, deployment.ErrIllegalTransition
	}
	d.Status = to
	if to == deployment.StatusFailed {
		d.ErrorMessage = detail
	}
	now := time.Now().UTC()
	switch to {
	case deployment.StatusRunning:
		d.DeployedAt = &now
	case deployment.StatusStopped:
		d.StoppedAt = &now
	}
	s.log[id] = append(s.log[id], to)
	cp := *d
	cp.Metadata = cloneMap(d.Metadata)
	return &cp, nil
}

func (s *stubDeployRepo) SetEndpoint(_ context.Context, id uuid.UUID, endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[id].EndpointURL = endpoint
	return nil
}

func (s *stubDeployRepo) MergeMetadata(_ context.Context, id uuid.UUID, kv map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range kv {
		s.rows[id].Metadata[k] = v
	}
	return nil
}

func (s *stubDeployRepo) CancelRequested(_ context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelFlags[id], nil
}

func cloneMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ── Stub strategies ─────────────────────────────────────────────────────

type stubBuild struct {
	mu         sync.Mutex
	starts     int
	awaits     int
	cancels    int
	failBuild  error
	awaitDelay time.Duration
}

func (b *stubBuild) Name() deployment.BuildStrategyName { return deployment.BuildCIDriven }

func (b *stubBuild) StartBuild(_ context.Context, d *deployment.Deployment, _ *deployment.BuildContext) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.starts++
	return "job-" + d.ID.String(), nil
}

func (b *stubBuild) AwaitBuild(ctx context.Context, _ string) error {
	b.mu.Lock()
	b.awaits++
	fail := b.failBuild
	delay := b.awaitDelay
	b.mu.Unlock()
	if delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fail
}

func (b *stubBuild) CancelBuild(context.Context, string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancels++
	return nil
}

type stubDeployStrategy struct {
	mu        sync.Mutex
	deploys   int
	teardowns int
	failWith  error
}

func (d *stubDeployStrategy) Name() deployment.DeployStrategyName { return deployment.DeployServerless }

func (d *stubDeployStrategy) Deploy(_ context.Context, dep *deployment.Deployment, _ string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deploys++
	if d.failWith != nil {
		return "", d.failWith
	}
	return "https://" + dep.ServiceName() + ".run.example.com", nil
}

func (d *stubDeployStrategy) Teardown(context.Context, *deployment.Deployment) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.teardowns++
	return nil
}

type stubVerifier struct{ err error }

func (v *stubVerifier) VerifyImage(context.Context, string, string) error { return v.err }

type stubVersions struct{ config []byte }

func (v *stubVersions) VersionConfigByID(context.Context, uuid.UUID) ([]byte, error) {
	if v.config == nil {
		return []byte(`{"nodes":[],"edges":[]}`), nil
	}
	return v.config, nil
}

// ── helpers ─────────────────────────────────────────────────────────────

func newTestPool(repo *stubDeployRepo, build *stubBuild, deploy *stubDeployStrategy, verify *stubVerifier) *deployment.WorkerPool {
	return deployment.NewWorkerPool(
		repo,
		&stubVersions{},
		[]deployment.BuildStrategy{build},
		[]deployment.DeployStrategy{deploy},
		verify,
		deployment.WorkerConfig{
			Count:           1,
			PollInterval:    10 * time.Millisecond,
			LeaseDuration:   time.Minute,
			PipelineTimeout: 5 * time.Second,
			RegistryBase:    "registry.example.com/kgents/agents",
		},
		zap.NewNop(),
	)
}

func newPendingDeployment() *deployment.Deployment {
	return &deployment.Deployment{
		ID:             uuid.New(),
		OwnerID:        uuid.New(),
		AgentID:        uuid.New(),
		AgentVersionID: uuid.New(),
		BuildStrategy:  deployment.BuildCIDriven,
		DeployStrategy: deployment.DeployServerless,
	}
}

func waitTerminal(t *testing.T, repo *stubDeployRepo, id uuid.UUID) deployment.Status {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatalf("deployment %s never reached a terminal state; log: %v", id, repo.statuses(id))
		case <-time.After(5 * time.Millisecond):
		}
		repo.mu.Lock()
		st := repo.rows[id].Status
		repo.mu.Unlock()
		if st.Terminal() {
			return st
		}
	}
}

// ── Tests ───────────────────────────────────────────────────────────────

func TestPipeline_HappyPath(t *testing.T) {
	repo := newStubDeployRepo()
	build := &stubBuild{}
	deploy := &stubDeployStrategy{}
	pool := newTestPool(repo, build, deploy, &stubVerifier{})

	d := newPendingDeployment()
	repo.add(d)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	if st := waitTerminal(t, repo, d.ID); st != deployment.StatusRunning {
		t.Fatalf("terminal status = %s, want running (%s)", st, repo.rows[d.ID].ErrorMessage)
	}
	cancel()
	pool.Wait()

	got := repo.statuses(d.ID)
	want := []deployment.Status{deployment.StatusPending, deployment.StatusDeploying, deployment.StatusRunning}
	if len(got) != len(want) {
		t.Fatalf("status log = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("status log = %v, want %v", got, want)
		}
	}
	if repo.rows[d.ID].EndpointURL == "" {
		t.Error("running deployment has no endpoint_url")
	}
	if repo.rows[d.ID].Metadata[deployment.MetaBuildJobID] == "" {
		t.Error("build_job_id marker not recorded")
	}
	if repo.rows[d.ID].Metadata[deployment.MetaImageTag] == "" {
		t.Error("image_tag marker not recorded")
	}
}

func TestPipeline_ResumesWithoutDuplicateBuild(t *testing.T) {
	repo := newStubDeployRepo()
	build := &stubBuild{}
	deploy := &stubDeployStrategy{}
	pool := newTestPool(repo, build, deploy, &stubVerifier{})

	// Simulate a crashed worker: the row is deploying with a build job
	// marker already recorded.
	d := newPendingDeployment()
	repo.add(d)
	repo.rows[d.ID].Status = deployment.StatusDeploying
	repo.rows[d.ID].Metadata[deployment.MetaBuildJobID] = "job-previous"
	repo.log[d.ID] = append(repo.log[d.ID], deployment.StatusDeploying)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	if st := waitTerminal(t, repo, d.ID); st != deployment.StatusRunning {
		t.Fatalf("terminal status = %s, want running", st)
	}
	cancel()
	pool.Wait()

	if build.starts != 0 {
		t.Errorf("StartBuild called %d times on resume, want 0 (re-attach)", build.starts)
	}
	if build.awaits != 1 {
		t.Errorf("AwaitBuild called %d times, want 1", build.awaits)
	}
	if deploy.deploys != 1 {
		t.Errorf("Deploy called %d times, want 1", deploy.deploys)
	}
}

func TestPipeline_SkipsBuildWhenImageRecorded(t *testing.T) {
	repo := newStubDeployRepo()
	build := &stubBuild{}
	deploy := &stubDeployStrategy{}
	pool := newTestPool(repo, build, deploy, &stubVerifier{})

	d := newPendingDeployment()
	repo.add(d)
	repo.rows[d.ID].Status = deployment.StatusDeploying
	repo.rows[d.ID].Metadata[deployment.MetaImageTag] = "registry.example.com/kgents/agents:" + d.ID.String()
	repo.log[d.ID] = append(repo.log[d.ID], deployment.StatusDeploying)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	if st := waitTerminal(t, repo, d.ID); st != deployment.StatusRunning {
		t.Fatalf("terminal status = %s, want running", st)
	}
	cancel()
	pool.Wait()

	if build.starts != 0 || build.awaits != 0 {
		t.Errorf("build invoked (%d starts, %d awaits) despite recorded image", build.starts, build.awaits)
	}
}

func TestPipeline_BuildFailureIsTerminal(t *testing.T) {
	repo := newStubDeployRepo()
	build := &stubBuild{failBuild: errors.New("compile error in flow graph")}
	deploy := &stubDeployStrategy{}
	pool := newTestPool(repo, build, deploy, &stubVerifier{})

	d := newPendingDeployment()
	repo.add(d)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	if st := waitTerminal(t, repo, d.ID); st != deployment.StatusFailed {
		t.Fatalf("terminal status = %s, want failed", st)
	}
	cancel()
	pool.Wait()

	if deploy.deploys != 0 {
		t.Error("deploy stage ran after build failure")
	}
	if repo.rows[d.ID].ErrorMessage == "" {
		t.Error("failed deployment has no error_message")
	}
}

func TestPipeline_CancelBetweenStages(t *testing.T) {
	repo := newStubDeployRepo()
	build := &stubBuild{awaitDelay: 50 * time.Millisecond}
	deploy := &stubDeployStrategy{}
	pool := newTestPool(repo, build, deploy, &stubVerifier{})

	d := newPendingDeployment()
	repo.add(d)
	// Flag is set before the worker ever sees the row; it must stop at
	// the first stage boundary without calling the platform.
	repo.cancelFlags[d.ID] = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	if st := waitTerminal(t, repo, d.ID); st != deployment.StatusStopped {
		t.Fatalf("terminal status = %s, want stopped", st)
	}
	cancel()
	pool.Wait()

	for _, st := range repo.statuses(d.ID) {
		if st == deployment.StatusRunning {
			t.Fatal("cancelled deployment observed running")
		}
	}
	if deploy.deploys != 0 {
		t.Error("platform create called for a cancelled deployment")
	}
}

func TestPipeline_TimeoutFailsWithTeardown(t *testing.T) {
	repo := newStubDeployRepo()
	build := &stubBuild{awaitDelay: time.Minute}
	deploy := &stubDeployStrategy{}
	pool := newTestPool(repo, build, deploy, &stubVerifier{})

	d := newPendingDeployment()
	// Created long ago: the 5s pipeline budget is already spent.
	d.CreatedAt = time.Now().UTC().Add(-time.Hour)
	repo.add(d)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	if st := waitTerminal(t, repo, d.ID); st != deployment.StatusFailed {
		t.Fatalf("terminal status = %s, want failed", st)
	}
	cancel()
	pool.Wait()

	if repo.rows[d.ID].ErrorMessage != "timeout" {
		t.Errorf("error_message = %q, want timeout", repo.rows[d.ID].ErrorMessage)
	}
}

func TestCanTransition(t *testing.T) {
	legal := [][2]deployment.Status{
		{deployment.StatusPending, deployment.StatusDeploying},
		{deployment.StatusPending, deployment.StatusStopped},
		{deployment.StatusPending, deployment.StatusFailed},
		{deployment.StatusDeploying, deployment.StatusRunning},
		{deployment.StatusDeploying, deployment.StatusFailed},
		{deployment.StatusDeploying, deployment.StatusStopped},
		{deployment.StatusRunning, deployment.StatusStopped},
		{deployment.StatusRunning, deployment.StatusFailed},
	}
	for _, edge := range legal {
		if !deployment.CanTransition(edge[0], edge[1]) {
			t.Errorf("%s -> %s rejected, want allowed", edge[0], edge[1])
		}
	}

	illegal := [][2]deployment.Status{
		{deployment.StatusStopped, deployment.StatusRunning},
		{deployment.StatusFailed, deployment.StatusPending},
		{deployment.StatusFailed, deployment.StatusDeploying},
		{deployment.StatusRunning, deployment.StatusDeploying},
		{deployment.StatusStopped, deployment.StatusDeploying},
	}
	for _, edge := range illegal {
		if deployment.CanTransition(edge[0], edge[1]) {
			t.Errorf("%s -> %s allowed, want rejected", edge[0], edge[1])
		}
	}
}

func TestMaterializeBuildContext(t *testing.T) {
	d := newPendingDeployment()

	bc, err := deployment.MaterializeBuildContext(d, []byte(`{"nodes":[],"edges":[]}`), "registry.example.com/kgents/agents")
	if err != nil {
		t.Fatalf("MaterializeBuildContext() error: %v", err)
	}
	if bc.ImageTag != "registry.example.com/kgents/agents:"+d.ID.String() {
		t.Errorf("image tag = %q, want deployment-derived tag", bc.ImageTag)
	}
	if len(bc.Archive) == 0 {
		t.Error("empty build context archive")
	}

	// Config without the required top-level keys is a hard failure.
	if _, err := deployment.MaterializeBuildContext(d, []byte(`{"model":"gpt-4o"}`), "r"); err == nil {
		t.Error("config without nodes/edges accepted")
	}
	if _, err := deployment.MaterializeBuildContext(d, []byte(`not json`), "r"); err == nil {
		t.Error("non-JSON config accepted")
	}
}
