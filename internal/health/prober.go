package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kgents/agentplane/internal/deployment"
	"github.com/kgents/agentplane/internal/platform/httpx"
	"go.uber.org/zap"
)

// ProberConfig tunes the background endpoint prober.
type ProberConfig struct {
	Interval      time.Duration
	ProbeTimeout  time.Duration
	FailThreshold int
	Concurrency   int
}

func (c ProberConfig) withDefaults() ProberConfig {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 10 * time.Second
	}
	if c.FailThreshold <= 0 {
		c.FailThreshold = 3
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 10
	}
	return c
}

// deploymentLister returns running deployments and status counts.
// Satisfied by *deployment.Repository.
type deploymentLister interface {
	ListRunningEndpoints(ctx context.Context) ([]*deployment.Deployment, error)
	CountByStatus(ctx context.Context) (map[deployment.Status]int, error)
}

// DispatchFunc fans a lifecycle event out to webhook subscribers.
type DispatchFunc func(ctx context.Context, eventType string, payload map[string]string)

// Prober periodically probes the endpoints of running deployments. A
// deployment whose endpoint fails FailThreshold consecutive probes is
// flagged unhealthy via a webhook event; it is not a state machine
// transition, the deployment stays running.
type Prober struct {
	lister     deploymentLister
	httpClient *http.Client
	cfg        ProberConfig
	onEvent    DispatchFunc
	logger     *zap.Logger

	mu         sync.Mutex
	failCounts map[uuid.UUID]int
}

// NewProber creates a Prober.
func NewProber(lister deploymentLister, cfg ProberConfig, logger *zap.Logger) *Prober {
	cfg = cfg.withDefaults()
	return &Prober{
		lister:     lister,
		httpClient: &http.Client{Timeout: cfg.ProbeTimeout},
		cfg:        cfg,
		failCounts: make(map[uuid.UUID]int),
		logger:     logger,
	}
}

// SetDispatch configures the webhook dispatch callback.
func (p *Prober) SetDispatch(fn DispatchFunc) { p.onEvent = fn }

// Start runs the probe loop until the context is cancelled.
func (p *Prober) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(p.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cycleCtx, cancel := context.WithTimeout(ctx, p.cfg.Interval-time.Second)
				p.ProbeAll(cycleCtx)
				p.refreshGauges(cycleCtx)
				cancel()
			}
		}
	}()
}

// ProbeAll probes every running deployment once, with bounded
// concurrency.
func (p *Prober) ProbeAll(ctx context.Context) {
	deployments, err := p.lister.ListRunningEndpoints(ctx)
	if err != nil {
		p.logger.Error("prober: list running deployments", zap.Error(err))
		return
	}

	sem := make(chan struct{}, p.cfg.Concurrency)
	var wg sync.WaitGroup
	for _, d := range deployments {
		wg.Add(1)
		go func(d *deployment.Deployment) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			p.probeOne(ctx, d)
		}(d)
	}
	wg.Wait()

	p.pruneStale(deployments)
}

func (p *Prober) probeOne(ctx context.Context, d *deployment.Deployment) {
	success := p.probeEndpoint(ctx, d.EndpointURL)

	p.mu.Lock()
	if success {
		recovered := p.failCounts[d.ID] >= p.cfg.FailThreshold
		p.failCounts[d.ID] = 0
		p.mu.Unlock()
		if recovered {
			p.logger.Info("prober: endpoint recovered",
				zap.String("deployment_id", d.ID.String()),
				zap.String("endpoint", d.EndpointURL))
		}
		return
	}
	p.failCounts[d.ID]++
	count := p.failCounts[d.ID]
	p.mu.Unlock()

	p.logger.Warn("prober: endpoint probe failed",
		zap.String("deployment_id", d.ID.String()),
		zap.String("endpoint", d.EndpointURL),
		zap.Int("fail_count", count))

	// Fire exactly once, at the threshold crossing.
	if count == p.cfg.FailThreshold && p.onEvent != nil {
		p.onEvent(ctx, "deployment.endpoint_unhealthy", map[string]string{
			"deployment_id": d.ID.String(),
			"owner_id":      d.OwnerID.String(),
			"agent_id":      d.AgentID.String(),
			"endpoint":      d.EndpointURL,
		})
	}
}

// probeEndpoint tries HEAD first, then GET. Any 2xx counts as healthy.
func (p *Prober) probeEndpoint(ctx context.Context, endpoint string) bool {
	for _, method := range []string{http.MethodHead, http.MethodGet} {
		req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
		if err != nil {
			return false
		}
		resp, err := p.httpClient.Do(req)
		if err != nil {
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return true
		}
	}
	return false
}

// pruneStale drops counters for deployments no longer running so the
// map does not grow without bound.
func (p *Prober) pruneStale(current []*deployment.Deployment) {
	alive := make(map[uuid.UUID]struct{}, len(current))
	for _, d := range current {
		alive[d.ID] = struct{}{}
	}
	p.mu.Lock()
	for id := range p.failCounts {
		if _, ok := alive[id]; !ok {
			delete(p.failCounts, id)
		}
	}
	p.mu.Unlock()
}

func (p *Prober) refreshGauges(ctx context.Context) {
	counts, err := p.lister.CountByStatus(ctx)
	if err != nil {
		p.logger.Warn("prober: count deployments", zap.Error(err))
		return
	}
	for _, status := range []deployment.Status{
		deployment.StatusPending, deployment.StatusDeploying,
		deployment.StatusRunning, deployment.StatusStopped, deployment.StatusFailed,
	} {
		httpx.SetDeploymentGauge(string(status), float64(counts[status]))
	}
}
