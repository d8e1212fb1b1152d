package deployment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kgents/agentplane/internal/platform/apperr"
)

// BuildStrategy turns a build context into a pushed container image.
// StartBuild must be idempotent on the deployment-derived job key so a
// resumed worker re-attaches instead of spawning a second build.
type BuildStrategy interface {
	Name() BuildStrategyName
	StartBuild(ctx context.Context, d *Deployment, bc *BuildContext) (jobID string, err error)
	AwaitBuild(ctx context.Context, jobID string) error
	CancelBuild(ctx context.Context, jobID string) error
}

// DeployStrategy runs a built image on a target platform. Deploy must
// treat "already exists" as success and re-attach to the service named
// after the deployment.
type DeployStrategy interface {
	Name() DeployStrategyName
	Deploy(ctx context.Context, d *Deployment, imageTag string) (endpoint string, err error)
	Teardown(ctx context.Context, d *Deployment) error
}

const (
	pollInitialInterval = 5 * time.Second
	pollMaxInterval     = 30 * time.Second
	maxTransientRetries = 5
)

// pollUntil calls fn at bounded intervals (5s doubling to 30s) until it
// reports done, fails hard, or the context expires. Transient errors
// count against a retry budget; hard errors abort immediately.
func pollUntil(ctx context.Context, fn func(ctx context.Context) (done bool, err error)) error {
	interval := pollInitialInterval
	transient := 0
	for {
		done, err := fn(ctx)
		switch {
		case err == nil:
			if done {
				return nil
			}
			transient = 0
		case apperr.Transient(err):
			transient++
			if transient > maxTransientRetries {
				return fmt.Errorf("giving up after %d transient failures: %w", transient-1, err)
			}
		default:
			return err
		}

		select {
		case <-ctx.Done():
			return apperr.E(apperr.KindTimeout, "timeout")
		case <-time.After(interval):
		}
		interval *= 2
		if interval > pollMaxInterval {
			interval = pollMaxInterval
		}
	}
}

// retryTransient runs fn up to maxTransientRetries+1 times with the
// same backoff schedule as pollUntil. Hard errors abort immediately.
func retryTransient(ctx context.Context, fn func(ctx context.Context) error) error {
	interval := pollInitialInterval
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil || !apperr.Transient(err) {
			return err
		}
		if attempt >= maxTransientRetries {
			return fmt.Errorf("giving up after %d transient failures: %w", attempt, err)
		}
		select {
		case <-ctx.Done():
			return apperr.E(apperr.KindTimeout, "timeout")
		case <-time.After(interval):
		}
		interval *= 2
		if interval > pollMaxInterval {
			interval = pollMaxInterval
		}
	}
}

// apiClient is the minimal JSON-over-HTTP plumbing shared by the
// build, registry, and platform clients.
type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newAPIClient(baseURL, token string) *apiClient {
	return &apiClient{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// doJSON performs a request and decodes the response into out (when
// non-nil). Status codes map onto error kinds: 429 and 5xx are
// transient, 404 is not_found, 409 is conflict, anything else 4xx is
// invalid_input.
func (c *apiClient) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.KindTransientUnavailable, "upstream unreachable", err)
	}
	defer resp.Body.Close()

	if err := statusToErr(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func statusToErr(resp *http.Response) error {
	if resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := fmt.Sprintf("upstream %s: %s", resp.Status, bytes.TrimSpace(snippet))
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return apperr.E(apperr.KindTransientUnavailable, msg)
	case resp.StatusCode == http.StatusNotFound:
		return apperr.E(apperr.KindNotFound, msg)
	case resp.StatusCode == http.StatusConflict:
		return apperr.E(apperr.KindConflict, msg)
	default:
		return apperr.E(apperr.KindInvalidInput, msg)
	}
}
