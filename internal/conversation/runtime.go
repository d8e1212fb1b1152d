package conversation

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// ErrRuntimeAuth is returned when the runtime login handshake fails.
// Callers surface it to subscribers as a runtime_auth_failed warning.
var ErrRuntimeAuth = errors.New("runtime authentication failed")

// Runtime streams an agent's reply for one user message. Emit is called
// once per chunk, in order, from a single goroutine.
type Runtime interface {
	Run(ctx context.Context, endpoint, input string, emit func(chunk string)) error
}

// TokenSourceFunc supplies the machine token source used for the
// runtime handshake. Satisfied by (*auth.Bootstrapper).TokenSource.
type TokenSourceFunc func(ctx context.Context) (oauth2.TokenSource, error)

// HTTPRuntime talks to a deployed agent runtime over HTTP. The login
// handshake exchanges the control plane's machine token for a
// runtime-scoped access token, then POST /api/v1/run streams the reply
// as newline-delimited JSON chunks.
type HTTPRuntime struct {
	tokens     TokenSourceFunc
	httpClient *http.Client
}

// NewHTTPRuntime creates a runtime client with the given stream timeout.
func NewHTTPRuntime(tokens TokenSourceFunc, streamTimeout time.Duration) *HTTPRuntime {
	if streamTimeout <= 0 {
		streamTimeout = 2 * time.Minute
	}
	return &HTTPRuntime{
		tokens:     tokens,
		httpClient: &http.Client{Timeout: streamTimeout},
	}
}

// Run performs the handshake and streams the agent's reply.
func (r *HTTPRuntime) Run(ctx context.Context, endpoint, input string, emit func(chunk string)) error {
	runtimeToken, err := r.login(ctx, endpoint)
	if err != nil {
		return err
	}

	body, err := json.Marshal(map[string]string{"input": input})
	if err != nil {
		return fmt.Errorf("marshal run request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(endpoint, "/")+"/api/v1/run", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build run request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+runtimeToken)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("runtime run: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("runtime run: HTTP %d", resp.StatusCode)
	}

	// The runtime emits one JSON object per line.
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal(line, &chunk); err != nil {
			// Unknown chunk shape: forward the raw line.
			emit(string(line))
			continue
		}
		if chunk.Content != "" {
			emit(chunk.Content)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("runtime stream: %w", err)
	}
	return nil
}

// login exchanges the control plane's machine token for a runtime
// access token via the runtime's auto_login endpoint.
func (r *HTTPRuntime) login(ctx context.Context, endpoint string) (string, error) {
	ts, err := r.tokens(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRuntimeAuth, err)
	}
	tok, err := ts.Token()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRuntimeAuth, err)
	}

	loginCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(loginCtx, http.MethodGet,
		strings.TrimRight(endpoint, "/")+"/api/v1/auto_login", nil)
	if err != nil {
		return "", fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRuntimeAuth, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: HTTP %d", ErrRuntimeAuth, resp.StatusCode)
	}

	var out struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.AccessToken == "" {
		return "", fmt.Errorf("%w: malformed login response", ErrRuntimeAuth)
	}
	return out.AccessToken, nil
}
