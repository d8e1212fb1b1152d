// Package client provides the agentplane Go SDK used by agentctl and by
// programs embedding the control plane API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Agent is the catalog record returned by the agents API.
type Agent struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"owner_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Status      string    `json:"status"`
	Tags        []string  `json:"tags"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// AgentVersion is one immutable configuration snapshot of an agent.
type AgentVersion struct {
	ID            string          `json:"id"`
	AgentID       string          `json:"agent_id"`
	VersionNumber int             `json:"version_number"`
	Config        json.RawMessage `json:"config"`
	Changelog     string          `json:"changelog"`
	PublishedAt   *time.Time      `json:"published_at"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Deployment is the pipeline record returned by the deployments API.
type Deployment struct {
	ID             string            `json:"id"`
	OwnerID        string            `json:"owner_id"`
	AgentID        string            `json:"agent_id"`
	AgentVersionID string            `json:"agent_version_id"`
	Status         string            `json:"status"`
	EndpointURL    string            `json:"endpoint_url"`
	ErrorMessage   string            `json:"error_message"`
	BuildStrategy  string            `json:"build_strategy"`
	DeployStrategy string            `json:"deploy_strategy"`
	Metadata       map[string]string `json:"metadata"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Transition is one entry of a deployment's status log.
type Transition struct {
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	Detail     string    `json:"detail"`
	At         time.Time `json:"at"`
}

// Conversation is a chat session bound to an agent.
type Conversation struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	AgentID   string    `json:"agent_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is one turn within a conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// CreateAgentRequest is the payload for CreateAgent.
type CreateAgentRequest struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Tags        []string        `json:"tags,omitempty"`
	Config      json.RawMessage `json:"config"`
}

// DeployRequest is the payload for Deploy.
type DeployRequest struct {
	AgentID        string `json:"agent_id"`
	AgentVersionID string `json:"agent_version_id"`
	BuildStrategy  string `json:"build_strategy,omitempty"`
	DeployStrategy string `json:"deploy_strategy,omitempty"`
}

// Client is the agentplane SDK entry point.
type Client struct {
	baseURL    string
	httpClient *http.Client

	// token state, guarded by mu
	mu           sync.Mutex
	bearerToken  string
	tokenExpiry  time.Time // zero = token set manually, never auto-refresh
	clientID     string
	clientSecret string
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithToken attaches a pre-obtained bearer token to every request. The
// token is treated as long-lived and never auto-refreshed.
func WithToken(token string) Option {
	return func(c *Client) {
		c.bearerToken = token
		c.tokenExpiry = time.Time{}
	}
}

// WithClientCredentials configures machine authentication. Tokens are
// obtained from /auth/token and refreshed shortly before expiry.
func WithClientCredentials(clientID, clientSecret string) Option {
	return func(c *Client) {
		c.clientID = clientID
		c.clientSecret = clientSecret
	}
}

// New creates an SDK Client for the control plane at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ── Auth ────────────────────────────────────────────────────────────────

// Login authenticates a user and stores the returned access token on
// the client for subsequent calls.
func (c *Client) Login(ctx context.Context, email, password string) (string, error) {
	var out struct {
		AccessToken string `json:"access_token"`
	}
	err := c.call(ctx, http.MethodPost, "/api/v1/auth/users/login",
		map[string]string{"email": email, "password": password}, &out)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.bearerToken = out.AccessToken
	c.tokenExpiry = time.Time{}
	c.mu.Unlock()
	return out.AccessToken, nil
}

// Register creates a user account through the control plane.
func (c *Client) Register(ctx context.Context, email, password, displayName string) error {
	return c.call(ctx, http.MethodPost, "/api/v1/auth/users/register", map[string]string{
		"email":        email,
		"password":     password,
		"display_name": displayName,
	}, nil)
}

// fetchToken performs the client_credentials exchange.
func (c *Client) fetchToken(ctx context.Context) (string, time.Time, error) {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v1/auth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return "", time.Time{}, fmt.Errorf("token endpoint error %d: %s", resp.StatusCode, string(body))
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", time.Time{}, fmt.Errorf("decode token response: %w", err)
	}

	// Refresh 60s before actual expiry to absorb clock skew.
	exp := time.Now().Add(time.Duration(payload.ExpiresIn)*time.Second - time.Minute)
	return payload.AccessToken, exp, nil
}

// ensureToken returns a valid bearer token, refreshing the machine token
// when it approaches expiry. Thread-safe.
func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bearerToken != "" && (c.tokenExpiry.IsZero() || time.Now().Before(c.tokenExpiry)) {
		return c.bearerToken, nil
	}
	if c.clientID == "" {
		return "", fmt.Errorf("not authenticated: call Login or configure client credentials")
	}
	token, expiry, err := c.fetchToken(ctx)
	if err != nil {
		return "", err
	}
	c.bearerToken = token
	c.tokenExpiry = expiry
	return token, nil
}

// ── Catalog ─────────────────────────────────────────────────────────────

// CreateAgent registers a new agent; its config becomes version 1.
func (c *Client) CreateAgent(ctx context.Context, req CreateAgentRequest) (*Agent, *AgentVersion, error) {
	var out struct {
		Agent   Agent        `json:"agent"`
		Version AgentVersion `json:"version"`
	}
	if err := c.call(ctx, http.MethodPost, "/api/v1/agents", req, &out); err != nil {
		return nil, nil, err
	}
	return &out.Agent, &out.Version, nil
}

// ListAgents returns the caller's agents, optionally filtered by status
// and tag.
func (c *Client) ListAgents(ctx context.Context, status, tag string) ([]Agent, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if tag != "" {
		q.Set("tag", tag)
	}
	path := "/api/v1/agents"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out struct {
		Agents []Agent `json:"agents"`
	}
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Agents, nil
}

// GetAgent fetches a single agent by id.
func (c *Client) GetAgent(ctx context.Context, id string) (*Agent, error) {
	var out Agent
	if err := c.call(ctx, http.MethodGet, "/api/v1/agents/"+id, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateVersion appends a new configuration version to an agent.
func (c *Client) CreateVersion(ctx context.Context, agentID string, config json.RawMessage, changelog string) (*AgentVersion, error) {
	var out AgentVersion
	err := c.call(ctx, http.MethodPost, "/api/v1/agents/"+agentID+"/versions", map[string]any{
		"config":    config,
		"changelog": changelog,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// LatestVersion fetches an agent's newest version.
func (c *Client) LatestVersion(ctx context.Context, agentID string) (*AgentVersion, error) {
	var out AgentVersion
	if err := c.call(ctx, http.MethodGet, "/api/v1/agents/"+agentID+"/versions/latest", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PublishVersion marks a version published and the agent publishable.
func (c *Client) PublishVersion(ctx context.Context, agentID string, number int) (*AgentVersion, error) {
	var out AgentVersion
	path := fmt.Sprintf("/api/v1/agents/%s/versions/%d/publish", agentID, number)
	if err := c.call(ctx, http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ArchiveAgent retires an agent.
func (c *Client) ArchiveAgent(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodPost, "/api/v1/agents/"+id+"/archive", nil, nil)
}

// ── Deployments ─────────────────────────────────────────────────────────

// Deploy enqueues a deployment of an agent version. The pipeline runs
// asynchronously; poll GetDeployment for progress.
func (c *Client) Deploy(ctx context.Context, req DeployRequest) (*Deployment, error) {
	var out Deployment
	if err := c.call(ctx, http.MethodPost, "/api/v1/deployments", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetDeployment fetches a deployment by id.
func (c *Client) GetDeployment(ctx context.Context, id string) (*Deployment, error) {
	var out Deployment
	if err := c.call(ctx, http.MethodGet, "/api/v1/deployments/"+id, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListDeployments returns the caller's deployments.
func (c *Client) ListDeployments(ctx context.Context, status string) ([]Deployment, error) {
	path := "/api/v1/deployments"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var out struct {
		Deployments []Deployment `json:"deployments"`
	}
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Deployments, nil
}

// Transitions returns a deployment's durable status log.
func (c *Client) Transitions(ctx context.Context, id string) ([]Transition, error) {
	var out struct {
		Transitions []Transition `json:"transitions"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v1/deployments/"+id+"/transitions", nil, &out); err != nil {
		return nil, err
	}
	return out.Transitions, nil
}

// StopDeployment requests termination of a deployment.
func (c *Client) StopDeployment(ctx context.Context, id string) (*Deployment, error) {
	var out Deployment
	if err := c.call(ctx, http.MethodDelete, "/api/v1/deployments/"+id, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WaitForDeployment polls until the deployment reaches a terminal state
// or starts running, or the context expires.
func (c *Client) WaitForDeployment(ctx context.Context, id string, poll time.Duration) (*Deployment, error) {
	if poll <= 0 {
		poll = 3 * time.Second
	}
	for {
		d, err := c.GetDeployment(ctx, id)
		if err != nil {
			return nil, err
		}
		switch d.Status {
		case "running", "stopped", "failed":
			return d, nil
		}
		select {
		case <-ctx.Done():
			return d, ctx.Err()
		case <-time.After(poll):
		}
	}
}

// ── Conversations ───────────────────────────────────────────────────────

// CreateConversation starts a chat session bound to an agent.
func (c *Client) CreateConversation(ctx context.Context, agentID, title string) (*Conversation, error) {
	var out Conversation
	err := c.call(ctx, http.MethodPost, "/api/v1/conversations", map[string]string{
		"agent_id": agentID,
		"title":    title,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// PostMessage appends a message; user messages trigger an agent turn.
func (c *Client) PostMessage(ctx context.Context, conversationID, role, content string) (*Message, error) {
	var out Message
	err := c.call(ctx, http.MethodPost, "/api/v1/conversations/"+conversationID+"/messages",
		map[string]string{"role": role, "content": content}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListMessages returns a conversation's messages in order.
func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	var out struct {
		Messages []Message `json:"messages"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v1/conversations/"+conversationID+"/messages", nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// ── Plumbing ────────────────────────────────────────────────────────────

// call executes an authenticated JSON request against the control plane.
func (c *Client) call(ctx context.Context, method, path string, reqBody, respBody any) error {
	var bodyReader io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	// Login and register are the only unauthenticated calls.
	if !strings.HasPrefix(path, "/api/v1/auth/users/login") && !strings.HasPrefix(path, "/api/v1/auth/users/register") {
		token, err := c.ensureToken(ctx)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var envelope struct {
			Detail string `json:"detail"`
		}
		if json.Unmarshal(body, &envelope) == nil && envelope.Detail != "" {
			return fmt.Errorf("HTTP %d: %s", resp.StatusCode, envelope.Detail)
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}
	if respBody != nil && len(body) > 0 {
		if err := json.Unmarshal(body, respBody); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
