package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/kgents/agentplane/internal/platform/apperr"
)

// IdentityProvider is the outbound contract to the external identity
// provider that issues user tokens. Implemented by *IDPClient; tests
// substitute stubs.
type IdentityProvider interface {
	SignUp(ctx context.Context, email, password string) (*IDPSession, error)
	SignIn(ctx context.Context, email, password string) (*IDPSession, error)
}

// IDPSession is the token bundle the identity provider returns. It is
// passed through to callers unchanged.
type IDPSession struct {
	UserID       uuid.UUID `json:"user_id"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type"`
	ExpiresIn    int       `json:"expires_in"`
}

// IDPClient talks to the identity provider's HTTP API.
type IDPClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewIDPClient creates an IDPClient for the given base URL.
func NewIDPClient(baseURL string) *IDPClient {
	return &IDPClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

type idpCredentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type idpTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	User         struct {
		ID string `json:"id"`
	} `json:"user"`
}

// SignUp registers a new user with the identity provider.
func (c *IDPClient) SignUp(ctx context.Context, email, password string) (*IDPSession, error) {
	return c.post(ctx, "/auth/v1/signup", email, password)
}

// SignIn authenticates an existing user via the password grant.
func (c *IDPClient) SignIn(ctx context.Context, email, password string) (*IDPSession, error) {
	return c.post(ctx, "/auth/v1/token?grant_type=password", email, password)
}

func (c *IDPClient) post(ctx context.Context, path, email, password string) (*IDPSession, error) {
	body, err := json.Marshal(idpCredentials{Email: email, Password: password})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransientUnavailable, "identity provider unreachable", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusBadRequest:
		return nil, apperr.E(apperr.KindUnauthenticated, "invalid credentials")
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, apperr.E(apperr.KindConflict, "email already registered")
	case resp.StatusCode >= 500:
		return nil, apperr.E(apperr.KindTransientUnavailable, "identity provider error")
	default:
		return nil, apperr.E(apperr.KindInternal, fmt.Sprintf("identity provider returned %d", resp.StatusCode))
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read idp response: %w", err)
	}

	var tr idpTokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return nil, fmt.Errorf("decode idp response: %w", err)
	}
	userID, err := uuid.Parse(tr.User.ID)
	if err != nil {
		return nil, fmt.Errorf("idp returned malformed user id %q", tr.User.ID)
	}

	return &IDPSession{
		UserID:       userID,
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		TokenType:    tr.TokenType,
		ExpiresIn:    tr.ExpiresIn,
	}, nil
}
