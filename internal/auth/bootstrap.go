package auth

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/kgents/agentplane/internal/platform/apperr"
	"github.com/kgents/agentplane/internal/platform/config"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// coreRoles are created idempotently at cold start.
var coreRoles = map[string]string{
	RoleAdmin:              "Full administrative access.",
	RoleUser:               "A standard, authenticated user.",
	RoleConversationClient: "Service role for the conversation hub.",
	RoleDeploymentClient:   "Service role for the deployment engine.",
	RoleAgentRuntimeClient: "Service role for deployed agent runtimes.",
}

// corePermissions are created idempotently at cold start.
var corePermissions = []string{
	PermAdminManage,
	PermAgentCreate,
	PermAgentDeploy,
	PermAgentReadAny,
	PermAgentWriteAny,
	PermToolCreate,
	PermToolReadAny,
	PermToolWriteAny,
	PermUsersRead,
}

// rolePermissionSeed maps core roles to their permissions. The admin role
// relies on the wildcard grant and carries only admin:manage explicitly.
var rolePermissionSeed = map[string][]string{
	RoleAdmin:              {PermAdminManage},
	RoleUser:               {PermUsersRead, PermAgentCreate, PermAgentDeploy, PermToolCreate},
	RoleConversationClient: {PermAgentReadAny},
	RoleDeploymentClient:   {PermAgentReadAny},
	RoleAgentRuntimeClient: {PermAgentReadAny, PermToolReadAny},
}

// bootstrapRepo is the storage surface the bootstrapper needs beyond the
// identity service. Satisfied by *Repository.
type bootstrapRepo interface {
	AttachPermissionByName(ctx context.Context, roleName, permName string) error
	GetClientByName(ctx context.Context, name string) (*MachineClient, error)
}

// Bootstrapper runs the cold-start protocol: seed the role/permission
// model, then look up or create this service's machine client by its
// well-known name, persisting the credentials for later cold starts.
// Bootstrap is at-most-once observable: a client row without stored
// credentials is a fatal startup error, never a silent duplicate.
type Bootstrapper struct {
	svc    *Service
	repo   bootstrapRepo
	creds  *config.CredentialsStore
	logger *zap.Logger

	clientName    string
	tokenURL      string
	adminEmail    string
	adminPassword string

	done   atomic.Bool
	client *config.ClientCredentials
}

// NewBootstrapper creates a Bootstrapper for the named service client.
// tokenURL points at this service's own /auth/token endpoint and is used
// to build the service-to-service token source.
func NewBootstrapper(svc *Service, repo bootstrapRepo, creds *config.CredentialsStore, clientName, tokenURL string, logger *zap.Logger) *Bootstrapper {
	return &Bootstrapper{
		svc:        svc,
		repo:       repo,
		creds:      creds,
		clientName: clientName,
		tokenURL:   tokenURL,
		logger:     logger,
	}
}

// SetAdminCredentials configures the admin login check that precedes
// client provisioning. When unset, the step is skipped (local
// single-binary deployments manage clients through the co-located store).
func (b *Bootstrapper) SetAdminCredentials(email, password string) {
	b.adminEmail = email
	b.adminPassword = password
}

// Run executes the bootstrap protocol. Failures are fatal to the caller;
// the service must refuse traffic until bootstrap completes.
func (b *Bootstrapper) Run(ctx context.Context) error {
	if err := b.seed(ctx); err != nil {
		return fmt.Errorf("bootstrap: seed role model: %w", err)
	}
	if b.adminEmail != "" {
		if _, err := b.svc.Login(ctx, b.adminEmail, b.adminPassword); err != nil {
			return fmt.Errorf("bootstrap: admin login: %w", err)
		}
	}
	if err := b.ensureServiceClient(ctx); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	b.done.Store(true)
	b.logger.Info("bootstrap complete", zap.String("client_name", b.clientName))
	return nil
}

// Done reports whether bootstrap has completed. Consulted by readiness.
func (b *Bootstrapper) Done() bool { return b.done.Load() }

// seed creates the core roles, permissions, and their assignments.
// Every step tolerates already-exists so repeated cold starts are no-ops.
func (b *Bootstrapper) seed(ctx context.Context) error {
	for name, desc := range coreRoles {
		if _, err := b.svc.CreateRole(ctx, name, desc); err != nil && !isConflict(err) {
			return fmt.Errorf("create role %q: %w", name, err)
		}
	}
	for _, name := range corePermissions {
		if _, err := b.svc.CreatePermission(ctx, name); err != nil && !isConflict(err) {
			return fmt.Errorf("create permission %q: %w", name, err)
		}
	}
	for role, perms := range rolePermissionSeed {
		for _, perm := range perms {
			if err := b.repo.AttachPermissionByName(ctx, role, perm); err != nil {
				return fmt.Errorf("attach %q to %q: %w", perm, role, err)
			}
		}
	}
	return nil
}

// ensureServiceClient looks up or creates the service's machine client.
func (b *Bootstrapper) ensureServiceClient(ctx context.Context) error {
	stored, err := b.creds.Load()
	if err != nil {
		return fmt.Errorf("load stored credentials: %w", err)
	}

	existing, err := b.repo.GetClientByName(ctx, b.clientName)
	switch {
	case err == nil:
		if stored == nil {
			return fmt.Errorf("client %q exists but stored credentials are missing; rotate the client and clear the stale record", b.clientName)
		}
		if existing.Revoked() {
			return fmt.Errorf("client %q has been revoked", b.clientName)
		}
		b.client = stored
		b.logger.Info("reusing existing machine client", zap.String("client_id", stored.ClientID))
		return nil

	case errors.Is(err, ErrNotFound):
		client, secret, err := b.svc.CreateClient(ctx, b.clientName, []string{RoleConversationClient, RoleDeploymentClient})
		if err != nil {
			return fmt.Errorf("create service client: %w", err)
		}
		creds := &config.ClientCredentials{
			ClientID:     client.ClientID.String(),
			ClientSecret: secret,
		}
		if err := b.creds.Save(creds); err != nil {
			return fmt.Errorf("persist service client credentials: %w", err)
		}
		b.client = creds
		b.logger.Info("created machine client", zap.String("client_id", creds.ClientID))
		return nil

	default:
		return fmt.Errorf("look up client %q: %w", b.clientName, err)
	}
}

// TokenSource returns an oauth2 token source that obtains machine tokens
// from /auth/token and caches them until shortly before expiry. Callers
// get the §4.2 reuse-until-exp-minus-60s behavior for free.
func (b *Bootstrapper) TokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	if b.client == nil {
		return nil, fmt.Errorf("bootstrap has not completed")
	}
	cfg := &clientcredentials.Config{
		ClientID:     b.client.ClientID,
		ClientSecret: b.client.ClientSecret,
		TokenURL:     b.tokenURL,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	base := cfg.TokenSource(ctx)
	return oauth2.ReuseTokenSourceWithExpiry(nil, base, time.Minute), nil
}

func isConflict(err error) bool {
	return apperr.Is(err, apperr.KindConflict)
}
