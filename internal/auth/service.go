package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/kgents/agentplane/internal/platform/apperr"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// identityRepo is the storage interface consumed by Service.
// Satisfied by *Repository.
type identityRepo interface {
	CreateProfile(ctx context.Context, p *Profile, roles []string) error
	GetProfile(ctx context.Context, id uuid.UUID) (*Profile, error)
	UpdateProfile(ctx context.Context, id uuid.UUID, displayName string) (*Profile, error)

	CreateRole(ctx context.Context, role *Role) error
	GetRoleByName(ctx context.Context, name string) (*Role, error)
	ListRoles(ctx context.Context) ([]*Role, error)
	DeleteRole(ctx context.Context, id uuid.UUID) error
	CreatePermission(ctx context.Context, perm *Permission) error
	ListPermissions(ctx context.Context) ([]*Permission, error)
	DeletePermission(ctx context.Context, id uuid.UUID) error
	AttachPermission(ctx context.Context, roleID, permID uuid.UUID) error

	CreateClient(ctx context.Context, c *MachineClient, roles []string) error
	GetClient(ctx context.Context, clientID uuid.UUID) (*MachineClient, error)
	GetClientByName(ctx context.Context, name string) (*MachineClient, error)
	ListClients(ctx context.Context) ([]*MachineClient, error)
	AssignRoleToClient(ctx context.Context, clientID, roleID uuid.UUID) error
	RevokeClient(ctx context.Context, clientID uuid.UUID) error
}

// Service implements the identity store: user registration/login through
// the external identity provider, admin management of roles, permissions,
// and machine clients, and the client-credentials token endpoint.
type Service struct {
	repo   identityRepo
	idp    IdentityProvider
	tokens *MachineTokenIssuer
	logger *zap.Logger
}

// NewService creates a new identity Service.
func NewService(repo identityRepo, idp IdentityProvider, tokens *MachineTokenIssuer, logger *zap.Logger) *Service {
	return &Service{repo: repo, idp: idp, tokens: tokens, logger: logger}
}

// ── Users ───────────────────────────────────────────────────────────────

// Register proxies registration to the identity provider, then creates
// the local profile with the default user role. If the profile insert
// fails the registration is reported as failed even though the provider
// account exists; a retry surfaces as conflict at the provider.
func (s *Service) Register(ctx context.Context, email, password, displayName string) (*Profile, *IDPSession, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return nil, nil, apperr.E(apperr.KindInvalidInput, "email and password are required")
	}

	session, err := s.idp.SignUp(ctx, email, password)
	if err != nil {
		return nil, nil, err
	}

	if displayName == "" {
		displayName = strings.SplitN(email, "@", 2)[0]
	}
	profile := &Profile{
		ID:          session.UserID,
		Email:       email,
		DisplayName: displayName,
	}
	if err := s.repo.CreateProfile(ctx, profile, []string{RoleUser}); err != nil {
		if errors.Is(err, ErrDuplicateEmail) {
			return nil, nil, apperr.E(apperr.KindConflict, "email already registered")
		}
		return nil, nil, fmt.Errorf("create profile: %w", err)
	}

	return profile, session, nil
}

// Login proxies authentication to the identity provider and returns its
// tokens unchanged.
func (s *Service) Login(ctx context.Context, email, password string) (*IDPSession, error) {
	if email == "" || password == "" {
		return nil, apperr.E(apperr.KindInvalidInput, "email and password are required")
	}
	return s.idp.SignIn(ctx, email, password)
}

// GetProfile returns the profile for a user id.
func (s *Service) GetProfile(ctx context.Context, id uuid.UUID) (*Profile, error) {
	p, err := s.repo.GetProfile(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apperr.E(apperr.KindNotFound, "profile not found")
		}
		return nil, err
	}
	return p, nil
}

// UpdateProfile updates the caller's own profile.
func (s *Service) UpdateProfile(ctx context.Context, id uuid.UUID, displayName string) (*Profile, error) {
	if strings.TrimSpace(displayName) == "" {
		return nil, apperr.E(apperr.KindInvalidInput, "display_name must not be empty")
	}
	p, err := s.repo.UpdateProfile(ctx, id, displayName)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apperr.E(apperr.KindNotFound, "profile not found")
		}
		return nil, err
	}
	return p, nil
}

// ── Admin: roles & permissions ──────────────────────────────────────────

// CreateRole creates a role with a unique name.
func (s *Service) CreateRole(ctx context.Context, name, description string) (*Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.E(apperr.KindInvalidInput, "role name must not be empty")
	}
	role := &Role{Name: name, Description: description}
	if err := s.repo.CreateRole(ctx, role); err != nil {
		if errors.Is(err, ErrDuplicateName) {
			return nil, apperr.E(apperr.KindConflict, "role already exists")
		}
		return nil, err
	}
	return role, nil
}

// ListRoles lists all roles.
func (s *Service) ListRoles(ctx context.Context) ([]*Role, error) {
	return s.repo.ListRoles(ctx)
}

// DeleteRole removes a role.
func (s *Service) DeleteRole(ctx context.Context, id uuid.UUID) error {
	if err := s.repo.DeleteRole(ctx, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return apperr.E(apperr.KindNotFound, "role not found")
		}
		return err
	}
	return nil
}

// CreatePermission creates a permission with a unique name.
func (s *Service) CreatePermission(ctx context.Context, name string) (*Permission, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.E(apperr.KindInvalidInput, "permission name must not be empty")
	}
	perm := &Permission{Name: name}
	if err := s.repo.CreatePermission(ctx, perm); err != nil {
		if errors.Is(err, ErrDuplicateName) {
			return nil, apperr.E(apperr.KindConflict, "permission already exists")
		}
		return nil, err
	}
	return perm, nil
}

// ListPermissions lists all permissions.
func (s *Service) ListPermissions(ctx context.Context) ([]*Permission, error) {
	return s.repo.ListPermissions(ctx)
}

// DeletePermission removes a permission.
func (s *Service) DeletePermission(ctx context.Context, id uuid.UUID) error {
	if err := s.repo.DeletePermission(ctx, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return apperr.E(apperr.KindNotFound, "permission not found")
		}
		return err
	}
	return nil
}

// AttachPermission links a permission to a role.
func (s *Service) AttachPermission(ctx context.Context, roleID, permID uuid.UUID) error {
	return s.repo.AttachPermission(ctx, roleID, permID)
}

// ── Admin: machine clients ──────────────────────────────────────────────

// CreateClient creates a machine client with the given role names and
// returns the client plus the one-time plaintext secret.
func (s *Service) CreateClient(ctx context.Context, name string, roles []string) (*MachineClient, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, "", apperr.E(apperr.KindInvalidInput, "client name must not be empty")
	}

	secret, err := generateClientSecret()
	if err != nil {
		return nil, "", fmt.Errorf("generate client secret: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash client secret: %w", err)
	}

	client := &MachineClient{
		ClientID:   uuid.New(),
		SecretHash: string(hash),
		Name:       name,
	}
	if err := s.repo.CreateClient(ctx, client, roles); err != nil {
		if errors.Is(err, ErrDuplicateName) {
			return nil, "", apperr.E(apperr.KindConflict, "client name already exists")
		}
		return nil, "", err
	}

	s.logger.Info("machine client created",
		zap.String("client_id", client.ClientID.String()),
		zap.String("name", name),
		zap.Strings("roles", roles),
	)
	return client, secret, nil
}

// ListClients lists all machine clients.
func (s *Service) ListClients(ctx context.Context) ([]*MachineClient, error) {
	return s.repo.ListClients(ctx)
}

// AssignClientRole grants a named role to a machine client.
func (s *Service) AssignClientRole(ctx context.Context, clientID uuid.UUID, roleName string) error {
	role, err := s.repo.GetRoleByName(ctx, roleName)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return apperr.E(apperr.KindNotFound, "role not found")
		}
		return err
	}
	return s.repo.AssignRoleToClient(ctx, clientID, role.ID)
}

// RevokeClient revokes a machine client. Tokens already minted expire
// naturally; new token requests fail immediately.
func (s *Service) RevokeClient(ctx context.Context, clientID uuid.UUID) error {
	if err := s.repo.RevokeClient(ctx, clientID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return apperr.E(apperr.KindNotFound, "client not found")
		}
		return err
	}
	return nil
}

// ── Token endpoint ──────────────────────────────────────────────────────

// IssueClientToken verifies client credentials and mints a machine token
// carrying the client's assigned roles. The secret check runs through
// bcrypt, which compares the computed hash in constant time.
func (s *Service) IssueClientToken(ctx context.Context, clientID uuid.UUID, clientSecret string) (*TokenResponse, error) {
	client, err := s.repo.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apperr.E(apperr.KindUnauthenticated, "invalid client credentials")
		}
		return nil, err
	}
	if client.Revoked() {
		return nil, apperr.E(apperr.KindUnauthenticated, "invalid client credentials")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte(clientSecret)); err != nil {
		return nil, apperr.E(apperr.KindUnauthenticated, "invalid client credentials")
	}

	token, err := s.tokens.Issue(client.ClientID, client.Roles)
	if err != nil {
		return nil, fmt.Errorf("issue machine token: %w", err)
	}
	return &TokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int(s.tokens.TTL().Seconds()),
	}, nil
}

func generateClientSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
