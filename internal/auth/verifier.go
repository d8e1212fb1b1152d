package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/kgents/agentplane/internal/platform/apperr"
	"go.uber.org/zap"
)

// clock skew tolerated on exp/nbf checks.
const tokenLeeway = 30 * time.Second

// GrantSource resolves the roles and permissions behind a verified token.
// Satisfied by *Repository.
type GrantSource interface {
	RolesForUser(ctx context.Context, userID uuid.UUID) ([]string, error)
	PermissionsForRoles(ctx context.Context, roles []string) ([]string, error)
	ClientRevoked(ctx context.Context, clientID uuid.UUID) (bool, error)
}

// VerifierConfig carries the parameters of both token families.
type VerifierConfig struct {
	UserSecret   []byte
	UserIssuer   string // empty = issuer not enforced for user tokens
	UserAudience string // typically "authenticated"

	MachineSecret   []byte
	MachineIssuer   string
	MachineAudience string

	GrantTTL time.Duration
}

// Verifier parses, verifies, and classifies bearer tokens from both
// families and derives a Principal with its effective permission set.
// It is shared by all HTTP handlers and WebSocket upgrades.
type Verifier struct {
	cfg    VerifierConfig
	grants GrantSource
	cache  *grantCache
	logger *zap.Logger
}

// NewVerifier creates a Verifier backed by the given grant source.
func NewVerifier(cfg VerifierConfig, grants GrantSource, logger *zap.Logger) *Verifier {
	return &Verifier{
		cfg:    cfg,
		grants: grants,
		cache:  newGrantCache(cfg.GrantTTL),
		logger: logger,
	}
}

// Verify validates a raw bearer token and returns the derived Principal.
// Failures are apperr.KindUnauthenticated with one of the public codes
// expired, bad_signature, wrong_audience, or invalid_token, never the
// underlying parser message.
func (v *Verifier) Verify(ctx context.Context, raw string) (*Principal, error) {
	if raw == "" {
		return nil, apperr.E(apperr.KindUnauthenticated, "invalid_token")
	}

	kind, err := v.classify(raw)
	if err != nil {
		return nil, err
	}

	switch kind {
	case PrincipalUser:
		return v.verifyUser(ctx, raw)
	default:
		return v.verifyMachine(ctx, raw)
	}
}

// classify inspects the unverified issuer and audience claims to pick the
// token family. Neither matching is an invalid_token failure.
func (v *Verifier) classify(raw string) (PrincipalKind, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return "", apperr.E(apperr.KindUnauthenticated, "invalid_token")
	}

	aud, _ := claims.GetAudience()
	if claims.Issuer == v.cfg.MachineIssuer && containsAudience(aud, v.cfg.MachineAudience) {
		return PrincipalMachine, nil
	}
	if containsAudience(aud, v.cfg.UserAudience) {
		return PrincipalUser, nil
	}
	return "", apperr.E(apperr.KindUnauthenticated, "invalid_token")
}

func (v *Verifier) verifyUser(ctx context.Context, raw string) (*Principal, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithLeeway(tokenLeeway),
		jwt.WithExpirationRequired(),
		jwt.WithAudience(v.cfg.UserAudience),
	}
	if v.cfg.UserIssuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.UserIssuer))
	}

	var claims UserTokenClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return v.cfg.UserSecret, nil
	}, opts...)
	if err != nil {
		return nil, translateJWTError(err)
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, apperr.E(apperr.KindUnauthenticated, "invalid_token")
	}

	roles, perms, err := v.resolveUserGrants(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolve grants for %s: %w", userID, err)
	}

	return v.buildPrincipal(userID, PrincipalUser, roles, perms, &claims.RegisteredClaims), nil
}

func (v *Verifier) verifyMachine(ctx context.Context, raw string) (*Principal, error) {
	var claims MachineTokenClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return v.cfg.MachineSecret, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithLeeway(tokenLeeway),
		jwt.WithExpirationRequired(),
		jwt.WithAudience(v.cfg.MachineAudience),
		jwt.WithIssuer(v.cfg.MachineIssuer),
	)
	if err != nil {
		return nil, translateJWTError(err)
	}

	clientID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, apperr.E(apperr.KindUnauthenticated, "invalid_token")
	}

	// Roles travel in the token (verified against the store at issuance);
	// the revocation check and role→permission expansion hit the
	// cache/store here.
	perms, err := v.resolvePermissions(ctx, clientID, claims.Roles)
	if apperr.Is(err, apperr.KindUnauthenticated) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("resolve permissions for client %s: %w", clientID, err)
	}

	return v.buildPrincipal(clientID, PrincipalMachine, claims.Roles, perms, &claims.RegisteredClaims), nil
}

func (v *Verifier) resolveUserGrants(ctx context.Context, userID uuid.UUID) (roles, perms []string, err error) {
	if e, ok := v.cache.get(userID.String()); ok {
		return e.roles, e.permissions, nil
	}
	roles, err = v.grants.RolesForUser(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	perms, err = v.grants.PermissionsForRoles(ctx, roles)
	if err != nil {
		return nil, nil, err
	}
	v.cache.set(userID.String(), roles, perms)
	return roles, perms, nil
}

// resolvePermissions expands a machine client's embedded roles. A cache
// hit means the client passed the revocation check within the last TTL
// window; on a miss the store is consulted, so a revoked client's token
// stops verifying after at most one window (immediately when the revoke
// handler invalidates the entry).
func (v *Verifier) resolvePermissions(ctx context.Context, clientID uuid.UUID, roles []string) ([]string, error) {
	sub := clientID.String()
	if e, ok := v.cache.get(sub); ok {
		return e.permissions, nil
	}
	revoked, err := v.grants.ClientRevoked(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, apperr.E(apperr.KindUnauthenticated, "invalid_token")
	}
	perms, err := v.grants.PermissionsForRoles(ctx, roles)
	if err != nil {
		return nil, err
	}
	v.cache.set(sub, roles, perms)
	return perms, nil
}

// InvalidateGrants drops cached grants for a subject, e.g. after a role
// change or client revocation.
func (v *Verifier) InvalidateGrants(sub string) {
	v.cache.invalidate(sub)
}

func (v *Verifier) buildPrincipal(id uuid.UUID, kind PrincipalKind, roles, perms []string, reg *jwt.RegisteredClaims) *Principal {
	p := &Principal{
		ID:          id,
		Kind:        kind,
		Roles:       make(map[string]struct{}, len(roles)),
		Permissions: make(map[string]struct{}, len(perms)),
	}
	for _, r := range roles {
		p.Roles[r] = struct{}{}
	}
	for _, pm := range perms {
		p.Permissions[pm] = struct{}{}
	}
	if reg.IssuedAt != nil {
		p.IssuedAt = reg.IssuedAt.Time
	}
	if reg.ExpiresAt != nil {
		p.ExpiresAt = reg.ExpiresAt.Time
	}
	return p
}

// Require checks that the principal holds the given permission.
func Require(p *Principal, perm string) error {
	if p == nil {
		return apperr.E(apperr.KindUnauthenticated, "invalid_token")
	}
	if !p.HasPermission(perm) {
		return apperr.E(apperr.KindForbidden, "insufficient permissions")
	}
	return nil
}

// translateJWTError maps parser failures onto the public error codes.
func translateJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return apperr.E(apperr.KindUnauthenticated, "expired")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return apperr.E(apperr.KindUnauthenticated, "bad_signature")
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return apperr.E(apperr.KindUnauthenticated, "wrong_audience")
	default:
		return apperr.E(apperr.KindUnauthenticated, "invalid_token")
	}
}

func containsAudience(aud jwt.ClaimStrings, want string) bool {
	for _, a := range aud {
		if a == want {
			return true
		}
	}
	return false
}
