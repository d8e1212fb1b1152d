package auth_test

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/kgents/agentplane/internal/auth"
	"github.com/kgents/agentplane/internal/platform/apperr"
	"go.uber.org/zap"
)

var (
	userSecret    = []byte("user-family-secret")
	machineSecret = []byte("machine-family-secret")
)

const (
	idpIssuer  = "https://idp.example.com/auth/v1"
	m2mIssuer  = "agentplane"
	m2mAud     = "agentplane-services"
	userAud    = "authenticated"
)

// ── Stub grant source ───────────────────────────────────────────────────

type stubGrants struct {
	userRoles map[uuid.UUID][]string
	rolePerms map[string][]string
	revoked   map[uuid.UUID]bool
	calls     int
}

func (s *stubGrants) RolesForUser(_ context.Context, id uuid.UUID) ([]string, error) {
	s.calls++
	return s.userRoles[id], nil
}

func (s *stubGrants) PermissionsForRoles(_ context.Context, roles []string) ([]string, error) {
	var out []string
	seen := map[string]bool{}
	for _, r := range roles {
		for _, p := range s.rolePerms[r] {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	return out, nil
}

func (s *stubGrants) ClientRevoked(_ context.Context, id uuid.UUID) (bool, error) {
	return s.revoked[id], nil
}

func newTestVerifier(t *testing.T, grants *stubGrants) *auth.Verifier {
	t.Helper()
	return auth.NewVerifier(auth.VerifierConfig{
		UserSecret:      userSecret,
		UserIssuer:      idpIssuer,
		UserAudience:    userAud,
		MachineSecret:   machineSecret,
		MachineIssuer:   m2mIssuer,
		MachineAudience: m2mAud,
		GrantTTL:        time.Minute,
	}, grants, zap.NewNop())
}

func mintUserToken(t *testing.T, sub uuid.UUID, ttl time.Duration) string {
	t.Helper()
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Issuer:    idpIssuer,
		Audience:  jwt.ClaimStrings{userAud},
		Subject:   sub.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(userSecret)
	if err != nil {
		t.Fatalf("mint user token: %v", err)
	}
	return tok
}

func TestVerify_UserToken(t *testing.T) {
	userID := uuid.New()
	grants := &stubGrants{
		userRoles: map[uuid.UUID][]string{userID: {"user"}},
		rolePerms: map[string][]string{"user": {"users:read", "agent:create"}},
	}
	v := newTestVerifier(t, grants)

	p, err := v.Verify(context.Background(), mintUserToken(t, userID, time.Hour))
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if p.Kind != auth.PrincipalUser {
		t.Errorf("kind = %q, want user", p.Kind)
	}
	if p.ID != userID {
		t.Errorf("id = %s, want %s", p.ID, userID)
	}
	if !p.HasPermission("agent:create") {
		t.Error("expected agent:create permission")
	}
	if p.HasPermission("admin:manage") {
		t.Error("unexpected admin:manage permission")
	}
}

func TestVerify_GrantCache(t *testing.T) {
	userID := uuid.New()
	grants := &stubGrants{
		userRoles: map[uuid.UUID][]string{userID: {"user"}},
		rolePerms: map[string][]string{"user": {"users:read"}},
	}
	v := newTestVerifier(t, grants)

	tok := mintUserToken(t, userID, time.Hour)
	for i := 0; i < 3; i++ {
		if _, err := v.Verify(context.Background(), tok); err != nil {
			t.Fatalf("Verify() #%d error: %v", i, err)
		}
	}
	if grants.calls != 1 {
		t.Errorf("RolesForUser called %d times, want 1 (cached)", grants.calls)
	}
}

func TestVerify_MachineToken(t *testing.T) {
	grants := &stubGrants{
		rolePerms: map[string][]string{"deployment_client": {"agent:read:any"}},
	}
	v := newTestVerifier(t, grants)
	issuer := auth.NewMachineTokenIssuer(machineSecret, m2mIssuer, m2mAud, 15*time.Minute)

	clientID := uuid.New()
	tok, err := issuer.Issue(clientID, []string{"deployment_client"})
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}

	p, err := v.Verify(context.Background(), tok)
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if p.Kind != auth.PrincipalMachine {
		t.Errorf("kind = %q, want machine", p.Kind)
	}
	if !p.HasPermission("agent:read:any") {
		t.Error("expected agent:read:any from embedded role")
	}
}

func TestVerify_RevokedClientRejected(t *testing.T) {
	grants := &stubGrants{
		rolePerms: map[string][]string{"deployment_client": {"agent:read:any"}},
		revoked:   map[uuid.UUID]bool{},
	}
	v := newTestVerifier(t, grants)
	issuer := auth.NewMachineTokenIssuer(machineSecret, m2mIssuer, m2mAud, 15*time.Minute)

	clientID := uuid.New()
	tok, err := issuer.Issue(clientID, []string{"deployment_client"})
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	if _, err := v.Verify(context.Background(), tok); err != nil {
		t.Fatalf("Verify() before revocation: %v", err)
	}

	// Revoke and drop the cached grants, as the admin handler does. The
	// still-unexpired token must stop verifying.
	grants.revoked[clientID] = true
	v.InvalidateGrants(clientID.String())

	_, err = v.Verify(context.Background(), tok)
	if err == nil {
		t.Fatal("revoked client's token still verifies")
	}
	if !apperr.Is(err, apperr.KindUnauthenticated) || apperr.Detail(err) != "invalid_token" {
		t.Errorf("err = %v, want unauthenticated invalid_token", err)
	}
}

func TestVerify_ExpiredWithinLeeway(t *testing.T) {
	userID := uuid.New()
	grants := &stubGrants{
		userRoles: map[uuid.UUID][]string{userID: {"user"}},
		rolePerms: map[string][]string{},
	}
	v := newTestVerifier(t, grants)

	// Expired 10s ago: inside the 30s leeway, must verify.
	tok := mintUserToken(t, userID, -10*time.Second)
	if _, err := v.Verify(context.Background(), tok); err != nil {
		t.Errorf("token inside leeway rejected: %v", err)
	}

	// Expired 2 minutes ago: outside leeway, must fail with "expired".
	tok = mintUserToken(t, userID, -2*time.Minute)
	_, err := v.Verify(context.Background(), tok)
	if err == nil {
		t.Fatal("expired token accepted")
	}
	if apperr.Detail(err) != "expired" {
		t.Errorf("detail = %q, want expired", apperr.Detail(err))
	}
}

func TestVerify_BadSignature(t *testing.T) {
	userID := uuid.New()
	v := newTestVerifier(t, &stubGrants{})

	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Issuer:    idpIssuer,
		Audience:  jwt.ClaimStrings{userAud},
		Subject:   userID.String(),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}
	tok, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("wrong-secret"))

	_, err := v.Verify(context.Background(), tok)
	if err == nil {
		t.Fatal("forged token accepted")
	}
	if apperr.Detail(err) != "bad_signature" {
		t.Errorf("detail = %q, want bad_signature", apperr.Detail(err))
	}
}

func TestVerify_UnknownFamily(t *testing.T) {
	v := newTestVerifier(t, &stubGrants{})

	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Issuer:    "https://somewhere-else.example.com",
		Audience:  jwt.ClaimStrings{"other"},
		Subject:   uuid.New().String(),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}
	tok, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(userSecret)

	_, err := v.Verify(context.Background(), tok)
	if err == nil {
		t.Fatal("unclassifiable token accepted")
	}
	if apperr.Detail(err) != "invalid_token" {
		t.Errorf("detail = %q, want invalid_token", apperr.Detail(err))
	}
}

func TestRequire_AdminWildcard(t *testing.T) {
	p := &auth.Principal{
		ID:    uuid.New(),
		Kind:  auth.PrincipalUser,
		Roles: map[string]struct{}{auth.RoleAdmin: {}},
	}
	if err := auth.Require(p, "anything:at:all"); err != nil {
		t.Errorf("admin wildcard denied: %v", err)
	}

	plain := &auth.Principal{ID: uuid.New(), Kind: auth.PrincipalUser, Roles: map[string]struct{}{}}
	if err := auth.Require(plain, "agent:create"); !apperr.Is(err, apperr.KindForbidden) {
		t.Errorf("expected forbidden, got %v", err)
	}
}
