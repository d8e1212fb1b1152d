package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// MachineTokenClaims are the JWT claims for a client-credentials machine
// token. Roles are embedded at issuance time; they are verified against
// the identity store when the token is minted, not on every request.
type MachineTokenClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles"`
}

// MachineTokenIssuer mints and verifies machine tokens signed with the
// symmetric service M2M secret.
type MachineTokenIssuer struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
}

// NewMachineTokenIssuer creates a MachineTokenIssuer. ttl defaults to
// 15 minutes when zero.
func NewMachineTokenIssuer(secret []byte, issuer, audience string, ttl time.Duration) *MachineTokenIssuer {
	if ttl == 0 {
		ttl = 15 * time.Minute
	}
	return &MachineTokenIssuer{secret: secret, issuer: issuer, audience: audience, ttl: ttl}
}

// TTL returns the configured token lifetime.
func (m *MachineTokenIssuer) TTL() time.Duration { return m.ttl }

// Issue creates a signed machine token for the given client with its
// assigned roles embedded.
func (m *MachineTokenIssuer) Issue(clientID uuid.UUID, roles []string) (string, error) {
	now := time.Now().UTC()
	claims := MachineTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Audience:  jwt.ClaimStrings{m.audience},
			Subject:   clientID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			ID:        uuid.New().String(),
		},
		Roles: roles,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign machine token: %w", err)
	}
	return signed, nil
}

// UserTokenClaims are the JWT claims found in tokens minted by the
// external identity provider for human users.
type UserTokenClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
}
