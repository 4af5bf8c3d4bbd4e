// Package auth carries the caller's identity for the fund service. Bearer tokens
// are HS256 JWTs shared with the identity provider; the only roles the fund
// understands are admin, which may mutate the ledger, and viewer.
package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	issuer            = "fundledger"
	audience          = "fund-api"
	secretEnvVariable = "FUND_AUTH_SECRET"
	clockSkew         = 5 * time.Second
)

const (
	RoleAdmin  = "admin"
	RoleViewer = "viewer"

	// SystemUserID identifies work started by the service itself, such as the
	// scheduled accrual run. Tokens can never carry it.
	SystemUserID = "system"
)

var knownRoles = []string{RoleAdmin, RoleViewer}

var (
	// ErrInvalidToken indicates the token failed validation.
	ErrInvalidToken = errors.New("invalid token")
	// ErrUnknownRole is returned when a token would carry a role the fund does not define.
	ErrUnknownRole = errors.New("unknown role")

	errMissingSecret = errors.New("auth secret is not configured")
)

// Claims are the JWT claims the fund issues and accepts.
type Claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// NormalizeRoles lower-cases and deduplicates roles, failing on any role outside
// admin and viewer.
func NormalizeRoles(roles []string) ([]string, error) {
	out := canonicalRoles(roles)
	for _, r := range out {
		if !slices.Contains(knownRoles, r) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownRole, r)
		}
	}
	return out, nil
}

// GenerateToken signs a token for userID. It is used by the development token
// endpoint; production tokens come from the identity provider.
func GenerateToken(userID string, roles []string, ttl time.Duration) (string, error) {
	userID = strings.TrimSpace(userID)
	switch {
	case userID == "":
		return "", errors.New("userID is required")
	case userID == SystemUserID:
		return "", fmt.Errorf("user id %q is reserved", SystemUserID)
	case ttl <= 0:
		return "", errors.New("ttl must be greater than zero")
	}
	roles, err := NormalizeRoles(roles)
	if err != nil {
		return "", err
	}
	if len(roles) == 0 {
		return "", errors.New("at least one role is required")
	}
	key, err := signingKey()
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	claims := Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ParseAndValidate verifies a bearer token. Roles the fund does not define are
// dropped; a token left with no fund role, or naming the system user, is invalid.
func ParseAndValidate(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	key, err := signingKey()
	if err != nil {
		return nil, err
	}

	claims := &Claims{}
	_, err = jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(clockSkew),
	)
	if err != nil {
		return nil, ErrInvalidToken
	}
	sub := strings.TrimSpace(claims.Subject)
	if sub == "" || sub == SystemUserID {
		return nil, ErrInvalidToken
	}
	var roles []string
	for _, r := range canonicalRoles(claims.Roles) {
		if slices.Contains(knownRoles, r) {
			roles = append(roles, r)
		}
	}
	if len(roles) == 0 {
		return nil, ErrInvalidToken
	}
	claims.Subject = sub
	claims.Roles = roles
	return claims, nil
}

func canonicalRoles(roles []string) []string {
	var out []string
	for _, r := range roles {
		r = strings.ToLower(strings.TrimSpace(r))
		if r != "" && !slices.Contains(out, r) {
			out = append(out, r)
		}
	}
	return out
}

var keys struct {
	sync.Mutex
	value []byte
}

// signingKey returns the key installed by SetSecret, falling back to
// FUND_AUTH_SECRET on first use.
func signingKey() ([]byte, error) {
	keys.Lock()
	defer keys.Unlock()
	if keys.value == nil {
		raw := strings.TrimSpace(os.Getenv(secretEnvVariable))
		if raw == "" {
			return nil, errMissingSecret
		}
		keys.value = []byte(raw)
	}
	return keys.value, nil
}

// SetSecret installs the signing secret, taking precedence over the environment.
func SetSecret(value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return errMissingSecret
	}
	keys.Lock()
	keys.value = []byte(value)
	keys.Unlock()
	return nil
}

// ResetSecretForTests forgets the installed secret so the next use rereads the environment.
func ResetSecretForTests() {
	keys.Lock()
	keys.value = nil
	keys.Unlock()
}

// Identity is the caller an operation runs on behalf of.
type Identity struct {
	UserID string
	Roles  []string
}

type identityKey struct{}

// ContextWithUser attaches the caller's identity to ctx.
func ContextWithUser(ctx context.Context, userID string, roles []string) context.Context {
	return context.WithValue(ctx, identityKey{}, Identity{
		UserID: strings.TrimSpace(userID),
		Roles:  canonicalRoles(roles),
	})
}

// SystemContext returns ctx acting as the service itself with the admin role.
func SystemContext(ctx context.Context) context.Context {
	return ContextWithUser(ctx, SystemUserID, []string{RoleAdmin})
}

func identity(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok && id.UserID != ""
}

// UserIDFromContext extracts the authenticated user ID from context.
func UserIDFromContext(ctx context.Context) (string, bool) {
	id, ok := identity(ctx)
	return id.UserID, ok
}

// RolesFromContext returns a copy of the caller's roles.
func RolesFromContext(ctx context.Context) []string {
	id, ok := identity(ctx)
	if !ok || len(id.Roles) == 0 {
		return nil
	}
	return slices.Clone(id.Roles)
}

// HasRole reports whether the authenticated caller holds role.
func HasRole(ctx context.Context, role string) bool {
	id, ok := identity(ctx)
	if !ok {
		return false
	}
	return slices.Contains(id.Roles, strings.ToLower(strings.TrimSpace(role)))
}
