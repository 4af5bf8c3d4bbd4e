package auth

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestGenerateAndValidate(t *testing.T) {
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)
	if err := SetSecret("test-secret"); err != nil {
		t.Fatalf("SetSecret: %v", err)
	}

	token, err := GenerateToken("user-42", []string{"Admin", "viewer", "admin"}, 30*time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	claims, err := ParseAndValidate(token)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if claims.Subject != "user-42" {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
	if claims.Issuer != issuer {
		t.Fatalf("unexpected issuer: %s", claims.Issuer)
	}
	if !slices.Contains(claims.Roles, "admin") || !slices.Contains(claims.Roles, "viewer") || len(claims.Roles) != 2 {
		t.Fatalf("roles were not preserved: %v", claims.Roles)
	}
}

func TestParseRejectsForeignSecret(t *testing.T) {
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)
	if err := SetSecret("one"); err != nil {
		t.Fatal(err)
	}
	token, err := GenerateToken("user-1", []string{RoleAdmin}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if err := SetSecret("two"); err != nil {
		t.Fatal(err)
	}
	if _, err := ParseAndValidate(token); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestMissingSecret(t *testing.T) {
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)
	t.Setenv(secretEnvVariable, "")
	if _, err := GenerateToken("user-1", []string{RoleAdmin}, time.Minute); err == nil {
		t.Fatal("expected error without secret")
	}
	if err := SetSecret("  "); err == nil {
		t.Fatal("expected blank secret to be rejected")
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	ctx = ContextWithUser(ctx, "user-7", []string{"Admin", "Admin", "viewer"})
	id, ok := UserIDFromContext(ctx)
	if !ok || id != "user-7" {
		t.Fatalf("unexpected user id: %s, ok=%v", id, ok)
	}
	roles := RolesFromContext(ctx)
	if len(roles) != 2 {
		t.Fatalf("expected deduplicated roles, got %v", roles)
	}
	if !HasRole(ctx, "viewer") || !HasRole(ctx, "admin") {
		t.Fatalf("HasRole missing expected roles: %v", roles)
	}
	if HasRole(ctx, "operator") {
		t.Fatalf("unexpected role found")
	}
}

func TestSystemContext(t *testing.T) {
	ctx := SystemContext(context.Background())
	if id, _ := UserIDFromContext(ctx); id != SystemUserID {
		t.Fatalf("unexpected user id: %s", id)
	}
	if !HasRole(ctx, RoleAdmin) {
		t.Fatal("system context must carry the admin role")
	}
	if HasRole(context.Background(), RoleAdmin) {
		t.Fatal("empty context must not carry roles")
	}
}

func signRaw(t *testing.T, claims Claims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	return signed
}

func TestTokensCarryOnlyFundRoles(t *testing.T) {
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)
	if err := SetSecret("test-secret"); err != nil {
		t.Fatal(err)
	}

	if _, err := GenerateToken("user-1", []string{"root"}, time.Minute); !errors.Is(err, ErrUnknownRole) {
		t.Fatalf("expected ErrUnknownRole, got %v", err)
	}
	if _, err := GenerateToken(SystemUserID, []string{RoleAdmin}, time.Minute); err == nil {
		t.Fatal("expected the system user to be reserved")
	}

	now := time.Now().UTC()
	base := func(sub string, roles ...string) Claims {
		return Claims{Roles: roles, RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			Subject:   sub,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		}}
	}

	claims, err := ParseAndValidate(signRaw(t, base("user-2", "Viewer", "billing")))
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if len(claims.Roles) != 1 || claims.Roles[0] != RoleViewer {
		t.Fatalf("expected only the viewer role, got %v", claims.Roles)
	}

	foreignAudience := base("user-3", RoleAdmin)
	foreignAudience.Audience = jwt.ClaimStrings{"payments"}
	noExpiry := base("user-4", RoleAdmin)
	noExpiry.ExpiresAt = nil

	for name, c := range map[string]Claims{
		"no fund role":     base("user-5", "billing"),
		"system subject":   base(SystemUserID, RoleAdmin),
		"foreign audience": foreignAudience,
		"no expiry":        noExpiry,
	} {
		if _, err := ParseAndValidate(signRaw(t, c)); err != ErrInvalidToken {
			t.Fatalf("%s: expected ErrInvalidToken, got %v", name, err)
		}
	}
}
