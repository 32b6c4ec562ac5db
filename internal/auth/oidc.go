package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
)

// OIDCClaims are the JWT claims extracted from an admin/operator bearer
// token.
type OIDCClaims struct {
	Subject           string   `json:"sub"`
	Email             string   `json:"email"`
	Name              string   `json:"name"`
	PreferredUsername string   `json:"preferred_username"`
	Role              string   `json:"role"`
	RealmRoles        []string `json:"realm_roles"`
	Groups            []string `json:"groups"`
	TenantID          string   `json:"tenant_id"`
}

// DisplayName returns the best available display name from the claims.
func (c *OIDCClaims) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	if c.PreferredUsername != "" {
		return c.PreferredUsername
	}
	if c.Email != "" {
		return c.Email
	}
	return c.Subject
}

// OIDCAuthenticator validates OIDC JWTs and extracts claims.
type OIDCAuthenticator struct {
	Verifier *oidc.IDTokenVerifier
}

// NewOIDCAuthenticator creates an authenticator by performing OIDC discovery
// against the issuer URL. This makes a network call to fetch the provider's
// public keys.
func NewOIDCAuthenticator(ctx context.Context, issuerURL, clientID string) (*OIDCAuthenticator, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("discovering OIDC provider %s: %w", issuerURL, err)
	}

	verifier := provider.Verifier(&oidc.Config{ClientID: clientID})
	return &OIDCAuthenticator{Verifier: verifier}, nil
}

// Authenticate validates a Bearer token and returns the extracted claims.
func (a *OIDCAuthenticator) Authenticate(ctx context.Context, bearerToken string) (*OIDCClaims, error) {
	token := strings.TrimPrefix(bearerToken, "Bearer ")
	token = strings.TrimPrefix(token, "bearer ")
	token = strings.TrimSpace(token)

	if token == "" {
		return nil, fmt.Errorf("empty bearer token")
	}

	idToken, err := a.Verifier.Verify(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("verifying token: %w", err)
	}

	var claims OIDCClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("extracting claims: %w", err)
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("token missing sub claim")
	}
	claims.resolveRole()

	return &claims, nil
}

// resolveRole determines the caller's role from the available claims,
// checking (in order) the explicit role claim, realm_roles, then groups.
func (c *OIDCClaims) resolveRole() {
	if c.Role != "" && IsValidRole(c.Role) {
		return
	}

	for _, role := range ValidRoles {
		for _, r := range c.RealmRoles {
			if r == role {
				c.Role = role
				return
			}
		}
	}

	groupRoleMap := map[string]string{
		"admins":    RoleAdmin,
		"operators": RoleOperator,
	}
	for _, g := range c.Groups {
		name := strings.TrimPrefix(g, "/")
		if role, ok := groupRoleMap[name]; ok {
			c.Role = role
			return
		}
	}

	c.Role = RoleReadonly
}
