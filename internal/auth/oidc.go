package auth

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"

	"ms-admission/internal/models"
)

// OIDCVerifier checks tokens issued by an OpenID Connect provider such as
// Keycloak. The role comes from a top-level "role" claim or, failing that,
// from the realm roles.
type OIDCVerifier struct {
	verifier *oidc.IDTokenVerifier
}

func NewOIDCVerifier(ctx context.Context, issuer string) (*OIDCVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("create OIDC provider: %w", err)
	}
	// Verifier (SkipClientIDCheck → no client ID required)
	return &OIDCVerifier{verifier: provider.Verifier(&oidc.Config{SkipClientIDCheck: true})}, nil
}

func (v *OIDCVerifier) Verify(ctx context.Context, rawToken string) (models.Operator, error) {
	idToken, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return models.Operator{}, fmt.Errorf("%w: %v", models.ErrUnauthorized, err)
	}

	var claims struct {
		Sub         string `json:"sub"`
		Role        string `json:"role"`
		RealmAccess struct {
			Roles []string `json:"roles"`
		} `json:"realm_access"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return models.Operator{}, fmt.Errorf("%w: failed to parse claims", models.ErrUnauthorized)
	}
	return operatorFromClaims(claims.Sub, pickRole(claims.Role, claims.RealmAccess.Roles))
}

// pickRole prefers an explicit role, then the most privileged realm role.
func pickRole(explicit string, realmRoles []string) string {
	if explicit != "" {
		return explicit
	}
	best := ""
	for _, r := range realmRoles {
		switch r {
		case models.RoleAdmin:
			return r
		case models.RoleScanner:
			best = r
		}
	}
	return best
}
