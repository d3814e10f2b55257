package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
)

// OperatorConfig configures operator token verification
type OperatorConfig struct {
	IssuerURL string
	Audience  string
	// RoleClaim names the claim holding the caller's roles, either a
	// string or a list of strings. Defaults to "roles".
	RoleClaim    string
	OperatorRole string
}

// OperatorVerifier verifies OIDC bearer tokens presented by operators
type OperatorVerifier struct {
	verifier  *oidc.IDTokenVerifier
	roleClaim string
	role      string
}

// NewOperatorVerifier discovers the issuer and builds a verifier
func NewOperatorVerifier(ctx context.Context, cfg OperatorConfig) (*OperatorVerifier, error) {
	if cfg.IssuerURL == "" {
		return nil, fmt.Errorf("OIDC issuer URL is required")
	}
	if cfg.OperatorRole == "" {
		return nil, fmt.Errorf("operator role is required")
	}

	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider: %w", err)
	}

	return newOperatorVerifier(provider.Verifier(&oidc.Config{ClientID: cfg.Audience}), cfg), nil
}

// NewOperatorVerifierWithKeySet builds a verifier against a fixed key set
// without discovery.
func NewOperatorVerifierWithKeySet(keySet oidc.KeySet, cfg OperatorConfig) *OperatorVerifier {
	verifier := oidc.NewVerifier(cfg.IssuerURL, keySet, &oidc.Config{ClientID: cfg.Audience})
	return newOperatorVerifier(verifier, cfg)
}

func newOperatorVerifier(verifier *oidc.IDTokenVerifier, cfg OperatorConfig) *OperatorVerifier {
	roleClaim := cfg.RoleClaim
	if roleClaim == "" {
		roleClaim = "roles"
	}
	return &OperatorVerifier{
		verifier:  verifier,
		roleClaim: roleClaim,
		role:      cfg.OperatorRole,
	}
}

// Verify checks the token and requires the operator role
func (v *OperatorVerifier) Verify(ctx context.Context, rawToken string) (Caller, error) {
	idToken, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return Caller{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	var claims map[string]interface{}
	if err := idToken.Claims(&claims); err != nil {
		return Caller{}, fmt.Errorf("%w: failed to parse claims: %v", ErrUnauthenticated, err)
	}

	caller := Caller{
		Kind:    CallerOperator,
		Subject: idToken.Subject,
		Roles:   rolesFromClaim(claims[v.roleClaim]),
	}
	if !caller.HasRole(v.role) {
		return Caller{}, ErrForbidden
	}
	return caller, nil
}

func rolesFromClaim(value interface{}) []string {
	switch val := value.(type) {
	case string:
		return strings.Fields(val)
	case []interface{}:
		roles := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				roles = append(roles, s)
			}
		}
		return roles
	default:
		return nil
	}
}
