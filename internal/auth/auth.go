package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/ries-lab/DECODE-Cloud-WorkerAPI/internal/api"
)

// ErrUnauthorized means the credentials did not check out.
var ErrUnauthorized = errors.New("unauthorized")

// ErrForbidden means the credentials are valid but lack the workers group.
var ErrForbidden = errors.New("forbidden")

// WorkersGroup is the user-pool group required to call the worker endpoints.
const WorkersGroup = "workers"

// cloudGroup marks accounts whose workers run in the cloud environment.
const cloudGroup = "cloud"

// Principal is an authenticated worker account.
type Principal struct {
	Username string
	Groups   []string
	// Environment a worker under this account serves from: cloud when the
	// account carries the cloud group, local otherwise.
	Environment api.EnvironmentType
}

// InGroup reports membership in a user-pool group.
func (p *Principal) InGroup(group string) bool {
	for _, g := range p.Groups {
		if g == group {
			return true
		}
	}
	return false
}

// TokenVerifier validates a bearer token and resolves its principal.
type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (*Principal, error)
}

// CognitoVerifier validates Cognito-issued JWTs against the pool's OIDC
// discovery document. Key rotation is handled by the remote key set.
type CognitoVerifier struct {
	verifier     *oidc.IDTokenVerifier
	clientID     string
	requireGroup string
}

// NewCognitoVerifier fetches the pool's OIDC configuration. clientID is
// checked against the token's client_id claim when set; Cognito access
// tokens carry no aud claim so the standard audience check is skipped.
// requireGroup, when non-empty, gates admission on pool-group membership.
func NewCognitoVerifier(ctx context.Context, region, userPoolID, clientID, requireGroup string) (*CognitoVerifier, error) {
	issuer := fmt.Sprintf("https://cognito-idp.%s.amazonaws.com/%s", region, userPoolID)
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider %s: %w", issuer, err)
	}
	return &CognitoVerifier{
		verifier:     provider.Verifier(&oidc.Config{SkipClientIDCheck: true}),
		clientID:     clientID,
		requireGroup: requireGroup,
	}, nil
}

type cognitoClaims struct {
	Username string   `json:"username"`
	ClientID string   `json:"client_id"`
	Groups   []string `json:"cognito:groups"`
}

// Verify checks signature, issuer and expiry, then enforces the required
// group (if any) before admitting the principal.
func (v *CognitoVerifier) Verify(ctx context.Context, rawToken string) (*Principal, error) {
	token, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	var claims cognitoClaims
	if err := token.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: malformed claims: %v", ErrUnauthorized, err)
	}
	if v.clientID != "" && claims.ClientID != v.clientID {
		return nil, fmt.Errorf("%w: token issued for another client", ErrUnauthorized)
	}

	principal := &Principal{
		Username:    claims.Username,
		Groups:      claims.Groups,
		Environment: api.EnvironmentLocal,
	}
	if v.requireGroup != "" && !principal.InGroup(v.requireGroup) {
		return nil, fmt.Errorf("%w: account is not in the %s group", ErrForbidden, v.requireGroup)
	}
	if principal.InGroup(cloudGroup) {
		principal.Environment = api.EnvironmentCloud
	}
	return principal, nil
}

// ValidateAPIKey compares an internal API key in constant time.
func ValidateAPIKey(provided, expected string) bool {
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}

type contextKey string

const principalContextKey contextKey = "principal"

// WithPrincipal stores the authenticated principal on the context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

// PrincipalFromContext retrieves the authenticated principal, if any.
func PrincipalFromContext(ctx context.Context) *Principal {
	if p, ok := ctx.Value(principalContextKey).(*Principal); ok {
		return p
	}
	return nil
}
