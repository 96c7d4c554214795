package api

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/bytedance/sonic"
)

// CredentialBundle is the identity-provider service account file. Only the
// fields needed to verify ID tokens are read.
type CredentialBundle struct {
	Type        string `json:"type"`
	ProjectID   string `json:"project_id"`
	ClientEmail string `json:"client_email"`
}

// LoadCredentialBundle reads and validates the bundle at path. A bundle that
// cannot be parsed or lacks a project id is an error.
func LoadCredentialBundle(path string) (CredentialBundle, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return CredentialBundle{}, fmt.Errorf("read credential bundle: %w", err)
	}
	var b CredentialBundle
	if err := sonic.Unmarshal(raw, &b); err != nil {
		return CredentialBundle{}, fmt.Errorf("parse credential bundle: %w", err)
	}
	if b.ProjectID == "" {
		return CredentialBundle{}, errors.New("credential bundle has no project_id")
	}
	return b, nil
}

// Audience is the audience claim of ID tokens issued for the project.
func (b CredentialBundle) Audience() string { return b.ProjectID }

// Issuer is the issuer claim of ID tokens issued for the project.
func (b CredentialBundle) Issuer() string { return fmt.Sprintf(firebaseIssuerFm, b.ProjectID) }

// NewFirebaseAuth verifies ID tokens issued for the project in bundle.
func NewFirebaseAuth(bundle CredentialBundle, keyCacheTTL time.Duration) (*Auth, error) {
	jwks, err := keyfunc.Get(firebaseJWKSURL, keyfunc.Options{RefreshInterval: time.Hour})
	if err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}
	return NewAuth(jwks, bundle.Audience(), bundle.Issuer(), keyCacheTTL), nil
}

// NewAuth0Auth verifies access tokens issued by the Auth0 tenant domain.
func NewAuth0Auth(domain, audience string, keyCacheTTL time.Duration) (*Auth, error) {
	jwks, err := keyfunc.Get(fmt.Sprintf(auth0JWKSFormat, domain), keyfunc.Options{})
	if err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}
	return NewAuth(jwks, audience, "https://"+domain+"/", keyCacheTTL), nil
}
