package auth

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthenticated indicates absent or invalid credentials. It is checked before any
	// parsing of the request payload and carries zero side effects.
	ErrUnauthenticated = errors.New("missing or invalid credentials")

	// ErrUnauthorized indicates that the caller authenticated successfully but the access
	// control rules deny the requested action. Distinct from ErrUnauthenticated.
	ErrUnauthorized = errors.New("the access control rules deny the requested action")
)

// Credential is a (principal, secret) pair presented by a caller.
type Credential struct {
	Principal string `json:"principal" yaml:"principal"`
	Secret    string `json:"secret" yaml:"secret"`
}

// Authenticator validates a caller's credentials, yielding the authenticated principal.
type Authenticator interface {
	// Authenticate returns the authenticated principal, or ErrUnauthenticated if the
	// credential is absent or does not match a registered principal.
	Authenticate(credential *Credential) (string, error)
}

// CredentialAuthenticator authenticates callers against a static registry of credentials,
// typically loaded from the master's configuration.
type CredentialAuthenticator struct {
	secrets map[string]string
}

// NewCredentialAuthenticator creates an authenticator over the given credential list.
func NewCredentialAuthenticator(credentials []Credential) *CredentialAuthenticator {
	secrets := make(map[string]string, len(credentials))
	for _, credential := range credentials {
		secrets[credential.Principal] = credential.Secret
	}

	return &CredentialAuthenticator{secrets: secrets}
}

// Authenticate validates the given credential against the registry.
func (a *CredentialAuthenticator) Authenticate(credential *Credential) (string, error) {
	if credential == nil || credential.Principal == "" {
		return "", fmt.Errorf("%w: no credential provided", ErrUnauthenticated)
	}

	secret, ok := a.secrets[credential.Principal]
	if !ok || secret != credential.Secret {
		return "", fmt.Errorf("%w: principal \"%s\"", ErrUnauthenticated, credential.Principal)
	}

	return credential.Principal, nil
}
