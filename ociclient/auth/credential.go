package auth

import (
	"context"
	"fmt"
	"os"

	dockercfg "github.com/docker/cli/cli/config"
)

// Credential is the capability set a CredentialProvider resolves for a
// host: username/password for Basic or the password grant, and/or a
// refresh/access token for Bearer. Empty when all fields are empty.
type Credential struct {
	Username     string
	Password     string
	RefreshToken string
	AccessToken  string
}

// IsEmpty reports whether every field of c is the zero value.
func (c Credential) IsEmpty() bool {
	return c == Credential{}
}

// CredentialProvider resolves a Credential for a registry host. The
// distribution-spec client core never persists credentials itself (per
// the "no on-disk credential storage" non-goal); providers are the
// pluggable seam that would read a keychain, an env var, or a config
// file.
type CredentialProvider interface {
	Credential(ctx context.Context, host string) (Credential, error)
}

// CredentialProviderFunc adapts a function to a CredentialProvider.
type CredentialProviderFunc func(ctx context.Context, host string) (Credential, error)

func (f CredentialProviderFunc) Credential(ctx context.Context, host string) (Credential, error) {
	return f(ctx, host)
}

// StaticCredentialStore is an in-memory CredentialProvider keyed by host,
// the simplest way to hand the Client a fixed set of logins (tests, or a
// single-registry CLI invocation).
type StaticCredentialStore struct {
	byHost map[string]Credential
}

// NewStaticCredentialStore builds a StaticCredentialStore from a host ->
// Credential map. The map is copied.
func NewStaticCredentialStore(byHost map[string]Credential) *StaticCredentialStore {
	cp := make(map[string]Credential, len(byHost))
	for h, c := range byHost {
		cp[h] = c
	}
	return &StaticCredentialStore{byHost: cp}
}

func (s *StaticCredentialStore) Credential(_ context.Context, host string) (Credential, error) {
	return s.byHost[host], nil
}

// Set adds or replaces the credential for host.
func (s *StaticCredentialStore) Set(host string, cred Credential) {
	s.byHost[host] = cred
}

// dockerIndexServer is the legacy server address the Docker CLI uses for
// Docker Hub entries in its config file; a lookup for docker.io or
// registry-1.docker.io is redirected here to find Hub logins.
const dockerIndexServer = "https://index.docker.io/v1/"

// DockerConfigCredentialProvider resolves credentials from the user's
// Docker CLI configuration file (~/.docker/config.json, or DOCKER_CONFIG)
// via github.com/docker/cli/cli/config. It resolves lazily per host
// rather than eagerly loading every login into a shared map, so it
// composes with per-client Cache/Scope ownership.
type DockerConfigCredentialProvider struct{}

// NewDockerConfigCredentialProvider returns a provider backed by the
// user's Docker CLI config file.
func NewDockerConfigCredentialProvider() *DockerConfigCredentialProvider {
	return &DockerConfigCredentialProvider{}
}

func (d *DockerConfigCredentialProvider) Credential(_ context.Context, host string) (Credential, error) {
	cfg := dockercfg.LoadDefaultConfigFile(os.Stderr)
	lookupHost := host
	if host == "docker.io" || host == "registry-1.docker.io" {
		lookupHost = dockerIndexServer
	}
	authConfig, err := cfg.GetAuthConfig(lookupHost)
	if err != nil {
		return Credential{}, fmt.Errorf("loading docker config credential for %s: %w", host, err)
	}
	return Credential{
		Username:     authConfig.Username,
		Password:     authConfig.Password,
		RefreshToken: authConfig.IdentityToken,
	}, nil
}
