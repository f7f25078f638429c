// Package secrets resolves configuration values that may be given
// either as a literal string or as a reference into a secrets manager.
//
// Grounded on the teacher's utils/secret_resolver.go + vault driver
// pair, collapsed here into a single resolver since rpcgate only needs
// one backend (Vault) rather than a pluggable driver registry.
package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"

	vault "github.com/hashicorp/vault/api"
)

// Ref is a config value that is either a literal or a "vault://" reference
// of the form vault://<mount>/<path>#<key>, e.g.
// vault://secret/rpcgate/admin#api_key.
type Ref string

// Resolve returns the plain-text value for ref. Literal values (anything
// not prefixed with "vault://") resolve to themselves with no network
// call and no Vault client required.
func Resolve(ctx context.Context, client *vault.Client, ref Ref) (string, error) {
	s := string(ref)
	if !strings.HasPrefix(s, "vault://") {
		return s, nil
	}
	if client == nil {
		return "", fmt.Errorf("secrets: %q requires a vault client but none is configured", s)
	}

	mount, path, key, err := parseVaultRef(s)
	if err != nil {
		return "", err
	}

	secret, err := client.KVv2(mount).Get(ctx, path)
	if err != nil {
		return "", fmt.Errorf("secrets: failed to read vault secret %q: %w", s, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("secrets: vault secret not found at %q", s)
	}

	value, ok := secret.Data[key].(string)
	if !ok {
		return "", fmt.Errorf("secrets: key %q not found or not a string in %q", key, s)
	}
	return value, nil
}

// parseVaultRef splits "vault://<mount>/<path>#<key>" into its parts.
func parseVaultRef(s string) (mount, path, key string, err error) {
	rest := strings.TrimPrefix(s, "vault://")
	rest, key, ok := strings.Cut(rest, "#")
	if !ok || key == "" {
		return "", "", "", fmt.Errorf("secrets: malformed vault reference %q (want vault://mount/path#key)", s)
	}
	mount, path, ok = strings.Cut(rest, "/")
	if !ok || mount == "" || path == "" {
		return "", "", "", fmt.Errorf("secrets: malformed vault reference %q (want vault://mount/path#key)", s)
	}
	return mount, path, key, nil
}

// NewClient builds a Vault API client from the standard VAULT_ADDR /
// VAULT_TOKEN environment variables. Returns nil, nil when VAULT_ADDR is
// unset — callers treat a nil client as "no Vault backend configured"
// and Resolve then only accepts literal values.
func NewClient() (*vault.Client, error) {
	// vault.DefaultConfig() seeds Address with its own loopback default, so
	// checking cfg.Address for emptiness after ReadEnvironment wouldn't tell
	// us whether the operator actually configured a backend.
	if os.Getenv("VAULT_ADDR") == "" {
		return nil, nil
	}
	cfg := vault.DefaultConfig()
	if err := cfg.ReadEnvironment(); err != nil {
		return nil, fmt.Errorf("secrets: failed to read vault environment: %w", err)
	}
	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("secrets: failed to create vault client: %w", err)
	}
	return client, nil
}
