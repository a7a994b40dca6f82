package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Provider defines a generic secrets source. Concrete implementations
// (AWS Secrets Manager, environment) satisfy this.
type Provider interface {
	// GetSecret retrieves a secret by key/path and returns a key-value map.
	GetSecret(ctx context.Context, key string) (map[string]string, error)
}

// EnvProvider resolves secrets from environment variables for local and
// sandbox runs. A secret key "bidv/credentials" with field "client_secret"
// maps to the variable BIDV_CREDENTIALS_CLIENT_SECRET.
type EnvProvider struct{}

// GetSecret returns all environment variables matching the key prefix.
func (EnvProvider) GetSecret(_ context.Context, key string) (map[string]string, error) {
	prefix := strings.ToUpper(strings.NewReplacer("/", "_", "-", "_").Replace(key)) + "_"
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, prefix) {
			continue
		}
		field := strings.ToLower(strings.TrimPrefix(name, prefix))
		out[field] = value
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no environment secrets found for [%s]", key)
	}
	return out, nil
}
