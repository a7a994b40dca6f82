package secrets

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	pkgsecrets "github.com/tooroo-1911/bidv-transaction-monitor/pkg/secrets"
)

// Resolver resolves the monitor's channel secrets (bank credentials, Zalo
// OA tokens) from the configured provider, caching results in-memory to
// keep Secrets Manager traffic at startup levels.
//
// Secret naming convention: {prefix}{channel}, e.g. "prod/bidv-monitor/bidv/credentials".
type Resolver struct {
	logger   *zap.Logger
	prefix   string
	provider pkgsecrets.Provider
	cache    *pkgsecrets.Cache[map[string]string]
}

// NewResolver constructs a resolver over provider with the given name prefix.
func NewResolver(logger *zap.Logger, prefix string, provider pkgsecrets.Provider, cache *pkgsecrets.Cache[map[string]string]) *Resolver {
	return &Resolver{
		logger:   logger,
		prefix:   prefix,
		provider: provider,
		cache:    cache,
	}
}

// BIDVCredentials is the bank credential secret.
type BIDVCredentials struct {
	ClientSecret string
}

// ZaloChannel is the Zalo Official Account secret.
type ZaloChannel struct {
	AccessToken string
	UserID      string
}

// BIDVCredentials resolves the bank credential secret.
func (r *Resolver) BIDVCredentials(ctx context.Context) (BIDVCredentials, error) {
	vals, err := r.resolve(ctx, "bidv/credentials")
	if err != nil {
		return BIDVCredentials{}, err
	}
	return BIDVCredentials{ClientSecret: vals["client_secret"]}, nil
}

// ZaloChannel resolves the Zalo OA secret. Both fields are required.
func (r *Resolver) ZaloChannel(ctx context.Context) (ZaloChannel, error) {
	vals, err := r.resolve(ctx, "zalo/oa")
	if err != nil {
		return ZaloChannel{}, err
	}
	ch := ZaloChannel{AccessToken: vals["access_token"], UserID: vals["user_id"]}
	if ch.AccessToken == "" || ch.UserID == "" {
		return ZaloChannel{}, fmt.Errorf("secrets: zalo/oa is missing access_token or user_id")
	}
	return ch, nil
}

// Bust drops a channel's cached secret, forcing a re-fetch on next use.
func (r *Resolver) Bust(channel string) {
	r.cache.Bust(r.secretName(channel))
}

func (r *Resolver) secretName(channel string) string {
	return strings.ToLower(r.prefix + channel)
}

func (r *Resolver) resolve(ctx context.Context, channel string) (map[string]string, error) {
	name := r.secretName(channel)

	if vals, ok := r.cache.Get(name); ok {
		return vals, nil
	}

	vals, err := r.provider.GetSecret(ctx, name)
	if err != nil {
		r.logger.Warn("secrets.fetch_failed",
			zap.String("key", name),
			zap.Error(err))
		return nil, fmt.Errorf("resolve secret %q: %w", name, err)
	}

	r.cache.Put(name, vals)
	r.logger.Info("secrets.resolved", zap.String("key", name))
	return vals, nil
}
