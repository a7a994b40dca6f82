package secrets

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	pkgsecrets "github.com/tooroo-1911/bidv-transaction-monitor/pkg/secrets"
)

type fakeProvider struct {
	secrets map[string]map[string]string
	calls   int
}

func (f *fakeProvider) GetSecret(_ context.Context, key string) (map[string]string, error) {
	f.calls++
	vals, ok := f.secrets[key]
	if !ok {
		return nil, errors.New("secret not found")
	}
	return vals, nil
}

func newTestResolver(provider *fakeProvider) *Resolver {
	cache := pkgsecrets.NewCache[map[string]string](time.Minute)
	return NewResolver(zap.NewNop(), "prod/bidv-monitor/", provider, cache)
}

func TestBIDVCredentials(t *testing.T) {
	provider := &fakeProvider{secrets: map[string]map[string]string{
		"prod/bidv-monitor/bidv/credentials": {"client_secret": "s3cret"},
	}}
	r := newTestResolver(provider)

	creds, err := r.BIDVCredentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "s3cret", creds.ClientSecret)
}

func TestResolverCachesLookups(t *testing.T) {
	provider := &fakeProvider{secrets: map[string]map[string]string{
		"prod/bidv-monitor/bidv/credentials": {"client_secret": "s3cret"},
	}}
	r := newTestResolver(provider)

	_, err := r.BIDVCredentials(context.Background())
	require.NoError(t, err)
	_, err = r.BIDVCredentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, provider.calls)

	// Busting forces a backend round trip.
	r.Bust("bidv/credentials")
	_, err = r.BIDVCredentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, provider.calls)
}

func TestZaloChannelRequiresBothFields(t *testing.T) {
	provider := &fakeProvider{secrets: map[string]map[string]string{
		"prod/bidv-monitor/zalo/oa": {"access_token": "tok"},
	}}
	r := newTestResolver(provider)

	_, err := r.ZaloChannel(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user_id")
}

func TestResolverMissingSecret(t *testing.T) {
	r := newTestResolver(&fakeProvider{})

	_, err := r.BIDVCredentials(context.Background())
	require.Error(t, err)
}
