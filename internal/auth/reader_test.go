package auth

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parallelwork/parallelwork/internal/common/errors"
	"github.com/parallelwork/parallelwork/internal/common/logger"
)

func newTestReader(t *testing.T) *Reader {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stderr"})
	require.NoError(t, err)

	r := NewReader(log)
	r.homeDir = t.TempDir()
	r.run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return nil, fmt.Errorf("no secure store in tests")
	}
	return r
}

func TestResolveFromEnvironment(t *testing.T) {
	r := newTestReader(t)
	t.Setenv(envAPIKey, "sk-ant-test-key")

	cred, err := r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-test-key", cred.AccessToken)
	assert.Equal(t, KindAPIKey, cred.Kind)
	assert.Equal(t, "environment", cred.Source)
}

func TestResolveFromCredentialsFile(t *testing.T) {
	r := newTestReader(t)
	t.Setenv(envAPIKey, "")

	dir := filepath.Join(r.homeDir, ".claude")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	expiry := time.Now().Add(time.Hour).UnixMilli()
	blob := fmt.Sprintf(`{"claudeAiOauth":{"accessToken":"tok-1","refreshToken":"ref-1","expiresAt":%d,"scopes":["user:inference"]}}`, expiry)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".credentials.json"), []byte(blob), 0o600))

	cred, err := r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", cred.AccessToken)
	assert.Equal(t, "ref-1", cred.RefreshToken)
	assert.Equal(t, KindOAuth, cred.Kind)
	assert.Equal(t, "file", cred.Source)
	assert.Equal(t, []string{"user:inference"}, cred.Scopes)
}

func TestResolveExpiredTokenTreatedAsAbsent(t *testing.T) {
	r := newTestReader(t)
	t.Setenv(envAPIKey, "")

	dir := filepath.Join(r.homeDir, ".claude")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	expiry := time.Now().Add(-time.Hour).UnixMilli()
	blob := fmt.Sprintf(`{"claudeAiOauth":{"accessToken":"tok-old","expiresAt":%d}}`, expiry)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".credentials.json"), []byte(blob), 0o600))

	_, err := r.Resolve(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeAuthUnavailable, errors.CodeOf(err))
}

func TestResolveFromSecureStore(t *testing.T) {
	r := newTestReader(t)
	t.Setenv(envAPIKey, "")
	r.run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return []byte(`{"claudeAiOauth":{"accessToken":"tok-store","refreshToken":"ref-store"}}` + "\n"), nil
	}

	cred, err := r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-store", cred.AccessToken)
	assert.Equal(t, "keychain", cred.Source)
	assert.Equal(t, KindOAuth, cred.Kind)
}

func TestResolveCachesResult(t *testing.T) {
	r := newTestReader(t)
	t.Setenv(envAPIKey, "")
	calls := 0
	r.run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		calls++
		return []byte("raw-api-key"), nil
	}

	ctx := context.Background()
	_, err := r.Resolve(ctx)
	require.NoError(t, err)
	_, err = r.Resolve(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	r.Clear()
	_, err = r.Resolve(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestResolveCacheExpiresAfterTTL(t *testing.T) {
	r := newTestReader(t)
	t.Setenv(envAPIKey, "")
	calls := 0
	r.run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		calls++
		return []byte("raw-api-key"), nil
	}

	current := time.Now()
	r.now = func() time.Time { return current }

	ctx := context.Background()
	_, err := r.Resolve(ctx)
	require.NoError(t, err)

	current = current.Add(cacheTTL + time.Second)
	_, err = r.Resolve(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestSourceFailuresAreSkipped(t *testing.T) {
	r := newTestReader(t)
	t.Setenv(envAPIKey, "")

	// Secure store fails, but the config file still resolves.
	dir := filepath.Join(r.homeDir, ".config", "claude")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	blob := `{"claudeAiOauth":{"accessToken":"tok-cfg"}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".credentials.json"), []byte(blob), 0o600))

	cred, err := r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-cfg", cred.AccessToken)
}

func TestCredentialsJSONRoundTrip(t *testing.T) {
	expiry := time.Now().Add(time.Hour)
	cred := &Credential{
		AccessToken:  "tok-1",
		RefreshToken: "ref-1",
		Kind:         KindOAuth,
		ExpiresAt:    &expiry,
		Scopes:       []string{"user:inference"},
	}

	raw, err := cred.CredentialsJSON()
	require.NoError(t, err)

	parsed := parseCredentialBlob(raw, "file", time.Now())
	require.NotNil(t, parsed)
	assert.Equal(t, "tok-1", parsed.AccessToken)
	assert.Equal(t, "ref-1", parsed.RefreshToken)

	_, err = (&Credential{Kind: KindAPIKey}).CredentialsJSON()
	assert.Error(t, err)
}
