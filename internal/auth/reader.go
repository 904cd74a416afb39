// Package auth resolves a usable agent credential from the environment, the
// platform's secure store, or well-known config files, and caches the result
// with a short TTL.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/parallelwork/parallelwork/internal/common/errors"
	"github.com/parallelwork/parallelwork/internal/common/logger"
)

// CredentialKind distinguishes the two injection strategies: a long-lived
// API key exported as an environment variable, or a short-lived OAuth token
// written as a credentials file.
type CredentialKind string

const (
	KindAPIKey CredentialKind = "api_key"
	KindOAuth  CredentialKind = "oauth"
)

const (
	envAPIKey = "ANTHROPIC_API_KEY"

	// Fixed service/account pair used to query the platform secure store.
	keychainService = "Claude Code-credentials"
	secretService   = "claude-code"

	cacheTTL = 5 * time.Minute
)

// Credential holds a resolved agent credential. Values are kept in memory
// only and never logged.
type Credential struct {
	AccessToken  string
	RefreshToken string
	Source       string // environment, keychain, file
	Kind         CredentialKind
	ExpiresAt    *time.Time
	Scopes       []string
}

// Expired reports whether the credential carries an expiry in the past.
func (c *Credential) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

// credentialFile matches the JSON blob stored by the agent CLI in its
// credentials file and in the platform secure store.
type credentialFile struct {
	ClaudeAiOauth *struct {
		AccessToken  string   `json:"accessToken"`
		RefreshToken string   `json:"refreshToken"`
		ExpiresAt    int64    `json:"expiresAt"` // unix millis
		Scopes       []string `json:"scopes"`
	} `json:"claudeAiOauth"`
}

// commandRunner executes a platform store query and returns its stdout.
// Injectable for tests.
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// Reader resolves agent credentials. Sources are consulted in a fixed order
// and the first usable result wins; per-source failures are logged and
// skipped.
type Reader struct {
	homeDir string
	run     commandRunner
	now     func() time.Time
	logger  *logger.Logger

	mu       sync.Mutex
	cached   *Credential
	cachedAt time.Time
}

// NewReader creates a credential reader.
func NewReader(log *logger.Logger) *Reader {
	home, _ := os.UserHomeDir()
	return &Reader{
		homeDir: home,
		run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).Output()
		},
		now:    time.Now,
		logger: log.WithFields(zap.String("component", "auth-reader")),
	}
}

// Resolve returns a usable credential, consulting the cache first. It fails
// with an AUTH_UNAVAILABLE error when no source yields one.
func (r *Reader) Resolve(ctx context.Context) (*Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if r.cached != nil && now.Sub(r.cachedAt) < cacheTTL {
		if !r.cached.Expired(now) {
			return r.cached, nil
		}
		// Observed expiry invalidates the cache.
		r.cached = nil
	}

	cred := r.resolveFresh(ctx, now)
	if cred == nil {
		return nil, errors.AuthUnavailable("no agent credential found in environment, secure store, or config files")
	}

	r.cached = cred
	r.cachedAt = now
	return cred, nil
}

// Status reports which source, if any, currently provides a credential.
// The credential value itself is never included.
func (r *Reader) Status(ctx context.Context) (source string, kind CredentialKind, ok bool) {
	cred, err := r.Resolve(ctx)
	if err != nil {
		return "", "", false
	}
	return cred.Source, cred.Kind, true
}

// Clear drops the cached credential.
func (r *Reader) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cached = nil
}

func (r *Reader) resolveFresh(ctx context.Context, now time.Time) *Credential {
	if cred := r.fromEnvironment(); cred != nil {
		return cred
	}
	if cred := r.fromSecureStore(ctx, now); cred != nil {
		return cred
	}
	return r.fromConfigFiles(now)
}

func (r *Reader) fromEnvironment() *Credential {
	key := strings.TrimSpace(os.Getenv(envAPIKey))
	if key == "" {
		return nil
	}
	return &Credential{
		AccessToken: key,
		Source:      "environment",
		Kind:        KindAPIKey,
	}
}

// fromSecureStore queries the platform-native secret store by a fixed
// service/account pair: the macOS keychain via the security tool, or the
// freedesktop secret service via secret-tool.
func (r *Reader) fromSecureStore(ctx context.Context, now time.Time) *Credential {
	var out []byte
	var err error

	switch runtime.GOOS {
	case "darwin":
		out, err = r.run(ctx, "security", "find-generic-password", "-s", keychainService, "-w")
	case "linux":
		out, err = r.run(ctx, "secret-tool", "lookup", "service", secretService)
	default:
		return nil
	}
	if err != nil {
		r.logger.Debug("secure store lookup failed", zap.Error(err))
		return nil
	}

	cred := parseCredentialBlob(strings.TrimSpace(string(out)), "keychain", now)
	if cred == nil {
		r.logger.Debug("secure store returned no usable credential")
	}
	return cred
}

func (r *Reader) fromConfigFiles(now time.Time) *Credential {
	if r.homeDir == "" {
		return nil
	}
	paths := []string{
		filepath.Join(r.homeDir, ".claude", ".credentials.json"),
		filepath.Join(r.homeDir, ".config", "claude", ".credentials.json"),
	}
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				r.logger.Debug("failed to read credentials file",
					zap.String("path", path), zap.Error(err))
			}
			continue
		}
		if cred := parseCredentialBlob(strings.TrimSpace(string(data)), "file", now); cred != nil {
			return cred
		}
	}
	return nil
}

// parseCredentialBlob interprets a secure-store or file payload. A JSON blob
// with an OAuth section yields a token credential; any other non-empty value
// is treated as a raw API key. Expired tokens are treated as absent.
func parseCredentialBlob(raw, source string, now time.Time) *Credential {
	if raw == "" {
		return nil
	}

	var blob credentialFile
	if err := json.Unmarshal([]byte(raw), &blob); err == nil && blob.ClaudeAiOauth != nil {
		oauth := blob.ClaudeAiOauth
		if oauth.AccessToken == "" {
			return nil
		}
		cred := &Credential{
			AccessToken:  oauth.AccessToken,
			RefreshToken: oauth.RefreshToken,
			Source:       source,
			Kind:         KindOAuth,
			Scopes:       oauth.Scopes,
		}
		if oauth.ExpiresAt > 0 {
			expiry := time.UnixMilli(oauth.ExpiresAt)
			cred.ExpiresAt = &expiry
		}
		if cred.Expired(now) {
			return nil
		}
		return cred
	}

	if strings.HasPrefix(raw, "{") {
		// JSON we do not recognize is not a usable key.
		return nil
	}
	return &Credential{
		AccessToken: raw,
		Source:      source,
		Kind:        KindAPIKey,
	}
}

// CredentialsJSON renders the credential in the file format the agent CLI
// reads inside the sandbox. Only meaningful for OAuth credentials.
func (c *Credential) CredentialsJSON() (string, error) {
	if c.Kind != KindOAuth {
		return "", fmt.Errorf("credential kind %s has no file representation", c.Kind)
	}
	payload := map[string]any{
		"claudeAiOauth": map[string]any{
			"accessToken":  c.AccessToken,
			"refreshToken": c.RefreshToken,
			"scopes":       c.Scopes,
		},
	}
	if c.ExpiresAt != nil {
		payload["claudeAiOauth"].(map[string]any)["expiresAt"] = c.ExpiresAt.UnixMilli()
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal credentials: %w", err)
	}
	return string(data), nil
}
