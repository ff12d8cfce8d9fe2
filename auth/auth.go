// Package auth validates tunnel allocation credentials. A credential is
// checked against one of four backings: nothing (noauth), a static
// password from the environment, a Cloudflare Workers KV namespace, or
// a Redis key.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/burrownet/burrow/config"
)

// ErrInvalidConfig reports that the selected auth mode is missing a
// required secret at request time.
var ErrInvalidConfig = errors.New("auth backing not configured")

const (
	cloudflareBaseURL = "https://api.cloudflare.com/client/v4"
	redisKeyPrefix    = "burrow:credential:"

	kvRequestTimeout = 10 * time.Second
)

// Gate validates credentials for tunnel allocation requests.
type Gate struct {
	mode config.AuthMode
	cfg  *config.Config
	log  zerolog.Logger

	httpClient *http.Client
	kvBaseURL  string
	rdb        *redis.Client
}

// New builds a Gate for the given mode. For redis mode the URL is
// parsed here so a malformed REDIS_URL fails at startup; no connection
// is opened until the first command (see Ping).
func New(cfg *config.Config, mode config.AuthMode, log zerolog.Logger) (*Gate, error) {
	g := &Gate{
		mode:       mode,
		cfg:        cfg,
		log:        log.With().Str("component", "auth").Logger(),
		httpClient: &http.Client{Timeout: kvRequestTimeout},
		kvBaseURL:  cloudflareBaseURL,
	}

	if mode == config.AuthModeRedis {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		g.rdb = redis.NewClient(opt)
	}

	return g, nil
}

// Mode returns the configured auth mode.
func (g *Gate) Mode() config.AuthMode {
	return g.mode
}

// Required reports whether requests must carry a credential.
func (g *Gate) Required() bool {
	return g.mode != config.AuthModeNone
}

// CredentialIsValid checks credential against the configured backing.
// subject is the requested subdomain, used as the lookup key for the
// KV-backed modes.
func (g *Gate) CredentialIsValid(ctx context.Context, credential, subject string) (bool, error) {
	switch g.mode {
	case config.AuthModeNone:
		return true, nil
	case config.AuthModePlaintext:
		return g.plaintextIsValid(credential)
	case config.AuthModeCloudflare:
		return g.cloudflareIsValid(ctx, credential, subject)
	case config.AuthModeRedis:
		return g.redisIsValid(ctx, credential, subject)
	}
	return false, fmt.Errorf("%w: unknown mode %q", ErrInvalidConfig, g.mode)
}

func (g *Gate) plaintextIsValid(credential string) (bool, error) {
	password := g.cfg.PlaintextPassword
	if password == "" {
		return false, ErrInvalidConfig
	}
	return subtle.ConstantTimeCompare([]byte(credential), []byte(password)) == 1, nil
}

// cloudflareIsValid fetches the expected credential for subject from a
// Workers KV namespace and compares it byte-for-byte.
func (g *Gate) cloudflareIsValid(ctx context.Context, credential, subject string) (bool, error) {
	account := g.cfg.CloudflareAccount
	namespace := g.cfg.CloudflareNamespace
	email := g.cfg.CloudflareAuthEmail
	key := g.cfg.CloudflareAuthKey
	if account == "" || namespace == "" || email == "" || key == "" {
		return false, ErrInvalidConfig
	}

	url := fmt.Sprintf("%s/accounts/%s/storage/kv/namespaces/%s/values/%s",
		g.kvBaseURL, account, namespace, subject)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("X-Auth-Email", email)
	req.Header.Set("X-Auth-Key", key)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("cloudflare kv request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, fmt.Errorf("cloudflare kv response: %w", err)
	}
	g.log.Debug().Int("status", resp.StatusCode).Str("subject", subject).Msg("cloudflare kv lookup")

	return subtle.ConstantTimeCompare([]byte(credential), body) == 1, nil
}

// redisIsValid compares credential with the value stored under
// burrow:credential:<subject>.
func (g *Gate) redisIsValid(ctx context.Context, credential, subject string) (bool, error) {
	if g.rdb == nil {
		return false, ErrInvalidConfig
	}
	expected, err := g.rdb.Get(ctx, redisKeyPrefix+subject).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis lookup: %w", err)
	}
	return subtle.ConstantTimeCompare([]byte(credential), []byte(expected)) == 1, nil
}

// Ping verifies the Redis connection when the redis mode is active.
func (g *Gate) Ping(ctx context.Context) error {
	if g.rdb == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return g.rdb.Ping(ctx).Err()
}
