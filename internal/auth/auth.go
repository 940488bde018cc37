// Package auth verifies the shared-secret tokens calling services present
// on the X-Service-Token header. Tokens are loaded from SERVICE_TOKEN_*
// environment variables; each service may carry several valid tokens so
// rotation never needs a simultaneous deploy.
package auth

import (
	"crypto/subtle"
	"errors"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/ignite/email-dispatch/internal/metrics"
	"github.com/ignite/email-dispatch/internal/pkg/logger"
)

// DefaultTokenPrefix guards against pasting an unrelated secret into a
// token variable.
const DefaultTokenPrefix = "st_"

const (
	envEnabled   = "SERVICE_AUTH_ENABLED"
	envPrefix    = "SERVICE_TOKEN_PREFIX"
	envNamespace = "SERVICE_TOKEN_"
)

var (
	// ErrTokenMissing means no token was presented.
	ErrTokenMissing = errors.New("service token required")
	// ErrTokenFormat means the token does not carry the configured prefix.
	ErrTokenFormat = errors.New("invalid service token format")
	// ErrTokenUnknown means the token is well-formed but not configured.
	ErrTokenUnknown = errors.New("service token not recognized")
)

// Identity is an authenticated caller.
type Identity struct {
	Name            string
	AuthenticatedAt time.Time
}

// Authenticator maps service tokens to service names.
type Authenticator struct {
	enabled bool
	prefix  string
	tokens  map[string][]string
	owners  map[string]string
}

// LoadFromEnv builds an authenticator from the process environment.
func LoadFromEnv() *Authenticator {
	return FromEnviron(os.Environ())
}

// FromEnviron builds an authenticator from "KEY=VALUE" pairs.
//
// SERVICE_TOKEN_MAIN_APP=st_abc configures service "main-app". Rotation
// suffixes are dropped, so SERVICE_TOKEN_USER_SERVICE_PRIMARY and
// SERVICE_TOKEN_USER_SERVICE_SECONDARY both authenticate "user-service".
func FromEnviron(environ []string) *Authenticator {
	a := &Authenticator{
		enabled: true,
		prefix:  DefaultTokenPrefix,
		tokens:  make(map[string][]string),
		owners:  make(map[string]string),
	}

	vars := make(map[string]string, len(environ))
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		vars[key] = value
	}

	if raw, ok := vars[envEnabled]; ok {
		a.enabled = strings.EqualFold(raw, "true")
	}
	if raw, ok := vars[envPrefix]; ok && raw != "" {
		a.prefix = raw
	}

	for key, value := range vars {
		if !strings.HasPrefix(key, envNamespace) || key == envPrefix {
			continue
		}
		name := serviceNameFromEnv(key)
		if !strings.HasPrefix(value, a.prefix) {
			logger.Warn("skipping service token without required prefix",
				"service", name, "prefix", a.prefix)
			continue
		}
		a.tokens[name] = append(a.tokens[name], value)
		a.owners[value] = name
	}

	switch {
	case !a.enabled:
		logger.Warn("service authentication disabled, all requests accepted")
	case len(a.tokens) == 0:
		logger.Error("service authentication enabled but no tokens configured",
			"hint", "set SERVICE_TOKEN_<NAME>=<token>")
	default:
		logger.Info("service authentication enabled", "services", len(a.tokens))
	}
	return a
}

// serviceNameFromEnv turns SERVICE_TOKEN_USER_SERVICE_PRIMARY into
// "user-service".
func serviceNameFromEnv(key string) string {
	parts := strings.Split(strings.TrimPrefix(key, envNamespace), "_")
	if len(parts) > 1 {
		switch parts[len(parts)-1] {
		case "PRIMARY", "SECONDARY", "BACKUP":
			parts = parts[:len(parts)-1]
		}
	}
	return strings.ToLower(strings.Join(parts, "-"))
}

// Verify checks a presented token and returns the caller's identity.
// Token comparison is constant time so latency reveals nothing about how
// close a guess was.
func (a *Authenticator) Verify(token string) (*Identity, error) {
	now := time.Now().UTC()
	if !a.enabled {
		return &Identity{Name: "unauthenticated", AuthenticatedAt: now}, nil
	}

	if token == "" {
		metrics.AuthAttempt("unknown", "failure")
		logger.Warn("authentication failed", "reason", "no token provided")
		return nil, ErrTokenMissing
	}
	if !strings.HasPrefix(token, a.prefix) {
		metrics.AuthAttempt("unknown", "failure")
		logger.Warn("authentication failed", "reason", "bad token prefix", "expected", a.prefix)
		return nil, ErrTokenFormat
	}

	name := a.lookup(token)
	if name == "" {
		metrics.AuthAttempt("unknown", "failure")
		logger.Warn("authentication failed", "reason", "token not recognized")
		return nil, ErrTokenUnknown
	}

	metrics.AuthAttempt(name, "success")
	logger.Debug("service authenticated", "service", name)
	return &Identity{Name: name, AuthenticatedAt: now}, nil
}

func (a *Authenticator) lookup(token string) string {
	for candidate, owner := range a.owners {
		if subtle.ConstantTimeCompare([]byte(token), []byte(candidate)) == 1 {
			return owner
		}
	}
	return ""
}

// Enabled reports whether token checks are active.
func (a *Authenticator) Enabled() bool { return a.enabled }

// Services lists the configured service names, sorted.
func (a *Authenticator) Services() []string {
	names := make([]string, 0, len(a.tokens))
	for name := range a.tokens {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsConfigured reports whether a service has at least one valid token.
func (a *Authenticator) IsConfigured(service string) bool {
	_, ok := a.tokens[service]
	return ok
}
