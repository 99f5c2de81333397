// Package secrets resolves declarative secret references into plaintext
// values at MCP server launch time.
//
// Server definitions never carry raw credentials. Instead, environment
// values use URI-style references that are resolved just before the
// subprocess is spawned:
//
//	env://VAR_NAME                 reads the host process environment
//	keyring://service/username     reads the OS credential store
//	                               (macOS Keychain, GNOME Keyring, wincred)
//
// Values without a recognized scheme pass through unchanged. A failed
// lookup logs a warning and resolves to the empty string rather than
// failing the connect: a missing credential surfaces later as an auth
// error from the child process instead of blocking startup.
package secrets

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

const (
	envScheme     = "env://"
	keyringScheme = "keyring://"
)

// Resolver resolves secret references in server environment maps.
type Resolver struct {
	logger *slog.Logger

	// lookup seams for tests
	getenv     func(string) string
	keyringGet func(service, user string) (string, error)
}

// NewResolver creates a Resolver backed by the host environment and the
// OS credential store.
func NewResolver(logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		logger:     logger,
		getenv:     os.Getenv,
		keyringGet: keyring.Get,
	}
}

// Resolve walks an environment map and replaces reference values with
// the secrets they point to. Plain values pass through unchanged.
// Resolution never fails as a whole: a key whose lookup errors resolves
// to "" with a logged warning.
func (r *Resolver) Resolve(env map[string]string) map[string]string {
	if len(env) == 0 {
		return nil
	}

	resolved := make(map[string]string, len(env))
	for key, value := range env {
		secret, recognized, err := r.resolveValue(value)
		if !recognized {
			resolved[key] = value
			continue
		}
		if err != nil {
			r.logger.Warn("secret resolution failed, using empty value",
				"key", key,
				"error", err,
			)
			resolved[key] = ""
			continue
		}
		resolved[key] = secret
	}
	return resolved
}

// resolveValue resolves a single reference. recognized reports whether
// the value carried a known scheme; unrecognized values are returned to
// the caller untouched.
func (r *Resolver) resolveValue(value string) (secret string, recognized bool, err error) {
	switch {
	case strings.HasPrefix(value, envScheme):
		name := strings.TrimPrefix(value, envScheme)
		if name == "" {
			return "", true, fmt.Errorf("empty variable name in %q", value)
		}
		v := r.getenv(name)
		if v == "" {
			return "", true, fmt.Errorf("environment variable %q is empty or not set", name)
		}
		return v, true, nil

	case strings.HasPrefix(value, keyringScheme):
		path := strings.TrimPrefix(value, keyringScheme)
		service, user, ok := strings.Cut(path, "/")
		if !ok || service == "" || user == "" {
			return "", true, fmt.Errorf("invalid keyring reference %q (expected keyring://service/username)", value)
		}
		v, err := r.keyringGet(service, user)
		if err != nil {
			if err == keyring.ErrNotFound {
				return "", true, fmt.Errorf("secret not found in keyring: %s/%s", service, user)
			}
			return "", true, fmt.Errorf("keyring lookup %s/%s: %w", service, user, err)
		}
		if strings.TrimSpace(v) == "" {
			return "", true, fmt.Errorf("keyring entry %s/%s is empty", service, user)
		}
		return v, true, nil
	}

	return "", false, nil
}
