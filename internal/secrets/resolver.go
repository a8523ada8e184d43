// Package secrets resolves credential references into passwords.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrSecretNotFound is returned when a reference points at nothing.
var ErrSecretNotFound = errors.New("secret not found")

// ErrRefNotAllowed is returned for references outside the configured policy.
var ErrRefNotAllowed = errors.New("credential reference not allowed")

// Policy limits which secrets a reference may name. file: references must
// resolve inside AllowedDir and env: references must carry EnvPrefix. An
// empty field disables that scheme.
type Policy struct {
	AllowedDir string
	EnvPrefix  string
}

// Check reports whether ref is well formed and permitted. It does not touch
// the environment or the filesystem.
func (p Policy) Check(ref string) error {
	if ref == "" {
		return nil
	}
	scheme, name, ok := strings.Cut(ref, ":")
	if !ok || name == "" {
		return fmt.Errorf("malformed credential reference %q", ref)
	}

	switch scheme {
	case "env":
		if p.EnvPrefix == "" {
			return fmt.Errorf("%w: env references are disabled", ErrRefNotAllowed)
		}
		if !strings.HasPrefix(name, p.EnvPrefix) || len(name) == len(p.EnvPrefix) {
			return fmt.Errorf("%w: environment variable must start with %s", ErrRefNotAllowed, p.EnvPrefix)
		}
		return nil
	case "file":
		if p.AllowedDir == "" {
			return fmt.Errorf("%w: file references are disabled", ErrRefNotAllowed)
		}
		if !filepath.IsAbs(name) {
			return fmt.Errorf("%w: %s is not an absolute path", ErrRefNotAllowed, name)
		}
		rel, err := filepath.Rel(filepath.Clean(p.AllowedDir), filepath.Clean(name))
		if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return fmt.Errorf("%w: %s is outside %s", ErrRefNotAllowed, name, p.AllowedDir)
		}
		return nil
	default:
		return fmt.Errorf("unsupported credential reference scheme %q", scheme)
	}
}

// Resolver turns "env:NAME" and "file:/path" references into passwords.
// An empty reference resolves to an empty password, leaving authentication
// to pgpass or the server's trust rules.
type Resolver struct {
	policy    Policy
	lookupEnv func(string) (string, bool)
	readFile  func(string) ([]byte, error)
	evalLinks func(string) (string, error)
}

// NewResolver returns a Resolver reading the process environment and
// filesystem within policy.
func NewResolver(policy Policy) *Resolver {
	return &Resolver{
		policy:    policy,
		lookupEnv: os.LookupEnv,
		readFile:  os.ReadFile,
		evalLinks: filepath.EvalSymlinks,
	}
}

// Resolve implements connection.CredentialResolver.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := r.policy.Check(ref); err != nil {
		return "", err
	}
	if ref == "" {
		return "", nil
	}

	scheme, name, _ := strings.Cut(ref, ":")
	switch scheme {
	case "env":
		v, found := r.lookupEnv(name)
		if !found {
			return "", fmt.Errorf("%w: environment variable %s is not set", ErrSecretNotFound, name)
		}
		return v, nil
	default:
		// Symlinks inside the allowed directory must not lead out of it.
		resolved, err := r.evalLinks(name)
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s does not exist", ErrSecretNotFound, name)
		}
		if err != nil {
			return "", fmt.Errorf("read secret file: %w", err)
		}
		dir, err := r.evalLinks(r.policy.AllowedDir)
		if err != nil {
			return "", fmt.Errorf("read secret file: %w", err)
		}
		if err := (Policy{AllowedDir: dir}).Check("file:" + resolved); err != nil {
			return "", err
		}

		data, err := r.readFile(resolved)
		if err != nil {
			return "", fmt.Errorf("read secret file: %w", err)
		}
		return strings.TrimRight(string(data), "\r\n"), nil
	}
}
