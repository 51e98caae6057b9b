package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Backend enumerates supported secret backends.
type Backend string

const (
	// BackendEnv loads secrets from environment variables.
	BackendEnv Backend = "env"
	// BackendFilesystem loads secrets from files under a root directory, such
	// as a mounted secret volume.
	BackendFilesystem Backend = "filesystem"
)

// ErrNotFound is returned when a named secret does not exist.
var ErrNotFound = errors.New("secret not found")

// Config describes the secret backend wiring for swapd.
type Config struct {
	Backend Backend
	// BasePath is used by filesystem backends to locate secret files.
	BasePath string
	// EnvPrefix is prepended to names by the env backend.
	EnvPrefix string
}

// Manager resolves named secrets using the configured backend.
type Manager struct {
	backend   Backend
	baseDir   string
	envPrefix string
	lookupEnv func(string) (string, bool)
}

// NewManager constructs a Manager for the supplied configuration.
func NewManager(cfg Config) (*Manager, error) {
	backend := Backend(strings.ToLower(strings.TrimSpace(string(cfg.Backend))))
	if backend == "" {
		backend = BackendEnv
	}

	switch backend {
	case BackendEnv:
		return &Manager{backend: backend, envPrefix: strings.TrimSpace(cfg.EnvPrefix), lookupEnv: os.LookupEnv}, nil
	case BackendFilesystem:
		base := strings.TrimSpace(cfg.BasePath)
		if base == "" {
			return nil, errors.New("filesystem secret backend requires base path")
		}
		info, err := os.Stat(base)
		if err != nil {
			return nil, fmt.Errorf("stat secret directory: %w", err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("secret base path %s is not a directory", base)
		}
		return &Manager{backend: backend, baseDir: base}, nil
	default:
		return nil, fmt.Errorf("unsupported secret backend %q", backend)
	}
}

// GetSecret resolves the value associated with name using the configured backend.
func (m *Manager) GetSecret(ctx context.Context, name string) (string, error) {
	if m == nil {
		return "", errors.New("secret manager not configured")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("secret name required")
	}
	switch m.backend {
	case BackendEnv:
		value, ok := m.lookupEnv(m.envPrefix + name)
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return strings.TrimSpace(value), nil
	case BackendFilesystem:
		clean := filepath.Clean(name)
		if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") || strings.HasPrefix(clean, `..`+string(os.PathSeparator)) {
			return "", fmt.Errorf("secret name %q is invalid", name)
		}
		if filepath.IsAbs(clean) {
			return "", fmt.Errorf("secret name %q must be relative", name)
		}
		data, err := os.ReadFile(filepath.Join(m.baseDir, clean))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return "", fmt.Errorf("%w: %s", ErrNotFound, name)
			}
			return "", err
		}
		return strings.TrimSpace(string(data)), nil
	default:
		return "", fmt.Errorf("unsupported secret backend %q", m.backend)
	}
}

// Optional resolves name, returning an empty value when the name is blank or
// the secret is absent.
func (m *Manager) Optional(ctx context.Context, name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", nil
	}
	value, err := m.GetSecret(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return value, err
}
