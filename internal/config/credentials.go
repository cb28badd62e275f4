package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Credential references have the form env:NAME or file:/absolute/path.
const (
	refEnv  = "env:"
	refFile = "file:"
)

// ValidateCredentialRef rejects anything that is not a reference, so raw
// secrets never live in the config file.
func ValidateCredentialRef(ref string) error {
	ref = strings.TrimSpace(ref)
	switch {
	case strings.HasPrefix(ref, refEnv):
		name := strings.TrimPrefix(ref, refEnv)
		if name == "" || strings.ContainsAny(name, " =") {
			return fmt.Errorf("invalid environment variable name in %q", ref)
		}
		return nil
	case strings.HasPrefix(ref, refFile):
		path := strings.TrimPrefix(ref, refFile)
		if !filepath.IsAbs(path) {
			return fmt.Errorf("credential file must be an absolute path")
		}
		return nil
	default:
		return fmt.Errorf("credentials must be referenced as env:NAME or file:/path, not inlined")
	}
}

// ResolveCredential loads the secret a reference points to.
func ResolveCredential(ref string) (string, error) {
	if err := ValidateCredentialRef(ref); err != nil {
		return "", err
	}
	ref = strings.TrimSpace(ref)
	if strings.HasPrefix(ref, refEnv) {
		name := strings.TrimPrefix(ref, refEnv)
		value, ok := os.LookupEnv(name)
		if !ok || strings.TrimSpace(value) == "" {
			return "", fmt.Errorf("environment variable %s not set", name)
		}
		return strings.TrimSpace(value), nil
	}
	path := filepath.Clean(strings.TrimPrefix(ref, refFile))
	raw, err := os.ReadFile(path) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return "", fmt.Errorf("read credential file: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}
