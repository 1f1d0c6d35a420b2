// Package pathutil resolves user-supplied filesystem paths.
package pathutil

import (
	"os"
	"path/filepath"
	"strings"
)

// ExpandUserAndEnv expands $VAR / ${VAR} tokens and a leading "~/" (or "~\")
// in p. The result is not made absolute.
func ExpandUserAndEnv(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", nil
	}
	p = os.ExpandEnv(p)
	if !strings.HasPrefix(p, "~") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	switch {
	case len(p) == 1:
		return home, nil
	case p[1] == '/' || p[1] == '\\':
		return filepath.Join(home, p[2:]), nil
	}
	return p, nil
}

// ResolveFile expands p and returns its absolute form. An empty p resolves
// to fallback (which is expanded the same way).
func ResolveFile(p, fallback string) (string, error) {
	if strings.TrimSpace(p) == "" {
		p = fallback
	}
	expanded, err := ExpandUserAndEnv(p)
	if err != nil {
		return "", err
	}
	if expanded == "" {
		return "", nil
	}
	return filepath.Abs(expanded)
}
