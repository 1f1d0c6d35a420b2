package registry

import (
	"fmt"
	"strings"
)

// NameSeparator joins the parts of a scoped endpoint name.
const NameSeparator = "#"

// Name is a scoped endpoint name: application, module and bean.
type Name struct {
	App    string
	Module string
	Bean   string
}

// String renders app#module#bean.
func (n Name) String() string {
	return n.App + NameSeparator + n.Module + NameSeparator + n.Bean
}

// ParseName parses app#module#bean. A bare bean name is accepted and
// scoped to empty application and module parts.
func ParseName(s string) (Name, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Name{}, fmt.Errorf("registry: empty endpoint name")
	}
	parts := strings.Split(s, NameSeparator)
	switch len(parts) {
	case 1:
		return Name{Bean: parts[0]}, nil
	case 3:
		if parts[2] == "" {
			return Name{}, fmt.Errorf("registry: endpoint name %q has no bean", s)
		}
		return Name{App: parts[0], Module: parts[1], Bean: parts[2]}, nil
	}
	return Name{}, fmt.Errorf("registry: endpoint name %q is not app#module#bean", s)
}

// CanonicalName parses and re-renders s.
func CanonicalName(s string) (string, error) {
	n, err := ParseName(s)
	if err != nil {
		return "", err
	}
	if n.App == "" && n.Module == "" {
		return n.Bean, nil
	}
	return n.String(), nil
}
