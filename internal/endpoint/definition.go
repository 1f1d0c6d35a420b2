package endpoint

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"pkt.systems/endpointd/internal/core"
)

// HandlerFunc is one listener method.
type HandlerFunc func(ctx context.Context, lc *Context, payload string) error

// Method is a listener method and its deployed transaction attribute.
type Method struct {
	Handler HandlerFunc
	// Attribute overrides the definition attribute when set.
	Attribute *core.TxAttribute
}

// Definition describes a listener type: its methods and the transaction
// attribute it is deployed with.
type Definition struct {
	Attribute core.TxAttribute
	Methods   map[string]Method
}

// Validate checks that the definition has at least one usable method.
func (d Definition) Validate() error {
	if len(d.Methods) == 0 {
		return errors.New("endpoint: definition has no listener methods")
	}
	for name, m := range d.Methods {
		if name == "" {
			return errors.New("endpoint: listener method with empty name")
		}
		if m.Handler == nil {
			return fmt.Errorf("endpoint: listener method %q has no handler", name)
		}
	}
	return nil
}

// AttributeFor resolves the attribute a method runs under.
func (d Definition) AttributeFor(method string) core.TxAttribute {
	if m, ok := d.Methods[method]; ok && m.Attribute != nil {
		return *m.Attribute
	}
	return d.Attribute
}

// MethodNames returns the sorted method names.
func (d Definition) MethodNames() []string {
	names := make([]string, 0, len(d.Methods))
	for name := range d.Methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Single builds a definition with one method.
func Single(attr core.TxAttribute, method string, fn HandlerFunc) Definition {
	return Definition{Attribute: attr, Methods: map[string]Method{method: {Handler: fn}}}
}
