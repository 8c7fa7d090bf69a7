package process

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/workd/internal/value"
)

// GroupSeparator joins a group name and a member name into a flat label.
const GroupSeparator = "__"

// ReturnLabel is the output label used by Process.Return.
const ReturnLabel = "_return"

// PortKind is the variant of a port.
type PortKind int

const (
	// PortRequired must be supplied.
	PortRequired PortKind = iota
	// PortOptional falls back to its default when omitted.
	PortOptional
	// PortDynamic may be omitted and, as an output, emitted more than once.
	PortDynamic
)

func (k PortKind) String() string {
	switch k {
	case PortRequired:
		return "required"
	case PortOptional:
		return "optional"
	case PortDynamic:
		return "dynamic"
	}
	return fmt.Sprintf("PortKind(%d)", int(k))
}

// Port declares one named value of a namespace.
type Port struct {
	Kind    PortKind
	Type    string
	Default value.Value
	Help    string
}

// Required declares a port that must be supplied.
func Required(typ string) Port {
	return Port{Kind: PortRequired, Type: typ}
}

// Optional declares a port with a default. The default is converted with
// value.FromGo and panics if it cannot be; defaults are fixed at define time.
func Optional(typ string, def any) Port {
	v, err := value.FromGo(def)
	if err != nil {
		panic(fmt.Sprintf("optional port default: %v", err))
	}
	return Port{Kind: PortOptional, Type: typ, Default: v}
}

// Dynamic declares a port that may be omitted or re-emitted.
func Dynamic(typ string) Port {
	return Port{Kind: PortDynamic, Type: typ}
}

// WithHelp returns p with a help text.
func (p Port) WithHelp(help string) Port {
	p.Help = help
	return p
}

// Namespace is a set of ports and nested groups.
type Namespace struct {
	ports   map[string]Port
	groups  map[string]*Namespace
	order   []string
	dynamic *Port
}

func newNamespace() *Namespace {
	return &Namespace{
		ports:  make(map[string]Port),
		groups: make(map[string]*Namespace),
	}
}

// Port declares a port. Redeclaring a name replaces it.
func (ns *Namespace) Port(name string, p Port) *Namespace {
	ns.checkName(name)
	if _, ok := ns.ports[name]; !ok {
		ns.order = append(ns.order, name)
	}
	ns.ports[name] = p
	return ns
}

// Group declares (or returns) a nested namespace whose members are
// flattened into labels "name__member".
func (ns *Namespace) Group(name string) *Namespace {
	ns.checkName(name)
	if g, ok := ns.groups[name]; ok {
		return g
	}
	g := newNamespace()
	ns.groups[name] = g
	ns.order = append(ns.order, name)
	return g
}

// AllowDynamic accepts undeclared names whose values satisfy typ.
func (ns *Namespace) AllowDynamic(typ string) *Namespace {
	p := Dynamic(typ)
	ns.dynamic = &p
	return ns
}

// IsDynamic reports whether undeclared names are accepted.
func (ns *Namespace) IsDynamic() bool {
	return ns.dynamic != nil
}

// Lookup returns the port for a flat label, descending into groups.
func (ns *Namespace) Lookup(label string) (Port, bool) {
	if p, ok := ns.ports[label]; ok {
		return p, true
	}
	if group, member, ok := strings.Cut(label, GroupSeparator); ok {
		if g, ok := ns.groups[group]; ok {
			return g.Lookup(member)
		}
	}
	if ns.dynamic != nil {
		return *ns.dynamic, true
	}
	return Port{}, false
}

// Names returns declared port and group names in declaration order.
func (ns *Namespace) Names() []string {
	return slices.Clone(ns.order)
}

func (ns *Namespace) checkName(name string) {
	if name == "" || strings.Contains(name, GroupSeparator) {
		panic(fmt.Sprintf("invalid port name %q", name))
	}
	if _, ok := ns.groups[name]; ok {
		panic(fmt.Sprintf("port %q already declared as a group", name))
	}
}

// validate checks port types compile.
func (ns *Namespace) validate(path string) error {
	for _, name := range ns.order {
		if p, ok := ns.ports[name]; ok {
			if _, err := checker.compile(orAny(p.Type)); err != nil {
				return fmt.Errorf("port %s%s: %w", path, name, err)
			}
			if p.Kind == PortOptional {
				if err := checker.check(p.Type, p.Default); err != nil {
					return fmt.Errorf("port %s%s default: %w", path, name, err)
				}
			}
			continue
		}
		if err := ns.groups[name].validate(path + name + GroupSeparator); err != nil {
			return err
		}
	}
	if ns.dynamic != nil {
		if _, err := checker.compile(orAny(ns.dynamic.Type)); err != nil {
			return fmt.Errorf("dynamic ports of %q: %w", path, err)
		}
	}
	return nil
}

// resolve flattens raw into labels, applies defaults, and checks every
// value against its port.
func (ns *Namespace) resolve(prefix string, raw map[string]any, out map[string]any) error {
	for name, v := range raw {
		label := prefix + name
		if g, ok := ns.groups[name]; ok {
			members, err := asMembers(v)
			if err != nil {
				return fmt.Errorf("group %q: %w", label, err)
			}
			if err := g.resolve(label+GroupSeparator, members, out); err != nil {
				return err
			}
			continue
		}
		p, ok := ns.ports[name]
		if !ok {
			if ns.dynamic == nil {
				return fmt.Errorf("unexpected port %q", label)
			}
			p = *ns.dynamic
		}
		if err := checkPortValue(label, p, v); err != nil {
			return err
		}
		out[label] = v
	}

	for _, name := range ns.order {
		label := prefix + name
		if g, ok := ns.groups[name]; ok {
			if _, given := raw[name]; !given {
				if err := g.resolve(label+GroupSeparator, nil, out); err != nil {
					return err
				}
			}
			continue
		}
		if _, given := raw[name]; given {
			continue
		}
		switch p := ns.ports[name]; p.Kind {
		case PortRequired:
			return fmt.Errorf("required port %q missing", label)
		case PortOptional:
			out[label] = value.Clone(p.Default)
		}
	}
	return nil
}

// missingRequired lists required labels absent from have.
func (ns *Namespace) missingRequired(prefix string, have func(string) bool) []string {
	var missing []string
	for _, name := range ns.order {
		label := prefix + name
		if g, ok := ns.groups[name]; ok {
			missing = append(missing, g.missingRequired(label+GroupSeparator, have)...)
			continue
		}
		if ns.ports[name].Kind == PortRequired && !have(label) {
			missing = append(missing, label)
		}
	}
	return missing
}

func asMembers(v any) (map[string]any, error) {
	switch m := v.(type) {
	case map[string]any:
		return m, nil
	case value.Map:
		out := make(map[string]any, len(m))
		for k, e := range m {
			out[k] = e
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected a mapping, got %T", v)
}

func orAny(typ string) string {
	if typ == "" {
		return TypeAny
	}
	return typ
}

// Spec declares the inputs and outputs of a process class.
type Spec struct {
	inputs  *Namespace
	outputs *Namespace
}

// NewSpec returns an empty spec.
func NewSpec() *Spec {
	return &Spec{inputs: newNamespace(), outputs: newNamespace()}
}

// Inputs returns the input namespace.
func (s *Spec) Inputs() *Namespace { return s.inputs }

// Outputs returns the output namespace.
func (s *Spec) Outputs() *Namespace { return s.outputs }

// Input declares an input port.
func (s *Spec) Input(name string, p Port) *Spec {
	s.inputs.Port(name, p)
	return s
}

// Output declares an output port.
func (s *Spec) Output(name string, p Port) *Spec {
	s.outputs.Port(name, p)
	return s
}

// Validate checks every port type is a valid constraint and every
// default satisfies it.
func (s *Spec) Validate() error {
	if err := s.inputs.validate(""); err != nil {
		return fmt.Errorf("inputs: %w", err)
	}
	if err := s.outputs.validate(""); err != nil {
		return fmt.Errorf("outputs: %w", err)
	}
	return nil
}
