package driver

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	xerrors "FlowPilot/internal/errors"
)

// Policy restricts which capabilities may be registered.
type Policy struct {
	// Allowed, when non-empty, is the exhaustive list of permitted node types.
	Allowed []string `mapstructure:"allowed"`
	// Denied node types are never registered.
	Denied []string `mapstructure:"denied"`
	// ReadOnly drops every external_write capability.
	ReadOnly bool `mapstructure:"read_only"`
}

func (p Policy) permits(capability Capability) error {
	if slices.Contains(p.Denied, capability.Name) {
		return fmt.Errorf("capability %s is explicitly denied", capability.Name)
	}
	if len(p.Allowed) > 0 && !slices.Contains(p.Allowed, capability.Name) {
		return fmt.Errorf("capability %s not permitted", capability.Name)
	}
	if p.ReadOnly && capability.SideEffect != PureRead {
		return fmt.Errorf("capability %s writes externally and the registry is read-only", capability.Name)
	}
	return nil
}

// Entry binds a capability descriptor to its driver.
type Entry struct {
	Capability Capability
	Driver     Driver
}

// Builder collects drivers at startup. It is not safe for concurrent use;
// call Build once registration is complete.
type Builder struct {
	policy  Policy
	entries map[string]Entry
	skipped map[string]string
	built   bool
}

// NewBuilder returns a builder enforcing the supplied policy.
func NewBuilder(policy Policy) *Builder {
	return &Builder{policy: policy, entries: map[string]Entry{}, skipped: map[string]string{}}
}

// Register validates and records every node type the driver supports.
// Node types rejected by the policy are skipped, not treated as errors.
func (b *Builder) Register(d Driver) error {
	if b.built {
		return xerrors.New(xerrors.CodeConflict, "registry already built")
	}
	if d == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "driver cannot be nil")
	}
	nodeTypes := d.SupportedNodeTypes()
	if len(nodeTypes) == 0 {
		return xerrors.Newf(xerrors.CodeInvalidArgument, "driver %T supports no node types", d)
	}

	pending := make([]Entry, 0, len(nodeTypes))
	for _, nodeType := range nodeTypes {
		nodeType = strings.TrimSpace(nodeType)
		if nodeType == "" {
			return xerrors.Newf(xerrors.CodeInvalidArgument, "driver %T declares an empty node type", d)
		}
		if _, dup := b.entries[nodeType]; dup {
			return xerrors.Newf(xerrors.CodeConflict, "node type %s registered twice", nodeType)
		}
		capability, err := describe(d, nodeType)
		if err != nil {
			return err
		}
		if err := b.policy.permits(capability); err != nil {
			b.skipped[nodeType] = err.Error()
			continue
		}
		pending = append(pending, Entry{Capability: capability, Driver: d})
	}
	for _, entry := range pending {
		b.entries[entry.Capability.Name] = entry
	}
	return nil
}

// Skipped reports node types dropped by the policy and why.
func (b *Builder) Skipped() map[string]string {
	out := make(map[string]string, len(b.skipped))
	for k, v := range b.skipped {
		out[k] = v
	}
	return out
}

// Build freezes the collected drivers into an immutable registry.
func (b *Builder) Build() *Registry {
	b.built = true
	entries := make(map[string]Entry, len(b.entries))
	names := make([]string, 0, len(b.entries))
	for name, entry := range b.entries {
		entries[name] = entry
		names = append(names, name)
	}
	sort.Strings(names)
	return &Registry{entries: entries, names: names}
}

func describe(d Driver, nodeType string) (Capability, error) {
	required := d.RequiredParameters(nodeType)
	capability := Capability{Name: nodeType, SideEffect: ExternalWrite}
	if describer, ok := d.(Describer); ok {
		if described, ok := describer.Describe(nodeType); ok {
			capability = described
			capability.Name = nodeType
		}
	}
	if capability.SideEffect == "" {
		capability.SideEffect = ExternalWrite
	}
	if len(capability.Required) == 0 {
		for _, name := range required {
			capability.Required = append(capability.Required, ParamDescriptor{Name: name})
		}
	}
	declared := capability.RequiredNames()
	for _, name := range required {
		if !slices.Contains(declared, name) {
			return Capability{}, xerrors.Newf(xerrors.CodeInvalidArgument, "node type %s requires %s but does not declare it", nodeType, name)
		}
	}
	if capability.TargetParam != "" && !declaresParam(capability, capability.TargetParam) {
		return Capability{}, xerrors.Newf(xerrors.CodeInvalidArgument, "node type %s targets undeclared parameter %s", nodeType, capability.TargetParam)
	}
	return capability, nil
}

func declaresParam(c Capability, name string) bool {
	for _, p := range c.Required {
		if p.Name == name {
			return true
		}
	}
	for _, p := range c.Optional {
		if p.Name == name {
			return true
		}
	}
	return false
}

// Registry is the read-only capability table shared by the matcher and the
// dispatcher. It has no mutating methods.
type Registry struct {
	entries map[string]Entry
	names   []string
}

// Lookup returns the entry registered for a node type.
func (r *Registry) Lookup(nodeType string) (Entry, bool) {
	if r == nil {
		return Entry{}, false
	}
	entry, ok := r.entries[nodeType]
	return entry, ok
}

// Capability returns the descriptor for a node type.
func (r *Registry) Capability(nodeType string) (Capability, bool) {
	entry, ok := r.Lookup(nodeType)
	return entry.Capability, ok
}

// Names lists registered node types in lexical order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	return append([]string(nil), r.names...)
}

// Capabilities lists every descriptor in lexical order of node type.
func (r *Registry) Capabilities() []Capability {
	if r == nil {
		return nil
	}
	out := make([]Capability, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, r.entries[name].Capability)
	}
	return out
}
