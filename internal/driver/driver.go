// Package driver defines the capability contract consumed by the dispatcher
// and the immutable registry that maps node types to driver implementations.
//
// Drivers surface expected failure modes (invalid recipient, HTTP 429, ...)
// as a typed Result rather than a Go error, so the dispatcher can classify
// success, transient failure and permanent failure without inspecting
// error strings.
package driver

import (
	"context"
	"sort"
	"strings"

	"FlowPilot/internal/workflow"
)

// Status is the structured outcome reported by a driver.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Failure carries the driver's own classification of a failed call.
type Failure struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Transient bool   `json:"transient"`
}

// Result is returned by every driver invocation.
type Result struct {
	Status Status         `json:"status"`
	Data   map[string]any `json:"data,omitempty"`
	Error  *Failure       `json:"error,omitempty"`
}

// Success builds a successful result.
func Success(data map[string]any) Result {
	return Result{Status: StatusSuccess, Data: data}
}

// Permanent builds a failed result that must never be retried.
func Permanent(code, message string) Result {
	return Result{Status: StatusFailed, Error: &Failure{Code: code, Message: message}}
}

// Transient builds a failed result that may be retried.
func Transient(code, message string) Result {
	return Result{Status: StatusFailed, Error: &Failure{Code: code, Message: message, Transient: true}}
}

// OK reports whether the result represents success.
func (r Result) OK() bool { return r.Status == StatusSuccess }

// ExecContext is passed to drivers alongside the resolved parameters.
type ExecContext struct {
	SessionID string
	PlanID    string
	StepID    string
	Attempt   int
}

// Driver executes one category of external side effect.
type Driver interface {
	Execute(ctx context.Context, nodeType string, params map[string]string, ec ExecContext) Result
	RequiredParameters(nodeType string) []string
	SupportedNodeTypes() []string
}

// Describer is implemented by drivers that publish a richer capability
// descriptor than the bare contract.
type Describer interface {
	Describe(nodeType string) (Capability, bool)
}

// SideEffect classifies what a capability does to the outside world.
type SideEffect string

const (
	PureRead      SideEffect = "pure_read"
	ExternalWrite SideEffect = "external_write"
)

// ParamDescriptor documents one driver parameter.
type ParamDescriptor struct {
	Name        string             `json:"name"`
	Type        workflow.ParamType `json:"type,omitempty"`
	Description string             `json:"description,omitempty"`
}

// Capability describes a node type registered at startup.
type Capability struct {
	Name          string            `json:"name"`
	Description   string            `json:"description,omitempty"`
	System        string            `json:"system,omitempty"`
	TargetParam   string            `json:"target_param,omitempty"`
	Required      []ParamDescriptor `json:"required,omitempty"`
	Optional      []ParamDescriptor `json:"optional,omitempty"`
	SideEffect    SideEffect        `json:"side_effect"`
	EstimatedCost string            `json:"estimated_cost,omitempty"`
	Keywords      []string          `json:"keywords,omitempty"`
}

// RequiredNames returns the names of the required parameters.
func (c Capability) RequiredNames() []string {
	names := make([]string, 0, len(c.Required))
	for _, p := range c.Required {
		names = append(names, p.Name)
	}
	return names
}

// Catalog lets drivers declare their node types as data. Embedding a
// Catalog satisfies RequiredParameters, SupportedNodeTypes and Describer.
type Catalog map[string]Capability

// SupportedNodeTypes implements Driver.
func (c Catalog) SupportedNodeTypes() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RequiredParameters implements Driver.
func (c Catalog) RequiredParameters(nodeType string) []string {
	capability, ok := c[nodeType]
	if !ok {
		return nil
	}
	return capability.RequiredNames()
}

// Describe implements Describer.
func (c Catalog) Describe(nodeType string) (Capability, bool) {
	capability, ok := c[nodeType]
	if !ok {
		return Capability{}, false
	}
	capability.Name = nodeType
	return capability, true
}

// MissingRequired lists the required parameters absent or blank in params.
func MissingRequired(required []string, params map[string]string) []string {
	var missing []string
	for _, name := range required {
		if strings.TrimSpace(params[name]) == "" {
			missing = append(missing, name)
		}
	}
	return missing
}
