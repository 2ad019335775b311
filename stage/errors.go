package stage

import (
	"errors"
	"fmt"
	"strings"

	"github.com/notargets/DGAdjoint/geometry"
	"github.com/notargets/DGAdjoint/solver"
)

// Error kinds. Every failure returned by a stage is an *Error whose Kind is
// one of these.
var (
	ErrSetupContract         = errors.New("setup contract violation")
	ErrConvergence           = errors.New("convergence failure")
	ErrUnsupportedDerivative = errors.New("unsupported derivative")
	ErrOrdering              = errors.New("ordering violation")
	ErrHandle                = errors.New("solver handle failure")
)

// Error identifies the stage, the operation and the offending input,
// output or mode of a failed stage call.
type Error struct {
	Stage string
	Op    string
	Name  string
	Kind  error
	Err   error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "stage %s: %s", e.Stage, e.Op)
	if e.Name != "" {
		fmt.Fprintf(&b, " %q", e.Name)
	}
	fmt.Fprintf(&b, ": %v", e.Kind)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap exposes both the kind and the underlying cause to errors.Is.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// classify maps a handle or kernel error onto an error kind.
func classify(err error) error {
	switch {
	case errors.Is(err, solver.ErrNotConverged):
		return ErrConvergence
	case errors.Is(err, solver.ErrNoJacobianBlock):
		return ErrUnsupportedDerivative
	case errors.Is(err, solver.ErrNotLinearized), errors.Is(err, geometry.ErrNotRegenerated):
		return ErrOrdering
	case errors.Is(err, solver.ErrUnknownField), errors.Is(err, solver.ErrUnknownOutput),
		errors.Is(err, solver.ErrSizeMismatch), errors.Is(err, geometry.ErrUnknownParam):
		return ErrSetupContract
	}
	return ErrHandle
}

func kindLabel(kind error) string {
	switch kind {
	case ErrSetupContract:
		return "setup"
	case ErrConvergence:
		return "convergence"
	case ErrUnsupportedDerivative:
		return "unsupported"
	case ErrOrdering:
		return "ordering"
	}
	return "handle"
}
