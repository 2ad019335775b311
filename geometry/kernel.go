// Package geometry defines the parametric geometry kernel the geometry
// stage drives, a reference affine kernel, and the surface mapping that
// turns two tessellations into a nodal displacement.
package geometry

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownParam   = errors.New("geometry: unknown design parameter")
	ErrTopology       = errors.New("geometry: topology change")
	ErrTessellation   = errors.New("geometry: tessellation mismatch")
	ErrNotRegenerated = errors.New("geometry: parameters changed since last regenerate")
)

// Param is one design parameter. Integer parameters select topology and are
// not differentiable.
type Param struct {
	Name    string
	Value   float64
	Integer bool
}

// Kernel is a parametric solid model with a fixed-connectivity
// tessellation.
type Kernel interface {
	// Params lists the design parameters in kernel order.
	Params() []Param
	SetParam(name string, v float64) error
	// Regenerate rebuilds the model and its tessellation from the current
	// parameters.
	Regenerate() error
	Dim() int
	NumNodes() int
	// Tessellation returns a copy of the node coordinates, node-major.
	Tessellation() ([]float64, error)
}

// MapSurface returns the nodal displacement updated - baseline between two
// tessellations of the same connectivity.
func MapSurface(baseline, updated []float64) ([]float64, error) {
	if len(baseline) != len(updated) {
		return nil, fmt.Errorf("%w: baseline has %d values, updated %d",
			ErrTessellation, len(baseline), len(updated))
	}
	d := make([]float64, len(baseline))
	for i := range d {
		d[i] = updated[i] - baseline[i]
	}
	return d, nil
}
