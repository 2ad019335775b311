package geometry

import (
	"fmt"
	"math"
)

// Affine is a reference kernel that scales a baseline tessellation about an
// origin and translates it:
//
//	x' = origin + scale (x - origin) + shift
//
// Parameters are "scale", "shift-x", "shift-y", "shift-z" (up to the
// dimension) and the integer "sections", which only accepts its initial
// value since the tessellation cannot change topology.
type Affine struct {
	dim      int
	baseline []float64
	origin   []float64
	order    []string
	values   map[string]float64
	sections float64
	current  []float64
	dirty    bool
}

var _ Kernel = (*Affine)(nil)

var shiftNames = []string{"shift-x", "shift-y", "shift-z"}

// NewAffine wraps a node-major tessellation. A nil origin is the zero
// vector.
func NewAffine(dim int, nodes, origin []float64, sections int) (*Affine, error) {
	if dim < 1 || dim > 3 {
		return nil, fmt.Errorf("dimension must be 1, 2 or 3, got %d", dim)
	}
	if len(nodes) == 0 || len(nodes)%dim != 0 {
		return nil, fmt.Errorf("%w: %d values is not a positive multiple of dim %d", ErrTessellation, len(nodes), dim)
	}
	if origin == nil {
		origin = make([]float64, dim)
	}
	if len(origin) != dim {
		return nil, fmt.Errorf("origin has %d components, want %d", len(origin), dim)
	}
	a := &Affine{
		dim:      dim,
		baseline: append([]float64(nil), nodes...),
		origin:   append([]float64(nil), origin...),
		order:    append([]string{"scale"}, shiftNames[:dim]...),
		values:   map[string]float64{"scale": 1},
		sections: float64(sections),
		current:  append([]float64(nil), nodes...),
	}
	a.order = append(a.order, "sections")
	a.values["sections"] = a.sections
	return a, nil
}

func (a *Affine) Params() []Param {
	ps := make([]Param, len(a.order))
	for i, name := range a.order {
		ps[i] = Param{Name: name, Value: a.values[name], Integer: name == "sections"}
	}
	return ps
}

func (a *Affine) SetParam(name string, v float64) error {
	if !a.known(name) {
		return fmt.Errorf("%w: %q", ErrUnknownParam, name)
	}
	if name == "sections" && v != math.Trunc(v) {
		return fmt.Errorf("sections must be an integer, got %g", v)
	}
	a.values[name] = v
	a.dirty = true
	return nil
}

func (a *Affine) known(name string) bool {
	for _, n := range a.order {
		if n == name {
			return true
		}
	}
	return false
}

func (a *Affine) Regenerate() error {
	if a.values["sections"] != a.sections {
		return fmt.Errorf("%w: sections %g -> %g", ErrTopology, a.sections, a.values["sections"])
	}
	s := a.values["scale"]
	for i := range a.baseline {
		c := i % a.dim
		a.current[i] = a.origin[c] + s*(a.baseline[i]-a.origin[c]) + a.values[shiftNames[c]]
	}
	a.dirty = false
	return nil
}

func (a *Affine) Dim() int      { return a.dim }
func (a *Affine) NumNodes() int { return len(a.baseline) / a.dim }

func (a *Affine) Tessellation() ([]float64, error) {
	if a.dirty {
		return nil, ErrNotRegenerated
	}
	return append([]float64(nil), a.current...), nil
}

// Baseline returns a copy of the tessellation the kernel was built from.
func (a *Affine) Baseline() []float64 {
	return append([]float64(nil), a.baseline...)
}
