package stage

import (
	"fmt"

	"github.com/notargets/DGAdjoint/field"
	"github.com/notargets/DGAdjoint/geometry"
	"gonum.org/v1/gonum/mat"
)

// SurfaceMeshDisplacement names the Geometry stage output.
const SurfaceMeshDisplacement = "surface-mesh-displacement"

// Geometry drives a geometry kernel: one scalar input per non-integer
// design parameter, one nodal displacement output relative to the
// tessellation captured at setup. It is not differentiable.
type Geometry struct {
	base
	kernel   geometry.Kernel
	baseline []float64
}

var _ Stage = (*Geometry)(nil)

// NewGeometry wraps k. It panics on a nil kernel.
func NewGeometry(name string, k geometry.Kernel, opts ...Option) *Geometry {
	if k == nil {
		panic("stage: nil geometry kernel for " + name)
	}
	return &Geometry{base: newBase(name, opts), kernel: k}
}

func (g *Geometry) Capabilities() Capabilities { return Support() }

func (g *Geometry) Setup() error {
	const op = "setup"
	if g.ready {
		return nil
	}
	g.begin(op)
	for _, p := range g.kernel.Params() {
		if p.Integer {
			continue
		}
		if err := g.declare(g.inputs, op, field.Input(p.Name).Role(field.DesignParam).Scalar()); err != nil {
			return err
		}
	}
	if err := g.kernel.Regenerate(); err != nil {
		return g.wrap(op, "", err)
	}
	tess, err := g.kernel.Tessellation()
	if err != nil {
		return g.wrap(op, "", err)
	}
	n := g.kernel.NumNodes() * g.kernel.Dim()
	if len(tess) != n {
		return g.fail(op, SurfaceMeshDisplacement, ErrSetupContract,
			fmt.Errorf("%w: %d values for %d nodes in %dD", geometry.ErrTessellation, len(tess), g.kernel.NumNodes(), g.kernel.Dim()))
	}
	if err = g.declare(g.outputs, op, field.Output(SurfaceMeshDisplacement).Role(field.External).Size(n)); err != nil {
		return err
	}
	g.baseline = tess
	g.ready = true
	g.log.Debug("setup", "params", g.inputs.Names(), "size", n)
	return nil
}

// Evaluate pushes the design parameters, regenerates the model and returns
// the nodal displacement from the baseline tessellation.
func (g *Geometry) Evaluate(in Values) (*mat.VecDense, error) {
	const op = "evaluate"
	g.begin(op)
	if err := g.requireSetup(op); err != nil {
		return nil, err
	}
	if err := g.checkInputs(op, in); err != nil {
		return nil, err
	}
	for _, name := range g.inputs.Names() {
		if err := g.kernel.SetParam(name, in[name].AtVec(0)); err != nil {
			return nil, g.wrap(op, name, err)
		}
	}
	if err := g.kernel.Regenerate(); err != nil {
		return nil, g.wrap(op, "", err)
	}
	updated, err := g.kernel.Tessellation()
	if err != nil {
		return nil, g.wrap(op, "", err)
	}
	d, err := geometry.MapSurface(g.baseline, updated)
	if err != nil {
		return nil, g.fail(op, SurfaceMeshDisplacement, ErrSetupContract, err)
	}
	return mat.NewVecDense(len(d), d), nil
}

func (g *Geometry) Compute(in Values) (Values, error) {
	d, err := g.Evaluate(in)
	if err != nil {
		return nil, err
	}
	return Values{SurfaceMeshDisplacement: d}, nil
}

// Pullback always fails: design-parameter sensitivities are not available.
func (g *Geometry) Pullback(_ Values, _ Values, _ []string) (Values, error) {
	g.begin("pullback")
	return nil, g.checkMode("pullback", g.Capabilities(), Reverse)
}
