// Package diffusion registers the Diffusion reference physics: steady
// nonlinear heat conduction -(k(u) u')' = q on a 1D line mesh with
// k(u) = k0 (1 + beta u^2) and Dirichlet ends, discretized with linear
// Galerkin elements. Node positions are an external field so the residual
// can be differentiated with respect to the mesh.
package diffusion

import (
	"fmt"
	"log/slog"

	"github.com/notargets/DGAdjoint/mesh"
	"github.com/notargets/DGAdjoint/physics"
	"github.com/notargets/DGAdjoint/quadrature"
	"github.com/notargets/DGAdjoint/solver"
	"gonum.org/v1/gonum/mat"
)

const (
	Kind          = "Diffusion"
	StateIntegral = "state-integral"
	BoundaryFlux  = "boundary-flux"
)

func init() {
	solver.Register(Kind, func(doc map[string]any, comm solver.Comm, lg *slog.Logger) (solver.Handle, error) {
		return New(doc, comm, lg)
	})
}

type problem struct {
	Conductivity float64 `mapstructure:"conductivity"`
	Nonlinearity float64 `mapstructure:"nonlinearity"`
	Source       float64 `mapstructure:"source"`
	Left         float64 `mapstructure:"left-value"`
	Right        float64 `mapstructure:"right-value"`
}

func defaults() map[string]any {
	return map[string]any{
		"external-fields": map[string]any{
			solver.MeshCoordsName: map[string]any{"basis-type": "H1", "degree": 1, "num-states": 1, "size": "field"},
		},
		"problem-opts": map[string]any{
			"conductivity": 1.0,
			"nonlinearity": 0.5,
			"source":       1.0,
			"left-value":   0.0,
			"right-value":  0.0,
		},
	}
}

// Solver is the Diffusion handle.
type Solver struct {
	physics.Base
	p      problem
	mesh   *mesh.Mesh
	n      int
	x      *mat.VecDense // current node positions
	qr, qw []float64

	// Linearization snapshot taken by SetState
	state      *mat.VecDense
	jacU, jacX *mat.Dense
}

var _ solver.Handle = (*Solver)(nil)

// New builds a line mesh from the mesh options and decodes the problem
// coefficients from problem-opts.
func New(doc map[string]any, comm solver.Comm, lg *slog.Logger) (*Solver, error) {
	base, err := physics.NewBase(Kind, defaults(), doc, comm, lg, StateIntegral, BoundaryFlux)
	if err != nil {
		return nil, err
	}
	opts := base.Options()
	var p problem
	if err = opts.DecodeProblem(&p); err != nil {
		return nil, err
	}
	if p.Conductivity <= 0 {
		return nil, fmt.Errorf("conductivity must be positive, got %g", p.Conductivity)
	}
	if p.Nonlinearity < 0 {
		return nil, fmt.Errorf("nonlinearity must be non-negative, got %g", p.Nonlinearity)
	}
	if opts.Mesh.File != "" {
		return nil, fmt.Errorf("%s builds a line mesh from mesh.num-nodes; mesh.file %q is not supported", Kind, opts.Mesh.File)
	}
	m, err := mesh.NewLine(opts.Mesh.NumNodes, opts.Mesh.XMin, opts.Mesh.XMax, opts.Mesh.Spacing)
	if err != nil {
		return nil, err
	}
	qr, qw := quadrature.Gauss(opts.SpaceDis.Degree + 1)
	return &Solver{
		Base: base,
		p:    p,
		mesh: m,
		n:    m.NumNodes(),
		x:    m.Coordinates(),
		qr:   qr,
		qw:   qw,
	}, nil
}

// Mesh returns the baseline mesh.
func (s *Solver) Mesh() *mesh.Mesh { return s.mesh }

func (s *Solver) StateSize() int { return s.n }
func (s *Solver) NumStates() int { return 1 }

func (s *Solver) FieldSize(name string) (int, bool) {
	switch name {
	case solver.StateName, solver.ResidualName, solver.AdjointName:
		return s.n, true
	}
	return s.ExternalSize(name, s.mesh.Size())
}

// SetResidualInput accepts the mesh coordinates and any other declared
// external field. Fields other than the mesh do not enter the residual.
func (s *Solver) SetResidualInput(name string, v mat.Vector) error {
	n, ok := s.FieldSize(name)
	if !ok || !s.HasExternal(name) {
		return fmt.Errorf("%w: %q", solver.ErrUnknownField, name)
	}
	if err := physics.CheckLen(name, v, n); err != nil {
		return err
	}
	if name == solver.MeshCoordsName {
		s.x.CopyVec(v)
	}
	return nil
}

func (s *Solver) conductivity(u float64) (k, dk float64) {
	k0, b := s.p.Conductivity, s.p.Nonlinearity
	return k0 * (1 + b*u*u), 2 * k0 * b * u
}

// element holds the flux F = g (ub-ua)/h of element e, where g is the
// element mean of k(u), together with its derivatives.
type element struct {
	a, b     int
	h, du, g float64
	// dF/du_a, dF/du_b, dF/dx_a (dF/dx_b is its negative)
	dFa, dFb, dFx float64
	mean          float64 // element mean of u
}

func (s *Solver) element(e int, x, u mat.Vector) element {
	ev := s.mesh.EToV[e]
	el := element{a: ev[0], b: ev[1]}
	ua, ub := u.AtVec(el.a), u.AtVec(el.b)
	el.h = x.AtVec(el.b) - x.AtVec(el.a)
	el.du = ub - ua
	var dga, dgb float64
	for q, r := range s.qr {
		na, nb := 0.5*(1-r), 0.5*(1+r)
		k, dk := s.conductivity(na*ua + nb*ub)
		w := 0.5 * s.qw[q]
		el.g += w * k
		dga += w * dk * na
		dgb += w * dk * nb
	}
	el.dFa = (dga*el.du - el.g) / el.h
	el.dFb = (dgb*el.du + el.g) / el.h
	el.dFx = el.g * el.du / (el.h * el.h)
	el.mean = 0.5 * (ua + ub)
	return el
}

// assemble evaluates the residual and, when non-nil, the state and mesh
// Jacobians at (x, u). Dirichlet rows replace the end-node equations.
func (s *Solver) assemble(x, u mat.Vector, r *mat.VecDense, ju, jx *mat.Dense) {
	q := s.p.Source
	if r != nil {
		r.Zero()
	}
	if ju != nil {
		ju.Zero()
	}
	if jx != nil {
		jx.Zero()
	}
	for e := range s.mesh.EToV {
		el := s.element(e, x, u)
		a, b := el.a, el.b
		if r != nil {
			f := el.g * el.du / el.h
			r.SetVec(a, r.AtVec(a)-f-0.5*q*el.h)
			r.SetVec(b, r.AtVec(b)+f-0.5*q*el.h)
		}
		if ju != nil {
			ju.Set(a, a, ju.At(a, a)-el.dFa)
			ju.Set(a, b, ju.At(a, b)-el.dFb)
			ju.Set(b, a, ju.At(b, a)+el.dFa)
			ju.Set(b, b, ju.At(b, b)+el.dFb)
		}
		if jx != nil {
			jx.Set(a, a, jx.At(a, a)-el.dFx+0.5*q)
			jx.Set(a, b, jx.At(a, b)+el.dFx-0.5*q)
			jx.Set(b, a, jx.At(b, a)+el.dFx+0.5*q)
			jx.Set(b, b, jx.At(b, b)-el.dFx-0.5*q)
		}
	}
	for _, bc := range []struct {
		node int
		val  float64
	}{{0, s.p.Left}, {s.n - 1, s.p.Right}} {
		if r != nil {
			r.SetVec(bc.node, u.AtVec(bc.node)-bc.val)
		}
		if ju != nil {
			for j := 0; j < s.n; j++ {
				ju.Set(bc.node, j, 0)
			}
			ju.Set(bc.node, bc.node, 1)
		}
		if jx != nil {
			for j := 0; j < s.n; j++ {
				jx.Set(bc.node, j, 0)
			}
		}
	}
}

func (s *Solver) CalcResidual(state mat.Vector, residual *mat.VecDense) error {
	if err := physics.CheckLen(solver.StateName, state, s.n); err != nil {
		return err
	}
	if err := physics.CheckDst(solver.ResidualName, residual, s.n); err != nil {
		return err
	}
	s.assemble(s.x, state, residual, nil, nil)
	return nil
}

// Residual and Jacobian adapt the handle to nonlin.System.
func (s *Solver) Residual(u mat.Vector, r *mat.VecDense) error {
	s.assemble(s.x, u, r, nil, nil)
	return nil
}

func (s *Solver) Jacobian(u mat.Vector, jac *mat.Dense) error {
	s.assemble(s.x, u, nil, jac, nil)
	return nil
}

func (s *Solver) ProjectFunction(state *mat.VecDense, fn solver.InitialFunc) error {
	if err := physics.CheckLen(solver.StateName, state, s.n); err != nil {
		return err
	}
	u := make([]float64, 1)
	for i := 0; i < s.n; i++ {
		fn([]float64{s.x.AtVec(i)}, u)
		state.SetVec(i, u[0])
	}
	return nil
}

func (s *Solver) SolveForState(state *mat.VecDense) (solver.Report, error) {
	if err := physics.CheckLen(solver.StateName, state, s.n); err != nil {
		return solver.Report{}, err
	}
	return s.Newton(s, state)
}

func (s *Solver) GetField(name string, dst *mat.VecDense) error {
	if name != solver.MeshCoordsName {
		return fmt.Errorf("%w: %q", solver.ErrUnknownField, name)
	}
	if err := physics.CheckDst(name, dst, s.mesh.Size()); err != nil {
		return err
	}
	dst.CopyVec(s.x)
	return nil
}

// SetState assembles both Jacobians at state and the current mesh. Later
// input changes do not affect them until the next SetState.
func (s *Solver) SetState(state mat.Vector) error {
	if err := physics.CheckLen(solver.StateName, state, s.n); err != nil {
		return err
	}
	s.state = mat.VecDenseCopyOf(state)
	s.jacU = mat.NewDense(s.n, s.n, nil)
	s.jacX = mat.NewDense(s.n, s.mesh.Size(), nil)
	s.assemble(s.x, s.state, nil, s.jacU, s.jacX)
	return nil
}

func (s *Solver) JacobianBlocks() []string { return []string{solver.MeshCoordsName} }

func (s *Solver) block(name string) (*mat.Dense, error) {
	if s.state == nil {
		return nil, solver.ErrNotLinearized
	}
	switch name {
	case solver.StateName:
		return s.jacU, nil
	case solver.MeshCoordsName:
		return s.jacX, nil
	}
	return nil, fmt.Errorf("%w: %q", solver.ErrNoJacobianBlock, name)
}

func (s *Solver) mult(name string, trans bool, v mat.Vector, dst *mat.VecDense) error {
	jac, err := s.block(name)
	if err != nil {
		return err
	}
	var op mat.Matrix = jac
	if trans {
		op = jac.T()
	}
	r, c := op.Dims()
	if err = physics.CheckLen("v", v, c); err != nil {
		return err
	}
	if err = physics.CheckDst("dst", dst, r); err != nil {
		return err
	}
	dst.MulVec(op, v)
	return nil
}

func (s *Solver) MultStateJac(v mat.Vector, dst *mat.VecDense) error {
	return s.mult(solver.StateName, false, v, dst)
}

func (s *Solver) MultStateJacTranspose(seed mat.Vector, dst *mat.VecDense) error {
	return s.mult(solver.StateName, true, seed, dst)
}

func (s *Solver) MultFieldJac(name string, v mat.Vector, dst *mat.VecDense) error {
	if name == solver.StateName {
		return fmt.Errorf("%w: %q", solver.ErrNoJacobianBlock, name)
	}
	return s.mult(name, false, v, dst)
}

func (s *Solver) MultFieldJacTranspose(name string, seed mat.Vector, dst *mat.VecDense) error {
	if name == solver.StateName {
		return fmt.Errorf("%w: %q", solver.ErrNoJacobianBlock, name)
	}
	return s.mult(name, true, seed, dst)
}

func (s *Solver) InvertStateJacTranspose(seed mat.Vector, dst *mat.VecDense) error {
	jac, err := s.block(solver.StateName)
	if err != nil {
		return err
	}
	if err = physics.CheckLen("seed", seed, s.n); err != nil {
		return err
	}
	if err = physics.CheckDst("dst", dst, s.n); err != nil {
		return err
	}
	return s.SolveAdjoint(jac, seed, dst)
}

// outputInputs resolves the state and mesh coordinates an output is
// evaluated at. The mesh defaults to the handle's current coordinates.
func (s *Solver) outputInputs(name string, inputs solver.Inputs) (x, u mat.Vector, err error) {
	if err = s.CheckOutput(name); err != nil {
		return nil, nil, err
	}
	u, ok := inputs[solver.StateName]
	if !ok {
		return nil, nil, fmt.Errorf("%w: output %s needs input %q", solver.ErrUnknownField, name, solver.StateName)
	}
	if err = physics.CheckLen(solver.StateName, u, s.n); err != nil {
		return nil, nil, err
	}
	x = s.x
	if v, ok := inputs[solver.MeshCoordsName]; ok {
		if err = physics.CheckLen(solver.MeshCoordsName, v, s.mesh.Size()); err != nil {
			return nil, nil, err
		}
		x = v
	}
	return x, u, nil
}

func (s *Solver) CalcOutput(name string, inputs solver.Inputs) (float64, error) {
	x, u, err := s.outputInputs(name, inputs)
	if err != nil {
		return 0, err
	}
	switch name {
	case StateIntegral:
		var sum float64
		for e := range s.mesh.EToV {
			el := s.element(e, x, u)
			sum += el.h * el.mean
		}
		return s.Comm().AllReduceSum(sum), nil
	default: // BoundaryFlux
		el := s.element(s.mesh.NumElements()-1, x, u)
		return -el.g * el.du / el.h, nil
	}
}

func (s *Solver) CalcOutputPartial(name, wrt string, inputs solver.Inputs, dst *mat.VecDense) error {
	x, u, err := s.outputInputs(name, inputs)
	if err != nil {
		return err
	}
	var n int
	switch wrt {
	case solver.StateName:
		n = s.n
	case solver.MeshCoordsName:
		n = s.mesh.Size()
	default:
		return fmt.Errorf("%w: %q is not an input of %s", solver.ErrUnknownField, wrt, name)
	}
	if err = physics.CheckDst(wrt, dst, n); err != nil {
		return err
	}
	dst.Zero()
	add := func(i int, v float64) { dst.SetVec(i, dst.AtVec(i)+v) }
	switch name {
	case StateIntegral:
		for e := range s.mesh.EToV {
			el := s.element(e, x, u)
			if wrt == solver.StateName {
				add(el.a, 0.5*el.h)
				add(el.b, 0.5*el.h)
			} else {
				add(el.a, -el.mean)
				add(el.b, el.mean)
			}
		}
	default:
		el := s.element(s.mesh.NumElements()-1, x, u)
		if wrt == solver.StateName {
			add(el.a, -el.dFa)
			add(el.b, -el.dFb)
		} else {
			add(el.a, -el.dFx)
			add(el.b, el.dFx)
		}
	}
	return nil
}
