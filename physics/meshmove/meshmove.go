// Package meshmove registers the MeshMovement reference physics, a spring
// analogy for volume mesh deformation. Boundary nodes follow the imposed
// surface displacement; each interior node satisfies
//
//	sum_j w_ij ((y_i - y0_i) - (y_j - y0_j)) = 0
//
// over its edge neighbours j, per coordinate, with w_ij the inverse of the
// baseline edge length. The residual is linear so its Jacobians are fixed
// at construction.
package meshmove

import (
	"fmt"
	"log/slog"

	"github.com/notargets/DGAdjoint/mesh"
	"github.com/notargets/DGAdjoint/physics"
	"github.com/notargets/DGAdjoint/solver"
	"gonum.org/v1/gonum/mat"
)

const (
	Kind             = "MeshMovement"
	DisplacementName = "surface-displacement"
)

// Edge stiffness rules
const (
	InverseLength = "inverse-length"
	Uniform       = "uniform"
)

func init() {
	solver.Register(Kind, func(doc map[string]any, comm solver.Comm, lg *slog.Logger) (solver.Handle, error) {
		return New(doc, comm, lg)
	})
}

type problem struct {
	Stiffness string `mapstructure:"stiffness"`
}

func defaults() map[string]any {
	return map[string]any{
		"external-fields": map[string]any{
			DisplacementName: map[string]any{"basis-type": "H1", "degree": 1, "num-states": 1, "size": "field"},
		},
		"problem-opts": map[string]any{"stiffness": InverseLength},
	}
}

// Solver is the MeshMovement handle: a linear spring analogy whose state
// is the volume node coordinates and whose boundary rows follow the
// surface displacement.
type Solver struct {
	physics.Base
	mesh     *mesh.Mesh
	n        int
	baseline *mat.VecDense
	disp     *mat.VecDense
	jacY     *mat.Dense // K
	jacD     *mat.Dense // -P, P selects boundary rows
	state    *mat.VecDense
}

var _ solver.Handle = (*Solver)(nil)

// New reads mesh.file when it is set and otherwise builds a line mesh.
func New(doc map[string]any, comm solver.Comm, lg *slog.Logger) (*Solver, error) {
	base, err := physics.NewBase(Kind, defaults(), doc, comm, lg)
	if err != nil {
		return nil, err
	}
	opts := base.Options()
	var p problem
	if err = opts.DecodeProblem(&p); err != nil {
		return nil, err
	}
	var m *mesh.Mesh
	if opts.Mesh.File != "" {
		m, err = mesh.ReadFile(opts.Mesh.File)
	} else {
		m, err = mesh.NewLine(opts.Mesh.NumNodes, opts.Mesh.XMin, opts.Mesh.XMax, opts.Mesh.Spacing)
	}
	if err != nil {
		return nil, err
	}
	return NewFromMesh(base, m, p.Stiffness)
}

// NewFromMesh builds the handle around an existing mesh.
func NewFromMesh(base physics.Base, m *mesh.Mesh, stiffness string) (*Solver, error) {
	s := &Solver{
		Base:     base,
		mesh:     m,
		n:        m.Size(),
		baseline: m.Coordinates(),
		disp:     mat.NewVecDense(m.Size(), nil),
	}
	if err := s.assemble(stiffness); err != nil {
		return nil, err
	}
	base.Logger().Debug("mesh movement", "mesh", m.String(),
		"boundary-nodes", len(m.BoundaryNodes()))
	return s, nil
}

func (s *Solver) assemble(stiffness string) error {
	dim := s.mesh.Dim
	nn := s.mesh.NumNodes()
	onBoundary := make([]bool, nn)
	for _, v := range s.mesh.BoundaryNodes() {
		onBoundary[v] = true
	}
	s.jacY = mat.NewDense(s.n, s.n, nil)
	s.jacD = mat.NewDense(s.n, s.n, nil)
	for _, e := range s.mesh.Edges() {
		var w float64
		switch stiffness {
		case "", InverseLength:
			l := s.mesh.EdgeLength(e[0], e[1])
			if l == 0 {
				return fmt.Errorf("edge %d-%d has zero length", e[0], e[1])
			}
			w = 1 / l
		case Uniform:
			w = 1
		default:
			return fmt.Errorf("unknown stiffness rule %q", stiffness)
		}
		for _, ij := range [][2]int{{e[0], e[1]}, {e[1], e[0]}} {
			i, j := ij[0], ij[1]
			if onBoundary[i] {
				continue
			}
			for c := 0; c < dim; c++ {
				ri, rj := i*dim+c, j*dim+c
				s.jacY.Set(ri, ri, s.jacY.At(ri, ri)+w)
				s.jacY.Set(ri, rj, s.jacY.At(ri, rj)-w)
			}
		}
	}
	for i, b := range onBoundary {
		if !b {
			continue
		}
		for c := 0; c < dim; c++ {
			r := i*dim + c
			s.jacY.Set(r, r, 1)
			s.jacD.Set(r, r, -1)
		}
	}
	return nil
}

// Mesh returns the baseline mesh.
func (s *Solver) Mesh() *mesh.Mesh { return s.mesh }

func (s *Solver) StateSize() int { return s.n }
func (s *Solver) NumStates() int { return s.mesh.Dim }

func (s *Solver) FieldSize(name string) (int, bool) {
	switch name {
	case solver.StateName, solver.ResidualName, solver.AdjointName, solver.MeshCoordsName:
		return s.n, true
	}
	return s.ExternalSize(name, s.n)
}

func (s *Solver) SetResidualInput(name string, v mat.Vector) error {
	if name != DisplacementName {
		return fmt.Errorf("%w: %q", solver.ErrUnknownField, name)
	}
	if err := physics.CheckLen(name, v, s.n); err != nil {
		return err
	}
	s.disp.CopyVec(v)
	return nil
}

func (s *Solver) CalcResidual(state mat.Vector, residual *mat.VecDense) error {
	if err := physics.CheckLen(solver.StateName, state, s.n); err != nil {
		return err
	}
	if err := physics.CheckDst(solver.ResidualName, residual, s.n); err != nil {
		return err
	}
	return s.Residual(state, residual)
}

// Residual and Jacobian adapt the handle to nonlin.System.
func (s *Solver) Residual(y mat.Vector, r *mat.VecDense) error {
	var dy, pd mat.VecDense
	dy.SubVec(y, s.baseline)
	r.MulVec(s.jacY, &dy)
	pd.MulVec(s.jacD, s.disp)
	r.AddVec(r, &pd)
	return nil
}

func (s *Solver) Jacobian(_ mat.Vector, jac *mat.Dense) error {
	jac.Copy(s.jacY)
	return nil
}

func (s *Solver) ProjectFunction(state *mat.VecDense, fn solver.InitialFunc) error {
	if err := physics.CheckLen(solver.StateName, state, s.n); err != nil {
		return err
	}
	dim := s.mesh.Dim
	u := make([]float64, dim)
	for i := 0; i < s.mesh.NumNodes(); i++ {
		fn(s.mesh.Node(i), u)
		for c := 0; c < dim; c++ {
			state.SetVec(i*dim+c, u[c])
		}
	}
	return nil
}

func (s *Solver) SolveForState(state *mat.VecDense) (solver.Report, error) {
	if err := physics.CheckLen(solver.StateName, state, s.n); err != nil {
		return solver.Report{}, err
	}
	return s.Newton(s, state)
}

// GetField copies the baseline coordinates ("mesh-coords") or the current
// surface displacement.
func (s *Solver) GetField(name string, dst *mat.VecDense) error {
	var src *mat.VecDense
	switch name {
	case solver.MeshCoordsName:
		src = s.baseline
	case DisplacementName:
		src = s.disp
	default:
		return fmt.Errorf("%w: %q", solver.ErrUnknownField, name)
	}
	if err := physics.CheckDst(name, dst, s.n); err != nil {
		return err
	}
	dst.CopyVec(src)
	return nil
}

func (s *Solver) SetState(state mat.Vector) error {
	if err := physics.CheckLen(solver.StateName, state, s.n); err != nil {
		return err
	}
	s.state = mat.VecDenseCopyOf(state)
	return nil
}

func (s *Solver) JacobianBlocks() []string { return []string{DisplacementName} }

func (s *Solver) block(name string) (*mat.Dense, error) {
	if s.state == nil {
		return nil, solver.ErrNotLinearized
	}
	switch name {
	case solver.StateName:
		return s.jacY, nil
	case DisplacementName:
		return s.jacD, nil
	}
	return nil, fmt.Errorf("%w: %q", solver.ErrNoJacobianBlock, name)
}

func (s *Solver) mult(name string, trans bool, v mat.Vector, dst *mat.VecDense) error {
	jac, err := s.block(name)
	if err != nil {
		return err
	}
	if err = physics.CheckLen("v", v, s.n); err != nil {
		return err
	}
	if err = physics.CheckDst("dst", dst, s.n); err != nil {
		return err
	}
	if trans {
		dst.MulVec(jac.T(), v)
	} else {
		dst.MulVec(jac, v)
	}
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

// The deformation has no scalar outputs.
func (s *Solver) CalcOutput(name string, _ solver.Inputs) (float64, error) {
	return 0, s.CheckOutput(name)
}

func (s *Solver) CalcOutputPartial(name, _ string, _ solver.Inputs, _ *mat.VecDense) error {
	return s.CheckOutput(name)
}
