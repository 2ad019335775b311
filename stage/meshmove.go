package stage

import (
	"fmt"

	"github.com/notargets/DGAdjoint/field"
	"github.com/notargets/DGAdjoint/solver"
	"gonum.org/v1/gonum/mat"
)

const (
	SurfaceDisplacement   = "surface-displacement"
	VolumeMeshCoordinates = "volume-mesh-coordinates"
)

// Policy selects how the mesh-movement stage produces coordinates.
type Policy uint8

const (
	// PassThrough returns the handle's current mesh coordinates.
	PassThrough Policy = iota
	// Deform solves the handle's deformation residual.
	Deform
)

func (p Policy) String() string {
	if p == Deform {
		return "deform"
	}
	return "pass-through"
}

// MeshMovement maps a surface displacement to volume mesh coordinates.
// Transposed actions cover the coordinate and displacement blocks only.
type MeshMovement struct {
	implicit
	policy Policy
}

var _ Stage = (*MeshMovement)(nil)

// NewMeshMovement wraps a mesh-movement handle. policy decides whether
// Compute deforms the mesh or hands back the baseline coordinates.
func NewMeshMovement(name string, sh *solver.Shared, policy Policy, opts ...Option) *MeshMovement {
	return &MeshMovement{
		implicit: newImplicit(name, sh, VolumeMeshCoordinates, opts),
		policy:   policy,
	}
}

func (s *MeshMovement) Policy() Policy { return s.policy }

func (s *MeshMovement) Setup() error {
	const op = "setup"
	if s.ready {
		return nil
	}
	s.begin(op)
	h := s.sh.Handle()
	declared := false
	for _, ext := range h.ExternalFields() {
		declared = declared || ext == SurfaceDisplacement
	}
	if !declared {
		return s.fail(op, SurfaceDisplacement, ErrSetupContract, fmt.Errorf("not a declared external field of %s", h.Kind()))
	}
	n, ok := h.FieldSize(solver.MeshCoordsName)
	if !ok || n <= 0 {
		return s.fail(op, solver.MeshCoordsName, ErrSetupContract, fmt.Errorf("handle reports no mesh size"))
	}
	if m, _ := h.FieldSize(SurfaceDisplacement); m != n {
		return s.fail(op, SurfaceDisplacement, ErrSetupContract, fmt.Errorf("%w: size %d, mesh size %d", solver.ErrSizeMismatch, m, n))
	}
	if h.StateSize() != n {
		return s.fail(op, VolumeMeshCoordinates, ErrSetupContract, fmt.Errorf("%w: state size %d, mesh size %d", solver.ErrSizeMismatch, h.StateSize(), n))
	}
	if err := s.declare(s.inputs, op, field.Input(SurfaceDisplacement).Size(n)); err != nil {
		return err
	}
	if err := s.declare(s.outputs, op, field.Output(VolumeMeshCoordinates).Role(field.MeshCoords).Size(n)); err != nil {
		return err
	}
	s.finishSetup(h, n)
	s.log.Debug("setup", "size", n, "policy", s.policy.String())
	return nil
}

// Baseline returns the handle's current mesh coordinates.
func (s *MeshMovement) Baseline() (*mat.VecDense, error) {
	var x mat.VecDense
	err := s.sh.Do(func(h solver.Handle) error { return h.GetField(solver.MeshCoordsName, &x) })
	if err != nil {
		return nil, s.wrap("baseline", solver.MeshCoordsName, err)
	}
	return &x, nil
}

// ConvergeState produces the volume coordinates. With zero displacement
// both policies return the baseline coordinates.
func (s *MeshMovement) ConvergeState(in Values) error {
	baseline := func(h solver.Handle, work *mat.VecDense) error {
		return h.GetField(solver.MeshCoordsName, work)
	}
	solve := func(h solver.Handle, work *mat.VecDense) (solver.Report, error) {
		if s.policy == Deform {
			return h.SolveForState(work)
		}
		if err := baseline(h, work); err != nil {
			return solver.Report{}, err
		}
		return solver.Report{Converged: true}, nil
	}
	return s.converge("converge_state", in, baseline, solve)
}

func (s *MeshMovement) Compute(in Values) (Values, error) {
	if err := s.ConvergeState(in); err != nil {
		return nil, err
	}
	return Values{VolumeMeshCoordinates: s.state.Clone()}, nil
}
