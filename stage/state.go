package stage

import (
	"fmt"

	"github.com/notargets/DGAdjoint/field"
	"github.com/notargets/DGAdjoint/solver"
	"gonum.org/v1/gonum/mat"
)

// Implicit wraps a solver handle as an implicit stage: one input per
// declared external field and one "state" output that satisfies the
// handle's residual.
type Implicit struct {
	implicit
	ic InitialCondition
}

var _ Stage = (*Implicit)(nil)

// NewImplicit acquires a reference to sh for the lifetime of the stage.
func NewImplicit(name string, sh *solver.Shared, ic InitialCondition, opts ...Option) *Implicit {
	return &Implicit{
		implicit: newImplicit(name, sh, solver.StateName, opts),
		ic:       ic,
	}
}

func (s *Implicit) Setup() error {
	const op = "setup"
	if s.ready {
		return nil
	}
	s.begin(op)
	h := s.sh.Handle()
	if s.ic == nil {
		return s.fail(op, "initial-condition", ErrSetupContract, fmt.Errorf("no initial condition"))
	}
	if err := s.ic.validate(h.NumStates()); err != nil {
		return s.fail(op, "initial-condition", ErrSetupContract, err)
	}
	n := h.StateSize()
	if n <= 0 {
		return s.fail(op, solver.StateName, ErrSetupContract, fmt.Errorf("handle reports state size %d", n))
	}
	opts := h.Options()
	for _, ext := range h.ExternalFields() {
		size, ok := h.FieldSize(ext)
		if !ok || size <= 0 {
			return s.fail(op, ext, ErrSetupContract, fmt.Errorf("handle reports no size for declared field"))
		}
		role := field.External
		if ext == solver.MeshCoordsName {
			role = field.MeshCoords
		}
		db := field.Input(ext).Role(role).Size(size)
		if opts.ExternalFields[ext].IsScalar() {
			db.Scalar()
		}
		if err := s.declare(s.inputs, op, db); err != nil {
			return err
		}
	}
	if err := s.declare(s.outputs, op, field.Output(solver.StateName).Size(n)); err != nil {
		return err
	}
	s.finishSetup(h, n)
	s.log.Debug("setup", "state", n, "inputs", s.inputs.Names())
	return nil
}

// ConvergeState drives the handle's residual to tolerance for the given
// inputs. The first call, and the first call after a failure, starts from
// the initial condition; later calls start from the previous state.
// Convergence failures are not retried.
func (s *Implicit) ConvergeState(in Values) error {
	return s.converge("converge_state", in,
		func(h solver.Handle, work *mat.VecDense) error { return s.ic.apply(h, work) },
		func(h solver.Handle, work *mat.VecDense) (solver.Report, error) { return h.SolveForState(work) },
	)
}

func (s *Implicit) Compute(in Values) (Values, error) {
	if err := s.ConvergeState(in); err != nil {
		return nil, err
	}
	return Values{solver.StateName: s.state.Clone()}, nil
}
