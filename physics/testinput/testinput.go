// Package testinput registers the TestMachInput fixture physics. Its single
// output equals the scalar input test_val plus the mean of the external
// field test_field; its residual is r = u - mean(test_field).
package testinput

import (
	"fmt"
	"log/slog"

	"github.com/notargets/DGAdjoint/physics"
	"github.com/notargets/DGAdjoint/solver"
	"gonum.org/v1/gonum/mat"
)

const (
	Kind       = "TestMachInput"
	OutputName = "testMachInput"
	FieldName  = "test_field"
	ValueName  = "test_val"
)

func init() {
	solver.Register(Kind, func(doc map[string]any, comm solver.Comm, lg *slog.Logger) (solver.Handle, error) {
		return New(doc, comm, lg)
	})
}

type problem struct {
	StateSize int `mapstructure:"state-size"`
	FieldSize int `mapstructure:"field-size"`
}

func defaults() map[string]any {
	return map[string]any{
		"external-fields": map[string]any{
			FieldName: map[string]any{"basis-type": "H1", "degree": 1, "num-states": 1, "size": "field"},
		},
		"problem-opts": map[string]any{"state-size": 10, "field-size": 5},
	}
}

// Solver is the TestMachInput handle.
type Solver struct {
	physics.Base
	n, nf   int
	testVal float64
	field   *mat.VecDense
	state   *mat.VecDense
}

var _ solver.Handle = (*Solver)(nil)

// New sizes the state and test_field from problem-opts.
func New(doc map[string]any, comm solver.Comm, lg *slog.Logger) (*Solver, error) {
	base, err := physics.NewBase(Kind, defaults(), doc, comm, lg, OutputName)
	if err != nil {
		return nil, err
	}
	var p problem
	opts := base.Options()
	if err = opts.DecodeProblem(&p); err != nil {
		return nil, err
	}
	if p.StateSize <= 0 || p.FieldSize <= 0 {
		return nil, fmt.Errorf("state-size and field-size must be positive, got %d, %d", p.StateSize, p.FieldSize)
	}
	return &Solver{
		Base:  base,
		n:     p.StateSize,
		nf:    p.FieldSize,
		field: mat.NewVecDense(p.FieldSize, nil),
	}, nil
}

func (s *Solver) StateSize() int { return s.n }
func (s *Solver) NumStates() int { return 1 }

func (s *Solver) FieldSize(name string) (int, bool) {
	switch name {
	case solver.StateName, solver.ResidualName, solver.AdjointName:
		return s.n, true
	}
	return s.ExternalSize(name, s.nf)
}

func (s *Solver) SetResidualInput(name string, v mat.Vector) error {
	switch name {
	case FieldName:
		if err := physics.CheckLen(name, v, s.nf); err != nil {
			return err
		}
		s.field.CopyVec(v)
		return nil
	case ValueName:
		if err := physics.CheckLen(name, v, 1); err != nil {
			return err
		}
		s.testVal = v.AtVec(0)
		return nil
	}
	return fmt.Errorf("%w: %q", solver.ErrUnknownField, name)
}

func (s *Solver) mean() float64 {
	c := s.Comm()
	return c.AllReduceSum(mat.Sum(s.field)) / c.AllReduceSum(float64(s.nf))
}

func (s *Solver) CalcResidual(state mat.Vector, residual *mat.VecDense) error {
	if err := physics.CheckLen(solver.StateName, state, s.n); err != nil {
		return err
	}
	if err := physics.CheckDst(solver.ResidualName, residual, s.n); err != nil {
		return err
	}
	m := s.mean()
	for i := 0; i < s.n; i++ {
		residual.SetVec(i, state.AtVec(i)-m)
	}
	return nil
}

// Residual and Jacobian adapt the handle to nonlin.System.
func (s *Solver) Residual(x mat.Vector, r *mat.VecDense) error { return s.CalcResidual(x, r) }

func (s *Solver) Jacobian(_ mat.Vector, jac *mat.Dense) error {
	jac.Zero()
	for i := 0; i < s.n; i++ {
		jac.Set(i, i, 1)
	}
	return nil
}

// ProjectFunction samples fn on n equispaced points of [0,1].
func (s *Solver) ProjectFunction(state *mat.VecDense, fn solver.InitialFunc) error {
	if err := physics.CheckLen(solver.StateName, state, s.n); err != nil {
		return err
	}
	u := make([]float64, 1)
	for i := 0; i < s.n; i++ {
		x := 0.
		if s.n > 1 {
			x = float64(i) / float64(s.n-1)
		}
		fn([]float64{x}, u)
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
	if name != FieldName {
		return fmt.Errorf("%w: %q", solver.ErrUnknownField, name)
	}
	if err := physics.CheckDst(name, dst, s.nf); err != nil {
		return err
	}
	dst.CopyVec(s.field)
	return nil
}

func (s *Solver) SetState(state mat.Vector) error {
	if err := physics.CheckLen(solver.StateName, state, s.n); err != nil {
		return err
	}
	s.state = mat.VecDenseCopyOf(state)
	return nil
}

func (s *Solver) JacobianBlocks() []string { return []string{FieldName} }

func (s *Solver) linearized() error {
	if s.state == nil {
		return solver.ErrNotLinearized
	}
	return nil
}

func (s *Solver) MultStateJac(v mat.Vector, dst *mat.VecDense) error {
	if err := s.linearized(); err != nil {
		return err
	}
	if err := physics.CheckLen("v", v, s.n); err != nil {
		return err
	}
	if err := physics.CheckDst("dst", dst, s.n); err != nil {
		return err
	}
	dst.CopyVec(v)
	return nil
}

func (s *Solver) MultStateJacTranspose(seed mat.Vector, dst *mat.VecDense) error {
	return s.MultStateJac(seed, dst)
}

func (s *Solver) InvertStateJacTranspose(seed mat.Vector, dst *mat.VecDense) error {
	return s.MultStateJac(seed, dst)
}

// dr_i/df_j = -1/nf for every i, j.
func (s *Solver) MultFieldJac(name string, v mat.Vector, dst *mat.VecDense) error {
	if err := s.fieldBlock(name); err != nil {
		return err
	}
	if err := physics.CheckLen("v", v, s.nf); err != nil {
		return err
	}
	if err := physics.CheckDst("dst", dst, s.n); err != nil {
		return err
	}
	c := -s.Comm().AllReduceSum(mat.Sum(v)) / s.Comm().AllReduceSum(float64(s.nf))
	for i := 0; i < s.n; i++ {
		dst.SetVec(i, c)
	}
	return nil
}

func (s *Solver) MultFieldJacTranspose(name string, seed mat.Vector, dst *mat.VecDense) error {
	if err := s.fieldBlock(name); err != nil {
		return err
	}
	if err := physics.CheckLen("seed", seed, s.n); err != nil {
		return err
	}
	if err := physics.CheckDst("dst", dst, s.nf); err != nil {
		return err
	}
	c := -s.Comm().AllReduceSum(mat.Sum(seed)) / s.Comm().AllReduceSum(float64(s.nf))
	for j := 0; j < s.nf; j++ {
		dst.SetVec(j, c)
	}
	return nil
}

func (s *Solver) fieldBlock(name string) error {
	if err := s.linearized(); err != nil {
		return err
	}
	if name != FieldName {
		return fmt.Errorf("%w: %q", solver.ErrNoJacobianBlock, name)
	}
	return nil
}

// pull copies whichever known inputs are present; absent ones keep their
// previous value.
func (s *Solver) pull(inputs solver.Inputs) error {
	for _, name := range []string{ValueName, FieldName} {
		if v, ok := inputs[name]; ok {
			if err := s.SetResidualInput(name, v); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Solver) CalcOutput(name string, inputs solver.Inputs) (float64, error) {
	if err := s.CheckOutput(name); err != nil {
		return 0, err
	}
	if err := s.pull(inputs); err != nil {
		return 0, err
	}
	return s.testVal + s.mean(), nil
}

func (s *Solver) CalcOutputPartial(name, wrt string, inputs solver.Inputs, dst *mat.VecDense) error {
	if err := s.CheckOutput(name); err != nil {
		return err
	}
	if err := s.pull(inputs); err != nil {
		return err
	}
	switch wrt {
	case ValueName:
		if err := physics.CheckDst(wrt, dst, 1); err != nil {
			return err
		}
		dst.SetVec(0, 1)
	case FieldName:
		if err := physics.CheckDst(wrt, dst, s.nf); err != nil {
			return err
		}
		c := 1 / s.Comm().AllReduceSum(float64(s.nf))
		for j := 0; j < s.nf; j++ {
			dst.SetVec(j, c)
		}
	case solver.StateName:
		if err := physics.CheckDst(wrt, dst, s.n); err != nil {
			return err
		}
		dst.Zero()
	default:
		return fmt.Errorf("%w: %q is not an input of %s", solver.ErrUnknownField, wrt, name)
	}
	return nil
}
