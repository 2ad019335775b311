package stage

import (
	"errors"
	"fmt"

	"github.com/notargets/DGAdjoint/field"
	"github.com/notargets/DGAdjoint/solver"
	"gonum.org/v1/gonum/mat"
)

// Phase is the position of an implicit stage in its per-point state
// machine.
type Phase uint8

const (
	Uninitialized Phase = iota
	Converged
	Linearized
	AdjointReady
)

func (p Phase) String() string {
	switch p {
	case Uninitialized:
		return "uninitialized"
	case Converged:
		return "converged"
	case Linearized:
		return "linearized"
	case AdjointReady:
		return "adjoint-ready"
	}
	return fmt.Sprintf("Phase(%d)", uint8(p))
}

// implicit is the converge/linearize/transpose machinery shared by the
// implicit adapters. Inputs are pushed to the handle under their own names;
// the state output maps to the handle's state.
type implicit struct {
	base
	sh     *solver.Shared
	output string
	state  *field.Field
	phase  Phase
	lin    *Linearization
	blocks map[string]bool
}

func newImplicit(name string, sh *solver.Shared, output string, opts []Option) implicit {
	if sh == nil {
		panic("stage: nil shared handle for " + name)
	}
	return implicit{
		base:   newBase(name, opts),
		sh:     sh.Acquire(),
		output: output,
		blocks: make(map[string]bool),
	}
}

func (s *implicit) Capabilities() Capabilities { return Support(Reverse) }

// Phase reports the state-machine position.
func (s *implicit) Phase() Phase { return s.phase }

// State returns the converged state, or false if there is none.
func (s *implicit) State() (mat.Vector, bool) {
	if s.phase == Uninitialized || s.state == nil {
		return nil, false
	}
	return s.state.Vec(), true
}

// Close drops the stage's reference to the shared handle.
func (s *implicit) Close() error { return s.sh.Release() }

// finishSetup records the Jacobian blocks of the declared inputs and
// allocates the state field.
func (s *implicit) finishSetup(h solver.Handle, n int) {
	for _, b := range h.JacobianBlocks() {
		if _, ok := s.inputs.Get(b); ok {
			s.blocks[b] = true
		}
	}
	s.state = field.New(s.output, field.State, s.name, n)
	s.ready = true
}

func (s *implicit) push(h solver.Handle, in Values) error {
	for _, name := range s.inputs.Names() {
		if err := h.SetResidualInput(name, in[name]); err != nil {
			return fmt.Errorf("push %s: %w", name, err)
		}
	}
	return nil
}

// EvaluateResidual pushes the inputs and returns r(inputs, state). It does
// not move the linearization point.
func (s *implicit) EvaluateResidual(in Values, state mat.Vector) (*mat.VecDense, error) {
	const op = "evaluate_residual"
	s.begin(op)
	if err := s.requireSetup(op); err != nil {
		return nil, err
	}
	if err := s.checkInputs(op, in); err != nil {
		return nil, err
	}
	n := s.state.Len()
	if state == nil || state.Len() != n {
		return nil, s.fail(op, s.output, ErrSetupContract, fmt.Errorf("%w: want length %d", solver.ErrSizeMismatch, n))
	}
	r := mat.NewVecDense(n, nil)
	err := s.sh.Do(func(h solver.Handle) error {
		if err := s.push(h, in); err != nil {
			return err
		}
		return h.CalcResidual(state, r)
	})
	if err != nil {
		return nil, s.wrap(op, "", err)
	}
	return r, nil
}

type (
	initFunc  func(h solver.Handle, work *mat.VecDense) error
	solveFunc func(h solver.Handle, work *mat.VecDense) (solver.Report, error)
)

// converge runs one state solve. The initial condition is only applied
// while the stage holds no converged state. On failure the stage drops
// back to Uninitialized.
func (s *implicit) converge(op string, in Values, initial initFunc, solve solveFunc) error {
	s.begin(op)
	if err := s.requireSetup(op); err != nil {
		return err
	}
	if err := s.checkInputs(op, in); err != nil {
		return err
	}
	work := s.state.Clone()
	fresh := s.phase == Uninitialized
	var rep solver.Report
	err := s.sh.Mutate(func(h solver.Handle) error {
		if fresh {
			if err := initial(h, work); err != nil {
				return fmt.Errorf("initial condition: %w", err)
			}
		}
		if err := s.push(h, in); err != nil {
			return err
		}
		var err error
		rep, err = solve(h, work)
		return err
	})
	s.lin = nil
	if err != nil {
		s.phase = Uninitialized
		return s.wrap(op, "", err)
	}
	if !rep.Converged {
		s.phase = Uninitialized
		return s.fail(op, "", ErrConvergence, fmt.Errorf("%w: ||r|| = %.6e after %d iterations",
			solver.ErrNotConverged, rep.FinalNorm, rep.Iterations))
	}
	if err = s.state.Set(s.name, work); err != nil {
		return s.fail(op, s.output, ErrHandle, err)
	}
	s.phase = Converged
	s.rec.Solve(s.name, rep.Iterations, rep.FinalNorm)
	s.log.Info("converged", "iters", rep.Iterations, "initial", rep.InitialNorm, "final", rep.FinalNorm)
	_ = s.sh.Do(func(h solver.Handle) error {
		h.PrintField(s.output, s.state.Vec())
		return nil
	})
	return nil
}

// Linearize makes the converged state the handle's linearization point and
// returns the token through which transposed actions are available.
func (s *implicit) Linearize(in Values) (*Linearization, error) {
	const op = "linearize"
	s.begin(op)
	if err := s.requireSetup(op); err != nil {
		return nil, err
	}
	if s.phase == Uninitialized {
		return nil, s.fail(op, "", ErrOrdering, fmt.Errorf("no converged state"))
	}
	if err := s.checkInputs(op, in); err != nil {
		return nil, err
	}
	gen, err := s.sh.Linearize(s.name, s.state.Vec(), func(h solver.Handle) error {
		return s.push(h, in)
	})
	if err != nil {
		s.lin = nil
		return nil, s.wrap(op, "", err)
	}
	s.phase = Linearized
	s.lin = &Linearization{st: s, gen: gen}
	return s.lin, nil
}

// ApplyTranspose applies the current linearization; see
// Linearization.ApplyTranspose.
func (s *implicit) ApplyTranspose(seed mat.Vector, mode Mode, names ...string) (Values, error) {
	if s.lin == nil {
		if err := s.checkMode("apply_transpose", s.Capabilities(), mode); err != nil {
			return nil, err
		}
		return nil, s.fail("apply_transpose", "", ErrOrdering, fmt.Errorf("stage is %s, not linearized", s.phase))
	}
	return s.lin.ApplyTranspose(seed, mode, names...)
}

// SolveTranspose solves with the current linearization; see
// Linearization.SolveTranspose.
func (s *implicit) SolveTranspose(seed mat.Vector, mode Mode) (*mat.VecDense, error) {
	if s.lin == nil {
		if err := s.checkMode("solve_transpose", s.Capabilities(), mode); err != nil {
			return nil, err
		}
		return nil, s.fail("solve_transpose", "", ErrOrdering, fmt.Errorf("stage is %s, not linearized", s.phase))
	}
	return s.lin.SolveTranspose(seed, mode)
}

// Pullback solves J_state^T lambda = outBar[state] and returns
// -J_input^T lambda for each input in wrt.
func (s *implicit) Pullback(in Values, outBar Values, wrt []string) (Values, error) {
	out := Values{}
	ybar, ok := outBar[s.output]
	if !ok || ybar == nil || len(wrt) == 0 {
		return out, nil
	}
	lin := s.lin
	if !lin.current() {
		var err error
		if lin, err = s.Linearize(in); err != nil {
			return nil, err
		}
	}
	lam, err := lin.SolveTranspose(ybar, Reverse)
	if err != nil {
		return nil, err
	}
	parts, err := lin.ApplyTranspose(lam, Reverse, wrt...)
	if err != nil {
		return nil, err
	}
	for _, name := range wrt {
		v := mat.NewVecDense(parts[name].Len(), nil)
		v.ScaleVec(-1, parts[name])
		out[name] = v
	}
	return out, nil
}

// Linearization is the proof that a stage was linearized at its current
// converged state. It goes stale when the stage converges again, when the
// stage is re-linearized, or when another adapter moves the shared
// handle's linearization point.
type Linearization struct {
	st  *implicit
	gen uint64
}

// Generation identifies the linearization point on the shared handle.
func (l *Linearization) Generation() uint64 { return l.gen }

func (l *Linearization) current() bool {
	if l == nil || l.st.lin != l {
		return false
	}
	return l.st.sh.WithLinearization(l.gen, func(solver.Handle) error { return nil }) == nil
}

func (l *Linearization) with(op string, fn func(h solver.Handle) error) error {
	s := l.st
	if s.lin != l {
		return s.fail(op, "", ErrOrdering, fmt.Errorf("linearization superseded"))
	}
	err := s.sh.WithLinearization(l.gen, fn)
	if err == nil {
		s.phase = AdjointReady
		return nil
	}
	if errors.Is(err, solver.ErrNotLinearized) {
		if owner, ok := s.sh.LinearizedBy(); ok && owner != s.name {
			return s.fail(op, "", ErrOrdering, fmt.Errorf("stale linearization %d, handle now linearized by %q: %w",
				l.Generation(), owner, err))
		}
		return s.fail(op, "", ErrOrdering, fmt.Errorf("stale linearization %d: %w", l.Generation(), err))
	}
	return s.wrap(op, "", err)
}

// ApplyTranspose returns the transposed Jacobian action on seed split by
// name: the state output gets J_state^T seed and each input gets
// J_input^T seed. With no names every declared input and the state are
// returned. Inputs the handle has no Jacobian block for fail with
// ErrUnsupportedDerivative.
func (l *Linearization) ApplyTranspose(seed mat.Vector, mode Mode, names ...string) (Values, error) {
	const op = "apply_transpose"
	s := l.st
	s.begin(op)
	if err := s.checkMode(op, s.Capabilities(), mode); err != nil {
		return nil, err
	}
	n := s.state.Len()
	if seed == nil || seed.Len() != n {
		return nil, s.fail(op, "seed", ErrSetupContract, fmt.Errorf("%w: want length %d", solver.ErrSizeMismatch, n))
	}
	if len(names) == 0 {
		names = append([]string{s.output}, s.inputs.Names()...)
	}
	for _, name := range names {
		if name == s.output {
			continue
		}
		if _, ok := s.inputs.Get(name); !ok {
			return nil, s.fail(op, name, ErrSetupContract, fmt.Errorf("not a declared input"))
		}
		if !s.blocks[name] {
			return nil, s.fail(op, name, ErrUnsupportedDerivative, fmt.Errorf("%w for %q", solver.ErrNoJacobianBlock, name))
		}
	}
	out := make(Values, len(names))
	err := l.with(op, func(h solver.Handle) error {
		for _, name := range names {
			if name == s.output {
				dst := mat.NewVecDense(n, nil)
				if err := h.MultStateJacTranspose(seed, dst); err != nil {
					return err
				}
				out[name] = dst
				continue
			}
			d, _ := s.inputs.Get(name)
			dst := mat.NewVecDense(d.Size, nil)
			if err := h.MultFieldJacTranspose(name, seed, dst); err != nil {
				return err
			}
			out[name] = dst
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SolveTranspose solves the adjoint equation J_state^T lambda = seed.
func (l *Linearization) SolveTranspose(seed mat.Vector, mode Mode) (*mat.VecDense, error) {
	const op = "solve_transpose"
	s := l.st
	s.begin(op)
	if err := s.checkMode(op, s.Capabilities(), mode); err != nil {
		return nil, err
	}
	n := s.state.Len()
	if seed == nil || seed.Len() != n {
		return nil, s.fail(op, "seed", ErrSetupContract, fmt.Errorf("%w: want length %d", solver.ErrSizeMismatch, n))
	}
	lam := mat.NewVecDense(n, nil)
	err := l.with(op, func(h solver.Handle) error {
		return h.InvertStateJacTranspose(seed, lam)
	})
	if err != nil {
		return nil, err
	}
	return lam, nil
}
