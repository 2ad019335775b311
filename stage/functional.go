package stage

import (
	"errors"
	"fmt"

	"github.com/notargets/DGAdjoint/field"
	"github.com/notargets/DGAdjoint/solver"
	"gonum.org/v1/gonum/mat"
)

// Functional exposes one scalar output of a solver handle as an explicit
// stage. Its inputs are the output's dependency list.
type Functional struct {
	base
	sh     *solver.Shared
	output string
	deps   []string
}

var _ Stage = (*Functional)(nil)

// NewFunctional wraps output of the shared handle. deps are the names the
// output depends on; Setup sizes them. The stage holds its own reference to
// sh until Close.
func NewFunctional(name string, sh *solver.Shared, output string, deps []string, opts ...Option) *Functional {
	if sh == nil {
		panic("stage: nil shared handle for " + name)
	}
	return &Functional{
		base:   newBase(name, opts),
		sh:     sh.Acquire(),
		output: output,
		deps:   append([]string(nil), deps...),
	}
}

func (f *Functional) Capabilities() Capabilities { return Support(Reverse) }

// Output is the handle output this stage evaluates.
func (f *Functional) Output() string { return f.output }

func (f *Functional) Close() error { return f.sh.Release() }

// Setup sizes each dependency, in order of precedence, as a declared
// external field, the reserved state, or a scalar, and registers the
// output with the handle.
func (f *Functional) Setup() error {
	const op = "setup"
	if f.ready {
		return nil
	}
	f.begin(op)
	if f.output == "" {
		return f.fail(op, "", ErrSetupContract, fmt.Errorf("empty output name"))
	}
	h := f.sh.Handle()
	external := make(map[string]bool)
	for _, ext := range h.ExternalFields() {
		external[ext] = true
	}
	for _, dep := range f.deps {
		db := field.Input(dep)
		switch {
		case external[dep]:
			n, ok := h.FieldSize(dep)
			if !ok || n <= 0 {
				return f.fail(op, dep, ErrSetupContract, fmt.Errorf("handle reports no size for declared field"))
			}
			db.Size(n)
			if dep == solver.MeshCoordsName {
				db.Role(field.MeshCoords)
			}
		case dep == solver.StateName:
			db.Role(field.State).Size(h.StateSize())
		default:
			db.Role(field.DesignParam).Scalar()
		}
		if err := f.declare(f.inputs, op, db); err != nil {
			return err
		}
	}
	err := f.sh.Do(func(h solver.Handle) error { return h.CreateOutput(f.output) })
	if err != nil && !errors.Is(err, solver.ErrDuplicateOutput) {
		return f.fail(op, f.output, ErrSetupContract, err)
	}
	if err = f.declare(f.outputs, op, field.Output(f.output).Role(field.External).Scalar()); err != nil {
		return err
	}
	f.ready = true
	f.log.Debug("setup", "output", f.output, "inputs", f.inputs.Names())
	return nil
}

// Evaluate delegates to the handle's output evaluator.
func (f *Functional) Evaluate(in Values) (float64, error) {
	const op = "evaluate"
	f.begin(op)
	if err := f.requireSetup(op); err != nil {
		return 0, err
	}
	if err := f.checkInputs(op, in); err != nil {
		return 0, err
	}
	var v float64
	err := f.sh.Do(func(h solver.Handle) error {
		var err error
		v, err = h.CalcOutput(f.output, solver.Inputs(in))
		return err
	})
	if err != nil {
		return 0, f.wrap(op, f.output, err)
	}
	return v, nil
}

// Partials returns the partial derivative of the output with respect to
// each dependency.
func (f *Functional) Partials(in Values) (Values, error) {
	return f.partials(in, f.deps)
}

// partials evaluates only the named partials. A declared dependency the
// handle cannot differentiate fails ErrUnsupportedDerivative.
func (f *Functional) partials(in Values, names []string) (Values, error) {
	const op = "partials"
	f.begin(op)
	if err := f.requireSetup(op); err != nil {
		return nil, err
	}
	if err := f.checkInputs(op, in); err != nil {
		return nil, err
	}
	out := make(Values, len(names))
	for _, dep := range names {
		d, ok := f.inputs.Get(dep)
		if !ok {
			return nil, f.fail(op, dep, ErrSetupContract, fmt.Errorf("not a declared input"))
		}
		dst := mat.NewVecDense(d.Size, nil)
		err := f.sh.Do(func(h solver.Handle) error {
			return h.CalcOutputPartial(f.output, dep, solver.Inputs(in), dst)
		})
		if errors.Is(err, solver.ErrUnknownField) {
			return nil, f.fail(op, dep, ErrUnsupportedDerivative, err)
		}
		if err != nil {
			return nil, f.wrap(op, dep, err)
		}
		out[dep] = dst
	}
	return out, nil
}

func (f *Functional) Compute(in Values) (Values, error) {
	v, err := f.Evaluate(in)
	if err != nil {
		return nil, err
	}
	return Values{f.output: solver.Scalar(v)}, nil
}

// Pullback scales the output partials by the output adjoint.
func (f *Functional) Pullback(in Values, outBar Values, wrt []string) (Values, error) {
	out := Values{}
	fbar, ok := outBar[f.output]
	if !ok || fbar == nil || len(wrt) == 0 {
		return out, nil
	}
	parts, err := f.partials(in, wrt)
	if err != nil {
		return nil, err
	}
	for _, name := range wrt {
		p := parts[name]
		v := mat.NewVecDense(p.Len(), nil)
		v.ScaleVec(fbar.AtVec(0), p)
		out[name] = v
	}
	return out, nil
}
