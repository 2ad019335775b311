// Package stage adapts opaque solver handles and geometry kernels into
// analysis stages with declared inputs and outputs, a converged forward
// evaluation and a reverse-mode adjoint contract.
package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/notargets/DGAdjoint/field"
	"github.com/notargets/DGAdjoint/logging"
	"github.com/notargets/DGAdjoint/metrics"
	"github.com/notargets/DGAdjoint/solver"
	"gonum.org/v1/gonum/mat"
)

// Values maps input or output names to vectors. Scalars have length one.
type Values map[string]mat.Vector

// Stage is one node of an analysis chain.
type Stage interface {
	Name() string
	// Setup resolves the declared inputs and outputs. It must succeed
	// before any other call.
	Setup() error
	Inputs() *field.Decls
	Outputs() *field.Decls
	Capabilities() Capabilities
	// Compute runs the forward analysis and returns every output.
	Compute(in Values) (Values, error)
	// Pullback maps adjoints of the outputs to total-derivative
	// contributions on the inputs named in wrt, at the point of the last
	// Compute.
	Pullback(in Values, outBar Values, wrt []string) (Values, error)
}

// Option configures a stage.
type Option func(*base)

// WithLogger sets the stage logger. Stages log nothing by default.
func WithLogger(lg *slog.Logger) Option {
	return func(b *base) { b.log = lg }
}

// WithMetrics counts the stage's operations and failures in rec.
func WithMetrics(rec *metrics.Recorder) Option {
	return func(b *base) { b.rec = rec }
}

// base carries what every adapter shares: identity, declarations,
// logging, metrics and error construction.
type base struct {
	name    string
	log     *slog.Logger
	rec     *metrics.Recorder
	inputs  *field.Decls
	outputs *field.Decls
	ready   bool
}

func newBase(name string, opts []Option) base {
	b := base{name: name}
	for _, o := range opts {
		o(&b)
	}
	b.log = logging.OrNop(b.log).With("stage", name)
	b.inputs, b.outputs = field.NewDecls(), field.NewDecls()
	return b
}

func (b *base) Name() string          { return b.name }
func (b *base) Inputs() *field.Decls  { return b.inputs }
func (b *base) Outputs() *field.Decls { return b.outputs }

func (b *base) begin(op string) {
	b.rec.Op(b.name, op)
	b.log.Debug("begin", "op", op)
}

func (b *base) fail(op, name string, kind, err error) error {
	e := &Error{Stage: b.name, Op: op, Name: name, Kind: kind, Err: err}
	b.rec.Failure(b.name, op, kindLabel(kind))
	lvl := slog.LevelDebug
	if kind == ErrConvergence || kind == ErrHandle {
		lvl = slog.LevelWarn
	}
	b.log.Log(context.Background(), lvl, "failed", "op", op, "name", name, "error", e)
	return e
}

// wrap turns a handle error into a classified *Error.
func (b *base) wrap(op, name string, err error) error {
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return b.fail(op, name, classify(err), err)
}

func (b *base) requireSetup(op string) error {
	if !b.ready {
		return b.fail(op, "", ErrOrdering, fmt.Errorf("setup has not completed"))
	}
	return nil
}

// checkInputs requires exactly the declared inputs with their declared
// sizes.
func (b *base) checkInputs(op string, in Values) error {
	for _, name := range b.inputs.Names() {
		d, _ := b.inputs.Get(name)
		v, ok := in[name]
		if !ok || v == nil {
			return b.fail(op, name, ErrSetupContract, fmt.Errorf("input not supplied"))
		}
		if v.Len() != d.Size {
			return b.fail(op, name, ErrSetupContract,
				fmt.Errorf("%w: length %d, declared %d", solver.ErrSizeMismatch, v.Len(), d.Size))
		}
	}
	var extra []string
	for name := range in {
		if _, ok := b.inputs.Get(name); !ok {
			extra = append(extra, name)
		}
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		return b.fail(op, extra[0], ErrSetupContract, fmt.Errorf("not a declared input"))
	}
	return nil
}

// checkMode fails for modes outside caps.
func (b *base) checkMode(op string, caps Capabilities, m Mode) error {
	if !caps.Supports(m) {
		return b.fail(op, m.String(), ErrUnsupportedDerivative,
			fmt.Errorf("stage supports %s", caps))
	}
	return nil
}

func (b *base) declare(ds *field.Decls, op string, db *field.DeclBuilder) error {
	if err := ds.Add(db); err != nil {
		return b.fail(op, db.Decl.Name, ErrSetupContract, err)
	}
	return nil
}
