// Package physics holds the plumbing shared by the reference solver handles:
// option parsing, output bookkeeping, field sizing, Newton settings and
// diagnostic dumps.
package physics

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/notargets/DGAdjoint/logging"
	"github.com/notargets/DGAdjoint/nonlin"
	"github.com/notargets/DGAdjoint/options"
	"github.com/notargets/DGAdjoint/solver"
	"gonum.org/v1/gonum/mat"
)

// Base implements the metadata half of solver.Handle. Reference handles
// embed it.
type Base struct {
	kind      string
	opts      options.Options
	comm      solver.Comm
	log       *slog.Logger
	supported map[string]bool
	created   map[string]bool
}

// NewBase merges doc over the handle's own defaults and the global option
// defaults, then freezes the result. supported lists the outputs the
// physics can compute.
func NewBase(kind string, defaults, doc map[string]any, comm solver.Comm,
	lg *slog.Logger, supported ...string) (Base, error) {
	merged, err := options.Merge(defaults, doc)
	if err != nil {
		return Base{}, fmt.Errorf("%s options: %w", kind, err)
	}
	opts, err := options.Parse(merged)
	if err != nil {
		return Base{}, fmt.Errorf("%s options: %w", kind, err)
	}
	if comm == nil {
		comm = solver.SelfComm{}
	}
	b := Base{
		kind:      kind,
		opts:      opts,
		comm:      comm,
		log:       logging.OrNop(lg).With("physics", kind),
		supported: make(map[string]bool, len(supported)),
		created:   make(map[string]bool),
	}
	for _, s := range supported {
		b.supported[s] = true
	}
	if opts.PrintOptions {
		b.log.Info("options", "value", fmt.Sprintf("%+v", opts))
	}
	return b, nil
}

func (b *Base) Kind() string              { return b.kind }
func (b *Base) Options() options.Options  { return b.opts.Clone() }
func (b *Base) Comm() solver.Comm         { return b.comm }
func (b *Base) Logger() *slog.Logger      { return b.log }
func (b *Base) ExternalFields() []string  { return b.opts.ExternalFieldNames() }
func (b *Base) HasExternal(n string) bool { return b.opts.HasExternalField(n) }

// ExternalSize applies the declared size rule of an external field: scalar
// fields have length one, the rest take fieldSize.
func (b *Base) ExternalSize(name string, fieldSize int) (int, bool) {
	ef, ok := b.opts.ExternalFields[name]
	if !ok {
		return 0, false
	}
	if ef.IsScalar() {
		return 1, true
	}
	return fieldSize, true
}

// Outputs lists the created outputs, sorted.
func (b *Base) Outputs() []string {
	out := make([]string, 0, len(b.created))
	for name := range b.created {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (b *Base) CreateOutput(name string) error {
	if !b.supported[name] {
		return fmt.Errorf("%w: %s does not provide %q", solver.ErrUnknownOutput, b.kind, name)
	}
	if b.created[name] {
		return fmt.Errorf("%w: %q", solver.ErrDuplicateOutput, name)
	}
	b.created[name] = true
	return nil
}

// CheckOutput fails unless name was created.
func (b *Base) CheckOutput(name string) error {
	if !b.created[name] {
		return fmt.Errorf("%w: %q was not created", solver.ErrUnknownOutput, name)
	}
	return nil
}

// PrintField logs a diagnostic dump of v at debug level.
func (b *Base) PrintField(name string, v mat.Vector) {
	if b.opts.Silent || !b.log.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	vals := make([]float64, v.Len())
	for i := range vals {
		vals[i] = v.AtVec(i)
	}
	b.log.Debug("field dump", "field", name, "len", v.Len(),
		"norm", solver.Norm(b.comm, v), "values", vals)
}

// Newton runs the configured nonlinear solver on sys. With abort disabled a
// solve that exhausts its budget is reported through Report.Converged
// instead of an error.
func (b *Base) Newton(sys nonlin.System, x *mat.VecDense) (solver.Report, error) {
	ns := b.opts.NonlinSolver
	set := nonlin.Settings{
		MaxIter: ns.MaxIter,
		AbsTol:  ns.AbsTol,
		RelTol:  ns.RelTol,
		LineSearch: nonlin.LineSearch{
			Mu:      ns.LineSearch.Mu,
			RhoLo:   ns.LineSearch.RhoLo,
			RhoHi:   ns.LineSearch.RhoHi,
			MaxIter: ns.LineSearch.MaxIter,
		},
		Linear: linear(b.opts.LinSolver),
		Norm:   func(v mat.Vector) float64 { return solver.Norm(b.comm, v) },
	}
	if ns.LineSearch.Type == "none" {
		set.LineSearch = nonlin.LineSearch{}
	}
	if ns.PrintLevel > 1 {
		set.Monitor = func(it int, norm float64) {
			b.log.Debug("newton", "iter", it, "norm", norm)
		}
	}
	res, err := nonlin.Newton(sys, x, set)
	rep := solver.Report{
		Iterations:  res.Iterations,
		InitialNorm: res.InitialNorm,
		FinalNorm:   res.FinalNorm,
		Converged:   res.Converged,
	}
	switch {
	case err == nil:
		if ns.PrintLevel > 0 && !b.opts.Silent {
			b.log.Info("newton converged", "iters", rep.Iterations,
				"initial", rep.InitialNorm, "final", rep.FinalNorm)
		}
		return rep, nil
	case !ns.Abort:
		b.log.Warn("newton did not converge", "iters", rep.Iterations,
			"final", rep.FinalNorm, "error", err)
		return rep, nil
	default:
		return rep, fmt.Errorf("%w: %v", solver.ErrNotConverged, err)
	}
}

// SolveAdjoint solves jac^T x = seed with the adj-solver settings. A
// singular system or a missed tolerance is reported as a failed solve.
func (b *Base) SolveAdjoint(jac mat.Matrix, seed mat.Vector, dst *mat.VecDense) error {
	as := b.opts.AdjSolver
	norm, err := linear(as).Solve(jac, true, seed, dst)
	if err != nil {
		return fmt.Errorf("%w: adjoint solve: %v", solver.ErrNotConverged, err)
	}
	if as.PrintLevel > 0 {
		b.log.Debug("adjoint solve", "type", as.Type, "residual", norm)
	}
	return nil
}

func linear(ls options.LinSolver) nonlin.Linear {
	return nonlin.Linear{Type: ls.Type, MaxIter: ls.MaxIter, AbsTol: ls.AbsTol, RelTol: ls.RelTol}
}

// CheckLen fails with solver.ErrSizeMismatch unless v has length n.
func CheckLen(name string, v mat.Vector, n int) error {
	if v == nil {
		return fmt.Errorf("%w: %s is nil, want length %d", solver.ErrSizeMismatch, name, n)
	}
	if v.Len() != n {
		return fmt.Errorf("%w: %s has length %d, want %d", solver.ErrSizeMismatch, name, v.Len(), n)
	}
	return nil
}

// CheckDst resets dst to length n if it is empty, otherwise checks it.
func CheckDst(name string, dst *mat.VecDense, n int) error {
	if dst.IsEmpty() {
		dst.ReuseAsVec(n)
		return nil
	}
	return CheckLen(name, dst, n)
}
