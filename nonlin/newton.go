package nonlin

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

var (
	ErrNotConverged = errors.New("nonlin: newton iteration did not converge")
	ErrSingular     = errors.New("nonlin: singular jacobian")
	ErrLinearTol    = errors.New("nonlin: linear solve missed its tolerance")
)

// System is a square nonlinear system R(x) = 0 with an assembled Jacobian.
type System interface {
	Residual(x mat.Vector, r *mat.VecDense) error
	Jacobian(x mat.Vector, jac *mat.Dense) error
}

// LineSearch holds the backtracking parameters. Mu is the sufficient
// decrease constant; each rejected step is shrunk to a factor in
// [RhoLo, RhoHi] picked by quadratic interpolation.
type LineSearch struct {
	Mu      float64
	RhoLo   float64
	RhoHi   float64
	MaxIter int
}

// Settings controls a Newton solve. Norm defaults to the local 2-norm.
type Settings struct {
	MaxIter    int
	AbsTol     float64
	RelTol     float64
	LineSearch LineSearch
	Linear     Linear
	Norm       func(mat.Vector) float64
	// Monitor, if set, is called after each residual evaluation.
	Monitor func(iter int, norm float64)
}

type Result struct {
	Iterations  int
	InitialNorm float64
	FinalNorm   float64
	Converged   bool
}

// Newton solves sys with x as the initial guess, overwriting x. It stops
// when the residual norm falls below max(AbsTol, RelTol*||R(x0)||).
func Newton(sys System, x *mat.VecDense, s Settings) (Result, error) {
	n := x.Len()
	norm := s.Norm
	if norm == nil {
		norm = func(v mat.Vector) float64 { return mat.Norm(v, 2) }
	}
	if s.MaxIter <= 0 {
		return Result{}, fmt.Errorf("nonlin: max iterations must be positive, got %d", s.MaxIter)
	}

	var (
		r     = mat.NewVecDense(n, nil)
		rt    = mat.NewVecDense(n, nil)
		xt    = mat.NewVecDense(n, nil)
		dx    = mat.NewVecDense(n, nil)
		jac   = mat.NewDense(n, n, nil)
		res   Result
		rNorm float64
	)

	if err := sys.Residual(x, r); err != nil {
		return res, err
	}
	rNorm = norm(r)
	res.InitialNorm = rNorm
	tol := math.Max(s.AbsTol, s.RelTol*rNorm)
	if s.Monitor != nil {
		s.Monitor(0, rNorm)
	}

	for it := 0; ; it++ {
		res.Iterations = it
		res.FinalNorm = rNorm
		if rNorm <= tol {
			res.Converged = true
			return res, nil
		}
		if it == s.MaxIter {
			break
		}
		if math.IsNaN(rNorm) || math.IsInf(rNorm, 0) {
			return res, fmt.Errorf("%w: residual norm is %v at iteration %d", ErrNotConverged, rNorm, it)
		}

		if err := sys.Jacobian(x, jac); err != nil {
			return res, err
		}
		if _, err := s.Linear.Solve(jac, false, r, dx); err != nil {
			return res, err
		}

		alpha, trialNorm, err := backtrack(sys, x, dx, xt, rt, rNorm, norm, s.LineSearch)
		if err != nil {
			return res, err
		}
		x.AddScaledVec(x, -alpha, dx)
		r.CopyVec(rt)
		rNorm = trialNorm
		if s.Monitor != nil {
			s.Monitor(it+1, rNorm)
		}
	}
	return res, fmt.Errorf("%w: ||r|| = %.6e > %.6e after %d iterations", ErrNotConverged, res.FinalNorm, tol, s.MaxIter)
}

// backtrack finds a step length along -dx satisfying the sufficient
// decrease condition on phi(a) = ||R(x - a dx)||^2 / 2. The trial residual
// for the accepted step is left in rt.
func backtrack(sys System, x, dx, xt, rt *mat.VecDense, rNorm float64,
	norm func(mat.Vector) float64, ls LineSearch) (alpha, trialNorm float64, err error) {
	phi0 := 0.5 * rNorm * rNorm
	dphi0 := -rNorm * rNorm
	alpha = 1.0
	maxIter := ls.MaxIter
	if maxIter <= 0 {
		maxIter = 1
	}
	for k := 0; k < maxIter; k++ {
		xt.AddScaledVec(x, -alpha, dx)
		if err = sys.Residual(xt, rt); err != nil {
			return 0, 0, err
		}
		trialNorm = norm(rt)
		phi := 0.5 * trialNorm * trialNorm
		if phi <= phi0+ls.Mu*alpha*dphi0 {
			return alpha, trialNorm, nil
		}
		if k == maxIter-1 {
			break
		}
		next := -dphi0 * alpha * alpha / (2 * (phi - phi0 - dphi0*alpha))
		lo, hi := ls.RhoLo*alpha, ls.RhoHi*alpha
		if math.IsNaN(next) || next < lo {
			next = lo
		} else if next > hi {
			next = hi
		}
		alpha = next
	}
	return alpha, trialNorm, nil
}

// Linear configures a dense linear solve. Type is "lu" (the default) or
// "qr". After the direct solve up to MaxIter refinement sweeps drive the
// residual below max(AbsTol, RelTol*||b||); with both tolerances zero the
// direct solution is returned as is.
type Linear struct {
	Type    string
	MaxIter int
	AbsTol  float64
	RelTol  float64
}

type factorization interface {
	SolveVecTo(dst *mat.VecDense, trans bool, b mat.Vector) error
}

func (l Linear) factorize(a mat.Matrix) (factorization, error) {
	switch l.Type {
	case "", "lu":
		var lu mat.LU
		lu.Factorize(a)
		return &lu, nil
	case "qr":
		var qr mat.QR
		qr.Factorize(a)
		return &qr, nil
	}
	return nil, fmt.Errorf("nonlin: unknown linear solver %q", l.Type)
}

// Solve solves a x = b, or a^T x = b when trans is set, and returns the
// final residual norm.
func (l Linear) Solve(a mat.Matrix, trans bool, b mat.Vector, dst *mat.VecDense) (float64, error) {
	f, err := l.factorize(a)
	if err != nil {
		return 0, err
	}
	if err = f.SolveVecTo(dst, trans, b); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSingular, err)
	}
	tol := math.Max(l.AbsTol, l.RelTol*mat.Norm(b, 2))
	if tol <= 0 {
		return 0, nil
	}
	op := a
	if trans {
		op = a.T()
	}
	var r, d mat.VecDense
	residual := func() float64 {
		r.MulVec(op, dst)
		r.SubVec(b, &r)
		return mat.Norm(&r, 2)
	}
	norm := residual()
	for k := 0; norm > tol && k < l.MaxIter; k++ {
		if err = f.SolveVecTo(&d, trans, &r); err != nil {
			return norm, fmt.Errorf("%w: %v", ErrSingular, err)
		}
		dst.AddVec(dst, &d)
		norm = residual()
	}
	if norm > tol {
		return norm, fmt.Errorf("%w: ||b - Ax|| = %.6e > %.6e", ErrLinearTol, norm, tol)
	}
	return norm, nil
}
