package diffusion

import (
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/notargets/DGAdjoint/solver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

func doc(problem map[string]any) map[string]any {
	d := map[string]any{
		"mesh": map[string]any{"num-nodes": 9},
		"nonlin-solver": map[string]any{
			"abstol": 1e-12,
			"reltol": 1e-12,
		},
	}
	if problem != nil {
		d["problem-opts"] = problem
	}
	return d
}

func newSolver(t *testing.T, problem map[string]any) *Solver {
	t.Helper()
	s, err := New(doc(problem), nil, nil)
	require.NoError(t, err)
	return s
}

func randVec(rng *rand.Rand, n int) *mat.VecDense {
	v := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		v.SetVec(i, rng.Float64()*2-1)
	}
	return v
}

func TestLinearExact(t *testing.T) {
	// k = 1, q = 1, u(0) = u(1) = 0 has u = x(1-x)/2, which linear
	// elements reproduce at the nodes.
	s := newSolver(t, map[string]any{"nonlinearity": 0})
	u := mat.NewVecDense(s.StateSize(), nil)
	rep, err := s.SolveForState(u)
	require.NoError(t, err)
	assert.True(t, rep.Converged)
	x := s.Mesh().Nodes
	for i := range x {
		assert.InDelta(t, 0.5*x[i]*(1-x[i]), u.AtVec(i), 1e-12)
	}
}

func TestNonlinearConverges(t *testing.T) {
	s := newSolver(t, map[string]any{"nonlinearity": 2, "source": 4, "right-value": 1})
	u := mat.NewVecDense(s.StateSize(), nil)
	rep, err := s.SolveForState(u)
	require.NoError(t, err)
	assert.True(t, rep.Converged)
	assert.Greater(t, rep.Iterations, 1)

	var r mat.VecDense
	require.NoError(t, s.CalcResidual(u, &r))
	assert.LessOrEqual(t, mat.Norm(&r, 2), 1e-12)
	assert.InDelta(t, 1.0, u.AtVec(s.StateSize()-1), 1e-14)
}

func TestNotConverged(t *testing.T) {
	d := doc(map[string]any{"nonlinearity": 2, "source": 4})
	d["nonlin-solver"] = map[string]any{"maxiter": 1, "abstol": 1e-14, "reltol": 1e-14}
	s, err := New(d, nil, nil)
	require.NoError(t, err)
	_, err = s.SolveForState(mat.NewVecDense(s.StateSize(), nil))
	assert.True(t, errors.Is(err, solver.ErrNotConverged))

	d["nonlin-solver"] = map[string]any{"maxiter": 1, "abstol": 1e-14, "reltol": 1e-14, "abort": false}
	s, err = New(d, nil, nil)
	require.NoError(t, err)
	rep, err := s.SolveForState(mat.NewVecDense(s.StateSize(), nil))
	assert.NoError(t, err)
	assert.False(t, rep.Converged)
}

func TestJacobiansMatchFiniteDifferences(t *testing.T) {
	s := newSolver(t, map[string]any{"nonlinearity": 1.5, "source": 2})
	rng := rand.New(rand.NewPCG(1, 2))
	u := randVec(rng, s.StateSize())
	require.NoError(t, s.SetState(u))
	n, nx := s.StateSize(), s.mesh.Size()
	set := &fd.JacobianSettings{Formula: fd.Central}

	fdU := mat.NewDense(n, n, nil)
	fd.Jacobian(fdU, func(y, z []float64) {
		r := mat.NewVecDense(n, y)
		s.assemble(s.x, mat.NewVecDense(n, z), r, nil, nil)
	}, u.RawVector().Data, set)
	assert.True(t, mat.EqualApprox(fdU, s.jacU, 1e-7))

	x0 := mat.VecDenseCopyOf(s.x)
	fdX := mat.NewDense(n, nx, nil)
	fd.Jacobian(fdX, func(y, z []float64) {
		r := mat.NewVecDense(n, y)
		s.assemble(mat.NewVecDense(nx, z), u, r, nil, nil)
	}, x0.RawVector().Data, set)
	assert.True(t, mat.EqualApprox(fdX, s.jacX, 1e-7))
}

func TestDotProduct(t *testing.T) {
	s := newSolver(t, map[string]any{"nonlinearity": 1})
	rng := rand.New(rand.NewPCG(3, 4))
	require.NoError(t, s.SetState(randVec(rng, s.StateSize())))
	for _, block := range []string{solver.StateName, solver.MeshCoordsName} {
		t.Run(block, func(t *testing.T) {
			n, _ := s.FieldSize(block)
			v := randVec(rng, n)
			w := randVec(rng, s.StateSize())
			var jv, jtw mat.VecDense
			if block == solver.StateName {
				require.NoError(t, s.MultStateJac(v, &jv))
				require.NoError(t, s.MultStateJacTranspose(w, &jtw))
			} else {
				require.NoError(t, s.MultFieldJac(block, v, &jv))
				require.NoError(t, s.MultFieldJacTranspose(block, w, &jtw))
			}
			assert.InDelta(t, mat.Dot(&jv, w), mat.Dot(v, &jtw), 1e-12)
		})
	}
}

func TestAdjointSolve(t *testing.T) {
	s := newSolver(t, map[string]any{"nonlinearity": 1})
	u := mat.NewVecDense(s.StateSize(), nil)
	_, err := s.SolveForState(u)
	require.NoError(t, err)

	var lam mat.VecDense
	err = s.InvertStateJacTranspose(u, &lam)
	assert.True(t, errors.Is(err, solver.ErrNotLinearized))

	require.NoError(t, s.SetState(u))
	seed := randVec(rand.New(rand.NewPCG(5, 6)), s.StateSize())
	require.NoError(t, s.InvertStateJacTranspose(seed, &lam))
	var back mat.VecDense
	require.NoError(t, s.MultStateJacTranspose(&lam, &back))
	assert.True(t, mat.EqualApprox(&back, seed, 1e-12))
}

func TestAdjointSolverSettings(t *testing.T) {
	seed := randVec(rand.New(rand.NewPCG(7, 8)), 9)
	solve := func(adj map[string]any) (*mat.VecDense, error) {
		d := doc(map[string]any{"nonlinearity": 1})
		d["adj-solver"] = adj
		s, err := New(d, nil, nil)
		require.NoError(t, err)
		u := mat.NewVecDense(s.StateSize(), nil)
		_, err = s.SolveForState(u)
		require.NoError(t, err)
		require.NoError(t, s.SetState(u))
		var lam mat.VecDense
		return &lam, s.InvertStateJacTranspose(seed, &lam)
	}
	lu, err := solve(map[string]any{"type": "lu"})
	require.NoError(t, err)
	qr, err := solve(map[string]any{"type": "qr"})
	require.NoError(t, err)
	assert.True(t, mat.EqualApprox(lu, qr, 1e-10))

	_, err = solve(map[string]any{"maxiter": 0, "abstol": 1e-300, "reltol": 0})
	assert.ErrorIs(t, err, solver.ErrNotConverged)

	_, err = New(map[string]any{"adj-solver": map[string]any{"type": "cg"}}, nil, nil)
	assert.Error(t, err)
}

func TestOutputs(t *testing.T) {
	s := newSolver(t, map[string]any{"nonlinearity": 0.5, "right-value": 2})
	require.NoError(t, s.CreateOutput(StateIntegral))
	require.NoError(t, s.CreateOutput(BoundaryFlux))
	_, err := s.CalcOutput(StateIntegral, solver.Inputs{})
	assert.True(t, errors.Is(err, solver.ErrUnknownField))

	// Linear profile u = 2x integrates to 1 exactly
	u := mat.NewVecDense(s.StateSize(), nil)
	for i, x := range s.Mesh().Nodes {
		u.SetVec(i, 2*x)
	}
	f, err := s.CalcOutput(StateIntegral, solver.Inputs{solver.StateName: u})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, f, 1e-14)

	// Flux of u = 2x with k = 1 + 0.5u^2 averaged over the last element
	flux, err := s.CalcOutput(BoundaryFlux, solver.Inputs{solver.StateName: u})
	require.NoError(t, err)
	assert.Less(t, flux, -2.0)
}

func TestOutputPartials(t *testing.T) {
	s := newSolver(t, map[string]any{"nonlinearity": 1.2})
	rng := rand.New(rand.NewPCG(7, 8))
	u := randVec(rng, s.StateSize())
	x := mat.VecDenseCopyOf(s.x)
	for _, out := range []string{StateIntegral, BoundaryFlux} {
		require.NoError(t, s.CreateOutput(out))
		for _, wrt := range []string{solver.StateName, solver.MeshCoordsName} {
			t.Run(out+"/"+wrt, func(t *testing.T) {
				var got mat.VecDense
				inputs := solver.Inputs{solver.StateName: u, solver.MeshCoordsName: x}
				require.NoError(t, s.CalcOutputPartial(out, wrt, inputs, &got))

				at := u
				if wrt == solver.MeshCoordsName {
					at = x
				}
				want := fd.Gradient(nil, func(z []float64) float64 {
					in := solver.Inputs{solver.StateName: u, solver.MeshCoordsName: x}
					in[wrt] = mat.NewVecDense(len(z), z)
					f, err := s.CalcOutput(out, in)
					require.NoError(t, err)
					return f
				}, mat.VecDenseCopyOf(at).RawVector().Data, &fd.Settings{Formula: fd.Central})
				assert.True(t, floats.EqualApprox(want, got.RawVector().Data, 1e-7))
			})
		}
	}
}

func TestRegisteredAndMetadata(t *testing.T) {
	h, err := solver.New(Kind, doc(nil), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 9, h.StateSize())
	assert.Equal(t, []string{solver.MeshCoordsName}, h.ExternalFields())
	assert.Equal(t, []string{solver.MeshCoordsName}, h.JacobianBlocks())
	n, ok := h.FieldSize(solver.MeshCoordsName)
	assert.True(t, ok)
	assert.Equal(t, 9, n)

	var dst mat.VecDense
	require.NoError(t, h.SetState(mat.NewVecDense(9, nil)))
	err = h.MultFieldJacTranspose("fill_factor", mat.NewVecDense(9, nil), &dst)
	assert.True(t, errors.Is(err, solver.ErrNoJacobianBlock))

	_, err = New(map[string]any{"problem-opts": map[string]any{"conductivity": -1}}, nil, nil)
	assert.Error(t, err)
	_, err = New(map[string]any{"mesh": map[string]any{"file": "wing.msh"}}, nil, nil)
	assert.Error(t, err)
}
