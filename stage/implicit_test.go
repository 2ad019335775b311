package stage

import (
	"bytes"
	"errors"
	"log/slog"
	"math/rand/v2"
	"testing"

	"github.com/notargets/DGAdjoint/logging"
	"github.com/notargets/DGAdjoint/metrics"
	"github.com/notargets/DGAdjoint/physics/testinput"
	"github.com/notargets/DGAdjoint/solver"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestImplicit_Setup(t *testing.T) {
	sh := newDiffusion(t, nil)
	s := NewImplicit("heat", sh, ScalarIC(0))
	require.NoError(t, s.Setup())
	require.NoError(t, s.Setup())

	assert.Equal(t, []string{solver.MeshCoordsName}, s.Inputs().Names())
	d, ok := s.Outputs().Get(solver.StateName)
	require.True(t, ok)
	assert.Equal(t, 9, d.Size)
	assert.True(t, s.Capabilities().Supports(Reverse))
	assert.False(t, s.Capabilities().Supports(Forward))
	assert.Equal(t, Uninitialized, s.Phase())
	_, ok = s.State()
	assert.False(t, ok)
	assert.Equal(t, 2, sh.Refs())
	require.NoError(t, s.Close())
	assert.Equal(t, 1, sh.Refs())
}

func TestImplicit_SetupContract(t *testing.T) {
	sh := newDiffusion(t, nil)
	assertKind(t, NewImplicit("a", sh, nil).Setup(), ErrSetupContract, "initial-condition")
	assertKind(t, NewImplicit("b", sh, VectorIC{1, 2}).Setup(), ErrSetupContract, "initial-condition")
	assertKind(t, NewImplicit("c", sh, FunctionIC(nil)).Setup(), ErrSetupContract, "initial-condition")

	s := NewImplicit("d", sh, ScalarIC(0))
	assertKind(t, s.ConvergeState(meshInputs(t, sh)), ErrOrdering, "")
	require.NoError(t, s.Setup())

	in := meshInputs(t, sh)
	in["fill_factor"] = mat.NewVecDense(1, nil)
	assertKind(t, s.ConvergeState(in), ErrSetupContract, "fill_factor")
	assertKind(t, s.ConvergeState(Values{}), ErrSetupContract, solver.MeshCoordsName)
	err := s.ConvergeState(Values{solver.MeshCoordsName: mat.NewVecDense(3, nil)})
	assertKind(t, err, ErrSetupContract, solver.MeshCoordsName)
	assert.True(t, errors.Is(err, solver.ErrSizeMismatch))
}

func TestImplicit_ResidualWithinTolerance(t *testing.T) {
	sh := newDiffusion(t, nil)
	s := NewImplicit("heat", sh, ScalarIC(0))
	require.NoError(t, s.Setup())
	in := meshInputs(t, sh)
	require.NoError(t, s.ConvergeState(in))
	assert.Equal(t, Converged, s.Phase())

	u, ok := s.State()
	require.True(t, ok)
	r, err := s.EvaluateResidual(in, u)
	require.NoError(t, err)
	assert.LessOrEqual(t, mat.Norm(r, 2), sh.Handle().Options().NonlinSolver.AbsTol)
	assert.InDelta(t, 0.5, u.AtVec(8), 1e-12)

	_, err = s.EvaluateResidual(in, mat.NewVecDense(2, nil))
	assertKind(t, err, ErrSetupContract, solver.StateName)
}

func TestImplicit_ConvergenceFailure(t *testing.T) {
	for _, abort := range []bool{true, false} {
		sh := newDiffusion(t, map[string]any{
			"nonlin-solver": map[string]any{"maxiter": 1, "abstol": 1e-14, "reltol": 1e-14, "abort": abort},
		})
		s := NewImplicit("heat", sh, ScalarIC(0))
		require.NoError(t, s.Setup())
		err := s.ConvergeState(meshInputs(t, sh))
		assertKind(t, err, ErrConvergence, "")
		assert.True(t, errors.Is(err, solver.ErrNotConverged))
		assert.Equal(t, Uninitialized, s.Phase())
		_, ok := s.State()
		assert.False(t, ok)
		_, err = s.Linearize(meshInputs(t, sh))
		assertKind(t, err, ErrOrdering, "")
	}
}

func TestImplicit_InitialConditionAppliedOnce(t *testing.T) {
	sh := newFixture(t)
	calls := 0
	s := NewImplicit("fix", sh, FunctionIC(func(x, u []float64) {
		calls++
		u[0] = x[0]
	}))
	require.NoError(t, s.Setup())
	in := Values{testinput.FieldName: mat.NewVecDense(5, []float64{1, 1, 1, 1, 1})}
	require.NoError(t, s.ConvergeState(in))
	assert.Equal(t, 10, calls)
	require.NoError(t, s.ConvergeState(in))
	assert.Equal(t, 10, calls)
	u, _ := s.State()
	assert.InDelta(t, 1.0, u.AtVec(4), 1e-14)
}

func TestInitialConditions(t *testing.T) {
	v := mat.NewVecDense(4, nil)
	require.NoError(t, ScalarIC(2.5).apply(nil, v))
	assert.Equal(t, []float64{2.5, 2.5, 2.5, 2.5}, v.RawVector().Data)

	require.NoError(t, VectorIC{1, 2}.validate(2))
	require.NoError(t, VectorIC{1, 2}.apply(nil, v))
	assert.Equal(t, []float64{1, 2, 1, 2}, v.RawVector().Data)

	h, err := testinput.New(map[string]any{"problem-opts": map[string]any{"state-size": 3}}, nil, nil)
	require.NoError(t, err)
	w := mat.NewVecDense(3, nil)
	require.NoError(t, FunctionIC(func(x, u []float64) { u[0] = 2 * x[0] }).apply(h, w))
	assert.InDeltaSlice(t, []float64{0, 1, 2}, w.RawVector().Data, 1e-15)
}

func TestImplicit_Ordering(t *testing.T) {
	sh := newFixture(t)
	s := NewImplicit("fix", sh, ScalarIC(0))
	require.NoError(t, s.Setup())
	in := Values{testinput.FieldName: mat.NewVecDense(5, []float64{1, 2, 3, 4, 5})}
	seed := mat.NewVecDense(10, nil)

	_, err := s.ApplyTranspose(seed, Reverse)
	assertKind(t, err, ErrOrdering, "")
	_, err = s.SolveTranspose(seed, Reverse)
	assertKind(t, err, ErrOrdering, "")
	_, err = s.Linearize(in)
	assertKind(t, err, ErrOrdering, "")

	require.NoError(t, s.ConvergeState(in))
	lin, err := s.Linearize(in)
	require.NoError(t, err)
	assert.Equal(t, Linearized, s.Phase())
	_, err = lin.ApplyTranspose(seed, Reverse)
	require.NoError(t, err)
	assert.Equal(t, AdjointReady, s.Phase())

	// Converging again makes the token stale
	require.NoError(t, s.ConvergeState(in))
	_, err = lin.ApplyTranspose(seed, Reverse)
	assertKind(t, err, ErrOrdering, "")
	_, err = s.SolveTranspose(seed, Reverse)
	assertKind(t, err, ErrOrdering, "")

	// Another adapter moving the shared handle does too
	lin, err = s.Linearize(in)
	require.NoError(t, err)
	other := NewImplicit("fix2", sh, ScalarIC(0))
	require.NoError(t, other.Setup())
	require.NoError(t, other.ConvergeState(in))
	_, err = lin.SolveTranspose(seed, Reverse)
	assertKind(t, err, ErrOrdering, "")
	assert.True(t, errors.Is(err, solver.ErrNotLinearized))

	// Re-linearizing recovers
	lin, err = s.Linearize(in)
	require.NoError(t, err)
	_, err = lin.SolveTranspose(seed, Reverse)
	assert.NoError(t, err)

	// A stale token names the adapter holding the linearization now
	olin, err := other.Linearize(in)
	require.NoError(t, err)
	assert.Greater(t, olin.Generation(), lin.Generation())
	_, err = lin.SolveTranspose(seed, Reverse)
	assertKind(t, err, ErrOrdering, "")
	assert.Contains(t, err.Error(), `linearized by "fix2"`)
}

func TestImplicit_ForwardModeAlwaysFails(t *testing.T) {
	sh := newFixture(t)
	s := NewImplicit("fix", sh, ScalarIC(0))
	require.NoError(t, s.Setup())
	in := Values{testinput.FieldName: mat.NewVecDense(5, nil)}
	seed := mat.NewVecDense(10, nil)

	check := func() {
		for i := 0; i < 3; i++ {
			_, err := s.ApplyTranspose(seed, Forward)
			assertKind(t, err, ErrUnsupportedDerivative, "forward")
			_, err = s.SolveTranspose(seed, Forward)
			assertKind(t, err, ErrUnsupportedDerivative, "forward")
		}
	}
	check()
	require.NoError(t, s.ConvergeState(in))
	_, err := s.Linearize(in)
	require.NoError(t, err)
	check()
}

func TestImplicit_UnsupportedInput(t *testing.T) {
	sh := newDiffusion(t, map[string]any{
		"external-fields": map[string]any{"current_density": map[string]any{"size": "field"}},
	})
	s := NewImplicit("heat", sh, ScalarIC(0))
	require.NoError(t, s.Setup())
	assert.Equal(t, []string{"current_density", solver.MeshCoordsName}, s.Inputs().Names())

	in := meshInputs(t, sh)
	in["current_density"] = mat.NewVecDense(9, nil)
	require.NoError(t, s.ConvergeState(in))
	lin, err := s.Linearize(in)
	require.NoError(t, err)
	seed := mat.NewVecDense(9, nil)

	_, err = lin.ApplyTranspose(seed, Reverse, "current_density")
	assertKind(t, err, ErrUnsupportedDerivative, "current_density")
	_, err = lin.ApplyTranspose(seed, Reverse)
	assertKind(t, err, ErrUnsupportedDerivative, "current_density")
	_, err = lin.ApplyTranspose(seed, Reverse, "bogus")
	assertKind(t, err, ErrSetupContract, "bogus")

	parts, err := lin.ApplyTranspose(seed, Reverse, solver.StateName, solver.MeshCoordsName)
	require.NoError(t, err)
	assert.Len(t, parts, 2)
}

// Finite differences of the residual give J v; the transposed actions must
// agree in the dot-product sense.
func TestImplicit_DotProduct(t *testing.T) {
	sh := newDiffusion(t, nil)
	s := NewImplicit("heat", sh, ScalarIC(0))
	require.NoError(t, s.Setup())
	in := meshInputs(t, sh)
	require.NoError(t, s.ConvergeState(in))
	lin, err := s.Linearize(in)
	require.NoError(t, err)

	u0, _ := s.State()
	x0 := in[solver.MeshCoordsName]
	rng := rand.New(rand.NewPCG(21, 22))
	rv := func(n int) *mat.VecDense {
		v := mat.NewVecDense(n, nil)
		for i := 0; i < n; i++ {
			v.SetVec(i, rng.Float64()-0.5)
		}
		return v
	}
	w := rv(9)
	parts, err := lin.ApplyTranspose(w, Reverse)
	require.NoError(t, err)

	const eps = 1e-6
	jvp := func(perturb func(sign float64) (Values, mat.Vector)) *mat.VecDense {
		inP, uP := perturb(1)
		rp, err := s.EvaluateResidual(inP, uP)
		require.NoError(t, err)
		inM, uM := perturb(-1)
		rm, err := s.EvaluateResidual(inM, uM)
		require.NoError(t, err)
		var d mat.VecDense
		d.SubVec(rp, rm)
		d.ScaleVec(0.5/eps, &d)
		return &d
	}

	v := rv(9)
	ju := jvp(func(sign float64) (Values, mat.Vector) {
		var up mat.VecDense
		up.AddScaledVec(u0, sign*eps, v)
		return in, &up
	})
	assert.InDelta(t, mat.Dot(ju, w), mat.Dot(v, parts[solver.StateName]), 1e-7)

	dx := rv(9)
	jx := jvp(func(sign float64) (Values, mat.Vector) {
		var xp mat.VecDense
		xp.AddScaledVec(x0, sign*eps, dx)
		return Values{solver.MeshCoordsName: &xp}, u0
	})
	assert.InDelta(t, mat.Dot(jx, w), mat.Dot(dx, parts[solver.MeshCoordsName]), 1e-7)

	// Residual evaluation does not move the linearization point
	_, err = lin.SolveTranspose(w, Reverse)
	assert.NoError(t, err)
	_, err = s.EvaluateResidual(in, u0)
	require.NoError(t, err)
}

func TestImplicit_Pullback(t *testing.T) {
	sh := newFixture(t)
	s := NewImplicit("fix", sh, ScalarIC(0))
	require.NoError(t, s.Setup())
	in := Values{testinput.FieldName: mat.NewVecDense(5, []float64{1, 2, 3, 4, 5})}
	_, err := s.Pullback(in, Values{solver.StateName: mat.NewVecDense(10, nil)}, []string{testinput.FieldName})
	assertKind(t, err, ErrOrdering, "")

	_, err = s.Compute(in)
	require.NoError(t, err)
	// u = mean(f) so d(sum u)/df_j = 10/5
	ones := mat.NewVecDense(10, nil)
	for i := 0; i < 10; i++ {
		ones.SetVec(i, 1)
	}
	got, err := s.Pullback(in, Values{solver.StateName: ones}, []string{testinput.FieldName})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{2, 2, 2, 2, 2}, got[testinput.FieldName].(*mat.VecDense).RawVector().Data, 1e-13)

	none, err := s.Pullback(in, Values{}, []string{testinput.FieldName})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestImplicit_LogsAndMetrics(t *testing.T) {
	var buf bytes.Buffer
	reg := prometheus.NewRegistry()
	rec, err := metrics.New(reg)
	require.NoError(t, err)

	sh := newFixture(t)
	s := NewImplicit("fix", sh, ScalarIC(0),
		WithLogger(logging.NewWriter(&buf, slog.LevelDebug)), WithMetrics(rec))
	require.NoError(t, s.Setup())
	in := Values{testinput.FieldName: mat.NewVecDense(5, nil)}
	require.NoError(t, s.ConvergeState(in))
	_, err = s.ApplyTranspose(mat.NewVecDense(10, nil), Forward)
	require.Error(t, err)

	assert.Contains(t, buf.String(), "stage=fix")
	assert.Contains(t, buf.String(), "converged")
	assert.Contains(t, buf.String(), "err=")

	fams, err := reg.Gather()
	require.NoError(t, err)
	counts := map[string]float64{}
	for _, fam := range fams {
		for _, m := range fam.GetMetric() {
			if m.GetCounter() != nil {
				counts[fam.GetName()] += m.GetCounter().GetValue()
			}
		}
	}
	assert.Equal(t, 1., counts["dgadjoint_stage_failures_total"])
	assert.GreaterOrEqual(t, counts["dgadjoint_stage_ops_total"], 2.)
}
