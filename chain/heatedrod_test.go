package chain

import (
	"bytes"
	"log/slog"
	"math"
	"testing"

	"github.com/notargets/DGAdjoint/logging"
	_ "github.com/notargets/DGAdjoint/physics/diffusion"
	_ "github.com/notargets/DGAdjoint/physics/meshmove"
	"github.com/notargets/DGAdjoint/stage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func buildFile(t *testing.T, path string) (*Chain, Config) {
	t.Helper()
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	c, err := Build(cfg, nil, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, cfg
}

func TestHeatedRod(t *testing.T) {
	c, cfg := buildFile(t, "../examples/heated_rod.yaml")
	assert.Equal(t, []string{"move", "pde", "integral", "flux"}, c.Order())
	assert.Equal(t, map[string]int{"move.surface-displacement": 9}, c.Params())
	assert.Equal(t, 1e-5, cfg.Check.Step)

	params, err := c.ParamVectors(cfg.Params)
	require.NoError(t, err)
	res, err := c.Run(params)
	require.NoError(t, err)
	y := res["move.volume-mesh-coordinates"]
	assert.InDelta(t, -0.05, y.AtVec(0), 1e-12)
	assert.InDelta(t, 1.2, y.AtVec(8), 1e-12)
	assert.InDelta(t, 0.25, res["pde.state"].AtVec(8), 1e-12)
	assert.Greater(t, res["integral.state-integral"].AtVec(0), 0.)

	for _, of := range []string{"integral.state-integral", "flux.boundary-flux"} {
		checks, err := c.CheckTotals(params, of, cfg.Check.Wrt, cfg.Check.Step)
		require.NoError(t, err)
		require.Len(t, checks, 1)
		assert.Less(t, checks[0].RelErr, 1e-6, of)
		// Interior displacements do not move the mesh
		for i := 1; i < 8; i++ {
			assert.Equal(t, 0., checks[0].Adjoint[i])
		}
		assert.Greater(t, math.Abs(checks[0].Adjoint[8]), 1e-3)
	}
}

func TestHeatedRodGeometry(t *testing.T) {
	c, cfg := buildFile(t, "../examples/heated_rod_geometry.yaml")
	assert.Equal(t, []string{"geom", "move", "pde", "integral"}, c.Order())
	assert.Equal(t, []string{"geom.scale", "geom.shift-x"}, c.ParamNames())

	params, err := c.ParamVectors(cfg.Params)
	require.NoError(t, err)
	res, err := c.Run(params)
	require.NoError(t, err)
	// x' = 1.5 x + 0.1 at the boundary
	y := res["move.volume-mesh-coordinates"]
	assert.InDelta(t, 0.1, y.AtVec(0), 1e-12)
	assert.InDelta(t, 1.6, y.AtVec(8), 1e-12)

	_, err = c.Totals(cfg.Check.Of, cfg.Check.Wrt...)
	assert.ErrorIs(t, err, stage.ErrUnsupportedDerivative)

	// Cutting below the geometry stage still works
	tot, err := c.Totals(cfg.Check.Of, "move.surface-displacement")
	require.NoError(t, err)
	assert.Equal(t, 9, tot["move.surface-displacement"].Len())
}

func TestHeatedRodPassThroughWarns(t *testing.T) {
	cfg, err := LoadConfig("../examples/heated_rod.yaml")
	require.NoError(t, err)
	for i := range cfg.Stages {
		if cfg.Stages[i].Type == TypeMeshMovement {
			cfg.Stages[i].Policy = "pass-through"
		}
	}
	var buf bytes.Buffer
	c, err := Build(cfg, nil, logging.NewWriter(&buf, slog.LevelWarn), nil)
	require.NoError(t, err)
	defer c.Close()

	params, err := c.ParamVectors(cfg.Params)
	require.NoError(t, err)
	_, err = c.Run(params)
	require.NoError(t, err)
	assert.Empty(t, buf.String())

	_, err = c.Totals(cfg.Check.Of, cfg.Check.Wrt...)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "pass-through mesh movement on derivative path")
	assert.Contains(t, buf.String(), "stage=move")
}

func TestBuildErrors(t *testing.T) {
	base := func() map[string]any {
		return map[string]any{
			"handles": map[string]any{"heat": map[string]any{"kind": "Diffusion"}},
			"stages": []any{
				map[string]any{"name": "pde", "type": "implicit", "handle": "heat"},
			},
		}
	}
	cfg, err := DecodeConfig(base())
	require.NoError(t, err)
	c, err := Build(cfg, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"pde.mesh-coords": 11}, c.Params())
	_, err = c.ParamVectors(map[string][]float64{"pde.mesh-coords": {1, 2}})
	assert.ErrorIs(t, err, ErrInvalidChain)
	require.NoError(t, c.Close())

	doc := base()
	doc["stages"] = []any{map[string]any{"name": "pde", "type": "explicit", "handle": "heat"}}
	cfg, err = DecodeConfig(doc)
	require.NoError(t, err)
	_, err = Build(cfg, nil, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidChain)

	doc = base()
	doc["stages"] = []any{map[string]any{"name": "pde", "type": "implicit", "handle": "cool"}}
	cfg, err = DecodeConfig(doc)
	require.NoError(t, err)
	_, err = Build(cfg, nil, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidChain)

	doc = base()
	doc["handles"] = map[string]any{"heat": map[string]any{"kind": "Plasma"}}
	cfg, err = DecodeConfig(doc)
	require.NoError(t, err)
	_, err = Build(cfg, nil, nil, nil)
	assert.Error(t, err)

	doc = base()
	doc["colour"] = "blue"
	_, err = DecodeConfig(doc)
	assert.Error(t, err)
}

func TestParamVectorsBroadcast(t *testing.T) {
	c, _ := diamond(t)
	p, err := c.ParamVectors(map[string][]float64{"a.x": {2}})
	require.NoError(t, err)
	assert.True(t, mat.Equal(p["a.x"], mat.NewVecDense(1, []float64{2})))
	_, err = c.ParamVectors(map[string][]float64{"q.x": {2}})
	assert.ErrorIs(t, err, ErrInvalidChain)
}
