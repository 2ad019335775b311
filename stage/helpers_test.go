package stage

import (
	"errors"
	"testing"

	"github.com/notargets/DGAdjoint/physics/diffusion"
	"github.com/notargets/DGAdjoint/physics/meshmove"
	"github.com/notargets/DGAdjoint/physics/testinput"
	"github.com/notargets/DGAdjoint/solver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func share(t *testing.T, h solver.Handle, err error) *solver.Shared {
	t.Helper()
	require.NoError(t, err)
	sh := solver.Share(h)
	t.Cleanup(func() { _ = sh.Release() })
	return sh
}

func diffusionDoc(extra map[string]any) map[string]any {
	doc := map[string]any{
		"mesh": map[string]any{"num-nodes": 9},
		"nonlin-solver": map[string]any{
			"abstol": 1e-12,
			"reltol": 1e-14,
		},
		"problem-opts": map[string]any{"nonlinearity": 1.0, "source": 2.0, "right-value": 0.5},
	}
	for k, v := range extra {
		doc[k] = v
	}
	return doc
}

func newDiffusion(t *testing.T, extra map[string]any) *solver.Shared {
	t.Helper()
	h, err := diffusion.New(diffusionDoc(extra), nil, nil)
	return share(t, h, err)
}

func newFixture(t *testing.T) *solver.Shared {
	t.Helper()
	h, err := testinput.New(nil, nil, nil)
	return share(t, h, err)
}

func newMeshMove(t *testing.T) *solver.Shared {
	t.Helper()
	h, err := meshmove.New(map[string]any{
		"mesh":          map[string]any{"num-nodes": 7, "spacing": "gauss-lobatto"},
		"nonlin-solver": map[string]any{"abstol": 1e-12},
	}, nil, nil)
	return share(t, h, err)
}

// meshInputs returns the handle's current mesh coordinates as stage inputs.
func meshInputs(t *testing.T, sh *solver.Shared) Values {
	t.Helper()
	var x mat.VecDense
	require.NoError(t, sh.Handle().GetField(solver.MeshCoordsName, &x))
	return Values{solver.MeshCoordsName: &x}
}

func assertKind(t *testing.T, err error, kind error, name string) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, errors.Is(err, kind), "want %v, got %v", kind, err)
	var se *Error
	require.True(t, errors.As(err, &se))
	if name != "" {
		assert.Equal(t, name, se.Name)
	}
}
