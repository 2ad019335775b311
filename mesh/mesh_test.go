package mesh

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestNewLine(t *testing.T) {
	m, err := NewLine(5, 0, 2, Uniform)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Dim)
	assert.Equal(t, 5, m.NumNodes())
	assert.Equal(t, 4, m.NumElements())
	assert.InDeltaSlice(t, []float64{0, 0.5, 1, 1.5, 2}, m.Nodes, 1e-14)
	assert.Equal(t, []int{0, 4}, m.BoundaryNodes())
	assert.Len(t, m.Edges(), 4)
}

func TestNewLineGaussLobatto(t *testing.T) {
	m, err := NewLine(6, -1, 3, GaussLobatto)
	require.NoError(t, err)
	assert.Equal(t, -1., m.Nodes[0])
	assert.Equal(t, 3., m.Nodes[5])
	for i := 1; i < 6; i++ {
		assert.Greater(t, m.Nodes[i], m.Nodes[i-1])
	}
	// Clustered towards the ends
	assert.Less(t, m.Nodes[1]-m.Nodes[0], m.Nodes[3]-m.Nodes[2])
	// Symmetric about the midpoint
	assert.InDelta(t, m.Nodes[1]-m.Nodes[0], m.Nodes[5]-m.Nodes[4], 1e-12)
}

func TestNewLineErrors(t *testing.T) {
	_, err := NewLine(1, 0, 1, Uniform)
	assert.Error(t, err)
	_, err = NewLine(3, 1, 1, Uniform)
	assert.Error(t, err)
	_, err = NewLine(3, 0, 1, "chebyshev")
	assert.Error(t, err)
}

func TestNewValidation(t *testing.T) {
	_, err := New(2, Tri, []float64{0, 0, 1, 0, 0, 1}, [][]int{{0, 1, 3}})
	assert.Error(t, err)
	_, err = New(2, Tri, []float64{0, 0, 1, 0, 0}, [][]int{{0, 1, 2}})
	assert.Error(t, err)
	_, err = New(2, Tri, []float64{0, 0, 1, 0, 0, 1}, [][]int{{0, 1}})
	assert.Error(t, err)
	_, err = New(4, Tri, []float64{0, 0, 0, 0}, nil)
	assert.Error(t, err)
}

func TestTriBoundary(t *testing.T) {
	// Unit square split into 4 triangles around a center node (4)
	nodes := []float64{
		0, 0,
		1, 0,
		1, 1,
		0, 1,
		0.5, 0.5,
	}
	etov := [][]int{{0, 1, 4}, {1, 2, 4}, {2, 3, 4}, {3, 0, 4}}
	m, err := New(2, Tri, nodes, etov)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3}, m.BoundaryNodes())
	assert.Len(t, m.Edges(), 8)
	assert.InDelta(t, 1., m.EdgeLength(0, 1), 1e-15)
	assert.InDelta(t, 0.7071067811865476, m.EdgeLength(0, 4), 1e-15)
}

func TestTetBoundary(t *testing.T) {
	// Two tets sharing face (1,2,3)
	nodes := []float64{
		0, 0, 0,
		1, 0, 0,
		0, 1, 0,
		0, 0, 1,
		1, 1, 1,
	}
	etov := [][]int{{0, 1, 2, 3}, {1, 2, 3, 4}}
	m, err := New(3, Tet, nodes, etov)
	require.NoError(t, err)
	// Every node touches an unshared face
	assert.Equal(t, []int{0, 1, 2, 3, 4}, m.BoundaryNodes())
	// 6 + 6 - 3 shared
	assert.Len(t, m.Edges(), 9)
}

func TestCoordinates(t *testing.T) {
	m, err := NewLine(3, 0, 1, Uniform)
	require.NoError(t, err)
	c := m.Coordinates()
	c.SetVec(1, 0.25)
	assert.Equal(t, 0.5, m.Nodes[1], "Coordinates returns a copy")

	require.NoError(t, m.SetCoordinates(c))
	assert.Equal(t, 0.25, m.Nodes[1])
	assert.Error(t, m.SetCoordinates(mat.NewVecDense(2, nil)))

	cl := m.Clone()
	cl.Nodes[0] = -1
	cl.EToV[0][0] = 2
	assert.Equal(t, 0., m.Nodes[0])
	assert.Equal(t, 0, m.EToV[0][0])
}

func TestReadFileMissing(t *testing.T) {
	_, err := ReadFile(filepath.Join(t.TempDir(), "nope.neu"))
	assert.Error(t, err)
}

const oneTet = `$MeshFormat
2.2 0 8
$EndMeshFormat
$Nodes
4
1 0 0 0
2 1 0 0
3 0 1 0
4 0 0 1
$EndNodes
$Elements
1
1 4 2 0 1 1 2 3 4
$EndElements
`

func TestReadFileGmsh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tet.msh")
	require.NoError(t, os.WriteFile(path, []byte(oneTet), 0o644))

	m, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 3, m.Dim)
	assert.Equal(t, Tet, m.Type)
	assert.Equal(t, 4, m.NumNodes())
	assert.Equal(t, 1, m.NumElements())
	assert.Equal(t, []int{0, 1, 2, 3}, m.BoundaryNodes())
	assert.Equal(t, []float64{0, 0, 1}, m.Node(3))
	assert.Len(t, m.Edges(), 6)
}

func TestReadFileUnsupported(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tet.vtk")
	require.NoError(t, os.WriteFile(path, []byte(oneTet), 0o644))
	_, err := ReadFile(path)
	assert.Error(t, err)
}
