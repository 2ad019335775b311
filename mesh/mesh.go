package mesh

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// ElementType identifies the shape of the (single) element type in a mesh
type ElementType uint8

const (
	Line ElementType = iota
	Tri
	Tet
)

func (t ElementType) String() string {
	switch t {
	case Line:
		return "Line"
	case Tri:
		return "Tri"
	case Tet:
		return "Tet"
	default:
		return fmt.Sprintf("ElementType(%d)", uint8(t))
	}
}

// NumVertices is the number of vertices per element.
func (t ElementType) NumVertices() int {
	switch t {
	case Line:
		return 2
	case Tri:
		return 3
	case Tet:
		return 4
	default:
		return 0
	}
}

// Local face and edge definitions per element type
var (
	faceVertices = map[ElementType][][]int{
		Line: {{0}, {1}},
		Tri:  {{0, 1}, {1, 2}, {2, 0}},
		Tet:  {{0, 1, 2}, {0, 1, 3}, {1, 2, 3}, {0, 2, 3}},
	}
	edgeVertices = map[ElementType][][2]int{
		Line: {{0, 1}},
		Tri:  {{0, 1}, {1, 2}, {2, 0}},
		Tet:  {{0, 1}, {1, 2}, {2, 0}, {0, 3}, {1, 3}, {2, 3}},
	}
)

// Mesh is an unstructured single-type mesh. Node coordinates are stored
// node-major: node i occupies Nodes[i*Dim : (i+1)*Dim].
type Mesh struct {
	Dim   int
	Type  ElementType
	Nodes []float64
	EToV  [][]int
}

// New validates and wraps the given connectivity and coordinates.
func New(dim int, typ ElementType, nodes []float64, etov [][]int) (*Mesh, error) {
	if dim < 1 || dim > 3 {
		return nil, fmt.Errorf("mesh dimension must be 1, 2 or 3, got %d", dim)
	}
	if len(nodes) == 0 || len(nodes)%dim != 0 {
		return nil, fmt.Errorf("node array length %d is not a positive multiple of dim %d", len(nodes), dim)
	}
	nv := typ.NumVertices()
	if nv == 0 {
		return nil, fmt.Errorf("unsupported element type %s", typ)
	}
	nn := len(nodes) / dim
	for k, ev := range etov {
		if len(ev) != nv {
			return nil, fmt.Errorf("element %d has %d vertices, %s needs %d", k, len(ev), typ, nv)
		}
		for _, v := range ev {
			if v < 0 || v >= nn {
				return nil, fmt.Errorf("element %d references node %d outside [0,%d)", k, v, nn)
			}
		}
	}
	return &Mesh{Dim: dim, Type: typ, Nodes: nodes, EToV: etov}, nil
}

func (m *Mesh) NumNodes() int    { return len(m.Nodes) / m.Dim }
func (m *Mesh) NumElements() int { return len(m.EToV) }

// Size is the length of the flattened coordinate vector.
func (m *Mesh) Size() int { return len(m.Nodes) }

// Node returns the coordinates of node i (aliasing the mesh storage).
func (m *Mesh) Node(i int) []float64 {
	return m.Nodes[i*m.Dim : (i+1)*m.Dim]
}

// Coordinates returns a copy of the flattened node coordinates.
func (m *Mesh) Coordinates() *mat.VecDense {
	return mat.NewVecDense(len(m.Nodes), append([]float64(nil), m.Nodes...))
}

// SetCoordinates overwrites the node coordinates from v.
func (m *Mesh) SetCoordinates(v mat.Vector) error {
	if v.Len() != len(m.Nodes) {
		return fmt.Errorf("coordinate vector length %d does not match mesh size %d", v.Len(), len(m.Nodes))
	}
	for i := range m.Nodes {
		m.Nodes[i] = v.AtVec(i)
	}
	return nil
}

// Clone returns a deep copy.
func (m *Mesh) Clone() *Mesh {
	etov := make([][]int, len(m.EToV))
	for k, ev := range m.EToV {
		etov[k] = append([]int(nil), ev...)
	}
	return &Mesh{
		Dim:   m.Dim,
		Type:  m.Type,
		Nodes: append([]float64(nil), m.Nodes...),
		EToV:  etov,
	}
}

// Edges returns the unique vertex pairs (lo, hi) of all element edges,
// sorted.
func (m *Mesh) Edges() [][2]int {
	seen := make(map[[2]int]struct{})
	for _, ev := range m.EToV {
		for _, e := range edgeVertices[m.Type] {
			a, b := ev[e[0]], ev[e[1]]
			if a > b {
				a, b = b, a
			}
			seen[[2]int{a, b}] = struct{}{}
		}
	}
	edges := make([][2]int, 0, len(seen))
	for e := range seen {
		edges = append(edges, e)
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i][0] != edges[j][0] {
			return edges[i][0] < edges[j][0]
		}
		return edges[i][1] < edges[j][1]
	})
	return edges
}

// BoundaryNodes returns, sorted, the nodes lying on a face that belongs to
// exactly one element.
func (m *Mesh) BoundaryNodes() []int {
	type faceKey [3]int
	count := make(map[faceKey]int)
	verts := make(map[faceKey][]int)
	for _, ev := range m.EToV {
		for _, fv := range faceVertices[m.Type] {
			v := make([]int, len(fv))
			for i, lv := range fv {
				v[i] = ev[lv]
			}
			sort.Ints(v)
			key := faceKey{-1, -1, -1}
			copy(key[:], v)
			count[key]++
			verts[key] = v
		}
	}
	onBoundary := make(map[int]struct{})
	for key, c := range count {
		if c == 1 {
			for _, v := range verts[key] {
				onBoundary[v] = struct{}{}
			}
		}
	}
	out := make([]int, 0, len(onBoundary))
	for v := range onBoundary {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

// EdgeLength is the distance between nodes a and b.
func (m *Mesh) EdgeLength(a, b int) float64 {
	var s float64
	pa, pb := m.Node(a), m.Node(b)
	for d := range pa {
		dx := pb[d] - pa[d]
		s += dx * dx
	}
	return math.Sqrt(s)
}

func (m *Mesh) String() string {
	return fmt.Sprintf("Mesh{dim=%d type=%s nodes=%d elements=%d}",
		m.Dim, m.Type, m.NumNodes(), m.NumElements())
}
