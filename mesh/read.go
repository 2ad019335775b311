package mesh

import (
	"fmt"

	"github.com/notargets/gocfd/DG3D/mesh/readers"
)

// ReadFile loads the tetrahedra of a 3D mesh file (Gambit neutral, Gmsh,
// SU2; whatever the gocfd readers recognize). Non-tet elements are skipped.
func ReadFile(path string) (*Mesh, error) {
	msh, err := readers.ReadMeshFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mesh %s: %w", path, err)
	}
	nodes := make([]float64, 0, 3*len(msh.Vertices))
	for _, v := range msh.Vertices {
		nodes = append(nodes, v[0], v[1], v[2])
	}
	var etov [][]int
	for _, ev := range msh.EtoV {
		if len(ev) != Tet.NumVertices() {
			continue
		}
		tet := make([]int, len(ev))
		for i, v := range ev {
			tet[i] = int(v)
		}
		etov = append(etov, tet)
	}
	if len(etov) == 0 {
		return nil, fmt.Errorf("mesh file %s does not have any tets", path)
	}
	return New(3, Tet, nodes, etov)
}
