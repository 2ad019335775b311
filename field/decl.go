package field

import "fmt"

// Direction of a declared variable relative to the stage that declares it
type Direction uint8

const (
	DirectionInput Direction = iota
	DirectionOutput
)

// Decl describes one named input or output of a stage.
type Decl struct {
	Name      string
	Direction Direction
	Role      Role
	Size      int
	Scalar    bool
}

// DeclBuilder is a fluent constructor for Decl.
type DeclBuilder struct {
	Decl Decl
}

// Input starts a declaration of a stage input
func Input(name string) *DeclBuilder {
	return &DeclBuilder{Decl: Decl{Name: name, Direction: DirectionInput, Role: External}}
}

// Output starts a declaration of a stage output
func Output(name string) *DeclBuilder {
	return &DeclBuilder{Decl: Decl{Name: name, Direction: DirectionOutput, Role: State}}
}

func (b *DeclBuilder) Role(r Role) *DeclBuilder {
	b.Decl.Role = r
	return b
}

func (b *DeclBuilder) Size(n int) *DeclBuilder {
	b.Decl.Size = n
	return b
}

// Scalar marks the declaration as a single value.
func (b *DeclBuilder) Scalar() *DeclBuilder {
	b.Decl.Scalar = true
	b.Decl.Size = 1
	return b
}

// Validate checks that the declaration is complete.
func (d *Decl) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("declaration name cannot be empty")
	}
	if d.Size <= 0 {
		return fmt.Errorf("declaration %s needs a positive size, got %d", d.Name, d.Size)
	}
	if d.Scalar && d.Size != 1 {
		return fmt.Errorf("scalar %s must have size 1", d.Name)
	}
	return nil
}

// Decls is an ordered set of declarations with lookup by name.
type Decls struct {
	order []string
	byKey map[string]Decl
}

func NewDecls() *Decls {
	return &Decls{byKey: make(map[string]Decl)}
}

// Add validates and appends a declaration; names must be unique.
func (ds *Decls) Add(b *DeclBuilder) error {
	d := b.Decl
	if err := d.Validate(); err != nil {
		return err
	}
	if _, dup := ds.byKey[d.Name]; dup {
		return fmt.Errorf("declaration %s already present", d.Name)
	}
	ds.order = append(ds.order, d.Name)
	ds.byKey[d.Name] = d
	return nil
}

func (ds *Decls) Get(name string) (Decl, bool) {
	d, ok := ds.byKey[name]
	return d, ok
}

// Names returns declaration names in insertion order.
func (ds *Decls) Names() []string {
	out := make([]string, len(ds.order))
	copy(out, ds.order)
	return out
}

func (ds *Decls) Len() int { return len(ds.order) }
