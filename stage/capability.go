package stage

import "strings"

// Mode is a differentiation mode.
type Mode uint8

const (
	Forward Mode = iota
	Reverse
)

func (m Mode) String() string {
	switch m {
	case Forward:
		return "forward"
	case Reverse:
		return "reverse"
	}
	return "unknown"
}

// Capabilities is the set of differentiation modes a stage supports.
type Capabilities uint8

// Support builds a capability set.
func Support(modes ...Mode) Capabilities {
	var c Capabilities
	for _, m := range modes {
		c |= 1 << m
	}
	return c
}

func (c Capabilities) Supports(m Mode) bool { return c&(1<<m) != 0 }

func (c Capabilities) String() string {
	var modes []string
	for _, m := range []Mode{Forward, Reverse} {
		if c.Supports(m) {
			modes = append(modes, m.String())
		}
	}
	if len(modes) == 0 {
		return "none"
	}
	return strings.Join(modes, "|")
}
