package chain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidChain = errors.New("invalid chain")
	ErrCycle        = errors.New("chain has a cycle")
)

// ChainError reports a wiring failure found while assembling or validating
// a chain.
type ChainError struct {
	Kind error
	Msg  string
}

func (e *ChainError) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *ChainError) Unwrap() error { return e.Kind }

func invalidf(format string, args ...any) error {
	return &ChainError{Kind: ErrInvalidChain, Msg: fmt.Sprintf(format, args...)}
}

func cycleError(path []string) error {
	msg := "cycle"
	if len(path) > 0 {
		msg = "cycle: " + strings.Join(path, " -> ")
	}
	return &ChainError{Kind: ErrCycle, Msg: msg}
}
