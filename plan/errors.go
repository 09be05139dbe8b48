package plan

import (
	"errors"
	"fmt"
)

// Error sentinels for plan compilation failures.
// These indicate malformed documents or programmer errors; a successfully
// compiled plan never fails at use time.
var (
	// ErrCompile is the base error for compilation failures.
	ErrCompile = errors.New("plan compile failure")

	// ErrNoOperation indicates the document contains no operation and no
	// fragment name was given.
	ErrNoOperation = fmt.Errorf("%w: document has no operation", ErrCompile)

	// ErrUnknownFragment indicates a fragment spread or requested fragment
	// name has no matching definition in the document.
	ErrUnknownFragment = fmt.Errorf("%w: unknown fragment", ErrCompile)

	// ErrFragmentCycle indicates fragment spreads form a cycle.
	ErrFragmentCycle = fmt.Errorf("%w: fragment spread cycle", ErrCompile)
)
