package hashring

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownNode indicates the name is not in the node table.
	ErrUnknownNode = errors.New("unknown node")
	// ErrDuplicateNode indicates a name or host:port is registered twice.
	ErrDuplicateNode = errors.New("duplicate node")
	// ErrInvalidTransition indicates a flag change the lifecycle does not allow.
	ErrInvalidTransition = errors.New("invalid flag transition")
	// ErrNotOnRing indicates a ring query for a node without a ring position.
	ErrNotOnRing = errors.New("node is not on the ring")
	// ErrConsistency marks a violated ring invariant. It signals a bug in ring
	// bookkeeping, never a network failure.
	ErrConsistency = errors.New("ring consistency violation")
	// ErrHashCollision is reported when two identities hash to the same position.
	ErrHashCollision = fmt.Errorf("%w: hash collision", ErrConsistency)
)
