package cluster

import (
	"errors"
	"fmt"

	"github.com/arohanajit/kvstore-ecs/internal/hashring"
)

var (
	// ErrUnexpectedResponse is returned when a node answers with the wrong marker
	ErrUnexpectedResponse = errors.New("unexpected response")
	// ErrClusterTooSmall refuses removals that would shrink the ring below its floor
	ErrClusterTooSmall = errors.New("too few nodes on the ring")
	// ErrNoIdleNode is returned when no configured node is available to add
	ErrNoIdleNode = errors.New("no idle node available")
	// ErrConsistency is the ring's internal invariant violation
	ErrConsistency = hashring.ErrConsistency
)

// TransportError is a failed RPC to one storage node
type TransportError struct {
	Node   string
	Addr   string
	Status StatusCode
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s to %s (%s): %v", e.Status, e.Node, e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RemoteError is an ERROR response from a storage node
type RemoteError struct {
	Status  StatusCode
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("node replied %s: %s", e.Status, e.Message)
}

// PolicyError is a membership operation refused before any state changed
type PolicyError struct {
	Op  string
	Err error
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("%s refused: %v", e.Op, e.Err)
}

func (e *PolicyError) Unwrap() error {
	return e.Err
}

// IsPolicyError reports whether err, or any error it wraps, is a PolicyError
func IsPolicyError(err error) bool {
	var pe *PolicyError
	return errors.As(err, &pe)
}
