package executor

import (
	"errors"
	"fmt"

	"github.com/hanpama/planexec/internal/plan"
)

var (
	// ErrUnsupportedNode is matched by *UnsupportedNodeError.
	ErrUnsupportedNode = errors.New("executor: unsupported execution node type")
	// ErrPoolAlreadySet is returned when WithPool is given twice.
	ErrPoolAlreadySet = errors.New("executor: concurrent execution pool already set")
	// ErrNilNode is returned for a missing root or child node.
	ErrNilNode = errors.New("executor: nil execution node")
	// ErrNotBoolean is returned when a condition renders something other
	// than true or false.
	ErrNotBoolean = errors.New("executor: condition is not a boolean")
	// ErrMissingCrossStoreDetails is returned for a graph fetch child level
	// without cross-store details.
	ErrMissingCrossStoreDetails = errors.New("executor: graph fetch child without cross-store details")
)

// UnsupportedNodeError reports a node kind nothing can execute.
type UnsupportedNodeError struct {
	Kind plan.NodeKind
}

func (e *UnsupportedNodeError) Error() string {
	return fmt.Sprintf("Unsupported execution node type '%s'", e.Kind)
}

func (e *UnsupportedNodeError) Is(target error) bool { return target == ErrUnsupportedNode }

// ChildCountError reports a node with the wrong number of children.
type ChildCountError struct {
	Kind plan.NodeKind
	Want int
	Got  int
}

func (e *ChildCountError) Error() string {
	return fmt.Sprintf("%s node needs %d child node(s), got %d", e.Kind, e.Want, e.Got)
}
