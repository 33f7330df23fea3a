package session

import "github.com/rsclarke/sebcoord/internal/types"

// predecessors maps each status to the statuses it may be entered from.
var predecessors = map[types.ConnectionStatus][]types.ConnectionStatus{
	types.StatusEstablished: {types.StatusConnectionRequested},
	types.StatusActive:      {types.StatusEstablished},
	types.StatusClosed:      {types.StatusEstablished, types.StatusActive},
	types.StatusAborted:     {types.StatusConnectionRequested, types.StatusEstablished, types.StatusActive},
}

// CanTransition reports whether a connection in status from may move to status to.
func CanTransition(from, to types.ConnectionStatus) bool {
	for _, p := range predecessors[to] {
		if p == from {
			return true
		}
	}
	return false
}
