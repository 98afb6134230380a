package stack

import (
	"fmt"

	"github.com/stratis-storage/stratisd-engine/pkg/stratiserr"
)

// Stack binds a Graph to the Backend that will realize it, and
// implements the start/stop/grow orchestration spec.md §4.3 contracts:
// tables are emitted and loaded bottom-up on Start, removed top-down
// on Stop, and an individual node is suspended, reloaded, and resumed
// on Grow so the thin-pool driver sees contiguous expansion without
// interruption.
type Stack struct {
	Graph   *Graph
	Backend *Backend
}

// New binds a graph to a backend.
func New(g *Graph, b *Backend) *Stack {
	return &Stack{Graph: g, Backend: b}
}

// Start loads every DM node bottom-up. BD nodes are raw devices and
// are skipped: they are never DM targets themselves.
func (s *Stack) Start() error {
	for _, n := range s.Graph.NodesInStartOrder() {
		if n.Kind == NodeBD {
			continue
		}
		table, err := s.Graph.RenderTable(n.Name)
		if err != nil {
			return stratiserr.Wrap(stratiserr.KindInternal, "stack: render table", err)
		}
		if err := s.Backend.Load(n.Name, table); err != nil {
			return stratiserr.Wrap(stratiserr.KindEnvironment, fmt.Sprintf("stack: load %s", n.Name), err)
		}
	}
	return nil
}

// Stop removes every DM node top-down.
func (s *Stack) Stop() error {
	for _, n := range s.Graph.NodesInStopOrder() {
		if n.Kind == NodeBD {
			continue
		}
		if err := s.Backend.Remove(n.Name); err != nil {
			return stratiserr.Wrap(stratiserr.KindEnvironment, fmt.Sprintf("stack: remove %s", n.Name), err)
		}
	}
	return nil
}

// StartNode loads a single node already present in the graph, e.g. a
// NodeThinVolume pkg/pool just added for a newly created filesystem.
// Unlike Start, it does not walk the whole graph: the node's children
// are assumed already loaded.
func (s *Stack) StartNode(nodeName string) error {
	n, ok := s.Graph.Node(nodeName)
	if !ok {
		return stratiserr.New(stratiserr.KindInternal, fmt.Sprintf("stack: unknown node %q", nodeName))
	}
	if n.Kind == NodeBD {
		return nil
	}
	table, err := s.Graph.RenderTable(nodeName)
	if err != nil {
		return stratiserr.Wrap(stratiserr.KindInternal, "stack: render table", err)
	}
	if err := s.Backend.Load(nodeName, table); err != nil {
		return stratiserr.Wrap(stratiserr.KindEnvironment, fmt.Sprintf("stack: load %s", nodeName), err)
	}
	return nil
}

// StopNode removes a single node and drops it from the graph, e.g. on
// filesystem destroy.
func (s *Stack) StopNode(nodeName string) error {
	n, ok := s.Graph.Node(nodeName)
	if !ok {
		return nil
	}
	if n.Kind != NodeBD {
		if err := s.Backend.Remove(nodeName); err != nil {
			return stratiserr.Wrap(stratiserr.KindEnvironment, fmt.Sprintf("stack: remove %s", nodeName), err)
		}
	}
	s.Graph.RemoveNode(nodeName)
	return nil
}

// Grow suspends nodeName, reloads it with an extended table, and
// resumes it, per spec.md §4.3's "existing tables are suspended,
// reloaded with the extended table, and resumed" contract. Grow does
// not change the node's recorded Sectors; the caller updates that so a
// subsequent RenderTable of a parent reflects the new size.
func (s *Stack) Grow(nodeName, newTable string) error {
	if err := s.Backend.Suspend(nodeName); err != nil {
		return stratiserr.Wrap(stratiserr.KindEnvironment, fmt.Sprintf("stack: suspend %s", nodeName), err)
	}
	if err := s.Backend.Reload(nodeName, newTable); err != nil {
		return stratiserr.Wrap(stratiserr.KindEnvironment, fmt.Sprintf("stack: reload %s", nodeName), err)
	}
	if err := s.Backend.Resume(nodeName); err != nil {
		return stratiserr.Wrap(stratiserr.KindInternal, fmt.Sprintf("stack: resume %s after reload", nodeName), err)
	}
	return nil
}
