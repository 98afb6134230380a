/*
Package stack models the layered device-mapper graph described in
spec.md §4.3: raw block devices composed through linear concatenation,
optional encryption and caching, a thin-pool, and one thin volume per
filesystem.

Per spec.md §9 ("Cyclic graphs"), the graph is a DAG of typed nodes
that hold the *names* of their children only, never pointers; a
Graph owns every node by name in a flat map, the way pkg/manager's
WarrenFSM owns cluster objects by ID in a single map rather than
letting objects hold pointers to each other. The graph is always
re-derived from {device list, allocator state, filesystem list}; no
DM table string is ever persisted (spec.md §4.3's explicit contract).
*/
package stack

import (
	"fmt"
	"strings"

	"github.com/stratis-storage/stratisd-engine/pkg/unit"
)

// NodeKind discriminates the kind of DM (or pass-through raw device)
// node. The set is closed: every layer spec.md §4.3 names has exactly
// one NodeKind.
type NodeKind string

const (
	NodeBD         NodeKind = "bd"
	NodeCrypt      NodeKind = "crypt"
	NodeLinear     NodeKind = "linear"
	NodeCache      NodeKind = "cache"
	NodeThinPool   NodeKind = "thinpool"
	NodeThinVolume NodeKind = "thinvolume"
)

// Segment is one concatenated run of a Linear node: `Extent` sectors
// of the backing node named `Child`.
type Segment struct {
	Child  string
	Extent unit.Extent
}

// Node is one vertex of the layered graph. Only forward references
// (Children, Segments) are stored; nothing points back to a parent.
type Node struct {
	Name     string
	Kind     NodeKind
	Children []string
	Segments []Segment // Linear only

	Sectors unit.Sector // total length this node presents upward

	BDPath      string // NodeBD only: host device path
	CryptKeyHex string // NodeCrypt only: data-encryption key, hex-encoded

	BlockSizeSectors unit.Sector // NodeCache/NodeThinPool only
	LowWaterSectors  unit.Sector // NodeThinPool only
	ThinID           unit.ThinID // NodeThinVolume only
}

// Graph is the full set of nodes composing one pool's device stack.
type Graph struct {
	nodes map[string]*Node
	order []string // bottom-up build order; NodesInStartOrder/StopOrder derive from this
}

func newGraph() *Graph {
	return &Graph{nodes: make(map[string]*Node)}
}

func (g *Graph) add(n *Node) {
	g.nodes[n.Name] = n
	g.order = append(g.order, n.Name)
}

// AddNode appends a node built outside BuildGraph, e.g. the
// NodeThinVolume pkg/pool adds when a filesystem is created after a
// pool is already running. It is placed last in start order, which is
// always correct for a thin volume: its only child, the thin-pool
// node, is already loaded.
func (g *Graph) AddNode(n *Node) {
	g.add(n)
}

// RemoveNode drops a node from the graph, e.g. on filesystem destroy.
// It does not reorder or renumber the remaining nodes.
func (g *Graph) RemoveNode(name string) {
	delete(g.nodes, name)
	for i, n := range g.order {
		if n == name {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
}

// Node looks up a node by name.
func (g *Graph) Node(name string) (*Node, bool) {
	n, ok := g.nodes[name]
	return n, ok
}

// NodesInStartOrder returns every node bottom-up: the order tables
// must be emitted and loaded on pool start, per spec.md §4.3.
func (g *Graph) NodesInStartOrder() []*Node {
	out := make([]*Node, 0, len(g.order))
	for _, name := range g.order {
		out = append(out, g.nodes[name])
	}
	return out
}

// NodesInStopOrder returns every node top-down: the order devices must
// be removed on pool stop, per spec.md §4.3.
func (g *Graph) NodesInStopOrder() []*Node {
	start := g.NodesInStartOrder()
	out := make([]*Node, len(start))
	for i, n := range start {
		out[len(start)-1-i] = n
	}
	return out
}

// devicePath resolves the path a parent node's table should reference
// for child: the raw host path for a leaf BD, or the DM device path
// a previously-loaded node is addressable at otherwise.
func (g *Graph) devicePath(name string) (string, error) {
	return g.DevicePath(name)
}

// DevicePath resolves the host path a node is addressable at: the raw
// device path for a leaf BD, or its DM device-mapper node otherwise.
// pkg/engine uses this to resolve a thin volume's devnode target for
// the symlinks it maintains at spec.md §6.3.
func (g *Graph) DevicePath(name string) (string, error) {
	n, ok := g.nodes[name]
	if !ok {
		return "", fmt.Errorf("stack: unknown node %q", name)
	}
	if n.Kind == NodeBD {
		return n.BDPath, nil
	}
	return "/dev/mapper/" + name, nil
}

// RenderTable produces the dmsetup table text for a node. BD nodes
// have no table: they are the raw device itself, never loaded via DM.
func (g *Graph) RenderTable(name string) (string, error) {
	n, ok := g.nodes[name]
	if !ok {
		return "", fmt.Errorf("stack: unknown node %q", name)
	}

	switch n.Kind {
	case NodeBD:
		return "", fmt.Errorf("stack: %q is a raw device, not a DM target", name)

	case NodeCrypt:
		backing, err := g.devicePath(n.Children[0])
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("0 %d crypt aes-xts-plain64 %s 0 %s 0", n.Sectors, n.CryptKeyHex, backing), nil

	case NodeLinear:
		lines := make([]string, 0, len(n.Segments))
		var cursor unit.Sector
		for _, seg := range n.Segments {
			backing, err := g.devicePath(seg.Child)
			if err != nil {
				return "", err
			}
			lines = append(lines, fmt.Sprintf("%d %d linear %s %d", cursor, seg.Extent.Length, backing, seg.Extent.Start))
			cursor += seg.Extent.Length
		}
		return strings.Join(lines, "\n"), nil

	case NodeCache:
		if len(n.Children) != 3 {
			return "", fmt.Errorf("stack: cache node %q needs [meta, cache, origin] children", name)
		}
		meta, err := g.devicePath(n.Children[0])
		if err != nil {
			return "", err
		}
		cache, err := g.devicePath(n.Children[1])
		if err != nil {
			return "", err
		}
		origin, err := g.devicePath(n.Children[2])
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("0 %d cache %s %s %s %d 0 default 0", n.Sectors, meta, cache, origin, n.BlockSizeSectors), nil

	case NodeThinPool:
		if len(n.Children) != 2 {
			return "", fmt.Errorf("stack: thinpool node %q needs [meta, data] children", name)
		}
		meta, err := g.devicePath(n.Children[0])
		if err != nil {
			return "", err
		}
		data, err := g.devicePath(n.Children[1])
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("0 %d thin-pool %s %s %d %d", n.Sectors, meta, data, n.BlockSizeSectors, n.LowWaterSectors), nil

	case NodeThinVolume:
		if len(n.Children) != 1 {
			return "", fmt.Errorf("stack: thinvolume node %q needs [thinpool] child", name)
		}
		pool, err := g.devicePath(n.Children[0])
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("0 %d thin %s %d", n.Sectors, pool, n.ThinID), nil

	default:
		return "", fmt.Errorf("stack: unknown node kind %q", n.Kind)
	}
}
