package storage

import (
	"strings"
	"sync"

	"github.com/tidwall/btree"
)

// MemoryEngine is a thread-safe in-memory graph.
//
// Nodes, edges and every secondary index live in ordered B-trees, so listing
// calls come out in ID order without a sort. Labels are indexed lowercase.
// Values are copied on the way in and out.
//
// Example:
//
//	engine := storage.NewMemoryEngine()
//	defer engine.Close()
//
//	storage.BulkCreate(engine,
//		[]*storage.Node{{ID: "n1", Labels: []string{"Person"}}, {ID: "n2"}},
//		[]*storage.Edge{{ID: "e1", StartNode: "n1", EndNode: "n2", Type: "KNOWS"}},
//	)
type MemoryEngine struct {
	mu     sync.RWMutex
	closed bool

	nodes btree.Map[NodeID, *Node]
	edges btree.Map[EdgeID, *Edge]

	labels map[string]*btree.Set[NodeID]
	out    map[NodeID]*btree.Set[EdgeID]
	in     map[NodeID]*btree.Set[EdgeID]
}

// NewMemoryEngine creates an empty in-memory engine.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		labels: make(map[string]*btree.Set[NodeID]),
		out:    make(map[NodeID]*btree.Set[EdgeID]),
		in:     make(map[NodeID]*btree.Set[EdgeID]),
	}
}

func linkNode(sets map[string]*btree.Set[NodeID], label string, id NodeID) {
	if sets[label] == nil {
		sets[label] = new(btree.Set[NodeID])
	}
	sets[label].Insert(id)
}

func linkEdge(sets map[NodeID]*btree.Set[EdgeID], node NodeID, id EdgeID) {
	if sets[node] == nil {
		sets[node] = new(btree.Set[EdgeID])
	}
	sets[node].Insert(id)
}

// read runs fn under the read lock, failing once the engine is closed.
func (m *MemoryEngine) read(fn func() error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrStorageClosed
	}
	return fn()
}

func (m *MemoryEngine) write(fn func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStorageClosed
	}
	return fn()
}

// CreateNode stores a copy of node. Duplicate IDs return ErrAlreadyExists.
func (m *MemoryEngine) CreateNode(node *Node) error {
	switch {
	case node == nil:
		return ErrInvalidData
	case node.ID == "":
		return ErrInvalidID
	}
	stored := copyNode(node)
	return m.write(func() error {
		if _, taken := m.nodes.Get(stored.ID); taken {
			return ErrAlreadyExists
		}
		m.nodes.Set(stored.ID, stored)
		for _, label := range stored.Labels {
			linkNode(m.labels, strings.ToLower(label), stored.ID)
		}
		return nil
	})
}

// GetNode returns a copy of the node with id.
func (m *MemoryEngine) GetNode(id NodeID) (node *Node, err error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	err = m.read(func() error {
		n, ok := m.nodes.Get(id)
		if !ok {
			return ErrNotFound
		}
		node = copyNode(n)
		return nil
	})
	return node, err
}

// CreateEdge stores a copy of edge. Both endpoints must exist.
func (m *MemoryEngine) CreateEdge(edge *Edge) error {
	switch {
	case edge == nil:
		return ErrInvalidData
	case edge.ID == "":
		return ErrInvalidID
	}
	stored := copyEdge(edge)
	return m.write(func() error {
		if _, taken := m.edges.Get(stored.ID); taken {
			return ErrAlreadyExists
		}
		for _, end := range [2]NodeID{stored.StartNode, stored.EndNode} {
			if _, ok := m.nodes.Get(end); !ok {
				return ErrInvalidEdge
			}
		}
		m.edges.Set(stored.ID, stored)
		linkEdge(m.out, stored.StartNode, stored.ID)
		linkEdge(m.in, stored.EndNode, stored.ID)
		return nil
	})
}

// GetEdge returns a copy of the edge with id.
func (m *MemoryEngine) GetEdge(id EdgeID) (edge *Edge, err error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	err = m.read(func() error {
		e, ok := m.edges.Get(id)
		if !ok {
			return ErrNotFound
		}
		edge = copyEdge(e)
		return nil
	})
	return edge, err
}

// GetNodesByLabel returns the nodes carrying label (case-insensitive), in
// ID order.
func (m *MemoryEngine) GetNodesByLabel(label string) (nodes []*Node, err error) {
	err = m.read(func() error {
		nodes = []*Node{}
		if set := m.labels[strings.ToLower(label)]; set != nil {
			set.Scan(func(id NodeID) bool {
				n, _ := m.nodes.Get(id)
				nodes = append(nodes, copyNode(n))
				return true
			})
		}
		return nil
	})
	return nodes, err
}

// GetOutgoingEdges returns the edges starting at nodeID, in ID order.
func (m *MemoryEngine) GetOutgoingEdges(nodeID NodeID) ([]*Edge, error) {
	return m.adjacent(nodeID, func() *btree.Set[EdgeID] { return m.out[nodeID] })
}

// GetIncomingEdges returns the edges ending at nodeID, in ID order.
func (m *MemoryEngine) GetIncomingEdges(nodeID NodeID) ([]*Edge, error) {
	return m.adjacent(nodeID, func() *btree.Set[EdgeID] { return m.in[nodeID] })
}

// adjacent resolves the adjacency set picked by side while the lock is held.
func (m *MemoryEngine) adjacent(nodeID NodeID, side func() *btree.Set[EdgeID]) (edges []*Edge, err error) {
	if nodeID == "" {
		return nil, ErrInvalidID
	}
	err = m.read(func() error {
		edges = []*Edge{}
		if set := side(); set != nil {
			set.Scan(func(id EdgeID) bool {
				e, _ := m.edges.Get(id)
				edges = append(edges, copyEdge(e))
				return true
			})
		}
		return nil
	})
	return edges, err
}

// AllNodes returns every node in ID order.
func (m *MemoryEngine) AllNodes() (nodes []*Node, err error) {
	err = m.read(func() error {
		nodes = make([]*Node, 0, m.nodes.Len())
		m.nodes.Scan(func(_ NodeID, n *Node) bool {
			nodes = append(nodes, copyNode(n))
			return true
		})
		return nil
	})
	return nodes, err
}

// AllEdges returns every edge in ID order.
func (m *MemoryEngine) AllEdges() (edges []*Edge, err error) {
	err = m.read(func() error {
		edges = make([]*Edge, 0, m.edges.Len())
		m.edges.Scan(func(_ EdgeID, e *Edge) bool {
			edges = append(edges, copyEdge(e))
			return true
		})
		return nil
	})
	return edges, err
}

// NodeCount returns the number of nodes.
func (m *MemoryEngine) NodeCount() (n int64, err error) {
	err = m.read(func() error {
		n = int64(m.nodes.Len())
		return nil
	})
	return n, err
}

// EdgeCount returns the number of edges.
func (m *MemoryEngine) EdgeCount() (n int64, err error) {
	err = m.read(func() error {
		n = int64(m.edges.Len())
		return nil
	})
	return n, err
}

// Close drops every tree. Further calls fail with ErrStorageClosed.
func (m *MemoryEngine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.nodes = btree.Map[NodeID, *Node]{}
	m.edges = btree.Map[EdgeID, *Edge]{}
	m.labels, m.out, m.in = nil, nil, nil
	return nil
}

var _ Engine = (*MemoryEngine)(nil)
