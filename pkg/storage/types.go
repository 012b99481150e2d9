// Package storage provides the graph collaborator the execution core reads
// from: nodes, directed edges, label lookups and adjacency.
//
// The execution core never writes to the graph; CreateNode and CreateEdge
// exist so fixtures and tests can populate an engine.
//
// Implementations:
//   - MemoryEngine: maps guarded by an RWMutex, for tests and small fixtures
//   - BadgerEngine: persistent storage on BadgerDB
//
// Example Usage:
//
//	engine := storage.NewMemoryEngine()
//	defer engine.Close()
//
//	engine.CreateNode(&storage.Node{ID: "alice", Labels: []string{"Person"}})
//	engine.CreateNode(&storage.Node{ID: "bob", Labels: []string{"Person"}})
//	engine.CreateEdge(&storage.Edge{ID: "e1", StartNode: "alice", EndNode: "bob", Type: "KNOWS"})
//
//	out, _ := engine.GetOutgoingEdges("alice")
//	fmt.Println(out[0].EndNode) // bob
package storage

import (
	"context"
	"errors"
	"maps"
	"slices"
	"strings"
)

// Common errors
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidID     = errors.New("invalid id")
	ErrInvalidData   = errors.New("invalid data")
	ErrInvalidEdge   = errors.New("invalid edge: start or end node not found")
	ErrStorageClosed = errors.New("storage closed")
)

// NodeID is a strongly-typed unique identifier for graph nodes.
//
// Rows produced by pattern matching bind aliases to NodeID values.
type NodeID string

// EdgeID is a strongly-typed unique identifier for graph edges.
type EdgeID string

// Node is a labeled property-graph vertex.
//
// Thread Safety:
//
//	Node structs are NOT thread-safe. Engines hand out copies.
type Node struct {
	ID         NodeID         `json:"id" yaml:"id"`
	Labels     []string       `json:"labels" yaml:"labels"`
	Properties map[string]any `json:"properties" yaml:"properties"`
}

// HasLabel reports whether the node carries label, ignoring case.
func (n *Node) HasLabel(label string) bool {
	for _, l := range n.Labels {
		if strings.EqualFold(l, label) {
			return true
		}
	}
	return false
}

// Edge is a directed relationship from StartNode to EndNode.
type Edge struct {
	ID         EdgeID         `json:"id" yaml:"id"`
	StartNode  NodeID         `json:"startNode" yaml:"from"`
	EndNode    NodeID         `json:"endNode" yaml:"to"`
	Type       string         `json:"type" yaml:"type"`
	Properties map[string]any `json:"properties" yaml:"properties"`
}

// Engine is the read side the matcher needs, plus creation for fixtures.
//
// All Engine implementations MUST be safe for concurrent readers. Listing
// methods return nodes and edges in ID order so matches are deterministic.
type Engine interface {
	CreateNode(node *Node) error
	GetNode(id NodeID) (*Node, error)
	CreateEdge(edge *Edge) error
	GetEdge(id EdgeID) (*Edge, error)

	GetNodesByLabel(label string) ([]*Node, error)
	GetOutgoingEdges(nodeID NodeID) ([]*Edge, error)
	GetIncomingEdges(nodeID NodeID) ([]*Edge, error)
	AllNodes() ([]*Node, error)
	AllEdges() ([]*Edge, error)

	NodeCount() (int64, error)
	EdgeCount() (int64, error)

	Close() error
}

// BulkCreate inserts nodes first, then edges, stopping at the first error.
func BulkCreate(engine Engine, nodes []*Node, edges []*Edge) error {
	for _, n := range nodes {
		if err := engine.CreateNode(n); err != nil {
			return err
		}
	}
	for _, e := range edges {
		if err := engine.CreateEdge(e); err != nil {
			return err
		}
	}
	return nil
}

// CountNodesWithLabel counts nodes carrying label.
//
// The matcher uses it as the cardinality estimate of an alias when picking
// where to start.
func CountNodesWithLabel(ctx context.Context, engine Engine, label string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	nodes, err := engine.GetNodesByLabel(label)
	if err != nil {
		return 0, err
	}
	return int64(len(nodes)), nil
}

// CollectLabels returns every distinct label, sorted.
func CollectLabels(ctx context.Context, engine Engine) ([]string, error) {
	nodes, err := engine.AllNodes()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, n := range nodes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out = append(out, n.Labels...)
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

func copyNode(n *Node) *Node {
	return &Node{
		ID:         n.ID,
		Labels:     append([]string(nil), n.Labels...),
		Properties: maps.Clone(n.Properties),
	}
}

func copyEdge(e *Edge) *Edge {
	return &Edge{
		ID:         e.ID,
		StartNode:  e.StartNode,
		EndNode:    e.EndNode,
		Type:       e.Type,
		Properties: maps.Clone(e.Properties),
	}
}
