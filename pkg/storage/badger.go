package storage

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// Key prefixes for BadgerDB storage organization.
// Index entries (pkg/index) use 0x10 and up, so both can share one DB.
const (
	prefixNode          = byte(0x01) // nodes:nodeID -> Node
	prefixEdge          = byte(0x02) // edges:edgeID -> Edge
	prefixLabelIndex    = byte(0x03) // label:labelName:nodeID -> []byte{}
	prefixOutgoingIndex = byte(0x04) // outgoing:nodeID:edgeID -> []byte{}
	prefixIncomingIndex = byte(0x05) // incoming:nodeID:edgeID -> []byte{}
)

// BadgerEngine provides persistent storage using BadgerDB.
//
// Key Structure:
//   - Nodes: 0x01 + nodeID -> JSON(Node)
//   - Edges: 0x02 + edgeID -> JSON(Edge)
//   - Label Index: 0x03 + label + 0x00 + nodeID -> empty
//   - Outgoing Index: 0x04 + nodeID + 0x00 + edgeID -> empty
//   - Incoming Index: 0x05 + nodeID + 0x00 + edgeID -> empty
//
// Properties round-trip through JSON, so numbers come back as float64.
// Comparisons in the execution core go through pkg/convert, which treats
// 30 and 30.0 as equal.
//
// Example:
//
//	engine, err := storage.NewBadgerEngine("/path/to/data")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Close()
type BadgerEngine struct {
	db     *badger.DB
	mu     sync.RWMutex
	closed bool
}

// BadgerOptions configures the BadgerDB engine.
type BadgerOptions struct {
	// DataDir is the directory for storing data files.
	// Required unless InMemory is set.
	DataDir string

	// InMemory runs BadgerDB in memory-only mode.
	InMemory bool

	// SyncWrites forces fsync after each write.
	SyncWrites bool

	// Logger for BadgerDB internal logging. Nil silences it.
	Logger badger.Logger
}

// NewBadgerEngine opens a persistent engine in dataDir with default settings.
func NewBadgerEngine(dataDir string) (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{DataDir: dataDir})
}

// NewBadgerEngineInMemory opens an engine whose data is lost on Close.
func NewBadgerEngineInMemory() (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{InMemory: true})
}

// NewBadgerEngineWithOptions opens a BadgerEngine with custom configuration.
//
// Example:
//
//	engine, err := storage.NewBadgerEngineWithOptions(storage.BadgerOptions{
//		DataDir:    "./data/graph",
//		SyncWrites: true,
//	})
func NewBadgerEngineWithOptions(opts BadgerOptions) (*BadgerEngine, error) {
	if opts.DataDir == "" && !opts.InMemory {
		return nil, fmt.Errorf("%w: data dir required", ErrInvalidData)
	}
	dir := opts.DataDir
	if opts.InMemory {
		dir = ""
	}
	badgerOpts := badger.DefaultOptions(dir).
		WithInMemory(opts.InMemory).
		WithSyncWrites(opts.SyncWrites).
		WithLogger(opts.Logger)

	// Small tables: fixtures and query workloads are read-mostly.
	badgerOpts = badgerOpts.
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20).
		WithNumMemtables(2).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithBlockCacheSize(32 << 20).
		WithIndexCacheSize(16 << 20)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	return &BadgerEngine{db: db}, nil
}

// DB exposes the underlying database so persistent indexes can share it.
func (b *BadgerEngine) DB() *badger.DB { return b.db }

// ============================================================================
// Key encoding helpers
// ============================================================================

func nodeKey(id NodeID) []byte {
	return append([]byte{prefixNode}, []byte(id)...)
}

func edgeKey(id EdgeID) []byte {
	return append([]byte{prefixEdge}, []byte(id)...)
}

// labelIndexPrefix returns prefix + label (lowercase) + 0x00.
func labelIndexPrefix(label string) []byte {
	normalizedLabel := strings.ToLower(label)
	key := make([]byte, 0, 1+len(normalizedLabel)+1)
	key = append(key, prefixLabelIndex)
	key = append(key, normalizedLabel...)
	key = append(key, 0x00)
	return key
}

func labelIndexKey(label string, nodeID NodeID) []byte {
	return append(labelIndexPrefix(label), nodeID...)
}

// adjacencyPrefix returns prefix + nodeID + 0x00.
func adjacencyPrefix(prefix byte, nodeID NodeID) []byte {
	key := make([]byte, 0, 1+len(nodeID)+1)
	key = append(key, prefix)
	key = append(key, nodeID...)
	key = append(key, 0x00)
	return key
}

func adjacencyKey(prefix byte, nodeID NodeID, edgeID EdgeID) []byte {
	return append(adjacencyPrefix(prefix, nodeID), edgeID...)
}

// ============================================================================
// Transaction helpers
// ============================================================================

// record is anything the engine stores as a JSON value.
type record interface{ Node | Edge }

func (b *BadgerEngine) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

func (b *BadgerEngine) view(fn func(txn *badger.Txn) error) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.db.View(fn)
}

func (b *BadgerEngine) update(fn func(txn *badger.Txn) error) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.db.Update(fn)
}

func exists(txn *badger.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

func put[T record](txn *badger.Txn, key []byte, v *T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %q: %w", key[1:], err)
	}
	return txn.Set(key, data)
}

// load decodes the record under key. Missing keys map to ErrNotFound.
func load[T record](txn *badger.Txn, key []byte) (*T, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	v := new(T)
	if err := item.Value(func(val []byte) error { return json.Unmarshal(val, v) }); err != nil {
		return nil, fmt.Errorf("failed to decode %q: %w", key[1:], err)
	}
	return v, nil
}

// keysUnder calls fn with the part of every key after prefix. Values are
// not fetched.
func keysUnder(txn *badger.Txn, prefix []byte, fn func(suffix []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		if err := fn(it.Item().Key()[len(prefix):]); err != nil {
			return err
		}
	}
	return nil
}

// resolve follows index entries under prefix to their records. Entries
// whose record is gone are skipped.
func resolve[T record](txn *badger.Txn, prefix []byte, recordKey func(suffix []byte) []byte) ([]*T, error) {
	out := []*T{}
	err := keysUnder(txn, prefix, func(suffix []byte) error {
		v, err := load[T](txn, recordKey(suffix))
		switch {
		case errors.Is(err, ErrNotFound):
			return nil
		case err != nil:
			return err
		}
		out = append(out, v)
		return nil
	})
	return out, err
}

// decodeAll decodes every record stored under a one-byte prefix.
func decodeAll[T record](txn *badger.Txn, prefix byte) ([]*T, error) {
	out := []*T{}
	p := []byte{prefix}
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		v := new(T)
		if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, v) }); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func asNodeKey(suffix []byte) []byte { return nodeKey(NodeID(suffix)) }
func asEdgeKey(suffix []byte) []byte { return edgeKey(EdgeID(suffix)) }

// ============================================================================
// Engine
// ============================================================================

// CreateNode stores node and its label index entries in one transaction.
func (b *BadgerEngine) CreateNode(node *Node) error {
	switch {
	case node == nil:
		return ErrInvalidData
	case node.ID == "":
		return ErrInvalidID
	}
	return b.update(func(txn *badger.Txn) error {
		key := nodeKey(node.ID)
		if taken, err := exists(txn, key); err != nil || taken {
			return cmp.Or(err, ErrAlreadyExists)
		}
		if err := put(txn, key, node); err != nil {
			return err
		}
		for _, label := range node.Labels {
			if err := txn.Set(labelIndexKey(label, node.ID), []byte{}); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetNode retrieves a node by ID.
func (b *BadgerEngine) GetNode(id NodeID) (node *Node, err error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	err = b.view(func(txn *badger.Txn) (err error) {
		node, err = load[Node](txn, nodeKey(id))
		return err
	})
	return node, err
}

// CreateEdge stores edge plus both adjacency entries. Both endpoints must
// exist.
func (b *BadgerEngine) CreateEdge(edge *Edge) error {
	switch {
	case edge == nil:
		return ErrInvalidData
	case edge.ID == "":
		return ErrInvalidID
	}
	return b.update(func(txn *badger.Txn) error {
		key := edgeKey(edge.ID)
		if taken, err := exists(txn, key); err != nil || taken {
			return cmp.Or(err, ErrAlreadyExists)
		}
		for _, end := range [2]NodeID{edge.StartNode, edge.EndNode} {
			if found, err := exists(txn, nodeKey(end)); err != nil || !found {
				return cmp.Or(err, ErrInvalidEdge)
			}
		}
		if err := put(txn, key, edge); err != nil {
			return err
		}
		if err := txn.Set(adjacencyKey(prefixOutgoingIndex, edge.StartNode, edge.ID), []byte{}); err != nil {
			return err
		}
		return txn.Set(adjacencyKey(prefixIncomingIndex, edge.EndNode, edge.ID), []byte{})
	})
}

// GetEdge retrieves an edge by ID.
func (b *BadgerEngine) GetEdge(id EdgeID) (edge *Edge, err error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	err = b.view(func(txn *badger.Txn) (err error) {
		edge, err = load[Edge](txn, edgeKey(id))
		return err
	})
	return edge, err
}

// GetNodesByLabel returns the nodes carrying label, in ID order.
func (b *BadgerEngine) GetNodesByLabel(label string) (nodes []*Node, err error) {
	err = b.view(func(txn *badger.Txn) (err error) {
		nodes, err = resolve[Node](txn, labelIndexPrefix(label), asNodeKey)
		return err
	})
	return nodes, err
}

// GetOutgoingEdges returns the edges starting at nodeID, in ID order.
func (b *BadgerEngine) GetOutgoingEdges(nodeID NodeID) ([]*Edge, error) {
	return b.adjacent(prefixOutgoingIndex, nodeID)
}

// GetIncomingEdges returns the edges ending at nodeID, in ID order.
func (b *BadgerEngine) GetIncomingEdges(nodeID NodeID) ([]*Edge, error) {
	return b.adjacent(prefixIncomingIndex, nodeID)
}

func (b *BadgerEngine) adjacent(dir byte, nodeID NodeID) (edges []*Edge, err error) {
	if nodeID == "" {
		return nil, ErrInvalidID
	}
	err = b.view(func(txn *badger.Txn) (err error) {
		edges, err = resolve[Edge](txn, adjacencyPrefix(dir, nodeID), asEdgeKey)
		return err
	})
	return edges, err
}

// AllNodes returns every node in ID order.
func (b *BadgerEngine) AllNodes() (nodes []*Node, err error) {
	err = b.view(func(txn *badger.Txn) (err error) {
		nodes, err = decodeAll[Node](txn, prefixNode)
		return err
	})
	return nodes, err
}

// AllEdges returns every edge in ID order.
func (b *BadgerEngine) AllEdges() (edges []*Edge, err error) {
	err = b.view(func(txn *badger.Txn) (err error) {
		edges, err = decodeAll[Edge](txn, prefixEdge)
		return err
	})
	return edges, err
}

// NodeCount counts node keys without decoding values.
func (b *BadgerEngine) NodeCount() (int64, error) {
	return b.count(prefixNode)
}

// EdgeCount counts edge keys without decoding values.
func (b *BadgerEngine) EdgeCount() (int64, error) {
	return b.count(prefixEdge)
}

func (b *BadgerEngine) count(prefix byte) (n int64, err error) {
	err = b.view(func(txn *badger.Txn) error {
		return keysUnder(txn, []byte{prefix}, func([]byte) error {
			n++
			return nil
		})
	})
	return n, err
}

// Close closes the database. Calling it twice is a no-op.
func (b *BadgerEngine) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}

var _ Engine = (*BadgerEngine)(nil)
