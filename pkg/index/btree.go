package index

import (
	"context"
	"strings"
	"sync"

	"github.com/tidwall/btree"

	"github.com/orneryd/nornicexec/pkg/convert"
)

// btreeItem associates an index key with a record id.
type btreeItem struct {
	Key any
	RID string
}

// btreeItemLess orders items by key, then by rid so equal keys stay stable.
func btreeItemLess(a, b btreeItem) bool {
	if c := convert.Compare(a.Key, b.Key); c != 0 {
		return c < 0
	}
	return strings.Compare(a.RID, b.RID) < 0
}

// BTreeIndex is an in-memory ordered index.
//
// Scans iterate a copy-on-write snapshot taken when the stream is opened, so
// writers are never blocked by open streams and streams never observe writes
// made after they were opened.
//
// Example:
//
//	idx := index.NewBTreeIndex("City.name")
//	idx.Put("Lyon", "#9:1")
//	idx.Put(nil, "#9:2") // only reachable through a null-key scan
type BTreeIndex struct {
	name  string
	tree  *btree.BTreeG[btreeItem]
	mu    sync.RWMutex
	nulls []string
}

// NewBTreeIndex creates an empty in-memory index.
func NewBTreeIndex(name string) *BTreeIndex {
	return &BTreeIndex{
		name: name,
		tree: btree.NewBTreeG[btreeItem](btreeItemLess),
	}
}

// Name returns the index name.
func (b *BTreeIndex) Name() string {
	return b.name
}

// Put adds an entry. A nil key stores the rid under the null key.
func (b *BTreeIndex) Put(key any, rid string) {
	if key == nil {
		b.mu.Lock()
		defer b.mu.Unlock()
		for _, existing := range b.nulls {
			if existing == rid {
				return
			}
		}
		b.nulls = append(b.nulls, rid)
		return
	}
	b.tree.Set(btreeItem{Key: key, RID: rid})
}

// Remove deletes an entry and reports whether it existed.
func (b *BTreeIndex) Remove(key any, rid string) bool {
	if key == nil {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, existing := range b.nulls {
			if existing == rid {
				b.nulls = append(b.nulls[:i], b.nulls[i+1:]...)
				return true
			}
		}
		return false
	}
	_, ok := b.tree.Delete(btreeItem{Key: key, RID: rid})
	return ok
}

// Len returns the number of entries, null keys included.
func (b *BTreeIndex) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.tree.Len() + len(b.nulls)
}

// Ascending scans all non-null keys in ascending order.
func (b *BTreeIndex) Ascending(ctx context.Context) (Stream, error) {
	return b.scan(false), nil
}

// Descending scans all non-null keys in descending order.
func (b *BTreeIndex) Descending(ctx context.Context) (Stream, error) {
	return b.scan(true), nil
}

// NullKeyRIDs returns the rids stored under the null key in insertion order.
func (b *BTreeIndex) NullKeyRIDs(ctx context.Context) (Stream, error) {
	b.mu.RLock()
	entries := make([]Entry, len(b.nulls))
	for i, rid := range b.nulls {
		entries[i] = Entry{RID: rid}
	}
	b.mu.RUnlock()
	return SliceStream(entries), nil
}

func (b *BTreeIndex) scan(reverse bool) Stream {
	snapshot := b.tree.Copy()
	return &btreeStream{iter: snapshot.Iter(), reverse: reverse}
}

// btreeStream walks a snapshot lazily, one item per Next.
type btreeStream struct {
	iter    btree.IterG[btreeItem]
	reverse bool
	started bool
	done    bool
}

func (s *btreeStream) Next(ctx context.Context) (Entry, bool, error) {
	if s.done {
		return Entry{}, false, nil
	}
	if err := ctx.Err(); err != nil {
		return Entry{}, false, err
	}
	var ok bool
	switch {
	case !s.started && s.reverse:
		ok = s.iter.Last()
	case !s.started:
		ok = s.iter.First()
	case s.reverse:
		ok = s.iter.Prev()
	default:
		ok = s.iter.Next()
	}
	s.started = true
	if !ok {
		s.finish()
		return Entry{}, false, nil
	}
	item := s.iter.Item()
	return Entry{Key: item.Key, RID: item.RID}, true, nil
}

func (s *btreeStream) Close() error {
	s.finish()
	return nil
}

func (s *btreeStream) finish() {
	if s.done {
		return
	}
	s.done = true
	s.iter.Release()
}
