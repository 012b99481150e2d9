// Package index turns index scans into lazy (key, rid) streams.
//
// Every scan variant yields the same shape: a finite, non-restartable Stream
// of Entry values that is pulled one entry at a time. The execution layer never
// looks at how an index stores its keys; it only asks an Index for an
// ascending scan, a descending scan, or the rids stored under the null key,
// and Open adapts the answer into a Stream.
//
// Two implementations ship with the package:
//   - BTreeIndex keeps entries in memory in a tidwall/btree B-tree
//   - BadgerIndex keeps entries in a BadgerDB keyspace with order-preserving keys
//
// Example:
//
//	idx := index.NewBTreeIndex("Person.age")
//	idx.Put(31, "#12:0")
//	idx.Put(27, "#12:1")
//
//	stream, err := index.Open(ctx, idx, index.AllAscending)
//	if err != nil {
//		return err
//	}
//	defer stream.Close()
//	for {
//		entry, ok, err := stream.Next(ctx)
//		if err != nil || !ok {
//			break
//		}
//		fmt.Println(entry.Key, entry.RID) // 27 #12:1, then 31 #12:0
//	}
package index

import (
	"context"
	"errors"
	"fmt"
)

// Common errors
var (
	ErrUnknownDirection = errors.New("unknown index scan direction")
	ErrIndexNotFound    = errors.New("index not found")
	ErrIndexExists      = errors.New("index already exists")
	ErrUnsupportedKey   = errors.New("unsupported index key type")
)

// Entry is one (key, record id) pair produced by a scan.
type Entry struct {
	Key any
	RID string
}

// Stream is a lazy, forward-only sequence of entries.
//
// Next returns ok=false once the stream is exhausted; exhaustion is permanent.
// Close releases any resources held by the stream and is safe to call more
// than once.
type Stream interface {
	Next(ctx context.Context) (Entry, bool, error)
	Close() error
}

// Index is the capability the execution layer needs from an index.
//
// Ascending and Descending return full scans in key order and never include
// entries stored under the null key. NullKeyRIDs returns only those entries;
// the key component of its entries is not significant.
type Index interface {
	Name() string
	Ascending(ctx context.Context) (Stream, error)
	Descending(ctx context.Context) (Stream, error)
	NullKeyRIDs(ctx context.Context) (Stream, error)
}

// Direction selects a scan variant.
type Direction int

const (
	AllAscending Direction = iota
	AllDescending
	NullKey
)

// String returns the label used in plan descriptions.
func (d Direction) String() string {
	switch d {
	case AllAscending:
		return "ASC"
	case AllDescending:
		return "DESC"
	case NullKey:
		return "NULL"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// Open starts a scan of idx in the given direction.
//
// Null-key scans re-pair every rid with a nil key so all three variants
// produce the same shape regardless of what the index stores.
func Open(ctx context.Context, idx Index, dir Direction) (Stream, error) {
	switch dir {
	case AllAscending:
		return idx.Ascending(ctx)
	case AllDescending:
		return idx.Descending(ctx)
	case NullKey:
		s, err := idx.NullKeyRIDs(ctx)
		if err != nil {
			return nil, err
		}
		return &nullKeyStream{src: s}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownDirection, int(dir))
	}
}

type nullKeyStream struct {
	src Stream
}

func (s *nullKeyStream) Next(ctx context.Context) (Entry, bool, error) {
	e, ok, err := s.src.Next(ctx)
	if err != nil || !ok {
		return Entry{}, false, err
	}
	return Entry{Key: nil, RID: e.RID}, true, nil
}

func (s *nullKeyStream) Close() error {
	return s.src.Close()
}

// SliceStream returns a stream over a fixed list of entries.
func SliceStream(entries []Entry) Stream {
	return &sliceStream{entries: entries}
}

type sliceStream struct {
	entries []Entry
	pos     int
	closed  bool
}

func (s *sliceStream) Next(ctx context.Context) (Entry, bool, error) {
	if s.closed || s.pos >= len(s.entries) {
		return Entry{}, false, nil
	}
	if err := ctx.Err(); err != nil {
		return Entry{}, false, err
	}
	e := s.entries[s.pos]
	s.pos++
	return e, true, nil
}

func (s *sliceStream) Close() error {
	s.closed = true
	s.entries = nil
	return nil
}
