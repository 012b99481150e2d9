package index

import (
	"context"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// prefixIndex is the keyspace byte for index entries. It is disjoint from the
// storage engine prefixes so an index can share a DB with BadgerEngine.
const prefixIndex = byte(0x10)

// BadgerIndex is a persistent index stored in a BadgerDB keyspace.
//
// Key Structure:
//   - 0x10 + name + 0x00 + encodedKey + rid -> rid
//
// encodedKey is order-preserving, so Badger's key order is the index order.
// Null keys encode to a single 0x00 tag byte and therefore sort before every
// other key; full scans seek past them.
//
// Each stream holds its own read transaction and iterator until it is
// exhausted or closed, giving it a consistent snapshot of the index.
type BadgerIndex struct {
	db     *badger.DB
	name   string
	prefix []byte
}

// NewBadgerIndex creates an index over db. The DB is owned by the caller.
func NewBadgerIndex(db *badger.DB, name string) *BadgerIndex {
	prefix := make([]byte, 0, len(name)+2)
	prefix = append(prefix, prefixIndex)
	prefix = append(prefix, name...)
	prefix = append(prefix, 0x00)
	return &BadgerIndex{db: db, name: name, prefix: prefix}
}

// Name returns the index name.
func (b *BadgerIndex) Name() string {
	return b.name
}

func (b *BadgerIndex) entryKey(key any, rid string) ([]byte, error) {
	k := make([]byte, 0, len(b.prefix)+len(rid)+16)
	k = append(k, b.prefix...)
	k, err := encodeKey(k, key)
	if err != nil {
		return nil, err
	}
	return append(k, rid...), nil
}

// Put adds an entry. A nil key stores the rid under the null key.
func (b *BadgerIndex) Put(key any, rid string) error {
	k, err := b.entryKey(key, rid)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(k, []byte(rid))
	})
}

// Remove deletes an entry. Removing a missing entry is not an error.
func (b *BadgerIndex) Remove(key any, rid string) error {
	k, err := b.entryKey(key, rid)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(k)
	})
}

// Ascending scans all non-null keys in ascending order.
func (b *BadgerIndex) Ascending(ctx context.Context) (Stream, error) {
	seek := append(append([]byte{}, b.prefix...), tagFalse)
	return b.open(seek, b.prefix, false), nil
}

// Descending scans all non-null keys in descending order.
func (b *BadgerIndex) Descending(ctx context.Context) (Stream, error) {
	seek := append(append([]byte{}, b.prefix...), tagEnd)
	return b.open(seek, b.prefix, true), nil
}

// NullKeyRIDs scans the entries stored under the null key.
func (b *BadgerIndex) NullKeyRIDs(ctx context.Context) (Stream, error) {
	nullPrefix := append(append([]byte{}, b.prefix...), tagNull)
	return b.open(nullPrefix, nullPrefix, false), nil
}

func (b *BadgerIndex) open(seek, prefix []byte, reverse bool) *badgerStream {
	txn := b.db.NewTransaction(false)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.Reverse = reverse
	return &badgerStream{
		name:      b.name,
		txn:       txn,
		it:        txn.NewIterator(opts),
		seek:      seek,
		prefix:    prefix,
		keyOffset: len(b.prefix),
		skipNull:  len(prefix) == len(b.prefix),
	}
}

type badgerStream struct {
	name      string
	txn       *badger.Txn
	it        *badger.Iterator
	seek      []byte
	prefix    []byte
	keyOffset int
	skipNull  bool
	started   bool
	done      bool
}

func (s *badgerStream) Next(ctx context.Context) (Entry, bool, error) {
	if s.done {
		return Entry{}, false, nil
	}
	if err := ctx.Err(); err != nil {
		return Entry{}, false, err
	}
	if !s.started {
		s.started = true
		s.it.Seek(s.seek)
	} else {
		s.it.Next()
	}
	if !s.it.ValidForPrefix(s.prefix) {
		s.finish()
		return Entry{}, false, nil
	}
	item := s.it.Item()
	encoded := item.KeyCopy(nil)[s.keyOffset:]
	if s.skipNull && len(encoded) > 0 && encoded[0] == tagNull {
		// reverse scans reach the null keys last
		s.finish()
		return Entry{}, false, nil
	}
	key, _, err := decodeKey(encoded)
	if err != nil {
		s.finish()
		return Entry{}, false, fmt.Errorf("index %q: %w", s.name, err)
	}
	rid, err := item.ValueCopy(nil)
	if err != nil {
		s.finish()
		return Entry{}, false, err
	}
	return Entry{Key: key, RID: string(rid)}, true, nil
}

func (s *badgerStream) Close() error {
	s.finish()
	return nil
}

func (s *badgerStream) finish() {
	if s.done {
		return
	}
	s.done = true
	s.it.Close()
	s.txn.Discard()
}
