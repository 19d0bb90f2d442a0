// Copyright 2024 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package kvstore

import (
	"bytes"
	"context"
	"errors"
	"os"

	badger "github.com/dgraph-io/badger/v4"
)

// The badger engine is the cgo-free alternative to rocksdb. Badger has no
// native column families; each column is mapped onto a key namespace
// "<cf>\x00<key>" and stripped again on the way out, the same trick the
// engine-agnostic callers never see.

type (
	badgerStore struct {
		path string
		db   *badger.DB
		cols []CF
	}
	badgerListReader struct {
		txn      *badger.Txn
		iterator *badger.Iterator
		cfPrefix []byte
		prefix   []byte
		isFirst  bool
	}
	badgerWriteBatch struct {
		ops []badgerOp
	}
	badgerOp struct {
		del      bool
		rangeDel bool
		key      []byte
		endKey   []byte
		value    []byte
	}
)

func newBadger(ctx context.Context, path string, option *Option) (Store, error) {
	if path == "" {
		return nil, errors.New("path is empty")
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}

	opts := badger.DefaultOptions(path)
	opts = opts.WithLoggingLevel(badger.WARNING)
	opts = opts.WithSyncWrites(option.Sync)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	cols := make([]CF, 0, len(option.ColumnFamily)+1)
	cols = append(cols, defaultCF)
	cols = append(cols, option.ColumnFamily...)

	return &badgerStore{path: path, db: db, cols: cols}, nil
}

func badgerCFPrefix(col CF) []byte {
	if col == "" {
		col = defaultCF
	}
	p := make([]byte, 0, len(col)+1)
	p = append(p, col.String()...)
	p = append(p, 0)
	return p
}

func badgerKey(col CF, key []byte) []byte {
	p := badgerCFPrefix(col)
	return append(p, key...)
}

func (s *badgerStore) GetAllColumns() (ret []CF) {
	ret = append(ret, s.cols...)
	return
}

func (s *badgerStore) GetRaw(ctx context.Context, col CF, key []byte) (value []byte, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(col, key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *badgerStore) SetRaw(ctx context.Context, col CF, key []byte, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(col, key), value)
	})
}

func (s *badgerStore) Delete(ctx context.Context, col CF, key []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(badgerKey(col, key))
	})
}

func (s *badgerStore) List(ctx context.Context, col CF, prefix []byte, marker []byte) ListReader {
	cfPrefix := badgerCFPrefix(col)
	fullPrefix := cfPrefix
	if prefix != nil {
		fullPrefix = append(append([]byte{}, cfPrefix...), prefix...)
	}

	txn := s.db.NewTransaction(false)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = fullPrefix
	it := txn.NewIterator(opts)
	if len(marker) > 0 {
		it.Seek(append(append([]byte{}, cfPrefix...), marker...))
	} else {
		it.Seek(fullPrefix)
	}

	return &badgerListReader{
		txn:      txn,
		iterator: it,
		cfPrefix: cfPrefix,
		prefix:   fullPrefix,
		isFirst:  true,
	}
}

func (s *badgerStore) NewWriteBatch() WriteBatch {
	return &badgerWriteBatch{}
}

func (s *badgerStore) Write(ctx context.Context, batch WriteBatch) error {
	b := batch.(*badgerWriteBatch)
	return s.db.Update(func(txn *badger.Txn) error {
		for i := range b.ops {
			op := &b.ops[i]
			switch {
			case op.rangeDel:
				if err := badgerDeleteRange(txn, op.key, op.endKey); err != nil {
					return err
				}
			case op.del:
				if err := txn.Delete(op.key); err != nil {
					return err
				}
			default:
				if err := txn.Set(op.key, op.value); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// badger has no native range deletion; collect the keys under the
// transaction's snapshot and delete them one by one.
func badgerDeleteRange(txn *badger.Txn, startKey, endKey []byte) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)

	var keys [][]byte
	for it.Seek(startKey); it.Valid(); it.Next() {
		k := it.Item().KeyCopy(nil)
		if bytes.Compare(k, endKey) >= 0 {
			break
		}
		keys = append(keys, k)
	}
	it.Close()

	for _, k := range keys {
		if err := txn.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (s *badgerStore) FlushCF(ctx context.Context, col CF) error {
	return s.db.Sync()
}

func (s *badgerStore) Close() {
	_ = s.db.Close()
}

func (lr *badgerListReader) ReadNext() (key []byte, value []byte, err error) {
	if !lr.isFirst {
		lr.iterator.Next()
	}
	lr.isFirst = false
	if !lr.iterator.ValidForPrefix(lr.prefix) {
		return nil, nil, nil
	}
	item := lr.iterator.Item()
	fullKey := item.KeyCopy(nil)
	key = fullKey[len(lr.cfPrefix):]
	value, err = item.ValueCopy(nil)
	if err != nil {
		return nil, nil, err
	}
	return
}

func (lr *badgerListReader) Close() {
	lr.iterator.Close()
	lr.txn.Discard()
}

func (w *badgerWriteBatch) Put(col CF, key, value []byte) {
	v := append([]byte{}, value...)
	w.ops = append(w.ops, badgerOp{key: badgerKey(col, key), value: v})
}

func (w *badgerWriteBatch) Delete(col CF, key []byte) {
	w.ops = append(w.ops, badgerOp{del: true, key: badgerKey(col, key)})
}

func (w *badgerWriteBatch) DeleteRange(col CF, startKey, endKey []byte) {
	w.ops = append(w.ops, badgerOp{
		rangeDel: true,
		key:      badgerKey(col, startKey),
		endKey:   badgerKey(col, endKey),
	})
}

func (w *badgerWriteBatch) Len() int {
	return len(w.ops)
}

func (w *badgerWriteBatch) Close() {
	w.ops = nil
}
