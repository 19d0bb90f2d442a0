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
	"context"
	"errors"
)

const (
	defaultCF = "default"

	RocksdbLsmKVType = LsmKVType("rocksdb")
	BadgerLsmKVType  = LsmKVType("badger")
)

var (
	ErrNotFound       = errors.New("key not found")
	ErrKVTypeNotFound = errors.New("kv type not found")
)

type (
	CF        string
	LsmKVType string

	// Store is an ordered key-value container with named column families.
	// Recovery assumes strong read-after-write consistency within a run and
	// no external writer while it holds the store open.
	Store interface {
		GetAllColumns() []CF
		GetRaw(ctx context.Context, col CF, key []byte) (value []byte, err error)
		SetRaw(ctx context.Context, col CF, key []byte, value []byte) error
		Delete(ctx context.Context, col CF, key []byte) error
		// List iterates keys starting from marker (or prefix when marker is
		// nil) and stops once keys no longer carry prefix. A nil prefix
		// lists the whole column.
		List(ctx context.Context, col CF, prefix []byte, marker []byte) ListReader
		NewWriteBatch() WriteBatch
		Write(ctx context.Context, batch WriteBatch) error
		FlushCF(ctx context.Context, col CF) error
		Close()
	}

	// ListReader yields copied key/value pairs. Both returns are nil at the
	// end of the range.
	ListReader interface {
		ReadNext() (key []byte, value []byte, err error)
		Close()
	}

	WriteBatch interface {
		Put(col CF, key, value []byte)
		Delete(col CF, key []byte)
		DeleteRange(col CF, startKey, endKey []byte)
		Len() int
		Close()
	}

	Option struct {
		Sync            bool `json:"sync"`
		ColumnFamily    []CF `json:"column_family"`
		CreateIfMissing bool `json:"create_if_missing"`
	}
)

func NewKVStore(ctx context.Context, path string, lsmType LsmKVType, option *Option) (Store, error) {
	switch lsmType {
	case RocksdbLsmKVType:
		return newRocksdb(ctx, path, option)
	case BadgerLsmKVType:
		return newBadger(ctx, path, option)
	default:
		return nil, ErrKVTypeNotFound
	}
}

func (cf CF) String() string {
	return string(cf)
}
