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

package recovery

import (
	"context"
	"encoding/binary"
	"encoding/json"

	"github.com/cubefs/metarepair/common/kvstore"
	"github.com/cubefs/metarepair/journal"
	"github.com/cubefs/metarepair/proto"
)

// MetaCF holds materialized metadata.
//
// Key namespaces:
//
//	global (shared, never erased by rank):
//	  g/d/<ino:8><frag:4>                 dirfrag header
//	  g/e/<ino:8><frag:4>/<name>@<snap:8> dentry
//	  g/i/<ino:8>                         inode
//	  g/m/clustermap                      authority map
//	rank-scoped (<rank:4>'/' prefix, the eraser's unit of work):
//	  R/t/<kind:1>                        allocation table
//	  R/s/bounds                          subtree bounds
//	  R/j/<seq:8>                         journal segment (in JournalCF)
//
// Dirfrags and dentries are keyed by ino, not rank, so that merged recovery
// of several ranks' journals lands conflicting dentries on the same key and
// the version gate can arbitrate.
var MetaCF = kvstore.CF("meta")

var (
	fragKeyPrefix       = []byte("g/d/")
	dentryKeyPrefix     = []byte("g/e/")
	inoKeyPrefix        = []byte("g/i/")
	clusterMapKey       = []byte("g/m/clustermap")
	tableKeyKind        = byte('t')
	subtreeBoundsSuffix = []byte("s/bounds")
)

func encodeFragKey(ino proto.Ino, frag proto.FragID) []byte {
	key := make([]byte, len(fragKeyPrefix)+12)
	copy(key, fragKeyPrefix)
	binary.BigEndian.PutUint64(key[len(fragKeyPrefix):], ino)
	binary.BigEndian.PutUint32(key[len(fragKeyPrefix)+8:], frag)
	return key
}

func encodeDentryKeyPrefix(ino proto.Ino, frag proto.FragID) []byte {
	key := make([]byte, len(dentryKeyPrefix)+13)
	copy(key, dentryKeyPrefix)
	binary.BigEndian.PutUint64(key[len(dentryKeyPrefix):], ino)
	binary.BigEndian.PutUint32(key[len(dentryKeyPrefix)+8:], frag)
	key[len(key)-1] = '/'
	return key
}

func encodeDentryKey(ino proto.Ino, frag proto.FragID, name string, snap proto.SnapID) []byte {
	prefix := encodeDentryKeyPrefix(ino, frag)
	key := make([]byte, len(prefix)+len(name)+9)
	copy(key, prefix)
	copy(key[len(prefix):], name)
	key[len(prefix)+len(name)] = '@'
	binary.BigEndian.PutUint64(key[len(key)-8:], snap)
	return key
}

func encodeInoKey(ino proto.Ino) []byte {
	key := make([]byte, len(inoKeyPrefix)+8)
	copy(key, inoKeyPrefix)
	binary.BigEndian.PutUint64(key[len(inoKeyPrefix):], ino)
	return key
}

func encodeTableKey(rank proto.RankID, kind proto.TableKind) []byte {
	key := make([]byte, proto.RankPrefixSize+3)
	proto.EncodeRankPrefix(rank, key)
	key[proto.RankPrefixSize] = tableKeyKind
	key[proto.RankPrefixSize+1] = '/'
	key[proto.RankPrefixSize+2] = byte(kind)
	return key
}

func encodeRankPrefix(rank proto.RankID) []byte {
	key := make([]byte, proto.RankPrefixSize)
	proto.EncodeRankPrefix(rank, key)
	return key
}

func newStorage(kvStore kvstore.Store) *storage {
	return &storage{kvStore: kvStore}
}

type storage struct {
	kvStore kvstore.Store
}

func (s *storage) GetDentry(ctx context.Context, ino proto.Ino, frag proto.FragID, name string, snap proto.SnapID) (*proto.Dentry, error) {
	data, err := s.kvStore.GetRaw(ctx, MetaCF, encodeDentryKey(ino, frag, name, snap))
	if err != nil {
		return nil, err
	}
	dentry := &proto.Dentry{}
	if err = json.Unmarshal(data, dentry); err != nil {
		return nil, err
	}
	return dentry, nil
}

// UpsertDentry writes the dentry, the frag header when the frag has never
// been materialized, and a synthesized inode when the linked ino is absent,
// all in one batch so an event is applied atomically or not at all.
func (s *storage) UpsertDentry(ctx context.Context, ino proto.Ino, frag proto.FragID, dentry *proto.Dentry, meta proto.InodeMeta) error {
	batch := s.kvStore.NewWriteBatch()
	defer batch.Close()

	fragKey := encodeFragKey(ino, frag)
	if _, err := s.kvStore.GetRaw(ctx, MetaCF, fragKey); err == kvstore.ErrNotFound {
		data, err := json.Marshal(&proto.DirFrag{Ino: ino, Frag: frag})
		if err != nil {
			return err
		}
		batch.Put(MetaCF, fragKey, data)
	} else if err != nil {
		return err
	}

	inoKey := encodeInoKey(dentry.Ino)
	if _, err := s.kvStore.GetRaw(ctx, MetaCF, inoKey); err == kvstore.ErrNotFound {
		data, err := json.Marshal(&proto.Inode{Ino: dentry.Ino, Meta: meta})
		if err != nil {
			return err
		}
		batch.Put(MetaCF, inoKey, data)
	} else if err != nil {
		return err
	}

	data, err := json.Marshal(dentry)
	if err != nil {
		return err
	}
	batch.Put(MetaCF, encodeDentryKey(ino, frag, dentry.Name, dentry.Snap), data)
	return s.kvStore.Write(ctx, batch)
}

func (s *storage) DeleteDentry(ctx context.Context, ino proto.Ino, frag proto.FragID, name string, snap proto.SnapID) error {
	return s.kvStore.Delete(ctx, MetaCF, encodeDentryKey(ino, frag, name, snap))
}

func (s *storage) GetFrag(ctx context.Context, ino proto.Ino, frag proto.FragID) (*proto.DirFrag, error) {
	data, err := s.kvStore.GetRaw(ctx, MetaCF, encodeFragKey(ino, frag))
	if err != nil {
		return nil, err
	}
	ret := &proto.DirFrag{}
	if err = json.Unmarshal(data, ret); err != nil {
		return nil, err
	}
	return ret, nil
}

func (s *storage) ListFrag(ctx context.Context, ino proto.Ino, frag proto.FragID) (ret []*proto.Dentry, err error) {
	lr := s.kvStore.List(ctx, MetaCF, encodeDentryKeyPrefix(ino, frag), nil)
	defer lr.Close()

	for {
		key, value, err := lr.ReadNext()
		if err != nil {
			return nil, err
		}
		if key == nil && value == nil {
			return ret, nil
		}

		dentry := &proto.Dentry{}
		if err = json.Unmarshal(value, dentry); err != nil {
			return nil, err
		}
		ret = append(ret, dentry)
	}
}

func (s *storage) GetInode(ctx context.Context, ino proto.Ino) (*proto.Inode, error) {
	data, err := s.kvStore.GetRaw(ctx, MetaCF, encodeInoKey(ino))
	if err != nil {
		return nil, err
	}
	ret := &proto.Inode{}
	if err = json.Unmarshal(data, ret); err != nil {
		return nil, err
	}
	return ret, nil
}

// MaxIssuedIno scans every inode record and every dentry link for the
// highest ino visible in the store. The scan is deliberately global rather
// than per-rank: a next-free above every visible ino is collision-free no
// matter how rank ranges were carved up before the disaster.
func (s *storage) MaxIssuedIno(ctx context.Context) (max uint64, err error) {
	lr := s.kvStore.List(ctx, MetaCF, inoKeyPrefix, nil)
	for {
		key, value, err := lr.ReadNext()
		if err != nil {
			lr.Close()
			return 0, err
		}
		if key == nil && value == nil {
			break
		}
		if ino := binary.BigEndian.Uint64(key[len(inoKeyPrefix):]); ino > max {
			max = ino
		}
	}
	lr.Close()

	lr = s.kvStore.List(ctx, MetaCF, dentryKeyPrefix, nil)
	defer lr.Close()
	for {
		key, value, err := lr.ReadNext()
		if err != nil {
			return 0, err
		}
		if key == nil && value == nil {
			return max, nil
		}
		dentry := &proto.Dentry{}
		if err = json.Unmarshal(value, dentry); err != nil {
			return 0, err
		}
		if dentry.Ino > max {
			max = dentry.Ino
		}
	}
}

func (s *storage) GetTable(ctx context.Context, rank proto.RankID, kind proto.TableKind) (*proto.Table, error) {
	data, err := s.kvStore.GetRaw(ctx, MetaCF, encodeTableKey(rank, kind))
	if err != nil {
		return nil, err
	}
	ret := &proto.Table{}
	if err = json.Unmarshal(data, ret); err != nil {
		return nil, err
	}
	return ret, nil
}

func (s *storage) PutTable(ctx context.Context, rank proto.RankID, table *proto.Table) error {
	data, err := json.Marshal(table)
	if err != nil {
		return err
	}
	return s.kvStore.SetRaw(ctx, MetaCF, encodeTableKey(rank, table.Kind), data)
}

func (s *storage) GetClusterMap(ctx context.Context) (*proto.ClusterMap, error) {
	data, err := s.kvStore.GetRaw(ctx, MetaCF, clusterMapKey)
	if err != nil {
		return nil, err
	}
	ret := &proto.ClusterMap{}
	if err = json.Unmarshal(data, ret); err != nil {
		return nil, err
	}
	return ret, nil
}

func (s *storage) PutClusterMap(ctx context.Context, cm *proto.ClusterMap) error {
	data, err := json.Marshal(cm)
	if err != nil {
		return err
	}
	return s.kvStore.SetRaw(ctx, MetaCF, clusterMapKey, data)
}

func encodeSubtreeBoundsKey(rank proto.RankID) []byte {
	key := make([]byte, proto.RankPrefixSize+len(subtreeBoundsSuffix))
	proto.EncodeRankPrefix(rank, key)
	copy(key[proto.RankPrefixSize:], subtreeBoundsSuffix)
	return key
}

func (s *storage) PutSubtreeBounds(ctx context.Context, rank proto.RankID, bounds []proto.Ino) error {
	data, err := json.Marshal(bounds)
	if err != nil {
		return err
	}
	return s.kvStore.SetRaw(ctx, MetaCF, encodeSubtreeBoundsKey(rank), data)
}

func (s *storage) GetSubtreeBounds(ctx context.Context, rank proto.RankID) (ret []proto.Ino, err error) {
	data, err := s.kvStore.GetRaw(ctx, MetaCF, encodeSubtreeBoundsKey(rank))
	if err != nil {
		return nil, err
	}
	if err = json.Unmarshal(data, &ret); err != nil {
		return nil, err
	}
	return ret, nil
}

func (s *storage) DeleteSubtreeBounds(ctx context.Context, rank proto.RankID) error {
	return s.kvStore.Delete(ctx, MetaCF, encodeSubtreeBoundsKey(rank))
}

const eraseBatchSize = 256

// EraseRank deletes every object carrying the rank's scoping prefix, in
// every column family. Global objects never carry a rank prefix, so they
// are structurally out of reach.
func (s *storage) EraseRank(ctx context.Context, rank proto.RankID) (removed int, err error) {
	prefix := encodeRankPrefix(rank)
	for _, col := range []kvstore.CF{MetaCF, journal.JournalCF} {
		n, err := s.erasePrefix(ctx, col, prefix)
		if err != nil {
			return removed, err
		}
		removed += n
	}
	return removed, nil
}

func (s *storage) erasePrefix(ctx context.Context, col kvstore.CF, prefix []byte) (removed int, err error) {
	lr := s.kvStore.List(ctx, col, prefix, nil)
	defer lr.Close()

	batch := s.kvStore.NewWriteBatch()
	defer func() { batch.Close() }()

	for {
		key, value, err := lr.ReadNext()
		if err != nil {
			return removed, err
		}
		if key == nil && value == nil {
			break
		}
		batch.Delete(col, key)
		if batch.Len() >= eraseBatchSize {
			if err = s.kvStore.Write(ctx, batch); err != nil {
				return removed, err
			}
			removed += eraseBatchSize
			batch.Close()
			batch = s.kvStore.NewWriteBatch()
		}
	}
	if batch.Len() > 0 {
		n := batch.Len()
		if err = s.kvStore.Write(ctx, batch); err != nil {
			return removed, err
		}
		removed += n
	}
	return removed, nil
}
