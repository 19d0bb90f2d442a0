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
	"fmt"
	"io"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/util/btree"
	"github.com/cubefs/metarepair/common/kvstore"
	"github.com/cubefs/metarepair/journal"
	"github.com/cubefs/metarepair/metrics"
	"github.com/cubefs/metarepair/proto"
)

// DentryEngine replays the directory-structure subset of a rank's journal
// straight into the backing store, independent of full journal replay. It
// applies UpdateDentry and UnlinkDentry in journal order and nothing else.
//
// Overwrites are gated on strict version comparison, so running recovery
// twice over the same journal against the same store state is idempotent:
// no duplicate dentries, no version regression. When two ranks wrote the
// same key at the same version during a merged recovery, the higher rank
// wins, deterministically.
type DentryEngine struct {
	kvStore kvstore.Store
	storage *storage
}

func NewDentryEngine(kvStore kvstore.Store) *DentryEngine {
	return &DentryEngine{kvStore: kvStore, storage: newStorage(kvStore)}
}

type RecoverResult struct {
	Rank    proto.RankID
	Applied uint64
	Skipped uint64

	// PartiallyRecovered is set when the journal ended at a damaged record
	// and the tail was discarded. Everything before it is applied; this is
	// the expected outcome for a journal that died mid-write, not an error.
	PartiallyRecovered bool
}

func (e *DentryEngine) Recover(ctx context.Context, rank proto.RankID) (*RecoverResult, error) {
	span, ctx := trace.StartSpanFromContext(ctx, "recover dentries")

	r := journal.New(e.kvStore, rank).Open(ctx)
	cache := newDentryCache(e.storage)
	ret := &RecoverResult{Rank: rank}

	for {
		ev, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return ret, err
		}

		switch ev := ev.(type) {
		case *journal.UpdateDentry:
			if err = e.applyUpdate(ctx, rank, cache, ev, ret); err != nil {
				return ret, err
			}
		case *journal.UnlinkDentry:
			if err = e.applyUnlink(ctx, cache, ev, ret); err != nil {
				return ret, err
			}
		case *journal.OpenSession, *journal.CloseSession, *journal.Noop, *journal.SubtreeMap:
			// full-replay consumers only
		default:
			return ret, fmt.Errorf("unhandled event kind: %d", ev.Tag())
		}
	}

	ret.PartiallyRecovered = r.Damaged()
	if ret.PartiallyRecovered {
		span.Warnf("journal damaged, rank %d, recovered up to the bad record: %v", rank, r.DecodeErr())
	}
	span.Infof("dentry recovery done, rank %d, applied %d, skipped %d", rank, ret.Applied, ret.Skipped)
	return ret, nil
}

func (e *DentryEngine) applyUpdate(ctx context.Context, rank proto.RankID, cache *dentryCache, ev *journal.UpdateDentry, ret *RecoverResult) error {
	existing, err := cache.get(ctx, ev.Parent, ev.Frag, ev.Name, ev.Snap)
	if err != nil {
		return err
	}
	if existing != nil && !wins(ev.Version, rank, existing) {
		ret.Skipped++
		metrics.DentriesSkipped.Inc()
		return nil
	}

	dentry := &proto.Dentry{
		Name:    ev.Name,
		Snap:    ev.Snap,
		Ino:     ev.Ino,
		Version: ev.Version,
		Rank:    rank,
	}
	if err = e.storage.UpsertDentry(ctx, ev.Parent, ev.Frag, dentry, ev.Meta); err != nil {
		return err
	}
	cache.put(ev.Parent, ev.Frag, dentry)
	ret.Applied++
	metrics.DentriesRecovered.Inc()
	return nil
}

func (e *DentryEngine) applyUnlink(ctx context.Context, cache *dentryCache, ev *journal.UnlinkDentry, ret *RecoverResult) error {
	existing, err := cache.get(ctx, ev.Parent, ev.Frag, ev.Name, ev.Snap)
	if err != nil {
		return err
	}
	if existing == nil || existing.Version > ev.Version {
		// a stale unlink cannot undo a still-newer create
		ret.Skipped++
		metrics.DentriesSkipped.Inc()
		return nil
	}

	if err = e.storage.DeleteDentry(ctx, ev.Parent, ev.Frag, ev.Name, ev.Snap); err != nil {
		return err
	}
	cache.remove(ev.Parent, ev.Frag, ev.Name, ev.Snap)
	ret.Applied++
	return nil
}

// wins decides whether an incoming (version, rank) displaces the stored
// dentry: strictly newer version always, equal version only from a higher
// rank.
func wins(version uint64, rank proto.RankID, existing *proto.Dentry) bool {
	if version != existing.Version {
		return version > existing.Version
	}
	return rank > existing.Rank
}

// dentryCache keeps the dentries touched by one recovery pass in a sorted
// in-memory view, sparing a store read per journal event. Negative results
// are cached too (nil dentry).
type dentryCache struct {
	storage *storage
	tree    *btree.BTree
}

type dentryItem struct {
	ino    proto.Ino
	frag   proto.FragID
	name   string
	snap   proto.SnapID
	dentry *proto.Dentry
}

func (d *dentryItem) Less(than btree.Item) bool {
	o := than.(*dentryItem)
	if d.ino != o.ino {
		return d.ino < o.ino
	}
	if d.frag != o.frag {
		return d.frag < o.frag
	}
	if d.name != o.name {
		return d.name < o.name
	}
	return d.snap < o.snap
}

func (d *dentryItem) Copy() btree.Item {
	item := *d
	return &item
}

func newDentryCache(storage *storage) *dentryCache {
	return &dentryCache{storage: storage, tree: btree.New(32)}
}

func (c *dentryCache) get(ctx context.Context, ino proto.Ino, frag proto.FragID, name string, snap proto.SnapID) (*proto.Dentry, error) {
	key := &dentryItem{ino: ino, frag: frag, name: name, snap: snap}
	if item := c.tree.Get(key); item != nil {
		return item.(*dentryItem).dentry, nil
	}

	dentry, err := c.storage.GetDentry(ctx, ino, frag, name, snap)
	if err == kvstore.ErrNotFound {
		c.tree.ReplaceOrInsert(key)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	key.dentry = dentry
	c.tree.ReplaceOrInsert(key)
	return dentry, nil
}

func (c *dentryCache) put(ino proto.Ino, frag proto.FragID, dentry *proto.Dentry) {
	c.tree.ReplaceOrInsert(&dentryItem{ino: ino, frag: frag, name: dentry.Name, snap: dentry.Snap, dentry: dentry})
}

func (c *dentryCache) remove(ino proto.Ino, frag proto.FragID, name string, snap proto.SnapID) {
	c.tree.ReplaceOrInsert(&dentryItem{ino: ino, frag: frag, name: name, snap: snap})
}
