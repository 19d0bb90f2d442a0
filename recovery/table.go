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

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/metarepair/common/kvstore"
	apierrors "github.com/cubefs/metarepair/errors"
	"github.com/cubefs/metarepair/metrics"
	"github.com/cubefs/metarepair/proto"
)

// TableEngine rebuilds a rank's allocation tables to a clean state after the
// journals have been drained. The one hard rule is that a rebuilt table may
// never re-issue an identifier that is already visible in the backing store:
// the next-free counter only moves up, and an explicit request to move it
// down is refused, not clamped.
type TableEngine struct {
	storage *storage
}

func NewTableEngine(kvStore kvstore.Store) *TableEngine {
	return &TableEngine{storage: newStorage(kvStore)}
}

// Reset rewrites the table with an automatically chosen next-free counter
// and an empty issued set. For the inode table the counter is placed above
// every ino visible anywhere in the store; for session and snapshot tables
// the previous counter survives so those identifier spaces never reuse
// either.
func (e *TableEngine) Reset(ctx context.Context, rank proto.RankID, kind proto.TableKind) (*proto.Table, error) {
	floor, err := e.floor(ctx, rank, kind)
	if err != nil {
		return nil, err
	}
	return e.reset(ctx, rank, kind, floor)
}

// ResetTo rewrites the table with an operator-chosen next-free counter. A
// counter at or below an identifier visible in the store is refused with
// ErrIdentifierCollisionRisk and the table is left untouched.
func (e *TableEngine) ResetTo(ctx context.Context, rank proto.RankID, kind proto.TableKind, next uint64) (*proto.Table, error) {
	floor, err := e.floor(ctx, rank, kind)
	if err != nil {
		return nil, err
	}
	if next < floor {
		trace.SpanFromContextSafe(ctx).Errorf("table reset refused, rank %d, kind %s, requested %d, floor %d",
			rank, kind, next, floor)
		return nil, apierrors.ErrIdentifierCollisionRisk
	}
	return e.reset(ctx, rank, kind, next)
}

// Alloc issues the next identifier from the rank's table, recording it as
// issued. Used to hand out inos for objects synthesized during repair.
func (e *TableEngine) Alloc(ctx context.Context, rank proto.RankID, kind proto.TableKind) (uint64, error) {
	table, err := e.storage.GetTable(ctx, rank, kind)
	if err != nil {
		return 0, err
	}
	id := table.Next
	table.Next++
	table.Issued = append(table.Issued, id)
	if err = e.storage.PutTable(ctx, rank, table); err != nil {
		return 0, err
	}
	return id, nil
}

func (e *TableEngine) reset(ctx context.Context, rank proto.RankID, kind proto.TableKind, next uint64) (*proto.Table, error) {
	span := trace.SpanFromContextSafe(ctx)

	table := &proto.Table{Kind: kind, Next: next}
	if err := e.storage.PutTable(ctx, rank, table); err != nil {
		return nil, err
	}
	metrics.TablesReset.WithLabelValues(kind.String()).Inc()
	span.Infof("table reset, rank %d, kind %s, next free %d", rank, kind, next)
	return table, nil
}

// floor is the lowest next-free counter that cannot collide with an
// identifier already visible in the store.
func (e *TableEngine) floor(ctx context.Context, rank proto.RankID, kind proto.TableKind) (uint64, error) {
	switch kind {
	case proto.TableInode:
		max, err := e.storage.MaxIssuedIno(ctx)
		if err != nil {
			return 0, err
		}
		return max + 1, nil
	case proto.TableSession, proto.TableSnap:
		table, err := e.storage.GetTable(ctx, rank, kind)
		if err == kvstore.ErrNotFound {
			return 1, nil
		}
		if err != nil {
			return 0, err
		}
		return table.Next, nil
	default:
		return 0, apierrors.ErrUnknownTableKind
	}
}
