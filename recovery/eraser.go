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
	"github.com/cubefs/metarepair/metrics"
	"github.com/cubefs/metarepair/proto"
)

// Eraser removes every backing-store object scoped to a retired rank:
// tables, subtree bounds, journal segments. Selection is purely by the
// rank's key prefix, so global objects (dirfrags, dentries, inodes, the
// cluster map) cannot be matched regardless of which rank wrote them.
type Eraser struct {
	storage *storage
}

func NewEraser(kvStore kvstore.Store) *Eraser {
	return &Eraser{storage: newStorage(kvStore)}
}

// Erase returns the number of objects removed. Zero on a second run: the
// prefix no longer matches anything.
func (e *Eraser) Erase(ctx context.Context, rank proto.RankID) (int, error) {
	span := trace.SpanFromContextSafe(ctx)

	removed, err := e.storage.EraseRank(ctx, rank)
	if err != nil {
		return removed, err
	}
	metrics.ObjectsErased.Add(float64(removed))
	span.Infof("rank objects erased, rank %d, removed %d", rank, removed)
	return removed, nil
}
