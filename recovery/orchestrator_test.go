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
	"io"
	"testing"

	"github.com/cubefs/metarepair/common/kvstore"
	apierrors "github.com/cubefs/metarepair/errors"
	"github.com/cubefs/metarepair/journal"
	"github.com/cubefs/metarepair/proto"
	"github.com/stretchr/testify/require"
)

func TestPlan_Validate(t *testing.T) {
	require.Equal(t, apierrors.ErrEmptyPlan, (&Plan{}).Validate())
	require.Equal(t, apierrors.ErrRetireRootRank,
		(&Plan{Retire: []proto.RankID{proto.RootRank}, SurvivorCount: 1}).Validate())
	require.Equal(t, apierrors.ErrDuplicateRank,
		(&Plan{Repair: []proto.RankID{1}, Retire: []proto.RankID{1}, SurvivorCount: 1}).Validate())
	require.Equal(t, apierrors.ErrNoSurvivors,
		(&Plan{Retire: []proto.RankID{1}}).Validate())
	require.NoError(t, (&Plan{Repair: []proto.RankID{0}}).Validate())

	store := newTestStore(t)
	_, err := NewOrchestrator(store, Plan{})
	require.Equal(t, apierrors.ErrEmptyPlan, err)
}

func TestOrchestrator_OrderingGuards(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, journal.New(store, 0).Append(ctx, update("a", 1, 100)))

	o, err := NewOrchestrator(store, Plan{Repair: []proto.RankID{0}})
	require.NoError(t, err)

	// every later step refuses to run before journals are drained, and
	// leaves the store untouched
	require.Equal(t, apierrors.ErrOrderingViolation, o.ResetTables(ctx))
	require.Equal(t, apierrors.ErrOrderingViolation, o.EraseOrphans(ctx))
	require.Equal(t, apierrors.ErrOrderingViolation, o.ResetClusterMap(ctx))
	require.Equal(t, PhaseIdle, o.Phase())
	_, err = newStorage(store).GetTable(ctx, 0, proto.TableSession)
	require.Equal(t, kvstore.ErrNotFound, err)

	require.NoError(t, o.RecoverJournals(ctx))
	require.Equal(t, PhaseRecoveringJournals, o.Phase())

	// no step runs twice
	require.Equal(t, apierrors.ErrOrderingViolation, o.RecoverJournals(ctx))
	require.Equal(t, apierrors.ErrOrderingViolation, o.ResetClusterMap(ctx))

	require.NoError(t, o.ResetTables(ctx))
	require.NoError(t, o.EraseOrphans(ctx))
	require.NoError(t, o.ResetClusterMap(ctx))
	require.Equal(t, PhaseSucceeded, o.Phase())
}

func TestOrchestrator_RepairRun(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	st := newStorage(store)

	require.NoError(t, journal.New(store, 0).Append(ctx, update("a", 1, 100), update("b", 1, 101)))
	require.NoError(t, st.PutClusterMap(ctx, &proto.ClusterMap{
		Epoch: 1, AuthorityCount: 2, Ranks: []proto.RankID{0, 1},
	}))

	o, err := NewOrchestrator(store, Plan{Repair: []proto.RankID{0}})
	require.NoError(t, err)
	require.NoError(t, o.Run(ctx))
	require.Equal(t, PhaseSucceeded, o.Phase())

	require.Equal(t, []string{"a", "b"}, rootNames(t, store))
	require.Equal(t, uint64(2), o.Recovered()[0].Applied)

	// the drained journal is gone
	_, err = journal.New(store, 0).Open(ctx).Next()
	require.Equal(t, io.EOF, err)

	// the session table was rebuilt, the layout left alone
	table, err := st.GetTable(ctx, 0, proto.TableSession)
	require.NoError(t, err)
	require.Equal(t, proto.TableSession, table.Kind)
	cm, err := st.GetClusterMap(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(2), cm.AuthorityCount)
	require.Equal(t, []proto.RankID{0, 1}, cm.Ranks)
}

func TestOrchestrator_ShrinkRun(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	st := newStorage(store)

	require.NoError(t, journal.New(store, 0).Append(ctx, update("a", 1, 100)))
	require.NoError(t, journal.New(store, 1).Append(ctx, update("b", 1, 101)))
	require.NoError(t, st.PutClusterMap(ctx, &proto.ClusterMap{
		Epoch: 3, AuthorityCount: 2, Ranks: []proto.RankID{0, 1},
	}))
	require.NoError(t, st.PutTable(ctx, 1, &proto.Table{Kind: proto.TableSession, Next: 9}))
	require.NoError(t, st.PutSubtreeBounds(ctx, 1, []proto.Ino{500}))

	o, err := NewOrchestrator(store, Plan{
		Repair:        []proto.RankID{0},
		Retire:        []proto.RankID{1},
		SurvivorCount: 1,
	})
	require.NoError(t, err)
	require.NoError(t, o.Run(ctx))
	require.Equal(t, PhaseSucceeded, o.Phase())

	// both ranks' dentries landed in the shared namespace
	require.Equal(t, []string{"a", "b"}, rootNames(t, store))

	// nothing rank-scoped survives for the retired rank
	_, err = st.GetTable(ctx, 1, proto.TableSession)
	require.Equal(t, kvstore.ErrNotFound, err)
	_, err = st.GetSubtreeBounds(ctx, 1)
	require.Equal(t, kvstore.ErrNotFound, err)
	_, err = journal.New(store, 1).Open(ctx).Next()
	require.Equal(t, io.EOF, err)

	// its subtree bounds were rebound to the root rank before the erase
	bounds, err := st.GetSubtreeBounds(ctx, proto.RootRank)
	require.NoError(t, err)
	require.Equal(t, []proto.Ino{500}, bounds)

	cm, err := st.GetClusterMap(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(1), cm.AuthorityCount)
	require.Equal(t, []proto.RankID{0}, cm.Ranks)
	require.Equal(t, uint64(4), cm.Epoch)
}
