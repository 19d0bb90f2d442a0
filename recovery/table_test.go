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
	"testing"

	"github.com/cubefs/metarepair/common/kvstore"
	apierrors "github.com/cubefs/metarepair/errors"
	"github.com/cubefs/metarepair/journal"
	"github.com/cubefs/metarepair/proto"
	"github.com/stretchr/testify/require"
)

func TestTableEngine_ResetInode(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	// recovered metadata reaches ino 150
	require.NoError(t, journal.New(store, 0).Append(ctx, update("a", 1, 150), update("b", 1, 120)))
	_, err := NewDentryEngine(store).Recover(ctx, 0)
	require.NoError(t, err)

	engine := NewTableEngine(store)
	table, err := engine.Reset(ctx, 0, proto.TableInode)
	require.NoError(t, err)
	require.Equal(t, uint64(151), table.Next)
	require.Empty(t, table.Issued)

	// allocations after the reset stay above every recovered ino
	id, err := engine.Alloc(ctx, 0, proto.TableInode)
	require.NoError(t, err)
	require.Equal(t, uint64(151), id)
	id, err = engine.Alloc(ctx, 0, proto.TableInode)
	require.NoError(t, err)
	require.Equal(t, uint64(152), id)
}

func TestTableEngine_ResetToRefusesCollision(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, journal.New(store, 0).Append(ctx, update("a", 1, 150)))
	_, err := NewDentryEngine(store).Recover(ctx, 0)
	require.NoError(t, err)

	engine := NewTableEngine(store)
	_, err = engine.ResetTo(ctx, 0, proto.TableInode, 100)
	require.Equal(t, apierrors.ErrIdentifierCollisionRisk, err)

	// the refused reset left no table behind
	_, err = newStorage(store).GetTable(ctx, 0, proto.TableInode)
	require.Equal(t, kvstore.ErrNotFound, err)

	// at the floor or above is accepted
	table, err := engine.ResetTo(ctx, 0, proto.TableInode, 151)
	require.NoError(t, err)
	require.Equal(t, uint64(151), table.Next)
}

func TestTableEngine_ResetSessionPreservesCounter(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	st := newStorage(store)
	require.NoError(t, st.PutTable(ctx, 1, &proto.Table{
		Kind:   proto.TableSession,
		Next:   42,
		Issued: []uint64{7, 9},
	}))

	table, err := NewTableEngine(store).Reset(ctx, 1, proto.TableSession)
	require.NoError(t, err)
	require.Equal(t, uint64(42), table.Next)
	require.Empty(t, table.Issued)

	// resetting a rank that never had a session table starts at 1
	table, err = NewTableEngine(store).Reset(ctx, 2, proto.TableSession)
	require.NoError(t, err)
	require.Equal(t, uint64(1), table.Next)
}

func TestTableEngine_UnknownKind(t *testing.T) {
	store := newTestStore(t)
	_, err := NewTableEngine(store).Reset(context.Background(), 0, proto.TableKind(99))
	require.Equal(t, apierrors.ErrUnknownTableKind, err)
}
