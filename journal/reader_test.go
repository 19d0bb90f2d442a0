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

package journal

import (
	"bytes"
	"context"
	"io"
	"os"
	"testing"

	"github.com/cubefs/metarepair/common/kvstore"
	"github.com/cubefs/metarepair/util"
	"github.com/stretchr/testify/require"
)

func encodeAll(t *testing.T, events ...Event) []byte {
	var buf []byte
	for _, ev := range events {
		b, err := Encode(ev)
		require.NoError(t, err)
		buf = append(buf, b...)
	}
	return buf
}

func drain(t *testing.T, r *Reader) []Event {
	var ret []Event
	for {
		ev, err := r.Next()
		if err == io.EOF {
			return ret
		}
		require.NoError(t, err)
		ret = append(ret, ev)
	}
}

func TestReader_CleanLog(t *testing.T) {
	buf := encodeAll(t,
		testUpdateDentry("a", 1, 100),
		&Noop{},
		testUpdateDentry("b", 1, 101),
	)

	r := NewReader(bytes.NewReader(buf))
	events := drain(t, r)
	require.Len(t, events, 3)
	require.False(t, r.Damaged())
	require.NoError(t, r.DecodeErr())

	// drained readers stay drained
	_, err := r.Next()
	require.Equal(t, io.EOF, err)
}

func TestReader_EmptyLog(t *testing.T) {
	r := NewReader(bytes.NewReader(nil))
	require.Empty(t, drain(t, r))
	require.False(t, r.Damaged())
}

func TestReader_GarbageTail(t *testing.T) {
	buf := encodeAll(t,
		testUpdateDentry("a", 1, 100),
		testUpdateDentry("b", 1, 101),
		&OpenSession{ClientID: 1},
	)
	buf = append(buf, 0xde, 0xad, 0xbe, 0xef, 0x00)

	r := NewReader(bytes.NewReader(buf))
	events := drain(t, r)
	require.Len(t, events, 3)
	require.True(t, r.Damaged())
	require.Equal(t, ErrInvalidTag, r.DecodeErr())
}

func TestReader_TruncatedTail(t *testing.T) {
	buf := encodeAll(t, testUpdateDentry("a", 1, 100), testUpdateDentry("b", 1, 101))
	buf = buf[:len(buf)-3]

	r := NewReader(bytes.NewReader(buf))
	events := drain(t, r)
	require.Len(t, events, 1)
	require.True(t, r.Damaged())
	require.Equal(t, ErrTruncated, r.DecodeErr())
}

func TestReader_CorruptMidStream(t *testing.T) {
	first, err := Encode(testUpdateDentry("a", 1, 100))
	require.NoError(t, err)
	second, err := Encode(testUpdateDentry("b", 1, 101))
	require.NoError(t, err)
	second[len(second)-1] ^= 0xff
	third, err := Encode(testUpdateDentry("c", 1, 102))
	require.NoError(t, err)

	buf := append(append(append([]byte{}, first...), second...), third...)
	r := NewReader(bytes.NewReader(buf))
	events := drain(t, r)

	// nothing after the first bad record is trusted
	require.Len(t, events, 1)
	require.True(t, r.Damaged())
	require.Equal(t, ErrChecksumMismatch, r.DecodeErr())
}

func newTestStore(t *testing.T) kvstore.Store {
	path, err := util.GenTmpPath()
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(path) })

	s, err := kvstore.NewKVStore(context.Background(), path, kvstore.BadgerLsmKVType, &kvstore.Option{
		CreateIfMissing: true,
		ColumnFamily:    []kvstore.CF{JournalCF},
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestJournal_AppendOpen(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	j := New(store, 1)
	require.NoError(t, j.Append(ctx, testUpdateDentry("a", 1, 100)))
	require.NoError(t, j.Append(ctx, &Noop{}, testUpdateDentry("b", 2, 101)))

	// events come back in journal order across segment boundaries
	events := drain(t, j.Open(ctx))
	require.Len(t, events, 3)
	require.Equal(t, "a", events[0].(*UpdateDentry).Name)
	require.Equal(t, EventNoop, events[1].Tag())
	require.Equal(t, "b", events[2].(*UpdateDentry).Name)

	// readers are restartable
	require.Len(t, drain(t, j.Open(ctx)), 3)
}

func TestJournal_Summary(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	j := New(store, 0)
	require.NoError(t, j.Append(ctx,
		testUpdateDentry("a", 1, 100),
		testUpdateDentry("b", 1, 101),
		&UnlinkDentry{Parent: 1, Name: "c", Version: 1},
		&Noop{},
	))
	require.NoError(t, j.AppendRaw(ctx, []byte("garbage tail")))

	sum, err := j.Summary(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(4), sum.Events)
	require.Equal(t, uint64(2), sum.Counts[EventUpdateDentry])
	require.Equal(t, uint64(1), sum.Counts[EventUnlinkDentry])
	require.Equal(t, uint64(1), sum.Counts[EventNoop])
	require.True(t, sum.Damaged)
}

func TestJournal_Reset(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	j := New(store, 2)
	require.NoError(t, j.Append(ctx, testUpdateDentry("a", 1, 100)))
	require.NoError(t, j.Append(ctx, testUpdateDentry("b", 1, 101)))

	removed, err := j.Reset(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, removed)
	require.Empty(t, drain(t, j.Open(ctx)))

	// resetting an already-empty journal removes nothing and is not an error
	removed, err = j.Reset(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, removed)

	// another rank's journal is untouched
	other := New(store, 3)
	require.NoError(t, other.Append(ctx, &Noop{}))
	_, err = j.Reset(ctx)
	require.NoError(t, err)
	require.Len(t, drain(t, other.Open(ctx)), 1)
}
