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
	"context"
	"encoding/binary"
	"io"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/metarepair/common/kvstore"
	"github.com/cubefs/metarepair/proto"
)

// JournalCF holds journal segments, separated from materialized metadata so
// a rank's journal and its metadata can be truncated independently.
var JournalCF = kvstore.CF("journal")

var journalKeyKind = byte('j')

// Journal is one rank's append-only event stream, stored as ordered segment
// objects under the rank's scoping prefix. Recovery only reads it or
// truncates it; it never appends (Append serves the live writer and test
// fixtures).
type Journal struct {
	kvStore kvstore.Store
	rank    proto.RankID
}

func New(kvStore kvstore.Store, rank proto.RankID) *Journal {
	return &Journal{kvStore: kvStore, rank: rank}
}

func (j *Journal) Rank() proto.RankID {
	return j.rank
}

// Open returns a restartable reader over the journal's byte stream.
func (j *Journal) Open(ctx context.Context) *Reader {
	lr := j.kvStore.List(ctx, JournalCF, j.segmentPrefix(), nil)
	return NewReader(&segmentSource{lr: lr})
}

// Append frames the events and writes them as the next segment.
func (j *Journal) Append(ctx context.Context, events ...Event) error {
	buf := make([]byte, 0, 256)
	for _, ev := range events {
		b, err := Encode(ev)
		if err != nil {
			return err
		}
		buf = append(buf, b...)
	}
	return j.AppendRaw(ctx, buf)
}

// AppendRaw writes raw bytes as the next segment, framed or not. Damaged
// tails in tests are built with it.
func (j *Journal) AppendRaw(ctx context.Context, raw []byte) error {
	last, err := j.lastSeq(ctx)
	if err != nil {
		return err
	}
	return j.kvStore.SetRaw(ctx, JournalCF, j.segmentKey(last+1), raw)
}

// Reset truncates the journal to empty by deleting every segment. Running
// it again removes nothing and is not an error. The caller is responsible
// for having recovered or abandoned the content first.
func (j *Journal) Reset(ctx context.Context) (int, error) {
	span := trace.SpanFromContextSafe(ctx)

	lr := j.kvStore.List(ctx, JournalCF, j.segmentPrefix(), nil)
	defer lr.Close()

	batch := j.kvStore.NewWriteBatch()
	defer batch.Close()

	removed := 0
	for {
		key, value, err := lr.ReadNext()
		if err != nil {
			return 0, err
		}
		if key == nil && value == nil {
			break
		}
		batch.Delete(JournalCF, key)
		removed++
	}
	if removed == 0 {
		return 0, nil
	}
	if err := j.kvStore.Write(ctx, batch); err != nil {
		return 0, err
	}

	span.Infof("journal reset, rank %d, segments removed %d", j.rank, removed)
	return removed, nil
}

// Summary counts decodable events per kind without applying anything.
type Summary struct {
	Events  uint64
	Counts  map[EventTag]uint64
	Damaged bool
}

func (j *Journal) Summary(ctx context.Context) (*Summary, error) {
	r := j.Open(ctx)
	ret := &Summary{Counts: make(map[EventTag]uint64)}
	for {
		ev, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		ret.Events++
		ret.Counts[ev.Tag()]++
	}
	ret.Damaged = r.Damaged()
	return ret, nil
}

func (j *Journal) lastSeq(ctx context.Context) (uint64, error) {
	lr := j.kvStore.List(ctx, JournalCF, j.segmentPrefix(), nil)
	defer lr.Close()

	last := uint64(0)
	prefixSize := len(j.segmentPrefix())
	for {
		key, value, err := lr.ReadNext()
		if err != nil {
			return 0, err
		}
		if key == nil && value == nil {
			return last, nil
		}
		last = binary.BigEndian.Uint64(key[prefixSize:])
	}
}

func (j *Journal) segmentPrefix() []byte {
	key := make([]byte, proto.RankPrefixSize+2)
	proto.EncodeRankPrefix(j.rank, key)
	key[proto.RankPrefixSize] = journalKeyKind
	key[proto.RankPrefixSize+1] = '/'
	return key
}

func (j *Journal) segmentKey(seq uint64) []byte {
	prefix := j.segmentPrefix()
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], seq)
	return key
}

// segmentSource streams segment values in key order as one contiguous byte
// stream.
type segmentSource struct {
	lr  kvstore.ListReader
	buf []byte
	eof bool
}

func (s *segmentSource) Read(p []byte) (int, error) {
	for len(s.buf) == 0 {
		if s.eof {
			return 0, io.EOF
		}
		key, value, err := s.lr.ReadNext()
		if err != nil {
			return 0, err
		}
		if key == nil && value == nil {
			s.eof = true
			s.lr.Close()
			return 0, io.EOF
		}
		s.buf = value
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}
