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

package proto

import "encoding/binary"

const (
	// RootIno is the inode number of the namespace root. The root dirfrag
	// always exists conceptually, though it may be absent from the backing
	// store until first populated.
	RootIno = Ino(1)

	// RootRank is the primary authority domain. It owns the root subtree
	// and all global objects, and is never retired.
	RootRank = RankID(0)

	// HeadSnap marks a non-snapshot (live) dentry.
	HeadSnap = SnapID(^uint64(0))
)

type (
	RankID = uint32
	Ino    = uint64
	SnapID = uint64
	FragID = uint32
)

// RankPrefixSize is the length of the rank scoping prefix every rank-owned
// key starts with: a big-endian rank id plus a separator.
const RankPrefixSize = 5

// EncodeRankPrefix writes the scoping prefix of a rank into b.
// Every object owned by a rank carries this prefix, in every column family,
// so erasing a rank is a prefix scan and nothing else.
func EncodeRankPrefix(rank RankID, b []byte) {
	binary.BigEndian.PutUint32(b, rank)
	b[4] = '/'
}

// DecodeRankPrefix returns the owning rank of a key.
func DecodeRankPrefix(b []byte) RankID {
	return binary.BigEndian.Uint32(b)
}
