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

// InodeMeta is the mutable metadata carried by journal events alongside a
// linked ino, enough to synthesize a minimal inode record during recovery.
type InodeMeta struct {
	Mode  uint32 `json:"mode"`
	Uid   uint32 `json:"uid"`
	Gid   uint32 `json:"gid"`
	Size  uint64 `json:"size"`
	Mtime int64  `json:"mtime"`
}

// Inode is identified by a 64-bit ino, immutable after allocation except
// for its metadata fields. Allocation is rank-scoped via the inode table.
type Inode struct {
	Ino  Ino       `json:"ino"`
	Meta InodeMeta `json:"meta"`
}

// DirFrag is a directory shard, keyed by owning ino and fragment id.
type DirFrag struct {
	Ino  Ino    `json:"ino"`
	Frag FragID `json:"frag"`
}

// Dentry links a (name, snap) pair within a dirfrag to an inode. Two
// dentries with the same name and snap in one frag are mutually exclusive;
// the higher version wins. Rank records the authoring rank so that merged
// recovery can break same-version ties deterministically.
type Dentry struct {
	Name    string `json:"name"`
	Snap    SnapID `json:"snap"`
	Ino     Ino    `json:"ino"`
	Version uint64 `json:"version"`
	Rank    RankID `json:"rank"`
}

type TableKind uint8

const (
	TableSession TableKind = iota + 1
	TableInode
	TableSnap
)

func (k TableKind) String() string {
	switch k {
	case TableSession:
		return "session"
	case TableInode:
		return "inode"
	case TableSnap:
		return "snap"
	default:
		return "unknown"
	}
}

// ParseTableKind maps the operator-facing table name to its kind.
func ParseTableKind(name string) (TableKind, bool) {
	switch name {
	case "session":
		return TableSession, true
	case "inode":
		return TableInode, true
	case "snap", "snapshot":
		return TableSnap, true
	default:
		return 0, false
	}
}

// Table is the per-rank allocation state for one identifier space. Next is
// the next-free identifier and never moves backward below an identifier that
// might already be visible in the backing store.
type Table struct {
	Kind   TableKind `json:"kind"`
	Next   uint64    `json:"next"`
	Issued []uint64  `json:"issued,omitempty"`
}

// ClusterMap is the stored authority map: how many ranks serve the
// namespace and which of them are live. The membership collaborator owns it;
// recovery only rewrites it during a shrink.
type ClusterMap struct {
	Epoch          uint64   `json:"epoch"`
	AuthorityCount uint32   `json:"authority_count"`
	Ranks          []RankID `json:"ranks"`
}
