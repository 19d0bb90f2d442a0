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

import "github.com/cubefs/metarepair/proto"

const (
	EventUpdateDentry EventTag = iota + 1
	EventUnlinkDentry
	EventOpenSession
	EventCloseSession
	EventNoop
	EventSubtreeMap
)

type EventTag uint8

func (t EventTag) String() string {
	switch t {
	case EventUpdateDentry:
		return "update_dentry"
	case EventUnlinkDentry:
		return "unlink_dentry"
	case EventOpenSession:
		return "open_session"
	case EventCloseSession:
		return "close_session"
	case EventNoop:
		return "noop"
	case EventSubtreeMap:
		return "subtree_map"
	default:
		return "unknown"
	}
}

// Event is one logged mutation. Events are immutable once read; recovery
// never mutates an event, only the store.
type Event interface {
	Tag() EventTag
}

// UpdateDentry creates or updates a dentry in the dirfrag keyed by
// (Parent, Frag), linking it to Ino. Meta is enough inode metadata to
// synthesize the linked inode when the store has never seen it.
type UpdateDentry struct {
	Parent  proto.Ino       `json:"parent"`
	Frag    proto.FragID    `json:"frag"`
	Name    string          `json:"name"`
	Snap    proto.SnapID    `json:"snap"`
	Ino     proto.Ino       `json:"ino"`
	Version uint64          `json:"version"`
	Meta    proto.InodeMeta `json:"meta"`
}

// UnlinkDentry removes the dentry at (Name, Snap), unless the stored dentry
// is newer than Version.
type UnlinkDentry struct {
	Parent  proto.Ino    `json:"parent"`
	Frag    proto.FragID `json:"frag"`
	Name    string       `json:"name"`
	Snap    proto.SnapID `json:"snap"`
	Version uint64       `json:"version"`
}

type OpenSession struct {
	ClientID uint64 `json:"client_id"`
}

type CloseSession struct {
	ClientID uint64 `json:"client_id"`
}

type Noop struct{}

// SubtreeMap records the authority bounds at journal-write time. Ignored by
// dentry recovery, retained for full replay consumers.
type SubtreeMap struct {
	Bounds []SubtreeBound `json:"bounds"`
}

type SubtreeBound struct {
	Ino  proto.Ino    `json:"ino"`
	Rank proto.RankID `json:"rank"`
}

func (*UpdateDentry) Tag() EventTag { return EventUpdateDentry }
func (*UnlinkDentry) Tag() EventTag { return EventUnlinkDentry }
func (*OpenSession) Tag() EventTag  { return EventOpenSession }
func (*CloseSession) Tag() EventTag { return EventCloseSession }
func (*Noop) Tag() EventTag         { return EventNoop }
func (*SubtreeMap) Tag() EventTag   { return EventSubtreeMap }

// newEvent is the closed tag dispatch: a tag added here must be handled by
// every consumer switch before it can appear on the wire.
func newEvent(tag EventTag) Event {
	switch tag {
	case EventUpdateDentry:
		return &UpdateDentry{}
	case EventUnlinkDentry:
		return &UnlinkDentry{}
	case EventOpenSession:
		return &OpenSession{}
	case EventCloseSession:
		return &CloseSession{}
	case EventNoop:
		return &Noop{}
	case EventSubtreeMap:
		return &SubtreeMap{}
	default:
		return nil
	}
}
