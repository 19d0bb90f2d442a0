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
	"testing"

	"github.com/cubefs/metarepair/proto"
	"github.com/stretchr/testify/require"
)

func testUpdateDentry(name string, version uint64, ino proto.Ino) *UpdateDentry {
	return &UpdateDentry{
		Parent:  proto.RootIno,
		Frag:    0,
		Name:    name,
		Snap:    proto.HeadSnap,
		Ino:     ino,
		Version: version,
		Meta:    proto.InodeMeta{Mode: 0o644, Size: 42},
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	in := testUpdateDentry("rootfile", 1, 100)
	b, err := Encode(in)
	require.NoError(t, err)

	ev, n, err := Decode(b)
	require.NoError(t, err)
	require.Equal(t, len(b), n)
	require.Equal(t, in, ev)

	// a second record right behind the first decodes independently
	b = append(b, b...)
	ev, n2, err := Decode(b[n:])
	require.NoError(t, err)
	require.Equal(t, n, n2)
	require.Equal(t, in, ev)
}

func TestCodec_Truncated(t *testing.T) {
	_, _, err := Decode(nil)
	require.Equal(t, ErrTruncated, err)

	b, err := Encode(&Noop{})
	require.NoError(t, err)

	for cut := 1; cut < len(b); cut++ {
		_, _, err = Decode(b[:cut])
		require.Equal(t, ErrTruncated, err, "cut at %d", cut)
	}
}

func TestCodec_InvalidTag(t *testing.T) {
	b, err := Encode(&OpenSession{ClientID: 7})
	require.NoError(t, err)

	bad := append([]byte{}, b...)
	bad[0] ^= 0xff // magic
	_, _, err = Decode(bad)
	require.Equal(t, ErrInvalidTag, err)

	bad = append([]byte{}, b...)
	bad[2] = 0xee // unassigned tag
	_, _, err = Decode(bad)
	require.Equal(t, ErrInvalidTag, err)
}

func TestCodec_ChecksumMismatch(t *testing.T) {
	b, err := Encode(testUpdateDentry("x", 2, 101))
	require.NoError(t, err)

	b[len(b)-1] ^= 0xff
	_, _, err = Decode(b)
	require.Equal(t, ErrChecksumMismatch, err)
	require.True(t, IsDecodeError(err))
}
