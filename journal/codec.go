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
	"encoding/binary"
	"encoding/json"
	"hash/crc32"

	"github.com/cubefs/cubefs/blobstore/util/errors"
)

// Record frame, all integers big-endian:
//
//	magic(2) | tag(1) | length(4) | crc32(4) | payload(length)
//
// The crc covers the payload only. Decoding is self-delimiting: a short
// trailing record yields ErrTruncated, never a partial event.
const (
	recordMagic = uint16(0x4D52)
	headerSize  = 11

	// maxRecordSize caps a single event payload. A length field above it is
	// treated as corruption, not as an incomplete record.
	maxRecordSize = 16 << 20
)

var (
	ErrTruncated        = errors.New("truncated journal record")
	ErrInvalidTag       = errors.New("invalid journal record tag")
	ErrChecksumMismatch = errors.New("journal record checksum mismatch")
)

// IsDecodeError reports whether err is local to a single journal record.
// Decode errors end the readable prefix of a journal; they are never fatal
// to a recovery run.
func IsDecodeError(err error) bool {
	return err == ErrTruncated || err == ErrInvalidTag || err == ErrChecksumMismatch
}

// Encode frames one event. Only the live service appends to journals;
// recovery uses Encode for fixtures and never writes it back.
func Encode(ev Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}

	b := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint16(b, recordMagic)
	b[2] = byte(ev.Tag())
	binary.BigEndian.PutUint32(b[3:], uint32(len(payload)))
	binary.BigEndian.PutUint32(b[7:], crc32.ChecksumIEEE(payload))
	copy(b[headerSize:], payload)
	return b, nil
}

// Decode parses the first record in b and returns the event and the bytes
// consumed. ErrTruncated means b holds less than one whole record.
func Decode(b []byte) (Event, int, error) {
	if len(b) < headerSize {
		return nil, 0, ErrTruncated
	}
	if binary.BigEndian.Uint16(b) != recordMagic {
		return nil, 0, ErrInvalidTag
	}

	ev := newEvent(EventTag(b[2]))
	if ev == nil {
		return nil, 0, ErrInvalidTag
	}

	length := binary.BigEndian.Uint32(b[3:])
	if length > maxRecordSize {
		return nil, 0, ErrInvalidTag
	}
	if len(b) < headerSize+int(length) {
		return nil, 0, ErrTruncated
	}

	payload := b[headerSize : headerSize+int(length)]
	if crc32.ChecksumIEEE(payload) != binary.BigEndian.Uint32(b[7:]) {
		return nil, 0, ErrChecksumMismatch
	}
	if err := json.Unmarshal(payload, ev); err != nil {
		// the crc held, so the writer produced this; do not trust anything after it
		return nil, 0, ErrInvalidTag
	}
	return ev, headerSize + int(length), nil
}
