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
	"io"

	"github.com/cubefs/metarepair/metrics"
)

const readChunkSize = 1 << 16

// Reader produces the decoded event sequence of one journal stream. A
// journal is always valid up to its last complete record: the first decode
// failure ends the sequence without surfacing an error, and nothing after it
// is trusted. Restart by opening a new Reader over the same stream.
type Reader struct {
	src       io.Reader
	buf       []byte
	srcDone   bool
	done      bool
	decodeErr error
}

func NewReader(src io.Reader) *Reader {
	return &Reader{src: src}
}

// Next returns the next event, io.EOF once the readable prefix is
// exhausted, or the underlying stream's I/O error. Decode failures are not
// returned; see Damaged.
func (r *Reader) Next() (Event, error) {
	if r.done {
		return nil, io.EOF
	}

	for {
		ev, n, err := Decode(r.buf)
		if err == nil {
			r.buf = r.buf[n:]
			metrics.EventsDecoded.WithLabelValues(ev.Tag().String()).Inc()
			return ev, nil
		}
		if err == ErrTruncated && !r.srcDone {
			if ioErr := r.fill(); ioErr != nil {
				r.done = true
				return nil, ioErr
			}
			continue
		}

		r.done = true
		if err == ErrTruncated && len(r.buf) == 0 {
			// clean end of log
			return nil, io.EOF
		}
		r.decodeErr = err
		return nil, io.EOF
	}
}

// Damaged reports whether the sequence ended at a bad record instead of a
// clean end of log. The discarded tail makes the recovery outcome
// "partially recovered", not an error.
func (r *Reader) Damaged() bool {
	return r.decodeErr != nil
}

// DecodeErr returns the decode error that ended the sequence, nil on a
// clean end of log.
func (r *Reader) DecodeErr() error {
	return r.decodeErr
}

func (r *Reader) fill() error {
	chunk := make([]byte, readChunkSize)
	for {
		n, err := r.src.Read(chunk)
		if n > 0 {
			r.buf = append(r.buf, chunk[:n]...)
			return nil
		}
		if err == io.EOF {
			r.srcDone = true
			return nil
		}
		if err != nil {
			return err
		}
	}
}
