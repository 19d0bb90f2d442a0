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

package errors

import "github.com/cubefs/cubefs/blobstore/util/errors"

var (
	// ErrStoreUnavailable wraps an I/O failure against the backing store.
	// Fatal to the current step; the whole step is safe to retry because
	// every step is idempotent.
	ErrStoreUnavailable = errors.New("backing store unavailable")

	// ErrOrderingViolation reports a recovery step invoked out of sequence.
	// No partial effect is performed.
	ErrOrderingViolation = errors.New("recovery step out of sequence")

	// ErrIdentifierCollisionRisk reports a table reset that would move the
	// next-free counter below an identifier already visible in the backing
	// store. Refused rather than clamped; requires operator inspection.
	ErrIdentifierCollisionRisk = errors.New("table reset below observed identifier")

	ErrUnknownTableKind = errors.New("unknown table kind")

	ErrRetireRootRank = errors.New("the root rank cannot be retired")

	ErrEmptyPlan = errors.New("recovery plan names no ranks")

	ErrDuplicateRank = errors.New("rank listed twice in recovery plan")

	ErrNoSurvivors = errors.New("retiring ranks with survivor count 0")
)
