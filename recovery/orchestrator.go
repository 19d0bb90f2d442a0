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
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/cubefs/metarepair/common/kvstore"
	apierrors "github.com/cubefs/metarepair/errors"
	"github.com/cubefs/metarepair/journal"
	"github.com/cubefs/metarepair/proto"
)

type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseRecoveringJournals
	PhaseResettingTables
	PhaseErasingOrphans
	PhaseResettingClusterMap
	PhaseSucceeded
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseRecoveringJournals:
		return "recovering-journals"
	case PhaseResettingTables:
		return "resetting-tables"
	case PhaseErasingOrphans:
		return "erasing-orphans"
	case PhaseResettingClusterMap:
		return "resetting-clustermap"
	case PhaseSucceeded:
		return "succeeded"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Plan names the ranks a recovery run operates on. Repair ranks survive
// with their metadata drained back into the store; retire ranks are drained
// and then removed entirely. The two lists must be disjoint.
type Plan struct {
	Repair []proto.RankID
	Retire []proto.RankID

	// SurvivorCount is the authority-domain count after the run. Required
	// when ranks are retired, ignored otherwise.
	SurvivorCount uint32
}

func (p *Plan) Validate() error {
	if len(p.Repair) == 0 && len(p.Retire) == 0 {
		return apierrors.ErrEmptyPlan
	}
	for _, rank := range p.Retire {
		if rank == proto.RootRank {
			return apierrors.ErrRetireRootRank
		}
	}
	seen := make(map[proto.RankID]struct{})
	for _, rank := range p.allRanks() {
		if _, ok := seen[rank]; ok {
			return apierrors.ErrDuplicateRank
		}
		seen[rank] = struct{}{}
	}
	if len(p.Retire) > 0 && p.SurvivorCount == 0 {
		return apierrors.ErrNoSurvivors
	}
	return nil
}

func (p *Plan) allRanks() []proto.RankID {
	return append(append([]proto.RankID{}, p.Repair...), p.Retire...)
}

// ClusterMembership applies the shrunken authority layout once every
// retired rank's state is gone.
type ClusterMembership interface {
	SetAuthorityCount(ctx context.Context, count uint32, retired []proto.RankID) error
	RebindSubtrees(ctx context.Context, from, to proto.RankID) error
}

// storeMembership keeps the authority map as an object in the backing
// store, next to the metadata it governs.
type storeMembership struct {
	storage *storage
}

func (m *storeMembership) SetAuthorityCount(ctx context.Context, count uint32, retired []proto.RankID) error {
	cm, err := m.storage.GetClusterMap(ctx)
	if err == kvstore.ErrNotFound {
		cm = &proto.ClusterMap{}
	} else if err != nil {
		return err
	}

	gone := make(map[proto.RankID]struct{}, len(retired))
	for _, rank := range retired {
		gone[rank] = struct{}{}
	}
	survivors := cm.Ranks[:0]
	for _, rank := range cm.Ranks {
		if _, ok := gone[rank]; !ok {
			survivors = append(survivors, rank)
		}
	}
	cm.Ranks = survivors
	cm.AuthorityCount = count
	cm.Epoch++
	return m.storage.PutClusterMap(ctx, cm)
}

func (m *storeMembership) RebindSubtrees(ctx context.Context, from, to proto.RankID) error {
	bounds, err := m.storage.GetSubtreeBounds(ctx, from)
	if err == kvstore.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	existing, err := m.storage.GetSubtreeBounds(ctx, to)
	if err != nil && err != kvstore.ErrNotFound {
		return err
	}
	if err = m.storage.PutSubtreeBounds(ctx, to, append(existing, bounds...)); err != nil {
		return err
	}
	return m.storage.DeleteSubtreeBounds(ctx, from)
}

// Orchestrator sequences a recovery run. The steps are exposed individually
// for operators who drive them one at a time, but they hard-fail out of
// order: journals are drained before any table is rebuilt, tables are
// rebuilt before anything is erased, and the authority map shrinks last,
// only once no retired rank's state remains reachable.
type Orchestrator struct {
	dentry     *DentryEngine
	tables     *TableEngine
	eraser     *Eraser
	membership ClusterMembership
	storage    *storage
	kvStore    kvstore.Store
	runID      string

	mu        sync.Mutex
	phase     Phase
	plan      Plan
	recovered map[proto.RankID]*RecoverResult
	erased    map[proto.RankID]int
}

func NewOrchestrator(kvStore kvstore.Store, plan Plan) (*Orchestrator, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	st := newStorage(kvStore)
	return &Orchestrator{
		dentry:     NewDentryEngine(kvStore),
		tables:     NewTableEngine(kvStore),
		eraser:     NewEraser(kvStore),
		membership: &storeMembership{storage: st},
		storage:    st,
		kvStore:    kvStore,
		runID:      uuid.New().String(),
		plan:       plan,
		recovered:  make(map[proto.RankID]*RecoverResult),
		erased:     make(map[proto.RankID]int),
	}, nil
}

func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// Recovered returns the per-rank outcome of the journal step.
func (o *Orchestrator) Recovered() map[proto.RankID]*RecoverResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	ret := make(map[proto.RankID]*RecoverResult, len(o.recovered))
	for rank, result := range o.recovered {
		ret[rank] = result
	}
	return ret
}

// Run drives every step in order and stops at the first failure.
func (o *Orchestrator) Run(ctx context.Context) error {
	span, ctx := trace.StartSpanFromContextWithTraceID(ctx, "recovery run", o.runID)
	span.Infof("plan: repair %v, retire %v, survivors %d", o.plan.Repair, o.plan.Retire, o.plan.SurvivorCount)

	if err := o.RecoverJournals(ctx); err != nil {
		return err
	}
	if err := o.ResetTables(ctx); err != nil {
		return err
	}
	if err := o.EraseOrphans(ctx); err != nil {
		return err
	}
	return o.ResetClusterMap(ctx)
}

// RecoverJournals drains every planned rank's journal into the store, in
// parallel, then truncates each drained journal. A damaged journal tail is
// a per-rank outcome, not a failure.
func (o *Orchestrator) RecoverJournals(ctx context.Context) error {
	if err := o.advance(PhaseIdle, PhaseRecoveringJournals); err != nil {
		return err
	}

	eg, ctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	results := make(map[proto.RankID]*RecoverResult)

	for _, rank := range o.plan.allRanks() {
		rank := rank
		eg.Go(func() error {
			result, err := o.dentry.Recover(ctx, rank)
			if err != nil {
				return errors.Info(err, "recover journal failed")
			}
			mu.Lock()
			results[rank] = result
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return o.fail(err)
	}

	// truncate only after every rank has drained: a failure above leaves
	// all journals replayable
	for rank := range results {
		if _, err := journal.New(o.kvStore, rank).Reset(ctx); err != nil {
			return o.fail(err)
		}
	}

	o.mu.Lock()
	o.recovered = results
	o.mu.Unlock()
	return nil
}

// ResetTables rebuilds allocation tables: session only for repaired ranks,
// every kind for retired ones so their identifier ranges stay burned even
// if the erase step is never reached.
func (o *Orchestrator) ResetTables(ctx context.Context) error {
	if err := o.advance(PhaseRecoveringJournals, PhaseResettingTables); err != nil {
		return err
	}

	for _, rank := range o.plan.Repair {
		if _, err := o.tables.Reset(ctx, rank, proto.TableSession); err != nil {
			return o.fail(err)
		}
	}
	for _, rank := range o.plan.Retire {
		for _, kind := range []proto.TableKind{proto.TableSession, proto.TableInode, proto.TableSnap} {
			if _, err := o.tables.Reset(ctx, rank, kind); err != nil {
				return o.fail(err)
			}
		}
	}
	return nil
}

// EraseOrphans removes every rank-scoped object of the retired ranks.
func (o *Orchestrator) EraseOrphans(ctx context.Context) error {
	if err := o.advance(PhaseResettingTables, PhaseErasingOrphans); err != nil {
		return err
	}

	for _, rank := range o.plan.Retire {
		if err := o.membership.RebindSubtrees(ctx, rank, proto.RootRank); err != nil {
			return o.fail(err)
		}
		removed, err := o.eraser.Erase(ctx, rank)
		if err != nil {
			return o.fail(err)
		}
		o.mu.Lock()
		o.erased[rank] = removed
		o.mu.Unlock()
	}
	return nil
}

// ResetClusterMap shrinks the authority map to the survivor count and
// marks the run succeeded.
func (o *Orchestrator) ResetClusterMap(ctx context.Context) error {
	if err := o.advance(PhaseErasingOrphans, PhaseResettingClusterMap); err != nil {
		return err
	}

	count := o.plan.SurvivorCount
	if len(o.plan.Retire) == 0 {
		// pure repair leaves the layout alone
		cm, err := o.storage.GetClusterMap(ctx)
		if err != nil && err != kvstore.ErrNotFound {
			return o.fail(err)
		}
		if err == nil {
			count = cm.AuthorityCount
		}
	}
	if err := o.membership.SetAuthorityCount(ctx, count, o.plan.Retire); err != nil {
		return o.fail(err)
	}

	o.mu.Lock()
	o.phase = PhaseSucceeded
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) advance(want, next Phase) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.phase != want {
		return apierrors.ErrOrderingViolation
	}
	o.phase = next
	return nil
}

func (o *Orchestrator) fail(err error) error {
	o.mu.Lock()
	o.phase = PhaseFailed
	o.mu.Unlock()
	return err
}
