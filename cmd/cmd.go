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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/cubefs/cubefs/blobstore/common/config"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/log"

	"github.com/cubefs/metarepair/common/kvstore"
	apierrors "github.com/cubefs/metarepair/errors"
	"github.com/cubefs/metarepair/journal"
	"github.com/cubefs/metarepair/proto"
	"github.com/cubefs/metarepair/recovery"
)

// Config offline repair tool config
type Config struct {
	StorePath   string    `json:"store_path"`
	StoreEngine string    `json:"store_engine"`
	LogLevel    log.Level `json:"log_level"`
}

const (
	exitOK = iota
	exitStoreUnavailable
	exitOrderingViolation
	exitCollisionRisk
	exitPartiallyRecovered
)

const usage = `usage: metarepair -f <config.json> <command> [args]

commands:
  recover-dentries <rank>...          drain journals into the backing store
  reset-journal <rank>                truncate a rank's journal
  reset-table <rank> <kind> [next]    rebuild an allocation table
  erase-rank-objects <rank>           remove every object scoped to a rank
  shrink-to <survivors> <rank>...     full retire run for the listed ranks
  summary <rank>                      count journal events without applying
`

func main() {
	config.Init("f", "", "metarepair.json")

	cfg := &Config{}
	if err := config.Load(cfg); err != nil {
		log.Fatal(errors.Detail(err))
	}
	log.SetOutputLevel(cfg.LogLevel)

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(exitStoreUnavailable)
	}

	store, err := openStore(cfg)
	if err != nil {
		log.Error(errors.Detail(err))
		os.Exit(exitStoreUnavailable)
	}

	code := run(store, args[0], args[1:])
	for _, col := range store.GetAllColumns() {
		if err = store.FlushCF(context.Background(), col); err != nil {
			log.Error(errors.Detail(err))
			code = exitStoreUnavailable
		}
	}
	store.Close()
	os.Exit(code)
}

func openStore(cfg *Config) (kvstore.Store, error) {
	engine := kvstore.RocksdbLsmKVType
	if cfg.StoreEngine == "badger" {
		engine = kvstore.BadgerLsmKVType
	}
	return kvstore.NewKVStore(context.Background(), cfg.StorePath, engine, &kvstore.Option{
		CreateIfMissing: true,
		ColumnFamily:    []kvstore.CF{recovery.MetaCF, journal.JournalCF},
	})
}

func run(store kvstore.Store, cmd string, args []string) int {
	ctx := context.Background()

	switch cmd {
	case "recover-dentries":
		return recoverDentries(ctx, store, args)
	case "reset-journal":
		return resetJournal(ctx, store, args)
	case "reset-table":
		return resetTable(ctx, store, args)
	case "erase-rank-objects":
		return eraseRankObjects(ctx, store, args)
	case "shrink-to":
		return shrinkTo(ctx, store, args)
	case "summary":
		return summary(ctx, store, args)
	default:
		fmt.Fprint(os.Stderr, usage)
		return exitStoreUnavailable
	}
}

func recoverDentries(ctx context.Context, store kvstore.Store, args []string) int {
	ranks, ok := parseRanks(args)
	if !ok {
		return exitStoreUnavailable
	}

	engine := recovery.NewDentryEngine(store)
	code := exitOK
	for _, rank := range ranks {
		result, err := engine.Recover(ctx, rank)
		if err != nil {
			log.Error(errors.Detail(err))
			return exitStoreUnavailable
		}
		log.Infof("rank %d: applied %d, skipped %d", rank, result.Applied, result.Skipped)
		if result.PartiallyRecovered {
			log.Warnf("rank %d: journal damaged, tail discarded", rank)
			code = exitPartiallyRecovered
		}
	}
	return code
}

func resetJournal(ctx context.Context, store kvstore.Store, args []string) int {
	ranks, ok := parseRanks(args)
	if !ok || len(ranks) != 1 {
		fmt.Fprint(os.Stderr, usage)
		return exitStoreUnavailable
	}

	removed, err := journal.New(store, ranks[0]).Reset(ctx)
	if err != nil {
		log.Error(errors.Detail(err))
		return exitStoreUnavailable
	}
	log.Infof("rank %d: %d journal segments removed", ranks[0], removed)
	return exitOK
}

func resetTable(ctx context.Context, store kvstore.Store, args []string) int {
	if len(args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		return exitStoreUnavailable
	}
	ranks, ok := parseRanks(args[:1])
	if !ok {
		return exitStoreUnavailable
	}
	kind, ok := proto.ParseTableKind(args[1])
	if !ok {
		log.Errorf("unknown table kind %q", args[1])
		return exitStoreUnavailable
	}

	engine := recovery.NewTableEngine(store)
	var table *proto.Table
	var err error
	if len(args) > 2 {
		next, perr := strconv.ParseUint(args[2], 10, 64)
		if perr != nil {
			log.Errorf("bad next-free value %q", args[2])
			return exitStoreUnavailable
		}
		table, err = engine.ResetTo(ctx, ranks[0], kind, next)
	} else {
		table, err = engine.Reset(ctx, ranks[0], kind)
	}
	if err == apierrors.ErrIdentifierCollisionRisk {
		log.Error("refused: requested next-free would re-issue a visible identifier")
		return exitCollisionRisk
	}
	if err != nil {
		log.Error(errors.Detail(err))
		return exitStoreUnavailable
	}
	log.Infof("rank %d: %s table reset, next free %d", ranks[0], kind, table.Next)
	return exitOK
}

func eraseRankObjects(ctx context.Context, store kvstore.Store, args []string) int {
	ranks, ok := parseRanks(args)
	if !ok || len(ranks) != 1 {
		fmt.Fprint(os.Stderr, usage)
		return exitStoreUnavailable
	}

	removed, err := recovery.NewEraser(store).Erase(ctx, ranks[0])
	if err != nil {
		log.Error(errors.Detail(err))
		return exitStoreUnavailable
	}
	log.Infof("rank %d: %d objects removed", ranks[0], removed)
	return exitOK
}

func shrinkTo(ctx context.Context, store kvstore.Store, args []string) int {
	if len(args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		return exitStoreUnavailable
	}
	survivors, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		log.Errorf("bad survivor count %q", args[0])
		return exitStoreUnavailable
	}
	retire, ok := parseRanks(args[1:])
	if !ok {
		return exitStoreUnavailable
	}

	repair := make([]proto.RankID, survivors)
	for i := range repair {
		repair[i] = proto.RankID(i)
	}
	o, err := recovery.NewOrchestrator(store, recovery.Plan{
		Repair:        repair,
		Retire:        retire,
		SurvivorCount: uint32(survivors),
	})
	if err != nil {
		log.Error(errors.Detail(err))
		return exitStoreUnavailable
	}

	if err = o.Run(ctx); err != nil {
		log.Error(errors.Detail(err))
		if err == apierrors.ErrOrderingViolation {
			return exitOrderingViolation
		}
		return exitStoreUnavailable
	}

	code := exitOK
	for rank, result := range o.Recovered() {
		log.Infof("rank %d: applied %d, skipped %d", rank, result.Applied, result.Skipped)
		if result.PartiallyRecovered {
			log.Warnf("rank %d: journal damaged, tail discarded", rank)
			code = exitPartiallyRecovered
		}
	}
	return code
}

func summary(ctx context.Context, store kvstore.Store, args []string) int {
	ranks, ok := parseRanks(args)
	if !ok || len(ranks) != 1 {
		fmt.Fprint(os.Stderr, usage)
		return exitStoreUnavailable
	}

	sum, err := journal.New(store, ranks[0]).Summary(ctx)
	if err != nil {
		log.Error(errors.Detail(err))
		return exitStoreUnavailable
	}
	log.Infof("rank %d: %d events", ranks[0], sum.Events)
	for tag, count := range sum.Counts {
		log.Infof("  %s: %d", tag, count)
	}
	if sum.Damaged {
		log.Warn("journal damaged, tail not counted")
		return exitPartiallyRecovered
	}
	return exitOK
}

func parseRanks(args []string) ([]proto.RankID, bool) {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return nil, false
	}
	ranks := make([]proto.RankID, 0, len(args))
	for _, arg := range args {
		rank, err := strconv.ParseUint(arg, 10, 32)
		if err != nil {
			log.Errorf("bad rank %q", arg)
			return nil, false
		}
		ranks = append(ranks, proto.RankID(rank))
	}
	return ranks, true
}
