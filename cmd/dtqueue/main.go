// Command dtqueue is a minimal, single-process demonstration of the
// dispatcher: it builds two toy point sets, wires a Dispatcher and a
// LocalExchange over them, and drains every task through a worker pool
// running a toy stand-in kernel. Adapted from
// msageha-maestro_v2/cmd/maestro's flag-dispatch style; the real
// multi-process wiring (MPI-equivalent routing, an actual numeric kernel)
// is out of scope for this module (spec.md §1).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"time"

	"github.com/dualtree/taskqueue/internal/config"
	"github.com/dualtree/taskqueue/internal/dispatcher"
	"github.com/dualtree/taskqueue/internal/events"
	"github.com/dualtree/taskqueue/internal/exchange"
	"github.com/dualtree/taskqueue/internal/logging"
	"github.com/dualtree/taskqueue/internal/task"
	"github.com/dualtree/taskqueue/internal/treehandle"
	"github.com/dualtree/taskqueue/internal/workerpool"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runDemo(os.Args[2:])
	case "version":
		fmt.Printf("dtqueue %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: dtqueue <command> [options]

commands:
  run       drive a single-process dual-tree task queue to completion
  version   print the version
  help      print this message`)
}

func runDemo(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	queryPoints := fs.Int("query-points", 64, "number of query points")
	refPoints := fs.Int("ref-points", 64, "number of reference points")
	leafSize := fs.Int("leaf-size", 4, "tree leaf size")
	numThreads := fs.Int("threads", 4, "worker thread count")
	seed := fs.Int64("seed", 1, "random seed for the toy point sets")
	configPath := fs.String("config", "", "optional DispatcherConfig yaml path")
	auditPath := fs.String("audit-log", "", "optional path to write a JSONL audit trail of task events")
	fs.Parse(args)

	cfg := config.Default()
	cfg.NumThreads = *numThreads
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	logger := logging.New(log.New(os.Stderr, "", 0), "dtqueue", logging.ParseLevel(cfg.LogLevel))

	rng := rand.New(rand.NewSource(*seed))
	queryRoot := treehandle.Build(randomPoints(rng, *queryPoints), *leafSize)
	refRoot := treehandle.Build(randomPoints(rng, *refPoints), *leafSize)

	queryTable := &treehandle.LocalTable{Root: queryRoot, RankCounts: []int{*queryPoints}}
	refTable := &treehandle.LocalTable{Root: refRoot, RankCounts: []int{*refPoints}}

	ex := exchange.NewLocalExchange(refRoot, logger)
	d := dispatcher.New(ex, logger, dispatcherOpts(cfg)...)

	maxFrontier := cfg.MaxFrontierNodes
	if maxFrontier == 0 {
		maxFrontier = cfg.NumThreads
	}
	world := dispatcher.WorldInfo{Rank: 0, Size: 1}
	if err := d.Init(world, queryTable, refTable, maxFrontier); err != nil {
		fmt.Fprintf(os.Stderr, "init dispatcher: %v\n", err)
		os.Exit(1)
	}

	seedReferenceArrival(d, ex, refRoot)
	ex.SetDone(true) // single process: nothing further will ever arrive

	var bus *events.Bus
	if *auditPath != "" {
		auditLogger, err := events.NewAuditLogger(*auditPath, events.DefaultMaxLogSize)
		if err != nil {
			fmt.Fprintf(os.Stderr, "open audit log: %v\n", err)
			os.Exit(1)
		}
		defer auditLogger.Close()
		bus = events.NewBus(cfg.NumThreads * 4)
		unsubscribe := auditLogger.AttachToBus(bus, events.EventTaskDequeued, events.EventWorkCompleted, events.EventSubtreeSplit)
		defer unsubscribe()
	}

	pool := workerpool.New(d, workerpool.Options{
		NumThreads: cfg.NumThreads,
		World:      world,
		RefTable:   refRoot,
		Logger:     logger,
		Bus:        bus,
	})

	start := time.Now()
	err := pool.Run(context.Background(), bruteForceCompute)
	elapsed := time.Since(start)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("completed in %s: query_points=%d ref_points=%d threads=%d remaining_tasks=%d\n",
		elapsed, *queryPoints, *refPoints, cfg.NumThreads, d.NumRemainingTasks())
}

func dispatcherOpts(cfg config.DispatcherConfig) []dispatcher.Option {
	if cfg.DebugAssertions {
		return []dispatcher.Option{dispatcher.WithDebugAssertions()}
	}
	return nil
}

// seedReferenceArrival registers the whole reference tree as one arrived
// subtable, simulating the one-process case where nothing ever needs to be
// fetched remotely (spec.md §6's ArrivedSubtable, degenerate single-rank
// form).
func seedReferenceArrival(d *dispatcher.Dispatcher, ex *exchange.LocalExchange, refRoot *treehandle.Tree) {
	const rootCacheID = 1
	ex.Register(rootCacheID, exchange.SubTable{Table: refRoot, Node: refRoot})
	d.GenerateTasks(nil, []exchange.ArrivedSubtable{
		{SrcRank: 0, RefBegin: refRoot.Begin(), RefCount: refRoot.Count(), CacheID: rootCacheID},
	})
}

// bruteForceCompute is the toy numeric kernel: it reports the reference
// node's full point count as resolved and every (query point, reference
// point) pair of the task as a completed unit, standing in for a real
// distance-pruning evaluation (out of scope, spec.md §1).
func bruteForceCompute(ctx context.Context, t task.Task, queryID dispatcher.SubtreeID) (refCount, units uint64, err error) {
	n := uint64(t.ReferenceNode.Count())
	return n, uint64(queryID.Count) * n, nil
}

func randomPoints(rng *rand.Rand, n int) []treehandle.Point {
	pts := make([]treehandle.Point, n)
	for i := range pts {
		pts[i] = treehandle.Point{rng.Float64() * 100, rng.Float64() * 100}
	}
	return pts
}
