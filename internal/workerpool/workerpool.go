// Package workerpool runs the worker loop that drains a dispatcher.Dispatcher:
// repeatedly dequeue a task, compute it, report completion, release the
// cache entry, and request a split when no task is found but work remains
// (spec.md §2, "Worker threads repeatedly dequeue tasks..."). Adapted from
// msageha-maestro_v2/internal/worker/standby.go's worker-oriented package
// shape, restructured around golang.org/x/sync/errgroup the way
// cockroachdb-cockroach's tests launch bounded groups of goroutines that
// share a cancellation context.
package workerpool

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/dualtree/taskqueue/internal/dispatcher"
	"github.com/dualtree/taskqueue/internal/events"
	"github.com/dualtree/taskqueue/internal/logging"
	"github.com/dualtree/taskqueue/internal/task"
)

// Compute is the numeric kernel's entry point: given a dequeued task,
// evaluate it and report how many reference points' worth of work it
// resolved. The kernel itself is out of scope for this module (spec.md
// §1); callers supply their own.
type Compute func(ctx context.Context, t task.Task, queryID dispatcher.SubtreeID) (refCount, units uint64, err error)

// Options configures a Pool.
type Options struct {
	NumThreads int
	World      dispatcher.WorldInfo
	RefTable   any
	Metric     dispatcher.Metric
	Logger     *logging.Logger
	Bus        *events.Bus // optional
}

// Pool runs Options.NumThreads worker goroutines against a Dispatcher.
type Pool struct {
	d    *dispatcher.Dispatcher
	opts Options
}

// New creates a Pool bound to d.
func New(d *dispatcher.Dispatcher, opts Options) *Pool {
	if opts.NumThreads <= 0 {
		opts.NumThreads = 1
	}
	return &Pool{d: d, opts: opts}
}

// Run launches the worker goroutines and blocks until every one exits:
// either ctx is canceled, compute returns an error (the first one wins and
// cancels the rest, via errgroup's shared context), or the Dispatcher
// reaches CanTerminate and all workers observe it.
func (p *Pool) Run(ctx context.Context, compute Compute) error {
	g, ctx := errgroup.WithContext(ctx)
	for id := 0; id < p.opts.NumThreads; id++ {
		id := id
		g.Go(func() error {
			return p.loop(ctx, id, compute)
		})
	}
	return g.Wait()
}

func (p *Pool) loop(ctx context.Context, threadID int, compute Compute) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if p.d.CanTerminate() {
			return nil
		}

		dq, ok := p.d.DequeueTask(true)
		if !ok {
			// No eligible task right now, but work may still be pending
			// elsewhere (locked by another worker, or genuinely exhausted
			// and about to terminate). Request a split in case a locked
			// subtree is the bottleneck, pump the exchange so pending
			// arrivals can turn into tasks, then yield — matching the
			// original's busy-spin workers without literally burning a
			// core in Go's cooperative scheduler.
			p.d.RequestSplit()
			if res := p.d.RedistributeAmongCores(p.opts.World, p.opts.RefTable, p.opts.Metric); res.Split && p.opts.Bus != nil {
				p.opts.Bus.Publish(events.EventSubtreeSplit, map[string]any{
					"rank":        p.opts.World.Rank,
					"left_index":  res.LeftIndex,
					"right_index": res.RightIndex,
				})
			}
			_ = p.d.SendReceive(threadID, p.opts.Metric, p.opts.World, p.opts.RefTable, nil)
			runtime.Gosched()
			continue
		}

		p.publish(events.EventTaskDequeued, dq)

		refCount, units, err := compute(ctx, dq.Task, dq.QueryID)
		if err != nil {
			p.d.UnlockQuerySubtree(dq.QueryID)
			p.d.ReleaseCache(dq.Task.CacheID, 1)
			return err
		}

		p.d.PushCompletedComputation(dq.QueryID, refCount, units)
		p.d.ReleaseCache(dq.Task.CacheID, 1)
		p.d.UnlockQuerySubtree(dq.QueryID)
		p.publish(events.EventWorkCompleted, dq)
	}
}

func (p *Pool) publish(t events.Type, dq dispatcher.DequeuedTask) {
	if p.opts.Bus == nil {
		return
	}
	p.opts.Bus.Publish(t, map[string]any{
		"rank":     dq.QueryID.Rank,
		"begin":    dq.QueryID.Begin,
		"count":    dq.QueryID.Count,
		"cache_id": dq.Task.CacheID,
	})
}
