package main

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

type benchResult struct {
	TotalOps      int
	SuccessfulOps int
	FailedOps     int
	Duration      time.Duration
	OpsPerSec     float64
	AvgLatency    time.Duration
	MinLatency    time.Duration
	MaxLatency    time.Duration
}

// latencies collects per operation timings from concurrent workers.
type latencies struct {
	mu        sync.Mutex
	ok, fail  int
	durations []time.Duration
}

func (l *latencies) observe(d time.Duration, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil {
		l.ok++
	} else {
		l.fail++
	}
	l.durations = append(l.durations, d)
}

func (l *latencies) result(total int, elapsed time.Duration) benchResult {
	r := benchResult{
		TotalOps:      total,
		SuccessfulOps: l.ok,
		FailedOps:     l.fail,
		Duration:      elapsed,
	}
	if elapsed > 0 {
		r.OpsPerSec = float64(l.ok) / elapsed.Seconds()
	}
	if len(l.durations) == 0 {
		return r
	}

	var sum time.Duration
	r.MinLatency, r.MaxLatency = l.durations[0], l.durations[0]
	for _, d := range l.durations {
		r.MinLatency = min(r.MinLatency, d)
		r.MaxLatency = max(r.MaxLatency, d)
		sum += d
	}
	r.AvgLatency = sum / time.Duration(len(l.durations))
	return r
}

type benchConfig struct {
	ops         int
	concurrency int
	size        int
	commitEvery int
}

// split hands out ops to workers, the first ops%concurrency getting one extra.
func (cfg benchConfig) split(worker int) (first, count int) {
	per, rem := cfg.ops/cfg.concurrency, cfg.ops%cfg.concurrency
	count = per
	if worker < rem {
		count++
	}
	first = worker*per + min(worker, rem)
	return first, count
}

// benchWrites puts cfg.ops records and commits every cfg.commitEvery puts
// per worker. It returns the recids that were written.
func benchWrites(ctx context.Context, t target, cfg benchConfig) ([]uint64, benchResult, error) {
	recids := make([]uint64, cfg.ops)
	var lat latencies

	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < cfg.concurrency; w++ {
		w := w
		first, count := cfg.split(w)
		g.Go(func() error {
			rnd := rand.New(rand.NewSource(int64(w)))
			body := make([]byte, cfg.size)
			for i := 0; i < count; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				rnd.Read(body)

				opStart := time.Now()
				recid, err := t.Put(ctx, body)
				if err == nil && (i+1)%cfg.commitEvery == 0 {
					err = t.Commit(ctx)
				}
				lat.observe(time.Since(opStart), err)
				recids[first+i] = recid
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, benchResult{}, err
	}
	if err := t.Commit(ctx); err != nil {
		return nil, benchResult{}, errors.Wrap(err, "final commit")
	}
	return recids, lat.result(cfg.ops, time.Since(start)), nil
}

func benchReads(ctx context.Context, t target, recids []uint64, cfg benchConfig) (benchResult, error) {
	var lat latencies

	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < cfg.concurrency; w++ {
		first, count := cfg.split(w)
		g.Go(func() error {
			for _, recid := range recids[first : first+count] {
				if err := ctx.Err(); err != nil {
					return err
				}
				opStart := time.Now()
				var err error
				if recid == 0 {
					err = errors.New("record was not written")
				} else {
					_, err = t.Get(ctx, recid)
				}
				lat.observe(time.Since(opStart), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return benchResult{}, err
	}
	return lat.result(len(recids), time.Since(start)), nil
}

func printResult(w io.Writer, name string, r benchResult) {
	fmt.Fprintf(w, "%s Results:\n", name)
	fmt.Fprintf(w, "  Total Operations:    %d\n", r.TotalOps)
	fmt.Fprintf(w, "  Successful:          %d\n", r.SuccessfulOps)
	fmt.Fprintf(w, "  Failed:              %d\n", r.FailedOps)
	fmt.Fprintf(w, "  Duration:            %v\n", r.Duration)
	fmt.Fprintf(w, "  Throughput:          %.2f ops/sec\n", r.OpsPerSec)
	fmt.Fprintf(w, "  Avg Latency:         %v\n", r.AvgLatency)
	fmt.Fprintf(w, "  Min Latency:         %v\n", r.MinLatency)
	fmt.Fprintf(w, "  Max Latency:         %v\n", r.MaxLatency)
}

func benchCommand() *cli.Command {
	return &cli.Command{
		Name:  "bench",
		Usage: "measure write and read throughput of a store",
		Flags: append([]cli.Flag{
			&cli.IntFlag{Name: "ops", Value: 1000, Usage: "records to write and read back"},
			&cli.IntFlag{Name: "concurrency", Value: 4, Usage: "concurrent workers"},
			&cli.IntFlag{Name: "size", Value: 256, Usage: "record body size in bytes"},
			&cli.IntFlag{Name: "commit-every", Value: 10, Usage: "puts per worker between commits"},
		}, targetFlags()...),
		Action: func(c *cli.Context) error {
			cfg := benchConfig{
				ops:         c.Int("ops"),
				concurrency: c.Int("concurrency"),
				size:        c.Int("size"),
				commitEvery: c.Int("commit-every"),
			}
			if cfg.ops <= 0 || cfg.concurrency <= 0 || cfg.size < 0 || cfg.commitEvery <= 0 {
				return errors.New("ops, concurrency and commit-every must be positive")
			}

			return withTarget(c, func(t target) error {
				fmt.Fprintf(c.App.Writer, "Writes (%d operations, %d workers, %d byte records)\n",
					cfg.ops, cfg.concurrency, cfg.size)
				recids, res, err := benchWrites(c.Context, t, cfg)
				if err != nil {
					return err
				}
				printResult(c.App.Writer, "Writes", res)

				fmt.Fprintf(c.App.Writer, "\nReads (%d operations, %d workers)\n", cfg.ops, cfg.concurrency)
				res, err = benchReads(c.Context, t, recids, cfg)
				if err != nil {
					return err
				}
				printResult(c.App.Writer, "Reads", res)
				return nil
			})
		},
	}
}
