package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/joshuapare/lmfs/cache"
)

var (
	benchOps       int
	benchClients   int
	benchWritePct  int
	benchSeed      uint64
	benchBlockSize int
	benchBuffers   int
	benchWorkers   int
	benchVMPages   int
)

func init() {
	cmd := newBenchCmd()
	cmd.Flags().IntVar(&benchOps, "ops", 10000, "Operations per client")
	cmd.Flags().IntVar(&benchClients, "clients", 4, "Concurrent clients")
	cmd.Flags().IntVar(&benchWritePct, "write-pct", 20, "Percentage of operations that write")
	cmd.Flags().Uint64Var(&benchSeed, "seed", 1, "Random seed")
	cmd.Flags().IntVar(&benchBlockSize, "block-size", 4096, "Cache block size in bytes")
	cmd.Flags().IntVar(&benchBuffers, "buffers", 0, "Number of cache buffers (0 sizes from the image and free memory)")
	cmd.Flags().IntVar(&benchWorkers, "workers", 4, "Driver worker threads")
	cmd.Flags().IntVar(&benchVMPages, "vm-pages", 0, "VM cache pages (0 disables)")
	rootCmd.AddCommand(cmd)
}

func newBenchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bench <image>",
		Short: "Run a random block workload through the cache",
		Long: `The bench command runs concurrent clients that read and dirty random
blocks of the image through the buffer cache, then flushes and reports cache
statistics. Writes keep the mkimg pattern, so the image stays checkable.

Example:
  lmfsctl bench disk.img
  lmfsctl bench disk.img --clients 8 --ops 50000 --write-pct 50
  lmfsctl bench disk.img --vm-pages 4096 --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(cmd.Context(), args)
		},
	}
}

// BenchResult reports a bench run.
type BenchResult struct {
	Ops       int           `json:"ops"`
	Clients   int           `json:"clients"`
	Duration  time.Duration `json:"duration_ns"`
	OpsPerSec float64       `json:"ops_per_sec"`
	HitRatio  float64       `json:"hit_ratio"`
	Stats     cache.Stats   `json:"stats"`
}

func runBench(ctx context.Context, args []string) error {
	if benchClients <= 0 || benchOps < 0 || benchWritePct < 0 || benchWritePct > 100 {
		return fmt.Errorf("bench: invalid workload parameters")
	}
	s, err := openStack(ctx, args[0], stackOptions{
		buffers:   benchBuffers,
		blockSize: benchBlockSize,
		workers:   benchWorkers,
		vmPages:   benchVMPages,
	})
	if err != nil {
		return err
	}
	if benchBuffers == 0 {
		n := s.cache.SuggestedBuffers()
		printVerbose("using %d buffers\n", n)
		if err := s.cache.Resize(ctx, n); err != nil {
			_ = s.Close(ctx)
			return err
		}
	}
	if n := s.cache.Stats().Buffers; n <= benchClients {
		_ = s.Close(ctx)
		return fmt.Errorf("bench: need more buffers (%d) than clients (%d)", n, benchClients)
	}

	res, err := benchImage(ctx, s)
	if cerr := s.Close(ctx); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	if jsonOut {
		return printJSON(res)
	}
	printInfo("Ran %d ops on %d clients in %s (%.0f ops/s)\n",
		res.Ops, res.Clients, res.Duration.Round(time.Millisecond), res.OpsPerSec)
	printInfo("  hits: %d  misses: %d  ratio: %.2f\n", res.Stats.Hits, res.Stats.Misses, res.HitRatio)
	printInfo("  reads: %d  writes: %d  evictions: %d\n", res.Stats.Reads, res.Stats.Writes, res.Stats.Evictions)
	printVerbose("  buffers: %d  block size: %d  vm cache: %v\n",
		res.Stats.Buffers, res.Stats.BlockSize, res.Stats.VMCache)
	return nil
}

func benchImage(ctx context.Context, s *stack) (*BenchResult, error) {
	n := s.blocks()
	if n == 0 {
		return nil, fmt.Errorf("bench: image holds no %d-byte blocks", s.cache.FSBlockSize())
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for c := range benchClients {
		rng := rand.New(rand.NewPCG(benchSeed, uint64(c)))
		g.Go(func() error {
			for range benchOps {
				if err := gctx.Err(); err != nil {
					return err
				}
				if err := benchOp(s, rng, n); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := s.cache.FlushAll(ctx); err != nil {
		return nil, err
	}
	elapsed := time.Since(start)

	st := s.cache.Stats()
	res := &BenchResult{
		Ops:      benchOps * benchClients,
		Clients:  benchClients,
		Duration: elapsed,
		Stats:    st,
	}
	if secs := elapsed.Seconds(); secs > 0 {
		res.OpsPerSec = float64(res.Ops) / secs
	}
	if total := st.Hits + st.Misses; total > 0 {
		res.HitRatio = float64(st.Hits) / float64(total)
	}
	return res, nil
}

func benchOp(s *stack, rng *rand.Rand, n uint64) error {
	b := rng.Uint64N(n)
	write := rng.IntN(100) < benchWritePct

	mode := cache.ModeNormal
	if write && rng.IntN(2) == 0 {
		mode = cache.ModeNoRead
	}
	buf, err := s.cache.GetBlock(imageDev, b, mode)
	if err != nil {
		return err
	}
	if write {
		fillPattern(buf.Data(), b, 0)
		buf.MarkDirty()
	}
	return s.cache.PutBlock(buf, cache.FullDataBlock)
}
