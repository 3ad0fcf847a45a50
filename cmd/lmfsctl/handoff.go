package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/joshuapare/lmfs/cache"
	"github.com/joshuapare/lmfs/liveupdate"
)

var (
	handoffState     string
	handoffWarm      int
	handoffOut       string
	handoffTimeout   time.Duration
	handoffBlockSize int
	handoffBuffers   int
	handoffWorkers   int
)

func init() {
	cmd := newHandoffCmd()
	cmd.Flags().StringVar(&handoffState, "state", liveupdate.StateRequestFree.String(),
		"Target state: work-free, request-free, protocol-free, select-protocol-free")
	cmd.Flags().IntVar(&handoffWarm, "warm", 32, "Blocks to read before the handoff")
	cmd.Flags().StringVarP(&handoffOut, "output", "o", "", "Also write the state image to this file")
	cmd.Flags().DurationVar(&handoffTimeout, "timeout", 5*time.Second, "How long to wait for the state")
	cmd.Flags().IntVar(&handoffBlockSize, "block-size", 4096, "Cache block size in bytes")
	cmd.Flags().IntVar(&handoffBuffers, "buffers", 64, "Number of cache buffers")
	cmd.Flags().IntVar(&handoffWorkers, "workers", 4, "Driver worker threads")
	rootCmd.AddCommand(cmd)
}

func newHandoffCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "handoff <image>",
		Short: "Hand the cache over to a fresh instance",
		Long: `The handoff command opens the image, warms the cache, then prepares a
live update: it waits for the target state, suspends the cache and driver,
exports the cache state and retires the instance. A second instance restores
the state and starts with the same blocks cached.

Example:
  lmfsctl handoff disk.img
  lmfsctl handoff disk.img --state protocol-free --warm 128
  lmfsctl handoff disk.img -o state.json --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHandoff(cmd.Context(), args)
		},
	}
}

// HandoffResult reports a handoff between two instances.
type HandoffResult struct {
	State      string      `json:"state"`
	ImageBytes int         `json:"image_bytes"`
	Before     cache.Stats `json:"before"`
	After      cache.Stats `json:"after"`
}

func runHandoff(ctx context.Context, args []string) error {
	state, err := liveupdate.ParseState(handoffState)
	if err != nil {
		return err
	}
	path := args[0]
	opts := stackOptions{
		buffers:   handoffBuffers,
		blockSize: handoffBlockSize,
		workers:   handoffWorkers,
	}

	old, err := openStack(ctx, path, opts)
	if err != nil {
		return err
	}
	if err := warm(old, handoffWarm); err != nil {
		_ = old.Close(ctx)
		return err
	}

	res := &HandoffResult{State: state.String(), Before: old.cache.Stats()}
	coord := liveupdate.New(liveupdate.Options{Logger: log}, old.cache, old.drv)
	if !coord.StateIsValid(state, 0) {
		_ = old.Close(ctx)
		return fmt.Errorf("handoff: %w: %s", liveupdate.ErrInvalidState, state)
	}

	var img bytes.Buffer
	wctx, cancel := context.WithTimeout(ctx, handoffTimeout)
	err = coord.Handoff(wctx, state, &img)
	cancel()
	if err != nil {
		coord.Abort()
		_ = old.Close(ctx)
		return fmt.Errorf("handoff: %w", err)
	}
	printVerbose("exported %d bytes of state in %s\n", img.Len(), state)
	if err := old.retire(ctx); err != nil {
		return fmt.Errorf("retire: %w", err)
	}

	res.ImageBytes = img.Len()
	if handoffOut != "" {
		if err := os.WriteFile(handoffOut, img.Bytes(), 0o644); err != nil {
			return err
		}
	}

	next, err := openStack(ctx, path, opts)
	if err != nil {
		return err
	}
	if err := liveupdate.Restore(&img, log, next.cache); err != nil {
		_ = next.Close(ctx)
		return err
	}
	res.After = next.cache.Stats()
	if err := next.Close(ctx); err != nil {
		return err
	}

	if jsonOut {
		return printJSON(res)
	}
	printInfo("Handed off at %s: %d bytes of state\n", res.State, res.ImageBytes)
	printInfo("  before: %d buffers, %d reads\n", res.Before.Buffers, res.Before.Reads)
	printInfo("  after:  %d buffers, %d reads\n", res.After.Buffers, res.After.Reads)
	return nil
}

// warm reads the first n blocks so the handoff has something to carry.
func warm(s *stack, n int) error {
	n = min(n, int(s.blocks()))
	for b := range uint64(n) {
		buf, err := s.cache.GetBlock(imageDev, b, cache.ModeNormal)
		if err != nil {
			return err
		}
		if err := s.cache.PutBlock(buf, cache.FullDataBlock); err != nil {
			return err
		}
	}
	return nil
}
