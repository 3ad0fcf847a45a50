package cache

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/joshuapare/lmfs/cache/dirty"
	"github.com/joshuapare/lmfs/device"
)

// FlushAll writes every block that is dirty when it is called. Devices are
// flushed in parallel; each device's blocks go out in sorted vectored
// batches. Blocks dirtied again while being written stay dirty.
func (p *Pool) FlushAll(ctx context.Context) error {
	return p.flush(ctx, nil)
}

// FlushDev is FlushAll for a single device.
func (p *Pool) FlushDev(ctx context.Context, dev device.Dev) error {
	return p.flush(ctx, []device.Dev{dev})
}

type devFlush struct {
	dev  device.Dev
	d    device.Device
	jobs []job
	runs int // contiguous runs among the jobs' blocks
}

func (p *Pool) flush(ctx context.Context, only []device.Dev) error {
	p.mu.Lock()
	devs := only
	if devs == nil {
		devs = p.dirty.Devices()
	}

	// Blocks with a transfer in flight are waited for, then written again
	// if still dirty.
	for {
		st := p.dirtyIOLocked(devs)
		if st == nil {
			break
		}
		p.waitLocked(st)
	}

	var (
		work []devFlush
		errs []error
	)
	for _, dev := range devs {
		entries := p.dirty.Snapshot(dev)
		if len(entries) == 0 {
			continue
		}
		d, err := p.device(dev)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		w := devFlush{dev: dev, d: d, jobs: make([]job, 0, len(entries)), runs: len(dirty.Coalesce(entries))}
		for _, e := range entries {
			j, err := p.startJobLocked(e.Slot)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			w.jobs = append(w.jobs, j)
		}
		work = append(work, w)
	}
	p.mu.Unlock()

	results := make([]error, len(work))
	var g errgroup.Group
	g.SetLimit(p.flushers)
	for k, w := range work {
		g.Go(func() error {
			res := p.transferJobs(ctx, w.d, Write, w.jobs)

			p.mu.Lock()
			err := p.completeLocked(w.dev, Write, w.jobs, res)
			p.mu.Unlock()

			if err == nil && p.syncFlush {
				if serr := w.d.Sync(); serr != nil {
					err = fmt.Errorf("sync %s: %w", w.dev, serr)
				}
			}
			p.log.Debug("cache: device flushed",
				"dev", w.dev.String(), "blocks", len(w.jobs), "runs", w.runs, "error", err)
			results[k] = err
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(append(errs, results...)...)
}

func (p *Pool) dirtyIOLocked(devs []device.Dev) *ioState {
	for _, dev := range devs {
		for _, e := range p.dirty.Snapshot(dev) {
			if st := p.slots[e.Slot].io; st != nil {
				return st
			}
		}
	}
	return nil
}
