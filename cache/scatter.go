package cache

import (
	"cmp"
	"context"
	"errors"
	"slices"

	"github.com/joshuapare/lmfs/device"
	"github.com/joshuapare/lmfs/internal/buf"
)

// Direction selects the transfer direction of RWScattered.
type Direction int

const (
	Read Direction = iota
	Write
)

func (d Direction) String() string {
	if d == Write {
		return "write"
	}
	return "read"
}

// job is one block of a vectored transfer. The slot carries st in its io
// field until the job completes.
type job struct {
	idx      int32
	block    uint64
	off      int64
	data     []byte
	dirtyGen uint64
	st       *ioState
}

// RWScattered transfers several buffers of dev at once. Read fills the
// buffers that are not valid; Write writes the dirty ones. Buffers are sorted
// by block number and sent in batches of at most MaxScatter blocks, one
// vectored device call per batch.
//
// The caller holds a reference to every buffer. A written buffer is marked
// clean only after the device confirmed the write. Failed blocks are listed
// in a *ScatterError; the rest of the batch is unaffected.
func (p *Pool) RWScattered(ctx context.Context, dev device.Dev, bufs []Buf, dir Direction) error {
	p.mu.Lock()
	d, err := p.device(dev)
	if err != nil {
		p.mu.Unlock()
		return err
	}

	for {
		var st *ioState
		for _, b := range bufs {
			if st = b.slot().io; st != nil {
				break
			}
		}
		if st == nil {
			break
		}
		p.waitLocked(st)
	}

	seen := make(map[int32]bool, len(bufs))
	jobs := make([]job, 0, len(bufs))
	for _, b := range bufs {
		s := b.slot()
		if s.dev != dev {
			panic("cache: scattered transfer mixes devices")
		}
		if seen[b.idx] {
			continue
		}
		seen[b.idx] = true
		if (dir == Write && !s.dirty) || (dir == Read && s.valid()) {
			continue
		}
		j, err := p.startJobLocked(b.idx)
		if err != nil {
			p.abortJobsLocked(jobs)
			p.mu.Unlock()
			return err
		}
		jobs = append(jobs, j)
	}
	p.mu.Unlock()

	if len(jobs) == 0 {
		return nil
	}
	errs := p.transferJobs(ctx, d, dir, jobs)

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.completeLocked(dev, dir, jobs, errs)
}

// startJobLocked marks slot i busy and describes its transfer.
func (p *Pool) startJobLocked(i int32) (job, error) {
	s := &p.slots[i]
	off, err := buf.BlockOffset(s.block, len(s.data))
	if err != nil {
		return job{}, &BlockError{Dev: s.dev, Block: s.block, Op: "transfer", Err: err}
	}
	st := newIOState()
	s.io = st
	return job{idx: i, block: s.block, off: off, data: s.data, dirtyGen: s.dirtyGen, st: st}, nil
}

func (p *Pool) abortJobsLocked(jobs []job) {
	for _, j := range jobs {
		p.slots[j.idx].io = nil
		close(j.st.done)
	}
}

// transferJobs runs jobs in sorted batches and returns one error per job.
// It must be called without the pool lock.
func (p *Pool) transferJobs(ctx context.Context, d device.Device, dir Direction, jobs []job) []error {
	slices.SortFunc(jobs, func(a, b job) int { return cmp.Compare(a.block, b.block) })

	errs := make([]error, len(jobs))
	for lo := 0; lo < len(jobs); lo += p.maxScatter {
		hi := min(lo+p.maxScatter, len(jobs))
		if err := ctx.Err(); err != nil {
			for k := lo; k < len(jobs); k++ {
				errs[k] = err
			}
			break
		}

		segs := make([]device.Segment, hi-lo)
		for k, j := range jobs[lo:hi] {
			segs[k] = device.Segment{Off: j.off, Data: j.data}
		}
		copy(errs[lo:hi], p.transfer(d, dir, segs))
		p.log.Debug("cache: scattered batch", "op", dir.String(), "blocks", len(segs))
	}
	return errs
}

// transfer issues one vectored call. A failure without per-segment status
// is retried one block at a time.
func (p *Pool) transfer(d device.Device, dir Direction, segs []device.Segment) []error {
	errs := make([]error, len(segs))

	var err error
	if dir == Write {
		err = d.Scatter(segs)
	} else {
		err = d.Gather(segs)
	}
	if err == nil {
		return errs
	}

	var ve *device.VectorError
	if errors.As(err, &ve) && len(ve.Errs) == len(segs) {
		copy(errs, ve.Errs)
		return errs
	}

	p.log.Warn("cache: vectored transfer failed, retrying per block",
		"op", dir.String(), "blocks", len(segs), "error", err)
	for k, s := range segs {
		if dir == Write {
			_, errs[k] = d.WriteAt(s.Data, s.Off)
		} else {
			_, errs[k] = d.ReadAt(s.Data, s.Off)
		}
	}
	return errs
}

// completeLocked applies the outcome of jobs to their slots.
func (p *Pool) completeLocked(dev device.Dev, dir Direction, jobs []job, errs []error) error {
	var failed []*BlockError
	for k, j := range jobs {
		s := &p.slots[j.idx]
		s.io = nil

		if err := errs[k]; err != nil {
			be := &BlockError{Dev: dev, Block: j.block, Op: dir.String(), Err: err}
			failed = append(failed, be)
			if dir == Read {
				j.st.err = be
			}
			close(j.st.done)
			continue
		}
		close(j.st.done)

		if dir == Write {
			p.stats.writes++
			if s.dirty && s.dirtyGen == j.dirtyGen {
				s.dirty = false
				p.dirty.Remove(dev, j.block)
			}
		} else {
			p.stats.reads++
			s.bytes = len(s.data)
		}
	}

	if len(failed) == 0 {
		return nil
	}
	p.log.Error("cache: scattered transfer failed",
		"dev", dev.String(), "op", dir.String(), "failed", len(failed), "of", len(jobs))
	return &ScatterError{Dev: dev, Op: dir.String(), Failed: failed}
}
