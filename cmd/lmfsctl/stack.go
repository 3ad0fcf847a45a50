package main

import (
	"context"
	"errors"

	"github.com/joshuapare/lmfs/cache"
	"github.com/joshuapare/lmfs/device"
	"github.com/joshuapare/lmfs/driver"
	"github.com/joshuapare/lmfs/vmcache"
)

// imageDev is the device number the image is served under.
var imageDev = device.MakeDev(3, 0)

type stackOptions struct {
	buffers   int
	blockSize int
	workers   int
	vmPages   int // 0 disables the VM cache
}

// imageFS presents the image to the cache as a filesystem whose every block
// is in use, so buffer sizing sees the whole image.
type imageFS struct {
	blocks uint64
}

func (f imageFS) BlockStats() (total, free, used uint64) { return f.blocks, 0, f.blocks }

func (imageFS) Sync() error { return nil }

// stack is one instance of the full I/O path over an image file:
// cache.Pool -> driver.Client -> driver.Pool -> BlockDriver -> FileDevice.
type stack struct {
	file   *device.FileDevice
	drv    *driver.Pool
	client *driver.Client
	cache  *cache.Pool
	vm     *vmcache.Store

	cancel context.CancelFunc
	done   chan error
}

func openStack(ctx context.Context, path string, o stackOptions) (*stack, error) {
	f, err := device.OpenFile(path)
	if err != nil {
		return nil, err
	}

	bd := driver.NewBlockDriver()
	bd.Attach(imageDev, f)
	dp, err := driver.New(bd, driver.Options{Workers: o.workers, Logger: log})
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s := &stack{file: f, drv: dp, cancel: cancel, done: make(chan error, 1)}
	go func() { s.done <- dp.Run(runCtx) }()

	if s.client, err = driver.NewClient(runCtx, dp, imageDev); err != nil {
		s.abort()
		return nil, err
	}
	printVerbose("opened %s: %d bytes, %d driver workers\n", path, s.client.Size(), dp.Workers())

	copts := cache.DefaultOptions()
	copts.Buffers = o.buffers
	copts.BlockSize = o.blockSize
	copts.Logger = log
	if o.blockSize > 0 {
		copts.FS = imageFS{blocks: uint64(s.client.Size()) / uint64(o.blockSize)}
	}
	if o.vmPages > 0 {
		if s.vm, err = vmcache.New(vmcache.Options{Pages: o.vmPages, Logger: log}); err != nil {
			s.abort()
			return nil, err
		}
		copts.VM = s.vm
	}
	if s.cache, err = cache.New(copts); err != nil {
		s.abort()
		return nil, err
	}
	if err := s.cache.Mount(imageDev, s.client); err != nil {
		s.abort()
		return nil, err
	}
	return s, nil
}

// blocks returns the number of whole cache blocks on the image.
func (s *stack) blocks() uint64 {
	return uint64(s.client.Size()) / uint64(s.cache.FSBlockSize())
}

// Close flushes and tears the stack down.
func (s *stack) Close(ctx context.Context) error {
	errs := []error{s.cache.Unmount(ctx, imageDev), s.cache.Close()}
	errs = append(errs, s.client.Close())
	errs = append(errs, s.stopDriver(ctx))
	if s.vm != nil {
		errs = append(errs, s.vm.Close())
	}
	errs = append(errs, s.file.Close())
	return errors.Join(errs...)
}

// retire shuts down an instance whose state was handed off. Its
// participants are suspended, so nothing is flushed or closed through the
// driver.
func (s *stack) retire(ctx context.Context) error {
	errs := []error{s.cache.Close(), s.stopDriver(ctx)}
	if s.vm != nil {
		errs = append(errs, s.vm.Close())
	}
	errs = append(errs, s.file.Close())
	return errors.Join(errs...)
}

func (s *stack) abort() {
	if s.cache != nil {
		_ = s.cache.Close()
	}
	if s.vm != nil {
		_ = s.vm.Close()
	}
	s.cancel()
	<-s.done
	_ = s.file.Close()
}

func (s *stack) stopDriver(ctx context.Context) error {
	err := s.drv.Terminate(ctx)
	if err != nil {
		s.cancel()
	}
	if runErr := <-s.done; runErr != nil && err == nil {
		log.Warn("driver pool exited", "err", runErr)
	}
	s.cancel()
	return err
}
