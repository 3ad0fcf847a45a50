package driver

import (
	"context"
	"fmt"

	"github.com/joshuapare/lmfs/device"
)

// Client is a device.Device whose I/O goes through a driver pool.
type Client struct {
	p    *Pool
	dev  device.Dev
	ctx  context.Context
	size int64
}

var _ device.Device = (*Client)(nil)

// NewClient opens dev on the pool. ctx bounds every later request.
func NewClient(ctx context.Context, p *Pool, dev device.Dev) (*Client, error) {
	c := &Client{p: p, dev: dev, ctx: ctx}
	if _, err := p.Submit(ctx, &Request{Op: OpOpen, Dev: dev}); err != nil {
		return nil, fmt.Errorf("open %s: %w", dev, err)
	}
	r, err := p.Submit(ctx, &Request{Op: OpIoctl, Dev: dev, Cmd: IoctlSize})
	if err != nil {
		_, _ = p.Submit(ctx, &Request{Op: OpClose, Dev: dev})
		return nil, fmt.Errorf("size %s: %w", dev, err)
	}
	size, ok := r.Val.(int64)
	if !ok {
		return nil, fmt.Errorf("size %s: unexpected reply %T", dev, r.Val)
	}
	c.size = size
	return c, nil
}

func (c *Client) ReadAt(p []byte, off int64) (int, error) {
	r, err := c.p.Submit(c.ctx, &Request{Op: OpRead, Dev: c.dev, Off: off, Data: p})
	return r.N, err
}

func (c *Client) WriteAt(p []byte, off int64) (int, error) {
	r, err := c.p.Submit(c.ctx, &Request{Op: OpWrite, Dev: c.dev, Off: off, Data: p})
	return r.N, err
}

func (c *Client) Gather(segs []device.Segment) error {
	_, err := c.p.Submit(c.ctx, &Request{Op: OpGather, Dev: c.dev, Segs: segs})
	return err
}

func (c *Client) Scatter(segs []device.Segment) error {
	_, err := c.p.Submit(c.ctx, &Request{Op: OpScatter, Dev: c.dev, Segs: segs})
	return err
}

func (c *Client) Size() int64 { return c.size }

func (c *Client) Sync() error {
	_, err := c.p.Submit(c.ctx, &Request{Op: OpIoctl, Dev: c.dev, Cmd: IoctlSync})
	return err
}

// Close closes the device on the driver side.
func (c *Client) Close() error {
	_, err := c.p.Submit(c.ctx, &Request{Op: OpClose, Dev: c.dev})
	return err
}
