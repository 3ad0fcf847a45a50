package cache

import "github.com/joshuapare/lmfs/device"

// Invalidate drops every buffer of dev, dirty ones included, whose contents
// are lost. No buffer of dev may be referenced.
func (p *Pool) Invalidate(dev device.Dev) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		var st *ioState
		for i := range p.slots {
			s := &p.slots[i]
			if s.tagged && s.dev == dev && s.io != nil {
				st = s.io
				break
			}
		}
		if st == nil {
			break
		}
		p.waitLocked(st)
	}

	dropped, lost := 0, 0
	for i := range p.slots {
		s := &p.slots[i]
		if !s.tagged || s.dev != dev {
			continue
		}
		if s.count > 0 {
			panic("cache: invalidating referenced buffer")
		}
		if s.dirty {
			lost++
		}
		p.untag(int32(i))
		p.moveFront(int32(i))
		dropped++
	}
	p.dirty.DropDev(dev)

	if p.vm != nil {
		p.vm.Forget(dev)
	}
	if lost > 0 {
		p.log.Warn("cache: invalidate discarded dirty blocks", "dev", dev.String(), "dirty", lost)
	}
	p.log.Debug("cache: invalidated", "dev", dev.String(), "buffers", dropped)
}
