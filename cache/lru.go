package cache

// The free list holds every unreferenced slot. The head is recycled first;
// released buffers normally join at the tail.

func (p *Pool) pushBack(i int32) {
	s := &p.slots[i]
	if s.onFree {
		panic("cache: slot already on free list")
	}
	s.prev, s.next = p.tail, nilSlot
	if p.tail != nilSlot {
		p.slots[p.tail].next = i
	} else {
		p.head = i
	}
	p.tail = i
	s.onFree = true
}

func (p *Pool) pushFront(i int32) {
	s := &p.slots[i]
	if s.onFree {
		panic("cache: slot already on free list")
	}
	s.prev, s.next = nilSlot, p.head
	if p.head != nilSlot {
		p.slots[p.head].prev = i
	} else {
		p.tail = i
	}
	p.head = i
	s.onFree = true
}

func (p *Pool) unlink(i int32) {
	s := &p.slots[i]
	if !s.onFree {
		return
	}
	if s.prev != nilSlot {
		p.slots[s.prev].next = s.next
	} else {
		p.head = s.next
	}
	if s.next != nilSlot {
		p.slots[s.next].prev = s.prev
	} else {
		p.tail = s.prev
	}
	s.prev, s.next = nilSlot, nilSlot
	s.onFree = false
}

// moveFront puts an unreferenced slot at the head of the free list.
func (p *Pool) moveFront(i int32) {
	p.unlink(i)
	p.pushFront(i)
}

// ref takes a reference, removing the slot from the free list on the first one.
func (p *Pool) ref(i int32) {
	s := &p.slots[i]
	if s.count == 0 {
		p.unlink(i)
	}
	s.count++
}

// untag removes the slot from the hash and forgets its contents. Dirty state
// is dropped; callers decide whether that is acceptable.
func (p *Pool) untag(i int32) {
	s := &p.slots[i]
	if s.tagged {
		delete(p.hash, key{s.dev, s.block})
	}
	if s.dirty {
		p.dirty.Remove(s.dev, s.block)
	}
	s.tagged = false
	s.dev, s.block = 0, 0
	s.bytes = 0
	s.dirty = false
	s.flags = 0
	s.ino, s.inoOff = NoInode, 0
	s.gen++
}

// victim returns the slot to recycle: the least recently used clean slot,
// or failing that the least recently used dirty one. Slots with a transfer
// in flight are skipped.
func (p *Pool) victim() (int32, bool) {
	dirtyVictim := nilSlot
	for i := p.head; i != nilSlot; i = p.slots[i].next {
		s := &p.slots[i]
		if s.io != nil {
			continue
		}
		if !s.dirty {
			return i, true
		}
		if dirtyVictim == nilSlot {
			dirtyVictim = i
		}
	}
	if dirtyVictim != nilSlot {
		return dirtyVictim, true
	}
	return nilSlot, false
}
