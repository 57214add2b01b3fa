package vm

import "kestrel/kernel"

// Fork returns a copy of the address space. Private writable objects become
// copy-on-write in both spaces and the parent's leaves are downgraded to
// read-only; shared objects and read-only objects are referenced by both
// spaces unchanged. Non-eager pages of the child populate on fault.
func (as *AddressSpace) Fork() (*AddressSpace, *kernel.Error) {
	child, err := New(as.paging)
	if err != nil {
		return nil, err
	}

	as.mutex.Acquire()
	defer as.mutex.Release()

	for _, r := range as.regions {
		if err = as.forkRegion(child, r); err != nil {
			child.Destroy()
			return nil, err
		}
	}

	return child, nil
}

func (as *AddressSpace) forkRegion(child *AddressSpace, r *Region) *kernel.Error {
	r.lock.Lock()
	defer r.lock.Unlock()

	obj := r.object
	private := obj.Flags()&FlagShared == 0 && !(obj.kind == KindEager && !obj.owned)
	if private && r.prot&ProtWrite != 0 {
		obj.MarkCopyOnWrite()
		if err := as.pageMap.Protect(r.base, r.pageCount(), r.leafFlags()); err != nil {
			return err
		}
	}

	dup := &Region{base: r.base, size: r.size, prot: r.prot, object: obj}
	obj.acquire()
	if obj.kind == KindEager {
		if err := child.mapEager(dup); err != nil {
			obj.release(child.frames)
			return err
		}
	}

	child.regions = append(child.regions, dup)
	return nil
}
