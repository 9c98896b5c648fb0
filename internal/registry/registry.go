// Package registry implements the VMO Registry (C2): the mapping from
// small integer region IDs to client-provided memory regions.
package registry

import (
	"sync"
	"sync/atomic"
)

// RegionHandle is whatever the hosting framework hands the registry when
// a client attaches a region; the core only needs to know its size to
// validate I/O against it.
type RegionHandle interface {
	Size() uint64
}

// Region is an owned reference to an attached memory region. Sub-messages
// hold a *Region directly (an ordinary Go pointer keeps it alive for as
// long as any sub-message references it, even after Detach removes it
// from the registry's map) rather than a manually reference-counted
// handle; refs is kept only for diagnostics and test assertions, not for
// memory safety.
type Region struct {
	ID     uint16
	Handle RegionHandle
	refs   int32
}

// AddRef records a new shared reference to this region (taken by a
// sub-message when it is enqueued against it).
func (r *Region) AddRef() {
	atomic.AddInt32(&r.refs, 1)
}

// Release drops a shared reference, returning the reference count after
// the release.
func (r *Region) Release() int32 {
	return atomic.AddInt32(&r.refs, -1)
}

// RefCount reports the current number of outstanding shared references.
func (r *Region) RefCount() int32 {
	return atomic.LoadInt32(&r.refs)
}

// Registry maps region IDs to attached regions. Zero is reserved and
// never returned by Attach.
type Registry struct {
	mu      sync.Mutex
	regions map[uint16]*Region
	lastID  uint16 // hint cursor for the next Attach scan
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		regions: make(map[uint16]*Region),
		lastID:  1,
	}
}

// Attach registers handle under a freshly allocated region ID. ID
// allocation scans [lastID, max) then [1, lastID) for the first unused
// slot, matching the hint-cursor scan used by the block server's VMO
// table; it returns ErrNoResources if none is free.
func (r *Registry) Attach(handle RegionHandle) (*Region, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	const maxID = 1<<16 - 1 // region IDs are 16-bit; 0 is reserved

	if len(r.regions) >= maxID {
		return nil, errNoResources
	}

	id := r.lastID
	for {
		if id == 0 {
			id = 1
		}
		if _, taken := r.regions[id]; !taken {
			break
		}
		id++
		if id > maxID {
			id = 1
		}
		if id == r.lastID {
			return nil, errNoResources
		}
	}

	region := &Region{ID: id, Handle: handle}
	r.regions[id] = region

	r.lastID = id + 1
	if r.lastID > maxID || r.lastID == 0 {
		r.lastID = 1
	}

	return region, nil
}

// Find looks up a region by ID.
func (r *Registry) Find(id uint16) (*Region, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	region, ok := r.regions[id]
	return region, ok
}

// Detach removes the mapping for id. Outstanding sub-messages that
// already hold a *Region retain access to it via their own pointer; the
// registry no longer tracks it.
func (r *Registry) Detach(id uint16) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.regions[id]; !ok {
		return false
	}
	delete(r.regions, id)
	return true
}

// Count reports the number of currently attached regions, used by tests
// and diagnostics.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.regions)
}

type registryError string

func (e registryError) Error() string { return string(e) }

const errNoResources registryError = "no resources"

// ErrNoResources is returned by Attach when no region ID is free.
var ErrNoResources error = errNoResources
