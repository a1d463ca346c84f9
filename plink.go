package stackfs

import (
	"fmt"
	"sync"
)

// plinkID keys a pseudo-link record: the identity of the original object
// on its lower branch.
type plinkID struct {
	branchID int64
	ino      uint64
}

// plinkEntry records where the copied-up counterpart lives.
type plinkEntry struct {
	upperBranchID int64
	upperPath     string
	upperIno      uint64
}

// plinkRegistry preserves hard-link identity across copy-up: the first
// copy-up of an inode with nlink > 1 registers its upper counterpart,
// and later copy-ups of sibling links hard-link to it instead of copying
// the data again. The registry is mount-scoped; it survives
// remount-in-place but not Close.
type plinkRegistry struct {
	mu    sync.RWMutex
	links map[plinkID]plinkEntry

	leaseMu    sync.Mutex
	leaseOwner string
}

func newPlinkRegistry() *plinkRegistry {
	return &plinkRegistry{links: make(map[plinkID]plinkEntry)}
}

// register stores the upper counterpart for id. The first writer wins;
// a concurrent duplicate registration returns the existing entry.
func (r *plinkRegistry) register(id plinkID, e plinkEntry) plinkEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.links[id]; ok {
		return prev
	}
	r.links[id] = e
	return e
}

// lookup returns the upper counterpart for id, if registered.
func (r *plinkRegistry) lookup(id plinkID) (plinkEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.links[id]
	return e, ok
}

// forget drops a single record.
func (r *plinkRegistry) forget(id plinkID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.links, id)
}

// count returns the number of records held.
func (r *plinkRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.links)
}

// clean drops records whose upper object is gone, returning how many
// were removed. Used by the control plane's "clean" command.
func (ufs *UnionFS) plinkClean(verbose bool) int {
	r := ufs.plink

	ufs.mu.RLock()
	byID := make(map[int64]*Branch, len(ufs.branches))
	for _, br := range ufs.branches {
		byID[br.id] = br
	}
	ufs.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	dropped := 0
	for id, e := range r.links {
		br, ok := byID[e.upperBranchID]
		stale := !ok
		if ok {
			if _, err := lstatBranch(br.fs, e.upperPath); err != nil {
				stale = isNotExist(err)
			}
		}
		if stale {
			delete(r.links, id)
			dropped++
			if verbose {
				ufs.log.WithFields(map[string]interface{}{
					"branch": e.upperBranchID,
					"path":   e.upperPath,
				}).Info("dropped stale pseudo-link")
			}
		}
	}
	return dropped
}

// acquireLease grants the maintenance lease to owner, quiescing the
// registry for administrative copies of the mount. A second holder gets
// ErrBusy.
func (r *plinkRegistry) acquireLease(owner string) error {
	r.leaseMu.Lock()
	defer r.leaseMu.Unlock()
	if r.leaseOwner != "" && r.leaseOwner != owner {
		return fmt.Errorf("%w: pseudo-link registry leased by %s", ErrBusy, r.leaseOwner)
	}
	r.leaseOwner = owner
	return nil
}

// releaseLease releases the maintenance lease held by owner.
func (r *plinkRegistry) releaseLease(owner string) error {
	r.leaseMu.Lock()
	defer r.leaseMu.Unlock()
	if r.leaseOwner != owner {
		return fmt.Errorf("%w: lease not held by %s", ErrBusy, owner)
	}
	r.leaseOwner = ""
	return nil
}
