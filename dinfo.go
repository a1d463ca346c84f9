package stackfs

import (
	"os"
	"path"
	"sync"
	"sync/atomic"
)

// slotState is the state of one per-branch slot of an object.
type slotState int

const (
	slotEmpty slotState = iota
	slotOccupied
	slotWhiteout
)

// branchSlot is one entry of the dense per-branch array of a dinfo.
// Slots are reallocated on roster changes; values are preserved by
// branch id, never by index.
type branchSlot struct {
	state    slotState
	branchID int64
	info     os.FileInfo
}

// dinfo is the union metadata block of one logical directory entry:
// the branch range [btop, bbot], the per-branch slots, and the
// generation of the roster it was computed against.
//
// Invariants while btop >= 0: the slot at btop is occupied and not a
// whiteout, the slot at bbot is occupied, and every slot outside
// [btop, bbot] is empty. blower is the deepest branch still holding the
// name on disk; it can sit below bbot when lower occurrences are
// shadowed by a non-directory or an opaque directory above them.
// A fully whited-out object has btop == -1 and whBranch >= 0.
type dinfo struct {
	mu   sync.RWMutex
	path string

	btop, bbot int
	blower     int // deepest on-branch occurrence, whiteout fence honored
	whBranch   int // branch index of the hiding whiteout, -1 if none
	slots      []branchSlot
	digen      int64

	refs atomic.Int64
	vd   *vdir // cached merged listing, directories only
}

func newDinfo(p string) *dinfo {
	return &dinfo{path: p, btop: -1, bbot: -1, blower: -1, whBranch: -1, digen: -1}
}

// topInfoLocked returns the FileInfo at btop. Caller holds di.mu.
func (di *dinfo) topInfoLocked() os.FileInfo {
	if di.btop < 0 {
		return nil
	}
	return di.slots[di.btop].info
}

// exists reports whether the object is visible through the union.
func (di *dinfo) existsLocked() bool { return di.btop >= 0 }

// refreshLocked recomputes the slot array of di against the current
// roster. Both the superblock read lock and di.mu (write) are held.
//
// The scan stops at the first whiteout. A whiteout at branch k hides
// the name only at indexes above k, so an entry on k itself stays
// visible. A non-directory (or an opaque directory) bounds the merge
// range [btop, bbot], but the scan keeps walking to record blower, the
// deepest on-branch occurrence: deletion needs it to know whether a
// whiteout is required.
func (ufs *UnionFS) refreshLocked(di *dinfo) {
	sigen := ufs.sigen.Load()
	nbr := len(ufs.branches)
	slots := make([]branchSlot, nbr)
	btop, bbot, blower, whBranch := -1, -1, -1, -1

	dir := path.Dir(di.path)
	base := path.Base(di.path)
	fence := nbr - 1
	if di.path != "/" {
		fence = ufs.hideFenceLocked(dir)
	}

	shadowed := false
	for i, br := range ufs.branches {
		slots[i].branchID = br.id
		if i > fence {
			break
		}
		br.nLookup.Add(1)

		wh := whAbsent
		if di.path != "/" {
			st, err := whTest(br.fs, dir, base)
			switch {
			case err != nil && st == whInvalid:
				br.nLookupErr.Add(1)
				ufs.log.WithField("path", di.path).WithError(err).Warn("invalid whiteout entry")
				continue
			case err != nil:
				br.nLookupErr.Add(1)
				continue
			}
			wh = st
		}

		fi, err := lstatBranch(br.fs, di.path)
		switch {
		case err == nil:
			blower = i
			if !shadowed {
				if btop < 0 || fi.IsDir() {
					slots[i].state = slotOccupied
					slots[i].info = fi
					if btop < 0 {
						btop = i
					}
					bbot = i
				}
				if !fi.IsDir() || isOpaque(br.fs, di.path) {
					shadowed = true
				}
			}
		case !isNotExist(err):
			br.nLookupErr.Add(1)
		}

		// a whiteout here fences every branch below this one
		if wh == whWhitedOut {
			br.nWhHit.Add(1)
			if btop < 0 {
				slots[i].state = slotWhiteout
				whBranch = i
			}
			break
		}
	}

	// drop any slot recorded outside the final range
	if btop >= 0 {
		for i := range slots {
			if i < btop || i > bbot {
				slots[i] = branchSlot{branchID: slots[i].branchID}
			}
		}
		whBranch = -1
	}

	di.slots = slots
	di.btop = btop
	di.bbot = bbot
	di.blower = blower
	di.whBranch = whBranch
	di.digen = sigen
	di.vd = nil
}

// lookup resolves p through the union, refreshing stale metadata. The
// returned dinfo is live: callers needing a stable view must read it
// under di.mu.
func (ufs *UnionFS) lookup(p string) (*dinfo, error) {
	ufs.mu.RLock()
	defer ufs.mu.RUnlock()
	return ufs.lookupLocked(p)
}

// lookupLocked is lookup with the superblock read lock already held.
// Internal operations use it to keep a single roster view for their
// whole duration; RWMutex read locks must not be re-acquired on the
// same goroutine.
func (ufs *UnionFS) lookupLocked(p string) (*dinfo, error) {
	p = cleanPath(p)
	di := ufs.dcache.get(p)

	di.mu.Lock()
	defer di.mu.Unlock()
	if di.digen != ufs.sigen.Load() || ufs.udba == udbaReval || ufs.udba == udbaNotify {
		ufs.refreshLocked(di)
	}
	if !di.existsLocked() {
		if di.whBranch >= 0 {
			return di, ErrWhitedOut
		}
		return di, ErrNotFound
	}
	return di, nil
}

// statLocked returns the union view FileInfo of p along with the branch
// index serving it. Caller holds the superblock read lock.
func (ufs *UnionFS) statLocked(p string) (os.FileInfo, int, error) {
	di, err := ufs.lookupLocked(p)
	if err != nil {
		return nil, -1, err
	}
	di.mu.RLock()
	defer di.mu.RUnlock()
	if di.btop < 0 {
		return nil, -1, ErrNotFound
	}
	return di.topInfoLocked(), di.btop, nil
}

// invalidate drops cached metadata for p after a mutation through the
// union itself.
func (ufs *UnionFS) invalidate(p string) {
	ufs.dcache.invalidate(cleanPath(p))
}

// invalidateTree drops cached metadata for p and everything below it.
func (ufs *UnionFS) invalidateTree(p string) {
	ufs.dcache.invalidateTree(cleanPath(p))
}
