package stackfs

import (
	"os"
	"time"
)

const (
	// vdirMinEntries holds at least one maximal-name entry per block.
	vdirMinEntries = 8
	// vdirMaxEntries caps a single allocation of the merged listing.
	vdirMaxEntries = 1 << 16
)

// vdir is the cached merged listing of one directory, keyed by the
// generations it was computed against. Eviction is driven purely by
// generation mismatch, never by capacity.
type vdir struct {
	entries []os.FileInfo // merged view, "." and ".." first
	digen   int64
	sigen   int64
	bgens   []int64
	built   time.Time
}

// vdirValidLocked reports whether the cached listing may serve the
// current roster. Caller holds di.mu (read) and the superblock read
// lock.
func (ufs *UnionFS) vdirValidLocked(di *dinfo) bool {
	vd := di.vd
	if vd == nil || vd.digen != di.digen || vd.sigen != ufs.sigen.Load() {
		return false
	}
	if len(vd.bgens) != len(ufs.branches) {
		return false
	}
	for i, br := range ufs.branches {
		if vd.bgens[i] != br.gen.Load() {
			return false
		}
	}
	return true
}

// vdirAlloc sizes the entry buffer: the estimate is rounded up to a
// power of two within the hard cap and never below the minimum.
func vdirAlloc(estimate int) []os.FileInfo {
	return make([]os.FileInfo, 0, roundUpPow2(estimate, vdirMinEntries, vdirMaxEntries))
}

// newVdirLocked snapshots a freshly merged listing.
func (ufs *UnionFS) newVdirLocked(di *dinfo, entries []os.FileInfo) *vdir {
	bgens := make([]int64, len(ufs.branches))
	for i, br := range ufs.branches {
		bgens[i] = br.gen.Load()
	}
	return &vdir{
		entries: entries,
		digen:   di.digen,
		sigen:   ufs.sigen.Load(),
		bgens:   bgens,
		built:   time.Now(),
	}
}
