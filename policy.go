package stackfs

import (
	"fmt"
	"sync/atomic"
)

// wbrKind tags a writable-branch selection policy. Policies are tagged
// variants behind a dispatch table so new ones slot in without changing
// any call site.
type wbrKind int

const (
	// wbrTDP (top-down-parent) picks the first writable branch walking
	// upward from the source branch. The default for both creation and
	// copy-up.
	wbrTDP wbrKind = iota
	// wbrRR rotates creation across all writable branches.
	wbrRR
)

// wbrPolicy selects the writable branch for new files (wbr_create) or
// for copy-up destinations (wbr_copyup).
type wbrPolicy struct {
	kind   wbrKind
	rrNext atomic.Int64
}

func parseWbrPolicy(s string) (*wbrPolicy, error) {
	switch s {
	case "tdp", "top-down-parent":
		return &wbrPolicy{kind: wbrTDP}, nil
	case "rr", "round-robin":
		return &wbrPolicy{kind: wbrRR}, nil
	case "mfs", "most-free-space":
		// branches expose no free-space surface through afero
		return nil, fmt.Errorf("stackfs: policy %q not supported", s)
	default:
		return nil, fmt.Errorf("stackfs: unknown policy %q", s)
	}
}

func (p *wbrPolicy) String() string {
	switch p.kind {
	case wbrRR:
		return "rr"
	default:
		return "tdp"
	}
}

type wbrPicker func(p *wbrPolicy, ufs *UnionFS, start int) (int, error)

var wbrPickers = map[wbrKind]wbrPicker{
	wbrTDP: pickTDP,
	wbrRR:  pickRR,
}

// pick returns the index of the writable branch to use, constrained to
// indexes at or above start (the source branch for copy-up, the parent's
// top branch for whiteout placement); a destination below start could
// not shadow or fence the source. Called with the superblock read lock
// held. Fails with ErrReadOnlyBranch when no writable branch is
// reachable.
func (p *wbrPolicy) pick(ufs *UnionFS, start int) (int, error) {
	return wbrPickers[p.kind](p, ufs, start)
}

// pickCreate selects the branch for a brand-new object. The rr policy
// ignores the parent's position and rotates across every writable
// branch; tdp keeps the constrained walk.
func (p *wbrPolicy) pickCreate(ufs *UnionFS, start int) (int, error) {
	if p.kind == wbrRR {
		return pickRRAll(p, ufs)
	}
	return p.pick(ufs, start)
}

func pickRRAll(p *wbrPolicy, ufs *UnionFS) (int, error) {
	var writable []int
	for i, br := range ufs.branches {
		if br.IsWritable() {
			writable = append(writable, i)
		}
	}
	if len(writable) == 0 {
		return -1, ErrReadOnlyBranch
	}
	n := p.rrNext.Add(1)
	return writable[int(n-1)%len(writable)], nil
}

func pickTDP(_ *wbrPolicy, ufs *UnionFS, start int) (int, error) {
	if start >= len(ufs.branches) {
		start = len(ufs.branches) - 1
	}
	for i := start; i >= 0; i-- {
		if ufs.branches[i].IsWritable() {
			return i, nil
		}
	}
	return -1, ErrReadOnlyBranch
}

func pickRR(p *wbrPolicy, ufs *UnionFS, start int) (int, error) {
	var writable []int
	for i := start; i >= 0; i-- {
		if ufs.branches[i].IsWritable() {
			writable = append(writable, i)
		}
	}
	if len(writable) == 0 {
		return pickTDP(p, ufs, start)
	}
	n := p.rrNext.Add(1)
	return writable[int(n)%len(writable)], nil
}
