package stackfs

import "path"

// pin is the scoped acquisition used throughout copy-up and whiteout
// placement: a reference on the parent object's metadata block plus a
// hold on the destination branch keeping it writable. Release is
// idempotent and must run on every exit path, including rollbacks.
type pin struct {
	parent   *dinfo
	branch   *Branch
	released bool
}

// pinParent acquires a pin for an operation targeting p on br. Caller
// holds the superblock read lock, so br cannot leave the roster while
// the pin is being taken; the pin's branch hold then keeps DelBranch
// and SetBranchPerm(ro) away until release.
func (ufs *UnionFS) pinParent(p string, br *Branch, rwdst bool) (*pin, error) {
	if !br.IsWritable() && !rwdst {
		return nil, ErrReadOnlyBranch
	}
	parent := ufs.dcache.get(cleanPath(path.Dir(p)))
	parent.refs.Add(1)
	br.pins.Add(1)
	return &pin{parent: parent, branch: br}, nil
}

func (p *pin) release() {
	if p == nil || p.released {
		return
	}
	p.released = true
	p.parent.refs.Add(-1)
	p.branch.pins.Add(-1)
}
