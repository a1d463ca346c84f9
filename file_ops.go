package stackfs

import (
	"errors"
	"os"
	"path"
	"time"

	"github.com/spf13/afero"
)

var errNotEmpty = errors.New("stackfs: directory not empty")

// noteMutation drops cached metadata of name and of its parent, whose
// merged listing just changed.
func (ufs *UnionFS) noteMutation(name string) {
	ufs.invalidate(name)
	if dir := path.Dir(name); dir != name {
		ufs.invalidate(dir)
	}
}

// wbrCreateLocked picks the writable branch for creating name, per the
// wbr_create policy starting from the parent's top branch. Caller holds
// the superblock read lock.
func (ufs *UnionFS) wbrCreateLocked(name string) (int, error) {
	return ufs.createPolicy.pickCreate(ufs, ufs.parentTopLocked(name))
}

// wbrWhiteoutLocked picks the branch for a whiteout of name: the first
// writable branch at or above the parent's top, so the marker actually
// fences every surviving occurrence. Policy-independent.
func (ufs *UnionFS) wbrWhiteoutLocked(name string) (int, error) {
	return pickTDP(nil, ufs, ufs.parentTopLocked(name))
}

func (ufs *UnionFS) parentTopLocked(name string) int {
	start := len(ufs.branches) - 1
	if pdi, err := ufs.lookupLocked(path.Dir(name)); err == nil {
		pdi.mu.RLock()
		if pdi.btop >= 0 {
			start = pdi.btop
		}
		pdi.mu.RUnlock()
	}
	return start
}

// clearWhiteoutsLocked removes whiteouts of name on every writable
// branch at or above index bw, so an object created at bw is actually
// visible through the union.
func (ufs *UnionFS) clearWhiteoutsLocked(name string, bw int) error {
	for i := bw; i >= 0; i-- {
		br := ufs.branches[i]
		if !br.IsWritable() {
			continue
		}
		if err := removeWhiteout(br.fs, name); err != nil {
			return err
		}
	}
	return nil
}

// ensureUpperLocked guarantees name lives on a writable branch, copying
// up per the wbr_copyup policy when its current top is read-only. It
// returns the resulting top branch index. Caller holds the superblock
// read lock.
func (ufs *UnionFS) ensureUpperLocked(name string, di *dinfo, truncate bool) (int, error) {
	di.mu.RLock()
	btop := di.btop
	di.mu.RUnlock()
	if btop < 0 {
		return -1, ErrNotFound
	}
	if ufs.branches[btop].IsWritable() {
		return btop, nil
	}

	bdst, err := ufs.copyupPolicy.pick(ufs, btop)
	if err != nil {
		return -1, err
	}
	length := int64(-1)
	flags := CpupDtime | CpupHopen
	if truncate {
		length, flags = 0, CpupDtime
	}
	if err := ufs.copyUpLocked(name, bdst, length, flags); err != nil {
		return -1, err
	}

	di.mu.RLock()
	btop = di.btop
	di.mu.RUnlock()
	if btop < 0 {
		return -1, ErrStaleHandle
	}
	if !ufs.branches[btop].IsWritable() {
		return -1, ErrReadOnlyBranch
	}
	return btop, nil
}

// Open opens a file or merged directory for reading.
func (ufs *UnionFS) Open(name string) (afero.File, error) {
	return ufs.OpenFile(name, os.O_RDONLY, 0)
}

// Create creates name on the policy-selected writable branch.
func (ufs *UnionFS) Create(name string) (afero.File, error) {
	return ufs.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
}

// OpenFile opens name with the given flags. Write intent on an object
// whose top branch is read-only triggers copy-up; creation lands on the
// wbr_create branch with missing ancestors copied up first.
func (ufs *UnionFS) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	name = cleanPath(name)
	isWrite := flag&(os.O_WRONLY|os.O_RDWR|os.O_APPEND|os.O_CREATE|os.O_TRUNC) != 0

	ufs.mu.RLock()
	defer ufs.mu.RUnlock()

	di, lerr := ufs.lookupLocked(name)
	exists := lerr == nil
	if lerr != nil && !isNotExist(lerr) {
		return nil, lerr
	}

	if !isWrite {
		if !exists {
			return nil, &os.PathError{Op: "open", Path: name, Err: lerr}
		}
		di.mu.RLock()
		btop := di.btop
		fi := di.topInfoLocked()
		di.mu.RUnlock()
		if fi.IsDir() {
			return ufs.newUnionDirLocked(name, di)
		}
		return ufs.openLowerLocked(name, di, btop, flag, perm)
	}

	if exists {
		if flag&os.O_CREATE != 0 && flag&os.O_EXCL != 0 {
			return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrExist}
		}
		di.mu.RLock()
		fi := di.topInfoLocked()
		di.mu.RUnlock()
		if fi.IsDir() {
			return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrInvalid}
		}
		btop, err := ufs.ensureUpperLocked(name, di, flag&os.O_TRUNC != 0)
		if err != nil {
			return nil, err
		}
		f, err := ufs.openLowerLocked(name, di, btop, flag, perm)
		if err != nil {
			return nil, err
		}
		if flag&os.O_TRUNC != 0 {
			ufs.invalidate(name)
		}
		return f, nil
	}

	// creation
	if flag&os.O_CREATE == 0 {
		return nil, &os.PathError{Op: "open", Path: name, Err: lerr}
	}
	bw, err := ufs.wbrCreateLocked(name)
	if err != nil {
		return nil, err
	}
	br := ufs.branches[bw]
	pin, err := ufs.pinParent(name, br, false)
	if err != nil {
		return nil, err
	}
	defer pin.release()

	if err := ufs.cpupDirsLocked(name, bw); err != nil {
		return nil, err
	}
	if err := ufs.clearWhiteoutsLocked(name, bw); err != nil {
		return nil, err
	}
	f, err := ufs.openLowerLocked(name, di, bw, flag, perm)
	if err != nil {
		return nil, err
	}
	ufs.noteMutation(name)
	return f, nil
}

// Stat returns the union view of name, following a final symlink.
func (ufs *UnionFS) Stat(name string) (os.FileInfo, error) {
	return ufs.statFollow(cleanPath(name), 40)
}

func (ufs *UnionFS) statFollow(name string, depth int) (os.FileInfo, error) {
	if depth <= 0 {
		return nil, &os.PathError{Op: "stat", Path: name, Err: os.ErrInvalid}
	}
	fi, _, err := func() (os.FileInfo, int, error) {
		ufs.mu.RLock()
		defer ufs.mu.RUnlock()
		return ufs.statLocked(name)
	}()
	if err != nil {
		return nil, &os.PathError{Op: "stat", Path: name, Err: err}
	}
	if fi.Mode()&os.ModeSymlink == 0 {
		return fi, nil
	}
	target, err := ufs.Readlink(name)
	if err != nil {
		return nil, err
	}
	if !path.IsAbs(target) {
		target = path.Join(path.Dir(name), target)
	}
	return ufs.statFollow(cleanPath(target), depth-1)
}

// LstatIfPossible returns the union view without following a final
// symlink. The union always answers via lstat when a branch offers it.
func (ufs *UnionFS) LstatIfPossible(name string) (os.FileInfo, bool, error) {
	ufs.mu.RLock()
	defer ufs.mu.RUnlock()
	fi, _, err := ufs.statLocked(cleanPath(name))
	if err != nil {
		return nil, true, &os.PathError{Op: "lstat", Path: name, Err: err}
	}
	return fi, true, nil
}

// TopBranchIndex returns the roster index currently serving name.
func (ufs *UnionFS) TopBranchIndex(name string) (int, error) {
	ufs.mu.RLock()
	defer ufs.mu.RUnlock()
	_, btop, err := ufs.statLocked(cleanPath(name))
	return btop, err
}

// LogicalIno returns the stable xino-translated inode number of name.
func (ufs *UnionFS) LogicalIno(name string) (uint64, error) {
	name = cleanPath(name)
	ufs.mu.RLock()
	defer ufs.mu.RUnlock()
	di, err := ufs.lookupLocked(name)
	if err != nil {
		return 0, err
	}
	di.mu.RLock()
	btop := di.btop
	fi := di.topInfoLocked()
	di.mu.RUnlock()
	if btop < 0 {
		return 0, ErrNotFound
	}
	br := ufs.branches[btop]
	return ufs.xino.Map(br.id, inoOf(br, name, fi))
}

// Mkdir creates a directory on the policy-selected writable branch. A
// directory re-created over a whiteout is marked opaque so hidden lower
// contents stay hidden.
func (ufs *UnionFS) Mkdir(name string, perm os.FileMode) error {
	name = cleanPath(name)
	ufs.mu.RLock()
	defer ufs.mu.RUnlock()

	_, lerr := ufs.lookupLocked(name)
	if lerr == nil {
		return &os.PathError{Op: "mkdir", Path: name, Err: os.ErrExist}
	}
	if !isNotExist(lerr) {
		return lerr
	}
	whited := errors.Is(lerr, ErrWhitedOut)

	bw, err := ufs.wbrCreateLocked(name)
	if err != nil {
		return err
	}
	br := ufs.branches[bw]
	pin, err := ufs.pinParent(name, br, false)
	if err != nil {
		return err
	}
	defer pin.release()

	if err := ufs.cpupDirsLocked(name, bw); err != nil {
		return err
	}
	if err := ufs.clearWhiteoutsLocked(name, bw); err != nil {
		return err
	}
	if err := br.fs.Mkdir(name, perm); err != nil {
		return err
	}
	if whited {
		if err := markOpaque(br.fs, name); err != nil {
			return err
		}
	}
	ufs.noteMutation(name)
	return nil
}

// MkdirAll creates name and any missing ancestors.
func (ufs *UnionFS) MkdirAll(name string, perm os.FileMode) error {
	name = cleanPath(name)
	cur := "/"
	for _, part := range splitPath(name) {
		cur = path.Join(cur, part)
		err := ufs.Mkdir(cur, perm)
		if err == nil {
			continue
		}
		var perr *os.PathError
		if errors.As(err, &perr) && isExist(perr.Err) {
			if fi, serr := ufs.Stat(cur); serr == nil && fi.IsDir() {
				continue
			}
		}
		return err
	}
	return nil
}

// Remove deletes name. An object still present on a lower branch is
// hidden with a whiteout; a merged-empty directory whose on-branch
// residue exceeds dirwh is renamed to a temp whiteout name and swept in
// the background.
func (ufs *UnionFS) Remove(name string) error {
	name = cleanPath(name)
	if name == "/" {
		return &os.PathError{Op: "remove", Path: name, Err: os.ErrInvalid}
	}

	ufs.mu.RLock()
	defer ufs.mu.RUnlock()

	di, err := ufs.lookupLocked(name)
	if err != nil {
		return &os.PathError{Op: "remove", Path: name, Err: err}
	}
	di.mu.RLock()
	btop, blower := di.btop, di.blower
	fi := di.topInfoLocked()
	di.mu.RUnlock()

	top := ufs.branches[btop]
	if fi.IsDir() {
		children, err := ufs.mergedChildrenLocked(di)
		if err != nil {
			return err
		}
		if len(children) > 0 {
			return &os.PathError{Op: "remove", Path: name, Err: errNotEmpty}
		}
	}

	removedOnTop := false
	if top.IsWritable() {
		if fi.IsDir() {
			if err := ufs.removeUpperDirLocked(top, name); err != nil {
				return err
			}
		} else if err := top.fs.Remove(name); err != nil && !isNotExist(err) {
			return err
		}
		removedOnTop = true
	}

	// a whiteout is needed exactly when the name survives on a branch
	// the deletion above did not touch
	needWh := blower > btop || !removedOnTop
	if needWh {
		bw, err := ufs.wbrWhiteoutLocked(name)
		if err != nil {
			return err
		}
		br := ufs.branches[bw]
		pin, err := ufs.pinParent(name, br, false)
		if err != nil {
			return err
		}
		defer pin.release()
		if err := ufs.cpupDirsLocked(name, bw); err != nil {
			return err
		}
		if err := createWhiteout(br.fs, name); err != nil {
			return err
		}
	}

	ufs.noteMutation(name)
	return nil
}

// removeUpperDirLocked removes a merged-empty directory from its
// writable branch. Residue above the dirwh threshold defers through a
// temp-whiteout rename with a background sweep.
func (ufs *UnionFS) removeUpperDirLocked(br *Branch, name string) error {
	names, err := readdirNames(br.fs, name)
	if err != nil {
		if isNotExist(err) {
			return nil
		}
		return err
	}
	if len(names) > ufs.dirwh {
		_, err := ufs.whDeferRmdir(br, name)
		return err
	}
	return br.fs.RemoveAll(name)
}

// RemoveAll removes name and all its children.
func (ufs *UnionFS) RemoveAll(name string) error {
	name = cleanPath(name)

	ufs.mu.RLock()
	defer ufs.mu.RUnlock()

	di, err := ufs.lookupLocked(name)
	if err != nil {
		if isNotExist(err) {
			return nil
		}
		return err
	}
	di.mu.RLock()
	btop, blower := di.btop, di.blower
	di.mu.RUnlock()

	top := ufs.branches[btop]
	removedOnTop := false
	if top.IsWritable() {
		if err := top.fs.RemoveAll(name); err != nil {
			return err
		}
		removedOnTop = true
	}

	if blower > btop || !removedOnTop {
		bw, err := ufs.wbrWhiteoutLocked(name)
		if err != nil {
			return err
		}
		br := ufs.branches[bw]
		pin, err := ufs.pinParent(name, br, false)
		if err != nil {
			return err
		}
		defer pin.release()
		if err := ufs.cpupDirsLocked(name, bw); err != nil {
			return err
		}
		if err := createWhiteout(br.fs, name); err != nil {
			return err
		}
	}

	ufs.invalidateTree(name)
	ufs.noteMutation(name)
	return nil
}

// Rename moves oldname to newname on a writable branch, copying up
// first when needed. A renamed-away name that survives on a lower
// branch gets a whiteout; a renamed directory with lower content under
// its new name is marked opaque.
func (ufs *UnionFS) Rename(oldname, newname string) error {
	oldname = cleanPath(oldname)
	newname = cleanPath(newname)

	ufs.mu.RLock()
	defer ufs.mu.RUnlock()

	di, err := ufs.lookupLocked(oldname)
	if err != nil {
		return &os.PathError{Op: "rename", Path: oldname, Err: err}
	}
	di.mu.RLock()
	btop, blower := di.btop, di.blower
	fi := di.topInfoLocked()
	di.mu.RUnlock()
	hadLower := blower > btop || !ufs.branches[btop].IsWritable()

	if !ufs.branches[btop].IsWritable() {
		bdst, err := ufs.copyupPolicy.pick(ufs, btop)
		if err != nil {
			return err
		}
		if err := ufs.copyUpLocked(oldname, bdst, -1, CpupDtime|CpupRename); err != nil {
			return err
		}
		di.mu.RLock()
		btop = di.btop
		di.mu.RUnlock()
	}
	br := ufs.branches[btop]

	pin, err := ufs.pinParent(newname, br, false)
	if err != nil {
		return err
	}
	defer pin.release()

	if err := ufs.cpupDirsLocked(newname, btop); err != nil {
		return err
	}
	if err := ufs.clearWhiteoutsLocked(newname, btop); err != nil {
		return err
	}
	if err := br.fs.Rename(oldname, newname); err != nil {
		return err
	}

	if hadLower {
		if err := createWhiteout(br.fs, oldname); err != nil {
			return err
		}
	}
	if fi.IsDir() {
		// fence off any lower directory that shares the new name
		ndi := ufs.dcache.get(newname)
		ndi.mu.Lock()
		ufs.refreshLocked(ndi)
		lowerUnder := ndi.bbot > ndi.btop
		ndi.mu.Unlock()
		if lowerUnder {
			if err := markOpaque(br.fs, newname); err != nil {
				return err
			}
		}
		ufs.invalidateTree(oldname)
		ufs.invalidateTree(newname)
	}

	ufs.noteMutation(oldname)
	ufs.noteMutation(newname)
	return nil
}

// Link creates newname as a hard link to oldname on a writable branch
// that supports hard links, copying oldname up first when needed.
func (ufs *UnionFS) Link(oldname, newname string) error {
	oldname = cleanPath(oldname)
	newname = cleanPath(newname)

	ufs.mu.RLock()
	defer ufs.mu.RUnlock()

	di, err := ufs.lookupLocked(oldname)
	if err != nil {
		return &os.PathError{Op: "link", Path: oldname, Err: err}
	}
	btop, err := ufs.ensureUpperKeepXinoLocked(oldname, di)
	if err != nil {
		return err
	}
	br := ufs.branches[btop]
	hl, ok := br.fs.(HardLinker)
	if !ok {
		return &os.LinkError{Op: "link", Old: oldname, New: newname, Err: os.ErrPermission}
	}

	pin, err := ufs.pinParent(newname, br, false)
	if err != nil {
		return err
	}
	defer pin.release()
	if err := ufs.cpupDirsLocked(newname, btop); err != nil {
		return err
	}
	if err := ufs.clearWhiteoutsLocked(newname, btop); err != nil {
		return err
	}
	if err := hl.Link(oldname, newname); err != nil {
		return err
	}
	ufs.noteMutation(newname)
	return nil
}

// ensureUpperKeepXinoLocked is ensureUpper for hard-link callers: the
// lower inode-number translation must stay alive for sibling links.
func (ufs *UnionFS) ensureUpperKeepXinoLocked(name string, di *dinfo) (int, error) {
	di.mu.RLock()
	btop := di.btop
	di.mu.RUnlock()
	if btop < 0 {
		return -1, ErrNotFound
	}
	if ufs.branches[btop].IsWritable() {
		return btop, nil
	}
	bdst, err := ufs.copyupPolicy.pick(ufs, btop)
	if err != nil {
		return -1, err
	}
	if err := ufs.copyUpLocked(name, bdst, -1, CpupDtime|CpupKeepLowerXino|CpupHopen); err != nil {
		return -1, err
	}
	di.mu.RLock()
	btop = di.btop
	di.mu.RUnlock()
	if btop < 0 || !ufs.branches[btop].IsWritable() {
		return -1, ErrReadOnlyBranch
	}
	return btop, nil
}

// Chmod changes the mode of name, copying up first when needed.
func (ufs *UnionFS) Chmod(name string, mode os.FileMode) error {
	return ufs.metaOp(name, "chmod", func(br *Branch, p string) error {
		return br.fs.Chmod(p, mode)
	})
}

// Chown changes the ownership of name, copying up first when needed.
func (ufs *UnionFS) Chown(name string, uid, gid int) error {
	return ufs.metaOp(name, "chown", func(br *Branch, p string) error {
		return br.fs.Chown(p, uid, gid)
	})
}

// Chtimes changes the access and modification times of name, copying up
// first when needed.
func (ufs *UnionFS) Chtimes(name string, atime, mtime time.Time) error {
	return ufs.metaOp(name, "chtimes", func(br *Branch, p string) error {
		return br.fs.Chtimes(p, atime, mtime)
	})
}

func (ufs *UnionFS) metaOp(name, op string, apply func(*Branch, string) error) error {
	name = cleanPath(name)

	ufs.mu.RLock()
	defer ufs.mu.RUnlock()

	di, err := ufs.lookupLocked(name)
	if err != nil {
		return &os.PathError{Op: op, Path: name, Err: err}
	}
	btop, err := ufs.ensureUpperLocked(name, di, false)
	if err != nil {
		return err
	}
	if err := apply(ufs.branches[btop], name); err != nil {
		return err
	}
	ufs.invalidate(name)
	return nil
}

// ReadDir returns the merged listing of name without the dot entries.
func (ufs *UnionFS) ReadDir(name string) ([]os.FileInfo, error) {
	name = cleanPath(name)
	ufs.mu.RLock()
	defer ufs.mu.RUnlock()
	di, err := ufs.lookupLocked(name)
	if err != nil {
		return nil, &os.PathError{Op: "readdir", Path: name, Err: err}
	}
	return ufs.mergedChildrenLocked(di)
}

// MergedDir returns the full merged listing of name, "." and ".."
// first, exactly as the directory merger emits it.
func (ufs *UnionFS) MergedDir(name string) ([]os.FileInfo, error) {
	name = cleanPath(name)
	ufs.mu.RLock()
	defer ufs.mu.RUnlock()
	di, err := ufs.lookupLocked(name)
	if err != nil {
		return nil, &os.PathError{Op: "readdir", Path: name, Err: err}
	}
	return ufs.mergedDirLocked(di)
}
