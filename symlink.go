package stackfs

import (
	"os"

	"github.com/spf13/afero"
)

// Readlink returns the target of the symlink at name, read from the
// object's top branch.
func (ufs *UnionFS) Readlink(name string) (string, error) {
	name = cleanPath(name)

	ufs.mu.RLock()
	defer ufs.mu.RUnlock()

	di, err := ufs.lookupLocked(name)
	if err != nil {
		return "", &os.PathError{Op: "readlink", Path: name, Err: err}
	}
	di.mu.RLock()
	btop := di.btop
	fi := di.topInfoLocked()
	di.mu.RUnlock()
	if btop < 0 {
		return "", &os.PathError{Op: "readlink", Path: name, Err: ErrNotFound}
	}
	if fi.Mode()&os.ModeSymlink == 0 {
		return "", &os.PathError{Op: "readlink", Path: name, Err: os.ErrInvalid}
	}
	return readlinkBranch(ufs.branches[btop].fs, name)
}

// ReadlinkIfPossible implements afero.LinkReader.
func (ufs *UnionFS) ReadlinkIfPossible(name string) (string, error) {
	return ufs.Readlink(name)
}

// Symlink creates newname as a symlink to oldname on the policy-selected
// writable branch. The target string is stored verbatim.
func (ufs *UnionFS) Symlink(oldname, newname string) error {
	newname = cleanPath(newname)

	ufs.mu.RLock()
	defer ufs.mu.RUnlock()

	if _, err := ufs.lookupLocked(newname); err == nil {
		return &os.LinkError{Op: "symlink", Old: oldname, New: newname, Err: os.ErrExist}
	} else if !isNotExist(err) {
		return err
	}

	bw, err := ufs.wbrCreateLocked(newname)
	if err != nil {
		return err
	}
	br := ufs.branches[bw]
	pin, err := ufs.pinParent(newname, br, false)
	if err != nil {
		return err
	}
	defer pin.release()

	if err := ufs.cpupDirsLocked(newname, bw); err != nil {
		return err
	}
	if err := ufs.clearWhiteoutsLocked(newname, bw); err != nil {
		return err
	}
	if err := symlinkBranch(br.fs, oldname, newname); err != nil {
		return err
	}
	ufs.noteMutation(newname)
	return nil
}

// SymlinkIfPossible implements afero.Linker.
func (ufs *UnionFS) SymlinkIfPossible(oldname, newname string) error {
	return ufs.Symlink(oldname, newname)
}

// Lchown changes the ownership of name without following a final
// symlink, copying up first when needed.
func (ufs *UnionFS) Lchown(name string, uid, gid int) error {
	return ufs.metaOp(name, "lchown", func(br *Branch, p string) error {
		if lc, ok := br.fs.(interface {
			Lchown(string, int, int) error
		}); ok {
			return lc.Lchown(p, uid, gid)
		}
		return br.fs.Chown(p, uid, gid)
	})
}

var (
	_ afero.Linker     = (*UnionFS)(nil)
	_ afero.LinkReader = (*UnionFS)(nil)
	_ afero.Lstater    = (*UnionFS)(nil)
)
