package stackfs

import (
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/spf13/afero"
)

// cpupFlags tune one copy-up operation.
type cpupFlags uint32

const (
	// CpupDtime preserves the destination parent directory's timestamps
	// across the copy.
	CpupDtime cpupFlags = 1 << iota
	// CpupKeepLowerXino keeps the lower inode-number translation alive
	// after the copy; hard-link copy-up needs it for sibling links.
	CpupKeepLowerXino
	// CpupRename marks a copy-up immediately followed by a rename.
	CpupRename
	// CpupHopen pre-opens the lower file for the whole operation, for
	// branches that release state only at last close.
	CpupHopen
	// CpupOverwrite allows the destination to exist already.
	CpupOverwrite
	// CpupRwdst forces writing to a read-only-marked branch during
	// internal operations.
	CpupRwdst
)

// cpupDesc is the generic descriptor of one copy-up: materialize the
// object at path on branch bdst from its current home bsrc.
type cpupDesc struct {
	path   string
	bdst   int
	bsrc   int
	length int64 // -1 means the whole file
	flags  cpupFlags
}

// dtimeSnap remembers a parent directory's timestamps for later revert.
type dtimeSnap struct {
	fs    afero.Fs
	dir   string
	mtime time.Time
}

func snapDtime(fs afero.Fs, dir string) *dtimeSnap {
	fi, err := fs.Stat(dir)
	if err != nil {
		return nil
	}
	return &dtimeSnap{fs: fs, dir: dir, mtime: fi.ModTime()}
}

func (d *dtimeSnap) revert() {
	if d == nil {
		return
	}
	_ = d.fs.Chtimes(d.dir, d.mtime, d.mtime)
}

// copyUpLocked moves the object at p from its current top branch to the
// higher branch bdst. Caller holds the superblock read lock. The copy is
// atomic with respect to concurrent lookups: data lands under a temp
// whiteout name and is renamed into place, so a lookup sees either the
// old btop or the completed copy.
func (ufs *UnionFS) copyUpLocked(p string, bdst int, length int64, flags cpupFlags) error {
	di, err := ufs.lookupLocked(p)
	if err != nil {
		return err
	}
	di.mu.RLock()
	bsrc := di.btop
	srcInfo := di.topInfoLocked()
	di.mu.RUnlock()

	if bsrc < 0 {
		return ErrNotFound
	}
	if bdst >= bsrc {
		return nil // already at or above the destination
	}
	if bdst < 0 || bdst >= len(ufs.branches) {
		return fmt.Errorf("%w: copy-up destination %d", ErrInvalidBranch, bdst)
	}

	d := cpupDesc{path: cleanPath(p), bdst: bdst, bsrc: bsrc, length: length, flags: flags}
	src := ufs.branches[bsrc]
	dst := ufs.branches[bdst]

	pin, err := ufs.pinParent(d.path, dst, flags&CpupRwdst != 0)
	if err != nil {
		return err
	}
	defer pin.release()

	if err := ufs.cpupDirsLocked(d.path, bdst); err != nil {
		return err
	}

	var dt *dtimeSnap
	if flags&CpupDtime != 0 {
		dt = snapDtime(dst.fs, path.Dir(d.path))
	}

	var hopen afero.File
	if flags&CpupHopen != 0 && srcInfo.Mode().IsRegular() {
		if hopen, err = src.fs.Open(d.path); err == nil {
			defer hopen.Close()
		}
	}

	switch mode := srcInfo.Mode(); {
	case mode.IsRegular():
		err = ufs.cpupRegLocked(d, src, dst, srcInfo)
	case mode&os.ModeSymlink != 0:
		err = cpupSymlink(d, src, dst)
	case mode.IsDir():
		err = cpupDirEntry(d.path, dst, srcInfo)
	default:
		err = fmt.Errorf("%w: cannot copy up special file %q", ErrIO, d.path)
	}
	if err != nil {
		dt.revert()
		return err
	}

	cpupXattrs(src.fs, dst.fs, d.path)
	_ = dst.fs.Chtimes(d.path, srcInfo.ModTime(), srcInfo.ModTime())
	dt.revert()

	dst.nCopyup.Add(1)
	ufs.log.WithFields(map[string]interface{}{
		"path": d.path,
		"from": src.id,
		"to":   dst.id,
	}).Debug("copied up")

	di.mu.Lock()
	ufs.refreshLocked(di)
	di.mu.Unlock()
	return nil
}

// cpupRegLocked copies a regular file's bytes and identity. Hard-linked
// sources consult the pseudo-link registry first: on a hit the sibling
// is linked to the already-copied upper inode instead of duplicating the
// data.
func (ufs *UnionFS) cpupRegLocked(d cpupDesc, src, dst *Branch, srcInfo os.FileInfo) error {
	srcIno := inoOf(src, d.path, srcInfo)
	nlink := nlinkOf(srcInfo)
	id := plinkID{branchID: src.id, ino: srcIno}

	if ufs.plinkOn && nlink > 1 {
		if e, ok := ufs.plink.lookup(id); ok && e.upperBranchID == dst.id {
			if hl, ok := dst.fs.(HardLinker); ok {
				if err := hl.Link(e.upperPath, d.path); err == nil {
					return ufs.xino.Alias(dst.id, e.upperIno, mustLogical(ufs, src.id, srcIno))
				}
			}
		}
	}

	if d.flags&CpupOverwrite == 0 {
		if _, err := lstatBranch(dst.fs, d.path); err == nil {
			return fmt.Errorf("%w: %q exists on destination branch", ErrIO, d.path)
		}
	}

	in, err := src.fs.Open(d.path)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := path.Join(path.Dir(d.path), tmpWhName(path.Base(d.path)))
	out, err := dst.fs.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, srcInfo.Mode().Perm())
	if err != nil {
		return err
	}

	copyErr := func() error {
		if srcInfo.Size() == 0 || d.length == 0 {
			return nil
		}
		var r io.Reader = in
		if d.length > 0 {
			r = io.LimitReader(in, d.length)
		}
		buf := make([]byte, ufs.copyBufferSize)
		_, err := io.CopyBuffer(out, r, buf)
		return err
	}()
	if cerr := out.Close(); copyErr == nil {
		copyErr = cerr
	}
	if copyErr == nil {
		copyErr = dst.fs.Chmod(tmp, srcInfo.Mode().Perm())
	}
	if copyErr == nil {
		if uid, gid, ok := statOwner(srcInfo); ok {
			_ = dst.fs.Chown(tmp, uid, gid)
		}
		copyErr = dst.fs.Rename(tmp, d.path)
	}
	if copyErr != nil {
		_ = dst.fs.Remove(tmp) // roll back the partial destination
		return copyErr
	}

	upInfo, err := lstatBranch(dst.fs, d.path)
	if err != nil {
		return err
	}
	upIno := inoOf(dst, d.path, upInfo)

	logical := mustLogical(ufs, src.id, srcIno)
	if err := ufs.xino.Alias(dst.id, upIno, logical); err != nil {
		return err
	}
	if d.flags&CpupKeepLowerXino == 0 && nlink <= 1 {
		_ = ufs.xino.Forget(src.id, srcIno)
	}

	if ufs.plinkOn && nlink > 1 {
		ufs.plink.register(id, plinkEntry{
			upperBranchID: dst.id,
			upperPath:     d.path,
			upperIno:      upIno,
		})
	}
	return nil
}

// mustLogical maps a lower identity through xino, falling back to the
// lower number itself if the store errors out.
func mustLogical(ufs *UnionFS, branchID int64, lowerIno uint64) uint64 {
	logical, err := ufs.xino.Map(branchID, lowerIno)
	if err != nil {
		ufs.log.WithError(err).Warn("xino map failed")
		return lowerIno
	}
	return logical
}

// cpupSymlink re-creates a symlink at the destination.
func cpupSymlink(d cpupDesc, src, dst *Branch) error {
	target, err := readlinkBranch(src.fs, d.path)
	if err != nil {
		return err
	}
	if d.flags&CpupOverwrite != 0 {
		_ = dst.fs.Remove(d.path)
	}
	return symlinkBranch(dst.fs, target, d.path)
}

// cpupDirEntry creates the directory itself at the destination with the
// source's mode and times.
func cpupDirEntry(p string, dst *Branch, srcInfo os.FileInfo) error {
	if err := dst.fs.MkdirAll(p, srcInfo.Mode().Perm()); err != nil && !isExist(err) {
		return err
	}
	_ = dst.fs.Chmod(p, srcInfo.Mode().Perm())
	_ = dst.fs.Chtimes(p, srcInfo.ModTime(), srcInfo.ModTime())
	return nil
}

// cpupDirsLocked ensures every ancestor of p exists on branch bdst,
// creating missing ones in root-to-leaf order with the attributes of
// their union view. Caller holds the superblock read lock.
func (ufs *UnionFS) cpupDirsLocked(p string, bdst int) error {
	dst := ufs.branches[bdst]
	parts := splitPath(p)
	cur := "/"
	for _, part := range parts[:max(len(parts)-1, 0)] {
		cur = path.Join(cur, part)
		if _, err := lstatBranch(dst.fs, cur); err == nil {
			continue
		} else if !isNotExist(err) {
			return err
		}
		fi, _, err := ufs.statLocked(cur)
		if err != nil {
			return err
		}
		if !fi.IsDir() {
			return fmt.Errorf("%w: ancestor %q is not a directory", ErrIO, cur)
		}
		if err := cpupDirEntry(cur, dst, fi); err != nil {
			return err
		}
	}
	return nil
}

// cpupXattrs replays extended attributes when both branches support
// them; absence of the capability on either side is not an error.
func cpupXattrs(src, dst afero.Fs, p string) {
	sx, ok := src.(Xattrer)
	if !ok {
		return
	}
	dx, ok := dst.(Xattrer)
	if !ok {
		return
	}
	names, err := sx.Listxattr(p)
	if err != nil {
		return
	}
	for _, name := range names {
		v, err := sx.Getxattr(p, name)
		if err != nil {
			continue
		}
		_ = dx.Setxattr(p, name, v)
	}
}
