package stackfs

import (
	"io"
	"os"
	"sync"

	"github.com/spf13/afero"
)

// Readiness bits reported by Poll.
const (
	PollIn  uint32 = 1 << 0
	PollOut uint32 = 1 << 2
	PollErr uint32 = 1 << 3
)

// Pollable is the optional lower-file capability Poll forwards to.
type Pollable interface {
	Poll() uint32
}

// unionFile is the handle of a non-directory object: the lower file at
// the object's current top branch plus the generation snapshot that
// drives revalidation. Once the handle is Broken all lower state is
// gone and every operation fails with ErrStaleHandle.
type unionFile struct {
	mu   sync.Mutex
	ufs  *UnionFS
	path string
	flag int
	perm os.FileMode

	di     *dinfo
	branch *Branch
	f      afero.File
	figen  int64
	mmaps  int

	closed bool
	broken bool
}

// openLowerLocked opens the lower file for p on branch index bidx and
// wraps it in a union handle. Caller holds the superblock read lock.
func (ufs *UnionFS) openLowerLocked(p string, di *dinfo, bidx, flag int, perm os.FileMode) (*unionFile, error) {
	br := ufs.branches[bidx]

	lowerFlag := flag
	if !br.IsWritable() {
		// drop write-requiring flags on a read-only branch
		lowerFlag &^= os.O_WRONLY | os.O_RDWR | os.O_APPEND | os.O_CREATE | os.O_TRUNC | os.O_EXCL
	}
	f, err := br.fs.OpenFile(p, lowerFlag, perm)
	if err != nil {
		return nil, err
	}
	br.openFiles.Add(1)
	di.refs.Add(1)
	return &unionFile{
		ufs:    ufs,
		path:   p,
		flag:   flag,
		perm:   perm,
		di:     di,
		branch: br,
		f:      f,
		figen:  ufs.sigen.Load(),
	}, nil
}

func (f *unionFile) wantsWrite() bool {
	return f.flag&(os.O_WRONLY|os.O_RDWR|os.O_APPEND) != 0
}

// revalidate refreshes the handle after a roster change: the lower
// handle moves to the object's new top branch, with a copy-up first if
// a write-mode handle would otherwise land on a read-only branch.
// Irrecoverable refresh failures downgrade the handle to Broken.
// Caller holds f.mu.
func (f *unionFile) revalidateLocked() error {
	if f.broken {
		return ErrStaleHandle
	}
	ufs := f.ufs
	if f.figen == ufs.sigen.Load() {
		return nil
	}

	ufs.mu.RLock()
	defer ufs.mu.RUnlock()

	di, err := ufs.lookupLocked(f.path)
	if err != nil {
		f.breakLocked()
		return ErrStaleHandle
	}
	f.di = di

	di.mu.RLock()
	btop := di.btop
	di.mu.RUnlock()
	if btop < 0 {
		f.breakLocked()
		return ErrStaleHandle
	}
	br := ufs.branches[btop]

	if f.wantsWrite() && !br.IsWritable() {
		bdst, err := ufs.copyupPolicy.pick(ufs, btop)
		if err != nil {
			return err
		}
		if err := ufs.copyUpLocked(f.path, bdst, -1, CpupDtime|CpupHopen); err != nil {
			return err
		}
		di.mu.RLock()
		btop = di.btop
		di.mu.RUnlock()
		if btop < 0 {
			f.breakLocked()
			return ErrStaleHandle
		}
		br = ufs.branches[btop]
	}

	if br == f.branch {
		f.figen = ufs.sigen.Load()
		return nil
	}

	// retarget: preserve the offset across the reopen
	off, _ := f.f.Seek(0, io.SeekCurrent)
	reopenFlag := f.flag &^ (os.O_CREATE | os.O_EXCL | os.O_TRUNC)
	nf, err := br.fs.OpenFile(f.path, reopenFlag, f.perm)
	if err != nil {
		f.breakLocked()
		return ErrStaleHandle
	}
	if off > 0 {
		if _, err := nf.Seek(off, io.SeekStart); err != nil {
			nf.Close()
			f.breakLocked()
			return ErrStaleHandle
		}
	}

	f.f.Close()
	f.branch.openFiles.Add(-1)
	f.branch = br
	f.f = nf
	br.openFiles.Add(1)
	f.figen = ufs.sigen.Load()
	return nil
}

// breakLocked drops all lower state; the handle is past recovery.
func (f *unionFile) breakLocked() {
	if f.f != nil {
		f.f.Close()
		f.f = nil
		f.branch.openFiles.Add(-1)
	}
	f.broken = true
}

func (f *unionFile) do(op func(afero.File) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return os.ErrClosed
	}
	if err := f.revalidateLocked(); err != nil {
		return err
	}
	return op(f.f)
}

// Close releases the lower handle and the object reference.
func (f *unionFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return os.ErrClosed
	}
	f.closed = true
	var err error
	if f.f != nil {
		err = f.f.Close()
		f.branch.openFiles.Add(-1)
		f.f = nil
	}
	f.di.refs.Add(-1)
	return err
}

func (f *unionFile) Name() string { return f.path }

func (f *unionFile) Read(p []byte) (int, error) {
	var n int
	err := f.do(func(lf afero.File) error {
		var e error
		n, e = lf.Read(p)
		return e
	})
	return n, err
}

func (f *unionFile) ReadAt(p []byte, off int64) (int, error) {
	var n int
	err := f.do(func(lf afero.File) error {
		var e error
		n, e = lf.ReadAt(p, off)
		return e
	})
	return n, err
}

func (f *unionFile) Write(p []byte) (int, error) {
	var n int
	err := f.do(func(lf afero.File) error {
		var e error
		n, e = lf.Write(p)
		return e
	})
	if err == nil {
		f.ufs.invalidate(f.path)
	}
	return n, err
}

func (f *unionFile) WriteAt(p []byte, off int64) (int, error) {
	var n int
	err := f.do(func(lf afero.File) error {
		var e error
		n, e = lf.WriteAt(p, off)
		return e
	})
	if err == nil {
		f.ufs.invalidate(f.path)
	}
	return n, err
}

func (f *unionFile) WriteString(s string) (int, error) {
	return f.Write([]byte(s))
}

func (f *unionFile) Seek(offset int64, whence int) (int64, error) {
	var pos int64
	err := f.do(func(lf afero.File) error {
		var e error
		pos, e = lf.Seek(offset, whence)
		return e
	})
	return pos, err
}

func (f *unionFile) Truncate(size int64) error {
	err := f.do(func(lf afero.File) error {
		return lf.Truncate(size)
	})
	if err == nil {
		f.ufs.invalidate(f.path)
	}
	return err
}

func (f *unionFile) Sync() error {
	return f.do(func(lf afero.File) error { return lf.Sync() })
}

func (f *unionFile) Stat() (os.FileInfo, error) {
	var fi os.FileInfo
	err := f.do(func(lf afero.File) error {
		var e error
		fi, e = lf.Stat()
		return e
	})
	return fi, err
}

// Readdir on a non-directory handle fails.
func (f *unionFile) Readdir(int) ([]os.FileInfo, error) { return nil, os.ErrInvalid }

// Readdirnames on a non-directory handle fails.
func (f *unionFile) Readdirnames(int) ([]string, error) { return nil, os.ErrInvalid }

// Poll forwards to the lower top file. Without lower support it reports
// a permanent error-ready state so callers are never parked forever.
func (f *unionFile) Poll() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.broken {
		return PollErr
	}
	if err := f.revalidateLocked(); err != nil {
		return PollErr
	}
	if p, ok := f.f.(Pollable); ok {
		return p.Poll()
	}
	return PollErr
}

// SharedMap prepares a shared mapping of the file and returns the lower
// top handle so the caller maps the branch's own file. A writable
// mapping forces a copy-up under a pin first. Callers must pair it with
// ReleaseMap.
func (f *unionFile) SharedMap(writable bool) (afero.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, os.ErrClosed
	}
	if err := f.revalidateLocked(); err != nil {
		return nil, err
	}

	if writable && !f.branch.IsWritable() {
		ufs := f.ufs
		ufs.mu.RLock()
		bidx := ufs.branchIndexLocked(f.branch.id)
		bdst, err := ufs.copyupPolicy.pick(ufs, bidx)
		if err == nil {
			err = ufs.copyUpLocked(f.path, bdst, -1, CpupDtime)
		}
		ufs.mu.RUnlock()
		if err != nil {
			return nil, err
		}
		f.figen = -1 // force retarget to the copied-up branch
		if err := f.revalidateLocked(); err != nil {
			return nil, err
		}
	}

	f.mmaps++
	return f.f, nil
}

// ReleaseMap drops one mapping reference.
func (f *unionFile) ReleaseMap() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mmaps > 0 {
		f.mmaps--
	}
}
