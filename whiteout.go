package stackfs

import (
	"fmt"
	"hash/fnv"
	"os"
	"path"
	"strings"
	"sync/atomic"

	"github.com/spf13/afero"
)

const (
	// WhiteoutPrefix is the prefix for whiteout files (AUFS/Docker style).
	WhiteoutPrefix = ".wh."
	// OpaqueWhiteout marks a directory as opaque (hides all lower branch contents).
	OpaqueWhiteout = ".wh.__dir_opaque"
	// tmpWhiteoutPrefix names renamed-away directories pending background removal.
	tmpWhiteoutPrefix = ".wh..tmp."

	// nameMax is the path-component length limit, whiteout prefix included.
	nameMax = 255

	// whMode is the mode of a whiteout marker file (S_IRUGO).
	whMode os.FileMode = 0444
)

// whState is the tri-state result of a whiteout presence test.
type whState int

const (
	whAbsent whState = iota
	whWhitedOut
	whInvalid
)

// whEncode returns the on-branch whiteout name for name, or ErrNameTooLong
// when the prefixed name exceeds the component limit.
func whEncode(name string) (string, error) {
	if len(WhiteoutPrefix)+len(name) > nameMax {
		return "", fmt.Errorf("%w: %q", ErrNameTooLong, name)
	}
	return WhiteoutPrefix + name, nil
}

// whDecode strips the whiteout prefix, reporting whether name was a
// whiteout at all. The opaque sentinel decodes to nothing.
func whDecode(name string) (string, bool) {
	if name == OpaqueWhiteout || !strings.HasPrefix(name, WhiteoutPrefix) {
		return "", false
	}
	return name[len(WhiteoutPrefix):], true
}

// isWhiteoutName reports whether a raw directory entry name is a whiteout
// marker (opaque sentinel included).
func isWhiteoutName(name string) bool {
	return strings.HasPrefix(name, WhiteoutPrefix)
}

// whPath returns the full whiteout path for p on a branch.
func whPath(p string) (string, error) {
	enc, err := whEncode(path.Base(p))
	if err != nil {
		return "", err
	}
	return path.Join(path.Dir(p), enc), nil
}

// whTest probes a single branch for a whiteout of name inside dir.
// A missing entry is whAbsent; a regular file is whWhitedOut; anything
// else at the whiteout name is whInvalid and surfaced as ErrIO by
// callers. Branches whose lookup fails for other reasons report whAbsent;
// the failure is the caller's to count.
func whTest(fs afero.Fs, dir, name string) (whState, error) {
	enc, err := whEncode(name)
	if err != nil {
		return whAbsent, err
	}
	fi, err := lstatBranch(fs, path.Join(dir, enc))
	if err != nil {
		if isNotExist(err) {
			return whAbsent, nil
		}
		return whAbsent, err
	}
	if !fi.Mode().IsRegular() {
		return whInvalid, fmt.Errorf("%w: whiteout %q is not a regular file", ErrIO, enc)
	}
	return whWhitedOut, nil
}

// createWhiteout places a zero-length S_IRUGO regular file at the
// whiteout name for p on fs. Creating an existing whiteout is a no-op.
func createWhiteout(fs afero.Fs, p string) error {
	wp, err := whPath(p)
	if err != nil {
		return err
	}
	if fi, err := lstatBranch(fs, wp); err == nil {
		if fi.Mode().IsRegular() {
			return nil
		}
		return fmt.Errorf("%w: whiteout %q is not a regular file", ErrIO, wp)
	}
	f, err := fs.OpenFile(wp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, whMode)
	if err != nil {
		if isExist(err) {
			return nil
		}
		return err
	}
	return f.Close()
}

// removeWhiteout drops the whiteout for p on fs, if any.
func removeWhiteout(fs afero.Fs, p string) error {
	wp, err := whPath(p)
	if err != nil {
		return err
	}
	if err := fs.Remove(wp); err != nil && !isNotExist(err) {
		return err
	}
	return nil
}

// markOpaque places the opaque sentinel inside dir on fs, fencing off
// lower branches from the merged listing of dir.
func markOpaque(fs afero.Fs, dir string) error {
	p := path.Join(dir, OpaqueWhiteout)
	f, err := fs.OpenFile(p, os.O_WRONLY|os.O_CREATE, whMode)
	if err != nil {
		if isExist(err) {
			return nil
		}
		return err
	}
	return f.Close()
}

// isOpaque reports whether dir carries the opaque sentinel on fs.
func isOpaque(fs afero.Fs, dir string) bool {
	fi, err := lstatBranch(fs, path.Join(dir, OpaqueWhiteout))
	return err == nil && fi.Mode().IsRegular()
}

var tmpWhSeq atomic.Int64

// tmpWhName returns a temp whiteout name for base, unique within the
// mount's lifetime.
func tmpWhName(base string) string {
	return fmt.Sprintf("%s%s.%x", tmpWhiteoutPrefix, base, tmpWhSeq.Add(1))
}

// rmdirArgs tracks one deferred directory removal: the directory renamed
// to its temp whiteout name plus the name-hash set of children still
// pending. The sweep drains the set as it removes children; after done
// is closed the set is empty unless the sweep failed partway.
type rmdirArgs struct {
	branch  *Branch
	tmpPath string
	pending map[uint64][]string
	done    chan struct{}
}

func nameHash(name string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return h.Sum64()
}

func (a *rmdirArgs) addPending(name string) {
	k := nameHash(name)
	a.pending[k] = append(a.pending[k], name)
}

func (a *rmdirArgs) dropPending(name string) {
	k := nameHash(name)
	names := a.pending[k]
	for i, n := range names {
		if n == name {
			a.pending[k] = append(names[:i], names[i+1:]...)
			break
		}
	}
	if len(a.pending[k]) == 0 {
		delete(a.pending, k)
	}
}

// whDeferRmdir renames dir to a temp whiteout name on br and sweeps its
// contents in the background. The caller has already decided the
// directory is over the dirwh threshold and holds no locks.
func (ufs *UnionFS) whDeferRmdir(br *Branch, dir string) (*rmdirArgs, error) {
	tmp := path.Join(path.Dir(dir), tmpWhName(path.Base(dir)))
	if len(path.Base(tmp)) > nameMax {
		return nil, fmt.Errorf("%w: %q", ErrNameTooLong, dir)
	}
	if err := br.fs.Rename(dir, tmp); err != nil {
		return nil, err
	}

	args := &rmdirArgs{
		branch:  br,
		tmpPath: tmp,
		pending: make(map[uint64][]string),
		done:    make(chan struct{}),
	}
	names, err := readdirNames(br.fs, tmp)
	if err == nil {
		for _, n := range names {
			args.addPending(n)
		}
	}

	ufs.rmdirWG.Add(1)
	go func() {
		defer ufs.rmdirWG.Done()
		defer close(args.done)
		for _, n := range names {
			if err := br.fs.RemoveAll(path.Join(tmp, n)); err != nil {
				ufs.log.WithField("dir", tmp).WithError(err).Warn("deferred rmdir sweep failed")
				return
			}
			args.dropPending(n)
		}
		if err := br.fs.RemoveAll(tmp); err != nil {
			ufs.log.WithField("dir", tmp).WithError(err).Warn("deferred rmdir sweep failed")
		}
	}()
	return args, nil
}

// readdirNames lists raw entry names of dir on a single branch.
func readdirNames(fs afero.Fs, dir string) ([]string, error) {
	f, err := fs.Open(dir)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return f.Readdirnames(-1)
}

// hideFence computes, for the parent chain of p, the largest branch index
// still allowed to contribute entries: a whiteout of an ancestor at
// branch k, or an opaque ancestor directory at branch k, hides every
// branch with index > k. Called with the superblock read lock held.
func (ufs *UnionFS) hideFenceLocked(p string) int {
	fence := len(ufs.branches) - 1
	for dir := p; dir != "/" && dir != "."; dir = path.Dir(dir) {
		for i, br := range ufs.branches {
			if i >= fence {
				break
			}
			if st, _ := whTest(br.fs, path.Dir(dir), path.Base(dir)); st == whWhitedOut {
				br.nWhHit.Add(1)
				fence = i
				break
			}
			if fi, err := lstatBranch(br.fs, dir); err == nil && fi.IsDir() && isOpaque(br.fs, dir) {
				fence = i
				break
			}
		}
	}
	return fence
}
