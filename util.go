package stackfs

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// cleanPath normalizes a path to an absolute, slash-separated form.
func cleanPath(p string) string {
	cleaned := filepath.ToSlash(filepath.Clean(p))
	if !strings.HasPrefix(cleaned, "/") {
		cleaned = "/" + cleaned
	}
	return cleaned
}

// splitPath splits a cleaned path into its components.
func splitPath(p string) []string {
	p = cleanPath(p)
	if p == "/" {
		return nil
	}
	return strings.Split(strings.TrimPrefix(p, "/"), "/")
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || os.IsNotExist(err)
}

func isExist(err error) bool {
	return errors.Is(err, fs.ErrExist) || os.IsExist(err)
}

// lstatBranch stats p on a branch without following a final symlink when
// the branch supports it, falling back to Stat otherwise.
func lstatBranch(fs afero.Fs, p string) (os.FileInfo, error) {
	if lst, ok := fs.(afero.Lstater); ok {
		fi, _, err := lst.LstatIfPossible(p)
		return fi, err
	}
	return fs.Stat(p)
}

// readlinkBranch reads a symlink target on a branch, if supported.
func readlinkBranch(fs afero.Fs, p string) (string, error) {
	if lr, ok := fs.(afero.LinkReader); ok {
		return lr.ReadlinkIfPossible(p)
	}
	return "", afero.ErrNoReadlink
}

// symlinkBranch creates a symlink on a branch, if supported.
func symlinkBranch(fs afero.Fs, target, newname string) error {
	if ln, ok := fs.(afero.Linker); ok {
		return ln.SymlinkIfPossible(target, newname)
	}
	return afero.ErrNoSymlink
}

// HardLinker is the optional branch capability needed to preserve
// hard-link identity during copy-up. OsBranch implements it.
type HardLinker interface {
	Link(oldname, newname string) error
}

// Xattrer is the optional branch capability for extended attributes,
// replayed during copy-up when both ends support it.
type Xattrer interface {
	Getxattr(path, name string) ([]byte, error)
	Setxattr(path, name string, value []byte) error
	Listxattr(path string) ([]string, error)
}

// roundUpPow2 rounds n up to the next power of two, clamped to [lo, hi].
func roundUpPow2(n, lo, hi int) int {
	if n < lo {
		n = lo
	}
	p := lo
	for p < n && p < hi {
		p <<= 1
	}
	if p > hi {
		p = hi
	}
	return p
}
