package stackfs

import (
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// OsBranch is a branch rooted at a directory of the host filesystem. It
// adds hard-link support on top of the path-jailed view, which keeps
// pseudo-link copy-up cheap on same-branch links.
type OsBranch struct {
	*afero.BasePathFs
	root string
}

// NewOsBranch roots a branch at dir.
func NewOsBranch(dir string) *OsBranch {
	base := afero.NewBasePathFs(afero.NewOsFs(), dir).(*afero.BasePathFs)
	return &OsBranch{BasePathFs: base, root: dir}
}

// Root returns the host directory the branch is rooted at.
func (b *OsBranch) Root() string { return b.root }

// Lchown changes ownership without following a final symlink.
func (b *OsBranch) Lchown(name string, uid, gid int) error {
	return os.Lchown(filepath.Join(b.root, filepath.FromSlash(name)), uid, gid)
}

// Link creates newname as a hard link to oldname inside the branch.
func (b *OsBranch) Link(oldname, newname string) error {
	return os.Link(
		filepath.Join(b.root, filepath.FromSlash(oldname)),
		filepath.Join(b.root, filepath.FromSlash(newname)),
	)
}

var _ HardLinker = (*OsBranch)(nil)
