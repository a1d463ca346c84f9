package stackfs

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"gotest.tools/v3/assert"
)

func ctlTarget(ufs *UnionFS) string {
	return fmt.Sprintf("si=%x", ufs.SessionID())
}

func TestControlBindAndExclusivity(t *testing.T) {
	ufs := newUnion(t, WithWritableBranch(afero.NewMemMapFs()))

	c, err := OpenControl(ctlTarget(ufs), "first", true)
	assert.NilError(t, err)

	_, err = OpenControl(ctlTarget(ufs), "second", true)
	assert.Assert(t, errors.Is(err, ErrBusy), "got %v", err)

	assert.NilError(t, c.Close())
	c2, err := OpenControl(ctlTarget(ufs), "second", true)
	assert.NilError(t, err)
	assert.NilError(t, c2.Close())
}

func TestControlBadTarget(t *testing.T) {
	_, err := OpenControl("nonsense", "x", true)
	assert.Assert(t, err != nil)
	_, err = OpenControl("si=zz", "x", true)
	assert.Assert(t, err != nil)
	_, err = OpenControl("si=deadbeef", "x", true)
	assert.Assert(t, errors.Is(err, ErrNotFound), "got %v", err)
}

func TestControlCleanRequiresAdmin(t *testing.T) {
	ufs := newUnion(t, WithWritableBranch(afero.NewMemMapFs()))

	c, err := OpenControl(ctlTarget(ufs), "peon", false)
	assert.NilError(t, err)
	defer c.Close()

	_, err = c.Do("clean")
	assert.Assert(t, err != nil, "clean ran without admin rights")
}

func TestControlClean(t *testing.T) {
	lower, _ := hardLinkPair(t, "x")
	upperDir := t.TempDir()
	ufs := newUnion(t,
		WithWritableBranch(NewOsBranch(upperDir)),
		WithReadOnlyBranch(lower),
	)
	assert.NilError(t, ufs.Chmod("/a", 0600))
	assert.NilError(t, os.Remove(upperDir+"/a"))

	c, err := OpenControl(ctlTarget(ufs), "admin", true)
	assert.NilError(t, err)
	defer c.Close()

	out, err := c.Do("clean -v")
	assert.NilError(t, err)
	assert.Equal(t, out, "dropped 1\n")
	assert.Equal(t, ufs.plink.count(), 0)
}

func TestControlList(t *testing.T) {
	lower, _ := hardLinkPair(t, "x")
	ufs := newUnion(t,
		WithWritableBranch(NewOsBranch(t.TempDir())),
		WithReadOnlyBranch(lower),
	)
	assert.NilError(t, ufs.Chmod("/a", 0600))

	c, err := OpenControl(ctlTarget(ufs), "admin", false)
	assert.NilError(t, err)
	defer c.Close()

	out, err := c.Do("list")
	assert.NilError(t, err)
	assert.Assert(t, strings.Contains(out, "/a"), "list output: %q", out)
}

func TestControlUnknownCommand(t *testing.T) {
	ufs := newUnion(t, WithWritableBranch(afero.NewMemMapFs()))
	c, err := OpenControl(ctlTarget(ufs), "x", true)
	assert.NilError(t, err)
	defer c.Close()

	_, err = c.Do("selfdestruct")
	assert.Assert(t, err != nil)
	_, err = c.Do("")
	assert.Assert(t, err != nil)
}
