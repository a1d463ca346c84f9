package stackfs

import (
	"testing"

	"github.com/spf13/afero"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func TestParseOptions(t *testing.T) {
	mo, err := ParseOptions("br=/upper=rw:/mid=ro:/lower,udba=reval,wbr_create=rr,dirwh=7,xino=/tmp/x.db,noplink")
	assert.NilError(t, err)

	assert.Assert(t, is.Len(mo.Branches, 3))
	assert.Equal(t, mo.Branches[0].Path, "/upper")
	assert.Equal(t, mo.Branches[0].Perm, PermRW)
	assert.Equal(t, mo.Branches[1].Perm, PermRO)
	// unmarked non-first branches default to read-only
	assert.Equal(t, mo.Branches[2].Perm, PermRO)

	assert.Equal(t, mo.Udba, "reval")
	assert.Equal(t, mo.Create, "rr")
	assert.Equal(t, mo.Dirwh, 7)
	assert.Equal(t, mo.Xino, "/tmp/x.db")
	assert.Equal(t, mo.Plink, false)
}

func TestParseOptionsDefaults(t *testing.T) {
	mo, err := ParseOptions("br=/w")
	assert.NilError(t, err)
	assert.Equal(t, mo.Branches[0].Perm, PermRW)
	assert.Equal(t, mo.Udba, "none")
	assert.Equal(t, mo.Create, "tdp")
	assert.Equal(t, mo.Copyup, "tdp")
	assert.Equal(t, mo.Dirwh, 3)
	assert.Equal(t, mo.Plink, true)
	assert.Equal(t, mo.XinoOff, false)
}

func TestParseOptionsErrors(t *testing.T) {
	cases := []struct {
		name string
		opts string
	}{
		{"no branches", "udba=reval"},
		{"unknown key", "br=/w,zino=on"},
		{"bad perm", "br=/w=rx"},
		{"empty branch", "br=/w:"},
		{"bad udba", "br=/w,udba=maybe"},
		{"bad dirwh", "br=/w,dirwh=-1"},
		{"mfs unsupported", "br=/w,wbr_create=mfs"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseOptions(tc.opts)
			assert.Assert(t, err != nil, "opts %q parsed", tc.opts)
		})
	}
}

func TestParseOptionsXinoOff(t *testing.T) {
	mo, err := ParseOptions("br=/w,xino=off")
	assert.NilError(t, err)
	assert.Equal(t, mo.XinoOff, true)
	assert.Equal(t, mo.Xino, "")
}

func TestNewFromOptions(t *testing.T) {
	branches := map[string]afero.Fs{
		"/upper": afero.NewMemMapFs(),
		"/lower": afero.NewMemMapFs(),
	}
	seedFile(t, branches["/lower"], "/f", "low")

	ufs, err := NewFromOptions("br=/upper=rw:/lower=ro,udba=reval", func(p string) (afero.Fs, error) {
		return branches[p], nil
	})
	assert.NilError(t, err)
	defer ufs.Close()

	assert.Equal(t, readUnion(t, ufs, "/f"), "low")

	assert.NilError(t, afero.WriteFile(ufs, "/g", []byte("up"), 0644))
	_, err = branches["/upper"].Stat("/g")
	assert.NilError(t, err, "creation missed the rw branch")
}

func TestNewFromOptionsExtraOverrides(t *testing.T) {
	ufs, err := NewFromOptions("br=/w,dirwh=3", func(string) (afero.Fs, error) {
		return afero.NewMemMapFs(), nil
	}, WithDirwh(9))
	assert.NilError(t, err)
	defer ufs.Close()
	assert.Equal(t, ufs.dirwh, 9)
}
