package stackfs

import (
	"errors"
	"io/fs"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
)

func TestCopyUpOnWrite(t *testing.T) {
	upper := afero.NewMemMapFs()
	lower := afero.NewMemMapFs()
	seedFile(t, lower, "/f", "original")

	ufs := newUnion(t,
		WithWritableBranch(upper),
		WithReadOnlyBranch(lower),
	)

	f, err := ufs.OpenFile("/f", os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("open for write: %v", err)
	}
	if _, err := f.Write([]byte("modified")); err != nil {
		t.Fatalf("write: %v", err)
	}
	f.Close()

	if got := readUnion(t, ufs, "/f"); got != "modified" {
		t.Errorf("union view: got %q", got)
	}
	up, err := afero.ReadFile(upper, "/f")
	if err != nil || string(up) != "modified" {
		t.Errorf("upper copy: %q, %v", up, err)
	}
	low, err := afero.ReadFile(lower, "/f")
	if err != nil || string(low) != "original" {
		t.Errorf("lower branch changed: %q, %v", low, err)
	}
}

func TestCopyUpTruncateSkipsData(t *testing.T) {
	upper := afero.NewMemMapFs()
	lower := afero.NewMemMapFs()
	seedFile(t, lower, "/big", strings.Repeat("z", 1<<16))

	ufs := newUnion(t,
		WithWritableBranch(upper),
		WithReadOnlyBranch(lower),
	)

	f, err := ufs.OpenFile("/big", os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		t.Fatalf("open trunc: %v", err)
	}
	f.Close()

	fi, err := upper.Stat("/big")
	if err != nil {
		t.Fatalf("not copied up: %v", err)
	}
	if fi.Size() != 0 {
		t.Errorf("truncating open copied %d bytes", fi.Size())
	}
}

func TestCopyUpCreatesAncestors(t *testing.T) {
	upper := afero.NewMemMapFs()
	lower := afero.NewMemMapFs()
	seedFile(t, lower, "/a/b/c/f", "deep")

	ufs := newUnion(t,
		WithWritableBranch(upper),
		WithReadOnlyBranch(lower),
	)

	if err := afero.WriteFile(ufs, "/a/b/c/f", []byte("deeper"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	for _, dir := range []string{"/a", "/a/b", "/a/b/c"} {
		fi, err := upper.Stat(dir)
		if err != nil || !fi.IsDir() {
			t.Errorf("ancestor %s missing on upper: %v", dir, err)
		}
	}
}

func TestCopyUpPreservesModeAndTimes(t *testing.T) {
	upper := afero.NewMemMapFs()
	lower := afero.NewMemMapFs()
	seedFile(t, lower, "/f", "data")
	when := time.Date(2020, 6, 1, 12, 0, 0, 0, time.UTC)
	if err := lower.Chmod("/f", 0640); err != nil {
		t.Fatal(err)
	}
	if err := lower.Chtimes("/f", when, when); err != nil {
		t.Fatal(err)
	}

	ufs := newUnion(t,
		WithWritableBranch(upper),
		WithReadOnlyBranch(lower),
	)

	// metadata-only mutation forces a full-length copy-up
	if err := ufs.Chown("/f", 0, 0); err != nil && !errors.Is(err, fs.ErrPermission) {
		t.Fatalf("chown: %v", err)
	}
	fi, err := upper.Stat("/f")
	if err != nil {
		t.Fatalf("not copied up: %v", err)
	}
	if fi.Mode().Perm() != 0640 {
		t.Errorf("mode = %v, want 0640", fi.Mode().Perm())
	}
}

func TestCopyUpNoWritableBranch(t *testing.T) {
	lower := afero.NewMemMapFs()
	seedFile(t, lower, "/f", "x")

	ufs := newUnion(t,
		WithReadOnlyBranch(afero.NewMemMapFs()),
		WithReadOnlyBranch(lower),
	)

	_, err := ufs.OpenFile("/f", os.O_WRONLY, 0)
	if !errors.Is(err, ErrReadOnlyBranch) {
		t.Errorf("got %v, want ErrReadOnlyBranch", err)
	}
}

func TestCopyUpSymlink(t *testing.T) {
	lowerDir := t.TempDir()
	upperDir := t.TempDir()
	if err := os.Symlink("target", lowerDir+"/ln"); err != nil {
		t.Fatal(err)
	}

	ufs := newUnion(t,
		WithWritableBranch(NewOsBranch(upperDir)),
		WithReadOnlyBranch(NewOsBranch(lowerDir)),
	)

	if err := ufs.Lchown("/ln", os.Getuid(), os.Getgid()); err != nil {
		t.Fatalf("lchown: %v", err)
	}
	got, err := os.Readlink(upperDir + "/ln")
	if err != nil {
		t.Fatalf("symlink not copied up: %v", err)
	}
	if got != "target" {
		t.Errorf("target = %q", got)
	}
	if tgt, err := ufs.Readlink("/ln"); err != nil || tgt != "target" {
		t.Errorf("union readlink = %q, %v", tgt, err)
	}
}

func TestCopyUpCounter(t *testing.T) {
	upper := afero.NewMemMapFs()
	lower := afero.NewMemMapFs()
	seedFile(t, lower, "/f", "x")

	ufs := newUnion(t,
		WithWritableBranch(upper),
		WithReadOnlyBranch(lower),
	)
	if err := ufs.Chmod("/f", 0600); err != nil {
		t.Fatalf("chmod: %v", err)
	}

	if n := ufs.Branches()[0].nCopyup.Load(); n != 1 {
		t.Errorf("copy-up counter = %d, want 1", n)
	}
}
