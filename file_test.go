package stackfs

import (
	"errors"
	"io"
	"os"
	"testing"

	"github.com/spf13/afero"
)

func TestHandleRetargetsAfterBranchAdd(t *testing.T) {
	lower := afero.NewMemMapFs()
	seedFile(t, lower, "/f", "old-old-old")

	ufs := newUnion(t, WithReadOnlyBranch(lower))

	f, err := ufs.Open("/f")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	// consume a few bytes so the offset has something to preserve
	buf := make([]byte, 4)
	if _, err := io.ReadFull(f, buf); err != nil {
		t.Fatal(err)
	}

	newer := afero.NewMemMapFs()
	seedFile(t, newer, "/f", "new-new-new")
	if _, err := ufs.AddBranch(newer, 0, PermRO); err != nil {
		t.Fatal(err)
	}

	// the next read revalidates, retargets to the new top branch, and
	// keeps the offset
	rest, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("read after retarget: %v", err)
	}
	if string(rest) != "new-new" {
		t.Errorf("rest = %q, want %q", rest, "new-new")
	}
}

func TestHandleBreaksWhenObjectVanishes(t *testing.T) {
	lower := afero.NewMemMapFs()
	seedFile(t, lower, "/f", "data")

	ufs := newUnion(t, WithReadOnlyBranch(lower))

	f, err := ufs.Open("/f")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	// a new top branch carrying a whiteout hides the object
	hider := afero.NewMemMapFs()
	if err := createWhiteout(hider, "/f"); err != nil {
		t.Fatal(err)
	}
	if _, err := ufs.AddBranch(hider, 0, PermRO); err != nil {
		t.Fatal(err)
	}

	if _, err := f.Read(make([]byte, 1)); !errors.Is(err, ErrStaleHandle) {
		t.Errorf("read on vanished object: %v", err)
	}
	// broken is terminal
	if _, err := f.Read(make([]byte, 1)); !errors.Is(err, ErrStaleHandle) {
		t.Errorf("second read: %v", err)
	}
}

func TestWriteHandleCopiesUpOnRetarget(t *testing.T) {
	upper := afero.NewMemMapFs()
	lower := afero.NewMemMapFs()
	seedFile(t, upper, "/f", "upper")
	seedFile(t, lower, "/f", "lower")

	ufs := newUnion(t,
		WithWritableBranch(upper),
		WithReadOnlyBranch(lower),
	)

	f, err := ufs.OpenFile("/f", os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	// removing the writable top moves the object to the read-only
	// branch; the write handle must copy up to keep its write mode
	wb := afero.NewMemMapFs()
	if _, err := ufs.AddBranch(wb, 0, PermRW); err != nil {
		t.Fatal(err)
	}
	if err := ufs.SetBranchPerm(1, PermRO); err != nil {
		t.Fatal(err)
	}
	// the handle still pins the demoted branch
	if err := ufs.DelBranch(1); !errors.Is(err, ErrBusy) {
		t.Fatalf("delete of handle's branch: %v", err)
	}

	if _, err := f.Write([]byte("WRITE")); err != nil {
		t.Fatalf("write after roster change: %v", err)
	}
	// after the retarget the old branch is free to go
	if err := ufs.DelBranch(1); err != nil {
		t.Errorf("delete after retarget: %v", err)
	}
	up, err := afero.ReadFile(wb, "/f")
	if err != nil {
		t.Fatalf("no copy-up on new writable branch: %v", err)
	}
	if string(up) != "WRITE" {
		t.Errorf("new top content = %q", up)
	}
}

func TestClosedHandleRejectsIO(t *testing.T) {
	mem := afero.NewMemMapFs()
	seedFile(t, mem, "/f", "x")
	ufs := newUnion(t, WithWritableBranch(mem))

	f, err := ufs.Open("/f")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Read(make([]byte, 1)); !errors.Is(err, os.ErrClosed) {
		t.Errorf("read after close: %v", err)
	}
	if err := f.Close(); !errors.Is(err, os.ErrClosed) {
		t.Errorf("double close: %v", err)
	}
}

func TestFileReaddirInvalid(t *testing.T) {
	mem := afero.NewMemMapFs()
	seedFile(t, mem, "/f", "x")
	ufs := newUnion(t, WithWritableBranch(mem))

	f, err := ufs.Open("/f")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := f.Readdir(-1); !errors.Is(err, os.ErrInvalid) {
		t.Errorf("readdir on file: %v", err)
	}
}

func TestPollFallsBackToErr(t *testing.T) {
	mem := afero.NewMemMapFs()
	seedFile(t, mem, "/f", "x")
	ufs := newUnion(t, WithWritableBranch(mem))

	f, err := ufs.Open("/f")
	if err != nil {
		t.Fatal(err)
	}
	uf := f.(*unionFile)
	if got := uf.Poll(); got != PollErr {
		t.Errorf("poll without lower support = %#x, want PollErr", got)
	}
	f.Close()
	if got := uf.Poll(); got != PollErr {
		t.Errorf("poll after close = %#x", got)
	}
}

func TestSharedMapCopiesUpWritable(t *testing.T) {
	upper := afero.NewMemMapFs()
	lower := afero.NewMemMapFs()
	seedFile(t, lower, "/f", "mapped")

	ufs := newUnion(t,
		WithWritableBranch(upper),
		WithReadOnlyBranch(lower),
	)

	f, err := ufs.Open("/f")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	uf := f.(*unionFile)

	lowerFile, err := uf.SharedMap(true)
	if err != nil {
		t.Fatalf("shared map: %v", err)
	}
	defer uf.ReleaseMap()

	// the mapping target must live on the writable branch
	if _, err := upper.Stat("/f"); err != nil {
		t.Errorf("no copy-up for writable mapping: %v", err)
	}
	data, err := afero.ReadAll(lowerFile)
	if err != nil || string(data) != "mapped" {
		t.Errorf("mapped content = %q, %v", data, err)
	}
}
