package stackfs

import (
	"errors"
	"testing"

	"github.com/spf13/afero"
)

func TestAddBranchOrdering(t *testing.T) {
	a := afero.NewMemMapFs()
	b := afero.NewMemMapFs()
	seedFile(t, a, "/f", "a")
	seedFile(t, b, "/f", "b")

	ufs := newUnion(t, WithWritableBranch(a))
	if _, err := ufs.AddBranch(b, 0, PermRO); err != nil {
		t.Fatalf("add at top: %v", err)
	}

	// the branch inserted at index 0 now wins lookups
	if got := readUnion(t, ufs, "/f"); got != "b" {
		t.Errorf("after insert: got %q", got)
	}
}

func TestAddBranchValidation(t *testing.T) {
	mem := afero.NewMemMapFs()
	ufs := newUnion(t, WithWritableBranch(mem))

	if _, err := ufs.AddBranch(nil, 0, PermRO); !errors.Is(err, ErrInvalidBranch) {
		t.Errorf("nil fs: %v", err)
	}
	if _, err := ufs.AddBranch(ufs, 0, PermRO); !errors.Is(err, ErrInvalidBranch) {
		t.Errorf("self stack: %v", err)
	}
	if _, err := ufs.AddBranch(mem, 0, PermRO); !errors.Is(err, ErrBusy) {
		t.Errorf("duplicate fs: %v", err)
	}
	if _, err := ufs.AddBranch(afero.NewMemMapFs(), 5, PermRO); !errors.Is(err, ErrInvalidBranch) {
		t.Errorf("bad position: %v", err)
	}
}

func TestSigenAdvancesOnRosterChange(t *testing.T) {
	ufs := newUnion(t, WithWritableBranch(afero.NewMemMapFs()))
	before := ufs.Sigen()

	br, err := ufs.AddBranch(afero.NewMemMapFs(), 1, PermRO)
	if err != nil {
		t.Fatal(err)
	}
	afterAdd := ufs.Sigen()
	if afterAdd <= before {
		t.Errorf("sigen did not advance on add: %d -> %d", before, afterAdd)
	}

	idx, err := ufs.BranchByID(br.ID())
	if err != nil {
		t.Fatal(err)
	}
	if err := ufs.DelBranch(idx); err != nil {
		t.Fatal(err)
	}
	if ufs.Sigen() <= afterAdd {
		t.Error("sigen did not advance on delete")
	}
}

func TestDelBranchBusyWithOpenHandle(t *testing.T) {
	lower := afero.NewMemMapFs()
	seedFile(t, lower, "/f", "x")

	ufs := newUnion(t,
		WithWritableBranch(afero.NewMemMapFs()),
		WithReadOnlyBranch(lower),
	)

	f, err := ufs.Open("/f")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := ufs.DelBranch(1); !errors.Is(err, ErrBusy) {
		t.Errorf("delete with open handle: %v", err)
	}
	f.Close()
	if err := ufs.DelBranch(1); err != nil {
		t.Errorf("delete after close: %v", err)
	}
}

func TestReorderBranches(t *testing.T) {
	a := afero.NewMemMapFs()
	b := afero.NewMemMapFs()
	seedFile(t, a, "/f", "a")
	seedFile(t, b, "/f", "b")

	ufs := newUnion(t, WithWritableBranch(a), WithBranch(b, PermRW))
	if got := readUnion(t, ufs, "/f"); got != "a" {
		t.Fatalf("pre reorder: %q", got)
	}

	if err := ufs.ReorderBranches([]int{1, 0}); err != nil {
		t.Fatalf("reorder: %v", err)
	}
	if got := readUnion(t, ufs, "/f"); got != "b" {
		t.Errorf("post reorder: %q", got)
	}

	if err := ufs.ReorderBranches([]int{0, 0}); !errors.Is(err, ErrInvalidBranch) {
		t.Errorf("bad permutation: %v", err)
	}
	if err := ufs.ReorderBranches([]int{0}); !errors.Is(err, ErrInvalidBranch) {
		t.Errorf("short permutation: %v", err)
	}
}

func TestSetBranchPerm(t *testing.T) {
	mem := afero.NewMemMapFs()
	ufs := newUnion(t, WithBranch(mem, PermRO))

	if err := afero.WriteFile(ufs, "/f", []byte("x"), 0644); !errors.Is(err, ErrReadOnlyBranch) {
		t.Fatalf("write to all-ro union: %v", err)
	}
	if err := ufs.SetBranchPerm(0, PermRW); err != nil {
		t.Fatalf("promote: %v", err)
	}
	if err := afero.WriteFile(ufs, "/f", []byte("x"), 0644); err != nil {
		t.Fatalf("write after promote: %v", err)
	}
	if err := ufs.SetBranchPerm(0, PermRO); err != nil {
		t.Fatalf("demote: %v", err)
	}
	if err := afero.WriteFile(ufs, "/g", []byte("x"), 0644); !errors.Is(err, ErrReadOnlyBranch) {
		t.Errorf("write after demote: %v", err)
	}
}

func TestBranchByIDSurvivesReorder(t *testing.T) {
	a := afero.NewMemMapFs()
	b := afero.NewMemMapFs()
	ufs := newUnion(t, WithWritableBranch(a), WithBranch(b, PermRO))

	id := ufs.Branches()[1].ID()
	if err := ufs.ReorderBranches([]int{1, 0}); err != nil {
		t.Fatal(err)
	}
	idx, err := ufs.BranchByID(id)
	if err != nil || idx != 0 {
		t.Errorf("BranchByID = %d, %v; want 0", idx, err)
	}
}
