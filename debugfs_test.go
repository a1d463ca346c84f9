package stackfs

import (
	"fmt"
	"strings"
	"testing"

	"github.com/spf13/afero"
)

func TestDebugInfoFields(t *testing.T) {
	ufs := newUnion(t,
		WithWritableBranch(afero.NewMemMapFs()),
		WithReadOnlyBranch(afero.NewMemMapFs()),
		WithUdba("reval"),
		WithDirwh(5),
	)

	out := ufs.DebugInfo()
	for _, want := range []string{
		fmt.Sprintf("si: %x\n", ufs.SessionID()),
		"branches: 2\n",
		"udba: reval\n",
		"dirwh: 5\n",
		"wbr_create: tdp\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("info missing %q:\n%s", want, out)
		}
	}
}

func TestDebugBranchesCounters(t *testing.T) {
	lower := afero.NewMemMapFs()
	seedFile(t, lower, "/f", "x")
	ufs := newUnion(t,
		WithWritableBranch(afero.NewMemMapFs()),
		WithReadOnlyBranch(lower),
	)
	if _, err := ufs.Stat("/f"); err != nil {
		t.Fatal(err)
	}

	out := ufs.DebugBranches()
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines:\n%s", len(lines), out)
	}
	if !strings.Contains(lines[0], "perm=rw") || !strings.Contains(lines[1], "perm=ro") {
		t.Errorf("permissions not rendered:\n%s", out)
	}
	if !strings.Contains(out, "lookup=") {
		t.Errorf("counters missing:\n%s", out)
	}
}

func TestWriteDebugTree(t *testing.T) {
	ufs := newUnion(t, WithWritableBranch(afero.NewMemMapFs()))
	dst := afero.NewMemMapFs()

	if err := ufs.WriteDebugTree(dst); err != nil {
		t.Fatalf("write tree: %v", err)
	}
	dir := fmt.Sprintf("/%x", ufs.SessionID())
	for _, name := range []string{"info", "branches", "xino"} {
		data, err := afero.ReadFile(dst, dir+"/"+name)
		if err != nil {
			t.Errorf("%s: %v", name, err)
			continue
		}
		if len(data) == 0 && name != "branches" {
			t.Errorf("%s is empty", name)
		}
	}
}
