package stackfs

import (
	"testing"

	"github.com/spf13/afero"
)

func TestXinoMemoryMapStable(t *testing.T) {
	x, err := openXino("")
	if err != nil {
		t.Fatal(err)
	}
	defer x.Close()

	if x.Persistent() {
		t.Error("memory store reported persistent")
	}
	a, err := x.Map(1, 100)
	if err != nil {
		t.Fatal(err)
	}
	b, err := x.Map(1, 100)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Errorf("same identity mapped to %d and %d", a, b)
	}
	c, err := x.Map(2, 100)
	if err != nil {
		t.Fatal(err)
	}
	if c == a {
		t.Error("different branches shared a logical ino")
	}
}

func TestXinoAliasAndForget(t *testing.T) {
	x, err := openXino("")
	if err != nil {
		t.Fatal(err)
	}
	defer x.Close()

	logical, err := x.Map(1, 7)
	if err != nil {
		t.Fatal(err)
	}
	if err := x.Alias(2, 99, logical); err != nil {
		t.Fatal(err)
	}
	got, err := x.Map(2, 99)
	if err != nil || got != logical {
		t.Errorf("alias lookup = %d, %v; want %d", got, err, logical)
	}

	if err := x.Forget(1, 7); err != nil {
		t.Fatal(err)
	}
	n, err := x.Count()
	if err != nil || n != 1 {
		t.Errorf("count after forget = %d, %v", n, err)
	}
	// a forgotten identity re-maps to a fresh number
	fresh, err := x.Map(1, 7)
	if err != nil {
		t.Fatal(err)
	}
	if fresh == logical {
		t.Error("forgotten identity kept its old logical ino")
	}
}

func TestXinoPersistentAcrossReopen(t *testing.T) {
	path := t.TempDir() + "/xino.db"

	x, err := openXino(path)
	if err != nil {
		t.Fatal(err)
	}
	if !x.Persistent() {
		t.Error("file store reported non-persistent")
	}
	logical, err := x.Map(3, 555)
	if err != nil {
		t.Fatal(err)
	}
	if err := x.Close(); err != nil {
		t.Fatal(err)
	}

	y, err := openXino(path)
	if err != nil {
		t.Fatal(err)
	}
	defer y.Close()
	again, err := y.Map(3, 555)
	if err != nil {
		t.Fatal(err)
	}
	if again != logical {
		t.Errorf("logical ino changed across reopen: %d -> %d", logical, again)
	}
}

func TestLogicalInoSurvivesCopyUp(t *testing.T) {
	upper := afero.NewMemMapFs()
	lower := afero.NewMemMapFs()
	seedFile(t, lower, "/f", "identity")

	ufs := newUnion(t,
		WithWritableBranch(upper),
		WithReadOnlyBranch(lower),
	)

	before, err := ufs.LogicalIno("/f")
	if err != nil {
		t.Fatalf("before: %v", err)
	}
	if err := ufs.Chmod("/f", 0600); err != nil {
		t.Fatalf("copy-up: %v", err)
	}
	after, err := ufs.LogicalIno("/f")
	if err != nil {
		t.Fatalf("after: %v", err)
	}
	if before != after {
		t.Errorf("logical ino changed across copy-up: %d -> %d", before, after)
	}
}
