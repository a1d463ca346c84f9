package stackfs

import (
	"fmt"
	"strings"

	"github.com/spf13/afero"
)

// DebugInfo renders the mount-wide state, one line per field, in the
// style of a debug filesystem file.
func (ufs *UnionFS) DebugInfo() string {
	ufs.mu.RLock()
	defer ufs.mu.RUnlock()

	var b strings.Builder
	fmt.Fprintf(&b, "si: %x\n", ufs.si)
	fmt.Fprintf(&b, "sigen: %d\n", ufs.sigen.Load())
	fmt.Fprintf(&b, "branches: %d\n", len(ufs.branches))
	fmt.Fprintf(&b, "udba: %s\n", ufs.udba)
	fmt.Fprintf(&b, "plink: %v\n", ufs.plinkOn)
	fmt.Fprintf(&b, "plinks: %d\n", ufs.plink.count())
	fmt.Fprintf(&b, "wbr_create: %s\n", ufs.createPolicy)
	fmt.Fprintf(&b, "wbr_copyup: %s\n", ufs.copyupPolicy)
	fmt.Fprintf(&b, "dirwh: %d\n", ufs.dirwh)
	fmt.Fprintf(&b, "dinfos: %d\n", ufs.dcache.size())
	return b.String()
}

// DebugBranches renders one line per branch: index, id, permission,
// generation, live references, and lookup counters.
func (ufs *UnionFS) DebugBranches() string {
	ufs.mu.RLock()
	defer ufs.mu.RUnlock()

	var b strings.Builder
	for i, br := range ufs.branches {
		fmt.Fprintf(&b, "%d: id=%d perm=%s gen=%d open=%d pins=%d lookup=%d lookup_err=%d wh_hit=%d copyup=%d\n",
			i, br.id, br.perm, br.gen.Load(),
			br.openFiles.Load(), br.pins.Load(),
			br.nLookup.Load(), br.nLookupErr.Load(),
			br.nWhHit.Load(), br.nCopyup.Load())
	}
	return b.String()
}

// DebugXino renders the state of the inode-number translation store.
func (ufs *UnionFS) DebugXino() string {
	var b strings.Builder
	fmt.Fprintf(&b, "persistent: %v\n", ufs.xino.Persistent())
	n, err := ufs.xino.Count()
	if err != nil {
		fmt.Fprintf(&b, "entries: error: %v\n", err)
	} else {
		fmt.Fprintf(&b, "entries: %d\n", n)
	}
	return b.String()
}

// WriteDebugTree materializes the debug files into dst, laid out as
// one file per surface under a directory named after the session id.
func (ufs *UnionFS) WriteDebugTree(dst afero.Fs) error {
	dir := fmt.Sprintf("/%x", ufs.SessionID())
	if err := dst.MkdirAll(dir, 0755); err != nil {
		return err
	}
	files := map[string]string{
		"info":     ufs.DebugInfo(),
		"branches": ufs.DebugBranches(),
		"xino":     ufs.DebugXino(),
	}
	for name, content := range files {
		if err := afero.WriteFile(dst, dir+"/"+name, []byte(content), 0644); err != nil {
			return err
		}
	}
	return nil
}
