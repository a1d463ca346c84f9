package stackfs

import (
	"io"
	"os"
	"path"
	"sort"
	"time"

	"github.com/spf13/afero"
)

// mergedEntry is one emitted entry of a merged listing, carrying the
// xino-translated inode number and the branch that contributed it.
type mergedEntry struct {
	os.FileInfo
	name     string
	ino      uint64
	branchID int64
}

func (e mergedEntry) Name() string { return e.name }

// Ino returns the logical inode number of the entry.
func (e mergedEntry) Ino() uint64 { return e.ino }

// BranchID returns the id of the branch the entry came from.
func (e mergedEntry) BranchID() int64 { return e.branchID }

// dotEntry synthesizes the "." and ".." entries emitted first.
type dotEntry struct {
	name string
	fi   os.FileInfo
}

func (d dotEntry) Name() string       { return d.name }
func (d dotEntry) Size() int64        { return 0 }
func (d dotEntry) Mode() os.FileMode  { return os.ModeDir | 0755 }
func (d dotEntry) ModTime() time.Time {
	if d.fi != nil {
		return d.fi.ModTime()
	}
	return time.Time{}
}
func (d dotEntry) IsDir() bool      { return true }
func (d dotEntry) Sys() interface{} { return nil }

// mergedDirLocked produces the merged listing of the directory di,
// honoring branch order, whiteouts, and opaque markers, with "." and
// ".." first. Results are cached on the dinfo and served until a
// generation moves. Caller holds the superblock read lock.
func (ufs *UnionFS) mergedDirLocked(di *dinfo) ([]os.FileInfo, error) {
	di.mu.RLock()
	if ufs.vdirValidLocked(di) {
		entries := di.vd.entries
		di.mu.RUnlock()
		return entries, nil
	}
	btop, bbot := di.btop, di.bbot
	var topInfo os.FileInfo
	if btop >= 0 {
		topInfo = di.slots[btop].info
	}
	di.mu.RUnlock()

	if btop < 0 {
		return nil, ErrNotFound
	}
	if !topInfo.IsDir() {
		return nil, &os.PathError{Op: "readdir", Path: di.path, Err: os.ErrInvalid}
	}

	seen := make(map[string]bool)
	whiteouts := make(map[string]bool)
	merged := vdirAlloc(16)
	merged = append(merged,
		dotEntry{name: ".", fi: topInfo},
		dotEntry{name: "..", fi: nil},
	)

	for i := btop; i <= bbot && i < len(ufs.branches); i++ {
		br := ufs.branches[i]

		dir, err := br.fs.Open(di.path)
		if err != nil {
			if !isNotExist(err) {
				br.nLookupErr.Add(1)
			}
			continue
		}
		infos, err := dir.Readdir(-1)
		dir.Close()
		if err != nil && err != io.EOF {
			br.nLookupErr.Add(1)
			continue
		}

		opaque := false
		var branchWh []string
		for _, fi := range infos {
			name := fi.Name()

			if name == OpaqueWhiteout {
				opaque = true
				continue
			}
			if isWhiteoutName(name) {
				if orig, ok := whDecode(name); ok {
					branchWh = append(branchWh, orig)
					br.nWhHit.Add(1)
				}
				continue
			}
			if seen[name] || whiteouts[name] {
				continue
			}

			seen[name] = true
			ino, err := ufs.xino.Map(br.id, inoOf(br, path.Join(di.path, name), fi))
			if err != nil {
				ino = inoOf(br, path.Join(di.path, name), fi)
			}
			merged = append(merged, mergedEntry{
				FileInfo: fi,
				name:     name,
				ino:      ino,
				branchID: br.id,
			})
		}

		// whiteouts take effect below the branch carrying them, so the
		// branch's own entry of the same name still lists
		for _, n := range branchWh {
			whiteouts[n] = true
		}

		// the opaque marker fences every branch below this one
		if opaque {
			break
		}
	}

	sub := merged[2:]
	sort.SliceStable(sub, func(i, j int) bool {
		return sub[i].Name() < sub[j].Name()
	})

	di.mu.Lock()
	di.vd = ufs.newVdirLocked(di, merged)
	di.mu.Unlock()
	return merged, nil
}

// mergedChildrenLocked returns the merged listing without the dot
// entries.
func (ufs *UnionFS) mergedChildrenLocked(di *dinfo) ([]os.FileInfo, error) {
	entries, err := ufs.mergedDirLocked(di)
	if err != nil {
		return nil, err
	}
	return entries[2:], nil
}

// unionDir is the open-file handle of a merged directory. It keeps one
// lower handle per branch in [btop, bbot], preserved by branch id across
// refreshes, and reads through the merger.
type unionDir struct {
	ufs    *UnionFS
	path   string
	di     *dinfo
	lower  []dirHandle
	figen  int64
	offset int
	closed bool
	broken bool
}

type dirHandle struct {
	branchID int64
	branch   *Branch
	f        afero.File
}

// newUnionDirLocked opens lower handles for every occupied branch of di.
// Caller holds the superblock read lock.
func (ufs *UnionFS) newUnionDirLocked(p string, di *dinfo) (*unionDir, error) {
	d := &unionDir{
		ufs:   ufs,
		path:  p,
		di:    di,
		figen: ufs.sigen.Load(),
	}
	di.refs.Add(1)

	di.mu.RLock()
	btop, bbot := di.btop, di.bbot
	di.mu.RUnlock()
	for i := btop; i <= bbot && i >= 0 && i < len(ufs.branches); i++ {
		br := ufs.branches[i]
		f, err := br.fs.Open(p)
		if err != nil {
			if isNotExist(err) {
				continue
			}
			d.closeLower()
			di.refs.Add(-1)
			return nil, err
		}
		br.openFiles.Add(1)
		d.lower = append(d.lower, dirHandle{branchID: br.id, branch: br, f: f})
	}
	return d, nil
}

func (d *unionDir) closeLower() {
	for _, h := range d.lower {
		h.f.Close()
		h.branch.openFiles.Add(-1)
	}
	d.lower = nil
}

// revalidate reshapes the lower handle set after a roster change,
// preserving handles by branch id and closing those whose branch
// vanished. The walk re-examines a slot after swapping a survivor into
// it, so a single pass leaves every handle at its final position.
func (d *unionDir) revalidate() error {
	if d.broken {
		return ErrStaleHandle
	}
	ufs := d.ufs
	if d.figen == ufs.sigen.Load() {
		return nil
	}

	ufs.mu.RLock()
	defer ufs.mu.RUnlock()

	di, err := ufs.lookupLocked(d.path)
	if err != nil {
		d.closeLower()
		d.broken = true
		return ErrStaleHandle
	}
	d.di = di

	kept := d.lower[:0]
	for bindex := 0; bindex < len(d.lower); bindex++ {
		h := d.lower[bindex]
		if ufs.branchIndexLocked(h.branchID) >= 0 {
			kept = append(kept, h)
			continue
		}
		h.f.Close()
		h.branch.openFiles.Add(-1)
	}
	d.lower = kept

	// open handles for branches that joined the object's range
	di.mu.RLock()
	btop, bbot := di.btop, di.bbot
	di.mu.RUnlock()
	have := make(map[int64]bool, len(d.lower))
	for _, h := range d.lower {
		have[h.branchID] = true
	}
	for i := btop; i <= bbot && i >= 0 && i < len(ufs.branches); i++ {
		br := ufs.branches[i]
		if have[br.id] {
			continue
		}
		f, err := br.fs.Open(d.path)
		if err != nil {
			continue
		}
		br.openFiles.Add(1)
		d.lower = append(d.lower, dirHandle{branchID: br.id, branch: br, f: f})
	}

	if len(d.lower) == 0 {
		d.broken = true
		return ErrStaleHandle
	}
	d.figen = ufs.sigen.Load()
	return nil
}

// Close releases all lower handles.
func (d *unionDir) Close() error {
	if d.closed {
		return os.ErrClosed
	}
	d.closed = true
	d.closeLower()
	d.di.refs.Add(-1)
	return nil
}

// Readdir reads merged directory entries, excluding "." and ".." for
// compatibility with Go directory semantics.
func (d *unionDir) Readdir(count int) ([]os.FileInfo, error) {
	if d.closed {
		return nil, os.ErrClosed
	}
	if err := d.revalidate(); err != nil {
		return nil, err
	}

	d.ufs.mu.RLock()
	entries, err := d.ufs.mergedChildrenLocked(d.di)
	d.ufs.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	if d.offset >= len(entries) {
		if count > 0 {
			return nil, io.EOF
		}
		return nil, nil
	}
	end := len(entries)
	if count > 0 && d.offset+count < end {
		end = d.offset + count
	}
	out := entries[d.offset:end]
	d.offset = end
	return out, nil
}

// Readdirnames reads merged entry names.
func (d *unionDir) Readdirnames(count int) ([]string, error) {
	infos, err := d.Readdir(count)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(infos))
	for i, fi := range infos {
		names[i] = fi.Name()
	}
	return names, nil
}

// Name returns the base name of the directory.
func (d *unionDir) Name() string { return path.Base(d.path) }

// Stat returns the union view of the directory.
func (d *unionDir) Stat() (os.FileInfo, error) {
	if d.closed {
		return nil, os.ErrClosed
	}
	return d.ufs.Stat(d.path)
}

// Seek adjusts the listing offset.
func (d *unionDir) Seek(offset int64, whence int) (int64, error) {
	if d.closed {
		return 0, os.ErrClosed
	}
	switch whence {
	case io.SeekStart:
		d.offset = int(offset)
	case io.SeekCurrent:
		d.offset += int(offset)
	case io.SeekEnd:
		d.ufs.mu.RLock()
		entries, err := d.ufs.mergedChildrenLocked(d.di)
		d.ufs.mu.RUnlock()
		if err != nil {
			return 0, err
		}
		d.offset = len(entries) + int(offset)
	}
	if d.offset < 0 {
		d.offset = 0
	}
	return int64(d.offset), nil
}

// Directories reject byte I/O.
func (d *unionDir) Read([]byte) (int, error)            { return 0, os.ErrInvalid }
func (d *unionDir) ReadAt([]byte, int64) (int, error)   { return 0, os.ErrInvalid }
func (d *unionDir) Write([]byte) (int, error)           { return 0, os.ErrInvalid }
func (d *unionDir) WriteAt([]byte, int64) (int, error)  { return 0, os.ErrInvalid }
func (d *unionDir) WriteString(string) (int, error)     { return 0, os.ErrInvalid }
func (d *unionDir) Truncate(int64) error                { return os.ErrInvalid }
func (d *unionDir) Sync() error                         { return nil }
