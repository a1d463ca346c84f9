// Package stackfs implements a stacked unification filesystem over an
// ordered list of afero branch filesystems, with copy-up-on-write,
// whiteout markers for logical deletion, and pseudo-link tracking so
// hard-link identity survives copy-up.
package stackfs

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// udbaMode is the policy for detecting lower-branch changes made behind
// the union's back.
type udbaMode int

const (
	// udbaNone trusts generation counters only; direct branch changes
	// are picked up on the next invalidation or TTL expiry.
	udbaNone udbaMode = iota
	// udbaReval re-stats the branches on every lookup.
	udbaReval
	// udbaNotify is accepted for compatibility and behaves like reval;
	// afero branches expose no change-notification surface.
	udbaNotify
)

func (m udbaMode) String() string {
	switch m {
	case udbaReval:
		return "reval"
	case udbaNotify:
		return "notify"
	default:
		return "none"
	}
}

// UnionFS is the superblock of one union mount. It owns the branch
// roster, the mount generation counter, the mount-option flags, and the
// mount-scoped registries (pseudo-links, xino, dinfo cache).
//
// UnionFS implements afero.Fs; reads resolve top-down through the
// branches and writes land on a writable branch chosen by policy, with
// copy-up when the object lives on a read-only branch.
type UnionFS struct {
	mu           sync.RWMutex // superblock rwlock, held for write during roster mutation
	branches     []*Branch
	nextBranchID int64

	sigen atomic.Int64 // bumped on every roster mutation
	si    uint64       // stable session id, bound by the control plane

	// mount-option flags
	plinkOn      bool
	udba         udbaMode
	dirwh        int
	createPolicy *wbrPolicy
	copyupPolicy *wbrPolicy

	plink  *plinkRegistry
	xino   *xinoStore
	dcache *dcache

	log            *logrus.Logger
	copyBufferSize int

	ctlMu    sync.Mutex
	ctlOwner *Control

	rmdirWG sync.WaitGroup

	closed atomic.Bool
}

// Option is a functional option for configuring a UnionFS.
type Option func(*UnionFS) error

// WithBranch appends a branch at the bottom of the roster.
func WithBranch(fs afero.Fs, perm BranchPerm) Option {
	return func(ufs *UnionFS) error {
		_, err := ufs.AddBranch(fs, len(ufs.branches), perm)
		return err
	}
}

// WithWritableBranch appends a writable branch.
func WithWritableBranch(fs afero.Fs) Option { return WithBranch(fs, PermRW) }

// WithReadOnlyBranch appends a read-only branch.
func WithReadOnlyBranch(fs afero.Fs) Option { return WithBranch(fs, PermRO) }

// WithLogger routes the mount's logging to log. The default logger
// discards everything.
func WithLogger(log *logrus.Logger) Option {
	return func(ufs *UnionFS) error {
		if log == nil {
			return fmt.Errorf("stackfs: nil logger")
		}
		ufs.log = log
		return nil
	}
}

// WithUdba sets the lower-branch change-detection policy.
func WithUdba(mode string) Option {
	return func(ufs *UnionFS) error {
		m, err := parseUdba(mode)
		if err != nil {
			return err
		}
		ufs.udba = m
		return nil
	}
}

// WithPlink enables or disables pseudo-link tracking.
func WithPlink(on bool) Option {
	return func(ufs *UnionFS) error {
		ufs.plinkOn = on
		return nil
	}
}

// WithXino enables persistent inode-number translation backed by a
// SQLite file at path; an empty path keeps the translation in memory.
func WithXino(path string) Option {
	return func(ufs *UnionFS) error {
		x, err := openXino(path)
		if err != nil {
			return err
		}
		if ufs.xino != nil {
			ufs.xino.Close()
		}
		ufs.xino = x
		return nil
	}
}

// WithCreatePolicy sets the wbr_create policy.
func WithCreatePolicy(name string) Option {
	return func(ufs *UnionFS) error {
		p, err := parseWbrPolicy(name)
		if err != nil {
			return err
		}
		ufs.createPolicy = p
		return nil
	}
}

// WithCopyupPolicy sets the wbr_copyup policy.
func WithCopyupPolicy(name string) Option {
	return func(ufs *UnionFS) error {
		p, err := parseWbrPolicy(name)
		if err != nil {
			return err
		}
		ufs.copyupPolicy = p
		return nil
	}
}

// WithDirwh sets the child-count threshold above which a directory
// removal defers via temp-whiteout rename.
func WithDirwh(n int) Option {
	return func(ufs *UnionFS) error {
		if n < 0 {
			return fmt.Errorf("stackfs: negative dirwh")
		}
		ufs.dirwh = n
		return nil
	}
}

// WithMetadataCache bounds the dinfo cache: entries older than ttl are
// revalidated against the branches, and at most maxEntries unreferenced
// blocks are kept.
func WithMetadataCache(ttl time.Duration, maxEntries int) Option {
	return func(ufs *UnionFS) error {
		ufs.dcache = newDcache(ttl, maxEntries)
		return nil
	}
}

// WithCopyBufferSize sets the buffer size for copy-up streaming.
func WithCopyBufferSize(size int) Option {
	return func(ufs *UnionFS) error {
		if size <= 0 {
			return fmt.Errorf("stackfs: non-positive copy buffer size")
		}
		ufs.copyBufferSize = size
		return nil
	}
}

func parseUdba(s string) (udbaMode, error) {
	switch s {
	case "none":
		return udbaNone, nil
	case "reval":
		return udbaReval, nil
	case "notify":
		return udbaNotify, nil
	default:
		return udbaNone, fmt.Errorf("stackfs: unknown udba mode %q", s)
	}
}

func discardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// New creates a union mount from the given options. At least one branch
// must be supplied before the mount is used.
func New(opts ...Option) (*UnionFS, error) {
	ufs := &UnionFS{
		dirwh:          3,
		createPolicy:   &wbrPolicy{kind: wbrTDP},
		copyupPolicy:   &wbrPolicy{kind: wbrTDP},
		plinkOn:        true,
		plink:          newPlinkRegistry(),
		dcache:         newDcache(0, 0),
		log:            discardLogger(),
		copyBufferSize: 32 * 1024,
	}
	ufs.sigen.Store(1)

	for _, opt := range opts {
		if err := opt(ufs); err != nil {
			ufs.teardown()
			return nil, err
		}
	}
	if ufs.xino == nil {
		x, err := openXino("")
		if err != nil {
			ufs.teardown()
			return nil, err
		}
		ufs.xino = x
	}

	ufs.si = registerMount(ufs)
	ufs.log.WithFields(map[string]interface{}{
		"si":       fmt.Sprintf("%x", ufs.si),
		"branches": len(ufs.branches),
	}).Debug("mount created")
	return ufs, nil
}

// Name implements afero.Fs.
func (ufs *UnionFS) Name() string { return "stackfs" }

// Sigen returns the current mount generation.
func (ufs *UnionFS) Sigen() int64 { return ufs.sigen.Load() }

// SessionID returns the stable id used by the control plane to bind a
// maintenance session to this mount.
func (ufs *UnionFS) SessionID() uint64 { return ufs.si }

// bumpSigenLocked advances the mount generation after a roster change
// and refreshes the root object. Caller holds the write lock.
func (ufs *UnionFS) bumpSigenLocked() {
	ufs.sigen.Add(1)
	if root := ufs.dcache.peek("/"); root != nil {
		root.mu.Lock()
		ufs.refreshLocked(root)
		root.mu.Unlock()
	}
}

// Close waits for background sweeps, releases the xino store, and drops
// the mount from the global superblock list. The pseudo-link registry
// dies with the mount.
func (ufs *UnionFS) Close() error {
	if !ufs.closed.CompareAndSwap(false, true) {
		return nil
	}
	ufs.rmdirWG.Wait()
	unregisterMount(ufs.si)
	ufs.teardown()
	ufs.log.WithField("si", fmt.Sprintf("%x", ufs.si)).Debug("mount closed")
	return nil
}

func (ufs *UnionFS) teardown() {
	if ufs.xino != nil {
		ufs.xino.Close()
		ufs.xino = nil
	}
	ufs.dcache.clear()
}

// mounts is the process-wide superblock list, iterated by cross-mount
// maintenance such as the pseudo-link control plane.
var mounts struct {
	mu     sync.Mutex
	nextSI uint64
	byID   map[uint64]*UnionFS
}

func registerMount(ufs *UnionFS) uint64 {
	mounts.mu.Lock()
	defer mounts.mu.Unlock()
	if mounts.byID == nil {
		mounts.byID = make(map[uint64]*UnionFS)
	}
	mounts.nextSI++
	si := uint64(time.Now().Unix())<<20 | mounts.nextSI
	mounts.byID[si] = ufs
	return si
}

func unregisterMount(si uint64) {
	mounts.mu.Lock()
	defer mounts.mu.Unlock()
	delete(mounts.byID, si)
}

func lookupMount(si uint64) *UnionFS {
	mounts.mu.Lock()
	defer mounts.mu.Unlock()
	return mounts.byID[si]
}
