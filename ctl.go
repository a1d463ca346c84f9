package stackfs

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Control is a maintenance session bound to one mount. Sessions are
// exclusive: a mount serves one control session at a time and a second
// open fails with ErrBusy. Mutating commands require the session to be
// opened with admin rights.
type Control struct {
	ufs   *UnionFS
	owner string
	admin bool
}

// OpenControl binds a maintenance session to the mount named by target,
// which is "si=<hex>" as printed by SessionID. The owner string names
// the session in logs and lease errors.
func OpenControl(target, owner string, admin bool) (*Control, error) {
	val, ok := strings.CutPrefix(target, "si=")
	if !ok {
		return nil, fmt.Errorf("stackfs: bad control target %q", target)
	}
	si, err := strconv.ParseUint(val, 16, 64)
	if err != nil {
		return nil, fmt.Errorf("stackfs: bad control target %q: %w", target, err)
	}
	ufs := lookupMount(si)
	if ufs == nil {
		return nil, fmt.Errorf("stackfs: no mount with %s: %w", target, ErrNotFound)
	}

	c := &Control{ufs: ufs, owner: owner, admin: admin}
	ufs.ctlMu.Lock()
	defer ufs.ctlMu.Unlock()
	if ufs.ctlOwner != nil {
		return nil, fmt.Errorf("%w: control session held by %s", ErrBusy, ufs.ctlOwner.owner)
	}
	ufs.ctlOwner = c
	ufs.log.WithField("owner", owner).Debug("control session opened")
	return c, nil
}

// Close releases the session. Idempotent.
func (c *Control) Close() error {
	ufs := c.ufs
	ufs.ctlMu.Lock()
	defer ufs.ctlMu.Unlock()
	if ufs.ctlOwner == c {
		ufs.ctlOwner = nil
		ufs.log.WithField("owner", c.owner).Debug("control session closed")
	}
	return nil
}

// Do runs one maintenance command and returns its textual output.
//
//	clean [-v]   drop pseudo-link records whose upper object is gone
//	list         print the live pseudo-link records
//	flush        drop all cached union metadata
func (c *Control) Do(cmd string) (string, error) {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return "", fmt.Errorf("stackfs: empty control command")
	}
	switch fields[0] {
	case "clean":
		return c.clean(len(fields) > 1 && fields[1] == "-v")
	case "list":
		return c.list()
	case "flush":
		return c.flush()
	default:
		return "", fmt.Errorf("stackfs: unknown control command %q", fields[0])
	}
}

func (c *Control) clean(verbose bool) (string, error) {
	if !c.admin {
		return "", fmt.Errorf("stackfs: clean requires an admin session")
	}
	if err := c.ufs.plink.acquireLease(c.owner); err != nil {
		return "", err
	}
	defer c.ufs.plink.releaseLease(c.owner)

	dropped := c.ufs.plinkClean(verbose)
	return fmt.Sprintf("dropped %d\n", dropped), nil
}

func (c *Control) list() (string, error) {
	r := c.ufs.plink
	r.mu.RLock()
	lines := make([]string, 0, len(r.links))
	for id, e := range r.links {
		lines = append(lines, fmt.Sprintf("%d:%d -> %d:%s ino=%d",
			id.branchID, id.ino, e.upperBranchID, e.upperPath, e.upperIno))
	}
	r.mu.RUnlock()
	sort.Strings(lines)
	if len(lines) == 0 {
		return "", nil
	}
	return strings.Join(lines, "\n") + "\n", nil
}

func (c *Control) flush() (string, error) {
	if !c.admin {
		return "", fmt.Errorf("stackfs: flush requires an admin session")
	}
	c.ufs.mu.RLock()
	c.ufs.dcache.clear()
	c.ufs.mu.RUnlock()
	return "flushed\n", nil
}
