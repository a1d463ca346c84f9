package stackfs

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/afero"
)

// BranchResolver turns the path part of a br= option into a branch
// filesystem. The default roots an OsBranch at the path.
type BranchResolver func(path string) (afero.Fs, error)

func defaultBranchResolver(path string) (afero.Fs, error) {
	return NewOsBranch(path), nil
}

// MountOptions is the parsed form of a mount option string.
type MountOptions struct {
	Branches []BranchSpec
	Xino     string // xino database path, "" for in-memory, set by xino=
	XinoOff  bool
	Plink    bool
	Udba     string
	Create   string
	Copyup   string
	Dirwh    int
}

// BranchSpec is one parsed br= element.
type BranchSpec struct {
	Path string
	Perm BranchPerm
}

// ParseOptions parses a comma-separated mount option string:
//
//	br=/upper=rw:/lower=ro,udba=reval,wbr_create=tdp,dirwh=3,xino=/tmp/x.db
//
// Unknown keys are rejected. A branch without an explicit permission
// suffix is writable when it is the first branch and read-only below,
// matching the usual layering of one upper over many lowers.
func ParseOptions(s string) (*MountOptions, error) {
	mo := &MountOptions{Plink: true, Udba: "none", Create: "tdp", Copyup: "tdp", Dirwh: 3}

	for _, opt := range strings.Split(s, ",") {
		opt = strings.TrimSpace(opt)
		if opt == "" {
			continue
		}
		key, val, hasVal := strings.Cut(opt, "=")
		switch key {
		case "br", "branch":
			if !hasVal {
				return nil, fmt.Errorf("stackfs: option %q needs a value", key)
			}
			specs, err := parseBranchList(val)
			if err != nil {
				return nil, err
			}
			mo.Branches = append(mo.Branches, specs...)
		case "xino":
			if !hasVal {
				return nil, fmt.Errorf("stackfs: option %q needs a value", key)
			}
			if val == "off" {
				mo.XinoOff = true
			} else {
				mo.Xino = val
			}
		case "plink":
			mo.Plink = true
		case "noplink":
			mo.Plink = false
		case "udba":
			if _, err := parseUdba(val); err != nil {
				return nil, err
			}
			mo.Udba = val
		case "wbr_create", "create":
			if _, err := parseWbrPolicy(val); err != nil {
				return nil, err
			}
			mo.Create = val
		case "wbr_copyup", "copyup":
			if _, err := parseWbrPolicy(val); err != nil {
				return nil, err
			}
			mo.Copyup = val
		case "dirwh":
			n, err := strconv.Atoi(val)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("stackfs: bad dirwh value %q", val)
			}
			mo.Dirwh = n
		default:
			return nil, fmt.Errorf("stackfs: unknown mount option %q", key)
		}
	}

	if len(mo.Branches) == 0 {
		return nil, fmt.Errorf("stackfs: no branches given")
	}
	return mo, nil
}

// parseBranchList splits a colon-separated br= value. Each element is
// PATH or PATH=ro or PATH=rw.
func parseBranchList(s string) ([]BranchSpec, error) {
	var specs []BranchSpec
	for i, el := range strings.Split(s, ":") {
		if el == "" {
			return nil, fmt.Errorf("stackfs: empty branch element")
		}
		path, perm, hasPerm := strings.Cut(el, "=")
		spec := BranchSpec{Path: path}
		switch {
		case !hasPerm:
			if i == 0 {
				spec.Perm = PermRW
			} else {
				spec.Perm = PermRO
			}
		case perm == "rw":
			spec.Perm = PermRW
		case perm == "ro":
			spec.Perm = PermRO
		default:
			return nil, fmt.Errorf("stackfs: bad branch permission %q", perm)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// NewFromOptions parses a mount option string and builds the mount,
// resolving branch paths through resolve (nil uses OsBranch roots).
// Additional functional options run after the parsed ones and may
// override them.
func NewFromOptions(s string, resolve BranchResolver, extra ...Option) (*UnionFS, error) {
	mo, err := ParseOptions(s)
	if err != nil {
		return nil, err
	}
	if resolve == nil {
		resolve = defaultBranchResolver
	}

	opts := []Option{
		WithPlink(mo.Plink),
		WithUdba(mo.Udba),
		WithCreatePolicy(mo.Create),
		WithCopyupPolicy(mo.Copyup),
		WithDirwh(mo.Dirwh),
	}
	if !mo.XinoOff {
		opts = append(opts, WithXino(mo.Xino))
	}
	for _, spec := range mo.Branches {
		fs, err := resolve(spec.Path)
		if err != nil {
			return nil, fmt.Errorf("stackfs: branch %s: %w", spec.Path, err)
		}
		opts = append(opts, WithBranch(fs, spec.Perm))
	}
	opts = append(opts, extra...)
	return New(opts...)
}
