/*
Package stackfs provides a stacked unification filesystem for Go: an
ordered roster of afero branches merged into a single writable view,
with copy-up, whiteouts, and stable inode-number translation.

# Overview

A mount stacks branches topmost-first. Lookups resolve through the
branches in order, merged directory listings honor whiteouts and opaque
markers, and writes land on a writable branch selected by policy. An
object whose top branch is read-only is copied up before the first
write reaches it.

# Branches

Branches are added, removed, reordered, and re-permissioned at runtime.
Every roster change bumps the mount generation; open handles revalidate
against the new roster on their next operation, retargeting to the
object's new top branch or failing with ErrStaleHandle when the object
is gone.

	ufs, err := stackfs.New(
	    stackfs.WithWritableBranch(afero.NewMemMapFs()),
	    stackfs.WithReadOnlyBranch(baseImage),
	)

A branch with open file handles or active copy-up pins refuses removal
and read-only demotion with ErrBusy.

# Whiteouts

Deleting an object that survives on a lower branch places a ".wh."
marker on a writable branch. Re-creating a directory over its whiteout
marks the new directory opaque, so the hidden lower contents stay
hidden. Merged-empty directories with many markers are renamed to a
temporary whiteout name and swept in the background.

# Copy-up

Copy-up streams the object to a temporary whiteout name on the
destination branch and renames it into place, so a partial copy is
never visible. Timestamps, permissions, ownership, and extended
attributes follow the data. Hard-linked files register in the
pseudo-link registry on first copy-up; sibling links later hard-link to
the copied body instead of duplicating it.

# Inode numbers

Every branch keeps its own inode numbers. The xino store translates
(branch, lower inode) pairs to stable logical numbers, either in memory
or persisted in a SQLite database via WithXino, so an object keeps its
identity across copy-up and remount.

# Mount options

Mounts build either from functional options or from an option string in
the traditional format:

	ufs, err := stackfs.NewFromOptions(
	    "br=/upper=rw:/lower=ro,udba=reval,dirwh=3", nil)

# Maintenance

OpenControl binds an exclusive maintenance session to a live mount by
its session id and runs commands such as "clean", which drops stale
pseudo-link records. DebugInfo, DebugBranches, and DebugXino render the
mount state for inspection.
*/
package stackfs
