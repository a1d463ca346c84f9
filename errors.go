package stackfs

import (
	"errors"
	"io/fs"
)

var (
	// ErrNotFound is returned when a name has no entry on any branch and no
	// whiteout override. It wraps fs.ErrNotExist so callers can keep using
	// os.IsNotExist / errors.Is(err, fs.ErrNotExist).
	ErrNotFound = notFoundError{}

	// ErrWhitedOut marks a name that is logically deleted by a whiteout.
	// It is surfaced to callers as not-exist but remains distinguishable
	// with errors.Is for internal bookkeeping and tests.
	ErrWhitedOut = whitedOutError{}

	// ErrBusy is returned when a branch or session cannot be released or
	// acquired because handles, pins, or another owner remain.
	ErrBusy = errors.New("stackfs: resource busy")

	// ErrReadOnlyBranch is returned when a write is attempted and no
	// writable branch is reachable under the configured policy.
	ErrReadOnlyBranch = errors.New("stackfs: no writable branch")

	// ErrNameTooLong is returned when a name, with the whiteout prefix
	// included for whiteout paths, exceeds the path-component limit.
	ErrNameTooLong = errors.New("stackfs: name too long")

	// ErrStaleHandle is returned for I/O on a file handle whose generation
	// mismatch could not be recovered by refresh.
	ErrStaleHandle = errors.New("stackfs: stale file handle")

	// ErrIO is returned when a lower branch reported a non-recoverable
	// failure or violated an invariant (for example a whiteout name that
	// is not a regular file).
	ErrIO = errors.New("stackfs: I/O error")

	// ErrInvalidBranch is returned when a branch is rejected at add time:
	// nil filesystem, self-stacking, or an illegal overlap with an
	// existing branch.
	ErrInvalidBranch = errors.New("stackfs: invalid branch")
)

type notFoundError struct{}

func (notFoundError) Error() string { return "stackfs: file does not exist" }

// Is makes ErrNotFound satisfy errors.Is(err, fs.ErrNotExist).
func (notFoundError) Is(target error) bool { return target == fs.ErrNotExist }

type whitedOutError struct{}

func (whitedOutError) Error() string { return "stackfs: file is whited out" }

// Is makes a whiteout indistinguishable from not-exist for callers while
// staying matchable as ErrWhitedOut in tests.
func (whitedOutError) Is(target error) bool {
	return target == fs.ErrNotExist || target == ErrNotFound
}
