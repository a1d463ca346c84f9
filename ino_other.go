//go:build !unix

package stackfs

import "os"

func statIno(os.FileInfo) (uint64, bool) { return 0, false }

func statNlink(os.FileInfo) (uint64, bool) { return 0, false }

func statOwner(os.FileInfo) (uid, gid int, ok bool) { return 0, 0, false }
