package stackfs

import (
	"encoding/binary"
	"os"

	"lukechampine.com/blake3"
)

// inoOf returns the identity of an object on a branch: the real inode
// number when the branch exposes one through FileInfo.Sys, otherwise a
// stable synthetic id hashed from (branch id, path).
func inoOf(br *Branch, p string, fi os.FileInfo) uint64 {
	if ino, ok := statIno(fi); ok && ino != 0 {
		return ino
	}
	return syntheticIno(br.id, p)
}

// nlinkOf returns the hard-link count of fi when the branch exposes one;
// branches without link counts report 1.
func nlinkOf(fi os.FileInfo) uint64 {
	if n, ok := statNlink(fi); ok && n > 0 {
		return n
	}
	return 1
}

// syntheticIno derives a stable 64-bit identity for a branch object that
// has no native inode number.
func syntheticIno(branchID int64, p string) uint64 {
	h := blake3.New(16, nil)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(branchID))
	h.Write(buf[:])
	h.Write([]byte(p))
	sum := h.Sum(nil)
	return binary.LittleEndian.Uint64(sum[:8])
}
