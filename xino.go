package stackfs

import (
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// xinoStore translates (branch id, lower inode number) pairs to stable
// logical inode numbers. With a path it persists the table in a SQLite
// database so logical numbers survive remount; with an empty path the
// table lives in memory and dies with the mount. The format is local to
// the mount and not portable.
type xinoStore struct {
	mu   sync.Mutex
	db   *sql.DB
	path string

	mem  map[xinoKey]uint64
	next uint64
}

type xinoKey struct {
	branchID int64
	lowerIno uint64
}

const xinoSchema = `
CREATE TABLE IF NOT EXISTS xino (
	branch      INTEGER NOT NULL,
	lower_ino   INTEGER NOT NULL,
	logical_ino INTEGER NOT NULL,
	PRIMARY KEY (branch, lower_ino)
);
CREATE INDEX IF NOT EXISTS xino_logical ON xino (logical_ino);
`

// openXino opens or creates the translation store. An empty path yields
// the in-memory variant (xino=off).
func openXino(path string) (*xinoStore, error) {
	if path == "" {
		return &xinoStore{mem: make(map[xinoKey]uint64), next: 1}, nil
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("stackfs: open xino %q: %w", path, err)
	}
	if _, err := db.Exec(xinoSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("stackfs: init xino %q: %w", path, err)
	}
	return &xinoStore{db: db, path: path}, nil
}

// Persistent reports whether the store is backed by a file.
func (x *xinoStore) Persistent() bool { return x.db != nil }

// Map returns the logical inode number for (branchID, lowerIno),
// allocating a fresh one on first sight.
func (x *xinoStore) Map(branchID int64, lowerIno uint64) (uint64, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.db == nil {
		k := xinoKey{branchID, lowerIno}
		if v, ok := x.mem[k]; ok {
			return v, nil
		}
		v := x.next
		x.next++
		x.mem[k] = v
		return v, nil
	}

	var logical uint64
	err := x.db.QueryRow(
		`SELECT logical_ino FROM xino WHERE branch = ? AND lower_ino = ?`,
		branchID, lowerIno).Scan(&logical)
	if err == nil {
		return logical, nil
	}
	if err != sql.ErrNoRows {
		return 0, err
	}

	err = x.db.QueryRow(`SELECT COALESCE(MAX(logical_ino), 0) + 1 FROM xino`).Scan(&logical)
	if err != nil {
		return 0, err
	}
	_, err = x.db.Exec(
		`INSERT INTO xino (branch, lower_ino, logical_ino) VALUES (?, ?, ?)`,
		branchID, lowerIno, logical)
	if err != nil {
		return 0, err
	}
	return logical, nil
}

// Alias binds an additional lower identity to an existing logical inode
// number, used after copy-up so the object keeps its number on the
// destination branch.
func (x *xinoStore) Alias(branchID int64, lowerIno, logical uint64) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.db == nil {
		x.mem[xinoKey{branchID, lowerIno}] = logical
		if logical >= x.next {
			x.next = logical + 1
		}
		return nil
	}
	_, err := x.db.Exec(
		`INSERT OR REPLACE INTO xino (branch, lower_ino, logical_ino) VALUES (?, ?, ?)`,
		branchID, lowerIno, logical)
	return err
}

// Forget drops the translation of one lower identity.
func (x *xinoStore) Forget(branchID int64, lowerIno uint64) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.db == nil {
		delete(x.mem, xinoKey{branchID, lowerIno})
		return nil
	}
	_, err := x.db.Exec(
		`DELETE FROM xino WHERE branch = ? AND lower_ino = ?`,
		branchID, lowerIno)
	return err
}

// Count returns the number of translations held.
func (x *xinoStore) Count() (int64, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.db == nil {
		return int64(len(x.mem)), nil
	}
	var n int64
	err := x.db.QueryRow(`SELECT COUNT(*) FROM xino`).Scan(&n)
	return n, err
}

// Close releases the backing database, if any.
func (x *xinoStore) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.db != nil {
		err := x.db.Close()
		x.db = nil
		return err
	}
	x.mem = nil
	return nil
}
