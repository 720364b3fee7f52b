/*
Package btree implements the SQLite 3 file-format B-Tree engine on top of
package pager.

SQLite is in the public domain: https://sqlite.org/copyright.html

A database file holds any number of trees. Each tree is identified by the
page number of its root page. Two kinds exist:

  - Table trees (TableIntKey) map a 64-bit integer key to a byte string.
    Only leaves carry data; interior pages hold integer dividers.
  - Index trees (TableBlobKey) hold byte-string keys only, ordered by a
    caller-supplied Comparator (bytes.Compare when nil).

# Handles and Sharing

Open returns a Btree handle. With Options.SharedCache, handles opened on
the same file share one BtShared (the decoded file, page cache and
transaction state) through a Registry, and table-level read and write
locks arbitrate between them:

	db, err := btree.Open("app.db", btree.Options{SharedCache: true})
	if err != nil {
		return err
	}
	defer db.Close()

# Transactions

Every access happens inside a transaction. BeginTrans(BeginRead) opens a
read transaction; BeginTrans(BeginWrite) a write transaction, of which a
BtShared has at most one. Commit splits into CommitPhaseOne and
CommitPhaseTwo so that CommitAll can commit several files atomically
through a super-journal. BeginStmt, CommitStmt and RollbackStmt nest one
statement subtransaction inside a write transaction.

# Cursors

A Cursor walks one tree in key order:

	c, err := db.OpenCursor(root, false, nil)
	if err != nil {
		return err
	}
	defer c.Close()
	for ok, err := c.First(); ok && err == nil; ok, err = c.Next() {
		key, _ := c.KeySize()
		data, _ := c.DataBytes()
		fmt.Println(key, string(data))
	}

Cursors survive changes made through other cursors: before a tree is
modified every other cursor on it saves its key and releases its pages,
and seeks back on next use. Deleting the entry under a cursor leaves the
cursor between the neighbours, so Next and Previous continue naturally.
When a rollback cannot restore a cursor it is tripped into a fault state
and reports the error on every later call.

# Space Management

Freed pages go to a freelist of trunk pages and are reused by later
allocations. In auto-vacuum mode pointer-map pages record the parent of
every page, which lets pages be relocated: full auto-vacuum shrinks the
file on every commit, incremental vacuum on request (IncrVacuum).

# Diagnostics

IntegrityCheck verifies page references, the freelist, the pointer map,
key order, tree depth and byte coverage of every page and reports all
problems found. Analyze returns per-tree page and space statistics.
*/
package btree
