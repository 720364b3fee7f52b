/*
Package pager provides page-oriented access to a SQLite-format database file
with atomic commit and rollback.

The pager sits between the B-tree layer and the file. It hands out
fixed-size pages by number, keeps them in a reference-counted cache, and
guarantees that a write transaction either reaches the file completely or
not at all.

# Pages

Pages are numbered from 1. Get pins a page and Put releases it; a page with
references is never evicted. Clean unpinned pages leave the pin table once
it grows past its capacity and are parked in a ristretto cache, so that a
re-read usually avoids the file. Pages beyond the end of the database read
as zeros.

# Transactions

A write transaction proceeds as follows:

 1. Begin takes the RESERVED lock. Readers may continue.
 2. Write copies the page's original image into the rollback journal the
    first time the page is touched, then marks it dirty.
 3. CommitPhaseOne bumps the change counter on page 1, syncs the journal,
    waits for EXCLUSIVE, writes the dirty pages, truncates and syncs the
    file.
 4. CommitPhaseTwo deletes the journal. This is the commit point.

Rollback copies the journal back over the file if phase one had already
written it, and reloads every pinned page in place. Pages dropped by
TruncateImage are journaled before the file is truncated.

# Journal

Each journal record carries a blake3 checksum keyed with a random per
journal salt, so that a torn tail written during a crash is recognised and
ignored. A journal may name a super-journal; such a journal is hot only
while the super-journal still exists, which lets several files commit
together.

A journal found when a pager takes its SHARED lock, with no writer holding
RESERVED, is hot: it is played back into the file and removed before any
page is read.

# Locking

Pagers in one process that open the same path share a lock table with the
SHARED, RESERVED, PENDING and EXCLUSIVE levels. Conflicts return
errors.ErrBusy; the caller decides whether to retry.

# Savepoints

Savepoint, Release and RollbackTo give nested partial rollback inside a
write transaction. Each savepoint keeps the image of every page first
written after it was opened.

# In-memory databases

Opening MemoryFilename gives a private database held in memory with an
in-memory journal. It supports transactions and rollback but not crash
recovery.
*/
package pager
