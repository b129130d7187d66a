package fileindex

import (
	"path/filepath"
	"testing"

	"github.com/uroni/urbackup-backend-sub003/internal/model"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := Open(filepath.Join(t.TempDir(), "files.db"))
	if err != nil {
		t.Fatal(err)
	}
	idx.MaxFileBufferSize = 1 // flush every insert, so reads see writes immediately
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func keyFor(hash byte) model.FileIndexKey {
	var k model.FileIndexKey
	k.ShaHash[0] = hash
	k.Size = 4096
	k.ClientID = 1
	k.TGroup = model.TGroupDefault
	return k
}

// TestInsertFindMasterSameThread is spec property 2: insert followed by
// find_master on the same key returns a non-empty result in the same
// thread.
func TestInsertFindMasterSameThread(t *testing.T) {
	idx := newTestIndex(t)
	key := keyFor(1)
	e := &model.FileEntry{BackupID: 1, Path: "a/hello", HashPath: "a/.hashes/hello", Key: key}
	if err := idx.Insert(e); err != nil {
		t.Fatal(err)
	}

	found, err := idx.FindMaster(key)
	if err != nil {
		t.Fatal(err)
	}
	if found == nil {
		t.Fatal("expected a master entry immediately after insert")
	}
	if !found.PointedTo {
		t.Fatal("first entry in a chain must be the master")
	}
}

// TestExactlyOneMasterPerClass is spec property 1.
func TestExactlyOneMasterPerClass(t *testing.T) {
	idx := newTestIndex(t)
	key := keyFor(2)

	var ids []model.FileEntryID
	for i := 0; i < 5; i++ {
		e := &model.FileEntry{BackupID: model.BackupID(i), Path: "p", HashPath: "h", Key: key}
		if err := idx.Insert(e); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, e.ID)
	}

	masterCount := 0
	for _, id := range ids {
		e, err := idx.FindMaster(key)
		if err != nil {
			t.Fatal(err)
		}
		if e.ID == id {
			masterCount++
		}
	}
	if masterCount != 1 {
		t.Fatalf("expected exactly one master, found %d markers across %d entries", masterCount, len(ids))
	}
	if err := idx.Verify(); err != nil {
		t.Fatalf("index should be internally consistent: %v", err)
	}
}

// TestEvictPromotesNextEntry verifies evicting the master promotes its
// NextEntry to master, matching the §4.2 eviction contract.
func TestEvictPromotesNextEntry(t *testing.T) {
	idx := newTestIndex(t)
	key := keyFor(3)

	first := &model.FileEntry{BackupID: 1, Path: "p1", HashPath: "h1", Key: key}
	second := &model.FileEntry{BackupID: 2, Path: "p2", HashPath: "h2", Key: key}
	if err := idx.Insert(first); err != nil {
		t.Fatal(err)
	}
	if err := idx.Insert(second); err != nil {
		t.Fatal(err)
	}

	if err := idx.Evict(first); err != nil {
		t.Fatal(err)
	}

	master, err := idx.FindMaster(key)
	if err != nil {
		t.Fatal(err)
	}
	if master == nil || master.ID != second.ID {
		t.Fatalf("expected second entry to become master after evicting first, got %+v", master)
	}
	if err := idx.Verify(); err != nil {
		t.Fatalf("index should remain consistent after eviction: %v", err)
	}
}

// TestDifferentTGroupsNeverShareAMaster is the Tgroup isolation invariant
// from the Glossary.
func TestDifferentTGroupsNeverShareAMaster(t *testing.T) {
	idx := newTestIndex(t)
	k1 := keyFor(4)
	k2 := k1
	k2.TGroup = model.TGroupContinuous

	e1 := &model.FileEntry{BackupID: 1, Path: "p1", HashPath: "h1", Key: k1}
	e2 := &model.FileEntry{BackupID: 2, Path: "p2", HashPath: "h2", Key: k2}
	if err := idx.Insert(e1); err != nil {
		t.Fatal(err)
	}
	if err := idx.Insert(e2); err != nil {
		t.Fatal(err)
	}

	m1, err := idx.FindMaster(k1)
	if err != nil {
		t.Fatal(err)
	}
	m2, err := idx.FindMaster(k2)
	if err != nil {
		t.Fatal(err)
	}
	if m1.ID != e1.ID || m2.ID != e2.ID {
		t.Fatal("each tgroup should have its own independent master")
	}
}

// TestFindMasterSeesUnflushedBufferUnderDefaultConfig is spec properties 2
// and 3 under the default buffer config (DefaultMaxFileBufferSize,
// DefaultFileBufferCommitInterval): FindMaster must see an entry that is
// still sitting unflushed in the buffer, and a second insert for the same
// key within the same buffer window must dedup against it rather than
// silently also landing as an unflushed, undetected duplicate.
func TestFindMasterSeesUnflushedBufferUnderDefaultConfig(t *testing.T) {
	idx, err := Open(filepath.Join(t.TempDir(), "files.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()

	key := keyFor(6)
	first := &model.FileEntry{BackupID: 1, Path: "p1", HashPath: "h1", Key: key}
	if err := idx.Insert(first); err != nil {
		t.Fatal(err)
	}

	master, err := idx.FindMaster(key)
	if err != nil {
		t.Fatal(err)
	}
	if master == nil {
		t.Fatal("expected FindMaster to see the still-buffered entry")
	}
	if master.ID != first.ID {
		t.Fatalf("expected the first buffered entry to be reported as master, got entry %d", master.ID)
	}

	second := &model.FileEntry{BackupID: 2, Path: "p2", HashPath: "h2", Key: key}
	if err := idx.Insert(second); err != nil {
		t.Fatal(err)
	}

	if err := idx.Flush(); err != nil {
		t.Fatal(err)
	}
	if err := idx.Verify(); err != nil {
		t.Fatalf("index should be internally consistent after flush: %v", err)
	}

	masterCount := 0
	for _, id := range []model.FileEntryID{first.ID, second.ID} {
		e, err := idx.FindMaster(key)
		if err != nil {
			t.Fatal(err)
		}
		if e.ID == id {
			masterCount++
		}
	}
	if masterCount != 1 {
		t.Fatalf("expected exactly one master across both entries once flushed, got %d", masterCount)
	}
}

// TestBufferedInsertsFlushOnThreshold exercises the time-threshold commit
// path (spec §4.2: file_buffer_commit_interval default 120 s).
func TestBufferedInsertsFlushOnThreshold(t *testing.T) {
	idx, err := Open(filepath.Join(t.TempDir(), "files.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()
	idx.MaxFileBufferSize = 1 << 30 // effectively never size-triggers
	idx.FileBufferCommitInterval = 0 // but always time-triggers

	key := keyFor(5)
	e := &model.FileEntry{BackupID: 1, Path: "p", HashPath: "h", Key: key}
	if err := idx.Insert(e); err != nil {
		t.Fatal(err)
	}
	master, err := idx.FindMaster(key)
	if err != nil {
		t.Fatal(err)
	}
	if master == nil {
		t.Fatal("expected entry to be flushed and visible via FindMaster")
	}
}
