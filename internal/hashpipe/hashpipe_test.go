package hashpipe

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/uroni/urbackup-backend-sub003/internal/cas"
	"github.com/uroni/urbackup-backend-sub003/internal/fileindex"
	"github.com/uroni/urbackup-backend-sub003/internal/model"
)

func writeTempFile(t *testing.T, dir string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, "input")
	if err := os.WriteFile(path, content, 0640); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestPrepareTreeHashDeterministic(t *testing.T) {
	dir := t.TempDir()
	content := bytes.Repeat([]byte("x"), ChunkSize+100)
	path := writeTempFile(t, dir, content)

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	r1, err := Prepare(f, int64(len(content)), TreeHash)
	if err != nil {
		t.Fatal(err)
	}
	if len(r1.ChunkHashes) != 2 {
		t.Fatalf("expected 2 chunks for a file spanning a chunk boundary, got %d", len(r1.ChunkHashes))
	}

	if _, err := f.Seek(0, 0); err != nil {
		t.Fatal(err)
	}
	r2, err := Prepare(f, int64(len(content)), TreeHash)
	if err != nil {
		t.Fatal(err)
	}
	if r1.ShaTree != r2.ShaTree {
		t.Fatal("tree hash must be deterministic across runs over identical content")
	}
}

func TestPrepareSHA512NoSparse(t *testing.T) {
	dir := t.TempDir()
	path := writeTempFile(t, dir, []byte("script contents"))
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	res, err := Prepare(f, 16, SHA512NoSparse)
	if err != nil {
		t.Fatal(err)
	}
	if res.ShaFull == ([64]byte{}) {
		t.Fatal("expected a non-zero sha512 digest")
	}
	if len(res.ChunkHashes) != 0 {
		t.Fatal("SHA512NoSparse must not produce per-chunk hashes")
	}
}

func TestSidecarRoundTrip(t *testing.T) {
	res := &PrepareResult{
		ChunkHashes: []ChunkHash{
			{Adler: 42, Sha256: [32]byte{1, 2, 3}},
			{Adler: 7, Sha256: [32]byte{4, 5, 6}},
		},
	}
	raw := EncodeSidecar(res)
	decoded, err := DecodeSidecar(raw)
	if err != nil {
		t.Fatal(err)
	}
	if len(decoded) != 2 || decoded[0].Adler != 42 || decoded[1].Adler != 7 {
		t.Fatalf("sidecar round trip mismatch: %+v", decoded)
	}
}

func newTestPipeline(t *testing.T) (*Pipeline, string) {
	t.Helper()
	dir := t.TempDir()
	idx, err := fileindex.Open(filepath.Join(dir, "files.db"))
	if err != nil {
		t.Fatal(err)
	}
	idx.MaxFileBufferSize = 1
	t.Cleanup(func() { _ = idx.Close() })

	store, err := cas.Open(filepath.Join(dir, "data"), filepath.Join(dir, "hashes"), filepath.Join(dir, "link.wal"), idx, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return NewPipeline(idx, store), dir
}

func TestCommitFreshThenDedup(t *testing.T) {
	p, dir := newTestPipeline(t)
	content := []byte("identical payload for both clients")

	temp1 := writeTempFile(t, dir, content)
	f1, err := os.Open(temp1)
	if err != nil {
		t.Fatal(err)
	}
	prep1, err := Prepare(f1, int64(len(content)), TreeHash)
	f1.Close()
	if err != nil {
		t.Fatal(err)
	}
	h1, err := p.Commit(CommitInput{
		Prepare:     prep1,
		TempPath:    temp1,
		RelPath:     "client1/a.txt",
		RelHashPath: "client1/.hashes/a.txt",
		Client:      1,
		TGroup:      model.TGroupDefault,
		BackupID:    1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if h1.Result != cas.ResultFresh {
		t.Fatalf("expected first commit to be fresh, got %v", h1.Result)
	}

	temp2 := filepath.Join(dir, "input2")
	if err := os.WriteFile(temp2, content, 0640); err != nil {
		t.Fatal(err)
	}
	f2, err := os.Open(temp2)
	if err != nil {
		t.Fatal(err)
	}
	prep2, err := Prepare(f2, int64(len(content)), TreeHash)
	f2.Close()
	if err != nil {
		t.Fatal(err)
	}
	h2, err := p.Commit(CommitInput{
		Prepare:     prep2,
		TempPath:    temp2,
		RelPath:     "client2/b.txt",
		RelHashPath: "client2/.hashes/b.txt",
		Client:      1,
		TGroup:      model.TGroupDefault,
		BackupID:    2,
	})
	if err != nil {
		t.Fatal(err)
	}
	if h2.Result != cas.ResultLinked {
		t.Fatalf("expected second commit with identical content to hardlink, got %v", h2.Result)
	}
}
