package transfer

import (
	"bytes"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/uplo-tech/encoding"

	"github.com/uroni/urbackup-backend-sub003/internal/bberrors"
	"github.com/uroni/urbackup-backend-sub003/internal/hashpipe"
)

var errNotDone = errors.New("transfer: expected a Done message")

func pipeConns(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	return a, b
}

func TestRequestHeaderRoundTrip(t *testing.T) {
	client, server := pipeConns(t)

	go func() {
		req, err := ReadRequest(server)
		if err != nil {
			t.Error(err)
			return
		}
		if req.Name != "backup/file.txt" {
			t.Errorf("unexpected request name: %q", req.Name)
		}
		if err := AnswerHeader(server, bberrors.CodeSuccess, Header{FileSize: 10, NumChunks: 1}); err != nil {
			t.Error(err)
		}
	}()

	if err := SendRequest(client, Request{Name: "backup/file.txt"}); err != nil {
		t.Fatal(err)
	}
	code, h, err := ReadHeader(client)
	if err != nil {
		t.Fatal(err)
	}
	if code != bberrors.CodeSuccess {
		t.Fatalf("expected success code, got %v", code)
	}
	if h.FileSize != 10 || h.NumChunks != 1 {
		t.Fatalf("unexpected header: %+v", h)
	}
}

type memWriterAt struct {
	buf []byte
}

func (m *memWriterAt) WriteAt(p []byte, off int64) (int, error) {
	end := off + int64(len(p))
	if end > int64(len(m.buf)) {
		grown := make([]byte, end)
		copy(grown, m.buf)
		m.buf = grown
	}
	copy(m.buf[off:], p)
	return len(p), nil
}

func TestPullServeChunksRoundTrip(t *testing.T) {
	client, server := pipeConns(t)
	content := bytes.Repeat([]byte("a"), int(hashpipe.ChunkSize)+42)

	errCh := make(chan error, 1)
	go func() {
		errCh <- ServeChunks(server, bytes.NewReader(content), int64(len(content)))
	}()

	dst := &memWriterAt{}
	numChunks := int64(2)
	if err := PullChunks(client, numChunks, func(idx int64) bool { return true }, dst); err != nil {
		t.Fatal(err)
	}
	if err := <-errCh; err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(dst.buf, content) {
		t.Fatalf("pulled content mismatch: got %d bytes, want %d", len(dst.buf), len(content))
	}
}

func TestPatchDigestsOnlyChangedChunkSent(t *testing.T) {
	client, server := pipeConns(t)

	oldContent := bytes.Repeat([]byte("o"), int(hashpipe.ChunkSize))
	newContent := bytes.Repeat([]byte("n"), int(hashpipe.ChunkSize))

	oldFile := writeToTemp(t, oldContent)
	defer oldFile.Close()
	oldSum, err := hashpipe.Prepare(oldFile, int64(len(oldContent)), hashpipe.TreeHash)
	if err != nil {
		t.Fatal(err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- ReceivePatchDigests(server, bytes.NewReader(newContent), int64(len(newContent)))
	}()

	dst := &memWriterAt{}
	if err := SendPatchDigests(client, oldSum.ChunkHashes, dst); err != nil {
		t.Fatal(err)
	}
	if err := <-errCh; err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(dst.buf, newContent) {
		t.Fatal("changed chunk should have been sent and applied")
	}
}

func TestPullOneChunkRetriesOnHashMismatch(t *testing.T) {
	client, server := pipeConns(t)
	content := bytes.Repeat([]byte("x"), int(hashpipe.ChunkSize))

	attempts := 0
	errCh := make(chan error, 1)
	go func() {
		var msg chunkMsg
		if err := encoding.ReadObject(server, &msg, maxChunkMsgSize); err != nil {
			errCh <- err
			return
		}
		attempts++
		if err := writeCode(server, bberrors.CodeSuccess); err != nil {
			errCh <- err
			return
		}
		bad := ChunkData{ChunkIdx: msg.ChunkIdx, Bytes: content}
		if err := encoding.WriteObject(server, bad); err != nil {
			errCh <- err
			return
		}

		if err := encoding.ReadObject(server, &msg, maxChunkMsgSize); err != nil {
			errCh <- err
			return
		}
		attempts++
		if err := writeCode(server, bberrors.CodeSuccess); err != nil {
			errCh <- err
			return
		}
		good := ChunkData{ChunkIdx: msg.ChunkIdx, Bytes: content, Hash: hashChunk(content)}
		if err := encoding.WriteObject(server, good); err != nil {
			errCh <- err
			return
		}

		if err := encoding.ReadObject(server, &msg, maxChunkMsgSize); err != nil {
			errCh <- err
			return
		}
		if !msg.Done {
			errCh <- errNotDone
			return
		}
		errCh <- nil
	}()

	dst := &memWriterAt{}
	if err := PullChunks(client, 1, func(idx int64) bool { return true }, dst); err != nil {
		t.Fatal(err)
	}
	if err := <-errCh; err != nil {
		t.Fatal(err)
	}
	if attempts != 2 {
		t.Fatalf("expected exactly one retry after a hash mismatch, got %d attempts", attempts)
	}
	if !bytes.Equal(dst.buf, content) {
		t.Fatal("pulled content mismatch after hash-mismatch retry")
	}
}

func writeToTemp(t *testing.T, content []byte) *os.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chunk-input")
	if err := os.WriteFile(path, content, 0640); err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	return f
}
