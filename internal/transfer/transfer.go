// Package transfer implements C4, the chunked request/response protocol
// used both to send a file in full/normal mode (the requester asks for
// specific chunks) and in patch mode (the responder already holds an
// older version and asks the peer to confirm each chunk, sending fresh
// bytes only for the ones that changed).
package transfer

import (
	"crypto/sha256"
	"hash/adler32"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/uplo-tech/encoding"
	"github.com/uplo-tech/errors"
	"github.com/uplo-tech/fastrand"
	"github.com/uplo-tech/ratelimit"

	"github.com/uroni/urbackup-backend-sub003/internal/bberrors"
	"github.com/uroni/urbackup-backend-sub003/internal/cas"
	"github.com/uroni/urbackup-backend-sub003/internal/hashpipe"
	"github.com/uroni/urbackup-backend-sub003/internal/model"
)

const (
	maxChunkRetries    = 5
	chunkTimeout       = 60 * time.Second
	maxRequestSize     = 4096
	maxHeaderSize      = 64
	maxChunkMsgSize    = 128
	maxChunkDataSize   = hashpipe.ChunkSize + 256
	maxExtentListSize  = 1 << 20
)

// Request is the requester's "GET FILE" line.
type Request struct {
	Name         string
	Offset       int64
	WithMetadata int64
	Patch        bool
}

// Header is the responder's filesize/num_chunks reply.
type Header struct {
	FileSize  int64
	NumChunks int64
}

// chunkMsg is the requester->responder per-chunk envelope: either a
// request for chunk ChunkIdx (carrying the requester's locally-known
// digest as a verification hint) or, with Done set, the terminal signal
// that ends the exchange.
type chunkMsg struct {
	Done     bool
	ChunkIdx int64
	Hash     hashpipe.ChunkHash
}

// ChunkData is the responder->requester chunk payload. Hash is the
// responder's digest of Bytes as read from its own source, letting the
// requester detect in-transit corruption by recomputing the digest on
// arrival rather than trusting Bytes as delivered.
type ChunkData struct {
	ChunkIdx int64
	Bytes    []byte
	Hash     hashpipe.ChunkHash
}

// PatchReply is the requester->responder reply in patch mode: Changed
// indicates Bytes carries fresh content; otherwise the peer's existing
// chunk is correct as-is.
type PatchReply struct {
	ChunkIdx int64
	Changed  bool
	Bytes    []byte
}

// SparseExtent is one (offset, size) hole in a sparse file, transmitted
// out of band and materialized as a hole-punch on the receiver.
type SparseExtent struct {
	Offset int64
	Size   int64
}

// WrapRateLimited applies a connection-local limit and then a shared
// global limit to conn, mirroring the teacher's
// modules/renter/proto.initiateRevisionLoop RLConn wrapping order.
func WrapRateLimited(conn net.Conn, local, global *ratelimit.RateLimit, cancel <-chan struct{}) net.Conn {
	wrapped := ratelimit.NewRLConn(conn, local, cancel)
	if global != nil {
		wrapped = ratelimit.NewRLConn(wrapped, global, cancel)
	}
	return wrapped
}

func writeCode(conn net.Conn, code bberrors.Code) error {
	_, err := conn.Write([]byte{byte(code)})
	return err
}

func readCode(conn net.Conn) (bberrors.Code, error) {
	var b [1]byte
	if _, err := io.ReadFull(conn, b[:]); err != nil {
		return 0, err
	}
	return bberrors.Code(b[0]), nil
}

// SendRequest writes a GET FILE request.
func SendRequest(conn net.Conn, req Request) error {
	return encoding.WriteObject(conn, req)
}

// ReadRequest reads a GET FILE request.
func ReadRequest(conn net.Conn) (Request, error) {
	var req Request
	err := encoding.ReadObject(conn, &req, maxRequestSize)
	return req, err
}

// AnswerHeader writes the single-byte error code and, on success, the
// filesize/num_chunks header.
func AnswerHeader(conn net.Conn, code bberrors.Code, h Header) error {
	if err := writeCode(conn, code); err != nil {
		return err
	}
	if code != bberrors.CodeSuccess {
		return nil
	}
	return encoding.WriteObject(conn, h)
}

// ReadHeader reads the error code and, on success, the header.
func ReadHeader(conn net.Conn) (bberrors.Code, Header, error) {
	code, err := readCode(conn)
	if err != nil {
		return 0, Header{}, err
	}
	if code != bberrors.CodeSuccess {
		return code, Header{}, nil
	}
	var h Header
	if err := encoding.ReadObject(conn, &h, maxHeaderSize); err != nil {
		return 0, Header{}, err
	}
	return code, h, nil
}

// SendSparseExtents transmits the out-of-band sparse extent list.
func SendSparseExtents(conn net.Conn, extents []SparseExtent) error {
	return encoding.WriteObject(conn, extents)
}

// ReadSparseExtents reads the out-of-band sparse extent list.
func ReadSparseExtents(conn net.Conn) ([]SparseExtent, error) {
	var extents []SparseExtent
	err := encoding.ReadObject(conn, &extents, maxExtentListSize)
	return extents, err
}

// PullChunks drives the requester side of normal/full mode: for every
// chunk index selected by want, ask the peer for it, retrying up to 5
// times on a hash mismatch or timeout (the HASH/TIMEOUT recovery policy),
// and writes the returned bytes into dst.
func PullChunks(conn net.Conn, numChunks int64, want func(idx int64) bool, dst io.WriterAt) error {
	for idx := int64(0); idx < numChunks; idx++ {
		if !want(idx) {
			continue
		}
		if err := pullOneChunk(conn, idx, dst); err != nil {
			return err
		}
	}
	return encoding.WriteObject(conn, chunkMsg{Done: true})
}

func pullOneChunk(conn net.Conn, idx int64, dst io.WriterAt) error {
	var lastErr error = bberrors.ErrForCode(bberrors.CodeTimeout)
	for attempt := 0; attempt < maxChunkRetries; attempt++ {
		if err := conn.SetDeadline(time.Now().Add(chunkTimeout)); err != nil {
			return err
		}
		if err := encoding.WriteObject(conn, chunkMsg{ChunkIdx: idx}); err != nil {
			return err
		}
		code, err := readCode(conn)
		if err != nil {
			lastErr = err
			continue
		}
		if code != bberrors.CodeSuccess {
			lastErr = bberrors.ErrForCode(code)
			if code == bberrors.CodeFileDoesntExist || code == bberrors.CodeBaseDirLost {
				return lastErr
			}
			continue
		}
		var cd ChunkData
		if err := encoding.ReadObject(conn, &cd, maxChunkDataSize); err != nil {
			lastErr = err
			continue
		}
		if cd.ChunkIdx != idx {
			lastErr = errors.New("transfer: chunk index mismatch in response")
			continue
		}
		if gotHash := hashChunk(cd.Bytes); gotHash != cd.Hash {
			lastErr = bberrors.ErrForCode(bberrors.CodeHash)
			continue
		}
		if _, err := dst.WriteAt(cd.Bytes, idx*hashpipe.ChunkSize); err != nil {
			return err
		}
		return nil
	}
	return errors.AddContext(bberrors.ErrForCode(bberrors.CodeHash), "chunk "+strconv.FormatInt(idx, 10)+": "+lastErr.Error())
}

// ServeChunks drives the responder side of normal/full mode: it reads
// chunk requests until the terminal Done message, answering each with
// that chunk's bytes read from src (size bytes long).
func ServeChunks(conn net.Conn, src io.ReaderAt, size int64) error {
	for {
		var msg chunkMsg
		if err := encoding.ReadObject(conn, &msg, maxChunkMsgSize); err != nil {
			return err
		}
		if msg.Done {
			return nil
		}
		buf := make([]byte, chunkLen(msg.ChunkIdx, size))
		n, err := src.ReadAt(buf, msg.ChunkIdx*hashpipe.ChunkSize)
		if err != nil && err != io.EOF {
			if werr := writeCode(conn, bberrors.CodeFileDoesntExist); werr != nil {
				return werr
			}
			continue
		}
		if err := writeCode(conn, bberrors.CodeSuccess); err != nil {
			return err
		}
		buf = buf[:n]
		if err := encoding.WriteObject(conn, ChunkData{ChunkIdx: msg.ChunkIdx, Bytes: buf, Hash: hashChunk(buf)}); err != nil {
			return err
		}
	}
}

// SendPatchDigests drives the responder side of patch mode: it already
// holds the previous backup's chunk digests and, for each one, asks the
// peer (which holds the fresh data) to confirm whether the chunk
// changed; changed chunks' fresh bytes are written into dst.
func SendPatchDigests(conn net.Conn, oldHashes []hashpipe.ChunkHash, dst io.WriterAt) error {
	for idx, h := range oldHashes {
		if err := encoding.WriteObject(conn, chunkMsg{ChunkIdx: int64(idx), Hash: h}); err != nil {
			return err
		}
		var reply PatchReply
		if err := encoding.ReadObject(conn, &reply, maxChunkDataSize); err != nil {
			return err
		}
		if reply.ChunkIdx != int64(idx) {
			return errors.New("transfer: patch reply index mismatch")
		}
		if reply.Changed {
			if _, err := dst.WriteAt(reply.Bytes, int64(idx)*hashpipe.ChunkSize); err != nil {
				return err
			}
		}
	}
	return encoding.WriteObject(conn, chunkMsg{Done: true})
}

// ReceivePatchDigests drives the side holding the fresh file: for every
// digest received from the peer it compares against the corresponding
// chunk of src and replies with fresh bytes only when the chunk differs.
func ReceivePatchDigests(conn net.Conn, src io.ReaderAt, size int64) error {
	for {
		var msg chunkMsg
		if err := encoding.ReadObject(conn, &msg, maxChunkMsgSize); err != nil {
			return err
		}
		if msg.Done {
			return nil
		}
		buf := make([]byte, chunkLen(msg.ChunkIdx, size))
		n, err := src.ReadAt(buf, msg.ChunkIdx*hashpipe.ChunkSize)
		if err != nil && err != io.EOF {
			return err
		}
		buf = buf[:n]
		newHash := hashChunk(buf)
		reply := PatchReply{ChunkIdx: msg.ChunkIdx}
		if newHash != msg.Hash {
			reply.Changed = true
			reply.Bytes = buf
		}
		if err := encoding.WriteObject(conn, reply); err != nil {
			return err
		}
	}
}

func hashChunk(buf []byte) hashpipe.ChunkHash {
	return hashpipe.ChunkHash{Adler: adler32.Checksum(buf), Sha256: sha256.Sum256(buf)}
}

func chunkLen(idx, size int64) int64 {
	rem := size - idx*hashpipe.ChunkSize
	if rem > hashpipe.ChunkSize {
		return hashpipe.ChunkSize
	}
	if rem < 0 {
		return 0
	}
	return rem
}

// SalvagePartial commits a partially received file straight into the CAS
// with no dedup lookup, per the save_incomplete_file policy: its content
// is incomplete so it is never fingerprinted against other entries, and
// the resulting FileEntry is recorded with Partial set before it is
// indexed. A random key is used so two unrelated partial files of the
// same size never appear to collide.
func SalvagePartial(store *cas.Store, client model.ClientID, tgroup model.TGroup, backupID model.BackupID, relPath, relHashPath string, data io.Reader) (*cas.CasHandle, error) {
	var key model.FileIndexKey
	key.ClientID = client
	key.TGroup = tgroup
	fastrand.Read(key.ShaHash[:])

	handle, err := store.PlacePartial(key, relPath, relHashPath, data, backupID)
	if err != nil {
		return nil, errors.AddContext(err, "transfer: salvaging partial file failed")
	}
	return handle, nil
}
