// Package hashpipe implements C3, the two-stage hash pipeline: a prepare
// stage that chunks and hashes a file (sparse-hole aware) and a commit
// stage that looks the result up in the file index and either hardlinks to
// an existing master or moves the file into the content-addressed store.
package hashpipe

import (
	"bytes"
	"crypto/sha256"
	"crypto/sha512"
	"hash/adler32"
	"io"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/uplo-tech/encoding"
	"github.com/uplo-tech/errors"
	"github.com/uplo-tech/merkletree"

	"github.com/uroni/urbackup-backend-sub003/internal/bberrors"
	"github.com/uroni/urbackup-backend-sub003/internal/cas"
	"github.com/uroni/urbackup-backend-sub003/internal/fileindex"
	"github.com/uroni/urbackup-backend-sub003/internal/model"
)

// ChunkSize is the fixed chunk width used by both the hash pipeline and the
// chunked transfer engine (spec §4.3/§4.4).
const ChunkSize = model.BlockSize

// Method selects which hashing strategy prepare() uses.
type Method int

const (
	// TreeHash is the default for new backups: per-chunk Adler-32/SHA-256,
	// folded into a Merkle tree whose root becomes the index key.
	TreeHash Method = iota
	// SHA512NoSparse is used for scripts and metadata: a single SHA-512
	// over the full content, no chunking, no sparse-hole handling.
	SHA512NoSparse
)

// Extent describes one non-sparse byte range of a file.
type Extent struct {
	Offset int64
	Size   int64
}

// ChunkHash is the per-chunk digest pair used both to build the Merkle tree
// and as the patch-mode comparison unit in C4.
type ChunkHash struct {
	Adler  uint32
	Sha256 [32]byte
}

// PrepareResult is the output of the prepare stage, consumed by the commit
// stage (possibly after crossing a queue boundary, hence it carries no open
// file handles).
type PrepareResult struct {
	Method        Method
	Size          int64
	ShaTree       [32]byte // Merkle root; valid when Method == TreeHash
	ShaFull       [64]byte // full SHA-512; valid when Method == SHA512NoSparse
	ChunkHashes   []ChunkHash
	SparseExtents []Extent
}

// FileExtents walks a file's (offset, size) data ranges using SEEK_DATA /
// SEEK_HOLE, preserving sparse holes rather than hashing them. Filesystems
// that don't implement the two lseek whences report the whole file as one
// extent, which is always correct, just not sparse-aware.
func FileExtents(f *os.File, size int64) ([]Extent, error) {
	if size == 0 {
		return nil, nil
	}
	fd := int(f.Fd())
	var extents []Extent
	pos := int64(0)
	for pos < size {
		dataStart, err := unix.Seek(fd, pos, unix.SEEK_DATA)
		if err != nil {
			if err == unix.ENXIO {
				break // no more data past pos
			}
			return []Extent{{Offset: 0, Size: size}}, nil
		}
		holeStart, err := unix.Seek(fd, dataStart, unix.SEEK_HOLE)
		if err != nil {
			holeStart = size
		}
		if holeStart > size {
			holeStart = size
		}
		extents = append(extents, Extent{Offset: dataStart, Size: holeStart - dataStart})
		pos = holeStart
	}
	// Restore the offset; callers read the file independently of the
	// extent walk.
	if _, err := unix.Seek(fd, 0, io.SeekStart); err != nil {
		return nil, err
	}
	return extents, nil
}

// Prepare runs the prepare stage over f, whose content is size bytes long.
func Prepare(f *os.File, size int64, method Method) (*PrepareResult, error) {
	switch method {
	case SHA512NoSparse:
		return prepareSHA512(f, size)
	default:
		return prepareTreeHash(f, size)
	}
}

func prepareSHA512(f *os.File, size int64) (*PrepareResult, error) {
	h := sha512.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, errors.AddContext(err, "hashpipe: sha512 prepare failed")
	}
	res := &PrepareResult{Method: SHA512NoSparse, Size: size}
	copy(res.ShaFull[:], h.Sum(nil))
	return res, nil
}

func prepareTreeHash(f *os.File, size int64) (*PrepareResult, error) {
	extents, err := FileExtents(f, size)
	if err != nil {
		return nil, errors.AddContext(err, "hashpipe: extent walk failed")
	}
	if extents == nil && size > 0 {
		extents = []Extent{{Offset: 0, Size: size}}
	}

	tree := merkletree.New(sha256.New())
	var chunks []ChunkHash
	var sparse []Extent

	chunkStart := int64(0)
	for chunkStart < size {
		chunkLen := int64(ChunkSize)
		if chunkStart+chunkLen > size {
			chunkLen = size - chunkStart
		}
		buf := make([]byte, chunkLen)
		if extentCoversData(extents, chunkStart, chunkLen) {
			if _, err := f.ReadAt(buf, chunkStart); err != nil && err != io.EOF {
				return nil, errors.AddContext(err, "hashpipe: chunk read failed")
			}
		} else {
			sparse = append(sparse, Extent{Offset: chunkStart, Size: chunkLen})
			// buf stays zeroed; a sparse chunk hashes as all-zero so a
			// receiver reconstructing via hole-punch still matches.
		}

		sum := sha256.Sum256(buf)
		chunks = append(chunks, ChunkHash{Adler: adler32.Checksum(buf), Sha256: sum})
		tree.Push(sum[:])

		chunkStart += chunkLen
	}

	res := &PrepareResult{
		Method:        TreeHash,
		Size:          size,
		ChunkHashes:   chunks,
		SparseExtents: sparse,
	}
	copy(res.ShaTree[:], tree.Root())
	return res, nil
}

// extentCoversData reports whether any data extent overlaps
// [start, start+length).
func extentCoversData(extents []Extent, start, length int64) bool {
	if extents == nil {
		return true
	}
	end := start + length
	for _, e := range extents {
		if e.Offset < end && e.Offset+e.Size > start {
			return true
		}
	}
	return false
}

// EncodeSidecar serializes a PrepareResult's chunk hashes into the
// on-disk sidecar format read back for patch-mode transfers.
func EncodeSidecar(res *PrepareResult) []byte {
	return encoding.Marshal(res.ChunkHashes)
}

// DecodeSidecar parses a sidecar previously written by EncodeSidecar.
func DecodeSidecar(raw []byte) ([]ChunkHash, error) {
	var chunks []ChunkHash
	if err := encoding.Unmarshal(raw, &chunks); err != nil {
		return nil, errors.AddContext(err, "hashpipe: corrupt chunk-hash sidecar")
	}
	return chunks, nil
}

// indexKey builds the file-index equivalence-class key for a prepared
// file, per spec §3/§4.2: TreeHash fills the low 32 bytes with the Merkle
// root, SHA512NoSparse fills all 64 bytes with the full digest.
func indexKey(res *PrepareResult, client model.ClientID, tgroup model.TGroup) model.FileIndexKey {
	key := model.FileIndexKey{Size: res.Size, ClientID: client, TGroup: tgroup}
	switch res.Method {
	case SHA512NoSparse:
		copy(key.ShaHash[:], res.ShaFull[:])
	default:
		copy(key.ShaHash[:], res.ShaTree[:])
	}
	return key
}

// CommitInput is what the commit stage needs beyond the PrepareResult: the
// still-open temporary file (moved into the CAS on a fresh write) and the
// destination naming.
type CommitInput struct {
	Prepare      *PrepareResult
	TempPath     string
	RelPath      string
	RelHashPath  string
	Client       model.ClientID
	TGroup       model.TGroup
	BackupID     model.BackupID
	VerifySample bool // corresponds to !verify_using_client_hashes
}

// Pipeline owns the per-fingerprint build locks guaranteeing at-most-one
// concurrent build per (sha, size, client, tgroup), per spec §4.3.
type Pipeline struct {
	index *fileindex.Index
	store *cas.Store

	mu     sync.Mutex
	inFlight map[model.FileIndexKey]*sync.Mutex
}

// NewPipeline builds a Pipeline over an already-open index and store.
func NewPipeline(index *fileindex.Index, store *cas.Store) *Pipeline {
	return &Pipeline{
		index:    index,
		store:    store,
		inFlight: make(map[model.FileIndexKey]*sync.Mutex),
	}
}

func (p *Pipeline) keyLock(key model.FileIndexKey) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.inFlight[key]
	if !ok {
		l = &sync.Mutex{}
		p.inFlight[key] = l
	}
	return l
}

// Commit runs the commit stage described in spec §4.3: look up the
// prepared fingerprint in the index, hardlink/reflink to an existing
// master, or, when there is none, copy the temp file into the CAS (removing
// the temp file) and index it as a new master. With VerifySample set, a
// master whose first chunk differs from the temp file's makes Commit return
// ErrHashMismatch; nothing is placed then and the temp file is left as is,
// so a failed verification does not fall back to a fresh write. The
// per-fingerprint mutex serializes
// concurrent commits of the same (sha, size, client, tgroup) so the loser
// simply links to the winner's freshly placed file.
func (p *Pipeline) Commit(in CommitInput) (*cas.CasHandle, error) {
	key := indexKey(in.Prepare, in.Client, in.TGroup)

	lock := p.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	if in.VerifySample {
		if ok, err := p.verifySample(key, in.TempPath); err != nil {
			return nil, errors.AddContext(err, "hashpipe: sample verification failed")
		} else if !ok {
			return nil, errors.AddContext(bberrors.ErrHashMismatch, "sample verification against index master failed")
		}
	}

	temp, err := os.Open(in.TempPath)
	if err != nil {
		return nil, errors.AddContext(err, "hashpipe: opening prepared temp file failed")
	}
	defer temp.Close()
	defer os.Remove(in.TempPath)

	sidecar := EncodeSidecar(in.Prepare)
	handle, err := p.store.Place(key, in.RelPath, in.RelHashPath, temp, sidecar, in.BackupID)
	if err != nil {
		return nil, errors.AddContext(err, "hashpipe: place failed")
	}
	return handle, nil
}

// verifySample performs the 1-block sample verification mentioned in spec
// §4.3: it reads the index master's first chunk and compares its bytes
// with the prepared temp file's first chunk, catching an index master whose
// backing file silently rotted or was truncated.
func (p *Pipeline) verifySample(key model.FileIndexKey, tempPath string) (bool, error) {
	master, err := p.index.FindMaster(key)
	if err != nil {
		return false, err
	}
	if master == nil {
		return true, nil // nothing to verify against yet
	}

	tempFirst, err := readFirstChunk(tempPath)
	if err != nil {
		return false, err
	}
	masterPath := p.store.DataPath(master)
	masterFirst, err := readFirstChunk(masterPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return bytes.Equal(tempFirst, masterFirst), nil
}

func readFirstChunk(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, ChunkSize)
	n, err := f.Read(buf)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return buf[:n], nil
}
