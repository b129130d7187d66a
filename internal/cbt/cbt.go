// Package cbt implements C6, the change-block-tracking engine: it turns a
// kernel-reported per-volume bitmap into zeroed slots in two persistent
// per-volume hash-data files, so a later backup can skip hashing blocks the
// kernel says are unchanged. The kernel/driver side (Windows IOCTLs, Linux
// datto/dm-era) is abstracted behind CbtDriver; this package only owns the
// bitmap parsing/merging and the hash-data file bookkeeping.
package cbt

import (
	"crypto/md5"
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"

	"github.com/uplo-tech/errors"
	"github.com/uplo-tech/fastrand"
	"github.com/uplo-tech/log"
	"golang.org/x/sys/unix"

	"github.com/uroni/urbackup-backend-sub003/internal/bberrors"
	"github.com/uroni/urbackup-backend-sub003/internal/model"
)

// imgHeaderSize is sizeof(shadow_id) at the front of hdat_img_<vol>.dat.
const imgHeaderSize = 4

// imgEntrySize is the sha256 payload stored per block in hdat_img_<vol>.dat.
const imgEntrySize = 32

// fileHashPayloadSize is chunkhash_size: the hashpipe.ChunkHash wire size
// (a uint32 adler checksum plus a sha256 digest).
const fileHashPayloadSize = 4 + 32

// fileEntrySize is sizeof(u16)+chunkhash_size per block in
// hdat_file_<vol>.dat.
const fileEntrySize = 2 + fileHashPayloadSize

// Bitmap is a per-volume bit-per-block map, block size model.BlockSize.
type Bitmap struct {
	blockCount int64
	bits       []byte // 1 bit per block, packed LSB first
}

// NewBitmap allocates an all-clear bitmap for blockCount blocks.
func NewBitmap(blockCount int64) *Bitmap {
	return &Bitmap{blockCount: blockCount, bits: make([]byte, (blockCount+7)/8)}
}

// BlockCount returns the number of blocks this bitmap covers.
func (b *Bitmap) BlockCount() int64 { return b.blockCount }

// Set marks block i as changed.
func (b *Bitmap) Set(i int64) {
	b.bits[i/8] |= 1 << uint(i%8)
}

// Test reports whether block i is marked changed.
func (b *Bitmap) Test(i int64) bool {
	return b.bits[i/8]&(1<<uint(i%8)) != 0
}

// Merge ORs other into b in place. Both bitmaps must cover the same number
// of blocks.
func (b *Bitmap) Merge(other *Bitmap) error {
	if other == nil {
		return nil
	}
	if other.blockCount != b.blockCount {
		return errors.New("cbt: bitmap block count mismatch on merge")
	}
	for i := range b.bits {
		b.bits[i] |= other.bits[i]
	}
	return nil
}

// ForEachSet calls fn once per set bit, in ascending block order.
func (b *Bitmap) ForEachSet(fn func(i int64)) {
	for i := int64(0); i < b.blockCount; i++ {
		if b.Test(i) {
			fn(i)
		}
	}
}

// ParseKernelBitmap decodes the driver's on-wire bitmap: sectorSize-byte
// sectors, each beginning with the 13-byte SectorMagic, the remainder being
// packed payload bits. Every sector's magic is verified; a single corrupt
// sector fails the whole bitmap, per spec (the volume is then treated as
// fully changed by the caller).
func ParseKernelBitmap(raw []byte, sectorSize int, blockCount int64) (*Bitmap, error) {
	magicLen := len(model.SectorMagic)
	if sectorSize <= magicLen {
		return nil, errors.New("cbt: sector size too small for magic")
	}
	if len(raw)%sectorSize != 0 {
		return nil, errors.New("cbt: bitmap length is not a multiple of the sector size")
	}
	payloadPerSector := sectorSize - magicLen
	numSectors := len(raw) / sectorSize
	payload := make([]byte, 0, numSectors*payloadPerSector)
	for s := 0; s < numSectors; s++ {
		sector := raw[s*sectorSize : (s+1)*sectorSize]
		if string(sector[:magicLen]) != model.SectorMagic {
			return nil, errors.AddContext(bberrors.ErrSnapshot, "cbt: bad sector magic")
		}
		payload = append(payload, sector[magicLen:]...)
	}
	wantBytes := (blockCount + 7) / 8
	if int64(len(payload)) < wantBytes {
		return nil, errors.New("cbt: bitmap payload shorter than block count requires")
	}
	return &Bitmap{blockCount: blockCount, bits: payload[:wantBytes]}, nil
}

// EncodeOtherBitmap serializes b for persistence as hdat_other_<vol>.cbt,
// prefixed with a 16-byte MD5 digest guarding the file against partial
// writes or bitrot.
func EncodeOtherBitmap(b *Bitmap) []byte {
	sum := md5.Sum(b.bits)
	out := make([]byte, 0, 16+len(b.bits))
	out = append(out, sum[:]...)
	out = append(out, b.bits...)
	return out
}

// DecodeOtherBitmap parses a file written by EncodeOtherBitmap, verifying
// its MD5 prefix.
func DecodeOtherBitmap(raw []byte, blockCount int64) (*Bitmap, error) {
	if len(raw) < 16 {
		return nil, errors.New("cbt: other-bitmap file too short")
	}
	prefix, body := raw[:16], raw[16:]
	sum := md5.Sum(body)
	if string(prefix) != string(sum[:]) {
		return nil, errors.New("cbt: other-bitmap file checksum mismatch")
	}
	wantBytes := int((blockCount + 7) / 8)
	if len(body) < wantBytes {
		return nil, errors.New("cbt: other-bitmap file shorter than block count requires")
	}
	return &Bitmap{blockCount: blockCount, bits: body[:wantBytes]}, nil
}

// LoadOtherBitmap reads path if it exists, returning a fresh all-clear
// bitmap when it does not (first run for this volume).
func LoadOtherBitmap(path string, blockCount int64) (*Bitmap, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return NewBitmap(blockCount), nil
	}
	if err != nil {
		return nil, err
	}
	return DecodeOtherBitmap(raw, blockCount)
}

// SaveOtherBitmap persists b to path.
func SaveOtherBitmap(path string, b *Bitmap) error {
	return os.WriteFile(path, EncodeOtherBitmap(b), 0640)
}

// CbtDriver is the abstract platform collaborator: the Windows IOCTL driver,
// Linux datto/dm-era backends, spec §1's explicit scoping-out of kernel
// interfaces.
type CbtDriver interface {
	// ResetStart begins tracking a fresh checkpoint for volume.
	ResetStart(volume string) error
	// RetrieveBitmap returns the raw sector-framed bitmap of blocks changed
	// since the last ResetStart/ResetFinish cycle.
	RetrieveBitmap(volume string) ([]byte, error)
	// ApplyBitmap merges a bitmap captured on the shadow copy itself (the
	// IOCTL_URBCT_APPLY_BITMAP step) and returns the merged sector-framed
	// result.
	ApplyBitmap(volume string, captured []byte) ([]byte, error)
	// ResetFinish commits the checkpoint, making RetrieveBitmap report
	// deltas relative to this point going forward.
	ResetFinish(volume string) error
	// SectorSize reports the kernel bitmap's sector size for volume
	// (typically 4096).
	SectorSize(volume string) (int, error)
}

// HashStore owns the two per-volume hash-data files backing the CBT skip
// decision: hdat_img_<vol>.dat for image backups, hdat_file_<vol>.dat for
// file backups.
type HashStore struct {
	imgPath, filePath string
	img, file         *os.File
}

// OpenHashStore opens (creating if absent) both hash-data files for a
// volume.
func OpenHashStore(imgPath, filePath string) (*HashStore, error) {
	img, err := os.OpenFile(imgPath, os.O_RDWR|os.O_CREATE, 0640)
	if err != nil {
		return nil, err
	}
	file, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE, 0640)
	if err != nil {
		img.Close()
		return nil, err
	}
	return &HashStore{imgPath: imgPath, filePath: filePath, img: img, file: file}, nil
}

// ZeroImageSlot zeroes (hole-punching where supported) the 32-byte sha256
// slot for blockIndex in the image hash-data file, and stamps the current
// shadow_id into the file's 4-byte header.
func (h *HashStore) ZeroImageSlot(shadowID uint32, blockIndex int64) error {
	var hdr [imgHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[:], shadowID)
	if _, err := h.img.WriteAt(hdr[:], 0); err != nil {
		return err
	}
	off := int64(imgHeaderSize) + blockIndex*imgEntrySize
	return punchOrZero(h.img, off, imgEntrySize)
}

// ZeroFileSlot zeroes the chunkhash entry for blockIndex in the file
// hash-data file.
func (h *HashStore) ZeroFileSlot(blockIndex int64) error {
	off := blockIndex * fileEntrySize
	return punchOrZero(h.file, off, fileEntrySize)
}

// Sync fsyncs both hash-data files.
func (h *HashStore) Sync() error {
	if err := h.img.Sync(); err != nil {
		return err
	}
	return h.file.Sync()
}

// Close closes both underlying files.
func (h *HashStore) Close() error {
	err1 := h.img.Close()
	err2 := h.file.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

func punchOrZero(f *os.File, offset, size int64) error {
	err := unix.Fallocate(int(f.Fd()), unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, offset, size)
	if err == nil {
		// A punch past EOF leaves the file short (KEEP_SIZE); extend it so
		// the slot exists and reads back as zeros.
		info, err := f.Stat()
		if err != nil {
			return err
		}
		if info.Size() < offset+size {
			return f.Truncate(offset + size)
		}
		return nil
	}
	zeros := make([]byte, size)
	_, err = f.WriteAt(zeros, offset)
	return err
}

// Session is one prepare/finish cycle for a single volume, holding the
// cross-process-mutex stand-in (see Engine.volumeLock) for its duration.
type Session struct {
	volume     string
	sectorSize int
	blockCount int64
	forImage   bool
	shadowID   uint32
	hashStore  *HashStore
	otherPath  string
}

// Engine runs prepare/finish/disable for one or more volumes' CBT state.
// Each volume has an in-process mutex standing in for the cross-process
// cbt_mutex: a successful Prepare takes it and Finish releases it, so it is
// held across the whole Prepare..Finish span. There is no OS-named mutex, so
// two independent server processes are not serialized against each other.
type Engine struct {
	mu      sync.Mutex
	driver  CbtDriver
	log     *log.Logger
	dataDir string

	locks map[string]*sync.Mutex
}

// New builds an Engine. dataDir holds the per-volume hash-data and
// cross-consumer bitmap files.
func New(driver CbtDriver, dataDir string, logger *log.Logger) *Engine {
	return &Engine{driver: driver, dataDir: dataDir, log: logger, locks: make(map[string]*sync.Mutex)}
}

func (e *Engine) volumeLock(volume string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[volume]
	if !ok {
		l = &sync.Mutex{}
		e.locks[volume] = l
	}
	return l
}

func (e *Engine) imgPath(volume string) string {
	return filepath.Join(e.dataDir, "hdat_img_"+sanitizeVolume(volume)+".dat")
}

func (e *Engine) filePath(volume string) string {
	return filepath.Join(e.dataDir, "hdat_file_"+sanitizeVolume(volume)+".dat")
}

func (e *Engine) otherBitmapPath(volume string) string {
	return filepath.Join(e.dataDir, "hdat_other_"+sanitizeVolume(volume)+".cbt")
}

func sanitizeVolume(volume string) string {
	out := make([]rune, 0, len(volume))
	for _, r := range volume {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

// Prepare is step 1, reset_start: it locks the volume and engages the
// driver's checkpoint.
func (e *Engine) Prepare(volume string, blockCount int64, forImage bool, shadowID uint32) (*Session, error) {
	lock := e.volumeLock(volume)
	lock.Lock()
	if err := e.driver.ResetStart(volume); err != nil {
		lock.Unlock()
		return nil, errors.AddContext(bberrors.ErrSnapshot, "cbt: reset_start failed: "+err.Error())
	}
	sectorSize, err := e.driver.SectorSize(volume)
	if err != nil {
		lock.Unlock()
		return nil, errors.AddContext(bberrors.ErrSnapshot, err.Error())
	}
	return &Session{
		volume:     volume,
		sectorSize: sectorSize,
		blockCount: blockCount,
		forImage:   forImage,
		shadowID:   shadowID,
		otherPath:  e.otherBitmapPath(volume),
	}, nil
}

// Finish is step 2: it reads the kernel bitmap, merges it with the bitmap
// captured on the shadow copy and the cross-consumer hdat_other bitmap, then
// zeroes every affected slot in the appropriate hash-data file before
// committing the driver's checkpoint. Any failure along the way disables
// CBT for this volume instead of leaving half-applied state.
func (e *Engine) Finish(s *Session, capturedBitmap []byte) (err error) {
	defer e.volumeLock(s.volume).Unlock()

	store, err := OpenHashStore(e.imgPath(s.volume), e.filePath(s.volume))
	if err != nil {
		return e.fail(s, nil, err)
	}
	s.hashStore = store

	merged, err := e.mergedBitmap(s, capturedBitmap)
	if err != nil {
		return e.fail(s, store, err)
	}

	if err := e.applySlots(s, store, merged); err != nil {
		return e.fail(s, store, err)
	}

	if err := store.Sync(); err != nil {
		return e.fail(s, store, err)
	}

	if err := SaveOtherBitmap(s.otherPath, NewBitmap(s.blockCount)); err != nil {
		return e.fail(s, store, err)
	}

	if err := e.driver.ResetFinish(s.volume); err != nil {
		return e.fail(s, store, err)
	}
	return store.Close()
}

func (e *Engine) mergedBitmap(s *Session, capturedBitmap []byte) (*Bitmap, error) {
	kernelRaw, err := e.driver.RetrieveBitmap(s.volume)
	if err != nil {
		return nil, errors.AddContext(err, "cbt: retrieve_bitmap failed")
	}
	merged, err := ParseKernelBitmap(kernelRaw, s.sectorSize, s.blockCount)
	if err != nil {
		return nil, err
	}

	if len(capturedBitmap) > 0 {
		appliedRaw, err := e.driver.ApplyBitmap(s.volume, capturedBitmap)
		if err != nil {
			return nil, errors.AddContext(err, "cbt: apply_bitmap failed")
		}
		applied, err := ParseKernelBitmap(appliedRaw, s.sectorSize, s.blockCount)
		if err != nil {
			return nil, err
		}
		if err := merged.Merge(applied); err != nil {
			return nil, err
		}
	}

	other, err := LoadOtherBitmap(s.otherPath, s.blockCount)
	if err != nil {
		return nil, errors.AddContext(err, "cbt: loading hdat_other bitmap failed")
	}
	if err := merged.Merge(other); err != nil {
		return nil, err
	}
	return merged, nil
}

// applySlots zeroes the hash-data slot for every changed block. For a file
// backup it also zeroes the slot immediately preceding a block transitioning
// from unset to set, over-zeroing by one entry to cover writes that started
// unaligned with a block boundary.
func (e *Engine) applySlots(s *Session, store *HashStore, bitmap *Bitmap) error {
	var firstErr error
	if s.forImage {
		bitmap.ForEachSet(func(i int64) {
			if firstErr != nil {
				return
			}
			if err := store.ZeroImageSlot(s.shadowID, i); err != nil {
				firstErr = err
			}
		})
		return firstErr
	}

	bitmap.ForEachSet(func(i int64) {
		if firstErr != nil {
			return
		}
		if err := store.ZeroFileSlot(i); err != nil {
			firstErr = err
			return
		}
		if i > 0 && !bitmap.Test(i-1) {
			if err := store.ZeroFileSlot(i - 1); err != nil {
				firstErr = err
			}
		}
	})
	return firstErr
}

// fail closes store (if open), runs disableCbt, and returns the wrapped
// original error.
func (e *Engine) fail(s *Session, store *HashStore, cause error) error {
	if store != nil {
		store.Close()
	}
	if dErr := e.disableCbt(s.volume); dErr != nil {
		e.logf("cbt: disableCbt(%s) itself failed: %v", s.volume, dErr)
	}
	return errors.AddContext(bberrors.ErrSnapshot, "cbt: "+cause.Error())
}

// disableCbt renames both hash-data files to a random name, deletes them,
// and asks the driver to re-engage tracking from scratch so the next run
// starts clean rather than trusting a half-written bitmap state.
func (e *Engine) disableCbt(volume string) error {
	for _, path := range []string{e.imgPath(volume), e.filePath(volume)} {
		if err := renameAndDelete(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	if err := e.driver.ResetStart(volume); err != nil {
		e.logf("cbt: re-engaging driver for %s after disable failed: %v", volume, err)
	}
	return nil
}

func renameAndDelete(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	var suffix [8]byte
	fastrand.Read(suffix[:])
	tmp := path + ".disabled-" + hexEncode(suffix[:])
	if err := os.Rename(path, tmp); err != nil {
		return err
	}
	return os.Remove(tmp)
}

func hexEncode(b []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hextable[c>>4]
		out[i*2+1] = hextable[c&0x0f]
	}
	return string(out)
}

func (e *Engine) logf(format string, args ...interface{}) {
	if e.log != nil {
		e.log.Printf(format, args...)
	}
}
