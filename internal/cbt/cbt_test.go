package cbt

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/uroni/urbackup-backend-sub003/internal/model"
)

func sectorize(blockCount int64, sectorSize int, setBlocks ...int64) []byte {
	payloadBits := NewBitmap(blockCount)
	for _, b := range setBlocks {
		payloadBits.Set(b)
	}
	magicLen := len(model.SectorMagic)
	payloadPerSector := sectorSize - magicLen
	numSectors := (len(payloadBits.bits) + payloadPerSector - 1) / payloadPerSector
	if numSectors == 0 {
		numSectors = 1
	}
	out := make([]byte, 0, numSectors*sectorSize)
	for s := 0; s < numSectors; s++ {
		out = append(out, []byte(model.SectorMagic)...)
		start := s * payloadPerSector
		end := start + payloadPerSector
		if end > len(payloadBits.bits) {
			end = len(payloadBits.bits)
		}
		chunk := make([]byte, payloadPerSector)
		if start < len(payloadBits.bits) {
			copy(chunk, payloadBits.bits[start:end])
		}
		out = append(out, chunk...)
	}
	return out
}

func TestParseKernelBitmapRoundTrip(t *testing.T) {
	raw := sectorize(64, 16, 0, 5, 63)
	bm, err := ParseKernelBitmap(raw, 16, 64)
	if err != nil {
		t.Fatal(err)
	}
	for _, i := range []int64{0, 5, 63} {
		if !bm.Test(i) {
			t.Fatalf("expected block %d set", i)
		}
	}
	if bm.Test(1) {
		t.Fatal("expected block 1 clear")
	}
}

func TestParseKernelBitmapBadMagic(t *testing.T) {
	raw := sectorize(64, 16, 0)
	raw[0] = 'X'
	if _, err := ParseKernelBitmap(raw, 16, 64); err == nil {
		t.Fatal("expected an error for corrupted sector magic")
	}
}

func TestMergeRequiresMatchingBlockCount(t *testing.T) {
	a := NewBitmap(8)
	b := NewBitmap(16)
	if err := a.Merge(b); err == nil {
		t.Fatal("expected a block count mismatch error")
	}
}

func TestOtherBitmapRoundTrip(t *testing.T) {
	bm := NewBitmap(32)
	bm.Set(3)
	bm.Set(17)
	path := filepath.Join(t.TempDir(), "hdat_other_vol.cbt")
	if err := SaveOtherBitmap(path, bm); err != nil {
		t.Fatal(err)
	}
	loaded, err := LoadOtherBitmap(path, 32)
	if err != nil {
		t.Fatal(err)
	}
	if !loaded.Test(3) || !loaded.Test(17) || loaded.Test(4) {
		t.Fatal("other-bitmap round trip lost or corrupted bits")
	}
}

func TestLoadOtherBitmapMissingIsClear(t *testing.T) {
	bm, err := LoadOtherBitmap(filepath.Join(t.TempDir(), "missing.cbt"), 16)
	if err != nil {
		t.Fatal(err)
	}
	for i := int64(0); i < 16; i++ {
		if bm.Test(i) {
			t.Fatal("expected a fresh clear bitmap for a missing file")
		}
	}
}

type fakeCbtDriver struct {
	sectorSize    int
	bitmap        []byte
	resetStarts   int
	resetFinishes int
	failRetrieve  bool
}

func (f *fakeCbtDriver) ResetStart(volume string) error {
	f.resetStarts++
	return nil
}

func (f *fakeCbtDriver) RetrieveBitmap(volume string) ([]byte, error) {
	if f.failRetrieve {
		return nil, os.ErrInvalid
	}
	return f.bitmap, nil
}

func (f *fakeCbtDriver) ApplyBitmap(volume string, captured []byte) ([]byte, error) {
	return captured, nil
}

func (f *fakeCbtDriver) ResetFinish(volume string) error {
	f.resetFinishes++
	return nil
}

func (f *fakeCbtDriver) SectorSize(volume string) (int, error) {
	return f.sectorSize, nil
}

func TestEngineFinishZeroesImageSlots(t *testing.T) {
	const blockCount = 8
	driver := &fakeCbtDriver{sectorSize: 16, bitmap: sectorize(blockCount, 16, 2)}
	dir := t.TempDir()
	engine := New(driver, dir, nil)

	sess, err := engine.Prepare("vol0", blockCount, true, 7)
	if err != nil {
		t.Fatal(err)
	}
	if err := engine.Finish(sess, nil); err != nil {
		t.Fatal(err)
	}
	if driver.resetFinishes != 1 {
		t.Fatalf("expected reset_finish to be called once, got %d", driver.resetFinishes)
	}

	raw, err := os.ReadFile(engine.imgPath("vol0"))
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) < imgHeaderSize+3*imgEntrySize {
		t.Fatalf("image hash-data file too short: %d bytes", len(raw))
	}
	slot := raw[imgHeaderSize+2*imgEntrySize : imgHeaderSize+3*imgEntrySize]
	for _, b := range slot {
		if b != 0 {
			t.Fatal("expected the changed block's slot to be zeroed")
		}
	}
}

func TestEngineFinishOverZeroesPrecedingFileSlot(t *testing.T) {
	const blockCount = 8
	driver := &fakeCbtDriver{sectorSize: 16, bitmap: sectorize(blockCount, 16, 4)}
	dir := t.TempDir()
	engine := New(driver, dir, nil)

	// Pre-fill the file hash-data file with nonzero bytes so zeroing is
	// observable, including the slot one entry before the set bit.
	path := engine.filePath("vol0")
	fill := make([]byte, (blockCount+1)*fileEntrySize)
	for i := range fill {
		fill[i] = 0xff
	}
	if err := os.WriteFile(path, fill, 0640); err != nil {
		t.Fatal(err)
	}

	sess, err := engine.Prepare("vol0", blockCount, false, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := engine.Finish(sess, nil); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	checkZero := func(idx int64) {
		slot := raw[idx*fileEntrySize : (idx+1)*fileEntrySize]
		for _, b := range slot {
			if b != 0 {
				t.Fatalf("expected entry %d zeroed, found nonzero byte", idx)
			}
		}
	}
	checkZero(4)
	checkZero(3)
	slot5 := raw[5*fileEntrySize : 6*fileEntrySize]
	for _, b := range slot5 {
		if b != 0xff {
			t.Fatal("did not expect entry 5 (unrelated slot) to be touched")
		}
	}
}

func TestEngineFinishDisablesCbtOnFailure(t *testing.T) {
	const blockCount = 4
	driver := &fakeCbtDriver{sectorSize: 16, failRetrieve: true}
	dir := t.TempDir()
	engine := New(driver, dir, nil)

	// Seed existing hash-data files so disableCbt has something to rename
	// away.
	if err := os.WriteFile(engine.imgPath("vol0"), []byte("stale"), 0640); err != nil {
		t.Fatal(err)
	}

	sess, err := engine.Prepare("vol0", blockCount, true, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := engine.Finish(sess, nil); err == nil {
		t.Fatal("expected Finish to fail when retrieve_bitmap fails")
	}
	if _, err := os.Stat(engine.imgPath("vol0")); !os.IsNotExist(err) {
		t.Fatal("expected disableCbt to have removed the stale hash-data file")
	}
	if driver.resetStarts != 2 {
		t.Fatalf("expected reset_start once for Prepare and once for re-engaging after disable, got %d", driver.resetStarts)
	}
}
