package persist

import (
	"bytes"
	"encoding/base32"
	"encoding/hex"
	"encoding/json"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/uplo-tech/encoding"
	"github.com/uplo-tech/errors"
	"github.com/uplo-tech/fastrand"

	"github.com/uroni/urbackup-backend-sub003/build"
)

const (
	// DefaultDiskPermissionsTest when creating files or directories in tests.
	DefaultDiskPermissionsTest = 0750

	// FixedMetadataSize is the size of the FixedMetadata header in bytes
	FixedMetadataSize = 32

	// defaultDirPermissions is the default permissions when creating dirs.
	defaultDirPermissions = 0700

	// defaultFilePermissions is the default permissions when creating files.
	defaultFilePermissions = 0600

	// persistDir defines the folder that is used for testing the persist
	// package.
	persistDir = "persist"

	// randomBytes is the number of bytes to use to ensure sufficient randomness
	randomBytes = 20

	// tempSuffix is the suffix that is applied to the temporary/backup versions
	// of the files being persisted.
	tempSuffix = "_temp"
)

var (
	// ErrBadFilenameSuffix indicates that SaveJSON or LoadJSON was called using
	// a filename that has a bad suffix. This prevents users from trying to use
	// this package to manage the temp files - this package will manage them
	// automatically.
	ErrBadFilenameSuffix = errors.New("filename suffix not allowed")

	// ErrBadHeader indicates that the file opened is not the file that was
	// expected.
	ErrBadHeader = errors.New("wrong header")

	// ErrBadVersion indicates that the version number of the file is not
	// compatible with the current codebase.
	ErrBadVersion = errors.New("incompatible version")

	// ErrFileInUse is returned if SaveJSON or LoadJSON is called on a file
	// that's already being manipulated in another thread by the persist
	// package.
	ErrFileInUse = errors.New("another thread is saving or loading this file")
)

var (
	// activeFiles is a map tracking which filenames are currently being used
	// for saving and loading. There should never be a situation where the same
	// file is being called twice from different threads, as the persist package
	// has no way to tell what order they were intended to be called.
	activeFiles   = make(map[string]struct{})
	activeFilesMu sync.Mutex
)

// Specifier is a fixed-size identifier, used where a header or version
// needs a stable on-disk width (e.g. FixedMetadata).
type Specifier [16]byte

// NewSpecifier creates a specifier from the given string, which must fit in
// 16 bytes.
func NewSpecifier(str string) (s Specifier) {
	if len(str) > len(s) {
		build.Critical("NewSpecifier called with a too-long string: " + str)
	}
	copy(s[:], str)
	return
}

var (
	// MetadataVersionv150 is a common metadata version specifier used by
	// FixedMetadata-backed formats.
	MetadataVersionv150 = NewSpecifier("v1.5.0\n")
)

// Metadata contains the header and version of the data being stored.
type Metadata struct {
	Header  string
	Version string
}

// FixedMetadata contains the header and version of the data being stored as a
// fixed-length byte-array.
type FixedMetadata struct {
	Header  Specifier
	Version Specifier
}

// RandomSuffix returns a 20 character base32 suffix for a filename. There are
// 100 bits of entropy, and a very low probability of colliding with existing
// files unintentionally.
func RandomSuffix() string {
	str := base32.StdEncoding.EncodeToString(fastrand.Bytes(randomBytes))
	return str[:20]
}

// UID returns a hexadecimal encoded string that can be used as an unique ID.
func UID() string {
	return hex.EncodeToString(fastrand.Bytes(randomBytes))
}

// RemoveFile removes an atomic file from disk, along with any uncommitted
// or temporary files.
func RemoveFile(filename string) error {
	err := os.RemoveAll(filename)
	if err != nil {
		return err
	}
	// SaveJSON names its temp files filename+tempSuffix+RandomSuffix().
	temps, err := filepath.Glob(filename + tempSuffix + "*")
	if err != nil {
		return err
	}
	for _, tmp := range temps {
		if err := os.RemoveAll(tmp); err != nil {
			return err
		}
	}
	return nil
}

// VerifyMetadataHeader will take in a reader and an expected metadata header,
// if the file's header has a different header or version it will return the
// corresponding error and the actual metadata header
func VerifyMetadataHeader(r io.Reader, expected FixedMetadata) (FixedMetadata, error) {
	b := make([]byte, FixedMetadataSize)

	// Read metadata from file
	_, err := r.Read(b)
	if err != nil {
		return FixedMetadata{}, errors.AddContext(err, "could not read metadata header")
	}
	actual := FixedMetadata{}
	err = encoding.Unmarshal(b[:], &actual)
	if err != nil {
		return actual, errors.AddContext(err, "could not decode metadata header")
	}

	// Verify metadata header and version
	if !bytes.Equal(actual.Header[:], expected.Header[:]) {
		return actual, ErrBadHeader
	}
	if !bytes.Equal(actual.Version[:], expected.Version[:]) {
		return actual, ErrBadVersion
	}

	return actual, nil
}

// jsonFile is the on-disk layout written by SaveJSON: a Metadata header
// followed by the caller's object, both JSON-encoded.
type jsonFile struct {
	Metadata
	Data json.RawMessage
}

// lockFile marks filename as in-use by the persist package, returning
// ErrBadFilenameSuffix if its base name contains tempSuffix, or
// ErrFileInUse if another goroutine is already using it.
func lockFile(filename string) error {
	if strings.Contains(filepath.Base(filename), tempSuffix) {
		return ErrBadFilenameSuffix
	}
	activeFilesMu.Lock()
	defer activeFilesMu.Unlock()
	if _, exists := activeFiles[filename]; exists {
		return ErrFileInUse
	}
	activeFiles[filename] = struct{}{}
	return nil
}

// unlockFile releases filename for future Save/LoadJSON calls.
func unlockFile(filename string) {
	activeFilesMu.Lock()
	defer activeFilesMu.Unlock()
	delete(activeFiles, filename)
}

// SaveJSON saves a JSON-marshalable object, tagged with the given metadata,
// to filename. The write is atomic: the object is written to a temp file
// first, synced, and then renamed over filename.
func SaveJSON(meta Metadata, object interface{}, filename string) error {
	if err := lockFile(filename); err != nil {
		return err
	}
	defer unlockFile(filename)

	data, err := json.MarshalIndent(object, "", "\t")
	if err != nil {
		return errors.AddContext(err, "unable to marshal object")
	}
	full := jsonFile{Metadata: meta, Data: data}
	full.Data = data
	buf, err := json.MarshalIndent(full, "", "\t")
	if err != nil {
		return errors.AddContext(err, "unable to marshal persisted file")
	}

	if err := os.MkdirAll(filepath.Dir(filename), defaultDirPermissions); err != nil {
		return errors.AddContext(err, "unable to create parent directory")
	}
	tmpFilename := filename + tempSuffix + RandomSuffix()
	f, err := os.OpenFile(tmpFilename, os.O_RDWR|os.O_CREATE|os.O_TRUNC, defaultFilePermissions)
	if err != nil {
		return errors.AddContext(err, "unable to open temp file")
	}
	if _, err := f.Write(buf); err != nil {
		_ = f.Close()
		return errors.Compose(errors.AddContext(err, "unable to write temp file"), os.Remove(tmpFilename))
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return errors.Compose(err, os.Remove(tmpFilename))
	}
	if err := f.Close(); err != nil {
		return errors.Compose(err, os.Remove(tmpFilename))
	}
	return os.Rename(tmpFilename, filename)
}

// LoadJSON loads a JSON-marshaled object that was stored with SaveJSON,
// verifying that its metadata matches meta.
func LoadJSON(meta Metadata, object interface{}, filename string) error {
	if err := lockFile(filename); err != nil {
		return err
	}
	defer unlockFile(filename)

	raw, err := ioutil.ReadFile(filename)
	if err != nil {
		return err
	}
	var full jsonFile
	if err := json.Unmarshal(raw, &full); err != nil {
		return errors.AddContext(err, "unable to parse persisted file")
	}
	if full.Header != meta.Header {
		return ErrBadHeader
	}
	if full.Version != meta.Version {
		return ErrBadVersion
	}
	return json.Unmarshal(full.Data, object)
}
