// Package cas implements the content-addressed store (C1): it gives every
// successfully received file an on-disk location shared with every other
// identical file whenever possible, via hardlinks first, then reflinks,
// falling back to a fresh write.
package cas

import (
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/uplo-tech/encoding"
	"github.com/uplo-tech/errors"
	"github.com/uplo-tech/log"
	"github.com/uplo-tech/writeaheadlog"

	"github.com/uroni/urbackup-backend-sub003/internal/bberrors"
	"github.com/uroni/urbackup-backend-sub003/internal/fileindex"
	"github.com/uroni/urbackup-backend-sub003/internal/model"
)

// defaultLinkLimit is the hardlink ceiling below which place() still
// attempts to hardlink to the master. ext4/xfs both tolerate a few tens of
// thousands of links per inode; this is a conservative default that leaves
// headroom before the filesystem refuses with EMLINK.
const defaultLinkLimit = 30000

const linkJournalUpdateName = "cas-link-rename"

// PlaceResult describes how place() satisfied a request.
type PlaceResult int

const (
	// ResultFresh means the bytes were written out as a new file.
	ResultFresh PlaceResult = iota
	// ResultLinked means a hardlink to an existing master was created.
	ResultLinked
	// ResultReflinked means a copy-on-write clone of the master was made.
	ResultReflinked
)

func (r PlaceResult) String() string {
	switch r {
	case ResultLinked:
		return "linked"
	case ResultReflinked:
		return "reflinked"
	default:
		return "fresh"
	}
}

// CasHandle is the result of a place() call.
type CasHandle struct {
	Path     string
	HashPath string
	Result   PlaceResult
	Entry    *model.FileEntry
}

// Store is the content-addressed store for one backup-folder root.
type Store struct {
	mu sync.Mutex

	root     string // e.g. <backup_folder>
	hashRoot string // e.g. <backup_folder>/.hashes

	index     *fileindex.Index
	wal       *writeaheadlog.WAL
	log       *log.Logger
	linkLimit int
}

// linkRenameUpdate is what gets journaled while a hardlink is being made
// visible: the temporary link (already created) and the final name it is
// being renamed to.
type linkRenameUpdate struct {
	TempPath string
	FinalPath string
}

// Open opens (or creates) a content-addressed store rooted at root, with
// hash sidecars rooted at hashRoot, journaling hardlink renames to walPath.
// Any link-rename transactions left pending from a prior crash are replayed
// before Open returns, per replay_journal().
func Open(root, hashRoot, walPath string, index *fileindex.Index, logger *log.Logger) (*Store, error) {
	if err := os.MkdirAll(root, 0750); err != nil {
		return nil, errors.AddContext(err, "cas: unable to create backup root")
	}
	if err := os.MkdirAll(hashRoot, 0750); err != nil {
		return nil, errors.AddContext(err, "cas: unable to create hash root")
	}

	options := writeaheadlog.Options{Path: walPath}
	if logger != nil {
		options.StaticLog = logger
	}
	txns, wal, err := writeaheadlog.NewWithOptions(options)
	if err != nil {
		return nil, errors.AddContext(err, "cas: unable to open link journal")
	}

	s := &Store{
		root:      root,
		hashRoot:  hashRoot,
		index:     index,
		wal:       wal,
		log:       logger,
		linkLimit: defaultLinkLimit,
	}
	if err := s.replayJournal(txns); err != nil {
		return nil, err
	}
	return s, nil
}

// Close closes the link journal.
func (s *Store) Close() error {
	return s.wal.Close()
}

// replayJournal is replay_journal(): every pending transaction describes a
// hardlink rename (<name>.new -> <name>) that may or may not have completed
// before the crash. Replaying is idempotent: if the final name already
// exists the temp link is simply discarded, otherwise the rename is
// finished.
func (s *Store) replayJournal(txns []*writeaheadlog.Transaction) error {
	for _, txn := range txns {
		applied := true
		for _, update := range txn.Updates {
			if update.Name != linkJournalUpdateName {
				applied = false
				continue
			}
			var u linkRenameUpdate
			if err := encoding.Unmarshal(update.Instructions, &u); err != nil {
				applied = false
				s.logf("cas: unreadable link journal update, skipping: %v", err)
				continue
			}
			if err := finishLinkRename(u); err != nil {
				return errors.AddContext(err, "cas: failed to replay link journal")
			}
		}
		if applied {
			if err := txn.SignalUpdatesApplied(); err != nil {
				return errors.AddContext(err, "cas: failed to signal replayed link journal transaction")
			}
		}
	}
	return nil
}

// finishLinkRename completes (or no-ops) one hardlink-rename step.
func finishLinkRename(u linkRenameUpdate) error {
	if _, err := os.Stat(u.FinalPath); err == nil {
		// Already completed; discard the leftover temp link if still there.
		_ = os.Remove(u.TempPath)
		return nil
	}
	if _, err := os.Stat(u.TempPath); err != nil {
		// Neither name exists: nothing to do, the link attempt never got
		// far enough to matter.
		return nil
	}
	return os.Rename(u.TempPath, u.FinalPath)
}

func (s *Store) logf(format string, args ...interface{}) {
	if s.log != nil {
		s.log.Printf(format, args...)
	}
}

// reservedWindowsNames mirrors the Windows device namespace; used by
// fixFilenameForOS even on non-Windows hosts so that backups taken from
// Windows clients remain portable across server platforms.
var reservedWindowsNames = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true, "COM5": true,
	"COM6": true, "COM7": true, "COM8": true, "COM9": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true, "LPT5": true,
	"LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
}

var invalidNameChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)

const maxNameLen = 200

// fixFilenameForOS rewrites a path so that every path component is a valid
// filename on the host OS: disallowed characters are replaced, reserved
// device names and trailing dots/spaces are suffixed, and overlong
// components are shortened and disambiguated with a deterministic short
// hash of the original name so two different long names never collide.
func fixFilenameForOS(relPath string) string {
	parts := strings.Split(filepath.ToSlash(relPath), "/")
	for i, p := range parts {
		parts[i] = fixNameComponent(p)
	}
	return filepath.Join(parts...)
}

func fixNameComponent(name string) string {
	if name == "" || name == "." || name == ".." {
		return name
	}
	fixed := invalidNameChars.ReplaceAllString(name, "_")
	fixed = strings.TrimRight(fixed, " .")
	if fixed == "" {
		fixed = "_"
	}
	base := fixed
	ext := ""
	if i := strings.LastIndexByte(fixed, '.'); i > 0 {
		base, ext = fixed[:i], fixed[i:]
	}
	if reservedWindowsNames[strings.ToUpper(base)] {
		fixed = base + "_" + shortHash(name) + ext
	}
	if len(fixed) > maxNameLen {
		suffix := "~" + shortHash(name)
		keep := maxNameLen - len(suffix) - len(ext)
		if keep < 1 {
			keep = 1
		}
		if keep > len(base) {
			keep = len(base)
		}
		fixed = base[:keep] + suffix + ext
	}
	return fixed
}

// shortHash is the deterministic short hash used to disambiguate collisions
// created by fixNameComponent (two different long names truncating to the
// same prefix, or two different names needing the same reserved-name
// suffix).
func shortHash(name string) string {
	var h uint32 = 2166136261
	for i := 0; i < len(name); i++ {
		h ^= uint32(name[i])
		h *= 16777619
	}
	const hex = "0123456789abcdef"
	buf := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		buf[i] = hex[h&0xf]
		h >>= 4
	}
	return string(buf)
}

// Place is place(): it resolves the destination for a received file,
// preferring a hardlink to an existing master in the file index, then a
// reflink, and finally a fresh write of data. hashSidecar is the pipeline's
// already-computed chunk-hash sidecar content, written next to the data
// file on a fresh write (and hardlinked/reflinked alongside the data file
// otherwise).
func (s *Store) Place(key model.FileIndexKey, relPath, relHashPath string, data io.Reader, hashSidecar []byte, backupID model.BackupID) (*CasHandle, error) {
	return s.place(key, relPath, relHashPath, data, hashSidecar, backupID, false)
}

// PlacePartial is Place for an incompletely received file: the resulting
// FileEntry is recorded with Partial set before it is indexed, so S6's
// partial tracking survives in the index itself rather than only in the
// scheduler's in-memory download_partial_ids.
func (s *Store) PlacePartial(key model.FileIndexKey, relPath, relHashPath string, data io.Reader, backupID model.BackupID) (*CasHandle, error) {
	return s.place(key, relPath, relHashPath, data, nil, backupID, true)
}

func (s *Store) place(key model.FileIndexKey, relPath, relHashPath string, data io.Reader, hashSidecar []byte, backupID model.BackupID, partial bool) (*CasHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fixedPath := fixFilenameForOS(relPath)
	fixedHashPath := fixFilenameForOS(relHashPath)
	dstPath := filepath.Join(s.root, fixedPath)
	dstHashPath := filepath.Join(s.hashRoot, fixedHashPath)
	if err := os.MkdirAll(filepath.Dir(dstPath), 0750); err != nil {
		return nil, errors.AddContext(err, "cas: unable to create destination directory")
	}
	if err := os.MkdirAll(filepath.Dir(dstHashPath), 0750); err != nil {
		return nil, errors.AddContext(err, "cas: unable to create hash directory")
	}

	var master *model.FileEntry
	if !partial {
		var err error
		master, err = s.index.FindMaster(key)
		if err != nil {
			return nil, errors.AddContext(err, "cas: looking up master entry")
		}
	}

	if master != nil {
		linked, err := s.tryLink(master, dstPath, dstHashPath)
		if err != nil {
			return nil, err
		}
		if linked {
			return s.recordEntry(key, fixedPath, fixedHashPath, backupID, dstPath, dstHashPath, ResultLinked, partial)
		}

		reflinked, err := s.tryReflink(master, dstPath, dstHashPath)
		if err != nil {
			return nil, err
		}
		if reflinked {
			return s.recordEntry(key, fixedPath, fixedHashPath, backupID, dstPath, dstHashPath, ResultReflinked, partial)
		}
	}

	if err := writeFresh(dstPath, data); err != nil {
		return nil, errors.AddContext(err, "cas: fresh write failed")
	}
	if err := os.WriteFile(dstHashPath, hashSidecar, 0640); err != nil {
		return nil, errors.AddContext(err, "cas: writing hash sidecar failed")
	}
	return s.recordEntry(key, fixedPath, fixedHashPath, backupID, dstPath, dstHashPath, ResultFresh, partial)
}

func (s *Store) recordEntry(key model.FileIndexKey, relPath, relHashPath string, backupID model.BackupID, dstPath, dstHashPath string, result PlaceResult, partial bool) (*CasHandle, error) {
	entry := &model.FileEntry{
		BackupID: backupID,
		Path:     relPath,
		HashPath: relHashPath,
		Key:      key,
		Partial:  partial,
	}
	if err := s.index.Insert(entry); err != nil {
		return nil, errors.AddContext(err, "cas: indexing new entry failed")
	}
	return &CasHandle{Path: dstPath, HashPath: dstHashPath, Result: result, Entry: entry}, nil
}

// tryLink attempts to hardlink dstPath to the master's data (and hash)
// file. It returns false, nil (never an error) when hardlinking simply
// isn't applicable -- different filesystem, link limit reached -- so the
// caller can fall through to reflink or a fresh write.
func (s *Store) tryLink(master *model.FileEntry, dstPath, dstHashPath string) (bool, error) {
	masterPath := filepath.Join(s.root, master.Path)
	masterHashPath := filepath.Join(s.hashRoot, master.HashPath)

	count, err := linkCount(masterPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Index says there's a master but the file is gone; the
			// caller should fall back to a fresh write rather than fail.
			return false, nil
		}
		return false, errors.AddContext(err, "cas: stat master failed")
	}
	if count >= s.linkLimit {
		return false, nil
	}

	if err := s.journaledLink(masterPath, dstPath); err != nil {
		if errors.Contains(err, errCrossDevice) {
			return false, nil
		}
		return false, errors.AddContext(err, "cas: hardlink failed")
	}
	if err := os.Link(masterHashPath, dstHashPath); err != nil && !os.IsExist(err) {
		return false, errors.AddContext(err, "cas: hardlinking hash sidecar failed")
	}
	return true, nil
}

var errCrossDevice = errors.New("cas: cross-device link")

// journaledLink performs the hardlink through a temp-name-then-rename
// dance, journaled so replay_journal can finish or discard it after a
// crash between the link and the rename becoming visible.
func (s *Store) journaledLink(masterPath, dstPath string) error {
	tmp := dstPath + ".new"
	_ = os.Remove(tmp) // discard any stale temp link from a prior aborted attempt
	if err := os.Link(masterPath, tmp); err != nil {
		if linkErr, ok := err.(*os.LinkError); ok && linkErr.Err == syscall.EXDEV {
			return errCrossDevice
		}
		return err
	}

	u := linkRenameUpdate{TempPath: tmp, FinalPath: dstPath}
	update := writeaheadlog.Update{
		Name:         linkJournalUpdateName,
		Instructions: encoding.Marshal(u),
	}
	txn, err := s.wal.NewTransaction([]writeaheadlog.Update{update})
	if err != nil {
		_ = os.Remove(tmp)
		return errors.AddContext(err, "cas: unable to create link journal transaction")
	}
	if err := <-txn.SignalSetupComplete(); err != nil {
		_ = os.Remove(tmp)
		return errors.AddContext(err, "cas: unable to commit link journal transaction")
	}

	renameErr := os.Rename(tmp, dstPath)
	// From here on the rename must be considered committed even if the
	// process dies mid-flight; replay_journal() will finish it.
	if err := txn.SignalUpdatesApplied(); err != nil {
		return errors.AddContext(err, "cas: unable to close link journal transaction")
	}
	return renameErr
}

// tryReflink attempts a copy-on-write clone of the master's data file.
// Returns false, nil when the platform or filesystem doesn't support
// reflinking (not an error condition per place()'s contract).
func (s *Store) tryReflink(master *model.FileEntry, dstPath, dstHashPath string) (bool, error) {
	masterPath := filepath.Join(s.root, master.Path)
	masterHashPath := filepath.Join(s.hashRoot, master.HashPath)

	ok, err := reflink(masterPath, dstPath)
	if err != nil {
		return false, errors.AddContext(err, "cas: reflink failed")
	}
	if !ok {
		return false, nil
	}
	if ok2, err := reflink(masterHashPath, dstHashPath); err != nil {
		return false, errors.AddContext(err, "cas: reflinking hash sidecar failed")
	} else if !ok2 {
		// Fall back to a plain copy for the (small) sidecar if the
		// filesystem only reflinked the data file, e.g. across a bind
		// mount boundary for the hash root.
		if err := copyFile(masterHashPath, dstHashPath); err != nil {
			return false, errors.AddContext(err, "cas: copying hash sidecar failed")
		}
	}
	return true, nil
}

// reflink tries FICLONE (Linux, on filesystems like btrfs/xfs that support
// it). It returns false, nil whenever the ioctl is unavailable so the
// caller falls through to a fresh write, reserving the error return for
// genuine I/O failures.
func reflink(src, dst string) (bool, error) {
	srcFile, err := os.Open(src)
	if err != nil {
		return false, err
	}
	defer srcFile.Close()

	dstFile, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640)
	if err != nil {
		return false, err
	}
	defer dstFile.Close()

	if err := unix.IoctlFileClone(int(dstFile.Fd()), int(srcFile.Fd())); err != nil {
		_ = os.Remove(dst)
		return false, nil
	}
	return true, nil
}

func writeFresh(dstPath string, data io.Reader) error {
	f, err := os.OpenFile(dstPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, data)
	return err
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	return writeFresh(dst, in)
}

func linkCount(path string) (int, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 1, nil
	}
	return int(stat.Nlink), nil
}

// DataPath returns the absolute path of an indexed entry's data file.
func (s *Store) DataPath(e *model.FileEntry) string {
	return filepath.Join(s.root, e.Path)
}

// HashPath returns the absolute path of an indexed entry's hash sidecar.
func (s *Store) HashPath(e *model.FileEntry) string {
	return filepath.Join(s.hashRoot, e.HashPath)
}

// Unlink is unlink(): it evicts each entry from the index and then removes
// that entry's own data and hash file names, whether or not other entries
// of its class remain; when the entry was the last of its chain this drops
// the last link to the data. Each eviction commits in its own index
// transaction (inside fileindex.Evict) before the files are removed; the
// two steps are not one atomic operation.
func (s *Store) Unlink(entries []*model.FileEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byKey := map[model.FileIndexKey][]*model.FileEntry{}
	for _, e := range entries {
		byKey[e.Key] = append(byKey[e.Key], e)
	}

	for key, es := range byKey {
		for _, e := range es {
			dataPath := filepath.Join(s.root, e.Path)
			hashPath := filepath.Join(s.hashRoot, e.HashPath)
			if err := s.index.Evict(e); err != nil {
				return errors.AddContext(err, "cas: evicting entry from index failed")
			}
			remaining, err := s.index.FindMaster(key)
			if err != nil {
				return errors.AddContext(err, "cas: checking chain after eviction failed")
			}
			if remaining != nil {
				// The chain is still populated by another entry; this
				// hardlinked copy's removal only needs to drop our name.
				if err := removeIfExists(dataPath); err != nil {
					return errors.AddContext(err, "cas: removing unlinked data file failed")
				}
				if err := removeIfExists(hashPath); err != nil {
					return errors.AddContext(err, "cas: removing unlinked hash file failed")
				}
				continue
			}
			if err := removeIfExists(dataPath); err != nil {
				return errors.AddContext(err, "cas: removing last data file in chain failed")
			}
			if err := removeIfExists(hashPath); err != nil {
				return errors.AddContext(err, "cas: removing last hash file in chain failed")
			}
		}
	}
	return nil
}

func removeIfExists(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ProbeEncrypted reports whether path is readable. EFS-encrypted files that
// the server cannot decrypt return a transport error rather than being
// silently treated as present-but-empty, per place()'s edge-case policy.
func ProbeEncrypted(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.AddContext(bberrors.ErrTransport, err.Error())
	}
	defer f.Close()
	buf := make([]byte, 1)
	if _, err := f.Read(buf); err != nil && err != io.EOF {
		return errors.AddContext(bberrors.ErrTransport, "encrypted file unreadable: "+err.Error())
	}
	return nil
}
