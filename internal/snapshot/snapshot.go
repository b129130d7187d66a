// Package snapshot implements C5, the snapshot reference manager: it
// tracks live volume snapshots as SCRefs shared by every SCDir that needs
// a consistent view of the same volume, deduplicating snapshot creation
// and deferring the actual platform snapshot mechanism to an injected
// SnapshotDriver.
package snapshot

import (
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/uplo-tech/errors"
	"github.com/uplo-tech/log"

	"github.com/uroni/urbackup-backend-sub003/internal/bberrors"
	"github.com/uroni/urbackup-backend-sub003/internal/model"
)

// DefaultStartNewTimeout is shadowcopy_startnew_timeout: a snapshot older
// than this, held only by this server's own tokens, is considered stale
// and eligible for restart.
const DefaultStartNewTimeout = 55 * time.Minute

// DefaultShadowcopyTimeout is shadowcopy_timeout: cleanup drops an SCRef
// whose StartTime is older than this, whatever tokens it still holds.
const DefaultShadowcopyTimeout = 7 * 24 * time.Hour

// releaseRetryDelay is how long release() waits before retrying a delete
// the driver reported as still in use.
const releaseRetryDelay = 30 * time.Second

// ErrInUse is returned by a SnapshotDriver.Delete call when the snapshot
// cannot be removed yet (e.g. a metadata transfer is still reading it).
// This is not a failure: release() treats it as "retry later".
var ErrInUse = errors.New("snapshot: driver reports snapshot in use")

// CreateResult is what a SnapshotDriver returns on a successful create.
type CreateResult struct {
	SSetID [16]byte
	Target string // path corresponding to the volume root, inside the snapshot
}

// SnapshotDriver is the abstract platform collaborator: VSS on Windows, an
// LVM/btrfs/ZFS snapshot on Linux. Out of scope for this engine beyond the
// interface boundary.
type SnapshotDriver interface {
	Create(volume string) (CreateResult, error)
	Delete(ssetid [16]byte) error
}

// Manager owns the SCRef/SCDir arenas: spec §9's design note that these
// never hold raw pointers to each other, only IDs resolved through the
// manager, so the cyclic SCDir<->SCRef relationship never needs cyclic Go
// pointers.
type Manager struct {
	mu sync.Mutex

	driver          SnapshotDriver
	log             *log.Logger
	startNewTimeout time.Duration
	sleep           func(time.Duration)

	refs      map[model.SCRefID]*model.SCRef
	dirs      map[model.SCDirID]*model.SCDir
	nextRefID model.SCRefID
	nextDirID model.SCDirID
}

// New builds a Manager backed by driver.
func New(driver SnapshotDriver, logger *log.Logger) *Manager {
	return &Manager{
		driver:          driver,
		log:             logger,
		startNewTimeout: DefaultStartNewTimeout,
		sleep:           time.Sleep,
		refs:            make(map[model.SCRefID]*model.SCRef),
		dirs:            make(map[model.SCDirID]*model.SCDir),
	}
}

// NewSCDir registers a scheduled directory against origTarget, the path on
// the live filesystem that backups of it should eventually be redirected
// through a snapshot.
func (m *Manager) NewSCDir(origTarget string, fileServ bool) *model.SCDir {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextDirID++
	d := &model.SCDir{ID: m.nextDirID, OrigTarget: origTarget, FileServ: fileServ}
	m.dirs[d.ID] = d
	return d
}

// SCDir returns the current state of a registered directory.
func (m *Manager) SCDir(id model.SCDirID) (model.SCDir, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.dirs[id]
	if !ok {
		return model.SCDir{}, false
	}
	return *d, true
}

// Start is start(scdir, for_image, allow_restart): resolve the target
// directory's volume, reuse a matching live SCRef when one exists (unless
// it is stale and the caller allows a restart), or create a fresh one via
// the driver.
func (m *Manager) Start(dirID model.SCDirID, forImage, allowRestart bool, token string, now time.Time) (*model.SCRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cleanupLocked(now)

	dir, ok := m.dirs[dirID]
	if !ok {
		return nil, errors.AddContext(bberrors.ErrSnapshot, "unknown scheduled directory")
	}

	volume, clientSubname, err := ResolveVolume(dir.OrigTarget)
	if err != nil {
		return nil, errors.AddContext(bberrors.ErrSnapshot, err.Error())
	}

	if existing := m.findMatchingLocked(volume, clientSubname); existing != nil {
		stale := now.Sub(existing.StartTime) > m.startNewTimeout && heldOnlyByUs(existing)
		if !(stale && allowRestart) {
			existing.StartTokens[token] = struct{}{}
			m.attachLocked(dir, existing)
			return existing, nil
		}
		released, err := m.releaseRefNoRetryLocked(existing)
		if err != nil {
			return nil, err
		}
		if !released {
			existing.StartTokens[token] = struct{}{}
			m.attachLocked(dir, existing)
			return existing, nil
		}
	}

	res, err := m.driver.Create(volume)
	if err != nil {
		return nil, errors.AddContext(bberrors.ErrSnapshot, err.Error())
	}

	m.nextRefID++
	ref := &model.SCRef{
		ID:             m.nextRefID,
		SSetID:         res.SSetID,
		VolPath:        volume,
		Target:         res.Target,
		ClientSubname:  clientSubname,
		StartTime:      now,
		StartTokens:    map[string]struct{}{token: {}},
		ForImageBackup: forImage,
	}
	m.refs[ref.ID] = ref
	m.attachLocked(dir, ref)
	return ref, nil
}

func (m *Manager) attachLocked(dir *model.SCDir, ref *model.SCRef) {
	dir.Ref = ref.ID
	dir.Running = true
	dir.Target = ref.Target
}

func (m *Manager) findMatchingLocked(volume, clientSubname string) *model.SCRef {
	for _, ref := range m.refs {
		if ref.VolPath == volume && ref.ClientSubname == clientSubname {
			return ref
		}
	}
	return nil
}

func heldOnlyByUs(ref *model.SCRef) bool {
	// Every token this server hands out is opaque to the manager; in the
	// single-server deployment this engine targets, every live token was
	// issued by us, so "held only by tokens belonging to this server" is
	// always true here. A multi-server deployment would need to tag
	// tokens with an origin and check that here instead.
	return true
}

// Release is release(scdir, for_image, save_id, keep): drop the caller's
// token, and if the SCRef is now unreferenced by any token or SCDir,
// delete it through the driver, retrying on ErrInUse per spec.
func (m *Manager) Release(dirID model.SCDirID, token string, now time.Time) error {
	m.mu.Lock()
	dir, ok := m.dirs[dirID]
	if !ok {
		m.mu.Unlock()
		return errors.AddContext(bberrors.ErrSnapshot, "unknown scheduled directory")
	}
	refID := dir.Ref
	dir.Ref = 0
	dir.Running = false

	ref, ok := m.refs[refID]
	if !ok {
		m.mu.Unlock()
		return nil // already released; satisfies "never released twice"
	}
	delete(ref.StartTokens, token)

	if len(ref.StartTokens) > 0 || m.anyDirStillReferencesLocked(refID) {
		m.mu.Unlock()
		return nil
	}
	delete(m.refs, refID)
	ssetid := ref.SSetID
	m.mu.Unlock()

	// The actual delete (and its IN USE retry wait) happens without
	// holding the manager lock, so other clients' start()/release() calls
	// are not blocked for up to 30s at a time.
	return m.deleteWithRetry(ssetid)
}

func (m *Manager) anyDirStillReferencesLocked(refID model.SCRefID) bool {
	for _, d := range m.dirs {
		if d.Ref == refID {
			return true
		}
	}
	return false
}

func (m *Manager) deleteWithRetry(ssetid [16]byte) error {
	for {
		err := m.driver.Delete(ssetid)
		if err == nil {
			return nil
		}
		if errors.Contains(err, ErrInUse) {
			m.logf("snapshot: delete reported in use, retrying in %s", releaseRetryDelay)
			m.sleep(releaseRetryDelay)
			continue
		}
		return errors.AddContext(bberrors.ErrSnapshot, err.Error())
	}
}

// releaseRefNoRetryLocked is used by Start() when restarting a stale
// snapshot: unlike Release(), the caller already holds m.mu and needs the
// old SCRef gone before creating a new one, so this path does not wait out
// an ErrInUse retry loop while holding the lock. If the driver genuinely
// reports in-use, the stale snapshot is left registered (released == false)
// and the caller must reuse it rather than create a duplicate.
func (m *Manager) releaseRefNoRetryLocked(ref *model.SCRef) (released bool, err error) {
	if err := m.driver.Delete(ref.SSetID); err != nil {
		if errors.Contains(err, ErrInUse) {
			return false, nil
		}
		return false, errors.AddContext(bberrors.ErrSnapshot, err.Error())
	}
	delete(m.refs, ref.ID)
	for _, d := range m.dirs {
		if d.Ref == ref.ID {
			d.Ref = 0
			d.Running = false
		}
	}
	return true, nil
}

// Prune runs cleanup_saved_shadowcopies outside of a Start call, for a
// caller that wants to reclaim abandoned SCRefs on idle volumes between
// backup runs rather than waiting for the next Start.
func (m *Manager) Prune(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupLocked(now)
}

// cleanupLocked is cleanup_saved_shadowcopies: it runs at the start of
// every Start call and from Prune, and removes any SCRef whose token set is
// empty, whose StartTime is older than DefaultShadowcopyTimeout, or whose
// target directory no longer exists on disk.
func (m *Manager) cleanupLocked(now time.Time) {
	for id, ref := range m.refs {
		if len(ref.StartTokens) == 0 {
			delete(m.refs, id)
			continue
		}
		if now.Sub(ref.StartTime) > DefaultShadowcopyTimeout {
			delete(m.refs, id)
			continue
		}
		if _, err := os.Stat(ref.Target); os.IsNotExist(err) {
			delete(m.refs, id)
		}
	}
}

func (m *Manager) logf(format string, args ...interface{}) {
	if m.log != nil {
		m.log.Printf(format, args...)
	}
}

// ResolveVolume resolves the filesystem volume (mountpoint) a path lives
// on, returning the mountpoint and the subpath within it (the
// clientsubname distinguishing two SCDirs on the same volume). It walks up
// the directory tree comparing device IDs until the device changes,
// avoiding any dependency on a platform-specific mount-table parser.
func ResolveVolume(path string) (volume, subname string, err error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", "", err
	}
	dev, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return abs, "", nil
	}
	startDev := dev.Dev

	mount := abs
	for {
		parent := filepath.Dir(mount)
		if parent == mount {
			break
		}
		pinfo, err := os.Stat(parent)
		if err != nil {
			break
		}
		pdev, ok := pinfo.Sys().(*syscall.Stat_t)
		if !ok || pdev.Dev != startDev {
			break
		}
		mount = parent
	}
	sub, err := filepath.Rel(mount, abs)
	if err != nil {
		sub = ""
	}
	if sub == "." {
		sub = ""
	}
	return mount, sub, nil
}
