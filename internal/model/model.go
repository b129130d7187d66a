// Package model defines the persistent data types shared across the backup
// engine's components: clients, backup runs, file-index entries, and the
// snapshot/CBT bookkeeping types. It intentionally holds no behavior beyond
// small invariant-preserving helpers -- components that own a table decide
// how these types are stored and mutated.
package model

import (
	"time"
)

// ClientID uniquely identifies a Client row.
type ClientID int64

// ClientUID is the opaque 16-byte identifier that stays stable across
// client renames (see Client.UID).
type ClientUID [16]byte

// TGroup is a backup-group identifier. 0 is the default group, 1 is the
// continuous group, and values >= 2 are user-defined. Tgroup participates in
// the file-index key so that groups never deduplicate across each other.
type TGroup int32

const (
	// TGroupDefault is the default backup group.
	TGroupDefault TGroup = 0
	// TGroupContinuous is the continuous-backup group.
	TGroupContinuous TGroup = 1
)

// Capability is a bitset of protocol/feature flags a client has advertised.
type Capability uint64

// Protocol versions negotiated during capability exchange.
const (
	ProtocolFilesrv Capability = 1 << iota
	ProtocolFile
	ProtocolFileV2
	ProtocolImage
	ProtocolETA
	ProtocolMetadata
)

// Client is a backup client, unique by name (case-sensitive ASCII after
// normalisation). It is created on first successful identification and
// survives renames via the moved_clients table (see MovedClient).
type Client struct {
	ID                ClientID
	Name              string
	UID               ClientUID
	GroupID           int64
	LastSeen          time.Time
	LastFileBackup    time.Time
	LastImageBackup   map[string]time.Time // keyed by drive letter
	FileOK            bool
	ImageOK           bool
	Capabilities      Capability
	ProtocolVersions  Capability
	PermUID           string
	BytesUsedFiles    int64
	BytesUsedImages   int64
	CountFileBackupTry  int
	CountImageBackupTry int
	LastFileBackupTry   time.Time
	LastImageBackupTry  time.Time
}

// MovedClient records that OldName was renamed to the client now identified
// by ID, so that historical backups keyed by name remain resolvable.
type MovedClient struct {
	ID      ClientID
	OldName string
	Renamed time.Time
}

// BackupKind enumerates the four kinds of backup run.
type BackupKind int

const (
	BackupFullFile BackupKind = iota
	BackupIncrFile
	BackupFullImage
	BackupIncrImage
)

func (k BackupKind) String() string {
	switch k {
	case BackupFullFile:
		return "full-file"
	case BackupIncrFile:
		return "incr-file"
	case BackupFullImage:
		return "full-image"
	case BackupIncrImage:
		return "incr-image"
	default:
		return "unknown"
	}
}

// IsImage reports whether k is an image-backup kind.
func (k BackupKind) IsImage() bool {
	return k == BackupFullImage || k == BackupIncrImage
}

// IsIncremental reports whether k is an incremental-backup kind.
func (k BackupKind) IsIncremental() bool {
	return k == BackupIncrFile || k == BackupIncrImage
}

// BackupID identifies one BackupRun.
type BackupID int64

// BackupRun is one file or image backup. It is created when the client
// state machine enters "running" and is mutated only by its owning worker;
// it is durably marked Complete before becoming visible to cleanup or
// restore.
type BackupRun struct {
	ID              BackupID
	Client          ClientID
	TGroup          TGroup
	Kind            BackupKind
	StartedAt       time.Time
	CompletedAt     time.Time
	Resumed         bool
	SizeCalculated  bool
	SizeBytes       int64
	Archived        bool
	ArchiveTimeout  time.Time
	IncrementalRef  BackupID // parent backup id for incrementals, 0 if none
	SyncTime        time.Time
	DeletePending   bool
	Complete        bool
	Errors          int
	HasEarlyError   bool
	Path            string // <backupfolder>/<client>/<timestamp> or .vhdz path
}

// Success reports whether the run should be considered a clean success: it
// completed, without any errors, and without having hit an early abort.
func (b *BackupRun) Success() bool {
	return b.Complete && b.Errors == 0 && !b.HasEarlyError
}

// FileEntryID identifies a FileEntry row.
type FileEntryID int64

// FileIndexKey is the file-index equivalence-class key described in spec
// §3/§4.2: (shahash, size, clientid, tgroup).
type FileIndexKey struct {
	ShaHash  [64]byte // tree hash or SHA-512 digest; zero-padded if shorter
	Size     int64
	ClientID ClientID
	TGroup   TGroup
}

// FileEntry is one file observed in the CAS index. The (NextEntry,
// PrevEntry, PointedTo) fields form a doubly-linked chain over entries that
// share a FileIndexKey, ordered by insertion; exactly one entry in each
// chain has PointedTo == true (the hardlink master). NextEntry on the last
// entry is 0 (no ID is ever assigned 0).
type FileEntry struct {
	ID          FileEntryID
	BackupID    BackupID
	Path        string
	HashPath    string
	Key         FileIndexKey
	RSize       int64 // on-disk delta attributable to this entry
	Incremental bool
	Partial     bool // salvaged partial download (sha == "")
	NextEntry   FileEntryID
	PrevEntry   FileEntryID
	PointedTo   bool
}

// SCRefID identifies a live snapshot reference.
type SCRefID int64

// CBTType enumerates the change-block-tracking backend a snapshot uses.
type CBTType int

const (
	CBTNone CBTType = iota
	CBTDatto
	CBTEra
	CBTWindows
)

// SCRef is an active snapshot: spec §3 Snapshot reference (SCRef). It is
// released iff StartTokens is empty or StartTime is older than the
// shadowcopy timeout (snapshot.DefaultShadowcopyTimeout, 7 days).
type SCRef struct {
	ID             SCRefID
	SSetID         [16]byte // 128-bit
	VolPath        string
	Target         string
	ClientSubname  string
	StartTime      time.Time
	StartTokens    map[string]struct{}
	ForImageBackup bool
	CBT            bool
	CBTFile        string
	CBTType        CBTType
}

// SCDirID identifies a scheduled-directory handle.
type SCDirID int64

// SCDir is a named mountpoint inside a snapshot (spec §3 Scheduled
// directory). Ref is an SCRefID, never a raw pointer, per §9's "no cyclic
// references, use indices" design note; it is the zero value when Running
// is false.
type SCDir struct {
	ID         SCDirID
	Dir        string
	OrigTarget string
	Target     string
	Running    bool
	FileServ   bool
	Ref        SCRefID
}

// BlockSize is the CBT / chunked-transfer block size: 512 KiB.
const BlockSize = 512 * 1024

// SectorMagic is the 13-byte magic each CBT bitmap sector begins with.
const SectorMagic = "~urbackupcbt!"
