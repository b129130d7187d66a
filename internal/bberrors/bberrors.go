// Package bberrors defines the backup engine's error taxonomy (spec §7).
// Each kind is a sentinel that callers dispatch on with errors.Contains,
// mirroring the teacher's errors.Contains(err, filesystem.ErrNotExist) idiom,
// rather than type assertions or panics.
package bberrors

import (
	"github.com/uplo-tech/errors"
)

// Sentinel error kinds. Components wrap a sentinel with errors.AddContext to
// describe the specific failure while leaving it matchable via
// errors.Contains(err, bberrors.ErrTransport).
var (
	// ErrTransport: peer silent, reset, or framing violation. Recovered
	// locally by reconnect-with-backoff; surfaced as backup failure only
	// after 5 attempts.
	ErrTransport = errors.New("transport error")

	// ErrHashMismatch: chunk hash disagrees. Recovered by re-reading the
	// chunk up to 5x with fresh I/O; otherwise surfaced as partial.
	ErrHashMismatch = errors.New("hash mismatch")

	// ErrSnapshot: snapshot create/release failed. Non-retryable for this
	// run; disables CBT for the affected volume.
	ErrSnapshot = errors.New("snapshot error")

	// ErrIndex: on-disk index failed its integrity check. Fatal for the
	// run; a crash marker is written and a rebuild requested on next
	// startup.
	ErrIndex = errors.New("index error")

	// ErrPolicy: backup rejected by window, rate limit, or permission. Not
	// an error for the operator; logged at INFO.
	ErrPolicy = errors.New("policy error")

	// ErrDisk: read error on the client source. Counted per share; one
	// warning per share per backup, never fatal by default.
	ErrDisk = errors.New("disk error")
)

// Code is the single-byte error code that follows every chunked-transfer
// response header (spec §4.4).
type Code byte

const (
	CodeSuccess Code = iota
	CodeHash
	CodeTimeout
	CodeBaseDirLost
	CodeFileDoesntExist
	CodeConnLost
	CodeSocketError
	CodeErrorCodes
)

func (c Code) String() string {
	switch c {
	case CodeSuccess:
		return "SUCCESS"
	case CodeHash:
		return "HASH"
	case CodeTimeout:
		return "TIMEOUT"
	case CodeBaseDirLost:
		return "BASE_DIR_LOST"
	case CodeFileDoesntExist:
		return "FILE_DOESNT_EXIST"
	case CodeConnLost:
		return "CONN_LOST"
	case CodeSocketError:
		return "SOCKET_ERROR"
	case CodeErrorCodes:
		return "ERRORCODES"
	default:
		return "UNKNOWN"
	}
}

// ErrForCode maps a wire error code to the sentinel kind a caller should
// dispatch on.
func ErrForCode(c Code) error {
	switch c {
	case CodeSuccess:
		return nil
	case CodeHash:
		return ErrHashMismatch
	case CodeTimeout, CodeConnLost, CodeSocketError, CodeErrorCodes:
		return ErrTransport
	case CodeBaseDirLost:
		return ErrSnapshot
	case CodeFileDoesntExist:
		return ErrDisk
	default:
		return errors.New("unknown error code")
	}
}

// LogLevel mirrors the level tag on a backup's diagnostic log lines
// ("<loglevel>-<unix_ts>-<message>", spec §6).
type LogLevel int

const (
	LogInfo LogLevel = iota
	LogWarning
	LogError
)

// LogEntry is one line of a backup's diagnostic log.
type LogEntry struct {
	Level     LogLevel
	UnixTime  int64
	Message   string
}
